// safewallet.go implements BatchWallet against a deployed Gnosis Safe: the
// funder address configured for signature_type GNOSIS_SAFE (or PROXY) is
// assumed to be a Safe with our signer as its sole owner (threshold 1). A
// bare EOA cannot submit an atomic multisend itself — the approve and
// split/merge legs must run in the spender's own address context, which for
// an EOA sending calls to a MultiSend library means the library runs in its
// own context, not the wallet's. Routing through a Safe's execTransaction,
// which delegatecalls the MultiSend library so it runs in the Safe's
// context, is the standard way around that. Grounded on auth.go's existing
// EIP-712 signing idiom; no teacher analog exists for any of this.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// multiSendLibrary is the canonical MultiSend library deployment address
// (same across EVM chains via deterministic CREATE2 deployment). It must be
// called with operation=DELEGATECALL so its internal loop of regular calls
// runs in the Safe's own context.
var multiSendLibrary = common.HexToAddress("0x8D29bE29923b68abfDD21e541b9374737B49cdA")

const (
	opCall         = uint8(0)
	opDelegateCall = uint8(1)
)

const safeABIJSON = `[
	{"name":"nonce","type":"function","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"name":"execTransaction","type":"function","inputs":[
		{"name":"to","type":"address"},
		{"name":"value","type":"uint256"},
		{"name":"data","type":"bytes"},
		{"name":"operation","type":"uint8"},
		{"name":"safeTxGas","type":"uint256"},
		{"name":"baseGas","type":"uint256"},
		{"name":"gasPrice","type":"uint256"},
		{"name":"gasToken","type":"address"},
		{"name":"refundReceiver","type":"address"},
		{"name":"signatures","type":"bytes"}
	],"outputs":[{"name":"","type":"bool"}]}
]`

const multiSendABIJSON = `[
	{"name":"multiSend","type":"function","inputs":[{"name":"transactions","type":"bytes"}]}
]`

var (
	safeABI      abi.ABI
	multiSendABI abi.ABI
)

func init() {
	var err error
	safeABI, err = abi.JSON(strings.NewReader(safeABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse safe abi: %v", err))
	}
	multiSendABI, err = abi.JSON(strings.NewReader(multiSendABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse multisend abi: %v", err))
	}
}

// SafeWallet is the BatchWallet implementation used outside of tests: it
// wraps a batch of calls in the canonical MultiSend library and submits it
// through the configured Safe's execTransaction, signed by our one owner
// key over the SafeTx EIP-712 struct.
type SafeWallet struct {
	auth     *Auth
	reader   *ChainReader
	safeAddr common.Address
	logger   *slog.Logger
}

// NewSafeWallet builds a SafeWallet over the Safe at auth's configured
// funder address.
func NewSafeWallet(auth *Auth, reader *ChainReader, logger *slog.Logger) *SafeWallet {
	return &SafeWallet{
		auth:     auth,
		reader:   reader,
		safeAddr: auth.FunderAddress(),
		logger:   logger.With("component", "safewallet", "safe", auth.FunderAddress().Hex()),
	}
}

// SubmitBatch wraps calls in a MultiSend blob, signs a SafeTx over it, and
// submits execTransaction, waiting for the receipt.
func (w *SafeWallet) SubmitBatch(ctx context.Context, calls []MultiSendCall) (common.Hash, bool, error) {
	batchData := EncodeMultiSend(calls)

	txData, err := multiSendABI.Pack("multiSend", batchData)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("encode multisend call: %w", err)
	}

	nonce, err := w.safeNonce(ctx)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("fetch safe nonce: %w", err)
	}

	sig, err := w.signSafeTx(multiSendLibrary, txData, nonce)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("sign safe tx: %w", err)
	}

	execData, err := safeABI.Pack("execTransaction",
		multiSendLibrary, big.NewInt(0), txData, opDelegateCall,
		big.NewInt(0), big.NewInt(0), big.NewInt(0),
		common.Address{}, common.Address{}, sig,
	)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("encode execTransaction: %w", err)
	}

	return w.sendAndWait(ctx, w.safeAddr, execData)
}

// safeNonce reads the Safe's current transaction nonce via eth_call.
func (w *SafeWallet) safeNonce(ctx context.Context) (*big.Int, error) {
	data, err := safeABI.Pack("nonce")
	if err != nil {
		return nil, fmt.Errorf("encode nonce call: %w", err)
	}

	result, err := w.reader.Client().CallContract(ctx, ethereum.CallMsg{To: &w.safeAddr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call nonce: %w", err)
	}

	out, err := safeABI.Unpack("nonce", result)
	if err != nil {
		return nil, fmt.Errorf("unpack nonce: %w", err)
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected nonce output type %T", out[0])
	}
	return nonce, nil
}

// signSafeTx signs the SafeTx EIP-712 struct for a zero-value call to `to`
// with `data`, operation=DELEGATECALL, zero gas params and refund receiver,
// and our single owner as the sole signer (threshold 1).
func (w *SafeWallet) signSafeTx(to common.Address, data []byte, nonce *big.Int) ([]byte, error) {
	domain := &apitypes.TypedDataDomain{
		ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(w.auth.ChainID())),
		VerifyingContract: w.safeAddr.Hex(),
	}

	types := apitypes.Types{
		"EIP712Domain": {
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"SafeTx": {
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "data", Type: "bytes"},
			{Name: "operation", Type: "uint8"},
			{Name: "safeTxGas", Type: "uint256"},
			{Name: "baseGas", Type: "uint256"},
			{Name: "gasPrice", Type: "uint256"},
			{Name: "gasToken", Type: "address"},
			{Name: "refundReceiver", Type: "address"},
			{Name: "nonce", Type: "uint256"},
		},
	}

	message := apitypes.TypedDataMessage{
		"to":             to.Hex(),
		"value":          "0",
		"data":           "0x" + common.Bytes2Hex(data),
		"operation":      fmt.Sprintf("%d", opDelegateCall),
		"safeTxGas":      "0",
		"baseGas":        "0",
		"gasPrice":       "0",
		"gasToken":       common.Address{}.Hex(),
		"refundReceiver": common.Address{}.Hex(),
		"nonce":          nonce.String(),
	}

	return w.auth.SignTypedData(domain, types, message, "SafeTx")
}

// sendAndWait builds, signs and submits an EOA transaction to `to` carrying
// `data`, waiting for it to be mined.
func (w *SafeWallet) sendAndWait(ctx context.Context, to common.Address, data []byte) (common.Hash, bool, error) {
	client := w.reader.Client()

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("suggest gas price: %w", err)
	}

	accountNonce, err := client.PendingNonceAt(ctx, w.auth.Address())
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("fetch account nonce: %w", err)
	}

	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: w.auth.Address(),
		To:   &to,
		Data: data,
	})
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("estimate gas: %w", err)
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    accountNonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit + gasLimit/5, // 20% buffer over the estimate
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := w.auth.SignTransaction(tx)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, false, fmt.Errorf("send transaction: %w", err)
	}
	w.logger.Info("submitted batch transaction", "tx_hash", signed.Hash().Hex())

	receipt, err := bind.WaitMined(ctx, client, signed)
	if err != nil {
		return signed.Hash(), false, fmt.Errorf("wait for receipt: %w", err)
	}

	return signed.Hash(), receipt.Status == gethtypes.ReceiptStatusSuccessful, nil
}
