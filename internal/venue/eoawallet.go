// eoawallet.go is the BatchWallet used when signature_type is EOA (0): a
// plain externally-owned account has no contract to delegatecall a
// MultiSend library from, so there is no way to make its calls atomic.
// EOAWallet instead submits each call as its own sequential transaction,
// stopping at the first failure so split/merge is never applied without its
// matching approve. This is a deliberate, narrower guarantee than
// SafeWallet's — callers that need true atomicity should configure a Safe
// (signature_type 1 or 2) instead.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// EOAWallet submits batched calls as sequential transactions from a plain
// account. See the package comment above for why this cannot be atomic.
type EOAWallet struct {
	auth   *Auth
	reader *ChainReader
	logger *slog.Logger
}

// NewEOAWallet builds an EOAWallet signing with auth's key.
func NewEOAWallet(auth *Auth, reader *ChainReader, logger *slog.Logger) *EOAWallet {
	return &EOAWallet{auth: auth, reader: reader, logger: logger.With("component", "eoawallet", "address", auth.Address().Hex())}
}

// SubmitBatch sends each call as its own transaction in order, waiting for
// each to be mined before sending the next. It stops and returns on the
// first failed or reverted call; txHash is that call's hash (or, on full
// success, the last call's).
func (w *EOAWallet) SubmitBatch(ctx context.Context, calls []MultiSendCall) (common.Hash, bool, error) {
	client := w.reader.Client()

	var lastHash common.Hash
	for i, c := range calls {
		accountNonce, err := client.PendingNonceAt(ctx, w.auth.Address())
		if err != nil {
			return lastHash, false, fmt.Errorf("fetch account nonce for call %d: %w", i, err)
		}
		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return lastHash, false, fmt.Errorf("suggest gas price for call %d: %w", i, err)
		}
		value := c.Value
		if value == nil {
			value = big.NewInt(0)
		}
		to := c.To
		gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{From: w.auth.Address(), To: &to, Value: value, Data: c.Data})
		if err != nil {
			return lastHash, false, fmt.Errorf("estimate gas for call %d: %w", i, err)
		}

		tx := gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    accountNonce,
			To:       &to,
			Value:    value,
			Gas:      gasLimit + gasLimit/5,
			GasPrice: gasPrice,
			Data:     c.Data,
		})
		signed, err := w.auth.SignTransaction(tx)
		if err != nil {
			return lastHash, false, fmt.Errorf("sign call %d: %w", i, err)
		}
		if err := client.SendTransaction(ctx, signed); err != nil {
			return lastHash, false, fmt.Errorf("send call %d: %w", i, err)
		}
		lastHash = signed.Hash()

		receipt, err := bind.WaitMined(ctx, client, signed)
		if err != nil {
			return lastHash, false, fmt.Errorf("wait for call %d receipt: %w", i, err)
		}
		if receipt.Status != gethtypes.ReceiptStatusSuccessful {
			w.logger.Error("sequential batch call reverted, stopping", "index", i, "tx_hash", lastHash.Hex())
			return lastHash, false, nil
		}
	}

	return lastHash, true, nil
}
