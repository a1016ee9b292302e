// chain.go implements the on-chain leg of the inventory manager (§4.H): ABI
// encoding for the conditional-token contract's splitPosition/mergePositions
// calls, the ERC20 approve/allowance calls, and batching them into a single
// atomic multisend transaction through an operator-controlled multi-owner
// wallet. No teacher analog exists for this; it is grounded on the
// go-ethereum ABI/transaction-signing idioms already used for EIP-712 auth
// in auth.go.
package venue

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	ctfABIJSON = `[
		{"name":"splitPosition","type":"function","inputs":[
			{"name":"collateralToken","type":"address"},
			{"name":"parentCollectionId","type":"bytes32"},
			{"name":"conditionId","type":"bytes32"},
			{"name":"partition","type":"uint256[]"},
			{"name":"amount","type":"uint256"}
		]},
		{"name":"mergePositions","type":"function","inputs":[
			{"name":"collateralToken","type":"address"},
			{"name":"parentCollectionId","type":"bytes32"},
			{"name":"conditionId","type":"bytes32"},
			{"name":"partition","type":"uint256[]"},
			{"name":"amount","type":"uint256"}
		]}
	]`

	erc20ABIJSON = `[
		{"name":"approve","type":"function","inputs":[
			{"name":"spender","type":"address"},
			{"name":"amount","type":"uint256"}
		]},
		{"name":"allowance","type":"function","inputs":[
			{"name":"owner","type":"address"},
			{"name":"spender","type":"address"}
		],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
		{"name":"balanceOf","type":"function","inputs":[
			{"name":"account","type":"address"}
		],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}
	]`

	erc1155ABIJSON = `[
		{"name":"balanceOf","type":"function","inputs":[
			{"name":"account","type":"address"},
			{"name":"id","type":"uint256"}
		],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"}
	]`
)

var (
	ctfABI     abi.ABI
	erc20ABI   abi.ABI
	erc1155ABI abi.ABI
)

func init() {
	var err error
	ctfABI, err = abi.JSON(strings.NewReader(ctfABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse ctf abi: %v", err))
	}
	erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	erc1155ABI, err = abi.JSON(strings.NewReader(erc1155ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("parse erc1155 abi: %v", err))
	}
}

// binaryPartition is the [1,2] outcome-slot partition for a binary condition.
var binaryPartition = []*big.Int{big.NewInt(1), big.NewInt(2)}

// zeroParentCollection is the root collection (no parent).
var zeroParentCollection common.Hash

// EncodeSplit packs calldata for splitPosition(collateral, ∅, conditionId, [1,2], amount).
func EncodeSplit(collateralToken common.Address, conditionID common.Hash, amount *big.Int) ([]byte, error) {
	return ctfABI.Pack("splitPosition", collateralToken, zeroParentCollection, conditionID, binaryPartition, amount)
}

// EncodeMerge packs calldata for mergePositions(collateral, ∅, conditionId, [1,2], amount).
func EncodeMerge(collateralToken common.Address, conditionID common.Hash, amount *big.Int) ([]byte, error) {
	return ctfABI.Pack("mergePositions", collateralToken, zeroParentCollection, conditionID, binaryPartition, amount)
}

// outcomeIndexSet returns the CTF index set for a binary outcome: bit 0 (1)
// for YES, bit 1 (2) for NO, matching binaryPartition's [1,2] ordering.
func outcomeIndexSet(outcomeIndex int) *big.Int {
	return big.NewInt(int64(1 << uint(outcomeIndex)))
}

// collectionID derives a CTF collection id for the root parent collection:
// keccak256(parentCollectionId || conditionId || indexSet), per Gnosis CTF's
// getCollectionId. The conditional-token framework represents each outcome as
// a distinct ERC1155 token rather than a separate ERC20, so reading an
// outcome-token balance means first deriving the id that balanceOf expects.
func collectionID(conditionID common.Hash, indexSet *big.Int) common.Hash {
	buf := make([]byte, 0, 96)
	buf = append(buf, zeroParentCollection.Bytes()...)
	buf = append(buf, conditionID.Bytes()...)
	buf = append(buf, common.LeftPadBytes(indexSet.Bytes(), 32)...)
	return common.BytesToHash(crypto.Keccak256(buf))
}

// positionID derives the ERC1155 token id for a (collateral, collection)
// pair, per Gnosis CTF's getPositionId: uint256(keccak256(collateralToken ||
// collectionId)), packed without padding the address to 32 bytes.
func positionID(collateralToken common.Address, collection common.Hash) *big.Int {
	buf := make([]byte, 0, 52)
	buf = append(buf, collateralToken.Bytes()...)
	buf = append(buf, collection.Bytes()...)
	return new(big.Int).SetBytes(crypto.Keccak256(buf))
}

// OutcomeTokenID computes the ERC1155 token id for a binary market's YES
// (outcomeIndex 0) or NO (outcomeIndex 1) position.
func OutcomeTokenID(collateralToken common.Address, conditionID common.Hash, outcomeIndex int) *big.Int {
	return positionID(collateralToken, collectionID(conditionID, outcomeIndexSet(outcomeIndex)))
}

// EncodeApprove packs calldata for ERC20 approve(spender, amount).
func EncodeApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// EncodeAllowanceCall packs calldata for ERC20 allowance(owner, spender).
func EncodeAllowanceCall(owner, spender common.Address) ([]byte, error) {
	return erc20ABI.Pack("allowance", owner, spender)
}

// EncodeBalanceOfCall packs calldata for ERC20 balanceOf(account).
func EncodeBalanceOfCall(account common.Address) ([]byte, error) {
	return erc20ABI.Pack("balanceOf", account)
}

// MultiSendCall is one leg of a batched atomic transaction.
type MultiSendCall struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// EncodeMultiSend packs a sequence of calls into a Gnosis-Safe-compatible
// MultiSend blob: repeated (operation uint8, to address, value uint256,
// dataLength uint256, data bytes), concatenated with no padding between
// entries. operation is always 0 (regular call, not delegatecall).
func EncodeMultiSend(calls []MultiSendCall) []byte {
	var buf []byte
	for _, c := range calls {
		value := c.Value
		if value == nil {
			value = big.NewInt(0)
		}
		buf = append(buf, 0) // operation = Call
		buf = append(buf, common.LeftPadBytes(c.To.Bytes(), 20)...)
		buf = append(buf, common.LeftPadBytes(value.Bytes(), 32)...)
		buf = append(buf, common.LeftPadBytes(big.NewInt(int64(len(c.Data))).Bytes(), 32)...)
		buf = append(buf, c.Data...)
	}
	return buf
}

// BatchWallet is the wallet capable of submitting a batch of calls (§4.H,
// §6 "On-chain"). SafeWallet (signature_type PROXY/GNOSIS_SAFE) submits them
// as one atomic transaction; EOAWallet (signature_type EOA) submits them
// sequentially with no atomicity guarantee. Tests use a fake.
type BatchWallet interface {
	// SubmitBatch submits calls (as one atomic transaction for SafeWallet,
	// as sequential transactions for EOAWallet) and waits for mined
	// receipts. Returns the last transaction hash and whether the batch
	// succeeded on-chain.
	SubmitBatch(ctx context.Context, calls []MultiSendCall) (txHash common.Hash, success bool, err error)
}

// ChainReader is the read-only subset of on-chain access the inventory
// manager needs for pre-flight checks: native gas balance and ERC20
// allowance/balance lookups.
type ChainReader struct {
	client *ethclient.Client
}

// NewChainReader dials an RPC endpoint for read-only pre-flight checks.
func NewChainReader(ctx context.Context, rpcURL string) (*ChainReader, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &ChainReader{client: client}, nil
}

// NativeBalance returns the gas-asset balance of an address, in wei.
func (r *ChainReader) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return r.client.BalanceAt(ctx, addr, nil)
}

// Allowance returns the ERC20 allowance(owner, spender) via an eth_call.
func (r *ChainReader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := EncodeAllowanceCall(owner, spender)
	if err != nil {
		return nil, fmt.Errorf("encode allowance call: %w", err)
	}

	result, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call allowance: %w", err)
	}

	out, err := erc20ABI.Unpack("allowance", result)
	if err != nil {
		return nil, fmt.Errorf("unpack allowance: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected allowance output length %d", len(out))
	}
	allowance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected allowance output type %T", out[0])
	}
	return allowance, nil
}

// CollateralBalance returns the ERC20 balanceOf(owner) for the collateral
// token, in the token's native base units (wei-equivalent, 6 decimals for
// USDC-style collateral). Used by the inventory pre-flight check to confirm
// there's enough collateral on hand before attempting a split.
func (r *ChainReader) CollateralBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := EncodeBalanceOfCall(owner)
	if err != nil {
		return nil, fmt.Errorf("encode balanceOf call: %w", err)
	}

	result, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}

	out, err := erc20ABI.Unpack("balanceOf", result)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected balanceOf output length %d", len(out))
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf output type %T", out[0])
	}
	return balance, nil
}

// OutcomeTokenBalance returns the ERC1155 balanceOf(owner, positionId) for a
// binary market's YES (outcomeIndex 0) or NO (outcomeIndex 1) conditional
// token, held at the conditional-token contract address ctfAddr.
func (r *ChainReader) OutcomeTokenBalance(ctx context.Context, ctfAddr, owner, collateralToken common.Address, conditionID common.Hash, outcomeIndex int) (*big.Int, error) {
	id := OutcomeTokenID(collateralToken, conditionID, outcomeIndex)
	data, err := erc1155ABI.Pack("balanceOf", owner, id)
	if err != nil {
		return nil, fmt.Errorf("encode balanceOf call: %w", err)
	}

	result, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &ctfAddr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}

	out, err := erc1155ABI.Unpack("balanceOf", result)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected balanceOf output length %d", len(out))
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf output type %T", out[0])
	}
	return balance, nil
}

// Close releases the underlying RPC connection.
func (r *ChainReader) Close() { r.client.Close() }

// Client exposes the underlying RPC client for SafeWallet's transaction
// submission path, which needs more of ethclient's surface (nonce, gas
// price, send, receipt) than the read-only pre-flight checks above do.
func (r *ChainReader) Client() *ethclient.Client { return r.client }
