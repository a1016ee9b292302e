// Package inventory is the split/merge orchestration layer (§4.H). The
// engine's dual-BUY quoting style only ever needs collateral to rest
// quotes, but covering a resting ask still requires holding outcome
// tokens on the other side; this package keeps each side stocked above
// a configured minimum by splitting collateral into equal YES/NO token
// amounts through the conditional-token framework contract, batched
// atomically with any ERC20 approval it first requires.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/example/marketmaker/internal/config"
	"github.com/example/marketmaker/internal/venue"
	"github.com/example/marketmaker/pkg/types"
)

// minGasUnits is the §4.H pre-flight floor on native gas-asset balance,
// expressed in whole gas-asset units (0.1 units, i.e. 10^17 wei).
var minGasUnits = decimal.NewFromFloat(0.1)

// unlimitedAllowance is requested once per (token, spender) pair rather
// than re-approving on every split/merge.
var unlimitedAllowance = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// chainReader is the read-only on-chain access inventory needs for
// pre-flight checks. Satisfied by *venue.ChainReader; narrowed to an
// interface here so tests can supply a fake instead of a live RPC dial.
type chainReader interface {
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	CollateralBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// Manager keeps both outcome tokens of one market stocked for quoting.
type Manager struct {
	cfg        config.InventoryConfig
	params     types.MarketParams
	wallet     venue.BatchWallet
	reader     chainReader
	owner      common.Address
	ctfAddr    common.Address
	collateral common.Address
	logger     *slog.Logger
}

// New creates an inventory manager for one market.
func New(cfg config.InventoryConfig, params types.MarketParams, wallet venue.BatchWallet, reader chainReader, owner common.Address, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		params:     params,
		wallet:     wallet,
		reader:     reader,
		owner:      owner,
		ctfAddr:    common.HexToAddress(cfg.CTFAddress),
		collateral: common.HexToAddress(cfg.CollateralAddress),
		logger:     logger.With("component", "inventory", "market", params.ConditionID),
	}
}

// requiredMinimum is max(configured minimum, the venue's own per-market
// minimum order size) per §4.H pre-flight.
func requiredMinimum(configMin, marketMin decimal.Decimal) decimal.Decimal {
	if marketMin.GreaterThan(configMin) {
		return marketMin
	}
	return configMin
}

// Ensure runs the pre-flight check for one side and, if autoSplit is
// enabled and the side is short, splits enough collateral to top it up to
// the required minimum. holdings is the side's current outcome-token
// balance; marketMinSize is the venue's minimum order size for this
// market; orderSize is the configured per-quote size (used to size the
// collateral reserve check).
func (m *Manager) Ensure(ctx context.Context, holdings, marketMinSize, orderSize decimal.Decimal) error {
	required := requiredMinimum(decimal.NewFromFloat(m.cfg.MinTokensPerSide), marketMinSize)
	if holdings.GreaterThanOrEqual(required) {
		return nil
	}
	if !m.cfg.AutoSplit {
		m.logger.Warn("holdings below minimum and auto_split disabled", "holdings", holdings, "required", required)
		return nil
	}

	deficit := required.Sub(holdings)

	if err := m.checkGasBalance(ctx); err != nil {
		return err
	}
	if err := m.checkCollateralReserve(ctx, deficit, orderSize); err != nil {
		return err
	}

	return m.Split(ctx, deficit)
}

func (m *Manager) checkGasBalance(ctx context.Context) error {
	balWei, err := m.reader.NativeBalance(ctx, m.owner)
	if err != nil {
		return fmt.Errorf("read gas balance: %w", err)
	}
	bal := decimal.NewFromBigInt(balWei, -18)
	if bal.LessThan(minGasUnits) {
		return fmt.Errorf("gas balance %s below required minimum %s", bal, minGasUnits)
	}
	return nil
}

// checkCollateralReserve validates the "deficit × 1 + reserve multiplier
// on the buy side × order size" collateral requirement from §4.H against
// the wallet's actual on-chain collateral balance.
func (m *Manager) checkCollateralReserve(ctx context.Context, deficit, orderSize decimal.Decimal) error {
	required := deficit.Add(decimal.NewFromFloat(m.cfg.ReserveMultiplier).Mul(orderSize))
	if required.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("degenerate collateral requirement: deficit=%s orderSize=%s", deficit, orderSize)
	}

	balWei, err := m.reader.CollateralBalance(ctx, m.collateral, m.owner)
	if err != nil {
		return fmt.Errorf("read collateral balance: %w", err)
	}
	bal := decimal.NewFromBigInt(balWei, -collateralUnits)
	if bal.LessThan(required) {
		return fmt.Errorf("collateral balance %s below required %s", bal, required)
	}
	return nil
}

// Split converts amount of collateral into amount of each outcome token,
// batched atomically with an approval if the current allowance is short.
func (m *Manager) Split(ctx context.Context, amount decimal.Decimal) error {
	return m.batchCall(ctx, amount, venue.EncodeSplit)
}

// Merge converts amount of each outcome token back into amount of
// collateral, batched atomically with an approval if needed. Approval is
// irrelevant for merge (it burns outcome tokens the wallet already owns,
// not collateral) but split and merge share the same batching path for a
// uniform atomic-execution guarantee.
func (m *Manager) Merge(ctx context.Context, amount decimal.Decimal) error {
	return m.batchCall(ctx, amount, venue.EncodeMerge)
}

// collateralUnits is the fixed on-chain decimals for USDC-style collateral.
const collateralUnits = 6

// batchCall builds the atomic [approval?, split-or-merge] transaction and
// submits it through the multi-owner wallet. encode is either
// venue.EncodeSplit or venue.EncodeMerge.
func (m *Manager) batchCall(ctx context.Context, amount decimal.Decimal, encode func(common.Address, common.Hash, *big.Int) ([]byte, error)) error {
	conditionID := common.HexToHash(m.params.ConditionID)
	scale := decimal.New(1, collateralUnits)
	amountStr := amount.Mul(scale).Truncate(0).String()
	amountWei, ok := new(big.Int).SetString(amountStr, 10)
	if !ok {
		return fmt.Errorf("invalid amount %s", amount)
	}

	var calls []venue.MultiSendCall

	allowance, err := m.reader.Allowance(ctx, m.collateral, m.owner, m.ctfAddr)
	if err != nil {
		return fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(amountWei) < 0 {
		approveData, err := venue.EncodeApprove(m.ctfAddr, unlimitedAllowance)
		if err != nil {
			return fmt.Errorf("encode approve: %w", err)
		}
		calls = append(calls, venue.MultiSendCall{To: m.collateral, Data: approveData})
	}

	callData, err := encode(m.collateral, conditionID, amountWei)
	if err != nil {
		return fmt.Errorf("encode split/merge: %w", err)
	}
	calls = append(calls, venue.MultiSendCall{To: m.ctfAddr, Data: callData})

	txHash, success, err := m.wallet.SubmitBatch(ctx, calls)
	if err != nil {
		return fmt.Errorf("submit batch: %w", err)
	}
	if !success {
		return fmt.Errorf("batch transaction %s reverted", txHash)
	}

	m.logger.Info("split/merge batch confirmed", "tx", txHash, "amount", amount, "calls", len(calls))
	return nil
}
