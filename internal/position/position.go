// Package position tracks per-market token balances and enforces the
// net-exposure limit that gates quote placement (§4.B). It owns the
// weighted-average cost-basis economics used for realized-P&L reporting and
// persists through the fill store so state survives restarts.
package position

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/marketmaker/internal/config"
	"github.com/example/marketmaker/internal/store"
	"github.com/example/marketmaker/pkg/types"
)

const reconcileTolerance = "0.001"

// Reconciliation reports the outcome of Initialize comparing a stored
// expected position against the actual on-chain balance.
type Reconciliation struct {
	HadPersistedState bool
	ExpectedYes       decimal.Decimal
	ExpectedNo        decimal.Decimal
	ActualYes         decimal.Decimal
	ActualNo          decimal.Decimal
	Discrepant        bool
	Warning           string
}

// LimitStatus reports the position tracker's current gating state.
type LimitStatus struct {
	NetExposure decimal.Decimal
	MaxExposure decimal.Decimal
	Warn        bool
}

// Decision is the result of a canQuoteBuy/canQuoteSell check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Tracker holds the live position for one market. Mutated only from the
// event loop goroutine that owns this market, but guarded by a mutex since
// the ops status API reads it concurrently.
type Tracker struct {
	mu sync.Mutex

	store  *store.Store
	params types.MarketParams
	cfg    config.PositionConfig

	yesTokens decimal.Decimal
	noTokens  decimal.Decimal
	initial   types.InitialPosition
	economics types.MarketEconomics

	seenFills map[string]types.FillStatus
}

// NewTracker creates a position tracker for one market.
func NewTracker(st *store.Store, params types.MarketParams, cfg config.PositionConfig) *Tracker {
	return &Tracker{
		store:     st,
		params:    params,
		cfg:       cfg,
		seenFills: make(map[string]types.FillStatus),
	}
}

// Initialize loads persisted state (if any), replays recorded fills over the
// stored initial position, and reconciles the result against the actual
// on-chain balance. A discrepancy beyond tolerance resets the tracked
// initial position to actual and clears the fill history, per §4.B.
func (t *Tracker) Initialize(yesBalance, noBalance decimal.Decimal) (Reconciliation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.store.Load(t.params.ConditionID)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("load persisted state: %w", err)
	}

	if state == nil {
		t.initial = types.InitialPosition{YesTokens: yesBalance, NoTokens: noBalance, SetAt: time.Now()}
		t.yesTokens = yesBalance
		t.noTokens = noBalance
		if err := t.store.SetInitialPosition(t.params.ConditionID, t.params.YesTokenID, t.params.NoTokenID, t.initial, false); err != nil {
			return Reconciliation{}, fmt.Errorf("seed initial position: %w", err)
		}
		return Reconciliation{
			HadPersistedState: false,
			ExpectedYes:       yesBalance,
			ExpectedNo:        noBalance,
			ActualYes:         yesBalance,
			ActualNo:          noBalance,
		}, nil
	}

	if state.InitialPosition != nil {
		t.initial = *state.InitialPosition
	}
	if state.Economics != nil {
		t.economics = *state.Economics
	} else {
		t.economics = recomputeEconomics(state.Fills)
		t.economics.Incomplete = true
	}

	expectedYes := t.initial.YesTokens
	expectedNo := t.initial.NoTokens
	for _, f := range state.Fills {
		if f.Status == types.FillFailed {
			continue
		}
		expectedYes, expectedNo = applyDelta(expectedYes, expectedNo, f)
		t.seenFills[f.ID] = f.Status
	}

	tolerance, _ := decimal.NewFromString(reconcileTolerance)
	yesDiscrepancy := expectedYes.Sub(yesBalance).Abs()
	noDiscrepancy := expectedNo.Sub(noBalance).Abs()
	discrepant := yesDiscrepancy.GreaterThan(tolerance) || noDiscrepancy.GreaterThan(tolerance)

	result := Reconciliation{
		HadPersistedState: true,
		ExpectedYes:       expectedYes,
		ExpectedNo:        expectedNo,
		ActualYes:         yesBalance,
		ActualNo:          noBalance,
		Discrepant:        discrepant,
	}

	if discrepant {
		result.Warning = fmt.Sprintf(
			"position reconciliation mismatch for %s: expected yes=%s no=%s, actual yes=%s no=%s; resetting to actual",
			t.params.ConditionID, expectedYes, expectedNo, yesBalance, noBalance,
		)
		t.initial = types.InitialPosition{YesTokens: yesBalance, NoTokens: noBalance, SetAt: time.Now()}
		t.yesTokens = yesBalance
		t.noTokens = noBalance
		t.seenFills = make(map[string]types.FillStatus)
		if err := t.store.SetInitialPosition(t.params.ConditionID, t.params.YesTokenID, t.params.NoTokenID, t.initial, true); err != nil {
			return result, fmt.Errorf("reset initial position: %w", err)
		}
	} else {
		t.yesTokens = expectedYes
		t.noTokens = expectedNo
	}

	return result, nil
}

// SeedCostBasis records an operator-provided average cost for pre-existing
// positions, so realized P&L reporting is meaningful from the start. If
// never called, economics remain marked Incomplete.
func (t *Tracker) SeedCostBasis(yes, no types.TokenEconomics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.economics.Yes = yes
	t.economics.No = no
	t.economics.Seeded = true
	t.economics.Incomplete = false
}

func applyDelta(yes, no decimal.Decimal, f types.Fill) (decimal.Decimal, decimal.Decimal) {
	signed := f.Size
	if f.Side == types.SELL {
		signed = signed.Neg()
	}
	if f.Token == types.TokenYes {
		return yes.Add(signed), no
	}
	return yes, no.Add(signed)
}

func recomputeEconomics(fills []types.Fill) types.MarketEconomics {
	var econ types.MarketEconomics
	for _, f := range fills {
		if f.Status == types.FillFailed {
			continue
		}
		econ = applyEconomics(econ, f)
	}
	return econ
}

func applyEconomics(econ types.MarketEconomics, f types.Fill) types.MarketEconomics {
	side := &econ.Yes
	if f.Token == types.TokenNo {
		side = &econ.No
	}

	notional := f.Price.Mul(f.Size)
	if f.Side == types.BUY {
		totalCost := side.AvgCost.Mul(side.Bought).Add(notional)
		side.Bought = side.Bought.Add(f.Size)
		side.Cost = side.Cost.Add(notional)
		if side.Bought.IsPositive() {
			side.AvgCost = totalCost.Div(side.Bought)
		}
	} else {
		side.Sold = side.Sold.Add(f.Size)
		side.Proceeds = side.Proceeds.Add(notional)
		side.RealizedPnL = side.RealizedPnL.Add(notional.Sub(side.AvgCost.Mul(f.Size)))
	}
	return econ
}

// ProcessFill applies a fill to the tracked position. Returns wasNew=false
// if the fill id was already seen (status-only update). A FAILED fill is
// recorded in the dedup set but never changes balances.
func (t *Tracker) ProcessFill(f types.Fill) (wasNew bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prevStatus, known := t.seenFills[f.ID]
	if known && !f.Status.IsLaterThan(prevStatus) {
		return false, nil
	}

	if !known && f.Status != types.FillFailed {
		t.yesTokens, t.noTokens = applyDelta(t.yesTokens, t.noTokens, f)
		t.economics = applyEconomics(t.economics, f)
	}
	t.seenFills[f.ID] = f.Status

	if err := t.store.AppendFill(t.params.ConditionID, t.params.YesTokenID, t.params.NoTokenID, f); err != nil {
		return !known, fmt.Errorf("append fill: %w", err)
	}
	return !known, nil
}

// GetPositionState returns the current derived position view.
func (t *Tracker) GetPositionState() types.PositionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

func (t *Tracker) stateLocked() types.PositionState {
	neutral := t.yesTokens
	if t.noTokens.LessThan(neutral) {
		neutral = t.noTokens
	}
	return types.PositionState{
		YesTokens:       t.yesTokens,
		NoTokens:        t.noTokens,
		NetExposure:     t.yesTokens.Sub(t.noTokens),
		NeutralPosition: neutral,
	}
}

// CanQuoteBuy reports whether a new BUY-side quote is allowed: net exposure
// N = yesTokens - noTokens must stay below maxNetExposure.
func (t *Tracker) CanQuoteBuy() Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.yesTokens.Sub(t.noTokens)
	max := decimal.NewFromFloat(t.cfg.MaxNetExposure)
	if n.LessThan(max) {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, Reason: fmt.Sprintf("net exposure %s >= max %s", n, max)}
}

// CanQuoteSell reports whether a new SELL-side quote is allowed: net
// exposure N must stay above -maxNetExposure.
func (t *Tracker) CanQuoteSell() Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.yesTokens.Sub(t.noTokens)
	max := decimal.NewFromFloat(t.cfg.MaxNetExposure)
	if n.GreaterThan(max.Neg()) {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, Reason: fmt.Sprintf("net exposure %s <= min %s", n, max.Neg())}
}

// GetLimitStatus reports the current exposure and whether it has crossed the
// warn threshold (a fraction of maxNetExposure), regardless of sign.
func (t *Tracker) GetLimitStatus() LimitStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.yesTokens.Sub(t.noTokens)
	max := decimal.NewFromFloat(t.cfg.MaxNetExposure)
	warnAt := max.Mul(decimal.NewFromFloat(t.cfg.WarnThreshold))
	return LimitStatus{
		NetExposure: n,
		MaxExposure: max,
		Warn:        n.Abs().GreaterThanOrEqual(warnAt),
	}
}

// AdjustPosition overrides tracked balances directly (operator intervention,
// e.g. after a manual on-chain split/merge outside the tracked fill flow).
func (t *Tracker) AdjustPosition(yes, no decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.yesTokens = yes
	t.noTokens = no
}

// UpdateLimits applies a new position-limit configuration without
// disturbing tracked balances (a config hot-reload).
func (t *Tracker) UpdateLimits(cfg config.PositionConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
}

// Economics returns a snapshot of the cumulative cost-basis economics.
func (t *Tracker) Economics() types.MarketEconomics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.economics
}
