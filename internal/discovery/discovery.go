// Package discovery is the discovery & ranking engine (§4.I): it fetches
// active reward-bearing markets, scores each by the quadratic liquidity
// reward formula applied to its live order book, and walks the ranking in
// descending order applying a volatility filter until it finds one
// acceptable binary market for a given liquidity commitment.
//
// Grounded on the teacher's internal/market/scanner.go fetch/filter/rank
// pipeline shape; the scoring function itself is replaced entirely (the
// teacher's spread×√volume×liquidityFactor heuristic has no notion of the
// venue's actual reward formula).
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/marketmaker/internal/config"
	"github.com/example/marketmaker/internal/venue"
	"github.com/example/marketmaker/pkg/types"
)

// twoSidedPenalty is the single-sided-liquidity divisor c in §4.I's Q_eff.
var twoSidedPenalty = decimal.NewFromInt(3)

var midLow = decimal.NewFromFloat(0.10)
var midHigh = decimal.NewFromFloat(0.90)

// ownHalfSpreadFactor is (0.5)^2 from the "own_score" estimate in §4.I: the
// operator is assumed to quote at half the max spread from mid.
var ownHalfSpreadFactor = decimal.NewFromFloat(0.25)

// metadataClient is the subset of *venue.MetadataClient discovery needs.
type metadataClient interface {
	ActiveMarkets(ctx context.Context) ([]venue.GammaMarket, error)
	PriceHistory(ctx context.Context, tokenID string, interval string) (*types.PriceHistoryResponse, error)
}

// bookClient is the subset of *venue.Client discovery needs.
type bookClient interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
}

// Engine runs the fetch → filter → rank → volatility-filter pipeline.
type Engine struct {
	metadata metadataClient
	book     bookClient
	cfg      config.DiscoveryConfig
	logger   *slog.Logger
}

// New creates a discovery engine.
func New(metadata metadataClient, book bookClient, cfg config.DiscoveryConfig, logger *slog.Logger) *Engine {
	return &Engine{metadata: metadata, book: book, cfg: cfg, logger: logger.With("component", "discovery")}
}

// parseClobTokenIds parses the metadata service's JSON-array-as-string
// clobTokenIds field into exactly two token IDs (YES, NO). Returns an
// error if the field is empty, malformed, or doesn't carry exactly two ids.
func parseClobTokenIds(raw string) (yes, no string, err error) {
	if raw == "" {
		return "", "", fmt.Errorf("empty clobTokenIds")
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return "", "", fmt.Errorf("malformed clobTokenIds: %w", err)
	}
	if len(ids) != 2 {
		return "", "", fmt.Errorf("expected 2 clob token ids, got %d", len(ids))
	}
	return ids[0], ids[1], nil
}

// eligible applies the spec's hard compatibility filters ahead of scoring:
// active, reward-bearing, order-book-enabled, not neg-risk, parseable token ids.
func eligible(m venue.GammaMarket) bool {
	if !m.Active || m.Closed || !m.AcceptingOrders || !m.EnableOrderBook {
		return false
	}
	if m.NegRisk {
		return false
	}
	if m.RewardsDailyRate <= 0 {
		return false
	}
	if _, _, err := parseClobTokenIds(m.ClobTokenIds); err != nil {
		return false
	}
	return true
}

func parseLevels(levels []types.PriceLevel) []struct{ price, size decimal.Decimal } {
	out := make([]struct{ price, size decimal.Decimal }, 0, len(levels))
	for _, l := range levels {
		p, err1 := decimal.NewFromString(l.Price)
		s, err2 := decimal.NewFromString(l.Size)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, struct{ price, size decimal.Decimal }{p, s})
	}
	return out
}

// sideScore sums the quadratic reward score across one side of an order
// book: score = ((maxSpread-spread)/maxSpread)^2 * size for every resting
// order within maxSpread and at or above minSize.
func sideScore(levels []types.PriceLevel, midpoint, maxSpreadCents, minSize decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	if maxSpreadCents.IsZero() {
		return total
	}
	for _, lvl := range parseLevels(levels) {
		if lvl.size.LessThan(minSize) {
			continue
		}
		spreadCents := lvl.price.Sub(midpoint).Abs().Mul(decimal.NewFromInt(100))
		if spreadCents.GreaterThan(maxSpreadCents) {
			continue
		}
		ratio := maxSpreadCents.Sub(spreadCents).Div(maxSpreadCents)
		total = total.Add(ratio.Mul(ratio).Mul(lvl.size))
	}
	return total
}

// qEff combines the two sides' scores per §4.I: two-sided-strict outside
// [0.10, 0.90], single-sided-penalized (divided by 3) inside it.
func qEff(qOne, qTwo, midpoint decimal.Decimal) decimal.Decimal {
	lo := minDecimal(qOne, qTwo)
	if midpoint.LessThan(midLow) || midpoint.GreaterThan(midHigh) {
		return lo
	}
	hi := maxDecimal(qOne, qTwo)
	penalized := hi.Div(twoSidedPenalty)
	return maxDecimal(lo, penalized)
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func maxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// estimateEarnings computes §4.I's estimated daily earning for liquidity L:
// own_score ≈ 0.25*(L/m) contributed on each side, earning_pct =
// own_score/(Q_eff+own_score), earning = earning_pct * dailyPool.
func estimateEarnings(qEffVal, liquidityCommitment, midpoint, dailyPool decimal.Decimal) types.EarningPotential {
	if midpoint.IsZero() {
		return types.EarningPotential{Compatible: false, IncompatibleReason: "zero midpoint"}
	}
	ownScore := ownHalfSpreadFactor.Mul(liquidityCommitment.Div(midpoint))
	denom := qEffVal.Add(ownScore)
	if denom.IsZero() {
		return types.EarningPotential{Compatible: false, IncompatibleReason: "zero combined score"}
	}
	earningPct := ownScore.Div(denom)
	earning := earningPct.Mul(dailyPool)
	ease := decimal.NewFromInt(1)
	return types.EarningPotential{
		EstimatedDailyEarnings: earning,
		EarningEfficiency:      earningPct,
		EaseOfParticipation:    ease,
		TotalScore:             earning,
		Compatible:             true,
	}
}

// Rank runs fetch → filter → score → sort for every eligible reward-bearing
// market, dropping incompatible candidates per §4.I.
func (e *Engine) Rank(ctx context.Context) ([]types.RankedMarket, error) {
	markets, err := e.metadata.ActiveMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch active markets: %w", err)
	}

	var ranked []types.RankedMarket
	for _, m := range markets {
		if !eligible(m) {
			continue
		}
		yesID, noID, err := parseClobTokenIds(m.ClobTokenIds)
		if err != nil {
			continue
		}

		book, err := e.book.GetOrderBook(ctx, yesID)
		if err != nil {
			e.logger.Warn("order book fetch failed, skipping candidate", "condition_id", m.ConditionID, "error", err)
			continue
		}

		midpoint, ok := midpointFromBook(book)
		if !ok {
			continue
		}

		maxSpread := decimal.NewFromFloat(m.RewardsMaxSpread)
		minSize := decimal.NewFromFloat(m.RewardsMinSize)
		if !hasTickAppropriatePlacement(book, midpoint, maxSpread) {
			continue
		}

		liquidityCommitment := decimal.NewFromFloat(e.cfg.LiquidityCommitment)
		if ownOrderSize(liquidityCommitment, midpoint).LessThan(minSize) {
			continue // liquidity commitment can't meet this market's minSize
		}

		qOne := sideScore(book.Bids, midpoint, maxSpread, minSize)
		qTwo := sideScore(book.Asks, midpoint, maxSpread, minSize)
		qe := qEff(qOne, qTwo, midpoint)

		potential := estimateEarnings(qe, liquidityCommitment, midpoint, decimal.NewFromFloat(m.RewardsDailyRate))
		if !potential.Compatible {
			continue
		}

		params := types.MarketParams{
			ConditionID:      m.ConditionID,
			YesTokenID:       yesID,
			NoTokenID:        noID,
			Tick:             tickFromFloat(m.OrderPriceMinTickSize),
			NegRisk:          m.NegRisk,
			RewardsMinSize:   minSize,
			RewardsMaxSpread: maxSpread,
			RewardsDailyPool: decimal.NewFromFloat(m.RewardsDailyRate),
		}

		ranked = append(ranked, types.RankedMarket{
			Params:    params,
			Slug:      m.Slug,
			Volume24h: decimal.NewFromFloat(m.Volume24hr),
			QEff:      qe,
			Midpoint:  midpoint,
			Potential: potential,
		})
	}

	// Total order by estimated daily earnings; ties broken by conditionId
	// lexical order so the ranking is deterministic regardless of the
	// metadata service's response order.
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].Potential.TotalScore, ranked[j].Potential.TotalScore
		if !a.Equal(b) {
			return a.GreaterThan(b)
		}
		return ranked[i].Params.ConditionID < ranked[j].Params.ConditionID
	})

	if e.cfg.MaxCandidates > 0 && len(ranked) > e.cfg.MaxCandidates {
		ranked = ranked[:e.cfg.MaxCandidates]
	}

	return ranked, nil
}

func midpointFromBook(book *types.BookResponse) (decimal.Decimal, bool) {
	bids := parseLevels(book.Bids)
	asks := parseLevels(book.Asks)
	if len(bids) == 0 || len(asks) == 0 {
		return decimal.Zero, false
	}
	return bids[0].price.Add(asks[0].price).Div(decimal.NewFromInt(2)), true
}

// hasTickAppropriatePlacement reports whether at least one tick-aligned
// price inside maxSpread of midpoint exists on either side — i.e. whether
// the market's tick granularity even permits a rewarded placement.
func hasTickAppropriatePlacement(book *types.BookResponse, midpoint, maxSpread decimal.Decimal) bool {
	tick := tickFromFloat(0).Value() // default tick; book doesn't carry tick_size on all venues
	if book.TickSize != "" {
		if t, err := decimal.NewFromString(book.TickSize); err == nil {
			tick = t
		}
	}
	return maxSpread.Div(decimal.NewFromInt(100)).GreaterThanOrEqual(tick)
}

// ownOrderSize converts a collateral liquidity commitment into the share
// size it buys at the given midpoint.
func ownOrderSize(liquidityCommitment, midpoint decimal.Decimal) decimal.Decimal {
	if midpoint.IsZero() {
		return decimal.Zero
	}
	return liquidityCommitment.Div(midpoint)
}

func tickFromFloat(v float64) types.TickSize {
	switch v {
	case 0.1:
		return types.Tick01
	case 0.001:
		return types.Tick0001
	case 0.0001:
		return types.Tick00001
	default:
		return types.Tick001
	}
}

// ResolveMarket looks up a single market by condition id for an operator who
// has already chosen which market to trade (config's market.condition_id),
// bypassing the reward-eligibility filter Rank applies to candidates it is
// choosing on the operator's behalf — an explicitly pinned market still
// needs its tick size, neg-risk flag and reward parameters resolved from
// the metadata service before it can be quoted.
func (e *Engine) ResolveMarket(ctx context.Context, conditionID string) (types.MarketParams, error) {
	markets, err := e.metadata.ActiveMarkets(ctx)
	if err != nil {
		return types.MarketParams{}, fmt.Errorf("fetch active markets: %w", err)
	}

	for _, m := range markets {
		if m.ConditionID != conditionID {
			continue
		}
		yesID, noID, err := parseClobTokenIds(m.ClobTokenIds)
		if err != nil {
			return types.MarketParams{}, fmt.Errorf("market %s: %w", conditionID, err)
		}
		return types.MarketParams{
			ConditionID:      m.ConditionID,
			YesTokenID:       yesID,
			NoTokenID:        noID,
			Tick:             tickFromFloat(m.OrderPriceMinTickSize),
			NegRisk:          m.NegRisk,
			RewardsMinSize:   decimal.NewFromFloat(m.RewardsMinSize),
			RewardsMaxSpread: decimal.NewFromFloat(m.RewardsMaxSpread),
			RewardsDailyPool: decimal.NewFromFloat(m.RewardsDailyRate),
		}, nil
	}
	return types.MarketParams{}, fmt.Errorf("condition id %s not found among active markets", conditionID)
}

// VolatilityFilter walks ranked in order and returns the first candidate
// whose recent price history passes the volatility filter: it fetches the
// last hour of history for the market's YES token, computes
// |last-first|/first over the full window and the largest such move between
// any two samples no further apart than the configured lookback window, and
// rejects on any fetch error, fewer than two data points, or either value
// exceeding the configured threshold.
func (e *Engine) VolatilityFilter(ctx context.Context, ranked []types.RankedMarket) (*types.RankedMarket, error) {
	for i := range ranked {
		m := &ranked[i]
		hist, err := e.metadata.PriceHistory(ctx, m.Params.YesTokenID, "1h")
		if err != nil || hist == nil || len(hist.History) < 2 {
			e.logger.Info("rejecting candidate: price history unavailable", "condition_id", m.Params.ConditionID)
			continue
		}
		aggregateChange := priceChange(hist.History[0].P, hist.History[len(hist.History)-1].P)
		if aggregateChange > e.cfg.VolatilityThreshold {
			e.logger.Info("rejecting candidate: aggregate volatility over threshold", "condition_id", m.Params.ConditionID, "change", aggregateChange)
			continue
		}

		lookback := e.cfg.VolatilityLookback
		if lookback <= 0 {
			lookback = 10 * time.Minute
		}
		maxMove := maxConsecutiveMove(hist.History, lookback)
		if maxMove > e.cfg.VolatilityThreshold {
			e.logger.Info("rejecting candidate: max consecutive move over threshold", "condition_id", m.Params.ConditionID, "move", maxMove)
			continue
		}

		return m, nil
	}
	return nil, fmt.Errorf("no candidate passed the volatility filter")
}

func priceChange(first, last float64) float64 {
	if first == 0 {
		return 0
	}
	change := (last - first) / first
	if change < 0 {
		change = -change
	}
	return change
}

// maxConsecutiveMove finds the largest |p[j]-p[i]|/p[i] over any pair of
// samples whose timestamps fall within lookback of each other.
func maxConsecutiveMove(points []types.PriceHistoryPoint, lookback time.Duration) float64 {
	lookbackSec := int64(lookback.Seconds())
	max := 0.0
	for i := range points {
		for j := i + 1; j < len(points); j++ {
			if points[j].T-points[i].T > lookbackSec {
				break
			}
			move := priceChange(points[i].P, points[j].P)
			if move > max {
				max = move
			}
		}
	}
	return max
}

