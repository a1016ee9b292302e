// Package quote is the pure quote-generator function (§4.F). Given a
// midpoint and market parameters it derives the two BUY orders (YES at the
// bid, NO at one minus the ask) the USDC-only dual-BUY quoting style rests
// in the book: economically equivalent to a bid/ask pair, but requiring
// only collateral, never pre-held tokens.
package quote

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/marketmaker/pkg/types"
)

var (
	one      = decimal.NewFromInt(1)
	two      = decimal.NewFromInt(2)
	hundred  = decimal.NewFromInt(100)
	minPrice = decimal.NewFromFloat(0.01)
	maxPrice = decimal.NewFromFloat(0.99)
)

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

func roundDownToTick(v decimal.Decimal, tick decimal.Decimal) decimal.Decimal {
	return v.Div(tick).Floor().Mul(tick)
}

func roundUpToTick(v decimal.Decimal, tick decimal.Decimal) decimal.Decimal {
	return v.Div(tick).Ceil().Mul(tick)
}

// Generate derives the two-sided BUY quote for a given midpoint. midpoint
// must be in (0,1); spreadPercent in (0,1]; size is the order size in
// shares for both sides.
func Generate(midpoint decimal.Decimal, params types.MarketParams, spreadPercent decimal.Decimal, size decimal.Decimal) types.QuotePair {
	tick := params.Tick.Value()

	offset := params.RewardsMaxSpread.Div(hundred).Mul(spreadPercent)

	candidateBid := midpoint.Sub(offset)
	candidateAsk := midpoint.Add(offset)

	bid := roundDownToTick(candidateBid, tick)
	ask := roundUpToTick(candidateAsk, tick)

	bid = clamp(bid, minPrice, maxPrice)
	ask = clamp(ask, minPrice, maxPrice)

	// Guarantee a strict straddle of the midpoint: if rounding/clamping
	// left either quote on the wrong side of (or exactly on) the
	// midpoint, move it to one tick outside the midpoint. The clamp still
	// wins, so at a midpoint of 0.01 the bid stays at 0.01 and at 0.99 the
	// ask stays at 0.99.
	if bid.GreaterThanOrEqual(midpoint) {
		bid = clamp(midpoint.Sub(tick), minPrice, maxPrice)
	}
	if ask.LessThanOrEqual(midpoint) {
		ask = clamp(midpoint.Add(tick), minPrice, maxPrice)
	}

	noPrice := one.Sub(ask)

	now := time.Now()
	return types.QuotePair{
		Yes: types.Quote{
			Token: types.TokenYes,
			Side:  types.BUY,
			Price: bid,
			Size:  size,
		},
		No: types.Quote{
			Token: types.TokenNo,
			Side:  types.BUY,
			Price: noPrice,
			Size:  size,
		},
		Midpoint:    midpoint,
		GeneratedAt: now,
	}
}
