package quote

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/example/marketmaker/pkg/types"
)

func baseParams() types.MarketParams {
	return types.MarketParams{
		Tick:             types.Tick001,
		RewardsMaxSpread: decimal.NewFromInt(4), // 4 cents
	}
}

func TestGenerateBasicGeometry(t *testing.T) {
	t.Parallel()
	params := baseParams()
	pair := Generate(decimal.NewFromFloat(0.50), params, decimal.NewFromFloat(0.5), decimal.NewFromInt(25))

	// offset = (4/100) * 0.5 = 0.02 -> bid 0.48, ask 0.52
	if !pair.Yes.Price.Equal(decimal.NewFromFloat(0.48)) {
		t.Errorf("Yes.Price = %v, want 0.48", pair.Yes.Price)
	}
	wantNoPrice := decimal.NewFromFloat(1).Sub(decimal.NewFromFloat(0.52))
	if !pair.No.Price.Equal(wantNoPrice) {
		t.Errorf("No.Price = %v, want %v (1 - ask)", pair.No.Price, wantNoPrice)
	}
	if pair.Yes.Side != types.BUY || pair.No.Side != types.BUY {
		t.Error("both legs must be BUY in the USDC-only dual-BUY style")
	}
	if !pair.Yes.Size.Equal(decimal.NewFromInt(25)) || !pair.No.Size.Equal(decimal.NewFromInt(25)) {
		t.Errorf("sizes = %v/%v, want 25/25", pair.Yes.Size, pair.No.Size)
	}
}

func TestGenerateStraddlesMidpointStrictly(t *testing.T) {
	t.Parallel()
	params := baseParams()

	// 0.01 and 0.99 are left out: a quote clamped to [0.01, 0.99] cannot sit
	// strictly below a 0.01 midpoint or strictly above a 0.99 one.
	for _, mp := range []string{"0.02", "0.03", "0.50", "0.97", "0.98"} {
		midpoint, _ := decimal.NewFromString(mp)
		pair := Generate(midpoint, params, decimal.NewFromFloat(0.5), decimal.NewFromInt(10))

		bid := pair.Yes.Price
		ask := decimal.NewFromInt(1).Sub(pair.No.Price)

		if !bid.LessThan(midpoint) {
			t.Errorf("midpoint=%v: bid %v must be strictly below midpoint", mp, bid)
		}
		if !ask.GreaterThan(midpoint) {
			t.Errorf("midpoint=%v: ask %v must be strictly above midpoint", mp, ask)
		}
		if !bid.LessThan(ask) {
			t.Errorf("midpoint=%v: bid %v must be strictly below ask %v", mp, bid, ask)
		}
	}
}

func TestGenerateClampsToValidRange(t *testing.T) {
	t.Parallel()
	params := baseParams()
	params.RewardsMaxSpread = decimal.NewFromInt(50) // huge spread relative to midpoint

	pair := Generate(decimal.NewFromFloat(0.02), params, decimal.NewFromFloat(1), decimal.NewFromInt(10))

	if pair.Yes.Price.LessThan(minPrice) {
		t.Errorf("Yes.Price = %v, must not go below %v", pair.Yes.Price, minPrice)
	}
	ask := decimal.NewFromInt(1).Sub(pair.No.Price)
	if ask.GreaterThan(maxPrice) {
		t.Errorf("ask = %v, must not exceed %v", ask, maxPrice)
	}
}

func TestGenerateRoundsToTick(t *testing.T) {
	t.Parallel()
	params := baseParams()
	params.Tick = types.Tick001

	pair := Generate(decimal.NewFromFloat(0.503), params, decimal.NewFromFloat(0.5), decimal.NewFromInt(10))

	rounded := pair.Yes.Price.Round(2)
	if !rounded.Equal(pair.Yes.Price) {
		t.Errorf("Yes.Price = %v, expected at most 2 decimal places for tick 0.01", pair.Yes.Price)
	}
}

func TestGenerateIsPure(t *testing.T) {
	t.Parallel()
	params := baseParams()
	midpoint := decimal.NewFromFloat(0.50)
	spreadPercent := decimal.NewFromFloat(0.5)
	size := decimal.NewFromInt(25)

	a := Generate(midpoint, params, spreadPercent, size)
	b := Generate(midpoint, params, spreadPercent, size)

	if !a.Yes.Price.Equal(b.Yes.Price) || !a.No.Price.Equal(b.No.Price) {
		t.Error("Generate must be a pure function of its inputs")
	}
}
