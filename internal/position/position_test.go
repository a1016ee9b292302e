package position

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/example/marketmaker/internal/config"
	"github.com/example/marketmaker/internal/store"
	"github.com/example/marketmaker/pkg/types"
)

func testParams() types.MarketParams {
	return types.MarketParams{
		ConditionID: "0xcondition",
		YesTokenID:  "yes-token",
		NoTokenID:   "no-token",
		Tick:        types.Tick001,
	}
}

func testCfg() config.PositionConfig {
	return config.PositionConfig{MaxNetExposure: 100, WarnThreshold: 0.8}
}

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return NewTracker(st, testParams(), testCfg())
}

func TestInitializeSeedsFreshMarket(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)

	result, err := tr.Initialize(decimal.NewFromInt(10), decimal.NewFromInt(5))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if result.HadPersistedState {
		t.Error("HadPersistedState = true for a fresh market")
	}
	if result.Discrepant {
		t.Error("Discrepant = true for a fresh market")
	}

	state := tr.GetPositionState()
	if !state.YesTokens.Equal(decimal.NewFromInt(10)) {
		t.Errorf("YesTokens = %v, want 10", state.YesTokens)
	}
}

func TestInitializeReplaysFillsWithinTolerance(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	tr1 := NewTracker(st, testParams(), testCfg())
	if _, err := tr1.Initialize(decimal.Zero, decimal.Zero); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	fill := types.Fill{
		ID: "f1", TokenID: "yes-token", Token: types.TokenYes, ConditionID: "0xcondition",
		Side: types.BUY, Price: decimal.NewFromFloat(0.4), Size: decimal.NewFromInt(20),
		Status: types.FillConfirmed,
	}
	if _, err := tr1.ProcessFill(fill); err != nil {
		t.Fatalf("ProcessFill: %v", err)
	}

	// New tracker instance reloads from store, replaying the fill; actual
	// on-chain balance matches, so no reconciliation reset should occur.
	tr2 := NewTracker(st, testParams(), testCfg())
	result, err := tr2.Initialize(decimal.NewFromInt(20), decimal.Zero)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if result.Discrepant {
		t.Fatalf("unexpected discrepancy: %+v", result)
	}
	state := tr2.GetPositionState()
	if !state.YesTokens.Equal(decimal.NewFromInt(20)) {
		t.Errorf("YesTokens = %v, want 20", state.YesTokens)
	}
}

func TestInitializeResetsOnDiscrepancy(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	tr1 := NewTracker(st, testParams(), testCfg())
	if _, err := tr1.Initialize(decimal.Zero, decimal.Zero); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	fill := types.Fill{
		ID: "f1", TokenID: "yes-token", Token: types.TokenYes, ConditionID: "0xcondition",
		Side: types.BUY, Price: decimal.NewFromFloat(0.4), Size: decimal.NewFromInt(20),
		Status: types.FillConfirmed,
	}
	if _, err := tr1.ProcessFill(fill); err != nil {
		t.Fatalf("ProcessFill: %v", err)
	}

	// On-chain balance (5) diverges far beyond tolerance from the expected
	// replay result (20) — untracked off-bot activity.
	tr2 := NewTracker(st, testParams(), testCfg())
	result, err := tr2.Initialize(decimal.NewFromInt(5), decimal.Zero)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !result.Discrepant {
		t.Fatal("expected a discrepancy to be detected")
	}
	if result.Warning == "" {
		t.Error("expected a non-empty warning")
	}

	state := tr2.GetPositionState()
	if !state.YesTokens.Equal(decimal.NewFromInt(5)) {
		t.Errorf("YesTokens = %v, want 5 (reset to actual)", state.YesTokens)
	}

	stats, err := st.Stats("0xcondition")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.FillCount != 0 {
		t.Errorf("FillCount = %d, want 0 after reconciliation reset", stats.FillCount)
	}
}

func TestProcessFillDedupesByID(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)
	if _, err := tr.Initialize(decimal.Zero, decimal.Zero); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	fill := types.Fill{
		ID: "f1", TokenID: "yes-token", Token: types.TokenYes, ConditionID: "0xcondition",
		Side: types.BUY, Price: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(10),
		Status: types.FillMatched,
	}
	wasNew1, err := tr.ProcessFill(fill)
	if err != nil {
		t.Fatalf("ProcessFill: %v", err)
	}
	if !wasNew1 {
		t.Error("expected wasNew=true for first sighting")
	}

	fill.Status = types.FillConfirmed
	wasNew2, err := tr.ProcessFill(fill)
	if err != nil {
		t.Fatalf("ProcessFill: %v", err)
	}
	if wasNew2 {
		t.Error("expected wasNew=false for a known fill id")
	}

	state := tr.GetPositionState()
	if !state.YesTokens.Equal(decimal.NewFromInt(10)) {
		t.Errorf("YesTokens = %v, want 10 (fill applied exactly once)", state.YesTokens)
	}
}

func TestProcessFillIgnoresFailedFill(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)
	if _, err := tr.Initialize(decimal.Zero, decimal.Zero); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	fill := types.Fill{
		ID: "f1", TokenID: "yes-token", Token: types.TokenYes, ConditionID: "0xcondition",
		Side: types.BUY, Price: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(10),
		Status: types.FillFailed,
	}
	if _, err := tr.ProcessFill(fill); err != nil {
		t.Fatalf("ProcessFill: %v", err)
	}

	state := tr.GetPositionState()
	if !state.YesTokens.IsZero() {
		t.Errorf("YesTokens = %v, want 0 for a FAILED fill", state.YesTokens)
	}
}

func TestCanQuoteBuyAndSellNeverBothFalse(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		yes, no  int64
		wantBuy  bool
		wantSell bool
	}{
		{"balanced", 0, 0, true, true},
		{"at positive limit", 100, 0, false, true},
		{"at negative limit", 0, 100, true, false},
		{"beyond positive limit", 150, 0, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tr := newTracker(t)
			if _, err := tr.Initialize(decimal.NewFromInt(tc.yes), decimal.NewFromInt(tc.no)); err != nil {
				t.Fatalf("Initialize: %v", err)
			}
			buy := tr.CanQuoteBuy()
			sell := tr.CanQuoteSell()
			if buy.Allowed != tc.wantBuy {
				t.Errorf("CanQuoteBuy = %v, want %v", buy.Allowed, tc.wantBuy)
			}
			if sell.Allowed != tc.wantSell {
				t.Errorf("CanQuoteSell = %v, want %v", sell.Allowed, tc.wantSell)
			}
			if !buy.Allowed && !sell.Allowed {
				t.Error("both canQuoteBuy and canQuoteSell are false — invariant violated")
			}
		})
	}
}

func TestGetLimitStatusWarnsAtThreshold(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)
	if _, err := tr.Initialize(decimal.NewFromInt(85), decimal.Zero); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	status := tr.GetLimitStatus()
	if !status.Warn {
		t.Error("expected Warn=true at 85/100 with warnThreshold 0.8")
	}
}

func TestFillBeyondLimitIsRecordedNotReversed(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)
	if _, err := tr.Initialize(decimal.NewFromInt(95), decimal.Zero); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// A fill that pushes net exposure past the limit is still recorded;
	// limits gate placement decisions only, never fills.
	fill := types.Fill{
		ID: "f1", TokenID: "yes-token", Token: types.TokenYes, ConditionID: "0xcondition",
		Side: types.BUY, Price: decimal.NewFromFloat(0.5), Size: decimal.NewFromInt(20),
		Status: types.FillConfirmed,
	}
	if _, err := tr.ProcessFill(fill); err != nil {
		t.Fatalf("ProcessFill: %v", err)
	}

	state := tr.GetPositionState()
	if !state.YesTokens.Equal(decimal.NewFromInt(115)) {
		t.Errorf("YesTokens = %v, want 115 (fill not reversed)", state.YesTokens)
	}
	if tr.CanQuoteBuy().Allowed {
		t.Error("CanQuoteBuy should now be false after crossing the limit")
	}
}
