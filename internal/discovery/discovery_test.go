package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/example/marketmaker/internal/config"
	"github.com/example/marketmaker/internal/venue"
	"github.com/example/marketmaker/pkg/types"
)

type fakeMetadata struct {
	markets []venue.GammaMarket
	history map[string]*types.PriceHistoryResponse
	err     error
}

func (f *fakeMetadata) ActiveMarkets(ctx context.Context) ([]venue.GammaMarket, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.markets, nil
}

func (f *fakeMetadata) PriceHistory(ctx context.Context, tokenID string, interval string) (*types.PriceHistoryResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	h, ok := f.history[tokenID]
	if !ok {
		return nil, fmt.Errorf("no history for %s", tokenID)
	}
	return h, nil
}

type fakeBook struct {
	books map[string]*types.BookResponse
	err   error
}

func (f *fakeBook) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.books[tokenID]
	if !ok {
		return nil, fmt.Errorf("no book for %s", tokenID)
	}
	return b, nil
}

func eligibleMarket() venue.GammaMarket {
	return venue.GammaMarket{
		ID:                    "1",
		ConditionID:           "0xcond",
		Slug:                  "will-it-happen",
		Active:                true,
		Closed:                false,
		AcceptingOrders:       true,
		EnableOrderBook:       true,
		NegRisk:               false,
		ClobTokenIds:          `["yes-token","no-token"]`,
		RewardsDailyRate:      100,
		RewardsMinSize:        10,
		RewardsMaxSpread:      4,
		OrderPriceMinTickSize: 0.01,
	}
}

func TestEligibleRejectsInactive(t *testing.T) {
	m := eligibleMarket()
	m.Active = false
	if eligible(m) {
		t.Error("inactive market should not be eligible")
	}
}

func TestEligibleRejectsClosed(t *testing.T) {
	m := eligibleMarket()
	m.Closed = true
	if eligible(m) {
		t.Error("closed market should not be eligible")
	}
}

func TestEligibleRejectsNotAcceptingOrders(t *testing.T) {
	m := eligibleMarket()
	m.AcceptingOrders = false
	if eligible(m) {
		t.Error("market not accepting orders should not be eligible")
	}
}

func TestEligibleRejectsNoOrderBook(t *testing.T) {
	m := eligibleMarket()
	m.EnableOrderBook = false
	if eligible(m) {
		t.Error("market without an order book should not be eligible")
	}
}

func TestEligibleRejectsNegRisk(t *testing.T) {
	m := eligibleMarket()
	m.NegRisk = true
	if eligible(m) {
		t.Error("neg-risk market should not be eligible")
	}
}

func TestEligibleRejectsNonRewardBearing(t *testing.T) {
	m := eligibleMarket()
	m.RewardsDailyRate = 0
	if eligible(m) {
		t.Error("market with no reward pool should not be eligible")
	}
}

func TestEligibleRejectsMalformedTokenIds(t *testing.T) {
	m := eligibleMarket()
	m.ClobTokenIds = "not-json"
	if eligible(m) {
		t.Error("market with malformed clobTokenIds should not be eligible")
	}
	m.ClobTokenIds = `["only-one"]`
	if eligible(m) {
		t.Error("market with one token id should not be eligible")
	}
}

func TestEligibleAcceptsWellFormedMarket(t *testing.T) {
	if !eligible(eligibleMarket()) {
		t.Error("well-formed reward-bearing market should be eligible")
	}
}

func TestSideScoreQuadraticFormula(t *testing.T) {
	midpoint := decimal.NewFromFloat(0.50)
	maxSpread := decimal.NewFromInt(4) // cents
	minSize := decimal.NewFromInt(10)

	levels := []types.PriceLevel{
		{Price: "0.49", Size: "20"}, // 1 cent from mid: ((4-1)/4)^2 * 20 = 0.5625*20 = 11.25
		{Price: "0.40", Size: "50"}, // 10 cents from mid: beyond maxSpread, excluded
		{Price: "0.49", Size: "5"},  // below minSize, excluded
	}

	got := sideScore(levels, midpoint, maxSpread, minSize)
	want := decimal.NewFromFloat(11.25)
	if !got.Equal(want) {
		t.Errorf("sideScore = %s, want %s", got, want)
	}
}

func TestSideScoreZeroMaxSpread(t *testing.T) {
	levels := []types.PriceLevel{{Price: "0.50", Size: "20"}}
	got := sideScore(levels, decimal.NewFromFloat(0.5), decimal.Zero, decimal.NewFromInt(1))
	if !got.IsZero() {
		t.Errorf("sideScore with zero maxSpread = %s, want 0", got)
	}
}

func TestQEffTwoSidedOutsideMidRange(t *testing.T) {
	qOne := decimal.NewFromInt(10)
	qTwo := decimal.NewFromInt(40)
	midpoint := decimal.NewFromFloat(0.05) // outside [0.10, 0.90]

	got := qEff(qOne, qTwo, midpoint)
	want := decimal.NewFromInt(10) // min(qOne, qTwo), no penalty relief
	if !got.Equal(want) {
		t.Errorf("qEff outside mid range = %s, want %s", got, want)
	}
}

func TestQEffSingleSidedPenaltyInsideMidRange(t *testing.T) {
	qOne := decimal.NewFromInt(10)
	qTwo := decimal.NewFromInt(40)
	midpoint := decimal.NewFromFloat(0.50) // inside [0.10, 0.90]

	// lo = 10, hi/3 = 40/3 = 13.33 -> max(10, 13.33) = 13.33
	got := qEff(qOne, qTwo, midpoint)
	want := decimal.NewFromInt(40).Div(decimal.NewFromInt(3))
	if !got.Equal(want) {
		t.Errorf("qEff inside mid range = %s, want %s", got, want)
	}
}

func TestQEffInsideMidRangeFallsBackToMinWhenHigherThanPenalty(t *testing.T) {
	qOne := decimal.NewFromInt(30)
	qTwo := decimal.NewFromInt(31)
	midpoint := decimal.NewFromFloat(0.50)

	// lo = 30, hi/3 = 31/3 = 10.33 -> max(30, 10.33) = 30
	got := qEff(qOne, qTwo, midpoint)
	want := decimal.NewFromInt(30)
	if !got.Equal(want) {
		t.Errorf("qEff = %s, want %s", got, want)
	}
}

func TestEstimateEarningsComputesEarningPctAndEarning(t *testing.T) {
	qe := decimal.NewFromInt(30)
	liquidity := decimal.NewFromInt(100)
	midpoint := decimal.NewFromFloat(0.50)
	dailyPool := decimal.NewFromInt(1000)

	// own_score = 0.25 * (100/0.5) = 50
	// earning_pct = 50 / (30+50) = 0.625
	// earning = 0.625 * 1000 = 625
	got := estimateEarnings(qe, liquidity, midpoint, dailyPool)
	if !got.Compatible {
		t.Fatal("expected compatible earning estimate")
	}
	if !got.EarningEfficiency.Equal(decimal.NewFromFloat(0.625)) {
		t.Errorf("earning pct = %s, want 0.625", got.EarningEfficiency)
	}
	if !got.EstimatedDailyEarnings.Equal(decimal.NewFromInt(625)) {
		t.Errorf("earning = %s, want 625", got.EstimatedDailyEarnings)
	}
}

func TestEstimateEarningsRejectsZeroMidpoint(t *testing.T) {
	got := estimateEarnings(decimal.NewFromInt(10), decimal.NewFromInt(100), decimal.Zero, decimal.NewFromInt(1000))
	if got.Compatible {
		t.Error("zero midpoint should be incompatible")
	}
}

func book(bidPrice, askPrice string, size string) *types.BookResponse {
	return &types.BookResponse{
		Bids:     []types.PriceLevel{{Price: bidPrice, Size: size}},
		Asks:     []types.PriceLevel{{Price: askPrice, Size: size}},
		TickSize: "0.01",
	}
}

func TestRankSortsDescendingAndCapsAtMaxCandidates(t *testing.T) {
	m1 := eligibleMarket()
	m1.ConditionID = "0xcond1"
	m1.Slug = "low-reward"
	m1.RewardsDailyRate = 50

	m2 := eligibleMarket()
	m2.ConditionID = "0xcond2"
	m2.ClobTokenIds = `["yes-token-2","no-token-2"]`
	m2.Slug = "high-reward"
	m2.RewardsDailyRate = 500

	metadata := &fakeMetadata{markets: []venue.GammaMarket{m1, m2}}
	books := &fakeBook{books: map[string]*types.BookResponse{
		"yes-token":   book("0.49", "0.51", "50"),
		"yes-token-2": book("0.49", "0.51", "50"),
	}}

	cfg := config.DiscoveryConfig{LiquidityCommitment: 100, MaxCandidates: 1}
	engine := New(metadata, books, cfg, slog.Default())

	ranked, err := engine.Rank(context.Background())
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if len(ranked) != 1 {
		t.Fatalf("len(ranked) = %d, want 1 (max_candidates cap)", len(ranked))
	}
	if ranked[0].Slug != "high-reward" {
		t.Errorf("top candidate = %s, want high-reward (higher daily rate)", ranked[0].Slug)
	}
}

func TestRankBreaksScoreTiesByConditionIDLexicalOrder(t *testing.T) {
	m1 := eligibleMarket()
	m1.ConditionID = "0xbbb"
	m1.Slug = "second"

	m2 := eligibleMarket()
	m2.ConditionID = "0xaaa"
	m2.ClobTokenIds = `["yes-token-2","no-token-2"]`
	m2.Slug = "first"

	metadata := &fakeMetadata{markets: []venue.GammaMarket{m1, m2}}
	books := &fakeBook{books: map[string]*types.BookResponse{
		"yes-token":   book("0.49", "0.51", "50"),
		"yes-token-2": book("0.49", "0.51", "50"),
	}}

	cfg := config.DiscoveryConfig{LiquidityCommitment: 100}
	engine := New(metadata, books, cfg, slog.Default())

	ranked, err := engine.Rank(context.Background())
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("len(ranked) = %d, want 2", len(ranked))
	}
	if !ranked[0].Potential.TotalScore.Equal(ranked[1].Potential.TotalScore) {
		t.Fatalf("expected equal scores for this test to exercise the tie-break, got %s vs %s",
			ranked[0].Potential.TotalScore, ranked[1].Potential.TotalScore)
	}
	if ranked[0].Params.ConditionID != "0xaaa" || ranked[1].Params.ConditionID != "0xbbb" {
		t.Errorf("tied candidates = [%s, %s], want [0xaaa, 0xbbb] (lexical order)",
			ranked[0].Params.ConditionID, ranked[1].Params.ConditionID)
	}
}

func TestRankSkipsCandidateWhenLiquidityCommitmentTooSmall(t *testing.T) {
	m := eligibleMarket()
	m.RewardsMinSize = 1_000_000 // far beyond what a tiny commitment can meet

	metadata := &fakeMetadata{markets: []venue.GammaMarket{m}}
	books := &fakeBook{books: map[string]*types.BookResponse{
		"yes-token": book("0.49", "0.51", "50"),
	}}

	cfg := config.DiscoveryConfig{LiquidityCommitment: 1}
	engine := New(metadata, books, cfg, slog.Default())

	ranked, err := engine.Rank(context.Background())
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if len(ranked) != 0 {
		t.Errorf("expected candidate to be dropped for insufficient liquidity commitment, got %d", len(ranked))
	}
}

func TestRankSkipsCandidateOnOrderBookFetchError(t *testing.T) {
	metadata := &fakeMetadata{markets: []venue.GammaMarket{eligibleMarket()}}
	books := &fakeBook{err: fmt.Errorf("connection refused")}

	engine := New(metadata, books, config.DiscoveryConfig{LiquidityCommitment: 100}, slog.Default())

	ranked, err := engine.Rank(context.Background())
	if err != nil {
		t.Fatalf("Rank() error = %v", err)
	}
	if len(ranked) != 0 {
		t.Errorf("expected candidate dropped on book fetch error, got %d", len(ranked))
	}
}

func history(points ...types.PriceHistoryPoint) *types.PriceHistoryResponse {
	return &types.PriceHistoryResponse{History: points}
}

func TestVolatilityFilterRejectsOnFetchError(t *testing.T) {
	metadata := &fakeMetadata{err: fmt.Errorf("timeout")}
	engine := New(metadata, &fakeBook{}, config.DiscoveryConfig{VolatilityThreshold: 0.1}, slog.Default())

	ranked := []types.RankedMarket{{Params: types.MarketParams{YesTokenID: "yes-token"}}}
	if _, err := engine.VolatilityFilter(context.Background(), ranked); err == nil {
		t.Error("expected error when price history fetch fails for every candidate")
	}
}

func TestVolatilityFilterRejectsFewerThanTwoPoints(t *testing.T) {
	metadata := &fakeMetadata{history: map[string]*types.PriceHistoryResponse{
		"yes-token": history(types.PriceHistoryPoint{T: 0, P: 0.5}),
	}}
	engine := New(metadata, &fakeBook{}, config.DiscoveryConfig{VolatilityThreshold: 0.1}, slog.Default())

	ranked := []types.RankedMarket{{Params: types.MarketParams{YesTokenID: "yes-token"}}}
	if _, err := engine.VolatilityFilter(context.Background(), ranked); err == nil {
		t.Error("expected error when fewer than two history points are available")
	}
}

func TestVolatilityFilterRejectsOnThresholdExceeded(t *testing.T) {
	metadata := &fakeMetadata{history: map[string]*types.PriceHistoryResponse{
		"yes-token": history(
			types.PriceHistoryPoint{T: 0, P: 0.50},
			types.PriceHistoryPoint{T: 60, P: 0.70}, // |0.70-0.50|/0.50 = 0.4
		),
	}}
	engine := New(metadata, &fakeBook{}, config.DiscoveryConfig{VolatilityThreshold: 0.1}, slog.Default())

	ranked := []types.RankedMarket{{Params: types.MarketParams{YesTokenID: "yes-token"}}}
	if _, err := engine.VolatilityFilter(context.Background(), ranked); err == nil {
		t.Error("expected rejection when aggregate price change exceeds threshold")
	}
}

func TestVolatilityFilterAcceptsFirstPassingCandidate(t *testing.T) {
	metadata := &fakeMetadata{history: map[string]*types.PriceHistoryResponse{
		"volatile-token": history(
			types.PriceHistoryPoint{T: 0, P: 0.50},
			types.PriceHistoryPoint{T: 60, P: 0.90},
		),
		"stable-token": history(
			types.PriceHistoryPoint{T: 0, P: 0.50},
			types.PriceHistoryPoint{T: 600, P: 0.505},
		),
	}}
	engine := New(metadata, &fakeBook{}, config.DiscoveryConfig{VolatilityThreshold: 0.1, VolatilityLookback: 0}, slog.Default())

	ranked := []types.RankedMarket{
		{Slug: "volatile", Params: types.MarketParams{YesTokenID: "volatile-token"}},
		{Slug: "stable", Params: types.MarketParams{YesTokenID: "stable-token"}},
	}
	got, err := engine.VolatilityFilter(context.Background(), ranked)
	if err != nil {
		t.Fatalf("VolatilityFilter() error = %v", err)
	}
	if got.Slug != "stable" {
		t.Errorf("accepted candidate = %s, want stable (first to pass)", got.Slug)
	}
}

func TestParseClobTokenIdsRejectsWrongCount(t *testing.T) {
	if _, _, err := parseClobTokenIds(`["only-one"]`); err == nil {
		t.Error("expected error for a single token id")
	}
	if _, _, err := parseClobTokenIds(""); err == nil {
		t.Error("expected error for empty input")
	}
	if _, _, err := parseClobTokenIds("{not json"); err == nil {
		t.Error("expected error for malformed json")
	}
}

func TestParseClobTokenIdsAcceptsTwoIds(t *testing.T) {
	yes, no, err := parseClobTokenIds(`["y","n"]`)
	if err != nil {
		t.Fatalf("parseClobTokenIds() error = %v", err)
	}
	if yes != "y" || no != "n" {
		t.Errorf("got (%s, %s), want (y, n)", yes, no)
	}
}

func TestResolveMarketFindsMatchingConditionID(t *testing.T) {
	m := eligibleMarket()
	m.RewardsDailyRate = 0 // a pinned market need not be reward-eligible
	e := New(&fakeMetadata{markets: []venue.GammaMarket{m}}, &fakeBook{}, config.DiscoveryConfig{}, slog.Default())

	params, err := e.ResolveMarket(context.Background(), "0xcond")
	if err != nil {
		t.Fatalf("ResolveMarket() error = %v", err)
	}
	if params.YesTokenID != "yes-token" || params.NoTokenID != "no-token" {
		t.Errorf("tokens = (%s, %s), want (yes-token, no-token)", params.YesTokenID, params.NoTokenID)
	}
	if !params.Tick.Value().Equal(decimal.NewFromFloat(0.01)) {
		t.Errorf("tick = %s, want 0.01", params.Tick.Value())
	}
}

func TestResolveMarketErrorsWhenNotFound(t *testing.T) {
	e := New(&fakeMetadata{markets: []venue.GammaMarket{eligibleMarket()}}, &fakeBook{}, config.DiscoveryConfig{}, slog.Default())

	if _, err := e.ResolveMarket(context.Background(), "0xmissing"); err == nil {
		t.Error("expected an error for an unknown condition id")
	}
}

func TestResolveMarketErrorsOnMalformedTokenIds(t *testing.T) {
	m := eligibleMarket()
	m.ClobTokenIds = `["only-one"]`
	e := New(&fakeMetadata{markets: []venue.GammaMarket{m}}, &fakeBook{}, config.DiscoveryConfig{}, slog.Default())

	if _, err := e.ResolveMarket(context.Background(), "0xcond"); err == nil {
		t.Error("expected an error for malformed clob token ids")
	}
}
