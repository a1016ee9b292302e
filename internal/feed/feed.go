// Package feed maintains a local mirror of the venue's order book for each
// subscribed token and derives a midpoint on every change (§4.D). It
// consumes a venue.WSFeed's event channels and, when the local book has
// gone stale, falls back to polling the venue's HTTP midpoint endpoint.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/marketmaker/internal/config"
	"github.com/example/marketmaker/internal/venue"
	"github.com/example/marketmaker/pkg/types"
)

// MidpointSource distinguishes how a midpoint update was derived.
type MidpointSource string

const (
	SourceBook      MidpointSource = "book"
	SourceLastTrade MidpointSource = "last_trade"
	SourcePoll      MidpointSource = "poll"
)

// MidpointUpdate is delivered to the consumer callback on every midpoint
// change.
type MidpointUpdate struct {
	TokenID   string
	Midpoint  decimal.Decimal
	Source    MidpointSource
	UpdatedAt time.Time
}

// MidpointClient is the subset of the REST client the fallback poller uses.
type MidpointClient interface {
	GetMidpoint(ctx context.Context, tokenID string) (float64, error)
}

type bookState struct {
	bids map[string]decimal.Decimal // price (normalized string) -> size
	asks map[string]decimal.Decimal

	bestBid      decimal.Decimal
	bestAsk      decimal.Decimal
	haveBook     bool
	lastTrade    decimal.Decimal
	lastTradeAt  time.Time
	haveTrade    bool
	lastMidpoint decimal.Decimal
	haveMidpoint bool
	updatedAt    time.Time
}

// Feed maintains per-token book state and emits midpoint updates.
type Feed struct {
	mu     sync.RWMutex
	books  map[string]*bookState
	cfg    config.FeedConfig
	client MidpointClient
	onMid  func(MidpointUpdate)
	logger *slog.Logger
}

// New creates a market price feed. onMidpoint is called synchronously from
// the dispatch loop on every derived midpoint change; it must not block.
func New(cfg config.FeedConfig, client MidpointClient, onMidpoint func(MidpointUpdate), logger *slog.Logger) *Feed {
	return &Feed{
		books:  make(map[string]*bookState),
		cfg:    cfg,
		client: client,
		onMid:  onMidpoint,
		logger: logger.With("component", "feed"),
	}
}

func (f *Feed) stateFor(tokenID string) *bookState {
	st, ok := f.books[tokenID]
	if !ok {
		st = &bookState{bids: make(map[string]decimal.Decimal), asks: make(map[string]decimal.Decimal)}
		f.books[tokenID] = st
	}
	return st
}

// Run dispatches ws's event channels until ctx is cancelled, maintaining
// book state and firing the midpoint callback. It also runs the fallback
// HTTP poller for any token whose book has gone stale.
func (f *Feed) Run(ctx context.Context, ws *venue.WSFeed, tokenIDs []string) error {
	pollInterval := f.cfg.FallbackPolling
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-ws.BookEvents():
			f.applySnapshot(evt)

		case evt := <-ws.PriceChangeEvents():
			f.applyPriceChange(evt)

		case evt := <-ws.BestBidAskEvents():
			f.applyBestBidAsk(evt)

		case evt := <-ws.LastTradeEvents():
			f.applyLastTrade(evt)

		case <-ticker.C:
			f.pollStaleTokens(ctx, tokenIDs)
		}
	}
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func (f *Feed) applySnapshot(evt types.WSBookEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.stateFor(evt.AssetID)
	st.bids = make(map[string]decimal.Decimal)
	st.asks = make(map[string]decimal.Decimal)

	for _, lvl := range evt.Buys {
		if d, ok := parseDecimal(lvl.Price); ok {
			st.bids[d.String()] = mustDecimal(lvl.Size)
		}
	}
	for _, lvl := range evt.Sells {
		if d, ok := parseDecimal(lvl.Price); ok {
			st.asks[d.String()] = mustDecimal(lvl.Size)
		}
	}
	st.updatedAt = time.Now()
	f.recomputeBestLocked(st)
	f.deriveMidpointLocked(evt.AssetID, st)
}

func mustDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// applyPriceChange applies incremental level-2 deltas: a size of zero
// removes the level, any other size upserts it.
func (f *Feed) applyPriceChange(evt types.WSPriceChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	touched := make(map[string]*bookState)
	for _, pc := range evt.PriceChanges {
		st := f.stateFor(pc.AssetID)
		price, ok := parseDecimal(pc.Price)
		if !ok {
			continue
		}
		size, ok := parseDecimal(pc.Size)
		if !ok {
			continue
		}

		levels := st.asks
		if pc.Side == string(types.BUY) {
			levels = st.bids
		}
		if size.IsZero() {
			delete(levels, price.String())
		} else {
			levels[price.String()] = size
		}
		st.updatedAt = time.Now()
		touched[pc.AssetID] = st
	}

	for assetID, st := range touched {
		f.recomputeBestLocked(st)
		f.deriveMidpointLocked(assetID, st)
	}
}

func (f *Feed) recomputeBestLocked(st *bookState) {
	st.haveBook = len(st.bids) > 0 && len(st.asks) > 0
	if !st.haveBook {
		return
	}

	first := true
	for priceStr, size := range st.bids {
		if size.IsZero() {
			continue
		}
		price, _ := decimal.NewFromString(priceStr)
		if first || price.GreaterThan(st.bestBid) {
			st.bestBid = price
			first = false
		}
	}

	first = true
	for priceStr, size := range st.asks {
		if size.IsZero() {
			continue
		}
		price, _ := decimal.NewFromString(priceStr)
		if first || price.LessThan(st.bestAsk) {
			st.bestAsk = price
			first = false
		}
	}
}

func (f *Feed) applyBestBidAsk(evt types.WSBestBidAskEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.stateFor(evt.AssetID)
	bid, okBid := parseDecimal(evt.BestBid)
	ask, okAsk := parseDecimal(evt.BestAsk)
	if !okBid || !okAsk {
		return
	}
	st.bestBid = bid
	st.bestAsk = ask
	st.haveBook = true
	st.updatedAt = time.Now()
	f.deriveMidpointLocked(evt.AssetID, st)
}

func (f *Feed) applyLastTrade(evt types.WSLastTradePriceEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.stateFor(evt.AssetID)
	price, ok := parseDecimal(evt.Price)
	if !ok {
		return
	}
	st.lastTrade = price
	st.lastTradeAt = time.Now()
	st.haveTrade = true
	f.deriveMidpointLocked(evt.AssetID, st)
}

// deriveMidpointLocked implements §4.D's midpoint derivation rule. Caller
// must hold f.mu.
func (f *Feed) deriveMidpointLocked(tokenID string, st *bookState) {
	maxSpread := f.cfg.MaxSpreadForMidpoint
	if maxSpread <= 0 {
		maxSpread = 0.10
	}
	lastTradeMaxAge := f.cfg.LastTradeMaxAge
	if lastTradeMaxAge <= 0 {
		lastTradeMaxAge = time.Minute
	}

	var mid decimal.Decimal
	var source MidpointSource
	found := false

	if st.haveBook {
		spread := st.bestAsk.Sub(st.bestBid)
		if spread.LessThanOrEqual(decimal.NewFromFloat(maxSpread)) {
			mid = st.bestBid.Add(st.bestAsk).Div(decimal.NewFromInt(2))
			source = SourceBook
			found = true
		}
	}
	if !found && st.haveTrade && time.Since(st.lastTradeAt) <= lastTradeMaxAge {
		mid = st.lastTrade
		source = SourceLastTrade
		found = true
	}
	if !found {
		return
	}
	if st.haveMidpoint && st.lastMidpoint.Equal(mid) {
		return
	}

	st.lastMidpoint = mid
	st.haveMidpoint = true
	now := time.Now()
	update := MidpointUpdate{TokenID: tokenID, Midpoint: mid, Source: source, UpdatedAt: now}
	if f.onMid != nil {
		f.onMid(update)
	}
}

// pollStaleTokens fetches the HTTP midpoint for any token whose book has not
// updated within roughly two ping intervals — a freshness-based proxy for
// "the stream is disconnected" rather than a literal connection-state check,
// since reconnection is handled transparently inside venue.WSFeed.
func (f *Feed) pollStaleTokens(ctx context.Context, tokenIDs []string) {
	if f.client == nil {
		return
	}
	staleAfter := f.cfg.PingInterval * 2
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}

	for _, tokenID := range tokenIDs {
		f.mu.RLock()
		st, ok := f.books[tokenID]
		stale := !ok || time.Since(st.updatedAt) > staleAfter
		f.mu.RUnlock()
		if !stale {
			continue
		}

		mid, err := f.client.GetMidpoint(ctx, tokenID)
		if err != nil {
			f.logger.Warn("fallback midpoint poll failed", "token", tokenID, "error", err)
			continue
		}

		f.mu.Lock()
		st = f.stateFor(tokenID)
		midDec := decimal.NewFromFloat(mid)
		if st.haveMidpoint && st.lastMidpoint.Equal(midDec) {
			f.mu.Unlock()
			continue
		}
		st.lastMidpoint = midDec
		st.haveMidpoint = true
		st.updatedAt = time.Now()
		f.mu.Unlock()

		if f.onMid != nil {
			f.onMid(MidpointUpdate{TokenID: tokenID, Midpoint: midDec, Source: SourcePoll, UpdatedAt: time.Now()})
		}
	}
}

// Midpoint returns the most recently derived midpoint for a token.
func (f *Feed) Midpoint(tokenID string) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.books[tokenID]
	if !ok || !st.haveMidpoint {
		return decimal.Decimal{}, false
	}
	return st.lastMidpoint, true
}

// BestBidAsk returns the current best bid/ask for a token.
func (f *Feed) BestBidAsk(tokenID string) (bid, ask decimal.Decimal, ok bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, exists := f.books[tokenID]
	if !exists || !st.haveBook {
		return decimal.Decimal{}, decimal.Decimal{}, false
	}
	return st.bestBid, st.bestAsk, true
}

// LoadSnapshot seeds book state from a REST book response, e.g. at startup
// before the WS feed has delivered its first event.
func (f *Feed) LoadSnapshot(resp *types.BookResponse) error {
	if resp == nil {
		return fmt.Errorf("nil book response")
	}
	f.applySnapshot(types.WSBookEvent{AssetID: resp.AssetID, Buys: resp.Bids, Sells: resp.Asks, Hash: resp.Hash})
	return nil
}
