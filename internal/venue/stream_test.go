package venue

import (
	"log/slog"
	"testing"
	"time"
)

func TestJitterStaysWithinTenPercent(t *testing.T) {
	t.Parallel()

	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		got := jitter(base)
		lo := base - base/10
		hi := base + base/10
		if got < lo || got > hi {
			t.Errorf("jitter(%v) = %v, outside [%v, %v]", base, got, lo, hi)
		}
	}
}

func TestDispatchMessageRoutesBookEvent(t *testing.T) {
	t.Parallel()

	f := NewMarketFeed("wss://example.invalid", StreamConfig{}, slog.Default())
	f.dispatchMessage([]byte(`{"event_type":"book","asset_id":"a1","market":"c1"}`))

	select {
	case evt := <-f.BookEvents():
		if evt.AssetID != "a1" {
			t.Errorf("AssetID = %q, want a1", evt.AssetID)
		}
	default:
		t.Fatal("expected a book event, got none")
	}
}

func TestDispatchMessageRoutesBestBidAsk(t *testing.T) {
	t.Parallel()

	f := NewMarketFeed("wss://example.invalid", StreamConfig{}, slog.Default())
	f.dispatchMessage([]byte(`{"event_type":"best_bid_ask","asset_id":"a1","best_bid":"0.4","best_ask":"0.6"}`))

	select {
	case evt := <-f.BestBidAskEvents():
		if evt.BestBid != "0.4" || evt.BestAsk != "0.6" {
			t.Errorf("got bid=%q ask=%q", evt.BestBid, evt.BestAsk)
		}
	default:
		t.Fatal("expected a best_bid_ask event, got none")
	}
}

func TestDispatchMessageIgnoresUnknownType(t *testing.T) {
	t.Parallel()

	f := NewMarketFeed("wss://example.invalid", StreamConfig{}, slog.Default())
	f.dispatchMessage([]byte(`{"event_type":"some_future_event"}`))

	select {
	case evt := <-f.BookEvents():
		t.Errorf("unexpected book event: %+v", evt)
	default:
	}
}

func TestDispatchMessageIgnoresPong(t *testing.T) {
	t.Parallel()

	f := NewMarketFeed("wss://example.invalid", StreamConfig{}, slog.Default())
	f.dispatchMessage([]byte(`"PONG"`))

	select {
	case evt := <-f.BookEvents():
		t.Errorf("unexpected book event: %+v", evt)
	default:
	}
}
