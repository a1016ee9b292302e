package userevents

import (
	"log/slog"
	"testing"
	"time"

	"github.com/example/marketmaker/internal/config"
	"github.com/example/marketmaker/internal/ordertracker"
	"github.com/example/marketmaker/pkg/types"
)

func testParams() types.MarketParams {
	return types.MarketParams{
		ConditionID: "0xcondition",
		YesTokenID:  "yes-token",
		NoTokenID:   "no-token",
	}
}

func TestHandleTradeInvertsSideWhenWeAreMaker(t *testing.T) {
	t.Parallel()
	var got types.Fill
	d := New(testParams(), ordertracker.New(config.OrderTrackConfig{}), func(f types.Fill) { got = f }, slog.Default())

	d.handleTrade(types.WSTradeEvent{
		ID: "t1", AssetID: "yes-token", Side: "SELL",
		Price: "0.5", Size: "10", Status: "MATCHED",
		Owner: "me", TradeOwner: "someone-else", OrderID: "o1",
	})

	if got.Side != types.BUY {
		t.Errorf("Side = %v, want BUY (inverted from taker's SELL)", got.Side)
	}
	if got.Token != types.TokenYes {
		t.Errorf("Token = %v, want YES", got.Token)
	}
}

func TestHandleTradeKeepsSideWhenWeAreTaker(t *testing.T) {
	t.Parallel()
	var got types.Fill
	d := New(testParams(), ordertracker.New(config.OrderTrackConfig{}), func(f types.Fill) { got = f }, slog.Default())

	d.handleTrade(types.WSTradeEvent{
		ID: "t1", AssetID: "yes-token", Side: "BUY",
		Price: "0.5", Size: "10", Status: "MATCHED",
		Owner: "me", TradeOwner: "me", OrderID: "o1",
	})

	if got.Side != types.BUY {
		t.Errorf("Side = %v, want BUY (unchanged, we are the taker)", got.Side)
	}
}

func TestHandleTradeIgnoresUnknownAsset(t *testing.T) {
	t.Parallel()
	called := false
	d := New(testParams(), ordertracker.New(config.OrderTrackConfig{}), func(f types.Fill) { called = true }, slog.Default())

	d.handleTrade(types.WSTradeEvent{
		ID: "t1", AssetID: "some-other-token", Side: "BUY",
		Price: "0.5", Size: "10", Status: "MATCHED",
		Owner: "someone-else", TradeOwner: "someone-else",
	})

	if called {
		t.Error("onFill should not be called for a trade on an asset we don't track")
	}
}

func TestHandleOrderPlacementTracksOrder(t *testing.T) {
	t.Parallel()
	orders := ordertracker.New(config.OrderTrackConfig{Capacity: 10, MaxAge: time.Hour})
	d := New(testParams(), orders, nil, slog.Default())

	d.handleOrder(types.WSOrderEvent{
		ID: "o1", AssetID: "yes-token", Side: "BUY",
		Price: "0.45", OriginalSize: "100", Type: "PLACEMENT",
	})

	tracked, ok := orders.Get("o1")
	if !ok {
		t.Fatal("expected order o1 to be tracked after PLACEMENT")
	}
	if tracked.TokenID != "yes-token" {
		t.Errorf("TokenID = %q, want yes-token", tracked.TokenID)
	}
}

func TestHandleOrderCancellationRemovesOrder(t *testing.T) {
	t.Parallel()
	orders := ordertracker.New(config.OrderTrackConfig{Capacity: 10, MaxAge: time.Hour})
	d := New(testParams(), orders, nil, slog.Default())

	d.handleOrder(types.WSOrderEvent{ID: "o1", AssetID: "yes-token", Type: "PLACEMENT", Price: "0.5", OriginalSize: "10"})
	d.handleOrder(types.WSOrderEvent{ID: "o1", AssetID: "yes-token", Type: "CANCELLATION"})

	if _, ok := orders.Get("o1"); ok {
		t.Error("expected order o1 to be removed after CANCELLATION")
	}
}
