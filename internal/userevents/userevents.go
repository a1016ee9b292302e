// Package userevents normalizes the authenticated user-channel WebSocket
// feed into fills handed to the position tracker and order lifecycle
// updates handed to the order tracker (§4.E).
//
// Trade events arrive with a side that is the taker's side. When we were
// the maker (trade_owner != owner), the side must be inverted to reflect
// the operator's own perspective before it reaches the position tracker.
package userevents

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/marketmaker/internal/ordertracker"
	"github.com/example/marketmaker/internal/venue"
	"github.com/example/marketmaker/pkg/types"
)

// Dispatcher converts raw user-feed events into normalized domain events.
type Dispatcher struct {
	params  types.MarketParams
	orders  *ordertracker.Tracker
	onFill  func(types.Fill)
	logger  *slog.Logger
}

// New creates a user-event dispatcher for one market.
func New(params types.MarketParams, orders *ordertracker.Tracker, onFill func(types.Fill), logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		params: params,
		orders: orders,
		onFill: onFill,
		logger: logger.With("component", "user_events", "market", params.ConditionID),
	}
}

// Run dispatches ws's trade/order channels until the caller closes done;
// that is its only exit. Delivery is at-least-once; consumers (the position
// tracker, via onFill) must be idempotent — which they are, keyed by fill
// id (§4.A, §4.B).
func (d *Dispatcher) Run(done <-chan struct{}, ws *venue.WSFeed) {
	for {
		select {
		case <-done:
			return
		case evt := <-ws.TradeEvents():
			d.handleTrade(evt)
		case evt := <-ws.OrderEvents():
			d.handleOrder(evt)
		}
	}
}

func (d *Dispatcher) tokenRole(assetID string) (types.TokenRole, bool) {
	switch assetID {
	case d.params.YesTokenID:
		return types.TokenYes, true
	case d.params.NoTokenID:
		return types.TokenNo, true
	default:
		return "", false
	}
}

func (d *Dispatcher) handleTrade(evt types.WSTradeEvent) {
	role, ours := d.tokenRole(evt.AssetID)
	if !ours {
		if evt.Owner == evt.TradeOwner {
			d.logger.Warn("trade event for unknown asset with matching owner",
				"asset", evt.AssetID, "owner", evt.Owner, "trade_id", evt.ID)
		}
		return
	}

	side := types.Side(evt.Side)
	if evt.Owner != evt.TradeOwner {
		// We were the maker; the delivered side is the taker's. Invert to
		// get our own side.
		side = side.Invert()
	}

	price, err := decimal.NewFromString(evt.Price)
	if err != nil {
		d.logger.Error("unparseable trade price", "trade_id", evt.ID, "price", evt.Price, "error", err)
		return
	}
	size, err := decimal.NewFromString(evt.Size)
	if err != nil {
		d.logger.Error("unparseable trade size", "trade_id", evt.ID, "size", evt.Size, "error", err)
		return
	}

	fill := types.Fill{
		ID:          evt.ID,
		TokenID:     evt.AssetID,
		Token:       role,
		ConditionID: d.params.ConditionID,
		Side:        side,
		Price:       price,
		Size:        size,
		TimestampMs: parseTimestampMs(evt.Timestamp),
		OrderID:     evt.OrderID,
		Status:      parseFillStatus(evt.Status),
	}

	if d.onFill != nil {
		d.onFill(fill)
	}
}

func (d *Dispatcher) handleOrder(evt types.WSOrderEvent) {
	if _, ours := d.tokenRole(evt.AssetID); !ours {
		return
	}

	switch evt.Type {
	case "PLACEMENT":
		price, _ := decimal.NewFromString(evt.Price)
		size, _ := decimal.NewFromString(evt.OriginalSize)
		d.orders.Add(types.TrackedOrder{
			OrderID:  evt.ID,
			TokenID:  evt.AssetID,
			Side:     types.Side(evt.Side),
			Price:    price,
			Size:     size,
			PlacedAt: time.Now(),
		})
	case "CANCELLATION":
		d.orders.Remove(evt.ID)
	case "UPDATE":
		// Partial fills update SizeMatched but don't change our view of
		// the order's remaining existence; the trade event already
		// carries the fill to the position tracker.
	default:
		d.logger.Debug("unhandled order event type", "type", evt.Type, "id", evt.ID)
	}
}

func parseTimestampMs(s string) int64 {
	if s == "" {
		return time.Now().UnixMilli()
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli()
	}
	return time.Now().UnixMilli()
}

func parseFillStatus(s string) types.FillStatus {
	switch types.FillStatus(s) {
	case types.FillMatched, types.FillMined, types.FillConfirmed, types.FillRetrying, types.FillFailed:
		return types.FillStatus(s)
	default:
		return types.FillMatched
	}
}
