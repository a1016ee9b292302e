// Package controller is the quote lifecycle controller (§4.G): it watches
// the midpoint and the position tracker's gating decisions and drives each
// outcome token's resting quote through a small per-side state machine,
// coalescing bursts of triggers behind a single debounce timer so a noisy
// feed doesn't thrash the order book.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/marketmaker/internal/config"
	"github.com/example/marketmaker/internal/ordertracker"
	"github.com/example/marketmaker/internal/position"
	"github.com/example/marketmaker/internal/quote"
	"github.com/example/marketmaker/internal/venue"
	"github.com/example/marketmaker/pkg/types"
)

// SideState is where one outcome token's quote sits in its lifecycle.
type SideState int

const (
	StateNone SideState = iota
	StatePlacing
	StateLive
	StateCancelling
)

func (s SideState) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StatePlacing:
		return "PLACING"
	case StateLive:
		return "LIVE"
	case StateCancelling:
		return "CANCELLING"
	default:
		return "UNKNOWN"
	}
}

// side is the controller's per-token bookkeeping: what's resting now and
// what state the lifecycle is in.
type side struct {
	state   SideState
	orderID string
	price   decimal.Decimal
}

// Controller drives one market's two outcome-token quotes.
type Controller struct {
	params types.MarketParams
	cfg    config.ControllerConfig
	client *venue.Client
	pos    *position.Tracker
	orders *ordertracker.Tracker
	logger *slog.Logger

	quoteCfg config.QuoteConfig

	mu        sync.Mutex
	yes       side
	no        side
	midpoint  decimal.Decimal
	quotedMid decimal.Decimal // midpoint the last reconcile computed targets from

	trigger chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a controller for one market. client, pos and orders are
// shared with the rest of the engine for this market.
func New(params types.MarketParams, cfg config.ControllerConfig, quoteCfg config.QuoteConfig, client *venue.Client, pos *position.Tracker, orders *ordertracker.Tracker, logger *slog.Logger) *Controller {
	return &Controller{
		params:   params,
		cfg:      cfg,
		quoteCfg: quoteCfg,
		client:   client,
		pos:      pos,
		orders:   orders,
		logger:   logger.With("component", "controller", "market", params.ConditionID),
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// OnMidpoint records a new midpoint and requests a rebalance if it moved
// past the configured threshold from the last midpoint a rebalance was
// computed against.
func (c *Controller) OnMidpoint(mid decimal.Decimal) {
	c.mu.Lock()
	prev := c.quotedMid
	c.midpoint = mid
	moved := prev.IsZero() || mid.Sub(prev).Abs().GreaterThanOrEqual(decimal.NewFromFloat(c.cfg.RebalanceThreshold))
	c.mu.Unlock()

	if moved {
		c.requestRebalance()
	}
}

// OnFill notifies the controller that a side's resting order may have been
// consumed (fully or partially) so it can re-evaluate on the next cycle.
func (c *Controller) OnFill(f types.Fill) {
	c.requestRebalance()
}

// OnLimitTransition notifies the controller that the position tracker's
// gating decision for a side may have flipped.
func (c *Controller) OnLimitTransition() {
	c.requestRebalance()
}

func (c *Controller) requestRebalance() {
	select {
	case c.trigger <- struct{}{}:
	default:
		// a rebalance is already pending; the debounce timer below will
		// pick up the latest midpoint when it fires.
	}
}

// Run drives the debounce loop until Stop is called. It must run in its
// own goroutine.
func (c *Controller) Run(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time
	safety := time.NewTicker(c.cfg.RefreshInterval)
	defer safety.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown(context.Background())
			return
		case <-c.done:
			c.shutdown(context.Background())
			return
		case <-c.trigger:
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(time.Duration(c.cfg.DebounceMs) * time.Millisecond)
			timerC = timer.C
		case <-safety.C:
			c.requestRebalance()
		case <-timerC:
			timerC = nil
			c.reconcile(ctx)
		}
	}
}

// Stop ends the debounce loop; Run drains and cancels all live orders
// before returning.
func (c *Controller) Stop() {
	close(c.done)
}

func (c *Controller) shutdown(ctx context.Context) {
	c.logger.Info("shutting down, cancelling all resting orders")
	c.mu.Lock()
	yesLive := c.yes.state == StateLive
	noLive := c.no.state == StateLive
	c.mu.Unlock()
	if yesLive || noLive {
		if _, err := c.client.CancelMarketOrders(ctx, c.params.ConditionID); err != nil {
			c.logger.Error("shutdown cancellation failed", "error", err)
		}
	}
	c.mu.Lock()
	c.yes = side{}
	c.no = side{}
	c.mu.Unlock()
}

// reconcile is the heart of the controller: gate, compute targets, and
// drive each side toward them.
func (c *Controller) reconcile(ctx context.Context) {
	c.mu.Lock()
	mid := c.midpoint
	if !mid.IsZero() {
		c.quotedMid = mid
	}
	c.mu.Unlock()
	if mid.IsZero() {
		return
	}

	pair := quote.Generate(mid, c.marketParams(), decimal.NewFromFloat(c.quoteCfg.SpreadPercent), decimal.NewFromFloat(c.quoteCfg.OrderSize))

	// Both legs are BUY orders under the dual-BUY style, but they move net
	// exposure N = yesTokens - noTokens in opposite directions: a YES fill
	// raises N (bounded by CanQuoteBuy), a NO fill lowers it (bounded by
	// CanQuoteSell).
	c.reconcileSide(ctx, types.TokenYes, c.params.YesTokenID, &c.yes, pair.Yes, c.pos.CanQuoteBuy())
	c.reconcileSide(ctx, types.TokenNo, c.params.NoTokenID, &c.no, pair.No, c.pos.CanQuoteSell())
}

func (c *Controller) marketParams() types.MarketParams {
	return c.params
}

// reconcileSide applies the gate-then-reconcile algorithm to one outcome
// token: if gated, cancel any resting quote and stop; if the current
// resting order is already within one tick of the target, do nothing;
// otherwise cancel (if live) then place.
func (c *Controller) reconcileSide(ctx context.Context, token types.TokenRole, tokenID string, s *side, target types.Quote, gate position.Decision) {
	c.mu.Lock()
	cur := *s
	c.mu.Unlock()

	if !gate.Allowed {
		if cur.state == StateLive || cur.state == StatePlacing {
			c.logger.Info("gated, cancelling resting quote", "token", token, "reason", gate.Reason)
			c.cancelSide(ctx, token, tokenID, s, cur)
		}
		return
	}

	if cur.state == StateLive && cur.price.Sub(target.Price).Abs().LessThanOrEqual(c.tick()) {
		return
	}

	if cur.state == StateLive || cur.state == StatePlacing {
		if !c.cancelSide(ctx, token, tokenID, s, cur) {
			return
		}
	}

	c.placeSide(ctx, token, tokenID, s, target)
}

func (c *Controller) tick() decimal.Decimal {
	return c.params.Tick.Value()
}

// cancelSide cancels a side's resting order, retrying with the configured
// backoff schedule. On exhaustion it escalates to a cancel of every order in
// this market (both outcome tokens, by condition id); if that also fails the
// side stays LIVE with its order id, so the next reconcile retries the
// cancel before any placement, and failure is reported via the bool return.
func (c *Controller) cancelSide(ctx context.Context, token types.TokenRole, tokenID string, s *side, cur side) bool {
	if cur.orderID == "" {
		c.setState(s, StateNone)
		return true
	}
	c.setState(s, StateCancelling)

	var lastErr error
	for attempt := 0; attempt <= len(c.cfg.PlacementBackoff); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(c.cfg.PlacementBackoff[attempt-1]):
			}
		}
		_, err := c.client.CancelOrders(ctx, []string{cur.orderID})
		if err == nil {
			c.orders.Remove(cur.orderID)
			c.setState(s, StateNone)
			return true
		}
		lastErr = err
		c.logger.Warn("cancel attempt failed", "token", token, "order_id", cur.orderID, "attempt", attempt, "error", err)
	}

	c.logger.Error("cancellation exhausted retries, escalating to cancel-all for market", "token", token, "order_id", cur.orderID, "error", lastErr)
	if _, err := c.client.CancelMarketOrders(ctx, c.params.ConditionID); err != nil {
		c.logger.Error("escalated cancel-all failed", "error", err)
		c.setState(s, StateLive)
		return false
	}
	c.orders.Remove(cur.orderID)
	c.setState(s, StateNone)
	return true
}

// placeSide places a side's target order, retrying with the configured
// backoff schedule. On exhaustion it leaves the side in StateNone and
// reports the failure via logging only — the next reconcile cycle will
// retry from scratch.
func (c *Controller) placeSide(ctx context.Context, token types.TokenRole, tokenID string, s *side, target types.Quote) {
	c.setState(s, StatePlacing)

	pq := venue.PlacedQuote{Quote: target, TokenID: tokenID, Tick: c.params.Tick}

	var lastErr error
	for attempt := 0; attempt <= len(c.cfg.PlacementBackoff); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				c.setState(s, StateNone)
				return
			case <-time.After(c.cfg.PlacementBackoff[attempt-1]):
			}
		}
		results, err := c.client.PostOrders(ctx, []venue.PlacedQuote{pq})
		if err == nil && len(results) == 1 && results[0].Success {
			c.orders.Add(types.TrackedOrder{
				OrderID:  results[0].OrderID,
				TokenID:  tokenID,
				Token:    token,
				Side:     target.Side,
				Price:    target.Price,
				Size:     target.Size,
				PlacedAt: time.Now(),
			})
			c.mu.Lock()
			*s = side{state: StateLive, orderID: results[0].OrderID, price: target.Price}
			c.mu.Unlock()
			return
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("order rejected: %s", results[0].ErrorMsg)
		}
		c.logger.Warn("placement attempt failed", "token", token, "price", target.Price, "attempt", attempt, "error", lastErr)
	}

	c.logger.Error("placement exhausted retries, leaving side unfilled", "token", token, "price", target.Price, "error", lastErr)
	c.setState(s, StateNone)
}

// SideSnapshot is a point-in-time view of one outcome token's quote state,
// exported for the operator status surface.
type SideSnapshot struct {
	State   SideState
	OrderID string
	Price   decimal.Decimal
}

// Snapshot is a point-in-time view of both sides plus the latest midpoint
// the controller has received from the feed.
type Snapshot struct {
	Yes      SideSnapshot
	No       SideSnapshot
	Midpoint decimal.Decimal
}

// Snapshot returns the controller's current state for reporting; it never
// blocks on the reconcile loop.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Yes:      SideSnapshot{State: c.yes.state, OrderID: c.yes.orderID, Price: c.yes.price},
		No:       SideSnapshot{State: c.no.state, OrderID: c.no.orderID, Price: c.no.price},
		Midpoint: c.midpoint,
	}
}

func (c *Controller) setState(s *side, st SideState) {
	c.mu.Lock()
	s.state = st
	if st == StateNone {
		s.orderID = ""
	}
	c.mu.Unlock()
}
