// Package engine wires together every component of the one market this
// process trades: venue auth/REST/WebSocket clients, the local book feed,
// the position tracker, the quote lifecycle controller, the inventory
// manager, and the liquidation monitor. It owns their goroutines and their
// shutdown order.
//
// Grounded on the teacher's internal/engine/engine.go, but simplified from
// its multi-market marketSlot/manageMarkets design down to a single market:
// this process trades exactly one conditionId for its whole lifetime, so
// there is no slot map, no scanner
// polling loop re-picking markets mid-run, and no per-market goroutine
// fan-out — just one of everything, resolved once at startup.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/example/marketmaker/internal/config"
	"github.com/example/marketmaker/internal/controller"
	"github.com/example/marketmaker/internal/discovery"
	"github.com/example/marketmaker/internal/feed"
	"github.com/example/marketmaker/internal/inventory"
	"github.com/example/marketmaker/internal/liquidation"
	"github.com/example/marketmaker/internal/opsapi"
	"github.com/example/marketmaker/internal/ordertracker"
	"github.com/example/marketmaker/internal/position"
	"github.com/example/marketmaker/internal/store"
	"github.com/example/marketmaker/internal/userevents"
	"github.com/example/marketmaker/internal/venue"
	"github.com/example/marketmaker/pkg/types"
)

// monitorInterval is how often the engine re-checks inventory levels and
// reports position/price state to the liquidation manager.
const monitorInterval = 15 * time.Second

// Engine orchestrates one market's full lifecycle.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	auth     *venue.Auth
	client   *venue.Client
	metadata *venue.MetadataClient
	chain    *venue.ChainReader
	wallet   venue.BatchWallet

	marketWS *venue.WSFeed
	userWS   *venue.WSFeed

	store      *store.Store
	pos        *position.Tracker
	orders     *ordertracker.Tracker
	ctrl       *controller.Controller
	priceFeed  *feed.Feed
	dispatcher *userevents.Dispatcher
	inv        *inventory.Manager
	liq        *liquidation.Manager
	ops        *opsapi.Server

	params types.MarketParams

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New resolves the market this process will trade, opens every venue
// connection and persistence layer, and wires the components together. It
// does not start any goroutine; call Start for that.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	ctx := context.Background()

	auth, err := venue.NewAuth(cfg)
	if err != nil {
		return nil, fmt.Errorf("create auth: %w", err)
	}
	client := venue.NewClient(cfg, auth, logger)

	if !auth.HasL2Credentials() {
		creds, err := client.DeriveAPIKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("derive L2 api key: %w", err)
		}
		auth.SetCredentials(*creds)
	}

	metadata := venue.NewMetadataClient(cfg)
	disc := discovery.New(metadata, client, cfg.Discovery, logger)

	params, err := resolveMarket(ctx, disc, cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve market: %w", err)
	}

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	chain, err := venue.NewChainReader(ctx, cfg.Inventory.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}

	pos := position.NewTracker(st, params, cfg.Position)
	if err := initializePosition(ctx, pos, chain, auth, cfg, params, logger); err != nil {
		chain.Close()
		return nil, fmt.Errorf("initialize position: %w", err)
	}

	orders := ordertracker.New(cfg.OrderTrack)
	ctrl := controller.New(params, cfg.Controller, cfg.Quote, client, pos, orders, logger)
	priceFeed := feed.New(cfg.Feed, client, func(u feed.MidpointUpdate) { ctrl.OnMidpoint(u.Midpoint) }, logger)

	var wallet venue.BatchWallet
	if auth.SignatureType() == types.SigEOA {
		wallet = venue.NewEOAWallet(auth, chain, logger)
	} else {
		wallet = venue.NewSafeWallet(auth, chain, logger)
	}
	inv := inventory.New(cfg.Inventory, params, wallet, chain, auth.FunderAddress(), logger)

	liqPath := cfg.Store.DataDir + "/liquidations.json"
	liq, err := liquidation.New(cfg.Liquidation, liqPath, logger)
	if err != nil {
		chain.Close()
		return nil, fmt.Errorf("open liquidation manager: %w", err)
	}

	streamCfg := venue.StreamConfig{
		PingInterval:      cfg.Feed.PingInterval,
		ReconnectDelay:    cfg.Feed.ReconnectDelay,
		MaxReconnectDelay: cfg.Feed.MaxReconnectDelay,
	}
	marketWS := venue.NewMarketFeed(cfg.API.WSMarketURL, streamCfg, logger)
	userWS := venue.NewUserFeed(cfg.API.WSUserURL, auth, streamCfg, logger)

	gateBuyAllowed, gateSellAllowed := pos.CanQuoteBuy().Allowed, pos.CanQuoteSell().Allowed
	dispatcher := userevents.New(params, orders, func(f types.Fill) {
		if _, err := pos.ProcessFill(f); err != nil {
			logger.Error("process fill", "error", err, "fill_id", f.ID)
		}
		ctrl.OnFill(f)

		// A fill can move net exposure enough to newly block or unblock a
		// side; notify the controller immediately rather than waiting for
		// the next periodic safety tick to pick it up.
		buyAllowed, sellAllowed := pos.CanQuoteBuy().Allowed, pos.CanQuoteSell().Allowed
		if buyAllowed != gateBuyAllowed || sellAllowed != gateSellAllowed {
			gateBuyAllowed, gateSellAllowed = buyAllowed, sellAllowed
			ctrl.OnLimitTransition()
		}
	}, logger)

	e := &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine", "condition_id", params.ConditionID),
		auth:       auth,
		client:     client,
		metadata:   metadata,
		chain:      chain,
		wallet:     wallet,
		marketWS:   marketWS,
		userWS:     userWS,
		store:      st,
		pos:        pos,
		orders:     orders,
		ctrl:       ctrl,
		priceFeed:  priceFeed,
		dispatcher: dispatcher,
		inv:        inv,
		liq:        liq,
		params:     params,
		done:       make(chan struct{}),
	}

	if cfg.Ops.Enabled {
		e.ops = opsapi.NewServer(cfg.Ops.Port, e, logger)
	}

	return e, nil
}

// resolveMarket picks the single market this process trades: an
// operator-pinned conditionId if configured, otherwise the top candidate
// from discovery's rank → volatility-filter pipeline.
func resolveMarket(ctx context.Context, disc *discovery.Engine, cfg config.Config) (types.MarketParams, error) {
	if cfg.Market.ConditionID != "" {
		return disc.ResolveMarket(ctx, cfg.Market.ConditionID)
	}

	ranked, err := disc.Rank(ctx)
	if err != nil {
		return types.MarketParams{}, fmt.Errorf("rank candidates: %w", err)
	}
	chosen, err := disc.VolatilityFilter(ctx, ranked)
	if err != nil {
		return types.MarketParams{}, fmt.Errorf("volatility filter: %w", err)
	}
	return chosen.Params, nil
}

// initializePosition reads the market's actual on-chain outcome-token
// balances and reconciles them against any persisted fill history.
func initializePosition(ctx context.Context, pos *position.Tracker, chain *venue.ChainReader, auth *venue.Auth, cfg config.Config, params types.MarketParams, logger *slog.Logger) error {
	ctfAddr := common.HexToAddress(cfg.Inventory.CTFAddress)
	collateral := common.HexToAddress(cfg.Inventory.CollateralAddress)
	owner := auth.FunderAddress()
	conditionID := common.HexToHash(params.ConditionID)

	yesWei, err := chain.OutcomeTokenBalance(ctx, ctfAddr, owner, collateral, conditionID, 0)
	if err != nil {
		return fmt.Errorf("read yes balance: %w", err)
	}
	noWei, err := chain.OutcomeTokenBalance(ctx, ctfAddr, owner, collateral, conditionID, 1)
	if err != nil {
		return fmt.Errorf("read no balance: %w", err)
	}

	yesShares := decimal.NewFromBigInt(yesWei, -6)
	noShares := decimal.NewFromBigInt(noWei, -6)

	rec, err := pos.Initialize(yesShares, noShares)
	if err != nil {
		return err
	}
	if rec.Discrepant {
		logger.Warn("position reconciliation discrepancy", "warning", rec.Warning,
			"expected_yes", rec.ExpectedYes, "actual_yes", rec.ActualYes,
			"expected_no", rec.ExpectedNo, "actual_no", rec.ActualNo)
	}
	return nil
}

// Start subscribes the WebSocket feeds and launches every goroutine. It
// returns once subscriptions are in flight; it does not block.
func (e *Engine) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if err := e.marketWS.Subscribe([]string{e.params.YesTokenID, e.params.NoTokenID}); err != nil {
		e.logger.Warn("initial market subscription failed, will resubscribe on connect", "error", err)
	}
	if err := e.userWS.Subscribe([]string{e.params.ConditionID}); err != nil {
		e.logger.Warn("initial user subscription failed, will resubscribe on connect", "error", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.marketWS.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("market feed stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.userWS.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("user feed stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.priceFeed.Run(ctx, e.marketWS, []string{e.params.YesTokenID, e.params.NoTokenID}); err != nil && ctx.Err() == nil {
			e.logger.Error("price feed stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatcher.Run(e.done, e.userWS)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.ctrl.Run(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.liq.Run(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.monitor(ctx)
	}()

	if e.ops != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.ops.Start(); err != nil {
				e.logger.Error("ops server stopped", "error", err)
			}
		}()
	}

	return nil
}

// monitor periodically tops up outcome-token inventory and feeds the
// liquidation manager's rolling price/exposure checks.
func (e *Engine) monitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-e.liq.TransitionCh():
			e.logger.Warn("liquidation stage transition", "from", t.From, "to", t.To, "reason", t.Reason)
		case <-ticker.C:
			e.runChecks(ctx)
		}
	}
}

func (e *Engine) runChecks(ctx context.Context) {
	state := e.pos.GetPositionState()
	holdings := state.YesTokens
	if state.NoTokens.LessThan(holdings) {
		holdings = state.NoTokens
	}
	orderSize := decimal.NewFromFloat(e.cfg.Quote.OrderSize)
	if err := e.inv.Ensure(ctx, holdings, e.params.RewardsMinSize, orderSize); err != nil {
		e.logger.Error("inventory ensure failed", "error", err)
	}

	snap := e.ctrl.Snapshot()
	e.liq.Report(liquidation.Report{
		ConditionID: e.params.ConditionID,
		MidPrice:    midpointFloat(snap.Midpoint),
		Timestamp:   time.Now(),
	})

	limit := e.pos.GetLimitStatus()
	if limit.Warn && e.liq.Stage(e.params.ConditionID) == liquidation.StageNone {
		e.liq.Trigger(e.params.ConditionID, "net exposure warning threshold breached")
	}
}

func midpointFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// Stop cancels every goroutine, cancels resting orders, and releases
// connections. It blocks until shutdown completes.
func (e *Engine) Stop() {
	close(e.done)
	e.ctrl.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	if e.ops != nil {
		if err := e.ops.Stop(); err != nil {
			e.logger.Error("ops server shutdown failed", "error", err)
		}
	}
	e.wg.Wait()

	e.marketWS.Close()
	e.userWS.Close()
	e.chain.Close()
}

// MarketParams implements opsapi.StatusProvider.
func (e *Engine) MarketParams() types.MarketParams { return e.params }

// ControllerSnapshot implements opsapi.StatusProvider.
func (e *Engine) ControllerSnapshot() controller.Snapshot { return e.ctrl.Snapshot() }

// PositionState implements opsapi.StatusProvider.
func (e *Engine) PositionState() types.PositionState { return e.pos.GetPositionState() }

// LimitStatus implements opsapi.StatusProvider.
func (e *Engine) LimitStatus() position.LimitStatus { return e.pos.GetLimitStatus() }

// LiquidationStage implements opsapi.StatusProvider.
func (e *Engine) LiquidationStage() liquidation.Stage { return e.liq.Stage(e.params.ConditionID) }

// DryRun implements opsapi.StatusProvider.
func (e *Engine) DryRun() bool { return e.cfg.DryRun }
