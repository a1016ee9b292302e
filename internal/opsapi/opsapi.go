// Package opsapi is the operator status HTTP surface (§6/§4.L): a thin
// read-only REST API over the live state of the one market this process
// trades — book midpoint, resting quotes, position, and liquidation stage
// — plus a health check for process supervisors.
//
// Grounded on the teacher's internal/api/{server,handlers,types}.go, trimmed
// to what SPEC_FULL's own state actually carries: no WebSocket dashboard hub
// (nothing in scope streams push events the way the teacher's
// Avellaneda-Stoikov strategy did — see DESIGN.md) and no static file
// server, just /health and /status.
package opsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/marketmaker/internal/controller"
	"github.com/example/marketmaker/internal/liquidation"
	"github.com/example/marketmaker/internal/position"
	"github.com/example/marketmaker/pkg/types"
)

// StatusProvider is the subset of engine state the status endpoint reports.
// Implemented by the engine orchestrator; narrowed to an interface here so
// tests can supply a fake instead of wiring a full engine.
type StatusProvider interface {
	MarketParams() types.MarketParams
	ControllerSnapshot() controller.Snapshot
	PositionState() types.PositionState
	LimitStatus() position.LimitStatus
	LiquidationStage() liquidation.Stage
	DryRun() bool
}

// MarketStatus is the /status response body.
type MarketStatus struct {
	Timestamp   time.Time             `json:"timestamp"`
	ConditionID string                `json:"condition_id"`
	YesTokenID  string                `json:"yes_token_id"`
	NoTokenID   string                `json:"no_token_id"`
	DryRun      bool                  `json:"dry_run"`
	Midpoint    string                `json:"midpoint"`
	Yes         SideStatus            `json:"yes"`
	No          SideStatus            `json:"no"`
	Position    types.PositionState   `json:"position"`
	Limit       position.LimitStatus  `json:"limit"`
	Liquidation liquidation.Stage     `json:"liquidation_stage"`
}

// SideStatus is one outcome token's resting-quote state.
type SideStatus struct {
	State   string `json:"state"`
	OrderID string `json:"order_id,omitempty"`
	Price   string `json:"price,omitempty"`
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	provider StatusProvider
	logger   *slog.Logger
}

// NewHandlers creates the status API's handlers.
func NewHandlers(provider StatusProvider, logger *slog.Logger) *Handlers {
	return &Handlers{provider: provider, logger: logger.With("component", "opsapi")}
}

// HandleHealth is a liveness check for process supervisors.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleStatus reports the current state of the one market this process trades.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := BuildStatus(h.provider)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Error("failed to encode status", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// BuildStatus assembles a MarketStatus from the provider's current state.
func BuildStatus(provider StatusProvider) MarketStatus {
	params := provider.MarketParams()
	snap := provider.ControllerSnapshot()

	return MarketStatus{
		Timestamp:   time.Now(),
		ConditionID: params.ConditionID,
		YesTokenID:  params.YesTokenID,
		NoTokenID:   params.NoTokenID,
		DryRun:      provider.DryRun(),
		Midpoint:    snap.Midpoint.String(),
		Yes:         sideStatus(snap.Yes),
		No:          sideStatus(snap.No),
		Position:    provider.PositionState(),
		Limit:       provider.LimitStatus(),
		Liquidation: provider.LiquidationStage(),
	}
}

func sideStatus(s controller.SideSnapshot) SideStatus {
	status := SideStatus{State: s.State.String(), OrderID: s.OrderID}
	if s.State == controller.StateLive {
		status.Price = s.Price.String()
	}
	return status
}

// Server runs the status HTTP surface.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer builds (but does not start) the status server.
func NewServer(port int, provider StatusProvider, logger *slog.Logger) *Server {
	handlers := NewHandlers(provider, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/status", handlers.HandleStatus)

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "opsapi-server"),
	}
}

// Start blocks serving until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("status server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
