// Package api serves the HMAC-signed HTTP control plane: task callbacks,
// health probes, budget and routing state, and incident operations.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"relay/internal/budget"
	"relay/internal/config"
	"relay/internal/delivery"
	"relay/internal/router"
	"relay/internal/storage"
	"relay/pkg/logger"
)

// Version is stamped at build time.
var Version = "0.1.0"

// BudgetController is the governor surface the control plane exposes.
type BudgetController interface {
	Snapshot() (*budget.Snapshot, error)
	SetManualProfile(profile, sessionID string) error
}

// RoutingController is the router surface the control plane exposes.
type RoutingController interface {
	Snapshot() *router.HealthSnapshot
	SetMode(mode string) error
}

// QueueReader reports delivery queue metrics.
type QueueReader interface {
	Snapshot() delivery.Metrics
}

// IncidentEvaluator runs one forced detector pass.
type IncidentEvaluator interface {
	Evaluate() error
}

// CallbackHandler consumes an accepted task callback. It runs once per
// idempotency key; replays never reach it.
type CallbackHandler func(ctx context.Context, ev WebhookRequest) error

// Server is the HTTP control plane.
type Server struct {
	db        *storage.DB
	cfg       config.APIConfig
	secret    []byte
	governor  BudgetController
	routing   RoutingController
	queue     QueueReader
	incidents IncidentEvaluator
	log       zerolog.Logger
	started   time.Time

	onCallback CallbackHandler
	httpServer *http.Server
}

// New creates a control plane server. The signing secret is resolved from the
// environment by the name in cfg; it is required.
func New(db *storage.DB, cfg config.APIConfig, governor BudgetController, routing RoutingController, queue QueueReader, incidents IncidentEvaluator) (*Server, error) {
	secret, err := config.Secret(cfg.SecretName, true)
	if err != nil {
		return nil, err
	}

	s := &Server{
		db:        db,
		cfg:       cfg,
		secret:    []byte(secret),
		governor:  governor,
		routing:   routing,
		queue:     queue,
		incidents: incidents,
		log:       logger.Component("api"),
		started:   time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// SetCallbackHandler installs the consumer for accepted callbacks. Set before
// Start; handler errors are logged, not surfaced to the sender.
func (s *Server) SetCallbackHandler(h CallbackHandler) {
	s.onCallback = h
}

// Handler builds the route table. Liveness probes are unsigned; everything
// else goes through signature verification.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverPanics, s.logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readiness", s.handleReadiness).Methods(http.MethodGet)

	signed := r.PathPrefix("/").Subrouter()
	signed.Use(s.verifySignature)

	signed.HandleFunc("/callback/webhook", s.handleWebhook).Methods(http.MethodPost)

	signed.HandleFunc("/doctor", s.handleDoctor).Methods(http.MethodGet)
	signed.HandleFunc("/reliability", s.handleReliability).Methods(http.MethodGet)

	signed.HandleFunc("/budget/state", s.handleBudgetState).Methods(http.MethodGet)
	signed.HandleFunc("/budget/events", s.handleBudgetEvents).Methods(http.MethodGet)
	signed.HandleFunc("/budget/profile", s.handleSetProfile).Methods(http.MethodPost)

	signed.HandleFunc("/routing/telemetry", s.handleRoutingTelemetry).Methods(http.MethodGet)
	signed.HandleFunc("/routing/mode", s.handleSetMode).Methods(http.MethodPost)

	signed.HandleFunc("/incidents/current", s.handleIncidentsCurrent).Methods(http.MethodGet)
	signed.HandleFunc("/incidents/history", s.handleIncidentsHistory).Methods(http.MethodGet)
	signed.HandleFunc("/incidents/evaluate", s.handleIncidentsEvaluate).Methods(http.MethodPost)

	return r
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("control plane listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
