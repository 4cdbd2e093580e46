package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relay/internal/api"
	"relay/internal/budget"
	"relay/internal/config"
	"relay/internal/delegate"
	"relay/internal/delivery"
	"relay/internal/gateway"
	"relay/internal/incident"
	"relay/internal/lane"
	"relay/internal/policy"
	"relay/internal/reasoning"
	"relay/internal/router"
	"relay/internal/storage"
	"relay/internal/tools"
	"relay/pkg/logger"
)

// shutdownTimeout bounds graceful shutdown of the control plane.
const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), loadedConfig)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log := logger.Component("serve")

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// Budget governor. The first provider is the preferred tier; its model is
	// what hard_limit tightening blocks.
	var topTier []string
	if len(cfg.Providers) > 0 {
		topTier = []string{cfg.Providers[0].Model}
	}
	governor := budget.New(db, cfg.Budget, topTier)

	rt, err := router.New(db, cfg.Router, cfg.Providers, governor)
	if err != nil {
		return err
	}

	engine := policy.NewEngine(policy.Profile{ID: "default", DefaultAction: policy.ActionAllow})
	if cfg.Policy.ProfilePath != "" {
		file, err := policy.LoadFile(cfg.Policy.ProfilePath)
		if err != nil {
			return err
		}
		file.Apply(engine)
		watcher, err := policy.Watch(cfg.Policy.ProfilePath, engine)
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	registry := tools.NewRegistry()
	registerBuiltins(registry)

	executor := lane.New(registry, engine, db)
	orchestrator := delegate.New(db, cfg.Delegate)

	var memory gateway.MemoryStore
	if cfg.Memory.EmbedEndpoint != "" {
		key, err := config.Secret(cfg.Memory.EmbedAPIKeyName, false)
		if err != nil {
			return err
		}
		embedder := reasoning.NewHTTPEmbedder(cfg.Memory.EmbedEndpoint, cfg.Memory.EmbedModel, key)
		memory = reasoning.New(db, cfg.Memory, embedder)
	} else {
		log.Info().Msg("no embed endpoint configured, reasoning memory disabled")
	}

	gw := gateway.New(db, cfg.Gateway, rt, registry, executor, orchestrator, memory, cfg.Delegate.Enabled)

	adapters := make(map[string]delivery.Adapter, len(cfg.Queue.Endpoints))
	for platform, endpoint := range cfg.Queue.Endpoints {
		adapters[platform] = delivery.NewHTTPAdapter(endpoint)
	}
	worker := delivery.NewWorker(db, cfg.Queue, adapters)

	manager := incident.New(db, cfg.Incident, worker, rt)

	server, err := api.New(db, cfg.API, governor, rt, worker, manager)
	if err != nil {
		return err
	}
	// Accepted callbacks feed back into the originating session's turn loop.
	// Callbacks for unknown tasks are recorded but not routed anywhere.
	server.SetCallbackHandler(func(ctx context.Context, ev api.WebhookRequest) error {
		job, err := db.GetJob(ev.TaskID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		note := fmt.Sprintf("Task %s reported %s (%s).", ev.TaskID, ev.EventType, ev.Status)
		_, err = gw.ProcessText(ctx, job.SessionID, note)
		return err
	})

	worker.Start(ctx)
	if err := manager.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("control plane shutdown")
	}
	manager.Stop()
	worker.Stop()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("gateway shutdown")
	}

	return nil
}

func openDatabase(cfg *config.Config) (*storage.DB, error) {
	path := cfg.Storage.Path
	if path == "" {
		p, err := config.DefaultDataPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	expanded, err := config.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return storage.Open(expanded)
}

// registerBuiltins installs the default tool set.
func registerBuiltins(registry *tools.Registry) {
	_ = registry.Register(&tools.Func{
		FuncName:        "current_time",
		FuncDescription: "Returns the current server time in RFC3339 format.",
		FuncParameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return time.Now().Format(time.RFC3339), nil
		},
	}, tools.Meta{Source: tools.SourceBuiltin, Scope: tools.ScopeReadOnly})
}
