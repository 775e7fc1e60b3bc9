// Command axon runs the engine as a standalone server: HTTP API, webhook
// ingress, scheduler and pages janitor over a libSQL database. Brains are Go
// code, so a standalone axon serves inspection, signals and webhook intake
// for programs built on the library; embedded deployments wire the same
// packages themselves (see examples/).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corvid-labs/axon/internal/engine"
	"github.com/corvid-labs/axon/internal/logging"
	"github.com/corvid-labs/axon/internal/pages"
	"github.com/corvid-labs/axon/internal/replay"
	"github.com/corvid-labs/axon/internal/scheduler"
	"github.com/corvid-labs/axon/internal/server"
	"github.com/corvid-labs/axon/internal/store"
	"github.com/corvid-labs/axon/internal/streaming"
	"github.com/corvid-labs/axon/internal/webhook"
	"github.com/corvid-labs/axon/pkg/brain"
	"github.com/corvid-labs/axon/pkg/mcp"
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintln(os.Stderr, "axon:", err)
			os.Exit(1)
		}
	case "mcp":
		if err := runMCP(); err != nil {
			fmt.Fprintln(os.Stderr, "axon:", err)
			os.Exit(1)
		}
	case "version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "usage: axon [serve|mcp|version]\n")
		os.Exit(2)
	}
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(handler))
}

// runtime is the fully wired engine stack. Shutdown order is the reverse of
// construction so nothing publishes into a closed component.
type runtime struct {
	cfg    Config
	logger *slog.Logger
	store  *store.LibSQLStore
	hub    *streaming.MemoryHub
	brains *brain.Registry
	engine *engine.Engine
	coord  *webhook.Coordinator
	pages  *pages.Service
	jan    *pages.Janitor
	sched  *scheduler.Scheduler
}

func buildRuntime(ctx context.Context, cfg Config, logger *slog.Logger, brains *brain.Registry) (*runtime, error) {
	if err := os.MkdirAll(axonDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", axonDir(), err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	hub := streaming.NewMemoryHub()
	pagesSvc := pages.NewService(st, logger)

	var model engine.ModelClient
	if key := cfg.ModelAPIKey(); key != "" {
		model = engine.NewOpenAIModel(engine.ModelConfig{
			Model:   cfg.ModelName,
			APIKey:  key,
			BaseURL: cfg.ModelBaseURL,
		})
	}

	// The coordinator wakes runs through the engine; the engine registers
	// waits through the coordinator. Bind the engine side late.
	var eng *engine.Engine
	coord := webhook.NewCoordinator(st, brains,
		webhook.WakerFunc(func(ctx context.Context, runID string) error {
			return eng.WakeUp(ctx, runID)
		}), logger)

	eng = engine.New(engine.Options{
		Store:             st,
		Brains:            brains,
		Model:             model,
		Hub:               hub,
		Registrar:         coord,
		Forms:             pagesSvc,
		Logger:            logger,
		ModelConcurrency:  cfg.ModelWorkers,
		OverflowThreshold: cfg.OverflowThreshold,
	})

	rt := &runtime{
		cfg:    cfg,
		logger: logger,
		store:  st,
		hub:    hub,
		brains: brains,
		engine: eng,
		coord:  coord,
		pages:  pagesSvc,
		jan:    pages.NewJanitor(st, hub, logger),
	}
	if cfg.SchedulerEnabled {
		rt.sched = scheduler.NewScheduler(st, eng, logger, cfg.SchedulerTick())
	}
	return rt, nil
}

func (rt *runtime) start(ctx context.Context) error {
	if err := rt.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if err := rt.jan.Start(); err != nil {
		return fmt.Errorf("start pages janitor: %w", err)
	}
	if rt.sched != nil {
		if err := rt.sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	return nil
}

func (rt *runtime) stop(ctx context.Context) {
	if rt.sched != nil {
		rt.sched.Stop()
	}
	rt.jan.Stop()
	if err := rt.engine.Close(ctx); err != nil {
		rt.logger.Error("engine shutdown", "error", err)
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Error("store close", "error", err)
	}
}

func runServe() error {
	cfg := loadConfig()
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger, brain.NewRegistry())
	if err != nil {
		return err
	}
	if err := rt.start(ctx); err != nil {
		rt.stop(context.Background())
		return err
	}

	srv := server.New(server.Deps{
		Store:       rt.store,
		Loader:      replay.NewLoader(rt.store, 0),
		Controller:  rt.engine,
		Coordinator: rt.coord,
		Hub:         rt.hub,
		Pages:       rt.pages,
		Brains:      rt.brains,
		Logger:      logger,
	})
	httpSrv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     srv.Handler(),
		ReadTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("axon listening", "addr", cfg.ListenAddr, "db", cfg.DBPath, "version", version)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		rt.stop(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	rt.stop(shutdownCtx)
	return nil
}

func runMCP() error {
	cfg := loadConfig()
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger, brain.NewRegistry())
	if err != nil {
		return err
	}
	if err := rt.start(ctx); err != nil {
		rt.stop(context.Background())
		return err
	}
	defer rt.stop(context.Background())

	mcpSrv := mcp.NewAxonServer(mcp.AxonServerDeps{
		Controller: rt.engine,
		Store:      rt.store,
		Brains:     rt.brains,
		Logger:     logger,
	})
	notifier := mcp.NewNotifier(mcpSrv, rt.hub, logger)
	if err := notifier.Start(); err != nil {
		return err
	}
	defer notifier.Stop()

	logger.Info("axon mcp serving on stdio", "db", cfg.DBPath, "version", version)
	return mcpSrv.Serve(ctx)
}
