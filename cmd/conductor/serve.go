package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/conductor/internal/bus"
	"github.com/haasonsaas/conductor/internal/checkpoints"
	"github.com/haasonsaas/conductor/internal/coherence"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/content"
	"github.com/haasonsaas/conductor/internal/coordinator"
	"github.com/haasonsaas/conductor/internal/decisions"
	"github.com/haasonsaas/conductor/internal/events"
	"github.com/haasonsaas/conductor/internal/hub"
	"github.com/haasonsaas/conductor/internal/knowledge"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/pipeline"
	"github.com/haasonsaas/conductor/internal/registry"
	"github.com/haasonsaas/conductor/internal/tick"
	"github.com/haasonsaas/conductor/internal/trust"
)

const shutdownTimeout = 15 * time.Second

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Conductor control plane server",
		Long: `Start the Conductor control plane server.

The server will:
1. Load configuration from the specified file (or conductor.yaml)
2. Open the SQLite knowledge store
3. Wire the event bus, tick service, decision queue, trust engine,
   coherence monitor, and agent registry into the coordinator
4. Start the HTTP server: /ws (WebSocket), /healthz, /metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  conductor serve

  # Start with custom config
  conductor serve --config /etc/conductor/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promReg)

	store, err := knowledge.NewStore(cfg.Knowledge.Path, metrics, logger)
	if err != nil {
		return err
	}

	eventBus := bus.New(bus.Options{
		DedupCapacity:           cfg.Bus.DedupCapacity,
		MaxQueuePerAgent:        cfg.Bus.MaxQueuePerAgent,
		MaxHighPriorityPerAgent: cfg.Bus.MaxHighPriorityPerAgent,
	}, metrics, logger)

	ticks := tick.NewService(
		tick.Mode(cfg.Tick.Mode),
		time.Duration(cfg.Tick.IntervalMs)*time.Millisecond,
		logger,
	)

	policy := decisions.Policy{
		TimeoutTicks:           cfg.Decision.TimeoutTicks,
		OrphanGracePeriodTicks: cfg.Decision.OrphanGracePeriodTicks,
	}
	// An explicit zero disables timeouts entirely.
	if cfg.Decision.TimeoutTicks != nil && *cfg.Decision.TimeoutTicks == 0 {
		policy.TimeoutTicks = nil
	}
	queue := decisions.NewQueue(policy, metrics, logger)

	trustEngine := trust.NewEngine(trust.DefaultDeltas(), float64(cfg.Trust.InitialScore), logger)
	monitor := coherence.NewMonitor(coherence.Config{
		Layer1IntervalTicks:  cfg.Coherence.Layer1IntervalTicks,
		Layer1cIntervalTicks: cfg.Coherence.Layer1cIntervalTicks,
		EnableLayer2:         cfg.Coherence.EnableLayer2,
	}, nil, logger)

	var coord *coordinator.Coordinator
	wsHub := hub.NewHub(func() *hub.StateSyncMessage {
		return coord.StateSync()
	}, time.Duration(cfg.WS.HeartbeatMs)*time.Millisecond, metrics, logger)

	coord = coordinator.New(coordinator.Deps{
		Bus:         eventBus,
		Ticks:       ticks,
		Trust:       trustEngine,
		Coherence:   monitor,
		Store:       store,
		Decisions:   queue,
		Checkpoints: checkpoints.NewStore(cfg.Checkpoints.MaxPerAgent, logger),
		Registry:    registry.NewRegistry(),
		Hub:         wsHub,
		Quarantine:  events.NewQuarantine(0, logger),
		Logger:      logger,
	}, coordinator.Options{
		IdleTimeoutTicks: cfg.Agents.IdleTimeoutTicks,
	})

	runner := pipeline.NewRunner(wsHub,
		time.Duration(cfg.Pipeline.KillGraceMs)*time.Millisecond, logger)

	var watcher *pipeline.Watcher
	if cfg.Pipeline.ContentDir != "" {
		manifests := content.NewManifestStore(cfg.Pipeline.ContentDir, logger)
		watcher, err = pipeline.NewWatcher(wsHub, manifests, cfg.Pipeline.ContentDir, logger)
		if err != nil {
			return fmt.Errorf("content watcher: %w", err)
		}
		if err := watcher.Watch(cfg.Pipeline.ContentDir); err != nil {
			logger.Warn("content dir watch failed", "dir", cfg.Pipeline.ContentDir, "error", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHub.HandleUpgrade)
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","tick":%d}`, ticks.Current())
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ticks.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"addr", server.Addr,
			"tick_mode", cfg.Tick.Mode,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	case <-ctx.Done():
		logger.Info("shutting down", "reason", "context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if watcher != nil {
		_ = watcher.Close() //nolint:errcheck
	}
	runner.StopAll()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Warn("coordinator shutdown", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if path == "conductor.yaml" {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	return config.Load(path)
}
