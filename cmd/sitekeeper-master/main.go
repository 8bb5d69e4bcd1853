package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sitekeeper/master/internal/agenthub"
	"github.com/sitekeeper/master/internal/config"
	"github.com/sitekeeper/master/internal/coordinator"
	"github.com/sitekeeper/master/internal/journal"
	"github.com/sitekeeper/master/internal/journal/sqlstore"
	"github.com/sitekeeper/master/internal/logging"
	"github.com/sitekeeper/master/internal/logrouter"
	"github.com/sitekeeper/master/internal/masteraction"
	"github.com/sitekeeper/master/internal/metrics"
	"github.com/sitekeeper/master/internal/registry"
	"github.com/sitekeeper/master/internal/workflow"
	"github.com/sitekeeper/master/internal/workflows"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type flags struct {
	metricsAddr   string
	logLevel      string
	journalDriver string
	journalDSN    string
	environment   string

	heartbeatIntervalSeconds int
	offlineThresholdSeconds  int
	readinessTimeoutSeconds  int
	cancellationGraceSeconds int
	flushTimeoutSeconds      int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "sitekeeper-master",
		Short: "SiteKeeper master — agent orchestration engine",
		Long: `sitekeeper-master hosts the master-side orchestration engine:
the Agent Registry, Journal Service, Log Router, Node-Action Coordinator,
and Master-Action Runtime described in the design spec. It exposes no REST
API or GUI of its own — those are external hosts built against the
Agent-Hub Facade and Master-Action Runtime this binary wires together.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&f.metricsAddr, "metrics-addr", envOrDefault("SITEKEEPER_METRICS_ADDR", ":9091"), "Prometheus metrics listen address")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", envOrDefault("SITEKEEPER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&f.journalDriver, "journal-driver", envOrDefault("SITEKEEPER_JOURNAL_DRIVER", "memory"), "Journal backing store (memory, sqlite, postgres)")
	root.PersistentFlags().StringVar(&f.journalDSN, "journal-dsn", envOrDefault("SITEKEEPER_JOURNAL_DSN", "./sitekeeper-journal.db"), "Journal DSN or file path for sqlite")
	root.PersistentFlags().StringVar(&f.environment, "environment", envOrDefault("SITEKEEPER_ENVIRONMENT", "development"), "Environment name, stamped on logs only")

	root.PersistentFlags().IntVar(&f.heartbeatIntervalSeconds, "heartbeat-interval-seconds", envOrDefaultInt("SITEKEEPER_HEARTBEAT_INTERVAL_SECONDS", 5), "Expected agent heartbeat interval")
	root.PersistentFlags().IntVar(&f.offlineThresholdSeconds, "offline-threshold-seconds", envOrDefaultInt("SITEKEEPER_OFFLINE_THRESHOLD_SECONDS", 60), "Missed-heartbeat age before a node is marked Offline")
	root.PersistentFlags().IntVar(&f.readinessTimeoutSeconds, "readiness-timeout-seconds", envOrDefaultInt("SITEKEEPER_READINESS_TIMEOUT_SECONDS", 30), "Time to wait for PrepareForTask readiness before failing a node-action")
	root.PersistentFlags().IntVar(&f.cancellationGraceSeconds, "cancellation-grace-seconds", envOrDefaultInt("SITEKEEPER_CANCELLATION_GRACE_SECONDS", 15), "Time to wait for a node to acknowledge CancelTask before forcing the outcome")
	root.PersistentFlags().IntVar(&f.flushTimeoutSeconds, "flush-timeout-seconds", envOrDefaultInt("SITEKEEPER_FLUSH_TIMEOUT_SECONDS", 30), "Time to wait for log-flush confirmation before releasing a stage anyway")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sitekeeper-master %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, f *flags) error {
	logger, err := logging.Build(f.logLevel)
	if err != nil {
		return fmt.Errorf("sitekeeper-master: build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg := config.New()
	cfg.EnvironmentName = f.environment
	cfg.JournalRootPath = f.journalDSN
	cfg.HeartbeatInterval = time.Duration(f.heartbeatIntervalSeconds) * time.Second
	cfg.OfflineThreshold = time.Duration(f.offlineThresholdSeconds) * time.Second
	cfg.ReadinessTimeout = time.Duration(f.readinessTimeoutSeconds) * time.Second
	cfg.CancellationGrace = time.Duration(f.cancellationGraceSeconds) * time.Second
	cfg.FlushTimeout = time.Duration(f.flushTimeoutSeconds) * time.Second

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("sitekeeper-master: invalid configuration: %w", err)
	}

	logger.Info("starting sitekeeper-master",
		zap.String("version", version),
		zap.String("environment", cfg.EnvironmentName),
		zap.String("journal_driver", f.journalDriver),
		zap.Duration("heartbeat_interval", cfg.HeartbeatInterval),
		zap.Duration("offline_threshold", cfg.OfflineThreshold),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Journal Service ---
	jrnl, closeJournal, err := buildJournal(f, logger)
	if err != nil {
		return fmt.Errorf("sitekeeper-master: build journal: %w", err)
	}
	defer closeJournal()

	// --- 2. Metrics ---
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	// --- 3. Agent Registry ---
	reg := registry.New(registry.Config{
		OfflineThreshold: cfg.OfflineThreshold,
		Logger:           logger,
	})
	sweeper, err := registry.NewSweeper(reg, cfg.OfflineThreshold/3, logger)
	if err != nil {
		return fmt.Errorf("sitekeeper-master: build registry sweeper: %w", err)
	}
	sweeper.Start()
	defer func() {
		if err := sweeper.Stop(); err != nil {
			logger.Warn("registry sweeper shutdown error", zap.Error(err))
		}
	}()

	// --- 4. Log Router (Actions/Stages bound below, once the runtime exists) ---
	router := logrouter.New(logrouter.Config{
		Journal:      jrnl,
		Sender:       reg,
		FlushTimeout: cfg.FlushTimeout,
		Logger:       logger,
	})

	// --- 5. Node-Action Coordinator ---
	coord := coordinator.New(coordinator.Config{
		Registry:          reg,
		Connectivity:      reg,
		Router:            router,
		Journal:           jrnl,
		Metrics:           m,
		ReadinessTimeout:  cfg.ReadinessTimeout,
		CancellationGrace: cfg.CancellationGrace,
		Logger:            logger,
	})

	// --- 6. Workflow Handler Registry ---
	wfRegistry := workflow.NewRegistry()
	wfRegistry.Register(workflows.VerifyConfigurationOperationType, workflows.NewVerifyConfiguration)
	wfRegistry.Register(workflows.TestOrchestrationOperationType, workflows.NewTestOrchestration)

	// --- 7. Master-Action Runtime ---
	rt := masteraction.New(masteraction.Config{
		Resolver:    wfRegistry,
		Coordinator: coord,
		OnlineNodes: reg,
		Journal:     jrnl,
		Logger:      logger,
	})
	router.BindActiveActionSource(rt, rt)

	// --- 8. Agent-Hub Facade ---
	hub := agenthub.New(agenthub.Config{Registry: reg, Coord: coord, LogRouter: router, Logger: logger})
	_ = hub // wired for the external transport host this binary does not itself bind a socket for

	// --- 9. Metrics HTTP endpoint ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	httpSrv := &http.Server{
		Addr:         f.metricsAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", f.metricsAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down sitekeeper-master")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server graceful shutdown error", zap.Error(err))
	}

	logger.Info("sitekeeper-master stopped")
	return nil
}

// buildJournal selects the in-memory or SQL-backed Journal implementation
// per --journal-driver.
func buildJournal(f *flags, logger *zap.Logger) (journal.Journal, func(), error) {
	switch f.journalDriver {
	case "", "memory":
		return journal.NewMemoryJournal(), func() {}, nil
	case "sqlite", "postgres":
		store, err := sqlstore.Open(sqlstore.Config{
			Driver: f.journalDriver,
			DSN:    f.journalDSN,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("journal store close error", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported journal driver %q", f.journalDriver)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out int
	if _, err := fmt.Sscanf(v, "%d", &out); err != nil {
		return defaultVal
	}
	return out
}
