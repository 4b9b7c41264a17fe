package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/softcane/skyway-agent/internal/billing"
	"github.com/softcane/skyway-agent/internal/cloudapi"
	"github.com/softcane/skyway-agent/internal/cluster"
	"github.com/softcane/skyway-agent/internal/config"
	"github.com/softcane/skyway-agent/internal/events"
	"github.com/softcane/skyway-agent/internal/execx"
	"github.com/softcane/skyway-agent/internal/ledger"
	"github.com/softcane/skyway-agent/internal/probe"
	"github.com/softcane/skyway-agent/internal/reconciler"
	"github.com/softcane/skyway-agent/internal/registry"
	"github.com/softcane/skyway-agent/internal/retry"
	"github.com/softcane/skyway-agent/internal/storage"
	"github.com/softcane/skyway-agent/internal/supervisor"
)

var testingMode bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the skyway supervisor for one service",
	Long: `Run starts the supervisor loop for the service named in the config file.

Each tick the agent:
1. Reconciles its node registry against the provider's instances
2. Reclaims down nodes and releases idle ones outside their grace window
3. Provisions nodes for pending jobs within the account's rate cap

Use --dry-run to log create and destroy calls without making them.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&testingMode, "testing", false,
		"Register the service with status testing instead of running")
}

// service holds everything runAgent wires together.
type service struct {
	cfg        *config.Config
	db         *storage.DB
	registry   *registry.Registry
	ledger     *ledger.Ledger
	reconciler *reconciler.Reconciler
	events     events.Publisher
}

func (s *service) Close() {
	s.events.Close()
	if err := s.db.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting skyway agent",
		"dry_run", IsDryRun(),
		"version", "0.1.0",
	)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	svc, err := buildService(ctx, cfg, slog.Default(), IsDryRun())
	if err != nil {
		return err
	}
	defer svc.Close()

	initial := supervisor.StatusRunning
	if testingMode {
		initial = supervisor.StatusTesting
	}
	sup, err := supervisor.New(supervisor.Config{
		Store:            supervisor.NewDescriptorStore(cfg.Service.RunDescriptorPath),
		Reconcile:        svc.reconciler,
		Snapshots:        svc.reconciler,
		SnapshotSchedule: cfg.Service.UsageSnapshotSchedule,
		Interval:         cfg.Service.TickInterval(),
		SleepIncrement:   cfg.Service.SleepIncrement(),
		Initial:          initial,
		Logger:           slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}

	// Start Metrics Server (Non-blocking)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mountStatusAPI(mux, svc.registry, svc.ledger, cfg.Service.Account)
	server := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("starting metrics server", "addr", cfg.Metrics.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("agent ready, starting supervisor loop...", "service", cfg.Service.Name)
	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("supervisor failure: %w", err)
	}
	return nil
}

func buildService(ctx context.Context, cfg *config.Config, logger *slog.Logger, dryRun bool) (*service, error) {
	db, err := storage.Open(storage.Options{Path: cfg.Storage.Path})
	if err != nil {
		return nil, err
	}
	svc := &service{cfg: cfg, db: db, events: events.Nop{}}
	ok := false
	defer func() {
		if !ok {
			svc.Close()
		}
	}()

	svc.registry = registry.New(db, logger)

	budgets := ledger.NewBadgerStore(db)
	if err := ledger.Seed(ctx, budgets, cfg.Budgets); err != nil {
		return nil, fmt.Errorf("failed to seed budgets: %w", err)
	}

	resolved, err := resolveProvider(ctx, cfg, logger, dryRun)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize provider: %w", err)
	}
	provider := cloudapi.NewSafetyWrapper(cloudapi.SafetyWrapperConfig{
		DryRun:   dryRun,
		Provider: resolved.provider,
		Logger:   logger,
	})

	classes, overrides := cloudapi.ClassesFromConfig(cfg.NodeClasses)
	prices := cloudapi.NewPriceBook(provider, classes, overrides)

	svc.ledger, err = ledger.New(ledger.Config{
		Store:   budgets,
		Records: svc.registry,
		Prices:  prices,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	runner := &execx.ExecRunner{BinDir: cfg.Slurm.BinDir, Logger: logger}

	oracle, err := newOracle(cfg, runner, logger)
	if err != nil {
		return nil, err
	}
	prober, err := newProber(cfg)
	if err != nil {
		return nil, err
	}

	var registrar probe.Registrar = probe.NopRegistrar{}
	if len(cfg.Registration.Commands) > 0 {
		registrar, err = probe.NewCommandRegistrar(runner, cfg.Registration.Commands, cfg.Registration.Timeout(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create registrar: %w", err)
		}
	}

	if cfg.Events.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect event publisher: %w", err)
		}
		svc.events = pub
	}

	meter := billing.NewMeter(billing.MeterConfig{
		Endpoint:  cfg.Billing.ReportEndpoint,
		Enabled:   cfg.Billing.ReportEnabled,
		DryRun:    dryRun,
		SecretKey: os.Getenv(cfg.Billing.ReportSecretEnv),
		Logger:    logger,
	})

	patterns := make(map[string]*regexp.Regexp)
	for _, nc := range cfg.NodeClasses {
		if nc.NamePattern != "" {
			patterns[nc.Name] = regexp.MustCompile(nc.NamePattern)
		}
	}

	svc.reconciler, err = reconciler.New(reconciler.Config{
		Registry:      svc.registry,
		Ledger:        svc.ledger,
		Provider:      provider,
		Prices:        prices,
		Oracle:        oracle,
		Prober:        prober,
		Registrar:     registrar,
		Events:        svc.events,
		Usage:         meter,
		Classes:       classes,
		NamePatterns:  patterns,
		Account:       cfg.Service.Account,
		User:          cfg.Service.User,
		Protected:     cfg.Service.ProtectedNodes,
		Increment:     cfg.Billing.Increment(),
		Grace:         cfg.Billing.Grace(),
		ProbeAttempts: cfg.Probe.Attempts,
		ProbeInterval: cfg.Probe.Interval(),
		CallTimeout:   cfg.Service.CallTimeout(),
		Retry: retry.Policy{
			Attempts:  cfg.Service.RetryAttempts,
			BaseDelay: time.Second,
			MaxDelay:  30 * time.Second,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	logger.Info("service wired",
		"service", cfg.Service.Name,
		"account", cfg.Service.Account,
		"provider", provider.Name(),
		"fake_provider", resolved.isFake,
		"cluster", cfg.Cluster.Kind,
		"classes", len(classes),
	)
	ok = true
	return svc, nil
}

func newOracle(cfg *config.Config, runner execx.Runner, logger *slog.Logger) (cluster.Oracle, error) {
	switch cfg.Cluster.Kind {
	case config.ClusterKubernetes:
		client, err := cluster.NewClientset(cfg.Cluster.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		return cluster.NewKubeOracle(client, cluster.KubeConfig{
			ClassLabel: cfg.Cluster.ClassLabel,
			Logger:     logger,
		}), nil
	default:
		return cluster.NewSlurmOracle(runner, logger), nil
	}
}

func newProber(cfg *config.Config) (probe.Prober, error) {
	if cfg.Probe.Mode == config.ProbeTCP {
		return &probe.TCPProber{Port: cfg.Probe.Port}, nil
	}
	p, err := probe.NewSSHProber(cfg.Probe.User, cfg.Probe.KeyPath, cfg.Probe.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to create ssh prober: %w", err)
	}
	return p, nil
}
