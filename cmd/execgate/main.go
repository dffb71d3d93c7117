package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/execgate/config"
	"github.com/alejandrodnm/execgate/internal/adapters/compute"
	"github.com/alejandrodnm/execgate/internal/adapters/httpapi"
	"github.com/alejandrodnm/execgate/internal/adapters/notify"
	"github.com/alejandrodnm/execgate/internal/adapters/storage"
	"github.com/alejandrodnm/execgate/internal/adapters/vault"
	"github.com/alejandrodnm/execgate/internal/adapters/venue"
	"github.com/alejandrodnm/execgate/internal/application/audit"
	"github.com/alejandrodnm/execgate/internal/application/credentials"
	"github.com/alejandrodnm/execgate/internal/application/health"
	"github.com/alejandrodnm/execgate/internal/application/intake"
	"github.com/alejandrodnm/execgate/internal/application/orchestrator"
	"github.com/alejandrodnm/execgate/internal/application/tenants"
	"github.com/alejandrodnm/execgate/internal/application/worker"
	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	report := flag.String("report", "", "print a report and exit: health|workers|orders|audit")
	tenant := flag.String("tenant", "", "tenant id for -report orders|audit")
	limit := flag.Int("limit", 50, "row limit for -report orders|audit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, storage.Options{
		Driver:           storage.Dialect(cfg.Storage.Driver),
		DSN:              cfg.Storage.DSN,
		AutoMigrate:      cfg.AutoMigrate(),
		MinSchemaVersion: cfg.Storage.MinSchemaVersion,
	})
	if err != nil {
		slog.Error("failed to open storage", "err", err, "driver", cfg.Storage.Driver)
		os.Exit(1)
	}
	defer store.Close()
	store.SetQueuePollInterval(cfg.QueuePollInterval())

	if *report != "" {
		if err := runReport(ctx, store, *report, *tenant, *limit); err != nil {
			slog.Error("report failed", "err", err)
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, store); err != nil {
		slog.Error("execgate exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("execgate stopped cleanly")
}

func run(ctx context.Context, cfg *config.Config, store *storage.SQLStorage) error {
	master, err := vault.ParseMasterKey(cfg.Vault.MasterKey)
	if err != nil {
		return fmt.Errorf("vault key: %w", err)
	}
	secrets, err := vault.New(store, master)
	domain.Wipe(master)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	var (
		dialer ports.VenueDialer
		prober ports.CredentialProber
	)
	if cfg.Venue.Simulation {
		paper := venue.NewPaper(venue.PaperConfig{FillOnPlace: true})
		dialer, prober = paper, paper
	} else {
		d := venue.NewDialer(venue.NewClient(cfg.Venue.BaseURL, cfg.Venue.RatePerSec, cfg.RequestTimeout()))
		dialer, prober = d, d
	}

	recorder := audit.New(store, notify.NewLogAlerter(nil), audit.Config{
		Buffer:      cfg.Audit.Buffer,
		MaxAttempts: cfg.Audit.MaxAttempts,
		RetryWait:   cfg.AuditRetryWait(),
	})
	creds := credentials.New(store, secrets, prober, recorder)

	workerCfg := worker.Config{
		SubmitTimeout:           cfg.SubmitTimeout(),
		RequestTimeout:          cfg.RequestTimeout(),
		ReconcileInterval:       cfg.ReconcileInterval(),
		PingInterval:            cfg.PingInterval(),
		LeaseTTL:                cfg.LeaseTTL(),
		Backoff:                 worker.Backoff{Min: cfg.BackoffMin(), Max: cfg.BackoffMax(), Factor: 2, Jitter: 0.2},
		MaxConnectFailures:      cfg.Worker.MaxConnectFailures,
		LiveRequiresCertificate: cfg.LiveRequiresCertificate(),
		Simulation:              cfg.Venue.Simulation,
	}
	runtime := compute.NewLocal(func(spec domain.UnitSpec) (compute.Runner, error) {
		return worker.New(spec.Lease, workerCfg, worker.Deps{
			Queue:       store,
			Orders:      store,
			Workers:     store,
			Credentials: creds,
			Dialer:      dialer,
			Auditor:     recorder,
		}), nil
	})

	required := make([]domain.CredentialType, 0, len(cfg.Orchestrator.RequiredCredentials))
	for _, t := range cfg.Orchestrator.RequiredCredentials {
		required = append(required, domain.CredentialType(t))
	}
	orch := orchestrator.New(orchestrator.Config{
		PoolSize:            cfg.Orchestrator.PoolSize,
		HealthInterval:      cfg.HealthInterval(),
		UnhealthyAfter:      cfg.Orchestrator.UnhealthyAfter,
		ErrorAfter:          cfg.Orchestrator.ErrorAfter,
		HealthStaleAfter:    cfg.HealthStaleAfter(),
		IdleTimeout:         cfg.IdleTimeout(),
		Retention:           cfg.QueueRetention(),
		LeaseTTL:            cfg.LeaseTTL(),
		StopTimeout:         cfg.StopTimeout(),
		RequiredCredentials: required,
	}, orchestrator.Deps{
		Tenants:     store,
		Workers:     store,
		Queue:       store,
		Orders:      store,
		Credentials: creds,
		Runtime:     runtime,
		Control:     runtime,
		Auditor:     recorder,
	})

	tenantSvc := tenants.New(store, orch, recorder)
	intakeSvc := intake.New(store, store, store, store, orch)
	checker := health.New(store, store, store)

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Tenants:     tenantSvc,
			Credentials: creds,
			Workers:     orch,
			Intake:      intakeSvc,
			Instances:   store,
			Orders:      store,
			Audit:       recorder,
			Health:      checker,
			AdminToken:  cfg.HTTP.AdminToken,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cfg.HTTP.AdminToken == "" {
		slog.Warn("http.admin_token is empty, admin routes will reject every request")
	}

	slog.Info("execgate starting",
		"addr", cfg.HTTP.Addr,
		"driver", cfg.Storage.Driver,
		"simulation", cfg.Venue.Simulation,
		"pool_size", cfg.Orchestrator.PoolSize,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	shutdown(runtime, recorder, cfg.StopTimeout())
	return err
}

// shutdown stops every hosted core and flushes the audit buffer. Worker
// rows stay running so the next process re-adopts them through orphan
// cleanup.
func shutdown(runtime *compute.Local, recorder *audit.Recorder, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	handles, err := runtime.List(ctx)
	if err != nil {
		slog.Warn("list units on shutdown", "err", err)
	}
	for _, h := range handles {
		if err := runtime.Stop(ctx, h); err != nil {
			slog.Warn("stop unit on shutdown", "handle", h, "err", err)
		}
	}
	if err := recorder.Close(ctx); err != nil {
		slog.Warn("audit flush on shutdown", "err", err)
	}
}

func runReport(ctx context.Context, store *storage.SQLStorage, kind, tenantID string, limit int) error {
	console := notify.NewConsole()
	switch kind {
	case "health":
		console.Health(health.New(store, store, store).Snapshot(ctx, tenantID))
	case "workers":
		list, err := store.ListWorkers(ctx)
		if err != nil {
			return err
		}
		console.Workers(list)
	case "orders":
		list, err := store.ListOrders(ctx, domain.OrderFilter{TenantID: tenantID, Limit: limit})
		if err != nil {
			return err
		}
		console.Orders(list)
	case "audit":
		list, err := store.ListAudit(ctx, domain.AuditQuery{TenantID: tenantID, Limit: limit})
		if err != nil {
			return err
		}
		console.Audit(list)
	default:
		return fmt.Errorf("unknown report %q", kind)
	}
	return nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
