package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"

	"github.com/eugener/aiguard/internal/audit"
	"github.com/eugener/aiguard/internal/auth"
	"github.com/eugener/aiguard/internal/config"
	"github.com/eugener/aiguard/internal/credential"
	"github.com/eugener/aiguard/internal/proxy"
	"github.com/eugener/aiguard/internal/ratelimit"
	"github.com/eugener/aiguard/internal/server"
	"github.com/eugener/aiguard/internal/storage/mongo"
	"github.com/eugener/aiguard/internal/telemetry"
	"github.com/eugener/aiguard/internal/usage"
	"github.com/eugener/aiguard/internal/validate"
	"github.com/eugener/aiguard/internal/vault"
	"github.com/eugener/aiguard/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg.Log)

	slog.Info("starting aiguard", "version", version, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Storage
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	store, err := mongo.New(connectCtx, cfg.Database.URI, cfg.Database.Name)
	cancel()
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	// Credential vault
	v := vault.New([]byte(cfg.Vault.EncryptionKey))

	// Authentication: PATs always, identity tokens when configured.
	var verifier auth.Verifier
	if cfg.Identity.ProjectID != "" {
		iv, err := auth.NewIdentityVerifier(auth.IdentityOptions{
			ProjectID:   cfg.Identity.ProjectID,
			ClientEmail: cfg.Identity.ClientEmail,
			PrivateKey:  cfg.Identity.PrivateKey,
		}, nil)
		if err != nil {
			return err
		}
		verifier = iv
		slog.Info("identity verification enabled",
			"project", cfg.Identity.ProjectID,
			"service_account", cfg.Identity.ClientEmail != "")
	}
	authv, err := auth.NewValidator(store, store, verifier)
	if err != nil {
		return err
	}

	validator, err := validate.New()
	if err != nil {
		return err
	}

	// Rate limiting: shared Redis window when configured, in-process windows
	// otherwise.
	var limiter ratelimit.Limiter
	var workers []worker.Worker
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		limiter = ratelimit.NewRedisLimiter(client, slog.Default())
		slog.Info("rate limiting on redis", "addr", opts.Addr)
	} else {
		local := ratelimit.NewLocalLimiter()
		limiter = local
		workers = append(workers, worker.NewEvictWorker(local))
	}

	// Async persistence and the midnight counter reset.
	usageRec := worker.NewUsageRecorder(store)
	auditRec := worker.NewAuditRecorder(store)
	loc, err := time.LoadLocation(cfg.Usage.ResetTimezone)
	if err != nil {
		return err
	}
	workers = append(workers, usageRec, auditRec, worker.NewResetWorker(store, loc))

	// Telemetry
	var metrics *telemetry.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Telemetry.MetricsEnabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		gatherer = reg
	}
	if cfg.Telemetry.TracingEnabled {
		shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.SampleRate)
		if err != nil {
			return err
		}
		defer shutdownTracing(context.Background()) //nolint:errcheck
	}

	// Upstream HTTP client with cached DNS.
	dnsResolver := &dnscache.Resolver{}
	upstream := &http.Client{Transport: proxy.NewTransport(dnsResolver)}
	fwd := proxy.New(upstream, proxy.Options{
		Timeout:    cfg.Forwarder.RequestTimeout,
		MaxRetries: cfg.Forwarder.MaxRetries,
		RetryDelay: cfg.Forwarder.RetryDelay,
	}, slog.Default())

	handler := server.New(server.Deps{
		Auth:           authv,
		Validator:      validator,
		Limiter:        limiter,
		Resolver:       credential.NewResolver(v, store, cfg.Providers.SystemCredentials(), slog.Default()),
		Forwarder:      fwd,
		Vault:          v,
		Store:          store,
		Tracker:        usage.NewTracker(usageRec, store, slog.Default()),
		Audit:          audit.NewWriter(auditRec),
		Metrics:        metrics,
		Gatherer:       gatherer,
		ReadyCheck:     store.Ping,
		AdminKey:       cfg.Admin.SecretKey,
		MaxRequestSize: cfg.Server.MaxRequestSize,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Workers run on their own context so buffered usage and audit events
	// drain after the listener closes.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- worker.NewRunner(workers...).Run(workerCtx)
	}()
	go refreshDNS(workerCtx, dnsResolver)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("aiguard ready", "addr", srv.Addr)

	select {
	case <-ctx.Done():
		slog.Info("shutting down", "reason", "signal")
	case err := <-errCh:
		cancelWorkers()
		<-workerDone
		return err
	case err := <-workerDone:
		return fmt.Errorf("worker failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop workers last; the recorders flush their buffers on the way out.
	cancelWorkers()
	if err := <-workerDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("aiguard stopped")
	return nil
}

// setupLogging installs the process-wide slog handler.
func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
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
	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// refreshDNS re-resolves cached upstream hosts periodically.
func refreshDNS(ctx context.Context, r *dnscache.Resolver) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Refresh(true)
		}
	}
}
