package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/catboxer/qart/pkg/api"
	"github.com/catboxer/qart/pkg/commit"
	"github.com/catboxer/qart/pkg/config"
	"github.com/catboxer/qart/pkg/envelope"
	"github.com/catboxer/qart/pkg/observability"
	"github.com/catboxer/qart/pkg/provider"
	"github.com/catboxer/qart/pkg/sourcing"
)

const shutdownTimeout = 10 * time.Second

// app is the wired process: API server plus everything it owns.
type app struct {
	server  *api.Server
	sourcer *sourcing.Sourcer
	tel     *observability.Provider
	closers []func() error
}

func runServer(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return 2
	}
	logger, err := observability.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	slog.SetDefault(logger)
	_, _ = fmt.Fprintf(stdout, "%sqart starting...%s\n", ColorBold+ColorBlue, ColorReset)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.close(logger)

	if err := a.serve(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	return 0
}

//nolint:gocognit
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close(logger)
		}
	}()

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.Insecure = cfg.OTelInsecure
	tel, err := observability.New(ctx, obsCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	a.tel = tel

	adapters, err := provider.Build(cfg.Providers, nil)
	if err != nil {
		return nil, err
	}
	// Config counts extra attempts literally; the sourcer reads 0 as "default".
	retries := cfg.Retries
	if retries == 0 {
		retries = -1
	}
	a.sourcer, err = sourcing.New(adapters, sourcing.Options{
		Retries:          retries,
		RetryDelay:       cfg.RetryDelay,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
		Logger:           logger,
		Meter:            tel.Meter(),
	})
	if err != nil {
		return nil, err
	}
	for _, spec := range cfg.Providers {
		logger.Info("provider configured",
			"provider", spec.Name,
			"endpoint", spec.Endpoint,
			"credential", spec.Credential != "",
			"timeout", spec.Timeout,
		)
	}

	deps := api.Deps{
		Builder:       envelope.NewBuilder(a.sourcer, cfg.MaxTrials, logger),
		Providers:     a.sourcer,
		AllowFallback: cfg.AllowFallback,
		Telemetry:     tel,
		Logger:        logger,
	}

	if cfg.HasMasterSecret() {
		opts := []commit.Option{commit.WithTTL(cfg.CommitTTL), commit.WithLogger(logger)}
		if deps.Issuer, err = commit.NewIssuer(cfg.MasterSecret, opts...); err != nil {
			return nil, err
		}
		if deps.Deriver, err = commit.NewDeriver(cfg.MasterSecret, opts...); err != nil {
			return nil, err
		}
		if deps.Auditor, err = commit.NewAuditor(cfg.MasterSecret, opts...); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("QART_MASTER_SECRET not set: commit, derive and reveal are disabled")
	}

	db, st, err := openAuditStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	deps.Store = st

	if cfg.RedisAddr != "" {
		rl := api.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RateLimitRPS, cfg.RateLimitBurst)
		if err := rl.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, rate limiting fails open", "addr", cfg.RedisAddr, "error", err)
		} else {
			logger.Info("redis: connected", "addr", cfg.RedisAddr)
		}
		a.closers = append(a.closers, rl.Close)
		deps.Limiter = rl
	} else {
		ml := api.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		go ml.Run(ctx)
		deps.Limiter = ml
	}

	a.server = api.NewServer(deps)
	ok = true
	return a, nil
}

// serve runs the API and health servers until ctx is cancelled.
func (a *app) serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	apiSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("GET /health", api.HandleHealth)
	healthSrv := &http.Server{
		Addr:              ":" + cfg.HealthPort,
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	for _, srv := range []*http.Server{apiSrv, healthSrv} {
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}(srv)
	}
	logger.Info("ready", "addr", apiSrv.Addr, "health_addr", healthSrv.Addr)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range []*http.Server{apiSrv, healthSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "addr", srv.Addr, "error", err)
		}
	}
	return serveErr
}

func (a *app) close(logger *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.tel.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
		a.tel = nil
	}
}
