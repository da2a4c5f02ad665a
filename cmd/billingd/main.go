// Command billingd runs the billing engine as an HTTP service: webhook
// ingress, job triggers and the public verification surfaces.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/paywelt/billingcore/pkg/api"
	"github.com/paywelt/billingcore/pkg/engine"
	zerologadapter "github.com/paywelt/billingcore/pkg/engine/logger/zerolog"
	prommetrics "github.com/paywelt/billingcore/pkg/engine/metrics/prometheus"
	"github.com/paywelt/billingcore/pkg/jobs"
	"github.com/paywelt/billingcore/pkg/provider/paystack"
	"github.com/paywelt/billingcore/pkg/provider/stripe"
	"github.com/paywelt/billingcore/pkg/token"
	"github.com/paywelt/billingcore/storage/memory"
	"github.com/paywelt/billingcore/storage/postgres"
	redislock "github.com/paywelt/billingcore/storage/redis"
)

func main() {
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	zl := zerolog.New(os.Stdout).With().Timestamp().Str("service", "billingd").Logger()
	if os.Getenv("LOG_PRETTY") == "true" {
		zl = zl.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	logger := zerologadapter.NewLogger(zl)

	if err := run(logger, zl); err != nil {
		zl.Fatal().Err(err).Msg("billingd exited")
	}
}

func run(logger engine.Logger, zl zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobKey := os.Getenv("JOB_KEY")
	if jobKey == "" {
		return errors.New("JOB_KEY is required")
	}
	unsubSecret := os.Getenv("UNSUBSCRIBE_SECRET")
	if unsubSecret == "" {
		return errors.New("UNSUBSCRIBE_SECRET is required")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prommetrics.NewMetrics(registry, "billingcore")

	var storage engine.Storage
	var locker jobs.Locker

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg := postgres.DefaultConfig()
		cfg.ConnectionString = dsn
		pg, err := postgres.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer pg.Close()
		storage = pg
		locker = postgres.NewLocker(pg.Pool())
		zl.Info().Msg("using postgres storage")
	} else {
		storage = memory.New()
		zl.Warn().Msg("no DATABASE_URL set, using in-memory storage")
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rl, err := redislock.New(ctx, redislock.Config{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		if err != nil {
			return err
		}
		defer rl.Close()
		locker = rl
		zl.Info().Msg("using redis job locks")
	}

	eng := engine.New(storage, engine.Config{
		PlatformFeeBps: envInt64("PLATFORM_FEE_BPS", 0),
		Logger:         logger,
		Metrics:        metrics,
	})

	if secret := os.Getenv("STRIPE_WEBHOOK_SECRET"); secret != "" {
		adapter, err := stripe.New(secret)
		if err != nil {
			return err
		}
		eng.RegisterAdapter(adapter)
		zl.Info().Msg("stripe adapter registered")
	}
	if secret := os.Getenv("PAYSTACK_SECRET"); secret != "" {
		adapter, err := paystack.New(secret)
		if err != nil {
			return err
		}
		eng.RegisterAdapter(adapter)
		zl.Info().Msg("paystack adapter registered")
	}

	coordinator := jobs.NewCoordinator(storage, eng.StateMachine(), jobs.Config{
		Locker:  locker,
		Logger:  logger,
		Metrics: metrics,
	})

	tokens, err := token.NewManager([]byte(unsubSecret), 0)
	if err != nil {
		return err
	}

	handler, err := api.NewHandler(api.Config{
		Engine:      eng,
		Coordinator: coordinator,
		Tokens:      tokens,
		JobKey:      jobKey,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	root := chi.NewRouter()
	root.Mount("/", handler.Routes())
	root.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info().Str("addr", addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zl.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func envInt64(name string, def int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}
