package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/reclaimer"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var (
		index    geo.Geo = geo.NewIndex()
		throttle location.Throttle
		rc       *redis.Client
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		throttle = location.NewRedisThrottle(rc, "driver:persisted:")
	}

	engineOpts := []engine.Option{engine.WithCurrency(cfg.PaymentCurrency)}
	relayOpts := []location.Option{location.WithGeo(index)}
	if throttle != nil {
		relayOpts = append(relayOpts, location.WithThrottle(throttle))
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaTripEventTopic)
		defer producer.Close()
		engineOpts = append(engineOpts, engine.WithEventSink(producer))
		relayOpts = append(relayOpts, location.WithStream(producer))
		logger.Info("kafka enabled", "brokers", cfg.KafkaBrokers, "location_topic", cfg.KafkaLocationTopic, "trip_topic", cfg.KafkaTripEventTopic)
	}
	if cfg.StripeAPIKey != "" {
		engineOpts = append(engineOpts, engine.WithPayments(payments.NewStripeClient(cfg.StripeAPIKey)))
		logger.Info("stripe settlement enabled", "currency", cfg.PaymentCurrency)
	}

	rooms := dispatch.NewRooms()
	registry := presence.NewRegistry()
	verifier := auth.NewVerifier(cfg.JWTSecret)
	if !verifier.Enabled() {
		logger.Warn("JWT_SECRET not set; sockets and API are unauthenticated")
	}

	eng := engine.New(store, store, rooms, logger, engineOpts...)
	defer eng.Close()
	relay := location.NewRelay(rooms, store, cfg.LocationPersistInterval, logger, relayOpts...)
	defer relay.Close()
	gw := gateway.New(eng, relay, rooms, registry, verifier, logger)
	ranker := &matcher.Service{Geo: index, Drivers: store, DefaultSpeedMps: cfg.MatcherDefaultSpeedMps, TopN: cfg.MatcherTopN}
	api := httpapi.NewServer(store, ranker, gw, verifier, logger)

	sweeper := reclaimer.New(store, eng, cfg.ReclaimInterval, cfg.ReclaimMaxAge, logger)
	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set; using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		applied, err := ps.Migrate(ctx)
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		logger.Info("migrations applied", "files", applied)
	}
	return ps, nil
}
