package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver position messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	geoUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_updates_total",
		Help: "Total successful geo index updates",
	})
	geoErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_geo_errors_total",
		Help: "Total geo index update failures",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, geoUpdates, geoErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ConsumerConfig, logger *slog.Logger) error {
	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	index := geo.NewRedisGeo(rc, cfg.RedisGeoKey)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: probeMux(rc), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	c := &consumer{
		reader:     r,
		index:      index,
		attempts:   cfg.MaxAttempts,
		retryDelay: cfg.RetryDelay,
		logger:     logging.Component(logger, "consumer"),
	}
	c.loop(ctx)
	return nil
}

func probeMux(rc *redis.Client) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", 503)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	return mux
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

type consumer struct {
	reader     messageReader
	index      Upserter
	attempts   int
	retryDelay time.Duration
	logger     *slog.Logger
	sleep      func(context.Context, time.Duration)
}

const maxReadBackoff = 30 * time.Second

// loop consumes positions until ctx is done. Read failures back off
// exponentially; bad messages and failed upserts are counted and skipped.
func (c *consumer) loop(ctx context.Context) {
	sleep := c.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	backoff := time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("shutting down consumer")
				return
			}
			c.logger.Warn("kafka read failed", "error", err, "backoff", backoff.String())
			sleep(ctx, backoff)
			backoff = min(backoff*2, maxReadBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()
		c.handle(ctx, m)
	}
}

func (c *consumer) handle(ctx context.Context, m kafka.Message) {
	p, err := decodePosition(m.Value)
	if err != nil {
		msgsInvalid.Inc()
		c.logger.Warn("invalid message", "offset", m.Offset, "error", err)
		return
	}
	if err := upsertWithRetry(ctx, c.index, p, c.attempts, c.retryDelay); err != nil {
		geoErrors.Inc()
		c.logger.Error("geo update failed", "driver_id", p.DriverID, "error", err)
		return
	}
	geoUpdates.Inc()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Upserter is the subset of the geo index the consumer writes to.
type Upserter interface {
	Upsert(ctx context.Context, p models.Position) error
}

var errNoDriver = errors.New("position without driver id")

func decodePosition(b []byte) (models.Position, error) {
	var p models.Position
	if err := json.Unmarshal(b, &p); err != nil {
		return models.Position{}, err
	}
	if p.DriverID == "" {
		return models.Position{}, errNoDriver
	}
	if p.RecordedAt.IsZero() {
		p.RecordedAt = time.Now().UTC()
	}
	return p, nil
}

// upsertWithRetry writes p with exponential backoff between attempts.
func upsertWithRetry(ctx context.Context, index Upserter, p models.Position, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = index.Upsert(ctx, p); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
