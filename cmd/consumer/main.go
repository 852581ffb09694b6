package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/urfave/cli/v2"

	"github.com/example/vendor-tracking/internal/config"
	"github.com/example/vendor-tracking/internal/geo"
	"github.com/example/vendor-tracking/internal/ingest"
	"github.com/example/vendor-tracking/internal/logging"
	"github.com/example/vendor-tracking/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total vendor location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	app := &cli.App{
		Name:  "vendor-tracking-consumer",
		Usage: "mirror vendor location events into a Redis GEO set",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "metrics-addr", Usage: "address to serve prometheus metrics on", EnvVars: []string{"METRICS_ADDR"}},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if addr := c.String("metrics-addr"); addr != "" {
		cfg.MetricsAddr = addr
	}
	logger := logging.NewLogger("vendor-tracking-consumer", cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	mirror := geo.NewRedisIndex(rc, cfg.RedisGeoKey)

	go serveMetrics(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	readBackoff := backoff.NewExponentialBackOff()
	readBackoff.InitialInterval = time.Second
	readBackoff.MaxInterval = 30 * time.Second
	readBackoff.MaxElapsedTime = 0

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return nil
			}
			wait := readBackoff.NextBackOff()
			logger.Warn("kafka read failed", "error", err, "backoff", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		readBackoff.Reset()
		msgsConsumed.Inc()

		var ev ingest.LocationEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.VendorID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		if err := applyWithRetry(ctx, mirror, ev, newRetryPolicy(200*time.Millisecond, 3)); err != nil {
			if errors.Is(err, models.ErrValidation) {
				msgsInvalid.Inc()
			} else {
				redisErrors.Inc()
			}
			logger.Warn("redis update failed", "vendor_id", ev.VendorID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
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
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}

// Mirror is the subset of the geo index the consumer writes to.
type Mirror interface {
	Put(ctx context.Context, e geo.Entry) error
	Remove(ctx context.Context, vendorID string) error
}

func newRetryPolicy(initial time.Duration, retries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.RandomizationFactor = 0
	return backoff.WithMaxRetries(b, retries)
}

// applyEvent adds an online vendor with a position to the mirror and removes
// every other vendor from it.
func applyEvent(ctx context.Context, m Mirror, ev ingest.LocationEvent) error {
	if !ev.Online || ev.Coordinates == nil {
		return m.Remove(ctx, ev.VendorID)
	}
	return m.Put(ctx, geo.Entry{VendorID: ev.VendorID, Point: *ev.Coordinates, Category: ev.Category, Roaming: ev.Roaming})
}

// applyWithRetry retries transient mirror failures. Validation errors are not
// retried.
func applyWithRetry(ctx context.Context, m Mirror, ev ingest.LocationEvent, policy backoff.BackOff) error {
	return backoff.Retry(func() error {
		err := applyEvent(ctx, m, ev)
		if errors.Is(err, models.ErrValidation) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}
