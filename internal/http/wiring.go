package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/example/vendor-tracking/internal/config"
	"github.com/example/vendor-tracking/internal/dispatch"
	"github.com/example/vendor-tracking/internal/geo"
	"github.com/example/vendor-tracking/internal/geocode"
	"github.com/example/vendor-tracking/internal/ingest"
	"github.com/example/vendor-tracking/internal/profile"
	"github.com/example/vendor-tracking/internal/proximity"
	"github.com/example/vendor-tracking/internal/roaming"
	"github.com/example/vendor-tracking/internal/storage"
)

// App is a fully wired server plus the resources it owns.
type App struct {
	Server  *Server
	Hub     *dispatch.Hub
	Persist *profile.Writer
	closers []func() error
}

// NewServerFromConfig wires every component from cfg. Unavailable optional
// dependencies (Kafka, geocoding) are left out; required backends fail.
func NewServerFromConfig(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*App, error) {
	app := &App{}

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		app.closers = append(app.closers, rc.Close)
		if err := pingRedis(ctx, rc); err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
	}

	var index geo.Index
	switch cfg.GeoIndexBackend {
	case "redis":
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
	default:
		index = geo.NewMemoryIndex()
	}
	store := storage.New(index)

	hub := dispatch.NewHub(logger, dispatch.Options{SendBuffer: cfg.WSSendBuffer, PingPeriod: cfg.WSPingPeriod})
	app.Hub = hub
	app.closers = append(app.closers, func() error { hub.Close(); return nil })

	var geocoder geocode.Provider = geocode.Disabled{}
	if cfg.LocationIQKey != "" {
		geocoder = geocode.NewLocationIQ(cfg.LocationIQKey, cfg.LocationIQURL)
		if rc != nil {
			geocoder = geocode.NewCached(geocoder, rc, cfg.GeocodeCacheTTL, logger)
		}
	} else {
		logger.Warn("LOCATIONIQ_API_KEY not set, addresses will be raw coordinates")
	}

	ingestOpts := []ingest.Option{ingest.WithGeocodeTimeout(cfg.GeocodeTimeout)}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		app.closers = append(app.closers, kp.Close)
		ingestOpts = append(ingestOpts, ingest.WithEventSink(kp))
	}

	profiles, err := openProfiles(ctx, cfg, app)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Persist = profile.NewWriter(profiles, 4096, logger)

	ingestSvc := ingest.NewService(store, hub, geocoder, logger, ingestOpts...)
	app.Server = NewServer(Deps{
		Store:     store,
		Ingest:    ingestSvc,
		Roaming:   roaming.NewScheduler(store, hub, logger, roaming.OnScheduleChange(ingestSvc.Emit)),
		Proximity: &proximity.Service{Index: index, Store: store, MaxResults: cfg.NearbyMaxResults},
		Profiles:  profiles,
		Persist:   app.Persist,
		Hub:       hub,
		Logger:    logger,
		Limits: Limits{
			NearbyDefaultRadiusKm:  cfg.NearbyDefaultRadiusKm,
			RoamingDefaultRadiusKm: cfg.RoamingDefaultRadiusKm,
			MaxRadiusKm:            cfg.NearbyMaxRadiusKm,
			DefaultNearestK:        10,
			PingPeriod:             cfg.WSPingPeriod,
		},
	})
	logger.Info("server wired",
		"geo_index", cfg.GeoIndexBackend,
		"profile_backend", cfg.ProfileBackend,
		"kafka", len(cfg.KafkaBrokers) > 0,
		"geocoding", cfg.LocationIQKey != "")
	return app, nil
}

func openProfiles(ctx context.Context, cfg config.ServerConfig, app *App) (profile.Store, error) {
	switch cfg.ProfileBackend {
	case "postgres":
		var ps *profile.PostgresStore
		err := retry(ctx, func() error {
			var err error
			ps, err = profile.NewPostgresStore(cfg.PGDSN)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("postgres profile store: %w", err)
		}
		app.closers = append(app.closers, ps.Close)
		return ps, nil
	case "mongo":
		var ms *profile.MongoStore
		err := retry(ctx, func() error {
			var err error
			ms, err = profile.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("mongo profile store: %w", err)
		}
		app.closers = append(app.closers, func() error { return ms.Close(context.Background()) })
		return ms, nil
	default:
		return profile.NewMemoryStore(), nil
	}
}

func pingRedis(ctx context.Context, rc *redis.Client) error {
	return retry(ctx, func() error { return rc.Ping(ctx).Err() })
}

func retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.Retry(op, b)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
