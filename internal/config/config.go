package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr       string
	RedisPassword   string
	RedisGeoKey     string
	GeoIndexBackend string // memory, redis

	KafkaBrokers []string
	KafkaTopic   string

	ProfileBackend string // memory, mongo, postgres
	PGDSN          string
	MongoURI       string
	MongoDatabase  string

	LocationIQKey   string
	LocationIQURL   string
	GeocodeTimeout  time.Duration
	GeocodeCacheTTL time.Duration

	NearbyDefaultRadiusKm  float64
	RoamingDefaultRadiusKm float64
	NearbyMaxRadiusKm      float64
	NearbyMaxResults       int

	WSSendBuffer int
	WSPingPeriod time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:               ":8080",
		ReadTimeout:            5 * time.Second,
		WriteTimeout:           10 * time.Second,
		IdleTimeout:            120 * time.Second,
		ShutdownTimeout:        15 * time.Second,
		RedisGeoKey:            "vendors_geo",
		GeoIndexBackend:        "memory",
		KafkaTopic:             "vendor-locations",
		ProfileBackend:         "memory",
		MongoDatabase:          "vendors",
		GeocodeTimeout:         3 * time.Second,
		GeocodeCacheTTL:        24 * time.Hour,
		NearbyDefaultRadiusKm:  5,
		RoamingDefaultRadiusKm: 10,
		NearbyMaxRadiusKm:      50,
		NearbyMaxResults:       100,
		WSSendBuffer:           64,
		WSPingPeriod:           30 * time.Second,
		LogLevel:               "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.GeoIndexBackend, "GEO_INDEX_BACKEND")
	cfg.GeoIndexBackend = strings.ToLower(cfg.GeoIndexBackend)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setStringFromEnv(&cfg.ProfileBackend, "PROFILE_BACKEND")
	cfg.ProfileBackend = strings.ToLower(cfg.ProfileBackend)
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.MongoURI = os.Getenv("MONGO_URI")
	setStringFromEnv(&cfg.MongoDatabase, "MONGO_DATABASE")

	cfg.LocationIQKey = strings.TrimSpace(os.Getenv("LOCATIONIQ_API_KEY"))
	setStringFromEnv(&cfg.LocationIQURL, "LOCATIONIQ_URL")
	setDurationFromEnv(&cfg.GeocodeTimeout, "GEOCODE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.GeocodeCacheTTL, "GEOCODE_CACHE_TTL", &errs)

	setFloatFromEnv(&cfg.NearbyDefaultRadiusKm, "NEARBY_DEFAULT_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.RoamingDefaultRadiusKm, "ROAMING_DEFAULT_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.NearbyMaxRadiusKm, "NEARBY_MAX_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.NearbyMaxResults, "NEARBY_MAX_RESULTS", &errs)

	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)
	setDurationFromEnv(&cfg.WSPingPeriod, "WS_PING_PERIOD", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	switch c.GeoIndexBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("GEO_INDEX_BACKEND=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown GEO_INDEX_BACKEND %q", c.GeoIndexBackend))
	}
	switch c.ProfileBackend {
	case "memory":
	case "postgres":
		if c.PGDSN == "" {
			errs = append(errs, errors.New("PROFILE_BACKEND=postgres requires PG_DSN"))
		}
	case "mongo":
		if c.MongoURI == "" {
			errs = append(errs, errors.New("PROFILE_BACKEND=mongo requires MONGO_URI"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PROFILE_BACKEND %q", c.ProfileBackend))
	}
	if c.NearbyDefaultRadiusKm <= 0 || c.RoamingDefaultRadiusKm <= 0 {
		errs = append(errs, errors.New("default radii must be > 0"))
	}
	if c.NearbyMaxRadiusKm < c.NearbyDefaultRadiusKm || c.NearbyMaxRadiusKm < c.RoamingDefaultRadiusKm {
		errs = append(errs, errors.New("NEARBY_MAX_RADIUS_KM must be >= the default radii"))
	}
	if c.NearbyMaxResults <= 0 {
		errs = append(errs, errors.New("NEARBY_MAX_RESULTS must be > 0"))
	}
	if c.WSSendBuffer <= 0 {
		errs = append(errs, errors.New("WS_SEND_BUFFER must be > 0"))
	}
	return errs
}

// ConsumerConfig configures the location stream mirror process.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr string
	LogLevel    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "vendor-locations",
		KafkaGroup:   "vendor-tracking-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "vendors_geo",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, errors.New("KAFKA_BROKERS must list at least one broker")
	}
	return cfg, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
