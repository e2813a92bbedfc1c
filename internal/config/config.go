package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	PushEndpoint string
	PushKey      string
	OSRMEndpoint string

	StripeAPIKey   string
	StripeCurrency string

	OfferDeadline    time.Duration
	MatchFanOut      int
	MatchRetryMax    int
	SearchRadiusM    float64
	MaxRadiusM       float64
	RadiusGrowth     float64
	CandidateLimit   int
	DefaultSpeedMps  float64
	LivenessWindow   time.Duration
	LocationInterval time.Duration
	EventBuffer      int

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGeoKey:      "drivers_geo",
		KafkaTopic:       "driver-locations",
		StripeCurrency:   "usd",
		OfferDeadline:    15 * time.Second,
		MatchFanOut:      1,
		MatchRetryMax:    3,
		SearchRadiusM:    5000,
		MaxRadiusM:       20000,
		RadiusGrowth:     1.5,
		CandidateLimit:   16,
		DefaultSpeedMps:  10,
		LivenessWindow:   30 * time.Second,
		LocationInterval: 5 * time.Second,
		EventBuffer:      32,
		LogLevel:         "info",
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

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	setDurationFromEnv(&cfg.OfferDeadline, "OFFER_DEADLINE", &errs)
	setIntFromEnv(&cfg.MatchFanOut, "MATCH_FANOUT", &errs)
	setIntFromEnv(&cfg.MatchRetryMax, "MATCH_RETRY_MAX", &errs)
	setFloatFromEnv(&cfg.SearchRadiusM, "MATCH_SEARCH_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.MaxRadiusM, "MATCH_MAX_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.RadiusGrowth, "MATCH_RADIUS_GROWTH", &errs)
	setIntFromEnv(&cfg.CandidateLimit, "MATCH_CANDIDATE_LIMIT", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCH_DEFAULT_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.LivenessWindow, "SESSION_LIVENESS_WINDOW", &errs)
	setDurationFromEnv(&cfg.LocationInterval, "BROADCAST_LOCATION_INTERVAL", &errs)
	setIntFromEnv(&cfg.EventBuffer, "BROADCAST_EVENT_BUFFER", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatchFanOut <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_FANOUT must be > 0"))
	}
	if cfg.MatchRetryMax <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RETRY_MAX must be > 0"))
	}
	if cfg.OfferDeadline <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_DEADLINE must be > 0"))
	}
	if cfg.RadiusGrowth < 1 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_GROWTH must be >= 1"))
	}
	if cfg.LivenessWindow <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_LIVENESS_WINDOW must be > 0"))
	}

	return cfg, errors.Join(errs...)
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
