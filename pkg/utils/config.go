package utils

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is everything the ingestion core consumes but does not own:
// upstream endpoint, rate budget, retry limits, store connections.
// Environment-first with MANGAPIPE_* keys; cmd flags may override.
type Config struct {
	UpstreamBaseURL string
	UserAgent       string

	// shared upstream quota, split across all concurrent pipelines
	RequestsPerSec float64
	Burst          int

	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	DefaultLocale string
	PageLimit     int // 0 = per-resource default
	CreatedSince  time.Time

	PostgresDSN string // document store connection; required
	APIAddr     string
}

func LoadConfig() Config {
	cfg := Config{
		UpstreamBaseURL: EnvString("MANGAPIPE_UPSTREAM_URL", "https://api.mangadex.org"),
		UserAgent:       EnvString("MANGAPIPE_USER_AGENT", "mangapipe/1.0"),
		RequestsPerSec:  EnvFloat("MANGAPIPE_RATE_RPS", 4),
		Burst:           EnvInt("MANGAPIPE_RATE_BURST", 4),
		MaxAttempts:     EnvInt("MANGAPIPE_MAX_ATTEMPTS", 4),
		BackoffBase:     EnvDuration("MANGAPIPE_BACKOFF_BASE", 500*time.Millisecond),
		BackoffMax:      EnvDuration("MANGAPIPE_BACKOFF_MAX", 15*time.Second),
		DefaultLocale:   EnvString("MANGAPIPE_LOCALE", "en"),
		PageLimit:       EnvInt("MANGAPIPE_PAGE_LIMIT", 0),
		PostgresDSN:     EnvString("MANGAPIPE_PG_DSN", ""),
		APIAddr:         EnvString("MANGAPIPE_API_ADDR", ":8080"),
	}

	if since := EnvString("MANGAPIPE_CREATED_SINCE", ""); since != "" {
		if t, err := time.Parse("2006-01-02", since); err == nil {
			cfg.CreatedSince = t
		}
	}

	return cfg
}

type APIConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTDuration time.Duration
}

func LoadAPIConfig() APIConfig {
	secret := EnvString("MANGAPIPE_JWT_SECRET", "")
	if secret == "" {
		// dev default (change for production)
		secret = "dev-secret-change-me"
	}

	return APIConfig{
		JWTSecret:   secret,
		JWTIssuer:   EnvString("MANGAPIPE_JWT_ISSUER", "mangapipe"),
		JWTDuration: EnvDuration("MANGAPIPE_JWT_TTL", 24*time.Hour),
	}
}

func EnvString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func EnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func EnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func EnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
