// README: Config loader with env defaults for HTTP, DB, Redis, dispatch and ETA settings.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type MatchingConfig struct {
	TickSeconds int
	// ClaimTTL bounds how long a search pass may hold a request before the claim expires.
	ClaimTTL time.Duration
}

type ETAConfig struct {
	StaleAfter   time.Duration
	Timeout      time.Duration
	CacheTTL     time.Duration
	RefreshTick  time.Duration
	FallbackKmh  float64
	RefreshLimit int
}

type Config struct {
	Environment string
	HTTP        struct {
		Addr string
	}
	DB struct {
		DSN string
	}
	Redis struct {
		Addr string
	}
	Maps struct {
		APIKey string
	}
	Firebase struct {
		ProjectID       string
		CredentialsFile string
		DatabaseURL     string
	}
	RouteLockTTL time.Duration
	Matching     MatchingConfig
	ETA          ETAConfig
}

func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	cfg.Environment = envOrDefault("RIDEPOOL_ENV", "development")
	cfg.HTTP.Addr = envOrDefault("RIDEPOOL_HTTP_ADDR", ":8080")
	cfg.DB.DSN = os.Getenv("RIDEPOOL_DB_DSN")
	cfg.Redis.Addr = envOrDefault("RIDEPOOL_REDIS_ADDR", "localhost:6379")
	cfg.Maps.APIKey = os.Getenv("RIDEPOOL_MAPS_API_KEY")
	cfg.Firebase.ProjectID = os.Getenv("RIDEPOOL_FIREBASE_PROJECT_ID")
	cfg.Firebase.CredentialsFile = os.Getenv("RIDEPOOL_FIREBASE_CREDENTIALS")
	cfg.Firebase.DatabaseURL = os.Getenv("RIDEPOOL_FIREBASE_DATABASE_URL")
	cfg.RouteLockTTL = envOrDefaultDuration("RIDEPOOL_ROUTE_LOCK_TTL", 15*time.Second)
	cfg.Matching.TickSeconds = envOrDefaultInt("RIDEPOOL_MATCH_TICK", 3)
	cfg.Matching.ClaimTTL = envOrDefaultDuration("RIDEPOOL_CLAIM_TTL", 30*time.Second)
	cfg.ETA.StaleAfter = envOrDefaultDuration("RIDEPOOL_ETA_STALE_AFTER", 2*time.Minute)
	cfg.ETA.Timeout = envOrDefaultDuration("RIDEPOOL_ETA_TIMEOUT", 3*time.Second)
	cfg.ETA.CacheTTL = envOrDefaultDuration("RIDEPOOL_ETA_CACHE_TTL", 5*time.Minute)
	cfg.ETA.RefreshTick = envOrDefaultDuration("RIDEPOOL_ETA_REFRESH_TICK", 30*time.Second)
	cfg.ETA.FallbackKmh = envOrDefaultFloat("RIDEPOOL_ETA_FALLBACK_KMH", 25.0)
	cfg.ETA.RefreshLimit = envOrDefaultInt("RIDEPOOL_ETA_REFRESH_PARALLEL", 8)
	return cfg, nil
}

// Defaults returns the configuration Load would produce with an empty environment.
func Defaults() Config {
	var cfg Config
	cfg.Environment = "development"
	cfg.HTTP.Addr = ":8080"
	cfg.Redis.Addr = "localhost:6379"
	cfg.RouteLockTTL = 15 * time.Second
	cfg.Matching = MatchingConfig{TickSeconds: 3, ClaimTTL: 30 * time.Second}
	cfg.ETA = ETAConfig{
		StaleAfter:   2 * time.Minute,
		Timeout:      3 * time.Second,
		CacheTTL:     5 * time.Minute,
		RefreshTick:  30 * time.Second,
		FallbackKmh:  25.0,
		RefreshLimit: 8,
	}
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
