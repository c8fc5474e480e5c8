package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Env             string                   // dev, prod
	HTTPPort        string                   // default 8080
	LogLevel        string                   // zerolog level name
	PostgresDSN     string                   // required
	DBMaxConns      int32                    // pool size
	Redis           *redis.Options           // from REDIS_URL or REDIS_ADDR/USERNAME/PASSWORD/DB
	TicketBackend   string                   // redis or memory
	EventRelay      bool                     // mirror transitions onto redis pub/sub
	KafkaBrokers    []string                 // billing notification brokers
	BillingTopic    string                   // kafka topic for encounter-ended notices
	Location        *time.Location           // calendar day of ticket numbers
	NoShowTimeout   time.Duration            // clinic-wide threshold, zero means none
	NoShowTimeouts  map[string]time.Duration // per-department thresholds
	MaxAttempts     int                      // optimistic retry bound
	SweepInterval   time.Duration            // how often the no-show sweep runs
	HookQueueSize   int                      // side-effect backlog before dropping
	SubscriberBuf   int                      // per-subscriber event buffer
	ShutdownTimeout time.Duration            // graceful shutdown timeout
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Env:             getEnv("APP_ENV", "dev"),
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		PostgresDSN:     os.Getenv("POSTGRES_DSN"),
		DBMaxConns:      int32(getInt("DB_MAX_CONNS", 10)),
		TicketBackend:   getEnv("TICKET_BACKEND", "redis"),
		EventRelay:      getBool("EVENT_RELAY_ENABLED", true),
		KafkaBrokers:    splitList(getEnv("KAFKA_BROKERS", "127.0.0.1:9092")),
		BillingTopic:    getEnv("BILLING_TOPIC", "billing.encounter-ended"),
		NoShowTimeout:   getDuration("NO_SHOW_TIMEOUT", 0),
		MaxAttempts:     getInt("QUEUE_MAX_ATTEMPTS", 3),
		SweepInterval:   getDuration("SWEEP_INTERVAL", 30*time.Second),
		HookQueueSize:   getInt("HOOK_QUEUE_SIZE", 1024),
		SubscriberBuf:   getInt("SUBSCRIBER_BUFFER", 64),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if cfg.PostgresDSN == "" {
		return Config{}, errors.New("POSTGRES_DSN is required")
	}
	if cfg.TicketBackend != "redis" && cfg.TicketBackend != "memory" {
		return Config{}, fmt.Errorf("TICKET_BACKEND must be redis or memory, got %q", cfg.TicketBackend)
	}
	if cfg.MaxAttempts < 1 {
		return Config{}, fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", cfg.MaxAttempts)
	}

	loc, err := time.LoadLocation(getEnv("CLINIC_TIMEZONE", "Local"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid CLINIC_TIMEZONE: %w", err)
	}
	cfg.Location = loc

	timeouts, err := ParseDepartmentDurations(os.Getenv("NO_SHOW_TIMEOUTS"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid NO_SHOW_TIMEOUTS: %w", err)
	}
	cfg.NoShowTimeouts = timeouts

	// rediss:// URLs carry TLS settings and a /db path; ParseURL keeps both.
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return Config{}, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		cfg.Redis = opts
	} else {
		cfg.Redis = &redis.Options{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Username: getEnv("REDIS_USERNAME", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		}
	}

	return cfg, nil
}

// NeedsRedis reports whether any enabled component talks to Redis.
func (c Config) NeedsRedis() bool {
	return c.TicketBackend == "redis" || c.EventRelay
}

// ParseDepartmentDurations reads "lab=10m,pharmacy=300" into a map.
// Bare integers are seconds, like the other duration settings.
func ParseDepartmentDurations(raw string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	for _, pair := range splitList(raw) {
		dept, val, ok := strings.Cut(pair, "=")
		dept = strings.TrimSpace(dept)
		if !ok || dept == "" {
			return nil, fmt.Errorf("expected department=duration, got %q", pair)
		}
		d, err := parseDuration(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("department %s: %w", dept, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("department %s: duration must be positive", dept)
		}
		out[dept] = d
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		fmt.Fprintf(os.Stderr, "invalid integer for %s=%q, using default %d\n", key, v, def)
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		fmt.Fprintf(os.Stderr, "invalid boolean for %s=%q, using default %t\n", key, v, def)
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := parseDuration(v); err == nil {
			return d
		}
		fmt.Fprintf(os.Stderr, "invalid duration for %s=%q, using default %s\n", key, v, def)
	}
	return def
}

func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
