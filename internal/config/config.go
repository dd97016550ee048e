package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        string `yaml:"port"`
	StoreDriver string `yaml:"store_driver"`
	DatabaseURL string `yaml:"db_dsn"`
	SQLitePath  string `yaml:"sqlite_path"`

	RedisURL string        `yaml:"redis_url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`

	AMQPURL          string        `yaml:"amqp_url"`
	AnnounceExchange string        `yaml:"announce_exchange"`
	RelayInterval    time.Duration `yaml:"relay_interval"`
	RelayBatchSize   int           `yaml:"relay_batch_size"`

	AverageServiceMinutes  int    `yaml:"average_service_minutes"`
	AllocationAttempts     int    `yaml:"allocation_attempts"`
	SingleActivePerCounter bool   `yaml:"single_active_per_counter"`
	Timezone               string `yaml:"queue_timezone"`

	RateLimitPerMinute int `yaml:"rate_limit_per_min"`
	RateLimitBurst     int `yaml:"rate_limit_burst"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

func defaults() Config {
	return Config{
		Port:                   "8080",
		StoreDriver:            "postgres",
		SQLitePath:             "hospital-queue.db",
		CacheTTL:               2 * time.Second,
		AnnounceExchange:       "queue.announcements",
		RelayInterval:          500 * time.Millisecond,
		RelayBatchSize:         100,
		AverageServiceMinutes:  5,
		AllocationAttempts:     3,
		SingleActivePerCounter: true,
		Timezone:               "Local",
		RateLimitPerMinute:     120,
		RateLimitBurst:         30,
		LogLevel:               "info",
		LogFormat:              "json",
	}
}

// Load builds the configuration from defaults, then the optional YAML file at
// path, then environment variables.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		if err := checkDurationUnits(raw); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.Port = readString("PORT", cfg.Port)
	cfg.StoreDriver = readString("STORE_DRIVER", cfg.StoreDriver)
	cfg.DatabaseURL = readString("DB_DSN", cfg.DatabaseURL)
	cfg.SQLitePath = readString("SQLITE_PATH", cfg.SQLitePath)
	cfg.RedisURL = readString("REDIS_URL", cfg.RedisURL)
	cfg.CacheTTL = readDurationSeconds("CACHE_TTL_SECONDS", cfg.CacheTTL)
	cfg.AMQPURL = readString("AMQP_URL", cfg.AMQPURL)
	cfg.AnnounceExchange = readString("ANNOUNCE_EXCHANGE", cfg.AnnounceExchange)
	cfg.RelayInterval = readDurationMillis("RELAY_INTERVAL_MS", cfg.RelayInterval)
	cfg.RelayBatchSize = readInt("RELAY_BATCH_SIZE", cfg.RelayBatchSize)
	cfg.AverageServiceMinutes = readInt("AVERAGE_SERVICE_MINUTES", cfg.AverageServiceMinutes)
	cfg.AllocationAttempts = readInt("ALLOCATION_ATTEMPTS", cfg.AllocationAttempts)
	cfg.SingleActivePerCounter = readBool("SINGLE_ACTIVE_PER_COUNTER", cfg.SingleActivePerCounter)
	cfg.Timezone = readString("QUEUE_TIMEZONE", cfg.Timezone)
	cfg.RateLimitPerMinute = readInt("RATE_LIMIT_PER_MIN", cfg.RateLimitPerMinute)
	cfg.RateLimitBurst = readInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.LogLevel = readString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = readString("LOG_FORMAT", cfg.LogFormat)
	cfg.LogFile = readString("LOG_FILE", cfg.LogFile)
	cfg.OTLPEndpoint = readString("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DB_DSN is required for the postgres store")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the timezone used to decide each ticket's queue date.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("QUEUE_TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// durationKeys are time.Duration fields in the YAML file. yaml.v3 reads a bare
// number as nanoseconds, so those values must carry a unit.
var durationKeys = []string{"cache_ttl", "relay_interval"}

func checkDurationUnits(raw []byte) error {
	var fields map[string]any
	if err := yaml.Unmarshal(raw, &fields); err != nil {
		return err
	}
	for _, key := range durationKeys {
		switch value := fields[key].(type) {
		case int, int64, uint64, float64:
			return fmt.Errorf("%s: %v has no unit, write a duration such as 500ms or 2s", key, value)
		}
	}
	return nil
}

func readString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func readDurationSeconds(key string, fallback time.Duration) time.Duration {
	value := readInt(key, -1)
	if value < 0 {
		return fallback
	}
	return time.Duration(value) * time.Second
}

func readDurationMillis(key string, fallback time.Duration) time.Duration {
	value := readInt(key, -1)
	if value < 0 {
		return fallback
	}
	return time.Duration(value) * time.Millisecond
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
