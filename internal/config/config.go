package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Store    StoreConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Poller   PollerConfig
	Consumer ConsumerConfig
	Recovery RecoveryConfig
	Provider ProviderConfig
	Policy   PolicyConfig
}

type ServerConfig struct {
	Address        string
	MetricsAddress string
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type StoreConfig struct {
	Driver          string
	PostgresURL     string
	MaxConns        int
	ConnectAttempts int
	AutoMigrate     bool
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// SentTTL is how long sent receipts are cached. Zero disables the cache.
	SentTTL time.Duration
}

type QueueConfig struct {
	KeyPrefix         string
	VisibilityTimeout time.Duration
	MaxDeliveries     int
}

type PollerConfig struct {
	Interval  time.Duration
	BatchSize int
	LockKey   int64
}

type ConsumerConfig struct {
	Workers       int
	MaxAttempts   int
	RatePerSecond float64
}

type RecoveryConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
	LockKey    int64
}

const (
	ProviderModeWebhook   = "webhook"
	ProviderModeSimulated = "simulated"
)

type ProviderConfig struct {
	Mode        string
	WebhookURL  string
	Timeout     time.Duration
	SuccessRate float64
	Delay       time.Duration
}

type PolicyConfig struct {
	UTCOffsetHours   int
	WindowStartHour  int
	WindowEndHour    int
	MinAddressLength int
	ContentMax       int
}

// LoadAll reads the whole configuration from the environment. Every
// problem found is reported in the returned error, not just the first.
func LoadAll() (*Config, error) {
	l := &loader{}

	cfg := &Config{
		Server: ServerConfig{
			Address:        getEnv("SERVER_ADDRESS", ":8080"),
			MetricsAddress: getEnv("METRICS_ADDRESS", ":9090"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "text")),
		},
		Store: StoreConfig{
			Driver:          strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
			MaxConns:        l.int("DB_MAX_CONNS", 10),
			ConnectAttempts: l.int("DB_CONNECT_ATTEMPTS", 5),
			AutoMigrate:     l.bool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Address:  l.require("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       l.int("REDIS_DB", 0),
			SentTTL:  l.seconds("SENT_CACHE_TTL_SECONDS", 86400),
		},
		Queue: QueueConfig{
			KeyPrefix:         getEnv("QUEUE_KEY_PREFIX", "delivery"),
			VisibilityTimeout: l.seconds("QUEUE_VISIBILITY_TIMEOUT_SECONDS", 60),
			MaxDeliveries:     l.int("QUEUE_MAX_DELIVERIES", 10),
		},
		Poller: PollerConfig{
			Interval:  l.seconds("POLL_INTERVAL_SECONDS", 60),
			BatchSize: l.int("POLL_BATCH_SIZE", 100),
			LockKey:   int64(l.int("POLL_LOCK_KEY", 4242)),
		},
		Consumer: ConsumerConfig{
			Workers:       l.int("CONSUMER_WORKERS", 4),
			MaxAttempts:   l.int("CONSUMER_MAX_ATTEMPTS", 5),
			RatePerSecond: l.float("CONSUMER_RATE_PER_SECOND", 0),
		},
		Recovery: RecoveryConfig{
			Interval:   l.seconds("RECOVERY_INTERVAL_SECONDS", 60),
			StaleAfter: l.seconds("RECOVERY_STALE_AFTER_SECONDS", 300),
			BatchSize:  l.int("RECOVERY_BATCH_SIZE", 100),
			LockKey:    int64(l.int("RECOVERY_LOCK_KEY", 4243)),
		},
		Provider: ProviderConfig{
			Mode:        strings.ToLower(getEnv("PROVIDER_MODE", ProviderModeWebhook)),
			Timeout:     l.seconds("PROVIDER_TIMEOUT_SECONDS", 10),
			SuccessRate: l.float("SIMULATED_SUCCESS_RATE", 0.9),
			Delay:       time.Duration(l.int("SIMULATED_DELAY_MS", 200)) * time.Millisecond,
		},
		Policy: PolicyConfig{
			UTCOffsetHours:   l.int("WINDOW_UTC_OFFSET_HOURS", 10),
			WindowStartHour:  l.int("WINDOW_START_HOUR", 8),
			WindowEndHour:    l.int("WINDOW_END_HOUR", 21),
			MinAddressLength: l.int("ADDRESS_MIN_LENGTH", 10),
			ContentMax:       l.int("CONTENT_MAX", 1000),
		},
	}

	if cfg.Store.Driver == StoreDriverPostgres {
		cfg.Store.PostgresURL = l.require("POSTGRES_URL")
	}
	if cfg.Provider.Mode == ProviderModeWebhook {
		cfg.Provider.WebhookURL = l.require("WEBHOOK_URL")
	}

	l.errs = append(l.errs, validate(cfg)...)
	if err := joinErrors(l.errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) []error {
	var errs []error
	positive := func(key string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	switch cfg.Store.Driver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, cfg.Store.Driver))
	}
	switch cfg.Provider.Mode {
	case ProviderModeWebhook, ProviderModeSimulated:
	default:
		errs = append(errs, fmt.Errorf("PROVIDER_MODE must be %q or %q, got %q", ProviderModeWebhook, ProviderModeSimulated, cfg.Provider.Mode))
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.Log.Format))
	}

	positive("DB_MAX_CONNS", int64(cfg.Store.MaxConns))
	positive("DB_CONNECT_ATTEMPTS", int64(cfg.Store.ConnectAttempts))
	positive("QUEUE_VISIBILITY_TIMEOUT_SECONDS", int64(cfg.Queue.VisibilityTimeout))
	positive("POLL_INTERVAL_SECONDS", int64(cfg.Poller.Interval))
	positive("POLL_BATCH_SIZE", int64(cfg.Poller.BatchSize))
	positive("CONSUMER_WORKERS", int64(cfg.Consumer.Workers))
	positive("RECOVERY_INTERVAL_SECONDS", int64(cfg.Recovery.Interval))
	positive("RECOVERY_STALE_AFTER_SECONDS", int64(cfg.Recovery.StaleAfter))
	positive("RECOVERY_BATCH_SIZE", int64(cfg.Recovery.BatchSize))
	positive("PROVIDER_TIMEOUT_SECONDS", int64(cfg.Provider.Timeout))
	positive("ADDRESS_MIN_LENGTH", int64(cfg.Policy.MinAddressLength))
	positive("CONTENT_MAX", int64(cfg.Policy.ContentMax))

	if cfg.Recovery.LockKey == cfg.Poller.LockKey {
		errs = append(errs, errors.New("RECOVERY_LOCK_KEY must differ from POLL_LOCK_KEY"))
	}
	if cfg.Queue.MaxDeliveries < 0 {
		errs = append(errs, errors.New("QUEUE_MAX_DELIVERIES must be >= 0"))
	}
	if cfg.Consumer.MaxAttempts < 0 {
		errs = append(errs, errors.New("CONSUMER_MAX_ATTEMPTS must be >= 0"))
	}
	if cfg.Consumer.RatePerSecond < 0 {
		errs = append(errs, errors.New("CONSUMER_RATE_PER_SECOND must be >= 0"))
	}
	if cfg.Redis.SentTTL < 0 {
		errs = append(errs, errors.New("SENT_CACHE_TTL_SECONDS must be >= 0"))
	}
	if cfg.Queue.VisibilityTimeout > 0 && cfg.Queue.VisibilityTimeout <= cfg.Provider.Timeout {
		errs = append(errs, fmt.Errorf("QUEUE_VISIBILITY_TIMEOUT_SECONDS (%s) must exceed PROVIDER_TIMEOUT_SECONDS (%s)",
			cfg.Queue.VisibilityTimeout, cfg.Provider.Timeout))
	}
	if cfg.Provider.SuccessRate < 0 || cfg.Provider.SuccessRate > 1 {
		errs = append(errs, errors.New("SIMULATED_SUCCESS_RATE must be within [0,1]"))
	}
	if cfg.Provider.Delay < 0 {
		errs = append(errs, errors.New("SIMULATED_DELAY_MS must be >= 0"))
	}
	if cfg.Policy.UTCOffsetHours < -12 || cfg.Policy.UTCOffsetHours > 14 {
		errs = append(errs, errors.New("WINDOW_UTC_OFFSET_HOURS must be within -12..14"))
	}
	for key, h := range map[string]int{
		"WINDOW_START_HOUR": cfg.Policy.WindowStartHour,
		"WINDOW_END_HOUR":   cfg.Policy.WindowEndHour,
	} {
		if h < 0 || h > 23 {
			errs = append(errs, fmt.Errorf("%s must be within 0..23", key))
		}
	}
	if cfg.Policy.WindowStartHour > cfg.Policy.WindowEndHour {
		errs = append(errs, errors.New("WINDOW_START_HOUR must not be after WINDOW_END_HOUR"))
	}
	return errs
}

// loader collects parse errors so LoadAll can report them together.
type loader struct {
	errs []error
}

func (l *loader) require(key string) string {
	v, err := requireEnv(key)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) int(key string, def int) int {
	v, err := getEnvInt(key, def)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) float(key string, def float64) float64 {
	v, err := getEnvFloat(key, def)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) bool(key string, def bool) bool {
	v, err := getEnvBool(key, def)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) seconds(key string, def int) time.Duration {
	return time.Duration(l.int(key, def)) * time.Second
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("invalid float for env %s: %q", key, v)
	}
	return f, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid bool for env %s: %q", key, v)
	}
	return b, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
