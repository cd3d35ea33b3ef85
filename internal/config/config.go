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
	Server    ServerConfig
	Store     StoreConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Backoff   BackoffConfig
	Provider  ProviderConfig
	Realtime  RealtimeConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string
}

type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver      string
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type SchedulerConfig struct {
	Enabled              bool
	Interval             time.Duration
	BatchSize            int
	Workers              int
	MaxAttempts          int
	ClaimTimeout         time.Duration
	SessionSweepInterval time.Duration
}

type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

type ProviderConfig struct {
	URL                string
	Token              string
	Timeout            time.Duration
	StatusMap          string
	WebhookVerifyToken string

	// AppSecret, when set, is the key for X-Hub-Signature-256 checks on
	// webhook deliveries.
	AppSecret string
}

type RealtimeConfig struct {
	JWTSecret         string
	NATSURL           string
	NATSMaxReconnects int
	PingInterval      time.Duration
	PongTimeout       time.Duration
	SendBuffer        int
}

type LogConfig struct {
	Level string
	File  string
}

// LoadAll reads the environment and reports every problem at once.
func LoadAll() (*Config, error) {
	l := &loader{}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
		},
		Scheduler: SchedulerConfig{
			Enabled:              l.boolean("RUN_SCHEDULER", true),
			Interval:             time.Duration(l.integer("SCHED_INTERVAL_SECONDS", 10)) * time.Second,
			BatchSize:            l.integer("SCHED_BATCH_SIZE", 50),
			Workers:              l.integer("DISPATCH_WORKERS", 8),
			MaxAttempts:          l.integer("DISPATCH_MAX_ATTEMPTS", 3),
			ClaimTimeout:         l.duration("CLAIM_TIMEOUT", 2*time.Minute),
			SessionSweepInterval: l.duration("SESSION_SWEEP_INTERVAL", time.Minute),
		},
		Backoff: BackoffConfig{
			Base:   l.duration("BACKOFF_BASE", 2*time.Second),
			Max:    l.duration("BACKOFF_MAX", 5*time.Minute),
			Jitter: l.float("BACKOFF_JITTER", 0.2),
		},
		Provider: ProviderConfig{
			URL:                l.required("PROVIDER_URL"),
			Token:              os.Getenv("PROVIDER_TOKEN"),
			Timeout:            l.duration("PROVIDER_TIMEOUT", 15*time.Second),
			StatusMap:          os.Getenv("PROVIDER_STATUS_MAP"),
			WebhookVerifyToken: os.Getenv("WEBHOOK_VERIFY_TOKEN"),
			AppSecret:          os.Getenv("PROVIDER_APP_SECRET"),
		},
		Realtime: RealtimeConfig{
			JWTSecret:         l.required("REALTIME_JWT_SECRET"),
			NATSURL:           os.Getenv("NATS_URL"),
			NATSMaxReconnects: l.integer("NATS_MAX_RECONNECTS", 60),
			PingInterval:      l.duration("WS_PING_INTERVAL", 30*time.Second),
			PongTimeout:       l.duration("WS_PONG_TIMEOUT", 75*time.Second),
			SendBuffer:        l.integer("WS_SEND_BUFFER", 64),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			File:  os.Getenv("LOG_FILE"),
		},
	}

	if cfg.Store.Driver == "postgres" {
		cfg.Store.PostgresURL = l.required("POSTGRES_URL")
	}
	cfg.Redis = loadRedisConfig(l)

	l.errs = append(l.errs, validate(cfg)...)
	if err := joinErrors(l.errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig(l *loader) RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       l.integer("REDIS_DB", 0),
		TTL:      time.Duration(l.integer("REDIS_TTL_SECONDS", 86400)) * time.Second,
	}
}

func validate(cfg *Config) []error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(cfg.Store.Driver == "postgres" || cfg.Store.Driver == "memory",
		"STORE_DRIVER must be postgres or memory, got %q", cfg.Store.Driver)
	check(cfg.Scheduler.BatchSize > 0, "SCHED_BATCH_SIZE must be > 0")
	check(cfg.Scheduler.Interval > 0, "SCHED_INTERVAL_SECONDS must be > 0")
	check(cfg.Scheduler.Workers > 0, "DISPATCH_WORKERS must be > 0")
	check(cfg.Scheduler.MaxAttempts >= 1 && cfg.Scheduler.MaxAttempts <= 10, "DISPATCH_MAX_ATTEMPTS must be between 1 and 10")
	check(cfg.Scheduler.ClaimTimeout > 0, "CLAIM_TIMEOUT must be > 0")
	check(cfg.Scheduler.SessionSweepInterval > 0, "SESSION_SWEEP_INTERVAL must be > 0")
	check(cfg.Backoff.Base > 0, "BACKOFF_BASE must be > 0")
	check(cfg.Backoff.Max >= cfg.Backoff.Base, "BACKOFF_MAX must be >= BACKOFF_BASE")
	check(cfg.Backoff.Jitter >= 0 && cfg.Backoff.Jitter < 1, "BACKOFF_JITTER must be in [0,1)")
	check(cfg.Provider.Timeout > 0, "PROVIDER_TIMEOUT must be > 0")
	check(cfg.Realtime.SendBuffer > 0, "WS_SEND_BUFFER must be > 0")
	check(cfg.Realtime.PongTimeout > cfg.Realtime.PingInterval, "WS_PONG_TIMEOUT must exceed WS_PING_INTERVAL")
	return errs
}

// loader collects parse errors so LoadAll can report them together.
type loader struct {
	errs []error
}

func (l *loader) add(err error) {
	if err != nil {
		l.errs = append(l.errs, err)
	}
}

func (l *loader) required(key string) string {
	v, err := requireEnv(key)
	l.add(err)
	return v
}

func (l *loader) integer(key string, def int) int {
	v, err := getEnvInt(key, def)
	l.add(err)
	return v
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v, err := getEnvDuration(key, def)
	l.add(err)
	return v
}

func (l *loader) float(key string, def float64) float64 {
	v, err := getEnvFloat(key, def)
	l.add(err)
	return v
}

func (l *loader) boolean(key string, def bool) bool {
	v, err := getEnvBool(key, def)
	l.add(err)
	return v
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
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

// getEnvDuration accepts Go duration strings such as "90s" or "2m".
func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid duration for env %s: %s", key, v)
	}
	return d, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("invalid float for env %s: %s", key, v)
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
		return def, fmt.Errorf("invalid bool for env %s: %s", key, v)
	}
	return b, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
