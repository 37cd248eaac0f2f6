package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Channel  ChannelConfig
	Queue    QueueConfig
	Webhook  WebhookConfig
	Live     LiveConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// ProviderTTL bounds how long provider id lookups stay cached.
	ProviderTTL time.Duration
}

type ChannelConfig struct {
	URL        string
	ContentMax int
	Timeout    time.Duration
}

type QueueConfig struct {
	Workers       int
	PollInterval  time.Duration
	Lease         time.Duration
	SweepInterval time.Duration
}

type WebhookConfig struct {
	Timeout     time.Duration
	MaxFailures int
}

type LiveConfig struct {
	BufferSize    int
	SweepInterval time.Duration
	IdleTimeout   time.Duration
}

// LoadAll reads the configuration from the environment. Every missing or
// malformed variable is reported in the returned error.
func LoadAll() (*Config, error) {
	var r reader

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: r.require("POSTGRES_URL"),
		},
		Redis: RedisConfig{
			Address:     r.require("REDIS_ADDR"),
			Password:    os.Getenv("REDIS_PASSWORD"),
			DB:          r.int("REDIS_DB", 0),
			ProviderTTL: r.seconds("PROVIDER_CACHE_TTL_SECONDS", 86400),
		},
		Channel: ChannelConfig{
			URL:        r.require("CHANNEL_URL"),
			ContentMax: r.int("CONTENT_MAX", 4096),
			Timeout:    r.seconds("CHANNEL_TIMEOUT_SECONDS", 15),
		},
		Queue: QueueConfig{
			Workers:       r.int("QUEUE_WORKERS", 4),
			PollInterval:  time.Duration(r.int("QUEUE_POLL_INTERVAL_MS", 500)) * time.Millisecond,
			Lease:         r.seconds("QUEUE_LEASE_SECONDS", 60),
			SweepInterval: r.seconds("QUEUE_SWEEP_INTERVAL_SECONDS", 15),
		},
		Webhook: WebhookConfig{
			Timeout:     r.seconds("WEBHOOK_TIMEOUT_SECONDS", 10),
			MaxFailures: r.int("WEBHOOK_MAX_FAILURES", 10),
		},
		Live: LiveConfig{
			BufferSize:    r.int("LIVE_BUFFER_SIZE", 32),
			SweepInterval: r.seconds("LIVE_SWEEP_INTERVAL_SECONDS", 30),
			IdleTimeout:   r.seconds("LIVE_IDLE_TIMEOUT_SECONDS", 90),
		},
	}

	if err := joinErrors(r.errs); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	var errs []error
	positive := func(key string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	positive("CONTENT_MAX", int64(cfg.Channel.ContentMax))
	positive("CHANNEL_TIMEOUT_SECONDS", int64(cfg.Channel.Timeout))
	positive("PROVIDER_CACHE_TTL_SECONDS", int64(cfg.Redis.ProviderTTL))
	positive("QUEUE_WORKERS", int64(cfg.Queue.Workers))
	positive("QUEUE_POLL_INTERVAL_MS", int64(cfg.Queue.PollInterval))
	positive("QUEUE_LEASE_SECONDS", int64(cfg.Queue.Lease))
	positive("QUEUE_SWEEP_INTERVAL_SECONDS", int64(cfg.Queue.SweepInterval))
	positive("WEBHOOK_TIMEOUT_SECONDS", int64(cfg.Webhook.Timeout))
	positive("WEBHOOK_MAX_FAILURES", int64(cfg.Webhook.MaxFailures))
	positive("LIVE_BUFFER_SIZE", int64(cfg.Live.BufferSize))
	positive("LIVE_SWEEP_INTERVAL_SECONDS", int64(cfg.Live.SweepInterval))
	positive("LIVE_IDLE_TIMEOUT_SECONDS", int64(cfg.Live.IdleTimeout))

	if cfg.Redis.DB < 0 {
		errs = append(errs, errors.New("REDIS_DB must be >= 0"))
	}

	// A lease shorter than an attempt would let the sweeper hand a running
	// job to a second worker.
	longest := max(cfg.Webhook.Timeout, cfg.Channel.Timeout)
	if cfg.Queue.Lease > 0 && cfg.Queue.Lease <= longest {
		errs = append(errs, fmt.Errorf("QUEUE_LEASE_SECONDS (%s) must exceed the longest delivery timeout (%s)", cfg.Queue.Lease, longest))
	}

	return joinErrors(errs)
}

// reader collects lookup errors so LoadAll can report all of them at once.
type reader struct {
	errs []error
}

func (r *reader) require(key string) string {
	v, err := requireEnv(key)
	if err != nil {
		r.errs = append(r.errs, err)
	}
	return v
}

func (r *reader) int(key string, def int) int {
	v, err := getEnvInt(key, def)
	if err != nil {
		r.errs = append(r.errs, err)
	}
	return v
}

func (r *reader) seconds(key string, def int) time.Duration {
	return time.Duration(r.int(key, def)) * time.Second
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

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
