package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string        `mapstructure:"log_format" yaml:"log_format"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`

	JWT    JWTConfig    `mapstructure:"jwt" yaml:"jwt"`
	Broker BrokerConfig `mapstructure:"broker" yaml:"broker"`
	Chat   ChatConfig   `mapstructure:"chat" yaml:"chat"`
	Notify NotifyConfig `mapstructure:"notify" yaml:"notify"`
}

// JWTConfig configures credential validation for chat connections.
type JWTConfig struct {
	Secret    string        `mapstructure:"secret" yaml:"secret"`
	Algorithm string        `mapstructure:"algorithm" yaml:"algorithm"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// BrokerConfig selects and tunes the cross-instance pub/sub transport.
type BrokerConfig struct {
	// Driver is one of "redis", "nats" or "memory".
	Driver     string        `mapstructure:"driver" yaml:"driver"`
	RedisURL   string        `mapstructure:"redis_url" yaml:"redis_url"`
	NATSURL    string        `mapstructure:"nats_url" yaml:"nats_url"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryMin   time.Duration `mapstructure:"retry_min" yaml:"retry_min"`
	RetryMax   time.Duration `mapstructure:"retry_max" yaml:"retry_max"`
}

// ChatConfig tunes the connection loop and the persistence pool.
type ChatConfig struct {
	PersistWorkers        int           `mapstructure:"persist_workers" yaml:"persist_workers"`
	PersistQueue          int           `mapstructure:"persist_queue" yaml:"persist_queue"`
	PersistEnqueueTimeout time.Duration `mapstructure:"persist_enqueue_timeout" yaml:"persist_enqueue_timeout"`
	PersistTimeout        time.Duration `mapstructure:"persist_timeout" yaml:"persist_timeout"`
	MaxMessageBytes       int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	SendBuffer            int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// IdleGrace is how long a room listener outlives the room's last local connection.
	IdleGrace          time.Duration `mapstructure:"idle_grace" yaml:"idle_grace"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
}

// NotifyConfig selects the notification sink.
type NotifyConfig struct {
	// Provider is one of "log", "redis" or "none".
	Provider string        `mapstructure:"provider" yaml:"provider"`
	RedisKey string        `mapstructure:"redis_key" yaml:"redis_key"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		LogFormat:         "console",
		DatabasePath:      "campuschat.db",
		JWT: JWTConfig{
			Secret:    "change-me",
			Algorithm: "HS256",
			TTL:       30 * time.Minute,
		},
		Broker: BrokerConfig{
			Driver:     "redis",
			RedisURL:   "redis://localhost:6379/0",
			NATSURL:    "nats://127.0.0.1:4222",
			MaxRetries: 5,
			RetryMin:   200 * time.Millisecond,
			RetryMax:   5 * time.Second,
		},
		Chat: ChatConfig{
			PersistWorkers:        10,
			PersistQueue:          100,
			PersistEnqueueTimeout: 2 * time.Second,
			PersistTimeout:        5 * time.Second,
			MaxMessageBytes:       64 << 10,
			SendBuffer:            32,
			WriteTimeout:          5 * time.Second,
			IdleGrace:             30 * time.Second,
			RateLimitPerMinute:    120,
		},
		Notify: NotifyConfig{
			Provider: "log",
			RedisKey: "notifications",
			Timeout:  5 * time.Second,
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.JWT.Secret != "" {
		c.JWT.Secret = other.JWT.Secret
	}
	if other.Broker.Driver != "" {
		c.Broker.Driver = other.Broker.Driver
	}
	if other.Broker.RedisURL != "" {
		c.Broker.RedisURL = other.Broker.RedisURL
	}
	if other.Broker.NATSURL != "" {
		c.Broker.NATSURL = other.Broker.NATSURL
	}
	if other.Notify.Provider != "" {
		c.Notify.Provider = other.Notify.Provider
	}
}

// Validate reports configuration values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret must not be empty"))
	}
	switch c.Broker.Driver {
	case "redis", "nats", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown broker.driver %q", c.Broker.Driver))
	}
	switch c.Notify.Provider {
	case "log", "redis", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown notify.provider %q", c.Notify.Provider))
	}
	if c.Notify.Provider == "redis" && c.Broker.RedisURL == "" {
		errs = append(errs, errors.New("notify.provider redis requires broker.redis_url"))
	}
	if c.Chat.PersistWorkers <= 0 {
		errs = append(errs, errors.New("chat.persist_workers must be positive"))
	}
	if c.Chat.PersistQueue < 0 {
		errs = append(errs, errors.New("chat.persist_queue must not be negative"))
	}
	if c.Chat.SendBuffer <= 0 {
		errs = append(errs, errors.New("chat.send_buffer must be positive"))
	}
	if c.Chat.IdleGrace < 0 {
		errs = append(errs, errors.New("chat.idle_grace must not be negative"))
	}
	return errors.Join(errs...)
}
