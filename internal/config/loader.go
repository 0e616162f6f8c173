package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envConfigDefaultPath = "CAMPUSCHAT_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "config.yaml"
)

// Load builds configuration from defaults, optional config file, env vars, and returns the resolved path.
// Precedence: defaults < config file < env vars < caller overrides.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	v.SetEnvPrefix("CAMPUSCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := resolveConfigPath(explicitPath)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(configPath, cfg); writeErr != nil && logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("failed to write default config")
			} else if logger != nil {
				logger.Info().Str("path", configPath).Msg("created default config")
			}
			// try reading again in case it was just written
			if readErr := v.ReadInConfig(); readErr != nil && logger != nil {
				logger.Warn().Err(readErr).Str("path", configPath).Msg("failed to read config after writing default")
			}
		} else {
			return cfg, configPath, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, configPath, nil
}

// setDefaults registers every key so env overrides resolve for nested sections too.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("read_header_timeout", cfg.ReadHeaderTimeout)
	v.SetDefault("shutdown_timeout", cfg.ShutdownTimeout)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("database_path", cfg.DatabasePath)

	v.SetDefault("jwt.secret", cfg.JWT.Secret)
	v.SetDefault("jwt.algorithm", cfg.JWT.Algorithm)
	v.SetDefault("jwt.ttl", cfg.JWT.TTL)

	v.SetDefault("broker.driver", cfg.Broker.Driver)
	v.SetDefault("broker.redis_url", cfg.Broker.RedisURL)
	v.SetDefault("broker.nats_url", cfg.Broker.NATSURL)
	v.SetDefault("broker.max_retries", cfg.Broker.MaxRetries)
	v.SetDefault("broker.retry_min", cfg.Broker.RetryMin)
	v.SetDefault("broker.retry_max", cfg.Broker.RetryMax)

	v.SetDefault("chat.persist_workers", cfg.Chat.PersistWorkers)
	v.SetDefault("chat.persist_queue", cfg.Chat.PersistQueue)
	v.SetDefault("chat.persist_enqueue_timeout", cfg.Chat.PersistEnqueueTimeout)
	v.SetDefault("chat.persist_timeout", cfg.Chat.PersistTimeout)
	v.SetDefault("chat.max_message_bytes", cfg.Chat.MaxMessageBytes)
	v.SetDefault("chat.send_buffer", cfg.Chat.SendBuffer)
	v.SetDefault("chat.write_timeout", cfg.Chat.WriteTimeout)
	v.SetDefault("chat.idle_grace", cfg.Chat.IdleGrace)
	v.SetDefault("chat.rate_limit_per_minute", cfg.Chat.RateLimitPerMinute)

	v.SetDefault("notify.provider", cfg.Notify.Provider)
	v.SetDefault("notify.redis_key", cfg.Notify.RedisKey)
	v.SetDefault("notify.timeout", cfg.Notify.Timeout)
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

func writeDefaultConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
