package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// CURASYNC_SYNC_INTERVAL overrides sync.interval.
const EnvPrefix = "CURASYNC"

// DefaultFile is the config file name searched for in the working directory
// and /etc/curasync when --config is not given.
const DefaultFile = "curasync.yaml"

// Config is the full runtime configuration. Every field has a default, so an
// empty file (or no file at all) yields a working local setup. Precedence:
// flags > environment > config file > defaults.
type Config struct {
	DatabasePath string `mapstructure:"database_path"`

	Log struct {
		Level      string `mapstructure:"level"`
		Format     string `mapstructure:"format"`
		File       string `mapstructure:"file"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
	} `mapstructure:"log"`

	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		FeedCacheTTL time.Duration `mapstructure:"feed_cache_ttl"`
	} `mapstructure:"http"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Tracing struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"tracing"`

	Sync struct {
		Interval     time.Duration `mapstructure:"interval"`
		Jitter       time.Duration `mapstructure:"jitter"`
		Debounce     time.Duration `mapstructure:"debounce"`
		PassDeadline time.Duration `mapstructure:"pass_deadline"`
		CallTimeout  time.Duration `mapstructure:"call_timeout"`
		PageLimit    int           `mapstructure:"page_limit"`
		MaxPages     int           `mapstructure:"max_pages"`
		MaxAttempts  int           `mapstructure:"max_attempts"`
		MaxFailures  int           `mapstructure:"max_failures"`
		Strategy     string        `mapstructure:"strategy"`
	} `mapstructure:"sync"`

	Encryption struct {
		// Key is the active AES-256 key, base64 encoded (32 bytes decoded).
		// Generate with: openssl rand -base64 32
		Key        string `mapstructure:"key"`
		KeyVersion int    `mapstructure:"key_version"`
	} `mapstructure:"encryption"`

	Google struct {
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
	} `mapstructure:"google"`
}

// Load reads configuration from the given file (optional), the environment,
// and built-in defaults. A missing file is only an error when the path was
// given explicitly.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, ".yaml"))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/curasync")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_path", "curasync.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.feed_cache_ttl", 5*time.Minute)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("tracing.enabled", false)

	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.jitter", 2*time.Minute)
	v.SetDefault("sync.debounce", 5*time.Second)
	v.SetDefault("sync.pass_deadline", 60*time.Second)
	v.SetDefault("sync.call_timeout", 10*time.Second)
	v.SetDefault("sync.page_limit", 100)
	v.SetDefault("sync.max_pages", 10)
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.max_failures", 3)
	v.SetDefault("sync.strategy", "")

	v.SetDefault("encryption.key", "")
	v.SetDefault("encryption.key_version", 1)

	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
}

func (c *Config) validate() error {
	if c.Encryption.Key != "" {
		if _, err := c.EncryptionKey(); err != nil {
			return err
		}
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	if c.Sync.Jitter < 0 || c.Sync.Jitter >= c.Sync.Interval {
		return fmt.Errorf("sync.jitter must be in [0, sync.interval), got %s", c.Sync.Jitter)
	}
	return nil
}

// EncryptionKey decodes the configured credential encryption key.
func (c *Config) EncryptionKey() ([]byte, error) {
	if c.Encryption.Key == "" {
		return nil, errors.New("encryption.key is not set (generate with: openssl rand -base64 32)")
	}
	decoded, err := base64.StdEncoding.DecodeString(c.Encryption.Key)
	if err != nil {
		return nil, fmt.Errorf("encryption.key must be base64 encoded: %w", err)
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("encryption.key must be exactly 32 bytes, got %d", len(decoded))
	}
	return decoded, nil
}
