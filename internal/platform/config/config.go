// Package config loads service configuration with viper.
//
// Sources, lowest precedence first: built-in defaults, an optional
// ledger.yaml (./configs, ., or the directory in GCL_CONFIG_DIR), then
// environment variables prefixed GCL_ (GCL_SERVER_PORT, GCL_STORE_DRIVER...).
// Command-line flags in cmd/server override the result.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

type Config struct {
	ServerPort    int           `mapstructure:"SERVER_PORT"`
	LogLevel      string        `mapstructure:"LOG_LEVEL"`
	StoreDriver   string        `mapstructure:"STORE_DRIVER"`
	SQLitePath    string        `mapstructure:"SQLITE_PATH"`
	BoltPath      string        `mapstructure:"BOLT_PATH"`
	CORSOrigins   []string      `mapstructure:"CORS_ORIGINS"`
	AuditInterval time.Duration `mapstructure:"AUDIT_INTERVAL"`
}

// Load reads configuration. A missing config file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("ledger")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.SetEnvPrefix("GCL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if dir := v.GetString("CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}

	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "giftcert.db")
	v.SetDefault("BOLT_PATH", "giftcert.bolt")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173,http://localhost:8080")
	v.SetDefault("AUDIT_INTERVAL", "1h")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unusable settings.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite, DriverBolt, DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port %d", c.ServerPort)
	}
	if c.AuditInterval < 0 {
		return fmt.Errorf("invalid audit interval %s", c.AuditInterval)
	}
	return nil
}

// splitList accepts both YAML lists and a single comma-separated string
// coming from the environment.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
