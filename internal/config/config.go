// Package config loads the server configuration from a YAML file with
// environment variable overrides for deploy-time values and secrets.
package config

import (
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/papertrade-lab/papertrade/pkg/errors"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Feed     FeedConfig     `yaml:"feed"`
	Auth     AuthConfig     `yaml:"auth"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr" validate:"required"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	DSN            string `yaml:"dsn" validate:"required"`
	MigrationsPath string `yaml:"migrations_path"`
}

type RedisConfig struct {
	URL string `yaml:"url" validate:"required"`
}

type FeedConfig struct {
	URL     string   `yaml:"url" validate:"required"`
	Key     string   `yaml:"key"`
	Secret  string   `yaml:"secret"`
	Symbols []string `yaml:"symbols"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" validate:"required"`
}

// Load reads path, applies environment overrides and validates the result.
// An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to read config file", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to parse config file", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:5174"},
		},
		Database: DatabaseConfig{
			MigrationsPath: "migrations",
		},
		Feed: FeedConfig{
			URL: "wss://stream.data.alpaca.markets/v2/iex",
		},
	}
}

// applyEnv overrides file values with environment variables where set.
func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString(&c.Server.Addr, "SERVER_ADDR")
	setString(&c.Database.DSN, "DATABASE_URL")
	setString(&c.Database.MigrationsPath, "MIGRATIONS_PATH")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Feed.URL, "FEED_URL")
	setString(&c.Feed.Key, "FEED_KEY")
	setString(&c.Feed.Secret, "FEED_SECRET")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")

	if v := os.Getenv("FEED_SYMBOLS"); v != "" {
		c.Feed.Symbols = splitAndTrim(v)
	}

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitAndTrim(v)
	}
}

// Validate validates the Config struct.
func (c *Config) Validate() error {
	validate := validator.New()

	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid configuration", err)
	}

	return nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}

	return out
}
