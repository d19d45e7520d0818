// Package config loads client and mock API settings from a .env file, the
// environment (COOKBOOK_ prefix) and an optional cookbook.yaml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"cookbook/session"
)

const envPrefix = "COOKBOOK"

type Config struct {
	APIURL             string        `mapstructure:"api_url"`
	Token              string        `mapstructure:"token"`
	UserID             string        `mapstructure:"user_id"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	MutationTimeout    time.Duration `mapstructure:"mutation_timeout"`
	RateLimit          float64       `mapstructure:"rate_limit"`
	RateBurst          int           `mapstructure:"rate_burst"`
	LogLevel           string        `mapstructure:"log_level"`
	LogFormat          string        `mapstructure:"log_format"`
	MetricsAddr        string        `mapstructure:"metrics_addr"`
	MemoSize           int           `mapstructure:"memo_size"`
	RefreshConcurrency int           `mapstructure:"refresh_concurrency"`

	Mock Mock `mapstructure:",squash"`
}

// Mock configures the mock API server.
type Mock struct {
	Addr        string        `mapstructure:"mock_addr"`
	Secret      string        `mapstructure:"mock_secret"`
	Latency     time.Duration `mapstructure:"mock_latency"`
	FailureRate float64       `mapstructure:"mock_failure_rate"`
}

var defaults = map[string]any{
	"api_url":             "http://localhost:4000",
	"token":               "",
	"user_id":             "",
	"request_timeout":     "10s",
	"mutation_timeout":    "10s",
	"rate_limit":          10.0,
	"rate_burst":          5,
	"log_level":           "info",
	"log_format":          "text",
	"metrics_addr":        "",
	"memo_size":           1024,
	"refresh_concurrency": 4,
	"mock_addr":           ":4000",
	"mock_secret":         "dev-secret",
	"mock_latency":        "0s",
	"mock_failure_rate":   0.0,
}

// Load reads the configuration. A missing .env or cookbook.yaml is fine;
// an explicit path that cannot be read is not.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("cookbook")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks ranges and formats.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api_url %q is not an absolute URL", c.APIURL)
	}
	if c.RequestTimeout <= 0 || c.MutationTimeout <= 0 {
		return errors.New("request_timeout and mutation_timeout must be positive")
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return errors.New("rate_limit and rate_burst must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q: want text or json", c.LogFormat)
	}
	if c.Mock.FailureRate < 0 || c.Mock.FailureRate > 1 {
		return fmt.Errorf("mock_failure_rate %v: want a value in [0, 1]", c.Mock.FailureRate)
	}
	return nil
}

// Session returns the session described by token and user_id. A token takes
// precedence; a user_id contradicting it is an error.
func (c *Config) Session() (session.Session, error) {
	if c.Token == "" {
		return session.New(c.UserID, ""), nil
	}
	s, err := session.FromToken(c.Token)
	if err != nil {
		return session.Session{}, err
	}
	if c.UserID != "" && c.UserID != s.UserID {
		return session.Session{}, fmt.Errorf("user_id %q does not match token user %q", c.UserID, s.UserID)
	}
	return s, nil
}
