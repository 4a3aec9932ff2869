// Package config holds the service settings shared by every command. Values
// come from flags or the environment through kong tags.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/lox/croprisk/internal/logging"
)

type Config struct {
	DBPath    string `name:"db" env:"DB_PATH" default:"data/croprisk.db" help:"Path to the SQLite database."`
	LogLevel  string `env:"LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Log level."`
	LogFormat string `env:"LOG_FORMAT" default:"json" enum:"json,text" help:"Log output format."`

	APIKey       string        `name:"api-key" env:"FARMANOUT_API_KEY" help:"Bearer token for the sensing vendor."`
	BaseURL      string        `name:"base-url" env:"FARMANOUT_BASE_URL" default:"https://us-central1-farmbase-b2f7e.cloudfunctions.net" help:"Sensing vendor base URL."`
	ResponseTime time.Duration `name:"response-time" env:"SERVER_RESPONSE_TIME" default:"60s" help:"Base per-request timeout. The advisory fetch gets three times this."`
	RateLimit    float64       `name:"rate-limit" env:"UPSTREAM_RATE_LIMIT" default:"10" help:"Upstream requests per second, 0 for unlimited."`
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH is required"))
	}
	if c.ResponseTime <= 0 {
		errs = append(errs, fmt.Errorf("SERVER_RESPONSE_TIME must be positive, got %s", c.ResponseTime))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_RATE_LIMIT must not be negative, got %g", c.RateLimit))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RequireAPIKey is checked by commands that talk to the vendor.
func (c *Config) RequireAPIKey() error {
	if c.APIKey == "" {
		return errors.New("FARMANOUT_API_KEY is required")
	}
	return nil
}

// Serve holds the settings used only by the long-running server.
type Serve struct {
	HTTPAddr                string        `name:"addr" env:"HTTP_ADDR" default:":8080" help:"HTTP listen address."`
	RefreshInterval         time.Duration `name:"refresh-interval" env:"REFRESH_INTERVAL" default:"6h" help:"How often every field is refreshed."`
	Workers                 int           `env:"WORKERS" default:"4" help:"Concurrent field refreshes per pass."`
	ShutdownTimeout         time.Duration `name:"shutdown-timeout" env:"SHUTDOWN_TIMEOUT" default:"10s" help:"Grace period for in-flight requests."`
	RawPayloadRetentionDays int           `name:"raw-retention-days" env:"RAW_PAYLOAD_RETENTION_DAYS" default:"90" help:"Raw payload retention, 0 keeps everything."`
	NoPoll                  bool          `name:"no-poll" help:"Serve the API without the refresh scheduler."`
}

func (s *Serve) Validate() error {
	var errs []error
	if s.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR is required"))
	}
	if s.RefreshInterval < time.Minute {
		errs = append(errs, fmt.Errorf("REFRESH_INTERVAL must be at least 1m, got %s", s.RefreshInterval))
	}
	if s.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORKERS must be at least 1, got %d", s.Workers))
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be positive, got %s", s.ShutdownTimeout))
	}
	if s.RawPayloadRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("RAW_PAYLOAD_RETENTION_DAYS must not be negative, got %d", s.RawPayloadRetentionDays))
	}
	return errors.Join(errs...)
}
