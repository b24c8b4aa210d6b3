// Package config loads hare settings from the environment.
package config

import (
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/kelseyhightower/envconfig"
)

// Load reads the settings from HARE_* environment variables and validates
// them
func Load() (*Settings, error) {
	cfg := &Settings{}

	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, fmt.Errorf("unable to parse hare configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hare configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks every section
func (s *Settings) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Broker),
		validation.Field(&s.Engine),
		validation.Field(&s.Logging),
	)
}

func (c BrokerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Host, validation.Required),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.Username, validation.Required),
	)
}

func (c EngineConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Timeout, validation.Required, validation.Min(1)),
		validation.Field(&c.RetryBackoff, validation.Required, validation.Min(1)),
		validation.Field(&c.DispatchMode, validation.In("sync", "fanout")),
		validation.Field(&c.Workers, validation.Required, validation.Min(1)),
	)
}

func (c LoggingConfig) Validate() error {
	level := strings.ToLower(c.Level)
	format := strings.ToLower(c.Format)
	return validation.Errors{
		"level":  validation.Validate(level, validation.In("fatal", "error", "warn", "info", "detail", "debug", "trace", "none")),
		"format": validation.Validate(format, validation.In("json", "console")),
	}.Filter()
}
