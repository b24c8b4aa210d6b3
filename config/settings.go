package config

import (
	"time"
)

// Prefix is prepended to every environment variable. Keys are
// HARE_<SECTION>_<FIELD>, as HARE_BROKER_HOST or HARE_LOG_LEVEL.
const Prefix = "HARE"

type (
	Settings struct {
		Broker  BrokerConfig  `json:"broker"`
		Engine  EngineConfig  `json:"engine"`
		Logging LoggingConfig `envconfig:"LOG" json:"logging"`
		Metrics MetricsConfig `json:"metrics"`
		Health  HealthConfig  `json:"health"`
	}

	BrokerConfig struct {
		Host     string `default:"localhost" json:"host"`
		Port     int    `default:"5672" json:"port"`
		Username string `default:"guest" json:"username"`
		Password string `default:"guest" json:"-"`
		Vhost    string `default:"/" json:"vhost"`
	}

	EngineConfig struct {
		Timeout      time.Duration `default:"1s" json:"timeout"`
		RetryBackoff time.Duration `split_words:"true" default:"1s" json:"retry_backoff"`
		DispatchMode string        `split_words:"true" default:"sync" json:"dispatch_mode"`
		Workers      int           `default:"4" json:"workers"`
	}

	LoggingConfig struct {
		Level  string `default:"info" json:"level"`
		Format string `default:"json" json:"format"`
	}

	MetricsConfig struct {
		Addr      string `json:"addr"`
		Namespace string `default:"hare" json:"namespace"`
	}

	HealthConfig struct {
		Interval time.Duration `default:"30s" json:"interval"`
	}
)
