// Copyright 2024 Hare Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hare

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/glimte/hare-go/internal/broker"
	"github.com/glimte/hare-go/internal/metrics"
	"github.com/glimte/hare-go/internal/registry"
	"github.com/glimte/hare-go/internal/transport"
)

const (
	// DefaultTimeout bounds each blocking broker call
	DefaultTimeout = broker.DefaultTimeout
	// DefaultRetryBackoff is the pause between failed connects
	DefaultRetryBackoff = time.Second

	breakerFailures = 5
)

// DispatchMode selects how subscription callbacks run
type DispatchMode = registry.DispatchMode

const (
	DispatchSync   = registry.DispatchSync
	DispatchFanOut = registry.DispatchFanOut
)

// Callback receives one inbound message
type Callback = registry.Callback

// ConnectionState is the state of an engine's broker connection
type ConnectionState = broker.State

const (
	StateDisconnected = broker.StateDisconnected
	StateConnecting   = broker.StateConnecting
	StateConnected    = broker.StateConnected
)

// MetricsRecorder receives engine activity
type MetricsRecorder = metrics.Recorder

// NewPrometheusMetrics registers hare collectors under namespace with reg
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) (MetricsRecorder, error) {
	p, err := metrics.NewPrometheus(reg, namespace)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Client bundles a consumer and a producer logged in to the same broker
type Client struct {
	consumer *Consumer
	producer *Producer
}

// NewClient creates and initializes both engines. Neither is started.
func NewClient(host string, port int, username, password string, options ...ClientOption) (*Client, error) {
	consumer := NewConsumer(options...)
	if err := consumer.Initialize(host, port, username, password); err != nil {
		return nil, err
	}

	producer := NewProducer(options...)
	if err := producer.Initialize(host, port, username, password); err != nil {
		return nil, err
	}

	return &Client{
		consumer: consumer,
		producer: producer,
	}, nil
}

// Consumer returns the consumer engine
func (c *Client) Consumer() *Consumer {
	return c.consumer
}

// Producer returns the producer engine
func (c *Client) Producer() *Producer {
	return c.producer
}

// Close closes both engines
func (c *Client) Close() error {
	return errors.Join(c.producer.Close(), c.consumer.Close())
}

// clientConfig holds engine configuration
type clientConfig struct {
	timeout         time.Duration
	retryBackoff    time.Duration
	logger          zerolog.Logger
	metrics         metrics.Recorder
	factory         transport.Factory
	vhost           string
	dispatchMode    DispatchMode
	workers         int
	workerBacklog   int
	breakerFailures uint32
	breakerOpen     time.Duration
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		timeout:         DefaultTimeout,
		retryBackoff:    DefaultRetryBackoff,
		logger:          zerolog.Nop(),
		metrics:         metrics.NoOp{},
		vhost:           "/",
		dispatchMode:    DispatchSync,
		workers:         registry.DefaultWorkers,
		breakerFailures: breakerFailures,
	}

	for _, opt := range options {
		opt(cfg)
	}

	if cfg.breakerOpen <= 0 {
		cfg.breakerOpen = breakerFailures * cfg.retryBackoff
	}
	return cfg
}

func (cfg *clientConfig) connectionOptions(role string) []broker.Option {
	opts := []broker.Option{
		broker.WithLogger(cfg.logger),
		broker.WithTimeout(cfg.timeout),
		broker.WithBreaker(cfg.breakerFailures, cfg.breakerOpen),
		broker.WithStateListener(&connectionMetrics{role: role, recorder: cfg.metrics}),
	}
	if cfg.factory != nil {
		opts = append(opts, broker.WithTransportFactory(cfg.factory))
	}
	return opts
}

// connectionMetrics counts connects per engine role
type connectionMetrics struct {
	role     string
	recorder metrics.Recorder
}

func (m *connectionMetrics) OnConnected() {
	m.recorder.RecordReconnect(m.role)
}

func (m *connectionMetrics) OnDisconnected(error) {}

// ClientOption configures an engine
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithTimeout sets how long a broker call may block
func WithTimeout(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}

// WithRetryBackoff sets the pause after a failed connect or retry
func WithRetryBackoff(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if d > 0 {
			cfg.retryBackoff = d
		}
	}
}

// WithDispatchMode selects synchronous or fan-out callback dispatch
func WithDispatchMode(mode DispatchMode) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dispatchMode = mode
	}
}

// WithWorkers sizes the fan-out pool and the backlog of each worker
func WithWorkers(workers, backlog int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.workers = workers
		cfg.workerBacklog = backlog
	}
}

// WithMetrics records engine activity
func WithMetrics(recorder MetricsRecorder) ClientOption {
	return func(cfg *clientConfig) {
		if recorder != nil {
			cfg.metrics = recorder
		}
	}
}

// WithVhost sets the virtual host to log in to
func WithVhost(vhost string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.vhost = vhost
	}
}

// WithConnectBreaker sets how many consecutive failed connects pause
// dialing, and for how long
func WithConnectBreaker(failures uint32, open time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breakerFailures = failures
		cfg.breakerOpen = open
	}
}
