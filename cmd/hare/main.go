package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	hare "github.com/glimte/hare-go"
	"github.com/glimte/hare-go/config"
	"github.com/glimte/hare-go/internal/logging"
	"github.com/glimte/hare-go/internal/registry"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globals holds the persistent flags. Zero values keep the environment
// settings loaded by config.Load.
type globals struct {
	host        string
	port        int
	user        string
	password    string
	logLevel    string
	metricsAddr string
}

func main() {
	var g globals

	rootCmd := &cobra.Command{
		Use:           "hare",
		Short:         "Publish to and consume from an AMQP broker",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&g.host, "host", "", "Broker host (HARE_BROKER_HOST)")
	rootCmd.PersistentFlags().IntVar(&g.port, "port", 0, "Broker port (HARE_BROKER_PORT)")
	rootCmd.PersistentFlags().StringVarP(&g.user, "user", "u", "", "Broker username (HARE_BROKER_USERNAME)")
	rootCmd.PersistentFlags().StringVarP(&g.password, "password", "p", "", "Broker password (HARE_BROKER_PASSWORD)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: none, fatal, error, warn, info, detail (HARE_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&g.metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address (HARE_METRICS_ADDR)")

	rootCmd.AddCommand(newConsumeCmd(&g), newProduceCmd(&g))

	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// settings loads the environment and applies flag overrides
func (g *globals) settings() (*config.Settings, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if g.host != "" {
		cfg.Broker.Host = g.host
	}
	if g.port != 0 {
		cfg.Broker.Port = g.port
	}
	if g.user != "" {
		cfg.Broker.Username = g.user
	}
	if g.password != "" {
		cfg.Broker.Password = g.password
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.metricsAddr != "" {
		cfg.Metrics.Addr = g.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// clientOptions translates settings into client options
func clientOptions(cfg *config.Settings, logger zerolog.Logger, recorder hare.MetricsRecorder) ([]hare.ClientOption, error) {
	mode, err := registry.ParseDispatchMode(cfg.Engine.DispatchMode)
	if err != nil {
		return nil, err
	}

	options := []hare.ClientOption{
		hare.WithLogger(logger),
		hare.WithTimeout(cfg.Engine.Timeout),
		hare.WithRetryBackoff(cfg.Engine.RetryBackoff),
		hare.WithDispatchMode(mode),
		hare.WithWorkers(cfg.Engine.Workers, 0),
		hare.WithVhost(cfg.Broker.Vhost),
	}
	if recorder != nil {
		options = append(options, hare.WithMetrics(recorder))
	}
	return options, nil
}

func newLogger(cfg *config.Settings) (zerolog.Logger, error) {
	return logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}, os.Stderr)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
