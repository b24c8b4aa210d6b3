package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	hare "github.com/glimte/hare-go"
	"github.com/glimte/hare-go/config"
	"github.com/glimte/hare-go/health"
)

// server exposes /metrics and /healthz when a metrics address is set.
// Without one it only logs periodic health reports.
type server struct {
	logger   zerolog.Logger
	interval time.Duration
	http     *http.Server
	checks   *health.Registry
	recorder hare.MetricsRecorder

	reporting bool
}

func startServer(ctx context.Context, cfg *config.Settings, logger zerolog.Logger) (*server, error) {
	s := &server{
		logger:   logger,
		interval: cfg.Health.Interval,
		checks:   health.NewRegistry(),
	}
	if cfg.Metrics.Addr == "" {
		return s, nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := hare.NewPrometheusMetrics(reg, cfg.Metrics.Namespace)
	if err != nil {
		return nil, err
	}
	s.recorder = recorder

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.NewHandler(s.checks, 5*time.Second))

	s.http = &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.Info().Str("addr", cfg.Metrics.Addr).Msg("serving metrics and health")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return s, nil
}

// watch registers checks and starts the periodic report
func (s *server) watch(ctx context.Context, checkers ...health.Checker) {
	for _, c := range checkers {
		s.checks.Register(c)
	}
	s.report(ctx)
}

// report logs the aggregate health every interval until ctx ends.
// Calling it again is a no-op.
func (s *server) report(ctx context.Context) {
	if s.interval <= 0 || s.reporting {
		return
	}
	s.reporting = true

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				overall := s.checks.Check(ctx)
				event := s.logger.Info()
				if overall.Status != health.StatusHealthy {
					event = s.logger.Warn()
				}
				for _, name := range overall.Names() {
					event = event.Str(name, string(overall.Checks[name].Status))
				}
				event.Str("status", string(overall.Status)).Msg("health")
			}
		}
	}()
}

func (s *server) shutdown() {
	if s.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("metrics server shutdown")
	}
}
