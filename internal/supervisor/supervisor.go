// Package supervisor owns every Collector in the process: the shared HTTP
// client, the shared rate limiter, the metrics registry, and the cursor
// store, plus the lifecycle (continuous run, one-shot run, shutdown grace).
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/collector"
	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/config"
	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/cursorstore"
	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/journalclient"
	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/logging"
	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/metrics"
	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/otlpexporter"
)

// ShutdownGrace is how long Run waits for in-flight cycles to finish after
// its context is cancelled before returning anyway.
const ShutdownGrace = 35 * time.Second

// Supervisor wires one Collector per configured source around a shared
// HTTP client, exporter, journal client, cursor store, and metrics
// registry.
type Supervisor struct {
	cfg        *config.Config
	collectors []*collector.Collector
	Metrics    *metrics.Registry
	logger     *slog.Logger
}

// New validates cfg, prepares shared infrastructure, and builds one
// Collector per configured source. Validation failure is returned
// unwrapped so the caller can distinguish a config error (exit code 1)
// from a runtime fatal condition (exit code 2).
func New(cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger = logging.Default(logger)

	cursors, err := cursorstore.Open(cfg.CursorDir)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	poolSize := len(cfg.Sources)
	if poolSize < 4 {
		poolSize = 4
	}
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        poolSize,
			MaxIdleConnsPerHost: poolSize,
		},
	}

	journal := journalclient.New(httpClient, logger)
	exporter := otlpexporter.New(httpClient)
	registry := metrics.NewRegistry()

	// Drain mode lets a source re-poll immediately when it returns a full
	// batch; this limiter bounds how fast the whole fleet can do that
	// collectively, sized so each source gets roughly one drain
	// continuation per second on average when all of them are catching up.
	drainLimiter := rate.NewLimiter(rate.Limit(len(cfg.Sources)), len(cfg.Sources))

	collectors := make([]*collector.Collector, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		c := collector.New(collector.Source{
			Name:         src.Name,
			URL:          src.URL,
			Units:        src.Units,
			Labels:       src.Labels,
			OTLPEndpoint: cfg.OTLPEndpoint,
			BatchSize:    cfg.BatchSize,
			PollInterval: cfg.PollInterval,
		}, journal, exporter, cursors, registry, drainLimiter, logger)
		collectors = append(collectors, c)
	}

	return &Supervisor{cfg: cfg, collectors: collectors, Metrics: registry, logger: logger}, nil
}

// Run starts every collector and blocks until ctx is cancelled, then waits
// up to ShutdownGrace for in-flight cycles to finish. One collector's
// internal errors never reach here — Collector.Run swallows and counts
// them — and every collector goroutine returns nil, so Run returns nil.
// A panic in a collector is not recovered and ends the process. Zero
// collectors configured is a config error caught by Validate.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("starting collectors", "count", len(s.collectors))

	var g errgroup.Group
	for _, c := range s.collectors {
		c := c
		g.Go(func() error {
			c.Run(ctx)
			return nil
		})
	}

	<-ctx.Done()
	s.logger.Info("shutdown signal received, waiting for in-flight cycles", "grace", ShutdownGrace)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(ShutdownGrace):
		s.logger.Warn("shutdown grace period elapsed, exiting without waiting further")
		return nil
	}
}

// RunOnce runs exactly one cycle per collector, in parallel, and waits for
// all of them before returning. Used for --once mode.
func (s *Supervisor) RunOnce(ctx context.Context) {
	var g errgroup.Group
	for _, c := range s.collectors {
		c := c
		g.Go(func() error {
			c.RunOnce(ctx)
			return nil
		})
	}
	g.Wait()
}
