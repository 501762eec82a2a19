// Package collector drives one source's poll -> map -> export -> commit
// cycle. Each Collector runs the cycle contract on a timer of its own,
// backing off on failure and draining immediately when a poll returns a
// full batch. Errors never leave the Collector; they are logged, counted,
// and fed into the backoff state machine.
package collector

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/cursorstore"
	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/journalclient"
	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/logging"
	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/logmapper"
	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/metrics"
	"github.com/shedrachokonofua/otel-journal-gatewayd-forwarder/internal/otlpexporter"
)

const (
	maxBackoff    = 5 * time.Minute
	backoffJitter = 0.2
)

// pollErrorKind/exportErrorKind label values, matching ojgf_poll_errors_total
// and ojgf_export_errors_total.
const (
	pollErrorCursorInvalid = "cursor_invalid"
	pollErrorUnavailable   = "unavailable"
	pollErrorProtocol      = "protocol"
	exportErrorRetriable   = "retriable"
	exportErrorPermanent   = "permanent"
)

// Source describes the one journal gateway a Collector polls, and the
// OTLP endpoint it forwards to.
type Source struct {
	Name         string
	URL          string
	Units        []string
	Labels       map[string]string
	OTLPEndpoint string
	BatchSize    int
	PollInterval time.Duration
}

// Collector owns the poll/map/export/commit state machine for one Source.
// It is not safe for concurrent use by more than one goroutine; the
// Supervisor runs exactly one per source.
type Collector struct {
	src Source

	journal      *journalclient.Client
	exporter     *otlpexporter.Exporter
	cursors      *cursorstore.Store
	metrics      *metrics.Registry
	drainLimiter *rate.Limiter
	logger       *slog.Logger

	cursor       string
	haveCursor   bool
	failureCount int
}

// New returns a Collector for src, sharing journal, exporter, cursors,
// metrics, and the drain-mode rate limiter with every other Collector in
// the process. drainLimiter may be nil, in which case drain mode is
// unthrottled.
func New(src Source, journal *journalclient.Client, exporter *otlpexporter.Exporter, cursors *cursorstore.Store, registry *metrics.Registry, drainLimiter *rate.Limiter, logger *slog.Logger) *Collector {
	return &Collector{
		src:          src,
		journal:      journal,
		exporter:     exporter,
		cursors:      cursors,
		metrics:      registry,
		drainLimiter: drainLimiter,
		logger:       logging.Default(logger).With("source", src.Name),
	}
}

// Run loops cycles until ctx is cancelled, sleeping between cycles per the
// schedule each cycle returns (poll_interval, backoff, or immediate drain).
func (c *Collector) Run(ctx context.Context) {
	for {
		sched := c.cycle(ctx)
		if ctx.Err() != nil {
			return
		}

		if sched.drain && c.drainLimiter != nil {
			// Draining a full batch: throttle how fast we re-hit the
			// gateway instead of busy-looping at cycle speed. A cursor
			// reset also schedules an immediate retry but is not subject
			// to this limiter — it isn't fleet-wide catch-up traffic.
			if err := c.drainLimiter.Wait(ctx); err != nil {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sched.delay):
		}
	}
}

// RunOnce executes exactly one cycle, ignoring poll_interval and any drain
// scheduling, and swallows every per-source error: once-mode always
// succeeds from the Supervisor's point of view.
func (c *Collector) RunOnce(ctx context.Context) {
	c.cycle(ctx)
}

// schedule is the delay before the next cycle should start, plus whether
// that delay is zero because of drain-mode continuation specifically (as
// opposed to, say, a cursor reset, which also retries immediately but is
// not fleet-wide catch-up traffic and so isn't subject to the drain
// limiter).
type schedule struct {
	delay time.Duration
	drain bool
}

// cycle runs one tick of the contract and returns the delay before the next
// one should start.
func (c *Collector) cycle(ctx context.Context) schedule {
	start := time.Now()

	if !c.haveCursor {
		cursor, ok, err := c.cursors.Load(c.src.Name)
		if err != nil {
			c.logger.Error("cursor load failed", "error", err)
		} else if ok {
			c.cursor = cursor
		}
		c.haveCursor = true
	}

	mode := journalclient.FromCurrentBoot()
	if c.cursor != "" {
		mode = journalclient.FromCursor(c.cursor)
	}

	records, dropped, err := c.journal.Fetch(ctx, c.src.URL, c.src.Units, mode, c.src.BatchSize)
	for reason, n := range dropped {
		c.metrics.AddDropped(c.src.Name, reason, int64(n))
	}
	if err != nil {
		return c.handlePollError(err)
	}

	c.metrics.SetLastPollTimestamp(c.src.Name, time.Now())
	c.metrics.SetPollDuration(c.src.Name, time.Since(start))

	if len(records) == 0 {
		c.onCycleSuccess()
		return schedule{delay: c.src.PollInterval}
	}

	resourceLogs, mapDropped := logmapper.Map(c.src.Name, c.src.Labels, records, time.Now())
	for reason, n := range mapDropped {
		c.metrics.AddDropped(c.src.Name, reason, int64(n))
	}

	if err := c.exporter.Export(ctx, c.src.OTLPEndpoint, resourceLogs); err != nil {
		return c.handleExportError(err)
	}

	lastCursor := records[len(records)-1][journalclient.FieldCursor]
	c.cursor = lastCursor
	if err := c.cursors.Store(c.src.Name, lastCursor); err != nil {
		c.metrics.AddCursorWriteError(c.src.Name)
		c.logger.Error("cursor write failed after successful export; cursor held in memory only", "error", err)
	}

	c.metrics.AddEntriesForwarded(c.src.Name, int64(len(records)))
	c.onCycleSuccess()

	if len(records) == c.src.BatchSize {
		return schedule{delay: 0, drain: true}
	}
	return schedule{delay: c.src.PollInterval}
}

func (c *Collector) handlePollError(err error) schedule {
	switch {
	case errors.Is(err, journalclient.ErrCursorInvalid):
		c.metrics.AddPollError(c.src.Name, pollErrorCursorInvalid)
		c.logger.Warn("cursor rejected by gateway, resetting")
		c.cursor = ""
		if rerr := c.cursors.Reset(c.src.Name); rerr != nil {
			c.logger.Error("cursor reset failed", "error", rerr)
		}
		c.failureCount = 0
		return schedule{delay: 0}
	case errors.Is(err, journalclient.ErrSourceUnavailable):
		c.metrics.AddPollError(c.src.Name, pollErrorUnavailable)
		c.logger.Warn("journal gateway unavailable", "error", err)
		return schedule{delay: c.backoff()}
	case errors.Is(err, journalclient.ErrSourceProtocol):
		c.metrics.AddPollError(c.src.Name, pollErrorProtocol)
		c.logger.Warn("journal gateway protocol error", "error", err)
		return schedule{delay: c.backoff()}
	default:
		c.metrics.AddPollError(c.src.Name, pollErrorUnavailable)
		c.logger.Error("unexpected poll error", "error", err)
		return schedule{delay: c.backoff()}
	}
}

func (c *Collector) handleExportError(err error) schedule {
	switch {
	case errors.Is(err, otlpexporter.ErrRetriable):
		c.metrics.AddExportError(c.src.Name, exportErrorRetriable)
		c.logger.Warn("export failed, retriable", "error", err)
	case errors.Is(err, otlpexporter.ErrPermanent):
		c.metrics.AddExportError(c.src.Name, exportErrorPermanent)
		c.logger.Error("export failed, not retriable; cursor held", "error", err)
	default:
		c.metrics.AddExportError(c.src.Name, exportErrorRetriable)
		c.logger.Warn("export failed, unexpected error treated as retriable", "error", err)
	}
	return schedule{delay: c.backoff()}
}

func (c *Collector) onCycleSuccess() {
	c.failureCount = 0
}

// backoff computes min(poll_interval * 2^k, maxBackoff) with +/-20% jitter
// and increments k, the consecutive-failure count for this source.
func (c *Collector) backoff() time.Duration {
	k := c.failureCount
	if k > 20 {
		k = 20 // 2^20 already dwarfs maxBackoff; avoids overflowing the shift
	}
	c.failureCount++

	delay := c.src.PollInterval << k // poll_interval * 2^k
	if delay <= 0 || delay > maxBackoff {
		delay = maxBackoff
	}

	jitterRange := float64(delay) * backoffJitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	delay += time.Duration(jitter)
	if delay < 0 {
		delay = 0
	}
	return delay
}
