// Package metrics holds the counters and gauges collectors update on every
// cycle. It is read by an external serving surface (see cmd's --metrics
// flag); the registry itself does no serving.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Registry holds per-source counters and gauges. Reads and writes to an
// existing counter take only shared read locks for the lookup, then an
// atomic load or add; the exclusive lock is taken only when a brand-new
// source or label is added, so a scrape blocks a collector only while that
// collector is adding a new source or label.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*sourceMetrics
}

type sourceMetrics struct {
	entriesForwarded  atomic.Int64
	dropped           counterSet
	pollErrors        counterSet
	exportErrors      counterSet
	cursorWriteErrors atomic.Int64
	lastPollUnixSec   atomic.Int64
	pollDurationNanos atomic.Int64
}

func newSourceMetrics() *sourceMetrics {
	return &sourceMetrics{
		dropped:      newCounterSet(),
		pollErrors:   newCounterSet(),
		exportErrors: newCounterSet(),
	}
}

// counterSet is a label -> counter map. The write lock is taken only on a
// label's first use; subsequent increments take the read lock for the
// lookup and then do an atomic add.
type counterSet struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
}

func newCounterSet() counterSet {
	return counterSet{counters: make(map[string]*atomic.Int64)}
}

func (cs *counterSet) add(label string, delta int64) {
	cs.mu.RLock()
	c, ok := cs.counters[label]
	cs.mu.RUnlock()
	if !ok {
		cs.mu.Lock()
		c, ok = cs.counters[label]
		if !ok {
			c = &atomic.Int64{}
			cs.counters[label] = c
		}
		cs.mu.Unlock()
	}
	c.Add(delta)
}

func (cs *counterSet) snapshot() map[string]int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]int64, len(cs.counters))
	for label, c := range cs.counters {
		out[label] = c.Load()
	}
	return out
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]*sourceMetrics)}
}

func (r *Registry) source(name string) *sourceMetrics {
	r.mu.RLock()
	m, ok := r.sources[name]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.sources[name]; ok {
		return m
	}
	m = newSourceMetrics()
	r.sources[name] = m
	return m
}

// AddEntriesForwarded increments ojgf_entries_forwarded_total{source}.
func (r *Registry) AddEntriesForwarded(source string, n int64) {
	r.source(source).entriesForwarded.Add(n)
}

// AddDropped increments ojgf_entries_dropped_total{source,reason}.
func (r *Registry) AddDropped(source, reason string, n int64) {
	r.source(source).dropped.add(reason, n)
}

// AddPollError increments ojgf_poll_errors_total{source,error}.
func (r *Registry) AddPollError(source, errKind string) {
	r.source(source).pollErrors.add(errKind, 1)
}

// AddExportError increments ojgf_export_errors_total{source,kind}.
func (r *Registry) AddExportError(source, kind string) {
	r.source(source).exportErrors.add(kind, 1)
}

// AddCursorWriteError increments ojgf_cursor_write_errors_total{source}.
func (r *Registry) AddCursorWriteError(source string) {
	r.source(source).cursorWriteErrors.Add(1)
}

// SetLastPollTimestamp sets ojgf_last_poll_timestamp_seconds{source}.
func (r *Registry) SetLastPollTimestamp(source string, t time.Time) {
	r.source(source).lastPollUnixSec.Store(t.Unix())
}

// SetPollDuration sets ojgf_poll_duration_seconds{source} to the last
// cycle's wall-clock duration.
func (r *Registry) SetPollDuration(source string, d time.Duration) {
	r.source(source).pollDurationNanos.Store(int64(d))
}

// sourceNames returns every source known to the registry, sorted, so
// Prometheus output is deterministic across scrapes.
func (r *Registry) sourceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WritePrometheus renders the registry in Prometheus text exposition
// format. Rendering is deliberately trivial glue: one pass per metric
// family, sorted by source for determinism.
func (r *Registry) WritePrometheus(w io.Writer) error {
	names := r.sourceNames()

	writeHeader(w, "ojgf_entries_forwarded_total", "counter", "Total log entries forwarded to the OTLP endpoint.")
	for _, name := range names {
		fmt.Fprintf(w, "ojgf_entries_forwarded_total{source=%q} %d\n", name, r.source(name).entriesForwarded.Load())
	}

	writeHeader(w, "ojgf_entries_dropped_total", "counter", "Total log entries dropped before export.")
	for _, name := range names {
		snap := r.source(name).dropped.snapshot()
		for _, reason := range sortedKeys(snap) {
			fmt.Fprintf(w, "ojgf_entries_dropped_total{source=%q,reason=%q} %d\n", name, reason, snap[reason])
		}
	}

	writeHeader(w, "ojgf_poll_errors_total", "counter", "Total journal gateway poll errors.")
	for _, name := range names {
		snap := r.source(name).pollErrors.snapshot()
		for _, errKind := range sortedKeys(snap) {
			fmt.Fprintf(w, "ojgf_poll_errors_total{source=%q,error=%q} %d\n", name, errKind, snap[errKind])
		}
	}

	writeHeader(w, "ojgf_export_errors_total", "counter", "Total OTLP export errors.")
	for _, name := range names {
		snap := r.source(name).exportErrors.snapshot()
		for _, kind := range sortedKeys(snap) {
			fmt.Fprintf(w, "ojgf_export_errors_total{source=%q,kind=%q} %d\n", name, kind, snap[kind])
		}
	}

	writeHeader(w, "ojgf_cursor_write_errors_total", "counter", "Total cursor file write failures.")
	for _, name := range names {
		fmt.Fprintf(w, "ojgf_cursor_write_errors_total{source=%q} %d\n", name, r.source(name).cursorWriteErrors.Load())
	}

	writeHeader(w, "ojgf_last_poll_timestamp_seconds", "gauge", "Unix time of the last completed poll cycle.")
	for _, name := range names {
		fmt.Fprintf(w, "ojgf_last_poll_timestamp_seconds{source=%q} %d\n", name, r.source(name).lastPollUnixSec.Load())
	}

	writeHeader(w, "ojgf_poll_duration_seconds", "gauge", "Wall-clock duration of the last poll cycle.")
	for _, name := range names {
		seconds := float64(r.source(name).pollDurationNanos.Load()) / float64(time.Second)
		fmt.Fprintf(w, "ojgf_poll_duration_seconds{source=%q} %g\n", name, seconds)
	}

	return nil
}

func writeHeader(w io.Writer, name, typ, help string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
