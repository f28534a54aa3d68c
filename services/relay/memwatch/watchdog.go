// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memwatch samples process memory on a schedule, keeps a bounded
// history, raises alerts on thresholds and probable leaks, and reacts to
// critical pressure by forcing a GC and evicting idle connections.
//
// The watchdog does not import the registry, dispatcher, or session
// store directly; their readings arrive through Sources callbacks so the
// package stays at the bottom of the dependency graph.
package memwatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
)

const (
	// evictBatch is how many idle connections one pressure round closes
	// before re-checking the heap.
	evictBatch = 32

	// maxEvictRounds bounds the pressure loop even if the heap never
	// drops below the watermark.
	maxEvictRounds = 8

	// maxAlertHistory bounds the recent-alerts list served to admins.
	maxAlertHistory = 128

	// connStablePct is the connection-count movement, in percent, still
	// considered "flat" by the leak heuristic.
	connStablePct = 10.0
)

// Config holds the watchdog policy. Zero fields take defaults.
//
// # Fields
//
//   - SampleInterval: How often to sample. Default: 15 seconds.
//   - HistorySize: Snapshot ring capacity. Default: 240 (one hour at
//     the default interval).
//   - HeapWarnMB / HeapCriticalMB: Heap-alloc watermarks in MiB.
//     Defaults: 1024 / 2048.
//   - GoroutineWarn: Goroutine-count watermark. Default: 10000.
//   - ConnWarn: Connection-count watermark. 0 disables the check.
//   - GrowthThresholdPct: Heap growth over the trailing window, in
//     percent, above which a leak is suspected. Default: 20.
//   - GrowthWindow: Trailing window length in samples. Default: 8.
//   - AlertCooldown: Minimum gap between alerts for the same source and
//     level. Default: 5 minutes.
//   - IdleEvictAfter: Idle age making a connection evictable under
//     pressure. Default: 10 minutes.
type Config struct {
	SampleInterval time.Duration
	HistorySize    int

	HeapWarnMB     uint64
	HeapCriticalMB uint64
	GoroutineWarn  int
	ConnWarn       int

	GrowthThresholdPct float64
	GrowthWindow       int

	AlertCooldown  time.Duration
	IdleEvictAfter time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SampleInterval:     15 * time.Second,
		HistorySize:        240,
		HeapWarnMB:         1024,
		HeapCriticalMB:     2048,
		GoroutineWarn:      10000,
		GrowthThresholdPct: 20,
		GrowthWindow:       8,
		AlertCooldown:      5 * time.Minute,
		IdleEvictAfter:     10 * time.Minute,
	}
}

// Sources are the live readings the watchdog folds into each snapshot.
// Nil funcs read as zero; a nil CloseIdle disables pressure eviction.
type Sources struct {
	// ConnectionCount reports the registry's current size.
	ConnectionCount func() int

	// DispatchPending reports in-flight callback count.
	DispatchPending func() int64

	// SessionCount reports the session store's live session count.
	SessionCount func() int64

	// CloseIdle closes up to max connections idle longer than idleFor
	// and returns how many it closed.
	CloseIdle func(idleFor time.Duration, max int) int
}

// Sink receives snapshots and alerts for external storage. Sinks must
// not block indefinitely; the watchdog calls them inline from its loop.
type Sink interface {
	WriteSnapshot(ctx context.Context, snap MemorySnapshot)
	WriteAlert(ctx context.Context, alert Alert)
	Close()
}

// tunables is the subset of Config that Reconfigure may swap while the
// sampling loop runs. Held behind an atomic pointer so a sample never
// sees a half-applied policy.
type tunables struct {
	heapWarnBytes      uint64
	heapCriticalBytes  uint64
	heapWarnMB         uint64
	heapCriticalMB     uint64
	goroutineWarn      int
	connWarn           int
	growthThresholdPct float64
	alertCooldown      time.Duration
	idleEvictAfter     time.Duration
}

func tunablesFrom(cfg Config) *tunables {
	return &tunables{
		heapWarnBytes:      cfg.HeapWarnMB << 20,
		heapCriticalBytes:  cfg.HeapCriticalMB << 20,
		heapWarnMB:         cfg.HeapWarnMB,
		heapCriticalMB:     cfg.HeapCriticalMB,
		goroutineWarn:      cfg.GoroutineWarn,
		connWarn:           cfg.ConnWarn,
		growthThresholdPct: cfg.GrowthThresholdPct,
		alertCooldown:      cfg.AlertCooldown,
		idleEvictAfter:     cfg.IdleEvictAfter,
	}
}

// Watchdog samples memory on a schedule and raises alerts.
//
// # Description
//
// Runs a background goroutine on the ticker + done channel pattern.
// Each cycle reads runtime.MemStats plus the Sources readings, records
// the snapshot into a bounded ring, forwards it to any sinks, then
// evaluates watermarks and the leak heuristic. Crossing a watermark
// raises an Alert (slog + counter + sinks, with a per-source cooldown);
// dropping back below resolves it. A heap reading over the critical
// watermark additionally engages the pressure response: force a GC,
// then evict idle connections in batches until the heap recovers or
// nothing idle remains.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Watchdog struct {
	cfg     Config // cadence, history depth, and leak window; fixed after construction
	sources Sources
	log     *slog.Logger
	metrics *telemetry.Metrics
	sinks   []Sink

	tun atomic.Pointer[tunables]

	mu         sync.RWMutex
	buf        []MemorySnapshot
	head       int
	latest     MemorySnapshot
	haveSample bool
	active     map[string]*Alert
	lastRaise  map[string]time.Time
	alerts     []*Alert

	runMu   sync.Mutex
	running bool
	done    chan struct{}
}

// normalizeConfig fills zero fields with defaults and clamps the ring
// so the leak window always fits. ConnWarn stays as given; zero keeps
// that check off.
func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.HeapWarnMB == 0 {
		cfg.HeapWarnMB = def.HeapWarnMB
	}
	if cfg.HeapCriticalMB == 0 {
		cfg.HeapCriticalMB = def.HeapCriticalMB
	}
	if cfg.GoroutineWarn <= 0 {
		cfg.GoroutineWarn = def.GoroutineWarn
	}
	if cfg.GrowthThresholdPct <= 0 {
		cfg.GrowthThresholdPct = def.GrowthThresholdPct
	}
	if cfg.GrowthWindow <= 1 {
		cfg.GrowthWindow = def.GrowthWindow
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = def.AlertCooldown
	}
	if cfg.IdleEvictAfter <= 0 {
		cfg.IdleEvictAfter = def.IdleEvictAfter
	}
	// The leak window cannot be wider than the ring.
	if cfg.HistorySize < cfg.GrowthWindow {
		cfg.HistorySize = cfg.GrowthWindow
	}
	return cfg
}

// NewWatchdog creates a watchdog. Ready to Start(). Sinks are optional;
// pass none for slog + metrics only.
func NewWatchdog(cfg Config, sources Sources, log *slog.Logger, metrics *telemetry.Metrics, sinks ...Sink) *Watchdog {
	cfg = normalizeConfig(cfg)
	if log == nil {
		log = slog.Default()
	}

	w := &Watchdog{
		cfg:       cfg,
		sources:   sources,
		log:       log.With("component", "memwatch"),
		metrics:   metrics,
		sinks:     sinks,
		buf:       make([]MemorySnapshot, 0, cfg.HistorySize),
		active:    make(map[string]*Alert),
		lastRaise: make(map[string]time.Time),
		done:      make(chan struct{}),
	}
	w.tun.Store(tunablesFrom(cfg))
	return w
}

// Reconfigure swaps the alert policy at runtime: heap watermarks,
// goroutine and connection watermarks, the leak growth threshold, the
// alert cooldown, and the idle-evict age. Sampling cadence, history
// depth, and the leak window stay as constructed; those fields of cfg
// are ignored here.
func (w *Watchdog) Reconfigure(cfg Config) {
	cfg = normalizeConfig(cfg)
	w.tun.Store(tunablesFrom(cfg))
	w.log.Info("watchdog thresholds updated",
		"heap_warn_mb", cfg.HeapWarnMB,
		"heap_critical_mb", cfg.HeapCriticalMB,
		"goroutine_warn", cfg.GoroutineWarn,
		"conn_warn", cfg.ConnWarn,
	)
}

// Start begins the background sampling loop.
//
// # Outputs
//
//   - error: Non-nil if the watchdog is already running.
func (w *Watchdog) Start(ctx context.Context) error {
	w.runMu.Lock()
	if w.running {
		w.runMu.Unlock()
		return fmt.Errorf("watchdog is already running")
	}
	w.running = true
	w.done = make(chan struct{}) // Reset done channel for potential restart
	w.runMu.Unlock()

	tun := w.tun.Load()
	w.log.Info("memory watchdog starting",
		"sample_interval", w.cfg.SampleInterval.String(),
		"heap_warn_mb", tun.heapWarnMB,
		"heap_critical_mb", tun.heapCriticalMB,
		"goroutine_warn", tun.goroutineWarn,
	)

	go w.runLoop(ctx, w.done)
	return nil
}

// Stop signals the sampling loop to exit and closes the sinks. Safe to
// call multiple times.
func (w *Watchdog) Stop() error {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	if !w.running {
		return nil // Already stopped
	}

	w.log.Info("memory watchdog stopping")
	close(w.done)
	w.running = false

	for _, s := range w.sinks {
		s.Close()
	}
	return nil
}

// SampleNow takes one sample immediately, outside the schedule, runs the
// usual checks, and returns the snapshot. Used by the admin API and
// tests.
func (w *Watchdog) SampleNow(ctx context.Context) MemorySnapshot {
	snap, _ := w.sample(ctx)
	return snap
}

// Latest returns the most recent snapshot, or false before the first
// sample.
func (w *Watchdog) Latest() (MemorySnapshot, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.latest, w.haveSample
}

// LatestHeapAlloc reports the last-sampled heap allocation in bytes.
// Shaped for telemetry gauge callbacks.
func (w *Watchdog) LatestHeapAlloc() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return int64(w.latest.HeapAllocBytes)
}

// LatestGoroutines reports the last-sampled goroutine count. Shaped for
// telemetry gauge callbacks.
func (w *Watchdog) LatestGoroutines() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return int64(w.latest.Goroutines)
}

// History returns the recorded snapshots, oldest first.
func (w *Watchdog) History() []MemorySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.historyLocked()
}

func (w *Watchdog) historyLocked() []MemorySnapshot {
	out := make([]MemorySnapshot, 0, len(w.buf))
	out = append(out, w.buf[w.head:]...)
	out = append(out, w.buf[:w.head]...)
	return out
}

// ActiveAlerts returns unresolved alerts, ordered by creation time.
func (w *Watchdog) ActiveAlerts() []Alert {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Alert, 0, len(w.active))
	for _, a := range w.alerts {
		if !a.Resolved {
			out = append(out, *a)
		}
	}
	return out
}

// RecentAlerts returns the bounded alert history, resolved included,
// oldest first.
func (w *Watchdog) RecentAlerts() []Alert {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Alert, 0, len(w.alerts))
	for _, a := range w.alerts {
		out = append(out, *a)
	}
	return out
}

// Raise records an alert unless the same source and level fired within
// the cooldown. Returns the alert, or nil when suppressed. The
// dispatcher's alert hook lands here, so external components can raise
// through the same pipeline the watchdog uses.
func (w *Watchdog) Raise(level AlertLevel, source, message string, values map[string]float64) *Alert {
	now := time.Now()
	key := source + "/" + string(level)

	w.mu.Lock()
	if last, ok := w.lastRaise[key]; ok && now.Sub(last) < w.tun.Load().alertCooldown {
		w.mu.Unlock()
		w.log.Debug("alert suppressed by cooldown", "source", source, "level", string(level))
		return nil
	}
	w.lastRaise[key] = now

	// An escalation or de-escalation replaces the active alert for the
	// source; the old one resolves.
	if prev := w.active[source]; prev != nil && !prev.Resolved {
		prev.Resolved = true
		prev.ResolvedAt = now
	}

	a := &Alert{
		ID:        uuid.NewString(),
		Level:     level,
		Source:    source,
		Message:   message,
		Values:    values,
		CreatedAt: now,
	}
	w.active[source] = a
	w.alerts = append(w.alerts, a)
	if len(w.alerts) > maxAlertHistory {
		w.alerts = w.alerts[len(w.alerts)-maxAlertHistory:]
	}
	alert := *a
	w.mu.Unlock()

	w.logAlert(alert)
	if w.metrics != nil {
		w.metrics.AlertsTotal.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("level", string(level)),
			attribute.String("source", source),
		))
	}
	for _, s := range w.sinks {
		s.WriteAlert(context.Background(), alert)
	}
	return a
}

func (w *Watchdog) logAlert(a Alert) {
	attrs := []any{
		"alert_id", a.ID,
		"source", a.Source,
		slog.Any("values", a.Values),
	}
	switch a.Level {
	case LevelCritical:
		w.log.Error(a.Message, attrs...)
	case LevelWarning:
		w.log.Warn(a.Message, attrs...)
	default:
		w.log.Info(a.Message, attrs...)
	}
}

// resolveAlert clears the active alert for a source, if any.
func (w *Watchdog) resolveAlert(source string) {
	w.mu.Lock()
	a := w.active[source]
	if a == nil || a.Resolved {
		w.mu.Unlock()
		return
	}
	a.Resolved = true
	a.ResolvedAt = time.Now()
	delete(w.active, source)
	alert := *a
	w.mu.Unlock()

	w.log.Info("memory alert resolved",
		"alert_id", alert.ID,
		"source", alert.Source,
		"active_for", alert.ResolvedAt.Sub(alert.CreatedAt).Round(time.Second).String(),
	)
}

// runLoop is the main watchdog goroutine. The done channel is pinned at
// start so a stop/restart pair never strands the old loop.
func (w *Watchdog) runLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.SampleInterval)
	defer ticker.Stop()

	// Take an initial sample immediately on start
	w.executeSample(ctx)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("memory watchdog stopped (context cancelled)")
			return
		case <-done:
			w.log.Info("memory watchdog stopped (stop requested)")
			return
		case <-ticker.C:
			w.executeSample(ctx)
		}
	}
}

// executeSample runs a single sample with logging.
func (w *Watchdog) executeSample(ctx context.Context) {
	snap, raised := w.sample(ctx)

	// Only log at Info when the sample raised something
	if raised > 0 {
		w.log.Info("memory sample completed",
			"heap_alloc_mb", snap.HeapAllocBytes>>20,
			"goroutines", snap.Goroutines,
			"connections", snap.Connections,
			"alerts_raised", raised,
		)
	} else {
		w.log.Debug("memory sample completed",
			"heap_alloc_mb", snap.HeapAllocBytes>>20,
			"goroutines", snap.Goroutines,
		)
	}
}

// sample reads one snapshot, records it, and evaluates it.
func (w *Watchdog) sample(ctx context.Context) (MemorySnapshot, int) {
	snap := w.takeSnapshot()

	w.mu.Lock()
	w.record(snap)
	w.latest = snap
	w.haveSample = true
	w.mu.Unlock()

	for _, s := range w.sinks {
		s.WriteSnapshot(ctx, snap)
	}

	raised := w.evaluate(ctx, snap)
	return snap, raised
}

// takeSnapshot reads runtime stats and the Sources readings.
func (w *Watchdog) takeSnapshot() MemorySnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := MemorySnapshot{
		TakenAt:         time.Now(),
		HeapAllocBytes:  ms.HeapAlloc,
		HeapSysBytes:    ms.HeapSys,
		TotalAllocBytes: ms.TotalAlloc,
		NumGC:           ms.NumGC,
		LastGCPause:     time.Duration(ms.PauseNs[(ms.NumGC+255)%256]),
		Goroutines:      runtime.NumGoroutine(),
	}
	if f := w.sources.ConnectionCount; f != nil {
		snap.Connections = f()
	}
	if f := w.sources.DispatchPending; f != nil {
		snap.DispatchPending = f()
	}
	if f := w.sources.SessionCount; f != nil {
		snap.Sessions = f()
	}
	return snap
}

// record appends to the ring, overwriting the oldest entry once full.
// Caller holds w.mu.
func (w *Watchdog) record(snap MemorySnapshot) {
	if len(w.buf) < w.cfg.HistorySize {
		w.buf = append(w.buf, snap)
		return
	}
	w.buf[w.head] = snap
	w.head = (w.head + 1) % w.cfg.HistorySize
}

// evaluate runs watermark checks and the leak heuristic against one
// snapshot. Returns how many alerts were raised (cooldown suppressions
// excluded).
func (w *Watchdog) evaluate(ctx context.Context, snap MemorySnapshot) int {
	raised := 0
	tun := w.tun.Load()

	switch {
	case snap.HeapAllocBytes >= tun.heapCriticalBytes:
		a := w.Raise(LevelCritical, "heap",
			fmt.Sprintf("heap allocation %d MiB over critical watermark %d MiB",
				snap.HeapAllocBytes>>20, tun.heapCriticalMB),
			map[string]float64{
				"heap_alloc_mb": float64(snap.HeapAllocBytes >> 20),
				"watermark_mb":  float64(tun.heapCriticalMB),
			})
		if a != nil {
			raised++
		}
		// Pressure response runs on every critical reading, cooldown or
		// not; a still-critical heap needs relief, not a quieter log.
		w.pressureResponse(ctx, snap)
	case snap.HeapAllocBytes >= tun.heapWarnBytes:
		a := w.Raise(LevelWarning, "heap",
			fmt.Sprintf("heap allocation %d MiB over warning watermark %d MiB",
				snap.HeapAllocBytes>>20, tun.heapWarnMB),
			map[string]float64{
				"heap_alloc_mb": float64(snap.HeapAllocBytes >> 20),
				"watermark_mb":  float64(tun.heapWarnMB),
			})
		if a != nil {
			raised++
		}
	default:
		w.resolveAlert("heap")
	}

	if snap.Goroutines >= tun.goroutineWarn {
		a := w.Raise(LevelWarning, "goroutines",
			fmt.Sprintf("goroutine count %d over watermark %d", snap.Goroutines, tun.goroutineWarn),
			map[string]float64{
				"goroutines": float64(snap.Goroutines),
				"watermark":  float64(tun.goroutineWarn),
			})
		if a != nil {
			raised++
		}
	} else {
		w.resolveAlert("goroutines")
	}

	if tun.connWarn > 0 {
		if snap.Connections >= tun.connWarn {
			a := w.Raise(LevelWarning, "connections",
				fmt.Sprintf("connection count %d over watermark %d", snap.Connections, tun.connWarn),
				map[string]float64{
					"connections": float64(snap.Connections),
					"watermark":   float64(tun.connWarn),
				})
			if a != nil {
				raised++
			}
		} else {
			w.resolveAlert("connections")
		}
	}

	if growth, connDelta, leaking := w.leakCheck(); leaking {
		a := w.Raise(LevelWarning, "leak",
			fmt.Sprintf("heap grew %.1f%% over the last %d samples with connections flat (%.1f%%)",
				growth, w.cfg.GrowthWindow, connDelta),
			map[string]float64{
				"heap_growth_pct": growth,
				"conn_growth_pct": connDelta,
				"window_samples":  float64(w.cfg.GrowthWindow),
			})
		if a != nil {
			raised++
		}
	} else {
		w.resolveAlert("leak")
	}

	return raised
}

// leakCheck inspects the trailing window for monotonic heap growth with
// a flat connection count. Load-driven growth moves connections too, so
// it does not trip this.
func (w *Watchdog) leakCheck() (growthPct, connDeltaPct float64, leaking bool) {
	w.mu.RLock()
	history := w.historyLocked()
	w.mu.RUnlock()

	n := w.cfg.GrowthWindow
	if len(history) < n {
		return 0, 0, false
	}
	window := history[len(history)-n:]

	oldest, newest := window[0], window[n-1]
	if oldest.HeapAllocBytes == 0 {
		return 0, 0, false
	}
	for i := 1; i < n; i++ {
		if window[i].HeapAllocBytes < window[i-1].HeapAllocBytes {
			return 0, 0, false
		}
	}

	growthPct = float64(newest.HeapAllocBytes-oldest.HeapAllocBytes) / float64(oldest.HeapAllocBytes) * 100
	if growthPct <= w.tun.Load().growthThresholdPct {
		return growthPct, 0, false
	}

	base := oldest.Connections
	if base < 1 {
		base = 1
	}
	connDeltaPct = float64(newest.Connections-oldest.Connections) / float64(base) * 100
	if connDeltaPct > connStablePct || connDeltaPct < -connStablePct {
		return growthPct, connDeltaPct, false
	}

	return growthPct, connDeltaPct, true
}

// pressureResponse forces a GC, then evicts idle connections in batches
// until the heap drops below the critical watermark or nothing idle
// remains.
func (w *Watchdog) pressureResponse(ctx context.Context, snap MemorySnapshot) {
	tun := w.tun.Load()
	w.log.Warn("memory pressure response engaged",
		"heap_alloc_mb", snap.HeapAllocBytes>>20,
		"critical_mb", tun.heapCriticalMB,
	)
	runtime.GC()

	evicted := 0
	if w.sources.CloseIdle != nil {
		for round := 0; round < maxEvictRounds; round++ {
			select {
			case <-ctx.Done():
				w.log.Warn("pressure response interrupted", "error", ctx.Err())
				return
			default:
			}

			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			if ms.HeapAlloc < tun.heapCriticalBytes {
				break
			}
			closed := w.sources.CloseIdle(tun.idleEvictAfter, evictBatch)
			if closed == 0 {
				break
			}
			evicted += closed
			runtime.GC()
		}
	}

	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	w.log.Warn("memory pressure response finished",
		"evicted", evicted,
		"heap_alloc_mb", after.HeapAlloc>>20,
	)
}
