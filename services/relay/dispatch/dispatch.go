// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch routes inbound connection events to registered
// callbacks, each protected by its own circuit breaker and timeout.
//
// Callbacks for one event run concurrently and every outcome is
// collected; one callback's error or panic never aborts its siblings.
// Failure visibility is tiered by criticality: only Critical failures
// propagate to the caller, High failures raise an alert, Normal and Low
// failures are contained and logged.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
)

var (
	// ErrDuplicateCallback is returned when registering a name twice.
	ErrDuplicateCallback = errors.New("duplicate callback name")

	// ErrUnknownCallback is returned when unregistering an unknown name.
	ErrUnknownCallback = errors.New("unknown callback")

	// ErrCallbackPanic wraps a recovered panic from a callback handler.
	ErrCallbackPanic = errors.New("callback panicked")
)

// Criticality tiers a callback's failure handling.
//
// Only Critical failures propagate to the Dispatch caller (and close
// the connection); the lower tiers differ only in how loudly the
// failure is reported.
type Criticality int

const (
	// CriticalityLow failures are logged at Debug and otherwise ignored.
	CriticalityLow Criticality = iota

	// CriticalityNormal failures are logged at Warn.
	CriticalityNormal

	// CriticalityHigh failures are logged at Error and raise an alert.
	CriticalityHigh

	// CriticalityCritical failures propagate to the Dispatch caller as
	// a *CriticalCallbackError.
	CriticalityCritical
)

// String returns a human-readable tier name.
func (c Criticality) String() string {
	switch c {
	case CriticalityLow:
		return "LOW"
	case CriticalityNormal:
		return "NORMAL"
	case CriticalityHigh:
		return "HIGH"
	case CriticalityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", c)
	}
}

// Outcome classifies one callback execution within a dispatch.
type Outcome int

const (
	// OutcomeOK means the handler ran and returned nil.
	OutcomeOK Outcome = iota

	// OutcomeError means the handler ran and returned an error.
	OutcomeError

	// OutcomeSkippedOpen means the breaker was open and the handler
	// never ran.
	OutcomeSkippedOpen

	// OutcomeTimeout means the handler returned a deadline error after
	// its timeout context expired.
	OutcomeTimeout

	// OutcomePanic means the handler panicked and was recovered.
	OutcomePanic
)

// String returns a human-readable outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeError:
		return "error"
	case OutcomeSkippedOpen:
		return "skipped_open"
	case OutcomeTimeout:
		return "timeout"
	case OutcomePanic:
		return "panic"
	default:
		return fmt.Sprintf("unknown(%d)", o)
	}
}

// Event is an inbound occurrence routed to callbacks: a decoded client
// frame, a lifecycle transition, or an internal signal.
type Event struct {
	// Type selects which callbacks run, e.g. "chat", "connect",
	// "disconnect", "end_session".
	Type string

	// ConnID identifies the originating connection, if any.
	ConnID string

	// SessionID identifies the chat session, if any.
	SessionID string

	// UserID identifies the authenticated user, if any.
	UserID string

	// At is when the event entered the dispatcher.
	At time.Time

	// Payload carries the event body, typically the raw frame payload.
	Payload json.RawMessage
}

// HandlerFunc processes one event. Handlers must honor ctx: the
// dispatcher enforces timeouts only through context cancellation.
type HandlerFunc func(ctx context.Context, ev Event) error

// Callback is a named handler registration.
type Callback struct {
	// Name uniquely identifies the callback and names its breaker.
	Name string

	// EventType is the Event.Type this callback receives.
	EventType string

	// Criticality tiers the callback's failure handling.
	Criticality Criticality

	// Timeout overrides the dispatcher's default callback timeout when
	// positive.
	Timeout time.Duration

	// Handler is the function to run.
	Handler HandlerFunc
}

// CallbackInfo is the admin-facing view of one registration.
type CallbackInfo struct {
	Name        string `json:"name"`
	EventType   string `json:"event_type"`
	Criticality string `json:"criticality"`
	TimeoutMS   int64  `json:"timeout_ms"`
}

// CallbackOutcome is the result of one callback execution.
type CallbackOutcome struct {
	Callback    string
	Criticality Criticality
	Outcome     Outcome
	Err         error
	Duration    time.Duration
}

// DispatchResult collects every callback outcome for one event.
type DispatchResult struct {
	Event    string
	Outcomes []CallbackOutcome
	Duration time.Duration
}

// OK reports whether every callback succeeded.
func (r DispatchResult) OK() bool {
	for _, o := range r.Outcomes {
		if o.Outcome != OutcomeOK {
			return false
		}
	}
	return true
}

// Failed returns the outcomes that did not succeed.
func (r DispatchResult) Failed() []CallbackOutcome {
	var failed []CallbackOutcome
	for _, o := range r.Outcomes {
		if o.Outcome != OutcomeOK {
			failed = append(failed, o)
		}
	}
	return failed
}

// CriticalCallbackError reports that a Critical-tier callback failed
// (or was skipped by an open breaker). The connection handler closes
// the connection when Dispatch returns this.
type CriticalCallbackError struct {
	Callback string
	Event    string
	Err      error
}

func (e *CriticalCallbackError) Error() string {
	return fmt.Sprintf("critical callback %q failed for event %q: %v", e.Callback, e.Event, e.Err)
}

func (e *CriticalCallbackError) Unwrap() error {
	return e.Err
}

// AlertFunc raises an alert for High-tier failures. Wired to the
// memory watchdog's alert channel in the service main.
type AlertFunc func(source, message string, values map[string]float64)

// Config holds the dispatcher's tunables.
type Config struct {
	// CallbackTimeout bounds each handler execution unless the
	// callback overrides it. Default: 5 seconds.
	CallbackTimeout time.Duration

	// Breaker is the default configuration for per-callback breakers.
	Breaker BreakerConfig
}

// Options carries the dispatcher's optional collaborators.
type Options struct {
	// Logger for dispatch outcomes. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records dispatch counters and durations when non-nil.
	Metrics *telemetry.Metrics

	// AlertFunc receives High-tier failure alerts. May be nil.
	AlertFunc AlertFunc

	// Breakers is a shared breaker registry. When nil the dispatcher
	// creates its own from Config.Breaker.
	Breakers *BreakerRegistry
}

// Dispatcher routes events to registered callbacks.
//
// Thread Safety: safe for concurrent Register/Unregister/Dispatch.
type Dispatcher struct {
	cfg       Config
	log       *slog.Logger
	metrics   *telemetry.Metrics
	alertFunc AlertFunc
	breakers  *BreakerRegistry
	pending   atomic.Int64

	mu        sync.RWMutex
	callbacks map[string]*Callback
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config, opts Options) *Dispatcher {
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = 5 * time.Second
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "dispatch")

	breakers := opts.Breakers
	if breakers == nil {
		breakers = NewBreakerRegistry(cfg.Breaker, nil)
	}

	return &Dispatcher{
		cfg:       cfg,
		log:       log,
		metrics:   opts.Metrics,
		alertFunc: opts.AlertFunc,
		breakers:  breakers,
		callbacks: make(map[string]*Callback),
	}
}

// Register adds a callback. The name must be unique across all event
// types; it also names the callback's circuit breaker.
func (d *Dispatcher) Register(cb Callback) error {
	if cb.Name == "" {
		return fmt.Errorf("register callback: name is required")
	}
	if cb.EventType == "" {
		return fmt.Errorf("register callback %q: event type is required", cb.Name)
	}
	if cb.Handler == nil {
		return fmt.Errorf("register callback %q: handler is required", cb.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.callbacks[cb.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCallback, cb.Name)
	}

	d.callbacks[cb.Name] = &cb
	d.log.Debug("callback registered",
		"callback", cb.Name,
		"event", cb.EventType,
		"criticality", cb.Criticality.String())
	return nil
}

// Unregister removes a callback by name. Its breaker remains in the
// registry so an operator can still inspect it.
func (d *Dispatcher) Unregister(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.callbacks[name]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownCallback, name)
	}
	delete(d.callbacks, name)
	d.log.Debug("callback unregistered", "callback", name)
	return nil
}

// Callbacks returns every registration, sorted by name.
func (d *Dispatcher) Callbacks() []CallbackInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	infos := make([]CallbackInfo, 0, len(d.callbacks))
	for _, cb := range d.callbacks {
		timeout := cb.Timeout
		if timeout <= 0 {
			timeout = d.cfg.CallbackTimeout
		}
		infos = append(infos, CallbackInfo{
			Name:        cb.Name,
			EventType:   cb.EventType,
			Criticality: cb.Criticality.String(),
			TimeoutMS:   timeout.Milliseconds(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Breakers returns the dispatcher's breaker registry for admin
// inspection and for components that share it (upstream client).
func (d *Dispatcher) Breakers() *BreakerRegistry {
	return d.breakers
}

// Pending returns the number of callback executions currently running.
func (d *Dispatcher) Pending() int64 {
	return d.pending.Load()
}

// Dispatch runs every callback registered for the event's type, each
// wrapped in its own breaker and timeout context, all concurrently.
//
// The returned error is nil unless a Critical-tier callback failed, in
// which case it is a *CriticalCallbackError for the first such failure
// in callback-name order. All other failures are contained: they are
// visible in the DispatchResult and reported per their tier.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (DispatchResult, error) {
	start := time.Now()
	if ev.At.IsZero() {
		ev.At = start
	}

	cbs := d.callbacksFor(ev.Type)
	outcomes := make([]CallbackOutcome, len(cbs))

	var wg sync.WaitGroup
	for i, cb := range cbs {
		wg.Add(1)
		go func(i int, cb *Callback) {
			defer wg.Done()
			outcomes[i] = d.run(ctx, cb, ev)
		}(i, cb)
	}
	wg.Wait()

	res := DispatchResult{
		Event:    ev.Type,
		Outcomes: outcomes,
		Duration: time.Since(start),
	}
	d.report(ctx, res)

	for _, o := range res.Outcomes {
		if o.Criticality == CriticalityCritical && o.Outcome != OutcomeOK {
			return res, &CriticalCallbackError{
				Callback: o.Callback,
				Event:    ev.Type,
				Err:      o.Err,
			}
		}
	}
	return res, nil
}

// callbacksFor returns the callbacks for an event type, sorted by name
// so outcome order is deterministic.
func (d *Dispatcher) callbacksFor(eventType string) []*Callback {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var cbs []*Callback
	for _, cb := range d.callbacks {
		if cb.EventType == eventType {
			cbs = append(cbs, cb)
		}
	}
	sort.Slice(cbs, func(i, j int) bool { return cbs[i].Name < cbs[j].Name })
	return cbs
}

// run executes one callback under its breaker and timeout.
func (d *Dispatcher) run(ctx context.Context, cb *Callback, ev Event) CallbackOutcome {
	d.pending.Add(1)
	defer d.pending.Add(-1)

	out := CallbackOutcome{Callback: cb.Name, Criticality: cb.Criticality}

	timeout := cb.Timeout
	if timeout <= 0 {
		timeout = d.cfg.CallbackTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stack []byte
	start := time.Now()
	err := d.breakers.Get(cb.Name).Execute(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				stack = debug.Stack()
				err = fmt.Errorf("%w: %v", ErrCallbackPanic, r)
			}
		}()
		return cb.Handler(cctx, ev)
	})
	out.Duration = time.Since(start)

	switch {
	case err == nil:
		out.Outcome = OutcomeOK
	case errors.Is(err, ErrCircuitOpen):
		out.Outcome = OutcomeSkippedOpen
		out.Err = err
	case errors.Is(err, ErrCallbackPanic):
		out.Outcome = OutcomePanic
		out.Err = err
		d.log.Error("callback panicked",
			"callback", cb.Name,
			"event", ev.Type,
			"panic", err,
			"stack", string(stack))
	case errors.Is(err, context.DeadlineExceeded):
		out.Outcome = OutcomeTimeout
		out.Err = err
	default:
		out.Outcome = OutcomeError
		out.Err = err
	}
	return out
}

// report logs, counts, and alerts each outcome per its tier.
func (d *Dispatcher) report(ctx context.Context, res DispatchResult) {
	for _, o := range res.Outcomes {
		if d.metrics != nil {
			attrs := metric.WithAttributes(
				attribute.String("callback", o.Callback),
				attribute.String("outcome", o.Outcome.String()),
			)
			d.metrics.DispatchTotal.Add(ctx, 1, attrs)
			d.metrics.DispatchDuration.Record(ctx, o.Duration.Seconds(), attrs)
		}

		if o.Outcome == OutcomeOK {
			continue
		}

		attrs := []any{
			"callback", o.Callback,
			"event", res.Event,
			"outcome", o.Outcome.String(),
			"criticality", o.Criticality.String(),
			"error", o.Err,
			"duration", o.Duration,
		}
		switch o.Criticality {
		case CriticalityCritical, CriticalityHigh:
			d.log.Error("callback failed", attrs...)
		case CriticalityNormal:
			d.log.Warn("callback failed", attrs...)
		default:
			d.log.Debug("callback failed", attrs...)
		}

		if o.Criticality == CriticalityHigh && d.alertFunc != nil {
			d.alertFunc("dispatch",
				fmt.Sprintf("high-criticality callback %s failed on %s: %v", o.Callback, res.Event, o.Err),
				map[string]float64{"duration_seconds": o.Duration.Seconds()})
		}
	}
}
