// Package aggregator rate-limits and coalesces high-frequency upstream event
// classes before they reach the downstream channel. Each session owns one
// Aggregator; each class owns one windowed bucket and one coalesce slot.
package aggregator

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/optionproxy/optionproxy/config"
	"github.com/optionproxy/optionproxy/internal/schema"
)

// EmitFunc delivers one flushed payload downstream under the given event name.
type EmitFunc func(event string, payload json.RawMessage)

// Class describes one coalesced event class: the friendly downstream name,
// any additional compatibility names emitted after it, and the rate bounds.
type Class struct {
	Friendly string
	Also     []string
	Interval time.Duration
	Max      int
}

type classState struct {
	cfg Class

	// windowed bucket: count admissions per fixed window, reset on expiry
	count   int
	resetAt time.Time

	// coalesce slot: at most one pending payload, flushed by the timer
	pending json.RawMessage
	timer   *time.Timer
}

// Aggregator applies per-class rate limits with deferred coalesced flushes.
type Aggregator struct {
	mu         sync.Mutex
	classes    map[string]*classState
	emit       EmitFunc
	flushDelay time.Duration
	now        func() time.Time
	metrics    *aggMetrics
	closed     bool
}

// New builds an aggregator from the configured classes. Event-name aliases
// (e.g. candle-generated and candles-generated) share one class state.
func New(cfg config.AggregatorConfig, emit EmitFunc) *Aggregator {
	a := &Aggregator{
		classes:    make(map[string]*classState),
		emit:       emit,
		flushDelay: cfg.FlushDelay.Std(),
		now:        time.Now,
		metrics:    newAggMetrics(),
	}
	if a.flushDelay <= 0 {
		a.flushDelay = 100 * time.Millisecond
	}
	for key, rc := range cfg.Classes {
		class := Class{Friendly: key, Interval: rc.Interval.Std(), Max: rc.Max}
		switch key {
		case config.ClassBalance:
			// One flush fans out to the compatibility trio.
			class.Friendly = schema.EventBalance
			class.Also = []string{schema.EventBalanceChanged, schema.EventCurrentBalance}
		case config.ClassPressure:
			class.Also = []string{schema.EventBuyback, schema.EventBuybackSplitter}
		}
		a.Register(key, class)
	}
	return a
}

// Register adds or replaces a class outside the config-driven set.
func (a *Aggregator) Register(key string, class Class) {
	a.mu.Lock()
	a.classes[key] = &classState{cfg: class}
	a.mu.Unlock()
}

// Admit offers a payload to the class identified by key. It returns false
// when the class is unknown or the window budget is spent with no flush
// pending; on true the coalesce slot now holds this payload and a flush is
// scheduled. A payload arriving while a flush is pending replaces the slot
// without charging the bucket: the already-scheduled flush will carry it.
func (a *Aggregator) Admit(key string, payload json.RawMessage) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return false
	}
	cs, ok := a.classes[key]
	if !ok {
		return false
	}

	if cs.timer != nil {
		cs.pending = payload
		a.metrics.recordAdmit(key)
		return true
	}

	now := a.now()
	if !now.Before(cs.resetAt) {
		cs.count = 0
		cs.resetAt = now.Add(cs.cfg.Interval)
	}
	if cs.count >= cs.cfg.Max {
		a.metrics.recordDrop(key)
		return false
	}
	cs.count++
	cs.pending = payload
	a.metrics.recordAdmit(key)
	cs.timer = time.AfterFunc(a.flushDelay, func() { a.flush(key) })
	return true
}

// flush emits the pending payload under the friendly name, then under each
// compatibility name, and clears the slot.
func (a *Aggregator) flush(key string) {
	a.mu.Lock()
	cs, ok := a.classes[key]
	if !ok || a.closed {
		a.mu.Unlock()
		return
	}
	payload := cs.pending
	cs.pending = nil
	cs.timer = nil
	cfg := cs.cfg
	emit := a.emit
	a.mu.Unlock()

	if payload == nil || emit == nil {
		return
	}
	a.metrics.recordFlush(key)
	emit(cfg.Friendly, payload)
	for _, name := range cfg.Also {
		emit(name, payload)
	}
}

// Clear cancels all pending flushes and drops buffered payloads. The
// aggregator accepts no further admissions afterwards.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for _, cs := range a.classes {
		if cs.timer != nil {
			cs.timer.Stop()
			cs.timer = nil
		}
		cs.pending = nil
	}
}
