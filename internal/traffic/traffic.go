package traffic

import (
	"sync"
	"time"
)

// Outcomes older than this are dropped on every write. Health windows are
// configured well below it.
const retention = 5 * time.Minute

type outcome uint8

const (
	outcomeSuccess outcome = iota
	outcomeError
	outcomeDenied
)

// event is one recorded request outcome. Events are stored in arrival order,
// so pruning and window counting are single passes over a sorted slice.
type event struct {
	at   time.Time
	kind outcome
}

// Tracker maintains a sliding window of request outcomes. It backs the
// overloaded (RequestCount, DenialCount) and degraded (ErrorRate) checks in
// the health handler. Measurement traffic is low volume, so a single
// chronological log is cheaper than per-outcome structures.
type Tracker struct {
	mu     sync.Mutex
	events []event
}

var defaultTracker Tracker

// RecordSuccess records a successful request outcome.
func RecordSuccess() { defaultTracker.RecordSuccess() }

// RecordError records a failed request outcome (instrument error, timeout, etc.).
func RecordError() { defaultTracker.RecordError() }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.RecordDenied() }

// RecordSuccessN records n successful outcomes at once.
func RecordSuccessN(n int) { defaultTracker.RecordSuccessN(n) }

// RecordErrorN records n error outcomes at once.
func RecordErrorN(n int) { defaultTracker.RecordErrorN(n) }

// RequestCount returns the number of outcomes (success + error + denied) within the window.
func RequestCount(window time.Duration) int { return defaultTracker.RequestCount(window) }

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int { return defaultTracker.DenialCount(window) }

// ErrorRate returns (errorCount, totalCount) within the window.
// totalCount = successes + errors; denials are excluded.
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() { defaultTracker.Reset() }

// RecordSuccess records a successful request outcome in the tracker.
func (t *Tracker) RecordSuccess() { t.record(outcomeSuccess, 1) }

// RecordError records a failed request outcome in the tracker.
func (t *Tracker) RecordError() { t.record(outcomeError, 1) }

// RecordDenied records a rate-limit denial in the tracker.
func (t *Tracker) RecordDenied() { t.record(outcomeDenied, 1) }

// RecordSuccessN records n successful outcomes atomically.
func (t *Tracker) RecordSuccessN(n int) { t.record(outcomeSuccess, n) }

// RecordErrorN records n error outcomes atomically.
func (t *Tracker) RecordErrorN(n int) { t.record(outcomeError, n) }

func (t *Tracker) record(kind outcome, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for i := 0; i < n; i++ {
		t.events = append(t.events, event{at: now, kind: kind})
	}
	t.pruneLocked(now)
}

// RequestCount returns the total number of outcomes within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	return t.count(window, func(outcome) bool { return true })
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	return t.count(window, func(k outcome) bool { return k == outcomeDenied })
}

// ErrorRate returns (errorCount, totalCount) within the window. Denials do
// not count toward the total: a denied request never reached the instrument,
// so it says nothing about instrument health.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-window)
	for i := len(t.events) - 1; i >= 0; i-- {
		ev := t.events[i]
		if ev.at.Before(cutoff) {
			break
		}
		switch ev.kind {
		case outcomeError:
			errors++
			total++
		case outcomeSuccess:
			total++
		}
	}
	return errors, total
}

// Reset clears all recorded outcomes from the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

// count walks the log newest-first and stops at the first event outside the
// window; events are appended in time order so everything earlier is out too.
func (t *Tracker) count(window time.Duration, match func(outcome) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-window)
	n := 0
	for i := len(t.events) - 1; i >= 0; i-- {
		if t.events[i].at.Before(cutoff) {
			break
		}
		if match(t.events[i].kind) {
			n++
		}
	}
	return n
}

// pruneLocked drops events older than the retention horizon. Must be called
// with the mutex held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for ; i < len(t.events) && t.events[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
