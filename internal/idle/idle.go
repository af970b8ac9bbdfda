package idle

import (
	"sync"
	"time"
)

// Requests older than this never matter to idle detection.
const retention = 30 * time.Minute

var defaultTracker Tracker

// RecordRequest records a request. Call from handlers for traffic that counts
// toward idle detection; an idle service releases the USB claim so the
// instrument panel is usable again.
func RecordRequest() {
	defaultTracker.RecordRequest()
}

// RequestCount returns the number of requests within the given window ending at now.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// LastActivity returns the time of the most recent request, or the zero time
// if none has been recorded.
func LastActivity() time.Time {
	return defaultTracker.LastActivity()
}

// Reset clears all recorded requests. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker maintains a sliding window of request timestamps in arrival order.
type Tracker struct {
	mu    sync.Mutex
	last  time.Time
	times []time.Time
}

// RecordRequest records a request at the current time.
func (t *Tracker) RecordRequest() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.last = now
	t.times = append(t.times, now)

	cutoff := now.Add(-retention)
	i := 0
	for ; i < len(t.times) && t.times[i].Before(cutoff); i++ {
	}
	if i > 0 {
		t.times = append(t.times[:0], t.times[i:]...)
	}
}

// RequestCount returns the number of requests within the given window ending
// at now. Timestamps are in arrival order, so the scan walks newest-first and
// stops at the first one outside the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-window)
	n := 0
	for i := len(t.times) - 1; i >= 0; i-- {
		if t.times[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// LastActivity returns the time of the most recent request in the tracker.
func (t *Tracker) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Reset clears all recorded requests.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = time.Time{}
	t.times = nil
}
