// Package recovery retries instrument validation with Fibonacci backoff after
// the service goes degraded, so a re-plugged or power-cycled meter is picked
// up without a restart.
package recovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

var (
	recoveryChan   chan struct{}
	recoveryChanMu sync.Mutex
)

// ValidateFunc probes the instrument (connect + status check). Returns nil when
// the instrument answers again.
type ValidateFunc func(ctx context.Context) error

// NotifyDegraded signals that the instrument is unreachable. Triggers recovery
// if not already running. Safe to call from handlers; non-blocking.
func NotifyDegraded() {
	recoveryChanMu.Lock()
	ch := recoveryChan
	recoveryChanMu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// StartListener starts a goroutine that runs recovery when NotifyDegraded is
// called. Call from main with the app context. onRecovered runs after validate
// succeeds; onExhausted after the final attempt still fails.
func StartListener(ctx context.Context, validate ValidateFunc, initial, max time.Duration, onRecovered, onExhausted func()) {
	ch := make(chan struct{}, 1)
	recoveryChanMu.Lock()
	recoveryChan = ch
	recoveryChanMu.Unlock()

	var running atomic.Bool
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if running.Swap(true) {
					continue
				}
				go func() {
					defer running.Store(false)
					Run(ctx, validate, initial, max, onRecovered, onExhausted)
				}()
			}
		}
	}()
}

// Run executes the Fibonacci backoff recovery. Calls validate at each interval.
// Delays: 1m, 2m, 3m, 5m, 8m, 13m (Fibonacci from initial). Stops when validate
// returns nil. After the final attempt, if validate still fails, calls onExhausted.
func Run(ctx context.Context, validate ValidateFunc, initial, max time.Duration, onRecovered, onExhausted func()) {
	if initial <= 0 || max < initial {
		return
	}
	delays := fibDelays(initial, max)
	timeout := 10 * time.Second
	for i, d := range delays {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := validate(attemptCtx)
		cancel()
		if err == nil {
			if onRecovered != nil {
				onRecovered()
			}
			return
		}
		if i == len(delays)-1 {
			if onExhausted != nil {
				onExhausted()
			}
			return
		}
	}
}

func fibDelays(initial, max time.Duration) []time.Duration {
	const (
		f0 = 1
		f1 = 2
	)
	a, b := float64(f0), float64(f1)
	unit := initial.Seconds() / float64(f0)
	var out []time.Duration
	for {
		d := time.Duration(a*unit) * time.Second
		if d > max {
			break
		}
		out = append(out, d)
		a, b = b, a+b
	}
	return out
}
