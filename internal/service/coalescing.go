package service

import (
	"context"
	"sync"
	"time"

	"github.com/photonworks/spectro-service/internal/measurement"
)

// inFlightMeasurement tracks a single instrument run that multiple callers may wait for.
type inFlightMeasurement struct {
	mu      sync.Mutex
	result  *measurement.Result
	err     error
	done    bool
	waiters []chan struct{} // Channels to notify waiters when result is ready
}

// measureCoalescer shares one in-flight measurement between concurrent
// callers. There is exactly one instrument, so a single slot suffices.
type measureCoalescer struct {
	mu       sync.Mutex
	inFlight *inFlightMeasurement
	timeout  time.Duration
}

// newMeasureCoalescer creates a measureCoalescer with the specified timeout.
func newMeasureCoalescer(timeout time.Duration) *measureCoalescer {
	return &measureCoalescer{timeout: timeout}
}

// GetOrDo checks if a measurement is already in-flight. If yes, waits for its
// result and reports shared=true. If no, executes fn and registers the run.
// Respects context cancellation and timeout to prevent indefinite blocking.
func (mc *measureCoalescer) GetOrDo(ctx context.Context, fn func() (*measurement.Result, error)) (res *measurement.Result, shared bool, err error) {
	mc.mu.Lock()
	req := mc.inFlight
	if req != nil {
		// Measurement in-flight - wait for it
		notify := make(chan struct{})
		req.mu.Lock()
		if req.done {
			result := req.result
			err := req.err
			req.mu.Unlock()
			mc.mu.Unlock()
			return result, true, err
		}
		req.waiters = append(req.waiters, notify)
		req.mu.Unlock()
		mc.mu.Unlock()

		waitCtx, cancel := context.WithTimeout(ctx, mc.timeout)
		defer cancel()
		select {
		case <-notify:
			req.mu.Lock()
			result := req.result
			err := req.err
			req.mu.Unlock()
			return result, true, err
		case <-waitCtx.Done():
			return nil, true, waitCtx.Err()
		}
	}

	// No in-flight measurement - start one
	req = &inFlightMeasurement{}
	mc.inFlight = req
	mc.mu.Unlock()

	go func() {
		result, err := fn()

		req.mu.Lock()
		req.result = result
		req.err = err
		req.done = true
		waiters := req.waiters
		req.waiters = nil
		req.mu.Unlock()

		// Notify all waiters
		for _, notify := range waiters {
			close(notify)
		}

		mc.cleanup(req)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, mc.timeout)
	defer cancel()
	notify := make(chan struct{})
	req.mu.Lock()
	if req.done {
		result := req.result
		err := req.err
		req.mu.Unlock()
		return result, false, err
	}
	req.waiters = append(req.waiters, notify)
	req.mu.Unlock()

	select {
	case <-notify:
		req.mu.Lock()
		result := req.result
		err := req.err
		req.mu.Unlock()
		return result, false, err
	case <-waitCtx.Done():
		return nil, false, waitCtx.Err()
	}
}

// cleanup clears the in-flight slot after the run completes. Only clears when
// the slot still belongs to this run.
func (mc *measureCoalescer) cleanup(req *inFlightMeasurement) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.inFlight == req {
		mc.inFlight = nil
	}
}
