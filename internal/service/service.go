// Package service orchestrates measurements: single-flight coalescing around
// the one physical instrument, a circuit breaker over USB failures, the
// snapshot cache, and the history store.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/photonworks/spectro-service/internal/cache"
	"github.com/photonworks/spectro-service/internal/circuitbreaker"
	"github.com/photonworks/spectro-service/internal/device"
	"github.com/photonworks/spectro-service/internal/measurement"
	"github.com/photonworks/spectro-service/internal/observability"
	"github.com/photonworks/spectro-service/internal/recovery"
	"github.com/photonworks/spectro-service/internal/sekonic"
	"github.com/photonworks/spectro-service/internal/store"
	"github.com/photonworks/spectro-service/internal/traffic"
)

// ErrNoMeasurements is returned by LatestMeasurement when neither the cache
// nor the history store holds a result.
var ErrNoMeasurements = errors.New("no measurements available")

// Meter is the instrument surface the service drives. Implemented by
// *sekonic.Sekonic; tests substitute a fake.
type Meter interface {
	Measure(ctx context.Context) (*measurement.Result, error)
	Info(ctx context.Context) (device.Info, error)
	ModelName() string
	FirmwareVersion() int
	String() string
}

// History is the persistence surface the service writes measurements to.
type History interface {
	Insert(ctx context.Context, res *measurement.Result) (*store.MeasurementRecord, error)
	Recent(ctx context.Context, limit int) ([]store.MeasurementRecord, error)
	Latest(ctx context.Context) (*store.MeasurementRecord, error)
}

// DeviceStatus is the connected-instrument view served by GET /v1/device.
type DeviceStatus struct {
	Model           string `json:"model"`
	FirmwareVersion int    `json:"firmwareVersion"`
	Status          string `json:"status"`
	Remote          string `json:"remote"`
	Ring            string `json:"ring"`
	Connected       bool   `json:"connected"`
}

// MeterService implements the measurement business logic.
type MeterService struct {
	meter     Meter
	cache     cache.Cache
	history   History
	breaker   *circuitbreaker.CircuitBreaker
	ttl       time.Duration
	coalescer *measureCoalescer // nil if disabled
}

// NewMeterService creates a MeterService. ttl is the snapshot cache lifetime.
// coalesceEnabled and coalesceTimeout configure single-flight measurement
// sharing (disabled if timeout 0). history may be nil when persistence is off.
func NewMeterService(meter Meter, c cache.Cache, history History, breaker *circuitbreaker.CircuitBreaker, ttl time.Duration, coalesceEnabled bool, coalesceTimeout time.Duration) *MeterService {
	var coalescer *measureCoalescer
	if coalesceEnabled && coalesceTimeout > 0 {
		coalescer = newMeasureCoalescer(coalesceTimeout)
	}
	return &MeterService{
		meter:     meter,
		cache:     c,
		history:   history,
		breaker:   breaker,
		ttl:       ttl,
		coalescer: coalescer,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
// Returns nil if logger is not found or context is invalid.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// TakeMeasurement triggers one measurement on the instrument. Concurrent
// callers share a single in-flight measurement when coalescing is enabled.
// The result is stamped, cached as the latest snapshot, and persisted.
func (s *MeterService) TakeMeasurement(ctx context.Context) (*measurement.Result, error) {
	start := time.Now()
	logger := loggerFromContext(ctx)

	var res *measurement.Result
	var err error
	if s.coalescer != nil {
		var shared bool
		res, shared, err = s.coalescer.GetOrDo(ctx, func() (*measurement.Result, error) {
			return s.measure(ctx)
		})
		if shared {
			observability.CoalescedRequestsTotal.Inc()
			if logger != nil {
				logger.Debug("joined in-flight measurement")
			}
		}
	} else {
		res, err = s.measure(ctx)
	}

	duration := time.Since(start)
	if err != nil {
		observability.MeasurementsTotal.WithLabelValues("error").Inc()
		observability.MeasurementDuration.WithLabelValues("error").Observe(duration.Seconds())
		traffic.RecordError()
		if errors.Is(err, sekonic.ErrNotFound) || errors.Is(err, sekonic.ErrUSBConnection) {
			recovery.NotifyDegraded()
		}
		return nil, err
	}
	observability.MeasurementsTotal.WithLabelValues("success").Inc()
	observability.MeasurementDuration.WithLabelValues("success").Observe(duration.Seconds())
	traffic.RecordSuccess()
	if logger != nil {
		logger.Debug("measurement served",
			zap.String("lux", res.Illuminance.Lux),
			zap.Duration("duration", duration))
	}
	return res, nil
}

// measure runs one instrument measurement behind the breaker and fans the
// result out to the snapshot cache and the history store.
func (s *MeterService) measure(ctx context.Context) (*measurement.Result, error) {
	var res *measurement.Result
	call := func() error {
		var err error
		res, err = s.meter.Measure(ctx)
		return err
	}
	var err error
	if s.breaker != nil {
		err = s.breaker.Call(ctx, call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, fmt.Errorf("measure: %w", err)
	}
	res.TakenAt = time.Now().UTC()

	if setErr := s.cache.Set(ctx, cache.LatestKey, res, s.ttl); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set").Inc()
		if logger := loggerFromContext(ctx); logger != nil {
			logger.Warn("snapshot cache set failed", zap.Error(setErr))
		}
	}
	if s.history != nil {
		if _, insErr := s.history.Insert(ctx, res); insErr != nil {
			observability.StoreWriteErrorsTotal.Inc()
			if logger := loggerFromContext(ctx); logger != nil {
				logger.Warn("history write failed", zap.Error(insErr))
			}
		} else {
			observability.StoreWritesTotal.Inc()
		}
	}
	return res, nil
}

// LatestMeasurement returns the most recent result: the snapshot cache when
// fresh, otherwise the newest history record flagged stale. Returns
// ErrNoMeasurements when nothing has been measured yet.
func (s *MeterService) LatestMeasurement(ctx context.Context) (*measurement.Result, error) {
	cached, ok, err := s.cache.Get(ctx, cache.LatestKey)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get").Inc()
		if logger := loggerFromContext(ctx); logger != nil {
			logger.Warn("snapshot cache get failed", zap.Error(err))
		}
	} else if ok {
		observability.CacheHitsTotal.WithLabelValues("snapshot").Inc()
		return cached, nil
	}

	if s.history == nil {
		return nil, ErrNoMeasurements
	}
	rec, err := s.history.Latest(ctx)
	if errors.Is(err, store.ErrNoMeasurements) {
		return nil, ErrNoMeasurements
	}
	if err != nil {
		return nil, fmt.Errorf("load latest measurement: %w", err)
	}
	res, err := rec.Result()
	if err != nil {
		return nil, err
	}
	res.Stale = true
	return res, nil
}

// History returns up to limit stored measurements, newest first.
func (s *MeterService) History(ctx context.Context, limit int) ([]store.MeasurementRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.Recent(ctx, limit)
}

// DeviceInfo reports instrument identity and panel state. A meter that cannot
// be reached yields Connected=false with the error preserved.
func (s *MeterService) DeviceInfo(ctx context.Context) (DeviceStatus, error) {
	info, err := s.meter.Info(ctx)
	if err != nil {
		if errors.Is(err, sekonic.ErrNotFound) || errors.Is(err, sekonic.ErrUSBConnection) {
			recovery.NotifyDegraded()
		}
		return DeviceStatus{Connected: false}, err
	}
	return DeviceStatus{
		Model:           s.meter.ModelName(),
		FirmwareVersion: s.meter.FirmwareVersion(),
		Status:          info.Status.String(),
		Remote:          info.Remote.String(),
		Ring:            info.Ring.String(),
		Connected:       true,
	}, nil
}

// BreakerState reports the instrument breaker state for the health endpoint.
func (s *MeterService) BreakerState() circuitbreaker.State {
	if s.breaker == nil {
		return circuitbreaker.StateClosed
	}
	return s.breaker.State()
}
