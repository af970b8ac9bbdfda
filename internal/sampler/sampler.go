// Package sampler triggers measurements on a fixed interval so the snapshot
// cache and history stay fresh without client traffic.
package sampler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/photonworks/spectro-service/internal/measurement"
	"github.com/photonworks/spectro-service/internal/observability"
)

// MeasurementTaker is implemented by the service layer. Used by Sampler to
// avoid a circular dependency on the service package.
type MeasurementTaker interface {
	TakeMeasurement(ctx context.Context) (*measurement.Result, error)
}

// Sampler drives periodic measurements through the service layer.
type Sampler struct {
	taker  MeasurementTaker
	logger *zap.Logger
}

// New creates a Sampler that uses the given taker and logger.
func New(taker MeasurementTaker, logger *zap.Logger) *Sampler {
	return &Sampler{taker: taker, logger: logger}
}

// Sample runs one measurement and records its outcome.
func (s *Sampler) Sample(ctx context.Context) error {
	start := time.Now()
	observability.SamplerRunsTotal.Inc()

	res, err := s.taker.TakeMeasurement(ctx)
	duration := time.Since(start).Seconds()
	observability.SamplerDurationSeconds.Observe(duration)

	if err != nil {
		observability.SamplerErrorsTotal.Inc()
		return err
	}
	if s.logger != nil {
		s.logger.Info("sample complete",
			zap.String("lux", res.Illuminance.Lux),
			zap.String("tcp", res.ColorTemperature.Tcp),
			zap.Float64("duration_seconds", duration))
	}
	return nil
}

// Run takes an initial sample, then repeats at the given interval until ctx
// is done. Sample failures are logged, not fatal; the next tick retries.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) error {
	if err := s.Sample(ctx); err != nil && s.logger != nil {
		s.logger.Warn("initial sample failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sample(ctx); err != nil && s.logger != nil {
				s.logger.Warn("periodic sample failed", zap.Error(err))
			}
		}
	}
}
