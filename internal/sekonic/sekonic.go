// Package sekonic orchestrates measurements on a single instrument: connect,
// wait until ready, run the measurement command sequence, fetch the result.
package sekonic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/photonworks/spectro-service/internal/device"
	"github.com/photonworks/spectro-service/internal/measurement"
	"github.com/photonworks/spectro-service/internal/usbadapter"
)

// Commander is the slice of device behavior the controller drives.
// *device.Device satisfies it; tests substitute a fake.
type Commander interface {
	Info() (device.Info, error)
	SetRemote(on bool) error
	Configure() error
	StartMeasuring() error
	MeasuringResult() (*measurement.Result, error)
	ModelName() string
	FirmwareVersion() int
	Close() error
	String() string
}

var (
	ErrNotFound       = errors.New("sekonic not found")
	ErrUSBConnection  = errors.New("usb connection failed")
	ErrRingNotLow     = errors.New("ring is not set to low position")
	ErrButtonPressed  = errors.New("measuring button is pressed")
	ErrConnectTimeout = errors.New("max connect time exceeded")
	ErrMeasureTimeout = errors.New("max wait time exceeded")
)

// Config bounds the two polling loops. UseFakeData short-circuits Measure to
// a synthetic result so the rest of the stack runs without hardware.
type Config struct {
	MaxConnWait  time.Duration
	ConnWaitStep time.Duration
	MaxMeasWait  time.Duration
	MeasWaitStep time.Duration
	UseFakeData  bool
}

// DefaultConfig returns polling bounds suited to the instrument: readiness is
// quick, but a measurement with dark calibration can take tens of seconds.
func DefaultConfig() Config {
	return Config{
		MaxConnWait:  10 * time.Second,
		ConnWaitStep: 100 * time.Millisecond,
		MaxMeasWait:  30 * time.Second,
		MeasWaitStep: 200 * time.Millisecond,
	}
}

// OpenFunc connects to the instrument. Wired to usbadapter + device in main.
type OpenFunc func() (Commander, error)

// Sekonic serializes all access to the single physical instrument.
type Sekonic struct {
	mu     sync.Mutex
	dev    Commander
	open   OpenFunc
	cfg    Config
	logger *zap.Logger
}

// New returns a controller that connects lazily via open.
func New(open OpenFunc, cfg Config, logger *zap.Logger) *Sekonic {
	if cfg.MaxConnWait <= 0 {
		cfg.MaxConnWait = DefaultConfig().MaxConnWait
	}
	if cfg.ConnWaitStep <= 0 {
		cfg.ConnWaitStep = DefaultConfig().ConnWaitStep
	}
	if cfg.MaxMeasWait <= 0 {
		cfg.MaxMeasWait = DefaultConfig().MaxMeasWait
	}
	if cfg.MeasWaitStep <= 0 {
		cfg.MeasWaitStep = DefaultConfig().MeasWaitStep
	}
	return &Sekonic{open: open, cfg: cfg, logger: logger}
}

// connect opens the device, folding transport failures into the two
// operator-facing sentinels.
func (s *Sekonic) connect() error {
	dev, err := s.open()
	if err != nil {
		if errors.Is(err, usbadapter.ErrDeviceNotFound) || errors.Is(err, usbadapter.ErrNoBackend) {
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return fmt.Errorf("%w: %v", ErrUSBConnection, err)
	}
	s.dev = dev
	if s.logger != nil {
		s.logger.Info("instrument connected",
			zap.String("model", dev.ModelName()),
			zap.Int("firmware", dev.FirmwareVersion()))
	}
	return nil
}

// ensureConnection connects when needed and verifies the instrument is in a
// usable state. A device that fails readiness is closed so the next call
// reconnects from scratch.
func (s *Sekonic) ensureConnection(ctx context.Context) error {
	if s.dev == nil {
		if err := s.connect(); err != nil {
			return err
		}
	}
	if err := s.waitUntilReady(ctx); err != nil {
		_ = s.dev.Close()
		s.dev = nil
		return err
	}
	return nil
}

// waitUntilReady polls status until the instrument is no longer busy, then
// checks the physical preconditions for a remote measurement.
func (s *Sekonic) waitUntilReady(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.MaxConnWait)
	for {
		info, err := s.dev.Info()
		if err != nil {
			return fmt.Errorf("get device info: %w", err)
		}
		if !info.Status.Busy() {
			if info.Button == device.ButtonMeasuring {
				s.remoteOffQuiet()
				return ErrButtonPressed
			}
			if info.Ring != device.RingLow {
				s.remoteOffQuiet()
				return ErrRingNotLow
			}
			return nil
		}
		if time.Now().After(deadline) {
			s.remoteOffQuiet()
			return ErrConnectTimeout
		}
		if err := sleepCtx(ctx, s.cfg.ConnWaitStep); err != nil {
			return err
		}
	}
}

// waitMeasurementResult polls until the measurement completes. Transient
// status errors are ignored; the instrument drops a few polls while busy.
func (s *Sekonic) waitMeasurementResult(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.MaxMeasWait)
	for {
		info, err := s.dev.Info()
		if err == nil && !info.Status.Busy() {
			return nil
		}
		if time.Now().After(deadline) {
			s.remoteOffQuiet()
			return ErrMeasureTimeout
		}
		if err := sleepCtx(ctx, s.cfg.MeasWaitStep); err != nil {
			return err
		}
	}
}

// Measure runs one full measurement sequence and returns the decoded result.
func (s *Sekonic) Measure(ctx context.Context) (*measurement.Result, error) {
	if s.cfg.UseFakeData {
		return measurement.Parse(measurement.FakeData())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		if err := s.ensureConnection(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	if err := s.dev.SetRemote(true); err != nil {
		return nil, fmt.Errorf("set up device: %w", err)
	}
	if err := s.dev.Configure(); err != nil {
		return nil, fmt.Errorf("set up device: %w", err)
	}
	if err := s.dev.StartMeasuring(); err != nil {
		return nil, fmt.Errorf("get measurement: %w", err)
	}
	if err := s.waitMeasurementResult(ctx); err != nil {
		return nil, err
	}
	result, err := s.dev.MeasuringResult()
	if err != nil {
		return nil, fmt.Errorf("get measurement: %w", err)
	}

	// Leave the panel usable even when switching remote off fails.
	s.remoteOffQuiet()

	if s.logger != nil {
		s.logger.Debug("measurement complete", zap.Duration("duration", time.Since(start)))
	}
	return result, nil
}

// Info reports the current instrument status, connecting when needed.
func (s *Sekonic) Info(ctx context.Context) (device.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		if err := s.connect(); err != nil {
			return device.Info{}, err
		}
	}
	info, err := s.dev.Info()
	if err != nil {
		return device.Info{}, fmt.Errorf("get device info: %w", err)
	}
	return info, nil
}

// Close switches remote mode off and releases the device. Safe when never
// connected.
func (s *Sekonic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return nil
	}
	s.remoteOffQuiet()
	err := s.dev.Close()
	s.dev = nil
	return err
}

// Connected reports whether the controller currently holds the USB claim.
func (s *Sekonic) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev != nil
}

// ModelName returns the connected model, or "" when not connected.
func (s *Sekonic) ModelName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return ""
	}
	return s.dev.ModelName()
}

// FirmwareVersion returns the connected firmware number, or 0 when not
// connected.
func (s *Sekonic) FirmwareVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return 0
	}
	return s.dev.FirmwareVersion()
}

func (s *Sekonic) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return "Not connected"
	}
	return s.dev.String()
}

func (s *Sekonic) remoteOffQuiet() {
	if s.dev == nil {
		return
	}
	if err := s.dev.SetRemote(false); err != nil && s.logger != nil {
		s.logger.Debug("remote mode off failed", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
