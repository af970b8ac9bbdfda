package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/photonworks/spectro-service/internal/circuitbreaker"
	"github.com/photonworks/spectro-service/internal/device"
	"github.com/photonworks/spectro-service/internal/measurement"
	"github.com/photonworks/spectro-service/internal/observability"
	"github.com/photonworks/spectro-service/internal/store"
)

type mockMeter struct {
	result   *measurement.Result
	err      error
	info     device.Info
	infoErr  error
	measured int
}

func (m *mockMeter) Measure(ctx context.Context) (*measurement.Result, error) {
	m.measured++
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockMeter) Info(ctx context.Context) (device.Info, error) {
	return m.info, m.infoErr
}

func (m *mockMeter) ModelName() string    { return "C-7000" }
func (m *mockMeter) FirmwareVersion() int { return 27 }
func (m *mockMeter) String() string       { return "SEKONIC C-7000 FW v27" }

type mockCache struct {
	data map[string]*measurement.Result
	err  error
}

func (m *mockCache) Get(ctx context.Context, key string) (*measurement.Result, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *mockCache) Set(ctx context.Context, key string, value *measurement.Result, ttl time.Duration) error {
	if m.err != nil {
		return m.err
	}
	if m.data == nil {
		m.data = make(map[string]*measurement.Result)
	}
	m.data[key] = value
	return nil
}

type mockHistory struct {
	records   []store.MeasurementRecord
	insertErr error
	latestErr error
	inserted  int
}

func (m *mockHistory) Insert(ctx context.Context, res *measurement.Result) (*store.MeasurementRecord, error) {
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	m.inserted++
	rec := store.MeasurementRecord{
		ID:          int64(m.inserted),
		TakenAt:     res.TakenAt,
		Illuminance: res.Illuminance.Lux,
	}
	m.records = append([]store.MeasurementRecord{rec}, m.records...)
	return &rec, nil
}

func (m *mockHistory) Recent(ctx context.Context, limit int) ([]store.MeasurementRecord, error) {
	if limit > len(m.records) {
		limit = len(m.records)
	}
	return m.records[:limit], nil
}

func (m *mockHistory) Latest(ctx context.Context) (*store.MeasurementRecord, error) {
	if m.latestErr != nil {
		return nil, m.latestErr
	}
	if len(m.records) == 0 {
		return nil, store.ErrNoMeasurements
	}
	return &m.records[0], nil
}

func fakeResult(t *testing.T) *measurement.Result {
	t.Helper()
	res, err := measurement.Parse(measurement.FakeData())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return res
}

// TestTakeMeasurement_Success verifies that a measurement is taken, stamped,
// cached as the latest snapshot, and persisted to history.
func TestTakeMeasurement_Success(t *testing.T) {
	meter := &mockMeter{result: fakeResult(t)}
	c := &mockCache{}
	h := &mockHistory{}
	svc := NewMeterService(meter, c, h, nil, 5*time.Minute, false, 0)

	got, err := svc.TakeMeasurement(context.Background())
	if err != nil {
		t.Fatalf("TakeMeasurement() error = %v, want nil", err)
	}
	if got.TakenAt.IsZero() {
		t.Error("TakeMeasurement() did not stamp TakenAt")
	}

	// Snapshot cache populated
	cached, ok, _ := c.Get(context.Background(), "latest")
	if !ok {
		t.Error("snapshot cache was not populated after measurement")
	} else if cached != got {
		t.Error("cached snapshot differs from returned result")
	}

	// History persisted
	if h.inserted != 1 {
		t.Errorf("history inserts = %d, want 1", h.inserted)
	}
}

// TestTakeMeasurement_MeterFailure verifies that instrument errors are
// propagated and nothing is cached or persisted.
func TestTakeMeasurement_MeterFailure(t *testing.T) {
	meter := &mockMeter{err: errors.New("set up device: pipe broken")}
	c := &mockCache{}
	h := &mockHistory{}
	svc := NewMeterService(meter, c, h, nil, 5*time.Minute, false, 0)

	_, err := svc.TakeMeasurement(context.Background())
	if err == nil {
		t.Fatal("TakeMeasurement() error = nil, want error")
	}
	if _, ok, _ := c.Get(context.Background(), "latest"); ok {
		t.Error("snapshot cache populated despite failure")
	}
	if h.inserted != 0 {
		t.Errorf("history inserts = %d, want 0", h.inserted)
	}
}

// TestTakeMeasurement_CacheSetFailureIsNonFatal verifies that a failing
// snapshot cache does not fail the measurement.
func TestTakeMeasurement_CacheSetFailureIsNonFatal(t *testing.T) {
	setErrBefore := testutil.ToFloat64(observability.CacheErrorsTotal.WithLabelValues("set"))

	meter := &mockMeter{result: fakeResult(t)}
	c := &mockCache{err: errors.New("cache down")}
	svc := NewMeterService(meter, c, &mockHistory{}, nil, 5*time.Minute, false, 0)

	if _, err := svc.TakeMeasurement(context.Background()); err != nil {
		t.Fatalf("TakeMeasurement() error = %v, want nil (cache errors are non-fatal)", err)
	}
	if got := testutil.ToFloat64(observability.CacheErrorsTotal.WithLabelValues("set")); got != setErrBefore+1 {
		t.Errorf("cacheErrorsTotal{set} = %v, want %v", got, setErrBefore+1)
	}
}

// TestTakeMeasurement_HistoryFailureIsNonFatal verifies that a failing history
// store does not fail the measurement.
func TestTakeMeasurement_HistoryFailureIsNonFatal(t *testing.T) {
	meter := &mockMeter{result: fakeResult(t)}
	h := &mockHistory{insertErr: errors.New("disk full")}
	svc := NewMeterService(meter, &mockCache{}, h, nil, 5*time.Minute, false, 0)

	if _, err := svc.TakeMeasurement(context.Background()); err != nil {
		t.Fatalf("TakeMeasurement() error = %v, want nil (history errors are non-fatal)", err)
	}
}

// TestTakeMeasurement_BreakerOpens verifies that repeated instrument failures
// open the breaker and subsequent calls fail fast without touching the meter.
func TestTakeMeasurement_BreakerOpens(t *testing.T) {
	meter := &mockMeter{err: errors.New("pipe broken")}
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
		Component:        "instrument",
	})
	svc := NewMeterService(meter, &mockCache{}, nil, breaker, 5*time.Minute, false, 0)

	for i := 0; i < 2; i++ {
		if _, err := svc.TakeMeasurement(context.Background()); err == nil {
			t.Fatalf("call %d: error = nil, want failure", i)
		}
	}
	measuredBefore := meter.measured

	_, err := svc.TakeMeasurement(context.Background())
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("error = %v, want ErrOpen", err)
	}
	if meter.measured != measuredBefore {
		t.Error("meter was called while breaker open")
	}
}

// TestLatestMeasurement_CacheHit verifies the snapshot cache is preferred.
func TestLatestMeasurement_CacheHit(t *testing.T) {
	want := fakeResult(t)
	c := &mockCache{data: map[string]*measurement.Result{"latest": want}}
	svc := NewMeterService(&mockMeter{}, c, &mockHistory{}, nil, 5*time.Minute, false, 0)

	got, err := svc.LatestMeasurement(context.Background())
	if err != nil {
		t.Fatalf("LatestMeasurement() error = %v, want nil", err)
	}
	if got != want {
		t.Error("LatestMeasurement() did not return cached snapshot")
	}
	if got.Stale {
		t.Error("cached snapshot flagged stale")
	}
}

// TestLatestMeasurement_HistoryFallback verifies that an expired snapshot
// falls back to the newest history record flagged stale.
func TestLatestMeasurement_HistoryFallback(t *testing.T) {
	res := fakeResult(t)
	res.TakenAt = time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	h := &mockHistory{records: []store.MeasurementRecord{{
		ID:      1,
		TakenAt: res.TakenAt,
		Payload: raw,
	}}}
	svc := NewMeterService(&mockMeter{}, &mockCache{}, h, nil, 5*time.Minute, false, 0)

	got, err := svc.LatestMeasurement(context.Background())
	if err != nil {
		t.Fatalf("LatestMeasurement() error = %v, want nil", err)
	}
	if !got.Stale {
		t.Error("history fallback must be flagged stale")
	}
	if !got.TakenAt.Equal(res.TakenAt) {
		t.Errorf("TakenAt = %v, want %v", got.TakenAt, res.TakenAt)
	}
}

// A broken cache backend must not hide the history fallback, and the failure
// has to be visible on the cache error counter.
func TestLatestMeasurement_CacheGetFailureFallsBack(t *testing.T) {
	getErrBefore := testutil.ToFloat64(observability.CacheErrorsTotal.WithLabelValues("get"))

	res := fakeResult(t)
	res.TakenAt = time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	c := &mockCache{err: errors.New("memcached unreachable")}
	h := &mockHistory{records: []store.MeasurementRecord{{ID: 1, TakenAt: res.TakenAt, Payload: raw}}}
	svc := NewMeterService(&mockMeter{}, c, h, nil, 5*time.Minute, false, 0)

	got, err := svc.LatestMeasurement(context.Background())
	if err != nil {
		t.Fatalf("LatestMeasurement() error = %v, want history fallback", err)
	}
	if !got.Stale {
		t.Error("history fallback must be flagged stale")
	}
	if gotN := testutil.ToFloat64(observability.CacheErrorsTotal.WithLabelValues("get")); gotN != getErrBefore+1 {
		t.Errorf("cacheErrorsTotal{get} = %v, want %v", gotN, getErrBefore+1)
	}
}

// TestLatestMeasurement_Empty verifies ErrNoMeasurements when nothing exists.
func TestLatestMeasurement_Empty(t *testing.T) {
	svc := NewMeterService(&mockMeter{}, &mockCache{}, &mockHistory{}, nil, 5*time.Minute, false, 0)

	_, err := svc.LatestMeasurement(context.Background())
	if !errors.Is(err, ErrNoMeasurements) {
		t.Fatalf("error = %v, want ErrNoMeasurements", err)
	}
}

// TestHistory verifies the history listing passes through to the store.
func TestHistory(t *testing.T) {
	h := &mockHistory{}
	svc := NewMeterService(&mockMeter{result: fakeResult(t)}, &mockCache{}, h, nil, 5*time.Minute, false, 0)

	for i := 0; i < 3; i++ {
		if _, err := svc.TakeMeasurement(context.Background()); err != nil {
			t.Fatalf("TakeMeasurement() error = %v", err)
		}
	}
	recs, err := svc.History(context.Background(), 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("History() returned %d records, want 2", len(recs))
	}
}

// TestDeviceInfo verifies the connected-instrument view.
func TestDeviceInfo(t *testing.T) {
	meter := &mockMeter{info: device.Info{
		Status: device.StatusIdle,
		Remote: device.RemoteOn,
		Ring:   device.RingLow,
	}}
	svc := NewMeterService(meter, &mockCache{}, nil, nil, 5*time.Minute, false, 0)

	status, err := svc.DeviceInfo(context.Background())
	if err != nil {
		t.Fatalf("DeviceInfo() error = %v, want nil", err)
	}
	want := DeviceStatus{
		Model:           "C-7000",
		FirmwareVersion: 27,
		Status:          "idle",
		Remote:          "on",
		Ring:            "low",
		Connected:       true,
	}
	if status != want {
		t.Errorf("DeviceInfo() = %+v, want %+v", status, want)
	}
}

// TestDeviceInfo_Unreachable verifies error propagation when the instrument
// cannot be reached.
func TestDeviceInfo_Unreachable(t *testing.T) {
	meter := &mockMeter{infoErr: fmt.Errorf("get device info: pipe broken")}
	svc := NewMeterService(meter, &mockCache{}, nil, nil, 5*time.Minute, false, 0)

	status, err := svc.DeviceInfo(context.Background())
	if err == nil {
		t.Fatal("DeviceInfo() error = nil, want error")
	}
	if status.Connected {
		t.Error("DeviceInfo() Connected = true, want false")
	}
}
