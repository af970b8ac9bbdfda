// Package store persists measurement history in SQLite through bun.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/photonworks/spectro-service/internal/measurement"
)

// ErrNoMeasurements is returned by Latest when the history is empty.
var ErrNoMeasurements = errors.New("no measurements stored")

// MeasurementRecord is one persisted measurement. The headline photometric
// values are stored as display strings so Under/Over survive round trips;
// the full result is kept as a JSON payload.
type MeasurementRecord struct {
	bun.BaseModel `bun:"table:measurements"`

	ID           int64     `bun:"id,pk,autoincrement" json:"id"`
	TakenAt      time.Time `bun:"taken_at,notnull" json:"taken_at"`
	Illuminance  string    `bun:"illuminance" json:"illuminance"`
	ColorTemp    string    `bun:"color_temp" json:"color_temp"`
	DeltaUv      string    `bun:"delta_uv" json:"delta_uv"`
	CRIRa        string    `bun:"cri_ra" json:"cri_ra"`
	PeakWaveLen  int       `bun:"peak_wavelength" json:"peak_wavelength"`
	Payload      []byte    `bun:"payload,notnull" json:"-"`
}

// Result decodes the stored JSON payload back into a measurement result.
func (r *MeasurementRecord) Result() (*measurement.Result, error) {
	var res measurement.Result
	if err := json.Unmarshal(r.Payload, &res); err != nil {
		return nil, fmt.Errorf("decode stored measurement %d: %w", r.ID, err)
	}
	return &res, nil
}

// Options configures the store.
type Options struct {
	// Path is the SQLite DSN. Use "file::memory:?cache=shared" for tests.
	Path string
	// Debug enables bun query logging (also honored via BUNDEBUG env).
	Debug bool
}

// Store owns the bun connection for measurement history.
type Store struct {
	db *bun.DB
}

// New opens the SQLite database and prepares the bun client.
func New(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("store path is required")
	}
	sqlDB, err := sql.Open(sqliteshim.ShimName, opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open measurement store: %w", err)
	}
	db := bun.NewDB(sqlDB, sqlitedialect.New())
	if opts.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(
			bundebug.WithVerbose(true),
			bundebug.FromEnv("BUNDEBUG"),
		))
	}
	return &Store{db: db}, nil
}

// Init creates the measurements table when missing.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*MeasurementRecord)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create measurements table: %w", err)
	}
	return nil
}

// Insert persists one measurement result and returns the stored record.
func (s *Store) Insert(ctx context.Context, res *measurement.Result) (*MeasurementRecord, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode measurement: %w", err)
	}
	rec := &MeasurementRecord{
		TakenAt:     res.TakenAt,
		Illuminance: res.Illuminance.Lux,
		ColorTemp:   res.ColorTemperature.Tcp,
		DeltaUv:     res.ColorTemperature.DeltaUv,
		CRIRa:       res.CRI.Ra,
		PeakWaveLen: res.PeakWavelength,
		Payload:     payload,
	}
	if _, err := s.db.NewInsert().Model(rec).Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert measurement: %w", err)
	}
	return rec, nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]MeasurementRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var recs []MeasurementRecord
	err := s.db.NewSelect().
		Model(&recs).
		OrderExpr("taken_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list measurements: %w", err)
	}
	return recs, nil
}

// Latest returns the most recent record, or ErrNoMeasurements.
func (s *Store) Latest(ctx context.Context) (*MeasurementRecord, error) {
	rec := new(MeasurementRecord)
	err := s.db.NewSelect().
		Model(rec).
		OrderExpr("taken_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoMeasurements
	}
	if err != nil {
		return nil, fmt.Errorf("load latest measurement: %w", err)
	}
	return rec, nil
}

// Count reports the number of stored measurements.
func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.db.NewSelect().Model((*MeasurementRecord)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count measurements: %w", err)
	}
	return n, nil
}

// Ping verifies the database is reachable. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
