package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/photonworks/spectro-service/internal/circuitbreaker"
	"github.com/photonworks/spectro-service/internal/idle"
	"github.com/photonworks/spectro-service/internal/lifecycle"
	"github.com/photonworks/spectro-service/internal/measurement"
	"github.com/photonworks/spectro-service/internal/sekonic"
	"github.com/photonworks/spectro-service/internal/service"
	"github.com/photonworks/spectro-service/internal/store"
	"github.com/photonworks/spectro-service/internal/traffic"
)

// MeasurementService is the service surface the handlers call. Implemented by
// *service.MeterService; tests substitute a fake.
type MeasurementService interface {
	TakeMeasurement(ctx context.Context) (*measurement.Result, error)
	LatestMeasurement(ctx context.Context) (*measurement.Result, error)
	History(ctx context.Context, limit int) ([]store.MeasurementRecord, error)
	DeviceInfo(ctx context.Context) (service.DeviceStatus, error)
	BreakerState() circuitbreaker.State
}

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	RateLimitRPS           int
	RateLimitBurst         int // 0 when rate limiter disabled
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
	StartTime              time.Time
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	// StorePing, when set, is called to check history store reachability.
	StorePing func(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc              MeasurementService
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	svc MeasurementService,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
) *Handler {
	return &Handler{
		svc:          svc,
		healthConfig: healthConfig,
		logger:       logger,
		rateLimiter:  rateLimiter,
	}
}

// PostMeasurement handles POST /v1/measurements: triggers one measurement on
// the instrument and returns the decoded result.
func (h *Handler) PostMeasurement(w http.ResponseWriter, r *http.Request) {
	idle.RecordRequest()
	result, err := h.svc.TakeMeasurement(r.Context())
	if err != nil {
		writeMeasurementError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// GetLatestMeasurement handles GET /v1/measurements/latest.
func (h *Handler) GetLatestMeasurement(w http.ResponseWriter, r *http.Request) {
	idle.RecordRequest()
	result, err := h.svc.LatestMeasurement(r.Context())
	if errors.Is(err, service.ErrNoMeasurements) {
		writeError(w, r, http.StatusNotFound, "NO_MEASUREMENTS", "no measurements taken yet")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "STORE_ERROR", "unable to load latest measurement")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetMeasurements handles GET /v1/measurements?limit=N: lists stored
// measurements, newest first.
func (h *Handler) GetMeasurements(w http.ResponseWriter, r *http.Request) {
	idle.RecordRequest()
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	recs, err := h.svc.History(r.Context(), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "STORE_ERROR", "unable to list measurements")
		return
	}
	if recs == nil {
		recs = []store.MeasurementRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"measurements": recs,
		"count":        len(recs),
	})
}

// GetDevice handles GET /v1/device: reports instrument identity and state.
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.DeviceInfo(r.Context())
	if err != nil {
		traffic.RecordError()
		writeError(w, r, http.StatusServiceUnavailable, "DEVICE_UNAVAILABLE", "instrument is not reachable")
		if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
			logger.Debug("device info error", zap.Error(err))
		}
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, status)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if h.svc.BreakerState() == circuitbreaker.StateOpen {
		checks["instrument"] = "unhealthy"
	} else {
		checks["instrument"] = "healthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	if h.healthConfig != nil && h.healthConfig.StorePing != nil {
		if h.healthConfig.StorePing(r.Context()) == nil {
			checks["store"] = "healthy"
		} else {
			checks["store"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "spectro-service",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus determines the current health status by evaluating multiple conditions
// in priority order. Returns healthResult with status, HTTP status code, and reason.
// Decision order: shutting-down > breaker open > overloaded > idle > degraded > healthy.
// Each condition is evaluated only if previous conditions are not met.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	// Priority 1: Check if service is shutting down
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	// Priority 2: Instrument breaker open means measurements fail fast
	if h.svc.BreakerState() == circuitbreaker.StateOpen {
		return healthResult{"degraded", http.StatusServiceUnavailable, "breaker_open"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	// Priority 3: Check overload threshold (requests in window exceed configured share of capacity)
	threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
	if float64(traffic.RequestCount(h.healthConfig.OverloadWindow)) > threshold {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
	}
	// Priority 4: Check idle conditions (only if uptime exceeds minimum lifespan)
	if h.healthConfig.IdleWindow > 0 && h.healthConfig.MinimumLifespan > 0 && time.Since(h.healthConfig.StartTime) >= h.healthConfig.MinimumLifespan {
		if idle.RequestCount(h.healthConfig.IdleWindow) < h.healthConfig.IdleThresholdReqPerMin {
			return healthResult{"idle", http.StatusOK, "low_traffic"}
		}
	}
	// Priority 5: Check degraded state (error rate exceeds configured threshold)
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errs) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	// Default: All checks passed, service is healthy
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
// Sets Content-Type header to application/json and encodes the provided value.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeMeasurementError maps measurement failures onto HTTP statuses. Panel
// preconditions are the operator's to fix (409); everything else is a 503.
func writeMeasurementError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sekonic.ErrRingNotLow):
		writeError(w, r, http.StatusConflict, "RING_NOT_LOW", "set the light selection ring to the low position")
	case errors.Is(err, sekonic.ErrButtonPressed):
		writeError(w, r, http.StatusConflict, "BUTTON_PRESSED", "release the measuring button")
	case errors.Is(err, sekonic.ErrNotFound):
		writeError(w, r, http.StatusServiceUnavailable, "DEVICE_NOT_FOUND", "instrument is not connected")
	case errors.Is(err, circuitbreaker.ErrOpen):
		writeError(w, r, http.StatusServiceUnavailable, "INSTRUMENT_UNAVAILABLE", "instrument calls are suspended after repeated failures")
	default:
		writeError(w, r, http.StatusServiceUnavailable, "MEASUREMENT_FAILED", "unable to take measurement")
	}
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Debug("measurement error", zap.Error(err))
	}
}
