package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/photonworks/spectro-service/internal/measurement"
)

func benchResult(b *testing.B) *measurement.Result {
	b.Helper()
	res, err := measurement.Parse(measurement.FakeData())
	if err != nil {
		b.Fatalf("Parse(FakeData()) error = %v", err)
	}
	return res
}

// createBenchmarkRequest creates an HTTP request for benchmarking.
func createBenchmarkRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req = req.WithContext(context.WithValue(req.Context(), "correlation_id", "bench-id"))
	req = req.WithContext(context.WithValue(req.Context(), "logger", zap.NewNop()))
	return req
}

// BenchmarkHandler_PostMeasurement measures the full handler path including
// JSON encoding of a complete spectral result (401-point curve).
func BenchmarkHandler_PostMeasurement(b *testing.B) {
	svc := &mockService{takeRes: benchResult(b)}
	handler := NewHandler(svc, nil, zap.NewNop(), nil)

	router := mux.NewRouter()
	router.HandleFunc("/v1/measurements", handler.PostMeasurement).Methods("POST")

	req := createBenchmarkRequest("POST", "/v1/measurements")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

func BenchmarkHandler_GetLatestMeasurement(b *testing.B) {
	svc := &mockService{latestRes: benchResult(b)}
	handler := NewHandler(svc, nil, zap.NewNop(), nil)

	router := mux.NewRouter()
	router.HandleFunc("/v1/measurements/latest", handler.GetLatestMeasurement).Methods("GET")

	req := createBenchmarkRequest("GET", "/v1/measurements/latest")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

func BenchmarkHandler_PostMeasurement_Error(b *testing.B) {
	svc := &mockService{takeErr: errors.New("usb stall")}
	handler := NewHandler(svc, nil, zap.NewNop(), nil)

	router := mux.NewRouter()
	router.HandleFunc("/v1/measurements", handler.PostMeasurement).Methods("POST")

	req := createBenchmarkRequest("POST", "/v1/measurements")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

// BenchmarkHandler_PostMeasurement_RateLimited measures rate limiter overhead
// on the allowed path.
func BenchmarkHandler_PostMeasurement_RateLimited(b *testing.B) {
	limiter := rate.NewLimiter(rate.Limit(100), 250)
	svc := &mockService{takeRes: benchResult(b)}
	handler := NewHandler(svc, nil, zap.NewNop(), limiter)

	router := mux.NewRouter()
	router.Use(RateLimitMiddleware(limiter))
	router.HandleFunc("/v1/measurements", handler.PostMeasurement).Methods("POST")

	req := createBenchmarkRequest("POST", "/v1/measurements")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

func BenchmarkHandler_GetHealth(b *testing.B) {
	svc := &mockService{}
	healthConfig := &HealthConfig{
		OverloadWindow:         60 * time.Second,
		OverloadThresholdPct:   80,
		RateLimitRPS:           100,
		RateLimitBurst:         250,
		DegradedWindow:         5 * time.Minute,
		DegradedErrorPct:       5,
		IdleWindow:             10 * time.Minute,
		IdleThresholdReqPerMin: 1,
		MinimumLifespan:        5 * time.Minute,
		StartTime:              time.Now(),
	}
	handler := NewHandler(svc, healthConfig, zap.NewNop(), nil)

	router := mux.NewRouter()
	router.HandleFunc("/health", handler.GetHealth)

	req := createBenchmarkRequest("GET", "/health")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}
