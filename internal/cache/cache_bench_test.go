package cache

import (
	"context"
	"testing"
	"time"

	"github.com/photonworks/spectro-service/internal/measurement"
)

// benchResult builds a full measurement for benchmarks; parse failures cannot
// happen with synthetic data.
func benchResult(b *testing.B) *measurement.Result {
	b.Helper()
	res, err := measurement.Parse(measurement.FakeData())
	if err != nil {
		b.Fatalf("Parse() error = %v", err)
	}
	return res
}

// BenchmarkInMemoryCache_Get_Hit benchmarks cache Get operation on cache hit.
func BenchmarkInMemoryCache_Get_Hit(b *testing.B) {
	cache := NewInMemoryCache()
	ctx := context.Background()

	// Pre-populate cache
	cache.Set(ctx, LatestKey, benchResult(b), 5*time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = cache.Get(ctx, LatestKey)
	}
}

// BenchmarkInMemoryCache_Get_Miss benchmarks cache Get operation on cache miss.
func BenchmarkInMemoryCache_Get_Miss(b *testing.B) {
	cache := NewInMemoryCache()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = cache.Get(ctx, "nonexistent")
	}
}

// BenchmarkInMemoryCache_Set benchmarks cache Set operation.
func BenchmarkInMemoryCache_Set(b *testing.B) {
	cache := NewInMemoryCache()
	ctx := context.Background()
	res := benchResult(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cache.Set(ctx, LatestKey, res, 5*time.Minute)
	}
}

// BenchmarkInMemoryCache_Concurrent benchmarks concurrent cache operations.
func BenchmarkInMemoryCache_Concurrent(b *testing.B) {
	cache := NewInMemoryCache()
	ctx := context.Background()
	cache.Set(ctx, LatestKey, benchResult(b), 5*time.Minute)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _, _ = cache.Get(ctx, LatestKey)
		}
	})
}

// BenchmarkMemcachedCache_Set benchmarks Memcached Set with a full spectral
// payload. Requires: Memcached running (skip if unavailable).
func BenchmarkMemcachedCache_Set(b *testing.B) {
	if testing.Short() {
		b.Skip("Skipping Memcached benchmark in short mode")
	}

	cache, err := NewMemcachedCache("localhost:11211", 500*time.Millisecond, 2)
	if err != nil {
		b.Skipf("Memcached not available: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	res := benchResult(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cache.Set(ctx, LatestKey, res, 5*time.Minute)
	}
}
