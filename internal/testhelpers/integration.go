//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/photonworks/spectro-service/internal/cache"
	"github.com/photonworks/spectro-service/internal/sekonic"
	"github.com/photonworks/spectro-service/internal/service"
	"github.com/photonworks/spectro-service/internal/store"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	cacheBackend := os.Getenv("INTEGRATION_CACHE_BACKEND")
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}
	return IntegrationTestConfig{
		CacheBackend:  cacheBackend,
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationService creates a fully configured measurement service for
// integration tests. The instrument is replaced with the synthetic-data mode,
// so tests run without hardware; everything above it is the production stack.
// Returns service, cache instance, history store, and cleanup function.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.MeterService, cache.Cache, *store.Store, func()) {
	meter := sekonic.New(nil, sekonic.Config{UseFakeData: true}, zap.NewNop())

	var cacheSvc cache.Cache
	cleanupCache := func() {}
	if cfg.CacheBackend == "memcached" {
		memcachedCache, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil {
			cacheSvc = memcachedCache
			cleanupCache = func() { memcachedCache.Close() }
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("Memcached not available (%v), using in-memory cache", err)
			cacheSvc = cache.NewInMemoryCache()
		}
	} else {
		cacheSvc = cache.NewInMemoryCache()
	}

	st, err := store.New(store.Options{Path: "file:" + t.Name() + "?mode=memory&cache=shared"})
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("store.Init() error = %v", err)
	}

	svc := service.NewMeterService(meter, cacheSvc, st, nil, 30*time.Second, true, 40*time.Second)

	cleanup := func() {
		st.Close()
		cleanupCache()
	}
	return svc, cacheSvc, st, cleanup
}
