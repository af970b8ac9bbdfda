package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Sekonic C-7000 USB identity.
const (
	DefaultVendorID  = 0x0A41
	DefaultProductID = 0x7003
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	// Device identifies the instrument and bounds its polling loops.
	VendorID     uint16
	ProductID    uint16
	FakeDevice   bool
	MaxConnWait  time.Duration
	ConnWaitStep time.Duration
	MaxMeasWait  time.Duration
	MeasWaitStep time.Duration

	RequestTimeout time.Duration
	CacheTTL       time.Duration
	CacheBackend   string // "in_memory" or "memcached"

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	StoreEnabled bool
	StorePath    string
	StoreDebug   bool

	SamplerEnabled  bool
	SamplerInterval time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	IdleThresholdReqPerMin int
	IdleWindow             time.Duration
	MinimumLifespan        time.Duration
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	DegradedRetryInitial   time.Duration
	DegradedRetryMax       time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Device struct {
		VendorID     string `yaml:"vendor_id"`
		ProductID    string `yaml:"product_id"`
		Fake         *bool  `yaml:"fake"`
		MaxConnWait  string `yaml:"max_conn_wait"`
		ConnWaitStep string `yaml:"conn_wait_step"`
		MaxMeasWait  string `yaml:"max_meas_wait"`
		MeasWaitStep string `yaml:"meas_wait_step"`
	} `yaml:"device"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Store struct {
		Enabled *bool  `yaml:"enabled"`
		Path    string `yaml:"path"`
		Debug   bool   `yaml:"debug"`
	} `yaml:"store"`

	Sampler struct {
		Enabled  bool   `yaml:"enabled"`
		Interval string `yaml:"interval"`
	} `yaml:"sampler"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
		CircuitBreaker struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
		Coalesce struct {
			Enabled *bool  `yaml:"enabled"`
			Timeout string `yaml:"timeout"`
		} `yaml:"coalesce"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow         string `yaml:"overload_window"`
		OverloadThresholdPct   int    `yaml:"overload_threshold_pct"`
		IdleThresholdReqPerMin int    `yaml:"idle_threshold_req_per_min"`
		IdleWindow             string `yaml:"idle_window"`
		MinimumLifespan        string `yaml:"minimum_lifespan"`
		DegradedWindow         string `yaml:"degraded_window"`
		DegradedErrorPct       int    `yaml:"degraded_error_pct"`
		DegradedRetryInitial   string `yaml:"degraded_retry_initial"`
		DegradedRetryMax       string `yaml:"degraded_retry_max"`
	} `yaml:"lifecycle"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev).
// FAKE_DEVICE, CACHE_BACKEND, MEMCACHED_ADDRS and STORE_PATH env variables
// override the file. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFile(filepath.Join(cwd, "config", env+".yaml"))
}

// LoadFile reads configuration from an explicit YAML path. Env overrides
// still apply.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return parse(data)
}

// parse builds a Config from raw YAML, applying env overrides and defaults.
func parse(data []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.VendorID = DefaultVendorID
	if fc.Device.VendorID != "" {
		id, err := parseUSBID(fc.Device.VendorID)
		if err != nil {
			return nil, fmt.Errorf("device.vendor_id: %w", err)
		}
		cfg.VendorID = id
	}
	cfg.ProductID = DefaultProductID
	if fc.Device.ProductID != "" {
		id, err := parseUSBID(fc.Device.ProductID)
		if err != nil {
			return nil, fmt.Errorf("device.product_id: %w", err)
		}
		cfg.ProductID = id
	}
	if fc.Device.Fake != nil {
		cfg.FakeDevice = *fc.Device.Fake
	}
	if v := strings.TrimSpace(os.Getenv("FAKE_DEVICE")); v != "" {
		cfg.FakeDevice = v == "1" || strings.EqualFold(v, "true")
	}
	cfg.MaxConnWait = parseDuration(fc.Device.MaxConnWait, 10*time.Second)
	cfg.ConnWaitStep = parseDuration(fc.Device.ConnWaitStep, 100*time.Millisecond)
	cfg.MaxMeasWait = parseDuration(fc.Device.MaxMeasWait, 30*time.Second)
	cfg.MeasWaitStep = parseDuration(fc.Device.MeasWaitStep, 200*time.Millisecond)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 45*time.Second)

	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 30*time.Second)
	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.StoreEnabled = true
	if fc.Store.Enabled != nil {
		cfg.StoreEnabled = *fc.Store.Enabled
	}
	cfg.StorePath = strings.TrimSpace(os.Getenv("STORE_PATH"))
	if cfg.StorePath == "" {
		cfg.StorePath = strings.TrimSpace(fc.Store.Path)
	}
	if cfg.StorePath == "" {
		cfg.StorePath = "file:spectro.db"
	}
	cfg.StoreDebug = fc.Store.Debug

	cfg.SamplerEnabled = fc.Sampler.Enabled
	cfg.SamplerInterval = parseDuration(fc.Sampler.Interval, time.Minute)

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 10
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}

	cfg.CircuitBreakerEnabled = true
	if fc.Reliability.CircuitBreaker.Enabled != nil {
		cfg.CircuitBreakerEnabled = *fc.Reliability.CircuitBreaker.Enabled
	}
	cfg.CircuitBreakerFailureThreshold = fc.Reliability.CircuitBreaker.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 3
	}
	cfg.CircuitBreakerSuccessThreshold = fc.Reliability.CircuitBreaker.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(fc.Reliability.CircuitBreaker.Timeout, 30*time.Second)

	cfg.CoalesceEnabled = true
	if fc.Reliability.Coalesce.Enabled != nil {
		cfg.CoalesceEnabled = *fc.Reliability.Coalesce.Enabled
	}
	cfg.CoalesceTimeout = parseDuration(fc.Reliability.Coalesce.Timeout, 40*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.IdleThresholdReqPerMin = fc.Lifecycle.IdleThresholdReqPerMin
	if cfg.IdleThresholdReqPerMin <= 0 {
		cfg.IdleThresholdReqPerMin = 5
	}
	cfg.IdleWindow = parseDuration(fc.Lifecycle.IdleWindow, 5*time.Minute)
	cfg.MinimumLifespan = parseDuration(fc.Lifecycle.MinimumLifespan, 5*time.Minute)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}
	cfg.DegradedRetryInitial = parseDuration(fc.Lifecycle.DegradedRetryInitial, 1*time.Minute)
	cfg.DegradedRetryMax = parseDuration(fc.Lifecycle.DegradedRetryMax, 20*time.Minute)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseUSBID parses a USB vendor or product ID. Accepts hex with 0x prefix
// (the form lsusb prints) or plain decimal.
func parseUSBID(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	id, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid USB id %q", s)
	}
	return uint16(id), nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// The request timeout must cover a full measurement wait, otherwise every
// slow measurement dies on the HTTP deadline instead of its own.
func validate(cfg *Config) error {
	if cfg.RequestTimeout <= cfg.MaxMeasWait {
		cfg.RequestTimeout = cfg.MaxMeasWait + 5*time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.StoreEnabled && cfg.StorePath == "" {
		return fmt.Errorf("store.path required when store is enabled")
	}
	return nil
}
