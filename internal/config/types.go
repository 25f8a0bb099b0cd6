package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every option the gateway recognizes, grouped by concern.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Backend   BackendConfig   `koanf:"backend"`
	Cache     CacheConfig     `koanf:"cache"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Upload    UploadConfig    `koanf:"upload"`
	Tracing   TracingConfig   `koanf:"tracing"`
}

// ServerConfig collects the listener and logging knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// BackendConfig points the proxy at the RAG backend and bounds its calls.
type BackendConfig struct {
	BaseURL              string `koanf:"baseURL"`
	TimeoutSeconds       int    `koanf:"timeoutSeconds"`
	HealthTimeoutSeconds int    `koanf:"healthTimeoutSeconds"`
}

// Timeout returns the per-call upper bound for proxied backend requests.
func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// HealthTimeout bounds the aggregator's backend probe.
func (c BackendConfig) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutSeconds) * time.Second
}

// CacheConfig selects the response cache backend and its TTL policy.
type CacheConfig struct {
	Enabled           bool              `koanf:"enabled"`
	Backend           string            `koanf:"backend"`
	ChatTTLSeconds    int               `koanf:"chatTTLSeconds"`
	ListTTLSeconds    int               `koanf:"listTTLSeconds"`
	VersionTTLSeconds int               `koanf:"versionTTLSeconds"`
	Memory            MemoryCacheConfig `koanf:"memory"`
	Redis             RedisCacheConfig  `koanf:"redis"`
}

// ChatTTL is the retention for cached chat answers.
func (c CacheConfig) ChatTTL() time.Duration {
	return time.Duration(c.ChatTTLSeconds) * time.Second
}

// ListTTL is the retention for the cached document list.
func (c CacheConfig) ListTTL() time.Duration {
	return time.Duration(c.ListTTLSeconds) * time.Second
}

// VersionTTL is the retention for version tokens. It must comfortably outlive
// the longest entry TTL so a live entry never outlasts the token its key was
// derived from.
func (c CacheConfig) VersionTTL() time.Duration {
	return time.Duration(c.VersionTTLSeconds) * time.Second
}

// MemoryCacheConfig bounds the in-process cache backend.
type MemoryCacheConfig struct {
	MaxEntries int `koanf:"maxEntries"`
}

// RedisCacheConfig carries connection details for the distributed backend.
type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// RateLimitConfig shapes the fixed-window admission policy.
type RateLimitConfig struct {
	Enabled       bool     `koanf:"enabled"`
	Requests      int      `koanf:"requests"`
	WindowSeconds int      `koanf:"windowSeconds"`
	QueueDepth    int      `koanf:"queueDepth"`
	Exemptions    []string `koanf:"exemptions"`
}

// Window returns the fixed-window length.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// UploadConfig bounds inbound document uploads.
type UploadConfig struct {
	MaxBytes int64 `koanf:"maxBytes"`
}

// TracingConfig gates the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"serviceName"`
}

// Validate enforces invariants that keep the gateway predictable before it
// serves traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: server.listen.port invalid: %d", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return errors.New("config: backend.baseURL required")
	}
	parsed, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return fmt.Errorf("config: backend.baseURL invalid: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("config: backend.baseURL scheme unsupported: %s", parsed.Scheme)
	}
	if c.Backend.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: backend.timeoutSeconds invalid: %d", c.Backend.TimeoutSeconds)
	}
	if c.Backend.HealthTimeoutSeconds <= 0 {
		return fmt.Errorf("config: backend.healthTimeoutSeconds invalid: %d", c.Backend.HealthTimeoutSeconds)
	}
	if c.Cache.ChatTTLSeconds <= 0 {
		return fmt.Errorf("config: cache.chatTTLSeconds invalid: %d", c.Cache.ChatTTLSeconds)
	}
	if c.Cache.ListTTLSeconds <= 0 {
		return fmt.Errorf("config: cache.listTTLSeconds invalid: %d", c.Cache.ListTTLSeconds)
	}
	if c.Cache.VersionTTLSeconds <= 0 {
		return fmt.Errorf("config: cache.versionTTLSeconds invalid: %d", c.Cache.VersionTTLSeconds)
	}
	if c.Cache.Memory.MaxEntries <= 0 {
		return fmt.Errorf("config: cache.memory.maxEntries invalid: %d", c.Cache.Memory.MaxEntries)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Requests <= 0 {
			return fmt.Errorf("config: ratelimit.requests invalid: %d", c.RateLimit.Requests)
		}
		if c.RateLimit.WindowSeconds <= 0 {
			return fmt.Errorf("config: ratelimit.windowSeconds invalid: %d", c.RateLimit.WindowSeconds)
		}
	}
	if c.RateLimit.QueueDepth < 0 {
		return fmt.Errorf("config: ratelimit.queueDepth invalid: %d", c.RateLimit.QueueDepth)
	}
	for i, expr := range c.RateLimit.Exemptions {
		if strings.TrimSpace(expr) == "" {
			return fmt.Errorf("config: ratelimit.exemptions[%d] empty", i)
		}
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("config: upload.maxBytes invalid: %d", c.Upload.MaxBytes)
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		return errors.New("config: tracing.endpoint required when tracing is enabled")
	}
	return nil
}

// DefaultConfig returns the baseline values the loader layers files and
// environment variables on top of.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Backend: BackendConfig{
			BaseURL:              "http://127.0.0.1:8000",
			TimeoutSeconds:       120,
			HealthTimeoutSeconds: 5,
		},
		Cache: CacheConfig{
			Enabled:           true,
			Backend:           "memory",
			ChatTTLSeconds:    1800,
			ListTTLSeconds:    300,
			VersionTTLSeconds: 259200,
			Memory: MemoryCacheConfig{
				MaxEntries: 4096,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			Requests:      60,
			WindowSeconds: 60,
			QueueDepth:    0,
		},
		Upload: UploadConfig{
			MaxBytes: 32 << 20,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "ragproxy",
		},
	}
}
