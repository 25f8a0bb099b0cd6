package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the gateway configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.correlationheader": "server.logging.correlationHeader",
			"backend.baseurl":                  "backend.baseURL",
			"backend.timeoutseconds":           "backend.timeoutSeconds",
			"backend.healthtimeoutseconds":     "backend.healthTimeoutSeconds",
			"cache.chatttlseconds":             "cache.chatTTLSeconds",
			"cache.listttlseconds":             "cache.listTTLSeconds",
			"cache.versionttlseconds":          "cache.versionTTLSeconds",
			"cache.memory.maxentries":          "cache.memory.maxEntries",
			"cache.redis.tls.cafile":           "cache.redis.tls.caFile",
			"ratelimit.windowseconds":          "ratelimit.windowSeconds",
			"ratelimit.queuedepth":             "ratelimit.queueDepth",
			"upload.maxbytes":                  "upload.maxBytes",
			"tracing.servicename":              "tracing.serviceName",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (BACKEND__TIMEOUTSECONDS -> backend.timeoutSeconds).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config file extension %s", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
		},
		"backend": map[string]any{
			"baseURL":              cfg.Backend.BaseURL,
			"timeoutSeconds":       cfg.Backend.TimeoutSeconds,
			"healthTimeoutSeconds": cfg.Backend.HealthTimeoutSeconds,
		},
		"cache": map[string]any{
			"enabled":           cfg.Cache.Enabled,
			"backend":           cfg.Cache.Backend,
			"chatTTLSeconds":    cfg.Cache.ChatTTLSeconds,
			"listTTLSeconds":    cfg.Cache.ListTTLSeconds,
			"versionTTLSeconds": cfg.Cache.VersionTTLSeconds,
			"memory": map[string]any{
				"maxEntries": cfg.Cache.Memory.MaxEntries,
			},
			"redis": map[string]any{
				"address":  cfg.Cache.Redis.Address,
				"username": cfg.Cache.Redis.Username,
				"password": cfg.Cache.Redis.Password,
				"db":       cfg.Cache.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
		},
		"ratelimit": map[string]any{
			"enabled":       cfg.RateLimit.Enabled,
			"requests":      cfg.RateLimit.Requests,
			"windowSeconds": cfg.RateLimit.WindowSeconds,
			"queueDepth":    cfg.RateLimit.QueueDepth,
			"exemptions":    cfg.RateLimit.Exemptions,
		},
		"upload": map[string]any{
			"maxBytes": cfg.Upload.MaxBytes,
		},
		"tracing": map[string]any{
			"enabled":     cfg.Tracing.Enabled,
			"endpoint":    cfg.Tracing.Endpoint,
			"serviceName": cfg.Tracing.ServiceName,
		},
	}
}
