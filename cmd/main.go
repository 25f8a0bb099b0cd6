package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/l0p7/ragproxy/internal/config"
	"github.com/l0p7/ragproxy/internal/gateway"
	"github.com/l0p7/ragproxy/internal/gateway/cache"
	"github.com/l0p7/ragproxy/internal/gateway/ratelimit"
	"github.com/l0p7/ragproxy/internal/gateway/resilience"
	"github.com/l0p7/ragproxy/internal/gateway/upstream"
	"github.com/l0p7/ragproxy/internal/health"
	"github.com/l0p7/ragproxy/internal/logging"
	"github.com/l0p7/ragproxy/internal/metrics"
	"github.com/l0p7/ragproxy/internal/server"
	"github.com/l0p7/ragproxy/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
)

// version is stamped by the build via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		configFile = flag.String("config", "", "path to gateway configuration file")
		envPrefix  = flag.String("env-prefix", "RAGPROXY", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		logger.Error("tracing setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracing shutdown failed", slog.Any("error", err))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	cacheLogger := logger.With(slog.String("component", "cache"))
	responseCache, versionStore := buildResponseCache(cacheLogger, cfg.Cache)
	cacheManager := cache.NewManager(cache.ManagerConfig{
		Cache:    responseCache,
		Versions: versionStore,
		ChatTTL:  cfg.Cache.ChatTTL(),
		ListTTL:  cfg.Cache.ListTTL(),
		Logger:   cacheLogger,
		Metrics:  metricsRecorder,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := cacheManager.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	limiter, exemptions, err := buildLimiter(logger, cfg.RateLimit, metricsRecorder)
	if err != nil {
		logger.Error("rate limiter setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	backendClient, err := upstream.New(upstream.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.Timeout(),
		Tracing: cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Error("backend client setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	executor := resilience.NewExecutor("backend", resilience.Defaults(), logger, metricsRecorder)

	gw, err := gateway.New(gateway.Config{
		Backend:           backendClient,
		Executor:          executor,
		Cache:             cacheManager,
		Limiter:           limiter,
		UploadMaxBytes:    cfg.Upload.MaxBytes,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		Logger:            logger,
		Metrics:           metricsRecorder,
	})
	if err != nil {
		logger.Error("gateway setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	registry := health.NewRegistry(health.Config{
		Version: version,
		Timeout: cfg.Backend.HealthTimeout(),
		Logger:  logger,
	})
	registry.Register("backend", backendProbe(backendClient), health.TagReady)
	if cfg.Cache.Enabled {
		registry.Register("cache", cacheProbe(cacheManager), health.TagReady)
	}
	registry.Register("circuit_breaker", breakerProbe(executor))

	if *configFile != "" && exemptions != nil {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			if err := exemptions.Replace(next.RateLimit.Exemptions); err != nil {
				logger.Error("exemption reload failed", slog.Any("error", err))
				return
			}
			logger.Info("rate limit exemptions reloaded", slog.Int("rules", len(next.RateLimit.Exemptions)))
		}, func(err error) {
			if err != nil {
				logger.Error("config watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	router := server.NewRouter(metricsRecorder.Handler(), gw, registry)
	srv, err := server.New(cfg, logger, router)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("gateway shutdown complete")
}

// buildResponseCache selects the configured cache backend. Redis failures fall
// back to memory so the gateway still starts and serves, just without shared
// state across replicas.
func buildResponseCache(logger *slog.Logger, cfg config.CacheConfig) (cache.ResponseCache, cache.VersionStore) {
	if !cfg.Enabled {
		logger.Info("response caching disabled")
		return cache.NewNoop(), cache.NewNoopVersions()
	}

	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		redisCfg := cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		}
		redisCache, err := cache.NewRedis(redisCfg)
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			break
		}
		versions, err := cache.NewRedisVersions(redisCfg, cfg.VersionTTL())
		if err != nil {
			logger.Error("redis version store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			if closeErr := redisCache.Close(context.Background()); closeErr != nil {
				logger.Error("redis cache close failed", slog.Any("error", closeErr))
			}
			break
		}
		logger.Info("using redis response cache", slog.String("address", cfg.Redis.Address))
		return redisCache, versions
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
	}

	memory, err := cache.NewMemory(cfg.Memory.MaxEntries, cfg.ChatTTL())
	if err != nil {
		logger.Error("memory cache initialization failed", slog.Any("error", err))
		return cache.NewNoop(), cache.NewNoopVersions()
	}
	logger.Info("using memory response cache", slog.Int("max_entries", cfg.Memory.MaxEntries))
	return memory, cache.NewMemoryVersions()
}

// buildLimiter assembles the fixed-window limiter with its compiled
// exemptions. The exemptions handle is returned separately so config reloads
// can swap rules without rebuilding the limiter.
func buildLimiter(logger *slog.Logger, cfg config.RateLimitConfig, recorder *metrics.Recorder) (ratelimit.Limiter, *ratelimit.Exemptions, error) {
	if !cfg.Enabled {
		logger.Info("rate limiting disabled")
		return ratelimit.NewDisabled(), nil, nil
	}

	exemptions, err := ratelimit.NewExemptions(cfg.Exemptions)
	if err != nil {
		return nil, nil, err
	}
	limiter := ratelimit.NewFixedWindow(ratelimit.Config{
		Requests:   cfg.Requests,
		Window:     cfg.Window(),
		QueueDepth: cfg.QueueDepth,
		Exemptions: exemptions,
		Metrics:    recorder,
	})
	logger.Info("rate limiting enabled",
		slog.Int("requests", cfg.Requests),
		slog.Duration("window", cfg.Window()),
		slog.Int("queue_depth", cfg.QueueDepth),
		slog.Int("exemptions", len(cfg.Exemptions)))
	return limiter, exemptions, nil
}

// backendProbe checks that the RAG backend answers its health route. Any
// response proves reachability; only 5xx and transport errors fail the probe.
func backendProbe(client *upstream.Client) health.Probe {
	return func(ctx context.Context) error {
		resp, err := client.Do(ctx, upstream.Request{Method: http.MethodGet, Path: "/health"})
		if err != nil {
			return err
		}
		if resp.Status >= http.StatusInternalServerError {
			return fmt.Errorf("backend health returned %d", resp.Status)
		}
		return nil
	}
}

// cacheProbe touches the cache backend with a size query.
func cacheProbe(manager *cache.Manager) health.Probe {
	return func(ctx context.Context) error {
		_, err := manager.Size(ctx)
		return err
	}
}

// breakerProbe reports an open or half-open breaker as degraded. It carries
// no ready tag: a broken backend already fails readiness through its own
// probe, and a cooling-down breaker alone should not pull the gateway out of
// rotation.
func breakerProbe(executor *resilience.Executor) health.Probe {
	return func(ctx context.Context) error {
		if state := executor.State(); state != "closed" {
			return fmt.Errorf("breaker %s: %w", state, health.ErrDegraded)
		}
		return nil
	}
}
