// Package gateway is the request router in front of the RAG backend. Every
// inbound operation runs the same sequence: admission control, cache lookup,
// resilient backend call, cache store, relay.
package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/l0p7/ragproxy/internal/gateway/cache"
	"github.com/l0p7/ragproxy/internal/gateway/ratelimit"
	"github.com/l0p7/ragproxy/internal/gateway/resilience"
	"github.com/l0p7/ragproxy/internal/gateway/upstream"
	"github.com/l0p7/ragproxy/internal/metrics"
)

// Reported in logs and metrics when the caller hangs up before a response
// could be written. Nothing goes on the wire.
const statusClientClosedRequest = 499

// Chat bodies are small JSON. Uploads have their own configured bound.
const maxChatBodyBytes = 1 << 20

// Config wires the gateway's collaborators.
type Config struct {
	Backend  *upstream.Client
	Executor *resilience.Executor
	Cache    *cache.Manager
	Limiter  ratelimit.Limiter

	// UploadMaxBytes rejects multipart uploads beyond this size with 413.
	UploadMaxBytes int64
	// CorrelationHeader names the request ID header echoed to the caller and
	// forwarded to the backend. Empty disables correlation.
	CorrelationHeader string

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Gateway proxies client traffic to the RAG backend with caching, rate
// limiting, and resilience applied uniformly.
type Gateway struct {
	backend           *upstream.Client
	executor          *resilience.Executor
	cache             *cache.Manager
	limiter           ratelimit.Limiter
	uploadMaxBytes    int64
	correlationHeader string
	logger            *slog.Logger
	metrics           *metrics.Recorder
	validate          *validator.Validate
}

// New builds the gateway. Backend and executor are required; a missing cache
// manager or limiter degrades to the matching no-op.
func New(cfg Config) (*Gateway, error) {
	if cfg.Backend == nil {
		return nil, errors.New("gateway: backend client required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("gateway: resilience executor required")
	}
	manager := cfg.Cache
	if manager == nil {
		manager = cache.NewManager(cache.ManagerConfig{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewDisabled()
	}
	uploadMax := cfg.UploadMaxBytes
	if uploadMax <= 0 {
		uploadMax = 32 << 20
	}

	return &Gateway{
		backend:           cfg.Backend,
		executor:          cfg.Executor,
		cache:             manager,
		limiter:           limiter,
		uploadMaxBytes:    uploadMax,
		correlationHeader: strings.TrimSpace(cfg.CorrelationHeader),
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		validate:          validator.New(),
	}, nil
}

// RegisterRoutes attaches the proxied surface to the router. Health and
// metrics endpoints are registered by their own packages.
func (g *Gateway) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/documents/upload", g.uploadDocument).Methods(http.MethodPost)
	router.HandleFunc("/documents", g.listDocuments).Methods(http.MethodGet)
	router.HandleFunc("/documents/{id}", g.getDocument).Methods(http.MethodGet)
	router.HandleFunc("/documents/{id}", g.deleteDocument).Methods(http.MethodDelete)
	router.HandleFunc("/chat/query", g.chatQuery).Methods(http.MethodPost)
	router.HandleFunc("/chat/history/{conversationId}", g.chatHistory).Methods(http.MethodGet)
	router.HandleFunc("/chat/conversations", g.listConversations).Methods(http.MethodGet)
	router.HandleFunc("/chat/conversations", g.createConversation).Methods(http.MethodPost)
}

// requestScope carries the per-request observability state from begin to
// finish.
type requestScope struct {
	start         time.Time
	route         string
	method        string
	correlationID string
	logger        *slog.Logger
}

func (g *Gateway) begin(w http.ResponseWriter, r *http.Request, route string) *requestScope {
	correlationID := g.requestCorrelationID(r)
	if g.correlationHeader != "" {
		w.Header().Set(g.correlationHeader, correlationID)
	}
	logger := g.log().With(
		slog.String("route", route),
		slog.String("correlation_id", correlationID),
	)
	return &requestScope{
		start:         time.Now(),
		route:         route,
		method:        r.Method,
		correlationID: correlationID,
		logger:        logger,
	}
}

func (g *Gateway) finish(scope *requestScope, status int, fromCache bool) {
	duration := time.Since(scope.start)
	scope.logger.Info("request completed",
		slog.Int("http_status", status),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
		slog.Bool("from_cache", fromCache),
	)
	g.metrics.ObserveRequest(scope.route, scope.method, status, fromCache, duration)
}

// admit consults the rate limiter and writes the 429 itself. A false return
// means the handler is done.
func (g *Gateway) admit(w http.ResponseWriter, r *http.Request, scope *requestScope) bool {
	decision, err := g.limiter.Admit(r.Context(), r)
	if err != nil {
		scope.logger.Debug("caller left while queued", slog.Any("error", err))
		g.finish(scope, statusClientClosedRequest, false)
		return false
	}
	if !decision.Allowed {
		seconds := retryAfterSeconds(decision.RetryAfter)
		scope.logger.Info("rate limit exceeded",
			slog.String("partition", decision.Identity.Partition),
			slog.Int("retry_after_seconds", seconds),
		)
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		g.writeRateLimited(w, seconds)
		g.finish(scope, http.StatusTooManyRequests, false)
		return false
	}
	return true
}

func (g *Gateway) requestCorrelationID(r *http.Request) string {
	if r != nil && g.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(g.correlationHeader)); candidate != "" {
			return candidate
		}
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

// forwardHeaders shapes the backend-bound header set: content negotiation and
// auth pass through, correlation is always attached.
func (g *Gateway) forwardHeaders(r *http.Request, correlationID string) http.Header {
	header := http.Header{}
	for _, name := range []string{"Content-Type", "Accept", "Authorization"} {
		if value := r.Header.Get(name); value != "" {
			header.Set(name, value)
		}
	}
	if g.correlationHeader != "" {
		header.Set(g.correlationHeader, correlationID)
	}
	return header
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func (g *Gateway) log() *slog.Logger {
	if g.logger != nil {
		return g.logger
	}
	return slog.Default()
}
