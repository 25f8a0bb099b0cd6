package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/l0p7/ragproxy/internal/gateway/resilience"
	"github.com/l0p7/ragproxy/internal/gateway/upstream"
	"github.com/l0p7/ragproxy/internal/metrics"
)

// callBackend runs one logical backend call through the resilience executor.
// A 5xx reply that survives every retry comes back as an ordinary response so
// the handler can relay the backend's own error body.
func (g *Gateway) callBackend(ctx context.Context, scope *requestScope, req upstream.Request) (*upstream.Response, error) {
	var last *upstream.Response
	err := g.executor.Do(ctx, func(ctx context.Context) error {
		resp, err := g.backend.Do(ctx, req)
		if err != nil {
			g.metrics.ObserveUpstreamAttempt(scope.route, metrics.UpstreamError)
			return err
		}
		last = resp
		if resp.Status >= http.StatusInternalServerError {
			g.metrics.ObserveUpstreamAttempt(scope.route, metrics.UpstreamError)
			return &resilience.StatusError{Status: resp.Status}
		}
		g.metrics.ObserveUpstreamAttempt(scope.route, metrics.UpstreamSuccess)
		return nil
	})
	if err != nil {
		var statusErr *resilience.StatusError
		if errors.As(err, &statusErr) && last != nil {
			return last, nil
		}
		return nil, err
	}
	return last, nil
}

// writeBackendFailure maps transport failures to the error envelope and
// returns the status for the completion log. Caller cancellation writes
// nothing; nobody is left to read it.
func (g *Gateway) writeBackendFailure(w http.ResponseWriter, scope *requestScope, err error) int {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		scope.logger.Warn("circuit open, failing fast")
		g.writeError(w, http.StatusServiceUnavailable, "backend_unavailable", "backend is temporarily unavailable, retry later")
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		scope.logger.Debug("caller cancelled request", slog.Any("error", err))
		return statusClientClosedRequest
	case isTimeout(err):
		scope.logger.Warn("backend timed out", slog.Any("error", err))
		g.writeError(w, http.StatusGatewayTimeout, "backend_timeout", "backend did not respond in time")
		return http.StatusGatewayTimeout
	default:
		scope.logger.Error("backend request failed", slog.Any("error", err))
		g.writeError(w, http.StatusBadGateway, "backend_error", "backend request failed")
		return http.StatusBadGateway
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func is2xx(status int) bool {
	return status >= 200 && status < 300
}

// proxyPassThrough forwards a request unchanged and relays the reply without
// touching the cache. Query parameters travel with it.
func (g *Gateway) proxyPassThrough(w http.ResponseWriter, r *http.Request, route, path string, readBody bool) {
	scope := g.begin(w, r, route)
	if !g.admit(w, r, scope) {
		return
	}

	var body []byte
	if readBody {
		var ok bool
		body, ok = g.readBody(w, r, scope, maxChatBodyBytes)
		if !ok {
			return
		}
	}

	resp, err := g.callBackend(r.Context(), scope, upstream.Request{
		Method: r.Method,
		Path:   path,
		Query:  r.URL.Query(),
		Header: g.forwardHeaders(r, scope.correlationID),
		Body:   body,
	})
	if err != nil {
		g.finish(scope, g.writeBackendFailure(w, scope, err), false)
		return
	}
	g.relayBackend(w, scope, resp)
	g.finish(scope, resp.Status, false)
}
