package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/l0p7/ragproxy/internal/gateway/cache"
	"github.com/l0p7/ragproxy/internal/gateway/upstream"
)

func (g *Gateway) writeError(w http.ResponseWriter, status int, code, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	payload := map[string]any{"error": code, "message": message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.log().Error("error response encode failed", slog.Any("error", err))
	}
}

// reject writes the error envelope and closes out the request's
// observability in one step.
func (g *Gateway) reject(w http.ResponseWriter, scope *requestScope, status int, code, message string) {
	g.writeError(w, status, code, message)
	g.finish(scope, status, false)
}

// readBody buffers the request body under limit, answering 413 or 400 itself
// on failure. The buffered bytes let a retried backend call replay the same
// request.
func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request, scope *requestScope, limit int64) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			g.reject(w, scope, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("request body exceeds the %d byte limit", maxErr.Limit))
			return nil, false
		}
		scope.logger.Debug("request body read failed", slog.Any("error", err))
		g.reject(w, scope, http.StatusBadRequest, "invalid_request", "request body could not be read")
		return nil, false
	}
	return body, true
}

func (g *Gateway) writeRateLimited(w http.ResponseWriter, seconds int) {
	payload := map[string]any{
		"error":               "rate_limited",
		"message":             "request rate limit exceeded; retry later",
		"retry_after_seconds": seconds,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.log().Error("error response encode failed", slog.Any("error", err))
	}
}

// relayBackend writes the backend reply through unchanged. Error statuses
// whose bodies are not valid JSON get the structured envelope instead so the
// caller never sees a raw backend failure page.
func (g *Gateway) relayBackend(w http.ResponseWriter, scope *requestScope, resp *upstream.Response) {
	if resp.Status >= http.StatusBadRequest {
		if len(resp.Body) == 0 || !json.Valid(resp.Body) {
			g.writeError(w, resp.Status, "backend_error", "backend returned a malformed error response")
			return
		}
	}

	contentType := resp.ContentType()
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		scope.logger.Error("response write failed", slog.Any("error", err))
	}
}

// replayCached writes a stored reply byte for byte.
func (g *Gateway) replayCached(w http.ResponseWriter, scope *requestScope, entry cache.Entry) {
	contentType := entry.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(entry.Status)
	if _, err := w.Write(entry.Body); err != nil {
		scope.logger.Error("response write failed", slog.Any("error", err))
	}
}
