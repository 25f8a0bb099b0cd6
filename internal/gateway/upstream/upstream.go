// Package upstream is the HTTP client for the RAG backend. It is responsible
// purely for request execution and response capture, without retry, caching,
// or admission logic.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Responses larger than this are truncated at read time. Chat answers and
// document listings sit far below it.
const maxResponseBytes = 16 << 20

// Request is one backend-bound call. The body is fully buffered so a retried
// request replays the same bytes.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response captures the backend reply for relaying or caching.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// ContentType returns the reply's declared media type, if any.
func (r *Response) ContentType() string {
	if r == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// Config carries the client's connection settings.
type Config struct {
	// BaseURL locates the backend, scheme and host required. A path prefix is
	// kept and prepended to every request path.
	BaseURL string
	// Timeout bounds one attempt end to end. Chat generation is slow, so the
	// production value is minutes rather than seconds.
	Timeout time.Duration
	// Tracing wraps the transport so outbound calls join the active trace.
	Tracing bool
	// Client overrides the HTTP client, for tests.
	Client httpDoer
}

// Client forwards gateway traffic to the RAG backend one request at a time.
type Client struct {
	base   string
	client httpDoer
}

// New validates the base URL and builds the backend client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("upstream: base url required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("upstream: base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("upstream: base url %q missing scheme or host", base)
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		transport := http.DefaultTransport
		if cfg.Tracing {
			transport = otelhttp.NewTransport(transport)
		}
		client = &http.Client{Timeout: timeout, Transport: transport}
	}

	return &Client{base: base, client: client}, nil
}

// Do executes one backend call and captures the reply whatever its status.
// Errors mean the backend was not reached or the reply could not be read;
// 4xx and 5xx replies come back as ordinary responses.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	target, err := url.Parse(c.base + req.Path)
	if err != nil {
		return nil, fmt.Errorf("upstream: request url: %w", err)
	}
	if len(req.Query) > 0 {
		target.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("upstream: request build: %w", err)
	}
	if body != nil {
		snap := req.Body
		httpReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(snap)), nil
		}
	}
	for name, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: request: %w", err)
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("upstream: read: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("upstream: close: %w", closeErr)
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   bodyBytes,
	}, nil
}
