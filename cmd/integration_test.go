package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/l0p7/ragproxy/internal/config"
	"github.com/stretchr/testify/require"
)

type integrationProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func startGatewayProcess(t *testing.T, configPath string, env map[string]string) *integrationProcess {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "go", "run", ".", "-config", configPath)
	cmd.Dir = "."
	cacheRoot := filepath.Join(os.TempDir(), "ragproxy-integration")
	cacheDir := filepath.Join(cacheRoot, "gocache")
	moduleCache := filepath.Join(cacheRoot, "gomodcache")
	if err := os.MkdirAll(cacheDir, 0o750); err != nil {
		cancel()
		t.Fatalf("failed to create gocache dir: %v", err)
	}
	if err := os.MkdirAll(moduleCache, 0o750); err != nil {
		cancel()
		t.Fatalf("failed to create gomodcache dir: %v", err)
	}
	cmd.Env = append(os.Environ(), "GOFLAGS=", "GOCACHE="+cacheDir, "GOMODCACHE="+moduleCache)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatalf("failed to start gateway process: %v", err)
	}

	proc := &integrationProcess{cmd: cmd, cancel: cancel, stdout: stdout, stderr: stderr}
	proc.wg.Add(1)
	go func() {
		defer proc.wg.Done()
		_ = cmd.Wait()
	}()
	return proc
}

func (p *integrationProcess) stop(t *testing.T) {
	t.Helper()
	if p == nil {
		return
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGKILL)
		}
	}
	if t.Failed() {
		if out := strings.TrimSpace(p.stdout.String()); out != "" {
			t.Logf("gateway stdout:\n%s", out)
		}
		if errOut := strings.TrimSpace(p.stderr.String()); errOut != "" {
			t.Logf("gateway stderr:\n%s", errOut)
		}
	}
}

func waitForEndpoint(t *testing.T, client httpDoer, target string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target, nil)
		if err != nil {
			t.Fatalf("failed to build probe request: %v", err)
		}
		resp, err := client.Do(req) // #nosec G107 - test helper for local server
		if err == nil {
			status := resp.StatusCode
			if cerr := resp.Body.Close(); cerr != nil {
				t.Fatalf("failed to close readiness probe body: %v", cerr)
			}
			if status < 500 {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("gateway did not respond successfully within %v", timeout)
}

// stubBackend is the RAG backend the gateway under test proxies to. It lives
// in the test process so assertions can count how often the gateway called out.
type stubBackend struct {
	server    *httptest.Server
	listCalls int32
	chatCalls int32
}

func startStubBackend(t *testing.T) *stubBackend {
	t.Helper()
	sb := &stubBackend{}
	backendMux := http.NewServeMux()
	backendMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","timestamp":"2026-01-01T00:00:00Z","version":"stub"}`))
	})
	backendMux.HandleFunc("/documents", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&sb.listCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"documents":[],"total":%d}`, n)
	})
	backendMux.HandleFunc("/documents/upload", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"document_id":"d1","filename":"a.pdf","status":"processing"}`))
	})
	backendMux.HandleFunc("/chat/query", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&sb.chatCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer":"pong","citations":[],"confidence_score":0.9}`))
	})
	sb.server = httptest.NewServer(backendMux)
	t.Cleanup(sb.server.Close)
	return sb
}

func writeIntegrationConfig(t *testing.T, dir string, port int, backendURL string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("failed to ensure config folder: %v", err)
	}
	cfg := map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": "127.0.0.1",
				"port":    port,
			},
			"logging": map[string]any{
				"format":            "text",
				"level":             "warn",
				"correlationHeader": "X-Request-ID",
			},
		},
		"backend": map[string]any{
			"baseURL":              backendURL,
			"timeoutSeconds":       10,
			"healthTimeoutSeconds": 2,
		},
		"cache": map[string]any{
			"enabled":           true,
			"backend":           "memory",
			"chatTTLSeconds":    60,
			"listTTLSeconds":    60,
			"versionTTLSeconds": 3600,
			"memory": map[string]any{
				"maxEntries": 128,
			},
		},
		"ratelimit": map[string]any{
			"enabled":       true,
			"requests":      50,
			"windowSeconds": 60,
			"queueDepth":    0,
		},
		"upload": map[string]any{
			"maxBytes": 1 << 20,
		},
		"tracing": map[string]any{
			"enabled": false,
		},
	}

	contents, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}
	path := filepath.Join(dir, "integration-config.json")
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func allocatePort(t *testing.T) int {
	t.Helper()
	var lc net.ListenConfig
	l, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to allocate port: %v", err)
	}
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected addr type %T", l.Addr())
	}
	port := addr.Port
	if cerr := l.Close(); cerr != nil {
		t.Fatalf("failed to close listener: %v", cerr)
	}
	return port
}

func integrationURL(port int, path string) string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Path:   path,
	}
	return u.String()
}

func TestIntegrationGatewayStartup(t *testing.T) {
	if os.Getenv("RAGPROXY_INTEGRATION") == "" {
		t.Skip("set RAGPROXY_INTEGRATION=1 to run integration tests")
	}
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	temp := t.TempDir()
	port := allocatePort(t)
	backend := startStubBackend(t)
	configPath := writeIntegrationConfig(t, temp, port, backend.server.URL)

	loader := config.NewLoader("RAGPROXY", configPath)
	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load integration config: %v", err)
	}
	if cfg.Backend.BaseURL != backend.server.URL {
		t.Fatalf("expected backend %s, got %s", backend.server.URL, cfg.Backend.BaseURL)
	}

	process := startGatewayProcess(t, configPath, map[string]string{
		"RAGPROXY_SERVER__LOGGING__LEVEL": "debug",
	})
	defer process.stop(t)

	client := &http.Client{Timeout: 5 * time.Second}
	waitForEndpoint(t, client, integrationURL(port, "/health/live"), 45*time.Second)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  integrationURL(port, ""),
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   client,
	})

	t.Run("readiness aggregates components", func(t *testing.T) {
		result := expect.GET("/health/ready").Expect()
		result.Status(http.StatusOK)
		body := result.JSON().Object()
		body.Value("status").IsEqual("healthy")
		body.Value("components").Object().ContainsKey("backend").ContainsKey("cache")
	})

	t.Run("document listing is cached", func(t *testing.T) {
		before := atomic.LoadInt32(&backend.listCalls)
		first := expect.GET("/documents").Expect()
		first.Status(http.StatusOK)
		second := expect.GET("/documents").Expect()
		second.Status(http.StatusOK)
		require.Equal(t, first.Body().Raw(), second.Body().Raw(), "cached listing must replay byte for byte")
		require.Equal(t, before+1, atomic.LoadInt32(&backend.listCalls), "second listing must come from cache")
	})

	t.Run("upload refreshes the listing", func(t *testing.T) {
		before := atomic.LoadInt32(&backend.listCalls)
		expect.POST("/documents/upload").WithBytes([]byte("file-bytes")).Expect().Status(http.StatusOK)
		expect.GET("/documents").Expect().Status(http.StatusOK)
		require.Equal(t, before+1, atomic.LoadInt32(&backend.listCalls), "upload must drop the cached listing")
	})

	t.Run("chat answers are cached", func(t *testing.T) {
		before := atomic.LoadInt32(&backend.chatCalls)
		payload := map[string]any{"question": "ping"}
		first := expect.POST("/chat/query").WithJSON(payload).Expect()
		first.Status(http.StatusOK)
		first.JSON().Object().Value("answer").IsEqual("pong")
		expect.POST("/chat/query").WithJSON(payload).Expect().Status(http.StatusOK)
		require.Equal(t, before+1, atomic.LoadInt32(&backend.chatCalls), "second answer must come from cache")
	})

	t.Run("streaming requests are rejected", func(t *testing.T) {
		result := expect.POST("/chat/query").
			WithJSON(map[string]any{"question": "ping", "stream": true}).
			Expect()
		result.Status(http.StatusBadRequest)
		result.JSON().Object().Value("error").IsEqual("streaming_unsupported")
	})

	t.Run("correlation id echoes back", func(t *testing.T) {
		result := expect.GET("/documents").
			WithQuery("limit", "5").
			WithHeader("X-Request-ID", "req-integration-1").
			Expect()
		result.Status(http.StatusOK)
		result.Header("X-Request-ID").IsEqual("req-integration-1")
	})
}
