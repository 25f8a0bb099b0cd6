// Package health aggregates dependency probes into the liveness and
// readiness views consumed by load balancers and container platforms.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Status classifies a component or the composite view.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// TagReady marks a component whose outcome gates the readiness view.
// Untagged components still appear in the readiness body for operators
// but cannot flip the composite status.
const TagReady = "ready"

// ErrDegraded marks a component that responds but below its normal level.
// Probes wrap it to report degraded instead of unhealthy.
var ErrDegraded = errors.New("health: degraded")

// Probe checks one dependency. nil means healthy, an error wrapping
// ErrDegraded means degraded, any other error means unhealthy.
type Probe func(ctx context.Context) error

// Record is one component's outcome for a single poll. Records are
// recomputed per poll and never persisted.
type Record struct {
	Name   string
	Status Status
	Detail string
	Tags   []string
}

// HasTag reports whether the record carries the given tag.
func (rec Record) HasTag(tag string) bool {
	for _, t := range rec.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Config sizes the registry.
type Config struct {
	// Version is reported by the basic view.
	Version string

	// Timeout bounds each probe per poll.
	Timeout time.Duration

	Logger *slog.Logger
}

// Registry holds the registered component probes and serves the three
// health views. Probes run outside the proxy path and never touch the
// breaker guarding proxied calls.
type Registry struct {
	version string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	checks []check
}

type check struct {
	name  string
	probe Probe
	tags  []string
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Registry{
		version: cfg.Version,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// Register adds a named component probe. Pass TagReady for dependencies
// that must be up before the process should receive traffic.
func (reg *Registry) Register(name string, probe Probe, tags ...string) {
	reg.mu.Lock()
	reg.checks = append(reg.checks, check{name: name, probe: probe, tags: tags})
	reg.mu.Unlock()
}

// RegisterRoutes mounts the three views on the router.
func (reg *Registry) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", reg.ServeBasic).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", reg.ServeReady).Methods(http.MethodGet)
	router.HandleFunc("/health/live", reg.ServeLive).Methods(http.MethodGet)
}

// ServeBasic reports that the process is up. It runs no probes: being
// able to answer at all is the check.
func (reg *Registry) ServeBasic(w http.ResponseWriter, r *http.Request) {
	reg.write(w, http.StatusOK, basicView{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   reg.version,
	})
}

// ServeReady polls every registered component and folds the ready-tagged
// ones into the composite status. Any unhealthy tagged dependency turns
// the view unhealthy and the response into a 503.
func (reg *Registry) ServeReady(w http.ResponseWriter, r *http.Request) {
	records := reg.poll(r.Context())
	aggregate := Aggregate(records)

	components := make(map[string]componentView, len(records))
	for _, rec := range records {
		components[rec.Name] = componentView{Status: rec.Status, Detail: rec.Detail}
	}

	status := http.StatusOK
	if aggregate == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	reg.write(w, status, readyView{
		Status:     aggregate,
		Timestamp:  time.Now().UTC(),
		Components: components,
	})
}

// ServeLive reports that the handler loop is responsive. Downstream
// outages never affect it, so a dead backend cannot get the process
// restarted.
func (reg *Registry) ServeLive(w http.ResponseWriter, r *http.Request) {
	reg.write(w, http.StatusOK, liveView{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
	})
}

// Aggregate folds poll records into the composite readiness status. Only
// ready-tagged records participate: one unhealthy record decides the
// outcome, degraded records soften it without failing it.
func Aggregate(records []Record) Status {
	status := StatusHealthy
	for _, rec := range records {
		if !rec.HasTag(TagReady) {
			continue
		}
		switch rec.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// poll runs all probes concurrently, each under its own timeout.
func (reg *Registry) poll(ctx context.Context) []Record {
	reg.mu.RLock()
	checks := make([]check, len(reg.checks))
	copy(checks, reg.checks)
	reg.mu.RUnlock()

	records := make([]Record, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c check) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, reg.timeout)
			defer cancel()
			records[i] = c.run(probeCtx)
		}(i, c)
	}
	wg.Wait()
	return records
}

func (c check) run(ctx context.Context) Record {
	rec := Record{Name: c.name, Status: StatusHealthy, Tags: c.tags}
	err := c.probe(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrDegraded):
		rec.Status = StatusDegraded
		rec.Detail = err.Error()
	default:
		rec.Status = StatusUnhealthy
		rec.Detail = err.Error()
	}
	return rec
}

type basicView struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

type readyView struct {
	Status     Status                   `json:"status"`
	Timestamp  time.Time                `json:"timestamp"`
	Components map[string]componentView `json:"components"`
}

type componentView struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type liveView struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (reg *Registry) write(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		reg.log().Error("health encode failed", slog.Any("error", err))
	}
}

func (reg *Registry) log() *slog.Logger {
	if reg.logger != nil {
		return reg.logger
	}
	return slog.Default()
}
