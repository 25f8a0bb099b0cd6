package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/l0p7/ragproxy/internal/metrics"
)

// ErrCircuitOpen reports that the breaker rejected the call before it reached
// the backend.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// StatusError marks a backend reply whose status counts as a failed attempt.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("resilience: backend status %d", e.Status)
}

// Options sizes the retry schedule and the circuit breaker. Zero fields fall
// back to Defaults; tests shrink the durations.
type Options struct {
	// Attempts is the total number of tries per logical request.
	Attempts        int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration

	// FailureThreshold is the run of consecutive failed requests that opens
	// the circuit.
	FailureThreshold uint32
	// Cooldown is how long the circuit stays open before a trial call.
	Cooldown time.Duration
	// HalfOpenCalls bounds concurrent trial calls while half-open.
	HalfOpenCalls uint32
}

// Defaults returns the production retry and breaker policy.
func Defaults() Options {
	return Options{
		Attempts:         3,
		InitialInterval:  2 * time.Second,
		Multiplier:       2.0,
		MaxInterval:      8 * time.Second,
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenCalls:    1,
	}
}

func (o Options) withDefaults() Options {
	d := Defaults()
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = d.InitialInterval
	}
	if o.Multiplier <= 0 {
		o.Multiplier = d.Multiplier
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = d.MaxInterval
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = d.FailureThreshold
	}
	if o.Cooldown <= 0 {
		o.Cooldown = d.Cooldown
	}
	if o.HalfOpenCalls == 0 {
		o.HalfOpenCalls = d.HalfOpenCalls
	}
	return o
}

// Executor runs backend calls with retries inside a shared circuit breaker.
// A request that exhausts its retries counts as one breaker failure, so the
// threshold tracks failed requests rather than failed attempts.
type Executor struct {
	opts    Options
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewExecutor builds an executor around one backend.
func NewExecutor(name string, opts Options, logger *slog.Logger, recorder *metrics.Recorder) *Executor {
	opts = opts.withDefaults()
	e := &Executor{opts: opts, logger: logger}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: opts.HalfOpenCalls,
		Timeout:     opts.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		// A caller hanging up is not a backend fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			recorder.SetBreakerState(to.String())
			e.log().Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	}
	e.breaker = gobreaker.NewCircuitBreaker(settings)
	return e
}

// Do executes op through the breaker. Transient failures are retried on the
// backoff schedule; non-transient errors return immediately. When the circuit
// is open, Do fails fast with ErrCircuitOpen and op never runs.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := e.breaker.Execute(func() (any, error) {
		return nil, e.retry(ctx, op)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State reports the breaker state for health and diagnostics.
func (e *Executor) State() string {
	return e.breaker.State().String()
}

func (e *Executor) retry(ctx context.Context, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.InitialInterval
	b.Multiplier = e.opts.Multiplier
	b.MaxInterval = e.opts.MaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	schedule := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.opts.Attempts-1)), ctx)

	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, schedule)
}

// Transient reports whether an attempt failure is worth retrying: connection
// errors, timeouts, and 5xx replies. Definitive replies and caller
// cancellation are not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= http.StatusInternalServerError
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

func (e *Executor) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}
