package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/l0p7/ragproxy/internal/metrics"
)

// Decision reports how the limiter disposed of a request.
type Decision struct {
	Allowed  bool
	Queued   bool
	Exempt   bool
	Disabled bool

	// RetryAfter hints when a rejected caller should try again.
	RetryAfter time.Duration
	Identity   Identity
}

// Limiter admits or rejects requests before they reach the backend.
type Limiter interface {
	Admit(ctx context.Context, r *http.Request) (Decision, error)
}

type disabled struct{}

// NewDisabled returns a limiter that admits everything and marks its
// decisions so callers can tell admission from absence of limiting.
func NewDisabled() Limiter { return disabled{} }

func (disabled) Admit(_ context.Context, r *http.Request) (Decision, error) {
	return Decision{Allowed: true, Disabled: true, Identity: ResolveIdentity(r)}, nil
}

// Config sizes the fixed-window limiter.
type Config struct {
	Requests   int
	Window     time.Duration
	QueueDepth int
	Exemptions *Exemptions
	Metrics    *metrics.Recorder
}

// FixedWindow admits up to Requests per Window for each identity partition.
// When a window is exhausted, up to QueueDepth requests wait in arrival order
// for the next window; the rest are rejected immediately.
type FixedWindow struct {
	permits    int
	window     time.Duration
	queueDepth int
	exemptions *Exemptions
	metrics    *metrics.Recorder

	mu          sync.Mutex
	partitions  map[string]*partition
	sinceSweeps int
}

type partition struct {
	windowStart time.Time
	count       int
	waiters     []*waiter
	timerArmed  bool
}

type waiter struct {
	ready     chan struct{}
	abandoned bool
}

// NewFixedWindow builds the limiter. Requests and Window must be positive.
func NewFixedWindow(cfg Config) *FixedWindow {
	if cfg.Requests <= 0 {
		cfg.Requests = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = 0
	}
	return &FixedWindow{
		permits:    cfg.Requests,
		window:     cfg.Window,
		queueDepth: cfg.QueueDepth,
		exemptions: cfg.Exemptions,
		metrics:    cfg.Metrics,
		partitions: make(map[string]*partition),
	}
}

// Admit blocks while the request waits in its partition queue. The returned
// error is the context error when the caller gives up before admission.
func (l *FixedWindow) Admit(ctx context.Context, r *http.Request) (Decision, error) {
	identity := ResolveIdentity(r)

	if l.exemptions != nil && l.exemptions.Match(r, identity) {
		l.metrics.ObserveRateLimit(metrics.RateLimitExempt)
		return Decision{Allowed: true, Exempt: true, Identity: identity}, nil
	}

	now := time.Now()
	l.mu.Lock()
	l.maybeSweep(now)
	p := l.partitions[identity.Partition]
	if p == nil {
		p = &partition{windowStart: now}
		l.partitions[identity.Partition] = p
	}
	l.roll(p, now)

	if p.count < l.permits && len(p.waiters) == 0 {
		p.count++
		l.mu.Unlock()
		l.metrics.ObserveRateLimit(metrics.RateLimitAdmitted)
		return Decision{Allowed: true, Identity: identity}, nil
	}

	if len(p.waiters) >= l.queueDepth {
		retry := p.windowStart.Add(l.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		l.mu.Unlock()
		l.metrics.ObserveRateLimit(metrics.RateLimitRejected)
		return Decision{Allowed: false, RetryAfter: retry, Identity: identity}, nil
	}

	w := &waiter{ready: make(chan struct{})}
	p.waiters = append(p.waiters, w)
	if !p.timerArmed {
		p.timerArmed = true
		boundary := p.windowStart.Add(l.window)
		key := identity.Partition
		time.AfterFunc(time.Until(boundary), func() { l.drain(key) })
	}
	l.mu.Unlock()

	select {
	case <-w.ready:
		l.metrics.ObserveRateLimit(metrics.RateLimitQueued)
		return Decision{Allowed: true, Queued: true, Identity: identity}, nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-w.ready:
			l.mu.Unlock()
			l.metrics.ObserveRateLimit(metrics.RateLimitQueued)
			return Decision{Allowed: true, Queued: true, Identity: identity}, nil
		default:
		}
		w.abandoned = true
		l.mu.Unlock()
		return Decision{Identity: identity}, ctx.Err()
	}
}

// roll advances the partition to the window containing now, keeping window
// boundaries aligned to the partition's first request.
func (l *FixedWindow) roll(p *partition, now time.Time) {
	elapsed := now.Sub(p.windowStart)
	if elapsed < l.window {
		return
	}
	steps := elapsed / l.window
	p.windowStart = p.windowStart.Add(steps * l.window)
	p.count = 0
}

// drain runs at a window boundary and admits queued waiters into the fresh
// window in arrival order.
func (l *FixedWindow) drain(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.partitions[key]
	if p == nil {
		return
	}
	l.roll(p, time.Now())

	kept := p.waiters[:0]
	for _, w := range p.waiters {
		if w.abandoned {
			continue
		}
		if p.count < l.permits {
			p.count++
			close(w.ready)
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(p.waiters); i++ {
		p.waiters[i] = nil
	}
	p.waiters = kept

	if len(p.waiters) > 0 {
		boundary := p.windowStart.Add(l.window)
		time.AfterFunc(time.Until(boundary), func() { l.drain(key) })
	} else {
		p.timerArmed = false
	}
}

// maybeSweep drops partitions that sat idle for several windows so the map
// does not grow with every address ever seen. Called with the lock held.
func (l *FixedWindow) maybeSweep(now time.Time) {
	l.sinceSweeps++
	if l.sinceSweeps < 1024 {
		return
	}
	l.sinceSweeps = 0
	idleCutoff := now.Add(-3 * l.window)
	for key, p := range l.partitions {
		if len(p.waiters) == 0 && !p.timerArmed && p.windowStart.Before(idleCutoff) {
			delete(l.partitions, key)
		}
	}
}
