package ratelimit

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFixedWindowAdmitsUpToLimit(t *testing.T) {
	limiter := NewFixedWindow(Config{Requests: 2, Window: 200 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/chat/query", nil)
		req.RemoteAddr = "10.0.0.1:50000"
		decision, err := limiter.Admit(ctx, req)
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if !decision.Allowed || decision.Queued {
			t.Fatalf("expected immediate admission, got %#v", decision)
		}
	}

	req := httptest.NewRequest("POST", "/chat/query", nil)
	req.RemoteAddr = "10.0.0.1:50000"
	decision, err := limiter.Admit(ctx, req)
	if err != nil {
		t.Fatalf("admit overflow: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected rejection once the window is spent")
	}
	if decision.RetryAfter <= 0 {
		t.Fatalf("expected a retry hint, got %v", decision.RetryAfter)
	}
}

func TestFixedWindowResetsAtBoundary(t *testing.T) {
	limiter := NewFixedWindow(Config{Requests: 1, Window: 50 * time.Millisecond})
	ctx := context.Background()

	req := httptest.NewRequest("POST", "/chat/query", nil)
	req.RemoteAddr = "10.0.0.2:50000"
	if decision, err := limiter.Admit(ctx, req); err != nil || !decision.Allowed {
		t.Fatalf("first admit: decision=%#v err=%v", decision, err)
	}
	if decision, err := limiter.Admit(ctx, req); err != nil || decision.Allowed {
		t.Fatalf("expected rejection in same window, got %#v err=%v", decision, err)
	}

	time.Sleep(60 * time.Millisecond)

	if decision, err := limiter.Admit(ctx, req); err != nil || !decision.Allowed {
		t.Fatalf("expected admission in fresh window, got %#v err=%v", decision, err)
	}
}

func TestFixedWindowQueuesForNextWindow(t *testing.T) {
	limiter := NewFixedWindow(Config{Requests: 1, Window: 80 * time.Millisecond, QueueDepth: 1})
	ctx := context.Background()

	first := httptest.NewRequest("POST", "/chat/query", nil)
	first.RemoteAddr = "10.0.0.3:50000"
	if decision, err := limiter.Admit(ctx, first); err != nil || !decision.Allowed {
		t.Fatalf("first admit: decision=%#v err=%v", decision, err)
	}

	type result struct {
		decision Decision
		err      error
	}
	waited := make(chan result, 1)
	go func() {
		req := httptest.NewRequest("POST", "/chat/query", nil)
		req.RemoteAddr = "10.0.0.3:50001"
		decision, err := limiter.Admit(ctx, req)
		waited <- result{decision, err}
	}()

	// Give the goroutine time to join the queue, then overflow it.
	time.Sleep(20 * time.Millisecond)
	overflow := httptest.NewRequest("POST", "/chat/query", nil)
	overflow.RemoteAddr = "10.0.0.3:50002"
	decision, err := limiter.Admit(ctx, overflow)
	if err != nil {
		t.Fatalf("overflow admit: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected rejection when the queue is full")
	}

	select {
	case got := <-waited:
		if got.err != nil {
			t.Fatalf("queued admit: %v", got.err)
		}
		if !got.decision.Allowed || !got.decision.Queued {
			t.Fatalf("expected queued admission, got %#v", got.decision)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for queued admission")
	}
}

func TestFixedWindowQueuePreservesArrivalOrder(t *testing.T) {
	limiter := NewFixedWindow(Config{Requests: 1, Window: 80 * time.Millisecond, QueueDepth: 2})
	ctx := context.Background()

	first := httptest.NewRequest("POST", "/chat/query", nil)
	first.RemoteAddr = "10.0.0.4:50000"
	if decision, err := limiter.Admit(ctx, first); err != nil || !decision.Allowed {
		t.Fatalf("first admit: decision=%#v err=%v", decision, err)
	}

	order := make(chan int, 2)
	enqueue := func(id int) {
		req := httptest.NewRequest("POST", "/chat/query", nil)
		req.RemoteAddr = "10.0.0.4:50001"
		if decision, err := limiter.Admit(ctx, req); err == nil && decision.Allowed {
			order <- id
		}
	}

	go enqueue(1)
	time.Sleep(15 * time.Millisecond)
	go enqueue(2)

	// One permit per window: the first waiter drains a full window before the
	// second.
	var got []int
	for i := 0; i < 2; i++ {
		select {
		case id := <-order:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for queued admissions, got %v", got)
		}
	}
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("queue order violated: %v", got)
	}
}

func TestFixedWindowPartitionsAreIndependent(t *testing.T) {
	limiter := NewFixedWindow(Config{Requests: 1, Window: 200 * time.Millisecond})
	ctx := context.Background()

	a := httptest.NewRequest("POST", "/chat/query", nil)
	a.RemoteAddr = "10.0.0.5:50000"
	if decision, err := limiter.Admit(ctx, a); err != nil || !decision.Allowed {
		t.Fatalf("partition a: decision=%#v err=%v", decision, err)
	}

	b := httptest.NewRequest("POST", "/chat/query", nil)
	b.RemoteAddr = "10.0.0.6:50000"
	decision, err := limiter.Admit(ctx, b)
	if err != nil {
		t.Fatalf("partition b: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("another address must not share the window")
	}
	if decision.Identity.Partition == "addr:10.0.0.5" {
		t.Fatalf("unexpected partition: %#v", decision.Identity)
	}
}

func TestFixedWindowCancelledWaiter(t *testing.T) {
	limiter := NewFixedWindow(Config{Requests: 1, Window: 5 * time.Second, QueueDepth: 1})

	first := httptest.NewRequest("POST", "/chat/query", nil)
	first.RemoteAddr = "10.0.0.7:50000"
	if decision, err := limiter.Admit(context.Background(), first); err != nil || !decision.Allowed {
		t.Fatalf("first admit: decision=%#v err=%v", decision, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		req := httptest.NewRequest("POST", "/chat/query", nil)
		req.RemoteAddr = "10.0.0.7:50001"
		_, err := limiter.Admit(ctx, req)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected context error for abandoned waiter")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}
}

func TestFixedWindowExemptionBypasses(t *testing.T) {
	exemptions, err := NewExemptions([]string{`request.path.startsWith("/health")`})
	if err != nil {
		t.Fatalf("exemptions: %v", err)
	}
	limiter := NewFixedWindow(Config{Requests: 1, Window: time.Minute, Exemptions: exemptions})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/health/live", nil)
		req.RemoteAddr = "10.0.0.8:50000"
		decision, err := limiter.Admit(ctx, req)
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if !decision.Allowed || !decision.Exempt {
			t.Fatalf("expected exemption, got %#v", decision)
		}
	}
}

func TestDisabledLimiterMarksDecisions(t *testing.T) {
	limiter := NewDisabled()

	req := httptest.NewRequest("POST", "/chat/query", nil)
	req.RemoteAddr = "10.0.0.9:50000"
	decision, err := limiter.Admit(context.Background(), req)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !decision.Allowed || !decision.Disabled {
		t.Fatalf("expected marked no-op decision, got %#v", decision)
	}
}
