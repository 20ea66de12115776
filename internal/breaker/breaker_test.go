package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *fakeClock) *Breaker {
	return New("agent-1", Settings{
		FailureRatio: 0.5,
		MinRequests:  4,
		WindowSize:   10,
		Cooldown:     30 * time.Second,
		Now:          clock.Now,
	})
}

// succeed and fail make one permitted call with the given outcome.
func succeed(b *Breaker) {
	if p, ok := b.Allow(); ok {
		p.RecordSuccess()
	}
}

func fail(b *Breaker) {
	if p, ok := b.Allow(); ok {
		p.RecordFailure()
	}
}

func mustAllow(t *testing.T, b *Breaker) Permit {
	t.Helper()
	p, ok := b.Allow()
	if !ok {
		t.Fatalf("expected %s to allow a call in state %s", b.Key(), b.State())
	}
	return p
}

func allowed(b *Breaker) bool {
	_, ok := b.Allow()
	return ok
}

func TestBreakerStartsClosed(t *testing.T) {
	b := newTestBreaker(newFakeClock())
	if b.State() != Closed {
		t.Fatalf("expected closed, got %s", b.State())
	}
	for i := 0; i < 5; i++ {
		if !allowed(b) {
			t.Fatal("closed breaker should allow calls")
		}
	}
}

func TestBreakerNeedsMinRequests(t *testing.T) {
	b := newTestBreaker(newFakeClock())

	// 3 failures out of 3 exceed the ratio but are below min_requests
	for i := 0; i < 3; i++ {
		fail(b)
	}
	if b.State() != Closed {
		t.Fatalf("expected closed below min_requests, got %s", b.State())
	}

	fail(b)
	if b.State() != Open {
		t.Fatalf("expected open after 4/4 failures, got %s", b.State())
	}
}

func TestBreakerRatioMustExceedThreshold(t *testing.T) {
	b := newTestBreaker(newFakeClock())

	succeed(b)
	succeed(b)
	fail(b)
	fail(b)
	// 2/4 = 0.5 does not exceed 0.5
	if b.State() != Closed {
		t.Fatalf("expected closed at exactly the threshold, got %s", b.State())
	}

	fail(b)
	// 3/5 = 0.6
	if b.State() != Open {
		t.Fatalf("expected open at 0.6, got %s", b.State())
	}
}

func TestBreakerWindowSlides(t *testing.T) {
	clock := newFakeClock()
	b := New("k", Settings{FailureRatio: 0.5, MinRequests: 4, WindowSize: 4, Cooldown: time.Second, Now: clock.Now})

	fail(b)
	fail(b)
	succeed(b)
	succeed(b)
	// window: F F S S
	succeed(b)
	// window: F S S S, oldest failure evicted
	m := b.Metrics()
	if m.FailureCount != 1 || m.SuccessCount != 3 {
		t.Fatalf("expected 1 failure and 3 successes in window, got %d/%d", m.FailureCount, m.SuccessCount)
	}
	fail(b)
	// window: S S S F
	if b.State() != Closed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestBreakerOpenRefusesUntilCooldown(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 4; i++ {
		fail(b)
	}

	if allowed(b) {
		t.Fatal("open breaker must refuse calls")
	}
	if _, err := b.Check(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	clock.Advance(29 * time.Second)
	if allowed(b) {
		t.Fatal("breaker must stay open before the cooldown elapses")
	}
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	clock.Advance(time.Second)
	if !allowed(b) {
		t.Fatal("expected one trial after cooldown")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half_open, got %s", b.State())
	}
	if allowed(b) {
		t.Fatal("half_open must admit exactly one trial")
	}
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 4; i++ {
		fail(b)
	}
	clock.Advance(30 * time.Second)

	mustAllow(t, b).RecordSuccess()

	if b.State() != Closed {
		t.Fatalf("expected closed after successful trial, got %s", b.State())
	}
	m := b.Metrics()
	if m.FailureCount != 0 || m.SuccessCount != 0 {
		t.Errorf("expected counters reset, got %d failures %d successes", m.FailureCount, m.SuccessCount)
	}
	if !allowed(b) || !allowed(b) {
		t.Error("closed breaker should allow calls")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 4; i++ {
		fail(b)
	}
	clock.Advance(30 * time.Second)

	mustAllow(t, b).RecordFailure()

	if b.State() != Open {
		t.Fatalf("expected open after failed trial, got %s", b.State())
	}

	// Cooldown restarts from the failed trial
	clock.Advance(29 * time.Second)
	if allowed(b) {
		t.Fatal("cooldown must restart after a failed trial")
	}
	clock.Advance(time.Second)
	if !allowed(b) {
		t.Fatal("expected a new trial after the restarted cooldown")
	}
}

func TestBreakerReleaseReturnsTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 4; i++ {
		fail(b)
	}
	clock.Advance(30 * time.Second)

	mustAllow(t, b).Release()
	if !allowed(b) {
		t.Fatal("released trial should be available again")
	}
	if b.State() != HalfOpen {
		t.Fatalf("release must not change state, got %s", b.State())
	}
}

func TestBreakerStalePermitCannotSettleTrial(t *testing.T) {
	clock := newFakeClock()
	b := New("agent-1", Settings{FailureRatio: 0.5, MinRequests: 1, WindowSize: 10, Cooldown: 30 * time.Second, Now: clock.Now})

	// Two calls admitted while closed; the first one trips the breaker.
	early := mustAllow(t, b)
	late := mustAllow(t, b)
	early.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	clock.Advance(31 * time.Second)
	trial := mustAllow(t, b)

	late.Release()
	if allowed(b) {
		t.Fatal("releasing a closed-state permit must not free the trial slot")
	}
	late.RecordSuccess()
	if b.State() != HalfOpen {
		t.Fatalf("closed-state success must not settle the trial, got %s", b.State())
	}
	for i := 0; i < 5; i++ {
		if allowed(b) {
			t.Fatal("no call may be admitted while the trial is outstanding")
		}
	}

	trial.RecordSuccess()
	if b.State() != Closed {
		t.Fatalf("expected the trial to close the breaker, got %s", b.State())
	}
}

func TestBreakerStaleFailureIgnoredAfterReopen(t *testing.T) {
	clock := newFakeClock()
	b := New("agent-1", Settings{FailureRatio: 0.5, MinRequests: 1, WindowSize: 10, Cooldown: 30 * time.Second, Now: clock.Now})

	late := mustAllow(t, b)
	fail(b)
	clock.Advance(31 * time.Second)
	mustAllow(t, b).RecordSuccess()

	// A failure reported by a call from before the trip does not count
	// against the fresh window.
	late.RecordFailure()
	if b.State() != Closed {
		t.Fatalf("expected closed, got %s", b.State())
	}
	if m := b.Metrics(); m.FailureCount != 0 {
		t.Errorf("expected empty window, got %d failures", m.FailureCount)
	}
}

func TestResetDiscardsEarlierPermits(t *testing.T) {
	b := New("a", Settings{MinRequests: 1, WindowSize: 1, FailureRatio: 0.5})
	early := mustAllow(t, b)
	b.Reset()
	early.RecordFailure()
	if b.State() != Closed {
		t.Errorf("a permit from before the reset must not trip the breaker, got %s", b.State())
	}
	if m := b.Metrics(); m.FailureCount != 0 {
		t.Errorf("expected empty window, got %d failures", m.FailureCount)
	}
}

func TestZeroPermitIsNoop(t *testing.T) {
	var p Permit
	p.RecordSuccess()
	p.RecordFailure()
	p.Release()
}

func TestBreakerConcurrentHalfOpenAdmitsOne(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 4; i++ {
		fail(b)
	}
	clock.Advance(time.Minute)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed(b) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 1 {
		t.Fatalf("expected exactly 1 admitted trial, got %d", got)
	}
}

func TestBreakerConcurrentRecordsNoLostUpdates(t *testing.T) {
	b := New("k", Settings{FailureRatio: 0.99, MinRequests: 1000, WindowSize: 1000, Cooldown: time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 400; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				succeed(b)
			} else {
				fail(b)
			}
		}(i)
	}
	wg.Wait()

	m := b.Metrics()
	if m.SuccessCount != 200 || m.FailureCount != 200 {
		t.Fatalf("expected 200/200, got %d successes %d failures", m.SuccessCount, m.FailureCount)
	}
}

func TestStateString(t *testing.T) {
	if Closed.String() != "closed" || Open.String() != "open" || HalfOpen.String() != "half_open" {
		t.Error("unexpected state names")
	}
}
