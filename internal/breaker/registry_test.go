package breaker

import (
	"sync"
	"testing"
	"time"
)

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry(Settings{Cooldown: time.Second})

	a := r.Get("agent-a")
	if a == nil {
		t.Fatal("expected breaker")
	}
	if r.Get("agent-a") != a {
		t.Error("expected the same breaker for the same key")
	}
	if r.Get("agent-b") == a {
		t.Error("expected distinct breakers per key")
	}

	if _, ok := r.Lookup("missing"); ok {
		t.Error("lookup must not create breakers")
	}

	r.Remove("agent-a")
	if _, ok := r.Lookup("agent-a"); ok {
		t.Error("expected agent-a removed")
	}
}

func TestRegistryConcurrentGet(t *testing.T) {
	r := NewRegistry(Settings{})

	var wg sync.WaitGroup
	got := make([]*Breaker, 64)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.Get("shared")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(got); i++ {
		if got[i] != got[0] {
			t.Fatal("concurrent Get returned different breakers")
		}
	}
}

func TestRegistrySnapshotSorted(t *testing.T) {
	r := NewRegistry(Settings{MinRequests: 1, WindowSize: 2, FailureRatio: 0.5})
	r.Get("zeta")
	fail(r.Get("alpha"))

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 metrics, got %d", len(snap))
	}
	if snap[0].Key != "alpha" || snap[1].Key != "zeta" {
		t.Errorf("expected sorted keys, got %s, %s", snap[0].Key, snap[1].Key)
	}
	if snap[0].State != "open" {
		t.Errorf("expected alpha open, got %s", snap[0].State)
	}
	if snap[0].LastFailure == nil {
		t.Error("expected last failure time")
	}
}

func TestRegistryStateChangeListener(t *testing.T) {
	r := NewRegistry(Settings{MinRequests: 1, WindowSize: 1, FailureRatio: 0.5, Cooldown: time.Hour})

	var mu sync.Mutex
	var transitions []Transition
	r.OnStateChange(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, tr)
	})

	b := r.Get("agent-x")
	fail(b)
	b.Reset()

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(transitions))
	}
	if transitions[0].Key != "agent-x" || transitions[0].From != Closed || transitions[0].To != Open {
		t.Errorf("unexpected first transition %+v", transitions[0])
	}
	if transitions[1].To != Closed {
		t.Errorf("expected reset to closed, got %s", transitions[1].To)
	}
}

func TestRegistryUpdateSettings(t *testing.T) {
	r := NewRegistry(Settings{MinRequests: 10, WindowSize: 10, FailureRatio: 0.5})
	b := r.Get("k")
	fail(b)
	if b.State() != Closed {
		t.Fatal("expected closed below min_requests")
	}

	r.UpdateSettings(Settings{MinRequests: 1, WindowSize: 10, FailureRatio: 0.5})
	fail(b)
	if b.State() != Open {
		t.Fatalf("expected new settings to apply to existing breaker, got %s", b.State())
	}
}
