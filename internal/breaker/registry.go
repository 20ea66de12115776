package breaker

import (
	"sort"
	"sync"
	"time"
)

type Metrics struct {
	Key           string     `json:"key"`
	State         string     `json:"state"`
	FailureCount  int        `json:"failure_count"`
	SuccessCount  int        `json:"success_count"`
	LastFailure   *time.Time `json:"last_failure,omitempty"`
	ChangedAt     time.Time  `json:"changed_at"`
	TrialInFlight bool       `json:"trial_in_flight"`
}

// Registry is the keyed store of breakers shared by every plan.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	settings  Settings
	listeners []func(Transition)
}

func NewRegistry(s Settings) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		settings: s.withDefaults(),
	}
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = New(key, r.settings)
	b.notify = r.dispatch
	r.breakers[key] = b
	return b
}

func (r *Registry) Lookup(key string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[key]
	return b, ok
}

func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}

// OnStateChange registers a listener for every breaker transition.
func (r *Registry) OnStateChange(fn func(Transition)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// UpdateSettings applies new thresholds to every breaker. Open breakers keep
// their transition time, so a running cooldown is not restarted.
func (r *Registry) UpdateSettings(s Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = s.withDefaults()
	for _, b := range r.breakers {
		b.reconfigure(r.settings)
	}
}

// Snapshot returns metrics for every breaker, ordered by key.
func (r *Registry) Snapshot() []Metrics {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make([]Metrics, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Registry) dispatch(tr Transition) {
	r.mu.RLock()
	listeners := make([]func(Transition), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(tr)
	}
}
