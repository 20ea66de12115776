package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/mtzanidakis/conductor/internal/config"
)

// ErrCircuitOpen is returned by Check when the breaker refuses a call.
var ErrCircuitOpen = errors.New("circuit open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type Settings struct {
	FailureRatio float64
	MinRequests  int
	WindowSize   int
	Cooldown     time.Duration
	Now          func() time.Time
}

func SettingsFromConfig(cfg config.BreakerConfig) Settings {
	return Settings{
		FailureRatio: cfg.FailureRatio,
		MinRequests:  cfg.MinRequests,
		WindowSize:   cfg.WindowSize,
		Cooldown:     cfg.Cooldown,
	}
}

func (s Settings) withDefaults() Settings {
	if s.WindowSize < 1 {
		s.WindowSize = 20
	}
	if s.MinRequests < 1 {
		s.MinRequests = 1
	}
	if s.MinRequests > s.WindowSize {
		s.MinRequests = s.WindowSize
	}
	if s.FailureRatio <= 0 {
		s.FailureRatio = 0.5
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return s
}

// Transition is reported to state change listeners after the breaker lock
// has been released.
type Transition struct {
	Key  string
	From State
	To   State
	At   time.Time
}

// Breaker gates calls to a single collaborator. The Closed state keeps the
// outcomes of the last WindowSize calls; Open refuses calls until the
// cooldown elapses, which is checked lazily on the next Allow.
type Breaker struct {
	key      string
	settings Settings
	notify   func(Transition)

	mu            sync.Mutex
	state         State
	generation    uint64
	window        []bool // true marks a failure
	next          int
	count         int
	failures      int
	changedAt     time.Time
	lastFailure   time.Time
	trialInFlight bool
}

// Permit is the right to make one call, granted by Allow. It is bound to
// the state generation that granted it: once the breaker has changed state,
// settling an older permit has no effect. Only the half-open trial permit
// can settle the trial.
type Permit struct {
	b          *Breaker
	generation uint64
	trial      bool
}

// RecordSuccess settles the permit with a successful call.
func (p Permit) RecordSuccess() {
	if p.b != nil {
		p.b.settle(p, false)
	}
}

// RecordFailure settles the permit with a failed call.
func (p Permit) RecordFailure() {
	if p.b != nil {
		p.b.settle(p, true)
	}
}

// Release returns a permit that was never used for a call, so no outcome
// will be recorded for it.
func (p Permit) Release() {
	if p.b == nil {
		return
	}
	b := p.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.trial && p.generation == b.generation && b.state == HalfOpen {
		b.trialInFlight = false
	}
}

func New(key string, s Settings) *Breaker {
	s = s.withDefaults()
	return &Breaker{
		key:       key,
		settings:  s,
		window:    make([]bool, s.WindowSize),
		changedAt: s.Now(),
	}
}

func (b *Breaker) Key() string {
	return b.key
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed and returns the permit to
// settle it with. In HalfOpen only one permit is granted until it is
// settled or released.
func (b *Breaker) Allow() (Permit, bool) {
	b.mu.Lock()
	var tr *Transition
	if b.state == Open && b.settings.Now().Sub(b.changedAt) >= b.settings.Cooldown {
		tr = b.transition(HalfOpen)
	}

	p := Permit{b: b, generation: b.generation}
	allowed := true
	switch b.state {
	case Open:
		allowed = false
	case HalfOpen:
		if b.trialInFlight {
			allowed = false
		} else {
			b.trialInFlight = true
			p.trial = true
		}
	}
	b.mu.Unlock()

	b.emit(tr)
	if !allowed {
		return Permit{}, false
	}
	return p, true
}

// Check is Allow expressed as an error.
func (b *Breaker) Check() (Permit, error) {
	p, ok := b.Allow()
	if !ok {
		return Permit{}, ErrCircuitOpen
	}
	return p, nil
}

func (b *Breaker) settle(p Permit, failed bool) {
	b.mu.Lock()
	if p.generation != b.generation {
		b.mu.Unlock()
		return
	}
	var tr *Transition
	if failed {
		b.lastFailure = b.settings.Now()
	}
	switch b.state {
	case HalfOpen:
		if !p.trial {
			break
		}
		if failed {
			tr = b.transition(Open)
		} else {
			tr = b.transition(Closed)
		}
	case Closed:
		b.push(failed)
		if failed && b.count >= b.settings.MinRequests &&
			float64(b.failures)/float64(b.count) > b.settings.FailureRatio {
			tr = b.transition(Open)
		}
	}
	b.mu.Unlock()

	b.emit(tr)
}

// Reset forces the breaker back to Closed with an empty window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var tr *Transition
	if b.state != Closed {
		tr = b.transition(Closed)
	} else {
		b.clearWindow()
		b.generation++
	}
	b.mu.Unlock()

	b.emit(tr)
}

func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := Metrics{
		Key:           b.key,
		State:         b.state.String(),
		FailureCount:  b.failures,
		SuccessCount:  b.count - b.failures,
		ChangedAt:     b.changedAt,
		TrialInFlight: b.trialInFlight,
	}
	if !b.lastFailure.IsZero() {
		lf := b.lastFailure
		m.LastFailure = &lf
	}
	return m
}

func (b *Breaker) reconfigure(s Settings) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings = s
	if len(b.window) != s.WindowSize {
		b.window = make([]bool, s.WindowSize)
		b.next, b.count, b.failures = 0, 0, 0
	}
}

// push records an outcome in the ring buffer, evicting the oldest one once
// the window is full.
func (b *Breaker) push(failed bool) {
	if b.count == len(b.window) {
		if b.window[b.next] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.window[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.window)
}

func (b *Breaker) clearWindow() {
	for i := range b.window {
		b.window[i] = false
	}
	b.next, b.count, b.failures = 0, 0, 0
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) *Transition {
	from := b.state
	b.state = to
	b.generation++
	b.changedAt = b.settings.Now()
	b.trialInFlight = false
	if to == Closed {
		b.clearWindow()
	}
	return &Transition{Key: b.key, From: from, To: to, At: b.changedAt}
}

func (b *Breaker) emit(tr *Transition) {
	if tr != nil && b.notify != nil {
		b.notify(*tr)
	}
}
