package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event types recorded by the orchestrator, the swarm coordinator and the
// breaker registry.
const (
	PlanSubmitted     = "plan_submitted"
	PlanStarted       = "plan_started"
	PlanFinished      = "plan_finished"
	PlanCancelled     = "plan_cancelled"
	TaskReady         = "task_ready"
	TaskDispatched    = "task_dispatched"
	TaskSucceeded     = "task_succeeded"
	TaskAttemptFailed = "task_attempt_failed"
	TaskRetrying      = "task_retrying"
	TaskFailed        = "task_failed"
	TaskCancelled     = "task_cancelled"
	TaskLateResult    = "task_late_result"
	RoundResolved     = "round_resolved"
	RoundFailed       = "round_failed"
	RoundFallback     = "round_fallback"
	BreakerChanged    = "breaker_changed"
	AgentJoined       = "agent_joined"
	AgentLeft         = "agent_left"
	ScheduleFired     = "schedule_fired"
)

type Event struct {
	Type      string         `json:"type"`
	PlanID    string         `json:"plan_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sink accepts events without blocking the caller.
type Sink interface {
	Record(Event)
}

// Writer persists or forwards a batch of events.
type Writer interface {
	Write(events []Event) error
}

type Discard struct{}

func (Discard) Record(Event) {}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Record(e Event) { f(e) }

// Recorder buffers events in memory and hands them to its writers in
// batches from a single goroutine. Record never blocks: when the buffer is
// full the event is dropped and counted.
type Recorder struct {
	ch        chan Event
	writers   []Writer
	batchSize int
	interval  time.Duration

	dropped atomic.Int64
	once    sync.Once
	done    chan struct{}
}

type Option func(*Recorder)

func WithBufferSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.ch = make(chan Event, n)
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.interval = d
		}
	}
}

func NewRecorder(writers []Writer, opts ...Option) *Recorder {
	r := &Recorder{
		ch:        make(chan Event, 1024),
		writers:   writers,
		batchSize: 64,
		interval:  200 * time.Millisecond,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) Record(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case r.ch <- e:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("audit buffer full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run drains the buffer until ctx is cancelled, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	defer r.once.Do(func() { close(r.done) })

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	batch := make([]Event, 0, r.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, w := range r.writers {
			if err := w.Write(batch); err != nil {
				slog.Error("audit write failed", "events", len(batch), "error", err)
			}
		}
		batch = make([]Event, 0, r.batchSize)
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-r.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-r.ch:
			batch = append(batch, e)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Done is closed once Run has flushed and returned.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}
