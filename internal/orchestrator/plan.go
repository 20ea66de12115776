package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mtzanidakis/conductor/internal/swarm"
)

var (
	ErrInvalidPlan  = errors.New("invalid plan")
	ErrTaskFailed   = errors.New("task failed")
	ErrPlanNotFound = errors.New("plan not found")
)

type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskReady      TaskState = "ready"
	TaskDispatched TaskState = "dispatched"
	TaskSucceeded  TaskState = "succeeded"
	TaskFailed     TaskState = "failed"
	TaskCancelled  TaskState = "cancelled"
)

func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

type PlanState string

const (
	PlanPending  PlanState = "pending"
	PlanRunning  PlanState = "running"
	PlanFinished PlanState = "finished"
)

type Outcome string

const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomePartialFailure Outcome = "partial_failure"
	OutcomeCancelled      Outcome = "cancelled"
)

// Task is one node of a plan. Only the plan's loop mutates it; everyone
// else sees copies taken from a status snapshot.
type Task struct {
	ID           string          `json:"id"`
	Position     int             `json:"position"`
	Goal         string          `json:"goal"`
	Capabilities []string        `json:"capabilities"`
	DependsOn    []string        `json:"depends_on"`
	Inputs       json.RawMessage `json:"inputs,omitempty"`
	State        TaskState       `json:"state"`
	AgentID      string          `json:"agent_id,omitempty"`
	Attempts     int             `json:"attempts"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// PlanStatus is a point-in-time view of a plan.
type PlanStatus struct {
	PlanID      string            `json:"plan_id"`
	Goal        string            `json:"goal"`
	Strategy    string            `json:"strategy"`
	State       PlanState         `json:"state"`
	Outcome     Outcome           `json:"outcome,omitempty"`
	Total       int               `json:"total"`
	Counts      map[TaskState]int `json:"counts"`
	InFlight    int               `json:"in_flight"`
	Elapsed     time.Duration     `json:"-"`
	ElapsedMS   int64             `json:"elapsed_ms"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Tasks       []Task            `json:"tasks,omitempty"`
}

// Handle tracks one execution of a plan.
type Handle struct {
	PlanID string

	done    chan struct{}
	outcome Outcome
}

func newHandle(planID string) *Handle {
	return &Handle{PlanID: planID, done: make(chan struct{})}
}

func (h *Handle) finish(o Outcome) {
	h.outcome = o
	close(h.done)
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the plan reaches a terminal outcome or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type plan struct {
	id           string
	goal         string
	capabilities []string
	strategy     swarm.Strategy
	createdAt    time.Time

	tasks      map[string]*Task
	order      []string // task ids sorted
	dependents map[string][]string

	mu        sync.Mutex
	handle    *Handle
	cancelled chan struct{}
	cancelOne sync.Once
	snapshot  atomic.Pointer[PlanStatus]
}

func newPlan(id, goal string, caps []string, strategy swarm.Strategy, specs []TaskSpec, now time.Time) *plan {
	p := &plan{
		id:           id,
		goal:         goal,
		capabilities: caps,
		strategy:     strategy,
		createdAt:    now,
		tasks:        make(map[string]*Task, len(specs)),
		dependents:   make(map[string][]string),
		cancelled:    make(chan struct{}),
	}
	for i, s := range specs {
		p.tasks[s.ID] = &Task{
			ID:           s.ID,
			Position:     i,
			Goal:         s.Goal,
			Capabilities: s.Capabilities,
			DependsOn:    append([]string{}, s.DependsOn...),
			Inputs:       s.Inputs,
			State:        TaskPending,
			CreatedAt:    now,
		}
		p.order = append(p.order, s.ID)
		for _, dep := range s.DependsOn {
			p.dependents[dep] = append(p.dependents[dep], s.ID)
		}
	}
	sort.Strings(p.order)
	return p
}

func (p *plan) requestCancel() {
	p.cancelOne.Do(func() { close(p.cancelled) })
}

func (p *plan) status() PlanStatus {
	if s := p.snapshot.Load(); s != nil {
		out := *s
		if out.State == PlanRunning && out.StartedAt != nil {
			out.Elapsed = time.Since(*out.StartedAt)
			out.ElapsedMS = out.Elapsed.Milliseconds()
		}
		return out
	}
	return PlanStatus{PlanID: p.id, Goal: p.goal, State: PlanPending, CreatedAt: p.createdAt}
}

// publish stores a fresh snapshot. Called only by the goroutine that
// currently owns the plan's tasks.
func (p *plan) publish(state PlanState, outcome Outcome, inFlight int, started, completed *time.Time) PlanStatus {
	st := PlanStatus{
		PlanID:      p.id,
		Goal:        p.goal,
		Strategy:    p.strategy.String(),
		State:       state,
		Outcome:     outcome,
		Total:       len(p.tasks),
		Counts:      make(map[TaskState]int),
		InFlight:    inFlight,
		CreatedAt:   p.createdAt,
		StartedAt:   started,
		CompletedAt: completed,
		Tasks:       make([]Task, 0, len(p.tasks)),
	}
	for _, id := range p.order {
		t := p.tasks[id]
		st.Counts[t.State]++
		cp := *t
		cp.Capabilities = append([]string(nil), t.Capabilities...)
		cp.DependsOn = append([]string{}, t.DependsOn...)
		st.Tasks = append(st.Tasks, cp)
	}
	sort.Slice(st.Tasks, func(i, j int) bool { return st.Tasks[i].Position < st.Tasks[j].Position })
	if started != nil {
		end := time.Now()
		if completed != nil {
			end = *completed
		}
		st.Elapsed = end.Sub(*started)
		st.ElapsedMS = st.Elapsed.Milliseconds()
	}
	p.snapshot.Store(&st)
	return st
}
