package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/conductor/internal/agent"
	"github.com/mtzanidakis/conductor/internal/audit"
	"github.com/mtzanidakis/conductor/internal/breaker"
	"github.com/mtzanidakis/conductor/internal/config"
	"github.com/mtzanidakis/conductor/internal/swarm"
)

const defaultDispatchTimeout = 300 * time.Second

// assignment reports the winner of an attempt's coordination round.
type assignment struct {
	taskID   string
	attempt  int
	agentID  string
	strategy string
}

// completion is the outcome of one dispatch attempt.
type completion struct {
	taskID  string
	attempt int
	agentID string
	result  agent.Result
	err     error
}

// job is the immutable input of one attempt goroutine.
type job struct {
	planID    string
	taskID    string
	attempt   int
	goal      string
	caps      []string
	inputs    []byte
	prevAgent string
	strategy  swarm.Strategy
	fallback  swarm.Strategy
	reuse     bool
	timeout   time.Duration
}

// loopState is owned by the run goroutine.
type loopState struct {
	inFlight    map[string]context.CancelFunc
	waiting     map[string]*time.Timer
	assignments chan assignment
	completions chan completion
	retries     chan string
	done        chan struct{}
}

// run is the single scheduling loop of a plan. It is the only writer of
// task state while the plan executes.
func (o *Orchestrator) run(ctx context.Context, p *plan, h *Handle) {
	ls := &loopState{
		inFlight:    make(map[string]context.CancelFunc),
		waiting:     make(map[string]*time.Timer),
		assignments: make(chan assignment),
		completions: make(chan completion),
		retries:     make(chan string),
		done:        make(chan struct{}),
	}
	defer close(ls.done)

	started := o.now()
	slog.Info("plan started", "plan", p.id, "tasks", len(p.tasks))
	o.sink.Record(audit.Event{Type: audit.PlanStarted, PlanID: p.id})
	o.archivePlanStatus(p, p.publish(PlanRunning, "", 0, &started, nil))

	var outcome Outcome
	for outcome == "" {
		cfg, swarmCfg := o.config()
		o.promote(p, ls)
		o.launchReady(ctx, p, ls, cfg, swarmCfg)

		if done, oc := settled(p); done {
			outcome = oc
			break
		}
		if len(ls.inFlight) == 0 && len(ls.waiting) == 0 {
			// Nothing can make progress any more.
			slog.Error("plan deadlocked", "plan", p.id)
			o.cancelRemaining(p, "deadlock")
			outcome = OutcomePartialFailure
			break
		}
		o.notifyProgress(p.publish(PlanRunning, "", len(ls.inFlight), &started, nil))

		select {
		case a := <-ls.assignments:
			o.handleAssignment(p, ls, a)
		case c := <-ls.completions:
			o.handleCompletion(p, ls, cfg, c)
		case id := <-ls.retries:
			delete(ls.waiting, id)
		case <-p.cancelled:
			outcome = OutcomeCancelled
		case <-ctx.Done():
			outcome = OutcomeCancelled
		}
	}

	for id, cancel := range ls.inFlight {
		cancel()
		delete(ls.inFlight, id)
	}
	for id, timer := range ls.waiting {
		timer.Stop()
		delete(ls.waiting, id)
	}
	if outcome == OutcomeCancelled {
		o.cancelRemaining(p, "plan cancelled")
		o.sink.Record(audit.Event{Type: audit.PlanCancelled, PlanID: p.id})
	}

	completed := o.now()
	st := p.publish(PlanFinished, outcome, 0, &started, &completed)
	o.archivePlanStatus(p, st)
	slog.Info("plan finished", "plan", p.id, "outcome", outcome,
		"succeeded", st.Counts[TaskSucceeded], "failed", st.Counts[TaskFailed], "cancelled", st.Counts[TaskCancelled],
		"elapsed", st.Elapsed.Round(time.Millisecond))
	o.sink.Record(audit.Event{
		Type:   audit.PlanFinished,
		PlanID: p.id,
		Data: map[string]any{
			"outcome":    string(outcome),
			"succeeded":  st.Counts[TaskSucceeded],
			"failed":     st.Counts[TaskFailed],
			"cancelled":  st.Counts[TaskCancelled],
			"elapsed_ms": st.ElapsedMS,
		},
	})
	h.finish(outcome)
	o.notifyFinish(st)
}

// promote moves pending tasks whose dependencies all succeeded to Ready.
func (o *Orchestrator) promote(p *plan, ls *loopState) {
	for _, id := range p.order {
		t := p.tasks[id]
		if t.State != TaskPending {
			continue
		}
		if _, backingOff := ls.waiting[id]; backingOff {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			if p.tasks[dep].State != TaskSucceeded {
				ready = false
				break
			}
		}
		if ready {
			t.State = TaskReady
			o.sink.Record(audit.Event{Type: audit.TaskReady, PlanID: p.id, TaskID: id})
			o.archiveTask(p, t)
		}
	}
}

// launchReady dispatches Ready tasks in id order until max_in_flight.
func (o *Orchestrator) launchReady(ctx context.Context, p *plan, ls *loopState, cfg config.OrchestratorConfig, swarmCfg config.SwarmConfig) {
	limit := max(cfg.MaxInFlight, 1)
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}

	for _, id := range p.order {
		if len(ls.inFlight) >= limit {
			return
		}
		t := p.tasks[id]
		if t.State != TaskReady {
			continue
		}
		if _, running := ls.inFlight[id]; running {
			continue
		}

		// The task stays Ready until its coordination round assigns an agent.
		prev := t.AgentID
		t.Attempts++
		t.AgentID = ""

		actx, cancel := context.WithCancel(ctx)
		ls.inFlight[id] = cancel
		o.archiveTask(p, t)

		j := job{
			planID:    p.id,
			taskID:    id,
			attempt:   t.Attempts,
			goal:      t.Goal,
			caps:      t.Capabilities,
			inputs:    t.Inputs,
			prevAgent: prev,
			strategy:  p.strategy,
			fallback:  swarm.Hierarchical(swarm.Ranking(swarmCfg.Ranking)),
			reuse:     cfg.ReuseWinnerOnRetry,
			timeout:   timeout,
		}
		go o.attempt(actx, j, ls)
	}
}

// attempt resolves a winner and dispatches one try of a task. It settles
// the winner's breaker permit and load counter itself so that results
// discarded after cancellation still release them.
func (o *Orchestrator) attempt(ctx context.Context, j job, ls *loopState) {
	send := func(c completion) {
		select {
		case ls.completions <- c:
		case <-ls.done:
			slog.Debug("discarding late result", "plan", j.planID, "task", j.taskID, "agent", c.agentID)
			o.sink.Record(audit.Event{Type: audit.TaskLateResult, PlanID: j.planID, TaskID: j.taskID, AgentID: c.agentID})
		}
	}

	candidates := o.deps.Registry.FindByCapabilities(j.caps)
	winner, strategy := "", j.strategy.String()
	var permit breaker.Permit

	if j.reuse && j.prevAgent != "" {
		for _, d := range candidates {
			if d.ID != j.prevAgent {
				continue
			}
			if p, ok := o.deps.Breakers.Get(d.ID).Allow(); ok {
				winner, strategy, permit = d.ID, "reuse", p
			}
			break
		}
	}

	if winner == "" {
		task := swarm.Task{PlanID: j.planID, ID: j.taskID, Goal: j.goal, Capabilities: j.caps}
		dec, err := o.deps.Coordinator.Resolve(ctx, candidates, j.strategy, task)
		if errors.Is(err, swarm.ErrNoQuorum) {
			slog.Warn("consensus failed, falling back to hierarchical", "plan", j.planID, "task", j.taskID, "error", err)
			o.sink.Record(audit.Event{
				Type:   audit.RoundFallback,
				PlanID: j.planID,
				TaskID: j.taskID,
				Data:   map[string]any{"from": j.strategy.String(), "to": j.fallback.String(), "reason": err.Error()},
			})
			dec, err = o.deps.Coordinator.Resolve(ctx, candidates, j.fallback, task)
			strategy = j.fallback.String()
		}
		if err != nil {
			send(completion{taskID: j.taskID, attempt: j.attempt, err: fmt.Errorf("coordinate: %w", err)})
			return
		}
		winner, permit = dec.Winner, dec.Permit
	}

	select {
	case ls.assignments <- assignment{taskID: j.taskID, attempt: j.attempt, agentID: winner, strategy: strategy}:
	case <-ls.done:
		permit.Release()
		return
	}

	req := agent.Request{
		PlanID:       j.planID,
		TaskID:       j.taskID,
		Attempt:      j.attempt,
		Goal:         j.goal,
		Capabilities: j.caps,
		Inputs:       j.inputs,
		Deadline:     time.Now().Add(j.timeout),
	}
	dctx, cancel := context.WithDeadline(ctx, req.Deadline)
	o.deps.Registry.Acquire(winner)
	res, err := o.deps.Transport.Dispatch(dctx, winner, req)
	o.deps.Registry.Release(winner)
	if errors.Is(dctx.Err(), context.DeadlineExceeded) && err != nil && !errors.Is(err, agent.ErrDispatchTimeout) {
		err = fmt.Errorf("%w: %v", agent.ErrDispatchTimeout, err)
	}
	cancel()

	switch {
	case err == nil:
		permit.RecordSuccess()
	case errors.Is(err, context.Canceled):
		permit.Release()
	default:
		permit.RecordFailure()
	}
	send(completion{taskID: j.taskID, attempt: j.attempt, agentID: winner, result: res, err: err})
}

func (o *Orchestrator) handleAssignment(p *plan, ls *loopState, a assignment) {
	t := p.tasks[a.taskID]
	if _, running := ls.inFlight[a.taskID]; !running || t.State != TaskReady || t.Attempts != a.attempt {
		return
	}
	now := o.now()
	t.State = TaskDispatched
	t.AgentID = a.agentID
	t.DispatchedAt = &now
	o.archiveTask(p, t)
	slog.Debug("task dispatched", "plan", p.id, "task", t.ID, "agent", a.agentID, "attempt", a.attempt)
	o.sink.Record(audit.Event{
		Type:    audit.TaskDispatched,
		PlanID:  p.id,
		TaskID:  t.ID,
		AgentID: a.agentID,
		Data:    map[string]any{"attempt": a.attempt, "strategy": a.strategy},
	})
}

func (o *Orchestrator) handleCompletion(p *plan, ls *loopState, cfg config.OrchestratorConfig, c completion) {
	t := p.tasks[c.taskID]
	_, running := ls.inFlight[c.taskID]
	if !running || t.State.Terminal() || t.Attempts != c.attempt {
		o.sink.Record(audit.Event{Type: audit.TaskLateResult, PlanID: p.id, TaskID: c.taskID, AgentID: c.agentID})
		return
	}
	if cancel, ok := ls.inFlight[c.taskID]; ok {
		cancel()
		delete(ls.inFlight, c.taskID)
	}

	now := o.now()
	if c.agentID != "" {
		t.AgentID = c.agentID
	}

	if c.err == nil {
		t.State = TaskSucceeded
		t.Result = c.result.Output
		t.Error = ""
		t.CompletedAt = &now
		o.archiveTask(p, t)
		o.sink.Record(audit.Event{Type: audit.TaskSucceeded, PlanID: p.id, TaskID: t.ID, AgentID: t.AgentID,
			Data: map[string]any{"attempt": t.Attempts}})
		return
	}

	t.Error = c.err.Error()
	o.sink.Record(audit.Event{Type: audit.TaskAttemptFailed, PlanID: p.id, TaskID: t.ID, AgentID: t.AgentID,
		Data: map[string]any{"attempt": t.Attempts, "error": t.Error}})

	if t.Attempts < max(cfg.MaxAttempts, 1) {
		delay := backoff(cfg, t.Attempts)
		t.State = TaskPending
		id := t.ID
		ls.waiting[id] = time.AfterFunc(delay, func() {
			select {
			case ls.retries <- id:
			case <-ls.done:
			}
		})
		o.archiveTask(p, t)
		slog.Warn("task attempt failed, retrying", "plan", p.id, "task", id, "attempt", t.Attempts, "delay", delay, "error", c.err)
		o.sink.Record(audit.Event{Type: audit.TaskRetrying, PlanID: p.id, TaskID: id,
			Data: map[string]any{"attempt": t.Attempts, "delay_ms": delay.Milliseconds()}})
		return
	}

	t.State = TaskFailed
	t.Error = fmt.Errorf("%w after %d attempts: %v", ErrTaskFailed, t.Attempts, c.err).Error()
	t.CompletedAt = &now
	o.archiveTask(p, t)
	slog.Error("task failed", "plan", p.id, "task", t.ID, "attempts", t.Attempts, "error", c.err)
	o.sink.Record(audit.Event{Type: audit.TaskFailed, PlanID: p.id, TaskID: t.ID, AgentID: t.AgentID,
		Data: map[string]any{"attempts": t.Attempts, "error": c.err.Error()}})
	o.cascade(p, t.ID)
}

// cascade cancels every transitive dependent of a failed task.
func (o *Orchestrator) cascade(p *plan, failed string) {
	now := o.now()
	queue := append([]string(nil), p.dependents[failed]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		t := p.tasks[id]
		if t.State.Terminal() {
			continue
		}
		t.State = TaskCancelled
		t.Error = fmt.Sprintf("dependency %s failed", failed)
		t.CompletedAt = &now
		o.archiveTask(p, t)
		o.sink.Record(audit.Event{Type: audit.TaskCancelled, PlanID: p.id, TaskID: id, Data: map[string]any{"reason": t.Error}})
		queue = append(queue, p.dependents[id]...)
	}
}

func (o *Orchestrator) cancelRemaining(p *plan, reason string) {
	now := o.now()
	for _, id := range p.order {
		t := p.tasks[id]
		if t.State.Terminal() {
			continue
		}
		t.State = TaskCancelled
		t.Error = reason
		t.CompletedAt = &now
		o.archiveTask(p, t)
		o.sink.Record(audit.Event{Type: audit.TaskCancelled, PlanID: p.id, TaskID: id, Data: map[string]any{"reason": reason}})
	}
}

// settled reports whether every task is terminal and the resulting outcome.
func settled(p *plan) (bool, Outcome) {
	outcome := OutcomeSucceeded
	for _, t := range p.tasks {
		if !t.State.Terminal() {
			return false, ""
		}
		if t.State != TaskSucceeded {
			outcome = OutcomePartialFailure
		}
	}
	return true, outcome
}

// backoff returns base * 2^(failures-1), capped at backoff_max.
func backoff(cfg config.OrchestratorConfig, failures int) time.Duration {
	d := cfg.BackoffBase
	if d <= 0 {
		return 0
	}
	for i := 1; i < failures; i++ {
		d *= 2
		if cfg.BackoffMax > 0 && d >= cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	if cfg.BackoffMax > 0 && d > cfg.BackoffMax {
		return cfg.BackoffMax
	}
	return d
}
