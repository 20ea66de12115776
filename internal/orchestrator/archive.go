package orchestrator

import (
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/conductor/internal/store"
)

func (o *Orchestrator) archivePlan(p *plan) error {
	if o.deps.Store == nil {
		return nil
	}
	sp := &store.Plan{
		ID:           p.id,
		Goal:         p.goal,
		Capabilities: p.capabilities,
		Strategy:     p.strategy.String(),
		Status:       string(PlanPending),
		CreatedAt:    p.createdAt,
	}
	for _, id := range p.order {
		sp.Tasks = append(sp.Tasks, o.toStoreTask(p, p.tasks[id]))
	}
	if err := o.deps.Store.SavePlan(sp); err != nil {
		return fmt.Errorf("archive plan: %w", err)
	}
	return nil
}

func (o *Orchestrator) archivePlanStatus(p *plan, st PlanStatus) {
	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.UpdatePlanStatus(p.id, string(st.State), string(st.Outcome), st.StartedAt, st.CompletedAt); err != nil {
		slog.Warn("failed to archive plan status", "plan", p.id, "error", err)
	}
}

func (o *Orchestrator) archiveTask(p *plan, t *Task) {
	if o.deps.Store == nil {
		return
	}
	st := o.toStoreTask(p, t)
	if err := o.deps.Store.SaveTask(&st); err != nil {
		slog.Warn("failed to archive task", "plan", p.id, "task", t.ID, "error", err)
	}
}

func (o *Orchestrator) toStoreTask(p *plan, t *Task) store.Task {
	st := store.Task{
		ID:           t.ID,
		PlanID:       p.id,
		Position:     t.Position,
		Goal:         t.Goal,
		Capabilities: t.Capabilities,
		DependsOn:    t.DependsOn,
		State:        string(t.State),
		AgentID:      t.AgentID,
		Attempts:     t.Attempts,
		Error:        t.Error,
		CreatedAt:    t.CreatedAt,
		DispatchedAt: t.DispatchedAt,
		CompletedAt:  t.CompletedAt,
	}
	if len(t.Result) == 0 {
		return st
	}
	if o.deps.Vault == nil {
		st.Result = t.Result
		return st
	}
	ciphertext, nonce, err := o.deps.Vault.Seal(t.Result, resultScope(p.id, t.ID))
	if err != nil {
		slog.Warn("failed to seal task result, archiving without it", "plan", p.id, "task", t.ID, "error", err)
		return st
	}
	st.Result, st.ResultNonce = ciphertext, nonce
	return st
}

func (o *Orchestrator) statusFromArchive(sp *store.Plan) PlanStatus {
	st := PlanStatus{
		PlanID:      sp.ID,
		Goal:        sp.Goal,
		Strategy:    sp.Strategy,
		State:       PlanState(sp.Status),
		Outcome:     Outcome(sp.Outcome),
		Counts:      make(map[TaskState]int),
		CreatedAt:   sp.CreatedAt,
		StartedAt:   sp.StartedAt,
		CompletedAt: sp.CompletedAt,
	}
	if sp.StartedAt != nil && sp.CompletedAt != nil {
		st.Elapsed = sp.CompletedAt.Sub(*sp.StartedAt)
		st.ElapsedMS = st.Elapsed.Milliseconds()
	}
	for _, t := range sp.Tasks {
		task := Task{
			ID:           t.ID,
			Position:     t.Position,
			Goal:         t.Goal,
			Capabilities: t.Capabilities,
			DependsOn:    t.DependsOn,
			State:        TaskState(t.State),
			AgentID:      t.AgentID,
			Attempts:     t.Attempts,
			Error:        t.Error,
			CreatedAt:    t.CreatedAt,
			DispatchedAt: t.DispatchedAt,
			CompletedAt:  t.CompletedAt,
		}
		switch {
		case len(t.Result) == 0:
		case len(t.ResultNonce) == 0:
			task.Result = t.Result
		case o.deps.Vault != nil:
			plain, err := o.deps.Vault.Open(t.Result, t.ResultNonce, resultScope(sp.ID, t.ID))
			if err != nil {
				slog.Warn("failed to open archived result", "plan", sp.ID, "task", t.ID, "error", err)
			} else {
				task.Result = plain
			}
		}
		st.Tasks = append(st.Tasks, task)
		st.Counts[task.State]++
		st.Total++
	}
	return st
}

// RecoverInterrupted closes archived plans that were still pending or
// running when the previous process exited.
func (o *Orchestrator) RecoverInterrupted() (int, error) {
	if o.deps.Store == nil {
		return 0, nil
	}
	plans, err := o.deps.Store.ListPlans(10000)
	if err != nil {
		return 0, err
	}

	recovered := 0
	now := o.now()
	for _, sp := range plans {
		if sp.Status == string(PlanFinished) {
			continue
		}
		o.mu.RLock()
		_, live := o.plans[sp.ID]
		o.mu.RUnlock()
		if live {
			continue
		}

		tasks, err := o.deps.Store.ListPlanTasks(sp.ID)
		if err != nil {
			return recovered, err
		}
		for i := range tasks {
			if TaskState(tasks[i].State).Terminal() {
				continue
			}
			tasks[i].State = string(TaskCancelled)
			tasks[i].Error = "interrupted by restart"
			tasks[i].CompletedAt = &now
			if err := o.deps.Store.SaveTask(&tasks[i]); err != nil {
				return recovered, err
			}
		}
		if err := o.deps.Store.UpdatePlanStatus(sp.ID, string(PlanFinished), string(OutcomeCancelled), nil, &now); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		slog.Warn("closed plans interrupted by restart", "count", recovered)
	}
	return recovered, nil
}

func resultScope(planID, taskID string) string {
	return planID + "/" + taskID
}
