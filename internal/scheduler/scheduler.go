package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/conductor/internal/audit"
	"github.com/mtzanidakis/conductor/internal/config"
	"github.com/mtzanidakis/conductor/internal/orchestrator"
	"github.com/mtzanidakis/conductor/internal/schedule"
	"github.com/mtzanidakis/conductor/internal/store"
)

// Planner is the part of the orchestrator the scheduler drives.
type Planner interface {
	SubmitPlan(ctx context.Context, req orchestrator.PlanRequest) (string, error)
	Execute(ctx context.Context, planID string) (*orchestrator.Handle, error)
}

// Scheduler submits a fresh plan for every scheduled goal that comes due.
type Scheduler struct {
	store   *store.Store
	planner Planner
	sink    audit.Sink
	now     func() time.Time

	mu           sync.Mutex
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(s *store.Store, planner Planner, cfg config.SchedulerConfig, sink audit.Sink) *Scheduler {
	if sink == nil {
		sink = audit.Discard{}
	}
	return &Scheduler{
		store:        s,
		planner:      planner,
		sink:         sink,
		now:          time.Now,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig changes the poll interval and resets the running ticker.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.mu.Lock()
	s.pollInterval = cfg.PollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		return 30 * time.Second
	}
	return s.pollInterval
}

// Add validates the schedule, computes the first run and stores the goal.
func (s *Scheduler) Add(g *store.ScheduledGoal) error {
	sch, err := schedule.Parse(g.Schedule)
	if err != nil {
		return err
	}
	if g.Goal == "" {
		return fmt.Errorf("scheduled goal needs a goal")
	}
	next, ok := sch.Next(s.now())
	if !ok {
		return fmt.Errorf("schedule %s never fires", sch.Describe())
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.Name == "" {
		g.Name = g.Goal
	}
	g.Schedule = sch.String()
	g.NextRunAt = &next
	if err := s.store.SaveScheduledGoal(g); err != nil {
		return err
	}
	slog.Info("scheduled goal added", "id", g.ID, "name", g.Name, "schedule", sch.Describe(), "next_run", next)
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	interval := s.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			interval = s.interval()
			ticker.Reset(interval)
			slog.Info("scheduler config reloaded", "poll_interval", interval)
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll fires every goal that is due now.
func (s *Scheduler) Poll(ctx context.Context) {
	goals, err := s.store.GetDueGoals(s.now())
	if err != nil {
		slog.Error("failed to get due goals", "error", err)
		return
	}
	for _, g := range goals {
		s.fire(ctx, g)
	}
}

func (s *Scheduler) fire(ctx context.Context, g store.ScheduledGoal) {
	slog.Info("firing scheduled goal", "id", g.ID, "name", g.Name)

	planID, err := s.submit(ctx, g)

	lastStatus, lastError := "success", ""
	if err != nil {
		lastStatus, lastError = "error", err.Error()
		slog.Error("scheduled goal failed", "id", g.ID, "error", err)
	}

	next := schedule.NextRun(g.Schedule, s.now())
	if err := s.store.UpdateGoalRun(g.ID, lastStatus, lastError, planID, next); err != nil {
		slog.Error("failed to update goal run", "id", g.ID, "error", err)
	}

	s.sink.Record(audit.Event{
		Type:   audit.ScheduleFired,
		PlanID: planID,
		Data:   map[string]any{"schedule_id": g.ID, "name": g.Name, "status": lastStatus},
	})

	if next == nil {
		slog.Info("no next run, marking scheduled goal completed", "id", g.ID, "name", g.Name)
		if err := s.store.UpdateGoalStatus(g.ID, "completed"); err != nil {
			slog.Error("failed to complete scheduled goal", "id", g.ID, "error", err)
		}
	}
}

func (s *Scheduler) submit(ctx context.Context, g store.ScheduledGoal) (string, error) {
	planID, err := s.planner.SubmitPlan(ctx, orchestrator.PlanRequest{
		Goal:         g.Goal,
		Capabilities: g.Capabilities,
		Strategy:     g.Strategy,
	})
	if err != nil {
		return "", fmt.Errorf("submit plan: %w", err)
	}
	if _, err := s.planner.Execute(ctx, planID); err != nil {
		return planID, fmt.Errorf("execute plan: %w", err)
	}
	return planID, nil
}
