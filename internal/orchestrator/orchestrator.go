package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/conductor/internal/agent"
	"github.com/mtzanidakis/conductor/internal/audit"
	"github.com/mtzanidakis/conductor/internal/breaker"
	"github.com/mtzanidakis/conductor/internal/config"
	"github.com/mtzanidakis/conductor/internal/store"
	"github.com/mtzanidakis/conductor/internal/swarm"
	"github.com/mtzanidakis/conductor/internal/vault"
)

// Registry is the orchestrator's view of the agent registry.
type Registry interface {
	FindByCapabilities(caps []string) []agent.Descriptor
	Acquire(agentID string)
	Release(agentID string)
}

type Transport interface {
	Dispatch(ctx context.Context, agentID string, req agent.Request) (agent.Result, error)
}

type Coordinator interface {
	Resolve(ctx context.Context, candidates []agent.Descriptor, strategy swarm.Strategy, task swarm.Task) (*swarm.Decision, error)
}

// Deps are the collaborators of an Orchestrator. Store, Vault and Audit
// are optional.
type Deps struct {
	Registry    Registry
	Coordinator Coordinator
	Transport   Transport
	Breakers    *breaker.Registry
	Decomposer  Decomposer
	Store       *store.Store
	Vault       *vault.Vault
	Audit       audit.Sink
}

// PlanRequest is the full form of Submit. When Tasks is set the graph is
// taken as given instead of being decomposed from the goal.
type PlanRequest struct {
	Goal         string          `json:"goal"`
	Capabilities []string        `json:"capabilities"`
	Strategy     string          `json:"strategy,omitempty"`
	Tasks        []TaskSpec      `json:"tasks,omitempty"`
	Inputs       json.RawMessage `json:"inputs,omitempty"`
}

type Orchestrator struct {
	deps Deps
	sink audit.Sink

	cfgMu    sync.RWMutex
	cfg      config.OrchestratorConfig
	swarmCfg config.SwarmConfig

	mu    sync.RWMutex
	plans map[string]*plan

	listenersMu sync.RWMutex
	onProgress  []func(PlanStatus)
	onFinish    []func(PlanStatus)

	ctx   context.Context
	stop  context.CancelFunc
	loops sync.WaitGroup
	now   func() time.Time
}

func New(cfg config.OrchestratorConfig, swarmCfg config.SwarmConfig, deps Deps) *Orchestrator {
	if deps.Decomposer == nil {
		deps.Decomposer = ChainDecomposer{}
	}
	sink := deps.Audit
	if sink == nil {
		sink = audit.Discard{}
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:     deps,
		sink:     sink,
		cfg:      cfg,
		swarmCfg: swarmCfg,
		plans:    make(map[string]*plan),
		ctx:      ctx,
		stop:     stop,
		now:      time.Now,
	}
}

func (o *Orchestrator) config() (config.OrchestratorConfig, config.SwarmConfig) {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg, o.swarmCfg
}

// UpdateConfig applies new limits to running and future plans.
func (o *Orchestrator) UpdateConfig(cfg config.OrchestratorConfig, swarmCfg config.SwarmConfig) {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()
	o.cfg = cfg
	o.swarmCfg = swarmCfg
}

// OnProgress registers a callback invoked from the plan loop after every
// state change. Callbacks must not block.
func (o *Orchestrator) OnProgress(fn func(PlanStatus)) {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	o.onProgress = append(o.onProgress, fn)
}

// OnFinish registers a callback invoked once per plan with its final status.
func (o *Orchestrator) OnFinish(fn func(PlanStatus)) {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	o.onFinish = append(o.onFinish, fn)
}

// Submit decomposes goal into a plan and returns its id.
func (o *Orchestrator) Submit(ctx context.Context, goal string, caps []string) (string, error) {
	return o.SubmitPlan(ctx, PlanRequest{Goal: goal, Capabilities: caps})
}

func (o *Orchestrator) SubmitPlan(ctx context.Context, req PlanRequest) (string, error) {
	cfg, swarmCfg := o.config()

	name := req.Strategy
	if name == "" {
		name = cfg.DefaultStrategy
	}
	strategy, err := swarm.StrategyFromConfig(name, swarmCfg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	caps := agent.NormalizeCapabilities(req.Capabilities)
	var decomposer Decomposer = o.deps.Decomposer
	if len(req.Tasks) > 0 {
		decomposer = GraphDecomposer{Tasks: req.Tasks}
	}
	specs, err := decomposer.Decompose(ctx, req.Goal, caps)
	if err != nil {
		return "", fmt.Errorf("decompose goal: %w", err)
	}
	if err := validateGraph(specs); err != nil {
		return "", err
	}
	if len(req.Inputs) > 0 {
		for i := range specs {
			if len(specs[i].Inputs) == 0 {
				specs[i].Inputs = req.Inputs
			}
		}
	}

	p := newPlan(uuid.New().String(), req.Goal, caps, strategy, specs, o.now())
	if err := o.archivePlan(p); err != nil {
		return "", err
	}
	p.publish(PlanPending, "", 0, nil, nil)

	o.mu.Lock()
	o.plans[p.id] = p
	o.mu.Unlock()

	slog.Info("plan submitted", "plan", p.id, "tasks", len(specs), "strategy", strategy.String())
	o.sink.Record(audit.Event{
		Type:   audit.PlanSubmitted,
		PlanID: p.id,
		Data:   map[string]any{"goal": req.Goal, "tasks": len(specs), "strategy": strategy.String()},
	})
	return p.id, nil
}

func (o *Orchestrator) lookup(planID string) (*plan, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", planID, ErrPlanNotFound)
	}
	return p, nil
}

// Execute starts the plan's scheduling loop. Calling it again returns the
// existing handle. The loop outlives ctx; stop it with Cancel or Close.
func (o *Orchestrator) Execute(ctx context.Context, planID string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := o.lookup(planID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle != nil {
		return p.handle, nil
	}
	h := newHandle(p.id)
	p.handle = h

	select {
	case <-p.cancelled:
		// Cancelled before it ever ran.
		o.finishUnstarted(p, h)
		return h, nil
	default:
	}

	o.loops.Add(1)
	go func() {
		defer o.loops.Done()
		o.run(o.ctx, p, h)
	}()
	return h, nil
}

// Cancel stops a plan. Pending tasks become Cancelled, in-flight dispatches
// are interrupted and their late results discarded. It returns once the
// plan has settled, so a following Status already shows the cancellation,
// or when ctx ends first. Repeated calls are no-ops. Cancel must not be
// called from OnProgress or OnFinish callbacks.
func (o *Orchestrator) Cancel(ctx context.Context, planID string) error {
	p, err := o.lookup(planID)
	if err != nil {
		return err
	}
	p.requestCancel()

	p.mu.Lock()
	h := p.handle
	if h == nil {
		h = newHandle(p.id)
		p.handle = h
		o.finishUnstarted(p, h)
	}
	p.mu.Unlock()

	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cancel %s: %w", planID, ctx.Err())
	}
}

// finishUnstarted cancels a plan whose loop never ran. Callers hold p.mu.
func (o *Orchestrator) finishUnstarted(p *plan, h *Handle) {
	now := o.now()
	for _, id := range p.order {
		t := p.tasks[id]
		t.State = TaskCancelled
		t.Error = "plan cancelled"
		t.CompletedAt = &now
		o.archiveTask(p, t)
	}
	st := p.publish(PlanFinished, OutcomeCancelled, 0, nil, &now)
	o.archivePlanStatus(p, st)
	o.sink.Record(audit.Event{Type: audit.PlanCancelled, PlanID: p.id})
	slog.Info("plan cancelled before execution", "plan", p.id)
	h.finish(OutcomeCancelled)
	o.notifyFinish(st)
}

// Status returns the latest snapshot of a plan. Plans no longer held in
// memory are read from the archive.
func (o *Orchestrator) Status(planID string) (PlanStatus, error) {
	p, err := o.lookup(planID)
	if err == nil {
		return p.status(), nil
	}
	if o.deps.Store == nil {
		return PlanStatus{}, err
	}
	sp, serr := o.deps.Store.GetPlan(planID)
	if serr != nil {
		return PlanStatus{}, serr
	}
	if sp == nil {
		return PlanStatus{}, err
	}
	return o.statusFromArchive(sp), nil
}

// ListPlans returns plan summaries, newest first, without task detail.
func (o *Orchestrator) ListPlans(limit int) ([]PlanStatus, error) {
	if limit <= 0 {
		limit = 100
	}

	o.mu.RLock()
	out := make([]PlanStatus, 0, len(o.plans))
	seen := make(map[string]bool, len(o.plans))
	for _, p := range o.plans {
		st := p.status()
		st.Tasks = nil
		out = append(out, st)
		seen[p.id] = true
	}
	o.mu.RUnlock()

	if o.deps.Store != nil {
		archived, err := o.deps.Store.ListPlans(limit)
		if err != nil {
			return nil, err
		}
		for i := range archived {
			if seen[archived[i].ID] {
				continue
			}
			st := o.statusFromArchive(&archived[i])
			st.Tasks = nil
			out = append(out, st)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].PlanID < out[j].PlanID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Forget drops a finished plan from memory. Its archive stays readable
// through Status.
func (o *Orchestrator) Forget(planID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.plans[planID]
	if !ok || p.status().State != PlanFinished {
		return false
	}
	delete(o.plans, planID)
	return true
}

// Close cancels every running plan and waits for the loops to exit.
func (o *Orchestrator) Close() {
	o.stop()
	o.loops.Wait()
}

func (o *Orchestrator) notifyProgress(st PlanStatus) {
	o.listenersMu.RLock()
	fns := o.onProgress
	o.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (o *Orchestrator) notifyFinish(st PlanStatus) {
	o.notifyProgress(st)
	o.listenersMu.RLock()
	fns := o.onFinish
	o.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(st)
	}
}
