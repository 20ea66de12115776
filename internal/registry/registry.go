package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/conductor/internal/agent"
	"github.com/mtzanidakis/conductor/internal/audit"
	"github.com/mtzanidakis/conductor/internal/config"
	"github.com/mtzanidakis/conductor/internal/natsbus"
	"github.com/mtzanidakis/conductor/internal/store"
	"github.com/nats-io/nats.go"
)

var ErrUnknownAgent = errors.New("unknown agent")

const (
	SourceConfig  = "config"
	SourceRuntime = "runtime"
)

// Membership is notified when agents come and go. The swarm roster
// implements it.
type Membership interface {
	Join(d agent.Descriptor) error
	Leave(agentID string) bool
}

// Breakers holds per-agent circuit breakers. A removed agent's breaker is
// dropped so a later agent with the same id starts closed.
type Breakers interface {
	Remove(key string)
}

type Option func(*Registry)

func WithMembership(m Membership) Option {
	return func(r *Registry) { r.members = m }
}

func WithBreakers(b Breakers) Option {
	return func(r *Registry) { r.breakers = b }
}

func WithAuditSink(s audit.Sink) Option {
	return func(r *Registry) { r.sink = s }
}

// Registry owns agent descriptors. Config-declared agents are synced into
// the store at startup; runtime agents register over the bus.
type Registry struct {
	store    *store.Store
	liveness *agent.LivenessTracker
	members  Membership
	breakers Breakers
	sink     audit.Sink

	mu          sync.RWMutex
	cfg         config.RegistryConfig
	definitions map[string]config.AgentDefinition
	agents      map[string]*agent.Descriptor
}

func New(s *store.Store, defs map[string]config.AgentDefinition, cfg config.RegistryConfig, opts ...Option) *Registry {
	r := &Registry{
		store:       s,
		liveness:    agent.NewLivenessTracker(),
		sink:        audit.Discard{},
		cfg:         cfg,
		definitions: defs,
		agents:      make(map[string]*agent.Descriptor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sync writes config-declared agents to the store, removes config agents
// that are no longer declared and loads runtime agents remembered from a
// previous run. Declared agents get one health_ttl of grace to connect.
func (r *Registry) Sync() error {
	r.mu.Lock()
	defs := r.definitions
	r.mu.Unlock()

	ids := make([]string, 0, len(defs))
	for id, def := range defs {
		ids = append(ids, id)
		a := &store.Agent{
			ID:           id,
			Description:  def.Description,
			Capabilities: agent.NormalizeCapabilities(def.Capabilities),
			Weights:      def.Weights,
			Priority:     def.Priority,
			Image:        def.Image,
			Source:       SourceConfig,
		}
		if err := r.store.SaveAgent(a); err != nil {
			return fmt.Errorf("save agent %s: %w", id, err)
		}
	}
	if err := r.store.DeleteConfigAgentsNotIn(ids); err != nil {
		return fmt.Errorf("delete stale agents: %w", err)
	}

	stored, err := r.store.ListAgents()
	if err != nil {
		return err
	}

	var joined []agent.Descriptor
	r.mu.Lock()
	for id, d := range r.agents {
		if d.Source == SourceConfig {
			if _, ok := defs[id]; !ok {
				delete(r.agents, id)
				r.liveness.Remove(id)
				if r.members != nil {
					r.members.Leave(id)
				}
				if r.breakers != nil {
					r.breakers.Remove(id)
				}
			}
		}
	}
	for _, a := range stored {
		d := descriptorFromStore(a)
		if existing, ok := r.agents[a.ID]; ok {
			d.Load = existing.Load
		} else if a.Source == SourceConfig {
			r.liveness.Touch(a.ID)
		}
		r.agents[a.ID] = &d
		joined = append(joined, d)
	}
	r.mu.Unlock()

	if r.members != nil {
		for _, d := range joined {
			if err := r.members.Join(d); err != nil {
				slog.Warn("agent not admitted to swarm", "agent", d.ID, "error", err)
			}
		}
	}
	slog.Info("agent registry synced", "declared", len(defs), "known", len(stored))
	return nil
}

// UpdateDefinitions swaps the declared agents and syncs again.
func (r *Registry) UpdateDefinitions(defs map[string]config.AgentDefinition) error {
	r.mu.Lock()
	r.definitions = defs
	r.mu.Unlock()
	return r.Sync()
}

func (r *Registry) UpdateConfig(cfg config.RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// Register adds or refreshes an agent announced at runtime.
func (r *Registry) Register(hb agent.Heartbeat) (agent.Descriptor, error) {
	if hb.AgentID == "" {
		return agent.Descriptor{}, fmt.Errorf("register: missing agent id")
	}
	caps := agent.NormalizeCapabilities(hb.Capabilities)

	r.mu.Lock()
	existing, known := r.agents[hb.AgentID]
	d := agent.Descriptor{
		ID:           hb.AgentID,
		Description:  hb.Description,
		Capabilities: caps,
		Weights:      hb.Weights,
		Priority:     hb.Priority,
		Source:       SourceRuntime,
	}
	if known {
		d.Load = existing.Load
		d.Source = existing.Source
		if len(caps) == 0 {
			d.Capabilities = existing.Capabilities
		}
		if d.Weights == nil {
			d.Weights = existing.Weights
		}
		if d.Description == "" {
			d.Description = existing.Description
		}
		if d.Priority == 0 {
			d.Priority = existing.Priority
		}
	}
	r.mu.Unlock()

	if len(d.Capabilities) == 0 {
		return agent.Descriptor{}, fmt.Errorf("register %s: no capabilities", hb.AgentID)
	}
	if r.members != nil {
		if err := r.members.Join(d); err != nil {
			return agent.Descriptor{}, fmt.Errorf("register %s: %w", hb.AgentID, err)
		}
	}

	if err := r.store.SaveAgent(&store.Agent{
		ID:           d.ID,
		Description:  d.Description,
		Capabilities: d.Capabilities,
		Weights:      d.Weights,
		Priority:     d.Priority,
		Source:       d.Source,
	}); err != nil {
		slog.Warn("failed to persist agent", "agent", d.ID, "error", err)
	}

	r.mu.Lock()
	d.LastSeen = r.liveness.Touch(d.ID)
	stored := d
	r.agents[d.ID] = &stored
	r.mu.Unlock()

	if !known {
		slog.Info("agent registered", "agent", d.ID, "capabilities", d.Capabilities)
		r.sink.Record(audit.Event{
			Type:    audit.AgentJoined,
			AgentID: d.ID,
			Data:    map[string]any{"capabilities": d.Capabilities, "source": d.Source},
		})
	}
	d.Healthy = true
	return d, nil
}

// Heartbeat marks a known agent alive.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.RLock()
	_, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", agentID, ErrUnknownAgent)
	}
	r.liveness.Touch(agentID)
	return nil
}

// Unregister removes an agent. Dispatches already in flight are not
// affected; the agent simply stops being a candidate.
func (r *Registry) Unregister(agentID string) bool {
	r.mu.Lock()
	d, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.liveness.Remove(agentID)
	if r.members != nil {
		r.members.Leave(agentID)
	}
	if r.breakers != nil {
		r.breakers.Remove(agentID)
	}
	if d.Source == SourceRuntime {
		if err := r.store.DeleteAgent(agentID); err != nil {
			slog.Warn("failed to delete agent", "agent", agentID, "error", err)
		}
	}

	slog.Info("agent unregistered", "agent", agentID)
	r.sink.Record(audit.Event{Type: audit.AgentLeft, AgentID: agentID})
	return true
}

func (r *Registry) Get(agentID string) (agent.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[agentID]
	if !ok {
		return agent.Descriptor{}, false
	}
	return r.snapshot(d), true
}

// List returns copies of every known agent sorted by id.
func (r *Registry) List() []agent.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]agent.Descriptor, 0, len(r.agents))
	for _, d := range r.agents {
		out = append(out, r.snapshot(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByCapabilities returns healthy agents advertising every capability
// in caps, sorted by id.
func (r *Registry) FindByCapabilities(caps []string) []agent.Descriptor {
	var out []agent.Descriptor
	for _, d := range r.List() {
		if d.Healthy && d.HasAll(caps) {
			out = append(out, d)
		}
	}
	return out
}

// Acquire increments the agent's load counter for a dispatch.
func (r *Registry) Acquire(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.agents[agentID]; ok {
		d.Load++
	}
}

func (r *Registry) Release(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.agents[agentID]; ok && d.Load > 0 {
		d.Load--
	}
}

// Definition returns the declared configuration of an agent.
func (r *Registry) Definition(agentID string) (config.AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[agentID]
	return def, ok
}

func (r *Registry) snapshot(d *agent.Descriptor) agent.Descriptor {
	out := *d
	out.Capabilities = append([]string(nil), d.Capabilities...)
	if ts, ok := r.liveness.LastSeen(d.ID); ok {
		out.LastSeen = ts
	}
	out.Healthy = r.cfg.HealthTTL <= 0 || r.liveness.Alive(d.ID, r.cfg.HealthTTL)
	return out
}

// Run evicts runtime agents that have been silent for three health
// periods. Declared agents are kept and merely reported unhealthy.
func (r *Registry) Run(ctx context.Context) {
	r.mu.RLock()
	ttl := r.cfg.HealthTTL
	r.mu.RUnlock()
	if ttl <= 0 {
		return
	}

	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictStale(3 * ttl)
		}
	}
}

func (r *Registry) evictStale(after time.Duration) {
	for _, id := range r.liveness.ListStale(after) {
		r.mu.RLock()
		d, ok := r.agents[id]
		runtime := ok && d.Source == SourceRuntime
		r.mu.RUnlock()
		if runtime {
			slog.Warn("evicting silent agent", "agent", id, "after", after)
			r.Unregister(id)
		}
	}
}

type registerReply struct {
	OK      bool   `json:"ok"`
	AgentID string `json:"agent_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Subscribe wires the registry to the agent lifecycle topics.
func (r *Registry) Subscribe(client *natsbus.Client) ([]*nats.Subscription, error) {
	var subs []*nats.Subscription

	sub, err := client.Subscribe(natsbus.TopicAgentsRegister, func(msg *nats.Msg) {
		var hb agent.Heartbeat
		reply := registerReply{OK: true}
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			reply = registerReply{Error: "invalid registration: " + err.Error()}
		} else if _, err := r.Register(hb); err != nil {
			reply = registerReply{AgentID: hb.AgentID, Error: err.Error()}
		} else {
			reply.AgentID = hb.AgentID
		}
		if reply.Error != "" {
			slog.Warn("agent registration rejected", "agent", reply.AgentID, "error", reply.Error)
		}
		if msg.Reply != "" {
			data, _ := json.Marshal(reply)
			_ = msg.Respond(data)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe register: %w", err)
	}
	subs = append(subs, sub)

	sub, err = client.Subscribe(natsbus.TopicAgentsHeartbeat, func(msg *nats.Msg) {
		var hb agent.Heartbeat
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			return
		}
		if err := r.Heartbeat(hb.AgentID); errors.Is(err, ErrUnknownAgent) && len(hb.Capabilities) > 0 {
			// Gateway restarted while the agent kept running.
			if _, err := r.Register(hb); err != nil {
				slog.Warn("agent re-registration failed", "agent", hb.AgentID, "error", err)
			}
		}
	})
	if err != nil {
		unsubscribeAll(subs)
		return nil, fmt.Errorf("subscribe heartbeat: %w", err)
	}
	subs = append(subs, sub)

	sub, err = client.Subscribe(natsbus.TopicAgentsLeave, func(msg *nats.Msg) {
		var hb agent.Heartbeat
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			return
		}
		r.Unregister(hb.AgentID)
	})
	if err != nil {
		unsubscribeAll(subs)
		return nil, fmt.Errorf("subscribe leave: %w", err)
	}
	subs = append(subs, sub)

	return subs, nil
}

func unsubscribeAll(subs []*nats.Subscription) {
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
}

func descriptorFromStore(a store.Agent) agent.Descriptor {
	return agent.Descriptor{
		ID:           a.ID,
		Description:  a.Description,
		Capabilities: a.Capabilities,
		Weights:      a.Weights,
		Priority:     a.Priority,
		Source:       a.Source,
	}
}
