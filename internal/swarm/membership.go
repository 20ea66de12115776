package swarm

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/conductor/internal/agent"
	"github.com/mtzanidakis/conductor/internal/config"
)

var ErrSwarmFull = errors.New("swarm is full")

type Member struct {
	ID           string    `json:"id"`
	Capabilities []string  `json:"capabilities"`
	JoinedAt     time.Time `json:"joined_at"`
	Allocated    int       `json:"allocated"`
}

// Membership is the swarm roster, bounded by max_agents.
type Membership struct {
	members map[string]*Member
	max     int
	min     int
	mu      sync.RWMutex

	onJoin  []func(Member)
	onLeave []func(Member)
}

func NewMembership(cfg config.SwarmConfig) *Membership {
	return &Membership{
		members: make(map[string]*Member),
		max:     cfg.MaxAgents,
		min:     cfg.MinAgents,
	}
}

// Join adds an agent or refreshes its capabilities. Callbacks fire only
// for agents that were not already members.
func (m *Membership) Join(d agent.Descriptor) error {
	m.mu.Lock()
	if existing, ok := m.members[d.ID]; ok {
		existing.Capabilities = d.Capabilities
		m.mu.Unlock()
		return nil
	}
	if m.max > 0 && len(m.members) >= m.max {
		m.mu.Unlock()
		slog.Warn("swarm full, rejecting agent", "agent", d.ID, "max", m.max)
		return ErrSwarmFull
	}
	member := &Member{ID: d.ID, Capabilities: d.Capabilities, JoinedAt: time.Now()}
	m.members[d.ID] = member
	size := len(m.members)
	callbacks := append([]func(Member){}, m.onJoin...)
	m.mu.Unlock()

	slog.Info("agent joined swarm", "agent", d.ID, "members", size)
	for _, fn := range callbacks {
		fn(*member)
	}
	return nil
}

// Leave removes an agent and reports whether it was a member.
func (m *Membership) Leave(agentID string) bool {
	m.mu.Lock()
	member, ok := m.members[agentID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.members, agentID)
	size := len(m.members)
	callbacks := append([]func(Member){}, m.onLeave...)
	m.mu.Unlock()

	if size < m.minimum() {
		slog.Warn("swarm below minimum size", "members", size, "min", m.minimum())
	}
	slog.Info("agent left swarm", "agent", agentID, "members", size)
	for _, fn := range callbacks {
		fn(*member)
	}
	return true
}

func (m *Membership) IsMember(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[agentID]
	return ok
}

func (m *Membership) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}

func (m *Membership) BelowMinimum() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members) < m.min
}

func (m *Membership) minimum() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.min
}

// SetLimits changes the roster bounds. Existing members are kept even when
// the new maximum is lower.
func (m *Membership) SetLimits(minAgents, maxAgents int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.min = minAgents
	m.max = maxAgents
}

// Members returns a copy of the roster sorted by id.
func (m *Membership) Members() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Member, 0, len(m.members))
	for _, mem := range m.members {
		out = append(out, *mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Membership) OnJoin(fn func(Member)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onJoin = append(m.onJoin, fn)
}

func (m *Membership) OnLeave(fn func(Member)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLeave = append(m.onLeave, fn)
}

func (m *Membership) recordAllocation(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mem, ok := m.members[agentID]; ok {
		mem.Allocated++
	}
}
