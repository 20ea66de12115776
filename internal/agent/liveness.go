package agent

import (
	"sort"
	"sync"
	"time"
)

// LivenessTracker remembers when each agent was last heard from.
type LivenessTracker struct {
	seen map[string]time.Time
	mu   sync.RWMutex
	now  func() time.Time
}

func NewLivenessTracker() *LivenessTracker {
	return &LivenessTracker{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (t *LivenessTracker) Touch(agentID string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.seen[agentID] = now
	return now
}

func (t *LivenessTracker) LastSeen(agentID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.seen[agentID]
	return ts, ok
}

func (t *LivenessTracker) Remove(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seen, agentID)
}

// Alive reports whether the agent was seen within ttl.
func (t *LivenessTracker) Alive(agentID string, ttl time.Duration) bool {
	ts, ok := t.LastSeen(agentID)
	return ok && t.now().Sub(ts) <= ttl
}

// ListStale returns agents not seen within ttl, sorted.
func (t *LivenessTracker) ListStale(ttl time.Duration) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var stale []string
	now := t.now()
	for id, ts := range t.seen {
		if now.Sub(ts) > ttl {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}
