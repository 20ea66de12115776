package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/conductor/internal/agent"
	"github.com/mtzanidakis/conductor/internal/audit"
	"github.com/mtzanidakis/conductor/internal/breaker"
	"github.com/mtzanidakis/conductor/internal/config"
)

var (
	ErrNoViableCandidate = errors.New("no viable candidate")
	ErrNoQuorum          = errors.New("no quorum")
)

// Solicitor asks agents for bids and votes. Implementations must honour
// the context deadline.
type Solicitor interface {
	RequestBid(ctx context.Context, agentID string, req agent.BidRequest) (agent.Bid, error)
	RequestVote(ctx context.Context, voterID string, req agent.VoteRequest) (agent.Vote, error)
}

// Task is the part of an orchestrator task a round needs to know about.
type Task struct {
	PlanID       string
	ID           string
	Goal         string
	Capabilities []string
}

// Decision is the outcome of one coordination round. Permit is the
// winner's breaker permit; the caller must settle it with RecordSuccess,
// RecordFailure or Release.
type Decision struct {
	RoundID    string       `json:"round_id"`
	Strategy   string       `json:"strategy"`
	Winner     string       `json:"winner"`
	Candidates []string     `json:"candidates"`
	Bids       []agent.Bid  `json:"bids,omitempty"`
	Votes      []agent.Vote `json:"votes,omitempty"`
	Deadline   time.Time    `json:"deadline,omitempty"`

	Permit breaker.Permit `json:"-"`
}

type Coordinator struct {
	breakers  *breaker.Registry
	solicitor Solicitor
	members   *Membership
	sink      audit.Sink

	mu      sync.Mutex
	cfg     config.SwarmConfig
	rrNext  map[string]int
	history []Round
}

func NewCoordinator(breakers *breaker.Registry, solicitor Solicitor, members *Membership, cfg config.SwarmConfig, sink audit.Sink) *Coordinator {
	if sink == nil {
		sink = audit.Discard{}
	}
	if members == nil {
		members = NewMembership(cfg)
	}
	return &Coordinator{
		breakers:  breakers,
		solicitor: solicitor,
		members:   members,
		sink:      sink,
		cfg:       cfg,
		rrNext:    make(map[string]int),
	}
}

func (c *Coordinator) Membership() *Membership {
	return c.members
}

// UpdateConfig swaps round timeout, history size, roster limits and defaults.
func (c *Coordinator) UpdateConfig(cfg config.SwarmConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.members.SetLimits(cfg.MinAgents, cfg.MaxAgents)
	if over := len(c.history) - cfg.HistorySize; cfg.HistorySize > 0 && over > 0 {
		c.history = append([]Round(nil), c.history[over:]...)
	}
}

// Resolve picks one winner among candidates. Candidates refused by their
// breaker are dropped before the round starts; permits taken for the
// others are returned unless the candidate wins.
func (c *Coordinator) Resolve(ctx context.Context, candidates []agent.Descriptor, strategy Strategy, task Task) (*Decision, error) {
	strategy, err := strategy.Validate()
	if err != nil {
		return nil, err
	}

	permitted, permits := c.admit(candidates)
	dec := &Decision{
		RoundID:    uuid.New().String(),
		Strategy:   strategy.String(),
		Candidates: descriptorIDs(permitted),
	}
	started := time.Now()

	if len(permitted) == 0 {
		err = fmt.Errorf("%d candidates, none permitted: %w", len(candidates), ErrNoViableCandidate)
	} else {
		switch strategy.Kind {
		case KindHierarchical:
			dec.Winner = c.rank(permitted, strategy.Ranking, task.Capabilities)
		case KindMarket:
			err = c.runMarket(ctx, permitted, strategy, task, dec)
		case KindConsensus:
			err = c.runConsensus(ctx, permitted, strategy, task, dec)
		}
	}

	for _, d := range permitted {
		if err == nil && d.ID == dec.Winner {
			dec.Permit = permits[d.ID]
			continue
		}
		permits[d.ID].Release()
	}

	c.remember(dec, task, started, err)
	if err != nil {
		slog.Debug("coordination round failed", "round", dec.RoundID, "task", task.ID, "strategy", dec.Strategy, "error", err)
		c.sink.Record(audit.Event{
			Type:   audit.RoundFailed,
			PlanID: task.PlanID,
			TaskID: task.ID,
			Data: map[string]any{
				"round":      dec.RoundID,
				"strategy":   dec.Strategy,
				"candidates": dec.Candidates,
				"error":      err.Error(),
			},
		})
		return nil, err
	}

	c.members.recordAllocation(dec.Winner)
	c.sink.Record(audit.Event{
		Type:    audit.RoundResolved,
		PlanID:  task.PlanID,
		TaskID:  task.ID,
		AgentID: dec.Winner,
		Data: map[string]any{
			"round":      dec.RoundID,
			"strategy":   dec.Strategy,
			"candidates": dec.Candidates,
			"bids":       len(dec.Bids),
			"votes":      len(dec.Votes),
		},
	})
	return dec, nil
}

// admit drops duplicate candidates and those refused by their breaker. It
// returns the rest sorted by id together with their permits.
func (c *Coordinator) admit(candidates []agent.Descriptor) ([]agent.Descriptor, map[string]breaker.Permit) {
	permits := make(map[string]breaker.Permit, len(candidates))
	var out []agent.Descriptor
	for _, d := range candidates {
		if _, seen := permits[d.ID]; seen {
			continue
		}
		p, ok := c.breakers.Get(d.ID).Allow()
		permits[d.ID] = p
		if ok {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, permits
}

// rank implements hierarchical selection. candidates is sorted by id.
func (c *Coordinator) rank(candidates []agent.Descriptor, ranking Ranking, caps []string) string {
	ordered := append([]agent.Descriptor(nil), candidates...)
	switch ranking {
	case RankStatic:
		sort.SliceStable(ordered, func(i, j int) bool {
			if ordered[i].Priority != ordered[j].Priority {
				return ordered[i].Priority < ordered[j].Priority
			}
			return ordered[i].ID < ordered[j].ID
		})
	case RankRoundRobin:
		key := strings.Join(agent.NormalizeCapabilities(caps), ",")
		c.mu.Lock()
		idx := c.rrNext[key] % len(ordered)
		c.rrNext[key] = idx + 1
		c.mu.Unlock()
		return ordered[idx].ID
	default:
		sort.SliceStable(ordered, func(i, j int) bool {
			si, sj := ordered[i].Score(caps), ordered[j].Score(caps)
			if si != sj {
				return si > sj
			}
			if ordered[i].Load != ordered[j].Load {
				return ordered[i].Load < ordered[j].Load
			}
			return ordered[i].ID < ordered[j].ID
		})
	}
	return ordered[0].ID
}

func (c *Coordinator) roundContext(ctx context.Context, s Strategy) (context.Context, context.CancelFunc, time.Time) {
	timeout := s.Timeout
	if timeout <= 0 {
		c.mu.Lock()
		timeout = c.cfg.RoundTimeout
		c.mu.Unlock()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	deadline, _ := rctx.Deadline()
	return rctx, cancel, deadline
}

func descriptorIDs(ds []agent.Descriptor) []string {
	ids := make([]string, len(ds))
	for i, d := range ds {
		ids[i] = d.ID
	}
	return ids
}
