package swarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/conductor/internal/agent"
	"github.com/mtzanidakis/conductor/internal/audit"
	"github.com/mtzanidakis/conductor/internal/breaker"
	"github.com/mtzanidakis/conductor/internal/config"
)

type fakeSolicitor struct {
	bids  map[string]float64
	votes map[string]string
	slow  map[string]bool
}

func (f *fakeSolicitor) RequestBid(ctx context.Context, id string, _ agent.BidRequest) (agent.Bid, error) {
	if f.slow[id] {
		<-ctx.Done()
		return agent.Bid{}, ctx.Err()
	}
	cost, ok := f.bids[id]
	if !ok {
		return agent.Bid{}, errors.New("no answer")
	}
	return agent.Bid{AgentID: id, Cost: cost}, nil
}

func (f *fakeSolicitor) RequestVote(ctx context.Context, id string, _ agent.VoteRequest) (agent.Vote, error) {
	if f.slow[id] {
		<-ctx.Done()
		return agent.Vote{}, ctx.Err()
	}
	choice, ok := f.votes[id]
	if !ok {
		return agent.Vote{}, errors.New("no answer")
	}
	return agent.Vote{VoterID: id, Choice: choice}, nil
}

// trip records one permitted failure against key.
func trip(breakers *breaker.Registry, key string) {
	if p, ok := breakers.Get(key).Allow(); ok {
		p.RecordFailure()
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Record(e audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func testSwarmConfig() config.SwarmConfig {
	return config.SwarmConfig{
		MaxAgents:    10,
		MinAgents:    1,
		RoundTimeout: time.Second,
		HistorySize:  5,
	}
}

func newTestCoordinator(t *testing.T, sol Solicitor) (*Coordinator, *breaker.Registry, *recordingSink) {
	t.Helper()
	breakers := breaker.NewRegistry(breaker.Settings{MinRequests: 1, WindowSize: 1, FailureRatio: 0.5, Cooldown: time.Hour})
	sink := &recordingSink{}
	return NewCoordinator(breakers, sol, nil, testSwarmConfig(), sink), breakers, sink
}

func candidates(ids ...string) []agent.Descriptor {
	out := make([]agent.Descriptor, len(ids))
	for i, id := range ids {
		out[i] = agent.Descriptor{ID: id, Capabilities: []string{"code"}, Healthy: true}
	}
	return out
}

var testTask = Task{PlanID: "p1", ID: "t1", Goal: "write code", Capabilities: []string{"code"}}

func TestResolveNoCandidates(t *testing.T) {
	c, _, sink := newTestCoordinator(t, nil)

	_, err := c.Resolve(context.Background(), nil, Hierarchical(RankWeighted), testTask)
	if !errors.Is(err, ErrNoViableCandidate) {
		t.Fatalf("expected ErrNoViableCandidate, got %v", err)
	}
	if got := sink.types(); len(got) != 1 || got[0] != audit.RoundFailed {
		t.Errorf("expected one round_failed event, got %v", got)
	}
}

func TestResolveSkipsOpenBreakers(t *testing.T) {
	c, breakers, _ := newTestCoordinator(t, nil)
	trip(breakers, "a")
	trip(breakers, "b")

	dec, err := c.Resolve(context.Background(), candidates("a", "b", "c"), Hierarchical(RankStatic), testTask)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dec.Winner != "c" {
		t.Errorf("expected c, got %s", dec.Winner)
	}
	if len(dec.Candidates) != 1 {
		t.Errorf("expected open breakers filtered, got %v", dec.Candidates)
	}

	trip(breakers, "c")
	_, err = c.Resolve(context.Background(), candidates("a", "b", "c"), Hierarchical(RankStatic), testTask)
	if !errors.Is(err, ErrNoViableCandidate) {
		t.Errorf("expected ErrNoViableCandidate with every breaker open, got %v", err)
	}
}

func TestHierarchicalStatic(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)
	cands := candidates("a", "b", "c")
	cands[0].Priority = 3
	cands[1].Priority = 1
	cands[2].Priority = 1

	dec, err := c.Resolve(context.Background(), cands, Hierarchical(RankStatic), testTask)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dec.Winner != "b" {
		t.Errorf("expected lowest priority then lowest id (b), got %s", dec.Winner)
	}
}

func TestHierarchicalWeighted(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)
	cands := candidates("a", "b", "c")
	cands[0].Weights = map[string]float64{"code": 0.5}
	cands[1].Load = 2
	cands[2].Load = 1

	dec, err := c.Resolve(context.Background(), cands, Hierarchical(RankWeighted), testTask)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dec.Winner != "c" {
		t.Errorf("expected highest score then lowest load (c), got %s", dec.Winner)
	}
}

func TestHierarchicalRoundRobin(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)

	var got []string
	for range 4 {
		dec, err := c.Resolve(context.Background(), candidates("c", "a", "b"), Hierarchical(RankRoundRobin), testTask)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		got = append(got, dec.Winner)
	}
	want := []string{"a", "b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected rotation %v, got %v", want, got)
		}
	}
}

func TestMarketTieGoesToLowestID(t *testing.T) {
	sol := &fakeSolicitor{bids: map[string]float64{"a": 5, "b": 3, "c": 3}}
	c, _, _ := newTestCoordinator(t, sol)

	for range 20 {
		dec, err := c.Resolve(context.Background(), candidates("c", "b", "a"), Market(time.Second), testTask)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if dec.Winner != "b" {
			t.Fatalf("expected b to win the 3/3 tie, got %s", dec.Winner)
		}
		if len(dec.Bids) != 3 || dec.Bids[0].AgentID != "b" {
			t.Fatalf("expected bids sorted by cost then id, got %+v", dec.Bids)
		}
		if dec.Deadline.IsZero() {
			t.Fatal("expected round deadline")
		}
	}
}

func TestMarketExcludesNonResponders(t *testing.T) {
	sol := &fakeSolicitor{
		bids: map[string]float64{"a": 1, "b": 7, "c": -1},
		slow: map[string]bool{"a": true},
	}
	c, _, _ := newTestCoordinator(t, sol)

	start := time.Now()
	dec, err := c.Resolve(context.Background(), candidates("a", "b", "c", "d"), Market(50*time.Millisecond), testTask)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dec.Winner != "b" {
		t.Errorf("expected b, got %s", dec.Winner)
	}
	if time.Since(start) > time.Second {
		t.Error("round outlived its deadline")
	}
}

func TestMarketNoBids(t *testing.T) {
	c, breakers, _ := newTestCoordinator(t, &fakeSolicitor{})

	_, err := c.Resolve(context.Background(), candidates("a", "b"), Market(time.Second), testTask)
	if !errors.Is(err, ErrNoViableCandidate) {
		t.Fatalf("expected ErrNoViableCandidate, got %v", err)
	}
	if breakers.Get("a").State() != breaker.Closed {
		t.Error("a missing bid must not count as a breaker failure")
	}
}

func TestConsensusMajority(t *testing.T) {
	sol := &fakeSolicitor{votes: map[string]string{"a": "a", "b": "a", "c": "b"}}
	c, _, _ := newTestCoordinator(t, sol)

	dec, err := c.Resolve(context.Background(), candidates("a", "b", "c"), Consensus(ConsensusMajority, time.Second), testTask)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dec.Winner != "a" {
		t.Errorf("expected a, got %s", dec.Winner)
	}
	if len(dec.Votes) != 3 {
		t.Errorf("expected 3 votes, got %d", len(dec.Votes))
	}
}

func TestConsensusSplitHasNoQuorum(t *testing.T) {
	sol := &fakeSolicitor{votes: map[string]string{"a": "a", "b": "b", "c": "c"}}
	c, _, sink := newTestCoordinator(t, sol)

	_, err := c.Resolve(context.Background(), candidates("a", "b", "c"), Consensus(ConsensusMajority, time.Second), testTask)
	if !errors.Is(err, ErrNoQuorum) {
		t.Fatalf("expected ErrNoQuorum, got %v", err)
	}
	if got := sink.types(); got[len(got)-1] != audit.RoundFailed {
		t.Errorf("expected round_failed event, got %v", got)
	}
}

func TestConsensusObservers(t *testing.T) {
	sol := &fakeSolicitor{votes: map[string]string{"x": "b", "y": "b", "z": "a"}}
	c, _, _ := newTestCoordinator(t, sol)

	dec, err := c.Resolve(context.Background(), candidates("a", "b"), Consensus(ConsensusMajority, time.Second, "x", "y", "z"), testTask)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dec.Winner != "b" {
		t.Errorf("expected observers to elect b, got %s", dec.Winner)
	}
}

func TestTally(t *testing.T) {
	cands := []string{"a", "b", "c"}
	votes := func(choices ...string) []agent.Vote {
		out := make([]agent.Vote, len(choices))
		for i, c := range choices {
			out[i] = agent.Vote{VoterID: string(rune('p' + i)), Choice: c}
		}
		return out
	}

	tests := []struct {
		name   string
		votes  []agent.Vote
		voters int
		ct     ConsensusType
		want   string
	}{
		{"majority", votes("a", "a", "b"), 3, ConsensusMajority, "a"},
		{"majority split", votes("a", "b", "c"), 3, ConsensusMajority, ""},
		{"majority half is not enough", votes("a", "a", "b", "b"), 4, ConsensusMajority, ""},
		{"majority ignores non candidates", votes("a", "zz", "zz"), 3, ConsensusMajority, ""},
		{"majority of respondents", votes("b", "b"), 5, ConsensusMajority, "b"},
		{"no votes", nil, 3, ConsensusMajority, ""},
		{"unanimous", votes("c", "c", "c"), 3, ConsensusUnanimous, "c"},
		{"unanimous split", votes("c", "c", "a"), 3, ConsensusUnanimous, ""},
		{"unanimous missing voter", votes("c", "c"), 3, ConsensusUnanimous, ""},
		{"leader", votes("b", "a", "a"), 3, ConsensusLeader, "b"},
		{"leader invalid choice", votes("zz", "a", "a"), 3, ConsensusLeader, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tally(tt.votes, cands, tt.voters, tt.ct)
			if tt.want == "" {
				if !errors.Is(err, ErrNoQuorum) {
					t.Fatalf("expected ErrNoQuorum, got %q, %v", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestResolveReleasesLoserPermits(t *testing.T) {
	breakers := breaker.NewRegistry(breaker.Settings{MinRequests: 1, WindowSize: 1, FailureRatio: 0.5})
	c := NewCoordinator(breakers, nil, nil, testSwarmConfig(), nil)
	// Cooldown of zero: the next Allow moves each breaker to HalfOpen.
	trip(breakers, "a")
	trip(breakers, "b")

	cands := candidates("a", "b")
	cands[0].Priority = 2
	cands[1].Priority = 1
	dec, err := c.Resolve(context.Background(), cands, Hierarchical(RankStatic), testTask)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if dec.Winner != "b" {
		t.Fatalf("expected b, got %s", dec.Winner)
	}
	if _, ok := breakers.Get("a").Allow(); !ok {
		t.Error("expected loser's trial permit to be released")
	}
	if _, ok := breakers.Get("b").Allow(); ok {
		t.Error("expected winner to keep the only trial permit")
	}
	dec.Permit.RecordSuccess()
	if got := breakers.Get("b").State(); got != breaker.Closed {
		t.Errorf("expected the winner's permit to settle its trial, got %s", got)
	}
}

func TestResolveReleasesAllPermitsOnFailure(t *testing.T) {
	breakers := breaker.NewRegistry(breaker.Settings{MinRequests: 1, WindowSize: 1, FailureRatio: 0.5})
	sol := &fakeSolicitor{votes: map[string]string{"a": "a", "b": "b"}}
	c := NewCoordinator(breakers, sol, nil, testSwarmConfig(), nil)
	trip(breakers, "a")
	trip(breakers, "b")

	_, err := c.Resolve(context.Background(), candidates("a", "b"), Consensus(ConsensusMajority, time.Second), testTask)
	if !errors.Is(err, ErrNoQuorum) {
		t.Fatalf("expected ErrNoQuorum, got %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if _, ok := breakers.Get(id).Allow(); !ok {
			t.Errorf("expected %s permit released after failed round", id)
		}
	}
}

func TestStatusKeepsRecentRounds(t *testing.T) {
	c, _, _ := newTestCoordinator(t, nil)
	_ = c.Membership().Join(agent.Descriptor{ID: "a"})

	for range 7 {
		if _, err := c.Resolve(context.Background(), candidates("a"), Hierarchical(RankWeighted), testTask); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	_, _ = c.Resolve(context.Background(), nil, Hierarchical(RankWeighted), testTask)

	st := c.Status()
	if len(st.Rounds) != 5 {
		t.Fatalf("expected history capped at 5, got %d", len(st.Rounds))
	}
	if st.Rounds[0].Error == "" {
		t.Error("expected newest round (the failed one) first")
	}
	if st.MemberCount != 1 || st.Members[0].Allocated != 7 {
		t.Errorf("unexpected members %+v", st.Members)
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{in: "hierarchical", want: Strategy{Kind: KindHierarchical, Ranking: RankWeighted}},
		{in: "hierarchical/static", want: Strategy{Kind: KindHierarchical, Ranking: RankStatic}},
		{in: "market", want: Strategy{Kind: KindMarket}},
		{in: "consensus", want: Strategy{Kind: KindConsensus, Consensus: ConsensusMajority}},
		{in: "consensus/leader", want: Strategy{Kind: KindConsensus, Consensus: ConsensusLeader}},
		{in: "hierarchical/fastest", wantErr: true},
		{in: "market/cheap", wantErr: true},
		{in: "auction", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.in, err)
			continue
		}
		if got.Kind != tt.want.Kind || got.Ranking != tt.want.Ranking || got.Consensus != tt.want.Consensus {
			t.Errorf("%s: expected %+v, got %+v", tt.in, tt.want, got)
		}
	}
}

func TestStrategyFromConfig(t *testing.T) {
	cfg := config.SwarmConfig{
		RoundTimeout:  5 * time.Second,
		Ranking:       "round_robin",
		ConsensusType: "unanimous",
		Observers:     []string{"judge"},
	}

	s, err := StrategyFromConfig("consensus", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Consensus != ConsensusUnanimous || len(s.Voters) != 1 || s.Timeout != 5*time.Second {
		t.Errorf("expected config defaults applied, got %+v", s)
	}

	s, _ = StrategyFromConfig("hierarchical", cfg)
	if s.Ranking != RankRoundRobin {
		t.Errorf("expected round_robin ranking, got %s", s.Ranking)
	}
	s, _ = StrategyFromConfig("hierarchical/static", cfg)
	if s.Ranking != RankStatic {
		t.Errorf("expected explicit ranking to win, got %s", s.Ranking)
	}
}
