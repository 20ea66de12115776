package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mtzanidakis/conductor/internal/agent"
	"github.com/mtzanidakis/conductor/internal/config"
	"github.com/mtzanidakis/conductor/internal/natsbus"
	"github.com/nats-io/nats.go"
)

func newTestClient(t *testing.T) *natsbus.Client {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func serve(t *testing.T, client *natsbus.Client, agentID string, h Handlers) {
	t.Helper()
	stop, err := Serve(client, agentID, h)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	t.Cleanup(stop)
}

func TestDispatch(t *testing.T) {
	client := newTestClient(t)
	serve(t, client, "coder", Handlers{
		Dispatch: func(_ context.Context, req agent.Request) (json.RawMessage, error) {
			return json.Marshal(map[string]string{"done": req.Goal})
		},
	})

	tr := NewNATS(client)
	res, err := tr.Dispatch(context.Background(), "coder", agent.Request{
		PlanID:   "p1",
		TaskID:   "t1",
		Goal:     "write code",
		Deadline: time.Now().Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.AgentID != "coder" || res.TaskID != "t1" {
		t.Errorf("unexpected result %+v", res)
	}
	if string(res.Output) != `{"done":"write code"}` {
		t.Errorf("unexpected output %s", res.Output)
	}
}

func TestDispatchAgentFailure(t *testing.T) {
	client := newTestClient(t)
	serve(t, client, "coder", Handlers{
		Dispatch: func(context.Context, agent.Request) (json.RawMessage, error) {
			return nil, errors.New("compiler exploded")
		},
	})

	res, err := NewNATS(client).Dispatch(context.Background(), "coder", agent.Request{TaskID: "t1", Deadline: time.Now().Add(2 * time.Second)})
	if !errors.Is(err, agent.ErrAgentFailed) {
		t.Fatalf("expected ErrAgentFailed, got %v", err)
	}
	if res.Error != "compiler exploded" {
		t.Errorf("expected agent error in result, got %q", res.Error)
	}
}

func TestDispatchTimeout(t *testing.T) {
	client := newTestClient(t)
	serve(t, client, "slow", Handlers{
		Dispatch: func(context.Context, agent.Request) (json.RawMessage, error) {
			time.Sleep(500 * time.Millisecond)
			return json.RawMessage(`{}`), nil
		},
	})

	start := time.Now()
	_, err := NewNATS(client).Dispatch(context.Background(), "slow", agent.Request{TaskID: "t1", Deadline: time.Now().Add(100 * time.Millisecond)})
	if !errors.Is(err, agent.ErrDispatchTimeout) {
		t.Fatalf("expected ErrDispatchTimeout, got %v", err)
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Error("dispatch outlived its deadline")
	}
}

func TestDispatchCancelled(t *testing.T) {
	client := newTestClient(t)
	serve(t, client, "slow", Handlers{
		Dispatch: func(context.Context, agent.Request) (json.RawMessage, error) {
			time.Sleep(500 * time.Millisecond)
			return nil, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := NewNATS(client).Dispatch(ctx, "slow", agent.Request{TaskID: "t1", Deadline: time.Now().Add(2 * time.Second)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDispatchNoResponders(t *testing.T) {
	client := newTestClient(t)

	_, err := NewNATS(client).Dispatch(context.Background(), "ghost", agent.Request{TaskID: "t1", Deadline: time.Now().Add(time.Second)})
	if err == nil {
		t.Fatal("expected error for an agent that is not listening")
	}
}

func TestBidAndVote(t *testing.T) {
	client := newTestClient(t)
	serve(t, client, "a", Handlers{
		Bid: func(_ context.Context, req agent.BidRequest) (float64, error) {
			return float64(len(req.Goal)), nil
		},
		Vote: func(_ context.Context, req agent.VoteRequest) (string, error) {
			return req.Candidates[len(req.Candidates)-1], nil
		},
	})
	serve(t, client, "b", Handlers{
		Bid: func(context.Context, agent.BidRequest) (float64, error) {
			return 0, errors.New("busy")
		},
		Vote: func(context.Context, agent.VoteRequest) (string, error) {
			return "", errors.New("no opinion")
		},
	})

	tr := NewNATS(client)
	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)

	bid, err := tr.RequestBid(ctx, "a", agent.BidRequest{RoundID: "r1", Goal: "four", Deadline: deadline})
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	if bid.AgentID != "a" || bid.Cost != 4 {
		t.Errorf("unexpected bid %+v", bid)
	}
	if _, err := tr.RequestBid(ctx, "b", agent.BidRequest{RoundID: "r1", Deadline: deadline}); err == nil {
		t.Error("expected declined bid to be an error")
	}

	vote, err := tr.RequestVote(ctx, "a", agent.VoteRequest{RoundID: "r2", Candidates: []string{"a", "b"}, Deadline: deadline})
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if vote.VoterID != "a" || vote.Choice != "b" {
		t.Errorf("unexpected vote %+v", vote)
	}
	if _, err := tr.RequestVote(ctx, "b", agent.VoteRequest{RoundID: "r2", Deadline: deadline}); err == nil {
		t.Error("expected abstention to be an error")
	}
}

func TestAnnounce(t *testing.T) {
	client := newTestClient(t)

	registered := make(chan agent.Heartbeat, 1)
	beats := make(chan struct{}, 16)
	left := make(chan string, 1)
	_, _ = client.Subscribe(natsbus.TopicAgentsRegister, func(msg *nats.Msg) {
		var hb agent.Heartbeat
		_ = json.Unmarshal(msg.Data, &hb)
		_ = msg.Respond([]byte(`{"ok":true}`))
		registered <- hb
	})
	_, _ = client.Subscribe(natsbus.TopicAgentsHeartbeat, func(*nats.Msg) {
		select {
		case beats <- struct{}{}:
		default:
		}
	})
	_, _ = client.Subscribe(natsbus.TopicAgentsLeave, func(msg *nats.Msg) {
		var hb agent.Heartbeat
		_ = json.Unmarshal(msg.Data, &hb)
		left <- hb.AgentID
	})
	client.Flush()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Announce(ctx, client, agent.Heartbeat{AgentID: "a", Capabilities: []string{"code"}}, 20*time.Millisecond)
	}()

	select {
	case hb := <-registered:
		if hb.AgentID != "a" {
			t.Errorf("expected registration for a, got %s", hb.AgentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for registration")
	}

	select {
	case <-beats:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for heartbeat")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("announce: %v", err)
	}
	select {
	case id := <-left:
		if id != "a" {
			t.Errorf("expected leave for a, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for leave")
	}
}
