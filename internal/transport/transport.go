// Package transport carries dispatches, bids and votes between the gateway
// and agents as JSON request/reply over the bus.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/conductor/internal/agent"
	"github.com/mtzanidakis/conductor/internal/natsbus"
	"github.com/nats-io/nats.go"
)

var ErrNoResponders = errors.New("agent is not listening")

type NATS struct {
	client *natsbus.Client
}

func NewNATS(client *natsbus.Client) *NATS {
	return &NATS{client: client}
}

// Dispatch delivers a task to one agent and waits for its result until
// req.Deadline or ctx ends. Missing the deadline yields
// agent.ErrDispatchTimeout; an agent-reported error yields
// agent.ErrAgentFailed together with the result.
func (t *NATS) Dispatch(ctx context.Context, agentID string, req agent.Request) (agent.Result, error) {
	ctx, cancel := withDeadline(ctx, req.Deadline)
	defer cancel()

	var res agent.Result
	if err := t.request(ctx, natsbus.TopicAgentDispatch(agentID), req, &res); err != nil {
		return agent.Result{}, fmt.Errorf("dispatch %s to %s: %w", req.TaskID, agentID, err)
	}
	if res.AgentID == "" {
		res.AgentID = agentID
	}
	if res.Status != agent.StatusOK {
		msg := res.Error
		if msg == "" {
			msg = "status " + res.Status
		}
		return res, fmt.Errorf("%w: %s", agent.ErrAgentFailed, msg)
	}
	return res, nil
}

func (t *NATS) RequestBid(ctx context.Context, agentID string, req agent.BidRequest) (agent.Bid, error) {
	ctx, cancel := withDeadline(ctx, req.Deadline)
	defer cancel()

	var reply bidReply
	if err := t.request(ctx, natsbus.TopicAgentBid(agentID), req, &reply); err != nil {
		return agent.Bid{}, fmt.Errorf("bid from %s: %w", agentID, err)
	}
	if reply.Error != "" {
		return agent.Bid{}, fmt.Errorf("%s declined to bid: %s", agentID, reply.Error)
	}
	reply.Bid.AgentID = agentID
	return reply.Bid, nil
}

func (t *NATS) RequestVote(ctx context.Context, voterID string, req agent.VoteRequest) (agent.Vote, error) {
	ctx, cancel := withDeadline(ctx, req.Deadline)
	defer cancel()

	var reply voteReply
	if err := t.request(ctx, natsbus.TopicAgentVote(voterID), req, &reply); err != nil {
		return agent.Vote{}, fmt.Errorf("vote from %s: %w", voterID, err)
	}
	if reply.Error != "" {
		return agent.Vote{}, fmt.Errorf("%s abstained: %s", voterID, reply.Error)
	}
	reply.Vote.VoterID = voterID
	return reply.Vote, nil
}

func (t *NATS) request(ctx context.Context, topic string, v, out any) error {
	err := t.client.RequestJSON(ctx, topic, v, out)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrNoResponders):
		return ErrNoResponders
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return agent.ErrDispatchTimeout
	default:
		return err
	}
}

func withDeadline(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

type errorReply struct {
	Error string `json:"error"`
}

type bidReply struct {
	agent.Bid
	Error string `json:"error,omitempty"`
}

type voteReply struct {
	agent.Vote
	Error string `json:"error,omitempty"`
}

func marshalReply(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(errorReply{Error: err.Error()})
	}
	return data
}
