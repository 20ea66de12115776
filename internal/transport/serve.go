package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/conductor/internal/agent"
	"github.com/mtzanidakis/conductor/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// Handlers implement the agent side of the protocol. Bid and Vote may be
// nil for agents that only take hierarchical assignments.
type Handlers struct {
	Dispatch func(ctx context.Context, req agent.Request) (json.RawMessage, error)
	Bid      func(ctx context.Context, req agent.BidRequest) (float64, error)
	Vote     func(ctx context.Context, req agent.VoteRequest) (string, error)
}

// Serve answers dispatch, bid and vote requests addressed to agentID.
// Each request runs in its own goroutine bounded by its deadline.
func Serve(client *natsbus.Client, agentID string, h Handlers) (stop func(), err error) {
	var subs []*nats.Subscription
	stop = func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}

	if h.Dispatch != nil {
		sub, err := client.Subscribe(natsbus.TopicAgentDispatch(agentID), func(msg *nats.Msg) {
			go serveDispatch(agentID, msg, h.Dispatch)
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe dispatch: %w", err)
		}
		subs = append(subs, sub)
	}

	if h.Bid != nil {
		sub, err := client.Subscribe(natsbus.TopicAgentBid(agentID), func(msg *nats.Msg) {
			go func() {
				var req agent.BidRequest
				if err := json.Unmarshal(msg.Data, &req); err != nil {
					_ = msg.Respond(marshalReply(errorReply{Error: err.Error()}))
					return
				}
				ctx, cancel := withDeadline(context.Background(), req.Deadline)
				defer cancel()
				cost, err := h.Bid(ctx, req)
				if err != nil {
					_ = msg.Respond(marshalReply(errorReply{Error: err.Error()}))
					return
				}
				_ = msg.Respond(marshalReply(agent.Bid{AgentID: agentID, Cost: cost}))
			}()
		})
		if err != nil {
			stop()
			return nil, fmt.Errorf("subscribe bid: %w", err)
		}
		subs = append(subs, sub)
	}

	if h.Vote != nil {
		sub, err := client.Subscribe(natsbus.TopicAgentVote(agentID), func(msg *nats.Msg) {
			go func() {
				var req agent.VoteRequest
				if err := json.Unmarshal(msg.Data, &req); err != nil {
					_ = msg.Respond(marshalReply(errorReply{Error: err.Error()}))
					return
				}
				ctx, cancel := withDeadline(context.Background(), req.Deadline)
				defer cancel()
				choice, err := h.Vote(ctx, req)
				if err != nil {
					_ = msg.Respond(marshalReply(errorReply{Error: err.Error()}))
					return
				}
				_ = msg.Respond(marshalReply(agent.Vote{VoterID: agentID, Choice: choice}))
			}()
		})
		if err != nil {
			stop()
			return nil, fmt.Errorf("subscribe vote: %w", err)
		}
		subs = append(subs, sub)
	}

	return stop, client.Flush()
}

func serveDispatch(agentID string, msg *nats.Msg, fn func(context.Context, agent.Request) (json.RawMessage, error)) {
	var req agent.Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		_ = msg.Respond(marshalReply(agent.Result{AgentID: agentID, Status: agent.StatusError, Error: "invalid request: " + err.Error()}))
		return
	}

	ctx, cancel := withDeadline(context.Background(), req.Deadline)
	defer cancel()

	res := agent.Result{TaskID: req.TaskID, AgentID: agentID, Status: agent.StatusOK}
	out, err := fn(ctx, req)
	if err != nil {
		res.Status = agent.StatusError
		res.Error = err.Error()
	} else {
		res.Output = out
	}
	if err := msg.Respond(marshalReply(res)); err != nil {
		slog.Warn("failed to send result", "agent", agentID, "task", req.TaskID, "error", err)
	}
}

// Announce registers the agent, heartbeats every interval and publishes a
// leave message when ctx ends.
func Announce(ctx context.Context, client *natsbus.Client, hb agent.Heartbeat, interval time.Duration) error {
	regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var reply struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := client.RequestJSON(regCtx, natsbus.TopicAgentsRegister, hb, &reply); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("register rejected: %s", reply.Error)
	}

	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = client.PublishJSON(natsbus.TopicAgentsLeave, agent.Heartbeat{AgentID: hb.AgentID})
			_ = client.Flush()
			return nil
		case <-ticker.C:
			if err := client.PublishJSON(natsbus.TopicAgentsHeartbeat, hb); err != nil {
				slog.Warn("heartbeat failed", "agent", hb.AgentID, "error", err)
			}
		}
	}
}
