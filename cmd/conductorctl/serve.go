package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/mtzanidakis/conductor/internal/agent"
	"github.com/mtzanidakis/conductor/internal/natsbus"
	"github.com/mtzanidakis/conductor/internal/transport"
)

// echoAgent answers every task with the request it received. It is meant
// for smoke-testing a gateway and its strategies without a real agent.
type echoAgent struct {
	id   string
	cost float64
}

func (e echoAgent) handlers() transport.Handlers {
	return transport.Handlers{
		Dispatch: func(_ context.Context, req agent.Request) (json.RawMessage, error) {
			slog.Info("task received", "plan", req.PlanID, "task", req.TaskID, "attempt", req.Attempt)
			return json.Marshal(map[string]any{
				"agent":        e.id,
				"goal":         req.Goal,
				"capabilities": req.Capabilities,
				"inputs":       req.Inputs,
			})
		},
		Bid: func(context.Context, agent.BidRequest) (float64, error) {
			return e.cost, nil
		},
		// Every echo agent votes for the same candidate so a swarm of
		// them always reaches consensus.
		Vote: func(_ context.Context, req agent.VoteRequest) (string, error) {
			if len(req.Candidates) == 0 {
				return "", fmt.Errorf("no candidates")
			}
			c := append([]string(nil), req.Candidates...)
			sort.Strings(c)
			return c[0], nil
		},
	}
}

func runServe(ctx context.Context, natsURL string, args map[string]string) error {
	id := args["id"]
	if id == "" {
		id = os.Getenv("AGENT_ID")
	}
	capList := args["caps"]
	if capList == "" {
		capList = os.Getenv("AGENT_CAPABILITIES")
	}
	caps := splitList(capList)
	if id == "" || len(caps) == 0 {
		return fmt.Errorf("--id and --caps are required")
	}
	cost := 1.0
	if v := args["cost"]; v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("--cost must be a number")
		}
		cost = c
	}

	client, err := natsbus.NewClientFromURL(natsURL)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer client.Close()

	stop, err := transport.Serve(client, id, echoAgent{id: id, cost: cost}.handlers())
	if err != nil {
		return err
	}
	defer stop()

	slog.Info("echo agent serving", "agent", id, "capabilities", caps, "nats", natsURL)
	return transport.Announce(ctx, client, agent.Heartbeat{
		AgentID:      id,
		Capabilities: caps,
		Description:  "echo agent",
	}, 10*time.Second)
}
