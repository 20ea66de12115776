package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/mtzanidakis/conductor/internal/agent"
)

// runMarket solicits one bid per candidate. The cheapest bid received
// before the deadline wins; equal costs go to the lowest id.
func (c *Coordinator) runMarket(ctx context.Context, candidates []agent.Descriptor, s Strategy, task Task, dec *Decision) error {
	if c.solicitor == nil {
		return fmt.Errorf("market round without solicitor: %w", ErrNoViableCandidate)
	}
	rctx, cancel, deadline := c.roundContext(ctx, s)
	defer cancel()
	dec.Deadline = deadline

	req := agent.BidRequest{
		RoundID:      dec.RoundID,
		TaskID:       task.ID,
		Goal:         task.Goal,
		Capabilities: task.Capabilities,
		Deadline:     deadline,
	}

	type reply struct {
		bid agent.Bid
		err error
	}
	replies := make(chan reply, len(candidates))
	for _, d := range candidates {
		go func(id string) {
			bid, err := c.solicitor.RequestBid(rctx, id, req)
			bid.AgentID = id
			replies <- reply{bid: bid, err: err}
		}(d.ID)
	}

	var bids []agent.Bid
collect:
	for range candidates {
		select {
		case r := <-replies:
			if r.err != nil {
				slog.Debug("bid not received", "round", dec.RoundID, "agent", r.bid.AgentID, "error", r.err)
				continue
			}
			if math.IsNaN(r.bid.Cost) || r.bid.Cost < 0 {
				slog.Warn("discarding invalid bid", "round", dec.RoundID, "agent", r.bid.AgentID, "cost", r.bid.Cost)
				continue
			}
			bids = append(bids, r.bid)
		case <-rctx.Done():
			break collect
		}
	}

	sort.Slice(bids, func(i, j int) bool {
		if bids[i].Cost != bids[j].Cost {
			return bids[i].Cost < bids[j].Cost
		}
		return bids[i].AgentID < bids[j].AgentID
	})
	dec.Bids = bids

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(bids) == 0 {
		return fmt.Errorf("no bids before deadline: %w", ErrNoViableCandidate)
	}
	dec.Winner = bids[0].AgentID
	return nil
}
