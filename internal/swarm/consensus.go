package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mtzanidakis/conductor/internal/agent"
)

// runConsensus polls the voters and tallies the replies received before
// the deadline. A vote for an id outside the candidate set counts as a
// response but supports nobody.
func (c *Coordinator) runConsensus(ctx context.Context, candidates []agent.Descriptor, s Strategy, task Task, dec *Decision) error {
	if c.solicitor == nil {
		return fmt.Errorf("consensus round without solicitor: %w", ErrNoQuorum)
	}
	rctx, cancel, deadline := c.roundContext(ctx, s)
	defer cancel()
	dec.Deadline = deadline

	voters := s.Voters
	if len(voters) == 0 {
		voters = dec.Candidates
	}
	voters = uniqueSorted(voters)

	req := agent.VoteRequest{
		RoundID:    dec.RoundID,
		TaskID:     task.ID,
		Goal:       task.Goal,
		Candidates: dec.Candidates,
		Deadline:   deadline,
	}

	type reply struct {
		vote agent.Vote
		err  error
	}
	replies := make(chan reply, len(voters))
	for _, id := range voters {
		go func(id string) {
			v, err := c.solicitor.RequestVote(rctx, id, req)
			v.VoterID = id
			replies <- reply{vote: v, err: err}
		}(id)
	}

	var votes []agent.Vote
collect:
	for range voters {
		select {
		case r := <-replies:
			if r.err != nil {
				slog.Debug("vote not received", "round", dec.RoundID, "voter", r.vote.VoterID, "error", r.err)
				continue
			}
			votes = append(votes, r.vote)
		case <-rctx.Done():
			break collect
		}
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].VoterID < votes[j].VoterID })
	dec.Votes = votes

	if ctx.Err() != nil {
		return ctx.Err()
	}
	winner, err := tally(votes, dec.Candidates, len(voters), s.Consensus)
	if err != nil {
		return err
	}
	dec.Winner = winner
	return nil
}

// tally applies the consensus rule. votes must be sorted by voter id.
func tally(votes []agent.Vote, candidates []string, voters int, ct ConsensusType) (string, error) {
	if len(votes) == 0 {
		return "", fmt.Errorf("no votes received: %w", ErrNoQuorum)
	}
	valid := make(map[string]bool, len(candidates))
	for _, id := range candidates {
		valid[id] = true
	}

	switch ct {
	case ConsensusLeader:
		choice := votes[0].Choice
		if !valid[choice] {
			return "", fmt.Errorf("leader %s chose %q: %w", votes[0].VoterID, choice, ErrNoQuorum)
		}
		return choice, nil

	case ConsensusUnanimous:
		if len(votes) < voters {
			return "", fmt.Errorf("%d of %d voters responded: %w", len(votes), voters, ErrNoQuorum)
		}
		choice := votes[0].Choice
		for _, v := range votes[1:] {
			if v.Choice != choice {
				return "", fmt.Errorf("votes split: %w", ErrNoQuorum)
			}
		}
		if !valid[choice] {
			return "", fmt.Errorf("unanimous choice %q is not a candidate: %w", choice, ErrNoQuorum)
		}
		return choice, nil

	default:
		counts := make(map[string]int)
		for _, v := range votes {
			if valid[v.Choice] {
				counts[v.Choice]++
			}
		}
		for id, n := range counts {
			if n*2 > len(votes) {
				return id, nil
			}
		}
		return "", fmt.Errorf("no strict majority among %d votes: %w", len(votes), ErrNoQuorum)
	}
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
