package swarm

import "time"

// Round is the archived summary of a coordination round.
type Round struct {
	ID         string    `json:"id"`
	PlanID     string    `json:"plan_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	Strategy   string    `json:"strategy"`
	Candidates []string  `json:"candidates"`
	Winner     string    `json:"winner,omitempty"`
	Bids       int       `json:"bids"`
	Votes      int       `json:"votes"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	Duration   string    `json:"duration"`
}

type Status struct {
	Members      []Member `json:"members"`
	MemberCount  int      `json:"member_count"`
	BelowMinimum bool     `json:"below_minimum"`
	Rounds       []Round  `json:"rounds"`
}

// Status returns the roster and the most recent rounds, newest first.
func (c *Coordinator) Status() Status {
	members := c.members.Members()

	c.mu.Lock()
	rounds := make([]Round, len(c.history))
	for i, r := range c.history {
		rounds[len(c.history)-1-i] = r
	}
	c.mu.Unlock()

	return Status{
		Members:      members,
		MemberCount:  len(members),
		BelowMinimum: c.members.BelowMinimum(),
		Rounds:       rounds,
	}
}

func (c *Coordinator) remember(dec *Decision, task Task, started time.Time, err error) {
	r := Round{
		ID:         dec.RoundID,
		PlanID:     task.PlanID,
		TaskID:     task.ID,
		Strategy:   dec.Strategy,
		Candidates: dec.Candidates,
		Winner:     dec.Winner,
		Bids:       len(dec.Bids),
		Votes:      len(dec.Votes),
		StartedAt:  started,
		Duration:   time.Since(started).Round(time.Millisecond).String(),
	}
	if err != nil {
		r.Error = err.Error()
		r.Winner = ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	limit := c.cfg.HistorySize
	if limit <= 0 {
		return
	}
	c.history = append(c.history, r)
	if len(c.history) > limit {
		c.history = c.history[len(c.history)-limit:]
	}
}
