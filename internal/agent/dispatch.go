package agent

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrDispatchTimeout means the agent did not answer before the deadline.
	ErrDispatchTimeout = errors.New("dispatch timeout")
	// ErrAgentFailed wraps an error reported by the agent itself.
	ErrAgentFailed = errors.New("agent reported failure")
)

// Request is the task envelope delivered to an agent.
type Request struct {
	PlanID       string          `json:"plan_id"`
	TaskID       string          `json:"task_id"`
	Attempt      int             `json:"attempt"`
	Goal         string          `json:"goal"`
	Capabilities []string        `json:"capabilities"`
	Inputs       json.RawMessage `json:"inputs,omitempty"`
	Deadline     time.Time       `json:"deadline"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

type Result struct {
	TaskID  string          `json:"task_id"`
	AgentID string          `json:"agent_id"`
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type BidRequest struct {
	RoundID      string    `json:"round_id"`
	TaskID       string    `json:"task_id"`
	Goal         string    `json:"goal"`
	Capabilities []string  `json:"capabilities"`
	Deadline     time.Time `json:"deadline"`
}

type Bid struct {
	AgentID string  `json:"agent_id"`
	Cost    float64 `json:"cost"`
}

type VoteRequest struct {
	RoundID    string    `json:"round_id"`
	TaskID     string    `json:"task_id"`
	Goal       string    `json:"goal"`
	Candidates []string  `json:"candidates"`
	Deadline   time.Time `json:"deadline"`
}

type Vote struct {
	VoterID string `json:"voter_id"`
	Choice  string `json:"choice"`
}

// Heartbeat is published by running agents to announce themselves.
type Heartbeat struct {
	AgentID      string             `json:"agent_id"`
	Capabilities []string           `json:"capabilities"`
	Weights      map[string]float64 `json:"weights,omitempty"`
	Priority     int                `json:"priority"`
	Description  string             `json:"description,omitempty"`
}
