// Package control answers operator commands sent over the bus on
// conductor.control. conductorctl is its main client.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/conductor/internal/agent"
	"github.com/mtzanidakis/conductor/internal/natsbus"
	"github.com/mtzanidakis/conductor/internal/orchestrator"
	"github.com/mtzanidakis/conductor/internal/store"
	"github.com/nats-io/nats.go"
)

const (
	CmdSubmit         = "submit"
	CmdStatus         = "status"
	CmdCancel         = "cancel"
	CmdPlans          = "plans"
	CmdAgents         = "agents"
	CmdScheduleCreate = "schedule_create"
	CmdScheduleList   = "schedule_list"
	CmdScheduleDelete = "schedule_delete"
)

type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Response struct {
	OK        bool                      `json:"ok,omitempty"`
	Error     string                    `json:"error,omitempty"`
	ID        string                    `json:"id,omitempty"`
	Plan      *orchestrator.PlanStatus  `json:"plan,omitempty"`
	Plans     []orchestrator.PlanStatus `json:"plans,omitempty"`
	Agents    []agent.Descriptor        `json:"agents,omitempty"`
	Schedules []store.ScheduledGoal     `json:"schedules,omitempty"`
}

// SubmitPayload is a plan request plus whether to start it right away.
// Execute defaults to true.
type SubmitPayload struct {
	orchestrator.PlanRequest
	Execute *bool `json:"execute,omitempty"`
}

type Plans interface {
	SubmitPlan(ctx context.Context, req orchestrator.PlanRequest) (string, error)
	Execute(ctx context.Context, planID string) (*orchestrator.Handle, error)
	Cancel(ctx context.Context, planID string) error
	Status(planID string) (orchestrator.PlanStatus, error)
	ListPlans(limit int) ([]orchestrator.PlanStatus, error)
}

type Agents interface {
	List() []agent.Descriptor
}

type Schedules interface {
	Add(g *store.ScheduledGoal) error
}

type Server struct {
	plans     Plans
	agents    Agents
	schedules Schedules
	store     *store.Store
}

// NewServer wires the command handlers. schedules and s may be nil, in
// which case schedule commands report an error.
func NewServer(plans Plans, agents Agents, schedules Schedules, s *store.Store) *Server {
	return &Server{plans: plans, agents: agents, schedules: schedules, store: s}
}

func (s *Server) Subscribe(client *natsbus.Client) (*nats.Subscription, error) {
	sub, err := client.Subscribe(natsbus.TopicControl, func(msg *nats.Msg) {
		go s.handle(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", natsbus.TopicControl, err)
	}
	return sub, nil
}

func (s *Server) handle(msg *nats.Msg) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid control command", "error", err)
		respond(msg, Response{Error: "invalid command"})
		return
	}
	slog.Debug("control command received", "type", cmd.Type)
	respond(msg, s.Handle(context.Background(), cmd))
}

// Handle executes one command. It is exported for in-process callers such
// as the Telegram bot.
func (s *Server) Handle(ctx context.Context, cmd Command) Response {
	switch cmd.Type {
	case CmdSubmit:
		return s.submit(ctx, cmd.Payload)
	case CmdStatus:
		id, err := planID(cmd.Payload)
		if err != nil {
			return Response{Error: err.Error()}
		}
		st, err := s.plans.Status(id)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true, ID: id, Plan: &st}
	case CmdCancel:
		id, err := planID(cmd.Payload)
		if err != nil {
			return Response{Error: err.Error()}
		}
		if err := s.plans.Cancel(ctx, id); err != nil {
			return Response{Error: err.Error()}
		}
		slog.Info("plan cancelled via control", "plan", id)
		return Response{OK: true, ID: id}
	case CmdPlans:
		var req struct {
			Limit int `json:"limit"`
		}
		_ = json.Unmarshal(cmd.Payload, &req)
		plans, err := s.plans.ListPlans(req.Limit)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true, Plans: plans}
	case CmdAgents:
		return Response{OK: true, Agents: s.agents.List()}
	case CmdScheduleCreate:
		return s.scheduleCreate(cmd.Payload)
	case CmdScheduleList:
		if s.store == nil {
			return Response{Error: "schedules unavailable"}
		}
		goals, err := s.store.ListScheduledGoals()
		if err != nil {
			return Response{Error: fmt.Sprintf("list failed: %v", err)}
		}
		return Response{OK: true, Schedules: goals}
	case CmdScheduleDelete:
		if s.store == nil {
			return Response{Error: "schedules unavailable"}
		}
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.ID == "" {
			return Response{Error: "id is required"}
		}
		if err := s.store.DeleteScheduledGoal(req.ID); err != nil {
			return Response{Error: fmt.Sprintf("delete failed: %v", err)}
		}
		slog.Info("scheduled goal deleted via control", "id", req.ID)
		return Response{OK: true, ID: req.ID}
	default:
		slog.Warn("unknown control command", "type", cmd.Type)
		return Response{Error: "unknown command: " + cmd.Type}
	}
}

func (s *Server) submit(ctx context.Context, payload json.RawMessage) Response {
	var req SubmitPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return Response{Error: "invalid payload"}
	}
	if req.Goal == "" && len(req.Tasks) == 0 {
		return Response{Error: "goal is required"}
	}

	id, err := s.plans.SubmitPlan(ctx, req.PlanRequest)
	if err != nil {
		return Response{Error: err.Error()}
	}
	if req.Execute == nil || *req.Execute {
		if _, err := s.plans.Execute(ctx, id); err != nil {
			return Response{Error: err.Error(), ID: id}
		}
	}
	st, err := s.plans.Status(id)
	if err != nil {
		return Response{OK: true, ID: id}
	}
	return Response{OK: true, ID: id, Plan: &st}
}

func (s *Server) scheduleCreate(payload json.RawMessage) Response {
	if s.schedules == nil {
		return Response{Error: "schedules unavailable"}
	}
	var g store.ScheduledGoal
	if err := json.Unmarshal(payload, &g); err != nil {
		return Response{Error: "invalid payload"}
	}
	if g.Schedule == "" || g.Goal == "" {
		return Response{Error: "schedule and goal are required"}
	}
	g.ID, g.Status, g.NextRunAt = "", "", nil
	if err := s.schedules.Add(&g); err != nil {
		return Response{Error: fmt.Sprintf("invalid schedule: %v", err)}
	}
	return Response{OK: true, ID: g.ID}
}

func planID(payload json.RawMessage) (string, error) {
	var req struct {
		PlanID string `json:"plan_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.PlanID == "" {
		return "", fmt.Errorf("plan_id is required")
	}
	return req.PlanID, nil
}

func respond(msg *nats.Msg, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal control response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to control command", "error", err)
	}
}
