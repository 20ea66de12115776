package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/conductor/internal/breaker"
	"github.com/mtzanidakis/conductor/internal/control"
	"github.com/mtzanidakis/conductor/internal/orchestrator"
	"github.com/mtzanidakis/conductor/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Plans
	mux.HandleFunc("POST /api/plans", s.createPlan)
	mux.HandleFunc("GET /api/plans", s.listPlans)
	mux.HandleFunc("GET /api/plans/{id}", s.getPlan)
	mux.HandleFunc("POST /api/plans/{id}/execute", s.executePlan)
	mux.HandleFunc("POST /api/plans/{id}/cancel", s.cancelPlan)
	mux.HandleFunc("GET /api/plans/{id}/tasks", s.getPlanTasks)
	mux.HandleFunc("GET /api/plans/{id}/events", s.getPlanEvents)

	// Agents and coordination
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("DELETE /api/agents/{id}", s.removeAgent)
	mux.HandleFunc("GET /api/breakers", s.listBreakers)
	mux.HandleFunc("POST /api/breakers/{key}/reset", s.resetBreaker)
	mux.HandleFunc("GET /api/swarm", s.getSwarm)

	// Scheduled goals
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) createPlan(w http.ResponseWriter, r *http.Request) {
	var body control.SubmitPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Goal == "" && len(body.Tasks) == 0 {
		jsonError(w, "goal is required", http.StatusBadRequest)
		return
	}

	id, err := s.deps.Plans.SubmitPlan(r.Context(), body.PlanRequest)
	if err != nil {
		planError(w, err)
		return
	}
	if body.Execute == nil || *body.Execute {
		if _, err := s.deps.Plans.Execute(r.Context(), id); err != nil {
			planError(w, err)
			return
		}
	}

	st, err := s.deps.Plans.Status(id)
	if err != nil {
		planError(w, err)
		return
	}
	w.Header().Set("Location", "/api/plans/"+id)
	jsonStatus(w, st, http.StatusCreated)
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	plans, err := s.deps.Plans.ListPlans(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if plans == nil {
		plans = []orchestrator.PlanStatus{}
	}
	jsonResponse(w, plans)
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Plans.Status(r.PathValue("id"))
	if err != nil {
		planError(w, err)
		return
	}
	jsonResponse(w, st)
}

func (s *Server) executePlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Plans.Execute(r.Context(), id); err != nil {
		planError(w, err)
		return
	}
	st, err := s.deps.Plans.Status(id)
	if err != nil {
		planError(w, err)
		return
	}
	jsonStatus(w, st, http.StatusAccepted)
}

func (s *Server) cancelPlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Plans.Cancel(r.Context(), id); err != nil {
		planError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok", "plan_id": id})
}

func (s *Server) getPlanTasks(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Plans.Status(r.PathValue("id"))
	if err != nil {
		planError(w, err)
		return
	}
	jsonResponse(w, st.Tasks)
}

func (s *Server) getPlanEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		jsonError(w, "audit trail unavailable", http.StatusServiceUnavailable)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.deps.Store.ListEvents(r.PathValue("id"), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	jsonResponse(w, events)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.deps.Agents.List())
}

func (s *Server) removeAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Agents.Unregister(id) {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) listBreakers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breakers == nil {
		jsonResponse(w, []breaker.Metrics{})
		return
	}
	jsonResponse(w, s.deps.Breakers.Snapshot())
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breakers == nil {
		jsonError(w, "breaker not found", http.StatusNotFound)
		return
	}
	b, ok := s.deps.Breakers.Lookup(r.PathValue("key"))
	if !ok {
		jsonError(w, "breaker not found", http.StatusNotFound)
		return
	}
	b.Reset()
	jsonResponse(w, b.Metrics())
}

func (s *Server) getSwarm(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.deps.Swarm.Status())
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		jsonError(w, "schedules unavailable", http.StatusServiceUnavailable)
		return
	}
	goals, err := s.deps.Store.ListScheduledGoals()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if goals == nil {
		goals = []store.ScheduledGoal{}
	}
	jsonResponse(w, goals)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedules == nil {
		jsonError(w, "schedules unavailable", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Name         string   `json:"name"`
		Schedule     string   `json:"schedule"`
		Goal         string   `json:"goal"`
		Capabilities []string `json:"capabilities"`
		Strategy     string   `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Schedule == "" || body.Goal == "" {
		jsonError(w, "schedule and goal are required", http.StatusBadRequest)
		return
	}

	g := &store.ScheduledGoal{
		Name:         body.Name,
		Schedule:     body.Schedule,
		Goal:         body.Goal,
		Capabilities: body.Capabilities,
		Strategy:     body.Strategy,
	}
	if err := s.deps.Schedules.Add(g); err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}
	jsonStatus(w, g, http.StatusCreated)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		jsonError(w, "schedules unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := s.deps.Store.DeleteScheduledGoal(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	agents := s.deps.Agents.List()
	healthy := 0
	for _, a := range agents {
		if a.Healthy {
			healthy++
		}
	}

	plans, _ := s.deps.Plans.ListPlans(0)
	running := 0
	for _, p := range plans {
		if p.State == orchestrator.PlanRunning {
			running++
		}
	}

	open := 0
	if s.deps.Breakers != nil {
		for _, m := range s.deps.Breakers.Snapshot() {
			if m.State != breaker.Closed.String() {
				open++
			}
		}
	}

	natsStatus := "disabled"
	if s.deps.NATS != nil {
		natsStatus = "ok"
	}

	jsonResponse(w, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime":         formatUptime(time.Since(s.startedAt)),
		"agents_count":   len(agents),
		"healthy_agents": healthy,
		"running_plans":  running,
		"open_breakers":  open,
		"swarm_members":  s.deps.Swarm.Status().MemberCount,
		"ws_clients":     s.hub.Clients(),
		"nats":           natsStatus,
		"timestamp":      time.Now().UTC(),
	})
}

// planError maps orchestrator errors to HTTP status codes.
func planError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrPlanNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, orchestrator.ErrInvalidPlan):
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	jsonStatus(w, data, http.StatusOK)
}

func jsonStatus(w http.ResponseWriter, data any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonStatus(w, map[string]string{"error": msg}, code)
}
