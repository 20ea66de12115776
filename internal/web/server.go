package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mtzanidakis/conductor/internal/agent"
	"github.com/mtzanidakis/conductor/internal/breaker"
	"github.com/mtzanidakis/conductor/internal/config"
	"github.com/mtzanidakis/conductor/internal/natsbus"
	"github.com/mtzanidakis/conductor/internal/orchestrator"
	"github.com/mtzanidakis/conductor/internal/store"
	"github.com/mtzanidakis/conductor/internal/swarm"
	"github.com/nats-io/nats.go"
)

type Plans interface {
	SubmitPlan(ctx context.Context, req orchestrator.PlanRequest) (string, error)
	Execute(ctx context.Context, planID string) (*orchestrator.Handle, error)
	Cancel(ctx context.Context, planID string) error
	Status(planID string) (orchestrator.PlanStatus, error)
	ListPlans(limit int) ([]orchestrator.PlanStatus, error)
}

type Agents interface {
	List() []agent.Descriptor
	Unregister(agentID string) bool
}

type Swarm interface {
	Status() swarm.Status
}

type Schedules interface {
	Add(g *store.ScheduledGoal) error
}

// Deps are the services exposed over HTTP. Store, Schedules and NATS are
// optional; their routes answer 503 when missing.
type Deps struct {
	Plans     Plans
	Agents    Agents
	Breakers  *breaker.Registry
	Swarm     Swarm
	Schedules Schedules
	Store     *store.Store
	NATS      *natsbus.Client
}

type Server struct {
	deps      Deps
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
	sub       *nats.Subscription
}

func NewServer(deps Deps, cfg config.WebConfig, version string) *Server {
	return &Server{
		deps:      deps,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

// Handler returns the API with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)
	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	if err := s.subscribeEvents(); err != nil {
		slog.Warn("live events disabled", "error", err)
	}
	defer func() {
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
		}
	}()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" && !s.checkAuth(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="conductor"`)
			jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// checkAuth accepts Basic Auth with any user name and the configured
// password.
func (s *Server) checkAuth(r *http.Request) bool {
	_, pass, ok := r.BasicAuth()
	return ok && subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1
}

// subscribeEvents forwards every audit event published on the bus to the
// websocket clients.
func (s *Server) subscribeEvents() error {
	if s.deps.NATS == nil {
		return fmt.Errorf("no nats client")
	}
	sub, err := s.deps.NATS.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		var head struct {
			Type   string `json:"type"`
			PlanID string `json:"plan_id"`
		}
		if err := json.Unmarshal(msg.Data, &head); err != nil {
			slog.Warn("invalid event payload", "subject", msg.Subject, "error", err)
			return
		}
		s.hub.Broadcast(Event{Type: head.Type, Topic: msg.Subject, PlanID: head.PlanID, Payload: json.RawMessage(msg.Data)})
	})
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}
