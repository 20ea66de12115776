package main

import (
	"testing"
	"time"

	"github.com/mtzanidakis/conductor/internal/breaker"
	"github.com/mtzanidakis/conductor/internal/config"
)

type fakeTarget struct {
	settings []breaker.Settings
	orch     []config.OrchestratorConfig
	swarm    []config.SwarmConfig
	sched    []config.SchedulerConfig
	defs     []map[string]config.AgentDefinition
	registry []config.RegistryConfig
}

func (f *fakeTarget) UpdateSettings(s breaker.Settings) { f.settings = append(f.settings, s) }

type orchTarget struct{ f *fakeTarget }

func (o orchTarget) UpdateConfig(c config.OrchestratorConfig, _ config.SwarmConfig) {
	o.f.orch = append(o.f.orch, c)
}

type swarmTarget struct{ f *fakeTarget }

func (s swarmTarget) UpdateConfig(c config.SwarmConfig) { s.f.swarm = append(s.f.swarm, c) }

type schedTarget struct{ f *fakeTarget }

func (s schedTarget) UpdateConfig(c config.SchedulerConfig) { s.f.sched = append(s.f.sched, c) }

type agentsTarget struct{ f *fakeTarget }

func (a agentsTarget) UpdateDefinitions(defs map[string]config.AgentDefinition) error {
	a.f.defs = append(a.f.defs, defs)
	return nil
}

func (a agentsTarget) UpdateConfig(c config.RegistryConfig) { a.f.registry = append(a.f.registry, c) }

func newTargets() (*fakeTarget, reloadTargets) {
	f := &fakeTarget{}
	return f, reloadTargets{
		breakers: f,
		orch:     orchTarget{f},
		swarm:    swarmTarget{f},
		sched:    schedTarget{f},
		agents:   agentsTarget{f},
	}
}

func baseConfig() *config.Config {
	return &config.Config{
		Orchestrator: config.OrchestratorConfig{MaxInFlight: 10, MaxAttempts: 3},
		Breaker:      config.BreakerConfig{FailureRatio: 0.5, MinRequests: 5, WindowSize: 20, Cooldown: time.Minute},
		Swarm:        config.SwarmConfig{MaxAgents: 10, Ranking: "static"},
		Registry:     config.RegistryConfig{HealthTTL: time.Minute},
		Agents: map[string]config.AgentDefinition{
			"coder": {Capabilities: []string{"code"}},
		},
	}
}

func TestApplyReloadNoChanges(t *testing.T) {
	f, targets := newTargets()
	applyReload(baseConfig(), baseConfig(), targets)
	if len(f.settings)+len(f.orch)+len(f.swarm)+len(f.sched)+len(f.defs)+len(f.registry) != 0 {
		t.Errorf("expected no updates, got %+v", f)
	}
}

func TestApplyReloadPushesChanges(t *testing.T) {
	f, targets := newTargets()
	cur, next := baseConfig(), baseConfig()
	next.Breaker.Cooldown = 2 * time.Minute
	next.Orchestrator.MaxInFlight = 20
	next.Scheduler.PollInterval = time.Second
	next.Registry.HealthTTL = 2 * time.Minute
	next.Agents = map[string]config.AgentDefinition{
		"coder":  {Capabilities: []string{"code"}},
		"tester": {Capabilities: []string{"test"}},
	}

	d := applyReload(cur, next, targets)

	if len(f.settings) != 1 || f.settings[0].Cooldown != 2*time.Minute {
		t.Errorf("expected breaker settings update, got %+v", f.settings)
	}
	if len(f.orch) != 1 || f.orch[0].MaxInFlight != 20 {
		t.Errorf("expected orchestrator update, got %+v", f.orch)
	}
	if len(f.swarm) != 0 {
		t.Errorf("expected no swarm update, got %+v", f.swarm)
	}
	if len(f.sched) != 1 {
		t.Errorf("expected scheduler update, got %+v", f.sched)
	}
	if len(f.registry) != 1 || f.registry[0].HealthTTL != 2*time.Minute {
		t.Errorf("expected registry update, got %+v", f.registry)
	}
	if len(f.defs) != 1 || len(f.defs[0]) != 2 {
		t.Errorf("expected agent definitions update, got %+v", f.defs)
	}
	if len(d.AgentsAdded) != 1 || d.AgentsAdded[0] != "tester" {
		t.Errorf("unexpected diff %+v", d)
	}
}

func TestApplyReloadNonReloadable(t *testing.T) {
	f, targets := newTargets()
	cur, next := baseConfig(), baseConfig()
	next.Web.Port = 9999

	d := applyReload(cur, next, targets)
	if len(d.NonReloadable) != 1 || d.NonReloadable[0] != "web.port" {
		t.Errorf("expected web.port flagged, got %v", d.NonReloadable)
	}
	if len(f.orch) != 0 {
		t.Error("non-reloadable change must not touch components")
	}
}
