package main

import (
	"log/slog"

	"github.com/mtzanidakis/conductor/internal/breaker"
	"github.com/mtzanidakis/conductor/internal/config"
)

type reloadTargets struct {
	breakers interface {
		UpdateSettings(breaker.Settings)
	}
	orch interface {
		UpdateConfig(config.OrchestratorConfig, config.SwarmConfig)
	}
	swarm interface {
		UpdateConfig(config.SwarmConfig)
	}
	sched interface {
		UpdateConfig(config.SchedulerConfig)
	}
	agents interface {
		UpdateDefinitions(map[string]config.AgentDefinition) error
		UpdateConfig(config.RegistryConfig)
	}
}

// applyReload pushes the reloadable parts of next into the running
// components. Changes that need a restart are only logged.
func applyReload(cur, next *config.Config, t reloadTargets) config.ConfigDiff {
	d := config.Diff(cur, next)
	for _, field := range d.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !d.HasChanges() && cur.Registry == next.Registry {
		slog.Info("config reloaded, nothing changed")
		return d
	}

	if d.BreakerChanged {
		t.breakers.UpdateSettings(breaker.SettingsFromConfig(d.NewBreaker))
	}
	if d.OrchestratorChanged || d.SwarmChanged {
		t.orch.UpdateConfig(next.Orchestrator, next.Swarm)
	}
	if d.SwarmChanged {
		t.swarm.UpdateConfig(d.NewSwarm)
	}
	if d.SchedulerChanged {
		t.sched.UpdateConfig(d.NewScheduler)
	}
	if cur.Registry != next.Registry {
		t.agents.UpdateConfig(next.Registry)
	}
	if len(d.AgentsAdded)+len(d.AgentsRemoved)+len(d.AgentsChanged) > 0 {
		if err := t.agents.UpdateDefinitions(next.Agents); err != nil {
			slog.Error("failed to apply agent definitions", "error", err)
		}
	}

	slog.Info("config reloaded",
		"agents_added", d.AgentsAdded,
		"agents_removed", d.AgentsRemoved,
		"agents_changed", d.AgentsChanged,
		"breaker", d.BreakerChanged,
		"orchestrator", d.OrchestratorChanged,
		"swarm", d.SwarmChanged,
		"scheduler", d.SchedulerChanged,
	)
	return d
}
