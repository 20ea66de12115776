package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtzanidakis/conductor/internal/audit"
	"github.com/mtzanidakis/conductor/internal/breaker"
	"github.com/mtzanidakis/conductor/internal/config"
	"github.com/mtzanidakis/conductor/internal/container"
	"github.com/mtzanidakis/conductor/internal/control"
	"github.com/mtzanidakis/conductor/internal/natsbus"
	"github.com/mtzanidakis/conductor/internal/orchestrator"
	"github.com/mtzanidakis/conductor/internal/registry"
	"github.com/mtzanidakis/conductor/internal/scheduler"
	"github.com/mtzanidakis/conductor/internal/store"
	"github.com/mtzanidakis/conductor/internal/swarm"
	"github.com/mtzanidakis/conductor/internal/telegram"
	"github.com/mtzanidakis/conductor/internal/transport"
	"github.com/mtzanidakis/conductor/internal/vault"
	"github.com/mtzanidakis/conductor/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("conductor %s\n", version)
	case "gateway":
		err = runGateway()
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: conductor <command>

Commands:
  gateway    Start the orchestration gateway
  backup     Archive the store and bus data
  restore    Restore an archive created by backup
  version    Print version
`)
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting conductor gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()

	// The recorder outlives ctx so the final events of a shutdown are
	// flushed before the store closes.
	recorder := audit.NewRecorder([]audit.Writer{audit.NewStoreWriter(db), audit.NewNATSWriter(client)})
	recCtx, stopRecorder := context.WithCancel(context.Background())
	go recorder.Run(recCtx)
	defer func() {
		stopRecorder()
		<-recorder.Done()
	}()

	breakers := breaker.NewRegistry(breaker.SettingsFromConfig(cfg.Breaker))
	breakers.OnStateChange(func(tr breaker.Transition) {
		slog.Info("breaker state changed", "key", tr.Key, "from", tr.From, "to", tr.To)
		recorder.Record(audit.Event{
			Type:      audit.BreakerChanged,
			AgentID:   tr.Key,
			Timestamp: tr.At,
			Data:      map[string]any{"from": tr.From.String(), "to": tr.To.String()},
		})
	})

	// Swarm and agent registry
	tr := transport.NewNATS(client)
	members := swarm.NewMembership(cfg.Swarm)
	coord := swarm.NewCoordinator(breakers, tr, members, cfg.Swarm, recorder)

	reg := registry.New(db, cfg.Agents, cfg.Registry,
		registry.WithMembership(members),
		registry.WithBreakers(breakers),
		registry.WithAuditSink(recorder),
	)
	if err := reg.Sync(); err != nil {
		return fmt.Errorf("sync agent registry: %w", err)
	}
	if _, err := reg.Subscribe(client); err != nil {
		return fmt.Errorf("subscribe agent registry: %w", err)
	}
	go reg.Run(ctx)

	var sealer *vault.Vault
	if cfg.Vault.Passphrase != "" {
		if sealer, err = vault.New(cfg.Vault.Passphrase); err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
	} else {
		slog.Warn("vault passphrase not set, task results stored in plain text")
	}

	orch := orchestrator.New(cfg.Orchestrator, cfg.Swarm, orchestrator.Deps{
		Registry:    reg,
		Coordinator: coord,
		Transport:   tr,
		Breakers:    breakers,
		Store:       db,
		Vault:       sealer,
		Audit:       recorder,
	})
	defer orch.Close()
	if n, err := orch.RecoverInterrupted(); err != nil {
		slog.Error("failed to recover interrupted plans", "error", err)
	} else if n > 0 {
		slog.Warn("marked interrupted plans as cancelled", "count", n)
	}

	// Scheduler
	sched := scheduler.New(db, orch, cfg.Scheduler, recorder)
	go sched.Start(ctx)
	slog.Info("scheduler started")

	// NATS control for conductorctl
	ctl := control.NewServer(orch, reg, sched, db)
	if _, err := ctl.Subscribe(client); err != nil {
		return fmt.Errorf("subscribe control: %w", err)
	}

	// Telegram bot
	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram, ctl)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		orch.OnFinish(bot.NotifyFinished)
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		slog.Info("telegram bot started")
	} else {
		slog.Warn("telegram token not set, bot disabled")
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(web.Deps{
			Plans:     orch,
			Agents:    reg,
			Breakers:  breakers,
			Swarm:     coord,
			Schedules: sched,
			Store:     db,
			NATS:      client,
		}, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Container agents
	if cfg.Container.Enabled {
		launcher, err := startContainers(ctx, cfg, bus.Port())
		if err != nil {
			return err
		}
		defer func() {
			launcher.StopAll(context.Background())
			_ = launcher.Close()
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	targets := reloadTargets{breakers: breakers, orch: orch, swarm: coord, sched: sched, agents: reg}
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			slog.Info("shutting down", "signal", sig)
			break
		}
		next, err := config.Load()
		if err != nil {
			slog.Error("config reload failed, keeping current config", "error", err)
			continue
		}
		applyReload(cfg, next, targets)
		cfg = next
	}
	cancel()
	return nil
}

func startContainers(ctx context.Context, cfg *config.Config, busPort int) (*container.Launcher, error) {
	specs, err := container.SpecsFromConfig(cfg.Agents)
	if err != nil {
		return nil, fmt.Errorf("container agents: %w", err)
	}
	launcher, err := container.NewLauncher(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("init container launcher: %w", err)
	}
	if err := launcher.CleanupStale(ctx); err != nil {
		slog.Warn("failed to clean up stale containers", "error", err)
	}
	if cfg.Container.BuildDir != "" {
		if err := launcher.BuildImage(ctx); err != nil {
			return nil, fmt.Errorf("build agent image: %w", err)
		}
	}
	natsURL := container.ResolveNATSURL(cfg.Container.NATSURL, busPort)
	if err := launcher.LaunchAll(ctx, specs, natsURL); err != nil {
		slog.Warn("some agent containers failed to start", "error", err)
	}
	slog.Info("agent containers launched", "count", len(launcher.List()))
	return launcher, nil
}
