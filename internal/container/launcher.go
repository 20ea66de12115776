package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/mtzanidakis/conductor/internal/config"
)

const labelPrefix = "conductor"

// Launcher runs configured agents as containers on the local Docker
// daemon. Launched agents connect back to the bus and announce themselves
// like any other agent.
type Launcher struct {
	docker      *client.Client
	cfg         config.ContainerConfig
	mu          sync.RWMutex
	active      map[string]*ContainerInfo // agentID → container
	networkName string
}

type ContainerInfo struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	StartedAt time.Time `json:"started_at"`
}

// AgentSpec is what the launcher needs to start one agent container.
type AgentSpec struct {
	ID           string
	Image        string
	Capabilities []string
	Env          map[string]string
	Mounts       []Mount
}

// SpecsFromConfig selects the agent definitions that name an image, in ID
// order.
func SpecsFromConfig(defs map[string]config.AgentDefinition) ([]AgentSpec, error) {
	var specs []AgentSpec
	for id, def := range defs {
		if def.Image == "" {
			continue
		}
		mounts, err := parseMounts(def.Mounts)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", id, err)
		}
		specs = append(specs, AgentSpec{
			ID:           id,
			Image:        def.Image,
			Capabilities: def.Capabilities,
			Env:          def.Env,
			Mounts:       mounts,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs, nil
}

// ResolveNATSURL returns the configured agent-facing bus URL, or one
// pointing at the host on busPort.
func ResolveNATSURL(configured string, busPort int) string {
	if configured != "" {
		return configured
	}
	return fmt.Sprintf("nats://host.docker.internal:%d", busPort)
}

func NewLauncher(cfg config.ContainerConfig) (*Launcher, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return &Launcher{
		docker: docker,
		cfg:    cfg,
		active: make(map[string]*ContainerInfo),
	}, nil
}

func (l *Launcher) ensureNetwork(ctx context.Context) error {
	if l.networkName != "" || l.cfg.Network == "" {
		return nil
	}

	if _, err := l.docker.NetworkInspect(ctx, l.cfg.Network, network.InspectOptions{}); err == nil {
		l.networkName = l.cfg.Network
		return nil
	}

	_, err := l.docker.NetworkCreate(ctx, l.cfg.Network, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("create network %s: %w", l.cfg.Network, err)
	}
	l.networkName = l.cfg.Network
	slog.Info("created docker network", "network", l.cfg.Network)
	return nil
}

// LaunchAll starts every spec and reports the failures together. Agents
// that did start keep running.
func (l *Launcher) LaunchAll(ctx context.Context, specs []AgentSpec, natsURL string) error {
	var errs []error
	for _, spec := range specs {
		if _, err := l.Launch(ctx, spec, natsURL); err != nil {
			slog.Error("failed to launch agent container", "agent", spec.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", spec.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (l *Launcher) Launch(ctx context.Context, spec AgentSpec, natsURL string) (*ContainerInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.active[spec.ID]; ok {
		return existing, nil
	}
	if l.cfg.MaxRunning > 0 && len(l.active) >= l.cfg.MaxRunning {
		return nil, fmt.Errorf("max containers (%d) reached", l.cfg.MaxRunning)
	}
	if err := l.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	name := containerName(spec.ID)

	// A container left over from a previous gateway run holds the name.
	timeout := 5
	_ = l.docker.ContainerStop(ctx, name, dockercontainer.StopOptions{Timeout: &timeout})
	_ = l.docker.ContainerRemove(ctx, name, dockercontainer.RemoveOptions{Force: true})

	image := spec.Image
	if image == "" {
		image = l.cfg.Image
	}

	containerCfg := &dockercontainer.Config{
		Image: image,
		Env:   agentEnv(spec, natsURL),
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".agent":   spec.ID,
		},
	}
	hostCfg := &dockercontainer.HostConfig{
		Binds:      binds(spec.Mounts),
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}
	if l.networkName != "" {
		hostCfg.NetworkMode = dockercontainer.NetworkMode(l.networkName)
	}

	resp, err := l.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := l.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = l.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	info := &ContainerInfo{
		ID:        resp.ID,
		AgentID:   spec.ID,
		Name:      name,
		Image:     image,
		StartedAt: time.Now(),
	}
	l.active[spec.ID] = info

	slog.Info("agent container started", "agent", spec.ID, "container", shortID(resp.ID), "image", image)
	return info, nil
}

func (l *Launcher) Stop(ctx context.Context, agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, ok := l.active[agentID]
	if !ok {
		return nil
	}

	timeout := 10
	if err := l.docker.ContainerStop(ctx, info.ID, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("failed to stop container gracefully", "container", shortID(info.ID), "error", err)
	}
	if err := l.docker.ContainerRemove(ctx, info.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "container", shortID(info.ID), "error", err)
	}

	delete(l.active, agentID)
	slog.Info("agent container stopped", "agent", agentID)
	return nil
}

func (l *Launcher) StopAll(ctx context.Context) {
	for _, info := range l.List() {
		_ = l.Stop(ctx, info.AgentID)
	}
}

func (l *Launcher) List() []ContainerInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]ContainerInfo, 0, len(l.active))
	for _, info := range l.active {
		result = append(result, *info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result
}

// CleanupStale removes managed containers this launcher did not start.
func (l *Launcher) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := l.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	l.mu.RLock()
	activeIDs := make(map[string]bool, len(l.active))
	for _, info := range l.active {
		activeIDs[info.ID] = true
	}
	l.mu.RUnlock()

	for _, c := range containers {
		if !activeIDs[c.ID] {
			slog.Info("cleaning up stale container", "container", shortID(c.ID))
			_ = l.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

func (l *Launcher) BuildImage(ctx context.Context) error {
	return BuildAgentImage(ctx, l.docker, l.cfg.BuildDir, l.cfg.Image)
}

func (l *Launcher) Close() error {
	return l.docker.Close()
}

func containerName(agentID string) string {
	return "conductor-agent-" + agentID
}

// agentEnv builds the container environment. Per-agent values come last so
// they can override the defaults, in key order for stable diffs.
func agentEnv(spec AgentSpec, natsURL string) []string {
	env := []string{
		"NATS_URL=" + natsURL,
		"AGENT_ID=" + spec.ID,
		"AGENT_CAPABILITIES=" + strings.Join(spec.Capabilities, ","),
	}
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, "TZ="+tz)
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}
	return env
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
