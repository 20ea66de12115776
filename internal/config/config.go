package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Orchestrator OrchestratorConfig         `yaml:"orchestrator"`
	Breaker      BreakerConfig              `yaml:"breaker"`
	Swarm        SwarmConfig                `yaml:"swarm"`
	Registry     RegistryConfig             `yaml:"registry"`
	NATS         NATSConfig                 `yaml:"nats"`
	Store        StoreConfig                `yaml:"store"`
	Web          WebConfig                  `yaml:"web"`
	Scheduler    SchedulerConfig            `yaml:"scheduler"`
	Telegram     TelegramConfig             `yaml:"telegram"`
	Vault        VaultConfig                `yaml:"vault"`
	Container    ContainerConfig            `yaml:"container"`
	Agents       map[string]AgentDefinition `yaml:"agents"`
}

type OrchestratorConfig struct {
	MaxInFlight        int           `yaml:"max_in_flight"`
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	MaxAttempts        int           `yaml:"max_attempts"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	DefaultStrategy    string        `yaml:"default_strategy"`
	ReuseWinnerOnRetry bool          `yaml:"reuse_winner_on_retry"`
}

type BreakerConfig struct {
	FailureRatio float64       `yaml:"failure_ratio"`
	MinRequests  int           `yaml:"min_requests"`
	WindowSize   int           `yaml:"window_size"`
	Cooldown     time.Duration `yaml:"cooldown"`
}

type SwarmConfig struct {
	MaxAgents     int           `yaml:"max_agents"`
	MinAgents     int           `yaml:"min_agents"`
	RoundTimeout  time.Duration `yaml:"round_timeout"`
	Ranking       string        `yaml:"ranking"`
	ConsensusType string        `yaml:"consensus_type"`
	Observers     []string      `yaml:"observers"`
	HistorySize   int           `yaml:"history_size"`
}

type RegistryConfig struct {
	HealthTTL time.Duration `yaml:"health_ttl"`
}

type NATSConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`

	// MaxPayload bounds a single message, so it also bounds task inputs
	// and results.
	MaxPayload int32 `yaml:"max_payload"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TelegramConfig struct {
	Token         string  `yaml:"token"`
	AllowFrom     []int64 `yaml:"allow_from"`
	NotifyChatIDs []int64 `yaml:"notify_chat_ids"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type ContainerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Image      string `yaml:"image"`
	Network    string `yaml:"network"`
	MaxRunning int    `yaml:"max_running"`
	BuildDir   string `yaml:"build_dir"`

	// NATSURL is how agent containers reach the gateway's bus. Empty means
	// host.docker.internal on the bus port.
	NATSURL string `yaml:"nats_url"`
}

// AgentDefinition declares an agent that is known before it connects.
// When Image is set and containers are enabled, the gateway launches it.
type AgentDefinition struct {
	Description  string             `yaml:"description"`
	Capabilities []string           `yaml:"capabilities"`
	Weights      map[string]float64 `yaml:"weights"`
	Priority     int                `yaml:"priority"`
	Image        string             `yaml:"image"`
	Env          map[string]string  `yaml:"env"`
	Mounts       []string           `yaml:"mounts"` // source:target[:ro]
}

func defaults() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			MaxInFlight:     100,
			DefaultTimeout:  300 * time.Second,
			MaxAttempts:     3,
			BackoffBase:     time.Second,
			BackoffMax:      30 * time.Second,
			DefaultStrategy: "hierarchical",
		},
		Breaker: BreakerConfig{
			FailureRatio: 0.5,
			MinRequests:  5,
			WindowSize:   20,
			Cooldown:     30 * time.Second,
		},
		Swarm: SwarmConfig{
			MaxAgents:     100,
			MinAgents:     1,
			RoundTimeout:  30 * time.Second,
			Ranking:       "weighted",
			ConsensusType: "majority",
			HistorySize:   50,
		},
		Registry: RegistryConfig{
			HealthTTL: 90 * time.Second,
		},
		NATS: NATSConfig{
			Host:       "0.0.0.0",
			Port:       4222,
			DataDir:    "data/nats",
			MaxPayload: 8 << 20,
		},
		Store: StoreConfig{
			Path: "data/conductor.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Container: ContainerConfig{
			Image:      "conductor-agent:latest",
			Network:    "conductor-net",
			MaxRunning: 10,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("CONDUCTOR_CONFIG")
	if path == "" {
		path = "config/conductor.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CONDUCTOR_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("CONDUCTOR_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("CONDUCTOR_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("CONDUCTOR_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("CONDUCTOR_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("CONDUCTOR_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CONDUCTOR_MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxInFlight = n
		}
	}
}

// Validate rejects values the orchestrator cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.Orchestrator.MaxInFlight < 1 {
		problems = append(problems, "orchestrator.max_in_flight must be at least 1")
	}
	if c.Orchestrator.MaxAttempts < 1 {
		problems = append(problems, "orchestrator.max_attempts must be at least 1")
	}
	if c.Orchestrator.DefaultTimeout <= 0 {
		problems = append(problems, "orchestrator.default_timeout must be positive")
	}
	switch c.Orchestrator.DefaultStrategy {
	case "hierarchical", "market", "consensus":
	default:
		problems = append(problems, fmt.Sprintf("orchestrator.default_strategy %q is unknown", c.Orchestrator.DefaultStrategy))
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio >= 1 {
		problems = append(problems, "breaker.failure_ratio must be in (0, 1)")
	}
	if c.Breaker.WindowSize < 1 || c.Breaker.MinRequests > c.Breaker.WindowSize {
		problems = append(problems, "breaker.window_size must be at least 1 and not below min_requests")
	}
	if c.NATS.MaxPayload < 0 {
		problems = append(problems, "nats.max_payload must not be negative")
	}
	if c.Swarm.MinAgents > c.Swarm.MaxAgents {
		problems = append(problems, "swarm.min_agents exceeds swarm.max_agents")
	}
	switch c.Swarm.Ranking {
	case "static", "weighted", "round_robin":
	default:
		problems = append(problems, fmt.Sprintf("swarm.ranking %q is unknown", c.Swarm.Ranking))
	}
	switch c.Swarm.ConsensusType {
	case "majority", "unanimous", "leader":
	default:
		problems = append(problems, fmt.Sprintf("swarm.consensus_type %q is unknown", c.Swarm.ConsensusType))
	}
	for name, def := range c.Agents {
		if len(def.Capabilities) == 0 {
			problems = append(problems, fmt.Sprintf("agents.%s has no capabilities", name))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
