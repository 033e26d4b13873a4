package foreman

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/buildmath/foreman/bus"
)

// Config holds the tunables for a Registry and the components it owns.
type Config struct {
	Bus          bus.Config         `yaml:"bus"`
	Agent        AgentConfig        `yaml:"agent"`
	Manager      ManagerConfig      `yaml:"manager"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// AgentConfig holds defaults applied to agents created through the Registry.
type AgentConfig struct {
	// MailboxSize bounds each agent's task mailbox. A full mailbox rejects
	// new task requests rather than queueing without limit.
	MailboxSize int `yaml:"mailbox_size"`

	// ExecTimeout bounds a single Worker.Execute call. A hung worker fails
	// its task instead of blocking the agent forever.
	ExecTimeout time.Duration `yaml:"exec_timeout"`

	// HeartbeatInterval is how often an idle agent broadcasts a status
	// update so the manager can observe liveness.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// DefaultEstimate is the processing-time estimate reported before any
	// task has completed.
	DefaultEstimate time.Duration `yaml:"default_estimate"`
}

// ManagerConfig holds the supervisor's health and restart policy.
type ManagerConfig struct {
	CheckInterval      time.Duration `yaml:"check_interval"`
	DegradedAfter      time.Duration `yaml:"degraded_after"`
	UnresponsiveAfter  time.Duration `yaml:"unresponsive_after"`
	RestartCooldown    time.Duration `yaml:"restart_cooldown"`
	RestartPause       time.Duration `yaml:"restart_pause"`
	MaxRestartAttempts int           `yaml:"max_restart_attempts"`
}

// OrchestratorConfig holds the scheduler's tunables.
type OrchestratorConfig struct {
	// ScheduleInterval is the fallback scheduling tick. Scheduling is
	// normally event-driven; the tick only catches missed wakeups.
	ScheduleInterval time.Duration `yaml:"schedule_interval"`

	// MaxDeferrals is how many consecutive times a task may fail to find
	// an agent before it parks until the agent pool changes.
	MaxDeferrals int `yaml:"max_deferrals"`

	// DefaultMaxRetries applies to tasks that do not set their own limit.
	DefaultMaxRetries int `yaml:"default_max_retries"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Bus: bus.Config{
			HistoryLimit: bus.DefaultHistoryLimit,
		},
		Agent: AgentConfig{
			MailboxSize:       32,
			ExecTimeout:       5 * time.Minute,
			HeartbeatInterval: 15 * time.Second,
			DefaultEstimate:   30 * time.Second,
		},
		Manager: ManagerConfig{
			CheckInterval:      30 * time.Second,
			DegradedAfter:      60 * time.Second,
			UnresponsiveAfter:  120 * time.Second,
			RestartCooldown:    5 * time.Minute,
			RestartPause:       2 * time.Second,
			MaxRestartAttempts: 3,
		},
		Orchestrator: OrchestratorConfig{
			ScheduleInterval:  time.Second,
			MaxDeferrals:      5,
			DefaultMaxRetries: 3,
		},
	}
}

// LoadConfig reads a YAML config file, layering it over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Load returns the configuration from the file named by FOREMAN_CONFIG, or
// the defaults when the variable is unset.
func Load() (Config, error) {
	path := os.Getenv("FOREMAN_CONFIG")
	if path == "" {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}
