package config

import (
	"path/filepath"
	"time"
)

// Config is the root configuration for the NanoClaw router.
type Config struct {
	// AssistantName prefixes outbound agent replies ("Andy: ...") and is the
	// default trigger word for groups registered without one.
	AssistantName string `json:"assistant_name"`

	// TriggerWord is the global fallback trigger for groups whose own trigger
	// is empty. Defaults to "@" + lowercased AssistantName.
	TriggerWord string `json:"trigger_word,omitempty"`

	// MainGroupFolder is the reserved folder name of the privileged main
	// workspace.
	MainGroupFolder string `json:"main_group_folder"`

	// Timezone for cron schedule evaluation (IANA name).
	Timezone string `json:"timezone"`

	// StateDir holds the sqlite database, group workspaces and (by default)
	// the IPC tree.
	StateDir string `json:"state_dir"`

	// IPCDir overrides the IPC tree location (default: StateDir/ipc).
	IPCDir string `json:"ipc_dir,omitempty"`

	// MountAllowlistFile is the host-only policy file controlling which
	// external paths may be bind-mounted into agent containers. The file
	// itself is never mounted anywhere.
	MountAllowlistFile string `json:"mount_allowlist_file,omitempty"`

	Channels  ChannelsConfig  `json:"channels"`
	Agent     AgentConfig     `json:"agent"`
	Queue     QueueConfig     `json:"queue,omitempty"`
	IPC       IPCConfig       `json:"ipc,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// ChannelsConfig enables the messenger adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
}

// TelegramConfig configures the pull-based Telegram adapter.
type TelegramConfig struct {
	Enabled      bool   `json:"enabled,omitempty"`
	Token        string `json:"token,omitempty"` // env NANOCLAW_TELEGRAM_TOKEN takes precedence
	PollInterval string `json:"poll_interval,omitempty"`
	// SendRatePerSecond caps outbound messages (Telegram throttles around 30/s
	// globally; default 20).
	SendRatePerSecond int `json:"send_rate_per_second,omitempty"`
}

// DiscordConfig configures the push-based Discord adapter.
type DiscordConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"token,omitempty"` // env NANOCLAW_DISCORD_TOKEN takes precedence
}

// AgentConfig configures the containerised agent runs.
type AgentConfig struct {
	// Image is the container image the agent binary ships in.
	Image string `json:"image"`
	// Timeout is the per-batch wall clock limit (Go duration, default 5m).
	// Groups may override it via their container_config.
	Timeout string `json:"timeout,omitempty"`
}

// QueueConfig tunes the per-chat work queue.
type QueueConfig struct {
	MaxParallel    int    `json:"max_parallel,omitempty"`     // concurrent chats (default 16)
	RetryBaseDelay string `json:"retry_base_delay,omitempty"` // default "1s"
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`  // default "5m"
	MaxAttempts    int    `json:"max_attempts,omitempty"`     // default 5
}

// IPCConfig tunes the IPC directory watcher.
type IPCConfig struct {
	PollInterval string `json:"poll_interval,omitempty"` // sweep cadence, default "500ms"
}

// SchedulerConfig tunes the scheduled-task loop.
type SchedulerConfig struct {
	TickInterval string `json:"tick_interval,omitempty"` // default "30s"
}

// TelemetryConfig configures optional OTLP trace export for batch runs.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport for local dev
	ServiceName string            `json:"service_name,omitempty"` // default "nanoclaw"
	Headers     map[string]string `json:"headers,omitempty"`
}

// DatabasePath returns the sqlite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir, "nanoclaw.db")
}

// GroupsDir returns the root of the per-group workspace folders.
func (c *Config) GroupsDir() string {
	return filepath.Join(c.StateDir, "groups")
}

// IPCRoot returns the IPC tree root.
func (c *Config) IPCRoot() string {
	if c.IPCDir != "" {
		return c.IPCDir
	}
	return filepath.Join(c.StateDir, "ipc")
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// AgentTimeout returns the per-batch timeout with the default applied.
func (c *Config) AgentTimeout() time.Duration {
	return parseDuration(c.Agent.Timeout, 5*time.Minute)
}

// TelegramPollInterval returns the store-tailing cadence for Telegram.
func (c *Config) TelegramPollInterval() time.Duration {
	return parseDuration(c.Channels.Telegram.PollInterval, 2*time.Second)
}

// IPCPollInterval returns the IPC sweep cadence.
func (c *Config) IPCPollInterval() time.Duration {
	return parseDuration(c.IPC.PollInterval, 500*time.Millisecond)
}

// SchedulerTick returns the scheduled-task loop cadence.
func (c *Config) SchedulerTick() time.Duration {
	return parseDuration(c.Scheduler.TickInterval, 30*time.Second)
}

// QueueRetryBase returns the first retry backoff delay.
func (c *Config) QueueRetryBase() time.Duration {
	return parseDuration(c.Queue.RetryBaseDelay, time.Second)
}

// QueueRetryMax returns the backoff cap.
func (c *Config) QueueRetryMax() time.Duration {
	return parseDuration(c.Queue.RetryMaxDelay, 5*time.Minute)
}

// QueueMaxParallel returns the concurrent-chat bound.
func (c *Config) QueueMaxParallel() int {
	if c.Queue.MaxParallel > 0 {
		return c.Queue.MaxParallel
	}
	return 16
}

// QueueMaxAttempts returns the retry give-up threshold.
func (c *Config) QueueMaxAttempts() int {
	if c.Queue.MaxAttempts > 0 {
		return c.Queue.MaxAttempts
	}
	return 5
}
