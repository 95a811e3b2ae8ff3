package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		AssistantName:   "Andy",
		MainGroupFolder: "main",
		Timezone:        "UTC",
		StateDir:        filepath.Join(home, ".nanoclaw"),
		Agent: AgentConfig{
			Image:   "nanoclaw-agent:latest",
			Timeout: "5m",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults (tokens must then come from env).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("NANOCLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("NANOCLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("NANOCLAW_STATE_DIR", &c.StateDir)
	envStr("NANOCLAW_IPC_DIR", &c.IPCDir)
	envStr("NANOCLAW_AGENT_IMAGE", &c.Agent.Image)
	envStr("NANOCLAW_TIMEZONE", &c.Timezone)
	envStr("NANOCLAW_MOUNT_ALLOWLIST", &c.MountAllowlistFile)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
}

func (c *Config) validate() error {
	if c.AssistantName == "" {
		return fmt.Errorf("config: assistant_name must not be empty")
	}
	if c.MainGroupFolder == "" {
		return fmt.Errorf("config: main_group_folder must not be empty")
	}
	if strings.ContainsAny(c.MainGroupFolder, `/\`) {
		return fmt.Errorf("config: main_group_folder %q must be a bare folder name", c.MainGroupFolder)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("config: invalid timezone %q: %w", c.Timezone, err)
		}
	}
	return nil
}

// EffectiveTrigger returns the global fallback trigger word.
func (c *Config) EffectiveTrigger() string {
	if c.TriggerWord != "" {
		return c.TriggerWord
	}
	return "@" + strings.ToLower(c.AssistantName)
}
