package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AssistantName != "Andy" {
		t.Errorf("assistant = %q, want Andy", cfg.AssistantName)
	}
	if cfg.AgentTimeout() != 5*time.Minute {
		t.Errorf("timeout = %v, want 5m", cfg.AgentTimeout())
	}
	if cfg.MainGroupFolder != "main" {
		t.Errorf("main folder = %q", cfg.MainGroupFolder)
	}
}

func TestLoad_JSON5AndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
  // trailing commas and comments are fine
  assistant_name: "Nano",
  timezone: "Europe/Athens",
  channels: { telegram: { token: "from-file" } },
  queue: { max_parallel: 4, retry_base_delay: "2s" },
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NANOCLAW_TELEGRAM_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AssistantName != "Nano" {
		t.Errorf("assistant = %q", cfg.AssistantName)
	}
	if cfg.Channels.Telegram.Token != "from-env" {
		t.Errorf("env should win over file, got %q", cfg.Channels.Telegram.Token)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram should auto-enable when a token is present")
	}
	if cfg.QueueMaxParallel() != 4 {
		t.Errorf("max parallel = %d", cfg.QueueMaxParallel())
	}
	if cfg.QueueRetryBase() != 2*time.Second {
		t.Errorf("retry base = %v", cfg.QueueRetryBase())
	}
	if cfg.Location().String() != "Europe/Athens" {
		t.Errorf("location = %v", cfg.Location())
	}
}

func TestLoad_InvalidTimezone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{timezone: "Mars/Olympus"}`), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for bad timezone")
	}
}

func TestEffectiveTrigger(t *testing.T) {
	cfg := Default()
	if got := cfg.EffectiveTrigger(); got != "@andy" {
		t.Errorf("trigger = %q, want @andy", got)
	}
	cfg.TriggerWord = "@bot"
	if got := cfg.EffectiveTrigger(); got != "@bot" {
		t.Errorf("trigger = %q, want @bot", got)
	}
}

func TestMountPolicy_Allows(t *testing.T) {
	p := &MountPolicy{
		AllowedRoots:    []string{"/srv/shared"},
		BlockedPatterns: defaultBlockedPatterns,
	}

	tests := []struct {
		name string
		path string
		want bool
	}{
		{"under root", "/srv/shared/projects/site", true},
		{"root itself", "/srv/shared", true},
		{"outside root", "/etc/passwd", false},
		{"prefix trick", "/srv/shared-evil/x", false},
		{"relative", "srv/shared/x", false},
		{"ssh dir", "/srv/shared/home/.ssh", false},
		{"pem file", "/srv/shared/deploy/server.pem", false},
		{"env file", "/srv/shared/app/.env.production", false},
		{"dot dot cleaned", "/srv/shared/../../etc", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := p.Allows(tt.path)
			if got != tt.want {
				t.Errorf("Allows(%q) = %v (%s), want %v", tt.path, got, reason, tt.want)
			}
		})
	}
}

func TestLoadMountPolicy_MissingFileIsEmpty(t *testing.T) {
	p, err := LoadMountPolicy(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadMountPolicy: %v", err)
	}
	if ok, _ := p.Allows("/anything"); ok {
		t.Error("empty policy must reject all mounts")
	}
}
