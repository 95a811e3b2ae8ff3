package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/agent"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/discord"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/router"
	"github.com/nextlevelbuilder/nanoclaw/internal/scheduler"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/internal/telemetry"
)

const shutdownGrace = 10 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the router (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runRouter()
		},
	}
}

func runRouter() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Setup(context.Background(), cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		slog.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	policy, err := config.LoadMountPolicy(cfg.MountAllowlistFile)
	if err != nil {
		slog.Error("mount policy load failed", "error", err)
		os.Exit(1)
	}

	dispatcher := agent.New(cfg, st, agent.DockerRunner{}, *policy)
	if err := dispatcher.VerifyRuntime(context.Background()); err != nil {
		slog.Error("container runtime check failed", "error", err)
		os.Exit(1)
	}

	q := queue.New(queue.Options{
		MaxParallel: cfg.QueueMaxParallel(),
		RetryBase:   cfg.QueueRetryBase(),
		RetryMax:    cfg.QueueRetryMax(),
		MaxAttempts: cfg.QueueMaxAttempts(),
	})

	mgr := channels.NewManager()
	if err := buildMessengers(cfg, mgr); err != nil {
		slog.Error("messenger setup failed", "error", err)
		os.Exit(1)
	}

	rt := router.New(cfg, st, q, mgr, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.ConnectAll(ctx, rt.HandleInbound); err != nil {
		slog.Error("channel connect failed", "error", err)
		os.Exit(1)
	}

	if err := ensureDirs(cfg); err != nil {
		slog.Error("state dir setup failed", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := ipc.New(cfg, st, rt, dispatcher).Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("ipc watcher exited", "error", err)
		}
	}()
	go func() {
		if err := scheduler.New(cfg, st, rt).Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("scheduler exited", "error", err)
		}
	}()
	go rt.Run(ctx)

	slog.Info("nanoclaw started", "version", Version, "state_dir", cfg.StateDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	cancel()
	mgr.DisconnectAll(context.Background())
	q.Shutdown(shutdownGrace)
	if err := shutdownTelemetry(context.Background()); err != nil {
		slog.Warn("telemetry shutdown", "error", err)
	}
}

// buildMessengers registers every enabled platform adapter.
func buildMessengers(cfg *config.Config, mgr *channels.Manager) error {
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, cfg.TelegramPollInterval())
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		mgr.Register(tg)
	}
	if cfg.Channels.Discord.Enabled {
		dc, err := discord.New(cfg.Channels.Discord)
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		mgr.Register(dc)
	}
	if len(mgr.All()) == 0 {
		return fmt.Errorf("no channels enabled; run 'nanoclaw onboard' or set NANOCLAW_TELEGRAM_TOKEN")
	}
	return nil
}

// ensureDirs creates the workspace and IPC trees, including the main
// workspace folder so the first agent run has somewhere to land.
func ensureDirs(cfg *config.Config) error {
	dirs := []string{
		cfg.GroupsDir(),
		filepath.Join(cfg.GroupsDir(), cfg.MainGroupFolder),
		cfg.IPCRoot(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}
