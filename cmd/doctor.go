package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/agent"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("nanoclaw doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — env-only)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")

	fmt.Println()
	fmt.Println("  Container runtime:")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := (agent.DockerRunner{}).VerifyRuntime(ctx); err != nil {
		fmt.Printf("    Docker:   UNAVAILABLE (%s)\n", err)
	} else {
		fmt.Println("    Docker:   OK")
	}
	fmt.Printf("    Image:    %s\n", cfg.Agent.Image)

	fmt.Println()
	fmt.Println("  State:")
	fmt.Printf("    Dir:      %s\n", cfg.StateDir)
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		fmt.Printf("    Database: OPEN FAILED (%s)\n", err)
		return
	}
	defer st.Close()
	fmt.Println("    Database: OK (migrations applied)")

	groups, err := st.ListGroups(ctx)
	if err != nil {
		fmt.Printf("    Groups:   LIST FAILED (%s)\n", err)
		return
	}
	fmt.Printf("    Groups:   %d registered\n", len(groups))
	if main, err := st.MainGroup(ctx); err == nil {
		fmt.Printf("    Main:     %s (folder %q)\n", main.JID, main.Folder)
	} else {
		fmt.Println("    Main:     not elected yet (send /register from a private chat)")
	}

	if cfg.Telemetry.Enabled {
		fmt.Println()
		fmt.Printf("  Telemetry: OTLP/%s → %s\n", telemetryProtocol(cfg), cfg.Telemetry.Endpoint)
	}
}

func checkChannel(name string, enabled, hasToken bool) {
	switch {
	case !enabled:
		fmt.Printf("    %-9s disabled\n", name+":")
	case !hasToken:
		fmt.Printf("    %-9s enabled, NO TOKEN\n", name+":")
	default:
		fmt.Printf("    %-9s OK\n", name+":")
	}
}

func telemetryProtocol(cfg *config.Config) string {
	if cfg.Telemetry.Protocol == "" {
		return "grpc"
	}
	return cfg.Telemetry.Protocol
}
