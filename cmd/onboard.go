package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup: channel tokens, agent image, state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	cfg := config.Default()

	if _, err := os.Stat(cfgPath); err == nil {
		overwrite := false
		if err := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", cfgPath)).
			Value(&overwrite).
			Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping the existing config.")
			return nil
		}
		if existing, err := config.Load(cfgPath); err == nil {
			cfg = existing
		}
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant name").
				Description("Prefixes replies and derives the default trigger word.").
				Value(&cfg.AssistantName).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("name must not be empty")
					}
					return nil
				}),
			huh.NewInput().
				Title("Timezone").
				Description("IANA name for cron schedules, e.g. Asia/Ho_Chi_Minh.").
				Value(&cfg.Timezone).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					if _, err := time.LoadLocation(s); err != nil {
						return fmt.Errorf("unknown timezone")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Leave empty to skip Telegram.").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Channels.Telegram.Token),
			huh.NewInput().
				Title("Discord bot token").
				Description("Leave empty to skip Discord.").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Channels.Discord.Token),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Agent container image").
				Value(&cfg.Agent.Image),
			huh.NewInput().
				Title("State directory").
				Description("Database, workspaces and IPC tree live here.").
				Value(&cfg.StateDir),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Channels.Telegram.Enabled = cfg.Channels.Telegram.Token != ""
	cfg.Channels.Discord.Enabled = cfg.Channels.Discord.Token != ""
	if !cfg.Channels.Telegram.Enabled && !cfg.Channels.Discord.Enabled {
		fmt.Println("Warning: no channel tokens set. Provide NANOCLAW_TELEGRAM_TOKEN or NANOCLAW_DISCORD_TOKEN at runtime.")
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	// Tokens live in the file; keep it private.
	if err := os.WriteFile(cfgPath, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Wrote %s.\n", cfgPath)
	fmt.Println("Next: send /register to your bot from the chat that should own the main session, then run 'nanoclaw'.")
	return nil
}
