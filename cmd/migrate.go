package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// migrateCmd applies pending schema migrations without starting the router.
// The router also migrates on boot; this exists for pre-flight upgrades.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "config load failed: %s\n", err)
				os.Exit(1)
			}
			st, err := store.Open(cfg.DatabasePath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "migration failed: %s\n", err)
				os.Exit(1)
			}
			st.Close()
			fmt.Printf("database up to date: %s\n", cfg.DatabasePath())
		},
	}
}
