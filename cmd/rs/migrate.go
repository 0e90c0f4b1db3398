package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/runstream/internal/config"
	"github.com/alfredjeanlab/runstream/internal/seq/pgsource"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	Short:   "Create or upgrade the postgres message table used for seq reconciliation",
	GroupID: "system",
	// Talks to postgres directly, not to a server.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("RUNSTREAM_DATABASE_URL is not set")
		}
		_, db, err := pgsource.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := pgsource.Migrate(db); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	},
}
