package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of the runstream service",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := rc.Health(context.Background())
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}

		if jsonOutput {
			return printJSON(map[string]string{"status": status})
		}
		fmt.Printf("Health: %s\n", status)

		if status != "ok" {
			return fmt.Errorf("unhealthy: %s", status)
		}
		return nil
	},
}
