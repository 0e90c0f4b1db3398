package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/runstream/internal/client"
	"github.com/alfredjeanlab/runstream/internal/model"
)

var ratelimitCmd = &cobra.Command{
	Use:     "ratelimit",
	Aliases: []string{"rl"},
	Short:   "Inspect and change admission limits",
	GroupID: "admin",
}

// limitFromFlags reads --rpm and --concurrent. Unset flags stay zero, which
// means "inherit".
func limitFromFlags(cmd *cobra.Command) (model.RateLimitConfig, error) {
	rpm, _ := cmd.Flags().GetInt("rpm")
	conc, _ := cmd.Flags().GetInt("concurrent")
	if !cmd.Flags().Changed("rpm") && !cmd.Flags().Changed("concurrent") {
		return model.RateLimitConfig{}, fmt.Errorf("set at least one of --rpm or --concurrent")
	}
	cfg := model.RateLimitConfig{MaxRequestsPerMinute: rpm, MaxConcurrentRequests: conc}
	return cfg, model.ValidateRateLimitConfig(cfg)
}

func printLimit(label string, cfg *model.RateLimitConfig) error {
	if jsonOutput {
		return printJSON(cfg)
	}
	fmt.Printf("%s\n", label)
	fmt.Printf("  requests/min:  %s\n", limitValue(cfg.MaxRequestsPerMinute))
	fmt.Printf("  concurrent:    %s\n", limitValue(cfg.MaxConcurrentRequests))
	return nil
}

var rlGlobalCmd = &cobra.Command{
	Use:   "global",
	Short: "Show the global limits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := rc.GetGlobalLimit(context.Background())
		if err != nil {
			return fmt.Errorf("getting global limits: %w", err)
		}
		return printLimit("global", cfg)
	},
}

var rlSetGlobalCmd = &cobra.Command{
	Use:   "set-global",
	Short: "Replace the global limits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := limitFromFlags(cmd)
		if err != nil {
			return err
		}
		if err := rc.SetGlobalLimit(context.Background(), cfg); err != nil {
			return fmt.Errorf("setting global limits: %w", err)
		}
		fmt.Println("global limits updated")
		return nil
	},
}

var rlClientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "List per-client overrides",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limits, err := rc.ListClientLimits(context.Background())
		if err != nil {
			return fmt.Errorf("listing client limits: %w", err)
		}
		if jsonOutput {
			return printJSON(limits)
		}
		return printLimitTable(limits)
	},
}

var rlClientCmd = &cobra.Command{
	Use:   "client <client-id>",
	Short: "Show one client's override",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := rc.GetClientLimit(context.Background(), args[0])
		if err != nil {
			if client.IsNotFound(err) {
				return fmt.Errorf("client %q has no override", args[0])
			}
			return fmt.Errorf("getting client limits: %w", err)
		}
		return printLimit(args[0], cfg)
	},
}

var rlSetClientCmd = &cobra.Command{
	Use:   "set-client <client-id>",
	Short: "Set a client's override",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := limitFromFlags(cmd)
		if err != nil {
			return err
		}
		if err := rc.SetClientLimit(context.Background(), args[0], cfg); err != nil {
			return fmt.Errorf("setting client limits: %w", err)
		}
		fmt.Printf("limits for %q updated\n", args[0])
		return nil
	},
}

var rlDeleteClientCmd = &cobra.Command{
	Use:   "delete-client <client-id>",
	Short: "Remove a client's override",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := rc.DeleteClientLimit(context.Background(), args[0]); err != nil {
			return fmt.Errorf("deleting client limits: %w", err)
		}
		fmt.Printf("override for %q removed\n", args[0])
		return nil
	},
}

var rlExemptCmd = &cobra.Command{
	Use:   "exempt [<client-id>]",
	Short: "List exempt clients, or exempt one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		if len(args) == 1 {
			if err := rc.AddExemption(ctx, args[0]); err != nil {
				return fmt.Errorf("adding exemption: %w", err)
			}
			fmt.Printf("%q is now exempt\n", args[0])
			return nil
		}

		ids, err := rc.ListExemptions(ctx)
		if err != nil {
			return fmt.Errorf("listing exemptions: %w", err)
		}
		if jsonOutput {
			return printJSON(ids)
		}
		if len(ids) == 0 {
			fmt.Println("no exempt clients")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var rlUnexemptCmd = &cobra.Command{
	Use:   "unexempt <client-id>",
	Short: "Remove a client's exemption",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := rc.RemoveExemption(context.Background(), args[0]); err != nil {
			return fmt.Errorf("removing exemption: %w", err)
		}
		fmt.Printf("%q is no longer exempt\n", args[0])
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{rlSetGlobalCmd, rlSetClientCmd} {
		c.Flags().Int("rpm", 0, "maximum requests per minute (0 inherits)")
		c.Flags().Int("concurrent", 0, "maximum concurrent requests (0 inherits)")
	}

	ratelimitCmd.AddCommand(rlGlobalCmd)
	ratelimitCmd.AddCommand(rlSetGlobalCmd)
	ratelimitCmd.AddCommand(rlClientsCmd)
	ratelimitCmd.AddCommand(rlClientCmd)
	ratelimitCmd.AddCommand(rlSetClientCmd)
	ratelimitCmd.AddCommand(rlDeleteClientCmd)
	ratelimitCmd.AddCommand(rlExemptCmd)
	ratelimitCmd.AddCommand(rlUnexemptCmd)
}
