package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var seqCmd = &cobra.Command{
	Use:     "seq",
	Short:   "Allocate sequence numbers on a stream",
	GroupID: "streams",
}

var seqNextCmd = &cobra.Command{
	Use:   "next <stream-id>",
	Short: "Issue the next sequence number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := rc.NextSeq(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("allocating seq: %w", err)
		}
		if jsonOutput {
			return printJSON(map[string]int64{"seq": n})
		}
		fmt.Println(n)
		return nil
	},
}

var seqPairCmd = &cobra.Command{
	Use:   "pair <stream-id>",
	Short: "Issue two adjacent sequence numbers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, b, err := rc.AllocatePair(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("allocating pair: %w", err)
		}
		if jsonOutput {
			return printJSON(map[string]int64{"first": a, "second": b})
		}
		fmt.Printf("%d %d\n", a, b)
		return nil
	},
}

func init() {
	seqCmd.AddCommand(seqNextCmd)
	seqCmd.AddCommand(seqPairCmd)
}
