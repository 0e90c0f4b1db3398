package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/runstream/internal/client"
	"github.com/alfredjeanlab/runstream/internal/model"
	"github.com/alfredjeanlab/runstream/internal/ui"
)

var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "Create, inspect and follow runs",
	GroupID: "runs",
}

var runCreateCmd = &cobra.Command{
	Use:   "create <kind>",
	Short: "Create a run and enqueue it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, _ := cmd.Flags().GetString("input")
		text, _ := cmd.Flags().GetString("text")
		group, _ := cmd.Flags().GetString("group")
		session, _ := cmd.Flags().GetString("session")
		user, _ := cmd.Flags().GetString("user")
		messages, _ := cmd.Flags().GetBool("messages")
		follow, _ := cmd.Flags().GetBool("follow")

		req := &client.CreateRunRequest{
			Kind:             args[0],
			GroupID:          group,
			SessionID:        session,
			CreatedByUserID:  user,
			AllocateMessages: messages,
		}
		switch {
		case input != "" && text != "":
			return fmt.Errorf("--input and --text are mutually exclusive")
		case input != "":
			if !json.Valid([]byte(input)) {
				return fmt.Errorf("--input is not valid JSON")
			}
			req.Input = json.RawMessage(input)
		case text != "":
			raw, err := json.Marshal(map[string]string{"text": text})
			if err != nil {
				return err
			}
			req.Input = raw
		}

		meta, err := rc.CreateRun(context.Background(), req)
		if err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		if !follow {
			if jsonOutput {
				return printJSON(meta)
			}
			fmt.Printf("Created run %s (%s)\n", ui.RenderAccent(meta.RunID), ui.RenderStatus(meta.Status.String()))
			return nil
		}
		if !jsonOutput {
			fmt.Fprintf(os.Stderr, "Created run %s\n", ui.RenderAccent(meta.RunID))
		}
		return followRun(meta.Kind, meta.RunID, 0)
	},
}

var runShowCmd = &cobra.Command{
	Use:   "show <kind> <run-id>",
	Short: "Show a run's lifecycle record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, err := rc.GetRun(context.Background(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("getting run: %w", err)
		}
		if jsonOutput {
			return printJSON(meta)
		}
		printRun(os.Stdout, meta)
		return nil
	},
}

var runEventsCmd = &cobra.Command{
	Use:   "events <kind> <run-id>",
	Short: "List a run's recorded events",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetInt64("after")
		limit, _ := cmd.Flags().GetInt("limit")

		evs, err := rc.GetEvents(context.Background(), args[0], args[1], after, limit)
		if err != nil {
			return fmt.Errorf("getting events: %w", err)
		}
		if jsonOutput {
			return printJSON(evs)
		}
		if len(evs) == 0 {
			fmt.Println("no events")
			return nil
		}
		for _, ev := range evs {
			printEvent(os.Stdout, ev)
		}
		return nil
	},
}

var runSnapshotCmd = &cobra.Command{
	Use:   "snapshot <kind> <run-id>",
	Short: "Show a run's latest snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := rc.GetSnapshot(context.Background(), args[0], args[1])
		if err != nil {
			if client.IsNotFound(err) {
				return fmt.Errorf("run %s has no snapshot", args[1])
			}
			return fmt.Errorf("getting snapshot: %w", err)
		}
		if jsonOutput {
			return printJSON(snap)
		}
		fmt.Printf("Seq:         %d\n", snap.Seq)
		fmt.Printf("Updated At:  %s\n", snap.UpdatedAt.Local().Format(timeLayout))
		fmt.Printf("Payload:     %s\n", snap.Payload)
		return nil
	},
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <kind> <run-id>",
	Short: "Request cancellation of a run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := rc.CancelRun(context.Background(), args[0], args[1]); err != nil {
			return fmt.Errorf("cancelling run: %w", err)
		}
		if jsonOutput {
			return printJSON(map[string]string{"run_id": args[1], "status": "cancel_requested"})
		}
		fmt.Printf("Cancel requested for %s\n", args[1])
		return nil
	},
}

var runWatchCmd = &cobra.Command{
	Use:   "watch <kind> <run-id>",
	Short: "Follow a run's events live until it finishes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetInt64("after")
		return followRun(args[0], args[1], after)
	},
}

// reconnectDelay is the pause before resuming a dropped stream.
var reconnectDelay = time.Second

// followRun prints a run's events from afterSeq until the terminal event.
// A dropped connection resumes from the last seq printed, so no event is
// shown twice or skipped.
func followRun(kind, runID string, afterSeq int64) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var final *model.RunEventRecord
	handle := func(ev model.RunEventRecord) error {
		if ev.Seq <= afterSeq {
			return nil
		}
		afterSeq = ev.Seq
		if jsonOutput {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		} else {
			printEvent(os.Stdout, ev)
		}
		switch ev.EventName {
		case model.EventDone, model.EventError, model.EventCancelled:
			e := ev
			final = &e
		}
		return nil
	}

	for {
		err := rc.StreamRun(ctx, kind, runID, afterSeq, handle)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, client.ErrStreamEnded) {
			return fmt.Errorf("streaming run: %w", err)
		}
		fmt.Fprintln(os.Stderr, ui.RenderMuted(fmt.Sprintf("stream dropped after seq %d, reconnecting", afterSeq)))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}

	if final != nil && final.EventName != model.EventDone {
		return fmt.Errorf("run %s ended with %s", runID, final.EventName)
	}
	return nil
}

func init() {
	runCreateCmd.Flags().String("input", "", "run input as a JSON document")
	runCreateCmd.Flags().String("text", "", "shorthand for --input '{\"text\": ...}'")
	runCreateCmd.Flags().String("group", "", "chat group the run replies in")
	runCreateCmd.Flags().String("session", "", "session id")
	runCreateCmd.Flags().String("user", "", "id of the user creating the run")
	runCreateCmd.Flags().Bool("messages", false, "allocate user and assistant message seqs in the group")
	runCreateCmd.Flags().BoolP("follow", "f", false, "follow the run's events after creating it")

	runEventsCmd.Flags().Int64("after", 0, "only list events with seq greater than this")
	runEventsCmd.Flags().Int("limit", 0, "maximum number of events (server default when 0)")

	runWatchCmd.Flags().Int64("after", 0, "resume after this seq")

	runCmd.AddCommand(runCreateCmd)
	runCmd.AddCommand(runShowCmd)
	runCmd.AddCommand(runEventsCmd)
	runCmd.AddCommand(runSnapshotCmd)
	runCmd.AddCommand(runCancelCmd)
	runCmd.AddCommand(runWatchCmd)
}
