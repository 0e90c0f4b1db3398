package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/runstream/internal/model"
	"github.com/alfredjeanlab/runstream/internal/ui"
)

const timeLayout = "2006-01-02 15:04:05"

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printRun(w io.Writer, m *model.RunMeta) {
	fmt.Fprintf(w, "Run:         %s\n", m.RunID)
	fmt.Fprintf(w, "Kind:        %s\n", m.Kind)
	fmt.Fprintf(w, "Status:      %s\n", ui.RenderStatus(m.Status.String()))
	fmt.Fprintf(w, "Last Seq:    %d\n", m.LastSeq)
	if m.CancelRequested {
		fmt.Fprintf(w, "Cancel:      %s\n", ui.RenderMuted("requested"))
	}
	if m.GroupID != "" {
		fmt.Fprintf(w, "Group:       %s\n", m.GroupID)
	}
	if m.SessionID != "" {
		fmt.Fprintf(w, "Session:     %s\n", m.SessionID)
	}
	if m.UserMessageID != "" {
		fmt.Fprintf(w, "User Msg:    %s (seq %d)\n", m.UserMessageID, m.UserMessageSeq)
	}
	if m.AssistantMessageID != "" {
		fmt.Fprintf(w, "Reply Msg:   %s (seq %d)\n", m.AssistantMessageID, m.AssistantSeq)
	}
	fmt.Fprintf(w, "Created At:  %s\n", m.CreatedAt.Local().Format(timeLayout))
	if m.StartedAt != nil {
		fmt.Fprintf(w, "Started At:  %s\n", m.StartedAt.Local().Format(timeLayout))
	}
	if m.EndedAt != nil {
		fmt.Fprintf(w, "Ended At:    %s\n", m.EndedAt.Local().Format(timeLayout))
		if m.StartedAt != nil {
			fmt.Fprintf(w, "Duration:    %s\n", m.EndedAt.Sub(*m.StartedAt).Round(time.Millisecond))
		}
	}
	if m.ErrorCode != "" || m.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:       %s %s\n", m.ErrorCode, m.ErrorMessage)
	}
}

// printEvent writes one event as a single line: seq, name, payload.
func printEvent(w io.Writer, ev model.RunEventRecord) {
	payload := string(ev.Payload)
	if payload == "" {
		payload = ui.RenderMuted("-")
	}
	fmt.Fprintf(w, "%6d  %-10s %s\n", ev.Seq, ui.RenderEvent(ev.EventName), payload)
}

func printLimitTable(limits map[string]model.RateLimitConfig) error {
	if len(limits) == 0 {
		fmt.Println("no client overrides")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLIENT\tRPM\tCONCURRENT")
	for _, id := range sortedKeys(limits) {
		c := limits[id]
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, limitValue(c.MaxRequestsPerMinute), limitValue(c.MaxConcurrentRequests))
	}
	return w.Flush()
}

// limitValue renders an unset (zero) limit as "-", meaning inherited.
func limitValue(n int) string {
	if n == 0 {
		return ui.RenderMuted("-")
	}
	return fmt.Sprintf("%d", n)
}

func printRemoteTable(w io.Writer, cfg RemotesConfig) error {
	if len(cfg.Remotes) == 0 {
		fmt.Fprintln(w, "no remotes configured")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  NAME\tURL\tCLIENT\tTOKEN")
	for _, name := range sortedKeys(cfg.Remotes) {
		r := cfg.Remotes[name]
		marker := "  "
		if name == cfg.Active {
			marker = "* "
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\n", marker, name, r.URL, orDash(r.ClientID), orDash(redactToken(r.Token)))
	}
	return tw.Flush()
}

func printRemote(w io.Writer, name string, r Remote, active bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	suffix := ""
	if active {
		suffix = " " + ui.RenderAccent("(active)")
	}
	fmt.Fprintf(tw, "name:\t%s%s\n", name, suffix)
	fmt.Fprintf(tw, "url:\t%s\n", r.URL)
	fmt.Fprintf(tw, "client_id:\t%s\n", orDash(r.ClientID))
	fmt.Fprintf(tw, "token:\t%s\n", orDash(redactToken(r.Token)))
	return tw.Flush()
}

// redactToken shows only the last four characters of a bearer token.
// Tokens too short to hide anything are fully starred.
func redactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) < 12 {
		return strings.Repeat("*", len(token))
	}
	return "****" + token[len(token)-4:]
}

func orDash(s string) string {
	if s == "" {
		return ui.RenderMuted("-")
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
