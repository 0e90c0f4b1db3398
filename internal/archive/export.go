package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/alfredjeanlab/runstream/internal/model"
	"github.com/alfredjeanlab/runstream/internal/runstore"
)

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version    string         `json:"version"`
	Type       string         `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Run        *model.RunMeta `json:"run"`
	EventCount int64          `json:"event_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ExportJSONL writes a run's metadata, every event in seq order and the
// latest snapshot (if any) to w as JSONL.
func ExportJSONL(ctx context.Context, s runstore.Store, kind, runID string, w io.Writer) error {
	meta, err := s.GetRun(ctx, kind, runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}

	var events []model.RunEventRecord
	var after int64
	for {
		page, err := s.GetEvents(ctx, kind, runID, after, runstore.MaxEventsLimit)
		if err != nil {
			return fmt.Errorf("get events after %d: %w", after, err)
		}
		events = append(events, page...)
		if len(page) < runstore.MaxEventsLimit {
			break
		}
		after = page[len(page)-1].Seq
	}

	snap, err := s.GetSnapshot(ctx, kind, runID)
	if err != nil && !errors.Is(err, runstore.ErrNotFound) {
		return fmt.Errorf("get snapshot: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:    "1",
		Type:       "header",
		Timestamp:  time.Now().UTC(),
		Run:        meta,
		EventCount: int64(len(events)),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	for _, ev := range events {
		if err := enc.Encode(record{Type: "event", Data: ev}); err != nil {
			return fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
	}

	if snap != nil {
		if err := enc.Encode(record{Type: "snapshot", Data: snap}); err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
	}
	return nil
}
