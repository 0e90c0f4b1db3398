// Package archive exports a finished run's event log as JSONL and ships it to
// long-term storage before the run's state expires from the cache.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/alfredjeanlab/runstream/internal/runstore"
)

// Destination is a storage target for exported runs.
type Destination interface {
	// Write stores data under key.
	Write(ctx context.Context, key string, data []byte) error
}

// Archiver exports runs from a store to one or more destinations.
type Archiver struct {
	store        runstore.Store
	destinations []Destination
	prefix       string
	logger       *slog.Logger
}

// New creates an Archiver. Object keys are {prefix}/{kind}/{runID}.jsonl.
func New(s runstore.Store, destinations []Destination, prefix string, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:        s,
		destinations: destinations,
		prefix:       prefix,
		logger:       logger.With("component", "archive"),
	}
}

// Key returns the object key of a run's export.
func (a *Archiver) Key(kind, runID string) string {
	return path.Join(a.prefix, kind, runID+".jsonl")
}

// ArchiveRun exports one run and writes it to every destination. All
// destinations are attempted; their errors are joined.
func (a *Archiver) ArchiveRun(ctx context.Context, kind, runID string) error {
	var buf bytes.Buffer
	if err := ExportJSONL(ctx, a.store, kind, runID, &buf); err != nil {
		return fmt.Errorf("export %s/%s: %w", kind, runID, err)
	}
	data := buf.Bytes()
	key := a.Key(kind, runID)

	var errs []error
	for i, dest := range a.destinations {
		if err := dest.Write(ctx, key, data); err != nil {
			a.logger.Error("archive destination write failed",
				"destination", fmt.Sprintf("%d", i), "key", key, "err", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	a.logger.Info("run archived", "kind", kind, "run_id", runID,
		"destinations", len(a.destinations), "bytes", len(data))
	return nil
}
