// Package client provides a transport-agnostic interface for the runstream
// service and an HTTP/JSON implementation that talks to its REST API.
package client

import (
	"context"
	"encoding/json"

	"github.com/alfredjeanlab/runstream/internal/model"
)

// RunClient is the interface CLI commands use to talk to a runstream server.
type RunClient interface {
	// Runs
	CreateRun(ctx context.Context, req *CreateRunRequest) (*model.RunMeta, error)
	GetRun(ctx context.Context, kind, runID string) (*model.RunMeta, error)
	GetEvents(ctx context.Context, kind, runID string, afterSeq int64, limit int) ([]model.RunEventRecord, error)
	GetSnapshot(ctx context.Context, kind, runID string) (*model.RunSnapshot, error)
	CancelRun(ctx context.Context, kind, runID string) error
	StreamRun(ctx context.Context, kind, runID string, afterSeq int64, fn func(model.RunEventRecord) error) error

	// Sequences
	NextSeq(ctx context.Context, streamID string) (int64, error)
	AllocatePair(ctx context.Context, streamID string) (int64, int64, error)

	// Rate limit administration
	GetGlobalLimit(ctx context.Context) (*model.RateLimitConfig, error)
	SetGlobalLimit(ctx context.Context, cfg model.RateLimitConfig) error
	ListClientLimits(ctx context.Context) (map[string]model.RateLimitConfig, error)
	GetClientLimit(ctx context.Context, clientID string) (*model.RateLimitConfig, error)
	SetClientLimit(ctx context.Context, clientID string, cfg model.RateLimitConfig) error
	DeleteClientLimit(ctx context.Context, clientID string) error
	ListExemptions(ctx context.Context) ([]string, error)
	AddExemption(ctx context.Context, clientID string) error
	RemoveExemption(ctx context.Context, clientID string) error

	// Health
	Health(ctx context.Context) (string, error)

	// Lifecycle
	Close() error
}

// CreateRunRequest holds parameters for creating a run.
type CreateRunRequest struct {
	Kind             string          `json:"kind"`
	Input            json.RawMessage `json:"input,omitempty"`
	GroupID          string          `json:"group_id,omitempty"`
	SessionID        string          `json:"session_id,omitempty"`
	CreatedByUserID  string          `json:"created_by_user_id,omitempty"`
	AllocateMessages bool            `json:"allocate_messages,omitempty"`
}
