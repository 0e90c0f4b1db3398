package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// String returns the string representation of the status.
func (s RunStatus) String() string {
	return string(s)
}

// IsValid checks whether the status is a known value.
func (s RunStatus) IsValid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// rank orders statuses along the state machine. All terminal states share a rank.
func (s RunStatus) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return 2
	}
	return -1
}

// CanTransition reports whether a run may move from one status to another.
// Rewriting the same status is always allowed; a terminal status is never left.
func CanTransition(from, to RunStatus) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() || !to.IsValid() {
		return false
	}
	if from == "" {
		return true
	}
	return to.rank() > from.rank()
}

// RunMeta is the lifecycle record of a single run.
type RunMeta struct {
	RunID           string     `json:"run_id"`
	Kind            string     `json:"kind"`
	Status          RunStatus  `json:"status"`
	LastSeq         int64      `json:"last_seq"`
	CancelRequested bool       `json:"cancel_requested"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`

	GroupID            string `json:"group_id,omitempty"`
	SessionID          string `json:"session_id,omitempty"`
	CreatedByUserID    string `json:"created_by_user_id,omitempty"`
	UserMessageID      string `json:"user_message_id,omitempty"`
	AssistantMessageID string `json:"assistant_message_id,omitempty"`
	UserMessageSeq     int64  `json:"user_message_seq,omitempty"`
	AssistantSeq       int64  `json:"assistant_seq,omitempty"`

	Input json.RawMessage `json:"input,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Clone returns a deep copy of m.
func (m *RunMeta) Clone() *RunMeta {
	if m == nil {
		return nil
	}
	c := *m
	if m.StartedAt != nil {
		t := *m.StartedAt
		c.StartedAt = &t
	}
	if m.EndedAt != nil {
		t := *m.EndedAt
		c.EndedAt = &t
	}
	if m.Input != nil {
		c.Input = append(json.RawMessage(nil), m.Input...)
	}
	return &c
}

// RunEventRecord is one entry of a run's append-only event log.
type RunEventRecord struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	EventName string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// RunSnapshot is the compacted state of a run as of Seq. Last write wins.
type RunSnapshot struct {
	Seq       int64           `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Terminal event names appended by the worker envelope.
const (
	EventDone      = "done"
	EventError     = "error"
	EventCancelled = "cancelled"
)

// ErrInvalidPayload is returned for a json.RawMessage payload that is not
// valid JSON.
var ErrInvalidPayload = errors.New("payload is not valid JSON")

// MarshalPayload converts an arbitrary payload into compact raw JSON. Raw
// messages and byte slices that already hold valid JSON are passed through
// compacted. A raw message that is not valid JSON is rejected, since it could
// never be read back; other byte slices are encoded like any other value.
func MarshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nil, nil
		}
		if !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return compact(p), nil
	case []byte:
		if json.Valid(p) {
			return compact(p), nil
		}
	}
	return json.Marshal(payload)
}

func compact(raw []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return json.RawMessage(raw)
	}
	return json.RawMessage(buf.Bytes())
}
