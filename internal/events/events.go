// Package events is the run lifecycle event bus. Workers publish lifecycle
// transitions and live broadcasts; web nodes and external consumers subscribe.
package events

import (
	"context"
	"time"

	"github.com/alfredjeanlab/runstream/internal/model"
)

// Event topic constants. Subjects follow NATS conventions, so subscribers can
// use "runstream.run.>" to receive every lifecycle event.
const (
	TopicRunCreated         = "runstream.run.created"
	TopicRunStarted         = "runstream.run.started"
	TopicRunFinished        = "runstream.run.finished"
	TopicRunCancelRequested = "runstream.run.cancel_requested"

	// TopicBroadcast carries hub broadcasts between nodes.
	TopicBroadcast = "runstream.broadcast"
)

// Event types

type RunCreated struct {
	Run *model.RunMeta `json:"run"`
}

type RunStarted struct {
	Run *model.RunMeta `json:"run"`
}

type RunFinished struct {
	Run      *model.RunMeta `json:"run"`
	Duration time.Duration  `json:"duration_ns"`
}

type RunCancelRequested struct {
	Kind  string `json:"kind"`
	RunID string `json:"run_id"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// Subscriber receives events from the event bus.
type Subscriber interface {
	// Subscribe delivers raw event payloads on the returned channel.
	// Call the returned cancel function to unsubscribe and close the channel.
	Subscribe(topic string) (<-chan []byte, func(), error)
	Close() error
}
