package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/alfredjeanlab/runstream/internal/events"
	"github.com/alfredjeanlab/runstream/internal/model"
)

// envelope is the wire form of a relayed broadcast.
type envelope struct {
	Node      string          `json:"node"`
	Broadcast model.Broadcast `json:"broadcast"`
}

// Relay connects a Hub to the event bus so that a broadcast published on any
// node reaches subscribers on every node. Broadcasts a node sent itself are
// ignored on the way back in.
type Relay struct {
	hub    *Hub
	pub    events.Publisher
	sub    events.Subscriber
	nodeID string
	logger *slog.Logger

	mu     sync.Mutex
	cancel func()
	done   chan struct{}
}

// NewRelay creates a relay for h. Call Start to begin relaying.
func NewRelay(h *Hub, pub events.Publisher, sub events.Subscriber, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		hub:    h,
		pub:    pub,
		sub:    sub,
		nodeID: uuid.NewString(),
		logger: logger.With("component", "hub-relay"),
	}
}

// NodeID identifies this node on the bus.
func (r *Relay) NodeID() string { return r.nodeID }

// Start subscribes to the broadcast topic and installs the relay as the
// hub's forwarder.
func (r *Relay) Start() error {
	ch, cancel, err := r.sub.Subscribe(events.TopicBroadcast)
	if err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.consume(ch)
	r.hub.SetForwarder(r)
	r.logger.Info("relay started", "node_id", r.nodeID, "topic", events.TopicBroadcast)
	return nil
}

func (r *Relay) consume(ch <-chan []byte) {
	defer close(r.done)
	for data := range ch {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			r.logger.Warn("dropping malformed relayed broadcast", "error", err)
			continue
		}
		if env.Node == r.nodeID {
			continue
		}
		r.hub.PublishLocal(env.Broadcast)
	}
}

// Forward implements Forwarder.
func (r *Relay) Forward(b model.Broadcast) {
	env := envelope{Node: r.nodeID, Broadcast: b}
	if err := r.pub.Publish(context.Background(), events.TopicBroadcast, env); err != nil {
		r.logger.Warn("relay publish failed", "channel_id", b.ChannelID, "error", err)
	}
}

// Stop detaches the relay from the hub and the bus.
func (r *Relay) Stop() {
	r.hub.SetForwarder(nil)
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
