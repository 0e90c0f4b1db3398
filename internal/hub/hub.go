// Package hub is the in-process stream hub: it fans live broadcasts out to
// every subscriber of a channel. It is not durable; a client that misses
// broadcasts recovers them from the run event log.
package hub

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alfredjeanlab/runstream/internal/metrics"
	"github.com/alfredjeanlab/runstream/internal/model"
)

// DefaultQueueCap is the per-subscriber queue bound. When a subscriber falls
// this far behind, its oldest pending broadcast is dropped.
const DefaultQueueCap = 10000

// Forwarder receives every broadcast published on this node so it can be
// delivered to other nodes.
type Forwarder interface {
	Forward(b model.Broadcast)
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueCap overrides DefaultQueueCap. n <= 0 keeps the default.
func WithQueueCap(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueCap = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// Hub maps channel ids to their live subscriptions.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]*Subscription
	fwd      Forwarder

	queueCap int
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New creates an empty Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		channels: make(map[string]map[string]*Subscription),
		queueCap: DefaultQueueCap,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hub")
	return h
}

// SetForwarder installs f to receive local publishes. Pass nil to remove it.
func (h *Hub) SetForwarder(f Forwarder) {
	h.mu.Lock()
	h.fwd = f
	h.mu.Unlock()
}

// Subscribe registers a new subscription on channelID.
func (h *Hub) Subscribe(channelID string) (*Subscription, error) {
	if err := model.ValidateIDs("channel_id", channelID); err != nil {
		return nil, err
	}
	s := &Subscription{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		hub:       h,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	subs, ok := h.channels[channelID]
	if !ok {
		subs = make(map[string]*Subscription)
		h.channels[channelID] = subs
	}
	subs[s.ID] = s
	h.mu.Unlock()

	h.metrics.SubscriberAdded()
	return s, nil
}

// remove detaches s from its channel. It reports whether s was attached.
func (h *Hub) remove(s *Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.channels[s.ChannelID]
	if !ok {
		return false
	}
	if _, ok := subs[s.ID]; !ok {
		return false
	}
	delete(subs, s.ID)
	if len(subs) == 0 {
		delete(h.channels, s.ChannelID)
	}
	return true
}

// Publish delivers b to every subscriber of channelID and to the forwarder,
// if any. It never blocks on a subscriber and returns the number of local
// subscriptions that received b. A blank channelID is dropped.
func (h *Hub) Publish(channelID string, b model.Broadcast) int {
	if strings.TrimSpace(channelID) == "" {
		return 0
	}
	b.ChannelID = channelID
	n := h.deliver(b)

	h.mu.RLock()
	fwd := h.fwd
	h.mu.RUnlock()
	if fwd != nil {
		fwd.Forward(b)
	}
	return n
}

// PublishLocal delivers b to this node's subscribers only. The relay uses it
// for broadcasts that originated on another node.
func (h *Hub) PublishLocal(b model.Broadcast) int {
	return h.deliver(b)
}

func (h *Hub) deliver(b model.Broadcast) int {
	if b.ChannelID == "" {
		return 0
	}
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.channels[b.ChannelID]))
	for _, s := range h.channels[b.ChannelID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	n := 0
	for _, s := range targets {
		delivered, dropped := s.push(b, h.queueCap, h.now())
		if dropped {
			h.metrics.BroadcastDropped()
			h.logger.Debug("dropped oldest broadcast for slow subscriber",
				"channel_id", b.ChannelID, "subscription_id", s.ID)
		}
		if delivered {
			n++
		}
	}
	return n
}

// Subscribers returns the number of live subscriptions on channelID.
func (h *Hub) Subscribers(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channelID])
}

// PublishMessage broadcasts a complete message at its group seq.
func (h *Hub) PublishMessage(channelID string, seq int64, messageID string, message json.RawMessage) int {
	return h.Publish(channelID, model.Broadcast{
		Type:      model.BroadcastMessage,
		Seq:       &seq,
		MessageID: messageID,
		Message:   message,
	})
}

// PublishMessageUpdated broadcasts a new version of an existing message.
func (h *Hub) PublishMessageUpdated(channelID string, seq int64, messageID string, message json.RawMessage) int {
	return h.Publish(channelID, model.Broadcast{
		Type:      model.BroadcastMessageUpdated,
		Seq:       &seq,
		MessageID: messageID,
		Message:   message,
	})
}

// PublishDelta broadcasts an incremental chunk of text for a message block.
func (h *Hub) PublishDelta(channelID, messageID, blockID, delta string, isFirstChunk bool) int {
	return h.Publish(channelID, model.Broadcast{
		Type:         model.BroadcastDelta,
		MessageID:    messageID,
		BlockID:      blockID,
		DeltaContent: delta,
		IsFirstChunk: isFirstChunk,
	})
}

func (h *Hub) PublishBlockEnd(channelID, messageID, blockID string) int {
	return h.Publish(channelID, model.Broadcast{
		Type:      model.BroadcastBlockEnd,
		MessageID: messageID,
		BlockID:   blockID,
	})
}

func (h *Hub) PublishCitations(channelID, messageID string, citations []model.Citation) int {
	return h.Publish(channelID, model.Broadcast{
		Type:      model.BroadcastCitations,
		MessageID: messageID,
		Citations: citations,
	})
}

// PublishRunEvent mirrors an appended run event. The event seq is carried so
// stream readers can detect gaps against the event log.
func (h *Hub) PublishRunEvent(channelID string, ev model.RunEventRecord) int {
	seq := ev.Seq
	return h.Publish(channelID, model.Broadcast{
		Type:  model.BroadcastRunEvent,
		Seq:   &seq,
		Event: &ev,
	})
}
