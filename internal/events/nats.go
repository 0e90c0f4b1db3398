package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// subscriptionBuffer is the per-subscription channel depth. Messages beyond
// it are dropped rather than blocking the NATS client.
const subscriptionBuffer = 256

// NATSBus publishes and subscribes over a single NATS connection.
type NATSBus struct {
	conn   *nats.Conn
	logger *slog.Logger
}

var (
	_ Publisher  = (*NATSBus)(nil)
	_ Subscriber = (*NATSBus)(nil)
)

// Connect dials url with automatic reconnection. Extra options (e.g.
// disconnect handlers) are appended to the defaults.
func Connect(url string, logger *slog.Logger, opts ...nats.Option) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events")
	defaults := []nats.Option{
		nats.Name("runstream"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSBus{conn: nc, logger: logger}, nil
}

func (b *NATSBus) Publish(_ context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return b.conn.Publish(topic, data)
}

// Subscribe returns a channel of raw payloads for topic (NATS wildcards such
// as "runstream.run.>" are allowed).
func (b *NATSBus) Subscribe(topic string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, subscriptionBuffer)

	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)

	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- msg.Data:
		default:
			b.logger.Warn("dropping event for slow subscriber", "topic", msg.Subject)
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	// The subscription must be registered on the server before returning,
	// or messages published on other connections are not routed to it.
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		close(ch)
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			mu.Unlock()
			for {
				select {
				case <-ch:
				default:
					close(ch)
					return
				}
			}
		})
	}
	return ch, cancel, nil
}

// Flush waits until the server has processed everything published so far.
func (b *NATSBus) Flush() error {
	return b.conn.Flush()
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}
