// Package server is the HTTP transport: run creation behind the admission
// gate, run inspection and cancellation, replay-then-live SSE streams,
// sequence allocation and the rate-limit admin surface.
package server

import (
	"log/slog"
	"time"

	"github.com/alfredjeanlab/runstream/internal/events"
	"github.com/alfredjeanlab/runstream/internal/hub"
	"github.com/alfredjeanlab/runstream/internal/metrics"
	"github.com/alfredjeanlab/runstream/internal/ratelimit"
	"github.com/alfredjeanlab/runstream/internal/runqueue"
	"github.com/alfredjeanlab/runstream/internal/runstore"
	"github.com/alfredjeanlab/runstream/internal/seq"
)

// sseKeepaliveInterval is how often keepalive comments are sent to prevent
// connection timeouts. Streams also re-read the event log on every keepalive.
const sseKeepaliveInterval = 15 * time.Second

// RunServer serves the runstream HTTP API.
type RunServer struct {
	store     runstore.Store
	queue     runqueue.Queue
	hub       *hub.Hub
	seq       *seq.Generator
	limiter   *ratelimit.Limiter
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	kinds     map[string]bool
	runTTL    time.Duration
	keepalive time.Duration
}

// Option configures a RunServer.
type Option func(*RunServer)

// WithSequencer enables /v1/streams and message seq allocation on run creation.
func WithSequencer(g *seq.Generator) Option { return func(s *RunServer) { s.seq = g } }

// WithLimiter puts run creation and seq allocation behind the admission gate
// and enables the admin routes.
func WithLimiter(l *ratelimit.Limiter) Option { return func(s *RunServer) { s.limiter = l } }

func WithPublisher(p events.Publisher) Option { return func(s *RunServer) { s.publisher = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *RunServer) { s.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(s *RunServer) { s.logger = l } }

// WithKinds restricts run creation to the given kinds. By default any
// non-blank kind is accepted.
func WithKinds(kinds ...string) Option {
	return func(s *RunServer) {
		s.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
}

// WithRunTTL sets the TTL of runs created through the API.
func WithRunTTL(d time.Duration) Option { return func(s *RunServer) { s.runTTL = d } }

// WithKeepalive overrides the SSE keepalive interval.
func WithKeepalive(d time.Duration) Option { return func(s *RunServer) { s.keepalive = d } }

// New returns a RunServer backed by the given store, queue and hub.
func New(store runstore.Store, queue runqueue.Queue, h *hub.Hub, opts ...Option) *RunServer {
	s := &RunServer{
		store:     store,
		queue:     queue,
		hub:       h,
		publisher: &events.NoopPublisher{},
		logger:    slog.Default(),
		keepalive: sseKeepaliveInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	return s
}
