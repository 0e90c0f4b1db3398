// Package runner is the worker envelope: it dequeues run ids, executes them
// with a registered Executor, watches the cancel flag, and records a terminal
// status and event for every run it starts.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/runstream/internal/events"
	"github.com/alfredjeanlab/runstream/internal/hub"
	"github.com/alfredjeanlab/runstream/internal/metrics"
	"github.com/alfredjeanlab/runstream/internal/model"
	"github.com/alfredjeanlab/runstream/internal/runqueue"
	"github.com/alfredjeanlab/runstream/internal/runstore"
)

// Executor runs the domain logic of one kind of run. It must return promptly
// once ctx is cancelled.
type Executor interface {
	Execute(ctx context.Context, run *Run) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, run *Run) error

func (f ExecutorFunc) Execute(ctx context.Context, run *Run) error { return f(ctx, run) }

// Archiver exports a finished run.
type Archiver interface {
	ArchiveRun(ctx context.Context, kind, runID string) error
}

// Config controls the pool.
type Config struct {
	// Workers is the number of concurrent workers per kind. Default 4.
	Workers int
	// DequeueTimeout bounds each blocking dequeue. Default 5s.
	DequeueTimeout time.Duration
	// CancelPollInterval is how often a running run's cancel flag is read.
	// Default 500ms.
	CancelPollInterval time.Duration
	// RunTTL is passed to every store write. Zero uses the store default.
	RunTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = 5 * time.Second
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = 500 * time.Millisecond
	}
	return c
}

// Pool executes runs taken from the queue.
type Pool struct {
	cfg      Config
	store    runstore.Store
	queue    runqueue.Queue
	hub      *hub.Hub
	pub      events.Publisher
	archiver Archiver
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu        sync.RWMutex
	executors map[string]Executor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithHub broadcasts run events and chat updates through h.
func WithHub(h *hub.Hub) Option { return func(p *Pool) { p.hub = h } }

// WithPublisher publishes lifecycle events.
func WithPublisher(pub events.Publisher) Option { return func(p *Pool) { p.pub = pub } }

// WithArchiver exports every finished run.
func WithArchiver(a Archiver) Option { return func(p *Pool) { p.archiver = a } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pool) { p.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

// NewPool creates a pool. Register executors before calling Start.
func NewPool(cfg Config, store runstore.Store, queue runqueue.Queue, opts ...Option) *Pool {
	p := &Pool{
		cfg:       cfg.withDefaults(),
		store:     store,
		queue:     queue,
		pub:       &events.NoopPublisher{},
		logger:    slog.Default(),
		executors: make(map[string]Executor),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "runner")
	return p
}

// Register binds an executor to a run kind.
func (p *Pool) Register(kind string, e Executor) {
	p.mu.Lock()
	p.executors[kind] = e
	p.mu.Unlock()
}

// Kinds returns the registered kinds.
func (p *Pool) Kinds() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	kinds := make([]string, 0, len(p.executors))
	for k := range p.executors {
		kinds = append(kinds, k)
	}
	return kinds
}

func (p *Pool) executor(kind string) (Executor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.executors[kind]
	return e, ok
}

// Start launches cfg.Workers workers for every registered kind.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, kind := range p.Kinds() {
		for i := 0; i < p.cfg.Workers; i++ {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.work(ctx, kind, i)
			}()
		}
	}
	p.logger.Info("worker pool started", "kinds", p.Kinds(), "workers", p.cfg.Workers)
}

// Stop cancels the workers and waits for them to return. Runs in progress
// are failed with CodeShutdown.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) work(ctx context.Context, kind string, worker int) {
	logger := p.logger.With("kind", kind, "worker", worker)
	for {
		if ctx.Err() != nil {
			return
		}
		runID, ok, err := p.queue.Dequeue(ctx, kind, p.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, runqueue.ErrClosed) {
				return
			}
			logger.Error("dequeue failed", "error", err)
			if sleepCtx(ctx, time.Second) != nil {
				return
			}
			continue
		}
		if !ok {
			continue
		}
		if err := p.Process(ctx, kind, runID); err != nil {
			logger.Error("run processing failed", "run_id", runID, "error", err)
		}
	}
}

// Process executes one dequeued run to completion. The returned error covers
// infrastructure failures only; executor failures are recorded on the run.
func (p *Pool) Process(ctx context.Context, kind, runID string) error {
	logger := p.logger.With("kind", kind, "run_id", runID)

	meta, err := p.store.GetRun(ctx, kind, runID)
	if errors.Is(err, runstore.ErrNotFound) {
		logger.Warn("dequeued run has no metadata, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if meta.Status.IsTerminal() {
		logger.Debug("run already finished, skipping", "status", meta.Status)
		return nil
	}

	run := &Run{pool: p, meta: meta, lastSeq: meta.LastSeq}
	if meta.CancelRequested {
		return p.finish(ctx, run, model.StatusCancelled, nil, time.Now())
	}
	exec, ok := p.executor(kind)
	if !ok {
		return p.finish(ctx, run, model.StatusFailed,
			NewCodedError(CodeUnknownKind, "no executor registered for kind "+kind), time.Now())
	}

	started := time.Now().UTC()
	meta.Status = model.StatusRunning
	meta.StartedAt = &started
	if err := p.store.SetRun(ctx, kind, meta, p.cfg.RunTTL); err != nil {
		if errors.Is(err, runstore.ErrInvalidTransition) {
			logger.Info("run moved on before start, skipping", "error", err)
			return nil
		}
		return fmt.Errorf("mark running: %w", err)
	}
	p.publish(ctx, events.TopicRunStarted, events.RunStarted{Run: meta.Clone()})
	logger.Info("run started")

	runCtx, cancel := context.WithCancelCause(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		p.watchCancel(runCtx, cancel, kind, runID)
	}()

	execErr := p.execute(runCtx, exec, run)
	cancelled := errors.Is(context.Cause(runCtx), errCancelRequested)
	cancel(nil)
	<-watchDone

	// The flag may have been set after the last poll.
	if !cancelled {
		if flagged, err := p.store.IsCancelRequested(context.WithoutCancel(ctx), kind, runID); err == nil && flagged {
			cancelled = true
		}
	}

	switch {
	case cancelled:
		return p.finish(ctx, run, model.StatusCancelled, nil, started)
	case run.appendFailure() != nil:
		return p.finish(ctx, run, model.StatusFailed, run.appendFailure(), started)
	case execErr != nil && ctx.Err() != nil:
		return p.finish(ctx, run, model.StatusFailed,
			&CodedError{Code: CodeShutdown, Message: "worker stopped", Err: execErr}, started)
	case execErr != nil:
		return p.finish(ctx, run, model.StatusFailed, execErr, started)
	default:
		return p.finish(ctx, run, model.StatusSucceeded, nil, started)
	}
}

// execute runs the executor, turning a panic into a failure.
func (p *Pool) execute(ctx context.Context, exec Executor, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewCodedError(CodePanic, fmt.Sprint(r))
		}
	}()
	return exec.Execute(ctx, run)
}

// watchCancel polls the cancel flag and cancels the run's context when set.
func (p *Pool) watchCancel(ctx context.Context, cancel context.CancelCauseFunc, kind, runID string) {
	ticker := time.NewTicker(p.cfg.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flagged, err := p.store.IsCancelRequested(ctx, kind, runID)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("cancel poll failed", "kind", kind, "run_id", runID, "error", err)
				}
				continue
			}
			if flagged {
				cancel(errCancelRequested)
				return
			}
		}
	}
}

// finish appends the terminal event, writes the terminal status and
// publishes the outcome. It runs detached from ctx cancellation so a
// stopping pool still records why the run ended.
func (p *Pool) finish(ctx context.Context, run *Run, status model.RunStatus, runErr error, started time.Time) error {
	ctx = context.WithoutCancel(ctx)
	meta := run.meta
	logger := p.logger.With("kind", meta.Kind, "run_id", meta.RunID)

	var (
		eventName string
		payload   any
	)
	switch status {
	case model.StatusSucceeded:
		eventName = model.EventDone
	case model.StatusCancelled:
		eventName = model.EventCancelled
	default:
		meta.ErrorCode, meta.ErrorMessage = classify(runErr)
		eventName = model.EventError
		payload = map[string]string{"code": meta.ErrorCode, "message": meta.ErrorMessage}
	}

	if _, err := run.Emit(ctx, eventName, payload); err != nil && status != model.StatusFailed {
		// Without its terminal event the run cannot be reported as a success.
		status = model.StatusFailed
		meta.ErrorCode, meta.ErrorMessage = classify(err)
	}

	ended := time.Now().UTC()
	meta.Status = status
	meta.EndedAt = &ended
	if err := p.store.SetRun(ctx, meta.Kind, meta, p.cfg.RunTTL); err != nil {
		if errors.Is(err, runstore.ErrInvalidTransition) {
			logger.Warn("terminal status rejected", "status", status, "error", err)
			return nil
		}
		return fmt.Errorf("mark %s: %w", status, err)
	}

	duration := ended.Sub(started)
	p.metrics.RunFinished(meta.Kind, string(status), duration.Seconds())
	p.publish(ctx, events.TopicRunFinished, events.RunFinished{Run: meta.Clone(), Duration: duration})
	logger.Info("run finished", "status", status, "error_code", meta.ErrorCode, "duration", duration)

	if p.archiver != nil {
		if err := p.archiver.ArchiveRun(ctx, meta.Kind, meta.RunID); err != nil {
			logger.Error("archive failed", "error", err)
		}
	}
	return nil
}

func (p *Pool) publish(ctx context.Context, topic string, event any) {
	if err := p.pub.Publish(ctx, topic, event); err != nil {
		p.logger.Warn("lifecycle publish failed", "topic", topic, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
