package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/alfredjeanlab/runstream/internal/archive"
	"github.com/alfredjeanlab/runstream/internal/config"
	"github.com/alfredjeanlab/runstream/internal/events"
	"github.com/alfredjeanlab/runstream/internal/hub"
	"github.com/alfredjeanlab/runstream/internal/metrics"
	"github.com/alfredjeanlab/runstream/internal/model"
	"github.com/alfredjeanlab/runstream/internal/ratelimit"
	"github.com/alfredjeanlab/runstream/internal/runner"
	"github.com/alfredjeanlab/runstream/internal/runqueue"
	"github.com/alfredjeanlab/runstream/internal/runstore"
	"github.com/alfredjeanlab/runstream/internal/seq"
	"github.com/alfredjeanlab/runstream/internal/seq/mongosource"
	"github.com/alfredjeanlab/runstream/internal/seq/pgsource"
	"github.com/alfredjeanlab/runstream/internal/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the runstream server and workers",
	GroupID: "system",
	// The server does not talk to another runstream instance.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
		slog.SetDefault(logger)

		var closers []io.Closer
		defer func() {
			for i := len(closers) - 1; i >= 0; i-- {
				if err := closers[i].Close(); err != nil {
					logger.Error("error during close", "err", err)
				}
			}
		}()

		// Metrics.
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m := metrics.New(reg)

		// Run state, queue and sequence counter.
		var (
			store   runstore.Store
			queue   runqueue.Queue
			counter seq.Counter
			limiter *ratelimit.Limiter
		)
		switch cfg.Backend {
		case config.BackendRedis:
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("parsing RUNSTREAM_REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			closers = append(closers, rdb)
			pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = rdb.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				return fmt.Errorf("connecting to redis: %w", err)
			}

			store = runstore.NewRedisStore(rdb, cfg.RedisPrefix, cfg.RunTTL)
			queue = runqueue.NewRedisQueue(rdb, cfg.RedisPrefix)
			counter = seq.NewRedisCounter(rdb, cfg.RedisPrefix)
			limiter = ratelimit.New(rdb, cfg.RedisPrefix,
				ratelimit.WithDefaults(model.RateLimitConfig{
					MaxRequestsPerMinute:  cfg.RateRPM,
					MaxConcurrentRequests: cfg.RateConcurrent,
				}),
				ratelimit.WithLogger(logger),
				ratelimit.WithMetrics(m),
			)
			logger.Info("redis backend enabled", "addr", opt.Addr, "prefix", cfg.RedisPrefix)
		default:
			store = runstore.NewMemoryStore()
			queue = runqueue.NewMemoryQueue()
			counter = seq.NewMemoryCounter()
			logger.Warn("memory backend: state is not shared and admission control is disabled")
		}
		closers = append(closers, store)

		// Durable sequence source.
		var source seq.Source
		switch {
		case cfg.MongoURI != "":
			connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			mc, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
			cancel()
			if err != nil {
				return fmt.Errorf("connecting to mongo: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = mc.Disconnect(ctx)
			}()
			source = mongosource.New(mc.Database(cfg.MongoDB).Collection(cfg.MongoCollection), "", "")
			logger.Info("seq source: mongo", "db", cfg.MongoDB, "collection", cfg.MongoCollection)
		case cfg.DatabaseURL != "":
			src, db, err := pgsource.Open(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			closers = append(closers, db)
			source = src
			logger.Info("seq source: postgres")
		default:
			logger.Info("seq source disabled, issuing from counter only")
		}
		gen := seq.New(counter, source, seq.WithLogger(logger), seq.WithMetrics(m))

		// Hub and event bus.
		h := hub.New(hub.WithLogger(logger), hub.WithMetrics(m))
		h.StartReaper(nil)

		var publisher events.Publisher = &events.NoopPublisher{}
		var relay *hub.Relay
		if cfg.NATSURL != "" {
			bus, err := events.Connect(cfg.NATSURL, logger)
			if err != nil {
				h.Stop()
				return err
			}
			closers = append(closers, bus)
			publisher = bus
			relay = hub.NewRelay(h, bus, bus, logger)
			if err := relay.Start(); err != nil {
				h.Stop()
				return err
			}
			logger.Info("events enabled", "nats_url", cfg.NATSURL, "node", relay.NodeID())
		} else {
			logger.Info("events disabled (RUNSTREAM_NATS_URL not set)")
		}

		// Archiving.
		var archiver *archive.Archiver
		if cfg.ArchiveS3Bucket != "" {
			dest, err := archive.NewS3Destination(context.Background(),
				cfg.ArchiveS3Bucket, cfg.ArchiveS3Region, cfg.ArchiveS3Endpoint)
			if err != nil {
				logger.Error("failed to create S3 archive destination", "err", err)
			} else {
				archiver = archive.New(store, []archive.Destination{dest}, cfg.ArchiveS3Prefix, logger)
				logger.Info("archive enabled", "bucket", cfg.ArchiveS3Bucket, "prefix", cfg.ArchiveS3Prefix)
			}
		}

		// Workers.
		poolOpts := []runner.Option{
			runner.WithHub(h),
			runner.WithPublisher(publisher),
			runner.WithMetrics(m),
			runner.WithLogger(logger),
		}
		if archiver != nil {
			poolOpts = append(poolOpts, runner.WithArchiver(archiver))
		}
		pool := runner.NewPool(runner.Config{
			Workers:            cfg.Workers,
			DequeueTimeout:     cfg.DequeueTimeout,
			CancelPollInterval: cfg.CancelPoll,
			RunTTL:             cfg.RunTTL,
		}, store, queue, poolOpts...)
		for _, kind := range cfg.Kinds {
			if kind == runner.EchoKind {
				pool.Register(kind, runner.EchoExecutor{})
			} else {
				logger.Warn("no executor for kind; runs are accepted but need an external worker", "kind", kind)
			}
		}

		if cfg.Workers > 0 {
			pool.Start(context.Background())
		} else {
			logger.Info("workers disabled (RUNSTREAM_WORKERS=0), serving API only")
		}

		// HTTP API.
		srvOpts := []server.Option{
			server.WithSequencer(gen),
			server.WithPublisher(publisher),
			server.WithMetrics(m),
			server.WithLogger(logger),
			server.WithKinds(cfg.Kinds...),
			server.WithRunTTL(cfg.RunTTL),
		}
		if limiter != nil {
			srvOpts = append(srvOpts, server.WithLimiter(limiter))
		}
		rs := server.New(store, queue, h, srvOpts...)
		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           rs.NewHTTPHandler(cfg.AuthToken),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr, "auth", cfg.AuthToken != "")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		// Wait for SIGINT, SIGTERM or a listener failure.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		var serveErr error
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
		case serveErr = <-errCh:
			logger.Error("HTTP server error", "err", serveErr)
		}

		// Graceful shutdown: stop accepting requests, then drain workers.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		pool.Stop()
		logger.Info("workers stopped")

		if relay != nil {
			relay.Stop()
		}
		h.Stop()
		if err := queue.Close(); err != nil {
			logger.Error("error closing queue", "err", err)
		}

		logger.Info("shutdown complete")
		return serveErr
	},
}
