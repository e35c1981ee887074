// Package server wires the clipping service together: HTTP surface, worker
// pool, source cache, and the optional job consumer.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/oceanbits/overlay-engine/internal/core/config"
	"github.com/oceanbits/overlay-engine/internal/core/health"
	imw "github.com/oceanbits/overlay-engine/internal/core/middleware"
	"github.com/oceanbits/overlay-engine/internal/engine"
	"github.com/oceanbits/overlay-engine/internal/jobs"
	"github.com/oceanbits/overlay-engine/internal/source"
	"github.com/oceanbits/overlay-engine/internal/worker"
)

func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// shared http client for outbound range requests
	httpTransport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	httpClient := &http.Client{Transport: httpTransport, Timeout: cfg.FetchTimeout}

	ranges := source.NewRangeCache(cfg.RangeCacheBudget,
		source.WithLogger(logger),
		source.WithHTTPClient(httpClient),
	)
	sources := source.NewSourceCache(ranges)

	pool := worker.New(engine.SourceClipFn(sources, cfg.StrictFilters),
		worker.WithPoolLogger(logger),
		worker.WithWorkerCount(cfg.WorkerCount),
		worker.WithQueueDepth(cfg.QueueDepth),
		worker.WithTaskTimeout(cfg.ClipTimeout),
	)
	defer pool.Close()

	stopConsumer, err := startConsumer(ctx, cfg.Jobs, logger)
	if err != nil {
		return fmt.Errorf("start job consumer: %w", err)
	}
	defer stopConsumer()

	r := chi.NewRouter()
	r.Use(imw.Recover())
	r.Use(imw.Logging(logger))
	r.Use(imw.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(pool))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Post("/clip", HandleClip(logger, pool.ClipFn()))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// startConsumer builds the configured queue driver and runs the job consumer
// on it. With the "none" driver it is a no-op.
func startConsumer(ctx context.Context, cfg config.JobsCfg, logger *slog.Logger) (func(), error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return func() {}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		queue, err := jobs.NewRedisQueue(ctx, rdb,
			jobs.WithStream(cfg.Stream, cfg.Group),
		)
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
		store := jobs.NewRedisStore(rdb, jobs.WithRecordTTL(cfg.RecordTTL))
		stop := runConsumer(ctx, queue, store, cfg, logger)
		return func() {
			stop()
			_ = rdb.Close()
		}, nil
	case "kafka":
		queue, err := jobs.NewKafkaQueue(
			strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic, cfg.KafkaGroupID,
			jobs.WithKafkaLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store := jobs.NewRedisStore(rdb, jobs.WithRecordTTL(cfg.RecordTTL))
		stop := runConsumer(ctx, queue, store, cfg, logger)
		return func() {
			stop()
			_ = queue.Close()
			_ = rdb.Close()
		}, nil
	default:
		return nil, fmt.Errorf("unknown job queue driver %q", cfg.Driver)
	}
}

func runConsumer(ctx context.Context, queue jobs.Queue, store jobs.Store, cfg config.JobsCfg, logger *slog.Logger) func() {
	consumer := jobs.NewConsumer(queue, store,
		jobs.WithConsumerLogger(logger),
		jobs.WithBatchSize(cfg.BatchSize),
		jobs.WithErrorBackoff(cfg.ErrorBackoff),
	)
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Run(cctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("job consumer stopped", "err", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
