package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/harborview/inspection-be/internal/broker"
	"github.com/harborview/inspection-be/internal/jobstore"
)

// Config holds worker runtime configuration.
type Config struct {
	Logger      *slog.Logger
	Store       jobstore.Store
	Broker      broker.Broker
	Registry    *Registry
	Concurrency int
	JobTimeout  time.Duration
}

// Worker consumes job messages from the broker and runs them through the
// registered handlers. A dispatcher feeds deliveries into a bounded pool of
// goroutines; the broker's prefetch bounds unacknowledged messages per
// process, so each message is owned by exactly one in-flight handler.
type Worker struct {
	logger      *slog.Logger
	store       jobstore.Store
	broker      broker.Broker
	registry    *Registry
	concurrency int
	jobTimeout  time.Duration
	workerID    string

	jobsChan chan broker.Delivery
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWorker creates a worker runtime instance.
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	hostname, _ := os.Hostname()

	return &Worker{
		logger:      cfg.Logger,
		store:       cfg.Store,
		broker:      cfg.Broker,
		registry:    cfg.Registry,
		concurrency: concurrency,
		jobTimeout:  cfg.JobTimeout,
		workerID:    fmt.Sprintf("worker-%s-%d", hostname, os.Getpid()),
		jobsChan:    make(chan broker.Delivery),
		stopChan:    make(chan struct{}),
	}
}

// Start begins consuming and processing jobs until ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	if err := w.broker.EnsureTopology(ctx); err != nil {
		return fmt.Errorf("failed to ensure broker topology: %w", err)
	}

	w.spawnWorkerPool(ctx)

	err := w.broker.Consume(ctx, func(msgCtx context.Context, d broker.Delivery) {
		select {
		case w.jobsChan <- d:
		case <-msgCtx.Done():
			// Shutting down mid-dispatch: requeue so another process picks it up.
			if nackErr := d.Nack(true); nackErr != nil {
				w.logger.Error("Failed to NACK message on shutdown",
					slog.Any("error", nackErr),
				)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Worker started",
		slog.String("worker_id", w.workerID),
	)

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop gracefully stops the worker, waiting for in-flight handlers.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...",
		slog.String("worker_id", w.workerID),
	)
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
