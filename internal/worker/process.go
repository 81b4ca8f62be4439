package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harborview/inspection-be/internal/broker"
	"github.com/harborview/inspection-be/internal/job"
	"github.com/harborview/inspection-be/internal/jobstore"
)

// process runs one delivery through the full per-message state machine:
// received -> handler running -> ack | nack(requeue=false).
func (w *Worker) process(ctx context.Context, workerName string, d broker.Delivery) {
	var msg job.Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		// Poison message: it can never be retried, so acknowledge and log.
		w.logger.Error("Discarding undecodable message",
			slog.String("worker_name", workerName),
			slog.String("body", string(d.Body)),
			slog.Any("error", err),
		)
		if ackErr := d.Ack(); ackErr != nil {
			w.logger.Error("Failed to ACK poison message",
				slog.Any("error", ackErr),
			)
		}
		return
	}

	w.logger.Info("Worker received job",
		slog.String("worker_name", workerName),
		slog.String("job_id", msg.JobID),
	)

	err := w.runJob(ctx, msg.JobID)
	if err != nil {
		w.logger.Error("Job processing failed",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
			slog.Any("error", err),
		)
		// Handler failures are terminal for this attempt: no transport-level
		// redelivery. Retries, if any, are a caller-initiated concern.
		if nackErr := d.Nack(false); nackErr != nil {
			w.logger.Error("Failed to NACK message",
				slog.String("job_id", msg.JobID),
				slog.Any("error", nackErr),
			)
		}
		return
	}

	if ackErr := d.Ack(); ackErr != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("job_id", msg.JobID),
			slog.Any("error", ackErr),
		)
		return
	}

	w.logger.Info("Job completed successfully",
		slog.String("worker_name", workerName),
		slog.String("job_id", msg.JobID),
	)
}

// runJob resolves the job record, transitions it to processing and invokes
// its handler. Any returned error has already been recorded on the job.
func (w *Worker) runJob(ctx context.Context, jobID string) error {
	j, err := w.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			// The record is gone; nothing to record the failure on either.
			w.logger.Warn("Job record not found, discarding message",
				slog.String("job_id", jobID),
			)
			return nil
		}
		return w.fail(ctx, jobID, fmt.Errorf("failed to load job: %w", err))
	}

	if job.Terminal(j.Status) {
		// Redelivered after completion or cancelled while queued.
		w.logger.Info("Job already in terminal state, skipping",
			slog.String("job_id", jobID),
			slog.String("status", j.Status),
		)
		return nil
	}

	handler := w.registry.Resolve(j.Type)
	if handler == nil {
		return w.fail(ctx, jobID, fmt.Errorf("%w: %q", job.ErrUnknownType, j.Type))
	}

	if _, err := w.store.IncrementAttempts(ctx, jobID); err != nil {
		w.logger.Warn("Failed to increment job attempts",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}

	setupProgress := 10
	if _, err := w.store.UpdateProgress(ctx, jobID, jobstore.ProgressUpdate{
		Status:   job.StatusProcessing,
		Progress: &setupProgress,
		Message:  "Processing started",
	}); err != nil {
		return w.fail(ctx, jobID, fmt.Errorf("failed to mark job processing: %w", err))
	}

	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	reporter := &storeReporter{store: w.store, jobID: jobID}
	if err := handler.Execute(jobCtx, j, reporter); err != nil {
		return w.fail(ctx, jobID, err)
	}

	// Success: the handler owns the terminal transition and has already
	// called MarkCompleted.
	return nil
}

// fail records the failure on the job and returns the error for the nack
// decision. The raw handler error message is captured verbatim.
func (w *Worker) fail(ctx context.Context, jobID string, jobErr error) error {
	if _, err := w.store.MarkFailed(ctx, jobID, jobErr); err != nil {
		w.logger.Error("Failed to mark job failed",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
	return jobErr
}

// storeReporter binds handler progress calls to the job store.
type storeReporter struct {
	store jobstore.Store
	jobID string
}

func (r *storeReporter) Report(ctx context.Context, progress int, message string) error {
	_, err := r.store.UpdateProgress(ctx, r.jobID, jobstore.ProgressUpdate{
		Progress: &progress,
		Message:  message,
	})
	return err
}
