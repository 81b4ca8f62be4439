package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/harborview/inspection-be/internal/broker"
	"github.com/harborview/inspection-be/internal/job"
	"github.com/harborview/inspection-be/internal/jobstore"
)

// Config holds admission-control settings.
type Config struct {
	// MaxPending is the broker backlog above which new work is rejected.
	MaxPending int

	// Priority is the hint attached to published messages.
	Priority int
}

// Gate is the admission control in front of the broker: it sheds load by
// rejecting new jobs when the backlog exceeds MaxPending. The depth check is
// deliberately unsynchronized across concurrent publishers; coarse load
// shedding is the goal, not a hard limit.
type Gate struct {
	store  jobstore.Store
	broker broker.Broker
	cfg    Config
	logger *slog.Logger
}

func New(store jobstore.Store, b broker.Broker, cfg Config, logger *slog.Logger) *Gate {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 100
	}
	return &Gate{
		store:  store,
		broker: b,
		cfg:    cfg,
		logger: logger,
	}
}

// Enqueue admits a pending job into the broker. On saturation it returns
// job.ErrSaturated and leaves the record in pending so the caller can retry.
// The store is marked queued before the publish; if the publish then fails,
// the queued write is reverted best-effort so the job does not sit queued
// with no broker message behind it. A non-positive priority falls back to
// the configured default.
func (g *Gate) Enqueue(ctx context.Context, j *job.Job, priority int) error {
	if priority <= 0 {
		priority = g.cfg.Priority
	}
	depth, err := g.broker.Depth(ctx)
	if err != nil {
		return fmt.Errorf("failed to check queue depth: %w", err)
	}

	if depth.Pending >= g.cfg.MaxPending {
		g.logger.Warn("Job admission rejected - queue saturated",
			slog.String("job_id", j.ID),
			slog.Int("pending", depth.Pending),
			slog.Int("max_pending", g.cfg.MaxPending),
		)
		return fmt.Errorf("%w: %d pending (max %d)", job.ErrSaturated, depth.Pending, g.cfg.MaxPending)
	}

	if _, err := g.store.MarkQueued(ctx, j.ID, depth.Pending); err != nil {
		return fmt.Errorf("failed to mark job queued: %w", err)
	}

	msg := job.Message{
		JobID:          j.ID,
		InspectionID:   j.InspectionID,
		OrganizationID: j.OrganizationID,
		Payload:        j.Payload,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	err = g.broker.Publish(ctx, body, broker.PublishOptions{
		Priority: priority,
		DedupKey: j.ID,
	})
	if err != nil {
		g.logger.Error("Publish failed after admission, reverting to pending",
			slog.String("job_id", j.ID),
			slog.Any("error", err),
		)
		if _, revertErr := g.store.RevertQueued(ctx, j.ID, "publish failed, returned to pending"); revertErr != nil {
			g.logger.Error("Failed to revert queued job",
				slog.String("job_id", j.ID),
				slog.Any("error", revertErr),
			)
		}
		return fmt.Errorf("failed to publish job message: %w", err)
	}

	g.logger.Info("Job admitted to queue",
		slog.String("job_id", j.ID),
		slog.Int("queue_depth", depth.Pending),
	)
	return nil
}
