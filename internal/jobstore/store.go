package jobstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/harborview/inspection-be/internal/job"
)

// CreateSpec describes a new job record.
type CreateSpec struct {
	InspectionID   string
	OrganizationID string
	Type           string
	Payload        json.RawMessage
	TotalUnits     int
	CreatedBy      string
}

// EventSpec describes an entry to append to a job's audit trail. When
// Progress is non-nil the job's top-level progress is updated as well.
type EventSpec struct {
	Type     string
	Message  string
	Progress *int
	Metadata map[string]interface{}
}

// ProgressUpdate merges the provided fields into a job. Nil pointers leave
// the stored value untouched. A Status of processing stamps started_at; a
// terminal status stamps completed_at.
type ProgressUpdate struct {
	ProcessedUnits *int
	TotalUnits     *int
	Progress       *int
	Status         string
	Message        string
}

// Filter selects jobs for listing.
type Filter struct {
	InspectionID   string
	OrganizationID string
	Status         string
	PageSize       int
	Cursor         *Cursor
}

// Cursor is a keyset-pagination position (created_at desc, job_id desc).
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// Store is the durable record of asynchronous work. Every mutating call
// emits the updated job to the event relay and fails with job.ErrNotFound
// when the id does not resolve. Status writes honor the forward-only
// lifecycle: a write that would regress the status, or touch a terminal
// job, fails with job.ErrInvalidTransition. Progress is clamped to [0,100]
// on every write; the events log only ever grows.
type Store interface {
	Create(ctx context.Context, spec CreateSpec) (*job.Job, error)
	Get(ctx context.Context, jobID string) (*job.Job, error)
	List(ctx context.Context, filter Filter) ([]job.Job, error)
	AppendEvent(ctx context.Context, jobID string, ev EventSpec) (*job.Job, error)
	UpdateProgress(ctx context.Context, jobID string, upd ProgressUpdate) (*job.Job, error)
	MarkQueued(ctx context.Context, jobID string, queueDepth int) (*job.Job, error)
	MarkCompleted(ctx context.Context, jobID string, result json.RawMessage, message string) (*job.Job, error)
	MarkFailed(ctx context.Context, jobID string, jobErr error) (*job.Job, error)
	MarkCancelled(ctx context.Context, jobID string, reason string) (*job.Job, error)

	// RevertQueued moves a job back from queued to pending. It exists only as
	// the compensating write for a publish failure after admission; it is the
	// one sanctioned backwards transition besides cancellation.
	RevertQueued(ctx context.Context, jobID string, reason string) (*job.Job, error)

	// IncrementAttempts bumps the attempt counter on worker pickup.
	IncrementAttempts(ctx context.Context, jobID string) (*job.Job, error)
}
