package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/harborview/inspection-be/internal/job"
	"github.com/harborview/inspection-be/internal/relay"
)

const jobColumns = `
	job_id, inspection_id, organization_id, job_type, status,
	progress, processed_units, total_units, attempts, last_error,
	payload, result, events, created_by,
	created_at, updated_at, started_at, completed_at
`

// Postgres is the durable Store implementation backed by the jobs table.
// The events column is a JSONB array appended with the || operator so the
// audit trail only ever grows.
type Postgres struct {
	db     *sqlx.DB
	relay  relay.Relay
	logger *slog.Logger
}

// NewPostgres creates a Postgres job store. Every mutation emits the updated
// job to the given relay on the room of its owning inspection.
func NewPostgres(db *sqlx.DB, r relay.Relay, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		relay:  r,
		logger: logger,
	}
}

// jobRow mirrors the jobs table for scanning.
type jobRow struct {
	JobID          string         `db:"job_id"`
	InspectionID   string         `db:"inspection_id"`
	OrganizationID string         `db:"organization_id"`
	JobType        string         `db:"job_type"`
	Status         string         `db:"status"`
	Progress       int            `db:"progress"`
	ProcessedUnits int            `db:"processed_units"`
	TotalUnits     int            `db:"total_units"`
	Attempts       int            `db:"attempts"`
	LastError      sql.NullString `db:"last_error"`
	Payload        []byte         `db:"payload"`
	Result         []byte         `db:"result"`
	Events         []byte         `db:"events"`
	CreatedBy      sql.NullString `db:"created_by"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
}

func (r *jobRow) toJob() (*job.Job, error) {
	j := &job.Job{
		ID:             r.JobID,
		InspectionID:   r.InspectionID,
		OrganizationID: r.OrganizationID,
		Type:           r.JobType,
		Status:         r.Status,
		Progress:       r.Progress,
		ProcessedUnits: r.ProcessedUnits,
		TotalUnits:     r.TotalUnits,
		Attempts:       r.Attempts,
		LastError:      r.LastError.String,
		Payload:        json.RawMessage(r.Payload),
		Result:         json.RawMessage(r.Result),
		CreatedBy:      r.CreatedBy.String,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		j.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		j.CompletedAt = &t
	}
	if len(r.Events) > 0 {
		if err := json.Unmarshal(r.Events, &j.Events); err != nil {
			return nil, fmt.Errorf("failed to decode job events: %w", err)
		}
	}
	return j, nil
}

// transitionErr disambiguates a zero-row status update: the job is either
// missing or sitting in a status the write is not allowed to leave.
func (s *Postgres) transitionErr(ctx context.Context, jobID string) error {
	var status string
	err := s.db.GetContext(ctx, &status, `SELECT status FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job.ErrNotFound
		}
		return fmt.Errorf("failed to resolve job status: %w", err)
	}
	return fmt.Errorf("%w: job is %s", job.ErrInvalidTransition, status)
}

func marshalEvent(ev EventSpec, progress int) ([]byte, error) {
	entry := job.Event{
		Type:      ev.Type,
		Message:   ev.Message,
		Progress:  progress,
		Metadata:  ev.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	// Wrapped in an array so `events || $n::jsonb` appends one element.
	data, err := json.Marshal([]job.Event{entry})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job event: %w", err)
	}
	return data, nil
}

func (s *Postgres) Create(ctx context.Context, spec CreateSpec) (*job.Job, error) {
	eventJSON, err := marshalEvent(EventSpec{
		Type:    job.EventCreated,
		Message: "Job created",
	}, 0)
	if err != nil {
		return nil, err
	}

	payload := spec.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO jobs (
			job_id, inspection_id, organization_id, job_type, status,
			progress, processed_units, total_units, attempts,
			payload, events, created_by, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			0, 0, $6, 0,
			$7, $8::jsonb, $9, NOW(), NOW()
		)
		RETURNING ` + jobColumns

	var row jobRow
	err = s.db.GetContext(ctx, &row, query,
		uuid.New().String(),
		spec.InspectionID,
		spec.OrganizationID,
		spec.Type,
		job.StatusPending,
		spec.TotalUnits,
		[]byte(payload),
		eventJSON,
		spec.CreatedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	j, err := row.toJob()
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job created",
		slog.String("job_id", j.ID),
		slog.String("job_type", j.Type),
		slog.String("inspection_id", j.InspectionID),
	)

	s.emit(ctx, j, job.EventCreated)
	return j, nil
}

func (s *Postgres) Get(ctx context.Context, jobID string) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toJob()
}

func (s *Postgres) List(ctx context.Context, filter Filter) ([]job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.InspectionID != "" {
		query += fmt.Sprintf(" AND inspection_id = $%d", argIdx)
		args = append(args, filter.InspectionID)
		argIdx++
	}
	if filter.OrganizationID != "" {
		query += fmt.Sprintf(" AND organization_id = $%d", argIdx)
		args = append(args, filter.OrganizationID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra row so the caller can tell whether more results exist.
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]job.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

func (s *Postgres) AppendEvent(ctx context.Context, jobID string, ev EventSpec) (*job.Job, error) {
	var progressArg interface{}
	if ev.Progress != nil {
		progressArg = job.ClampProgress(*ev.Progress)
	}

	eventJSON, err := marshalEvent(ev, 0)
	if err != nil {
		return nil, err
	}

	// The entry carries the job's progress at append time, so the stored
	// placeholder is overwritten with the row's value when none is given.
	query := `
		UPDATE jobs
		SET events = events || jsonb_set($2::jsonb, '{0,progress}', to_jsonb(COALESCE($3, progress))),
		    progress = COALESCE($3, progress),
		    updated_at = NOW()
		WHERE job_id = $1
		RETURNING ` + jobColumns

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID, eventJSON, progressArg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to append job event: %w", err)
	}

	j, err := row.toJob()
	if err != nil {
		return nil, err
	}
	s.emit(ctx, j, ev.Type)
	return j, nil
}

func (s *Postgres) UpdateProgress(ctx context.Context, jobID string, upd ProgressUpdate) (*job.Job, error) {
	var progressArg interface{}
	progress := 0
	if upd.Progress != nil {
		progress = job.ClampProgress(*upd.Progress)
		progressArg = progress
	}

	var statusArg interface{}
	if upd.Status != "" {
		statusArg = upd.Status
	}

	eventType := job.EventProgress
	if upd.Status == job.StatusProcessing {
		eventType = job.EventStarted
	}

	// Counter-only merges do not add to the audit trail.
	var eventJSON interface{}
	if upd.Status != "" || upd.Message != "" || upd.Progress != nil {
		data, err := marshalEvent(EventSpec{
			Type:    eventType,
			Message: upd.Message,
		}, progress)
		if err != nil {
			return nil, err
		}
		eventJSON = data
	}

	// Terminal jobs accept no further merges; the guard keeps the lifecycle
	// forward-only on this write path.
	query := `
		UPDATE jobs
		SET processed_units = COALESCE($2, processed_units),
		    total_units = COALESCE($3, total_units),
		    progress = COALESCE($4, progress),
		    status = COALESCE($5, status),
		    started_at = CASE
		        WHEN $5::text = 'processing' AND started_at IS NULL THEN NOW()
		        ELSE started_at
		    END,
		    completed_at = CASE
		        WHEN $5::text IN ('completed', 'failed', 'cancelled') THEN NOW()
		        ELSE completed_at
		    END,
		    events = events || COALESCE(jsonb_set($6::jsonb, '{0,progress}', to_jsonb(COALESCE($4, progress))), '[]'::jsonb),
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status NOT IN ('completed', 'failed', 'cancelled')
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query,
		jobID,
		upd.ProcessedUnits,
		upd.TotalUnits,
		progressArg,
		statusArg,
		eventJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.transitionErr(ctx, jobID)
		}
		return nil, fmt.Errorf("failed to update job progress: %w", err)
	}

	j, err := row.toJob()
	if err != nil {
		return nil, err
	}
	s.emit(ctx, j, eventType)
	return j, nil
}

func (s *Postgres) MarkQueued(ctx context.Context, jobID string, queueDepth int) (*job.Job, error) {
	eventJSON, err := marshalEvent(EventSpec{
		Type:     job.EventQueued,
		Message:  "Job queued for processing",
		Metadata: map[string]interface{}{"queue_depth": queueDepth},
	}, 0)
	if err != nil {
		return nil, err
	}

	// Queued is only reachable from pending (or a repeat of itself); anything
	// else, terminal states included, is a forbidden regression.
	query := `
		UPDATE jobs
		SET status = $2,
		    events = events || jsonb_set($3::jsonb, '{0,progress}', to_jsonb(progress)),
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status IN ('pending', 'queued')
		RETURNING ` + jobColumns

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID, job.StatusQueued, eventJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.transitionErr(ctx, jobID)
		}
		return nil, fmt.Errorf("failed to mark job queued: %w", err)
	}

	j, err := row.toJob()
	if err != nil {
		return nil, err
	}
	s.emit(ctx, j, job.EventQueued)
	return j, nil
}

func (s *Postgres) MarkCompleted(ctx context.Context, jobID string, result json.RawMessage, message string) (*job.Job, error) {
	eventJSON, err := marshalEvent(EventSpec{
		Type:    job.EventCompleted,
		Message: message,
	}, 100)
	if err != nil {
		return nil, err
	}

	if result == nil {
		result = json.RawMessage(`{}`)
	}

	// Idempotent: a repeat completion is accepted, a failed or cancelled job
	// never flips to completed.
	query := `
		UPDATE jobs
		SET status = $2,
		    progress = 100,
		    result = $3,
		    completed_at = COALESCE(completed_at, NOW()),
		    events = events || $4::jsonb,
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status NOT IN ('failed', 'cancelled')
		RETURNING ` + jobColumns

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID, job.StatusCompleted, []byte(result), eventJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.transitionErr(ctx, jobID)
		}
		return nil, fmt.Errorf("failed to mark job completed: %w", err)
	}

	j, err := row.toJob()
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job completed",
		slog.String("job_id", j.ID),
		slog.String("job_type", j.Type),
	)

	s.emit(ctx, j, job.EventCompleted)
	return j, nil
}

func (s *Postgres) MarkFailed(ctx context.Context, jobID string, jobErr error) (*job.Job, error) {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	eventJSON, err := marshalEvent(EventSpec{
		Type:    job.EventFailed,
		Message: msg,
	}, 0)
	if err != nil {
		return nil, err
	}

	// The failure entry records how far the job got before it died.
	query := `
		UPDATE jobs
		SET status = $2,
		    last_error = $3,
		    completed_at = NOW(),
		    events = events || jsonb_set($4::jsonb, '{0,progress}', to_jsonb(progress)),
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status NOT IN ('completed', 'cancelled')
		RETURNING ` + jobColumns

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID, job.StatusFailed, msg, eventJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.transitionErr(ctx, jobID)
		}
		return nil, fmt.Errorf("failed to mark job failed: %w", err)
	}

	j, err := row.toJob()
	if err != nil {
		return nil, err
	}

	s.logger.Warn("Job failed",
		slog.String("job_id", j.ID),
		slog.String("error", msg),
	)

	s.emit(ctx, j, job.EventFailed)
	return j, nil
}

func (s *Postgres) MarkCancelled(ctx context.Context, jobID string, reason string) (*job.Job, error) {
	eventJSON, err := marshalEvent(EventSpec{
		Type:    job.EventCancelled,
		Message: reason,
	}, 0)
	if err != nil {
		return nil, err
	}

	// Cancellation only applies to non-terminal jobs.
	query := `
		UPDATE jobs
		SET status = $2,
		    completed_at = NOW(),
		    events = events || jsonb_set($3::jsonb, '{0,progress}', to_jsonb(progress)),
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status NOT IN ('completed', 'failed', 'cancelled')
		RETURNING ` + jobColumns

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID, job.StatusCancelled, eventJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.transitionErr(ctx, jobID)
		}
		return nil, fmt.Errorf("failed to mark job cancelled: %w", err)
	}

	j, err := row.toJob()
	if err != nil {
		return nil, err
	}
	s.emit(ctx, j, job.EventCancelled)
	return j, nil
}

func (s *Postgres) RevertQueued(ctx context.Context, jobID string, reason string) (*job.Job, error) {
	eventJSON, err := marshalEvent(EventSpec{
		Type:    job.EventQueued,
		Message: reason,
		Metadata: map[string]interface{}{
			"reverted": true,
		},
	}, 0)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE jobs
		SET status = $2,
		    events = events || jsonb_set($3::jsonb, '{0,progress}', to_jsonb(progress)),
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status = $4
		RETURNING ` + jobColumns

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID, job.StatusPending, eventJSON, job.StatusQueued); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.transitionErr(ctx, jobID)
		}
		return nil, fmt.Errorf("failed to revert queued job: %w", err)
	}

	j, err := row.toJob()
	if err != nil {
		return nil, err
	}
	s.emit(ctx, j, job.EventQueued)
	return j, nil
}

func (s *Postgres) IncrementAttempts(ctx context.Context, jobID string) (*job.Job, error) {
	query := `
		UPDATE jobs
		SET attempts = attempts + 1,
		    updated_at = NOW()
		WHERE job_id = $1
		RETURNING ` + jobColumns

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to increment job attempts: %w", err)
	}
	return row.toJob()
}

// emit broadcasts the updated job on its inspection room. Relay failures are
// logged, never surfaced: real-time fan-out is best-effort.
func (s *Postgres) emit(ctx context.Context, j *job.Job, event string) {
	if s.relay == nil {
		return
	}
	if err := s.relay.Emit(ctx, j.InspectionID, event, j); err != nil {
		s.logger.Warn("Failed to emit job event to relay",
			slog.String("job_id", j.ID),
			slog.String("event", event),
			slog.Any("error", err),
		)
	}
}
