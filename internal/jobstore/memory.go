package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborview/inspection-be/internal/job"
	"github.com/harborview/inspection-be/internal/relay"
)

// Memory is an in-process Store used by tests and the dev profile. It obeys
// the same contract as Postgres: clamped progress, append-only events, relay
// emission on every mutation.
type Memory struct {
	mu     sync.Mutex
	jobs   map[string]*job.Job
	relay  relay.Relay
	logger *slog.Logger
}

func NewMemory(r relay.Relay, logger *slog.Logger) *Memory {
	return &Memory{
		jobs:   make(map[string]*job.Job),
		relay:  r,
		logger: logger,
	}
}

func (s *Memory) Create(ctx context.Context, spec CreateSpec) (*job.Job, error) {
	now := time.Now().UTC()
	payload := spec.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	j := &job.Job{
		ID:             uuid.New().String(),
		InspectionID:   spec.InspectionID,
		OrganizationID: spec.OrganizationID,
		Type:           spec.Type,
		Status:         job.StatusPending,
		Progress:       0,
		TotalUnits:     spec.TotalUnits,
		Payload:        payload,
		CreatedBy:      spec.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
		Events: []job.Event{{
			Type:      job.EventCreated,
			Message:   "Job created",
			CreatedAt: now,
		}},
	}

	s.mu.Lock()
	s.jobs[j.ID] = j
	out := cloneJob(j)
	s.mu.Unlock()

	s.emit(ctx, out, job.EventCreated)
	return out, nil
}

func (s *Memory) Get(ctx context.Context, jobID string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, job.ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *Memory) List(ctx context.Context, filter Filter) ([]job.Job, error) {
	s.mu.Lock()
	all := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if filter.InspectionID != "" && j.InspectionID != filter.InspectionID {
			continue
		}
		if filter.OrganizationID != "" && j.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		all = append(all, j)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, k int) bool {
		if !all[i].CreatedAt.Equal(all[k].CreatedAt) {
			return all[i].CreatedAt.After(all[k].CreatedAt)
		}
		return all[i].ID > all[k].ID
	})

	out := make([]job.Job, 0, len(all))
	for _, j := range all {
		if filter.Cursor != nil {
			if j.CreatedAt.After(filter.Cursor.CreatedAt) {
				continue
			}
			if j.CreatedAt.Equal(filter.Cursor.CreatedAt) && j.ID >= filter.Cursor.JobID {
				continue
			}
		}
		out = append(out, *cloneJob(j))
		if filter.PageSize > 0 && len(out) == filter.PageSize+1 {
			break
		}
	}
	return out, nil
}

func (s *Memory) AppendEvent(ctx context.Context, jobID string, ev EventSpec) (*job.Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, job.ErrNotFound
	}

	progress := j.Progress
	if ev.Progress != nil {
		progress = job.ClampProgress(*ev.Progress)
		j.Progress = progress
	}
	appendEvent(j, ev.Type, ev.Message, progress, ev.Metadata)
	out := cloneJob(j)
	s.mu.Unlock()

	s.emit(ctx, out, ev.Type)
	return out, nil
}

func (s *Memory) UpdateProgress(ctx context.Context, jobID string, upd ProgressUpdate) (*job.Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, job.ErrNotFound
	}

	if job.Terminal(j.Status) {
		status := j.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: job is %s", job.ErrInvalidTransition, status)
	}
	if upd.Status != "" && !job.CanTransition(j.Status, upd.Status) {
		from := j.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, from, upd.Status)
	}

	if upd.ProcessedUnits != nil {
		j.ProcessedUnits = *upd.ProcessedUnits
	}
	if upd.TotalUnits != nil {
		j.TotalUnits = *upd.TotalUnits
	}
	if upd.Progress != nil {
		j.Progress = job.ClampProgress(*upd.Progress)
	}

	eventType := job.EventProgress
	now := time.Now().UTC()
	if upd.Status != "" {
		j.Status = upd.Status
		if upd.Status == job.StatusProcessing {
			eventType = job.EventStarted
			if j.StartedAt == nil {
				t := now
				j.StartedAt = &t
			}
		}
		if job.Terminal(upd.Status) {
			t := now
			j.CompletedAt = &t
		}
	}

	// Counter-only merges do not add to the audit trail.
	if upd.Status != "" || upd.Message != "" || upd.Progress != nil {
		appendEvent(j, eventType, upd.Message, j.Progress, nil)
	} else {
		j.UpdatedAt = now
	}
	out := cloneJob(j)
	s.mu.Unlock()

	s.emit(ctx, out, eventType)
	return out, nil
}

func (s *Memory) MarkQueued(ctx context.Context, jobID string, queueDepth int) (*job.Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, job.ErrNotFound
	}
	if !job.CanTransition(j.Status, job.StatusQueued) {
		from := j.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, from, job.StatusQueued)
	}

	j.Status = job.StatusQueued
	appendEvent(j, job.EventQueued, "Job queued for processing", j.Progress,
		map[string]interface{}{"queue_depth": queueDepth})
	out := cloneJob(j)
	s.mu.Unlock()

	s.emit(ctx, out, job.EventQueued)
	return out, nil
}

func (s *Memory) MarkCompleted(ctx context.Context, jobID string, result json.RawMessage, message string) (*job.Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, job.ErrNotFound
	}
	if !job.CanTransition(j.Status, job.StatusCompleted) {
		from := j.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, from, job.StatusCompleted)
	}

	j.Status = job.StatusCompleted
	j.Progress = 100
	if result != nil {
		j.Result = result
	}
	if j.CompletedAt == nil {
		t := time.Now().UTC()
		j.CompletedAt = &t
	}
	appendEvent(j, job.EventCompleted, message, 100, nil)
	out := cloneJob(j)
	s.mu.Unlock()

	s.emit(ctx, out, job.EventCompleted)
	return out, nil
}

func (s *Memory) MarkFailed(ctx context.Context, jobID string, jobErr error) (*job.Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, job.ErrNotFound
	}
	if !job.CanTransition(j.Status, job.StatusFailed) {
		from := j.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, from, job.StatusFailed)
	}

	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	j.Status = job.StatusFailed
	j.LastError = msg
	t := time.Now().UTC()
	j.CompletedAt = &t
	appendEvent(j, job.EventFailed, msg, j.Progress, nil)
	out := cloneJob(j)
	s.mu.Unlock()

	s.emit(ctx, out, job.EventFailed)
	return out, nil
}

func (s *Memory) MarkCancelled(ctx context.Context, jobID string, reason string) (*job.Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, job.ErrNotFound
	}
	if job.Terminal(j.Status) {
		from := j.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: job is %s", job.ErrInvalidTransition, from)
	}

	j.Status = job.StatusCancelled
	t := time.Now().UTC()
	j.CompletedAt = &t
	appendEvent(j, job.EventCancelled, reason, j.Progress, nil)
	out := cloneJob(j)
	s.mu.Unlock()

	s.emit(ctx, out, job.EventCancelled)
	return out, nil
}

func (s *Memory) RevertQueued(ctx context.Context, jobID string, reason string) (*job.Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, job.ErrNotFound
	}
	if j.Status != job.StatusQueued {
		from := j.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, from, job.StatusPending)
	}

	j.Status = job.StatusPending
	appendEvent(j, job.EventQueued, reason, j.Progress,
		map[string]interface{}{"reverted": true})
	out := cloneJob(j)
	s.mu.Unlock()

	s.emit(ctx, out, job.EventQueued)
	return out, nil
}

func (s *Memory) IncrementAttempts(ctx context.Context, jobID string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, job.ErrNotFound
	}
	j.Attempts++
	j.UpdatedAt = time.Now().UTC()
	return cloneJob(j), nil
}

func appendEvent(j *job.Job, eventType, message string, progress int, metadata map[string]interface{}) {
	now := time.Now().UTC()
	j.Events = append(j.Events, job.Event{
		Type:      eventType,
		Message:   message,
		Progress:  progress,
		Metadata:  metadata,
		CreatedAt: now,
	})
	j.UpdatedAt = now
}

func cloneJob(j *job.Job) *job.Job {
	out := *j
	out.Events = make([]job.Event, len(j.Events))
	copy(out.Events, j.Events)
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func (s *Memory) emit(ctx context.Context, j *job.Job, event string) {
	if s.relay == nil {
		return
	}
	if err := s.relay.Emit(ctx, j.InspectionID, event, j); err != nil && s.logger != nil {
		s.logger.Warn("Failed to emit job event to relay",
			slog.String("job_id", j.ID),
			slog.String("event", event),
			slog.Any("error", err),
		)
	}
}
