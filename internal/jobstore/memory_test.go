package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/inspection-be/internal/job"
	"github.com/harborview/inspection-be/internal/relay"
)

func newTestStore() *Memory {
	return NewMemory(nil, nil)
}

func createTestJob(t *testing.T, s *Memory) *job.Job {
	t.Helper()
	j, err := s.Create(context.Background(), CreateSpec{
		InspectionID:   "insp-1",
		OrganizationID: "org-1",
		Type:           job.TypePhotoAnalysis,
		TotalUnits:     3,
		Payload:        json.RawMessage(`{"photo_ids":["p1","p2","p3"]}`),
		CreatedBy:      "user-1",
	})
	require.NoError(t, err)
	return j
}

func TestMemory_Create(t *testing.T) {
	s := newTestStore()
	j := createTestJob(t, s)

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, 0, j.Progress)
	assert.Equal(t, 3, j.TotalUnits)
	require.Len(t, j.Events, 1)
	assert.Equal(t, job.EventCreated, j.Events[0].Type)
}

func TestMemory_Get_NotFound(t *testing.T) {
	s := newTestStore()
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestMemory_UpdateProgress_ClampsRange(t *testing.T) {
	s := newTestStore()
	j := createTestJob(t, s)

	over := 130
	got, err := s.UpdateProgress(context.Background(), j.ID, ProgressUpdate{Progress: &over, Message: "over"})
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)

	under := -5
	got, err = s.UpdateProgress(context.Background(), j.ID, ProgressUpdate{Progress: &under, Message: "under"})
	require.NoError(t, err)
	assert.Equal(t, 0, got.Progress)
}

func TestMemory_UpdateProgress_CounterOnlySkipsAudit(t *testing.T) {
	s := newTestStore()
	j := createTestJob(t, s)

	processed := 2
	got, err := s.UpdateProgress(context.Background(), j.ID, ProgressUpdate{ProcessedUnits: &processed})
	require.NoError(t, err)
	assert.Equal(t, 2, got.ProcessedUnits)
	// Counter merges must not grow the audit trail.
	assert.Len(t, got.Events, 1)

	p := 50
	got, err = s.UpdateProgress(context.Background(), j.ID, ProgressUpdate{Progress: &p, Message: "halfway"})
	require.NoError(t, err)
	require.Len(t, got.Events, 2)
	assert.Equal(t, job.EventProgress, got.Events[1].Type)
	assert.Equal(t, 50, got.Events[1].Progress)
}

func TestMemory_AppendEvent_DefaultsToCurrentProgress(t *testing.T) {
	s := newTestStore()
	j := createTestJob(t, s)

	p := 40
	_, err := s.UpdateProgress(context.Background(), j.ID, ProgressUpdate{Progress: &p, Message: "working"})
	require.NoError(t, err)

	// Without an explicit value the entry carries the job's progress.
	got, err := s.AppendEvent(context.Background(), j.ID, EventSpec{
		Type:    job.EventProgress,
		Message: "note",
	})
	require.NoError(t, err)
	last := got.Events[len(got.Events)-1]
	assert.Equal(t, 40, last.Progress)
	assert.Equal(t, 40, got.Progress)
}

func TestMemory_UpdateProgress_StartStampsOnce(t *testing.T) {
	s := newTestStore()
	j := createTestJob(t, s)

	got, err := s.UpdateProgress(context.Background(), j.ID, ProgressUpdate{
		Status:  job.StatusProcessing,
		Message: "Processing started",
	})
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	first := *got.StartedAt
	assert.Equal(t, job.EventStarted, got.Events[len(got.Events)-1].Type)

	got, err = s.UpdateProgress(context.Background(), j.ID, ProgressUpdate{
		Status:  job.StatusProcessing,
		Message: "retry",
	})
	require.NoError(t, err)
	assert.Equal(t, first, *got.StartedAt)
}

func TestMemory_MarkQueued(t *testing.T) {
	s := newTestStore()
	j := createTestJob(t, s)

	got, err := s.MarkQueued(context.Background(), j.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)

	last := got.Events[len(got.Events)-1]
	assert.Equal(t, job.EventQueued, last.Type)
	assert.Equal(t, 7, last.Metadata["queue_depth"])
}

func TestMemory_RevertQueued(t *testing.T) {
	s := newTestStore()
	j := createTestJob(t, s)

	// Only a queued job can be reverted.
	_, err := s.RevertQueued(context.Background(), j.ID, "publish failed")
	assert.ErrorIs(t, err, job.ErrInvalidTransition)

	_, err = s.MarkQueued(context.Background(), j.ID, 0)
	require.NoError(t, err)

	got, err := s.RevertQueued(context.Background(), j.ID, "publish failed")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
}

func TestMemory_MarkCompleted(t *testing.T) {
	s := newTestStore()
	j := createTestJob(t, s)

	result := json.RawMessage(`{"photos_processed":3}`)
	got, err := s.MarkCompleted(context.Background(), j.ID, result, "Analyzed 3 photos")
	require.NoError(t, err)

	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.JSONEq(t, string(result), string(got.Result))
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, job.EventCompleted, got.Events[len(got.Events)-1].Type)
}

func TestMemory_MarkFailed(t *testing.T) {
	s := newTestStore()
	j := createTestJob(t, s)

	got, err := s.MarkFailed(context.Background(), j.ID, errors.New("vision service unavailable"))
	require.NoError(t, err)

	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "vision service unavailable", got.LastError)
	require.NotNil(t, got.CompletedAt)
}

func TestMemory_MarkCancelled(t *testing.T) {
	s := newTestStore()
	j := createTestJob(t, s)

	got, err := s.MarkCancelled(context.Background(), j.ID, "user requested")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)

	// Terminal jobs cannot be cancelled again.
	_, err = s.MarkCancelled(context.Background(), j.ID, "user requested")
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
}

func TestMemory_MarkCancelled_TerminalJob(t *testing.T) {
	s := newTestStore()
	j := createTestJob(t, s)

	_, err := s.MarkCompleted(context.Background(), j.ID, nil, "done")
	require.NoError(t, err)

	_, err = s.MarkCancelled(context.Background(), j.ID, "too late")
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
}

func TestMemory_MarkQueued_CancelledJobStaysCancelled(t *testing.T) {
	s := newTestStore()
	j := createTestJob(t, s)

	_, err := s.MarkCancelled(context.Background(), j.ID, "user requested")
	require.NoError(t, err)

	_, err = s.MarkQueued(context.Background(), j.ID, 0)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)

	got, err := s.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)
}

func TestMemory_TerminalJobRejectsStatusWrites(t *testing.T) {
	ctx := context.Background()

	writes := map[string]func(s *Memory, id string) error{
		"update progress": func(s *Memory, id string) error {
			p := 50
			_, err := s.UpdateProgress(ctx, id, ProgressUpdate{Progress: &p, Message: "late"})
			return err
		},
		"mark processing": func(s *Memory, id string) error {
			_, err := s.UpdateProgress(ctx, id, ProgressUpdate{Status: job.StatusProcessing})
			return err
		},
		"mark completed": func(s *Memory, id string) error {
			_, err := s.MarkCompleted(ctx, id, nil, "done")
			return err
		},
		"mark failed": func(s *Memory, id string) error {
			_, err := s.MarkFailed(ctx, id, errors.New("boom"))
			return err
		},
	}

	for name, write := range writes {
		t.Run(name, func(t *testing.T) {
			s := newTestStore()
			j := createTestJob(t, s)
			_, err := s.MarkCancelled(ctx, j.ID, "user requested")
			require.NoError(t, err)

			err = write(s, j.ID)
			assert.ErrorIs(t, err, job.ErrInvalidTransition)

			got, err := s.Get(ctx, j.ID)
			require.NoError(t, err)
			assert.Equal(t, job.StatusCancelled, got.Status)
		})
	}
}

func TestMemory_MarkCompleted_Idempotent(t *testing.T) {
	s := newTestStore()
	j := createTestJob(t, s)

	_, err := s.MarkCompleted(context.Background(), j.ID, nil, "done")
	require.NoError(t, err)

	// A repeat of the same terminal status is accepted.
	got, err := s.MarkCompleted(context.Background(), j.ID, nil, "done again")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
}

func TestMemory_IncrementAttempts(t *testing.T) {
	s := newTestStore()
	j := createTestJob(t, s)

	got, err := s.IncrementAttempts(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)

	got, err = s.IncrementAttempts(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
}

func TestMemory_List_FilterAndPage(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, CreateSpec{
			InspectionID:   "insp-1",
			OrganizationID: "org-1",
			Type:           job.TypePhotoAnalysis,
		})
		require.NoError(t, err)
	}
	other, err := s.Create(ctx, CreateSpec{
		InspectionID:   "insp-2",
		OrganizationID: "org-1",
		Type:           job.TypePhotoAnalysis,
	})
	require.NoError(t, err)
	_, err = s.MarkQueued(ctx, other.ID, 0)
	require.NoError(t, err)

	list, err := s.List(ctx, Filter{InspectionID: "insp-1"})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	list, err = s.List(ctx, Filter{Status: job.StatusQueued})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, other.ID, list[0].ID)

	// PageSize+1 rows signal another page to the caller.
	list, err = s.List(ctx, Filter{OrganizationID: "org-1", PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestMemory_EmitsToRelay(t *testing.T) {
	r := relay.NewMemoryRelay()
	var got []relay.Envelope
	err := r.Subscribe(context.Background(), func(env relay.Envelope) {
		got = append(got, env)
	})
	require.NoError(t, err)

	s := NewMemory(r, nil)
	j := createTestJob(t, s)

	_, err = s.MarkQueued(context.Background(), j.ID, 0)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "insp-1", got[0].Room)
	assert.Equal(t, job.EventCreated, got[0].Event)
	assert.Equal(t, job.EventQueued, got[1].Event)
}
