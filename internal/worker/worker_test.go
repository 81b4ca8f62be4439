package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/inspection-be/internal/broker"
	"github.com/harborview/inspection-be/internal/job"
	"github.com/harborview/inspection-be/internal/jobstore"
)

// stubHandler runs the configured function for its job type.
type stubHandler struct {
	jobType string
	execute func(ctx context.Context, j *job.Job, reporter ProgressReporter) error
}

func (h *stubHandler) Type() string { return h.jobType }

func (h *stubHandler) Execute(ctx context.Context, j *job.Job, reporter ProgressReporter) error {
	return h.execute(ctx, j, reporter)
}

// settlement records how a delivery was settled.
type settlement struct {
	acked   bool
	nacked  bool
	requeue bool
}

func recordedDelivery(body []byte) (broker.Delivery, *settlement) {
	s := &settlement{}
	return broker.Delivery{
		Body: body,
		Ack: func() error {
			s.acked = true
			return nil
		},
		Nack: func(requeue bool) error {
			s.nacked = true
			s.requeue = requeue
			return nil
		},
	}, s
}

func newTestWorker(store jobstore.Store, registry *Registry) *Worker {
	return NewWorker(&Config{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:       store,
		Broker:      broker.NewMemory(1),
		Registry:    registry,
		Concurrency: 1,
	})
}

func createQueuedJob(t *testing.T, store *jobstore.Memory) *job.Job {
	t.Helper()
	ctx := context.Background()
	j, err := store.Create(ctx, jobstore.CreateSpec{
		InspectionID:   "insp-1",
		OrganizationID: "org-1",
		Type:           job.TypePhotoAnalysis,
		TotalUnits:     3,
	})
	require.NoError(t, err)
	_, err = store.MarkQueued(ctx, j.ID, 0)
	require.NoError(t, err)
	return j
}

func messageBody(t *testing.T, j *job.Job) []byte {
	t.Helper()
	body, err := json.Marshal(job.Message{
		JobID:          j.ID,
		InspectionID:   j.InspectionID,
		OrganizationID: j.OrganizationID,
	})
	require.NoError(t, err)
	return body
}

func TestWorker_Process_Success(t *testing.T) {
	store := jobstore.NewMemory(nil, nil)
	registry := NewRegistry()
	registry.Register(&stubHandler{
		jobType: job.TypePhotoAnalysis,
		execute: func(ctx context.Context, j *job.Job, reporter ProgressReporter) error {
			require.NoError(t, reporter.Report(ctx, 50, "halfway"))
			_, err := store.MarkCompleted(ctx, j.ID, json.RawMessage(`{"photos_processed":3}`), "done")
			return err
		},
	})

	w := newTestWorker(store, registry)
	j := createQueuedJob(t, store)
	d, s := recordedDelivery(messageBody(t, j))

	w.process(context.Background(), "worker-test-1", d)

	assert.True(t, s.acked)
	assert.False(t, s.nacked)

	got, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.StartedAt)
}

func TestWorker_Process_HandlerFailure(t *testing.T) {
	store := jobstore.NewMemory(nil, nil)
	registry := NewRegistry()
	registry.Register(&stubHandler{
		jobType: job.TypePhotoAnalysis,
		execute: func(ctx context.Context, j *job.Job, reporter ProgressReporter) error {
			return errors.New("vision service unavailable")
		},
	})

	w := newTestWorker(store, registry)
	j := createQueuedJob(t, store)
	d, s := recordedDelivery(messageBody(t, j))

	w.process(context.Background(), "worker-test-1", d)

	// Failed work is not redelivered at the transport level.
	assert.True(t, s.nacked)
	assert.False(t, s.requeue)
	assert.False(t, s.acked)

	got, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "vision service unavailable", got.LastError)
}

func TestWorker_Process_PoisonMessage(t *testing.T) {
	store := jobstore.NewMemory(nil, nil)
	w := newTestWorker(store, NewRegistry())

	d, s := recordedDelivery([]byte("{not json"))
	w.process(context.Background(), "worker-test-1", d)

	// Undecodable messages are acknowledged so they never cycle.
	assert.True(t, s.acked)
	assert.False(t, s.nacked)
}

func TestWorker_Process_UnknownJobType(t *testing.T) {
	store := jobstore.NewMemory(nil, nil)
	w := newTestWorker(store, NewRegistry())

	j := createQueuedJob(t, store)
	d, s := recordedDelivery(messageBody(t, j))

	w.process(context.Background(), "worker-test-1", d)

	assert.True(t, s.nacked)
	assert.False(t, s.requeue)

	got, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "unknown job type")
}

func TestWorker_Process_MissingJobRecord(t *testing.T) {
	store := jobstore.NewMemory(nil, nil)
	w := newTestWorker(store, NewRegistry())

	body, err := json.Marshal(job.Message{JobID: "gone"})
	require.NoError(t, err)
	d, s := recordedDelivery(body)

	w.process(context.Background(), "worker-test-1", d)

	// Nothing to record a failure on; the message is dropped cleanly.
	assert.True(t, s.acked)
	assert.False(t, s.nacked)
}

func TestWorker_Process_TerminalJobSkipped(t *testing.T) {
	store := jobstore.NewMemory(nil, nil)
	registry := NewRegistry()
	executed := false
	registry.Register(&stubHandler{
		jobType: job.TypePhotoAnalysis,
		execute: func(ctx context.Context, j *job.Job, reporter ProgressReporter) error {
			executed = true
			return nil
		},
	})

	w := newTestWorker(store, registry)
	j := createQueuedJob(t, store)
	_, err := store.MarkCancelled(context.Background(), j.ID, "user requested")
	require.NoError(t, err)

	d, s := recordedDelivery(messageBody(t, j))
	w.process(context.Background(), "worker-test-1", d)

	assert.True(t, s.acked)
	assert.False(t, executed)

	got, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)
}

func TestRegistry_Resolve(t *testing.T) {
	registry := NewRegistry()
	h := &stubHandler{jobType: job.TypePhotoAnalysis}
	registry.Register(h)

	assert.Equal(t, Handler(h), registry.Resolve(job.TypePhotoAnalysis))
	assert.Nil(t, registry.Resolve("unknown"))
}
