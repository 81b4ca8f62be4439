package photoproc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/inspection-be/internal/inspection"
	"github.com/harborview/inspection-be/internal/job"
	"github.com/harborview/inspection-be/internal/jobstore"
	"github.com/harborview/inspection-be/internal/vision"
)

// fakeAnalyzer scripts the vision responses per photo URL.
type fakeAnalyzer struct {
	classifications map[string]string
	analyses        map[string]vision.Analysis
	classifyErr     map[string]error
	detectErr       map[string]error
	classifyCalls   int
}

func (f *fakeAnalyzer) ClassifySpace(ctx context.Context, photoURL string) (string, error) {
	f.classifyCalls++
	if err := f.classifyErr[photoURL]; err != nil {
		return "", err
	}
	return f.classifications[photoURL], nil
}

func (f *fakeAnalyzer) DetectIssues(ctx context.Context, photoURL, spaceType string) (vision.Analysis, error) {
	if err := f.detectErr[photoURL]; err != nil {
		return vision.Analysis{}, err
	}
	return f.analyses[photoURL], nil
}

// nopReporter discards progress; the audit-trail assertions go through the
// job store instead.
type nopReporter struct{}

func (nopReporter) Report(ctx context.Context, progress int, message string) error { return nil }

type fixture struct {
	handler     *Handler
	jobs        *jobstore.Memory
	inspections *inspection.MemoryStore
	analyzer    *fakeAnalyzer
}

func newFixture(t *testing.T, ins *inspection.Inspection, analyzer *fakeAnalyzer) *fixture {
	t.Helper()

	inspections := inspection.NewMemoryStore()
	require.NoError(t, inspections.Save(context.Background(), ins))

	jobs := jobstore.NewMemory(nil, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		handler:     NewHandler(inspections, jobs, analyzer, logger),
		jobs:        jobs,
		inspections: inspections,
		analyzer:    analyzer,
	}
}

func (f *fixture) createJob(t *testing.T, inspectionID string, payload Payload) *job.Job {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	j, err := f.jobs.Create(context.Background(), jobstore.CreateSpec{
		InspectionID:   inspectionID,
		OrganizationID: "org-1",
		Type:           job.TypePhotoAnalysis,
		TotalUnits:     len(payload.PhotoIDs),
		Payload:        raw,
	})
	require.NoError(t, err)
	return j
}

func holdingInspection(photoIDs ...string) *inspection.Inspection {
	photos := make([]inspection.Photo, 0, len(photoIDs))
	for _, id := range photoIDs {
		photos = append(photos, inspection.Photo{
			ID:  id,
			URL: "https://photos.test/" + id,
		})
	}
	return &inspection.Inspection{
		ID:             "insp-1",
		OrganizationID: "org-1",
		Groups: []inspection.SpaceGroup{
			{Name: inspection.HoldingGroupName, SortKey: 0, Photos: photos},
		},
	}
}

func TestPhotoProgress(t *testing.T) {
	// Three photos land on 37, 63 and 90.
	assert.Equal(t, 37, photoProgress(0, 3))
	assert.Equal(t, 63, photoProgress(1, 3))
	assert.Equal(t, 90, photoProgress(2, 3))

	assert.Equal(t, 90, photoProgress(0, 1))
	assert.Equal(t, 50, photoProgress(0, 2))
	assert.Equal(t, 90, photoProgress(1, 2))
}

func TestHandler_Execute_AutoMode(t *testing.T) {
	analyzer := &fakeAnalyzer{
		classifications: map[string]string{
			"https://photos.test/p1": "Kitchen",
			"https://photos.test/p2": "Kitchen",
			"https://photos.test/p3": "Bathroom",
		},
		analyses: map[string]vision.Analysis{
			"https://photos.test/p1": {Condition: inspection.ConditionGood},
			"https://photos.test/p2": {
				Condition: inspection.ConditionPoor,
				Issues: []inspection.Issue{{
					Title:          "Water damage under sink",
					Severity:       "high",
					Recommendation: "Engage a plumber",
				}},
			},
			"https://photos.test/p3": {Condition: inspection.ConditionExcellent},
		},
	}

	f := newFixture(t, holdingInspection("p1", "p2", "p3"), analyzer)
	j := f.createJob(t, "insp-1", Payload{PhotoIDs: []string{"p1", "p2", "p3"}, Mode: ModeAuto})

	require.NoError(t, f.handler.Execute(context.Background(), j, &storeReporter{jobs: f.jobs, jobID: j.ID}))

	got, err := f.jobs.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 3, got.ProcessedUnits)

	// Exactly one progress event per photo, at the banded values.
	var progressValues []int
	for _, ev := range got.Events {
		if ev.Type == job.EventProgress {
			progressValues = append(progressValues, ev.Progress)
		}
	}
	assert.Equal(t, []int{37, 63, 90}, progressValues)
	assert.Equal(t, job.EventCompleted, got.Events[len(got.Events)-1].Type)

	var result Result
	require.NoError(t, json.Unmarshal(got.Result, &result))
	assert.Equal(t, Result{PhotosProcessed: 3, GroupsTouched: 2, TotalIssues: 1}, result)

	// Photos left the holding group for their classified spaces.
	ins, err := f.inspections.Get(context.Background(), "insp-1")
	require.NoError(t, err)
	assert.Nil(t, ins.Group(inspection.HoldingGroupName))

	kitchen := ins.Group("Kitchen")
	require.NotNil(t, kitchen)
	assert.Len(t, kitchen.Photos, 2)
	assert.Equal(t, inspection.ConditionFair, kitchen.Condition)
	assert.Equal(t, []string{"Engage a plumber"}, kitchen.Actions)

	bathroom := ins.Group("Bathroom")
	require.NotNil(t, bathroom)
	assert.Len(t, bathroom.Photos, 1)
	assert.Equal(t, inspection.ConditionExcellent, bathroom.Condition)
}

func TestHandler_Execute_AutoMode_SkipsPreclassified(t *testing.T) {
	ins := holdingInspection("p1", "p2")
	ins.Groups[0].Photos[1].SpaceType = "Garage"

	analyzer := &fakeAnalyzer{
		classifications: map[string]string{"https://photos.test/p1": "Kitchen"},
		analyses: map[string]vision.Analysis{
			"https://photos.test/p1": {Condition: inspection.ConditionGood},
			"https://photos.test/p2": {Condition: inspection.ConditionGood},
		},
	}

	f := newFixture(t, ins, analyzer)
	j := f.createJob(t, "insp-1", Payload{PhotoIDs: []string{"p1", "p2"}, Mode: ModeAuto})

	require.NoError(t, f.handler.Execute(context.Background(), j, nopReporter{}))

	// Only the unclassified photo hit the classifier.
	assert.Equal(t, 1, analyzer.classifyCalls)

	saved, err := f.inspections.Get(context.Background(), "insp-1")
	require.NoError(t, err)
	require.NotNil(t, saved.Group("Garage"))
	require.NotNil(t, saved.Group("Kitchen"))
}

func TestHandler_Execute_DirectMode(t *testing.T) {
	ins := &inspection.Inspection{
		ID:             "insp-1",
		OrganizationID: "org-1",
		Groups: []inspection.SpaceGroup{
			{
				Name:      "Kitchen",
				SortKey:   0,
				SpaceType: "Kitchen",
				Photos: []inspection.Photo{
					{ID: "p1", URL: "https://photos.test/p1", SpaceType: "Kitchen"},
					{ID: "p2", URL: "https://photos.test/p2", SpaceType: "Kitchen"},
				},
			},
		},
	}

	analyzer := &fakeAnalyzer{
		analyses: map[string]vision.Analysis{
			"https://photos.test/p1": {Condition: inspection.ConditionExcellent},
			"https://photos.test/p2": {Condition: inspection.ConditionPoor},
		},
	}

	f := newFixture(t, ins, analyzer)
	j := f.createJob(t, "insp-1", Payload{PhotoIDs: []string{"p1", "p2"}, Mode: ModeDirect})

	require.NoError(t, f.handler.Execute(context.Background(), j, nopReporter{}))

	// Direct mode never classifies.
	assert.Equal(t, 0, analyzer.classifyCalls)

	saved, err := f.inspections.Get(context.Background(), "insp-1")
	require.NoError(t, err)
	kitchen := saved.Group("Kitchen")
	require.NotNil(t, kitchen)

	// (5 + 2) / 2 rounds to 4: good.
	assert.Equal(t, inspection.ConditionGood, kitchen.Condition)
	assert.Contains(t, kitchen.Summary, "2 of 2 photos analyzed")
}

func TestHandler_Execute_FailureMidBatch(t *testing.T) {
	analyzer := &fakeAnalyzer{
		classifications: map[string]string{
			"https://photos.test/p1": "Kitchen",
			"https://photos.test/p2": "Kitchen",
		},
		analyses: map[string]vision.Analysis{
			"https://photos.test/p1": {Condition: inspection.ConditionGood},
		},
		detectErr: map[string]error{
			"https://photos.test/p2": errors.New("vision service unavailable"),
		},
	}

	f := newFixture(t, holdingInspection("p1", "p2", "p3"), analyzer)
	j := f.createJob(t, "insp-1", Payload{PhotoIDs: []string{"p1", "p2", "p3"}, Mode: ModeAuto})

	err := f.handler.Execute(context.Background(), j, &storeReporter{jobs: f.jobs, jobID: j.ID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "p2")

	// The terminal failure transition belongs to the runtime, not the handler.
	got, gerr := f.jobs.Get(context.Background(), j.ID)
	require.NoError(t, gerr)
	assert.NotEqual(t, job.StatusCompleted, got.Status)
	for _, ev := range got.Events {
		assert.NotEqual(t, job.EventCompleted, ev.Type)
	}

	// Nothing was saved: the inspection still holds all photos unanalyzed.
	saved, serr := f.inspections.Get(context.Background(), "insp-1")
	require.NoError(t, serr)
	holding := saved.Group(inspection.HoldingGroupName)
	require.NotNil(t, holding)
	assert.Len(t, holding.Photos, 3)
}

func TestHandler_Execute_MissingPhotoSkipped(t *testing.T) {
	analyzer := &fakeAnalyzer{
		classifications: map[string]string{"https://photos.test/p1": "Kitchen"},
		analyses: map[string]vision.Analysis{
			"https://photos.test/p1": {Condition: inspection.ConditionGood},
		},
	}

	f := newFixture(t, holdingInspection("p1"), analyzer)
	j := f.createJob(t, "insp-1", Payload{PhotoIDs: []string{"p1", "deleted"}, Mode: ModeAuto})

	require.NoError(t, f.handler.Execute(context.Background(), j, nopReporter{}))

	got, err := f.jobs.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)

	var result Result
	require.NoError(t, json.Unmarshal(got.Result, &result))
	assert.Equal(t, 1, result.PhotosProcessed)
}

func TestHandler_Execute_CorruptPayload(t *testing.T) {
	f := newFixture(t, holdingInspection("p1"), &fakeAnalyzer{})

	j, err := f.jobs.Create(context.Background(), jobstore.CreateSpec{
		InspectionID:   "insp-1",
		OrganizationID: "org-1",
		Type:           job.TypePhotoAnalysis,
		Payload:        json.RawMessage(`{"photo_ids": "not-an-array"}`),
	})
	require.NoError(t, err)

	err = f.handler.Execute(context.Background(), j, nopReporter{})
	assert.ErrorIs(t, err, job.ErrPayloadCorrupt)
}

func TestHandler_Execute_EmptyPhotoList(t *testing.T) {
	f := newFixture(t, holdingInspection(), &fakeAnalyzer{})
	j := f.createJob(t, "insp-1", Payload{Mode: ModeAuto})

	err := f.handler.Execute(context.Background(), j, nopReporter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no photos")
}

func TestHandler_Execute_MissingInspection(t *testing.T) {
	f := newFixture(t, holdingInspection("p1"), &fakeAnalyzer{})
	j := f.createJob(t, "insp-gone", Payload{PhotoIDs: []string{"p1"}})

	err := f.handler.Execute(context.Background(), j, nopReporter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, inspection.ErrNotFound)
}

func TestHandler_Execute_CancelledContext(t *testing.T) {
	analyzer := &fakeAnalyzer{
		classifications: map[string]string{"https://photos.test/p1": "Kitchen"},
		analyses: map[string]vision.Analysis{
			"https://photos.test/p1": {Condition: inspection.ConditionGood},
		},
	}

	f := newFixture(t, holdingInspection("p1"), analyzer)
	j := f.createJob(t, "insp-1", Payload{PhotoIDs: []string{"p1"}, Mode: ModeAuto})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.handler.Execute(ctx, j, nopReporter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

// storeReporter mirrors the worker runtime's reporter for audit assertions.
type storeReporter struct {
	jobs  jobstore.Store
	jobID string
}

func (r *storeReporter) Report(ctx context.Context, progress int, message string) error {
	_, err := r.jobs.UpdateProgress(ctx, r.jobID, jobstore.ProgressUpdate{
		Progress: &progress,
		Message:  message,
	})
	return err
}
