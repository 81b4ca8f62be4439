package photoproc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/harborview/inspection-be/internal/inspection"
	"github.com/harborview/inspection-be/internal/job"
	"github.com/harborview/inspection-be/internal/jobstore"
	"github.com/harborview/inspection-be/internal/vision"
	"github.com/harborview/inspection-be/internal/worker"
)

// Mode values for the handler payload.
const (
	ModeAuto   = "auto"   // classify each photo's space before analysis
	ModeDirect = "direct" // photos already carry a space assignment
)

// Payload is the handler-specific job input.
type Payload struct {
	PhotoIDs []string `json:"photo_ids"`
	Mode     string   `json:"mode"`
}

// Result is the summary stored on the job at completion.
type Result struct {
	PhotosProcessed int `json:"photos_processed"`
	GroupsTouched   int `json:"groups_touched"`
	TotalIssues     int `json:"total_issues"`
}

// Handler analyzes inspection photos: space classification (auto mode),
// issue detection, per-space aggregation and regrouping. It owns the
// terminal success transition of its jobs.
type Handler struct {
	inspections inspection.Store
	jobs        jobstore.Store
	analyzer    vision.Analyzer
	logger      *slog.Logger
}

func NewHandler(inspections inspection.Store, jobs jobstore.Store, analyzer vision.Analyzer, logger *slog.Logger) *Handler {
	return &Handler{
		inspections: inspections,
		jobs:        jobs,
		analyzer:    analyzer,
		logger:      logger,
	}
}

func (h *Handler) Type() string {
	return job.TypePhotoAnalysis
}

// photoProgress maps photo index i of total onto the 10-90 band: the first
// 10% is reserved for setup, the last 10% for finalization.
func photoProgress(i, total int) int {
	return int(math.Round(float64(i+1)/float64(total)*80)) + 10
}

func (h *Handler) Execute(ctx context.Context, j *job.Job, reporter worker.ProgressReporter) error {
	var payload Payload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return fmt.Errorf("%w: %v", job.ErrPayloadCorrupt, err)
	}
	if len(payload.PhotoIDs) == 0 {
		return fmt.Errorf("no photos to analyze")
	}

	ins, err := h.inspections.Get(ctx, j.InspectionID)
	if err != nil {
		return fmt.Errorf("failed to resolve inspection %s: %w", j.InspectionID, err)
	}

	auto := payload.Mode == ModeAuto
	total := len(payload.PhotoIDs)
	touched := make(map[string]bool)
	processed := 0
	totalIssues := 0

	for i, photoID := range payload.PhotoIDs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("analysis interrupted: %w", err)
		}

		group, photo := ins.FindPhoto(photoID)
		if photo == nil {
			h.logger.Warn("Photo not found on inspection, skipping",
				slog.String("job_id", j.ID),
				slog.String("photo_id", photoID),
			)
			continue
		}

		if auto && photo.SpaceType == "" {
			spaceType, err := h.analyzer.ClassifySpace(ctx, photo.URL)
			if err != nil {
				return fmt.Errorf("failed to classify photo %s: %w", photoID, err)
			}
			photo.SpaceType = spaceType
		}

		analysis, err := h.analyzer.DetectIssues(ctx, photo.URL, photo.SpaceType)
		if err != nil {
			return fmt.Errorf("failed to analyze photo %s: %w", photoID, err)
		}

		now := time.Now().UTC()
		photo.Condition = analysis.Condition
		photo.Issues = analysis.Issues
		photo.AnalyzedAt = &now

		processed++
		totalIssues += len(analysis.Issues)
		if group.Name != inspection.HoldingGroupName {
			touched[group.Name] = true
		}

		units := processed
		if _, err := h.jobs.UpdateProgress(ctx, j.ID, jobstore.ProgressUpdate{
			ProcessedUnits: &units,
		}); err != nil {
			h.logger.Warn("Failed to update processed units",
				slog.String("job_id", j.ID),
				slog.Any("error", err),
			)
		}

		if err := reporter.Report(ctx, photoProgress(i, total),
			fmt.Sprintf("Analyzed photo %d of %d", i+1, total)); err != nil {
			h.logger.Warn("Failed to report progress",
				slog.String("job_id", j.ID),
				slog.Any("error", err),
			)
		}
	}

	if auto {
		for _, name := range h.regroup(ins, payload.PhotoIDs) {
			touched[name] = true
		}
	}

	for name := range touched {
		if g := ins.Group(name); g != nil {
			aggregate(g)
		}
	}

	if err := h.inspections.Save(ctx, ins); err != nil {
		return fmt.Errorf("failed to save inspection: %w", err)
	}

	result, err := json.Marshal(Result{
		PhotosProcessed: processed,
		GroupsTouched:   len(touched),
		TotalIssues:     totalIssues,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	message := fmt.Sprintf("Analyzed %d photos across %d spaces, %d issues found",
		processed, len(touched), totalIssues)
	if _, err := h.jobs.MarkCompleted(ctx, j.ID, result, message); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	return nil
}

// regroup moves analyzed photos out of the holding group into groups named
// by their resolved space, creating groups as needed, and drops the holding
// group once empty. Returns the names of the destination groups.
func (h *Handler) regroup(ins *inspection.Inspection, photoIDs []string) []string {
	holding := ins.Group(inspection.HoldingGroupName)
	if holding == nil {
		return nil
	}

	moved := make(map[string]bool)
	kept := holding.Photos[:0]
	var moves []inspection.Photo

	inBatch := make(map[string]bool, len(photoIDs))
	for _, id := range photoIDs {
		inBatch[id] = true
	}

	for _, p := range holding.Photos {
		if inBatch[p.ID] && p.SpaceType != "" {
			moves = append(moves, p)
		} else {
			kept = append(kept, p)
		}
	}
	holding.Photos = kept

	for _, p := range moves {
		dest := ins.EnsureGroup(p.SpaceType)
		dest.SpaceType = p.SpaceType
		dest.Photos = append(dest.Photos, p)
		moved[dest.Name] = true
	}

	// EnsureGroup may have grown the slice; re-resolve before checking.
	if holding = ins.Group(inspection.HoldingGroupName); holding != nil && len(holding.Photos) == 0 {
		ins.RemoveGroup(inspection.HoldingGroupName)
	}

	names := make([]string, 0, len(moved))
	for name := range moved {
		names = append(names, name)
	}
	return names
}

// aggregate recomputes a group's condition, actions and summary from its
// analyzed photos.
func aggregate(g *inspection.SpaceGroup) {
	var conditions []inspection.Condition
	var actions []string
	issueCount := 0
	analyzed := 0

	for _, p := range g.Photos {
		if p.AnalyzedAt == nil {
			continue
		}
		analyzed++
		conditions = append(conditions, p.Condition)
		issueCount += len(p.Issues)
		for _, issue := range p.Issues {
			if issue.Severity == "high" && issue.Recommendation != "" {
				actions = append(actions, issue.Recommendation)
			}
		}
	}

	if analyzed == 0 {
		return
	}

	g.Condition = inspection.AverageCondition(conditions)
	g.Actions = actions
	g.Summary = fmt.Sprintf("%d of %d photos analyzed; condition %s; %d issues",
		analyzed, len(g.Photos), g.Condition, issueCount)
}
