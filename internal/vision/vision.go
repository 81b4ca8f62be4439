package vision

import (
	"context"

	"github.com/harborview/inspection-be/internal/inspection"
)

// Analysis is the result of issue detection on one photo.
type Analysis struct {
	Condition inspection.Condition `json:"condition"`
	Issues    []inspection.Issue   `json:"issues"`
}

// Analyzer is the opaque contract for the external photo-analysis calls.
// Both operations may block on network I/O and honor ctx cancellation.
type Analyzer interface {
	// ClassifySpace identifies the space type visible in a photo
	// (e.g. "Kitchen", "Bathroom").
	ClassifySpace(ctx context.Context, photoURL string) (string, error)

	// DetectIssues analyzes a photo for defects, scoped to its space type.
	DetectIssues(ctx context.Context, photoURL, spaceType string) (Analysis, error)
}
