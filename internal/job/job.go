package job

import (
	"encoding/json"
	"time"
)

// Status values for the job lifecycle state machine.
const (
	StatusPending    = "pending"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Event types appended by the store and the worker runtime.
const (
	EventCreated   = "job.created"
	EventQueued    = "job.queued"
	EventStarted   = "job.started"
	EventProgress  = "job.progress"
	EventCompleted = "job.completed"
	EventFailed    = "job.failed"
	EventCancelled = "job.cancelled"
)

// TypePhotoAnalysis is the handler discriminator for inspection photo processing.
const TypePhotoAnalysis = "photo.analysis"

// Event is a single entry in a job's append-only audit trail.
type Event struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message,omitempty"`
	Progress  int                    `json:"progress"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Job represents a persisted unit of asynchronous work.
type Job struct {
	ID             string          `db:"job_id" json:"job_id"`
	InspectionID   string          `db:"inspection_id" json:"inspection_id"`
	OrganizationID string          `db:"organization_id" json:"organization_id"`
	Type           string          `db:"job_type" json:"job_type"`
	Status         string          `db:"status" json:"status"`
	Progress       int             `db:"progress" json:"progress"`
	ProcessedUnits int             `db:"processed_units" json:"processed_units"`
	TotalUnits     int             `db:"total_units" json:"total_units"`
	Attempts       int             `db:"attempts" json:"attempts"`
	LastError      string          `db:"last_error" json:"last_error,omitempty"`
	Payload        json.RawMessage `db:"payload" json:"payload,omitempty"`
	Result         json.RawMessage `db:"result" json:"result,omitempty"`
	Events         []Event         `db:"-" json:"events,omitempty"`
	CreatedBy      string          `db:"created_by" json:"created_by,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
	StartedAt      *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// Terminal reports whether the status is a terminal lifecycle state.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// statusRank orders the forward-only lifecycle. Cancellation is the one
// transition allowed from any non-terminal state.
var statusRank = map[string]int{
	StatusPending:    0,
	StatusQueued:     1,
	StatusProcessing: 2,
	StatusCompleted:  3,
	StatusFailed:     3,
	StatusCancelled:  3,
}

// CanTransition reports whether a job may move from one status to another.
// A job never regresses; terminal states only accept a repeat of themselves
// (idempotent terminal writes are allowed).
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	if Terminal(from) {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	return statusRank[to] > statusRank[from]
}

// ClampProgress clamps a progress value into [0, 100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Message is the durable broker wire payload referencing a job.
type Message struct {
	JobID          string          `json:"job_id"`
	InspectionID   string          `json:"inspection_id"`
	OrganizationID string          `json:"organization_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}
