package dto

import (
	"github.com/harborview/inspection-be/internal/job"
)

// AnalyzeRequest is the body of POST /inspections/:inspection_id/analyze.
type AnalyzeRequest struct {
	OrganizationID string   `json:"organization_id" binding:"required"`
	PhotoIDs       []string `json:"photo_ids" binding:"required,min=1"`
	Mode           string   `json:"mode" binding:"required,oneof=auto direct"`
	CreatedBy      string   `json:"created_by"`
	Priority       int      `json:"priority"`
}

// ListJobsRequest are the query parameters of GET /jobs.
type ListJobsRequest struct {
	InspectionID   string `form:"inspection_id"`
	OrganizationID string `form:"organization_id"`
	Status         string `form:"status"`
	PageSize       int    `form:"page_size"`
	Cursor         string `form:"cursor"`
}

// ListJobsResponse is a page of jobs with an optional continuation cursor.
type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO is the wire representation of a job.
type JobDTO struct {
	JobID          string      `json:"job_id"`
	InspectionID   string      `json:"inspection_id"`
	OrganizationID string      `json:"organization_id"`
	JobType        string      `json:"job_type"`
	Status         string      `json:"status"`
	Progress       int         `json:"progress"`
	ProcessedUnits int         `json:"processed_units"`
	TotalUnits     int         `json:"total_units"`
	Attempts       int         `json:"attempts"`
	LastError      string      `json:"last_error,omitempty"`
	Result         interface{} `json:"result,omitempty"`
	Events         []job.Event `json:"events,omitempty"`
	CreatedAt      string      `json:"created_at"`
	UpdatedAt      string      `json:"updated_at"`
	StartedAt      string      `json:"started_at,omitempty"`
	CompletedAt    string      `json:"completed_at,omitempty"`
}
