package worker

import (
	"context"

	"github.com/harborview/inspection-be/internal/job"
)

// ProgressReporter is the capability a handler uses to surface incremental
// progress. Implementations write through to the job store, which relays the
// update to live subscribers.
type ProgressReporter interface {
	Report(ctx context.Context, progress int, message string) error
}

// Handler is a pluggable unit of domain work executed for one job. The
// handler owns the terminal success transition: it calls MarkCompleted on
// the store before returning nil. Returning an error leaves the terminal
// failure transition to the runtime.
type Handler interface {
	Type() string
	Execute(ctx context.Context, j *job.Job, reporter ProgressReporter) error
}

// Registry maps job types to handlers.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for its job type, replacing any previous one.
func (r *Registry) Register(h Handler) {
	r.handlers[h.Type()] = h
}

// Resolve returns the handler for a job type, or nil when none is registered.
func (r *Registry) Resolve(jobType string) Handler {
	return r.handlers[jobType]
}
