package job

import "errors"

var (
	// ErrNotFound is returned when a job or its owning inspection cannot be resolved.
	ErrNotFound = errors.New("job not found")

	// ErrSaturated is returned when the backpressure gate rejects admission.
	// Callers should retry with backoff.
	ErrSaturated = errors.New("job queue saturated")

	// ErrPayloadCorrupt is returned when a broker message body cannot be decoded.
	// Such messages are discarded, never retried.
	ErrPayloadCorrupt = errors.New("job payload corrupt")

	// ErrInvalidTransition is returned when a status write would move a job backwards.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrUnknownType is returned when no handler is registered for a job's type.
	ErrUnknownType = errors.New("unknown job type")
)
