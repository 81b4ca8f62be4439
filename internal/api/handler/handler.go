package handler

import (
	"log/slog"

	"github.com/harborview/inspection-be/internal/broker"
	"github.com/harborview/inspection-be/internal/gate"
	"github.com/harborview/inspection-be/internal/jobstore"
	"github.com/harborview/inspection-be/internal/relay"
)

// Dependencies holds everything the HTTP handlers need.
type Dependencies struct {
	Logger *slog.Logger
	Jobs   jobstore.Store
	Gate   *gate.Gate
	Broker broker.Broker
	Hub    *relay.Hub
}

// JobHandler handles job-related HTTP requests.
type JobHandler struct {
	logger *slog.Logger
	jobs   jobstore.Store
	gate   *gate.Gate
	broker broker.Broker
	hub    *relay.Hub
}

// NewJobHandler creates a new JobHandler instance.
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
		gate:   deps.Gate,
		broker: deps.Broker,
		hub:    deps.Hub,
	}
}
