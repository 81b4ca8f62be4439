package broker

import (
	"context"
)

// PublishOptions carries per-message hints. Priority is a single numeric
// hint (higher first, backends may ignore it). DedupKey makes re-publishing
// the same logical job idempotent on backends that support it.
type PublishOptions struct {
	Priority int
	DedupKey string
}

// Depth is the current backlog of the durable channel.
type Depth struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
}

// Delivery is a single consumed message awaiting explicit acknowledgment.
// Exactly one of Ack or Nack must be called, once.
type Delivery struct {
	Body []byte
	Ack  func() error
	Nack func(requeue bool) error
}

// Handler is invoked once per delivered message.
type Handler func(ctx context.Context, d Delivery)

// Broker is the durable transport delivering each published message to
// exactly one consumer at a time, with manual acknowledgment. Backend choice
// (topic exchange, persistent sorted list, in-process) is a deployment
// decision; callers never branch on it.
type Broker interface {
	// EnsureTopology idempotently sets up the durable channel. Safe to call
	// concurrently; callers racing the first setup await its outcome.
	EnsureTopology(ctx context.Context) error

	// Depth reports the current backlog, used for admission control.
	Depth(ctx context.Context) (Depth, error)

	// Publish writes a persistent message that survives broker restart.
	Publish(ctx context.Context, body []byte, opts PublishOptions) error

	// Consume registers the handler and delivers messages until ctx is
	// canceled. The broker never hands a consumer more unacknowledged
	// messages than its configured prefetch count.
	Consume(ctx context.Context, fn Handler) error

	// Health reports broker connectivity for the operator endpoint.
	Health(ctx context.Context) error

	Close() error
}
