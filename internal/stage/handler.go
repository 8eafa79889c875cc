package stage

import (
	"context"

	"checkforge/internal/checkpoint"
)

// Request carries the inputs for one stage attempt.
type Request struct {
	Item *checkpoint.Item
	// AttemptNumber starts at 1 and increments for each self-check retry.
	AttemptNumber int
	// Feedback describes why the previous attempt was rejected. Empty on the
	// first attempt.
	Feedback string
}

// Handler describes the contract the workflow engine needs from each stage.
// Execute must be idempotent with respect to external side effects for a
// given item state and attempt number; at-most-once delivery is the engine's
// job, not the handler's.
type Handler interface {
	Execute(context.Context, Request) (checkpoint.StageResult, error)
	HealthCheck(context.Context) Health
}
