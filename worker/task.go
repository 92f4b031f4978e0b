// Package worker implements the fixed-size local execution pool.
package worker

import (
	"context"

	"github.com/google/uuid"

	"github.com/openlot/image-delivery/core"
)

// Task is one unit of work for the pool: an operation, its parameter
// union, and the source pixel buffer.  The pool owns a task only for its
// execution duration; ownership returns to the caller on completion.
type Task struct {
	ID       string
	Op       core.Operation
	Params   core.Params
	Source   []byte
	Priority core.Priority

	// ctx carries the submitting job's cancellation: a task whose context
	// is already done when a worker picks it up is dequeued without
	// executing.
	ctx context.Context //nolint:containedctx // intentional for async tasks
}

// NewTask builds a Task with a fresh id.
func NewTask(ctx context.Context, op core.Operation, params core.Params, source []byte, priority core.Priority) Task {
	if ctx == nil {
		ctx = context.Background()
	}
	return Task{
		ID:       uuid.NewString(),
		Op:       op,
		Params:   params,
		Source:   source,
		Priority: priority,
		ctx:      ctx,
	}
}

// Result is the outcome of one task: an artifact or a structured error,
// never both.
type Result struct {
	TaskID   string
	Artifact *core.Artifact
	Err      error
}

// BatchEvent reports one settled task of a batch together with overall
// progress, so a caller rendering 200 thumbnails can start displaying
// results incrementally instead of waiting for the whole batch.
type BatchEvent struct {
	Result    Result
	Completed int
	Total     int
}
