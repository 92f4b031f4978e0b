package executor

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/openlot/image-delivery/core"
)

// ProgressStage identifies a point in a job's lifecycle.
type ProgressStage string

const (
	StageQueued    ProgressStage = "queued"
	StageFetching  ProgressStage = "fetching"
	StageExecuting ProgressStage = "executing"
	StageEscalated ProgressStage = "escalated"
	StageDone      ProgressStage = "done"
)

// ProgressEvent is one tick of a job's progress stream.
type ProgressEvent struct {
	Stage   ProgressStage
	Backend string // set from "executing" onward
}

// JobHandle represents one submitted transform.  Callers never block on
// submission: they watch Done and read Result afterwards, and may cancel
// at any time.  Cancellation before execution dequeues the work with no
// side effects; cancellation mid-flight is advisory and a late result is
// discarded.
type JobHandle struct {
	ID          string
	Fingerprint string

	cancel   context.CancelFunc
	done     chan struct{}
	progress chan ProgressEvent

	mu       sync.Mutex
	settled  bool
	artifact *core.Artifact
	err      error
}

func newHandle(fingerprint string, cancel context.CancelFunc) *JobHandle {
	return &JobHandle{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		cancel:      cancel,
		done:        make(chan struct{}),
		progress:    make(chan ProgressEvent, 8),
	}
}

// Done is closed when the job settles (success, failure, or cancellation).
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Progress returns the finite event stream for this job.  It is closed
// when the job settles; slow consumers miss intermediate ticks rather
// than stalling the job.
func (h *JobHandle) Progress() <-chan ProgressEvent { return h.progress }

// Cancel releases the caller's interest.  Safe to call multiple times and
// after settlement.
func (h *JobHandle) Cancel() { h.cancel() }

// Result returns the outcome.  Valid only after Done is closed; before
// that it reports a nil artifact and nil error.
func (h *JobHandle) Result() (*core.Artifact, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.artifact, h.err
}

// Err is a convenience for Result's error half.
func (h *JobHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *JobHandle) emit(ev ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settled {
		return
	}
	select {
	case h.progress <- ev:
	default: // drop tick rather than stall
	}
}

func (h *JobHandle) settle(artifact *core.Artifact, err error) {
	h.mu.Lock()
	if h.settled {
		h.mu.Unlock()
		return
	}
	h.settled = true
	h.artifact = artifact
	h.err = err
	// Closing under the same lock that guards emit keeps a late progress
	// tick from racing the close.
	close(h.progress)
	h.mu.Unlock()
	close(h.done)
}
