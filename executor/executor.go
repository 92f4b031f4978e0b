// Package executor routes transform requests through the result cache to
// the local worker pool or the remote processing gateway.  It is the
// single seam where "local capability unavailable" degrades gracefully
// instead of failing outright.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/openlot/image-delivery/cache"
	"github.com/openlot/image-delivery/core"
	apperrors "github.com/openlot/image-delivery/errors"
	"github.com/openlot/image-delivery/gateway"
	"github.com/openlot/image-delivery/worker"
)

// Options configures an Executor.
type Options struct {
	Cache   *cache.Cache
	Pool    *worker.Pool // nil disables the local path
	Gateway *gateway.Gateway
	Fetcher core.Fetcher
	// Store, when set, persists computed artifacts by fingerprint and is
	// consulted before any backend runs, so results survive restarts.
	Store core.ArtifactStore
	// TTLFor maps a delivery-variant class to its cache TTL.
	TTLFor func(variant string) time.Duration
	// MaxLocalSourceBytes routes sources above this size straight to the
	// remote service (canvas extension on a full-resolution shot is too
	// expensive for the client).  0 = 8 MiB.
	MaxLocalSourceBytes int64
	Logger              core.Logger
	Metrics             core.MetricsCollector
}

// Executor implements Submit.  Safe for concurrent use.
type Executor struct {
	cache    *cache.Cache
	pool     *worker.Pool
	gateway  *gateway.Gateway
	fetcher  core.Fetcher
	store    core.ArtifactStore
	ttlFor   func(string) time.Duration
	maxLocal int64
	logger   core.Logger
	metrics  core.MetricsCollector
}

// New creates an Executor.
func New(opts Options) *Executor {
	ttlFor := opts.TTLFor
	if ttlFor == nil {
		ttlFor = func(string) time.Duration { return 10 * time.Minute }
	}
	maxLocal := opts.MaxLocalSourceBytes
	if maxLocal <= 0 {
		maxLocal = 8 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = core.NopMetrics{}
	}
	return &Executor{
		cache:    opts.Cache,
		pool:     opts.Pool,
		gateway:  opts.Gateway,
		fetcher:  opts.Fetcher,
		store:    opts.Store,
		ttlFor:   ttlFor,
		maxLocal: maxLocal,
		logger:   logger,
		metrics:  metrics,
	}
}

// Submit validates and dispatches a request.  It never blocks: the
// returned handle settles asynchronously.  Identical concurrent requests
// share one underlying computation through the cache.
func (e *Executor) Submit(req core.TransformRequest) *JobHandle {
	ctx, cancel := context.WithCancel(context.Background())
	handle := newHandle("", cancel)

	if err := core.ValidateRequest(req); err != nil {
		e.metrics.RecordError(req.Op, string(apperrors.Classify(err)))
		handle.settle(nil, err)
		return handle
	}
	handle.Fingerprint = req.Fingerprint()
	handle.emit(ProgressEvent{Stage: StageQueued})

	go e.run(ctx, handle, req)
	return handle
}

func (e *Executor) run(ctx context.Context, handle *JobHandle, req core.TransformRequest) {
	ttl := e.ttlFor(req.Source.Variant)
	artifact, err := e.cache.GetOrCompute(ctx, handle.Fingerprint, ttl, func(ctx context.Context) (*core.Artifact, error) {
		return e.dispatch(ctx, handle, req)
	})
	if err != nil {
		if ctx.Err() != nil {
			// Caller released interest; any result that still arrives is
			// discarded with it.
			err = apperrors.Wrap(apperrors.ClassCanceled, "executor.run", ctx.Err())
		}
		e.metrics.RecordError(req.Op, string(apperrors.Classify(err)))
		handle.settle(nil, err)
		return
	}
	handle.emit(ProgressEvent{Stage: StageDone, Backend: artifact.Backend})
	handle.settle(artifact, nil)
}

// dispatch prefers the worker pool when the operation is supported locally
// and the pool accepts the task; otherwise, or when the local attempt
// crashes, it escalates to the remote gateway.  Worker failures surface to
// the caller only when both paths fail.
func (e *Executor) dispatch(ctx context.Context, handle *JobHandle, req core.TransformRequest) (*core.Artifact, error) {
	const op = "executor.dispatch"

	if e.store != nil {
		if artifact, err := e.store.Get(ctx, handle.Fingerprint); err == nil {
			return artifact, nil
		}
	}

	handle.emit(ProgressEvent{Stage: StageFetching})
	payload, err := e.fetcher.Fetch(ctx, req.Source)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ClassSourceUnavailable, op, err)
	}

	var localErr error
	if e.localEligible(payload) {
		handle.emit(ProgressEvent{Stage: StageExecuting, Backend: "local"})
		artifact, err := e.runLocal(ctx, req, payload.Bytes)
		switch {
		case err == nil:
			e.persist(ctx, handle.Fingerprint, artifact)
			return artifact, nil
		case apperrors.IsClass(err, apperrors.ClassWorkerFailure):
			// Recoverable locally-crashed work: escalate once.
			localErr = err
			e.logger.Warn("executor.escalate", "op", req.Op, "error", err.Error())
			handle.emit(ProgressEvent{Stage: StageEscalated, Backend: "remote"})
		default:
			// Invalid requests and cancellations do not improve remotely.
			return nil, err
		}
	}

	if e.gateway == nil || !e.gateway.Available() {
		if localErr != nil {
			return nil, localErr
		}
		return nil, apperrors.New(apperrors.ClassServiceUnavailable, op,
			fmt.Errorf("operation %s has no available backend", req.Op))
	}

	if localErr == nil {
		handle.emit(ProgressEvent{Stage: StageExecuting, Backend: "remote"})
	}
	artifact, remoteErr := e.gateway.Process(ctx, req)
	if remoteErr != nil {
		if localErr != nil {
			// Both paths failed; surface the local crash with the remote
			// failure attached for diagnostics.
			return nil, apperrors.New(apperrors.ClassWorkerFailure, op,
				fmt.Errorf("local: %v; remote: %w", localErr, remoteErr))
		}
		return nil, remoteErr
	}
	e.persist(ctx, handle.Fingerprint, artifact)
	return artifact, nil
}

// persist writes the artifact to the warm-start store; failures are logged
// and never affect the job outcome.
func (e *Executor) persist(ctx context.Context, fingerprint string, artifact *core.Artifact) {
	if e.store == nil {
		return
	}
	if err := e.store.Put(ctx, fingerprint, artifact); err != nil {
		e.logger.Warn("executor.store", "fingerprint", fingerprint, "error", err.Error())
	}
}

func (e *Executor) localEligible(payload *core.SourcePayload) bool {
	if e.pool == nil || len(payload.Bytes) == 0 {
		return false
	}
	if int64(len(payload.Bytes)) > e.maxLocal {
		return false
	}
	return true
}

func (e *Executor) runLocal(ctx context.Context, req core.TransformRequest, src []byte) (*core.Artifact, error) {
	task := worker.NewTask(ctx, req.Op, req.Params, src, req.Priority)
	resultCh, err := e.pool.Enqueue(task)
	if err != nil {
		// Saturated or incapable pool reads as a worker failure so the
		// dispatch seam escalates.
		return nil, err
	}
	select {
	case <-ctx.Done():
		// The worker will still finish and buffer its result; nobody
		// reads it, which is the advisory-cancellation contract.
		return nil, apperrors.Wrap(apperrors.ClassCanceled, "executor.local", ctx.Err())
	case res := <-resultCh:
		return res.Artifact, res.Err
	}
}
