// Package imagedelivery wires the result cache, worker pool, remote
// gateway, executor, and progressive loader into one engine embedded in the
// surrounding application.  The application supplies a Fetcher resolving its
// opaque image references; everything else is internal.
package imagedelivery

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/openlot/image-delivery/cache"
	"github.com/openlot/image-delivery/config"
	"github.com/openlot/image-delivery/core"
	apperrors "github.com/openlot/image-delivery/errors"
	"github.com/openlot/image-delivery/executor"
	"github.com/openlot/image-delivery/gateway"
	"github.com/openlot/image-delivery/hooks"
	"github.com/openlot/image-delivery/loader"
	"github.com/openlot/image-delivery/transform"
	"github.com/openlot/image-delivery/worker"
)

// Re-export the operation constants for convenience.
const (
	Resize        = core.OpResize
	Crop          = core.OpCrop
	ExtendCanvas  = core.OpExtendCanvas
	GenerateMatte = core.OpGenerateMatte
	Analyze       = core.OpAnalyze
)

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

type options struct {
	logger      core.Logger
	metrics     core.MetricsCollector
	transformer core.Transformer
	store       core.ArtifactStore
}

// Option customises engine construction.
type Option func(*options)

// WithLogger attaches a structured logger.
func WithLogger(l core.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics attaches a metrics collector.
func WithMetrics(m core.MetricsCollector) Option { return func(o *options) { o.metrics = m } }

// WithTransformer replaces the pure-Go local backend, e.g. with the libvips
// adapter.
func WithTransformer(t core.Transformer) Option { return func(o *options) { o.transformer = t } }

// WithStore attaches a warm-start artifact store.
func WithStore(s core.ArtifactStore) Option { return func(o *options) { o.store = s } }

// Engine is the primary entry point.
type Engine struct {
	cfg     config.Config
	cache   *cache.Cache
	pool    *worker.Pool
	exec    *executor.Executor
	loader  *loader.Loader
	logger  core.Logger
	metrics core.MetricsCollector
	closed  atomic.Bool
}

// New creates a fully wired Engine.  fetcher must not be nil; it is the
// single contract toward the surrounding application.
func New(cfg config.Config, fetcher core.Fetcher, opts ...Option) (*Engine, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = hooks.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel(cfg.LogLevel),
		})))
	}
	if o.metrics == nil {
		o.metrics = core.NopMetrics{}
	}
	if o.transformer == nil {
		o.transformer = transform.NewLocal(transform.NewRegistry(), 0)
	}

	resultCache := cache.New(cache.Options{
		MaxEntries:    cfg.MaxCacheEntries,
		FailureGrace:  cfg.FailureGrace,
		SweepInterval: cfg.SweepInterval,
		Logger:        o.logger,
		Metrics:       o.metrics,
	})
	pool := worker.NewPool(o.transformer, worker.Options{
		Size:      cfg.Workers(),
		QueueSize: cfg.QueueSize,
		Logger:    o.logger,
		Metrics:   o.metrics,
	})

	var gw *gateway.Gateway
	if cfg.RemoteEndpoint != "" {
		gw = gateway.New(gateway.Options{
			Endpoint:     cfg.RemoteEndpoint,
			Fetcher:      fetcher,
			ShortTimeout: cfg.ShortTimeout,
			LongTimeout:  cfg.LongTimeout,
			RetryBackoff: cfg.RetryBackoff,
			Logger:       o.logger,
			Metrics:      o.metrics,
		})
	}

	exec := executor.New(executor.Options{
		Cache:   resultCache,
		Pool:    pool,
		Gateway: gw,
		Fetcher: fetcher,
		Store:   o.store,
		TTLFor:  cfg.TTLFor,
		Logger:  o.logger,
		Metrics: o.metrics,
	})
	ld := loader.New(exec, resultCache, fetcher, loader.Config{
		MaxRetries:   cfg.LoaderMaxRetries,
		RetryBackoff: cfg.LoaderRetryBackoff,
		TTLFor:       cfg.TTLFor,
		Logger:       o.logger,
		Metrics:      o.metrics,
	})

	return &Engine{
		cfg:     cfg,
		cache:   resultCache,
		pool:    pool,
		exec:    exec,
		loader:  ld,
		logger:  o.logger,
		metrics: o.metrics,
	}, nil
}

// Observe registers interest in an image reference with progressive-loading
// semantics.  The returned subscription delivers state changes
// asynchronously; feed it visibility and hover signals from the UI layer.
func (e *Engine) Observe(ref core.ImageReference, opts loader.Options) *loader.Subscription {
	return e.loader.Observe(ref, opts)
}

// Submit dispatches one transform request and returns immediately.  The
// handle settles asynchronously; identical concurrent requests share one
// computation.
func (e *Engine) Submit(req core.TransformRequest) *executor.JobHandle {
	return e.exec.Submit(req)
}

// BatchResult is one settled item of a batch.
type BatchResult struct {
	Fingerprint string
	Artifact    *core.Artifact
	Err         error
	Completed   int
	Total       int
}

// Batch submits requests together and streams results in completion order.
// One failing request reports its failure without aborting the rest.  The
// channel closes after the last result.
func (e *Engine) Batch(ctx context.Context, reqs []core.TransformRequest) <-chan BatchResult {
	results := make(chan BatchResult, len(reqs))
	total := len(reqs)

	var completed atomic.Int64
	var outstanding atomic.Int64
	outstanding.Store(int64(total))

	for _, req := range reqs {
		handle := e.Submit(req)
		go func() {
			select {
			case <-handle.Done():
			case <-ctx.Done():
				handle.Cancel()
				<-handle.Done()
			}
			artifact, err := handle.Result()
			results <- BatchResult{
				Fingerprint: handle.Fingerprint,
				Artifact:    artifact,
				Err:         err,
				Completed:   int(completed.Add(1)),
				Total:       total,
			}
			if outstanding.Add(-1) == 0 {
				close(results)
			}
		}()
	}
	if total == 0 {
		close(results)
	}
	return results
}

// Invalidate removes one cached result by fingerprint.
func (e *Engine) Invalidate(fingerprint string) { e.cache.Invalidate(fingerprint) }

// InvalidateOperation removes every cached result of one operation.
func (e *Engine) InvalidateOperation(op core.Operation) {
	e.cache.InvalidatePrefix(string(op) + "/")
}

// InvalidateFetched removes the cached untransformed variant for ref.
func (e *Engine) InvalidateFetched(ref core.ImageReference) {
	e.cache.Invalidate(core.FetchFingerprint(ref))
}

// CacheLen reports the number of settled cache entries.
func (e *Engine) CacheLen() int { return e.cache.Len() }

// Close shuts the engine down: subscriptions cancel, the pool drains, and
// the cache empties.  Safe to call once; afterwards Submit settles with an
// engine-closed failure and Observe returns terminally failed subscriptions.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return apperrors.ErrEngineClosed
	}
	e.loader.Close()
	e.pool.Close()
	e.cache.Close()
	return nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
