// Package loader is the UI-facing entry point: it decides when an image
// reference should be resolved (viewport visibility, hover, immediate
// priority) and exposes load state to callers without ever blocking their
// control flow.
package loader

import (
	"context"
	"sync"
	"time"

	"github.com/openlot/image-delivery/cache"
	"github.com/openlot/image-delivery/core"
	apperrors "github.com/openlot/image-delivery/errors"
	"github.com/openlot/image-delivery/executor"
)

// Strategy controls when resolution begins.
type Strategy string

const (
	// StrategyNone never resolves automatically; the caller triggers via
	// Retry.
	StrategyNone Strategy = "none"
	// StrategyViewport defers resolution until the observed element
	// intersects the visible area (the UI layer reports this, applying
	// the configured margin so loading starts slightly before the
	// element is on-screen).
	StrategyViewport Strategy = "viewport"
	// StrategyHover begins resolution on pointer-enter.
	StrategyHover Strategy = "hover"
	// StrategyImmediate resolves eagerly regardless of visibility —
	// reserved for above-the-fold content.
	StrategyImmediate Strategy = "immediate"
)

// Placeholder names what the UI shows while loading.
type Placeholder string

const (
	PlaceholderBlur     Placeholder = "blur"
	PlaceholderSkeleton Placeholder = "skeleton"
	PlaceholderNone     Placeholder = "none"
)

// State is the per-subscription load state machine.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateLoaded  State = "loaded"
	StateErrored State = "errored"
)

// Options configures one observation.
type Options struct {
	Strategy    Strategy
	Placeholder Placeholder
	// ViewportMargin is the pixel margin the UI layer should apply when
	// deciding visibility, so loading starts slightly before the element
	// scrolls on-screen.  0 means the visible area exactly.
	ViewportMargin int
	// Transform, when set, resolves the reference through the executor
	// instead of a plain variant fetch.
	Transform core.Params
}

// StateChange is one notification on a subscription's event stream.  All
// outcomes, success and failure alike, arrive through this asynchronous
// path; nothing is ever re-thrown into application code.
type StateChange struct {
	State    State
	Artifact *core.Artifact // set when State == StateLoaded
	Err      error          // set when State == StateErrored
	// Terminal marks an errored state that has exhausted automatic
	// retries; only a caller-initiated Retry restarts it.
	Terminal bool
}

// Config tunes loader-wide behaviour.
type Config struct {
	MaxRetries   int           // automatic retries after a failure; default 2
	RetryBackoff time.Duration // base delay, doubled per retry; default 1s
	// TTLFor maps a variant class to the fetch-cache TTL.
	TTLFor  func(variant string) time.Duration
	Logger  core.Logger
	Metrics core.MetricsCollector
}

// Loader turns image references into asynchronously delivered artifacts.
type Loader struct {
	exec    *executor.Executor
	cache   *cache.Cache
	fetcher core.Fetcher
	cfg     Config

	mu     sync.Mutex
	closed bool
	subs   map[*Subscription]struct{}
}

// New creates a Loader.
func New(exec *executor.Executor, c *cache.Cache, fetcher core.Fetcher, cfg Config) *Loader {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.TTLFor == nil {
		cfg.TTLFor = func(string) time.Duration { return 10 * time.Minute }
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = core.NopMetrics{}
	}
	return &Loader{
		exec:    exec,
		cache:   c,
		fetcher: fetcher,
		cfg:     cfg,
		subs:    make(map[*Subscription]struct{}),
	}
}

// Observe registers interest in a reference.  Resolution timing follows
// the strategy; the caller's UI layer feeds visibility and hover signals
// into the returned subscription.  Close the subscription when the
// observed element unmounts — no orphaned work continues afterwards.
func (l *Loader) Observe(ref core.ImageReference, opts Options) *Subscription {
	if opts.Strategy == "" {
		opts.Strategy = StrategyViewport
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		loader: l,
		ref:    ref,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan StateChange, 8),
		state:  StateIdle,
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		sub.fail(apperrors.New(apperrors.ClassInternal, "loader.observe", apperrors.ErrEngineClosed), true)
		return sub
	}
	l.subs[sub] = struct{}{}
	l.mu.Unlock()

	if opts.Strategy == StrategyImmediate {
		sub.trigger(core.PriorityImmediate)
	}
	return sub
}

// Close cancels every live subscription.
func (l *Loader) Close() {
	l.mu.Lock()
	l.closed = true
	subs := make([]*Subscription, 0, len(l.subs))
	for s := range l.subs {
		subs = append(subs, s)
	}
	l.subs = make(map[*Subscription]struct{})
	l.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

func (l *Loader) forget(sub *Subscription) {
	l.mu.Lock()
	delete(l.subs, sub)
	l.mu.Unlock()
}

// Subscription is one observed element's load lifecycle.
type Subscription struct {
	loader *Loader
	ref    core.ImageReference
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	events chan StateChange

	mu       sync.Mutex
	state    State
	retries  int
	handle   *executor.JobHandle
	closed   bool
	resolved bool // a load has been triggered at least once
}

// Events is the subscription's notification stream.  It is closed when
// the subscription is.
func (s *Subscription) Events() <-chan StateChange { return s.events }

// State returns the current state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reference returns the observed reference.
func (s *Subscription) Reference() core.ImageReference { return s.ref }

// Placeholder reports what the UI should render before the load settles.
func (s *Subscription) Placeholder() Placeholder {
	if s.opts.Placeholder == "" {
		return PlaceholderNone
	}
	return s.opts.Placeholder
}

// ViewportMargin reports the margin the UI layer should apply when it
// decides whether the observed element counts as visible.
func (s *Subscription) ViewportMargin() int { return s.opts.ViewportMargin }

// NotifyVisible reports that the observed element intersects the viewport
// (plus margin).  Starts resolution under the viewport strategy.
func (s *Subscription) NotifyVisible() {
	if s.opts.Strategy == StrategyViewport {
		s.trigger(core.PriorityViewport)
	}
}

// NotifyHover reports pointer-enter.  Starts resolution under the hover
// strategy.
func (s *Subscription) NotifyHover() {
	if s.opts.Strategy == StrategyHover {
		s.trigger(core.PriorityHover)
	}
}

// Retry restarts a terminally failed load.  It is the caller-initiated
// affordance once automatic retries are exhausted; it also starts a
// StrategyNone subscription.
func (s *Subscription) Retry() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.retries = 0
	s.resolved = false
	s.state = StateIdle
	s.mu.Unlock()
	s.trigger(core.PriorityImmediate)
}

// Close cancels any in-flight work and removes the observation.  Safe to
// call multiple times.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handle := s.handle
	s.mu.Unlock()

	s.cancel()
	if handle != nil {
		handle.Cancel()
	}
	s.loader.forget(s)
	close(s.events)
}

// trigger moves idle → loading exactly once per load attempt cycle.
func (s *Subscription) trigger(priority core.Priority) {
	s.mu.Lock()
	if s.closed || s.resolved {
		s.mu.Unlock()
		return
	}
	s.resolved = true
	s.state = StateLoading
	s.mu.Unlock()

	s.publish(StateChange{State: StateLoading})
	go s.resolve(priority)
}

func (s *Subscription) resolve(priority core.Priority) {
	artifact, err := s.load(priority)
	if err != nil {
		s.onError(err, priority)
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = StateLoaded
	s.mu.Unlock()
	s.publish(StateChange{State: StateLoaded, Artifact: artifact})
}

// load resolves through the executor for transforms, or through the fetch
// cache for untransformed variants.
func (s *Subscription) load(priority core.Priority) (*core.Artifact, error) {
	if s.opts.Transform != nil {
		req := core.TransformRequest{
			Source:   s.ref,
			Op:       s.opts.Transform.Operation(),
			Params:   s.opts.Transform,
			Priority: priority,
		}
		handle := s.loader.exec.Submit(req)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			handle.Cancel()
			return nil, apperrors.Wrap(apperrors.ClassCanceled, "loader.load", context.Canceled)
		}
		s.handle = handle
		s.mu.Unlock()

		select {
		case <-handle.Done():
			return handle.Result()
		case <-s.ctx.Done():
			handle.Cancel()
			return nil, apperrors.Wrap(apperrors.ClassCanceled, "loader.load", s.ctx.Err())
		}
	}

	key := core.FetchFingerprint(s.ref)
	ttl := s.loader.cfg.TTLFor(s.ref.Variant)
	return s.loader.cache.GetOrCompute(s.ctx, key, ttl, func(ctx context.Context) (*core.Artifact, error) {
		payload, err := s.loader.fetcher.Fetch(ctx, s.ref)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ClassSourceUnavailable, "loader.fetch", err)
		}
		return &core.Artifact{Bytes: payload.Bytes, URL: payload.URL, Backend: "fetch"}, nil
	})
}

func (s *Subscription) onError(err error, priority core.Priority) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// Cancellation is not a failure; the subscription is going away.
	if apperrors.IsClass(err, apperrors.ClassCanceled) {
		s.mu.Unlock()
		return
	}
	s.state = StateErrored
	retriable := s.retries < s.loader.cfg.MaxRetries &&
		!apperrors.IsClass(err, apperrors.ClassInvalidRequest)
	if retriable {
		s.retries++
		backoff := s.loader.cfg.RetryBackoff << (s.retries - 1)
		s.resolved = false
		attempt := s.retries
		s.mu.Unlock()

		s.publish(StateChange{State: StateErrored, Err: err})
		s.loader.cfg.Logger.Debug("loader.retry", "ref", s.ref.Key(), "attempt", attempt, "error", err.Error())
		timer := time.AfterFunc(backoff, func() { s.trigger(priority) })
		go func() {
			<-s.ctx.Done()
			timer.Stop()
		}()
		return
	}
	s.mu.Unlock()
	s.fail(err, true)
}

func (s *Subscription) fail(err error, terminal bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = StateErrored
	s.mu.Unlock()
	s.publish(StateChange{State: StateErrored, Err: err, Terminal: terminal})
}

// publish never blocks the resolution goroutine: a consumer that stopped
// draining misses intermediate notifications, and the latest state is
// always available via State().
func (s *Subscription) publish(ev StateChange) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.events <- ev:
	default:
	}
	s.mu.Unlock()
}
