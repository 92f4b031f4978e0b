package worker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openlot/image-delivery/core"
	apperrors "github.com/openlot/image-delivery/errors"
)

// item pairs a queued task with its result channel.
type item struct {
	task   Task
	result chan<- Result
}

// Options configures a Pool.
type Options struct {
	Size      int // worker goroutines; 0 = 4
	QueueSize int // normal-priority queue bound; 0 = 256
	Logger    core.Logger
	Metrics   core.MetricsCollector
}

// Pool runs tasks on a fixed set of workers.  Workers are stateless
// between tasks: one task in, one result out, immediately eligible for
// the next; all queuing discipline lives in the pool.  A task that
// panics rejects that task only; the pool replaces the worker and keeps
// servicing the queue.
type Pool struct {
	transformer core.Transformer

	// Three bounded queues implement the priority discipline: immediate
	// bypasses FIFO order, background is the first work shed under load.
	immediate  chan item
	normal     chan item
	background chan item

	wg      sync.WaitGroup
	quit    chan struct{}
	closed  atomic.Bool
	logger  core.Logger
	metrics core.MetricsCollector
}

// NewPool creates and starts a Pool executing tasks on t.
func NewPool(t core.Transformer, opts Options) *Pool {
	size := opts.Size
	if size <= 0 {
		size = 4
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = core.NopMetrics{}
	}

	p := &Pool{
		transformer: t,
		immediate:   make(chan item, size),
		normal:      make(chan item, queueSize),
		background:  make(chan item, queueSize/4+1),
		quit:        make(chan struct{}),
		logger:      logger,
		metrics:     metrics,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Enqueue submits one task.  The returned channel receives exactly one
// Result.  A full queue returns ErrQueueFull immediately — backpressure is
// the caller's signal to defer or route the work elsewhere rather than
// queueing without bound.
func (p *Pool) Enqueue(task Task) (<-chan Result, error) {
	if p.closed.Load() {
		return nil, apperrors.New(apperrors.ClassWorkerFailure, "worker.enqueue", apperrors.ErrPoolClosed)
	}
	if !p.transformer.Supports(task.Op) {
		return nil, apperrors.New(apperrors.ClassWorkerFailure, "worker.enqueue",
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedOperation, task.Op))
	}

	resultCh := make(chan Result, 1)
	it := item{task: task, result: resultCh}

	var queue chan item
	switch task.Priority {
	case core.PriorityImmediate:
		queue = p.immediate
	case core.PriorityBackground:
		queue = p.background
	default:
		queue = p.normal
	}

	select {
	case queue <- it:
		return resultCh, nil
	default:
		return nil, apperrors.New(apperrors.ClassWorkerFailure, "worker.enqueue", apperrors.ErrQueueFull)
	}
}

// EnqueueBatch submits tasks and streams settled results as they arrive,
// in completion order.  A failing task yields its failure event without
// blocking delivery of the others.  The channel is closed after the last
// event.
func (p *Pool) EnqueueBatch(tasks []Task) <-chan BatchEvent {
	events := make(chan BatchEvent, len(tasks))
	total := len(tasks)

	var completed atomic.Int64
	var wg sync.WaitGroup

	emit := func(res Result) {
		events <- BatchEvent{
			Result:    res,
			Completed: int(completed.Add(1)),
			Total:     total,
		}
	}

	for _, task := range tasks {
		resultCh, err := p.Enqueue(task)
		if err != nil {
			emit(Result{TaskID: task.ID, Err: err})
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			emit(<-resultCh)
		}()
	}
	go func() {
		wg.Wait()
		close(events)
	}()
	return events
}

// Close stops accepting work and waits for in-flight tasks to settle.
// Queued tasks that have not started are rejected with ErrPoolClosed.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.quit)
	p.wg.Wait()
	p.drain(p.immediate)
	p.drain(p.normal)
	p.drain(p.background)
}

func (p *Pool) drain(queue chan item) {
	for {
		select {
		case it := <-queue:
			it.result <- Result{TaskID: it.task.ID,
				Err: apperrors.New(apperrors.ClassWorkerFailure, "worker.drain", apperrors.ErrPoolClosed)}
		default:
			return
		}
	}
}

// ── worker internals ──────────────────────────────────────────────────────────

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		it, ok := p.next()
		if !ok {
			return
		}
		p.runTask(it)
	}
}

// next dequeues respecting priority: immediate first, then normal, then
// background.  Blocks until work or shutdown.
func (p *Pool) next() (item, bool) {
	// Fast path: immediate work waiting.
	select {
	case it := <-p.immediate:
		return it, true
	default:
	}
	select {
	case <-p.quit:
		return item{}, false
	case it := <-p.immediate:
		return it, true
	case it := <-p.normal:
		return it, true
	case it := <-p.background:
		// Yield to higher-priority work that raced in.
		select {
		case hi := <-p.immediate:
			p.requeue(it)
			return hi, true
		default:
			return it, true
		}
	}
}

// requeue puts a background item back; if its queue filled meanwhile the
// item is rejected rather than blocking a worker.
func (p *Pool) requeue(it item) {
	select {
	case p.background <- it:
	default:
		it.result <- Result{TaskID: it.task.ID,
			Err: apperrors.New(apperrors.ClassWorkerFailure, "worker.requeue", apperrors.ErrQueueFull)}
	}
}

func (p *Pool) runTask(it item) {
	task := it.task

	// Cancellation is effective pre-execution: a task whose caller has
	// already released interest never reaches the transformer.
	if err := task.ctx.Err(); err != nil {
		it.result <- Result{TaskID: task.ID,
			Err: apperrors.Wrap(apperrors.ClassCanceled, "worker.run", err)}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			// One bad task must never stall the pool: the crash rejects
			// this task only and the recovered goroutine is the
			// replacement worker.
			p.metrics.RecordWorkerRespawn()
			p.logger.Error("worker.crash", "task", task.ID, "op", task.Op, "panic", r)
			it.result <- Result{TaskID: task.ID,
				Err: apperrors.New(apperrors.ClassWorkerFailure, "worker.run", fmt.Errorf("worker panic: %v", r))}
		}
	}()

	start := time.Now()
	artifact, err := p.transformer.Apply(task.ctx, task.Op, task.Params, task.Source)
	if err != nil {
		it.result <- Result{TaskID: task.ID,
			Err: apperrors.Wrap(apperrors.ClassWorkerFailure, "worker.run", err)}
		return
	}
	p.metrics.RecordJobDuration(task.Op, time.Since(start))
	it.result <- Result{TaskID: task.ID, Artifact: artifact}
}
