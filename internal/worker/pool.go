// Package worker runs clipping tasks on a bounded pool so one oversized
// sketch cannot monopolize the process. Workers that blow their deadline are
// abandoned and replaced rather than waited on.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oceanbits/overlay-engine/internal/core/observability"
	"github.com/oceanbits/overlay-engine/internal/cql2"
	"github.com/oceanbits/overlay-engine/internal/engine"
	"github.com/oceanbits/overlay-engine/internal/geo"
)

var (
	// ErrTimeout is returned when a task exceeds the pool's per-task deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrSaturated is returned immediately when the pending queue is full.
	ErrSaturated = errors.New("worker queue is full")
	// ErrPoolDestroyed is returned for tasks submitted to, or queued in, a
	// closed pool.
	ErrPoolDestroyed = errors.New("worker pool destroyed")
)

const (
	// DefaultQueueDepth bounds how many tasks may wait for a worker.
	DefaultQueueDepth = 12
	// DefaultTaskTimeout bounds a single clipping operation.
	DefaultTaskTimeout = 8 * time.Second
)

// DefaultWorkerCount leaves one CPU for the consumer and HTTP surface.
func DefaultWorkerCount() int {
	if n := runtime.NumCPU() - 1; n > 1 {
		return n
	}
	return 1
}

// Task is one clipping operation with its correlation id.
type Task struct {
	ID     string
	Sketch *engine.PreparedSketch
	Source string
	Op     geo.Op
	Filter *cql2.Query
}

type taskReply struct {
	result *engine.PolygonClipResult
	err    error
}

type taskRequest struct {
	ctx   context.Context
	task  Task
	reply chan taskReply
}

// Pool executes clipping tasks on a fixed number of workers with a bounded
// pending queue.
type Pool struct {
	log     *slog.Logger
	clip    engine.ClipFn
	timeout time.Duration

	queue     chan *taskRequest
	closed    chan struct{}
	closeOnce sync.Once

	busy    atomic.Int64
	workers atomic.Int64

	startWorkers int
	queueDepth   int
}

// Option configures a Pool.
type Option func(*Pool)

func WithPoolLogger(log *slog.Logger) Option {
	return func(p *Pool) { p.log = log }
}

func WithTaskTimeout(d time.Duration) Option {
	return func(p *Pool) { p.timeout = d }
}

// WithWorkerCount overrides the number of workers (default NumCPU-1, min 1).
func WithWorkerCount(n int) Option {
	return func(p *Pool) { p.startWorkers = n }
}

// WithQueueDepth overrides the pending queue bound.
func WithQueueDepth(n int) Option {
	return func(p *Pool) { p.queueDepth = n }
}

// New builds and starts a pool running tasks through clip.
func New(clip engine.ClipFn, opts ...Option) *Pool {
	p := &Pool{
		log:     slog.Default(),
		clip:    clip,
		timeout: DefaultTaskTimeout,
		closed:  make(chan struct{}),
	}
	for _, f := range opts {
		f(p)
	}
	if p.startWorkers <= 0 {
		p.startWorkers = DefaultWorkerCount()
	}
	if p.queueDepth <= 0 {
		p.queueDepth = DefaultQueueDepth
	}
	p.queue = make(chan *taskRequest, p.queueDepth)
	for i := 0; i < p.startWorkers; i++ {
		go p.worker()
	}
	return p
}

// RunClip submits a task and waits for its result. It fails fast with
// ErrSaturated when the pending queue is full, and with ErrTimeout when the
// task outlives the pool deadline.
func (p *Pool) RunClip(ctx context.Context, task Task) (*engine.PolygonClipResult, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolDestroyed
	default:
	}

	req := &taskRequest{ctx: ctx, task: task, reply: make(chan taskReply, 1)}
	select {
	case p.queue <- req:
		observability.SetWorkerQueued(len(p.queue))
	default:
		observability.AddWorkerTask("saturated")
		return nil, ErrSaturated
	}

	select {
	case r := <-req.reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrPoolDestroyed
	}
}

// Workers reports the number of live workers.
func (p *Pool) Workers() int { return int(p.workers.Load()) }

// Busy reports the number of workers currently executing a task.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Readiness reports whether the pool can accept work, for the readiness probe.
func (p *Pool) Readiness() (ready bool, workers int) {
	select {
	case <-p.closed:
		return false, 0
	default:
	}
	n := int(p.workers.Load())
	return n > 0, n
}

// Close stops accepting tasks and rejects everything still queued. In-flight
// tasks are abandoned to their deadline.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		for {
			select {
			case req := <-p.queue:
				req.reply <- taskReply{err: ErrPoolDestroyed}
			default:
				return
			}
		}
	})
}

func (p *Pool) worker() {
	p.workers.Add(1)
	defer p.workers.Add(-1)
	for {
		select {
		case <-p.closed:
			return
		case req := <-p.queue:
			observability.SetWorkerQueued(len(p.queue))
			if !p.run(req) {
				// this worker is compromised; a replacement has been spawned
				return
			}
		}
	}
}

// run executes one task. The returned bool reports whether the worker is
// still healthy; on timeout or panic the task's goroutine is abandoned, a
// replacement worker is spawned and run returns false.
func (p *Pool) run(req *taskRequest) bool {
	observability.SetWorkerBusy(int(p.busy.Add(1)))
	defer func() { observability.SetWorkerBusy(int(p.busy.Add(-1))) }()

	ctx, cancel := context.WithTimeout(req.ctx, p.timeout)
	defer cancel()

	done := make(chan taskReply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- taskReply{err: &PanicError{TaskID: req.task.ID, Value: r}}
			}
		}()
		res, err := p.clip(ctx, req.task.Sketch, req.task.Source, req.task.Op, req.task.Filter)
		done <- taskReply{result: res, err: err}
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case r := <-done:
		req.reply <- r
		var pe *PanicError
		switch {
		case r.err == nil:
			observability.AddWorkerTask("ok")
		case errors.As(r.err, &pe):
			observability.AddWorkerTask("panic")
			p.log.Error("worker replaced after panic", "task_id", req.task.ID, "err", r.err)
			go p.worker()
			return false
		default:
			observability.AddWorkerTask("error")
		}
		return true
	case <-timer.C:
		req.reply <- taskReply{err: ErrTimeout}
		observability.AddWorkerTask("timeout")
		p.log.Warn("worker replaced after task timeout",
			"task_id", req.task.ID,
			"timeout", p.timeout.String())
		go p.worker()
		return false
	}
}

// PanicError wraps a recovered panic from a clipping task.
type PanicError struct {
	TaskID string
	Value  any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("clip task %s panicked: %v", e.TaskID, e.Value)
}
