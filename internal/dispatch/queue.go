package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"blastbot/pkg/logx"
)

// Job is one unit of queued work, normally a SendMany closure.
type Job func(ctx context.Context) Report

type queued struct {
	id   string
	name string
	at   time.Time
	fn   Job
	done chan Report
}

// Queue serializes batch execution: jobs run strictly in submission order on
// ONE worker goroutine, so no two batches ever interleave their sends. The
// backlog is an unbounded slice, so an admitted job is never shed no matter
// how far the worker falls behind. A job that panics or reports failures
// never stops the queue; submitted jobs cannot be cancelled.
type Queue struct {
	log logx.Logger

	mu   sync.Mutex
	jobs []queued
	// wake is buffered so a Submit never blocks on a worker that is already
	// signalled.
	wake chan struct{}

	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when the
	// worker fully exits.
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func NewQueue(log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		log:  log,
		wake: make(chan struct{}, 1),
	}
}

// Submit enqueues fn and returns a channel that receives the job's Report and
// is then closed. Submitting to a queue that is not running yields a closed
// channel with no value.
func (q *Queue) Submit(name string, fn Job) <-chan Report {
	done := make(chan Report, 1)
	j := queued{id: uuid.NewString(), name: name, at: time.Now(), fn: fn, done: done}

	q.mu.Lock()
	if q.stopCh == nil {
		q.mu.Unlock()
		q.log.Warn("run queue not running; dropping job", logx.String("job", j.id), logx.String("name", name))
		close(done)
		return done
	}
	q.jobs = append(q.jobs, j)
	depth := len(q.jobs)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.log.Debug("job enqueued", logx.String("job", j.id), logx.String("name", name), logx.Int("queue_len", depth))
	return done
}

// Len reports how many jobs are waiting (not counting a job mid-execution).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *Queue) pop() (queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return queued{}, false
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, true
}

func (q *Queue) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents double workers).
	for {
		q.mu.Lock()
		if q.stopCh == nil {
			break
		}
		done := q.stopDone
		if done == nil {
			// already running
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
		select {
		case <-done:
			// loop and try again
		case <-ctx.Done():
			return
		}
	}
	defer q.mu.Unlock()
	q.stopCh = make(chan struct{})
	q.runCtx, q.runCancel = context.WithCancel(ctx)

	runCtx := q.runCtx
	stopCh := q.stopCh

	q.workerWG.Add(1)
	go func() {
		defer q.workerWG.Done()
		defer func() {
			if r := recover(); r != nil {
				q.log.Error("panic in run queue worker", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		q.worker(runCtx, stopCh)
	}()
	q.log.Info("run queue started")
}

func (q *Queue) Stop(ctx context.Context) {
	start := time.Now()
	q.mu.Lock()
	if q.stopCh == nil {
		q.mu.Unlock()
		return
	}
	if q.stopDone != nil {
		done := q.stopDone
		q.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	q.stopDone = done
	stopCh := q.stopCh
	cancel := q.runCancel
	q.runCancel = nil
	q.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		q.workerWG.Wait()
		q.mu.Lock()
		q.stopCh = nil
		q.runCtx = nil
		q.stopDone = nil
		q.mu.Unlock()
		close(done)
		q.log.Info("run queue stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// stop continues in background
		return
	}
}

func (q *Queue) worker(ctx context.Context, stopCh <-chan struct{}) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		if j, ok := q.pop(); ok {
			q.execOne(ctx, j)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-q.wake:
		}
	}
}

func (q *Queue) execOne(ctx context.Context, j queued) {
	start := time.Now()
	q.log.Info("job started", logx.String("job", j.id), logx.String("name", j.name), logx.Duration("queued", start.Sub(j.at)))

	var rep Report
	func() {
		defer func() {
			if r := recover(); r != nil {
				q.log.Error("panic in job", logx.String("job", j.id), logx.String("name", j.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		rep = j.fn(ctx)
	}()

	dur := time.Since(start)
	if rep.Failed > 0 {
		q.log.Warn("job finished with failures", logx.String("job", j.id), logx.String("name", j.name), logx.Int("success", rep.Success), logx.Int("failed", rep.Failed), logx.Duration("dur", dur))
	} else {
		q.log.Info("job finished", logx.String("job", j.id), logx.String("name", j.name), logx.Int("success", rep.Success), logx.Duration("dur", dur))
	}

	j.done <- rep
	close(j.done)
}
