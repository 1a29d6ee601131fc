package tasks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/trellishq/trellis/internal/logging"
)

// ErrDrainTimeout is returned by Stop when in-flight handlers did not
// finish within the drain window. Their tasks stay PROCESSING and are
// recovered by the stale releaser.
var ErrDrainTimeout = errors.New("tasks: drain timed out; in-flight tasks left for stale release")

var errAlreadyStarted = errors.New("tasks: worker already started")

// RetryPolicy computes the delay before a failed task runs again:
// min(BaseDelay * Multiplier^attempt, MaxDelay), scaled by a uniform
// [0.5, 1.0] factor when Jitter is on.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()/2
	}
	return time.Duration(d)
}

// WorkerConfig tunes the worker loops. Zero values fall back to
// defaults.
type WorkerConfig struct {
	// Queues to poll; one poll goroutine per queue.
	Queues []string
	// Concurrency bounds in-flight handler executions across all queues.
	Concurrency int
	// PollInterval is the idle sleep when a queue is empty or the
	// in-flight bound is hit.
	PollInterval time.Duration
	// ScheduleCheckInterval paces the scheduled-to-pending promoter.
	ScheduleCheckInterval time.Duration
	// StaleCheckInterval paces the stale releaser.
	StaleCheckInterval time.Duration
	// StaleTimeout is how long a task may sit PROCESSING before it is
	// presumed orphaned by a dead worker.
	StaleTimeout time.Duration
	// PromotePageSize bounds one promoter scan.
	PromotePageSize int
	// Retry is the backoff policy for failed attempts.
	Retry RetryPolicy
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if len(c.Queues) == 0 {
		c.Queues = []string{DefaultQueue}
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ScheduleCheckInterval <= 0 {
		c.ScheduleCheckInterval = time.Second
	}
	if c.StaleCheckInterval <= 0 {
		c.StaleCheckInterval = 30 * time.Second
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 5 * time.Minute
	}
	if c.PromotePageSize <= 0 {
		c.PromotePageSize = 128
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Minute
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2
	}
	return c
}

// WorkerStats is a point-in-time snapshot served by the ops API.
type WorkerStats struct {
	WorkerID      string   `json:"worker_id"`
	Queues        []string `json:"queues"`
	Running       bool     `json:"running"`
	InFlight      int64    `json:"in_flight"`
	Claimed       uint64   `json:"claimed"`
	Completed     uint64   `json:"completed"`
	Retried       uint64   `json:"retried"`
	Failed        uint64   `json:"failed"`
	StaleReleased uint64   `json:"stale_released"`
}

// Worker claims and executes tasks. It runs one poll goroutine per
// queue, a scheduled-task promoter and a stale releaser, with handler
// executions bounded by a weighted semaphore. A Worker runs once: after
// Stop it cannot be restarted.
type Worker struct {
	id      string
	cfg     WorkerConfig
	store   Store
	reg     *Registry
	signals *Signals
	sem     *semaphore.Weighted

	// pollCtx stops store polling the moment Stop is called; drainCtx
	// lives on until the drain window expires so in-flight handlers can
	// finish and record their outcomes.
	pollCtx     context.Context
	pollCancel  context.CancelFunc
	drainCtx    context.Context
	drainCancel context.CancelFunc

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	loopWG     sync.WaitGroup
	inflightWG sync.WaitGroup

	inFlight  atomic.Int64
	claimed   atomic.Uint64
	completed atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64
	released  atomic.Uint64
}

// NewWorker builds a worker over the store and handler registry.
func NewWorker(store Store, reg *Registry, cfg WorkerConfig) *Worker {
	cfg = cfg.withDefaults()
	pollCtx, pollCancel := context.WithCancel(context.Background())
	drainCtx, drainCancel := context.WithCancel(context.Background())
	return &Worker{
		id:          "worker-" + uuid.NewString(),
		cfg:         cfg,
		store:       store,
		reg:         reg,
		signals:     NewSignals(),
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency)),
		pollCtx:     pollCtx,
		pollCancel:  pollCancel,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
		stop:        make(chan struct{}),
	}
}

// ID returns the claim identity stamped onto PROCESSING rows.
func (w *Worker) ID() string { return w.id }

// Signals exposes the lifecycle event hub for subscribers.
func (w *Worker) Signals() *Signals { return w.signals }

// Stats snapshots the worker counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		WorkerID:      w.id,
		Queues:        append([]string(nil), w.cfg.Queues...),
		Running:       w.running.Load(),
		InFlight:      w.inFlight.Load(),
		Claimed:       w.claimed.Load(),
		Completed:     w.completed.Load(),
		Retried:       w.retried.Load(),
		Failed:        w.failed.Load(),
		StaleReleased: w.released.Load(),
	}
}

// Start launches the worker loops and blocks until Stop. Returns
// immediately with an error if the worker was already started.
func (w *Worker) Start() error {
	if !w.running.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}
	logging.Info("task worker starting",
		zap.String("worker_id", w.id),
		zap.Strings("queues", w.cfg.Queues),
		zap.Int("concurrency", w.cfg.Concurrency))

	for _, queue := range w.cfg.Queues {
		w.loopWG.Add(1)
		go w.pollLoop(queue)
	}
	w.loopWG.Add(2)
	go w.promoteLoop()
	go w.staleLoop()

	w.loopWG.Wait()
	w.running.Store(false)
	return nil
}

// Stop halts polling immediately and waits up to timeout for in-flight
// handlers. Handlers still running after the window are cancelled and
// their tasks stay PROCESSING for the stale releaser.
func (w *Worker) Stop(timeout time.Duration) error {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.pollCancel()
	})
	w.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		w.inflightWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Info("task worker drained", zap.String("worker_id", w.id))
		return nil
	case <-time.After(timeout):
		abandoned := w.inFlight.Load()
		w.drainCancel()
		<-done
		logging.Warn("task worker drain timed out",
			zap.String("worker_id", w.id),
			zap.Int64("abandoned", abandoned))
		return ErrDrainTimeout
	}
}

// sleep waits for d unless the worker is stopping. Returns false when
// stopping.
func (w *Worker) sleep(d time.Duration) bool {
	select {
	case <-w.stop:
		return false
	case <-time.After(d):
		return true
	}
}

func (w *Worker) pollLoop(queue string) {
	defer w.loopWG.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.PollInterval
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		if !w.sem.TryAcquire(1) {
			if !w.sleep(w.cfg.PollInterval) {
				return
			}
			continue
		}

		t, err := w.store.ClaimNext(w.pollCtx, queue, w.id)
		if err != nil {
			w.sem.Release(1)
			if w.pollCtx.Err() != nil {
				return
			}
			delay := bo.NextBackOff()
			logging.Warn("task claim failed, backing off",
				zap.String("queue", queue),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			if !w.sleep(delay) {
				return
			}
			continue
		}
		bo.Reset()

		if t == nil {
			w.sem.Release(1)
			if !w.sleep(w.cfg.PollInterval) {
				return
			}
			continue
		}

		w.inflightWG.Add(1)
		w.inFlight.Add(1)
		go func(t *Task) {
			defer w.inflightWG.Done()
			defer w.inFlight.Add(-1)
			defer w.sem.Release(1)
			w.execute(t)
		}(t)
	}
}

// promoteLoop moves due SCHEDULED tasks to PENDING so poll loops can
// claim them.
func (w *Worker) promoteLoop() {
	defer w.loopWG.Done()
	for {
		if !w.sleep(w.cfg.ScheduleCheckInterval) {
			return
		}
		due, err := w.store.GetByStatus(w.pollCtx, StatusScheduled, w.cfg.PromotePageSize)
		if err != nil {
			if w.pollCtx.Err() == nil {
				logging.Warn("scheduled task scan failed", zap.Error(err))
			}
			continue
		}
		now := time.Now()
		for _, t := range due {
			// Results are ordered by due time; stop at the first
			// future task.
			if t.ScheduledFor.After(now) {
				break
			}
			t.Status = StatusPending
			if err := w.store.Update(w.pollCtx, t); err != nil {
				if w.pollCtx.Err() == nil {
					logging.Warn("task promotion failed",
						zap.String("task_id", t.ID), zap.Error(err))
				}
			}
		}
	}
}

// staleLoop recovers tasks orphaned by dead workers.
func (w *Worker) staleLoop() {
	defer w.loopWG.Done()
	for {
		if !w.sleep(w.cfg.StaleCheckInterval) {
			return
		}
		n, err := w.store.ReleaseStale(w.pollCtx, time.Now().Add(-w.cfg.StaleTimeout))
		if err != nil {
			if w.pollCtx.Err() == nil {
				logging.Warn("stale release failed", zap.Error(err))
			}
			continue
		}
		if n > 0 {
			w.released.Add(uint64(n))
			logging.Info("released stale tasks", zap.Int("count", n))
		}
	}
}

type attemptResult struct {
	result []byte
	err    error
}

// execute runs one claimed task to an outcome: COMPLETED, SCHEDULED (for
// retry) or FAILED. Shutdown cancellation leaves the row PROCESSING for
// the stale releaser instead of burning a retry.
func (w *Worker) execute(t *Task) {
	w.claimed.Add(1)
	w.signals.emitStarted(t)

	h, ok := w.reg.Lookup(t.Name)
	if !ok {
		// Claimed from a queue shared with other deployments; without a
		// local handler the task can never succeed here.
		w.fail(t, fmt.Errorf("no handler registered for %q", t.Name), "")
		return
	}

	ctx := w.drainCtx
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// The handler gets its own copy and runs on its own goroutine so a
	// handler that ignores cancellation cannot hold the attempt past the
	// deadline; a late write to the clone is discarded.
	ch := make(chan attemptResult, 1)
	go func() {
		res, err := runHandler(ctx, h, t.Clone())
		ch <- attemptResult{res, err}
	}()

	var result []byte
	var err error
	select {
	case a := <-ch:
		result, err = a.result, a.err
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err == nil {
		now := time.Now()
		t.Status = StatusCompleted
		t.CompletedAt = &now
		t.Result = result
		t.Error = ""
		t.StackTrace = ""
		if uerr := w.store.Update(w.drainCtx, t); uerr != nil {
			logging.Error("task completed but update failed",
				zap.String("task_id", t.ID), zap.Error(uerr))
			return
		}
		w.completed.Add(1)
		w.signals.emitCompleted(t)
		return
	}

	if errors.Is(err, context.Canceled) && w.drainCtx.Err() != nil {
		logging.Warn("task abandoned during shutdown", zap.String("task_id", t.ID))
		return
	}

	w.retryOrFail(t, err)
}

func (w *Worker) retryOrFail(t *Task, err error) {
	var stack string
	var pe *panicError
	if errors.As(err, &pe) {
		stack = string(pe.stack)
	}

	if t.RetryCount < t.MaxRetries {
		delay := w.cfg.Retry.delay(t.RetryCount)

		t.Status = StatusRetrying
		t.RetryCount++
		t.Error = err.Error()
		t.StackTrace = stack
		t.WorkerID = ""
		t.StartedAt = nil
		if uerr := w.store.Update(w.drainCtx, t); uerr != nil {
			logging.Error("task retry update failed",
				zap.String("task_id", t.ID), zap.Error(uerr))
			return
		}

		t.Status = StatusScheduled
		t.ScheduledFor = time.Now().Add(delay)
		if uerr := w.store.Update(w.drainCtx, t); uerr != nil {
			logging.Error("task reschedule failed",
				zap.String("task_id", t.ID), zap.Error(uerr))
			return
		}

		w.retried.Add(1)
		w.signals.emitRetried(t)
		logging.Debug("task scheduled for retry",
			zap.String("task_id", t.ID),
			zap.Int("attempt", t.RetryCount),
			zap.Duration("delay", delay),
			zap.Error(err))
		return
	}

	w.fail(t, err, stack)
}

func (w *Worker) fail(t *Task, err error, stack string) {
	now := time.Now()
	t.Status = StatusFailed
	t.CompletedAt = &now
	t.Error = err.Error()
	t.StackTrace = stack
	if uerr := w.store.Update(w.drainCtx, t); uerr != nil {
		logging.Error("task failure update failed",
			zap.String("task_id", t.ID), zap.Error(uerr))
		return
	}
	w.failed.Add(1)
	w.signals.emitFailed(t)
	logging.Error("task failed permanently",
		zap.String("task_id", t.ID),
		zap.String("name", t.Name),
		zap.Int("retries", t.RetryCount),
		zap.Error(err))
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

func runHandler(ctx context.Context, h Handler, t *Task) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return h(ctx, t)
}
