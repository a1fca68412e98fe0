package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/example/kdp-orchestrator/internal/logger"
)

// ErrQueueFull is returned when the local buffer cannot take another task.
var ErrQueueFull = errors.New("local queue is full")

var errStopped = errors.New("local queue stopped")

var _ PostCommitDispatcher = (*LocalQueue)(nil)

type delivery struct {
	task    ApplyTask
	attempt int
}

// LocalQueue runs tasks in process on an ants pool. Failed deliveries are
// redelivered after RetryDelay until MaxAttempts. Nothing survives a
// restart, so it is meant for tests and single-binary dev mode.
type LocalQueue struct {
	opts     Options
	handle   ApplyHandler
	periodic []PeriodicJob
	pool     *ants.Pool
	ch       chan delivery

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
	cancel  context.CancelFunc
	loops   *errgroup.Group
}

func NewLocal(opts Options, handle ApplyHandler, periodic ...PeriodicJob) (*LocalQueue, error) {
	opts = opts.withDefaults()
	panicHandler := func(p interface{}) {
		logger.Error("worker panic recovered",
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}
	pool, err := ants.NewPool(opts.PoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
	)
	if err != nil {
		return nil, err
	}
	return &LocalQueue{
		opts:     opts,
		handle:   handle,
		periodic: periodic,
		pool:     pool,
		ch:       make(chan delivery, 1024),
		timers:   map[*time.Timer]struct{}{},
	}, nil
}

// EnqueueApply only checks that the queue still accepts work. The task is
// buffered by HandOff once the caller's transaction has committed.
func (q *LocalQueue) EnqueueApply(_ context.Context, _ *gorm.DB, _ ApplyTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return errStopped
	}
	return nil
}

// HandOff buffers task without blocking.
func (q *LocalQueue) HandOff(_ context.Context, task ApplyTask) error {
	return q.push(delivery{task: task, attempt: 1})
}

func (q *LocalQueue) push(d delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return errStopped
	}
	select {
	case q.ch <- d:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the dispatch loop and periodic jobs.
func (q *LocalQueue) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	q.mu.Lock()
	q.cancel = cancel
	q.loops = g
	q.mu.Unlock()

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case d := <-q.ch:
				if err := q.pool.Submit(func() { q.run(ctx, d) }); err != nil {
					logger.Error("submit apply task", zap.Uint("run_id", d.task.RunID), zap.Error(err))
				}
			}
		}
	})

	for _, pj := range q.periodic {
		g.Go(func() error {
			q.runPeriodic(ctx, pj)
			ticker := time.NewTicker(pj.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					q.runPeriodic(ctx, pj)
				}
			}
		})
	}
	return nil
}

func (q *LocalQueue) runPeriodic(ctx context.Context, pj PeriodicJob) {
	if err := pj.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("periodic task failed", zap.String("task", pj.Name), zap.Error(err))
	}
}

func (q *LocalQueue) run(ctx context.Context, d delivery) {
	err := q.handle(ctx, d.task, d.attempt)
	if err == nil {
		return
	}

	fields := []zap.Field{
		zap.Uint("intent_id", d.task.IntentID),
		zap.Uint("run_id", d.task.RunID),
		zap.Int("attempt", d.attempt),
		zap.Error(err),
	}
	if IsPermanent(err) || d.attempt >= q.opts.MaxAttempts {
		logger.Error("apply task gave up", fields...)
		return
	}

	delay := RetryDelay(q.opts, d.attempt)
	logger.Warn("apply task failed, retrying", append(fields, zap.Duration("delay", delay))...)
	next := delivery{task: d.task, attempt: d.attempt + 1}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		if err := q.push(next); err != nil {
			logger.Error("redeliver apply task", zap.Uint("run_id", next.task.RunID), zap.Error(err))
		}
	})
	q.timers[t] = struct{}{}
}

// Running reports busy workers.
func (q *LocalQueue) Running() int { return q.pool.Running() }

// Stop cancels loops, drops pending retries and waits up to the context
// deadline for in-flight tasks.
func (q *LocalQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	cancel, loops := q.cancel, q.loops
	q.mu.Unlock()

	if cancel != nil {
		cancel()
		_ = loops.Wait()
	}

	timeout := 10 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	return q.pool.ReleaseTimeout(timeout)
}
