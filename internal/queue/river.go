package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverdatabasesql"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/kdp-orchestrator/internal/logger"
)

// PeriodicTaskArgs names the periodic job to run.
type PeriodicTaskArgs struct {
	Name string `json:"name"`
}

func (PeriodicTaskArgs) Kind() string { return KindPeriodicTask }

type applyWorker struct {
	river.WorkerDefaults[ApplyTask]
	handle ApplyHandler
	opts   Options
}

func (w *applyWorker) Work(ctx context.Context, job *river.Job[ApplyTask]) error {
	err := w.handle(ctx, job.Args, job.Attempt)
	if err != nil && IsPermanent(err) {
		return river.JobCancel(err)
	}
	return err
}

func (w *applyWorker) NextRetry(job *river.Job[ApplyTask]) time.Time {
	return time.Now().Add(RetryDelay(w.opts, job.Attempt))
}

type periodicWorker struct {
	river.WorkerDefaults[PeriodicTaskArgs]
	jobs map[string]PeriodicJob
}

func (w *periodicWorker) Work(ctx context.Context, job *river.Job[PeriodicTaskArgs]) error {
	pj, ok := w.jobs[job.Args.Name]
	if !ok {
		return river.JobCancel(fmt.Errorf("unknown periodic task %q", job.Args.Name))
	}
	start := time.Now()
	err := pj.Run(ctx)
	logger.Debug("periodic task finished",
		zap.String("task", pj.Name),
		zap.Duration("took", time.Since(start)),
		zap.Error(err),
	)
	return err
}

// RiverQueue dispatches through River tables in the application database.
type RiverQueue struct {
	client *river.Client[*sql.Tx]
	opts   Options
}

// NewRiver builds a River client over db. With a nil handler the client is
// insert-only, which is what the API process uses.
func NewRiver(db *sql.DB, opts Options, handle ApplyHandler, periodic ...PeriodicJob) (*RiverQueue, error) {
	opts = opts.withDefaults()
	cfg := &river.Config{
		PollOnly:          true,
		FetchPollInterval: time.Second,
	}

	if handle != nil {
		workers := river.NewWorkers()
		if err := river.AddWorkerSafely(workers, &applyWorker{handle: handle, opts: opts}); err != nil {
			return nil, err
		}
		jobs := make(map[string]PeriodicJob, len(periodic))
		for _, pj := range periodic {
			jobs[pj.Name] = pj
			name := pj.Name
			cfg.PeriodicJobs = append(cfg.PeriodicJobs, river.NewPeriodicJob(
				river.PeriodicInterval(pj.Interval),
				func() (river.JobArgs, *river.InsertOpts) {
					return PeriodicTaskArgs{Name: name}, &river.InsertOpts{Queue: QueueAlerts, MaxAttempts: 1}
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			))
		}
		if err := river.AddWorkerSafely(workers, &periodicWorker{jobs: jobs}); err != nil {
			return nil, err
		}
		cfg.Workers = workers
		cfg.Queues = map[string]river.QueueConfig{
			QueueOrchestration: {MaxWorkers: opts.PoolSize},
			QueueAlerts:        {MaxWorkers: 2},
		}
	}

	client, err := river.NewClient(riverdatabasesql.New(db), cfg)
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &RiverQueue{client: client, opts: opts}, nil
}

// EnqueueApply inserts the job inside tx so it commits with the run row.
func (q *RiverQueue) EnqueueApply(ctx context.Context, tx *gorm.DB, task ApplyTask) error {
	if tx == nil {
		return errors.New("river enqueue requires a transaction")
	}
	sqlTx, ok := tx.Statement.ConnPool.(*sql.Tx)
	if !ok {
		return fmt.Errorf("river enqueue: connection is %T, not *sql.Tx", tx.Statement.ConnPool)
	}
	_, err := q.client.InsertTx(ctx, sqlTx, task, &river.InsertOpts{
		Queue:       QueueOrchestration,
		MaxAttempts: q.opts.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("insert apply job: %w", err)
	}
	return nil
}

func (q *RiverQueue) Start(ctx context.Context) error {
	return q.client.Start(ctx)
}

func (q *RiverQueue) Stop(ctx context.Context) error {
	return q.client.Stop(ctx)
}

// MigrateRiver creates or upgrades River's tables.
func MigrateRiver(ctx context.Context, db *sql.DB) error {
	migrator, err := rivermigrate.New(riverdatabasesql.New(db), nil)
	if err != nil {
		return err
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("river migrate: %w", err)
	}
	for _, v := range res.Versions {
		logger.Info("river migration applied", zap.Int("version", v.Version))
	}
	return nil
}
