// Package queue carries apply tasks from the API to workers with
// at-least-once delivery, either through River on PostgreSQL or an
// in-process ants pool.
package queue

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/example/kdp-orchestrator/internal/config"
)

const (
	KindApplyIntent  = "apply_intent"
	KindPeriodicTask = "periodic_task"

	QueueOrchestration = "orchestration"
	QueueAlerts        = "alerts"
)

// ApplyTask is the message handed to workers. Handlers must tolerate
// receiving the same task more than once.
type ApplyTask struct {
	IntentID uint   `json:"intent_id"`
	RunID    uint   `json:"run_id"`
	Action   string `json:"action"`
}

func (ApplyTask) Kind() string { return KindApplyIntent }

// ApplyHandler processes one delivery. attempt starts at 1.
type ApplyHandler func(ctx context.Context, task ApplyTask, attempt int) error

// Dispatcher enqueues tasks as part of the caller's transaction where the
// backend allows it.
type Dispatcher interface {
	EnqueueApply(ctx context.Context, tx *gorm.DB, task ApplyTask) error
}

// PostCommitDispatcher is a Dispatcher that cannot enlist in the caller's
// transaction. EnqueueApply only validates; HandOff must be called after
// the transaction commits and is what makes the task visible to workers.
type PostCommitDispatcher interface {
	Dispatcher
	HandOff(ctx context.Context, task ApplyTask) error
}

// PeriodicJob runs on a fixed interval in the worker process.
type PeriodicJob struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Options struct {
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
	PoolSize    int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxAttempts: cfg.MaxAttempts,
		RetryBase:   cfg.RetryBase,
		RetryCap:    cfg.RetryCap,
		PoolSize:    cfg.WorkerPoolSize,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 16
	}
	return o
}

// RetryDelay is the wait before the attempt following a failed attempt:
// RetryBase doubled per attempt, capped at RetryCap.
func RetryDelay(o Options, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := wait.Backoff{
		Duration: o.RetryBase,
		Factor:   2,
		Steps:    attempt,
		Cap:      o.RetryCap,
	}
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.Step()
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
