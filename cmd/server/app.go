package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/kdp-orchestrator/internal/ai"
	"github.com/example/kdp-orchestrator/internal/alerts"
	"github.com/example/kdp-orchestrator/internal/api"
	"github.com/example/kdp-orchestrator/internal/auth"
	"github.com/example/kdp-orchestrator/internal/clusters"
	"github.com/example/kdp-orchestrator/internal/config"
	"github.com/example/kdp-orchestrator/internal/crypto"
	"github.com/example/kdp-orchestrator/internal/db"
	"github.com/example/kdp-orchestrator/internal/k8s"
	"github.com/example/kdp-orchestrator/internal/logger"
	"github.com/example/kdp-orchestrator/internal/metrics"
	"github.com/example/kdp-orchestrator/internal/notify"
	"github.com/example/kdp-orchestrator/internal/observer"
	"github.com/example/kdp-orchestrator/internal/orchestration"
	"github.com/example/kdp-orchestrator/internal/queue"
	"github.com/example/kdp-orchestrator/internal/rbac"
)

const (
	backendRiver = "river"
	backendLocal = "local"
)

// runner is a started queue backend.
type runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// app holds the wired services shared by every subcommand.
type app struct {
	cfg       *config.Config
	db        *gorm.DB
	clusters  *clusters.Service
	orch      *orchestration.Service
	executor  *orchestration.Executor
	evaluator *alerts.Evaluator
	observer  *observer.Observer
	prom      *metrics.PrometheusClient
	aiSvc     *ai.Service
}

// bootstrap loads configuration, initializes logging and opens the database.
func bootstrap() (*app, error) {
	if err := config.LoadEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := config.New()
	if err := logger.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if cfg.DBDriver == "sqlite" && cfg.QueueBackend != backendLocal {
		logger.Warn("sqlite has no river driver, using the local queue", zap.String("configured", cfg.QueueBackend))
		cfg.QueueBackend = backendLocal
	}
	if err := db.Init(cfg); err != nil {
		return nil, err
	}

	applier := k8s.NewApplier(nil)
	prom := metrics.NewPrometheusClient(cfg.PrometheusURL, cfg.PrometheusTimeout)
	sealer, err := crypto.NewSealer(cfg.AESKey)
	if err != nil {
		return nil, fmt.Errorf("APP_AES_KEY: %w", err)
	}
	clusterSvc := clusters.NewService(db.DB, sealer)

	return &app{
		cfg:       cfg,
		db:        db.DB,
		clusters:  clusterSvc,
		orch:      orchestration.NewService(db.DB, nil),
		executor:  orchestration.NewExecutor(db.DB, applier, clusterSvc),
		evaluator: alerts.NewEvaluator(db.DB, prom, notify.New(notify.OptionsFromConfig(cfg))),
		observer:  observer.New(db.DB, applier, clusterSvc),
		prom:      prom,
		aiSvc:     ai.NewService(db.DB, ai.NewSummarizer(cfg)),
	}, nil
}

func (a *app) close() {
	db.Close()
	logger.Sync()
}

// migrate creates the application tables and, for the river backend, River's own.
func (a *app) migrate(ctx context.Context) error {
	if err := db.Migrate(a.db); err != nil {
		return err
	}
	if a.cfg.QueueBackend != backendRiver {
		return nil
	}
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return queue.MigrateRiver(ctx, sqlDB)
}

// queue builds the backend and sets it as the orchestration dispatcher.
// Without workers a river client only inserts jobs and the returned runner
// is nil. The local backend always executes in process.
func (a *app) queue(workers bool) (runner, error) {
	opts := queue.OptionsFromConfig(a.cfg)
	periodic := []queue.PeriodicJob{
		a.evaluator.PeriodicJob(a.cfg.AlertInterval),
		a.observer.PeriodicJob(a.cfg.ObserveInterval),
	}

	switch a.cfg.QueueBackend {
	case backendLocal:
		if !workers {
			logger.Warn("local queue executes applies inside the API process")
		}
		q, err := queue.NewLocal(opts, a.executor.Handle(), periodic...)
		if err != nil {
			return nil, err
		}
		a.orch.SetDispatcher(q)
		return q, nil
	case backendRiver:
		sqlDB, err := a.db.DB()
		if err != nil {
			return nil, err
		}
		if !workers {
			q, err := queue.NewRiver(sqlDB, opts, nil)
			if err != nil {
				return nil, err
			}
			a.orch.SetDispatcher(q)
			return nil, nil
		}
		q, err := queue.NewRiver(sqlDB, opts, a.executor.Handle(), periodic...)
		if err != nil {
			return nil, err
		}
		a.orch.SetDispatcher(q)
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported QUEUE_BACKEND %q", a.cfg.QueueBackend)
	}
}

func (a *app) deps() api.Deps {
	return api.Deps{
		Config:        a.cfg,
		DB:            a.db,
		Auth:          auth.NewAuthenticator(a.db, a.cfg),
		Resolver:      rbac.NewResolver(a.db),
		Admin:         rbac.NewAdmin(a.db),
		Clusters:      a.clusters,
		Orchestration: a.orch,
		Alerts:        alerts.NewService(a.db),
		Evaluator:     a.evaluator,
		Prometheus:    a.prom,
		AI:            a.aiSvc,
	}
}
