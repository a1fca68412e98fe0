package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/kdp-orchestrator/internal/api"
	"github.com/example/kdp-orchestrator/internal/auth"
	"github.com/example/kdp-orchestrator/internal/logger"
	"github.com/example/kdp-orchestrator/internal/rbac"
)

const shutdownTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kdp-orchestrator",
		Short:         "Multi-cluster data platform control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newAllCmd(),
		newMigrateCmd(),
		newSeedCmd(),
		newHashPasswordCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), true, false)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run apply workers and periodic jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), false, true)
		},
	}
}

func newAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the HTTP API and workers in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), true, true)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newSeedCmd() *cobra.Command {
	var adminPassword string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create default permissions, roles and the admin user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()
			if adminPassword == "" {
				adminPassword = os.Getenv("ADMIN_PASSWORD")
			}
			var hash string
			if adminPassword != "" {
				if hash, err = auth.HashPassword(adminPassword); err != nil {
					return err
				}
			}
			if err := rbac.NewAdmin(a.db).Seed(cmd.Context(), hash); err != nil {
				return err
			}
			logger.Info("seed complete", zap.Bool("admin_user", hash != ""))
			return nil
		},
	}
	cmd.Flags().StringVar(&adminPassword, "admin-password", "", "password for the admin user (default $ADMIN_PASSWORD)")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash, reading the password from stdin when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("empty password")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// run starts the API and/or the workers and blocks until SIGINT or SIGTERM.
func run(parent context.Context, serveAPI, workers bool) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.migrate(ctx); err != nil {
		return err
	}
	q, err := a.queue(workers)
	if err != nil {
		return err
	}
	if q != nil {
		if err := q.Start(ctx); err != nil {
			return fmt.Errorf("start queue: %w", err)
		}
		logger.Info("queue started", zap.String("backend", a.cfg.QueueBackend), zap.Int("pool_size", a.cfg.WorkerPoolSize))
	}

	var srv *http.Server
	errCh := make(chan error, 1)
	if serveAPI {
		r := gin.New()
		r.Use(logger.GinLogger(), logger.GinRecovery())
		api.RegisterRoutes(r, a.deps())

		port := a.cfg.AppPort
		if port == "" {
			port = "8080"
		}
		srv = &http.Server{Addr: ":" + port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("http server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("http shutdown", zap.Error(serr))
		}
	}
	if q != nil {
		if qerr := q.Stop(shutdownCtx); qerr != nil {
			logger.Warn("queue shutdown", zap.Error(qerr))
		}
	}
	return err
}
