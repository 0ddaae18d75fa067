package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"geopresence/internal/access"
	"geopresence/internal/account"
	"geopresence/internal/config"
	"geopresence/internal/course"
	"geopresence/internal/logger"
	"geopresence/internal/queue"
	"geopresence/internal/scheduler"
	"geopresence/internal/session"
	"geopresence/internal/store"
	"geopresence/internal/tally"
)

const tokenPurgeInterval = time.Hour

func main() {
	rootCmd := &cobra.Command{
		Use:   "geopresence-worker",
		Short: "Background jobs for the geopresence attendance service",
		Long:  `Runs the expired-session sweep, refresh token purge and live tally consumer, and manages database migrations.`,
	}

	rootCmd.AddCommand(
		newRunCommand(),
		newSweepCommand(),
		newMigrateCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// deps are the connections every command needs.
type deps struct {
	cfg config.App
	log *slog.Logger
	db  *store.DB
}

func setup(ctx context.Context) (*deps, error) {
	cfg := config.Load()
	log := logger.Init(cfg.LogLevel, cfg.LogFormat, os.Stdout).With("component", "worker")

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	db, err := store.NewDB(connectCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &deps{cfg: cfg, log: log, db: db}, nil
}

func (d *deps) sessions() *session.Manager {
	authz := access.NewAuthorizer(course.NewRepository(d.db.Client))
	return session.NewManager(session.NewRepository(d.db.Client), authz, session.Config{
		SweepPolicy:   d.cfg.SweepPolicy,
		DefaultRadius: d.cfg.DefaultRadius,
		Logger:        d.log,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ---------- run ----------

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sweep scheduler and tally consumer until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			d, err := setup(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = d.db.Close() }()

			redisClient := store.NewRedis(d.cfg.RedisAddr)
			defer func() { _ = redisClient.Close() }()

			sched, err := scheduler.NewManager(d.log)
			if err != nil {
				return fmt.Errorf("create scheduler: %w", err)
			}
			if err := sched.RegisterSweep(d.sessions(), d.cfg.SweepInterval); err != nil {
				return err
			}
			if err := sched.RegisterTokenPurge(account.NewRepository(d.db.Client), tokenPurgeInterval); err != nil {
				return err
			}
			sched.Start()
			defer func() {
				if err := sched.Stop(); err != nil {
					d.log.Warn("scheduler shutdown failed", "error", err)
				}
			}()

			if d.cfg.QueueBackend == "memory" {
				d.log.Info("memory queue configured, tally consumer runs in the api process")
				<-ctx.Done()
				return nil
			}

			q := queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
			d.log.Info("worker started", "sweep_interval", d.cfg.SweepInterval, "sweep_policy", d.cfg.SweepPolicy)
			err = tally.Consume(ctx, q, tally.NewStore(redisClient.Client), d.log)
			if errors.Is(err, context.Canceled) {
				d.log.Info("worker stopped")
				return nil
			}
			return err
		},
	}
}

// ---------- sweep ----------

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired session codes once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			d, err := setup(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = d.db.Close() }()

			n, err := d.sessions().Reconcile(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired sessions (policy %s)\n", n, d.cfg.SweepPolicy)
			return nil
		},
	}
}

// ---------- migrate ----------

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Rollback migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(func(d *deps) error {
				if err := store.MigrateDown(d.db.Client, steps); err != nil {
					return err
				}
				d.log.Info("migrations rolled back", "steps", steps)
				return nil
			})
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to rollback")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Run all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDB(func(d *deps) error {
					if err := store.Migrate(d.db.Client); err != nil {
						return err
					}
					d.log.Info("migrations applied")
					return nil
				})
			},
		},
		down,
		&cobra.Command{
			Use:   "status",
			Short: "Show the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDB(func(d *deps) error {
					version, dirty, err := store.MigrationVersion(d.db.Client)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
					return nil
				})
			},
		},
	)
	return cmd
}

func withDB(fn func(d *deps) error) error {
	ctx, stop := signalContext()
	defer stop()
	d, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = d.db.Close() }()
	return fn(d)
}
