// Package scheduler runs periodic maintenance jobs with gocron.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Reconciler purges expired session codes.
type Reconciler interface {
	Reconcile(ctx context.Context) (int64, error)
}

// TokenPurger deletes expired refresh tokens.
type TokenPurger interface {
	PurgeRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

// Manager owns the gocron scheduler and its jobs.
type Manager struct {
	scheduler gocron.Scheduler
	log       *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewManager creates a scheduler in UTC.
func NewManager(log *slog.Logger) (*Manager, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{scheduler: s, log: log.With("component", "scheduler")}, nil
}

// RegisterSweep runs Reconcile every interval, starting immediately. Overlapping runs are skipped.
func (m *Manager) RegisterSweep(r Reconciler, interval time.Duration) error {
	_, err := m.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			start := time.Now()
			n, err := r.Reconcile(ctx)
			if err != nil {
				m.log.Error("session sweep failed", "error", err, "duration", time.Since(start))
				return
			}
			m.log.Debug("session sweep finished", "deleted", n, "duration", time.Since(start))
		}),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("session-sweep"),
		gocron.WithTags("sweep"),
	)
	if err != nil {
		return err
	}
	m.log.Info("registered session sweep", "interval", interval.String())
	return nil
}

// RegisterTokenPurge deletes expired refresh tokens every interval.
func (m *Manager) RegisterTokenPurge(p TokenPurger, interval time.Duration) error {
	_, err := m.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := p.PurgeRefreshTokens(ctx, time.Now().UTC())
			if err != nil {
				m.log.Error("refresh token purge failed", "error", err)
				return
			}
			if n > 0 {
				m.log.Info("expired refresh tokens purged", "count", n)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("refresh-token-purge"),
		gocron.WithTags("auth"),
	)
	if err != nil {
		return err
	}
	m.log.Info("registered refresh token purge", "interval", interval.String())
	return nil
}

// Start begins running registered jobs. Calling it twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.scheduler.Start()
	m.started = true
	m.log.Info("scheduler started", "job_count", len(m.scheduler.Jobs()))
}

// Stop waits for running jobs and shuts the scheduler down.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	err := m.scheduler.Shutdown()
	m.started = false
	if err != nil {
		m.log.Error("scheduler shutdown failed", "error", err)
		return err
	}
	m.log.Info("scheduler stopped")
	return nil
}
