// Package maintenance runs periodic housekeeping jobs with gocron.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rpggio/qcflow/internal/repository"
	"github.com/rpggio/qcflow/internal/workflow"
)

// ActivityPruner removes old audit entries.
type ActivityPruner interface {
	Prune(ctx context.Context, retention time.Duration, now time.Time) (int64, error)
}

// StatsSource provides the engine statistics to snapshot.
type StatsSource interface {
	Stats(ctx context.Context) (workflow.Stats, error)
}

// Options configures the jobs.
type Options struct {
	// Retention is how long finished rows are kept; zero disables pruning.
	Retention     time.Duration
	PruneInterval time.Duration
	StatsInterval time.Duration
}

// Manager owns the maintenance scheduler.
type Manager struct {
	scheduler gocron.Scheduler
	store     repository.Pruner
	activity  ActivityPruner
	stats     StatsSource
	clock     clockwork.Clock
	logger    *slog.Logger
	opts      Options
}

// NewManager creates a manager. Any of store, activity and stats may be nil to
// skip the corresponding work.
func NewManager(store repository.Pruner, activity ActivityPruner, stats StatsSource, clock clockwork.Clock, logger *slog.Logger, opts Options) (*Manager, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Manager{
		scheduler: s,
		store:     store,
		activity:  activity,
		stats:     stats,
		clock:     clock,
		logger:    logger,
		opts:      opts,
	}, nil
}

// Start registers the jobs and starts the scheduler.
func (m *Manager) Start() error {
	if m.opts.Retention > 0 && m.opts.PruneInterval > 0 {
		_, err := m.scheduler.NewJob(
			gocron.DurationJob(m.opts.PruneInterval),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if _, err := m.Prune(ctx); err != nil {
					m.logger.Error("prune failed", "error", err)
				}
			}),
			gocron.WithStartAt(gocron.WithStartImmediately()),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithName("retention-prune"),
			gocron.WithTags("maintenance", "prune"),
		)
		if err != nil {
			return fmt.Errorf("register prune job: %w", err)
		}
		m.logger.Info("registered prune job", "interval", m.opts.PruneInterval, "retention", m.opts.Retention)
	}

	if m.stats != nil && m.opts.StatsInterval > 0 {
		_, err := m.scheduler.NewJob(
			gocron.DurationJob(m.opts.StatsInterval),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				m.LogStats(ctx)
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithName("stats-snapshot"),
			gocron.WithTags("maintenance", "stats"),
		)
		if err != nil {
			return fmt.Errorf("register stats job: %w", err)
		}
	}

	m.scheduler.Start()
	return nil
}

// Jobs returns the names of registered jobs.
func (m *Manager) Jobs() []string {
	var names []string
	for _, j := range m.scheduler.Jobs() {
		names = append(names, j.Name())
	}
	return names
}

// Shutdown stops the scheduler and waits for running jobs.
func (m *Manager) Shutdown() error {
	return m.scheduler.Shutdown()
}

// PruneResult counts everything removed by one prune pass.
type PruneResult struct {
	repository.PruneResult
	Activity int64 `json:"activity"`
}

// Prune removes finished rows and activity older than the retention period.
func (m *Manager) Prune(ctx context.Context) (PruneResult, error) {
	var res PruneResult
	if m.opts.Retention <= 0 {
		return res, nil
	}
	start := m.clock.Now()
	cutoff := start.Add(-m.opts.Retention)

	if m.store != nil {
		pr, err := m.store.Prune(ctx, cutoff)
		if err != nil {
			return res, fmt.Errorf("prune workflow rows: %w", err)
		}
		res.PruneResult = pr
	}
	if m.activity != nil {
		n, err := m.activity.Prune(ctx, m.opts.Retention, start)
		if err != nil {
			return res, err
		}
		res.Activity = n
	}

	if total := res.Total() + res.Activity; total > 0 {
		m.logger.Info("pruned old rows",
			"sessions", res.Sessions, "steps", res.Steps, "scans", res.Scans, "activity", res.Activity,
			"cutoff", cutoff, "duration", m.clock.Since(start))
	} else {
		m.logger.Debug("nothing to prune", "cutoff", cutoff)
	}
	return res, nil
}

// LogStats writes a snapshot of the engine statistics at Info level.
func (m *Manager) LogStats(ctx context.Context) {
	if m.stats == nil {
		return
	}
	s, err := m.stats.Stats(ctx)
	if err != nil {
		m.logger.Warn("reading stats", "error", err)
		return
	}
	m.logger.Info("qc stats",
		"started", s.Started,
		"completed", s.Completed,
		"aborted", s.Aborted,
		"overdue", s.Overdue,
		"errors", s.Errors,
		"average_duration_minutes", s.AverageDurationMinutes,
		"live_steps", s.LiveSteps,
		"active_sessions", s.ActiveSessions,
		"pending_resets", s.PendingResets,
	)
}
