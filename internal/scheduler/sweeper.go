// Package scheduler runs periodic maintenance for transcodarr. The sweeper
// removes stale files from the staging directories and expires finished job
// records on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/transcodarr/internal/observability"
	"github.com/jmylchreest/transcodarr/internal/repository"
	"github.com/jmylchreest/transcodarr/internal/storage"
)

// SweeperConfig holds sweeper configuration.
type SweeperConfig struct {
	// Schedule is a standard five-field cron expression or a descriptor
	// such as "@every 15m".
	Schedule string

	// Retention is how old a staged file must be before it is removed.
	Retention time.Duration

	// JobRetention is how long finished job records are kept. Zero disables
	// record expiry.
	JobRetention time.Duration
}

// SweepResult summarises a single sweep.
type SweepResult struct {
	Scanned     int   `json:"scanned"`
	Removed     int   `json:"removed"`
	Protected   int   `json:"protected"`
	Errors      int   `json:"errors"`
	JobsDeleted int64 `json:"jobs_deleted"`
}

// Sweeper removes staged files older than the retention window.
type Sweeper struct {
	mu sync.Mutex

	cfg     SweeperConfig
	dirs    []*storage.Sandbox
	store   repository.JobStore
	protect func(name string) bool
	logger  *slog.Logger
	now     func() time.Time
	remove  func(dir *storage.Sandbox, name string) error

	schedule cron.Schedule
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NewSweeper validates the schedule and returns a stopped sweeper. store may
// be nil, in which case job records are never expired.
func NewSweeper(cfg SweeperConfig, dirs []*storage.Sandbox, store repository.JobStore, logger *slog.Logger) (*Sweeper, error) {
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("sweeper retention must be positive, got %v", cfg.Retention)
	}
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:      cfg,
		dirs:     dirs,
		store:    store,
		logger:   observability.WithComponent(logger, "sweeper"),
		now:      time.Now,
		remove:   (*storage.Sandbox).Remove,
		schedule: schedule,
	}, nil
}

// WithProtect sets a predicate for file names that must survive a sweep
// regardless of age, typically the staged files of running jobs.
func (s *Sweeper) WithProtect(fn func(name string) bool) *Sweeper {
	s.protect = fn
	return s
}

// Start schedules periodic sweeps until Stop is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})),
	)
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.SweepOnce(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sweep failed", slog.Any("error", err))
		}
	}))
	s.cron.Start()

	s.logger.Info("sweeper started",
		slog.String("schedule", s.cfg.Schedule),
		slog.Duration("retention", s.cfg.Retention),
		slog.Duration("job_retention", s.cfg.JobRetention),
	)
	return nil
}

// Stop cancels any in-flight sweep and waits for it to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// SweepOnce performs a single sweep. Errors on individual files are logged
// and counted; only a failure to expire job records is returned.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := s.now().Add(-s.cfg.Retention)

	for _, dir := range s.dirs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		s.sweepDir(ctx, dir, cutoff, &res)
	}

	if s.store != nil && s.cfg.JobRetention > 0 {
		deleted, err := s.store.DeleteFinishedBefore(ctx, s.now().Add(-s.cfg.JobRetention))
		if err != nil {
			return res, fmt.Errorf("expiring job records: %w", err)
		}
		res.JobsDeleted = deleted
	}

	if res.Removed > 0 || res.Errors > 0 || res.JobsDeleted > 0 {
		s.logger.Info("sweep complete",
			slog.Int("scanned", res.Scanned),
			slog.Int("removed", res.Removed),
			slog.Int("protected", res.Protected),
			slog.Int("errors", res.Errors),
			slog.Int64("jobs_deleted", res.JobsDeleted),
		)
	}
	return res, nil
}

func (s *Sweeper) sweepDir(ctx context.Context, dir *storage.Sandbox, cutoff time.Time, res *SweepResult) {
	entries, err := dir.List(".")
	if err != nil {
		res.Errors++
		s.logger.Warn("listing staging directory",
			slog.String("dir", dir.BaseDir()),
			slog.Any("error", err))
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.IsDir() {
			continue
		}
		res.Scanned++

		name := entry.Name()
		info, err := entry.Info()
		if err != nil {
			// Removed between List and Info.
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if s.protect != nil && s.protect(name) {
			res.Protected++
			continue
		}

		if err := s.remove(dir, name); err != nil {
			res.Errors++
			s.logger.Warn("removing stale file",
				slog.String("dir", dir.BaseDir()),
				slog.String("file", name),
				slog.Any("error", err))
			continue
		}
		res.Removed++
		s.logger.Debug("removed stale file",
			slog.String("dir", dir.BaseDir()),
			slog.String("file", name),
			slog.Duration("age", s.now().Sub(info.ModTime())))
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}
