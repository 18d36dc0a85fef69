// Package reaper runs the periodic maintenance sweeps: abandoning jobs that
// went stale mid-exchange and clearing finished jobs past their retention
// window. Finished jobs are copied into the SQLite archive before their
// files are deleted, so history outlives the hot store.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/swarmlink/internal/jobstore"
	"github.com/basket/swarmlink/internal/otel"
	"github.com/basket/swarmlink/internal/persistence"
)

// cronParser accepts 5-field cron expressions plus @every descriptors.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const defaultTickInterval = 30 * time.Second

// Config holds the reaper's dependencies and sweep cadence.
type Config struct {
	Jobs    *jobstore.Store
	History *persistence.Store // optional; nil skips archiving
	Metrics *otel.Metrics
	Logger  *slog.Logger

	StaleSweepSchedule string        // cron expression or @every; default @every 5m
	CleanupSchedule    string        // default @every 1h
	ArchiveRetention   time.Duration // default 90 days
	TickInterval       time.Duration // schedule check granularity
}

// Reaper owns the sweep loop.
type Reaper struct {
	jobs    *jobstore.Store
	history *persistence.Store
	metrics *otel.Metrics
	logger  *slog.Logger

	staleSched       cronlib.Schedule
	cleanupSched     cronlib.Schedule
	archiveRetention time.Duration
	tickInterval     time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Reaper, parsing both sweep schedules up front so a bad
// expression fails at startup instead of silently never firing.
func New(cfg Config) (*Reaper, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	staleExpr := cfg.StaleSweepSchedule
	if staleExpr == "" {
		staleExpr = "@every 5m"
	}
	cleanupExpr := cfg.CleanupSchedule
	if cleanupExpr == "" {
		cleanupExpr = "@every 1h"
	}
	staleSched, err := cronParser.Parse(staleExpr)
	if err != nil {
		return nil, fmt.Errorf("parse stale sweep schedule %q: %w", staleExpr, err)
	}
	cleanupSched, err := cronParser.Parse(cleanupExpr)
	if err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", cleanupExpr, err)
	}
	retention := cfg.ArchiveRetention
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}
	return &Reaper{
		jobs:             cfg.Jobs,
		history:          cfg.History,
		metrics:          cfg.Metrics,
		logger:           logger,
		staleSched:       staleSched,
		cleanupSched:     cleanupSched,
		archiveRetention: retention,
		tickInterval:     tick,
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("reaper started")
}

// Stop cancels the loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	now := time.Now()
	nextStale := r.staleSched.Next(now)
	nextCleanup := r.cleanupSched.Next(now)

	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.After(nextStale) {
				if _, err := r.SweepStale(ctx); err != nil {
					r.logger.Error("reaper: stale sweep failed", "error", err)
				}
				nextStale = r.staleSched.Next(now)
			}
			if now.After(nextCleanup) {
				if _, err := r.SweepFinished(ctx); err != nil {
					r.logger.Error("reaper: cleanup sweep failed", "error", err)
				}
				nextCleanup = r.cleanupSched.Next(now)
			}
		}
	}
}

// SweepStale abandons RUNNING jobs whose last update is older than the job
// store's staleness threshold. Returns the number abandoned.
func (r *Reaper) SweepStale(ctx context.Context) (int, error) {
	incomplete, err := r.jobs.GetIncompleteJobs()
	if err != nil {
		return 0, fmt.Errorf("list incomplete jobs: %w", err)
	}

	abandoned := 0
	for _, job := range incomplete {
		if !r.jobs.IsStale(job) {
			continue
		}
		reason := fmt.Sprintf("stale: no progress since %s", job.UpdatedAt.Format(time.RFC3339))
		updated, err := r.jobs.AbandonJob(job.JobID, reason)
		if err != nil {
			r.logger.Error("reaper: abandon failed", "jobID", job.JobID, "error", err)
			continue
		}
		r.logger.Warn("reaper: abandoned stale job",
			"jobID", job.JobID, "targetKey", job.TargetKey, "lastUpdate", job.UpdatedAt)
		r.archive(ctx, updated)
		abandoned++
	}
	if r.metrics != nil && abandoned > 0 {
		r.metrics.JobsAbandoned.Add(ctx, int64(abandoned))
	}
	return abandoned, nil
}

// SweepFinished archives finished jobs, deletes the ones past retention, and
// purges archive rows past the archive retention. Returns the number of job
// files removed.
func (r *Reaper) SweepFinished(ctx context.Context) (int, error) {
	all, err := r.jobs.GetAllJobs()
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	for _, job := range all {
		if job.Status.IsFinished() {
			r.archive(ctx, job)
		}
	}

	removed, err := r.jobs.CleanupFinishedJobs()
	if err != nil {
		return removed, fmt.Errorf("cleanup finished jobs: %w", err)
	}
	if removed > 0 {
		r.logger.Info("reaper: removed expired job files", "count", removed)
	}

	if r.history != nil {
		purged, err := r.history.PurgeArchive(ctx, time.Now().Add(-r.archiveRetention))
		if err != nil {
			r.logger.Error("reaper: archive purge failed", "error", err)
		} else if purged > 0 {
			r.logger.Info("reaper: purged archive rows", "count", purged)
		}
	}
	return removed, nil
}

func (r *Reaper) archive(ctx context.Context, job *jobstore.Job) {
	if r.history == nil || job == nil {
		return
	}
	if err := r.history.ArchiveJob(ctx, job); err != nil {
		r.logger.Error("reaper: archive failed", "jobID", job.JobID, "error", err)
	}
}

// NextRunTime parses expr and returns the next fire time after the given
// time. Exposed for doctoring and tests.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
