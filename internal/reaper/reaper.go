// Package reaper reclaims rows orphaned by crashed or stalled workers.
// It is purely time based: any lease older than its threshold is presumed
// dead and returned to the pool, regardless of how it was abandoned.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Stepan2222000/zamer-avito-system/internal/db"
	"github.com/Stepan2222000/zamer-avito-system/internal/metrics"
)

// Config holds the sweep cadence and staleness thresholds.
type Config struct {
	Interval        time.Duration // how often a full cycle runs
	TaskStaleAfter  time.Duration // processing lease age before reclaim
	ProxyStaleAfter time.Duration // proxy lock age before release
	WorkerDeadAfter time.Duration // heartbeat silence before a lane is dead
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.TaskStaleAfter <= 0 {
		c.TaskStaleAfter = 600 * time.Second
	}
	if c.ProxyStaleAfter <= 0 {
		c.ProxyStaleAfter = 300 * time.Second
	}
	if c.WorkerDeadAfter <= 0 {
		c.WorkerDeadAfter = 240 * time.Second
	}
}

// Reaper runs the periodic reclaim sweeps against the shared store.
type Reaper struct {
	db    *db.DB
	queue *db.TaskQueue
	cfg   Config
}

// New creates a reaper. Zero-valued config fields get the defaults.
func New(database *db.DB, cfg Config) *Reaper {
	cfg.withDefaults()
	return &Reaper{
		db:    database,
		queue: db.NewTaskQueue(database),
		cfg:   cfg,
	}
}

// Run executes sweep cycles on the configured interval until ctx is
// cancelled. One cycle runs immediately on start.
func (r *Reaper) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", r.cfg.Interval).
		Dur("task_stale_after", r.cfg.TaskStaleAfter).
		Dur("proxy_stale_after", r.cfg.ProxyStaleAfter).
		Dur("worker_dead_after", r.cfg.WorkerDeadAfter).
		Msg("Starting reaper")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := r.RunCycle(ctx); err != nil {
			log.Error().Err(err).Msg("Reaper cycle failed")
			sentry.CaptureException(err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle runs the four sweeps once. Sweeps are independent, so they run
// concurrently; a failure in one does not stop the others.
func (r *Reaper) RunCycle(ctx context.Context) error {
	span := sentry.StartSpan(ctx, "reaper.cycle")
	defer span.Finish()
	ctx = span.Context()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.reclaimStaleTasks(gctx) })
	g.Go(func() error { return r.releaseStaleProxies(gctx) })
	g.Go(func() error { return r.markDeadWorkers(gctx) })
	g.Go(func() error { return r.failExhaustedTasks(gctx) })
	return g.Wait()
}

// reclaimStaleTasks returns long-processing tasks to pending. The reclaim
// itself consumes no attempt; only an explicit failure report does.
func (r *Reaper) reclaimStaleTasks(ctx context.Context) error {
	res, err := r.db.GetDB().ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending',
			worker_id = NULL
		WHERE status = 'processing'
		AND last_attempt_at < NOW() - make_interval(secs => $1)
	`, r.cfg.TaskStaleAfter.Seconds())
	if err != nil {
		return fmt.Errorf("failed to reclaim stale tasks: %w", err)
	}

	if n := rowsAffected(res); n > 0 {
		log.Info().Int64("count", n).Msg("Reclaimed stale processing tasks")
		metrics.ReaperReclaimed.WithLabelValues("tasks").Add(float64(n))
		r.queue.NotifyNewTasks(ctx)
	}
	return nil
}

// releaseStaleProxies frees proxies whose holders vanished mid-task.
func (r *Reaper) releaseStaleProxies(ctx context.Context) error {
	res, err := r.db.GetDB().ExecContext(ctx, `
		UPDATE proxies
		SET status = 'available',
			locked_by = NULL,
			locked_at = NULL
		WHERE status = 'locked'
		AND locked_at < NOW() - make_interval(secs => $1)
	`, r.cfg.ProxyStaleAfter.Seconds())
	if err != nil {
		return fmt.Errorf("failed to release stale proxies: %w", err)
	}

	if n := rowsAffected(res); n > 0 {
		log.Info().Int64("count", n).Msg("Released stale proxy locks")
		metrics.ReaperReclaimed.WithLabelValues("proxies").Add(float64(n))
	}
	return nil
}

// markDeadWorkers flags lanes whose heartbeat went silent.
func (r *Reaper) markDeadWorkers(ctx context.Context) error {
	res, err := r.db.GetDB().ExecContext(ctx, `
		UPDATE workers
		SET status = 'stopped'
		WHERE status = 'active'
		AND last_heartbeat < NOW() - make_interval(secs => $1)
	`, r.cfg.WorkerDeadAfter.Seconds())
	if err != nil {
		return fmt.Errorf("failed to mark dead workers: %w", err)
	}

	if n := rowsAffected(res); n > 0 {
		log.Warn().Int64("count", n).Msg("Marked dead workers as stopped")
		metrics.ReaperReclaimed.WithLabelValues("workers").Add(float64(n))
	}
	return nil
}

// failExhaustedTasks finishes off pending tasks that already used all their
// attempts. Normally the worker does this inline; the sweep catches rows
// left behind by crashes between the attempt update and the requeue.
func (r *Reaper) failExhaustedTasks(ctx context.Context) error {
	res, err := r.db.GetDB().ExecContext(ctx, `
		UPDATE tasks
		SET status = 'failed',
			worker_id = NULL
		WHERE status = 'pending'
		AND attempts >= max_attempts
	`)
	if err != nil {
		return fmt.Errorf("failed to fail exhausted tasks: %w", err)
	}

	if n := rowsAffected(res); n > 0 {
		log.Warn().Int64("count", n).Msg("Failed tasks with exhausted attempts")
		metrics.ReaperReclaimed.WithLabelValues("exhausted").Add(float64(n))
	}
	return nil
}

func rowsAffected(res interface{ RowsAffected() (int64, error) }) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
