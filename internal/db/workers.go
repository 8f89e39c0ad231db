package db

import (
	"context"
	"fmt"

	"github.com/Stepan2222000/zamer-avito-system/internal/worker"
)

// WorkerRegistry tracks lane liveness and per-lane throughput counters.
// Registration is an upsert so a restarted lane reuses its row.
type WorkerRegistry struct {
	db *DB
}

// NewWorkerRegistry creates a registry over the given connection
func NewWorkerRegistry(db *DB) *WorkerRegistry {
	return &WorkerRegistry{db: db}
}

// Register records a lane as active. Re-registering an existing id resets
// its heartbeat and status without touching the counters.
func (r *WorkerRegistry) Register(ctx context.Context, workerID string) error {
	_, err := r.db.GetDB().ExecContext(ctx, `
		INSERT INTO workers (worker_id, status, started_at, last_heartbeat)
		VALUES ($1, 'active', NOW(), NOW())
		ON CONFLICT (worker_id) DO UPDATE
		SET status = 'active',
			last_heartbeat = NOW()
	`, workerID)
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	return nil
}

// Heartbeat refreshes a lane's liveness timestamp. It also re-activates a
// row the reaper marked stopped while the lane was merely slow.
func (r *WorkerRegistry) Heartbeat(ctx context.Context, workerID string) error {
	_, err := r.db.GetDB().ExecContext(ctx, `
		UPDATE workers
		SET last_heartbeat = NOW(),
			status = 'active'
		WHERE worker_id = $1
	`, workerID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat worker: %w", err)
	}
	return nil
}

// RecordOutcome bumps the processed or failed counter for a lane.
func (r *WorkerRegistry) RecordOutcome(ctx context.Context, workerID string, success bool) error {
	column := "tasks_failed"
	if success {
		column = "tasks_processed"
	}
	_, err := r.db.GetDB().ExecContext(ctx, fmt.Sprintf(`
		UPDATE workers
		SET %s = %s + 1
		WHERE worker_id = $1
	`, column, column), workerID)
	if err != nil {
		return fmt.Errorf("failed to record worker outcome: %w", err)
	}
	return nil
}

// MarkStopped records a clean lane shutdown.
func (r *WorkerRegistry) MarkStopped(ctx context.Context, workerID string) error {
	_, err := r.db.GetDB().ExecContext(ctx, `
		UPDATE workers
		SET status = 'stopped',
			last_heartbeat = NOW()
		WHERE worker_id = $1
	`, workerID)
	if err != nil {
		return fmt.Errorf("failed to mark worker stopped: %w", err)
	}
	return nil
}

// Stats returns per-status worker counts for the status dashboard.
func (r *WorkerRegistry) Stats(ctx context.Context) (map[string]int64, error) {
	return statusCounts(ctx, r.db, "workers",
		string(worker.WorkerStatusActive), string(worker.WorkerStatusStopped))
}
