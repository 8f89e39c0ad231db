package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Stepan2222000/zamer-avito-system/internal/worker"
)

// taskNotifyChannel is the LISTEN/NOTIFY channel fired whenever tasks become
// claimable: fresh loads and reaper reclaims.
const taskNotifyChannel = "new_tasks"

// TaskQueue is the PostgreSQL task queue. Claims are lease-based: a single
// UPDATE with a SKIP LOCKED sub-select grants each pending task to exactly
// one caller without blocking on rows another claimer holds.
type TaskQueue struct {
	db *DB
}

// NewTaskQueue creates a task queue over the given connection
func NewTaskQueue(db *DB) *TaskQueue {
	return &TaskQueue{db: db}
}

// Claim leases the oldest pending task for workerID, marking it processing.
// Returns (nil, nil) when the queue has no pending tasks.
func (q *TaskQueue) Claim(ctx context.Context, workerID string) (*worker.Task, error) {
	var task worker.Task

	err := q.db.GetDB().QueryRowContext(ctx, `
		UPDATE tasks
		SET status = 'processing',
			worker_id = $1,
			last_attempt_at = NOW()
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, item_id, attempts, max_attempts, created_at, last_attempt_at
	`, workerID).Scan(
		&task.ID, &task.ItemID, &task.Attempts, &task.MaxAttempts,
		&task.CreatedAt, &task.LastAttemptAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil // no tasks available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	task.Status = worker.TaskStatusProcessing
	task.WorkerID = workerID

	return &task, nil
}

// Complete marks a task as completed and clears its owner. The caller must
// have upserted the corresponding result row first.
func (q *TaskQueue) Complete(ctx context.Context, taskID int64) error {
	_, err := q.db.GetDB().ExecContext(ctx, `
		UPDATE tasks
		SET status = 'completed',
			completed_at = NOW(),
			worker_id = NULL
		WHERE id = $1
	`, taskID)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	return nil
}

// RecordFailure counts one failed attempt and returns the task to pending,
// or flips it to failed permanently once attempts reach max_attempts.
// The sole path for non-terminal failures; nothing is written to results.
func (q *TaskQueue) RecordFailure(ctx context.Context, taskID int64) (worker.TaskStatus, error) {
	var status worker.TaskStatus

	err := q.db.GetDB().QueryRowContext(ctx, `
		UPDATE tasks
		SET attempts = attempts + 1,
			status = CASE
				WHEN attempts + 1 >= max_attempts THEN 'failed'
				ELSE 'pending'
			END,
			worker_id = NULL
		WHERE id = $1
		RETURNING status
	`, taskID).Scan(&status)

	if err != nil {
		return "", fmt.Errorf("failed to record attempt failure: %w", err)
	}
	return status, nil
}

// Requeue returns a claimed task to pending without consuming an attempt.
// Used when a claim is relinquished before processing ran, the same shape
// as the reaper's stale-task reclaim.
func (q *TaskQueue) Requeue(ctx context.Context, taskID int64) error {
	_, err := q.db.GetDB().ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending',
			worker_id = NULL
		WHERE id = $1 AND status = 'processing'
	`, taskID)
	if err != nil {
		return fmt.Errorf("failed to requeue task: %w", err)
	}
	return nil
}

// Remaining counts tasks that are still claimable or in flight. Zero means
// the queue is fully drained and worker loops may exit.
func (q *TaskQueue) Remaining(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.GetDB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE status IN ('pending', 'processing')
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count remaining tasks: %w", err)
	}
	return count, nil
}

// InsertTasks loads item ids as pending tasks, skipping ones already present,
// and wakes idle workers. This is the loader boundary; the import front-end
// itself lives outside this module.
func (q *TaskQueue) InsertTasks(ctx context.Context, itemIDs []int64, maxAttempts int) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	if maxAttempts < 1 {
		maxAttempts = 5
	}

	var inserted int64
	err := q.db.Execute(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tasks (item_id, status, max_attempts)
			VALUES ($1, 'pending', $2)
			ON CONFLICT (item_id) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare task insert: %w", err)
		}
		defer stmt.Close()

		for _, itemID := range itemIDs {
			res, err := stmt.ExecContext(ctx, itemID, maxAttempts)
			if err != nil {
				return fmt.Errorf("failed to insert task %d: %w", itemID, err)
			}
			rows, _ := res.RowsAffected()
			inserted += rows
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if inserted > 0 {
		q.NotifyNewTasks(ctx)
	}
	return inserted, nil
}

// NotifyNewTasks fires the task wake-up channel. Best effort: a missed
// notification only costs one idle poll interval.
func (q *TaskQueue) NotifyNewTasks(ctx context.Context) {
	_, _ = q.db.GetDB().ExecContext(ctx, `SELECT pg_notify($1, '')`, taskNotifyChannel)
}

// Stats returns per-status task counts for the status dashboard.
func (q *TaskQueue) Stats(ctx context.Context) (map[string]int64, error) {
	return statusCounts(ctx, q.db, "tasks",
		string(worker.TaskStatusPending), string(worker.TaskStatusProcessing),
		string(worker.TaskStatusCompleted), string(worker.TaskStatusFailed))
}

// statusCounts runs a GROUP BY status count over a table, filling missing
// statuses with zero.
func statusCounts(ctx context.Context, db *DB, table string, statuses ...string) (map[string]int64, error) {
	rows, err := db.GetDB().QueryContext(ctx, fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s stats: %w", table, err)
	}
	defer rows.Close()

	counts := make(map[string]int64, len(statuses))
	for _, s := range statuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan %s stats: %w", table, err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
