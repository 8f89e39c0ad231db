package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stepan2222000/zamer-avito-system/internal/worker"
)

func TestTaskQueueClaim(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantTask  bool
		wantErr   bool
	}{
		{
			name: "claims the oldest pending task",
			setupMock: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows([]string{
					"id", "item_id", "attempts", "max_attempts", "created_at", "last_attempt_at",
				}).AddRow(int64(1), int64(12345), 0, 5, now, now)
				mock.ExpectQuery(`UPDATE tasks\s+SET status = 'processing'`).
					WithArgs("worker-1").
					WillReturnRows(rows)
			},
			wantTask: true,
		},
		{
			name: "returns nil when no pending tasks exist",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`UPDATE tasks\s+SET status = 'processing'`).
					WithArgs("worker-1").
					WillReturnRows(sqlmock.NewRows([]string{"id"}))
			},
		},
		{
			name: "propagates query errors",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`UPDATE tasks\s+SET status = 'processing'`).
					WithArgs("worker-1").
					WillReturnError(assert.AnError)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sqlDB, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer sqlDB.Close()
			tt.setupMock(mock)

			q := NewTaskQueue(&DB{client: sqlDB})
			task, err := q.Claim(context.Background(), "worker-1")

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			if tt.wantTask {
				require.NotNil(t, task)
				assert.Equal(t, int64(12345), task.ItemID)
				assert.Equal(t, worker.TaskStatusProcessing, task.Status)
				assert.Equal(t, "worker-1", task.WorkerID)
			} else {
				assert.Nil(t, task)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTaskQueueRecordFailure(t *testing.T) {
	tests := []struct {
		name       string
		returned   string
		wantStatus worker.TaskStatus
	}{
		{"requeues when attempts remain", "pending", worker.TaskStatusPending},
		{"fails permanently when exhausted", "failed", worker.TaskStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sqlDB, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer sqlDB.Close()

			mock.ExpectQuery(`UPDATE tasks\s+SET attempts = attempts \+ 1`).
				WithArgs(int64(1)).
				WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(tt.returned))

			q := NewTaskQueue(&DB{client: sqlDB})
			status, err := q.RecordFailure(context.Background(), 1)

			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, status)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTaskQueueComplete(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec(`UPDATE tasks\s+SET status = 'completed'`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := NewTaskQueue(&DB{client: sqlDB})
	require.NoError(t, q.Complete(context.Background(), 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskQueueRequeue(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	// Plain status flip, no attempts column involved
	mock.ExpectExec(`UPDATE tasks\s+SET status = 'pending',\s+worker_id = NULL\s+WHERE id = \$1 AND status = 'processing'`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	q := NewTaskQueue(&DB{client: sqlDB})
	require.NoError(t, q.Requeue(context.Background(), 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskQueueRemaining(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM tasks WHERE status IN`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))

	q := NewTaskQueue(&DB{client: sqlDB})
	count, err := q.Remaining(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskQueueInsertTasks(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO tasks`)
	prep.ExpectExec().WithArgs(int64(100), 5).WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(int64(200), 5).WillReturnResult(sqlmock.NewResult(2, 1))
	prep.ExpectExec().WithArgs(int64(100), 5).WillReturnResult(sqlmock.NewResult(0, 0)) // duplicate
	mock.ExpectCommit()
	mock.ExpectExec(`SELECT pg_notify`).
		WithArgs(taskNotifyChannel).
		WillReturnResult(sqlmock.NewResult(0, 0))

	q := NewTaskQueue(&DB{client: sqlDB})
	inserted, err := q.InsertTasks(context.Background(), []int64{100, 200, 100}, 5)

	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted, "duplicates are skipped")
	assert.NoError(t, mock.ExpectationsWereMet())
}
