package db

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerRegistryRegister(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec(`INSERT INTO workers .*ON CONFLICT \(worker_id\) DO UPDATE`).
		WithArgs("worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := NewWorkerRegistry(&DB{client: sqlDB})
	require.NoError(t, r.Register(context.Background(), "worker-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerRegistryHeartbeat(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec(`UPDATE workers\s+SET last_heartbeat = NOW\(\)`).
		WithArgs("worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := NewWorkerRegistry(&DB{client: sqlDB})
	require.NoError(t, r.Heartbeat(context.Background(), "worker-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerRegistryRecordOutcome(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		column  string
	}{
		{"success bumps tasks_processed", true, "tasks_processed"},
		{"failure bumps tasks_failed", false, "tasks_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sqlDB, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer sqlDB.Close()

			mock.ExpectExec(`UPDATE workers\s+SET ` + tt.column + ` = ` + tt.column + ` \+ 1`).
				WithArgs("worker-1").
				WillReturnResult(sqlmock.NewResult(0, 1))

			r := NewWorkerRegistry(&DB{client: sqlDB})
			require.NoError(t, r.RecordOutcome(context.Background(), "worker-1", tt.success))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestWorkerRegistryMarkStopped(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec(`UPDATE workers\s+SET status = 'stopped'`).
		WithArgs("worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := NewWorkerRegistry(&DB{client: sqlDB})
	require.NoError(t, r.MarkStopped(context.Background(), "worker-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
