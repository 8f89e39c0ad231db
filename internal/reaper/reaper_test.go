package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stepan2222000/zamer-avito-system/internal/db"
)

func newTestReaper(t *testing.T) (*Reaper, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	// Sweeps run concurrently within a cycle
	mock.MatchExpectationsInOrder(false)

	r := New(db.NewWithClient(sqlDB, &db.Config{}), Config{
		TaskStaleAfter:  600 * time.Second,
		ProxyStaleAfter: 300 * time.Second,
		WorkerDeadAfter: 240 * time.Second,
	})
	return r, mock
}

func TestRunCycleSweepsEverything(t *testing.T) {
	r, mock := newTestReaper(t)

	mock.ExpectExec(`UPDATE tasks\s+SET status = 'pending'`).
		WithArgs(float64(600)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`SELECT pg_notify`).
		WithArgs("new_tasks").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE proxies\s+SET status = 'available'`).
		WithArgs(float64(300)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE workers\s+SET status = 'stopped'`).
		WithArgs(float64(240)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tasks\s+SET status = 'failed'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, r.RunCycle(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunCycleQuietWhenNothingIsStale(t *testing.T) {
	r, mock := newTestReaper(t)

	// No reclaimed tasks means no wake-up notification
	mock.ExpectExec(`UPDATE tasks\s+SET status = 'pending'`).
		WithArgs(float64(600)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE proxies\s+SET status = 'available'`).
		WithArgs(float64(300)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE workers\s+SET status = 'stopped'`).
		WithArgs(float64(240)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE tasks\s+SET status = 'failed'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, r.RunCycle(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunCycleReportsSweepErrors(t *testing.T) {
	r, mock := newTestReaper(t)

	mock.ExpectExec(`UPDATE tasks\s+SET status = 'pending'`).
		WithArgs(float64(600)).
		WillReturnError(assert.AnError)
	mock.ExpectExec(`UPDATE proxies\s+SET status = 'available'`).
		WithArgs(float64(300)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE workers\s+SET status = 'stopped'`).
		WithArgs(float64(240)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE tasks\s+SET status = 'failed'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.Error(t, r.RunCycle(context.Background()))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.withDefaults()

	assert.Equal(t, 60*time.Second, cfg.Interval)
	assert.Equal(t, 600*time.Second, cfg.TaskStaleAfter)
	assert.Equal(t, 300*time.Second, cfg.ProxyStaleAfter)
	assert.Equal(t, 240*time.Second, cfg.WorkerDeadAfter)
}
