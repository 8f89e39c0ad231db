package db

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stepan2222000/zamer-avito-system/internal/worker"
)

// setupIntegrationDB connects to the database named by DATABASE_URL and
// truncates the coordination tables. Skipped when no database is configured.
func setupIntegrationDB(t *testing.T) *DB {
	t.Helper()
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	database, err := InitFromEnv()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	_, err = database.GetDB().Exec(`TRUNCATE tasks, proxies, workers, results RESTART IDENTITY`)
	require.NoError(t, err)

	return database
}

func TestIntegrationClaimMutualExclusion(t *testing.T) {
	database := setupIntegrationDB(t)
	ctx := context.Background()

	const totalTasks = 50
	const claimers = 10

	queue := NewTaskQueue(database)
	itemIDs := make([]int64, totalTasks)
	for i := range itemIDs {
		itemIDs[i] = int64(1000 + i)
	}
	inserted, err := queue.InsertTasks(ctx, itemIDs, 5)
	require.NoError(t, err)
	require.Equal(t, int64(totalTasks), inserted)

	// Hammer the queue from concurrent claimers; every task must be handed
	// out exactly once.
	var mu sync.Mutex
	claimed := make(map[int64]string)

	var wg sync.WaitGroup
	wg.Add(claimers)
	for i := 0; i < claimers; i++ {
		go func(n int) {
			defer wg.Done()
			workerID := worker.Identity("integration", "testrun", n)
			for {
				task, err := queue.Claim(ctx, workerID)
				if err != nil {
					t.Error(err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				prev, dup := claimed[task.ItemID]
				claimed[task.ItemID] = workerID
				mu.Unlock()
				if dup {
					t.Errorf("item %d claimed twice: %s and %s", task.ItemID, prev, workerID)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, claimed, totalTasks, "every task claimed exactly once")
}

func TestIntegrationTaskLifecycle(t *testing.T) {
	database := setupIntegrationDB(t)
	ctx := context.Background()

	queue := NewTaskQueue(database)
	_, err := queue.InsertTasks(ctx, []int64{42}, 2)
	require.NoError(t, err)

	task, err := queue.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, int64(42), task.ItemID)
	assert.Equal(t, 0, task.Attempts)

	// First failure requeues
	status, err := queue.RecordFailure(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.TaskStatusPending, status)

	task, err = queue.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 1, task.Attempts)

	// Second failure exhausts max_attempts=2
	status, err = queue.RecordFailure(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.TaskStatusFailed, status)

	task, err = queue.Claim(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, task, "failed tasks are never claimable")

	remaining, err := queue.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestIntegrationProxyLifecycle(t *testing.T) {
	database := setupIntegrationDB(t)
	ctx := context.Background()

	pool := NewProxyPool(database, 3)
	_, err := pool.InsertProxies(ctx, []string{"10.0.0.1:8080:u:p"})
	require.NoError(t, err)

	// Claim locks it, so a second claim finds nothing
	proxy, err := pool.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, proxy)

	second, err := pool.Claim(ctx, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, second, "locked proxy is invisible to other claimers")

	// A release by a non-holder is a no-op
	require.NoError(t, pool.Release(ctx, proxy.ID, "worker-2"))
	stillLocked, err := pool.Claim(ctx, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, stillLocked, "stale release must not free another worker's proxy")

	// Release by the holder returns it
	require.NoError(t, pool.Release(ctx, proxy.ID, "worker-1"))
	second, err = pool.Claim(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, second)

	// Blocks below the threshold return it to the pool
	status, err := pool.MarkBlocked(ctx, proxy.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.ProxyStatusAvailable, status)

	status, err = pool.MarkBlocked(ctx, proxy.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.ProxyStatusAvailable, status)

	// The third block retires it permanently
	status, err = pool.MarkBlocked(ctx, proxy.ID)
	require.NoError(t, err)
	assert.Equal(t, worker.ProxyStatusBlocked, status)

	gone, err := pool.Claim(ctx, "worker-3")
	require.NoError(t, err)
	assert.Nil(t, gone, "blocked proxy is never claimable again")
}

func TestIntegrationResultUpsertIdempotent(t *testing.T) {
	database := setupIntegrationDB(t)
	ctx := context.Background()

	store := NewResultStore(database)
	price := 100.0
	res := &worker.Result{
		ItemID:   12345,
		Status:   worker.ResultStatusSuccess,
		WorkerID: "worker-1",
		Attempts: 1,
		Record: &worker.ItemRecord{
			Title:           "Vintage chair",
			Characteristics: map[string]string{"Material": "Oak"},
			Price:           &price,
		},
	}

	require.NoError(t, store.Upsert(ctx, res))

	// Replay with a different outcome overwrites in place
	res.Attempts = 2
	res.Record.Title = "Vintage oak chair"
	require.NoError(t, store.Upsert(ctx, res))

	var count int64
	err := database.GetDB().QueryRow(`SELECT COUNT(*) FROM results`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "one row per item, ever")

	var title string
	var attempts int
	err = database.GetDB().QueryRow(
		`SELECT title, attempts FROM results WHERE item_id = $1`, 12345,
	).Scan(&title, &attempts)
	require.NoError(t, err)
	assert.Equal(t, "Vintage oak chair", title)
	assert.Equal(t, 2, attempts)
}

func TestIntegrationReclaimedTaskIsClaimable(t *testing.T) {
	database := setupIntegrationDB(t)
	ctx := context.Background()

	queue := NewTaskQueue(database)
	_, err := queue.InsertTasks(ctx, []int64{7}, 5)
	require.NoError(t, err)

	task, err := queue.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)

	// Simulate the reaper sweep: reclaim consumes no attempt
	_, err = database.GetDB().Exec(
		`UPDATE tasks SET status = 'pending', worker_id = NULL WHERE id = $1`, task.ID)
	require.NoError(t, err)

	reclaimed, err := queue.Claim(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, task.ID, reclaimed.ID)
	assert.Equal(t, 0, reclaimed.Attempts)
}
