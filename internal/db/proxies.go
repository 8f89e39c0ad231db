package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Stepan2222000/zamer-avito-system/internal/worker"
)

// DefaultBlockThreshold is how many block reports retire a proxy for good.
const DefaultBlockThreshold = 3

// ProxyPool hands out proxies with the same SKIP LOCKED lease the task queue
// uses. A claimed proxy is locked to one holder until released or blocked.
type ProxyPool struct {
	db             *DB
	blockThreshold int
}

// NewProxyPool creates a proxy pool with the given permanent-block threshold.
// A threshold below 1 falls back to the default.
func NewProxyPool(db *DB, blockThreshold int) *ProxyPool {
	if blockThreshold < 1 {
		blockThreshold = DefaultBlockThreshold
	}
	return &ProxyPool{db: db, blockThreshold: blockThreshold}
}

// Claim leases the least-used available proxy for workerID. Returns
// (nil, nil) when every proxy is locked or blocked.
func (p *ProxyPool) Claim(ctx context.Context, workerID string) (*worker.Proxy, error) {
	var proxy worker.Proxy

	err := p.db.GetDB().QueryRowContext(ctx, `
		UPDATE proxies
		SET status = 'locked',
			locked_by = $1,
			locked_at = NOW(),
			uses_count = uses_count + 1,
			last_used_at = NOW()
		WHERE id = (
			SELECT id FROM proxies
			WHERE status = 'available'
			ORDER BY uses_count ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, proxy, uses_count, blocks_count, last_used_at
	`, workerID).Scan(
		&proxy.ID, &proxy.Proxy, &proxy.UsesCount, &proxy.BlocksCount, &proxy.LastUsedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil // no proxies available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim proxy: %w", err)
	}

	proxy.Status = worker.ProxyStatusLocked
	proxy.LockedBy = workerID

	return &proxy, nil
}

// Release returns a locked proxy to the available pool, but only while
// workerID still holds it. A stale or duplicate release against a proxy
// re-claimed by another worker is a no-op, so it is safe from cleanup paths.
func (p *ProxyPool) Release(ctx context.Context, proxyID int64, workerID string) error {
	_, err := p.db.GetDB().ExecContext(ctx, `
		UPDATE proxies
		SET status = 'available',
			locked_by = NULL,
			locked_at = NULL
		WHERE id = $1 AND status = 'locked' AND locked_by = $2
	`, proxyID, workerID)
	if err != nil {
		return fmt.Errorf("failed to release proxy: %w", err)
	}
	return nil
}

// MarkBlocked counts one block report against a proxy, retiring it once the
// threshold is reached and returning it to the pool otherwise.
func (p *ProxyPool) MarkBlocked(ctx context.Context, proxyID int64) (worker.ProxyStatus, error) {
	var status worker.ProxyStatus

	err := p.db.GetDB().QueryRowContext(ctx, `
		UPDATE proxies
		SET blocks_count = blocks_count + 1,
			status = CASE
				WHEN blocks_count + 1 >= $2 THEN 'blocked'
				ELSE 'available'
			END,
			locked_by = NULL,
			locked_at = NULL
		WHERE id = $1
		RETURNING status
	`, proxyID, p.blockThreshold).Scan(&status)

	if err != nil {
		return "", fmt.Errorf("failed to mark proxy blocked: %w", err)
	}
	return status, nil
}

// InsertProxies loads proxy addresses into the pool, skipping duplicates.
// The loader boundary, same as InsertTasks.
func (p *ProxyPool) InsertProxies(ctx context.Context, proxies []string) (int64, error) {
	if len(proxies) == 0 {
		return 0, nil
	}

	var inserted int64
	err := p.db.Execute(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO proxies (proxy, status)
			VALUES ($1, 'available')
			ON CONFLICT (proxy) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare proxy insert: %w", err)
		}
		defer stmt.Close()

		for _, addr := range proxies {
			res, err := stmt.ExecContext(ctx, addr)
			if err != nil {
				return fmt.Errorf("failed to insert proxy: %w", err)
			}
			rows, _ := res.RowsAffected()
			inserted += rows
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// Stats returns per-status proxy counts for the status dashboard.
func (p *ProxyPool) Stats(ctx context.Context) (map[string]int64, error) {
	return statusCounts(ctx, p.db, "proxies",
		string(worker.ProxyStatusAvailable), string(worker.ProxyStatusLocked),
		string(worker.ProxyStatusBlocked))
}
