package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Stepan2222000/zamer-avito-system/internal/worker"
)

// ResultStore persists terminal outcomes keyed by item id. One row per item,
// ever: a replay of the same item overwrites the previous row in place, so
// retried terminal writes are idempotent.
type ResultStore struct {
	db *DB
}

// NewResultStore creates a result store over the given connection
func NewResultStore(db *DB) *ResultStore {
	return &ResultStore{db: db}
}

// Upsert writes a terminal result, replacing any existing row for the item.
// Extraction fields are only present on success; failure rows carry the
// reason and leave the rest NULL.
func (s *ResultStore) Upsert(ctx context.Context, res *worker.Result) error {
	var (
		title, description, sellerName, sellerProfileURL sql.NullString
		locationAddress, locationMetro, locationRegion   sql.NullString
		characteristics                                  []byte
		price                                            sql.NullFloat64
		publishedAt                                      sql.NullTime
		viewsTotal                                       sql.NullInt64
	)

	if rec := res.Record; rec != nil {
		title = nullString(rec.Title)
		description = nullString(rec.Description)
		sellerName = nullString(rec.SellerName)
		sellerProfileURL = nullString(rec.SellerProfileURL)
		locationAddress = nullString(rec.LocationAddress)
		locationMetro = nullString(rec.LocationMetro)
		locationRegion = nullString(rec.LocationRegion)

		if len(rec.Characteristics) > 0 {
			data, err := json.Marshal(rec.Characteristics)
			if err != nil {
				return fmt.Errorf("failed to encode characteristics: %w", err)
			}
			characteristics = data
		}
		if rec.Price != nil {
			price = sql.NullFloat64{Float64: *rec.Price, Valid: true}
		}
		if rec.PublishedAt != nil {
			publishedAt = sql.NullTime{Time: *rec.PublishedAt, Valid: true}
		}
		if rec.ViewsTotal != nil {
			viewsTotal = sql.NullInt64{Int64: *rec.ViewsTotal, Valid: true}
		}
	}

	_, err := s.db.GetDB().ExecContext(ctx, `
		INSERT INTO results (
			item_id, title, description, characteristics, price, published_at,
			seller_name, seller_profile_url,
			location_address, location_metro, location_region,
			views_total, status, failure_reason, worker_id, attempts,
			processed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW())
		ON CONFLICT (item_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			characteristics = EXCLUDED.characteristics,
			price = EXCLUDED.price,
			published_at = EXCLUDED.published_at,
			seller_name = EXCLUDED.seller_name,
			seller_profile_url = EXCLUDED.seller_profile_url,
			location_address = EXCLUDED.location_address,
			location_metro = EXCLUDED.location_metro,
			location_region = EXCLUDED.location_region,
			views_total = EXCLUDED.views_total,
			status = EXCLUDED.status,
			failure_reason = EXCLUDED.failure_reason,
			worker_id = EXCLUDED.worker_id,
			attempts = EXCLUDED.attempts,
			processed_at = NOW(),
			updated_at = NOW()
	`,
		res.ItemID, title, description, characteristics, price, publishedAt,
		sellerName, sellerProfileURL,
		locationAddress, locationMetro, locationRegion,
		viewsTotal, string(res.Status), nullString(res.FailureReason),
		nullString(res.WorkerID), res.Attempts,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert result: %w", err)
	}
	return nil
}

// Stats returns per-status result counts for the status dashboard.
func (s *ResultStore) Stats(ctx context.Context) (map[string]int64, error) {
	return statusCounts(ctx, s.db, "results",
		string(worker.ResultStatusSuccess), string(worker.ResultStatusUnavailable))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
