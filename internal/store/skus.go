package store

import (
	"context"
	"fmt"
	"sort"

	"reservation-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const skuColumns = `id, product_id, sku_code, price, stock_quantity, reserved_quantity, version, updated_at`

// GetSku reads a SKU without locking; the counters may be stale by the time the caller uses them.
func (s *Store) GetSku(ctx context.Context, id int64) (*models.Sku, error) {
	var sku models.Sku
	err := s.db.GetContext(ctx, &sku, "SELECT "+skuColumns+" FROM skus WHERE id = $1", id)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %d", models.ErrSkuNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &sku, nil
}

// skuSnapshots reads the catalog view (name, price, image) of the given SKUs
// through q, so a caller holding the SKU locks reads it inside its transaction.
func skuSnapshots(ctx context.Context, q sqlx.QueryerContext, ids []int64) (map[int64]models.SkuSnapshot, error) {
	result := make(map[int64]models.SkuSnapshot, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var rows []models.SkuSnapshot
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT s.id AS sku_id, s.product_id, p.name AS product_name, p.image_url, s.price
		FROM skus s JOIN products p ON p.id = s.product_id
		WHERE s.id = ANY($1)`, pq.Array(uniqueSorted(ids)))
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot skus: %w", err)
	}
	for _, row := range rows {
		result[row.SkuID] = row
	}
	return result, nil
}

// lockSkus takes row locks on the given SKUs in ascending id order. Every
// ledger mutation path calls it before touching reservation rows so that all
// writers acquire locks in the same order.
func (s *Store) lockSkus(ctx context.Context, tx *sqlx.Tx, ids []int64) (map[int64]*models.Sku, error) {
	ids = uniqueSorted(ids)

	var rows []models.Sku
	err := tx.SelectContext(ctx, &rows,
		"SELECT "+skuColumns+" FROM skus WHERE id = ANY($1) ORDER BY id FOR UPDATE",
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to lock skus: %w", err)
	}

	locked := make(map[int64]*models.Sku, len(rows))
	for i := range rows {
		locked[rows[i].ID] = &rows[i]
	}
	return locked, nil
}

// adjustSku applies counter deltas to a SKU the caller has already locked.
func (s *Store) adjustSku(ctx context.Context, tx *sqlx.Tx, skuID int64, stockDelta, reservedDelta int) (*models.Sku, error) {
	var sku models.Sku
	err := tx.GetContext(ctx, &sku, `
		UPDATE skus
		SET stock_quantity = stock_quantity + $1,
		    reserved_quantity = reserved_quantity + $2,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $3
		RETURNING `+skuColumns,
		stockDelta, reservedDelta, skuID)
	if err != nil {
		if code, _ := pqErrorCode(err); code == pqCheckViolation {
			return nil, fmt.Errorf("ledger check violated for sku %d: %w", skuID, err)
		}
		return nil, fmt.Errorf("failed to update sku %d: %w", skuID, err)
	}
	return &sku, nil
}

// releaseFromSkus decrements reserved_quantity once per SKU.
func (s *Store) releaseFromSkus(ctx context.Context, tx *sqlx.Tx, bySku map[int64]int) ([]models.Sku, error) {
	skus := make([]models.Sku, 0, len(bySku))
	for _, skuID := range sortedKeys(bySku) {
		sku, err := s.adjustSku(ctx, tx, skuID, 0, -bySku[skuID])
		if err != nil {
			return nil, err
		}
		skus = append(skus, *sku)
	}
	return skus, nil
}

func uniqueSorted(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedKeys(m map[int64]int) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
