package store

import (
	"context"
	"fmt"
	"time"

	"reservation-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const reservationColumns = `id, sku_id, quantity, status, cart_id, cart_item_id, order_id, session_id,
	ip_address, user_agent, cancellation_reason, created_at, expires_at, updated_at`

type reservationRef struct {
	ID    uuid.UUID `db:"id"`
	SkuID int64     `db:"sku_id"`
}

// CreateReservation locks the SKU row, checks availability and inserts an
// ACTIVE reservation in one transaction. It returns the SKU as left by the
// transaction.
func (s *Store) CreateReservation(ctx context.Context, r *models.Reservation) (*models.Sku, error) {
	var updated *models.Sku

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		locked, err := s.lockSkus(ctx, tx, []int64{r.SkuID})
		if err != nil {
			return err
		}
		updated, err = s.insertReservation(ctx, tx, locked[r.SkuID], r)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ReplaceReservation cancels the ACTIVE reservation oldID with reason and
// inserts r in its place, in one transaction. If r cannot be reserved nothing
// is written and the old reservation keeps its hold. An old reservation that
// is already terminal is left alone and r is still inserted.
func (s *Store) ReplaceReservation(ctx context.Context, oldID uuid.UUID, r *models.Reservation, reason string, now time.Time) (*models.ReleaseResult, *models.Sku, error) {
	skuIDs := []int64{r.SkuID}
	var oldSku int64
	err := s.db.GetContext(ctx, &oldSku, "SELECT sku_id FROM reservations WHERE id = $1", oldID)
	switch {
	case err == nil:
		skuIDs = append(skuIDs, oldSku)
	case !isNoRows(err):
		return nil, nil, fmt.Errorf("failed to load reservation: %w", err)
	}

	result := &models.ReleaseResult{BySku: map[int64]int{}}
	var updated *models.Sku
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		locked, err := s.lockSkus(ctx, tx, skuIDs)
		if err != nil {
			return err
		}

		var flipped []struct {
			SkuID    int64 `db:"sku_id"`
			Quantity int   `db:"quantity"`
		}
		err = tx.SelectContext(ctx, &flipped, `
			UPDATE reservations
			SET status = 'CANCELLED', cancellation_reason = $2, updated_at = $3
			WHERE id = $1 AND status = 'ACTIVE'
			RETURNING sku_id, quantity`, oldID, reason, now)
		if err != nil {
			return fmt.Errorf("failed to cancel reservation: %w", err)
		}
		for _, f := range flipped {
			result.BySku[f.SkuID] += f.Quantity
		}
		if result.Skus, err = s.releaseFromSkus(ctx, tx, result.BySku); err != nil {
			return err
		}
		result.Count = len(flipped)

		if sku, ok := locked[r.SkuID]; ok {
			sku.ReservedQuantity -= result.BySku[r.SkuID]
		}
		updated, err = s.insertReservation(ctx, tx, locked[r.SkuID], r)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return result, updated, nil
}

// insertReservation checks availability on a SKU the caller has locked
// (nil when the SKU does not exist), inserts r and adds its quantity to the
// reserved counter.
func (s *Store) insertReservation(ctx context.Context, tx *sqlx.Tx, sku *models.Sku, r *models.Reservation) (*models.Sku, error) {
	if sku == nil {
		return nil, fmt.Errorf("%w: %d", models.ErrSkuNotFound, r.SkuID)
	}
	if r.Quantity > sku.Available() {
		return nil, fmt.Errorf("%w: sku=%d available=%d requested=%d",
			models.ErrInsufficientStock, r.SkuID, sku.Available(), r.Quantity)
	}

	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO reservations (id, sku_id, quantity, status, cart_id, cart_item_id, session_id,
			ip_address, user_agent, created_at, expires_at, updated_at)
		VALUES (:id, :sku_id, :quantity, :status, :cart_id, :cart_item_id, :session_id,
			:ip_address, :user_agent, :created_at, :expires_at, :updated_at)`, r)
	if err != nil {
		if code, _ := pqErrorCode(err); code == pqUniqueViolation {
			return nil, fmt.Errorf("%w: cart item already has an active reservation", models.ErrConcurrencyConflict)
		}
		return nil, fmt.Errorf("failed to insert reservation: %w", err)
	}

	return s.adjustSku(ctx, tx, r.SkuID, 0, r.Quantity)
}

// GetReservation retrieves a reservation by ID
func (s *Store) GetReservation(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	var r models.Reservation
	err := s.db.GetContext(ctx, &r, "SELECT "+reservationColumns+" FROM reservations WHERE id = $1", id)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %s", models.ErrReservationNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetActiveReservationsForCart lists ACTIVE reservations linked to a cart.
func (s *Store) GetActiveReservationsForCart(ctx context.Context, cartID int64) ([]models.Reservation, error) {
	var rows []models.Reservation
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+reservationColumns+" FROM reservations WHERE cart_id = $1 AND status = 'ACTIVE' ORDER BY created_at",
		cartID)
	return rows, err
}

// ExtendReservation pushes expires_at forward by the full amount from its
// current value. Only an ACTIVE, not yet expired reservation whose new expiry
// stays within created_at + maxTTL is extended; otherwise nothing changes and
// false is returned.
func (s *Store) ExtendReservation(ctx context.Context, id uuid.UUID, by, maxTTL time.Duration, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations
		SET expires_at = expires_at + make_interval(secs => $2),
		    updated_at = $4
		WHERE id = $1 AND status = 'ACTIVE' AND expires_at > $4
		  AND expires_at + make_interval(secs => $2) <= created_at + make_interval(secs => $3)`,
		id, by.Seconds(), maxTTL.Seconds(), now)
	if err != nil {
		return false, fmt.Errorf("failed to extend reservation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ReleaseReservation cancels one ACTIVE reservation and returns its quantity
// to the pool. A missing or already terminal reservation yields Count 0.
func (s *Store) ReleaseReservation(ctx context.Context, id uuid.UUID, reason string, now time.Time) (*models.ReleaseResult, error) {
	var ref reservationRef
	err := s.db.GetContext(ctx, &ref,
		"SELECT id, sku_id FROM reservations WHERE id = $1 AND status = 'ACTIVE'", id)
	if isNoRows(err) {
		return &models.ReleaseResult{BySku: map[int64]int{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation: %w", err)
	}

	return s.releaseRefs(ctx, []reservationRef{ref}, reason, now, false)
}

// ReleaseReservationsForCart cancels every ACTIVE reservation of a cart,
// decrementing each affected SKU once.
func (s *Store) ReleaseReservationsForCart(ctx context.Context, cartID int64, reason string, now time.Time) (*models.ReleaseResult, error) {
	var refs []reservationRef
	err := s.db.SelectContext(ctx, &refs,
		"SELECT id, sku_id FROM reservations WHERE cart_id = $1 AND status = 'ACTIVE'", cartID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart reservations: %w", err)
	}

	return s.releaseRefs(ctx, refs, reason, now, false)
}

// ReleaseExpiredReservations cancels up to limit ACTIVE reservations whose
// expires_at is before now.
func (s *Store) ReleaseExpiredReservations(ctx context.Context, now time.Time, limit int) (*models.ReleaseResult, error) {
	var refs []reservationRef
	err := s.db.SelectContext(ctx, &refs, `
		SELECT id, sku_id FROM reservations
		WHERE status = 'ACTIVE' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired reservations: %w", err)
	}

	return s.releaseRefs(ctx, refs, models.ReasonExpired, now, true)
}

// releaseRefs is the single release path. The candidate rows were read
// without locks; the SKUs are locked first and the status flip re-checks
// status (and expiry when expiredOnly) so a row lost to a concurrent release
// is skipped. Only rows actually flipped are subtracted from the ledger.
func (s *Store) releaseRefs(ctx context.Context, refs []reservationRef, reason string, now time.Time, expiredOnly bool) (*models.ReleaseResult, error) {
	result := &models.ReleaseResult{BySku: map[int64]int{}}
	if len(refs) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(refs))
	skuIDs := make([]int64, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID.String())
		skuIDs = append(skuIDs, ref.SkuID)
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.lockSkus(ctx, tx, skuIDs); err != nil {
			return err
		}

		query := `
			UPDATE reservations
			SET status = 'CANCELLED', cancellation_reason = $2, updated_at = $3
			WHERE id = ANY($1::uuid[]) AND status = 'ACTIVE'`
		if expiredOnly {
			query += ` AND expires_at < $3`
		}
		query += ` RETURNING sku_id, quantity`

		var flipped []struct {
			SkuID    int64 `db:"sku_id"`
			Quantity int   `db:"quantity"`
		}
		if err := tx.SelectContext(ctx, &flipped, query, pq.StringArray(ids), reason, now); err != nil {
			return fmt.Errorf("failed to cancel reservations: %w", err)
		}

		bySku := make(map[int64]int, len(flipped))
		for _, f := range flipped {
			bySku[f.SkuID] += f.Quantity
		}

		skus, err := s.releaseFromSkus(ctx, tx, bySku)
		if err != nil {
			return err
		}

		result.Count = len(flipped)
		result.BySku = bySku
		result.Skus = skus
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
