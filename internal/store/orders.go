package store

import (
	"context"
	"fmt"

	"reservation-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const orderColumns = `id, order_number, user_id, idempotency_key, status, total_amount,
	shipping_full_name, shipping_phone, shipping_address, shipping_city, shipping_postal_code, shipping_country,
	delivery_method, payment_method, promo_code, notes, version, created_at, updated_at`

const idempotencyKeyConstraint = "orders_idempotency_key_key"

// CommitOrder converts the given ACTIVE reservations into an order in one
// transaction: the cart version is checked and bumped, the SKUs are locked,
// the items are snapshotted from the catalog and priced, the order and its
// items are inserted, the reservations flip to COMMITTED, stock and reserved
// counters drop by the committed quantities, and the cart is emptied.
//
// A unique violation on the idempotency key returns ErrDuplicateIdempotencyKey.
// A stale cart version (any change to the cart's lines moves it) or a
// reservation that is no longer ACTIVE returns ErrConcurrencyConflict; nothing
// is written in either case. On success the touched SKU rows are returned as
// committed.
func (s *Store) CommitOrder(ctx context.Context, c *models.OrderCommit) ([]models.Sku, error) {
	expected := make(map[int64]int, len(c.Items))
	skuIDs := make([]int64, 0, len(c.Items))
	for _, item := range c.Items {
		expected[item.SkuID] += item.Quantity
		skuIDs = append(skuIDs, item.SkuID)
	}

	ids := make([]string, 0, len(c.ReservationIDs))
	for _, id := range c.ReservationIDs {
		ids = append(ids, id.String())
	}

	var skus []models.Sku
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE carts SET version = version + 1, updated_at = NOW() WHERE id = $1 AND version = $2",
			c.CartID, c.CartVersion)
		if err != nil {
			return fmt.Errorf("failed to bump cart version: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: cart %d changed", models.ErrConcurrencyConflict, c.CartID)
		}

		if _, err := s.lockSkus(ctx, tx, skuIDs); err != nil {
			return err
		}

		snaps, err := skuSnapshots(ctx, tx, skuIDs)
		if err != nil {
			return err
		}
		order := c.Order
		if order.TotalAmount, err = models.ApplySnapshots(c.Items, snaps); err != nil {
			return err
		}

		rows, err := sqlx.NamedQueryContext(ctx, tx, `
			INSERT INTO orders (order_number, user_id, idempotency_key, status, total_amount,
				shipping_full_name, shipping_phone, shipping_address, shipping_city, shipping_postal_code,
				shipping_country, delivery_method, payment_method, promo_code, notes)
			VALUES (:order_number, :user_id, :idempotency_key, :status, :total_amount,
				:shipping_full_name, :shipping_phone, :shipping_address, :shipping_city, :shipping_postal_code,
				:shipping_country, :delivery_method, :payment_method, :promo_code, :notes)
			RETURNING id, version, created_at, updated_at`, order)
		if err != nil {
			return classifyOrderInsert(err)
		}
		if rows.Next() {
			err = rows.Scan(&order.ID, &order.Version, &order.CreatedAt, &order.UpdatedAt)
		}
		if cerr := rows.Close(); err == nil {
			err = cerr
		}
		if err == nil {
			err = rows.Err()
		}
		if err != nil {
			return classifyOrderInsert(err)
		}

		var committed []struct {
			SkuID    int64 `db:"sku_id"`
			Quantity int   `db:"quantity"`
		}
		err = tx.SelectContext(ctx, &committed, `
			UPDATE reservations
			SET status = 'COMMITTED', order_id = $2, updated_at = NOW()
			WHERE id = ANY($1::uuid[]) AND status = 'ACTIVE'
			RETURNING sku_id, quantity`,
			pq.StringArray(ids), order.ID)
		if err != nil {
			return fmt.Errorf("failed to commit reservations: %w", err)
		}
		if len(committed) != len(c.ReservationIDs) {
			return fmt.Errorf("%w: %d of %d reservations still active",
				models.ErrConcurrencyConflict, len(committed), len(c.ReservationIDs))
		}
		got := make(map[int64]int, len(committed))
		for _, r := range committed {
			got[r.SkuID] += r.Quantity
		}
		for skuID, q := range expected {
			if got[skuID] != q {
				return fmt.Errorf("%w: sku %d reserved %d, ordered %d",
					models.ErrConcurrencyConflict, skuID, got[skuID], q)
			}
		}

		for i := range c.Items {
			item := &c.Items[i]
			item.OrderID = order.ID
			err := tx.GetContext(ctx, &item.ID, `
				INSERT INTO order_items (order_id, sku_id, product_id, product_name, unit_price, quantity, image_url)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id`,
				item.OrderID, item.SkuID, item.ProductID, item.ProductName, item.UnitPrice, item.Quantity, item.ImageURL)
			if err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}
		}

		for _, skuID := range sortedKeys(expected) {
			q := expected[skuID]
			sku, err := s.adjustSku(ctx, tx, skuID, -q, -q)
			if err != nil {
				return err
			}
			skus = append(skus, *sku)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM cart_items WHERE cart_id = $1", c.CartID); err != nil {
			return fmt.Errorf("failed to clear cart: %w", err)
		}

		order.Items = c.Items
		return nil
	})
	if err != nil {
		return nil, err
	}
	return skus, nil
}

func classifyOrderInsert(err error) error {
	code, constraint := pqErrorCode(err)
	if code != pqUniqueViolation {
		return fmt.Errorf("failed to create order: %w", err)
	}
	if constraint == idempotencyKeyConstraint {
		return models.ErrDuplicateIdempotencyKey
	}
	return fmt.Errorf("%w: order number collision", models.ErrConcurrencyConflict)
}

// GetOrderByID retrieves an order and its items by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	order.Items, err = s.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key, nil if none exists
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE idempotency_key = $1", key)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	order.Items, err = s.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		`SELECT id, order_id, sku_id, product_id, product_name, unit_price, quantity, image_url
		 FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	return items, err
}

// UpdateOrderStatus compares-and-swaps the order version while moving it to status.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status string, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, version = version + 1, updated_at = NOW() WHERE id = $2 AND version = $3",
		status, orderID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)", orderID); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderID)
	}
	return fmt.Errorf("%w: order %d version %d is stale", models.ErrConcurrencyConflict, orderID, expectedVersion)
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
