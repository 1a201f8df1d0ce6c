package store

import (
	"context"
	"fmt"

	"reservation-service/internal/models"
)

// GetCartByUserID returns the user's cart with its items, or nil when the
// user has no cart.
func (s *Store) GetCartByUserID(ctx context.Context, userID int64) (*models.Cart, error) {
	var cart models.Cart
	err := s.db.GetContext(ctx, &cart,
		"SELECT id, user_id, version, updated_at FROM carts WHERE user_id = $1", userID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	err = s.db.SelectContext(ctx, &cart.Items,
		"SELECT id, cart_id, sku_id, quantity, added_at FROM cart_items WHERE cart_id = $1 ORDER BY id",
		cart.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cart items: %w", err)
	}

	return &cart, nil
}
