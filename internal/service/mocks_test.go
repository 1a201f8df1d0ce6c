package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"reservation-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memStore is an in-memory ledger with the same contracts as store.Store.
// A single mutex stands in for the row locks.
type memStore struct {
	mu           sync.Mutex
	skus         map[int64]*models.Sku
	snapshots    map[int64]models.SkuSnapshot
	reservations map[uuid.UUID]*models.Reservation
	carts        map[int64]*models.Cart
	orders       map[int64]*models.Order
	ordersByKey  map[string]int64
	processed    map[string]string
	nextOrderID  int64

	commitErrs   []error
	beforeCommit func()
	statusErrs   []error
}

func newMemStore() *memStore {
	return &memStore{
		skus:         map[int64]*models.Sku{},
		snapshots:    map[int64]models.SkuSnapshot{},
		reservations: map[uuid.UUID]*models.Reservation{},
		carts:        map[int64]*models.Cart{},
		orders:       map[int64]*models.Order{},
		ordersByKey:  map[string]int64{},
		processed:    map[string]string{},
	}
}

func (f *memStore) addSku(id int64, stock int, price string) {
	f.skus[id] = &models.Sku{ID: id, ProductID: id * 10, StockQuantity: stock, Version: 1,
		Price: decimal.RequireFromString(price)}
	f.snapshots[id] = models.SkuSnapshot{SkuID: id, ProductID: id * 10,
		ProductName: fmt.Sprintf("Product %d", id), Price: decimal.RequireFromString(price),
		ImageURL: fmt.Sprintf("https://img/%d.png", id)}
}

// addCart creates a cart for userID; lines are (skuID, quantity) pairs and
// get cart item ids 1..n.
func (f *memStore) addCart(cartID, userID int64, lines ...[2]int) *models.Cart {
	cart := &models.Cart{ID: cartID, UserID: userID, Version: 1}
	for i, l := range lines {
		cart.Items = append(cart.Items, models.CartItem{
			ID: cartID*100 + int64(i+1), CartID: cartID, SkuID: int64(l[0]), Quantity: l[1],
		})
	}
	f.carts[userID] = cart
	return cart
}

func (f *memStore) sku(id int64) models.Sku {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.skus[id]
}

func (f *memStore) activeSum(skuID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := 0
	for _, r := range f.reservations {
		if r.SkuID == skuID && r.Status == models.ReservationActive {
			sum += r.Quantity
		}
	}
	return sum
}

func (f *memStore) reservation(id uuid.UUID) models.Reservation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.reservations[id]
}

func (f *memStore) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func (f *memStore) GetSku(_ context.Context, id int64) (*models.Sku, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sku, ok := f.skus[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrSkuNotFound, id)
	}
	cp := *sku
	return &cp, nil
}

func (f *memStore) CreateReservation(_ context.Context, r *models.Reservation) (*models.Sku, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sku, ok := f.skus[r.SkuID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrSkuNotFound, r.SkuID)
	}
	if r.Quantity > sku.Available() {
		return nil, fmt.Errorf("%w: sku=%d", models.ErrInsufficientStock, r.SkuID)
	}
	if r.CartItemID != nil {
		for _, other := range f.reservations {
			if other.Status == models.ReservationActive && other.CartItemID != nil && *other.CartItemID == *r.CartItemID {
				return nil, fmt.Errorf("%w: cart item already has an active reservation", models.ErrConcurrencyConflict)
			}
		}
	}

	cp := *r
	f.reservations[r.ID] = &cp
	sku.ReservedQuantity += r.Quantity
	sku.Version++
	out := *sku
	return &out, nil
}

func (f *memStore) ReplaceReservation(_ context.Context, oldID uuid.UUID, r *models.Reservation, reason string, now time.Time) (*models.ReleaseResult, *models.Sku, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sku, ok := f.skus[r.SkuID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", models.ErrSkuNotFound, r.SkuID)
	}
	freed := 0
	if old, ok := f.reservations[oldID]; ok && old.Status == models.ReservationActive && old.SkuID == r.SkuID {
		freed = old.Quantity
	}
	if r.Quantity > sku.Available()+freed {
		return nil, nil, fmt.Errorf("%w: sku=%d", models.ErrInsufficientStock, r.SkuID)
	}
	if r.CartItemID != nil {
		for id, other := range f.reservations {
			if id != oldID && other.Status == models.ReservationActive && other.CartItemID != nil && *other.CartItemID == *r.CartItemID {
				return nil, nil, fmt.Errorf("%w: cart item already has an active reservation", models.ErrConcurrencyConflict)
			}
		}
	}

	result := f.releaseLocked(func(old *models.Reservation) bool { return old.ID == oldID }, reason, now, 0)
	cp := *r
	f.reservations[r.ID] = &cp
	sku.ReservedQuantity += r.Quantity
	sku.Version++
	out := *sku
	return result, &out, nil
}

func (f *memStore) GetReservation(_ context.Context, id uuid.UUID) (*models.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrReservationNotFound, id)
	}
	cp := *r
	return &cp, nil
}

func (f *memStore) GetActiveReservationsForCart(_ context.Context, cartID int64) ([]models.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Reservation
	for _, r := range f.reservations {
		if r.CartID != nil && *r.CartID == cartID && r.Status == models.ReservationActive {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *memStore) ExtendReservation(_ context.Context, id uuid.UUID, by, maxTTL time.Duration, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok || r.Status != models.ReservationActive || !r.ExpiresAt.After(now) {
		return false, nil
	}
	next := r.ExpiresAt.Add(by)
	if next.After(r.CreatedAt.Add(maxTTL)) {
		return false, nil
	}
	r.ExpiresAt = next
	r.UpdatedAt = now
	return true, nil
}

// releaseLocked cancels the matching ACTIVE reservations; callers hold mu.
func (f *memStore) releaseLocked(match func(*models.Reservation) bool, reason string, now time.Time, limit int) *models.ReleaseResult {
	result := &models.ReleaseResult{BySku: map[int64]int{}}
	ids := make([]uuid.UUID, 0)
	for id, r := range f.reservations {
		if r.Status == models.ReservationActive && match(r) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return f.reservations[ids[i]].ExpiresAt.Before(f.reservations[ids[j]].ExpiresAt)
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	for _, id := range ids {
		r := f.reservations[id]
		r.Status = models.ReservationCancelled
		reasonCopy := reason
		r.CancellationReason = &reasonCopy
		r.UpdatedAt = now
		result.BySku[r.SkuID] += r.Quantity
		result.Count++
	}

	skuIDs := make([]int64, 0, len(result.BySku))
	for id := range result.BySku {
		skuIDs = append(skuIDs, id)
	}
	sort.Slice(skuIDs, func(i, j int) bool { return skuIDs[i] < skuIDs[j] })
	for _, id := range skuIDs {
		sku := f.skus[id]
		sku.ReservedQuantity -= result.BySku[id]
		sku.Version++
		result.Skus = append(result.Skus, *sku)
	}
	return result
}

func (f *memStore) ReleaseReservation(_ context.Context, id uuid.UUID, reason string, now time.Time) (*models.ReleaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releaseLocked(func(r *models.Reservation) bool { return r.ID == id }, reason, now, 0), nil
}

func (f *memStore) ReleaseReservationsForCart(_ context.Context, cartID int64, reason string, now time.Time) (*models.ReleaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releaseLocked(func(r *models.Reservation) bool {
		return r.CartID != nil && *r.CartID == cartID
	}, reason, now, 0), nil
}

func (f *memStore) ReleaseExpiredReservations(_ context.Context, now time.Time, limit int) (*models.ReleaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releaseLocked(func(r *models.Reservation) bool { return r.ExpiresAt.Before(now) },
		models.ReasonExpired, now, limit), nil
}

func (f *memStore) GetCartByUserID(_ context.Context, userID int64) (*models.Cart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cart, ok := f.carts[userID]
	if !ok {
		return nil, nil
	}
	cp := *cart
	cp.Items = append([]models.CartItem(nil), cart.Items...)
	return &cp, nil
}

func (f *memStore) CommitOrder(_ context.Context, c *models.OrderCommit) ([]models.Sku, error) {
	f.mu.Lock()
	hook := f.beforeCommit
	f.beforeCommit = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.commitErrs) > 0 {
		err := f.commitErrs[0]
		f.commitErrs = f.commitErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	if _, ok := f.ordersByKey[c.Order.IdempotencyKey]; ok {
		return nil, models.ErrDuplicateIdempotencyKey
	}

	var cart *models.Cart
	for _, candidate := range f.carts {
		if candidate.ID == c.CartID {
			cart = candidate
		}
	}
	if cart == nil || cart.Version != c.CartVersion {
		return nil, fmt.Errorf("%w: cart %d changed", models.ErrConcurrencyConflict, c.CartID)
	}

	for _, id := range c.ReservationIDs {
		r, ok := f.reservations[id]
		if !ok || r.Status != models.ReservationActive {
			return nil, fmt.Errorf("%w: reservation %s not active", models.ErrConcurrencyConflict, id)
		}
	}

	total, err := models.ApplySnapshots(c.Items, f.snapshots)
	if err != nil {
		return nil, err
	}

	f.nextOrderID++
	order := c.Order
	order.TotalAmount = total
	order.ID = f.nextOrderID
	order.Version = 1
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	for i := range c.Items {
		c.Items[i].OrderID = order.ID
		c.Items[i].ID = int64(i + 1)
	}
	order.Items = c.Items

	stored := *order
	f.orders[order.ID] = &stored
	f.ordersByKey[order.IdempotencyKey] = order.ID

	bySku := map[int64]int{}
	for _, id := range c.ReservationIDs {
		r := f.reservations[id]
		r.Status = models.ReservationCommitted
		orderID := order.ID
		r.OrderID = &orderID
		bySku[r.SkuID] += r.Quantity
	}

	var skus []models.Sku
	for skuID, q := range bySku {
		sku := f.skus[skuID]
		sku.StockQuantity -= q
		sku.ReservedQuantity -= q
		sku.Version++
		skus = append(skus, *sku)
	}

	cart.Items = nil
	cart.Version++
	return skus, nil
}

func (f *memStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, id)
	}
	cp := *order
	return &cp, nil
}

func (f *memStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.ordersByKey[key]
	if !ok {
		return nil, nil
	}
	cp := *f.orders[id]
	return &cp, nil
}

func (f *memStore) UpdateOrderStatus(_ context.Context, orderID int64, status string, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.statusErrs) > 0 {
		err := f.statusErrs[0]
		f.statusErrs = f.statusErrs[1:]
		return err
	}

	order, ok := f.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderID)
	}
	if order.Version != expectedVersion {
		return fmt.Errorf("%w: stale order version", models.ErrConcurrencyConflict)
	}
	order.Status = status
	order.Version++
	return nil
}

func (f *memStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.processed[eventID]
	return ok, nil
}

func (f *memStore) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[eventID] = eventType
	return nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[int64]models.Sku
	err     error
	syncs   int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[int64]models.Sku{}}
}

func (c *fakeCache) SyncAvailability(_ context.Context, sku models.Sku) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncs++
	if c.err != nil {
		return false, c.err
	}
	if current, ok := c.entries[sku.ID]; ok && current.Version >= sku.Version {
		return false, nil
	}
	c.entries[sku.ID] = sku
	return true, nil
}

func (c *fakeCache) GetAvailability(_ context.Context, skuID int64) (*models.Availability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	sku, ok := c.entries[skuID]
	if !ok {
		return nil, fmt.Errorf("miss")
	}
	return &models.Availability{SkuID: skuID, Stock: sku.StockQuantity, Reserved: sku.ReservedQuantity,
		Available: sku.Available(), Version: sku.Version, Cached: true}, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	err       error
	released  []*models.ReservationsReleasedEvent
	committed []*models.OrderCommittedEvent
}

func (p *fakePublisher) PublishReservationsReleased(_ context.Context, event *models.ReservationsReleasedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.released = append(p.released, event)
	return nil
}

func (p *fakePublisher) PublishOrderCommitted(_ context.Context, event *models.OrderCommittedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.committed = append(p.committed, event)
	return nil
}

func (p *fakePublisher) releasedReasons() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.released))
	for _, e := range p.released {
		out = append(out, e.Reason)
	}
	return out
}
