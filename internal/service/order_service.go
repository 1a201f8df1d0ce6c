package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reservation-service/internal/models"
	"reservation-service/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderStore is the persistence the order orchestrator needs.
type OrderStore interface {
	GetCartByUserID(ctx context.Context, userID int64) (*models.Cart, error)
	CommitOrder(ctx context.Context, c *models.OrderCommit) ([]models.Sku, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string, expectedVersion int64) error
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// OrderConfig tunes order creation.
type OrderConfig struct {
	// CheckoutTTL is the lifetime of reservations created at checkout.
	CheckoutTTL time.Duration
	MaxAttempts int
}

// OrderService converts a cart's reservations into an order exactly once
// per idempotency key.
type OrderService struct {
	store        OrderStore
	reservations *ReservationManager
	cache        AvailabilityCache
	events       EventPublisher
	cfg          OrderConfig
	validate     *validator.Validate
	now          func() time.Time
	logger       *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	store OrderStore,
	reservations *ReservationManager,
	cache AvailabilityCache,
	events EventPublisher,
	cfg OrderConfig,
) *OrderService {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &OrderService{
		store:        store,
		reservations: reservations,
		cache:        cache,
		events:       events,
		cfg:          cfg,
		validate:     validator.New(),
		now:          func() time.Time { return time.Now().UTC() },
		logger:       util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create an order from the user's cart
type CreateOrderRequest struct {
	UserID         int64               `json:"user_id" validate:"gt=0"`
	Shipping       models.ShippingInfo `json:"shipping"`
	DeliveryMethod string              `json:"delivery_method" validate:"required,max=50"`
	PaymentMethod  string              `json:"payment_method" validate:"required,max=50"`
	PromoCode      *string             `json:"promo_code,omitempty" validate:"omitempty,max=50"`
	Notes          *string             `json:"notes,omitempty" validate:"omitempty,max=1000"`
	IdempotencyKey string              `json:"idempotency_key" validate:"required,max=255"`
}

// CreateOrder commits the user's cart as an order. Replaying a request with
// an idempotency key that already produced an order returns that order with
// replayed set and changes nothing.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (order *models.Order, replayed bool, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if err := s.validate.Struct(req); err != nil {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, false, fmt.Errorf("%w: %s", models.ErrValidation, err)
	}

	start := time.Now()
	defer func() {
		util.OrderCommitLatency.Observe(time.Since(start).Seconds())
	}()

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		order, replayed, err = s.attemptCreate(ctx, req)
		if err == nil {
			if replayed {
				util.OrdersReplayedTotal.Inc()
			}
			return order, replayed, nil
		}
		if !errors.Is(err, models.ErrConcurrencyConflict) {
			s.countFailure(err)
			return nil, false, err
		}

		util.OrderCommitRetriesTotal.Inc()
		s.logger.Info("Order commit conflicted, retrying with fresh cart",
			zap.Int64("user_id", req.UserID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	util.OrdersFailedTotal.WithLabelValues("conflict").Inc()
	util.RecordError(span, err)
	return nil, false, fmt.Errorf("%w: order not committed after %d attempts: %v", models.ErrConflict, s.cfg.MaxAttempts, err)
}

func (s *OrderService) countFailure(err error) {
	reason := "error"
	switch {
	case errors.Is(err, models.ErrEmptyCart):
		reason = "empty_cart"
	case errors.Is(err, models.ErrInsufficientStock):
		reason = "insufficient_stock"
	case errors.Is(err, models.ErrSkuNotFound):
		reason = "sku_not_found"
	}
	util.OrdersFailedTotal.WithLabelValues(reason).Inc()
}

// attemptCreate runs one pass over a freshly read cart. Reservations it
// creates are released again if the pass does not commit.
func (s *OrderService) attemptCreate(ctx context.Context, req *CreateOrderRequest) (*models.Order, bool, error) {
	existing, err := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		s.logger.Info("Duplicate order request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("order_id", existing.ID))
		return replay(existing, req)
	}

	cart, err := s.store.GetCartByUserID(ctx, req.UserID)
	if err != nil {
		return nil, false, err
	}
	if cart == nil || len(cart.Items) == 0 {
		// a concurrent duplicate may have committed and emptied the cart since the check above
		if winner, err := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey); err == nil && winner != nil {
			return replay(winner, req)
		}
		return nil, false, models.ErrEmptyCart
	}

	reservationIDs, created, err := s.resolveReservations(ctx, cart)
	if err != nil {
		s.compensate(ctx, created, models.ReasonOrderAborted)
		return nil, false, err
	}

	commit := s.buildCommit(req, cart, reservationIDs)
	skus, err := s.store.CommitOrder(ctx, commit)
	if errors.Is(err, models.ErrDuplicateIdempotencyKey) {
		s.compensate(ctx, created, models.ReasonDuplicateRequest)

		winner, err := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read winning order: %w", err)
		}
		if winner == nil {
			return nil, false, fmt.Errorf("%w: idempotency key taken but order not visible", models.ErrConcurrencyConflict)
		}
		s.logger.Info("Concurrent duplicate order request lost the race",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("order_id", winner.ID))
		return replay(winner, req)
	}
	if err != nil {
		s.compensate(ctx, created, models.ReasonOrderAborted)
		return nil, false, err
	}

	order := commit.Order
	util.OrdersCommittedTotal.Inc()
	for _, sku := range skus {
		s.syncCache(ctx, sku)
	}
	s.publishCommitted(ctx, order)

	s.logger.Info("Order committed",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int("items", len(order.Items)))

	return order, false, nil
}

// replay answers a repeated idempotency key with the order it produced. A key
// that belongs to another user's order is a conflict, not a replay.
func replay(existing *models.Order, req *CreateOrderRequest) (*models.Order, bool, error) {
	if existing.UserID != req.UserID {
		return nil, false, fmt.Errorf("%w: idempotency key already used by another user", models.ErrConflict)
	}
	return existing, true, nil
}

// resolveReservations returns one ACTIVE reservation per cart line, reusing a
// line's reservation when it holds exactly the line's quantity and is still
// live. Reservations held by lines no longer in the cart are released as
// superseded; a line whose reservation no longer matches gets it replaced
// atomically, so a failed replacement leaves the old hold in place. created
// lists the reservations made here, also on error.
func (s *OrderService) resolveReservations(ctx context.Context, cart *models.Cart) (ids []uuid.UUID, created []uuid.UUID, err error) {
	active, err := s.reservations.ActiveForCart(ctx, cart.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load cart reservations: %w", err)
	}

	byItem := make(map[int64]models.Reservation, len(active))
	var stale []uuid.UUID
	for _, r := range active {
		if r.CartItemID == nil {
			stale = append(stale, r.ID)
			continue
		}
		byItem[*r.CartItemID] = r
	}

	inCart := make(map[int64]struct{}, len(cart.Items))
	for _, item := range cart.Items {
		inCart[item.ID] = struct{}{}
	}
	for itemID, r := range byItem {
		if _, ok := inCart[itemID]; !ok {
			stale = append(stale, r.ID)
		}
	}
	for _, id := range stale {
		if _, err := s.reservations.ReleaseReservation(ctx, id, models.ReasonSuperseded); err != nil {
			return nil, nil, err
		}
	}

	now := s.now()
	ttlMinutes := int(s.cfg.CheckoutTTL / time.Minute)
	ids = make([]uuid.UUID, 0, len(cart.Items))

	for _, item := range cart.Items {
		cartID, itemID := cart.ID, item.ID
		req := &CreateReservationRequest{
			SkuID:      item.SkuID,
			Quantity:   item.Quantity,
			CartID:     &cartID,
			CartItemID: &itemID,
			TTLMinutes: ttlMinutes,
		}

		var (
			r   *models.Reservation
			err error
		)
		if old, ok := byItem[item.ID]; ok {
			if old.SkuID == item.SkuID && old.Quantity == item.Quantity && old.IsActiveAt(now) {
				ids = append(ids, old.ID)
				continue
			}
			r, err = s.reservations.ReplaceReservation(ctx, old.ID, req, models.ReasonSuperseded)
		} else {
			r, err = s.reservations.CreateReservation(ctx, req)
		}
		if err != nil {
			return nil, created, err
		}
		created = append(created, r.ID)
		ids = append(ids, r.ID)
	}

	return ids, created, nil
}

// buildCommit prepares the order header and one item per cart line. Item
// snapshots and the total are filled by the store once the SKUs are locked.
func (s *OrderService) buildCommit(req *CreateOrderRequest, cart *models.Cart, reservationIDs []uuid.UUID) *models.OrderCommit {
	items := make([]models.OrderItem, 0, len(cart.Items))
	for _, line := range cart.Items {
		items = append(items, models.OrderItem{SkuID: line.SkuID, Quantity: line.Quantity})
	}

	order := &models.Order{
		OrderNumber:    newOrderNumber(s.now()),
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		Status:         models.OrderStatusPending,
		DeliveryMethod: req.DeliveryMethod,
		PaymentMethod:  req.PaymentMethod,
		PromoCode:      req.PromoCode,
		Notes:          req.Notes,
	}
	order.SetShipping(req.Shipping)

	return &models.OrderCommit{
		Order:          order,
		Items:          items,
		ReservationIDs: reservationIDs,
		CartID:         cart.ID,
		CartVersion:    cart.Version,
	}
}

func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), suffix)
}

// compensate releases reservations created by an attempt that did not
// commit. It runs detached from ctx so a cancelled request still cleans up;
// anything it misses is reclaimed by the sweeper at expiry.
func (s *OrderService) compensate(ctx context.Context, ids []uuid.UUID, reason string) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	for _, id := range ids {
		if _, err := s.reservations.ReleaseReservation(ctx, id, reason); err != nil {
			s.logger.Error("Failed to compensate reservation",
				zap.String("reservation_id", id.String()),
				zap.String("reason", reason),
				zap.Error(err))
		}
	}
}

func (s *OrderService) publishCommitted(ctx context.Context, order *models.Order) {
	items := make([]models.SkuQuantity, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, models.SkuQuantity{SkuID: item.SkuID, Quantity: item.Quantity})
	}

	event := &models.OrderCommittedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderCommitted,
			Timestamp: s.now(),
		},
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Items:       items,
	}

	if err := s.events.PublishOrderCommitted(ctx, event); err != nil {
		util.EventsPublishFailedTotal.WithLabelValues(models.EventTypeOrderCommitted).Inc()
		s.logger.Error("Failed to publish OrderCommitted event",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}

func (s *OrderService) syncCache(ctx context.Context, sku models.Sku) {
	if _, err := s.cache.SyncAvailability(ctx, sku); err != nil {
		s.logger.Warn("Failed to sync availability cache",
			zap.Int64("sku_id", sku.ID),
			zap.Error(err))
	}
}

// GetOrder retrieves an order with its items
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	return s.store.GetOrderByID(ctx, orderID)
}
