package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reservation-service/internal/models"
	"reservation-service/internal/util"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ReservationStore is the transactional ledger the manager drives.
type ReservationStore interface {
	GetSku(ctx context.Context, id int64) (*models.Sku, error)
	CreateReservation(ctx context.Context, r *models.Reservation) (*models.Sku, error)
	ReplaceReservation(ctx context.Context, oldID uuid.UUID, r *models.Reservation, reason string, now time.Time) (*models.ReleaseResult, *models.Sku, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*models.Reservation, error)
	GetActiveReservationsForCart(ctx context.Context, cartID int64) ([]models.Reservation, error)
	ExtendReservation(ctx context.Context, id uuid.UUID, by, maxTTL time.Duration, now time.Time) (bool, error)
	ReleaseReservation(ctx context.Context, id uuid.UUID, reason string, now time.Time) (*models.ReleaseResult, error)
	ReleaseReservationsForCart(ctx context.Context, cartID int64, reason string, now time.Time) (*models.ReleaseResult, error)
	ReleaseExpiredReservations(ctx context.Context, now time.Time, limit int) (*models.ReleaseResult, error)
}

// AvailabilityCache is the advisory read model of SKU counters.
type AvailabilityCache interface {
	SyncAvailability(ctx context.Context, sku models.Sku) (bool, error)
	GetAvailability(ctx context.Context, skuID int64) (*models.Availability, error)
}

// EventPublisher publishes inventory domain events.
type EventPublisher interface {
	PublishReservationsReleased(ctx context.Context, event *models.ReservationsReleasedEvent) error
	PublishOrderCommitted(ctx context.Context, event *models.OrderCommittedEvent) error
}

// ReservationConfig holds reservation lifetimes.
type ReservationConfig struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// ReservationManager creates, extends and releases reservations while
// keeping the SKU ledger consistent.
type ReservationManager struct {
	store    ReservationStore
	cache    AvailabilityCache
	events   EventPublisher
	cfg      ReservationConfig
	validate *validator.Validate
	now      func() time.Time
	logger   *zap.Logger
}

// NewReservationManager creates a new reservation manager
func NewReservationManager(
	store ReservationStore,
	cache AvailabilityCache,
	events EventPublisher,
	cfg ReservationConfig,
) *ReservationManager {
	return &ReservationManager{
		store:    store,
		cache:    cache,
		events:   events,
		cfg:      cfg,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   util.GetLogger(),
	}
}

// CreateReservationRequest represents a request to hold stock for a cart or session
type CreateReservationRequest struct {
	SkuID      int64  `json:"sku_id" validate:"gt=0"`
	Quantity   int    `json:"quantity" validate:"gt=0"`
	CartID     *int64 `json:"cart_id,omitempty" validate:"omitempty,gt=0"`
	CartItemID *int64 `json:"cart_item_id,omitempty" validate:"omitempty,gt=0"`
	SessionID  string `json:"session_id,omitempty" validate:"max=128"`
	TTLMinutes int    `json:"ttl_minutes,omitempty" validate:"gte=0"`
	IPAddress  string `json:"-"`
	UserAgent  string `json:"-"`
}

// CreateReservation holds quantity units of a SKU. It fails with
// ErrInsufficientStock when fewer units are available, leaving no trace.
func (m *ReservationManager) CreateReservation(ctx context.Context, req *CreateReservationRequest) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.CreateReservation")
	defer span.End()

	r, err := m.newReservation(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		util.ReserveLatency.Observe(time.Since(start).Seconds())
	}()

	sku, err := m.store.CreateReservation(ctx, r)
	if err != nil {
		m.countFailure(span, err)
		return nil, err
	}

	util.ReservationsCreatedTotal.Inc()
	m.syncCache(ctx, *sku)

	m.logger.Debug("Reservation created",
		zap.String("reservation_id", r.ID.String()),
		zap.Int64("sku_id", r.SkuID),
		zap.Int("quantity", r.Quantity),
		zap.Time("expires_at", r.ExpiresAt))

	return r, nil
}

// ReplaceReservation swaps the reservation oldID for a new one built from req
// in a single transaction; the old one is released with reason. When the new
// one cannot be reserved the error is returned and the old hold is untouched.
func (m *ReservationManager) ReplaceReservation(ctx context.Context, oldID uuid.UUID, req *CreateReservationRequest, reason string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.ReplaceReservation")
	defer span.End()

	r, err := m.newReservation(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		util.ReserveLatency.Observe(time.Since(start).Seconds())
	}()

	released, sku, err := m.store.ReplaceReservation(ctx, oldID, r, reason, m.now())
	if err != nil {
		m.countFailure(span, err)
		return nil, err
	}

	util.ReservationsCreatedTotal.Inc()
	m.afterRelease(ctx, released, reason, req.CartID)
	m.syncCache(ctx, *sku)

	m.logger.Debug("Reservation replaced",
		zap.String("old_reservation_id", oldID.String()),
		zap.String("reservation_id", r.ID.String()),
		zap.Int64("sku_id", r.SkuID),
		zap.Int("quantity", r.Quantity))

	return r, nil
}

func (m *ReservationManager) newReservation(req *CreateReservationRequest) (*models.Reservation, error) {
	if err := m.validate.Struct(req); err != nil {
		util.ReservationsFailedTotal.WithLabelValues("validation").Inc()
		return nil, fmt.Errorf("%w: %s", models.ErrValidation, err)
	}
	if req.CartID == nil && req.SessionID == "" {
		util.ReservationsFailedTotal.WithLabelValues("validation").Inc()
		return nil, fmt.Errorf("%w: cart_id or session_id is required", models.ErrValidation)
	}

	now := m.now()
	return &models.Reservation{
		ID:         uuid.New(),
		SkuID:      req.SkuID,
		Quantity:   req.Quantity,
		Status:     models.ReservationActive,
		CartID:     req.CartID,
		CartItemID: req.CartItemID,
		SessionID:  optional(req.SessionID),
		IPAddress:  optional(req.IPAddress),
		UserAgent:  optional(req.UserAgent),
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl(req.TTLMinutes)),
		UpdatedAt:  now,
	}, nil
}

func (m *ReservationManager) countFailure(span trace.Span, err error) {
	switch {
	case errors.Is(err, models.ErrInsufficientStock):
		util.ReservationsFailedTotal.WithLabelValues("insufficient_stock").Inc()
	case errors.Is(err, models.ErrSkuNotFound):
		util.ReservationsFailedTotal.WithLabelValues("sku_not_found").Inc()
	case errors.Is(err, models.ErrConcurrencyConflict):
		util.ReservationsFailedTotal.WithLabelValues("conflict").Inc()
	default:
		util.ReservationsFailedTotal.WithLabelValues("error").Inc()
		util.RecordError(span, err)
	}
}

// ttl resolves the requested lifetime: zero means the default, and nothing
// may outlive MaxTTL.
func (m *ReservationManager) ttl(minutes int) time.Duration {
	ttl := m.cfg.DefaultTTL
	if minutes > 0 {
		ttl = time.Duration(minutes) * time.Minute
	}
	if m.cfg.MaxTTL > 0 && ttl > m.cfg.MaxTTL {
		ttl = m.cfg.MaxTTL
	}
	return ttl
}

// GetReservation retrieves a reservation by ID
func (m *ReservationManager) GetReservation(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	return m.store.GetReservation(ctx, id)
}

// ActiveForCart lists the cart's ACTIVE reservations.
func (m *ReservationManager) ActiveForCart(ctx context.Context, cartID int64) ([]models.Reservation, error) {
	return m.store.GetActiveReservationsForCart(ctx, cartID)
}

// ExtendReservation pushes the expiry of an ACTIVE reservation forward by
// minutes from its current expiry. False means the reservation is missing,
// terminal, already expired, or the new expiry would pass creation + MaxTTL.
func (m *ReservationManager) ExtendReservation(ctx context.Context, id uuid.UUID, minutes int) (bool, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.ExtendReservation")
	defer span.End()

	if minutes <= 0 {
		return false, fmt.Errorf("%w: minutes must be positive, got %d", models.ErrValidation, minutes)
	}

	extended, err := m.store.ExtendReservation(ctx, id, time.Duration(minutes)*time.Minute, m.cfg.MaxTTL, m.now())
	if err != nil {
		util.RecordError(span, err)
		return false, err
	}
	if extended {
		util.ReservationsExtendedTotal.Inc()
	}
	return extended, nil
}

// ReleaseReservation returns an ACTIVE reservation's stock to the pool.
// Releasing a missing or terminal reservation is a no-op that returns false.
func (m *ReservationManager) ReleaseReservation(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.ReleaseReservation")
	defer span.End()

	if reason == "" {
		reason = models.ReasonReleased
	}

	result, err := m.store.ReleaseReservation(ctx, id, reason, m.now())
	if err != nil {
		util.RecordError(span, err)
		return false, fmt.Errorf("failed to release reservation %s: %w", id, err)
	}

	m.afterRelease(ctx, result, reason, nil)
	return result.Count > 0, nil
}

// ReleaseReservationsForCart releases every ACTIVE reservation of a cart and
// returns how many were released.
func (m *ReservationManager) ReleaseReservationsForCart(ctx context.Context, cartID int64, reason string) (int, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.ReleaseReservationsForCart")
	defer span.End()

	if cartID <= 0 {
		return 0, fmt.Errorf("%w: invalid cart id %d", models.ErrValidation, cartID)
	}
	if reason == "" {
		reason = models.ReasonReleased
	}

	result, err := m.store.ReleaseReservationsForCart(ctx, cartID, reason, m.now())
	if err != nil {
		util.RecordError(span, err)
		return 0, fmt.Errorf("failed to release reservations for cart %d: %w", cartID, err)
	}

	m.afterRelease(ctx, result, reason, &cartID)
	return result.Count, nil
}

// ReleaseExpired releases up to limit reservations whose expiry has passed.
func (m *ReservationManager) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.ReleaseExpired")
	defer span.End()

	result, err := m.store.ReleaseExpiredReservations(ctx, m.now(), limit)
	if err != nil {
		util.RecordError(span, err)
		return 0, fmt.Errorf("failed to release expired reservations: %w", err)
	}

	m.afterRelease(ctx, result, models.ReasonExpired, nil)
	return result.Count, nil
}

// GetAvailability serves SKU counters from the cache, falling back to the
// database on a miss or cache error.
func (m *ReservationManager) GetAvailability(ctx context.Context, skuID int64) (*models.Availability, error) {
	ctx, span := util.StartSpan(ctx, "ReservationManager.GetAvailability")
	defer span.End()

	cached, err := m.cache.GetAvailability(ctx, skuID)
	if err == nil {
		util.AvailabilityLookupsTotal.WithLabelValues("cache").Inc()
		return cached, nil
	}

	sku, err := m.store.GetSku(ctx, skuID)
	if err != nil {
		return nil, err
	}
	util.AvailabilityLookupsTotal.WithLabelValues("database").Inc()
	m.syncCache(ctx, *sku)

	return &models.Availability{
		SkuID:     sku.ID,
		Stock:     sku.StockQuantity,
		Reserved:  sku.ReservedQuantity,
		Available: sku.Available(),
		Version:   sku.Version,
	}, nil
}

func (m *ReservationManager) afterRelease(ctx context.Context, result *models.ReleaseResult, reason string, cartID *int64) {
	if result.Count == 0 {
		return
	}

	util.ReservationsReleasedTotal.WithLabelValues(reason).Add(float64(result.Count))
	for _, sku := range result.Skus {
		m.syncCache(ctx, sku)
	}

	skus := make([]models.SkuQuantity, 0, len(result.Skus))
	for _, sku := range result.Skus {
		skus = append(skus, models.SkuQuantity{SkuID: sku.ID, Quantity: result.BySku[sku.ID]})
	}

	event := &models.ReservationsReleasedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeReservationsReleased,
			Timestamp: m.now(),
		},
		Reason: reason,
		Count:  result.Count,
		Skus:   skus,
		CartID: cartID,
	}
	if err := m.events.PublishReservationsReleased(ctx, event); err != nil {
		util.EventsPublishFailedTotal.WithLabelValues(models.EventTypeReservationsReleased).Inc()
		m.logger.Error("Failed to publish ReservationsReleased event",
			zap.String("reason", reason),
			zap.Error(err))
	}
}

// syncCache never fails the caller; the database stays authoritative.
func (m *ReservationManager) syncCache(ctx context.Context, sku models.Sku) {
	if _, err := m.cache.SyncAvailability(ctx, sku); err != nil {
		m.logger.Warn("Failed to sync availability cache",
			zap.Int64("sku_id", sku.ID),
			zap.Error(err))
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
