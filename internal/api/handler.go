package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"reservation-service/internal/models"
	"reservation-service/internal/service"
	"reservation-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Reservations is the reservation surface the handler serves.
type Reservations interface {
	CreateReservation(ctx context.Context, req *service.CreateReservationRequest) (*models.Reservation, error)
	ExtendReservation(ctx context.Context, id uuid.UUID, minutes int) (bool, error)
	ReleaseReservation(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	ReleaseReservationsForCart(ctx context.Context, cartID int64, reason string) (int, error)
	GetAvailability(ctx context.Context, skuID int64) (*models.Availability, error)
}

// Orders is the order surface the handler serves.
type Orders interface {
	CreateOrder(ctx context.Context, req *service.CreateOrderRequest) (*models.Order, bool, error)
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
}

// Sweeper runs one expiry sweep on demand.
type Sweeper interface {
	RunExpirySweepOnce(ctx context.Context) (int, error)
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	reservations Reservations
	orders       Orders
	sweeper      Sweeper
	db           Pinger
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(reservations Reservations, orders Orders, sweeper Sweeper, db Pinger) *Handler {
	return &Handler{
		reservations: reservations,
		orders:       orders,
		sweeper:      sweeper,
		db:           db,
		logger:       util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/reservations", h.createReservation)
		v1.POST("/reservations/:id/extend", h.extendReservation)
		v1.DELETE("/reservations/:id", h.releaseReservation)
		v1.POST("/carts/:id/release", h.releaseCart)
		v1.GET("/skus/:id/availability", h.getAvailability)

		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
	}

	router.POST("/internal/sweeper/run", h.runSweep)
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only while the database answers.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) createReservation(c *gin.Context) {
	var req service.CreateReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = c.GetHeader("X-Session-ID")
	}
	req.IPAddress = c.ClientIP()
	req.UserAgent = c.Request.UserAgent()

	r, err := h.reservations.CreateReservation(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"reservation_id": r.ID,
		"expires_at":     r.ExpiresAt,
	})
}

type extendRequest struct {
	Minutes int `json:"minutes"`
}

func (h *Handler) extendReservation(c *gin.Context) {
	id, ok := reservationID(c)
	if !ok {
		return
	}
	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	extended, err := h.reservations.ExtendReservation(c.Request.Context(), id, req.Minutes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"extended": extended})
}

func (h *Handler) releaseReservation(c *gin.Context) {
	id, ok := reservationID(c)
	if !ok {
		return
	}

	released, err := h.reservations.ReleaseReservation(c.Request.Context(), id, c.Query("reason"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

type releaseCartRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) releaseCart(c *gin.Context) {
	cartID, ok := int64Param(c, "id", "Invalid cart ID")
	if !ok {
		return
	}
	var req releaseCartRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}

	count, err := h.reservations.ReleaseReservationsForCart(c.Request.Context(), cartID, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": count})
}

func (h *Handler) getAvailability(c *gin.Context) {
	skuID, ok := int64Param(c, "id", "Invalid SKU ID")
	if !ok {
		return
	}

	avail, err := h.reservations.GetAvailability(c.Request.Context(), skuID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, avail)
}

// createOrder handles order creation. A replayed idempotency key answers 200
// with the original order.
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	order, replayed, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := int64Param(c, "id", "Invalid order ID")
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) runSweep(c *gin.Context) {
	released, err := h.sweeper.RunExpirySweepOnce(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation", "error": err.Error()})
	case errors.Is(err, models.ErrSkuNotFound),
		errors.Is(err, models.ErrReservationNotFound),
		errors.Is(err, models.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.Is(err, models.ErrInsufficientStock):
		c.JSON(http.StatusConflict, gin.H{"code": "insufficient_stock", "error": err.Error()})
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, gin.H{"code": "conflict", "error": err.Error()})
	case errors.Is(err, models.ErrEmptyCart):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": "empty_cart", "error": err.Error()})
	default:
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"code": "internal", "error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    "validation",
		"error":   msg,
		"details": err.Error(),
	})
}

func reservationID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "Invalid reservation ID", err)
		return uuid.Nil, false
	}
	return id, true
}

func int64Param(c *gin.Context, name, msg string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		badRequest(c, msg, err)
		return 0, false
	}
	return v, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
