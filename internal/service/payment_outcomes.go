package service

import (
	"context"
	"errors"
	"fmt"

	"reservation-service/internal/models"
	"reservation-service/internal/util"

	"go.uber.org/zap"
)

// HandlePaymentSucceeded moves a PENDING order to PAID.
func (s *OrderService) HandlePaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) error {
	ctx, span := util.StartSpan(ctx, "OrderService.HandlePaymentSucceeded")
	defer span.End()

	s.logger.Info("Handling payment success",
		zap.Int64("order_id", event.OrderID),
		zap.String("tx_id", event.TxID))

	moved, err := s.applyPaymentOutcome(ctx, event.BaseEvent, event.OrderID, models.OrderStatusPaid)
	if err != nil {
		util.RecordError(span, err)
		return err
	}
	if moved {
		util.OrdersPaidTotal.Inc()
	}
	return nil
}

// HandlePaymentFailed moves a PENDING order to PAYMENT_FAILED. The stock
// committed with the order is not returned here; restocking belongs to the
// returns flow.
func (s *OrderService) HandlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	ctx, span := util.StartSpan(ctx, "OrderService.HandlePaymentFailed")
	defer span.End()

	s.logger.Warn("Handling payment failure",
		zap.Int64("order_id", event.OrderID),
		zap.String("reason", event.Reason))

	moved, err := s.applyPaymentOutcome(ctx, event.BaseEvent, event.OrderID, models.OrderStatusPaymentFailed)
	if err != nil {
		util.RecordError(span, err)
		return err
	}
	if moved {
		util.OrdersPaymentFailedTotal.Inc()
	}
	return nil
}

// applyPaymentOutcome compares-and-swaps the order out of PENDING, re-reading
// on a version mismatch. Each event is applied at most once.
func (s *OrderService) applyPaymentOutcome(ctx context.Context, event models.BaseEvent, orderID int64, status string) (bool, error) {
	processed, err := s.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return false, fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		s.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return false, nil
	}

	moved := false
	for attempt := 1; ; attempt++ {
		order, err := s.store.GetOrderByID(ctx, orderID)
		if errors.Is(err, models.ErrOrderNotFound) {
			s.logger.Warn("Payment outcome for unknown order", zap.Int64("order_id", orderID))
			break
		}
		if err != nil {
			return false, fmt.Errorf("failed to get order: %w", err)
		}

		if order.Status != models.OrderStatusPending {
			s.logger.Info("Order no longer pending, ignoring payment outcome",
				zap.Int64("order_id", orderID),
				zap.String("status", order.Status),
				zap.String("outcome", status))
			break
		}

		err = s.store.UpdateOrderStatus(ctx, orderID, status, order.Version)
		if errors.Is(err, models.ErrConcurrencyConflict) && attempt < s.cfg.MaxAttempts {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to update order status: %w", err)
		}
		moved = true
		break
	}

	if err := s.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		s.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return moved, nil
}
