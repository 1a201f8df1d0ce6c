package worker

import (
	"context"

	"reservation-service/internal/broker"
	"reservation-service/internal/models"
	"reservation-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageSource feeds messages to a handler until its context ends.
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// PaymentOutcomeHandler applies payment outcomes to orders.
type PaymentOutcomeHandler interface {
	HandlePaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) error
	HandlePaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}

// OrderEventWorker consumes payment events and moves orders out of PENDING.
type OrderEventWorker struct {
	source       MessageSource
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewOrderEventWorker creates a new order event worker
func NewOrderEventWorker(source MessageSource, orders PaymentOutcomeHandler) *OrderEventWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnPaymentSucceeded(orders.HandlePaymentSucceeded)
	eventHandler.OnPaymentFailed(orders.HandlePaymentFailed)

	return &OrderEventWorker{
		source:       source,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start blocks consuming events until ctx is cancelled.
func (w *OrderEventWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting order event worker")
	err := w.source.StartConsuming(ctx, w.handle)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (w *OrderEventWorker) handle(ctx context.Context, msg kafka.Message) error {
	if err := w.eventHandler.HandleMessage(ctx, msg); err != nil {
		w.logger.Error("Failed to handle order event",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return err
	}
	return nil
}

// Stop stops the worker
func (w *OrderEventWorker) Stop() error {
	w.logger.Info("Stopping order event worker")
	return w.source.Close()
}
