package models

import "errors"

var (
	ErrValidation              = errors.New("validation failed")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrSkuNotFound             = errors.New("sku not found")
	ErrReservationNotFound     = errors.New("reservation not found")
	ErrOrderNotFound           = errors.New("order not found")
	ErrEmptyCart               = errors.New("cart is empty")
	ErrDuplicateIdempotencyKey = errors.New("order with this idempotency key already exists")

	// ErrConcurrencyConflict signals a lost optimistic-concurrency race: re-read and retry.
	ErrConcurrencyConflict = errors.New("concurrent modification")

	// ErrConflict is surfaced to callers once retries are exhausted.
	ErrConflict = errors.New("conflict")
)
