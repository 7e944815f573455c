package store

import (
	"context"
	"errors"
	"time"

	"CryptoSettle/internal/models"
)

var (
	ErrNotFound           = errors.New("order not found")
	ErrPreconditionFailed = errors.New("order status precondition failed")
	ErrTxAlreadyUsed      = errors.New("transaction already settled another order")
	ErrDuplicateID        = errors.New("order id already exists")
)

// OrderStore is the durable record of settlement intents.
//
// Transition must be a single atomic compare-and-set on the backing store:
// it applies the update only while the order is still in the expected
// status, and reports ErrPreconditionFailed otherwise.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	FindByTxID(ctx context.Context, txID string) (*models.Order, error)
	ListPending(ctx context.Context, asset models.Asset, address string) ([]*models.Order, error)
	ListWatchedAddresses(ctx context.Context, asset models.Asset) ([]string, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]*models.Order, error)
	Transition(ctx context.Context, orderID string, expected models.OrderStatus, t models.Transition) error
	NextDerivationIndex(ctx context.Context) (int64, error)
}

func applyTransition(order *models.Order, t models.Transition) {
	at := t.At.UTC()
	order.Status = t.Status
	order.UpdatedAt = at
	switch t.Status {
	case models.OrderCompleted:
		txID := t.TxID
		order.TxID = &txID
		order.CompletedAt = &at
	case models.OrderFailed:
		order.FailedAt = &at
	}
}
