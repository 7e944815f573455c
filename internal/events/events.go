package events

import (
	"context"
	"time"

	"CryptoSettle/internal/models"
)

const (
	TypeOrderCreated   = "order.created"
	TypeOrderCompleted = "order.completed"
	TypeOrderFailed    = "order.failed"
)

type OrderEvent struct {
	Type         string             `json:"type"`
	OrderID      string             `json:"orderId"`
	Asset        models.Asset       `json:"asset"`
	Status       models.OrderStatus `json:"status"`
	WatchAddress string             `json:"watchAddress"`
	CryptoAmount string             `json:"cryptoAmount"`
	TxID         string             `json:"txId,omitempty"`
	At           time.Time          `json:"at"`
}

// Publisher delivers order lifecycle events. Delivery is best effort: a
// publish failure never undoes the state change that produced the event.
type Publisher interface {
	Publish(ctx context.Context, ev OrderEvent) error
	Close() error
}

func NewOrderEvent(typ string, order *models.Order, at time.Time) OrderEvent {
	ev := OrderEvent{
		Type:         typ,
		OrderID:      order.ID,
		Asset:        order.Asset,
		Status:       order.Status,
		WatchAddress: order.WatchAddress,
		CryptoAmount: order.CryptoAmount.StringFixed(order.Asset.Precision()),
		At:           at.UTC(),
	}
	if order.TxID != nil {
		ev.TxID = *order.TxID
	}
	return ev
}

type Nop struct{}

func (Nop) Publish(ctx context.Context, ev OrderEvent) error { return nil }

func (Nop) Close() error { return nil }
