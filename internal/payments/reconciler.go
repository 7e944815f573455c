package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CryptoSettle/internal/events"
	"CryptoSettle/internal/metrics"
	"CryptoSettle/internal/models"
	"CryptoSettle/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reconciler matches observed receipts against pending orders and settles
// at most one order per transaction.
type Reconciler struct {
	Store   store.OrderStore
	Events  events.Publisher
	Metrics *metrics.Metrics
	Log     *zap.Logger

	now func() time.Time
}

func NewReconciler(st store.OrderStore, pub events.Publisher, m *metrics.Metrics, log *zap.Logger) *Reconciler {
	if pub == nil {
		pub = events.Nop{}
	}
	if m == nil {
		m = metrics.Nop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{Store: st, Events: pub, Metrics: m, Log: log, now: time.Now}
}

// Reconcile returns the id of the order the receipt settles, or "" when it
// matches nothing. A receipt whose tx already settled an order returns that
// order's id without touching state. Only store failures surface as errors.
func (r *Reconciler) Reconcile(ctx context.Context, rc models.Receipt) (string, error) {
	asset := string(rc.Asset)
	log := r.Log.With(
		zap.String("asset", asset),
		zap.String("address", rc.Address),
		zap.String("tx_id", rc.TxID),
		zap.String("observed", rc.ObservedAmount.String()),
	)

	if rc.TxID == "" || !rc.Asset.Valid() {
		r.Metrics.ReconcileCandidates.WithLabelValues(asset, metrics.ResultNoMatch).Inc()
		return "", nil
	}

	owner, err := r.Store.FindByTxID(ctx, rc.TxID)
	switch {
	case err == nil:
		r.Metrics.ReconcileCandidates.WithLabelValues(asset, metrics.ResultReplay).Inc()
		return owner.ID, nil
	case !errors.Is(err, store.ErrNotFound):
		r.Metrics.ReconcileCandidates.WithLabelValues(asset, metrics.ResultError).Inc()
		return "", fmt.Errorf("find by tx id: %w", err)
	}

	pending, err := r.Store.ListPending(ctx, rc.Asset, rc.Address)
	if err != nil {
		r.Metrics.ReconcileCandidates.WithLabelValues(asset, metrics.ResultError).Inc()
		return "", fmt.Errorf("list pending: %w", err)
	}

	order := Match(pending, rc)
	if order == nil {
		r.Metrics.ReconcileCandidates.WithLabelValues(asset, metrics.ResultNoMatch).Inc()
		if len(pending) > 0 {
			log.Info("receipt outside tolerance of every pending order", zap.Int("pending", len(pending)))
		}
		return "", nil
	}

	at := r.now().UTC()
	err = r.Store.Transition(ctx, order.ID, models.OrderPending, models.Transition{
		Status: models.OrderCompleted,
		TxID:   rc.TxID,
		At:     at,
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrPreconditionFailed), errors.Is(err, store.ErrTxAlreadyUsed):
		// another worker got there first
		r.Metrics.ReconcileCandidates.WithLabelValues(asset, metrics.ResultRaced).Inc()
		log.Debug("settlement lost race", zap.String("order_id", order.ID), zap.Error(err))
		return "", nil
	default:
		r.Metrics.ReconcileCandidates.WithLabelValues(asset, metrics.ResultError).Inc()
		return "", fmt.Errorf("transition order %s: %w", order.ID, err)
	}

	r.Metrics.ReconcileCandidates.WithLabelValues(asset, metrics.ResultMatched).Inc()
	r.Metrics.OrdersSettled.WithLabelValues(asset, string(models.OrderCompleted)).Inc()
	log.Info("order completed", zap.String("order_id", order.ID))

	txID := rc.TxID
	order.Status = models.OrderCompleted
	order.TxID = &txID
	order.CompletedAt = &at
	if err := r.Events.Publish(ctx, events.NewOrderEvent(events.TypeOrderCompleted, order, at)); err != nil {
		log.Warn("publish order.completed failed", zap.String("order_id", order.ID), zap.Error(err))
	}
	return order.ID, nil
}

// Match picks the oldest pending order whose amount is within the asset's
// tolerance of the receipt. pending must already be ordered oldest first.
func Match(pending []*models.Order, rc models.Receipt) *models.Order {
	tol := rc.Asset.Tolerance()
	for _, o := range pending {
		if o.Status != models.OrderPending || o.Asset != rc.Asset || o.WatchAddress != rc.Address {
			continue
		}
		if WithinTolerance(o.CryptoAmount, rc.ObservedAmount, tol) {
			return o
		}
	}
	return nil
}

func WithinTolerance(expected, observed, tolerance decimal.Decimal) bool {
	return expected.Sub(observed).Abs().LessThanOrEqual(tolerance)
}
