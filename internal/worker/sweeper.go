package worker

import (
	"context"
	"errors"
	"time"

	"CryptoSettle/internal/events"
	"CryptoSettle/internal/metrics"
	"CryptoSettle/internal/models"
	"CryptoSettle/internal/store"

	"go.uber.org/zap"
)

// Sweeper fails pending orders older than Expiry.
type Sweeper struct {
	Store    store.OrderStore
	Expiry   time.Duration
	Interval time.Duration
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Log      *zap.Logger

	now func() time.Time
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if n, err := s.SweepOnce(ctx); err != nil {
			s.Log.Warn("expiry sweep failed", zap.Error(err))
		} else if n > 0 {
			s.Log.Info("expired pending orders", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	at := now().UTC()

	stale, err := s.Store.ListStale(ctx, at.Add(-s.Expiry))
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, order := range stale {
		err := s.Store.Transition(ctx, order.ID, models.OrderPending, models.Transition{
			Status: models.OrderFailed,
			At:     at,
		})
		if errors.Is(err, store.ErrPreconditionFailed) {
			// settled between list and update
			continue
		}
		if err != nil {
			return failed, err
		}
		failed++
		s.Metrics.OrdersSettled.WithLabelValues(string(order.Asset), string(models.OrderFailed)).Inc()
		s.Log.Info("order expired", zap.String("order_id", order.ID), zap.String("asset", string(order.Asset)))

		order.Status = models.OrderFailed
		order.FailedAt = &at
		if err := s.Events.Publish(ctx, events.NewOrderEvent(events.TypeOrderFailed, order, at)); err != nil {
			s.Log.Warn("publish order.failed failed", zap.String("order_id", order.ID), zap.Error(err))
		}
	}
	return failed, nil
}
