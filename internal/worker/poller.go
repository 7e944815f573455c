package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CryptoSettle/internal/chain"
	"CryptoSettle/internal/metrics"
	"CryptoSettle/internal/models"

	"go.uber.org/zap"
)

type Reconciler interface {
	Reconcile(ctx context.Context, rc models.Receipt) (string, error)
}

type PollConfig struct {
	Interval   time.Duration
	BackoffMax time.Duration
}

// poller watches one address on one chain.
type poller struct {
	monitor    chain.Monitor
	reconciler Reconciler
	address    string
	cfg        PollConfig
	lease      Lease
	metrics    *metrics.Metrics
	log        *zap.Logger
}

func (p *poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	bo := newBackoff(p.cfg.Interval, p.cfg.BackoffMax)

	for {
		if err := p.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.next()
			p.log.Warn("poll cycle failed", zap.Duration("retry_in", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			drain(ticker)
			continue
		}
		bo.reset()

		// a cycle that overran the interval leaves a tick behind; drop it
		drain(ticker)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *poller) cycle(ctx context.Context) error {
	asset := string(p.monitor.Asset())
	if p.lease != nil {
		ok, err := p.lease.Acquire(ctx, asset+":"+p.address, p.cfg.Interval)
		if err != nil {
			p.log.Warn("lease unavailable, skipping cycle", zap.Error(err))
			return nil
		}
		if !ok {
			p.log.Debug("address polled by another replica")
			return nil
		}
	}

	start := time.Now()
	defer func() {
		p.metrics.PollDuration.WithLabelValues(asset).Observe(time.Since(start).Seconds())
	}()

	receipts, err := p.monitor.Poll(ctx, p.address)
	if err != nil {
		p.metrics.PollErrors.WithLabelValues(asset).Inc()
		if errors.Is(err, chain.ErrUpstreamTimeout) {
			return err
		}
		return fmt.Errorf("explorer: %w", err)
	}

	var firstErr error
	for _, rc := range receipts {
		id, err := p.reconciler.Reconcile(ctx, rc)
		if err != nil {
			p.log.Error("reconcile failed", zap.String("tx_id", rc.TxID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if id != "" {
			p.log.Debug("receipt matched", zap.String("tx_id", rc.TxID), zap.String("order_id", id))
		}
	}
	return firstErr
}

func drain(t *time.Ticker) {
	select {
	case <-t.C:
	default:
	}
}
