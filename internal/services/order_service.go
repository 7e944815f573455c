package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CryptoSettle/internal/events"
	"CryptoSettle/internal/metrics"
	"CryptoSettle/internal/models"
	"CryptoSettle/internal/pricing"
	"CryptoSettle/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidAmount    = errors.New("usd amount must be positive with at most two decimal places")
	ErrUnsupportedAsset = errors.New("unsupported asset")
	ErrNoWatchAddress   = errors.New("no watch address configured for asset")
	ErrStoreUnavailable = errors.New("order store unavailable")
	ErrMetadataTooLarge = errors.New("buyer metadata too large")
	ErrQuoteOutOfRange  = errors.New("quoted crypto amount rounds to zero")
)

const maxBuyerMetadataKeys = 32

// Deriver hands out a fresh receive address per derivation index.
type Deriver interface {
	Derive(index uint32) (string, error)
}

type OrderService struct {
	Store   store.OrderStore
	Oracle  pricing.RateSource
	Events  events.Publisher
	Metrics *metrics.Metrics
	Log     *zap.Logger

	// WatchAddresses is the pooled receive address per asset.
	WatchAddresses map[models.Asset]string
	// BTCDeriver, when set, gives every BTC order its own address.
	BTCDeriver     Deriver

	now func() time.Time
}

func NewOrderService(st store.OrderStore, oracle pricing.RateSource, pub events.Publisher, m *metrics.Metrics, log *zap.Logger) *OrderService {
	if pub == nil {
		pub = events.Nop{}
	}
	if m == nil {
		m = metrics.Nop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OrderService{
		Store:          st,
		Oracle:         oracle,
		Events:         pub,
		Metrics:        m,
		Log:            log,
		WatchAddresses: map[models.Asset]string{},
		now:            time.Now,
	}
}

func (s *OrderService) CreateOrder(ctx context.Context, usdAmount decimal.Decimal, asset models.Asset, buyerMetadata map[string]string) (*models.Order, error) {
	if !usdAmount.IsPositive() || !usdAmount.Equal(usdAmount.Round(2)) {
		return nil, ErrInvalidAmount
	}
	if !asset.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAsset, asset)
	}
	if len(buyerMetadata) > maxBuyerMetadataKeys {
		return nil, ErrMetadataTooLarge
	}
	if !s.canAddress(asset) {
		return nil, fmt.Errorf("%w: %s", ErrNoWatchAddress, asset)
	}

	log := s.Log.With(zap.String("asset", string(asset)), zap.String("usd_amount", usdAmount.String()))

	quote, err := s.Oracle.GetRate(ctx, asset)
	if err != nil {
		s.Metrics.OracleErrors.WithLabelValues(string(asset)).Inc()
		log.Warn("price oracle failed", zap.Error(err))
		if errors.Is(err, pricing.ErrPriceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", pricing.ErrPriceUnavailable, err)
	}
	if !quote.USDRate.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive rate", pricing.ErrPriceUnavailable)
	}

	cryptoAmount := asset.Round(usdAmount.Div(quote.USDRate))
	if !cryptoAmount.IsPositive() {
		return nil, ErrQuoteOutOfRange
	}

	addr, idx, err := s.resolveAddress(ctx, asset)
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		Asset:           asset,
		USDAmount:       usdAmount,
		CryptoAmount:    cryptoAmount,
		WatchAddress:    addr,
		DerivationIndex: idx,
		Status:          models.OrderPending,
		BuyerMetadata:   copyMetadata(buyerMetadata),
		Quote:           quote,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.Store.CreateOrder(ctx, order); err != nil {
		log.Error("create order failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.Metrics.OrdersCreated.WithLabelValues(string(asset)).Inc()
	log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("address", order.WatchAddress),
		zap.String("crypto_amount", order.CryptoAmount.StringFixed(asset.Precision())),
		zap.String("rate", quote.USDRate.String()),
	)
	if err := s.Events.Publish(ctx, events.NewOrderEvent(events.TypeOrderCreated, order, order.CreatedAt)); err != nil {
		log.Warn("publish order.created failed", zap.String("order_id", order.ID), zap.Error(err))
	}
	return order, nil
}

// GetStatus returns the order status and, once completed, the settling tx id.
func (s *OrderService) GetStatus(ctx context.Context, orderID string) (models.OrderStatus, *string, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return "", nil, err
	}
	return order.Status, order.TxID, nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	if orderID == "" {
		return nil, store.ErrNotFound
	}
	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return order, nil
}

func (s *OrderService) canAddress(asset models.Asset) bool {
	if asset == models.AssetBTC && s.BTCDeriver != nil {
		return true
	}
	return s.WatchAddresses[asset] != ""
}

func (s *OrderService) resolveAddress(ctx context.Context, asset models.Asset) (string, *int64, error) {
	if asset != models.AssetBTC || s.BTCDeriver == nil {
		return s.WatchAddresses[asset], nil, nil
	}
	idx, err := s.Store.NextDerivationIndex(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	addr, err := s.BTCDeriver.Derive(uint32(idx))
	if err != nil {
		return "", nil, fmt.Errorf("derive address %d: %w", idx, err)
	}
	return addr, &idx, nil
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
