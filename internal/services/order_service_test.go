package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"CryptoSettle/internal/models"
	"CryptoSettle/internal/pricing"
	"CryptoSettle/internal/store"

	"github.com/shopspring/decimal"
)

const (
	btcAddr  = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
	tronAddr = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
)

type fakeOracle struct {
	mu    sync.Mutex
	rates map[models.Asset]decimal.Decimal
	err   error
	calls int
}

func (f *fakeOracle) GetRate(ctx context.Context, asset models.Asset) (models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return models.Quote{}, f.err
	}
	return models.Quote{Asset: asset, USDRate: f.rates[asset], Source: "test", FetchedAt: time.Now()}, nil
}

func (f *fakeOracle) set(asset models.Asset, rate string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates[asset] = decimal.RequireFromString(rate)
}

type brokenStore struct {
	store.OrderStore
}

func (brokenStore) CreateOrder(ctx context.Context, order *models.Order) error {
	return errors.New("connection refused")
}

func (brokenStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return nil, errors.New("connection refused")
}

type seqDeriver struct{}

func (seqDeriver) Derive(index uint32) (string, error) {
	return fmt.Sprintf("bc1qderived%d", index), nil
}

func newService(st store.OrderStore) (*OrderService, *fakeOracle) {
	oracle := &fakeOracle{rates: map[models.Asset]decimal.Decimal{
		models.AssetBTC:       decimal.RequireFromString("50000"),
		models.AssetTRC20USDT: decimal.RequireFromString("1.0004"),
	}}
	svc := NewOrderService(st, oracle, nil, nil, nil)
	svc.WatchAddresses[models.AssetBTC] = btcAddr
	svc.WatchAddresses[models.AssetTRC20USDT] = tronAddr
	return svc, oracle
}

func TestCreateOrderQuotesAndPersists(t *testing.T) {
	st := store.NewMemory()
	svc, _ := newService(st)

	order, err := svc.CreateOrder(context.Background(), decimal.RequireFromString("100"), models.AssetBTC, map[string]string{"email": "a@b.c"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID == "" || order.Status != models.OrderPending || order.WatchAddress != btcAddr {
		t.Fatalf("unexpected order %+v", order)
	}
	if got := order.CryptoAmount.StringFixed(8); got != "0.00200000" {
		t.Errorf("expected 0.00200000, got %s", got)
	}

	stored, err := st.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	if !stored.CryptoAmount.Equal(order.CryptoAmount) || stored.BuyerMetadata["email"] != "a@b.c" {
		t.Errorf("stored order differs: %+v", stored)
	}
	if !stored.Quote.USDRate.Equal(decimal.RequireFromString("50000")) {
		t.Errorf("expected locked quote rate, got %s", stored.Quote.USDRate)
	}
}

func TestCreateOrderRoundsToAssetPrecision(t *testing.T) {
	svc, _ := newService(store.NewMemory())
	order, err := svc.CreateOrder(context.Background(), decimal.RequireFromString("25.50"), models.AssetTRC20USDT, nil)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	// 25.50 / 1.0004 = 25.4898...
	if !order.CryptoAmount.Equal(decimal.RequireFromString("25.49")) {
		t.Errorf("expected 25.49, got %s", order.CryptoAmount)
	}
}

func TestCreateOrderAmountIsImmutable(t *testing.T) {
	st := store.NewMemory()
	svc, oracle := newService(st)

	order, err := svc.CreateOrder(context.Background(), decimal.RequireFromString("100"), models.AssetBTC, nil)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	oracle.set(models.AssetBTC, "40000")

	if _, err := svc.CreateOrder(context.Background(), decimal.RequireFromString("100"), models.AssetBTC, nil); err != nil {
		t.Fatalf("second order: %v", err)
	}
	got, _ := svc.GetOrder(context.Background(), order.ID)
	if !got.CryptoAmount.Equal(decimal.RequireFromString("0.002")) {
		t.Errorf("first order amount changed to %s", got.CryptoAmount)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	svc, oracle := newService(store.NewMemory())
	cases := []struct {
		name  string
		usd   string
		asset models.Asset
		want  error
	}{
		{"zero", "0", models.AssetBTC, ErrInvalidAmount},
		{"negative", "-5", models.AssetBTC, ErrInvalidAmount},
		{"sub cent", "10.001", models.AssetBTC, ErrInvalidAmount},
		{"unknown asset", "10", models.Asset("ETH"), ErrUnsupportedAsset},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := svc.CreateOrder(context.Background(), decimal.RequireFromString(c.usd), c.asset, nil)
			if !errors.Is(err, c.want) {
				t.Fatalf("expected %v, got %v", c.want, err)
			}
		})
	}
	if oracle.calls != 0 {
		t.Errorf("oracle must not be called for invalid input, got %d calls", oracle.calls)
	}
}

func TestCreateOrderWithoutWatchAddress(t *testing.T) {
	svc, _ := newService(store.NewMemory())
	delete(svc.WatchAddresses, models.AssetTRC20USDT)
	_, err := svc.CreateOrder(context.Background(), decimal.RequireFromString("10"), models.AssetTRC20USDT, nil)
	if !errors.Is(err, ErrNoWatchAddress) {
		t.Fatalf("expected ErrNoWatchAddress, got %v", err)
	}
}

func TestCreateOrderPriceUnavailablePersistsNothing(t *testing.T) {
	st := store.NewMemory()
	svc, oracle := newService(st)
	oracle.err = fmt.Errorf("%w: 429", pricing.ErrPriceUnavailable)

	_, err := svc.CreateOrder(context.Background(), decimal.RequireFromString("100"), models.AssetBTC, nil)
	if !errors.Is(err, pricing.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	addrs, _ := st.ListWatchedAddresses(context.Background(), models.AssetBTC)
	if len(addrs) != 0 {
		t.Errorf("expected no order persisted, got addresses %v", addrs)
	}

	oracle.err = errors.New("dial tcp: refused")
	if _, err := svc.CreateOrder(context.Background(), decimal.RequireFromString("100"), models.AssetBTC, nil); !errors.Is(err, pricing.ErrPriceUnavailable) {
		t.Fatalf("expected raw oracle errors to map to ErrPriceUnavailable, got %v", err)
	}
}

func TestCreateOrderStoreUnavailable(t *testing.T) {
	svc, _ := newService(brokenStore{store.NewMemory()})
	_, err := svc.CreateOrder(context.Background(), decimal.RequireFromString("100"), models.AssetBTC, nil)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, _, err := svc.GetStatus(context.Background(), "x"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable on read, got %v", err)
	}
}

func TestCreateOrderDerivesPerOrderAddress(t *testing.T) {
	st := store.NewMemory()
	svc, _ := newService(st)
	svc.BTCDeriver = seqDeriver{}

	a, err := svc.CreateOrder(context.Background(), decimal.RequireFromString("100"), models.AssetBTC, nil)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := svc.CreateOrder(context.Background(), decimal.RequireFromString("100"), models.AssetBTC, nil)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if a.WatchAddress == b.WatchAddress || a.DerivationIndex == nil || b.DerivationIndex == nil {
		t.Fatalf("expected distinct derived addresses, got %s and %s", a.WatchAddress, b.WatchAddress)
	}

	u, err := svc.CreateOrder(context.Background(), decimal.RequireFromString("10"), models.AssetTRC20USDT, nil)
	if err != nil {
		t.Fatalf("create usdt: %v", err)
	}
	if u.WatchAddress != tronAddr || u.DerivationIndex != nil {
		t.Errorf("usdt orders keep the pooled address, got %+v", u)
	}
}

func TestGetStatus(t *testing.T) {
	st := store.NewMemory()
	svc, _ := newService(st)
	order, _ := svc.CreateOrder(context.Background(), decimal.RequireFromString("100"), models.AssetBTC, nil)

	status, txID, err := svc.GetStatus(context.Background(), order.ID)
	if err != nil || status != models.OrderPending || txID != nil {
		t.Fatalf("unexpected status %s %v %v", status, txID, err)
	}

	_ = st.Transition(context.Background(), order.ID, models.OrderPending, models.Transition{Status: models.OrderCompleted, TxID: "abc", At: time.Now()})
	status, txID, err = svc.GetStatus(context.Background(), order.ID)
	if err != nil || status != models.OrderCompleted || txID == nil || *txID != "abc" {
		t.Fatalf("unexpected status after settlement %s %v %v", status, txID, err)
	}

	if _, _, err := svc.GetStatus(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
