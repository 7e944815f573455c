package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"CryptoSettle/internal/events"
	"CryptoSettle/internal/models"
	"CryptoSettle/internal/store"

	"github.com/shopspring/decimal"
)

const btcAddr = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.OrderEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev events.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

// flakyStore fails selected calls and otherwise delegates to the memory store.
type flakyStore struct {
	store.OrderStore
	transitionErr error
}

func (s *flakyStore) Transition(ctx context.Context, id string, expected models.OrderStatus, t models.Transition) error {
	if s.transitionErr != nil {
		return s.transitionErr
	}
	return s.OrderStore.Transition(ctx, id, expected, t)
}

func seed(t *testing.T, st store.OrderStore, asset models.Asset, addr, amount string, createdAt time.Time) *models.Order {
	t.Helper()
	o := &models.Order{
		Asset:        asset,
		USDAmount:    decimal.RequireFromString("100"),
		CryptoAmount: decimal.RequireFromString(amount),
		WatchAddress: addr,
		Status:       models.OrderPending,
		CreatedAt:    createdAt,
	}
	if err := st.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

func btcReceipt(amount, tx string) models.Receipt {
	return models.Receipt{
		Asset:          models.AssetBTC,
		Address:        btcAddr,
		ObservedAmount: decimal.RequireFromString(amount),
		TxID:           tx,
		ObservedAt:     time.Now(),
	}
}

func TestReconcileSettlesWithinTolerance(t *testing.T) {
	st := store.NewMemory()
	pub := &recordingPublisher{}
	r := NewReconciler(st, pub, nil, nil)
	o := seed(t, st, models.AssetBTC, btcAddr, "0.00200000", time.Now())

	id, err := r.Reconcile(context.Background(), btcReceipt("0.00200003", "abc"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if id != o.ID {
		t.Fatalf("expected %s, got %q", o.ID, id)
	}

	got, _ := st.GetOrder(context.Background(), o.ID)
	if got.Status != models.OrderCompleted || got.TxID == nil || *got.TxID != "abc" || got.CompletedAt == nil {
		t.Errorf("unexpected order %+v", got)
	}
	if len(pub.events) != 1 || pub.events[0].Type != events.TypeOrderCompleted || pub.events[0].TxID != "abc" {
		t.Errorf("unexpected events %+v", pub.events)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	st := store.NewMemory()
	pub := &recordingPublisher{}
	r := NewReconciler(st, pub, nil, nil)
	o := seed(t, st, models.AssetBTC, btcAddr, "0.002", time.Now())
	rc := btcReceipt("0.002", "abc")

	for i := 0; i < 3; i++ {
		id, err := r.Reconcile(context.Background(), rc)
		if err != nil {
			t.Fatalf("reconcile %d: %v", i, err)
		}
		if id != o.ID {
			t.Fatalf("reconcile %d: expected %s, got %q", i, o.ID, id)
		}
	}

	// a new order for the same amount must not be settled by the replayed tx
	later := seed(t, st, models.AssetBTC, btcAddr, "0.002", time.Now().Add(time.Second))
	if id, err := r.Reconcile(context.Background(), rc); err != nil || id != o.ID {
		t.Fatalf("replay after new order: id=%q err=%v", id, err)
	}
	got, _ := st.GetOrder(context.Background(), later.ID)
	if got.Status != models.OrderPending {
		t.Errorf("replayed tx settled a second order")
	}
	if len(pub.events) != 1 {
		t.Errorf("expected a single completion event, got %d", len(pub.events))
	}
}

func TestReconcileToleranceBoundary(t *testing.T) {
	cases := []struct {
		observed string
		match    bool
	}{
		{"0.00201", true},
		{"0.00199", true},
		{"0.00201001", false},
		{"0.00198999", false},
	}
	for _, c := range cases {
		t.Run(c.observed, func(t *testing.T) {
			st := store.NewMemory()
			r := NewReconciler(st, nil, nil, nil)
			o := seed(t, st, models.AssetBTC, btcAddr, "0.002", time.Now())

			id, err := r.Reconcile(context.Background(), btcReceipt(c.observed, "tx-"+c.observed))
			if err != nil {
				t.Fatalf("reconcile: %v", err)
			}
			if c.match && id != o.ID {
				t.Errorf("expected match, got %q", id)
			}
			if !c.match && id != "" {
				t.Errorf("expected no match, got %q", id)
			}
		})
	}
}

func TestReconcileUSDTTolerance(t *testing.T) {
	st := store.NewMemory()
	r := NewReconciler(st, nil, nil, nil)
	addr := "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	o := seed(t, st, models.AssetTRC20USDT, addr, "25.00", time.Now())

	miss := models.Receipt{Asset: models.AssetTRC20USDT, Address: addr, ObservedAmount: decimal.RequireFromString("24.98"), TxID: "t0"}
	if id, _ := r.Reconcile(context.Background(), miss); id != "" {
		t.Fatalf("expected 24.98 to miss, got %q", id)
	}
	hit := models.Receipt{Asset: models.AssetTRC20USDT, Address: addr, ObservedAmount: decimal.RequireFromString("24.99"), TxID: "t1"}
	if id, _ := r.Reconcile(context.Background(), hit); id != o.ID {
		t.Fatalf("expected 24.99 to settle %s, got %q", o.ID, id)
	}
}

func TestReconcilePicksOldestPending(t *testing.T) {
	st := store.NewMemory()
	r := NewReconciler(st, nil, nil, nil)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	newer := seed(t, st, models.AssetBTC, btcAddr, "0.002", base.Add(time.Minute))
	older := seed(t, st, models.AssetBTC, btcAddr, "0.002", base)

	id, err := r.Reconcile(context.Background(), btcReceipt("0.002", "tx1"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if id != older.ID {
		t.Fatalf("expected oldest order %s, got %s", older.ID, id)
	}

	id, _ = r.Reconcile(context.Background(), btcReceipt("0.002", "tx2"))
	if id != newer.ID {
		t.Fatalf("expected second tx to settle %s, got %s", newer.ID, id)
	}
}

func TestReconcileIgnoresOtherAddressAndAsset(t *testing.T) {
	st := store.NewMemory()
	r := NewReconciler(st, nil, nil, nil)
	seed(t, st, models.AssetBTC, "bc1qother", "0.002", time.Now())
	seed(t, st, models.AssetTRC20USDT, btcAddr, "0.002", time.Now())

	id, err := r.Reconcile(context.Background(), btcReceipt("0.002", "tx"))
	if err != nil || id != "" {
		t.Fatalf("expected no match, got %q %v", id, err)
	}
}

func TestReconcileFailedOrderIsImmune(t *testing.T) {
	st := store.NewMemory()
	r := NewReconciler(st, nil, nil, nil)
	o := seed(t, st, models.AssetBTC, btcAddr, "0.002", time.Now().Add(-48*time.Hour))
	if err := st.Transition(context.Background(), o.ID, models.OrderPending, models.Transition{Status: models.OrderFailed, At: time.Now()}); err != nil {
		t.Fatalf("fail order: %v", err)
	}

	id, err := r.Reconcile(context.Background(), btcReceipt("0.002", "late"))
	if err != nil || id != "" {
		t.Fatalf("expected late payment to match nothing, got %q %v", id, err)
	}
	got, _ := st.GetOrder(context.Background(), o.ID)
	if got.Status != models.OrderFailed || got.TxID != nil {
		t.Errorf("failed order changed: %+v", got)
	}
}

func TestReconcileLostRaceIsNoop(t *testing.T) {
	for _, raceErr := range []error{store.ErrPreconditionFailed, store.ErrTxAlreadyUsed} {
		st := &flakyStore{OrderStore: store.NewMemory(), transitionErr: raceErr}
		r := NewReconciler(st, nil, nil, nil)
		seed(t, st, models.AssetBTC, btcAddr, "0.002", time.Now())

		id, err := r.Reconcile(context.Background(), btcReceipt("0.002", "abc"))
		if err != nil || id != "" {
			t.Errorf("%v: expected benign no-op, got %q %v", raceErr, id, err)
		}
	}
}

func TestReconcileSurfacesStoreErrors(t *testing.T) {
	boom := errors.New("connection reset")
	st := &flakyStore{OrderStore: store.NewMemory(), transitionErr: boom}
	r := NewReconciler(st, nil, nil, nil)
	seed(t, st, models.AssetBTC, btcAddr, "0.002", time.Now())

	_, err := r.Reconcile(context.Background(), btcReceipt("0.002", "abc"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestReconcileConcurrentWorkersSettleOnce(t *testing.T) {
	st := store.NewMemory()
	r := NewReconciler(st, nil, nil, nil)
	o := seed(t, st, models.AssetBTC, btcAddr, "0.002", time.Now())
	seed(t, st, models.AssetBTC, btcAddr, "0.002", time.Now().Add(time.Second))

	var wg sync.WaitGroup
	ids := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := r.Reconcile(context.Background(), btcReceipt("0.002", "abc"))
			if err != nil {
				t.Errorf("reconcile: %v", err)
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	for id := range ids {
		if id != "" && id != o.ID {
			t.Errorf("tx settled unexpected order %s", id)
		}
	}
	owner, err := st.FindByTxID(context.Background(), "abc")
	if err != nil || owner.ID != o.ID {
		t.Fatalf("expected tx owner %s, got %v %v", o.ID, owner, err)
	}
}
