package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"CryptoSettle/internal/models"

	"github.com/google/uuid"
)

// Memory is a process-local OrderStore. A single mutex serialises every
// operation, which makes Transition a true compare-and-set.
type Memory struct {
	mu       sync.Mutex
	orders   map[string]*models.Order
	byTx     map[string]string
	derivIdx int64
}

func NewMemory() *Memory {
	return &Memory{
		orders: map[string]*models.Order{},
		byTx:   map[string]string{},
	}
}

func (m *Memory) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	if _, ok := m.orders[id]; ok {
		return ErrDuplicateID
	}
	order.ID = id
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = order.CreatedAt
	m.orders[id] = cloneOrder(order)
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *Memory) FindByTxID(ctx context.Context, txID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTx[txID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(m.orders[id]), nil
}

func (m *Memory) ListPending(ctx context.Context, asset models.Asset, address string) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.Status == models.OrderPending && o.Asset == asset && o.WatchAddress == address {
			out = append(out, cloneOrder(o))
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *Memory) ListWatchedAddresses(ctx context.Context, asset models.Asset) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]struct{}{}
	var out []string
	for _, o := range m.orders {
		if o.Status != models.OrderPending || o.Asset != asset {
			continue
		}
		if _, ok := seen[o.WatchAddress]; ok {
			continue
		}
		seen[o.WatchAddress] = struct{}{}
		out = append(out, o.WatchAddress)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ListStale(ctx context.Context, cutoff time.Time) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.Status == models.OrderPending && o.CreatedAt.Before(cutoff) {
			out = append(out, cloneOrder(o))
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *Memory) Transition(ctx context.Context, orderID string, expected models.OrderStatus, t models.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if o.Status != expected {
		return ErrPreconditionFailed
	}
	if t.Status == models.OrderCompleted {
		if owner, used := m.byTx[t.TxID]; used && owner != orderID {
			return ErrTxAlreadyUsed
		}
		m.byTx[t.TxID] = orderID
	}
	applyTransition(o, t)
	return nil
}

func (m *Memory) NextDerivationIndex(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.derivIdx++
	return m.derivIdx, nil
}

func sortOldestFirst(orders []*models.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	if o.TxID != nil {
		v := *o.TxID
		c.TxID = &v
	}
	if o.DerivationIndex != nil {
		v := *o.DerivationIndex
		c.DerivationIndex = &v
	}
	if o.CompletedAt != nil {
		v := *o.CompletedAt
		c.CompletedAt = &v
	}
	if o.FailedAt != nil {
		v := *o.FailedAt
		c.FailedAt = &v
	}
	if o.BuyerMetadata != nil {
		c.BuyerMetadata = make(map[string]string, len(o.BuyerMetadata))
		for k, v := range o.BuyerMetadata {
			c.BuyerMetadata[k] = v
		}
	}
	return &c
}
