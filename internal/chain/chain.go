package chain

import (
	"context"
	"errors"

	"CryptoSettle/internal/models"
)

var ErrUpstreamTimeout = errors.New("upstream timeout")

// Monitor queries one explorer for recent transfers to an address and turns
// them into receipt candidates. Candidates are unique by tx id per call.
type Monitor interface {
	Asset() models.Asset
	Poll(ctx context.Context, address string) ([]models.Receipt, error)
}

// receiptSet accumulates per-transaction amounts for one address, keeping
// first-seen order.
type receiptSet struct {
	order []string
	byTx  map[string]*models.Receipt
}

func newReceiptSet() *receiptSet {
	return &receiptSet{byTx: map[string]*models.Receipt{}}
}

func (s *receiptSet) add(r models.Receipt) {
	if existing, ok := s.byTx[r.TxID]; ok {
		existing.ObservedAmount = existing.ObservedAmount.Add(r.ObservedAmount)
		return
	}
	s.order = append(s.order, r.TxID)
	s.byTx[r.TxID] = &r
}

func (s *receiptSet) list() []models.Receipt {
	out := make([]models.Receipt, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byTx[id])
	}
	return out
}
