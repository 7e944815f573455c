package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"CryptoSettle/internal/models"

	"github.com/shopspring/decimal"
)

func TestNewOrderEvent(t *testing.T) {
	tx := "abc"
	order := &models.Order{
		ID:           "o1",
		Asset:        models.AssetBTC,
		CryptoAmount: decimal.RequireFromString("0.002"),
		WatchAddress: "bc1q",
		Status:       models.OrderCompleted,
		TxID:         &tx,
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))

	ev := NewOrderEvent(TypeOrderCompleted, order, at)
	if ev.CryptoAmount != "0.00200000" {
		t.Errorf("expected fixed 8 decimals, got %s", ev.CryptoAmount)
	}
	if ev.TxID != "abc" || ev.At.Location() != time.UTC {
		t.Errorf("unexpected event %+v", ev)
	}

	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != TypeOrderCompleted || decoded["orderId"] != "o1" {
		t.Errorf("unexpected payload %s", b)
	}

	if err := (Nop{}).Publish(context.Background(), ev); err != nil {
		t.Errorf("nop publish: %v", err)
	}
}
