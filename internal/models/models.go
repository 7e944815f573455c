package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderFailed    OrderStatus = "failed"
)

func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderFailed
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderCompleted, OrderFailed:
		return true
	}
	return false
}

type Order struct {
	ID              string
	Asset           Asset
	USDAmount       decimal.Decimal
	CryptoAmount    decimal.Decimal
	WatchAddress    string
	DerivationIndex *int64
	Status          OrderStatus
	TxID            *string
	BuyerMetadata   map[string]string
	Quote           Quote
	CreatedAt       time.Time
	CompletedAt     *time.Time
	FailedAt        *time.Time
	UpdatedAt       time.Time
}

// Quote is the rate an order's crypto amount was locked at.
type Quote struct {
	Asset     Asset           `json:"asset"`
	USDRate   decimal.Decimal `json:"usd_rate"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Receipt is an observed on-chain transfer not yet attributed to an order.
type Receipt struct {
	Asset          Asset
	Address        string
	ObservedAmount decimal.Decimal
	TxID           string
	ObservedAt     time.Time
}

// Transition is the set of fields written by a conditional status update.
type Transition struct {
	Status OrderStatus
	TxID   string
	At     time.Time
}
