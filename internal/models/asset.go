package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Asset string

const (
	AssetBTC       Asset = "BTC"
	AssetTRC20USDT Asset = "TRC20_USDT"
)

var Assets = []Asset{AssetBTC, AssetTRC20USDT}

type assetSpec struct {
	precision      int32
	tolerance      decimal.Decimal
	ledgerDecimals int32
}

// Precision is wallet display precision, not protocol precision.
var assetSpecs = map[Asset]assetSpec{
	AssetBTC: {
		precision:      8,
		tolerance:      decimal.New(1, -5),
		ledgerDecimals: 8,
	},
	AssetTRC20USDT: {
		precision:      2,
		tolerance:      decimal.New(1, -2),
		ledgerDecimals: 6,
	},
}

func ParseAsset(s string) (Asset, error) {
	a := Asset(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case "USDT", "TRC20", "USDT_TRC20":
		a = AssetTRC20USDT
	}
	if !a.Valid() {
		return "", fmt.Errorf("unsupported asset %q", s)
	}
	return a, nil
}

func (a Asset) Valid() bool {
	_, ok := assetSpecs[a]
	return ok
}

func (a Asset) Precision() int32 {
	return assetSpecs[a].precision
}

// Tolerance is the absolute deviation allowed between quoted and observed amounts.
func (a Asset) Tolerance() decimal.Decimal {
	return assetSpecs[a].tolerance
}

// LedgerDecimals is the number of decimals of the asset's smallest on-chain unit.
func (a Asset) LedgerDecimals() int32 {
	return assetSpecs[a].ledgerDecimals
}

// Round rounds an amount to the asset's canonical precision.
func (a Asset) Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(a.Precision())
}

// FromLedgerUnits converts an integer amount of the smallest unit to asset units.
func (a Asset) FromLedgerUnits(units decimal.Decimal, decimals int32) decimal.Decimal {
	if decimals <= 0 {
		decimals = a.LedgerDecimals()
	}
	return units.Shift(-decimals)
}

func (a Asset) String() string {
	return string(a)
}
