package chain

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"CryptoSettle/internal/models"

	"github.com/shopspring/decimal"
)

// TRC20Monitor polls a TronGrid-compatible trc20 transfer listing for one
// token contract.
type TRC20Monitor struct {
	endpoints *Endpoints
	client    *http.Client
	contract  string
	apiKey    string
	limit     int
	now       func() time.Time
}

type trc20Response struct {
	Success bool            `json:"success"`
	Data    []trc20Transfer `json:"data"`
}

type trc20Transfer struct {
	TransactionID  string `json:"transaction_id"`
	BlockTimestamp int64  `json:"block_timestamp"`
	From           string `json:"from"`
	To             string `json:"to"`
	Type           string `json:"type"`
	Value          string `json:"value"`
	TokenInfo      struct {
		Address  string `json:"address"`
		Decimals int32  `json:"decimals"`
		Symbol   string `json:"symbol"`
	} `json:"token_info"`
}

func NewTRC20Monitor(urls []string, contract, apiKey string, failThreshold int, timeout time.Duration) (*TRC20Monitor, error) {
	if contract == "" {
		return nil, fmt.Errorf("trc20 contract address is required")
	}
	eps, err := NewEndpoints(urls, failThreshold)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TRC20Monitor{
		endpoints: eps,
		client:    &http.Client{Timeout: timeout},
		contract:  contract,
		apiKey:    apiKey,
		limit:     50,
		now:       time.Now,
	}, nil
}

func (m *TRC20Monitor) Asset() models.Asset {
	return models.AssetTRC20USDT
}

func (m *TRC20Monitor) Poll(ctx context.Context, address string) ([]models.Receipt, error) {
	header := http.Header{}
	if m.apiKey != "" {
		header.Set("TRON-PRO-API-KEY", m.apiKey)
	}

	var resp trc20Response
	err := m.endpoints.Do(ctx, func(base string) error {
		values := url.Values{}
		values.Set("only_to", "true")
		values.Set("contract_address", m.contract)
		values.Set("limit", strconv.Itoa(m.limit))
		endpoint := base + "/v1/accounts/" + url.PathEscape(address) + "/transactions/trc20?" + values.Encode()
		resp = trc20Response{}
		return getJSON(ctx, m.client, endpoint, header, &resp)
	})
	if err != nil {
		return nil, err
	}

	// Each entry is one Transfer event; a tx carrying several of them to
	// address sums into a single receipt.
	set := newReceiptSet()
	for _, t := range resp.Data {
		if r, ok := m.receipt(t, address); ok {
			set.add(r)
		}
	}
	return set.list(), nil
}

func (m *TRC20Monitor) receipt(t trc20Transfer, address string) (models.Receipt, bool) {
	if t.TransactionID == "" || t.To != address {
		return models.Receipt{}, false
	}
	if t.Type != "" && t.Type != "Transfer" {
		return models.Receipt{}, false
	}
	if t.TokenInfo.Address != "" && t.TokenInfo.Address != m.contract {
		return models.Receipt{}, false
	}
	units, err := decimal.NewFromString(t.Value)
	if err != nil || !units.IsPositive() {
		return models.Receipt{}, false
	}

	observedAt := m.now().UTC()
	if t.BlockTimestamp > 0 {
		observedAt = time.UnixMilli(t.BlockTimestamp).UTC()
	}
	return models.Receipt{
		Asset:          models.AssetTRC20USDT,
		Address:        address,
		ObservedAmount: models.AssetTRC20USDT.FromLedgerUnits(units, t.TokenInfo.Decimals),
		TxID:           t.TransactionID,
		ObservedAt:     observedAt,
	}, true
}
