package chain

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"CryptoSettle/internal/models"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// BTCMonitor polls the blockchain.info rawaddr endpoint.
type BTCMonitor struct {
	endpoints *Endpoints
	client    *http.Client
	limit     int
	now       func() time.Time
}

type btcAddressResponse struct {
	Txs []btcTx `json:"txs"`
}

type btcTx struct {
	Hash   string      `json:"hash"`
	Time   int64       `json:"time"`
	Inputs []btcInput  `json:"inputs"`
	Out    []btcOutput `json:"out"`
}

type btcInput struct {
	PrevOut btcOutput `json:"prev_out"`
}

type btcOutput struct {
	Addr  string         `json:"addr"`
	Value btcutil.Amount `json:"value"`
}

func NewBTCMonitor(urls []string, failThreshold int, timeout time.Duration) (*BTCMonitor, error) {
	eps, err := NewEndpoints(urls, failThreshold)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BTCMonitor{
		endpoints: eps,
		client:    &http.Client{Timeout: timeout},
		limit:     50,
		now:       time.Now,
	}, nil
}

func (m *BTCMonitor) Asset() models.Asset {
	return models.AssetBTC
}

func (m *BTCMonitor) Poll(ctx context.Context, address string) ([]models.Receipt, error) {
	var resp btcAddressResponse
	err := m.endpoints.Do(ctx, func(base string) error {
		values := url.Values{}
		values.Set("format", "json")
		values.Set("limit", strconv.Itoa(m.limit))
		endpoint := base + "/rawaddr/" + url.PathEscape(address) + "?" + values.Encode()
		resp = btcAddressResponse{}
		return getJSON(ctx, m.client, endpoint, nil, &resp)
	})
	if err != nil {
		return nil, err
	}

	set := newReceiptSet()
	seen := map[string]struct{}{}
	for _, tx := range resp.Txs {
		if tx.Hash == "" {
			continue
		}
		// explorers occasionally repeat a tx across pages
		if _, dup := seen[tx.Hash]; dup {
			continue
		}
		seen[tx.Hash] = struct{}{}
		if r, ok := btcReceipt(tx, address, m.now); ok {
			set.add(r)
		}
	}
	return set.list(), nil
}

// btcReceipt sums every output of tx paying address. A tx that spends from
// address is the wallet moving its own funds, so its change is not a receipt.
func btcReceipt(tx btcTx, address string, now func() time.Time) (models.Receipt, bool) {
	for _, in := range tx.Inputs {
		if in.PrevOut.Addr == address {
			return models.Receipt{}, false
		}
	}

	var total btcutil.Amount
	for _, out := range tx.Out {
		if out.Addr == address && out.Value > 0 {
			total += out.Value
		}
	}
	if total <= 0 {
		return models.Receipt{}, false
	}

	observedAt := now().UTC()
	if tx.Time > 0 {
		observedAt = time.Unix(tx.Time, 0).UTC()
	}
	return models.Receipt{
		Asset:          models.AssetBTC,
		Address:        address,
		ObservedAmount: satoshisToBTC(total),
		TxID:           tx.Hash,
		ObservedAt:     observedAt,
	}, true
}

func satoshisToBTC(a btcutil.Amount) decimal.Decimal {
	return decimal.NewFromInt(int64(a)).Div(decimal.NewFromInt(btcutil.SatoshiPerBitcoin))
}
