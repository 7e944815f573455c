package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"CryptoSettle/internal/models"
	"CryptoSettle/internal/payments"
	"CryptoSettle/internal/pricing"
	"CryptoSettle/internal/services"
	"CryptoSettle/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const btcAddr = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"

type stubOracle struct {
	rate string
	err  error
}

func (s stubOracle) GetRate(ctx context.Context, asset models.Asset) (models.Quote, error) {
	if s.err != nil {
		return models.Quote{}, s.err
	}
	return models.Quote{Asset: asset, USDRate: decimal.RequireFromString(s.rate), Source: "test", FetchedAt: time.Now()}, nil
}

func newTestServer(t *testing.T, oracle pricing.RateSource) (*httptest.Server, store.OrderStore) {
	t.Helper()
	st := store.NewMemory()
	svc := services.NewOrderService(st, oracle, nil, nil, nil)
	svc.WatchAddresses[models.AssetBTC] = btcAddr
	srv := httptest.NewServer(NewServer(NewHandler(svc, nil), prometheus.NewRegistry()).Router)
	t.Cleanup(srv.Close)
	return srv, st
}

func postOrder(t *testing.T, srv *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/payments/orders", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestCreateAndSettleOrderEndToEnd(t *testing.T) {
	srv, st := newTestServer(t, stubOracle{rate: "50000"})

	resp, body := postOrder(t, srv, `{"usdAmount":100,"asset":"BTC","buyerMetadata":{"email":"a@b.c"}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", resp.StatusCode, body)
	}
	if body["cryptoAmount"] != "0.00200000" || body["status"] != "pending" || body["watchAddress"] != btcAddr {
		t.Fatalf("unexpected create response %v", body)
	}
	orderID, _ := body["orderId"].(string)

	rec := payments.NewReconciler(st, nil, nil, nil)
	rc := models.Receipt{
		Asset:          models.AssetBTC,
		Address:        btcAddr,
		ObservedAmount: decimal.RequireFromString("0.00200003"),
		TxID:           "abc",
	}
	for i := 0; i < 2; i++ {
		if id, err := rec.Reconcile(context.Background(), rc); err != nil || id != orderID {
			t.Fatalf("reconcile %d: id=%q err=%v", i, id, err)
		}
	}

	resp, status := getJSON(t, srv.URL+"/payments/orderStatus?orderId="+orderID)
	if resp.StatusCode != http.StatusOK || status["status"] != "completed" || status["txId"] != "abc" {
		t.Fatalf("unexpected status %d %v", resp.StatusCode, status)
	}

	resp, full := getJSON(t, srv.URL+"/payments/orders/"+orderID)
	if resp.StatusCode != http.StatusOK || full["usdAmount"] != "100.00" || full["completedAt"] == nil {
		t.Fatalf("unexpected order view %d %v", resp.StatusCode, full)
	}
}

func TestCreateOrderAcceptsStringAmount(t *testing.T) {
	srv, _ := newTestServer(t, stubOracle{rate: "50000"})
	resp, body := postOrder(t, srv, `{"usdAmount":"12.34","asset":"btc"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", resp.StatusCode, body)
	}
}

func TestCreateOrderBadRequests(t *testing.T) {
	srv, _ := newTestServer(t, stubOracle{rate: "50000"})
	cases := map[string]string{
		"malformed":      `{"usdAmount":`,
		"missing amount": `{"asset":"BTC"}`,
		"zero amount":    `{"usdAmount":0,"asset":"BTC"}`,
		"negative":       `{"usdAmount":-1,"asset":"BTC"}`,
		"sub cent":       `{"usdAmount":1.001,"asset":"BTC"}`,
		"unknown asset":  `{"usdAmount":10,"asset":"DOGE"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, out := postOrder(t, srv, body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d %v", resp.StatusCode, out)
			}
		})
	}
}

func TestCreateOrderPriceUnavailable(t *testing.T) {
	srv, st := newTestServer(t, stubOracle{err: fmt.Errorf("%w: 429", pricing.ErrPriceUnavailable)})
	resp, _ := postOrder(t, srv, `{"usdAmount":100,"asset":"BTC"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if addrs, _ := st.ListWatchedAddresses(context.Background(), models.AssetBTC); len(addrs) != 0 {
		t.Error("no order may be persisted when pricing fails")
	}
}

func TestStatusUnknownOrder(t *testing.T) {
	srv, _ := newTestServer(t, stubOracle{rate: "50000"})

	resp, _ := getJSON(t, srv.URL+"/payments/orderStatus?orderId=nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	resp, _ = getJSON(t, srv.URL+"/payments/orders/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	resp, _ = getJSON(t, srv.URL+"/payments/orderStatus")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without orderId, got %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, stubOracle{rate: "50000"})

	resp, body := getJSON(t, srv.URL+"/health")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health %d %v", resp.StatusCode, body)
	}

	mresp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	mresp.Body.Close()
	if mresp.StatusCode != http.StatusOK {
		t.Errorf("expected metrics 200, got %d", mresp.StatusCode)
	}
}
