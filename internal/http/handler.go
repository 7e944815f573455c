package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"CryptoSettle/internal/models"
	"CryptoSettle/internal/pricing"
	"CryptoSettle/internal/services"
	"CryptoSettle/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

type Handler struct {
	Orders *services.OrderService
	Log    *zap.Logger
}

type createOrderRequest struct {
	USDAmount     json.Number       `json:"usdAmount"`
	Asset         string            `json:"asset"`
	BuyerMetadata map[string]string `json:"buyerMetadata"`
}

type createOrderResponse struct {
	OrderID      string `json:"orderId"`
	WatchAddress string `json:"watchAddress"`
	CryptoAmount string `json:"cryptoAmount"`
	Asset        string `json:"asset"`
	Status       string `json:"status"`
}

type statusResponse struct {
	OrderID string  `json:"orderId"`
	Status  string  `json:"status"`
	TxID    *string `json:"txId"`
}

type orderResponse struct {
	OrderID      string            `json:"orderId"`
	Status       string            `json:"status"`
	TxID         *string           `json:"txId"`
	Asset        string            `json:"asset"`
	USDAmount    string            `json:"usdAmount"`
	CryptoAmount string            `json:"cryptoAmount"`
	WatchAddress string            `json:"watchAddress"`
	Metadata     map[string]string `json:"buyerMetadata,omitempty"`
	QuoteRate    string            `json:"quoteRate"`
	CreatedAt    string            `json:"createdAt"`
	CompletedAt  string            `json:"completedAt,omitempty"`
	FailedAt     string            `json:"failedAt,omitempty"`
}

func NewHandler(orders *services.OrderService, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Orders: orders, Log: log}
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()

	var req createOrderRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	usd, err := decimal.NewFromString(strings.TrimSpace(req.USDAmount.String()))
	if err != nil {
		writeError(w, http.StatusBadRequest, "usdAmount must be a decimal number")
		return
	}
	asset, err := models.ParseAsset(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unsupported asset")
		return
	}

	order, err := h.Orders.CreateOrder(r.Context(), usd, asset, req.BuyerMetadata)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{
		OrderID:      order.ID,
		WatchAddress: order.WatchAddress,
		CryptoAmount: order.CryptoAmount.StringFixed(order.Asset.Precision()),
		Asset:        string(order.Asset),
		Status:       string(order.Status),
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.Orders.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := orderResponse{
		OrderID:      order.ID,
		Status:       string(order.Status),
		TxID:         order.TxID,
		Asset:        string(order.Asset),
		USDAmount:    order.USDAmount.StringFixed(2),
		CryptoAmount: order.CryptoAmount.StringFixed(order.Asset.Precision()),
		WatchAddress: order.WatchAddress,
		Metadata:     order.BuyerMetadata,
		QuoteRate:    order.Quote.USDRate.String(),
		CreatedAt:    order.CreatedAt.UTC().Format(time.RFC3339),
	}
	if order.CompletedAt != nil {
		resp.CompletedAt = order.CompletedAt.UTC().Format(time.RFC3339)
	}
	if order.FailedAt != nil {
		resp.FailedAt = order.FailedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) OrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(r.URL.Query().Get("orderId"))
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing orderId")
		return
	}

	status, txID, err := h.Orders.GetStatus(r.Context(), orderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{OrderID: orderID, Status: string(status), TxID: txID})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrUnsupportedAsset),
		errors.Is(err, services.ErrMetadataTooLarge),
		errors.Is(err, services.ErrQuoteOutOfRange):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, pricing.ErrPriceUnavailable):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "price unavailable, retry later")
	case errors.Is(err, services.ErrStoreUnavailable):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "order store unavailable, retry later")
	case errors.Is(err, services.ErrNoWatchAddress):
		writeError(w, http.StatusServiceUnavailable, "asset not accepting payments")
	default:
		h.Log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
