package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/giftworks/giftfunnel/internal/models"
	"github.com/giftworks/giftfunnel/internal/storage"
)

type OrderHandler struct {
	store storage.Storage
}

func NewOrderHandler(store storage.Storage) *OrderHandler {
	return &OrderHandler{store: store}
}

type createOrderRequest struct {
	CustomerRef      string          `json:"customer_ref"`
	PaymentMethodRef string          `json:"payment_method_ref"`
	Email            string          `json:"email"`
	Total            decimal.Decimal `json:"total"`
}

// Create registers a completed checkout so the funnel can run against it.
// The returned token is what the storefront uses for the funnel routes.
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CustomerRef == "" {
		writeError(w, http.StatusBadRequest, "customer_ref is required")
		return
	}
	if req.PaymentMethodRef == "" {
		writeError(w, http.StatusBadRequest, "payment_method_ref is required")
		return
	}
	if req.Total.IsNegative() {
		writeError(w, http.StatusBadRequest, "total must not be negative")
		return
	}

	order := &models.Order{
		ID:               models.NewID("ord"),
		Token:            models.NewSessionToken(),
		CustomerRef:      req.CustomerRef,
		PaymentMethodRef: req.PaymentMethodRef,
		Email:            req.Email,
		Total:            req.Total,
		CreatedAt:        time.Now().UTC(),
	}

	if err := h.store.CreateOrder(r.Context(), order); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create order")
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	order, err := h.store.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}
	if order == nil {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}

	acceptances, err := h.store.ListAcceptances(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get acceptances")
		return
	}
	if acceptances == nil {
		acceptances = []models.Acceptance{}
	}

	activity, err := h.store.ListActivity(r.Context(), models.OwnerOrder, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get activity")
		return
	}
	if activity == nil {
		activity = []models.ActivityEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order":       order,
		"acceptances": acceptances,
		"activity":    activity,
	})
}
