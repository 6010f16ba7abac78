package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/giftworks/giftfunnel/internal/models"
	"github.com/giftworks/giftfunnel/internal/recovery"
	"github.com/giftworks/giftfunnel/internal/storage"
)

type RecoveryHandler struct {
	engine *recovery.Engine
	store  storage.Storage
}

func NewRecoveryHandler(engine *recovery.Engine, store storage.Storage) *RecoveryHandler {
	return &RecoveryHandler{engine: engine, store: store}
}

type createDeclineRequest struct {
	OrderRef         string          `json:"order_ref"`
	SubscriptionRef  string          `json:"subscription_ref"`
	CustomerRef      string          `json:"customer_ref"`
	PaymentMethodRef string          `json:"payment_method_ref"`
	Email            string          `json:"email"`
	Amount           decimal.Decimal `json:"amount"`
	ReasonCode       string          `json:"reason_code"`
}

// Create is the billing webhook for a failed recurring charge. Repeated
// reports for the same order increment the existing active record.
func (h *RecoveryHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createDeclineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OrderRef == "" {
		writeError(w, http.StatusBadRequest, "order_ref is required")
		return
	}
	if req.CustomerRef == "" || req.PaymentMethodRef == "" {
		writeError(w, http.StatusBadRequest, "customer_ref and payment_method_ref are required")
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if req.ReasonCode == "" {
		writeError(w, http.StatusBadRequest, "reason_code is required")
		return
	}

	rec, err := h.engine.RecordDecline(r.Context(), recovery.DeclineInput{
		OrderRef:         req.OrderRef,
		SubscriptionRef:  req.SubscriptionRef,
		CustomerRef:      req.CustomerRef,
		PaymentMethodRef: req.PaymentMethodRef,
		Email:            req.Email,
		Amount:           req.Amount,
		ReasonCode:       req.ReasonCode,
	})
	if err != nil {
		writeRecoveryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *RecoveryHandler) List(w http.ResponseWriter, r *http.Request) {
	status := models.DeclineStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	declines, err := h.store.ListDeclines(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list declines")
		return
	}
	if declines == nil {
		declines = []models.DeclineRecord{}
	}
	writeJSON(w, http.StatusOK, declines)
}

func (h *RecoveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.store.GetDecline(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get decline")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "decline record not found")
		return
	}

	activity, err := h.store.ListActivity(r.Context(), models.OwnerDecline, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get activity")
		return
	}
	if activity == nil {
		activity = []models.ActivityEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decline":  rec,
		"activity": activity,
	})
}

func (h *RecoveryHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.engine.StopRecovery(r.Context(), id)
	if err != nil {
		writeRecoveryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *RecoveryHandler) ManualRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.engine.ManualRetry(r.Context(), id)
	if err != nil {
		writeRecoveryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *RecoveryHandler) SendEmail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sent, err := h.engine.SendRecoveryEmail(r.Context(), id)
	if err != nil {
		writeRecoveryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sent": sent})
}

// Process runs one retry sweep. The background sweeper runs the same
// operation; overlapping invocations are safe.
func (h *RecoveryHandler) Process(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.ProcessDueRetries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "retry sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
