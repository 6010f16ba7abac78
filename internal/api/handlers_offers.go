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

type OfferHandler struct {
	store storage.Storage
}

func NewOfferHandler(store storage.Storage) *OfferHandler {
	return &OfferHandler{store: store}
}

type offerRequest struct {
	Name  string          `json:"name"`
	Kind  string          `json:"kind"`
	Price decimal.Decimal `json:"price"`
}

func (req *offerRequest) validate() string {
	if req.Name == "" {
		return "name is required"
	}
	switch models.OfferKind(req.Kind) {
	case models.OfferOneTime, models.OfferRecurring:
	default:
		return "kind must be one_time or recurring"
	}
	if !req.Price.IsPositive() {
		return "price must be positive"
	}
	return ""
}

func (h *OfferHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	now := time.Now().UTC()
	offer := &models.Offer{
		ID:        models.NewID("off"),
		Name:      req.Name,
		Kind:      models.OfferKind(req.Kind),
		Price:     req.Price,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.CreateOffer(r.Context(), offer); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create offer")
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (h *OfferHandler) List(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	offers, err := h.store.ListOffers(r.Context(), activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list offers")
		return
	}
	if offers == nil {
		offers = []models.Offer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

func (h *OfferHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	offer, err := h.store.GetOffer(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get offer")
		return
	}
	if offer == nil {
		writeError(w, http.StatusNotFound, "offer not found")
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (h *OfferHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	offer, err := h.store.GetOffer(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get offer")
		return
	}
	if offer == nil {
		writeError(w, http.StatusNotFound, "offer not found")
		return
	}

	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	offer.Name = req.Name
	offer.Kind = models.OfferKind(req.Kind)
	offer.Price = req.Price
	if err := h.store.UpdateOffer(r.Context(), offer); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update offer")
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

type toggleOfferRequest struct {
	Active bool `json:"active"`
}

func (h *OfferHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	offer, err := h.store.GetOffer(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get offer")
		return
	}
	if offer == nil {
		writeError(w, http.StatusNotFound, "offer not found")
		return
	}

	var req toggleOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.store.ToggleOffer(r.Context(), id, req.Active); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to toggle offer")
		return
	}
	offer.Active = req.Active
	writeJSON(w, http.StatusOK, offer)
}
