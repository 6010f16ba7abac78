package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/giftworks/giftfunnel/internal/funnel"
)

type FunnelHandler struct {
	engine *funnel.Engine
}

func NewFunnelHandler(engine *funnel.Engine) *FunnelHandler {
	return &FunnelHandler{engine: engine}
}

func (h *FunnelHandler) NextOffer(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	result, err := h.engine.NextOffer(r.Context(), token)
	if err != nil {
		writeFunnelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type acceptOfferRequest struct {
	OfferID  string `json:"offer_id"`
	Quantity int    `json:"quantity"`
}

func (h *FunnelHandler) Accept(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var req acceptOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OfferID == "" {
		writeError(w, http.StatusBadRequest, "offer_id is required")
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	result, err := h.engine.Accept(r.Context(), token, req.OfferID, req.Quantity)
	if err != nil {
		writeFunnelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type declineOfferRequest struct {
	OfferID string `json:"offer_id"`
}

func (h *FunnelHandler) Decline(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var req declineOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OfferID == "" {
		writeError(w, http.StatusBadRequest, "offer_id is required")
		return
	}

	result, err := h.engine.Decline(r.Context(), token, req.OfferID)
	if err != nil {
		writeFunnelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
