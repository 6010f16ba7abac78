package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/giftworks/giftfunnel/internal/funnel"
	"github.com/giftworks/giftfunnel/internal/payments"
	"github.com/giftworks/giftfunnel/internal/recovery"
)

type errorResponse struct {
	Error string `json:"error"`
	// ReasonCode carries the raw provider code for administrators.
	// Customer-facing text never includes it.
	ReasonCode string `json:"reason_code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeFunnelError maps engine errors onto the storefront-facing contract:
// declines become 402 with normalized text, transient failures become 503 so
// the storefront can retry the same call.
func writeFunnelError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, funnel.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, funnel.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		if de, ok := payments.AsDecline(err); ok {
			writeJSON(w, http.StatusPaymentRequired, errorResponse{
				Error:      payments.CustomerMessage(de.Code),
				ReasonCode: de.Code,
			})
			return
		}
		if payments.IsTransient(err) {
			writeError(w, http.StatusServiceUnavailable, "payment service unavailable, please try again")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeRecoveryError maps recovery engine errors for the admin surface.
func writeRecoveryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recovery.ErrNotFound):
		writeError(w, http.StatusNotFound, "decline record not found")
	case errors.Is(err, recovery.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
