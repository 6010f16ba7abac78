package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/giftworks/giftfunnel/internal/audit"
	"github.com/giftworks/giftfunnel/internal/config"
	"github.com/giftworks/giftfunnel/internal/funnel"
	"github.com/giftworks/giftfunnel/internal/notify"
	"github.com/giftworks/giftfunnel/internal/payments"
	"github.com/giftworks/giftfunnel/internal/recovery"
	"github.com/giftworks/giftfunnel/internal/storage"
)

const testAPIKey = "test-admin-key"

type scriptedProcessor struct {
	chargeErr error
}

func (p *scriptedProcessor) Charge(ctx context.Context, req payments.ChargeRequest) (*payments.ChargeResult, error) {
	if p.chargeErr != nil {
		return nil, p.chargeErr
	}
	return &payments.ChargeResult{TxnID: "txn_api"}, nil
}

func (p *scriptedProcessor) CreateOrUpdateSchedule(ctx context.Context, req payments.ScheduleRequest) (*payments.ScheduleResult, error) {
	return &payments.ScheduleResult{ScheduleRef: "sched_api"}, nil
}

type okMailer struct{}

func (okMailer) Send(ctx context.Context, req notify.SendRequest) (*notify.SendResult, error) {
	return &notify.SendResult{MessageID: "msg_api"}, nil
}

func newTestServer(t *testing.T) (*Server, *scriptedProcessor) {
	t.Helper()
	store := storage.NewMemory()
	proc := &scriptedProcessor{}
	log := zerolog.Nop()
	trail := audit.NewTrail(store, log)
	dispatcher := notify.NewDispatcher(store, okMailer{}, trail, "payment_recovery", "billing@giftworks.example", log)

	funnelEngine := funnel.NewEngine(store, proc, trail, config.FunnelConfig{
		DownsellPercent: 20,
		Countdown:       2 * time.Minute,
		SessionTimeout:  10 * time.Minute,
	}, config.BillingConfig{AnchorDay: 1}, log)
	recoveryEngine := recovery.NewEngine(store, proc, dispatcher, trail, config.RecoveryConfig{
		Schedule:   recovery.DefaultSchedule,
		BatchLimit: 100,
	}, log)

	srv := NewServer(config.ServerConfig{}, config.AdminConfig{APIKey: testAPIKey},
		store, funnelEngine, recoveryEngine, log)
	return srv, proc
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decoding response %s: %v", rec.Body.String(), err)
	}
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	if rec := doJSON(t, h, http.MethodGet, "/api/v1/offers", nil, false); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/offers", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", rec.Code)
	}

	if rec := doJSON(t, h, http.MethodGet, "/health", nil, false); rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestFunnelFlowOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/offers", map[string]interface{}{
		"name": "Gift Wrap Club", "kind": "one_time", "price": "9.99",
	}, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create offer status = %d: %s", rec.Code, rec.Body)
	}
	var offer struct {
		ID string `json:"id"`
	}
	decode(t, rec, &offer)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/orders", map[string]interface{}{
		"customer_ref": "cus_1", "payment_method_ref": "pm_1",
		"email": "buyer@example.com", "total": "45.00",
	}, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create order status = %d: %s", rec.Code, rec.Body)
	}
	var order struct {
		ID    string `json:"id"`
		Token string `json:"token"`
	}
	decode(t, rec, &order)
	if order.Token == "" {
		t.Fatal("order has no funnel token")
	}

	// The storefront drives the funnel with just the token, no API key.
	rec = doJSON(t, h, http.MethodGet, "/api/v1/funnel/"+order.Token+"/next-offer", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("next-offer status = %d: %s", rec.Code, rec.Body)
	}
	var next struct {
		Complete bool `json:"complete"`
		Offer    *struct {
			OfferID   string          `json:"offer_id"`
			Attempt   int             `json:"attempt"`
			UnitPrice decimal.Decimal `json:"unit_price"`
		} `json:"offer"`
	}
	decode(t, rec, &next)
	if next.Complete || next.Offer == nil || next.Offer.OfferID != offer.ID {
		t.Fatalf("next-offer = %s", rec.Body)
	}
	if !next.Offer.UnitPrice.Equal(decimal.RequireFromString("9.99")) {
		t.Errorf("unit price = %s, want 9.99", next.Offer.UnitPrice)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/funnel/"+order.Token+"/decline",
		map[string]string{"offer_id": offer.ID}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("decline status = %d: %s", rec.Code, rec.Body)
	}
	var declined struct {
		Next string `json:"next"`
	}
	decode(t, rec, &declined)
	if declined.Next != "downsell" {
		t.Fatalf("next = %s, want downsell", declined.Next)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/funnel/"+order.Token+"/next-offer", nil, false)
	decode(t, rec, &next)
	if next.Offer == nil || next.Offer.Attempt != 2 {
		t.Fatalf("downsell presentation = %s", rec.Body)
	}
	if !next.Offer.UnitPrice.Equal(decimal.RequireFromString("7.99")) {
		t.Errorf("downsell price = %s, want 7.99", next.Offer.UnitPrice)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/funnel/"+order.Token+"/accept",
		map[string]interface{}{"offer_id": offer.ID, "quantity": 1}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept status = %d: %s", rec.Code, rec.Body)
	}
	var accepted struct {
		OrderTotal decimal.Decimal `json:"order_total"`
	}
	decode(t, rec, &accepted)
	if !accepted.OrderTotal.Equal(decimal.RequireFromString("52.99")) {
		t.Errorf("order total = %s, want 52.99", accepted.OrderTotal)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/funnel/"+order.Token+"/next-offer", nil, false)
	decode(t, rec, &next)
	if !next.Complete {
		t.Errorf("expected funnel complete, got %s", rec.Body)
	}
}

func TestAcceptDeclinedPaymentReturns402(t *testing.T) {
	srv, proc := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/offers", map[string]interface{}{
		"name": "Gift Wrap Club", "kind": "one_time", "price": "9.99",
	}, true)
	var offer struct {
		ID string `json:"id"`
	}
	decode(t, rec, &offer)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/orders", map[string]interface{}{
		"customer_ref": "cus_1", "payment_method_ref": "pm_1", "total": "45.00",
	}, true)
	var order struct {
		Token string `json:"token"`
	}
	decode(t, rec, &order)

	doJSON(t, h, http.MethodGet, "/api/v1/funnel/"+order.Token+"/next-offer", nil, false)

	proc.chargeErr = &payments.DeclineError{Code: "do_not_honor"}
	rec = doJSON(t, h, http.MethodPost, "/api/v1/funnel/"+order.Token+"/accept",
		map[string]interface{}{"offer_id": offer.ID}, false)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402: %s", rec.Code, rec.Body)
	}
	var body struct {
		Error      string `json:"error"`
		ReasonCode string `json:"reason_code"`
	}
	decode(t, rec, &body)
	if body.ReasonCode != "do_not_honor" {
		t.Errorf("reason_code = %s", body.ReasonCode)
	}
	// Raw provider codes never appear in the customer-facing text.
	if body.Error != "Your payment was declined. Please try a different payment method." {
		t.Errorf("customer text = %q", body.Error)
	}
}

func TestFunnelUnknownTokenReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/funnel/sess_bogus/next-offer", nil, false)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRecoveryLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/recovery/declines", map[string]interface{}{
		"order_ref": "ord_99", "customer_ref": "cus_1", "payment_method_ref": "pm_1",
		"email": "buyer@example.com", "amount": "29.99", "reason_code": "card_declined",
	}, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create decline status = %d: %s", rec.Code, rec.Body)
	}
	var decline struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decode(t, rec, &decline)
	if decline.Status != "active" {
		t.Fatalf("status = %s, want active", decline.Status)
	}

	// Manual retry succeeds and resolves the record.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/recovery/declines/"+decline.ID+"/retry", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d: %s", rec.Code, rec.Body)
	}
	decode(t, rec, &decline)
	if decline.Status != "resolved" {
		t.Fatalf("status = %s, want resolved", decline.Status)
	}

	// Resolved records reject further transitions.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/recovery/declines/"+decline.ID+"/stop", nil, true)
	if rec.Code != http.StatusConflict {
		t.Errorf("stop resolved status = %d, want 409", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/api/v1/recovery/declines/"+decline.ID+"/retry", nil, true)
	if rec.Code != http.StatusConflict {
		t.Errorf("retry resolved status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/recovery/declines/dcl_missing/stop", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("stop missing status = %d, want 404", rec.Code)
	}
}

func TestCreateDeclineValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing order ref", map[string]interface{}{
			"customer_ref": "cus_1", "payment_method_ref": "pm_1", "amount": "29.99", "reason_code": "card_declined",
		}},
		{"missing refs", map[string]interface{}{
			"order_ref": "ord_1", "amount": "29.99", "reason_code": "card_declined",
		}},
		{"non-positive amount", map[string]interface{}{
			"order_ref": "ord_1", "customer_ref": "cus_1", "payment_method_ref": "pm_1",
			"amount": "0", "reason_code": "card_declined",
		}},
		{"missing reason", map[string]interface{}{
			"order_ref": "ord_1", "customer_ref": "cus_1", "payment_method_ref": "pm_1", "amount": "29.99",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/api/v1/recovery/declines", tt.body, true)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestOfferValidationOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/offers", map[string]interface{}{
		"name": "Bad Kind", "kind": "weekly", "price": "9.99",
	}, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad kind status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/offers", map[string]interface{}{
		"name": "Free", "kind": "one_time", "price": "0",
	}, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero price status = %d, want 400", rec.Code)
	}
}
