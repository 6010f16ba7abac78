package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/giftworks/giftfunnel/internal/signing"
)

// Gateway is the HTTP Processor implementation. It posts signed JSON requests
// to the payment gateway and normalizes the three possible outcomes: success,
// decline with reason code, transient failure.
type Gateway struct {
	baseURL string
	secret  string
	client  *http.Client
}

func NewGateway(baseURL, secret string, timeout time.Duration) *Gateway {
	return &Gateway{
		baseURL: baseURL,
		secret:  secret,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type gatewayResponse struct {
	Status      string `json:"status"` // "succeeded" | "declined"
	TxnID       string `json:"txn_id,omitempty"`
	ScheduleRef string `json:"schedule_ref,omitempty"`
	ReasonCode  string `json:"reason_code,omitempty"`
}

func (g *Gateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.Currency == "" {
		req.Currency = "USD"
	}
	resp, err := g.post(ctx, "/v1/charges", req, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	return &ChargeResult{TxnID: resp.TxnID}, nil
}

func (g *Gateway) CreateOrUpdateSchedule(ctx context.Context, req ScheduleRequest) (*ScheduleResult, error) {
	if req.Currency == "" {
		req.Currency = "USD"
	}
	resp, err := g.post(ctx, "/v1/schedules", req, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	return &ScheduleResult{ScheduleRef: resp.ScheduleRef}, nil
}

func (g *Gateway) post(ctx context.Context, path string, body interface{}, idempotencyKey string) (*gatewayResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding gateway request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building gateway request: %w", err)
	}

	signature, timestamp := signing.Sign(g.secret, payload)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "giftfunnel/1.0")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	httpReq.Header.Set("X-Giftfunnel-Timestamp", fmt.Sprintf("%d", timestamp))
	httpReq.Header.Set("X-Giftfunnel-Signature", signature)

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 64*1024))
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	if httpResp.StatusCode >= 500 {
		return nil, &TransientError{Err: fmt.Errorf("gateway returned %d", httpResp.StatusCode)}
	}

	var resp gatewayResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("decoding gateway response: %w", err)}
	}

	if httpResp.StatusCode == http.StatusPaymentRequired || resp.Status == "declined" {
		code := resp.ReasonCode
		if code == "" {
			code = "card_declined"
		}
		return nil, &DeclineError{Code: code}
	}
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway rejected request: %d %s", httpResp.StatusCode, string(raw))
	}

	return &resp, nil
}
