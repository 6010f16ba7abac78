package notify

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

// Mailer sends a templated transactional email through the provider.
type Mailer interface {
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}

type SendRequest struct {
	Template  string            `json:"template"`
	From      string            `json:"from"`
	Recipient string            `json:"recipient"`
	Data      map[string]string `json:"data,omitempty"`
}

type SendResult struct {
	MessageID string `json:"message_id"`
}

// EmailClient posts signed send requests to the email provider's HTTP API.
type EmailClient struct {
	baseURL string
	secret  string
	client  *http.Client
}

func NewEmailClient(baseURL, secret string, timeout time.Duration) *EmailClient {
	return &EmailClient{
		baseURL: baseURL,
		secret:  secret,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *EmailClient) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/send", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building send request: %w", err)
	}

	signature, timestamp := signing.Sign(c.secret, payload)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "giftfunnel/1.0")
	httpReq.Header.Set("X-Giftfunnel-Timestamp", fmt.Sprintf("%d", timestamp))
	httpReq.Header.Set("X-Giftfunnel-Signature", signature)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("email provider unreachable: %w", err)
	}
	defer httpResp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 16*1024))
	if httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("email provider returned %d: %s", httpResp.StatusCode, string(raw))
	}

	var result SendResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding send response: %w", err)
	}
	return &result, nil
}
