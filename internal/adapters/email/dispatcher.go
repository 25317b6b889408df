// Package email hands render requests to the Email Dispatch Service.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

// LogDispatcher only logs the request and invents a delivery id. Meant for
// local runs without a provider.
type LogDispatcher struct{}

func (LogDispatcher) Send(ctx context.Context, req domain.EmailRequest) (string, error) {
	deliveryID := uuid.NewString()
	slog.InfoContext(ctx, "Email dispatched", "contact_id", req.ContactID, "to", req.To,
		"template", req.TemplateRef, "delivery_id", deliveryID, "idempotency_key", req.IdempotencyKey)
	return deliveryID, nil
}

type sendResponse struct {
	DeliveryID string `json:"deliveryId"`
}

// HTTPDispatcher posts the request as JSON to the provider endpoint. The
// idempotency key travels in the Idempotency-Key header as well so a provider
// can deduplicate retried sends.
type HTTPDispatcher struct {
	URL        string
	HTTPClient *http.Client // optional
}

func NewHTTPDispatcher(url string) *HTTPDispatcher {
	return &HTTPDispatcher{URL: url, HTTPClient: &http.Client{Timeout: 25 * time.Second}}
}

func (d *HTTPDispatcher) Send(ctx context.Context, req domain.EmailRequest) (string, error) {
	if d == nil || d.URL == "" {
		return "", errors.New("email provider url not configured")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode email request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	cli := d.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 25 * time.Second}
	}
	resp, err := cli.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status dispatching email: %s", resp.Status)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	var out sendResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("failed to parse dispatch response: %w", err)
	}
	if out.DeliveryID == "" {
		return "", errors.New("dispatch response carried no deliveryId")
	}
	return out.DeliveryID, nil
}
