// Package webhook posts webhook action payloads.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultTimeout = 15 * time.Second

// Caller posts JSON bodies. Non-2xx answers are reported through the status
// code, not as an error.
type Caller struct {
	HTTPClient *http.Client // optional
	UserAgent  string
}

func NewCaller() *Caller {
	return &Caller{
		HTTPClient: &http.Client{Timeout: defaultTimeout},
		UserAgent:  "campaignflow-webhook/1.0",
	}
}

func (c *Caller) Post(ctx context.Context, url string, body any, timeout time.Duration) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode webhook body: %w", err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	cli := c.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: defaultTimeout}
	}
	resp, err := cli.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook %s: %w", url, err)
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	slog.DebugContext(ctx, "Webhook posted", "url", url, "status", resp.StatusCode)
	return resp.StatusCode, nil
}
