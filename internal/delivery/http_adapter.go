package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPAdapter forwards deliveries to a platform's outbound webhook.
type HTTPAdapter struct {
	endpoint string
	client   *http.Client
}

// NewHTTPAdapter creates an adapter posting to the given webhook URL.
func NewHTTPAdapter(endpoint string) *HTTPAdapter {
	return &HTTPAdapter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type outboundMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Send posts one message. Any non-2xx status fails the attempt so the queue
// retries with backoff.
func (a *HTTPAdapter) Send(ctx context.Context, chatID, payload string) error {
	body, err := json.Marshal(outboundMessage{ChatID: chatID, Text: payload})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send: status %d", resp.StatusCode)
	}
	return nil
}
