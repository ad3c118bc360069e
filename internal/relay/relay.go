// Package relay notifies the live-update relay about completed work so
// connected clients see thumbnails appear without reloading.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coursekit/thumbnail-worker/pkg/schema"
)

type Client struct {
	baseURL string
	httpc   *http.Client
}

func NewClient(baseURL string, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), httpc: httpc}
}

// Broadcast posts one message to the relay. Callers treat failures as
// log-only; losing a broadcast never fails the job that produced it.
func (c *Client) Broadcast(ctx context.Context, msg schema.BroadcastMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/broadcast", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("broadcast: unexpected status %d", resp.StatusCode)
	}
	return nil
}
