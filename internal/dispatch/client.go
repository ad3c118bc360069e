// Package dispatch implements the worker side of the job dispatcher
// protocol: polling for assigned jobs and reporting status transitions.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Status is a job's lifecycle state as tracked by the dispatcher.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one unit of work assigned by the dispatcher. Only the worker
// holding a job mutates it.
type Job struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	MediaID   string `json:"mediaId"`
	WorkerID  string `json:"workerId"`
	Status    Status `json:"status"`
	Progress  int    `json:"progress"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Client talks to the dispatcher on behalf of one worker identity.
type Client struct {
	baseURL    string
	workerID   string
	workerType string
	httpc      *http.Client
}

func NewClient(baseURL, workerID, workerType string, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		workerID:   workerID,
		workerType: workerType,
		httpc:      httpc,
	}
}

// RequestJob asks the dispatcher for work. A nil job with a nil error is
// the explicit no-job signal.
func (c *Client) RequestJob(ctx context.Context) (*Job, error) {
	payload, err := json.Marshal(map[string]string{
		"workerId":   c.workerID,
		"workerType": c.workerType,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal job request: %w", err)
	}

	resp, err := c.post(ctx, "/get-job", payload)
	if err != nil {
		return nil, fmt.Errorf("request job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request job: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read job response: %w", err)
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("decode job response: %w", err)
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}

// UpdateStatus posts one status tuple for a job. The dispatcher must
// acknowledge with HTTP 200; anything else is an error to the caller.
func (c *Client) UpdateStatus(ctx context.Context, jobID string, progress int, status Status, jobErr string) error {
	payload, err := json.Marshal(map[string]any{
		"jobId":      jobID,
		"progress":   progress,
		"status":     status,
		"error":      jobErr,
		"workerId":   c.workerID,
		"workerType": c.workerType,
		"timestamp":  time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal status update: %w", err)
	}

	resp, err := c.post(ctx, "/job-update", payload)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("update job status: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpc.Do(req)
}
