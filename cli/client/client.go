// Package client is the thin HTTP client the CLI uses to talk to a running
// stockbot daemon.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/stockbot-io/stockbot/types"
)

// Client talks to one daemon instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client for the given base URL, e.g. "http://127.0.0.1:8420".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError mirrors the server's JSON error envelope.
type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var envelope apiError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&envelope); decodeErr == nil && envelope.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, envelope.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListRuns returns all records, newest first.
func (c *Client) ListRuns() ([]*types.RunRecord, error) {
	var resp struct {
		Runs []*types.RunRecord `json:"runs"`
	}
	if err := c.do(http.MethodGet, "/api/runs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// GetRun returns one record.
func (c *Client) GetRun(id string) (*types.RunRecord, error) {
	var rec types.RunRecord
	if err := c.do(http.MethodGet, "/api/runs/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Artifacts returns the present artifact download URLs for a run.
func (c *Client) Artifacts(id string) (map[string]string, error) {
	var resp struct {
		Artifacts map[string]string `json:"artifacts"`
	}
	if err := c.do(http.MethodGet, "/api/runs/"+url.PathEscape(id)+"/artifacts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Artifacts, nil
}

// SubmitTrain submits a training job and returns its id.
func (c *Client) SubmitTrain(req *types.TrainRequest) (string, error) {
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(http.MethodPost, "/api/train", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// SubmitBacktest submits a backtest job and returns its id.
func (c *Client) SubmitBacktest(req *types.BacktestRequest) (string, error) {
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(http.MethodPost, "/api/backtest", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// Cancel requests cancellation of a run.
func (c *Client) Cancel(id string) (string, error) {
	var resp struct {
		Status  string `json:"status"`
		Warning string `json:"warning,omitempty"`
	}
	if err := c.do(http.MethodPost, "/api/runs/"+url.PathEscape(id)+"/cancel", nil, &resp); err != nil {
		return "", err
	}
	if resp.Warning != "" {
		return resp.Status, fmt.Errorf("%s", resp.Warning)
	}
	return resp.Status, nil
}

// Delete removes a run record and its tree.
func (c *Client) Delete(id string) error {
	return c.do(http.MethodDelete, "/api/runs/"+url.PathEscape(id), nil, nil)
}

// Health returns the daemon health payload.
func (c *Client) Health() (map[string]any, error) {
	var resp map[string]any
	if err := c.do(http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
