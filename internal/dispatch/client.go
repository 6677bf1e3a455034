package dispatch

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
)

// ErrUpstream is returned when the worker fleet rejects or fails a dispatch
var ErrUpstream = errors.New("worker dispatch failed")

// Config holds the external worker endpoint configuration
type Config struct {
	EndpointURL     string
	CallbackBaseURL string
	SharedSecret    string
	Timeout         time.Duration
}

// Request is one dispatch to the external worker fleet. The lock id is
// offered to the worker, which presents it back on the claim callback;
// dispatch itself holds no lock, so a slow HTTP call here cannot block other
// jobs.
type Request struct {
	JobID          string `json:"job_id"`
	LockID         string `json:"lock_id"`
	IdempotencyKey string `json:"idempotency_key"`
	InputRef       string `json:"input_ref"`
	Parameters     string `json:"parameters"`
}

type dispatchBody struct {
	Request
	CallbackBaseURL string `json:"callback_base_url"`
	SharedSecret    string `json:"shared_secret"`
}

// Client performs HTTP dispatches to the external worker fleet.
type Client struct {
	httpClient *http.Client
	config     *Config
	logger     *slog.Logger
}

// NewClient creates a new dispatch Client
func NewClient(config *Config, logger *slog.Logger) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		config:     config,
		logger:     logger,
	}
}

// Dispatch posts a job to the worker fleet. Any non-2xx response is an
// immediate dispatch failure.
func (c *Client) Dispatch(ctx context.Context, req Request) error {
	body, err := json.Marshal(dispatchBody{
		Request:         req,
		CallbackBaseURL: c.config.CallbackBaseURL,
		SharedSecret:    c.config.SharedSecret,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Error("Worker rejected dispatch",
			slog.String("job_id", req.JobID),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(snippet)),
		)
		return fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	c.logger.Info("Job dispatched to worker",
		slog.String("job_id", req.JobID),
		slog.String("lock_id", req.LockID),
	)

	return nil
}
