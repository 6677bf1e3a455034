package publish

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

// HTTPTarget publishes posts through a platform-specific worker endpoint.
type HTTPTarget struct {
	name       string
	endpoint   string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPTarget creates a target backed by an HTTP publishing endpoint.
func NewHTTPTarget(name, endpoint, secret string, timeout time.Duration, logger *slog.Logger) *HTTPTarget {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTarget{
		name:       name,
		endpoint:   endpoint,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Name returns the target's registry name.
func (t *HTTPTarget) Name() string {
	return t.name
}

// Publish posts the content and returns the platform's result reference.
func (t *HTTPTarget) Publish(ctx context.Context, post *PostParams) (string, error) {
	body, err := json.Marshal(map[string]string{
		"content":       post.Content,
		"media_ref":     post.MediaRef,
		"shared_secret": t.secret,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal publish request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("publish to %s failed: %w", t.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("publish to %s returned status %d: %s", t.name, resp.StatusCode, string(snippet))
	}

	var out struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode publish response from %s: %w", t.name, err)
	}

	return out.Ref, nil
}
