package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ModerationResult maps content-safety category names to severity scores.
type ModerationResult map[string]float64

// Exceeds returns the first category whose severity is at or above its
// configured threshold. Categories without a threshold are ignored.
func (r ModerationResult) Exceeds(thresholds map[string]float64) (string, bool) {
	for category, severity := range r {
		limit, ok := thresholds[category]
		if !ok {
			continue
		}
		if severity >= limit {
			return category, true
		}
	}
	return "", false
}

// ImageModerator classifies an image for unsafe content.
type ImageModerator interface {
	Classify(ctx context.Context, image []byte) (ModerationResult, error)
}

// HTTPModerationClient calls a remote content-safety classifier.
type HTTPModerationClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPModerationClient constructs a moderation client.
func NewHTTPModerationClient(baseURL, token string, timeout time.Duration) *HTTPModerationClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPModerationClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type moderationRequest struct {
	Image string `json:"image"`
}

type moderationResponse struct {
	Categories map[string]float64 `json:"categories"`
	Error      string             `json:"error"`
}

// Classify submits the image and returns category severities.
func (c *HTTPModerationClient) Classify(ctx context.Context, image []byte) (ModerationResult, error) {
	if c.baseURL == "" {
		return nil, errors.New("moderation service url required")
	}
	body, err := json.Marshal(moderationRequest{Image: base64.StdEncoding.EncodeToString(image)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/moderate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-Internal-Token", c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("moderation service: %w", err)
	}
	defer resp.Body.Close()

	var out moderationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("moderation service: decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		if out.Error != "" {
			return nil, fmt.Errorf("moderation service error: %s", out.Error)
		}
		return nil, fmt.Errorf("moderation service error: status %d", resp.StatusCode)
	}
	return ModerationResult(out.Categories), nil
}
