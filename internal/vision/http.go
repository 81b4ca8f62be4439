package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/harborview/inspection-be/internal/inspection"
)

// HTTPClient calls the analysis service over JSON/HTTP.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) ClassifySpace(ctx context.Context, photoURL string) (string, error) {
	var out struct {
		SpaceType string `json:"space_type"`
	}
	err := c.post(ctx, "/v1/classify", map[string]string{"photo_url": photoURL}, &out)
	if err != nil {
		return "", fmt.Errorf("failed to classify space: %w", err)
	}
	return out.SpaceType, nil
}

func (c *HTTPClient) DetectIssues(ctx context.Context, photoURL, spaceType string) (Analysis, error) {
	var out struct {
		Condition string             `json:"condition"`
		Issues    []inspection.Issue `json:"issues"`
	}
	err := c.post(ctx, "/v1/detect", map[string]string{
		"photo_url":  photoURL,
		"space_type": spaceType,
	}, &out)
	if err != nil {
		return Analysis{}, fmt.Errorf("failed to detect issues: %w", err)
	}
	return Analysis{
		Condition: inspection.Condition(out.Condition),
		Issues:    out.Issues,
	}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("analysis service returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
