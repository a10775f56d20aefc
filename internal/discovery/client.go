package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Component is one entry from the upstream component registry.
type Component struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Client queries the upstream registry service for components by type. It is
// used only at bootstrap and refresh; steady-state routing never touches it.
type Client struct {
	baseURL string
	token   string
	retries int
	http    *http.Client
}

func New(baseURL, token string, retries int, timeout time.Duration) *Client {
	if retries <= 0 {
		retries = 3
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		retries: retries,
		http:    &http.Client{Timeout: timeout},
	}
}

// ComponentsByType lists registered components of the given type, retrying up
// to the configured bound with a short backoff. An empty result after all
// retries is returned as an empty slice, not an error; the caller owns the
// fallback policy.
func (c *Client) ComponentsByType(ctx context.Context, componentType string) ([]Component, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("registry url not configured")
	}

	endpoint := fmt.Sprintf("%s/components?type=%s", c.baseURL, url.QueryEscape(componentType))

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		components, err := c.fetch(ctx, endpoint)
		if err != nil {
			lastErr = err
			slog.Warn("registry lookup failed", "type", componentType, "attempt", attempt+1, "error", err)
			continue
		}
		return components, nil
	}
	return nil, fmt.Errorf("registry lookup after %d attempts: %w", c.retries, lastErr)
}

func (c *Client) fetch(ctx context.Context, endpoint string) ([]Component, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry status %d", resp.StatusCode)
	}

	var components []Component
	if err := json.NewDecoder(resp.Body).Decode(&components); err != nil {
		return nil, fmt.Errorf("decode registry response: %w", err)
	}
	return components, nil
}
