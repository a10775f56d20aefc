package missionindex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client looks up the authoritative agent-ID list for a mission from the
// upstream index. Mission-wide save/load and statistics lean on this instead
// of the gateway keeping its own durable index.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// AgentIDs returns the agent IDs belonging to a mission.
func (c *Client) AgentIDs(ctx context.Context, missionID string) ([]string, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("mission index url not configured")
	}

	endpoint := fmt.Sprintf("%s/missions/%s/agents", c.baseURL, url.PathEscape(missionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mission index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mission index status %d", resp.StatusCode)
	}

	var ids []string
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("decode mission index response: %w", err)
	}
	return ids, nil
}
