package poolapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// hostPortPattern is a conservative gate on pool addresses before any
// outbound call is attempted. Defensive against malformed registry data, not
// a security boundary.
var hostPortPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.-]*:\d{1,5}$`)

// Client talks to worker-pool processes. Pools are addressed per call by
// their registered host:port; the client holds only the shared HTTP client,
// timeout, and optional bearer token.
type Client struct {
	http  *http.Client
	token string
}

func NewClient(timeout time.Duration, token string) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http:  &http.Client{Timeout: timeout},
		token: token,
	}
}

// ValidateAddr reports whether addr is an acceptable host:port.
func ValidateAddr(addr string) error {
	if !hostPortPattern.MatchString(addr) {
		return fmt.Errorf("invalid pool address: %q", addr)
	}
	return nil
}

// NormalizeAddr strips an http/https scheme and trailing slash so registry
// entries and config values converge on bare host:port.
func NormalizeAddr(addr string) string {
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	return strings.TrimSuffix(addr, "/")
}

// AddAgentRequest is the placement payload sent to a pool.
type AddAgentRequest struct {
	AgentID        string            `json:"agentId"`
	ActionVerb     string            `json:"actionVerb"`
	Inputs         map[string]any    `json:"inputs,omitempty"`
	MissionID      string            `json:"missionId"`
	MissionContext string            `json:"missionContext,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Statistics is a pool's per-mission agent breakdown.
type Statistics struct {
	AgentsCount    int                 `json:"agentsCount"`
	AgentsByStatus map[string][]string `json:"agentsByStatus"`
}

// AgentInfo is a pool's view of one hosted agent.
type AgentInfo struct {
	AgentID   string `json:"agentId"`
	MissionID string `json:"missionId"`
	Status    string `json:"status"`
}

func (c *Client) AddAgent(ctx context.Context, addr string, req AddAgentRequest) error {
	return c.post(ctx, addr, "/agent", req, nil)
}

func (c *Client) PauseAgents(ctx context.Context, addr, missionID string) error {
	return c.post(ctx, addr, "/pause-agents", map[string]string{"missionId": missionID}, nil)
}

func (c *Client) AbortAgents(ctx context.Context, addr, missionID string) error {
	return c.post(ctx, addr, "/abort-agents", map[string]string{"missionId": missionID}, nil)
}

func (c *Client) ResumeAgents(ctx context.Context, addr, missionID string) error {
	return c.post(ctx, addr, "/resume-agents", map[string]string{"missionId": missionID}, nil)
}

func (c *Client) ResumeAgent(ctx context.Context, addr, agentID string) error {
	return c.post(ctx, addr, "/resume-agent", map[string]string{"agentId": agentID}, nil)
}

// SendMessage forwards a message payload to a pool. The pool decides whether
// it is agent-directed or broadcast based on the payload's target fields.
func (c *Client) SendMessage(ctx context.Context, addr string, payload map[string]any) error {
	return c.post(ctx, addr, "/message", payload, nil)
}

// AgentOutput fetches an agent's final output.
func (c *Client) AgentOutput(ctx context.Context, addr, agentID string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.get(ctx, addr, "/agent/"+agentID+"/output", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MissionAgents lists agents a pool hosts for a mission.
func (c *Client) MissionAgents(ctx context.Context, addr, missionID string) ([]AgentInfo, error) {
	var out []AgentInfo
	if err := c.get(ctx, addr, "/mission/"+missionID+"/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MissionStatistics fetches a pool's status breakdown for a mission.
func (c *Client) MissionStatistics(ctx context.Context, addr, missionID string) (*Statistics, error) {
	var out Statistics
	if err := c.get(ctx, addr, "/statistics/"+missionID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveAgent asks a pool to persist one agent's state and returns the
// serialized state blob for archival.
func (c *Client) SaveAgent(ctx context.Context, addr, agentID string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.post(ctx, addr, "/save-agent", map[string]string{"agentId": agentID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) LoadAgent(ctx context.Context, addr, agentID string) error {
	return c.post(ctx, addr, "/load-agent", map[string]string{"agentId": agentID}, nil)
}

func (c *Client) post(ctx context.Context, addr, path string, body, out any) error {
	addr = NormalizeAddr(addr)
	if err := ValidateAddr(addr); err != nil {
		return err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, addr, path string, out any) error {
	addr = NormalizeAddr(addr)
	if err := ValidateAddr(addr); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	return c.do(req, out)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pool call %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("pool call %s: status %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode pool response: %w", err)
	}
	return nil
}
