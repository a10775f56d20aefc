package natsbus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// StatusReport is the payload worker pools publish on fleet.status.<agentID>
// to report an agent's lifecycle change back to the gateway.
type StatusReport struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Client is a connection to the gateway's bus. Everything on the bus is a
// JSON document: lifecycle events fanned out by the orchestrator and status
// reports arriving from worker pools.
type Client struct {
	conn *nats.Conn
}

func NewClient(bus *Bus) (*Client, error) {
	return NewClientFromURL(bus.ClientURL())
}

func NewClientFromURL(url string) (*Client, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(topic, data)
}

// ReportStatus publishes a status report on the agent's report subject. This
// is the pool side of the inbound status path.
func (c *Client) ReportStatus(agentID, status, detail string) error {
	return c.PublishJSON(TopicAgentStatus(agentID), StatusReport{Status: status, Detail: detail})
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

// Flush blocks until the server has processed everything published so far.
func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	c.conn.Close()
}
