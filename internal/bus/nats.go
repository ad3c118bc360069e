// internal/bus/nats.go
package bus

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the side of the bus workers need: fire-and-forget JSON
// publication of lifecycle and result events.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// Noop satisfies Publisher for deployments that run without a bus.
type Noop struct{}

func (Noop) PublishJSON(string, any) error { return nil }
