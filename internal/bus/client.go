// Package bus wraps the NATS connection with the handful of JSON-typed
// operations the services need. Connection management (infinite reconnect,
// logged transitions) lives here so the callers only see subjects and types.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Client is a thin JSON layer over a *nats.Conn. Safe for concurrent use.
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Connect dials the bus. name shows up in the server's connz listing and in
// log lines. The connection retries forever once established; the initial
// dial failing is returned to the caller (fatal at service start).
func Connect(url, name string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	logger.Info("Connected to NATS", "url", nc.ConnectedUrl())
	return &Client{conn: nc, logger: logger}, nil
}

// ConnectRetry dials with a bounded retry loop. Used by services that must
// outlive a bus restart at boot (key service, storage).
func ConnectRetry(url, name string, attempts int, wait time.Duration, logger *slog.Logger) (*Client, error) {
	var lastErr error
	for i := 1; i <= attempts; i++ {
		c, err := Connect(url, name, logger)
		if err == nil {
			return c, nil
		}
		lastErr = err
		logger.Warn("NATS connect failed, retrying",
			"attempt", i, "max_attempts", attempts, "error", err)
		time.Sleep(wait)
	}
	return nil, fmt.Errorf("NATS unreachable after %d attempts: %w", attempts, lastErr)
}

// Publish marshals v and publishes it on subject.
func (c *Client) Publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

// Request performs a JSON request/reply with the context's deadline and
// decodes the reply into resp.
func (c *Client) Request(ctx context.Context, subject string, req, resp interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", subject, err)
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", subject, err)
	}
	return nil
}

// Subscribe registers a raw message handler.
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// QueueSubscribe registers a handler in a queue group so replicas share the
// subject's traffic.
func (c *Client) QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return nil, fmt.Errorf("queue subscribe %s (%s): %w", subject, queue, err)
	}
	return sub, nil
}

// Respond marshals v and replies to msg. Failures are logged, not returned:
// a reply that cannot be sent has nowhere to report to.
func (c *Client) Respond(msg *nats.Msg, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal reply", "subject", msg.Subject, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		c.logger.Warn("Failed to send reply", "subject", msg.Subject, "error", err)
	}
}

// IsConnected reports live connectivity for health endpoints.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// MaxPayload is the server-advertised payload ceiling, used to chunk
// decrypt_batch requests.
func (c *Client) MaxPayload() int64 {
	return c.conn.MaxPayload()
}

// Close drains pending messages and closes the connection.
func (c *Client) Close() {
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Drain(); err != nil {
			c.logger.Warn("NATS drain failed", "error", err)
			c.conn.Close()
		}
	}
}
