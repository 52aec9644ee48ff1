package natsclient

import (
	"log/slog"
	"time"

	"github.com/c360/bufferlink/metric"
)

// ClientOption configures a Client in NewClient.
type ClientOption func(*Client) error

// WithName names the connection as the server will list it.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithReconnect bounds automatic reconnection. max -1 retries forever and a
// wait of zero keeps the default.
func WithReconnect(max int, wait time.Duration) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = max
		if wait > 0 {
			c.reconnectWait = wait
		}
		return nil
	}
}

// WithAuth sets user credentials, a token, or both. Empty values are skipped.
func WithAuth(username, password, token string) ClientOption {
	return func(c *Client) error {
		if (username == "") != (password == "") {
			return errInvalidAuth
		}
		c.username, c.password, c.token = username, password, token
		return nil
	}
}

// WithCircuitBreaker opens the circuit after threshold consecutive failures.
// The open period doubles on each trip up to maxBackoff.
func WithCircuitBreaker(threshold int32, maxBackoff time.Duration) ClientOption {
	return func(c *Client) error {
		if threshold > 0 {
			c.circuitThreshold = threshold
		}
		if maxBackoff >= time.Second {
			c.maxBackoff = maxBackoff
		}
		return nil
	}
}

// WithTimeouts sets the dial timeout and how long Close may spend draining.
func WithTimeouts(dial, drain time.Duration) ClientOption {
	return func(c *Client) error {
		if dial > 0 {
			c.timeout = dial
		}
		if drain > 0 {
			c.drainTimeout = drain
		}
		return nil
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger.With("component", "natsclient")
		}
		return nil
	}
}

// WithMetrics reports connection status and reconnects through m.
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}
