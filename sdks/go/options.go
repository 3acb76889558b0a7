package titanium

import (
	"log/slog"
	"net/http"
	"time"
)

// Option adjusts a Client at construction.
type Option func(*Client)

// WithAddr points the client at an ops API base address, for example
// "http://127.0.0.1:9901". Unset, the TITANIUM_OPS_ADDR environment
// variable applies.
func WithAddr(addr string) Option {
	return func(c *Client) {
		c.addr = addr
	}
}

// WithToken supplies the bearer token the ops API expects. Unset, the
// TITANIUM_OPS_TOKEN environment variable applies.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithTimeout bounds each HTTP request. The default is 5 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithPollInterval spaces the polls WaitForFlows makes. The default is
// 100 milliseconds.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = d
	}
}

// WithHTTPClient swaps in a caller-owned http.Client, for tests or
// custom transports.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets where poll warnings go.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}
