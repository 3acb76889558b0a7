package titanium

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client is the Titanium SDK client. It communicates with the proxy's ops
// API to query captured flows, live sessions, health, and the CA
// certificate.
type Client struct {
	addr         string
	token        string
	timeout      time.Duration
	pollInterval time.Duration
	httpClient   *http.Client

	logger *slog.Logger
}

// NewClient creates a new Titanium SDK client.
// It reads configuration from TITANIUM_* environment variables by default.
// Options can be used to override the defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		addr:         os.Getenv("TITANIUM_OPS_ADDR"),
		token:        os.Getenv("TITANIUM_OPS_TOKEN"),
		timeout:      parseDurationEnv("TITANIUM_TIMEOUT", 5*time.Second),
		pollInterval: parseDurationEnv("TITANIUM_POLL_INTERVAL", 100*time.Millisecond),
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
		}
	}

	return c
}

// Health fetches the proxy's self-reported health. An unhealthy proxy
// answers 503 with the same JSON body; both are returned as a Health
// value, so callers check Healthy() rather than the error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	resp, body, err := c.get(ctx, "/healthz", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, errorFromResponse(resp.StatusCode, body)
	}
	var health Health
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &health, nil
}

// Flows lists captured flows matching the query, newest first.
func (c *Client) Flows(ctx context.Context, q FlowQuery) ([]Flow, error) {
	var envelope flowsEnvelope
	if err := c.getJSON(ctx, "/flows", q.values(), &envelope); err != nil {
		return nil, err
	}
	return envelope.Flows, nil
}

// Flow fetches a single captured flow by ID. It returns a
// *FlowNotFoundError if no such record exists.
func (c *Client) Flow(ctx context.Context, id string) (*Flow, error) {
	var flow Flow
	err := c.getJSON(ctx, "/flows/"+url.PathEscape(id), nil, &flow)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, &FlowNotFoundError{ID: id}
		}
		return nil, err
	}
	return &flow, nil
}

// FlowStats fetches aggregated counters over all captured flows.
func (c *Client) FlowStats(ctx context.Context) (*FlowStats, error) {
	var stats FlowStats
	if err := c.getJSON(ctx, "/flows/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Sessions lists the proxy's currently active sessions.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var envelope sessionsEnvelope
	if err := c.getJSON(ctx, "/sessions", nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Sessions, nil
}

// CACert fetches the proxy's CA certificate in PEM form along with its
// fingerprint ("sha256:<hex>"). Clients that should trust intercepted
// TLS traffic add this certificate to their root pool.
func (c *Client) CACert(ctx context.Context) ([]byte, string, error) {
	resp, body, err := c.get(ctx, "/ca.pem", nil)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", errorFromResponse(resp.StatusCode, body)
	}
	return body, resp.Header.Get("X-CA-Fingerprint"), nil
}

// WaitForFlows polls the flow listing until at least n flows match the
// query, then returns them. It is meant for test harnesses: the capture
// pipeline is asynchronous, so a completed client request does not yet
// mean its flow is queryable. The wait ends with a *WaitTimeoutError when
// ctx expires, so callers should pass a context with a deadline.
func (c *Client) WaitForFlows(ctx context.Context, q FlowQuery, n int) ([]Flow, error) {
	if n < 1 {
		n = 1
	}
	have := 0
	for {
		flows, err := c.Flows(ctx, q)
		switch {
		case err == nil:
			have = len(flows)
			if have >= n {
				return flows, nil
			}
		case errors.Is(err, ErrUnauthorized):
			// A rejected token will not heal by polling.
			return nil, err
		default:
			c.logger.Warn("flow poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, &WaitTimeoutError{Want: n, Have: have, Cause: ctx.Err()}
		case <-time.After(c.pollInterval):
		}
	}
}

// getJSON performs a GET and decodes a 2xx JSON response into result.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, result any) error {
	resp, body, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorFromResponse(resp.StatusCode, body)
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// get performs a GET against the ops API and reads the full body.
func (c *Client) get(ctx context.Context, path string, query url.Values) (*http.Response, []byte, error) {
	u := strings.TrimRight(c.addr, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp, body, nil
}

// values renders the query as URL parameters, omitting zero values.
func (q FlowQuery) values() url.Values {
	v := url.Values{}
	if q.Host != "" {
		v.Set("host", q.Host)
	}
	if q.Method != "" {
		v.Set("method", q.Method)
	}
	if q.Status != 0 {
		v.Set("status", strconv.Itoa(q.Status))
	}
	if q.Outcome != "" {
		v.Set("outcome", q.Outcome)
	}
	if q.Tag != "" {
		v.Set("tag", q.Tag)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// errorFromResponse maps a non-2xx ops API response to a typed error.
func errorFromResponse(status int, body []byte) error {
	msg := parseErrorMessage(body)
	if status == http.StatusUnauthorized {
		return &UnauthorizedError{Message: msg}
	}
	return &APIError{Status: status, Message: msg}
}

// parseErrorMessage extracts the message from a {"error": "..."} body,
// falling back to the raw body text.
func parseErrorMessage(body []byte) string {
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	return strings.TrimSpace(string(body))
}

// parseDurationEnv reads a duration from the environment, accepting either
// an integer number of seconds or a Go duration string.
func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}
