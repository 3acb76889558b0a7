// Package titanium provides a Go SDK for the Titanium proxy ops API.
//
// Titanium is an intercepting HTTP/HTTPS proxy that records every exchange
// it carries as a flow. This SDK lets Go programs query those flows, watch
// live sessions, and fetch the proxy's CA certificate, which makes it
// useful in test harnesses that need to assert on the traffic an
// application actually produced. It uses only the Go standard library
// (net/http) with zero external dependencies.
//
// Quick start:
//
//	// Set TITANIUM_OPS_ADDR and TITANIUM_OPS_TOKEN env vars, then:
//	client := titanium.NewClient()
//
//	flows, err := client.Flows(ctx, titanium.FlowQuery{
//	    Host:    "api.example.com",
//	    Outcome: titanium.OutcomeForwarded,
//	    Limit:   10,
//	})
//	if err != nil {
//	    var unauthorized *titanium.UnauthorizedError
//	    if errors.As(err, &unauthorized) {
//	        log.Fatal("ops token rejected")
//	    }
//	}
package titanium

import "time"

// Outcome values a flow can record.
const (
	// OutcomeForwarded indicates the exchange reached the origin server.
	OutcomeForwarded = "forwarded"

	// OutcomeShortCircuited indicates the proxy served a synthetic response.
	OutcomeShortCircuited = "short_circuited"

	// OutcomeTunneled indicates an opaque CONNECT relay.
	OutcomeTunneled = "tunneled"

	// OutcomeFailed indicates the exchange died on a transport error.
	OutcomeFailed = "failed"
)

// Flow is one captured exchange as the ops API reports it. Fields map to
// the flow record schema on the server side.
type Flow struct {
	// ID is the unique identifier of this record.
	ID string `json:"id"`

	// SessionID is the exchange's session identifier.
	SessionID string `json:"session_id"`

	// SessionNumber is the listener-scoped sequence number.
	SessionNumber uint64 `json:"session_number"`

	// ClientAddr is the remote address of the client connection.
	ClientAddr string `json:"client_addr"`

	// StartedAt is when the exchange began (UTC).
	StartedAt time.Time `json:"started_at"`

	// DurationMicros is the exchange duration in microseconds.
	DurationMicros int64 `json:"duration_micros"`

	// Method is the request method token.
	Method string `json:"method"`

	// URL is the full request target.
	URL string `json:"url"`

	// Host is the bare hostname the request was addressed to.
	Host string `json:"host"`

	// Scheme is the request scheme (http or https).
	Scheme string `json:"scheme"`

	// HTTPVersion is the request's protocol version string.
	HTTPVersion string `json:"http_version"`

	// RequestHeaders holds the request headers, credentials redacted.
	RequestHeaders map[string]string `json:"request_headers,omitempty"`

	// RequestBytes is the decoded request payload size.
	RequestBytes int64 `json:"request_bytes"`

	// RequestDigest fingerprints the request body ("xxh64:<hex>").
	RequestDigest string `json:"request_digest,omitempty"`

	// Status is the response status code, 0 if none was produced.
	Status int `json:"status"`

	// ResponseHeaders holds the response headers, credentials redacted.
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`

	// ResponseBytes is the decoded response payload size.
	ResponseBytes int64 `json:"response_bytes"`

	// ResponseDigest fingerprints the response body ("xxh64:<hex>").
	ResponseDigest string `json:"response_digest,omitempty"`

	// ContentType is the response Content-Type, if any.
	ContentType string `json:"content_type,omitempty"`

	// Outcome records how the exchange ended.
	Outcome string `json:"outcome"`

	// Tags are the labels interception rules attached to the exchange.
	Tags []string `json:"tags,omitempty"`

	// Error carries the transport error for failed exchanges.
	Error string `json:"error,omitempty"`
}

// FlowQuery narrows a flow listing. Zero-valued fields are omitted from
// the request.
type FlowQuery struct {
	// Host filters by the bare hostname the request was addressed to.
	Host string

	// Method filters by request method.
	Method string

	// Status filters by response status code.
	Status int

	// Outcome filters by flow outcome (see the Outcome constants).
	Outcome string

	// Tag filters to flows carrying the given rule tag.
	Tag string

	// Since keeps only flows that started at or after this time.
	Since time.Time

	// Limit caps the number of returned flows. The server defaults to 100
	// and caps at 1000.
	Limit int
}

// FlowStats holds aggregated counters over all captured flows.
type FlowStats struct {
	// Total is the number of captured flows.
	Total int64 `json:"total"`

	// ByOutcome maps outcomes to counts.
	ByOutcome map[string]int64 `json:"by_outcome"`

	// ByStatusClass maps status classes ("2xx", "4xx", ...) to counts.
	ByStatusClass map[string]int64 `json:"by_status_class"`

	// ByHost maps hostnames to counts.
	ByHost map[string]int64 `json:"by_host"`
}

// Session is one live proxy session as the ops API reports it.
type Session struct {
	// ID is the session identifier.
	ID string `json:"id"`

	// Number is the listener-scoped sequence number.
	Number uint64 `json:"number"`

	// ClientAddr is the remote address of the client connection.
	ClientAddr string `json:"client_addr"`

	// CreatedAt is the RFC 3339 timestamp the session opened.
	CreatedAt string `json:"created_at"`

	// AgeMicros is the session age in microseconds at snapshot time.
	AgeMicros int64 `json:"age_micros"`

	// State is the session's lifecycle position.
	State string `json:"state"`

	// Method is the in-flight request method, if one is being handled.
	Method string `json:"method,omitempty"`

	// URL is the in-flight request target, if one is being handled.
	URL string `json:"url,omitempty"`

	// Host is the in-flight request host, if one is being handled.
	Host string `json:"host,omitempty"`

	// Tags are the labels interception rules attached so far.
	Tags []string `json:"tags,omitempty"`
}

// Health is the proxy's self-reported health.
type Health struct {
	// Status is "healthy" or "unhealthy".
	Status string `json:"status"`

	// Checks maps component names to their probe results.
	Checks map[string]string `json:"checks"`

	// Version is the proxy build version, if configured.
	Version string `json:"version,omitempty"`
}

// Healthy reports whether the proxy considered itself healthy.
func (h Health) Healthy() bool {
	return h.Status == "healthy"
}

// flowsEnvelope matches the JSON envelope of GET /flows.
type flowsEnvelope struct {
	Flows []Flow `json:"flows"`
	Count int    `json:"count"`
}

// sessionsEnvelope matches the JSON envelope of GET /sessions.
type sessionsEnvelope struct {
	Sessions []Session `json:"sessions"`
	Count    int       `json:"count"`
}
