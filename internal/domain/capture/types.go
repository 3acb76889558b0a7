// Package capture contains domain types for recorded proxy exchanges.
package capture

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Outcome constants for flow records.
const (
	// OutcomeForwarded indicates the exchange reached the origin server.
	OutcomeForwarded = "forwarded"
	// OutcomeShortCircuited indicates a synthetic response was served.
	OutcomeShortCircuited = "short_circuited"
	// OutcomeTunneled indicates an opaque CONNECT relay.
	OutcomeTunneled = "tunneled"
	// OutcomeFailed indicates the exchange died on a transport error.
	OutcomeFailed = "failed"
)

// Flow is one captured client exchange: the request/response pair reduced
// to its recordable facts. Bodies are fingerprinted, never stored.
type Flow struct {
	// ID is a unique identifier for this record.
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
	// Tags are the labels intercept rules attached to the session.
	Tags []string `json:"tags,omitempty"`
	// Error carries the transport error for failed exchanges.
	Error string `json:"error,omitempty"`
}

// NewFlowID returns a unique flow identifier.
func NewFlowID() string {
	return uuid.New().String()
}

// BodyDigest returns a stable fingerprint of a message body in the form
// "xxh64:<hex>". Empty bodies have no digest.
func BodyDigest(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return fmt.Sprintf("xxh64:%016x", xxhash.Sum64(body))
}

// sensitiveHeaders lists header names whose values never reach captured
// flows. Comparison is case-insensitive.
var sensitiveHeaders = []string{
	"authorization", "proxy-authorization", "cookie", "set-cookie",
	"x-api-key", "api-key",
}

// RedactSensitiveHeaders returns a copy of headers with credential-bearing
// values replaced by "***REDACTED***".
func RedactSensitiveHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return headers
	}
	redacted := make(map[string]string, len(headers))
	for k, v := range headers {
		if isSensitiveHeader(k) {
			redacted[k] = "***REDACTED***"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

// isSensitiveHeader checks if a header name indicates credential data.
func isSensitiveHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, h := range sensitiveHeaders {
		if lower == h {
			return true
		}
	}
	return false
}
