// Package state persists the running proxy's runtime record. The file
// carries enough for other commands to find a proxy started elsewhere:
// stop signals the recorded pid, trust-ca locates the CA certificate.
// Writes are atomic (tmp + fsync + rename) under an advisory file lock.
package state

import "time"

// runtimeStateVersion is the current schema version.
const runtimeStateVersion = "1"

// RuntimeState is the persisted record of one running proxy process.
type RuntimeState struct {
	// Version is the schema version, for forward compatibility.
	Version string `json:"version"`

	// PID is the proxy process id.
	PID int `json:"pid"`

	// StartedAt is when the process came up.
	StartedAt time.Time `json:"started_at"`

	// ProxyAddr is the bound proxy listener address.
	ProxyAddr string `json:"proxy_addr"`

	// OpsAddr is the bound ops listener address, empty when disabled.
	OpsAddr string `json:"ops_addr,omitempty"`

	// CACertFile is the path of the interception CA certificate, empty
	// when TLS inspection is off.
	CACertFile string `json:"ca_cert_file,omitempty"`

	// CAFingerprint is the sha256: fingerprint of that certificate.
	CAFingerprint string `json:"ca_fingerprint,omitempty"`

	// UpdatedAt is when this record was last written.
	UpdatedAt time.Time `json:"updated_at"`
}
