// Package config provides the configuration schema for the proxy.
//
// Configuration is file-based (titanium.yaml) with environment variable
// overrides (TITANIUM_ prefix). All durations are strings in Go duration
// syntax ("30s", "1h") and validated at load time.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	// Proxy configures the proxy listener.
	Proxy ProxyConfig `yaml:"proxy" mapstructure:"proxy"`

	// TLSInspection configures CONNECT interception with a local CA.
	TLSInspection TLSInspectionConfig `yaml:"tls_inspection" mapstructure:"tls_inspection"`

	// Auth configures proxy authentication (Proxy-Authorization: Basic).
	// When no credentials are configured, the proxy is open.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// RateLimit configures per-client-IP connection admission.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Intercept configures the declarative rule engine.
	Intercept InterceptConfig `yaml:"intercept" mapstructure:"intercept"`

	// Capture configures flow recording.
	Capture CaptureConfig `yaml:"capture" mapstructure:"capture"`

	// Ops configures the operational listener.
	Ops OpsConfig `yaml:"ops" mapstructure:"ops"`

	// Logging configures the process-wide logger.
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// DataDir is where the proxy keeps its CA material and runtime state.
	// Defaults to ~/.titanium.
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`
}

// ProxyConfig configures the proxy listener.
type ProxyConfig struct {
	// Addr is the address to listen on. Defaults to "127.0.0.1:8080"
	// (localhost only); set "0.0.0.0:8080" explicitly for network access.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// ReadHeaderTimeout bounds reading one request head. Default "30s".
	ReadHeaderTimeout string `yaml:"read_header_timeout" mapstructure:"read_header_timeout" validate:"omitempty,duration"`

	// DialTimeout bounds dialing an origin server. Default "30s".
	DialTimeout string `yaml:"dial_timeout" mapstructure:"dial_timeout" validate:"omitempty,duration"`

	// ShutdownTimeout bounds the graceful drain on stop. Default "10s".
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`

	// MaxSessions caps concurrently tracked sessions. 0 means no cap.
	// Default 1024.
	MaxSessions int `yaml:"max_sessions" mapstructure:"max_sessions" validate:"omitempty,min=0"`

	// UpstreamInsecure skips TLS verification when dialing origins.
	// For test environments whose origins present untrusted certificates.
	UpstreamInsecure bool `yaml:"upstream_insecure" mapstructure:"upstream_insecure"`
}

// TLSInspectionConfig configures TLS interception of CONNECT traffic.
// When disabled, CONNECT requests are tunneled opaquely.
type TLSInspectionConfig struct {
	// Enabled turns interception on. Default false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// CADir is where the CA certificate and key live. Defaults to the
	// top-level data dir.
	CADir string `yaml:"ca_dir" mapstructure:"ca_dir"`

	// Organization appears in the generated CA subject.
	// Default "Titanium Web Proxy".
	Organization string `yaml:"organization" mapstructure:"organization"`

	// ValidityYears is the generated CA lifetime. Default 10.
	ValidityYears int `yaml:"validity_years" mapstructure:"validity_years" validate:"omitempty,min=1,max=30"`

	// BypassList holds hosts never intercepted: exact names or "*."
	// wildcards (e.g. "*.google.com"). Matched traffic is tunneled.
	BypassList []string `yaml:"bypass_list" mapstructure:"bypass_list"`

	// CertTTL is the leaf certificate cache TTL. Default "1h".
	CertTTL string `yaml:"cert_ttl" mapstructure:"cert_ttl" validate:"omitempty,duration"`
}

// CACertFile returns the CA certificate path under the configured dir.
func (c TLSInspectionConfig) CACertFile() string {
	return filepath.Join(c.CADir, "ca.pem")
}

// CAKeyFile returns the CA private key path under the configured dir.
func (c TLSInspectionConfig) CAKeyFile() string {
	return filepath.Join(c.CADir, "ca.key")
}

// AuthConfig configures proxy authentication. Credentials and identities
// are file-based; an empty credential list disables authentication.
type AuthConfig struct {
	// Identities defines the known users/services.
	Identities []IdentityConfig `yaml:"identities" mapstructure:"identities" validate:"omitempty,dive"`

	// Credentials maps usernames to secret hashes and identities.
	Credentials []CredentialConfig `yaml:"credentials" mapstructure:"credentials" validate:"omitempty,dive"`
}

// Enabled reports whether any credentials are configured.
func (c AuthConfig) Enabled() bool {
	return len(c.Credentials) > 0
}

// IdentityConfig defines a file-based identity.
type IdentityConfig struct {
	// ID is the unique identifier for this identity.
	ID string `yaml:"id" mapstructure:"id" validate:"required"`

	// Name is the human-readable name.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Roles are the roles assigned to this identity.
	Roles []string `yaml:"roles" mapstructure:"roles"`
}

// CredentialConfig defines one proxy login.
type CredentialConfig struct {
	// Username is the Basic auth username.
	Username string `yaml:"username" mapstructure:"username" validate:"required"`

	// SecretHash is the stored hash of the secret, in "sha256:<hex>" or
	// "$argon2id$..." form. Generate with the hash-key command.
	SecretHash string `yaml:"secret_hash" mapstructure:"secret_hash" validate:"required,secrethash"`

	// IdentityID references the identity this credential authenticates as.
	IdentityID string `yaml:"identity_id" mapstructure:"identity_id" validate:"required"`
}

// RateLimitConfig configures per-client-IP connection admission.
type RateLimitConfig struct {
	// Enabled turns rate limiting on. Default false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Rate is the sustained connections allowed per period. Default 300.
	Rate int `yaml:"rate" mapstructure:"rate" validate:"omitempty,min=1"`

	// Burst is the instantaneous burst allowance. Default 100.
	Burst int `yaml:"burst" mapstructure:"burst" validate:"omitempty,min=1"`

	// Period is the window the rate applies to. Default "1m".
	Period string `yaml:"period" mapstructure:"period" validate:"omitempty,duration"`
}

// InterceptConfig configures the declarative rule engine.
type InterceptConfig struct {
	// RulesFile is the path of the YAML rules file. Empty disables the
	// rule engine; programmatic handlers still run.
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`

	// FailClosed aborts an exchange when a rule condition errors instead
	// of skipping the rule. Default false.
	FailClosed bool `yaml:"fail_closed" mapstructure:"fail_closed"`
}

// CaptureConfig configures flow recording.
type CaptureConfig struct {
	// Backend selects the flow store: "memory", "file" or "sqlite".
	// Default "memory".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory file sqlite"`

	// Dir is the directory for the file backend. Defaults to
	// <data_dir>/flows.
	Dir string `yaml:"dir" mapstructure:"dir"`

	// Path is the database path for the sqlite backend. Defaults to
	// <data_dir>/flows.db.
	Path string `yaml:"path" mapstructure:"path"`

	// MaxFileSizeMB caps one capture file before rotation (file backend).
	// Default 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`

	// RetentionDays is how long rotated capture files are kept (file
	// backend). Default 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// MemoryCapacity is the ring size of the memory backend. Default 1000.
	MemoryCapacity int `yaml:"memory_capacity" mapstructure:"memory_capacity" validate:"omitempty,min=1"`

	// ChannelSize buffers flows between exchanges and the writer.
	// Default 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of flows written per batch. Default 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often pending flows are flushed. Default "1s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// SendTimeout is how long Record blocks when the channel is full
	// before dropping. "0s" drops immediately. Default "100ms".
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`
}

// OpsConfig configures the operational listener.
type OpsConfig struct {
	// Enabled starts the ops listener. Default true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Addr is the ops listen address. Defaults to "127.0.0.1:9099".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// TokenHash, when set, requires "Authorization: Bearer <token>" on
	// every ops route except /healthz. Same hash forms as secret_hash.
	TokenHash string `yaml:"token_hash" mapstructure:"token_hash" validate:"omitempty,secrethash"`
}

// LoggingConfig configures the process-wide logger.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error. Default "info".
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`

	// Format selects "text" or "json" output. Default "text".
	Format string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".titanium")
		}
	}

	if c.Proxy.Addr == "" {
		c.Proxy.Addr = "127.0.0.1:8080"
	}
	if c.Proxy.ReadHeaderTimeout == "" {
		c.Proxy.ReadHeaderTimeout = "30s"
	}
	if c.Proxy.DialTimeout == "" {
		c.Proxy.DialTimeout = "30s"
	}
	if c.Proxy.ShutdownTimeout == "" {
		c.Proxy.ShutdownTimeout = "10s"
	}
	if !viper.IsSet("proxy.max_sessions") && c.Proxy.MaxSessions == 0 {
		c.Proxy.MaxSessions = 1024
	}

	if c.TLSInspection.CADir == "" {
		c.TLSInspection.CADir = c.DataDir
	}
	if c.TLSInspection.Organization == "" {
		c.TLSInspection.Organization = "Titanium Web Proxy"
	}
	if c.TLSInspection.ValidityYears == 0 {
		c.TLSInspection.ValidityYears = 10
	}
	if c.TLSInspection.CertTTL == "" {
		c.TLSInspection.CertTTL = "1h"
	}
	// Pinned-certificate domains break under interception; bypass them
	// unless the operator configured an explicit list.
	if c.TLSInspection.Enabled && len(c.TLSInspection.BypassList) == 0 {
		c.TLSInspection.BypassList = []string{
			"*.google.com",
			"*.googleapis.com",
			"*.gstatic.com",
		}
	}

	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = 300
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.RateLimit.Period == "" {
		c.RateLimit.Period = "1m"
	}

	if c.Capture.Backend == "" {
		c.Capture.Backend = "memory"
	}
	if c.Capture.Dir == "" {
		c.Capture.Dir = filepath.Join(c.DataDir, "flows")
	}
	if c.Capture.Path == "" {
		c.Capture.Path = filepath.Join(c.DataDir, "flows.db")
	}
	if c.Capture.MaxFileSizeMB == 0 {
		c.Capture.MaxFileSizeMB = 100
	}
	if c.Capture.RetentionDays == 0 {
		c.Capture.RetentionDays = 7
	}
	if c.Capture.MemoryCapacity == 0 {
		c.Capture.MemoryCapacity = 1000
	}
	if c.Capture.ChannelSize == 0 {
		c.Capture.ChannelSize = 1000
	}
	if c.Capture.BatchSize == 0 {
		c.Capture.BatchSize = 100
	}
	if c.Capture.FlushInterval == "" {
		c.Capture.FlushInterval = "1s"
	}
	if c.Capture.SendTimeout == "" {
		c.Capture.SendTimeout = "100ms"
	}

	// Ops listener defaults on: it only binds localhost.
	// viper.IsSet distinguishes "not set" from an explicit false.
	if !viper.IsSet("ops.enabled") {
		c.Ops.Enabled = true
	}
	if c.Ops.Addr == "" {
		c.Ops.Addr = "127.0.0.1:9099"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// StateFile returns the runtime state record path under the data dir.
func (c *Config) StateFile() string {
	return filepath.Join(c.DataDir, "state.json")
}

// Duration returns a parsed duration field. Fields are validated as
// durations at load time, so a parse failure here means the value
// bypassed validation; the fallback keeps such callers functional.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
