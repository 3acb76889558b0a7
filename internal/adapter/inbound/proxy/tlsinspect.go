package proxy

import (
	"strings"
	"sync"
)

// TLSInspector decides, per CONNECT target, whether the proxy opens a raw
// tunnel or terminates TLS with a minted certificate. It owns the bypass
// list: hosts matched there are always tunneled, never inspected.
//
// Bypass entries support exact match (e.g. "example.com") and wildcard
// suffixes (e.g. "*.google.com", which matches "google.com" and any
// subdomain).
type TLSInspector struct {
	mu          sync.RWMutex
	enabled     bool
	bypassSet   map[string]bool
	bypassGlobs []string
	certs       *CertCache
}

// NewTLSInspector creates an inspector backed by the given cert cache.
// A nil cache is only valid when enabled is false.
func NewTLSInspector(enabled bool, bypass []string, certs *CertCache) *TLSInspector {
	ti := &TLSInspector{
		enabled: enabled,
		certs:   certs,
	}
	ti.parseBypassListLocked(bypass)
	return ti
}

// Enabled returns whether TLS inspection is active.
func (ti *TLSInspector) Enabled() bool {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	return ti.enabled
}

// SetEnabled enables or disables TLS inspection at runtime.
func (ti *TLSInspector) SetEnabled(enabled bool) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.enabled = enabled
}

// SetBypassList atomically replaces the bypass set and wildcard patterns.
// Safe for concurrent reads during CONNECT handling and writes from the
// ops surface.
func (ti *TLSInspector) SetBypassList(hosts []string) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.parseBypassListLocked(hosts)
}

// BypassList returns a copy of the current bypass host list.
func (ti *TLSInspector) BypassList() []string {
	ti.mu.RLock()
	defer ti.mu.RUnlock()

	var result []string
	for h := range ti.bypassSet {
		result = append(result, h)
	}
	for _, suffix := range ti.bypassGlobs {
		result = append(result, "*."+suffix)
	}
	return result
}

// ShouldIntercept reports whether the CONNECT target host gets TLS
// interception rather than a raw tunnel.
func (ti *TLSInspector) ShouldIntercept(host string) bool {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	if !ti.enabled || ti.certs == nil {
		return false
	}
	return !ti.isBypassedLocked(host)
}

// Certs returns the cert cache used for minting leaf certificates.
func (ti *TLSInspector) Certs() *CertCache {
	return ti.certs
}

// isBypassedLocked checks host against the bypass list. Caller holds at
// least a read lock.
func (ti *TLSInspector) isBypassedLocked(host string) bool {
	if ti.bypassSet[host] {
		return true
	}
	// "*.suffix" matches host == suffix or any subdomain of it
	for _, suffix := range ti.bypassGlobs {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// parseBypassListLocked splits entries into exact matches and wildcard
// suffixes. Caller holds the write lock (or is the constructor).
func (ti *TLSInspector) parseBypassListLocked(hosts []string) {
	ti.bypassSet = make(map[string]bool, len(hosts))
	ti.bypassGlobs = nil

	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if strings.HasPrefix(h, "*.") {
			ti.bypassGlobs = append(ti.bypassGlobs, h[2:])
		} else {
			ti.bypassSet[h] = true
		}
	}
}
