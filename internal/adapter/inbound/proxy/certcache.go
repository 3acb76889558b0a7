package proxy

import (
	"crypto/tls"
	"log/slog"
	"sync"
	"time"
)

// maxCachedCerts bounds the cache. A forward proxy sees arbitrary host
// cardinality, so unlike a fixed upstream set the cache cannot be left
// to grow with traffic.
const maxCachedCerts = 1024

type cacheEntry struct {
	cert      *tls.Certificate
	expiresAt time.Time
}

// CertCache is a thread-safe per-host leaf certificate cache in front of
// a CAManager. Expired entries are re-minted on next access; when the
// cache is full, inserting sweeps expired entries and then evicts the
// soonest-expiring one.
//
// Read lock for fast-path hits, write lock only when minting.
type CertCache struct {
	mu     sync.RWMutex
	certs  map[string]*cacheEntry
	ca     *CAManager
	ttl    time.Duration
	logger *slog.Logger
}

// NewCertCache creates a CertCache backed by the given CAManager. The ttl
// controls how long minted certificates are reused before regeneration.
func NewCertCache(ca *CAManager, ttl time.Duration, logger *slog.Logger) *CertCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &CertCache{
		certs:  make(map[string]*cacheEntry),
		ca:     ca,
		ttl:    ttl,
		logger: logger,
	}
}

// GetCert returns a leaf certificate for host, minting one on miss or
// after expiry.
func (cc *CertCache) GetCert(host string) (*tls.Certificate, error) {
	now := time.Now()

	cc.mu.RLock()
	entry, ok := cc.certs[host]
	if ok && now.Before(entry.expiresAt) {
		cc.mu.RUnlock()
		return entry.cert, nil
	}
	cc.mu.RUnlock()

	cc.mu.Lock()
	defer cc.mu.Unlock()

	// Another goroutine may have minted while we waited for the lock.
	entry, ok = cc.certs[host]
	if ok && now.Before(entry.expiresAt) {
		return entry.cert, nil
	}

	cc.logger.Debug("minting leaf certificate", "host", host)
	cert, err := cc.ca.GenerateCert(host)
	if err != nil {
		return nil, err
	}

	if !ok && len(cc.certs) >= maxCachedCerts {
		cc.evictLocked(now)
	}
	cc.certs[host] = &cacheEntry{
		cert:      cert,
		expiresAt: now.Add(cc.ttl),
	}
	return cert, nil
}

// evictLocked frees a slot: drop everything expired, and if nothing was,
// drop the entry closest to expiry.
func (cc *CertCache) evictLocked(now time.Time) {
	freed := 0
	for host, entry := range cc.certs {
		if !now.Before(entry.expiresAt) {
			delete(cc.certs, host)
			freed++
		}
	}
	if freed > 0 {
		cc.logger.Debug("evicted expired leaf certificates", "count", freed)
		return
	}

	var victim string
	var soonest time.Time
	for host, entry := range cc.certs {
		if victim == "" || entry.expiresAt.Before(soonest) {
			victim = host
			soonest = entry.expiresAt
		}
	}
	if victim != "" {
		delete(cc.certs, victim)
		cc.logger.Debug("evicted leaf certificate", "host", victim)
	}
}

// Size returns the number of cached certificates.
func (cc *CertCache) Size() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.certs)
}

// Clear drops all cached certificates. Used on CA rotation and bypass
// list changes.
func (cc *CertCache) Clear() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.certs = make(map[string]*cacheEntry)
}
