package mitm

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// leafTTL bounds how long a minted leaf is trusted before a fresh one is
// minted on next lookup, spec.md §4.6 "short-lived (<= implementation-
// defined weeks) leaf".
const leafTTL = 14 * 24 * time.Hour

// defaultCertCacheSize is the number of distinct SNI hostnames the cache
// keeps before evicting the least recently used entry.
const defaultCertCacheSize = 4096

type certEntry struct {
	tlsCert  tls.Certificate
	x509Cert *x509.Certificate
	mintedAt time.Time
	pins     int
}

// CertCache is a bounded SNI -> leaf certificate cache with LRU eviction and
// a pin count so a certificate in use by an in-flight handshake is never
// evicted out from under it (spec.md §3 CertCache, testable property 5).
type CertCache struct {
	lru *lru.Cache[string, *certEntry]
	ca  *CA
}

// NewCertCache builds a cache of the given size backed by ca for minting.
// Entries that are still pinned (an in-flight handshake is using them) when
// the LRU would otherwise evict them are immediately re-admitted, so a
// handshake in progress never loses its certificate mid-flight. Each such
// re-admission grows the cache's capacity by one so that it evicts nothing
// else; the capacity is not shrunk back afterwards.
func NewCertCache(ca *CA, size int) (*CertCache, error) {
	if size <= 0 {
		size = defaultCertCacheSize
	}
	cc := &CertCache{ca: ca}
	c, err := lru.NewWithEvict[string, *certEntry](size, func(sni string, e *certEntry) {
		if e.pins > 0 {
			cc.lru.Resize(cc.lru.Len() + 1)
			cc.lru.Add(sni, e)
		}
	})
	if err != nil {
		return nil, err
	}
	cc.lru = c
	return cc, nil
}

// Acquire returns the leaf certificate for sni, minting (and caching) one
// if needed, and pins it so it cannot be evicted until Release is called.
// Callers MUST call Release exactly once per successful Acquire, once the
// handshake that used the certificate has completed or failed.
func (c *CertCache) Acquire(sni string) (tls.Certificate, error) {
	if e, ok := c.lru.Get(sni); ok && time.Since(e.mintedAt) < leafTTL {
		e.pins++
		return e.tlsCert, nil
	}

	tlsCert, x509Cert, err := c.ca.mintLeaf(sni)
	if err != nil {
		return tls.Certificate{}, err
	}
	e := &certEntry{tlsCert: tlsCert, x509Cert: x509Cert, mintedAt: time.Now(), pins: 1}
	c.lru.Add(sni, e)
	return tlsCert, nil
}

// Release unpins the certificate for sni, allowing it to be evicted again.
func (c *CertCache) Release(sni string) {
	if e, ok := c.lru.Peek(sni); ok && e.pins > 0 {
		e.pins--
	}
}

// Len reports the number of distinct SNI hostnames currently cached.
func (c *CertCache) Len() int {
	return c.lru.Len()
}
