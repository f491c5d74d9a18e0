package mitm

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// HandshakeTimeout bounds how long the guest-facing TLS handshake may take,
// spec.md §5 "TLS handshake <= 30 s".
const HandshakeTimeout = 30 * time.Second

// Terminator completes the guest-facing half of a MITM'd TLS flow: it mints
// (or reuses) a leaf certificate for the SNI extracted by PeekSNI and
// presents it to the guest, then hands back a *tls.Conn the caller can read
// plaintext HTTP from.
type Terminator struct {
	log   *slog.Logger
	ca    *CA
	cache *CertCache
}

// NewTerminator builds a Terminator backed by ca, caching up to cacheSize
// leaf certificates (0 selects a sensible default).
func NewTerminator(log *slog.Logger, ca *CA, cacheSize int) (*Terminator, error) {
	cache, err := NewCertCache(ca, cacheSize)
	if err != nil {
		return nil, fmt.Errorf("mitm: new terminator: %w", err)
	}
	return &Terminator{log: log, ca: ca, cache: cache}, nil
}

// CA exposes the underlying certificate authority, for exporting its public
// PEM per spec.md §6 ("Upward -- CA material").
func (t *Terminator) CA() *CA {
	return t.ca
}

// Handshake completes a TLS server handshake with the guest over conn,
// presenting a leaf certificate for sni. The certificate stays pinned in
// the cache for the duration of the handshake and is released whether the
// handshake succeeds or fails.
func (t *Terminator) Handshake(ctx context.Context, conn net.Conn, sni string) (*tls.Conn, error) {
	leaf, err := t.cache.Acquire(sni)
	if err != nil {
		return nil, fmt.Errorf("mitm: acquire leaf for %q: %w", sni, err)
	}
	defer t.cache.Release(sni)

	cfg := &tls.Config{
		Certificates: []tls.Certificate{leaf},
		MinVersion:   tls.VersionTLS12,
	}

	deadline := time.Now().Add(HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("mitm: set handshake deadline: %w", err)
	}

	tlsConn := tls.Server(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("mitm: guest handshake for %q: %w", sni, err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		t.log.Warn("mitm: clear deadline after handshake", "err", err)
	}
	return tlsConn, nil
}

// DialOrigin opens a real TLS connection to one of candidateIPs on port,
// using sni as the TLS ServerName, and returns the first connection that
// completes a successful handshake. Each candidate has already passed
// admission by the time DialOrigin is called (spec.md §4.6 step 2).
func DialOrigin(ctx context.Context, candidateIPs []net.IP, port uint16, sni string) (*tls.Conn, error) {
	var lastErr error
	for _, ip := range candidateIPs {
		addr := net.JoinHostPort(ip.String(), fmt.Sprint(port))
		d := &net.Dialer{}
		raw, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		conn := tls.Client(raw, &tls.Config{ServerName: sni, MinVersion: tls.VersionTLS12})
		if err := conn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			lastErr = fmt.Errorf("origin handshake to %s: %w", addr, err)
			continue
		}
		return conn, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("mitm: no candidate IPs for %q", sni)
	}
	return nil, fmt.Errorf("mitm: dial origin %q: %w", sni, lastErr)
}
