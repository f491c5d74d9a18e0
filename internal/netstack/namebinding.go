package netstack

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/idna"
)

// syntheticPoolBase/syntheticPoolSize bound the private IPv4 pool that
// NameBinding hands out as DNS answers, spec.md §3/§4.3. 100.64.0.0/10 is
// shared address space, never routed by the host, so collisions with real
// guest-visible addresses are impossible.
var syntheticPoolBase = [4]byte{100, 64, 0, 1}

const syntheticPoolSize = 1 << 16

// NameBinding is the bijective hostname<->synthetic-IPv4 map the DNS stub
// and TLS MITM layer consult. Entries live for the VM's lifetime; a
// hostname that is ever blocked is never reused for a different mapping.
type NameBinding struct {
	mu       sync.Mutex
	byName   map[string][4]byte
	byIP     map[[4]byte]string
	blocked  map[string]bool
	next     uint32
	idnaProf *idna.Profile
}

func newNameBinding() *NameBinding {
	return &NameBinding{
		byName:   make(map[string][4]byte),
		byIP:     make(map[[4]byte]string),
		blocked:  make(map[string]bool),
		idnaProf: idna.New(idna.MapForLookup(), idna.Transitional(false)),
	}
}

// fold lowercases and IDNA-normalizes a hostname for use as a map key.
func (nb *NameBinding) fold(hostname string) (string, error) {
	folded, err := nb.idnaProf.ToUnicode(hostname)
	if err != nil {
		return "", fmt.Errorf("namebinding: fold %q: %w", hostname, err)
	}
	return folded, nil
}

// Lookup returns the synthetic IPv4 already bound to hostname, if any.
func (nb *NameBinding) Lookup(hostname string) (net.IP, bool) {
	folded, err := nb.fold(hostname)
	if err != nil {
		return nil, false
	}
	nb.mu.Lock()
	defer nb.mu.Unlock()
	ip, ok := nb.byName[folded]
	if !ok {
		return nil, false
	}
	return net.IP(ip[:]), true
}

// Allocate returns the existing synthetic IP for hostname, or mints a fresh
// one from the private pool and records the bijection. Returns an error if
// the pool is exhausted or hostname was previously marked Block.
func (nb *NameBinding) Allocate(hostname string) (net.IP, error) {
	folded, err := nb.fold(hostname)
	if err != nil {
		return nil, err
	}

	nb.mu.Lock()
	defer nb.mu.Unlock()

	if nb.blocked[folded] {
		return nil, fmt.Errorf("namebinding: %q is blocked", hostname)
	}
	if ip, ok := nb.byName[folded]; ok {
		return net.IP(ip[:]), nil
	}
	if int(nb.next) >= syntheticPoolSize {
		return nil, fmt.Errorf("namebinding: synthetic address pool exhausted")
	}

	ip := offsetIPv4(syntheticPoolBase, nb.next)
	nb.next++
	nb.byName[folded] = ip
	nb.byIP[ip] = folded
	return net.IP(ip[:]), nil
}

// Block marks hostname so it can never again be (re)allocated a synthetic
// IP, and removes any existing mapping. Used when the policy layer denies a
// name permanently (e.g. after it resolves to an internal range).
func (nb *NameBinding) Block(hostname string) {
	folded, err := nb.fold(hostname)
	if err != nil {
		return
	}
	nb.mu.Lock()
	defer nb.mu.Unlock()
	nb.blocked[folded] = true
	if ip, ok := nb.byName[folded]; ok {
		delete(nb.byIP, ip)
		delete(nb.byName, folded)
	}
}

// ReverseLookup returns the hostname bound to a synthetic IPv4, as consulted
// by the TLS MITM and TCP catch-all acceptor to recover the origin name for
// a guest-initiated connection.
func (nb *NameBinding) ReverseLookup(ip net.IP) (string, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return "", false
	}
	var key [4]byte
	copy(key[:], v4)
	nb.mu.Lock()
	defer nb.mu.Unlock()
	name, ok := nb.byIP[key]
	return name, ok
}

func offsetIPv4(base [4]byte, n uint32) [4]byte {
	v := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	v += n
	return [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
