package netstack

import (
	"net"
	"sync"
	"time"
)

// arpEntry records when a MAC was last observed for an IPv4 address.
type arpEntry struct {
	mac     macAddr
	learned time.Time
}

// arpTableTTL bounds how long a learned mapping is trusted before it must
// be relearned from a fresh ARP exchange.
const arpTableTTL = 5 * time.Minute

// ArpTable maps IPv4 addresses to MAC addresses, with insertion timestamps
// so stale entries age out rather than being trusted forever.
type ArpTable struct {
	mu      sync.Mutex
	entries map[[4]byte]arpEntry
}

func newArpTable() *ArpTable {
	return &ArpTable{entries: make(map[[4]byte]arpEntry)}
}

// Insert records (or refreshes) the MAC seen for ip.
func (t *ArpTable) Insert(ip [4]byte, mac macAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[ip] = arpEntry{mac: mac, learned: time.Now()}
}

// Lookup returns the MAC for ip if a non-expired entry exists.
func (t *ArpTable) Lookup(ip [4]byte) (net.HardwareAddr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ip]
	if !ok || time.Since(e.learned) > arpTableTTL {
		return nil, false
	}
	return macFromUint64(e.mac), true
}

// AgeOut removes entries older than arpTableTTL. Intended to be called
// periodically by a background task.
func (t *ArpTable) AgeOut() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for ip, e := range t.entries {
		if now.Sub(e.learned) > arpTableTTL {
			delete(t.entries, ip)
		}
	}
}

// Snapshot returns a copy of the table for diagnostics.
func (t *ArpTable) Snapshot() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.entries))
	for ip, e := range t.entries {
		out[net.IP(ip[:]).String()] = macFromUint64(e.mac).String()
	}
	return out
}
