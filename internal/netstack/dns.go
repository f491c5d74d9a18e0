package netstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// syntheticAnswerTTL bounds how long the guest may cache a synthesized A
// answer, spec.md §4.3 ("return the synthetic IP with a short TTL (<=60s)").
const syntheticAnswerTTL = 60

// dnsServer is the stub resolver bound to UDP:53. It never performs real
// resolution itself: every A answer is a synthetic IPv4 address out of
// NameBinding, AAAA and all other query types get an empty NOERROR, and the
// host's own resolution of the real hostname is
// deferred to TCP connect time (internal/mitm, internal/gondolin), which is
// the DNS-rebinding defense spec.md §4.3/§8 requires.
type dnsServer struct {
	log    *slog.Logger
	server *dns.Server
	names  *NameBinding
	admit  func(hostname string) bool
}

// newDNSServer constructs the stub. admit is consulted for every name not
// already bound; returning false answers NXDOMAIN instead of minting a
// synthetic IP (spec.md §4.8, "Admission deny ... NXDOMAIN for DNS").
func newDNSServer(logger *slog.Logger, names *NameBinding, admit func(hostname string) bool, packetConn net.PacketConn) *dnsServer {
	srv := &dnsServer{
		log:   logger,
		names: names,
		admit: admit,
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", srv.handleDNSRequest)

	srv.server = &dns.Server{
		Addr:       ":53",
		Net:        "udp",
		Handler:    mux,
		PacketConn: packetConn,
	}
	return srv
}

func (s *dnsServer) start() {
	go func() {
		if err := s.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("dns: server exited", "err", err)
		}
	}()
}

func (ns *NetStack) StopDNSServer() {
	if ns.dnsServer == nil {
		return
	}
	srv := ns.dnsServer
	ns.dnsServer = nil
	if srv.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_ = srv.server.ShutdownContext(ctx)
		if srv.server.PacketConn != nil {
			_ = srv.server.PacketConn.Close()
		}
	}
}

func (s *dnsServer) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	m.RecursionAvailable = true

	for _, q := range r.Question {
		name := strings.TrimSuffix(q.Name, ".")

		if q.Qtype != dns.TypeA {
			// Every non-A query, AAAA included, gets an empty, authoritative
			// NOERROR rather than a blanket failure; the guest may
			// legitimately probe for AAAA/MX/TXT/etc against names it
			// otherwise resolves fine.
			continue
		}

		ip, ok := s.names.Lookup(name)
		if !ok {
			if s.admit == nil || !s.admit(name) {
				s.log.Debug("dns: admission denied", "name", name)
				m.SetRcode(r, dns.RcodeNameError)
				continue
			}
			allocated, err := s.names.Allocate(name)
			if err != nil {
				s.log.Debug("dns: allocate synthetic ip", "name", name, "err", err)
				m.SetRcode(r, dns.RcodeNameError)
				continue
			}
			ip = allocated
		}

		rr, err := dns.NewRR(fmt.Sprintf("%s %d A %s", q.Name, syntheticAnswerTTL, ip))
		if err != nil {
			s.log.Debug("dns: create rr", "err", err)
			continue
		}
		m.Answer = append(m.Answer, rr)
	}

	_ = w.WriteMsg(m)
}
