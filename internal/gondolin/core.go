// Package gondolin is the top-level control-plane orchestrator: it wires
// internal/netstack, internal/classify, internal/mitm, internal/policy and
// internal/httpintercept into the single cooperative scheduler described by
// spec.md §5, and exposes the upward/downward interfaces of §6.
package gondolin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gondolin-dev/gondolin/internal/classify"
	"github.com/gondolin-dev/gondolin/internal/httpintercept"
	"github.com/gondolin-dev/gondolin/internal/mitm"
	"github.com/gondolin-dev/gondolin/internal/netstack"
	"github.com/gondolin-dev/gondolin/internal/policy"
)

// Core is one VM instance's network interception plane.
type Core struct {
	log    *slog.Logger
	cfg    Config
	stack  *netstack.NetStack
	policy *policy.State
	term   *mitm.Terminator
	interceptPlain *httpintercept.Interceptor
	interceptTLS   *httpintercept.Interceptor
	resolver       httpintercept.OriginResolver

	group  *errgroup.Group
	cancel context.CancelFunc
}

// resolverFunc adapts a function to httpintercept.OriginResolver.
type resolverFunc func(ctx context.Context, hostname string) ([]net.IP, error)

func (f resolverFunc) Resolve(ctx context.Context, hostname string) ([]net.IP, error) {
	return f(ctx, hostname)
}

// New builds a Core from cfg. It does not start accepting connections;
// call Run for that.
func New(log *slog.Logger, cfg Config) (*Core, error) {
	if log == nil {
		log = slog.Default()
	}

	polSt, err := policy.NewState(cfg.Policy, policy.Options{
		IsIPAllowed:      cfg.IsIPAllowed,
		IsRequestAllowed: cfg.IsRequestAllowed,
	})
	if err != nil {
		return nil, fmt.Errorf("gondolin: build policy: %w", err)
	}

	var ca *mitm.CA
	if cfg.CACertPath != "" && cfg.CAKeyPath != "" {
		ca, err = mitm.LoadOrCreateCA(cfg.CACertPath, cfg.CAKeyPath)
	} else {
		ca, err = mitm.NewCA()
	}
	if err != nil {
		return nil, fmt.Errorf("gondolin: build ca: %w", err)
	}

	term, err := mitm.NewTerminator(log, ca, cfg.CertCacheSize)
	if err != nil {
		return nil, fmt.Errorf("gondolin: build tls terminator: %w", err)
	}

	resolver := newHostResolver()
	stack := netstack.New(log)

	core := &Core{
		log:      log,
		cfg:      cfg,
		stack:    stack,
		policy:   polSt,
		term:     term,
		resolver: resolver,
	}
	// Both interceptors resolve through core.resolver at call time, so they
	// and admittedIPs always use the same resolver.
	originResolver := resolverFunc(func(ctx context.Context, hostname string) ([]net.IP, error) {
		return core.resolver.Resolve(ctx, hostname)
	})
	core.interceptPlain = httpintercept.NewInterceptor(log, polSt, cfg.HTTPHooks, originResolver, core.httpClient("http"))
	core.interceptTLS = httpintercept.NewInterceptor(log, polSt, cfg.HTTPHooks, originResolver, core.httpClient("https"))

	stack.SetSynAdmission(core.synAdmit)
	stack.SetDNSAdmission(polSt.HostAllowed)

	if cfg.DebugHTTPAddr != "" {
		if err := stack.EnableDebugHTTP(cfg.DebugHTTPAddr); err != nil {
			return nil, fmt.Errorf("gondolin: enable debug http: %w", err)
		}
	}

	return core, nil
}

// NetStack exposes the underlying stack so the hypervisor-side virtio-net
// backend (out of this repository's scope) can attach an interface.
func (c *Core) NetStack() *netstack.NetStack {
	return c.stack
}

// CAPEM exports the MITM CA's public certificate, spec.md §6 "Upward — CA
// material".
func (c *Core) CAPEM() []byte {
	return c.term.CA().PEM()
}

// Env returns the placeholder environment the guest should see, spec.md
// §6 "Returned env: map<name, placeholder>".
func (c *Core) Env() map[string]string {
	return c.policy.Env()
}

// Run starts the DHCP/DNS servers and the flow-accept loop, and blocks
// until ctx is canceled or an unrecoverable error occurs. Every per-
// connection task is supervised by an errgroup so Close cancels and joins
// them all (spec.md §5: "closing the VM cancels all tasks").
func (c *Core) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	c.group = group

	if err := c.stack.StartDHCPServer(); err != nil {
		cancel()
		return fmt.Errorf("gondolin: start dhcp: %w", err)
	}
	if err := c.stack.StartDNSServer(); err != nil {
		cancel()
		return fmt.Errorf("gondolin: start dns: %w", err)
	}

	group.Go(func() error {
		for {
			conn, err := c.stack.AcceptFlow(gctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("gondolin: accept flow: %w", err)
			}
			group.Go(func() error {
				c.handleConn(gctx, conn)
				return nil
			})
		}
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close cancels every in-flight task and waits for them to release their
// TCP state, TLS sessions, and outstanding upstream requests.
func (c *Core) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.stack.StopDNSServer()
	if c.group != nil {
		_ = c.group.Wait()
	}
	return c.stack.Close()
}

// synAdmit implements the optional SYN-time admission check of spec.md
// §4.4: only a destination that's a known synthetic IP (one the DNS stub
// already bound to an admitted hostname) is allowed through to SYN_RECEIVED
// at all. Anything else — the guest probing a raw IP it never resolved
// through our DNS stub — is refused before a connection object is even
// created.
func (c *Core) synAdmit(dstIP net.IP, _ uint16) bool {
	hostname, ok := c.stack.Names().ReverseLookup(dstIP)
	if !ok {
		return false
	}
	return c.policy.HostAllowed(hostname)
}

// handleConn classifies one accepted flow and dispatches it to the TLS
// MITM path or the plaintext HTTP path. Errors are logged, never panicked;
// a single bad flow must not take down the VM (spec.md §7).
func (c *Core) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	pc := newPeekConn(conn)
	_ = conn.SetReadDeadline(time.Now().Add(classify.GraceTimeout))
	verdict, err := classify.Classify(pc.Reader())
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		c.log.Debug("gondolin: dropping unclassified flow", "err", err)
		return
	}

	switch verdict {
	case classify.PlaintextHTTP:
		if err := c.interceptPlain.Serve(ctx, pc, "http"); err != nil {
			c.log.Debug("gondolin: plaintext http flow ended", "err", err)
		}
	case classify.TLS:
		c.handleTLS(ctx, pc)
	default:
		c.log.Debug("gondolin: dropped flow", "verdict", verdict)
	}
}

func (c *Core) handleTLS(ctx context.Context, pc *peekConn) {
	sni, err := mitm.PeekSNI(pc.Reader())
	if err != nil {
		c.log.Debug("gondolin: tls flow without parseable SNI", "err", err)
		return
	}

	if !c.admitSNI(ctx, sni) {
		c.log.Info("gondolin: tls handshake refused by admission", "sni", sni)
		return
	}

	tlsConn, err := c.term.Handshake(ctx, pc, sni)
	if err != nil {
		c.log.Debug("gondolin: guest tls handshake failed", "sni", sni, "err", err)
		return
	}
	defer tlsConn.Close()

	if err := c.interceptTLS.Serve(ctx, tlsConn, "https"); err != nil {
		c.log.Debug("gondolin: tls http flow ended", "sni", sni, "err", err)
	}
}

// admitSNI implements spec.md §4.6 steps 1-2: resolve the SNI hostname via
// host DNS now, then consult admission for each candidate IP.
func (c *Core) admitSNI(ctx context.Context, sni string) bool {
	_, err := c.admittedIPs(ctx, sni)
	return err == nil
}

// httpClient builds the host HTTP client used to replay requests for one
// scheme. Its Transport dials via resolver itself and re-checks admission
// on every dial, so a followed redirect to a new host (handled by
// httpintercept's own redirect loop) gets the identical check as the
// original request.
func (c *Core) httpClient(scheme string) *http.Client {
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ip, err := c.admittedIP(ctx, host)
		if err != nil {
			return nil, err
		}
		d := &net.Dialer{}
		return d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
	}

	transport := &http.Transport{DialContext: dial}
	if scheme == "https" {
		transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			port, err := parsePort(portStr)
			if err != nil {
				return nil, err
			}
			ips, err := c.admittedIPs(ctx, host)
			if err != nil {
				return nil, err
			}
			return mitm.DialOrigin(ctx, ips, port, host)
		}
	}
	return &http.Client{Transport: transport}
}

// admittedIP resolves hostname now (never trusting any earlier guest-side
// DNS answer) and returns the first candidate that passes admission.
func (c *Core) admittedIP(ctx context.Context, hostname string) (net.IP, error) {
	ips, err := c.admittedIPs(ctx, hostname)
	if err != nil {
		return nil, err
	}
	return ips[0], nil
}

// admittedIPs resolves hostname now and returns every candidate address
// that passes admission, in resolver order, for callers (mitm.DialOrigin)
// that want to try more than one candidate.
func (c *Core) admittedIPs(ctx context.Context, hostname string) ([]net.IP, error) {
	ips, err := c.resolver.Resolve(ctx, hostname)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", hostname, err)
	}
	admitted := make([]net.IP, 0, len(ips))
	for _, ip := range ips {
		if c.policy.Admit(hostname, ip) == nil {
			admitted = append(admitted, ip)
		}
	}
	if len(admitted) == 0 {
		return nil, fmt.Errorf("no admitted address for %q", hostname)
	}
	return admitted, nil
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("parse port %q: %w", s, err)
	}
	return uint16(port), nil
}
