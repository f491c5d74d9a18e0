package gondolin

import (
	"context"
	"net"
)

// hostResolver is the real, lazy-at-connect-time DNS resolution spec.md
// §4.6 step 1 and §4.3 require: the host's own resolver, never the guest's
// earlier DNS answer.
type hostResolver struct {
	resolver *net.Resolver
}

func newHostResolver() *hostResolver {
	return &hostResolver{resolver: net.DefaultResolver}
}

// Resolve implements httpintercept.OriginResolver and is also used directly
// by the TLS MITM path (§4.6 step 1).
func (r *hostResolver) Resolve(ctx context.Context, hostname string) ([]net.IP, error) {
	addrs, err := r.resolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}
