package policy

import "net"

// blockedIPv4Ranges is the exact reject list of spec.md §4.7(5).
var blockedIPv4Ranges = mustParseCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10",
	"255.0.0.0/8",
)

// blockedIPv6Ranges is the IPv6 half of the same list.
var blockedIPv6Ranges = mustParseCIDRs(
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("policy: invalid built-in CIDR " + c + ": " + err.Error())
		}
		out = append(out, n)
	}
	return out
}

// isBlockedRange reports whether ip falls in one of the ranges spec.md
// §4.7(5) names, including IPv4-mapped IPv6 addresses for any IPv4 range
// ("plus IPv4-mapped IPv6 for any of the above") and the bare
// unspecified-address case ("::").
func isBlockedRange(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsUnspecified() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		for _, n := range blockedIPv4Ranges {
			if n.Contains(v4) {
				return true
			}
		}
		return false
	}
	for _, n := range blockedIPv6Ranges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
