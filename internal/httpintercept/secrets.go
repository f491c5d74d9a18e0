package httpintercept

import (
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"

	"github.com/gondolin-dev/gondolin/internal/policy"
)

// hostMatchesAny reports whether hostname matches at least one of a
// secret's host patterns (the same glob semantics as policy.State's
// allowedHosts, spec.md §4.8).
func hostMatchesAny(hostname string, patterns []string) bool {
	for _, p := range patterns {
		re, err := compileHostGlob(p)
		if err != nil {
			continue
		}
		if re.MatchString(hostname) {
			return true
		}
	}
	return false
}

// compileHostGlob duplicates policy's glob compilation; kept local so
// httpintercept doesn't need to reach into policy's unexported helpers for
// what is, from this package's point of view, a pure string-matching
// utility over data policy already validated.
func compileHostGlob(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range glob {
		if r == '*' {
			b.WriteString(".*")
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// checkSecretExfiltration implements spec.md §4.7 step 2 ("secret
// allowlist defence"): for every secret whose host patterns do NOT match
// the target hostname, scan headers (and, if enabled, the query string)
// for the literal or base64-decoded secret value. A match is a blocked
// request, because the request is about to leave to a host that was never
// authorized to see that secret.
func checkSecretExfiltration(hostname string, header Header, rawQuery string, secrets []policy.SecretEntry, scanQuery bool) error {
	for _, s := range secrets {
		if s.Value == "" || hostMatchesAny(hostname, s.HostPatterns) {
			continue
		}
		if headerLeaksValue(header, s.Value) {
			return blocked("secret %q present in headers to unauthorized host %q", s.Name, hostname)
		}
		if scanQuery && queryLeaksValue(rawQuery, s.Value) {
			return blocked("secret %q present in query to unauthorized host %q", s.Name, hostname)
		}
	}
	return nil
}

func headerLeaksValue(header Header, value string) bool {
	for _, f := range header {
		if strings.Contains(f.Value, value) {
			return true
		}
		if strings.EqualFold(f.Name, "Authorization") || strings.EqualFold(f.Name, "Proxy-Authorization") {
			if decoded, ok := decodeBasicAuth(f.Value); ok && strings.Contains(decoded, value) {
				return true
			}
		}
	}
	return false
}

func queryLeaksValue(rawQuery string, value string) bool {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return strings.Contains(rawQuery, value)
	}
	for _, vs := range values {
		for _, v := range vs {
			if strings.Contains(v, value) {
				return true
			}
		}
	}
	return false
}

// substitutePlaceholders implements spec.md §4.7 step 4: replace each
// secret's placeholder with its real value in headers (and, if enabled,
// the query), gated per-secret by the same host allowlist used for
// exfiltration defense. A placeholder present for a host the secret isn't
// allowed to reach fails the request outright rather than forwarding the
// placeholder verbatim (which would break the upstream request silently).
func substitutePlaceholders(hostname string, header *Header, u *url.URL, secrets []policy.SecretEntry, scanQuery bool) error {
	for _, s := range secrets {
		if s.Placeholder == "" {
			continue
		}
		allowed := hostMatchesAny(hostname, s.HostPatterns)

		used := false
		for i, f := range *header {
			if !strings.Contains(f.Value, s.Placeholder) {
				continue
			}
			used = true
			if !allowed {
				return blocked("secret %q placeholder present for unauthorized host %q", s.Name, hostname)
			}
			(*header)[i].Value = strings.ReplaceAll(f.Value, s.Placeholder, s.Value)
		}

		if name := canonicalAuthHeaderName(*header); name != "" {
			val := header.Get(name)
			if decoded, ok := decodeBasicAuth(val); ok && strings.Contains(decoded, s.Placeholder) {
				used = true
				if !allowed {
					return blocked("secret %q placeholder present in Basic auth for unauthorized host %q", s.Name, hostname)
				}
				header.Set(name, encodeBasicAuth(strings.ReplaceAll(decoded, s.Placeholder, s.Value)))
			}
		}

		if scanQuery && u != nil && strings.Contains(u.RawQuery, s.Placeholder) {
			used = true
			if !allowed {
				return blocked("secret %q placeholder present in query for unauthorized host %q", s.Name, hostname)
			}
			u.RawQuery = strings.ReplaceAll(u.RawQuery, s.Placeholder, s.Value)
		}
		_ = used
	}
	return nil
}

func canonicalAuthHeaderName(header Header) string {
	for _, f := range header {
		if strings.EqualFold(f.Name, "Authorization") {
			return f.Name
		}
	}
	return ""
}

func decodeBasicAuth(value string) (string, bool) {
	const prefix = "Basic "
	if len(value) <= len(prefix) || !strings.EqualFold(value[:len(prefix)], prefix) {
		return "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(value[len(prefix):])
	if err != nil {
		return "", false
	}
	return string(decoded), true
}

func encodeBasicAuth(creds string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}
