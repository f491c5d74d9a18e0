// Package httpintercept parses HTTP/1.x requests off an intercepted
// bytestream (plaintext, or already decrypted by internal/mitm), runs
// policy admission and secret substitution, replays the request through a
// host HTTP client, and streams the response back to the guest.
package httpintercept

import (
	"fmt"
	"net/url"
	"strings"
)

// HeaderField is one header line, kept in arrival order so emission can
// preserve it exactly (spec.md §3 "header map (case-insensitive keys,
// order preserved on emission)").
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered, case-insensitive multimap of header fields.
type Header []HeaderField

// Get returns the first value for name (case-insensitive), or "".
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name, in arrival order.
func (h Header) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Set replaces all existing values for name with a single value,
// preserving the position of the first existing occurrence (or appending
// if name is new).
func (h *Header) Set(name, value string) {
	for i, f := range *h {
		if strings.EqualFold(f.Name, name) {
			(*h)[i].Value = value
			h.removeAllBut(name, i)
			return
		}
	}
	*h = append(*h, HeaderField{Name: name, Value: value})
}

func (h *Header) removeAllBut(name string, keep int) {
	out := (*h)[:0:0]
	for i, f := range *h {
		if i == keep || !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	*h = out
}

// Add appends a new header field, never replacing an existing one.
func (h *Header) Add(name, value string) {
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Del removes every field matching name.
func (h *Header) Del(name string) {
	out := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	*h = out
}

// Clone returns an independent copy.
func (h Header) Clone() Header {
	out := make(Header, len(h))
	copy(out, h)
	return out
}

// HttpRequest is the parsed, mutable view of one HTTP/1.x request handed to
// the policy hooks, spec.md §3.
type HttpRequest struct {
	Method string
	URL    *url.URL
	Header Header
	Proto  string

	// Body is nil for requests with no body, a streaming io.Reader-backed
	// body when no onRequest hook is registered, or a fully buffered
	// []byte-backed body when one is (spec.md §3's "streamed or fully
	// buffered (buffered iff an onRequest hook is registered)").
	Body BodyReader

	// ContentLength mirrors the parsed Content-Length header, or -1 if the
	// body is chunked/unknown length.
	ContentLength int64
}

// reconstructURL builds the absolute URL from the Host header and the
// request target, spec.md §4.7 ("reconstructs absolute URL using scheme
// ... Host header, and request target").
func reconstructURL(scheme, host, target string) (*url.URL, error) {
	if target == "" {
		return nil, fmt.Errorf("httpintercept: empty request target")
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return url.Parse(target)
	}
	if host == "" {
		return nil, fmt.Errorf("httpintercept: missing Host header")
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("httpintercept: parse request target %q: %w", target, err)
	}
	u.Scheme = scheme
	u.Host = host
	return u, nil
}
