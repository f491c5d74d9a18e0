// Package classify inspects the first bytes of a new TCP stream to decide
// whether it carries a TLS ClientHello, a plaintext HTTP/1.x request, or
// neither. It never consumes bytes from the stream: every decision is made
// by peeking a bufio.Reader, so the verdict can be produced and the caller
// can still hand the untouched reader on to the TLS terminator or the HTTP
// parser.
package classify

import (
	"bufio"
	"errors"
	"io"
	"time"
)

// Verdict is the sticky classification of a connection's byte stream.
type Verdict int

const (
	// Unknown means not enough bytes have arrived yet to decide.
	Unknown Verdict = iota
	PlaintextHTTP
	TLS
	Dropped
)

func (v Verdict) String() string {
	switch v {
	case PlaintextHTTP:
		return "plaintext-http"
	case TLS:
		return "tls"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// maxPeek bounds how many bytes we'll buffer before giving up and marking
// the connection Dropped ("a bounded grace... up to the first 16 KiB").
const maxPeek = 16 * 1024

// GraceTimeout is the maximum time a caller lets Classify wait for enough
// bytes. Classify does not enforce it itself: gondolin.Core sets it as the
// connection's read deadline before classifying, and a read that fails on
// that deadline ends classification with the read's error.
const GraceTimeout = 5 * time.Second

// tlsHandshakeRecordType is the first byte of a TLS handshake record
// (RFC 8446 §5.1); ClientHello is always sent inside one of these.
const tlsHandshakeRecordType = 0x16

// httpMethods is the set of request-line tokens recognized as plaintext
// HTTP; anything else (including a method we don't know) is not classified
// as plaintext-http, matching spec.md's "known HTTP method token".
var httpMethods = []string{
	"GET", "HEAD", "POST", "PUT", "DELETE", "CONNECT", "OPTIONS", "TRACE", "PATCH",
}

// ErrDropped is returned by Classify, together with Dropped, when the bytes
// seen rule out both protocols, or the stream ended or filled the byte
// budget before it could be classified.
var ErrDropped = errors.New("classify: stream is neither http nor tls")

// Classify peeks r (which must support Peek, e.g. *bufio.Reader) until it
// can confidently decide plaintext-http, tls, or give up as dropped. It
// never advances the reader. Classify takes no deadline of its own: it
// blocks for as long as the reader's underlying Read does and spawns no
// timers, so the caller bounds the wait with a read/connection deadline.
func Classify(r *bufio.Reader) (Verdict, error) {
	for n := 1; n <= maxPeek; n = nextPeekSize(n) {
		b, err := r.Peek(n)
		if len(b) > 0 {
			if v := classifyPrefix(b); v != Unknown {
				if v == Dropped {
					return Dropped, ErrDropped
				}
				return v, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, bufio.ErrBufferFull) {
				return Dropped, ErrDropped
			}
			return Unknown, err
		}
	}
	return Dropped, ErrDropped
}

func nextPeekSize(n int) int {
	if n < 16 {
		return n + 1
	}
	if n*2 > maxPeek {
		return maxPeek + 1
	}
	return n * 2
}

// classifyPrefix returns a non-Unknown verdict as soon as the prefix
// unambiguously matches one of the two protocols, or Unknown if more bytes
// are needed before a safe decision can be made.
func classifyPrefix(b []byte) Verdict {
	if b[0] == tlsHandshakeRecordType {
		// Record type 0x16 is TLS handshake; ASCII HTTP method tokens never
		// start with this byte, so the tie-break in spec.md §4.5 is moot in
		// practice, but we still require at least the 5-byte record header
		// (type, version-major, version-minor, length-hi, length-lo) before
		// treating it as a confirmed TLS verdict.
		if len(b) < 5 {
			return Unknown
		}
		return TLS
	}

	couldStillMatch := false
	for _, m := range httpMethods {
		n := len(m)
		if len(b) < n {
			if foldEqual(m[:len(b)], b) {
				couldStillMatch = true
			}
			continue
		}
		if foldEqual(m, b[:n]) {
			if len(b) == n {
				couldStillMatch = true // need to see the trailing space
				continue
			}
			if b[n] == ' ' {
				return PlaintextHTTP
			}
		}
	}
	if couldStillMatch {
		return Unknown
	}

	// Every known method token has been ruled out as a prefix and it's not
	// a TLS record: it's not one of ours.
	return Dropped
}

func foldEqual(method string, b []byte) bool {
	if len(method) != len(b) {
		return false
	}
	for i := 0; i < len(b); i++ {
		if upper(b[i]) != method[i] {
			return false
		}
	}
	return true
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}
