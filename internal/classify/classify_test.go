package classify

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want Verdict
	}{
		{"get request", []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"), PlaintextHTTP},
		{"lowercase method", []byte("get / HTTP/1.1\r\n\r\n"), PlaintextHTTP},
		{"post request", []byte("POST /submit HTTP/1.1\r\n"), PlaintextHTTP},
		{"connect method", []byte("CONNECT example.com:443 HTTP/1.1\r\n"), PlaintextHTTP},
		{"tls client hello", []byte{0x16, 0x03, 0x01, 0x00, 0xa5, 0x01}, TLS},
		{"garbage", []byte("this is not a protocol we know about at all"), Dropped},
		{"short garbage", []byte("xx"), Dropped},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := bufio.NewReader(bytes.NewReader(tc.in))
			got, err := Classify(r)
			if tc.want == Dropped {
				if err == nil {
					t.Fatalf("expected an error for dropped verdict")
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}

			// Peeking must never consume bytes.
			rest, _ := r.Peek(len(tc.in))
			if !bytes.Equal(rest, tc.in) {
				t.Fatalf("Classify consumed bytes from the reader")
			}
		})
	}
}

func TestClassifySplitClientHello(t *testing.T) {
	full := append([]byte{0x16, 0x03, 0x03, 0x00, 0x10}, bytes.Repeat([]byte{0x01}, 16)...)
	// Deliver only the first 3 bytes; Classify must not guess TLS before it
	// has seen the full 5-byte record header, and the early EOF ends
	// classification with an error.
	r := bufio.NewReader(bytes.NewReader(full[:3]))
	v, err := Classify(r)
	if err == nil {
		t.Fatalf("expected dropped/EOF on a truncated read, got verdict %v", v)
	}

	r2 := bufio.NewReader(bytes.NewReader(full))
	v2, err := Classify(r2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v2 != TLS {
		t.Fatalf("got %v, want TLS", v2)
	}
}

func TestClassifyMethodPrefixCollision(t *testing.T) {
	// "GE" alone could still become "GET "; must not jump to Dropped early.
	r := bufio.NewReader(strings.NewReader("GE"))
	v, err := Classify(r)
	if err == nil {
		t.Fatalf("expected an EOF-driven drop, got verdict %v with no error", v)
	}
}
