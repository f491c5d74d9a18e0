package mitm

import (
	"bufio"
	"bytes"
	"testing"
)

// buildClientHello constructs a minimal, syntactically valid TLS 1.2
// ClientHello record carrying a single server_name extension, for testing
// the hand-rolled SNI parser without depending on a real TLS library to
// produce one.
func buildClientHello(sni string) []byte {
	var hs bytes.Buffer
	hs.Write([]byte{0x03, 0x03})          // legacy_version TLS 1.2
	hs.Write(make([]byte, 32))            // random
	hs.WriteByte(0)                       // session_id length
	hs.Write([]byte{0x00, 0x02, 0x13, 0x01}) // cipher_suites: len=2, TLS_AES_128_GCM_SHA256
	hs.Write([]byte{0x01, 0x00})          // compression_methods: len=1, null

	var ext bytes.Buffer
	var nameEntry bytes.Buffer
	nameEntry.WriteByte(0) // name_type: host_name
	nameEntry.WriteByte(byte(len(sni) >> 8))
	nameEntry.WriteByte(byte(len(sni)))
	nameEntry.WriteString(sni)

	var serverNameExt bytes.Buffer
	serverNameExt.WriteByte(byte(nameEntry.Len() >> 8))
	serverNameExt.WriteByte(byte(nameEntry.Len()))
	serverNameExt.Write(nameEntry.Bytes())

	ext.Write([]byte{0x00, 0x00}) // extension type: server_name
	ext.WriteByte(byte(serverNameExt.Len() >> 8))
	ext.WriteByte(byte(serverNameExt.Len()))
	ext.Write(serverNameExt.Bytes())

	hs.WriteByte(byte(ext.Len() >> 8))
	hs.WriteByte(byte(ext.Len()))
	hs.Write(ext.Bytes())

	body := hs.Bytes()
	var handshake bytes.Buffer
	handshake.WriteByte(0x01) // handshake type: client_hello
	handshake.WriteByte(byte(len(body) >> 16))
	handshake.WriteByte(byte(len(body) >> 8))
	handshake.WriteByte(byte(len(body)))
	handshake.Write(body)

	hsBytes := handshake.Bytes()
	var record bytes.Buffer
	record.WriteByte(0x16) // record type: handshake
	record.Write([]byte{0x03, 0x01})
	record.WriteByte(byte(len(hsBytes) >> 8))
	record.WriteByte(byte(len(hsBytes)))
	record.Write(hsBytes)
	return record.Bytes()
}

func TestPeekSNI(t *testing.T) {
	raw := buildClientHello("example.com")
	r := bufio.NewReaderSize(bytes.NewReader(raw), 16*1024)

	sni, err := PeekSNI(r)
	if err != nil {
		t.Fatalf("PeekSNI: %v", err)
	}
	if sni != "example.com" {
		t.Fatalf("got %q, want %q", sni, "example.com")
	}

	// PeekSNI must not have consumed anything.
	rest, err := r.Peek(len(raw))
	if err != nil {
		t.Fatalf("peek after PeekSNI: %v", err)
	}
	if !bytes.Equal(rest, raw) {
		t.Fatalf("PeekSNI consumed bytes from the reader")
	}
}

func TestPeekSNINotHandshakeRecord(t *testing.T) {
	r := bufio.NewReaderSize(bytes.NewReader([]byte("GET / HTTP/1.1\r\n")), 4096)
	if _, err := PeekSNI(r); err == nil {
		t.Fatalf("expected error for non-TLS input")
	}
}
