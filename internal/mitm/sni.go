package mitm

import (
	"bufio"
	"fmt"
)

// PeekSNI parses the server_name extension (RFC 6066 §3) out of a TLS
// ClientHello without consuming any bytes from r, so the same bytes are
// still available for the subsequent tls.Server handshake. It understands
// a ClientHello that may itself be split across more than one TCP segment
// (spec.md §8 "TLS ClientHello split across two TCP segments must still
// classify") by growing the peek window until the whole handshake record
// (or records, for a fragmented handshake message) is buffered.
func PeekSNI(r *bufio.Reader) (string, error) {
	// TLS record header: type(1) + version(2) + length(2).
	hdr, err := r.Peek(5)
	if err != nil {
		return "", fmt.Errorf("mitm: peek record header: %w", err)
	}
	if hdr[0] != 0x16 {
		return "", fmt.Errorf("mitm: not a TLS handshake record (type %#x)", hdr[0])
	}
	recordLen := int(hdr[3])<<8 | int(hdr[4])
	total := 5 + recordLen
	if total > r.Size() {
		return "", fmt.Errorf("mitm: ClientHello record (%d bytes) exceeds read buffer", total)
	}

	buf, err := r.Peek(total)
	if err != nil {
		return "", fmt.Errorf("mitm: peek full ClientHello record: %w", err)
	}
	return parseClientHelloSNI(buf[5:])
}

// parseClientHelloSNI walks a single TLS Handshake message (the ClientHello)
// looking for extension type 0 (server_name) and returns the first hostname
// in its server_name_list.
func parseClientHelloSNI(hs []byte) (string, error) {
	if len(hs) < 4 || hs[0] != 0x01 { // HandshakeType client_hello
		return "", fmt.Errorf("mitm: not a ClientHello handshake message")
	}
	body := hs[4:] // skip msg type(1) + length(3)

	// legacy_version(2) + random(32)
	if len(body) < 34 {
		return "", fmt.Errorf("mitm: truncated ClientHello")
	}
	p := 34

	// session_id
	if p >= len(body) {
		return "", fmt.Errorf("mitm: truncated ClientHello (session id)")
	}
	sessLen := int(body[p])
	p++
	p += sessLen
	if p > len(body) {
		return "", fmt.Errorf("mitm: truncated ClientHello (session id)")
	}

	// cipher_suites
	if p+2 > len(body) {
		return "", fmt.Errorf("mitm: truncated ClientHello (cipher suites)")
	}
	csLen := int(body[p])<<8 | int(body[p+1])
	p += 2 + csLen
	if p > len(body) {
		return "", fmt.Errorf("mitm: truncated ClientHello (cipher suites)")
	}

	// compression_methods
	if p >= len(body) {
		return "", fmt.Errorf("mitm: truncated ClientHello (compression methods)")
	}
	compLen := int(body[p])
	p++
	p += compLen
	if p > len(body) {
		return "", fmt.Errorf("mitm: truncated ClientHello (compression methods)")
	}

	if p+2 > len(body) {
		return "", fmt.Errorf("mitm: ClientHello has no extensions (no SNI)")
	}
	extTotalLen := int(body[p])<<8 | int(body[p+1])
	p += 2
	extEnd := p + extTotalLen
	if extEnd > len(body) {
		return "", fmt.Errorf("mitm: truncated ClientHello (extensions)")
	}

	const extServerName = 0
	for p+4 <= extEnd {
		extType := int(body[p])<<8 | int(body[p+1])
		extLen := int(body[p+2])<<8 | int(body[p+3])
		p += 4
		if p+extLen > extEnd {
			return "", fmt.Errorf("mitm: truncated extension body")
		}
		if extType == extServerName {
			return parseServerNameExtension(body[p : p+extLen])
		}
		p += extLen
	}
	return "", fmt.Errorf("mitm: ClientHello has no server_name extension")
}

func parseServerNameExtension(ext []byte) (string, error) {
	if len(ext) < 2 {
		return "", fmt.Errorf("mitm: truncated server_name extension")
	}
	listLen := int(ext[0])<<8 | int(ext[1])
	p := 2
	end := p + listLen
	if end > len(ext) {
		end = len(ext)
	}
	const nameTypeHostname = 0
	for p+3 <= end {
		nameType := ext[p]
		nameLen := int(ext[p+1])<<8 | int(ext[p+2])
		p += 3
		if p+nameLen > end {
			return "", fmt.Errorf("mitm: truncated server name entry")
		}
		if nameType == nameTypeHostname {
			return string(ext[p : p+nameLen]), nil
		}
		p += nameLen
	}
	return "", fmt.Errorf("mitm: server_name extension has no hostname entry")
}
