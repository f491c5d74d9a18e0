package gondolin

import (
	"bufio"
	"net"
)

// peekConn wraps a net.Conn so Read goes through a shared *bufio.Reader,
// letting classify.Classify and mitm.PeekSNI inspect the stream's prefix
// without losing any bytes for the parser that runs afterward.
type peekConn struct {
	net.Conn
	br *bufio.Reader
}

// peekBufferSize must be large enough to hold a full TLS ClientHello
// record (spec.md §8: "TLS ClientHello split across two TCP segments must
// still classify").
const peekBufferSize = 16 * 1024

func newPeekConn(c net.Conn) *peekConn {
	return &peekConn{Conn: c, br: bufio.NewReaderSize(c, peekBufferSize)}
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.br.Read(b)
}

func (p *peekConn) Reader() *bufio.Reader {
	return p.br
}
