package httpintercept

import (
	"bytes"
	"io"
)

// BodyReader is the interface HttpRequest.Body satisfies, whether it's a
// live stream off the connection or a fully buffered copy.
type BodyReader interface {
	io.Reader
	io.Closer
}

// streamingBody wraps the connection's io.Reader directly; reading from it
// consumes bytes the guest is still sending.
type streamingBody struct {
	io.Reader
}

func (streamingBody) Close() error { return nil }

// bufferedBody is a fully materialized copy of the request body, used once
// an onRequest hook needs random access / mutation before replay.
type bufferedBody struct {
	*bytes.Reader
}

func (bufferedBody) Close() error { return nil }

// maxBufferedBodySize bounds how much of a request body bufferBody will
// hold in memory, spec.md §4.7(3) "(subject to a size cap)".
const maxBufferedBodySize = 10 << 20 // 10 MiB

// bufferBody reads up to maxBufferedBodySize bytes of r and returns a
// bufferedBody backed by the copy, or an error if the body is larger.
func bufferBody(r io.Reader) (*bufferedBody, error) {
	limited := io.LimitReader(r, maxBufferedBodySize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxBufferedBodySize {
		return nil, io.ErrShortBuffer
	}
	return &bufferedBody{Reader: bytes.NewReader(data)}, nil
}
