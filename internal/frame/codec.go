// Package frame implements the request framing used between the traffic
// client and server: a request starts with two big-endian uint32 fields,
// the total request size and the response size the server must send back.
// The remainder of the request is filler.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is the size of the request header. It counts toward RequestSize.
const HeaderLen = 8

var ErrRequestTooSmall = errors.New("request size smaller than frame header")

// Header is the decoded request prefix.
type Header struct {
	RequestSize  uint32
	ResponseSize uint32
}

// Encode builds a complete request of requestSize bytes.
func Encode(requestSize, responseSize uint32) ([]byte, error) {
	if requestSize < HeaderLen {
		return nil, fmt.Errorf("%w: %d < %d", ErrRequestTooSmall, requestSize, HeaderLen)
	}
	b := make([]byte, requestSize)
	PutHeader(b, Header{RequestSize: requestSize, ResponseSize: responseSize})
	return b, nil
}

// PutHeader writes h into the first HeaderLen bytes of b.
func PutHeader(b []byte, h Header) {
	binary.BigEndian.PutUint32(b[0:4], h.RequestSize)
	binary.BigEndian.PutUint32(b[4:8], h.ResponseSize)
}

// TryDecodeHeader decodes the header once buf holds at least HeaderLen bytes.
// Bytes past the header are ignored.
func TryDecodeHeader(buf []byte) (Header, bool) {
	if len(buf) < HeaderLen {
		return Header{}, false
	}
	return Header{
		RequestSize:  binary.BigEndian.Uint32(buf[0:4]),
		ResponseSize: binary.BigEndian.Uint32(buf[4:8]),
	}, true
}
