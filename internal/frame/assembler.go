package frame

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrMalformed = errors.New("malformed request header")
	ErrOverrun   = errors.New("request longer than its declared size")
)

// unknownSize stands in for the request size until the header is complete,
// so the completion check cannot fire early.
const unknownSize = math.MaxUint64

// Assembler rebuilds one request from stream reads of any size. It keeps the
// header bytes and counts the rest; the filler content is never stored.
type Assembler struct {
	header   [HeaderLen]byte
	have     int
	received uint64
	target   uint64
	decoded  Header
	latched  bool
	done     bool
}

// NewAssembler returns an assembler waiting for its first byte.
func NewAssembler() *Assembler {
	return &Assembler{target: unknownSize}
}

// Feed consumes one chunk. complete is true exactly once, on the chunk that
// brings the byte count to the declared request size.
func (a *Assembler) Feed(p []byte) (h Header, complete bool, err error) {
	if a.done {
		if len(p) == 0 {
			return a.decoded, false, nil
		}
		return a.decoded, false, fmt.Errorf("%w: %d bytes after completion", ErrOverrun, len(p))
	}

	if a.have < HeaderLen {
		a.have += copy(a.header[a.have:], p)
	}
	a.received += uint64(len(p))

	if !a.latched && a.have == HeaderLen {
		a.decoded, _ = TryDecodeHeader(a.header[:])
		if a.decoded.RequestSize < HeaderLen {
			return a.decoded, false, fmt.Errorf("%w: request size %d", ErrMalformed, a.decoded.RequestSize)
		}
		a.target = uint64(a.decoded.RequestSize)
		a.latched = true
	}

	switch {
	case a.received == a.target:
		a.done = true
		return a.decoded, true, nil
	case a.received > a.target:
		return a.decoded, false, fmt.Errorf("%w: received %d, declared %d", ErrOverrun, a.received, a.target)
	}
	return a.decoded, false, nil
}

// Received returns the number of bytes fed so far.
func (a *Assembler) Received() uint64 {
	return a.received
}

// Header returns the latched header, if the first HeaderLen bytes have arrived.
func (a *Assembler) Header() (Header, bool) {
	return a.decoded, a.latched
}
