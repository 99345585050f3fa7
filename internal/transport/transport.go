// Package transport defines the collaborators a traffic session runs on: a
// serializing event loop with timers, and a connection-oriented network. The
// session packages only see these interfaces; real sockets live in TCP and
// the simulated network lives in package sim.
package transport

import (
	"errors"
	"net"
	"time"
)

var (
	ErrNotStream  = errors.New("transport is not stream oriented")
	ErrLoopClosed = errors.New("event loop closed")
	ErrConnClosed = errors.New("connection closed")
	ErrNotReady   = errors.New("connection not established")
)

// Kind classifies the delivery semantics of a network.
type Kind int

const (
	Stream Kind = iota
	SeqPacket
	Datagram
)

func (k Kind) String() string {
	switch k {
	case Stream:
		return "stream"
	case SeqPacket:
		return "seqpacket"
	case Datagram:
		return "datagram"
	default:
		return "unknown"
	}
}

// Timer is a pending callback scheduled on a Loop.
type Timer interface {
	// Stop cancels the callback. It reports false if the callback already
	// ran or was stopped before.
	Stop() bool
}

// Loop runs callbacks one at a time, in the order they were posted.
// Implementations must never run two callbacks concurrently.
type Loop interface {
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
	// Now is the time elapsed since the loop's epoch.
	Now() time.Duration
}

// Conn is one established or pending connection. All methods except Send
// and Close must be called from the owning loop.
type Conn interface {
	ID() uint64
	// Send queues p for delivery. It never blocks.
	Send(p []byte) error
	// Close flushes queued data and releases the connection. Callbacks for
	// a closed connection are not delivered.
	Close() error
	// SetReceive replaces the data callback; nil drops further data.
	SetReceive(fn func(c Conn, p []byte))
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Handlers are the callbacks a connection delivers on its loop. Any field
// may be nil.
type Handlers struct {
	Connected func(c Conn)
	Failed    func(c Conn, err error)
	Received  func(c Conn, p []byte)
	// Closed fires when the peer closes or the connection breaks, never
	// after a local Close.
	Closed func(c Conn, err error)
}

// AcceptFunc is called on the loop for each inbound connection and returns
// the callbacks for it.
type AcceptFunc func(c Conn) Handlers

// Listener is a bound accept endpoint.
type Listener interface {
	Addr() net.Addr
	Close() error
}

// Network opens and accepts connections.
type Network interface {
	Kind() Kind
	// Dial starts connecting to addr and returns the pending connection.
	// Exactly one of h.Connected or h.Failed follows on the loop.
	Dial(addr string, h Handlers) (Conn, error)
	Listen(addr string, accept AcceptFunc) (Listener, error)
}

// RequireStream rejects networks that cannot carry a byte stream.
func RequireStream(n Network) error {
	if n == nil {
		return errors.New("nil network")
	}
	if k := n.Kind(); k != Stream {
		return &KindError{Kind: k}
	}
	return nil
}

// KindError reports a network of the wrong kind.
type KindError struct {
	Kind Kind
}

func (e *KindError) Error() string {
	return "transport kind " + e.Kind.String() + " cannot carry a byte stream"
}

func (e *KindError) Unwrap() error {
	return ErrNotStream
}
