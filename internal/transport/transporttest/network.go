package transporttest

import (
	"errors"
	"fmt"
	"net"

	"webtraffic-generator/internal/transport"
)

// ErrRefused is the error Fail uses when none is given.
var ErrRefused = errors.New("connection refused")

// Network records every dial and lets the test decide when each connection
// succeeds, fails or receives data. Callbacks run synchronously in the
// calling goroutine, which plays the part of the loop.
type Network struct {
	kind   transport.Kind
	nextID uint64

	Conns     []*Conn
	Listeners map[string]transport.AcceptFunc
}

// NewNetwork returns a stream network.
func NewNetwork() *Network {
	return &Network{kind: transport.Stream, Listeners: make(map[string]transport.AcceptFunc)}
}

// NewNetworkOfKind returns a network reporting the given kind.
func NewNetworkOfKind(k transport.Kind) *Network {
	n := NewNetwork()
	n.kind = k
	return n
}

func (n *Network) Kind() transport.Kind {
	return n.kind
}

func (n *Network) Dial(addr string, h transport.Handlers) (transport.Conn, error) {
	c := n.newConn(addr, h)
	n.Conns = append(n.Conns, c)
	return c, nil
}

func (n *Network) Listen(addr string, accept transport.AcceptFunc) (transport.Listener, error) {
	if _, ok := n.Listeners[addr]; ok {
		return nil, fmt.Errorf("address %s already in use", addr)
	}
	n.Listeners[addr] = accept
	return &listener{net: n, addr: addr}, nil
}

// Accept simulates an inbound connection on a listening address and returns
// the server side of it.
func (n *Network) Accept(addr string) (*Conn, error) {
	accept, ok := n.Listeners[addr]
	if !ok {
		return nil, fmt.Errorf("nothing listening on %s", addr)
	}
	c := n.newConn("peer", transport.Handlers{})
	c.connected = true
	c.setHandlers(accept(c))
	n.Conns = append(n.Conns, c)
	return c, nil
}

// Open returns the connections not yet closed locally.
func (n *Network) Open() []*Conn {
	var out []*Conn
	for _, c := range n.Conns {
		if !c.closed {
			out = append(out, c)
		}
	}
	return out
}

// Last returns the most recent connection.
func (n *Network) Last() *Conn {
	if len(n.Conns) == 0 {
		return nil
	}
	return n.Conns[len(n.Conns)-1]
}

func (n *Network) newConn(addr string, h transport.Handlers) *Conn {
	n.nextID++
	c := &Conn{id: n.nextID, Addr: addr}
	c.setHandlers(h)
	return c
}

type listener struct {
	net  *Network
	addr string
}

func (l *listener) Addr() net.Addr {
	return fakeAddr(l.addr)
}

func (l *listener) Close() error {
	delete(l.net.Listeners, l.addr)
	return nil
}

// Conn is a connection driven by the test.
type Conn struct {
	id   uint64
	Addr string

	h         transport.Handlers
	recv      func(transport.Conn, []byte)
	connected bool
	closed    bool

	Sent       [][]byte
	CloseCalls int
}

func (c *Conn) setHandlers(h transport.Handlers) {
	c.h = h
	c.recv = h.Received
}

func (c *Conn) ID() uint64 {
	return c.id
}

func (c *Conn) Send(p []byte) error {
	if c.closed {
		return transport.ErrConnClosed
	}
	if !c.connected {
		return transport.ErrNotReady
	}
	c.Sent = append(c.Sent, p)
	return nil
}

func (c *Conn) Close() error {
	c.CloseCalls++
	c.closed = true
	c.recv = nil
	return nil
}

func (c *Conn) SetReceive(fn func(transport.Conn, []byte)) {
	c.recv = fn
}

func (c *Conn) LocalAddr() net.Addr {
	return fakeAddr(fmt.Sprintf("local-%d", c.id))
}

func (c *Conn) RemoteAddr() net.Addr {
	return fakeAddr(c.Addr)
}

// Connect completes the handshake.
func (c *Conn) Connect() {
	if c.closed {
		return
	}
	c.connected = true
	if c.h.Connected != nil {
		c.h.Connected(c)
	}
}

// Fail reports a failed handshake; nil means ErrRefused.
func (c *Conn) Fail(err error) {
	if c.closed {
		return
	}
	if err == nil {
		err = ErrRefused
	}
	if c.h.Failed != nil {
		c.h.Failed(c, err)
	}
}

// Deliver hands p to the receive callback, if one is still installed.
func (c *Conn) Deliver(p []byte) {
	if c.closed || c.recv == nil {
		return
	}
	c.recv(c, p)
}

// DeliverN delivers n filler bytes.
func (c *Conn) DeliverN(n int) {
	c.Deliver(make([]byte, n))
}

// PeerClose reports that the remote end went away.
func (c *Conn) PeerClose() {
	if c.closed {
		return
	}
	if c.h.Closed != nil {
		c.h.Closed(c, nil)
	}
}

// Connected reports whether the handshake completed.
func (c *Conn) Connected() bool {
	return c.connected
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	return c.closed
}

// SentBytes is the total number of bytes passed to Send.
func (c *Conn) SentBytes() int {
	n := 0
	for _, p := range c.Sent {
		n += len(p)
	}
	return n
}

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }
