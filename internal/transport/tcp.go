package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultReadBuffer = 64 * 1024

// TCP is a stream Network over real sockets. Every connection owns a reader
// goroutine that posts received chunks to the loop and a writer goroutine
// that drains its send queue.
type TCP struct {
	loop        Loop
	dialTimeout time.Duration
	nextID      atomic.Uint64
}

// NewTCP creates a TCP network delivering callbacks on loop.
func NewTCP(loop Loop, dialTimeout time.Duration) *TCP {
	return &TCP{
		loop:        loop,
		dialTimeout: dialTimeout,
	}
}

func (n *TCP) Kind() Kind {
	return Stream
}

// Dial connects in the background.
func (n *TCP) Dial(addr string, h Handlers) (Conn, error) {
	c := n.newConn(h)
	c.hint = addr
	go n.dial(c, addr)
	return c, nil
}

func (n *TCP) dial(c *tcpConn, addr string) {
	nc, err := net.DialTimeout("tcp", addr, n.dialTimeout)
	if err != nil {
		err = fmt.Errorf("failed to connect to %s: %w", addr, err)
		n.loop.Post(func() {
			if h, ok := c.handlers(); ok && h.Failed != nil {
				h.Failed(c, err)
			}
		})
		return
	}

	if !c.attach(nc) {
		// Closed locally while the handshake was in flight.
		nc.Close()
		return
	}

	n.loop.Post(func() {
		if h, ok := c.handlers(); ok && h.Connected != nil {
			h.Connected(c)
		}
	})
	go c.writeLoop()
	c.readLoop()
}

// Listen accepts connections on addr until the listener is closed.
func (n *TCP) Listen(addr string, accept AcceptFunc) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l := &tcpListener{ln: ln}
	go n.acceptLoop(l, accept)

	log.WithField("addr", ln.Addr().String()).Info("TCP listener started")
	return l, nil
}

func (n *TCP) acceptLoop(l *tcpListener, accept AcceptFunc) {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("Error accepting TCP connection")
			continue
		}

		c := n.newConn(Handlers{})
		c.attach(nc)
		n.loop.Post(func() {
			c.setHandlers(accept(c))
			go c.writeLoop()
			go c.readLoop()
		})
	}
}

func (n *TCP) newConn(h Handlers) *tcpConn {
	return &tcpConn{
		id:   n.nextID.Add(1),
		loop: n.loop,
		h:    h,
		recv: h.Received,
		wake: make(chan struct{}, 1),
	}
}

type tcpListener struct {
	ln     net.Listener
	closed atomic.Bool
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Close() error {
	l.closed.Store(true)
	return l.ln.Close()
}

type tcpConn struct {
	id   uint64
	loop Loop
	hint string

	mu     sync.Mutex
	nc     net.Conn
	h      Handlers
	recv   func(Conn, []byte)
	queue  [][]byte
	closed bool // local Close
	broken bool // read side failed or peer closed

	wake chan struct{}
}

func (c *tcpConn) ID() uint64 {
	return c.id
}

func (c *tcpConn) Send(p []byte) error {
	c.mu.Lock()
	switch {
	case c.closed || c.broken:
		c.mu.Unlock()
		return ErrConnClosed
	case c.nc == nil:
		c.mu.Unlock()
		return ErrNotReady
	}
	c.queue = append(c.queue, p)
	c.mu.Unlock()

	c.signal()
	return nil
}

func (c *tcpConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.recv = nil
	attached := c.nc != nil
	c.mu.Unlock()

	if attached {
		c.signal()
	}
	return nil
}

func (c *tcpConn) SetReceive(fn func(Conn, []byte)) {
	c.mu.Lock()
	c.recv = fn
	c.mu.Unlock()
}

func (c *tcpConn) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil
	}
	return c.nc.LocalAddr()
}

func (c *tcpConn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return pendingAddr(c.hint)
	}
	return c.nc.RemoteAddr()
}

// attach binds the socket. It reports false if the connection was closed
// before the socket arrived.
func (c *tcpConn) attach(nc net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.nc = nc
	return true
}

func (c *tcpConn) setHandlers(h Handlers) {
	c.mu.Lock()
	c.h = h
	c.recv = h.Received
	c.mu.Unlock()
}

// handlers returns the callbacks unless the connection was closed locally.
func (c *tcpConn) handlers() (Handlers, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h, !c.closed
}

func (c *tcpConn) receiver() func(Conn, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.recv
}

func (c *tcpConn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *tcpConn) readLoop() {
	buf := make([]byte, defaultReadBuffer)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.loop.Post(func() {
				if fn := c.receiver(); fn != nil {
					fn(c, data)
				}
			})
		}
		if err == nil {
			continue
		}

		c.mu.Lock()
		local := c.closed
		c.broken = true
		c.mu.Unlock()
		c.signal()

		if local {
			return
		}
		if errors.Is(err, io.EOF) {
			err = nil
		} else {
			log.WithError(err).WithField("conn", c.id).Debug("TCP read ended")
		}
		c.loop.Post(func() {
			if h, ok := c.handlers(); ok && h.Closed != nil {
				h.Closed(c, err)
			}
		})
		return
	}
}

// writeLoop drains the queue in order and closes the socket once the
// connection is closed or broken and nothing is left to write.
func (c *tcpConn) writeLoop() {
	for {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		done := c.closed || c.broken
		c.mu.Unlock()

		for _, p := range batch {
			if _, err := c.nc.Write(p); err != nil {
				log.WithError(err).WithField("conn", c.id).Debug("TCP write failed")
				c.nc.Close()
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if done {
			c.nc.Close()
			return
		}
		<-c.wake
	}
}

type pendingAddr string

func (a pendingAddr) Network() string { return "tcp" }
func (a pendingAddr) String() string  { return string(a) }
