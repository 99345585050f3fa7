package sim

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"webtraffic-generator/internal/transport"
)

var ErrRefused = errors.New("connection refused")

// LinkConfig describes every path in the simulated network.
type LinkConfig struct {
	Latency      time.Duration // one way
	SegmentSize  int           // bytes per delivered chunk; 0 delivers each Send whole
	BandwidthBps float64       // bits per second per direction; 0 is unlimited
	PortStrategy string        // "sequential" or "random"
	Seed         int64
}

// LinkStats counts traffic carried by the network.
type LinkStats struct {
	Segments  uint64
	Bytes     uint64
	Dropped   uint64
	Refused   uint64
	Handshake uint64
}

// Network is an in-memory, ordered, reliable byte-stream network. Every
// connection has one pipe per direction; a pipe serializes segments at the
// configured bandwidth and delivers them after the link latency.
type Network struct {
	loop      transport.Loop
	cfg       LinkConfig
	hosts     *HostPool
	listeners map[string]transport.AcceptFunc
	nextID    uint64
	stats     LinkStats
}

// NewNetwork creates a network whose events run on loop.
func NewNetwork(loop transport.Loop, hosts *HostPool, cfg LinkConfig) *Network {
	if cfg.PortStrategy == "" {
		cfg.PortStrategy = "sequential"
	}
	return &Network{
		loop:      loop,
		cfg:       cfg,
		hosts:     hosts,
		listeners: make(map[string]transport.AcceptFunc),
	}
}

// Stats returns the traffic counters.
func (n *Network) Stats() LinkStats {
	return n.stats
}

// NewHost attaches a node with a fresh address from the host pool.
func (n *Network) NewHost() (*Host, error) {
	ip, err := n.hosts.Allocate()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate host address: %w", err)
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return nil, fmt.Errorf("invalid host address %s", ip)
	}
	ports, err := NewPortAllocator(n.cfg.PortStrategy, EphemeralFirst, EphemeralLast, n.cfg.Seed+int64(n.hosts.AllocatedCount()))
	if err != nil {
		return nil, err
	}
	return &Host{net: n, addr: addr.Unmap(), ports: ports}, nil
}

func (n *Network) txTime(size int) time.Duration {
	if n.cfg.BandwidthBps <= 0 {
		return 0
	}
	return time.Duration(float64(size*8) / n.cfg.BandwidthBps * float64(time.Second))
}

// Host is one simulated node. It implements transport.Network for
// connections originating or terminating at its address.
type Host struct {
	net   *Network
	addr  netip.Addr
	ports *PortAllocator
}

func (h *Host) Addr() netip.Addr {
	return h.addr
}

func (h *Host) Kind() transport.Kind {
	return transport.Stream
}

// Dial opens a connection from an ephemeral port on this host. The SYN
// reaches the destination after one latency; success or refusal is
// reported one latency later.
func (h *Host) Dial(addr string, hd transport.Handlers) (transport.Conn, error) {
	remote, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := h.ports.Allocate()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate source port on %s: %w", h.addr, err)
	}

	n := h.net
	n.nextID++
	c := &endpoint{
		net:    n,
		id:     n.nextID,
		local:  netip.AddrPortFrom(h.addr, port),
		remote: remote,
		h:      hd,
		recv:   hd.Received,
	}
	c.release = func() { h.ports.Release(port) }

	n.stats.Handshake++
	n.loop.AfterFunc(n.cfg.Latency, func() { n.arriveSyn(c) })
	return c, nil
}

// Listen binds addr on this host; an empty host part means the host address.
func (h *Host) Listen(addr string, accept transport.AcceptFunc) (transport.Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	ip := h.addr
	if host != "" {
		if ip, err = netip.ParseAddr(host); err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", addr, err)
		}
		if ip != h.addr {
			return nil, fmt.Errorf("cannot listen on %s from host %s", ip, h.addr)
		}
	}
	bound, err := netip.ParseAddrPort(net.JoinHostPort(ip.String(), portStr))
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}

	key := bound.String()
	if _, exists := h.net.listeners[key]; exists {
		return nil, fmt.Errorf("failed to listen on %s: address in use", key)
	}
	h.net.listeners[key] = accept

	log.WithField("addr", key).Debug("Simulated listener started")
	return &simListener{net: h.net, addr: bound}, nil
}

func (n *Network) arriveSyn(c *endpoint) {
	if c.closed {
		c.release()
		return
	}

	accept, ok := n.listeners[c.remote.String()]
	if !ok {
		n.stats.Refused++
		n.loop.AfterFunc(n.cfg.Latency, func() {
			c.release()
			if c.closed {
				return
			}
			c.closed = true
			if c.h.Failed != nil {
				c.h.Failed(c, fmt.Errorf("failed to connect to %s: %w", c.remote, ErrRefused))
			}
		})
		return
	}

	n.nextID++
	s := &endpoint{
		net:         n,
		id:          n.nextID,
		local:       c.remote,
		remote:      c.local,
		established: true,
		release:     func() {},
	}
	s.peer, c.peer = c, s
	s.out = &pipe{net: n, dst: c}
	c.out = &pipe{net: n, dst: s}

	hd := accept(s)
	s.h = hd
	s.recv = hd.Received

	n.loop.AfterFunc(n.cfg.Latency, func() {
		if c.closed {
			return
		}
		c.established = true
		if c.h.Connected != nil {
			c.h.Connected(c)
		}
	})
}

type simListener struct {
	net  *Network
	addr netip.AddrPort
}

func (l *simListener) Addr() net.Addr {
	return net.TCPAddrFromAddrPort(l.addr)
}

func (l *simListener) Close() error {
	delete(l.net.listeners, l.addr.String())
	return nil
}

type segment struct {
	data []byte
	fin  bool
}

// pipe carries one direction of a connection. Deliveries pop the head of
// the queue, so order holds however the scheduler breaks ties.
type pipe struct {
	net       *Network
	dst       *endpoint
	busyUntil time.Duration
	queue     []segment
}

func (p *pipe) push(seg segment) {
	n := p.net
	now := n.loop.Now()
	start := now
	if p.busyUntil > start {
		start = p.busyUntil
	}
	p.busyUntil = start + n.txTime(len(seg.data))
	arrival := p.busyUntil + n.cfg.Latency

	p.queue = append(p.queue, seg)
	n.loop.AfterFunc(arrival-now, p.deliverHead)
}

func (p *pipe) deliverHead() {
	seg := p.queue[0]
	p.queue[0] = segment{}
	p.queue = p.queue[1:]
	p.dst.arrive(seg)
}

type endpoint struct {
	net    *Network
	id     uint64
	local  netip.AddrPort
	remote netip.AddrPort

	h    transport.Handlers
	recv func(transport.Conn, []byte)

	peer        *endpoint
	out         *pipe
	established bool
	closed      bool
	peerClosed  bool
	release     func()
}

func (c *endpoint) ID() uint64 {
	return c.id
}

func (c *endpoint) Send(p []byte) error {
	switch {
	case c.closed:
		return transport.ErrConnClosed
	case !c.established:
		return transport.ErrNotReady
	case c.peerClosed:
		return transport.ErrConnClosed
	}

	size := c.net.cfg.SegmentSize
	if size <= 0 {
		size = len(p)
	}
	for off := 0; off < len(p); off += size {
		end := off + size
		if end > len(p) {
			end = len(p)
		}
		c.out.push(segment{data: p[off:end]})
	}
	return nil
}

func (c *endpoint) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.recv = nil
	if c.out != nil {
		c.out.push(segment{fin: true})
	}
	if c.established || c.out != nil {
		c.release()
	}
	return nil
}

func (c *endpoint) SetReceive(fn func(transport.Conn, []byte)) {
	c.recv = fn
}

func (c *endpoint) LocalAddr() net.Addr {
	return net.TCPAddrFromAddrPort(c.local)
}

func (c *endpoint) RemoteAddr() net.Addr {
	return net.TCPAddrFromAddrPort(c.remote)
}

func (c *endpoint) arrive(seg segment) {
	n := c.net
	if c.closed {
		if !seg.fin {
			n.stats.Dropped++
		}
		return
	}
	if seg.fin {
		c.peerClosed = true
		if c.h.Closed != nil {
			c.h.Closed(c, nil)
		}
		return
	}

	n.stats.Segments++
	n.stats.Bytes += uint64(len(seg.data))
	if c.recv != nil {
		c.recv(c, seg.data)
	}
}
