// Package server implements the responding side of the traffic model: it
// rebuilds each request from stream reads of any size and answers with as
// many bytes as the request's header asks for, then closes the connection.
package server

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"webtraffic-generator/internal/frame"
	"webtraffic-generator/internal/transport"
)

// Config is the server session configuration.
type Config struct {
	Name   string
	Listen string
}

// Observer receives server events on the session's loop.
type Observer interface {
	Accepted(remote net.Addr)
	Received(n int)
	Responded(requestSize, responseSize uint32)
	ProtocolError(err error)
}

type nopObserver struct{}

func (nopObserver) Accepted(net.Addr)        {}
func (nopObserver) Received(int)             {}
func (nopObserver) Responded(uint32, uint32) {}
func (nopObserver) ProtocolError(error)      {}

// Observers fans every event out to each member in order.
type Observers []Observer

func (o Observers) Accepted(remote net.Addr) {
	for _, ob := range o {
		ob.Accepted(remote)
	}
}

func (o Observers) Received(n int) {
	for _, ob := range o {
		ob.Received(n)
	}
}

func (o Observers) Responded(requestSize, responseSize uint32) {
	for _, ob := range o {
		ob.Responded(requestSize, responseSize)
	}
}

func (o Observers) ProtocolError(err error) {
	for _, ob := range o {
		ob.ProtocolError(err)
	}
}

// Hooks are optional instrumentation callbacks, all run on the loop.
type Hooks struct {
	Observer Observer
	// Rx fires for every chunk read from any connection.
	Rx func(c transport.Conn, p []byte)
}

type inTransit struct {
	conn transport.Conn
	asm  *frame.Assembler
}

// Session is one listening server. Every method must be called on the
// session's loop.
type Session struct {
	cfg     Config
	loop    transport.Loop
	network transport.Network
	hooks   Hooks
	logger  *log.Entry

	listener  transport.Listener
	conns     map[uint64]*inTransit
	filler    []byte
	totalRx   uint64
	accepted  uint64
	responses uint64
	stopped   bool
}

// NewSession creates a server on a stream network. It does not listen yet.
func NewSession(cfg Config, loop transport.Loop, network transport.Network, hooks Hooks) (*Session, error) {
	if err := transport.RequireStream(network); err != nil {
		return nil, fmt.Errorf("failed to create server session: %w", err)
	}
	if cfg.Listen == "" {
		return nil, fmt.Errorf("failed to create server session: empty listen address")
	}
	if hooks.Observer == nil {
		hooks.Observer = nopObserver{}
	}
	return &Session{
		cfg:     cfg,
		loop:    loop,
		network: network,
		hooks:   hooks,
		logger:  log.WithField("server", cfg.Name),
		conns:   make(map[uint64]*inTransit),
	}, nil
}

// Start binds the listening endpoint.
func (s *Session) Start() error {
	if s.listener != nil {
		return fmt.Errorf("server %s already started", s.cfg.Name)
	}
	ln, err := s.network.Listen(s.cfg.Listen, s.onAccept)
	if err != nil {
		return fmt.Errorf("failed to start server %s: %w", s.cfg.Name, err)
	}
	s.listener = ln
	s.logger.WithField("addr", ln.Addr().String()).Info("Server listening")
	return nil
}

// Stop closes the listener and every connection still buffering a request.
func (s *Session) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	if s.listener != nil {
		s.listener.Close()
	}
	for _, t := range s.conns {
		s.drop(t)
	}
	s.logger.WithFields(log.Fields{
		"total_rx":  s.totalRx,
		"accepted":  s.accepted,
		"responses": s.responses,
	}).Info("Server stopped")
}

func (s *Session) onAccept(c transport.Conn) transport.Handlers {
	if s.stopped {
		c.Close()
		return transport.Handlers{}
	}
	s.conns[c.ID()] = &inTransit{conn: c, asm: frame.NewAssembler()}
	s.accepted++
	s.hooks.Observer.Accepted(c.RemoteAddr())
	s.logger.WithFields(log.Fields{
		"conn":   c.ID(),
		"remote": c.RemoteAddr().String(),
	}).Debug("Connection accepted")

	return transport.Handlers{
		Received: s.onReceive,
		Closed:   s.onPeerClosed,
	}
}

func (s *Session) onReceive(c transport.Conn, p []byte) {
	t, ok := s.conns[c.ID()]
	if !ok {
		return
	}

	s.totalRx += uint64(len(p))
	s.hooks.Observer.Received(len(p))
	if s.hooks.Rx != nil {
		s.hooks.Rx(c, p)
	}

	h, complete, err := t.asm.Feed(p)
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"conn":     c.ID(),
			"received": t.asm.Received(),
		}).Warn("Protocol violation, closing connection")
		s.hooks.Observer.ProtocolError(err)
		s.drop(t)
		return
	}
	if !complete {
		return
	}

	if h.ResponseSize > 0 {
		if err := c.Send(s.body(h.ResponseSize)); err != nil {
			s.logger.WithError(err).WithField("conn", c.ID()).Warn("Failed to send response")
		}
	}
	s.responses++
	s.hooks.Observer.Responded(h.RequestSize, h.ResponseSize)
	s.logger.WithFields(log.Fields{
		"conn":          c.ID(),
		"request_size":  h.RequestSize,
		"response_size": h.ResponseSize,
	}).Debug("Response sent")
	s.drop(t)
}

func (s *Session) onPeerClosed(c transport.Conn, err error) {
	t, ok := s.conns[c.ID()]
	if !ok {
		return
	}
	entry := s.logger.WithFields(log.Fields{
		"conn":     c.ID(),
		"received": t.asm.Received(),
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("Peer closed before the request completed")
	s.drop(t)
}

// drop removes every trace of the connection and closes it.
func (s *Session) drop(t *inTransit) {
	delete(s.conns, t.conn.ID())
	t.conn.SetReceive(nil)
	t.conn.Close()
}

// body returns n filler bytes. The buffer is shared between responses and
// never written after it grows.
func (s *Session) body(n uint32) []byte {
	if uint32(len(s.filler)) < n {
		s.filler = make([]byte, n)
	}
	return s.filler[:n]
}

// Addr returns the bound address, or nil before Start.
func (s *Session) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// TotalRx is the number of bytes received over all connections.
func (s *Session) TotalRx() uint64 {
	return s.totalRx
}

// OpenConnections is the number of accepted connections still buffering a
// request.
func (s *Session) OpenConnections() int {
	return len(s.conns)
}

// Accepted is the number of connections accepted so far.
func (s *Session) Accepted() uint64 {
	return s.accepted
}

// Responses is the number of responses sent.
func (s *Session) Responses() uint64 {
	return s.responses
}
