package workload

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"webtraffic-generator/internal/config"
	"webtraffic-generator/internal/sampler"
	"webtraffic-generator/internal/server"
	"webtraffic-generator/internal/transport"
)

const stopTimeout = 5 * time.Second

// live runs a Manager on a real-time event loop with TCP sockets.
type live struct {
	loop    *transport.EventLoop
	network *transport.TCP
	mgr     *Manager
	cancel  context.CancelFunc
}

func startLive(cfg *config.Config, tables sampler.Tables, inst Instruments) *live {
	loop := transport.NewEventLoop()
	l := &live{
		loop:    loop,
		network: transport.NewTCP(loop, time.Duration(cfg.Client.DialTimeoutMs)*time.Millisecond),
		mgr:     NewManager(cfg, tables, loop, inst),
	}

	// The loop outlives the caller's context so sessions can be stopped
	// after it is cancelled.
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go func() {
		if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("Event loop stopped")
		}
	}()
	return l
}

func (l *live) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := l.loop.Sync(ctx, l.mgr.StopAll); err != nil {
		log.WithError(err).Warn("Failed to stop sessions cleanly")
	}
	l.cancel()
	<-l.loop.Done()
}

// Server is a running live server.
type Server struct {
	l       *live
	session *server.Session
	once    sync.Once
}

// StartServer listens on cfg.Server.Listen.
func StartServer(cfg *config.Config, inst Instruments) (*Server, error) {
	l := startLive(cfg, sampler.Tables{}, inst)

	var (
		srv *server.Session
		err error
	)
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if syncErr := l.loop.Sync(ctx, func() {
		srv, err = l.mgr.AddServer("server", cfg.Server.Listen, l.network)
	}); syncErr != nil {
		err = syncErr
	}
	if err != nil {
		l.shutdown()
		return nil, err
	}
	return &Server{l: l, session: srv}, nil
}

// Addr returns the bound listening address.
func (s *Server) Addr() string {
	return s.session.Addr().String()
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() {
	s.once.Do(s.l.shutdown)
}

// RunServer serves until ctx is cancelled.
func RunServer(ctx context.Context, cfg *config.Config, inst Instruments) error {
	srv, err := StartServer(cfg, inst)
	if err != nil {
		return err
	}
	log.WithField("addr", srv.Addr()).Info("Serving requests")
	<-ctx.Done()
	srv.Stop()
	return nil
}

// RunClients runs cfg.Client.Sessions sessions against cfg.Client.Remote
// until every session finishes or ctx is cancelled.
func RunClients(ctx context.Context, cfg *config.Config, tables sampler.Tables, inst Instruments) (*Result, error) {
	l := startLive(cfg, tables, inst)
	start := time.Now()

	var err error
	if syncErr := l.loop.Sync(ctx, func() {
		for i := 0; i < cfg.Client.Sessions; i++ {
			sess, addErr := l.mgr.AddClient(fmt.Sprintf("client-%d", i), cfg.Client.Remote, l.network)
			if addErr != nil {
				err = addErr
				return
			}
			if startErr := l.mgr.StartClient(sess); startErr != nil {
				err = startErr
				return
			}
		}
	}); syncErr != nil {
		err = syncErr
	}
	if err != nil {
		l.shutdown()
		return nil, fmt.Errorf("failed to start client sessions: %w", err)
	}

	select {
	case <-l.mgr.Done():
		log.Info("All client sessions finished")
	case <-ctx.Done():
		log.Info("Client run interrupted")
	}

	res := &Result{Elapsed: time.Since(start)}
	syncCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := l.loop.Sync(syncCtx, func() {
		l.mgr.StopAll()
		res.Records = l.mgr.Records()
		res.Sessions = len(l.mgr.Clients())
		res.Started = l.mgr.Started()
		res.Finished = l.mgr.Finished()
	}); err != nil {
		log.WithError(err).Warn("Failed to collect client results")
	}
	l.shutdown()
	return res, nil
}
