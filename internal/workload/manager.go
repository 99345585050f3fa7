// Package workload assembles client and server sessions into runnable
// topologies: a discrete-event simulation on the in-memory network, or live
// sessions over TCP.
package workload

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"webtraffic-generator/internal/client"
	"webtraffic-generator/internal/config"
	"webtraffic-generator/internal/metrics"
	"webtraffic-generator/internal/sampler"
	"webtraffic-generator/internal/server"
	"webtraffic-generator/internal/stats"
	"webtraffic-generator/internal/trace"
	"webtraffic-generator/internal/transport"
	"webtraffic-generator/pkg/types"
)

// Instruments are the optional sinks attached to every session.
type Instruments struct {
	Collector *stats.Collector
	Recorder  *metrics.Recorder
	Tracer    *trace.Writer
}

func (in Instruments) clientObserver() client.Observer {
	var obs client.Observers
	if in.Collector != nil {
		obs = append(obs, in.Collector)
	}
	if in.Recorder != nil {
		obs = append(obs, in.Recorder)
	}
	return obs
}

func (in Instruments) serverObserver() server.Observer {
	var obs server.Observers
	if in.Collector != nil {
		obs = append(obs, in.Collector)
	}
	if in.Recorder != nil {
		obs = append(obs, in.Recorder)
	}
	return obs
}

// Manager creates sessions on one loop and tracks them until they stop.
// Session methods run on the loop; AddClient, AddServer, StartClient and
// StopAll must be called there too.
type Manager struct {
	cfg    *config.Config
	tables sampler.Tables
	loop   transport.Loop
	inst   Instruments

	clients  []*client.Session
	servers  []*server.Session
	started  int
	finished int

	done     chan struct{}
	doneOnce sync.Once
}

// NewManager creates a manager for sessions driven by loop.
func NewManager(cfg *config.Config, tables sampler.Tables, loop transport.Loop, inst Instruments) *Manager {
	return &Manager{
		cfg:    cfg,
		tables: tables,
		loop:   loop,
		inst:   inst,
		done:   make(chan struct{}),
	}
}

// source returns the random source for the index-th client session.
func (m *Manager) source(name string, index int) sampler.Source {
	if m.cfg.Distributions.Source == "math" {
		return sampler.NewRandSource(m.cfg.Distributions.Seed + int64(index))
	}
	return sampler.NewStreamSource(name)
}

// AddServer creates a server session listening on addr and starts it.
func (m *Manager) AddServer(name, addr string, network transport.Network) (*server.Session, error) {
	srv, err := server.NewSession(server.Config{Name: name, Listen: addr}, m.loop, network, server.Hooks{
		Observer: m.inst.serverObserver(),
	})
	if err != nil {
		return nil, err
	}
	if err := srv.Start(); err != nil {
		return nil, err
	}
	m.servers = append(m.servers, srv)
	return srv, nil
}

// AddClient creates a client session fetching from remote. It is not
// started.
func (m *Manager) AddClient(name, remote string, network transport.Network) (*client.Session, error) {
	set, err := sampler.NewSet(m.tables, m.source(name, len(m.clients)))
	if err != nil {
		return nil, fmt.Errorf("failed to build samplers for %s: %w", name, err)
	}

	hooks := client.Hooks{
		Observer: m.inst.clientObserver(),
		Finished: m.sessionFinished,
	}
	if m.inst.Tracer != nil {
		hooks.Tx = m.inst.Tracer.Hook()
	}

	sess, err := client.NewSession(client.Config{
		Name:                   name,
		Remote:                 remote,
		MaxConcurrentSecondary: uint32(m.cfg.Client.MaxConcurrentSecondary),
		ZeroObjectPages:        client.ZeroObjectPolicy(m.cfg.Client.ZeroObjectPages),
	}, set, m.loop, network, hooks)
	if err != nil {
		return nil, err
	}
	m.clients = append(m.clients, sess)
	return sess, nil
}

// StartClient starts a session created by AddClient.
func (m *Manager) StartClient(s *client.Session) error {
	if err := s.Start(); err != nil {
		return err
	}
	m.started++
	if m.inst.Collector != nil {
		m.inst.Collector.RecordSessionStarted()
	}
	return nil
}

func (m *Manager) sessionFinished(s *client.Session) {
	m.finished++
	if m.inst.Collector != nil {
		m.inst.Collector.RecordSessionFinished()
	}
	log.WithFields(log.Fields{
		"session":  s.Name(),
		"finished": m.finished,
		"total":    len(m.clients),
	}).Debug("Client session finished")
	if m.finished == len(m.clients) {
		m.doneOnce.Do(func() { close(m.done) })
	}
}

// Done is closed once every client session has fetched all of its pages.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// StopAll stops every client, then every server.
func (m *Manager) StopAll() {
	for _, c := range m.clients {
		c.Stop()
	}
	for _, s := range m.servers {
		s.Stop()
	}
}

// Records returns the completed pages of every client, in session order.
func (m *Manager) Records() []types.RequestRecord {
	var out []types.RequestRecord
	for _, c := range m.clients {
		out = append(out, c.Records()...)
	}
	return out
}

// Clients returns the client sessions.
func (m *Manager) Clients() []*client.Session {
	return m.clients
}

// Servers returns the server sessions.
func (m *Manager) Servers() []*server.Session {
	return m.servers
}

// Started is the number of client sessions started.
func (m *Manager) Started() int {
	return m.started
}

// Finished is the number of client sessions that fetched every page.
func (m *Manager) Finished() int {
	return m.finished
}
