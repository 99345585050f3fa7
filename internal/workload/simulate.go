package workload

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"webtraffic-generator/internal/config"
	"webtraffic-generator/internal/sampler"
	"webtraffic-generator/internal/sim"
	"webtraffic-generator/pkg/types"
)

// Result summarises a finished run.
type Result struct {
	Records  []types.RequestRecord
	Sessions int
	Started  int
	Finished int
	Elapsed  time.Duration
	Link     sim.LinkStats
}

// RunSimulation builds cfg.Simulation's topology on an in-memory network
// driven by sched: Servers server hosts, and Clients client hosts each
// running FlowsPerClient sessions spread round-robin over the servers.
// Every session starts at a uniform offset in [0, StartJitterSec). The
// scheduler runs to DurationSec, then every session is stopped.
func RunSimulation(cfg *config.Config, tables sampler.Tables, sched *sim.Scheduler, inst Instruments) (*Result, error) {
	sc := cfg.Simulation

	hosts, err := sim.NewHostPool(sc.HostPool)
	if err != nil {
		return nil, fmt.Errorf("failed to create host pool: %w", err)
	}
	network := sim.NewNetwork(sched, hosts, sim.LinkConfig{
		Latency:      time.Duration(sc.LatencyMs * float64(time.Millisecond)),
		SegmentSize:  sc.SegmentSize,
		BandwidthBps: sc.BandwidthBps,
		PortStrategy: sc.PortStrategy,
		Seed:         cfg.Distributions.Seed,
	})
	mgr := NewManager(cfg, tables, sched, inst)

	port := strconv.Itoa(sc.ServerPort)
	remotes := make([]string, 0, sc.Servers)
	for i := 0; i < sc.Servers; i++ {
		host, err := network.NewHost()
		if err != nil {
			return nil, fmt.Errorf("failed to add server host: %w", err)
		}
		addr := net.JoinHostPort(host.Addr().String(), port)
		if _, err := mgr.AddServer(fmt.Sprintf("server-%d", i), addr, host); err != nil {
			return nil, err
		}
		remotes = append(remotes, addr)
	}

	jitter := rand.New(rand.NewSource(cfg.Distributions.Seed))
	for c := 0; c < sc.Clients; c++ {
		host, err := network.NewHost()
		if err != nil {
			return nil, fmt.Errorf("failed to add client host: %w", err)
		}
		for f := 0; f < sc.FlowsPerClient; f++ {
			n := c*sc.FlowsPerClient + f
			sess, err := mgr.AddClient(fmt.Sprintf("client-%d-%d", c, f), remotes[n%len(remotes)], host)
			if err != nil {
				return nil, err
			}
			offset := time.Duration(jitter.Float64() * sc.StartJitterSec * float64(time.Second))
			sched.AfterFunc(offset, func() {
				if err := mgr.StartClient(sess); err != nil {
					log.WithError(err).WithField("session", sess.Name()).Error("Failed to start client session")
				}
			})
		}
	}

	duration := time.Duration(sc.DurationSec * float64(time.Second))
	log.WithFields(log.Fields{
		"servers":  sc.Servers,
		"clients":  sc.Clients,
		"sessions": len(mgr.Clients()),
		"duration": duration.String(),
	}).Info("Simulation started")

	sched.Run(duration)
	elapsed := sched.Now()
	mgr.StopAll()

	res := &Result{
		Records:  mgr.Records(),
		Sessions: len(mgr.Clients()),
		Started:  mgr.Started(),
		Finished: mgr.Finished(),
		Elapsed:  elapsed,
		Link:     network.Stats(),
	}
	log.WithFields(log.Fields{
		"simulated_time": elapsed.String(),
		"pages":          len(res.Records),
		"finished":       res.Finished,
		"segments":       res.Link.Segments,
		"bytes":          res.Link.Bytes,
	}).Info("Simulation complete")
	return res, nil
}
