package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Mode names the command a configuration is validated for.
type Mode string

const (
	ModeServer   Mode = "server"
	ModeClient   Mode = "client"
	ModeSimulate Mode = "simulate"
)

// Validate checks that the configuration is valid for mode.
func (c *Config) Validate(mode Mode) error {
	var errs []string

	switch mode {
	case ModeServer:
		if err := validHostPort(c.Server.Listen, true); err != nil {
			errs = append(errs, fmt.Sprintf("server.listen %v", err))
		}
	case ModeClient:
		if err := validHostPort(c.Client.Remote, false); err != nil {
			errs = append(errs, fmt.Sprintf("client.remote %v", err))
		}
		if c.Client.Sessions <= 0 {
			errs = append(errs, fmt.Sprintf("client.sessions must be > 0, got %d", c.Client.Sessions))
		}
		if c.Client.DialTimeoutMs <= 0 {
			errs = append(errs, "client.dial_timeout_ms must be > 0")
		}
	case ModeSimulate:
		errs = append(errs, c.validateSimulation()...)
	default:
		errs = append(errs, fmt.Sprintf("unknown mode %q", mode))
	}

	if mode != ModeServer {
		if c.Client.MaxConcurrentSecondary <= 0 {
			errs = append(errs, fmt.Sprintf("client.max_concurrent_secondary must be > 0, got %d", c.Client.MaxConcurrentSecondary))
		}
		if c.Client.ZeroObjectPages != "stall" && c.Client.ZeroObjectPages != "complete" {
			errs = append(errs, fmt.Sprintf("client.zero_object_pages must be 'stall' or 'complete', got %q", c.Client.ZeroObjectPages))
		}
		if c.Distributions.Source != "stream" && c.Distributions.Source != "math" {
			errs = append(errs, fmt.Sprintf("distributions.source must be 'stream' or 'math', got %q", c.Distributions.Source))
		}
		if c.Distributions.File != "" {
			if _, err := os.Stat(c.Distributions.File); os.IsNotExist(err) {
				errs = append(errs, fmt.Sprintf("distributions file not found: %s", c.Distributions.File))
			}
		}
		if c.Trace.SnapLen <= 0 || c.Trace.SnapLen > 262144 {
			errs = append(errs, fmt.Sprintf("trace.snaplen must be between 1 and 262144, got %d", c.Trace.SnapLen))
		}
	}

	if c.Stats.ReportIntervalSec < 0 {
		errs = append(errs, "stats.report_interval_sec must be >= 0")
	}

	if c.Metrics.Enabled {
		if err := validHostPort(c.Metrics.Listen, true); err != nil {
			errs = append(errs, fmt.Sprintf("metrics.listen %v", err))
		}
	}

	// Log level must be valid
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateSimulation() []string {
	var errs []string
	s := c.Simulation

	if s.Clients <= 0 {
		errs = append(errs, fmt.Sprintf("simulation.clients must be > 0, got %d", s.Clients))
	}
	if s.FlowsPerClient <= 0 {
		errs = append(errs, fmt.Sprintf("simulation.flows_per_client must be > 0, got %d", s.FlowsPerClient))
	}
	if s.Servers <= 0 {
		errs = append(errs, fmt.Sprintf("simulation.servers must be > 0, got %d", s.Servers))
	}
	if s.DurationSec <= 0 {
		errs = append(errs, "simulation.duration_sec must be > 0")
	}
	if s.LatencyMs < 0 {
		errs = append(errs, "simulation.latency_ms must be >= 0")
	}
	if s.SegmentSize < 0 {
		errs = append(errs, "simulation.segment_size must be >= 0")
	}
	if s.BandwidthBps < 0 {
		errs = append(errs, "simulation.bandwidth_bps must be >= 0")
	}
	if s.StartJitterSec < 0 {
		errs = append(errs, "simulation.start_jitter_sec must be >= 0")
	}
	if s.ServerPort <= 0 || s.ServerPort > 65535 {
		errs = append(errs, fmt.Sprintf("simulation.server_port must be between 1 and 65535, got %d", s.ServerPort))
	}
	if s.PortStrategy != "sequential" && s.PortStrategy != "random" {
		errs = append(errs, fmt.Sprintf("simulation.port_strategy must be 'sequential' or 'random', got %q", s.PortStrategy))
	}

	// Host pool must be a valid CIDR large enough for every node
	if s.HostPool == "" {
		errs = append(errs, "simulation.host_pool must be specified")
	} else if _, ipnet, err := net.ParseCIDR(s.HostPool); err != nil {
		errs = append(errs, fmt.Sprintf("invalid host pool CIDR %q: %v", s.HostPool, err))
	} else {
		ones, bits := ipnet.Mask.Size()
		if free := bits - ones; free < 31 {
			usable := (1 << free) - 1
			if need := s.Clients + s.Servers; usable < need {
				errs = append(errs, fmt.Sprintf("host pool %s holds %d hosts, need %d", s.HostPool, usable, need))
			}
		}
	}

	return errs
}

// validHostPort checks a "host:port" address. An empty host is allowed for
// listening addresses.
func validHostPort(addr string, listen bool) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port, got %q", addr)
	}
	if host == "" && !listen {
		return fmt.Errorf("must name a host, got %q", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 || (p == 0 && !listen) {
		return fmt.Errorf("has invalid port %q", port)
	}
	return nil
}
