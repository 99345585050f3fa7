package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the web traffic generator.
type Config struct {
	Client        ClientConfig        `yaml:"client"        mapstructure:"client"`
	Server        ServerConfig        `yaml:"server"        mapstructure:"server"`
	Distributions DistributionsConfig `yaml:"distributions" mapstructure:"distributions"`
	Simulation    SimulationConfig    `yaml:"simulation"    mapstructure:"simulation"`
	Logging       LoggingConfig       `yaml:"logging"       mapstructure:"logging"`
	Stats         StatsConfig         `yaml:"stats"         mapstructure:"stats"`
	Metrics       MetricsConfig       `yaml:"metrics"       mapstructure:"metrics"`
	Trace         TraceConfig         `yaml:"trace"         mapstructure:"trace"`
}

type ClientConfig struct {
	Remote                 string `yaml:"remote"                   mapstructure:"remote"`
	MaxConcurrentSecondary int    `yaml:"max_concurrent_secondary" mapstructure:"max_concurrent_secondary"`
	Sessions               int    `yaml:"sessions"                 mapstructure:"sessions"`
	ZeroObjectPages        string `yaml:"zero_object_pages"        mapstructure:"zero_object_pages"`
	DialTimeoutMs          int    `yaml:"dial_timeout_ms"          mapstructure:"dial_timeout_ms"`
}

type ServerConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
}

type DistributionsConfig struct {
	File   string `yaml:"file"   mapstructure:"file"`
	Source string `yaml:"source" mapstructure:"source"`
	Seed   int64  `yaml:"seed"   mapstructure:"seed"`
}

type SimulationConfig struct {
	Clients        int     `yaml:"clients"          mapstructure:"clients"`
	FlowsPerClient int     `yaml:"flows_per_client" mapstructure:"flows_per_client"`
	Servers        int     `yaml:"servers"          mapstructure:"servers"`
	DurationSec    float64 `yaml:"duration_sec"     mapstructure:"duration_sec"`
	LatencyMs      float64 `yaml:"latency_ms"       mapstructure:"latency_ms"`
	SegmentSize    int     `yaml:"segment_size"     mapstructure:"segment_size"`
	BandwidthBps   float64 `yaml:"bandwidth_bps"    mapstructure:"bandwidth_bps"`
	StartJitterSec float64 `yaml:"start_jitter_sec" mapstructure:"start_jitter_sec"`
	HostPool       string  `yaml:"host_pool"        mapstructure:"host_pool"`
	ServerPort     int     `yaml:"server_port"      mapstructure:"server_port"`
	PortStrategy   string  `yaml:"port_strategy"    mapstructure:"port_strategy"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"   mapstructure:"level"`
	File    string `yaml:"file"    mapstructure:"file"`
	Console bool   `yaml:"console" mapstructure:"console"`
}

type StatsConfig struct {
	Enabled           bool   `yaml:"enabled"             mapstructure:"enabled"`
	ReportIntervalSec int    `yaml:"report_interval_sec" mapstructure:"report_interval_sec"`
	ExportFile        string `yaml:"export_file"         mapstructure:"export_file"`
	CSVFile           string `yaml:"csv_file"            mapstructure:"csv_file"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen"  mapstructure:"listen"`
}

type TraceConfig struct {
	PcapFile string `yaml:"pcap_file" mapstructure:"pcap_file"`
	SnapLen  int    `yaml:"snaplen"   mapstructure:"snaplen"`
}

// SetDefaults configures default values for the configuration.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("client.remote", "127.0.0.1:8080")
	v.SetDefault("client.max_concurrent_secondary", 4)
	v.SetDefault("client.sessions", 1)
	v.SetDefault("client.zero_object_pages", "stall")
	v.SetDefault("client.dial_timeout_ms", 5000)
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("distributions.source", "stream")
	v.SetDefault("distributions.seed", 1)
	v.SetDefault("simulation.clients", 10)
	v.SetDefault("simulation.flows_per_client", 1)
	v.SetDefault("simulation.servers", 1)
	v.SetDefault("simulation.duration_sec", 60)
	v.SetDefault("simulation.latency_ms", 10)
	v.SetDefault("simulation.segment_size", 1448)
	v.SetDefault("simulation.bandwidth_bps", 100e6)
	v.SetDefault("simulation.start_jitter_sec", 0.1)
	v.SetDefault("simulation.host_pool", "10.1.0.0/16")
	v.SetDefault("simulation.server_port", 80)
	v.SetDefault("simulation.port_strategy", "sequential")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("stats.enabled", true)
	v.SetDefault("stats.report_interval_sec", 10)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9100")
	v.SetDefault("trace.snaplen", 65535)
}

// Load reads configuration from a YAML file and returns a Config.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithViper reads configuration using an existing viper instance (for CLI flag binding).
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Summary returns a human-readable summary of the configuration for mode.
func (c *Config) Summary(mode Mode) string {
	var sb strings.Builder
	sb.WriteString("Configuration:\n")
	sb.WriteString(fmt.Sprintf("  Mode:          %s\n", mode))
	switch mode {
	case ModeServer:
		sb.WriteString(fmt.Sprintf("  Listen:        %s\n", c.Server.Listen))
	case ModeClient:
		sb.WriteString(fmt.Sprintf("  Remote:        %s\n", c.Client.Remote))
		sb.WriteString(fmt.Sprintf("  Sessions:      %d\n", c.Client.Sessions))
	case ModeSimulate:
		sb.WriteString(fmt.Sprintf("  Topology:      %d clients x %d flows -> %d servers (port %d)\n",
			c.Simulation.Clients, c.Simulation.FlowsPerClient, c.Simulation.Servers, c.Simulation.ServerPort))
		sb.WriteString(fmt.Sprintf("  Duration:      %gs (start jitter %gs)\n", c.Simulation.DurationSec, c.Simulation.StartJitterSec))
		sb.WriteString(fmt.Sprintf("  Link:          latency=%gms segment=%dB bandwidth=%gbps\n",
			c.Simulation.LatencyMs, c.Simulation.SegmentSize, c.Simulation.BandwidthBps))
		sb.WriteString(fmt.Sprintf("  Host Pool:     %s (ports: %s)\n", c.Simulation.HostPool, c.Simulation.PortStrategy))
	}
	if mode != ModeServer {
		sb.WriteString(fmt.Sprintf("  Max Parallel:  %d\n", c.Client.MaxConcurrentSecondary))
		sb.WriteString(fmt.Sprintf("  Zero Objects:  %s\n", c.Client.ZeroObjectPages))
		tables := c.Distributions.File
		if tables == "" {
			tables = "built-in"
		}
		sb.WriteString(fmt.Sprintf("  Tables:        %s (%s, seed %d)\n", tables, c.Distributions.Source, c.Distributions.Seed))
	}
	if c.Trace.PcapFile != "" {
		sb.WriteString(fmt.Sprintf("  Trace:         %s\n", c.Trace.PcapFile))
	}
	if c.Metrics.Enabled {
		sb.WriteString(fmt.Sprintf("  Metrics:       %s\n", c.Metrics.Listen))
	}
	return sb.String()
}
