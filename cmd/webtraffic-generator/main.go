package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"webtraffic-generator/internal/config"
	"webtraffic-generator/internal/metrics"
	"webtraffic-generator/internal/sampler"
	"webtraffic-generator/internal/sim"
	"webtraffic-generator/internal/stats"
	"webtraffic-generator/internal/trace"
	"webtraffic-generator/internal/workload"
)

var (
	version = "1.0.0"
	cfgFile string
)

// Flags shared by every command, mapped to their config keys.
var commonFlags = map[string]string{
	"log-level":    "logging.level",
	"log-file":     "logging.file",
	"stats-export": "stats.export_file",
	"csv":          "stats.csv_file",
	"no-stats":     "",
}

var clientFlags = map[string]string{
	"tables":            "distributions.file",
	"rng":               "distributions.source",
	"seed":              "distributions.seed",
	"max-secondary":     "client.max_concurrent_secondary",
	"zero-object-pages": "client.zero_object_pages",
	"pcap":              "trace.pcap_file",
	"snaplen":           "trace.snaplen",
	"metrics-listen":    "metrics.listen",
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "webtraffic-generator",
		Short: "Web Traffic Generator - synthetic HTTP-like browsing load",
		Long: `A traffic generator modelling browsing sessions: each page is one primary
fetch followed by a bounded pool of parallel embedded-object fetches, with
sizes, object counts and think times drawn from empirical distributions.
Runs live over TCP or as a discrete-event simulation.`,
		Version:      version,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Configuration file path (default: config.yaml)")
	pf.String("log-level", "", "Log level (debug|info|warn|error)")
	pf.String("log-file", "", "Log file path")
	pf.String("stats-export", "", "Export statistics JSON to file")
	pf.String("csv", "", "Append page records (requestStart,requestExecutionTime) to file")
	pf.Bool("no-stats", false, "Disable the statistics report")

	rootCmd.AddCommand(newServerCmd(), newClientCmd(), newSimulateCmd(), newInspectCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("tables", "", "Distribution tables YAML file (default: built-in)")
	f.String("rng", "", "Random source (stream|math)")
	f.Int64("seed", 0, "Seed for the math source, start jitter and port choice")
	f.Int("max-secondary", 0, "Maximum parallel embedded-object fetches")
	f.String("zero-object-pages", "", "Pages without embedded objects (stall|complete)")
	f.String("pcap", "", "Trace request frames to a pcap file")
	f.Int("snaplen", 0, "Pcap snapshot length")
	f.String("metrics-listen", "", "Serve Prometheus metrics on address")
}

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Answer requests over TCP",
		RunE:  runServer,
	}
	cmd.Flags().String("listen", "", "Listen address (host:port)")
	cmd.Flags().String("metrics-listen", "", "Serve Prometheus metrics on address")
	return cmd
}

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run browsing sessions against a server over TCP",
		RunE:  runClient,
	}
	addClientFlags(cmd)
	cmd.Flags().String("remote", "", "Server address (host:port)")
	cmd.Flags().Int("sessions", 0, "Number of concurrent client sessions")
	cmd.Flags().Int("dial-timeout", 0, "Connect timeout in ms")
	return cmd
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run clients and servers on a simulated network in virtual time",
		RunE:  runSimulate,
	}
	addClientFlags(cmd)
	f := cmd.Flags()
	f.Int("clients", 0, "Client hosts")
	f.Int("flows", 0, "Sessions per client host")
	f.Int("servers", 0, "Server hosts")
	f.Float64("duration", 0, "Simulated duration in seconds")
	f.Float64("latency", -1, "One-way link latency in ms")
	f.Int("segment-size", -1, "Bytes per delivered segment (0 delivers each send whole)")
	f.Float64("bandwidth", -1, "Link bandwidth in bits per second (0 is unlimited)")
	f.Float64("jitter", -1, "Session start jitter in seconds")
	f.String("host-pool", "", "Host address pool (CIDR)")
	f.Int("server-port", 0, "Server port")
	f.String("port-strategy", "", "Ephemeral port strategy (sequential|random)")
	return cmd
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <file.pcap>",
		Short: "List the request frames in a pcap trace",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	cmd.Flags().Int("limit", 50, "Maximum requests to list (0 lists all)")
	return cmd
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, flagName, configKey string) {
	if flag := cmd.Flags().Lookup(flagName); flag != nil {
		_ = v.BindPFlag(configKey, flag)
	}
}

// bindViperFlags binds every flag in keys. Unchanged flags leave the config
// file and default values in place.
func bindViperFlags(v *viper.Viper, cmd *cobra.Command, keys ...map[string]string) {
	for _, m := range keys {
		for flagName, key := range m {
			if key != "" {
				bindFlag(v, cmd, flagName, key)
			}
		}
	}
	if noStats, _ := cmd.Flags().GetBool("no-stats"); noStats {
		v.Set("stats.enabled", false)
	}
	if cmd.Flags().Changed("metrics-listen") {
		v.Set("metrics.enabled", true)
	}
}

func loadConfig(cmd *cobra.Command, keys ...map[string]string) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK if using CLI flags
		log.Debug("No config file found, using defaults and CLI flags")
	}

	bindViperFlags(v, cmd, append([]map[string]string{commonFlags}, keys...)...)

	cfg, err := config.LoadWithViper(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg)
	return cfg, nil
}

func banner(cfg *config.Config, mode config.Mode) {
	fmt.Printf("Web Traffic Generator v%s\n", version)
	fmt.Println("==========================")
	fmt.Print(cfg.Summary(mode))
	fmt.Println()
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, map[string]string{
		"listen":         "server.listen",
		"metrics-listen": "metrics.listen",
	})
	if err != nil {
		return err
	}
	banner(cfg, config.ModeServer)
	if err := cfg.Validate(config.ModeServer); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	collector := stats.NewCollector()
	reporter := stats.NewReporter(collector, cfg.Stats.ReportIntervalSec, cfg.Stats.ExportFile, "")
	inst, closeInst, err := instruments(ctx, cfg, collector, time.Now())
	if err != nil {
		return err
	}
	defer closeInst()

	if cfg.Stats.Enabled {
		reporter.StartPeriodicReport(ctx)
	}

	if err := workload.RunServer(ctx, cfg, inst); err != nil {
		return fmt.Errorf("failed to run server: %w", err)
	}

	finalReport(cfg, reporter, false)
	return nil
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, clientFlags, map[string]string{
		"remote":       "client.remote",
		"sessions":     "client.sessions",
		"dial-timeout": "client.dial_timeout_ms",
	})
	if err != nil {
		return err
	}
	banner(cfg, config.ModeClient)
	if err := cfg.Validate(config.ModeClient); err != nil {
		return err
	}

	tables, err := loadTables(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	collector := stats.NewCollector()
	reporter := stats.NewReporter(collector, cfg.Stats.ReportIntervalSec, cfg.Stats.ExportFile, cfg.Stats.CSVFile)
	inst, closeInst, err := instruments(ctx, cfg, collector, time.Now())
	if err != nil {
		return err
	}
	defer closeInst()

	if cfg.Stats.Enabled {
		reporter.StartPeriodicReport(ctx)
	}

	fmt.Printf("Starting %d client sessions against %s...\n", cfg.Client.Sessions, cfg.Client.Remote)
	res, err := workload.RunClients(ctx, cfg, tables, inst)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"sessions": res.Sessions,
		"finished": res.Finished,
		"pages":    len(res.Records),
		"elapsed":  res.Elapsed.Round(time.Millisecond).String(),
	}).Info("Client run complete")

	finalReport(cfg, reporter, true)
	return nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, clientFlags, map[string]string{
		"clients":       "simulation.clients",
		"flows":         "simulation.flows_per_client",
		"servers":       "simulation.servers",
		"duration":      "simulation.duration_sec",
		"latency":       "simulation.latency_ms",
		"segment-size":  "simulation.segment_size",
		"bandwidth":     "simulation.bandwidth_bps",
		"jitter":        "simulation.start_jitter_sec",
		"host-pool":     "simulation.host_pool",
		"server-port":   "simulation.server_port",
		"port-strategy": "simulation.port_strategy",
	})
	if err != nil {
		return err
	}
	banner(cfg, config.ModeSimulate)
	if err := cfg.Validate(config.ModeSimulate); err != nil {
		return err
	}

	tables, err := loadTables(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	sched := sim.NewScheduler()
	collector := stats.NewCollectorWithClock(sched.Now)
	reporter := stats.NewReporter(collector, cfg.Stats.ReportIntervalSec, cfg.Stats.ExportFile, cfg.Stats.CSVFile)
	inst, closeInst, err := instruments(ctx, cfg, collector, time.Unix(0, 0).UTC())
	if err != nil {
		return err
	}
	defer closeInst()

	duration := time.Duration(cfg.Simulation.DurationSec * float64(time.Second))
	if cfg.Stats.Enabled {
		reporter.ScheduleReports(sched, duration)
	}

	res, err := workload.RunSimulation(cfg, tables, sched, inst)
	if err != nil {
		return fmt.Errorf("failed to run simulation: %w", err)
	}

	fmt.Printf("Simulated %s: %d sessions, %d finished, %d pages\n",
		res.Elapsed.Round(time.Millisecond), res.Sessions, res.Finished, len(res.Records))
	fmt.Printf("Network: %d segments, %d bytes, %d handshakes, %d refused, %d dropped\n\n",
		res.Link.Segments, res.Link.Bytes, res.Link.Handshake, res.Link.Refused, res.Link.Dropped)

	finalReport(cfg, reporter, true)
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	res, err := trace.Inspect(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Trace %s: %d packets, %d TCP, %d request frames, %d invalid\n",
		args[0], res.TotalPackets, res.TCPPackets, len(res.Requests), res.Invalid)
	printRequests(os.Stdout, res, limit)
	fmt.Printf("Requested %d response bytes with %d request bytes\n", res.TotalRequested(), res.PayloadBytes)
	return nil
}

func printRequests(w io.Writer, res *trace.Result, limit int) {
	table := tablewriter.NewTable(w,
		tablewriter.WithHeader([]string{"#", "Time", "Source", "Destination", "Request", "Response"}),
	)
	for i, r := range res.Requests {
		if limit > 0 && i >= limit {
			break
		}
		table.Append([]string{
			fmt.Sprintf("%d", i+1),
			r.Timestamp.UTC().Format("15:04:05.000000"),
			fmt.Sprintf("%s:%d", r.SrcIP, r.SrcPort),
			fmt.Sprintf("%s:%d", r.DstIP, r.DstPort),
			fmt.Sprintf("%d", r.RequestSize),
			fmt.Sprintf("%d", r.ResponseSize),
		})
	}
	table.Render()
	if limit > 0 && len(res.Requests) > limit {
		fmt.Fprintf(w, "... %d more\n", len(res.Requests)-limit)
	}
}

func loadTables(cfg *config.Config) (sampler.Tables, error) {
	if cfg.Distributions.File == "" {
		return sampler.DefaultTables(), nil
	}
	tables, err := sampler.LoadTables(cfg.Distributions.File)
	if err != nil {
		return sampler.Tables{}, fmt.Errorf("failed to load distribution tables: %w", err)
	}
	log.WithField("file", cfg.Distributions.File).Info("Distribution tables loaded")
	return tables, nil
}

// instruments builds the session sinks. Trace timestamps are offsets from
// epoch.
func instruments(ctx context.Context, cfg *config.Config, collector *stats.Collector, epoch time.Time) (workload.Instruments, func(), error) {
	inst := workload.Instruments{Collector: collector}
	closers := []func(){}
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Metrics.Enabled {
		inst.Recorder = metrics.NewRecorder()
		if _, err := inst.Recorder.Serve(ctx, cfg.Metrics.Listen); err != nil {
			return inst, cleanup, err
		}
	}

	if cfg.Trace.PcapFile != "" {
		w, err := trace.Create(cfg.Trace.PcapFile, uint32(cfg.Trace.SnapLen), epoch)
		if err != nil {
			return inst, cleanup, err
		}
		inst.Tracer = w
		closers = append(closers, func() {
			if err := w.Close(); err != nil {
				log.WithError(err).Warn("Failed to close pcap trace")
			}
		})
	}

	return inst, cleanup, nil
}

func finalReport(cfg *config.Config, reporter *stats.Reporter, records bool) {
	if cfg.Stats.Enabled {
		reporter.PrintFinalReport()
		reporter.PrintSummaryTable()
		if err := reporter.ExportJSON(); err != nil {
			log.WithError(err).Warn("Failed to export statistics")
		}
	}
	if records {
		if err := reporter.ExportCSV(); err != nil {
			log.WithError(err).Warn("Failed to export page records")
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.WithError(err).Warn("Failed to open log file, using console only")
		} else if cfg.Logging.Console {
			log.SetOutput(io.MultiWriter(os.Stderr, f))
		} else {
			log.SetOutput(f)
		}
	}
}
