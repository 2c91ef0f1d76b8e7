// Program swimlog collects telemetry datagrams from an Endless Pools
// controller (UDP, the web UI event stream, an MQTT bridge), decodes them and
// keeps a bounded live log where runs of equivalent packets collapse into one
// row. The log is served to telnet clients and an optional console dashboard.
package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/szsz/endless-pools-controller/commands"
	"github.com/szsz/endless-pools-controller/config"
	"github.com/szsz/endless-pools-controller/ingest"
	"github.com/szsz/endless-pools-controller/livelog"
	"github.com/szsz/endless-pools-controller/opcode"
	"github.com/szsz/endless-pools-controller/recorder"
	"github.com/szsz/endless-pools-controller/stats"
	"github.com/szsz/endless-pools-controller/telnet"
)

const (
	defaultConfigPath = "data/config"
	envConfigPath     = "SWIM_CONFIG_PATH"
)

// Version will be set at build time
var Version = "dev"

// Purpose: Report whether stdout is a TTY for UI gating.
// Key aspects: Uses term.IsTerminal on stdout fd.
// Upstream: main UI selection.
// Downstream: term.IsTerminal.
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Purpose: Load configuration from env/default locations.
// Key aspects: Tries env override first, then the default config dir, then
// built-in defaults when neither directory exists.
// Upstream: main startup.
// Downstream: config.Load, config.Default.
func loadSwimConfig() (*config.Config, string, error) {
	candidates := make([]string, 0, 2)
	if envPath := strings.TrimSpace(os.Getenv(envConfigPath)); envPath != "" {
		candidates = append(candidates, envPath)
	}
	candidates = append(candidates, defaultConfigPath)

	for _, path := range candidates {
		cfg, err := config.Load(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, path, err
		}
		return cfg, cfg.LoadedFrom, nil
	}
	return config.Default(), "built-in defaults (tried " + strings.Join(candidates, ", ") + ")", nil
}

// loadOpcodes reads the configured command table. An unreadable file falls
// back to the built-in table; a readable one is used even if some lines
// were skipped.
func loadOpcodes(cfg config.OpcodesConfig) *opcode.Table {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		table := opcode.Default()
		log.Printf("Opcodes: built-in table (%d entries)", table.Len())
		return table
	}
	table, report, err := opcode.LoadFile(path, opcode.ParseOptions{Decimal: cfg.Decimal})
	if err != nil {
		log.Printf("Warning: %v; using built-in opcode table", err)
		return opcode.Default()
	}
	log.Printf("Opcodes: %s", report)
	return table
}

func main() {
	cfg, configSource, err := loadSwimConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	fanout, logErr := setupLogging(cfg.Logging, os.Stdout)
	log.SetFlags(0)
	log.SetOutput(fanout)
	defer fanout.Close()
	if logErr != nil {
		log.Printf("Warning: file logging disabled: %v", logErr)
	}
	log.Printf("Loaded configuration from %s", configSource)

	loc := cfg.Location()
	var dash *dashboard
	switch cfg.UI.Mode {
	case "headless":
		log.Printf("UI disabled (mode=headless)")
	default:
		if !isStdoutTTY() {
			log.Printf("UI disabled (tview requires an interactive console)")
		} else {
			dash = newDashboard(cfg.UI, loc)
		}
	}
	if dash != nil {
		dash.WaitReady()
		defer dash.Stop()
		fanout.SetConsole(dash.SystemWriter(), true)
		dash.SetStats([]string{"Initializing..."})
	} else {
		cfg.Print()
	}

	log.Printf("Swim telemetry log v%s starting...", Version)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opcodes := loadOpcodes(cfg.Opcodes)
	liveLog := livelog.New(livelog.Options{Opcodes: opcodes, Capacity: cfg.Log.Capacity})
	tracker := stats.NewTracker()

	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		rec, err = recorder.Open(recorder.Options{
			Path:             cfg.Recorder.Path,
			PerOpcodeLimit:   cfg.Recorder.PerOpcodeLimit,
			QueueSize:        cfg.Recorder.QueueSize,
			PreflightTimeout: time.Duration(cfg.Recorder.PreflightTimeoutSeconds) * time.Second,
		})
		if err != nil {
			log.Printf("Warning: capture recorder disabled: %v", err)
			rec = nil
		} else {
			log.Printf("Recorder: capturing up to %d datagrams per opcode to %s", cfg.Recorder.PerOpcodeLimit, cfg.Recorder.Path)
		}
	}

	var telnetServer *telnet.Server
	if cfg.Telnet.Enabled {
		processor := commands.NewProcessor(liveLog, opcodes, tracker.SnapshotLines, loc)
		telnetServer = telnet.NewServer(telnet.ServerOptions{
			Port:             cfg.Telnet.Port,
			WelcomeMessage:   cfg.Telnet.WelcomeMessage,
			MaxConnections:   cfg.Telnet.MaxConnections,
			ClientBuffer:     cfg.Telnet.ClientBuffer,
			KeepaliveSeconds: cfg.Telnet.KeepaliveSeconds,
			SkipHandshake:    cfg.Telnet.SkipHandshake,
			Transport:        cfg.Telnet.Transport,
			CommandLineLimit: cfg.Telnet.CommandLineLimit,
			FeedOnConnect:    cfg.Telnet.FeedOnConnect,
			Location:         loc,
		}, processor)
		if err := telnetServer.Start(); err != nil {
			log.Fatalf("Failed to start telnet server: %v", err)
		}
	}

	datagrams := make(chan ingest.Datagram, cfg.Ingest.QueueSize)
	sources, stopSources := startSources(ctx, cfg, datagrams)

	pipe := &pipeline{
		log:      liveLog,
		stats:    tracker,
		logDrops: cfg.Logging.LogDrops,
		deduper:  newDropLogDeduper(time.Duration(cfg.Logging.DropDedupeWindowSeconds)*time.Second, defaultDropLogDedupeMaxKeys),
	}
	if rec != nil {
		pipe.capture = rec
	}
	if telnetServer != nil {
		pipe.publish = telnetServer.Publish
	}
	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		pipe.run(ctx, datagrams)
	}()

	monitor := newIngestHealthMonitor(sources, time.Duration(cfg.Ingest.IdleThresholdSeconds)*time.Second)
	go monitor.run(ctx, time.Duration(cfg.Ingest.HealthIntervalSeconds)*time.Second)

	reporter := &statsReporter{
		tracker:  tracker,
		log:      liveLog,
		recorder: rec,
		telnet:   telnetServer,
		sources:  sources,
		prev:     make(map[string]uint64),
	}
	if interval := time.Duration(cfg.Stats.DisplayIntervalSeconds) * time.Second; interval > 0 {
		go reporter.run(ctx, interval, dash, fanout)
	}
	if dash != nil {
		go refreshRows(ctx, dash, liveLog, cfg.UI)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Println("Logger is running. Press Ctrl+C to stop.")
	if telnetServer != nil {
		log.Printf("Connect via: telnet localhost %d", cfg.Telnet.Port)
	}
	log.Printf("Log capacity %d rows; timestamps in %s", cfg.Log.Capacity, loc)
	log.Println("---")

	sig := <-sigChan
	log.Printf("Received signal: %v", sig)
	log.Println("Shutting down gracefully...")

	stopSources()
	cancel()
	<-pipeDone
	if n := pipe.drain(datagrams); n > 0 {
		log.Printf("Drained %d queued datagrams", n)
	}

	// Close the open row so its final count and ranges reach the history.
	if row := liveLog.Flush(); row != nil {
		line := row.View(loc).Line()
		if telnetServer != nil {
			telnetServer.PublishRow("=", row)
		}
		log.Printf("Flushed open row: %s", line)
	}
	if rec != nil {
		if err := rec.Close(); err != nil {
			log.Printf("Recorder close: %v", err)
		}
	}
	if telnetServer != nil {
		telnetServer.Stop()
	}
	for _, line := range reporter.lines() {
		log.Print(line)
	}
	log.Println("Shutdown complete")
}

// Purpose: Start every configured ingest source.
// Key aspects: A source that fails to start is logged and skipped; the
// process keeps running on the remaining sources.
// Upstream: main startup.
// Downstream: ingest.NewUDPListener, ingest.NewSSEClient, ingest.NewMQTTClient.
func startSources(ctx context.Context, cfg *config.Config, out chan<- ingest.Datagram) ([]ingestHealthSource, func()) {
	var health []ingestHealthSource
	var stops []func()

	if cfg.UDP.Enabled {
		for _, l := range []struct {
			name string
			port int
		}{
			{name: "control", port: cfg.UDP.ControlPort},
			{name: "status", port: cfg.UDP.StatusPort},
		} {
			addr := net.JoinHostPort(cfg.UDP.Bind, strconv.Itoa(l.port))
			listener := ingest.NewUDPListener(l.name, addr, out)
			if err := listener.Start(); err != nil {
				log.Printf("Warning: UDP %s listener disabled: %v", l.name, err)
				continue
			}
			health = append(health, ingestHealthSource{name: "udp/" + l.name, snapshot: listener.HealthSnapshot})
			stops = append(stops, listener.Stop)
		}
	}

	if cfg.SSE.Enabled {
		client := ingest.NewSSEClient(cfg.SSE.Name, cfg.SSE.URL, out, ingest.SSEOptions{
			Event:        cfg.SSE.Event,
			InitialDelay: time.Duration(cfg.SSE.InitialDelaySeconds) * time.Second,
			MaxDelay:     time.Duration(cfg.SSE.MaxDelaySeconds) * time.Second,
		})
		client.Start(ctx)
		log.Printf("SSE %s: following %s (event %s)", cfg.SSE.Name, cfg.SSE.URL, cfg.SSE.Event)
		health = append(health, ingestHealthSource{name: "sse/" + cfg.SSE.Name, snapshot: client.HealthSnapshot})
		stops = append(stops, client.Stop)
	}

	if cfg.MQTT.Enabled {
		client := ingest.NewMQTTClient(cfg.MQTT.Name, ingest.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			QoS:      byte(cfg.MQTT.QoS),
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, out)
		if err := client.Connect(); err != nil {
			log.Printf("Warning: MQTT %s: initial connect failed: %v (auto-reconnect active)", cfg.MQTT.Name, err)
		}
		health = append(health, ingestHealthSource{name: "mqtt/" + cfg.MQTT.Name, snapshot: client.HealthSnapshot})
		stops = append(stops, client.Stop)
	}

	if len(health) == 0 {
		log.Printf("Warning: no ingest sources active")
	}
	return health, func() {
		for _, stop := range stops {
			stop()
		}
	}
}

// refreshRows pushes the newest rows to the dashboard table on a fixed
// cadence; the table is a snapshot, never a live view of the ring.
func refreshRows(ctx context.Context, dash *dashboard, l *livelog.Log, cfg config.UIConfig) {
	interval := time.Duration(cfg.RefreshMS) * time.Millisecond
	if interval < 16*time.Millisecond {
		interval = 16 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastDecoded uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Rows only change when a packet decodes.
			decoded := l.Stats().Decoded
			if decoded == lastDecoded {
				continue
			}
			lastDecoded = decoded
			dash.SetRows(l.Recent(cfg.VisibleRows))
		}
	}
}
