// Package config loads the controller's YAML configuration.
//
// Configuration lives in a directory: every *.yaml / *.yml file in it is
// read in name order and deep-merged (later files win per key), so
// deployments can split settings across files (app.yaml, ingest.yaml,
// local overrides) without a single monolithic file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	// Embedded zone database so log.timezone resolves on hosts without tzdata.
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Config represents the complete controller configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Opcodes  OpcodesConfig  `yaml:"opcodes"`
	Log      LogConfig      `yaml:"log"`
	Ingest   IngestConfig   `yaml:"ingest"`
	UDP      UDPConfig      `yaml:"udp"`
	SSE      SSEConfig      `yaml:"sse"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Telnet   TelnetConfig   `yaml:"telnet"`
	Recorder RecorderConfig `yaml:"recorder"`
	Stats    StatsConfig    `yaml:"stats"`
	UI       UIConfig       `yaml:"ui"`
	Logging  LoggingConfig  `yaml:"logging"`

	// LoadedFrom is the directory the configuration was read from; empty for
	// built-in defaults.
	LoadedFrom string `yaml:"-"`
}

// ServerConfig contains general settings.
type ServerConfig struct {
	Name string `yaml:"name"`
}

// OpcodesConfig selects the command table. An empty path uses the built-in
// table; Decimal reads bare values as base 10 instead of hex.
type OpcodesConfig struct {
	Path    string `yaml:"path"`
	Decimal bool   `yaml:"decimal"`
}

// LogConfig sizes the aggregated log.
type LogConfig struct {
	Capacity int `yaml:"capacity"`
	// Timezone is the IANA zone row timestamps are rendered in.
	Timezone string `yaml:"timezone"`
}

// IngestConfig controls the shared datagram channel and health reporting.
type IngestConfig struct {
	QueueSize             int `yaml:"queue_size"`
	HealthIntervalSeconds int `yaml:"health_interval_seconds"`
	IdleThresholdSeconds  int `yaml:"idle_threshold_seconds"`
}

// UDPConfig contains the direct datagram listeners.
type UDPConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Bind        string `yaml:"bind"`
	ControlPort int    `yaml:"control_port"`
	StatusPort  int    `yaml:"status_port"`
}

// SSEConfig points at the controller web UI event stream.
type SSEConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Name                string `yaml:"name"`
	URL                 string `yaml:"url"`
	Event               string `yaml:"event"`
	InitialDelaySeconds int    `yaml:"initial_delay_seconds"`
	MaxDelaySeconds     int    `yaml:"max_delay_seconds"`
}

// MQTTConfig contains the optional MQTT bridge subscription.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Name     string `yaml:"name"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TelnetConfig contains telnet server settings.
type TelnetConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Port             int    `yaml:"port"`
	MaxConnections   int    `yaml:"max_connections"`
	WelcomeMessage   string `yaml:"welcome_message"`
	ClientBuffer     int    `yaml:"client_buffer"`
	KeepaliveSeconds int    `yaml:"keepalive_seconds"`
	SkipHandshake    bool   `yaml:"skip_handshake"`
	Transport        string `yaml:"transport"`
	CommandLineLimit int    `yaml:"command_line_limit"`
	FeedOnConnect    bool   `yaml:"feed_on_connect"`
}

// RecorderConfig controls the raw packet capture database.
type RecorderConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	Path                    string `yaml:"path"`
	PerOpcodeLimit          int    `yaml:"per_opcode_limit"`
	QueueSize               int    `yaml:"queue_size"`
	PreflightTimeoutSeconds int    `yaml:"preflight_timeout_seconds"`
}

// StatsConfig controls the periodic stats line.
type StatsConfig struct {
	DisplayIntervalSeconds int `yaml:"display_interval_seconds"`
}

// UIConfig selects the local console surface.
type UIConfig struct {
	// Mode is "tview" (dashboard) or "headless".
	Mode          string `yaml:"mode"`
	RefreshMS     int    `yaml:"refresh_ms"`
	SystemLines   int    `yaml:"system_lines"`
	VisibleRows   int    `yaml:"visible_rows"`
	DisableColors bool   `yaml:"disable_colors"`
}

// LoggingConfig contains file logging and drop-line dedupe settings.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
	// LogDrops logs one line per unrecognized datagram (subject to dedupe).
	LogDrops bool `yaml:"log_drops"`
	// DropDedupeWindowSeconds collapses repeated drop lines; 0 disables.
	DropDedupeWindowSeconds int `yaml:"drop_dedupe_window_seconds"`
}

const (
	defaultLogCapacity         = 10000
	defaultQueueSize           = 4096
	defaultControlPort         = 9750
	defaultStatusPort          = 45654
	defaultTelnetPort          = 7373
	defaultDropDedupeWindow    = 120
	defaultRecorderLimit       = 50
	defaultStatsIntervalSecond = 30
)

// Default returns the built-in configuration used when no config directory
// exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg, map[string]any{})
	return cfg
}

// Load reads every YAML file in dir, merges them and validates the result.
// Errors from stat-ing dir are wrapped so callers can test for
// fs.ErrNotExist.
func Load(dir string) (*Config, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config: %s is not a directory", dir)
	}
	files, err := yamlFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("config: no YAML files in %s", dir)
	}

	merged := map[string]any{}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		mergeMaps(merged, doc)
	}

	// Round-trip the merged tree through YAML so struct tags do the decoding.
	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("config: re-encode merged config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode merged config: %w", err)
	}
	applyDefaults(&cfg, merged)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.LoadedFrom = dir
	return &cfg, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: list %s: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// mergeMaps merges src into dst. Nested maps merge key by key; any other
// value in src replaces the one in dst.
func mergeMaps(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeMaps(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
}

// hasKey reports whether the merged tree sets section.key explicitly.
func hasKey(raw map[string]any, section, key string) bool {
	sec, ok := raw[section].(map[string]any)
	if !ok {
		return false
	}
	_, ok = sec[key]
	return ok
}

func applyDefaults(cfg *Config, raw map[string]any) {
	if strings.TrimSpace(cfg.Server.Name) == "" {
		cfg.Server.Name = "swimlog"
	}
	if !hasKey(raw, "log", "capacity") {
		cfg.Log.Capacity = defaultLogCapacity
	}
	if strings.TrimSpace(cfg.Log.Timezone) == "" {
		cfg.Log.Timezone = "UTC"
	}

	if cfg.Ingest.QueueSize == 0 {
		cfg.Ingest.QueueSize = defaultQueueSize
	}
	if cfg.Ingest.HealthIntervalSeconds == 0 {
		cfg.Ingest.HealthIntervalSeconds = 30
	}
	if cfg.Ingest.IdleThresholdSeconds == 0 {
		cfg.Ingest.IdleThresholdSeconds = 120
	}

	if !hasKey(raw, "udp", "enabled") {
		cfg.UDP.Enabled = true
	}
	if strings.TrimSpace(cfg.UDP.Bind) == "" {
		cfg.UDP.Bind = "0.0.0.0"
	}
	if cfg.UDP.ControlPort == 0 {
		cfg.UDP.ControlPort = defaultControlPort
	}
	if cfg.UDP.StatusPort == 0 {
		cfg.UDP.StatusPort = defaultStatusPort
	}

	if strings.TrimSpace(cfg.SSE.Name) == "" {
		cfg.SSE.Name = "events"
	}
	if strings.TrimSpace(cfg.SSE.Event) == "" {
		cfg.SSE.Event = "network"
	}
	if cfg.SSE.InitialDelaySeconds == 0 {
		cfg.SSE.InitialDelaySeconds = 2
	}
	if cfg.SSE.MaxDelaySeconds == 0 {
		cfg.SSE.MaxDelaySeconds = 60
	}

	if strings.TrimSpace(cfg.MQTT.Name) == "" {
		cfg.MQTT.Name = "bridge"
	}

	if !hasKey(raw, "telnet", "enabled") {
		cfg.Telnet.Enabled = true
	}
	if cfg.Telnet.Port == 0 {
		cfg.Telnet.Port = defaultTelnetPort
	}
	if strings.TrimSpace(cfg.Telnet.Transport) == "" {
		cfg.Telnet.Transport = "native"
	}
	cfg.Telnet.Transport = strings.ToLower(strings.TrimSpace(cfg.Telnet.Transport))

	if strings.TrimSpace(cfg.Recorder.Path) == "" {
		cfg.Recorder.Path = filepath.Join("data", "captures", "packets.db")
	}
	if cfg.Recorder.PerOpcodeLimit == 0 {
		cfg.Recorder.PerOpcodeLimit = defaultRecorderLimit
	}
	if cfg.Recorder.PreflightTimeoutSeconds == 0 {
		cfg.Recorder.PreflightTimeoutSeconds = 10
	}

	if !hasKey(raw, "stats", "display_interval_seconds") {
		cfg.Stats.DisplayIntervalSeconds = defaultStatsIntervalSecond
	}

	if strings.TrimSpace(cfg.UI.Mode) == "" {
		cfg.UI.Mode = "tview"
	}
	cfg.UI.Mode = strings.ToLower(strings.TrimSpace(cfg.UI.Mode))
	if cfg.UI.RefreshMS == 0 {
		cfg.UI.RefreshMS = 250
	}
	if cfg.UI.SystemLines == 0 {
		cfg.UI.SystemLines = 500
	}
	if cfg.UI.VisibleRows == 0 {
		cfg.UI.VisibleRows = 200
	}

	if strings.TrimSpace(cfg.Logging.Dir) == "" {
		cfg.Logging.Dir = filepath.Join("data", "logs")
	}
	if cfg.Logging.RetentionDays == 0 {
		cfg.Logging.RetentionDays = 7
	}
	if !hasKey(raw, "logging", "drop_dedupe_window_seconds") {
		cfg.Logging.DropDedupeWindowSeconds = defaultDropDedupeWindow
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Log.Capacity < 2 {
		errs = append(errs, fmt.Errorf("log.capacity must be >= 2, one closed row plus the open row (got %d)", c.Log.Capacity))
	}
	if _, err := time.LoadLocation(c.Log.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("log.timezone %q: %w", c.Log.Timezone, err))
	}
	if c.Ingest.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("ingest.queue_size must be >= 1 (got %d)", c.Ingest.QueueSize))
	}
	if c.Ingest.HealthIntervalSeconds < 0 || c.Ingest.IdleThresholdSeconds < 0 {
		errs = append(errs, errors.New("ingest health intervals must not be negative"))
	}
	errs = appendPortError(errs, "udp.control_port", c.UDP.ControlPort)
	errs = appendPortError(errs, "udp.status_port", c.UDP.StatusPort)
	errs = appendPortError(errs, "telnet.port", c.Telnet.Port)
	if c.SSE.Enabled && strings.TrimSpace(c.SSE.URL) == "" {
		errs = append(errs, errors.New("sse.url is required when sse.enabled is true"))
	}
	if c.SSE.InitialDelaySeconds < 0 || c.SSE.MaxDelaySeconds < 0 {
		errs = append(errs, errors.New("sse delays must not be negative"))
	}
	if c.MQTT.Enabled && (strings.TrimSpace(c.MQTT.Broker) == "" || strings.TrimSpace(c.MQTT.Topic) == "") {
		errs = append(errs, errors.New("mqtt.broker and mqtt.topic are required when mqtt.enabled is true"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2 (got %d)", c.MQTT.QoS))
	}
	switch c.Telnet.Transport {
	case "native", "ziutek":
	default:
		errs = append(errs, fmt.Errorf("telnet.transport must be native or ziutek (got %q)", c.Telnet.Transport))
	}
	if c.Telnet.MaxConnections < 0 || c.Telnet.ClientBuffer < 0 || c.Telnet.KeepaliveSeconds < 0 || c.Telnet.CommandLineLimit < 0 {
		errs = append(errs, errors.New("telnet limits must not be negative"))
	}
	if c.Recorder.PerOpcodeLimit < 0 || c.Recorder.QueueSize < 0 {
		errs = append(errs, errors.New("recorder limits must not be negative"))
	}
	if c.Stats.DisplayIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("stats.display_interval_seconds must not be negative (got %d)", c.Stats.DisplayIntervalSeconds))
	}
	switch c.UI.Mode {
	case "tview", "headless":
	default:
		errs = append(errs, fmt.Errorf("ui.mode must be tview or headless (got %q)", c.UI.Mode))
	}
	if c.Logging.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("logging.retention_days must not be negative (got %d)", c.Logging.RetentionDays))
	}
	if c.Logging.DropDedupeWindowSeconds < 0 {
		errs = append(errs, fmt.Errorf("logging.drop_dedupe_window_seconds must not be negative (got %d)", c.Logging.DropDedupeWindowSeconds))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func appendPortError(errs []error, name string, port int) []error {
	if port < 1 || port > 65535 {
		return append(errs, fmt.Errorf("%s must be 1-65535 (got %d)", name, port))
	}
	return errs
}

// Location resolves Log.Timezone; validated by Load, UTC on failure.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Log.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Print displays the configuration summary.
func (c *Config) Print() {
	fmt.Printf("Server: %s\n", c.Server.Name)
	fmt.Printf("Log: capacity %d, timezone %s\n", c.Log.Capacity, c.Log.Timezone)
	if c.UDP.Enabled {
		fmt.Printf("UDP: %s control=%d status=%d\n", c.UDP.Bind, c.UDP.ControlPort, c.UDP.StatusPort)
	}
	if c.SSE.Enabled {
		fmt.Printf("SSE: %s (event %s)\n", c.SSE.URL, c.SSE.Event)
	}
	if c.MQTT.Enabled {
		fmt.Printf("MQTT: %s (topic: %s)\n", c.MQTT.Broker, c.MQTT.Topic)
	}
	if c.Telnet.Enabled {
		fmt.Printf("Telnet: port %d (transport=%s)\n", c.Telnet.Port, c.Telnet.Transport)
	}
	if c.Recorder.Enabled {
		fmt.Printf("Recorder: %s (limit %d per opcode)\n", c.Recorder.Path, c.Recorder.PerOpcodeLimit)
	}
}
