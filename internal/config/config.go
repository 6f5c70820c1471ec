package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/goax12/internal/dxl"
)

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	// Servo bus
	Bus     BusConfig     `yaml:"bus" json:"bus"`
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`

	// Outputs
	Recorder RecorderConfig `yaml:"recorder" json:"recorder"`
	MQTT     MQTTConfig     `yaml:"mqtt" json:"mqtt"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Server  ServerConfig  `yaml:"server" json:"server"`

	path string // file path for save/load
}

type BusConfig struct {
	Type       string `yaml:"type" json:"type"` // "serial" or "demo"
	dxl.Config `yaml:",inline"`
	DemoIDs    []int `yaml:"demo_ids" json:"demoIds"` // servos on the virtual bus
}

type MonitorConfig struct {
	PollHz    int   `yaml:"poll_hz" json:"pollHz"`
	ScanIDs   []int `yaml:"scan_ids" json:"scanIds"`     // empty scans 0..253
	RescanSec int   `yaml:"rescan_sec" json:"rescanSec"` // 0 disables periodic rescans
	Retries   int   `yaml:"retries" json:"retries"`      // resends of retryable failures
	QueueSize int   `yaml:"queue_size" json:"queueSize"` // pending commands
	CmdPerSec int   `yaml:"cmd_per_sec" json:"cmdPerSec"` // API command rate limit
	CmdBurst  int   `yaml:"cmd_burst" json:"cmdBurst"`
}

type RecorderConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" json:"broker"` // e.g. tcp://localhost:1883
	ClientID string `yaml:"client_id" json:"clientId"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	Node     string `yaml:"node" json:"node"` // defaults to the machine id
	QoS      int    `yaml:"qos" json:"qos"`
}

type LoggingConfig struct {
	Level  string        `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string        `yaml:"format" json:"format"` // "console" or "json"
	File   LogFileConfig `yaml:"file" json:"file"`
}

// LogFileConfig enables a rotating log file when Filename is set.
type LogFileConfig struct {
	Filename   string `yaml:"filename" json:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"maxSizeMb"`
	MaxBackups int    `yaml:"max_backups" json:"maxBackups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"maxAgeDays"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	PushHz     int    `yaml:"push_hz" json:"pushHz"` // websocket frame rate
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Type:    "demo",
			Config:  dxl.DefaultConfig(),
			DemoIDs: []int{1, 2, 3},
		},
		Monitor: MonitorConfig{
			PollHz:    10,
			RescanSec: 0,
			Retries:   1,
			QueueSize: 32,
			CmdPerSec: 20,
			CmdBurst:  5,
		},
		Recorder: RecorderConfig{
			Enabled:    false,
			Path:       "/var/log/goax12",
			IntervalMs: 100,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker:  "tcp://localhost:1883",
			Prefix:  "goax12",
			QoS:     0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			File: LogFileConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 14,
			},
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
			PushHz:     10,
		},
	}
}

// Load reads config from a YAML file, then applies .env and environment
// variable overrides. A missing file yields the defaults; a file that does
// not parse is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// .env next to the config file, then in the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: DXL_BUS, DXL_PORT, DXL_BAUD, DXL_SETTLE_MS, DXL_READ_MODE,
// LISTEN_ADDR, LOG_LEVEL, LOG_FORMAT, MQTT_BROKER, RECORD_ENABLED, RECORD_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DXL_BUS"); v != "" {
		c.Bus.Type = v
	}
	if v := os.Getenv("DXL_PORT"); v != "" {
		c.Bus.PortPath = v
	}
	if v := os.Getenv("DXL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bus.BaudRate = n
		}
	}
	if v := os.Getenv("DXL_SETTLE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bus.SettleMs = n
		}
	}
	if v := os.Getenv("DXL_READ_MODE"); v != "" {
		c.Bus.ReadMode = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
		c.MQTT.Enabled = true
	}
	if v := os.Getenv("RECORD_ENABLED"); v != "" {
		c.Recorder.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("RECORD_PATH"); v != "" {
		c.Recorder.Path = v
	}
}

// Validate checks values that would otherwise fail later in obscure ways.
func (c *Config) Validate() error {
	switch c.Bus.Type {
	case "serial", "demo":
	default:
		return fmt.Errorf("config: bus.type %q (should be serial or demo)", c.Bus.Type)
	}
	switch c.Bus.ReadMode {
	case "", dxl.ReadAvailable, dxl.ReadFrame:
	default:
		return fmt.Errorf("config: bus.read_mode %q (should be %s or %s)", c.Bus.ReadMode, dxl.ReadAvailable, dxl.ReadFrame)
	}
	if c.Bus.Type == "serial" && c.Bus.PortPath == "" {
		return errors.New("config: bus.port_path is required for a serial bus")
	}
	if c.Bus.BaudRate < 0 || c.Bus.SettleMs < 0 || c.Bus.ReadTimeoutMs < 0 {
		return errors.New("config: bus timings and baud rate must not be negative")
	}
	for _, ids := range [][]int{c.Bus.DemoIDs, c.Monitor.ScanIDs} {
		for _, id := range ids {
			if id < 0 || id > dxl.MaxServoID {
				return fmt.Errorf("config: servo id %d (should be in 0..%d)", id, dxl.MaxServoID)
			}
		}
	}
	if c.Monitor.PollHz <= 0 || c.Monitor.PollHz > 100 {
		return fmt.Errorf("config: monitor.poll_hz %d (should be in 1..100)", c.Monitor.PollHz)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("config: mqtt.qos %d (should be 0, 1 or 2)", c.MQTT.QoS)
	}
	return nil
}

// BusSettings returns a copy of the bus section.
func (c *Config) BusSettings() BusConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b := c.Bus
	b.DemoIDs = append([]int(nil), c.Bus.DemoIDs...)
	return b
}

// RecorderSettings returns a copy of the recorder section.
func (c *Config) RecorderSettings() RecorderConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Recorder
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = "/etc/goax12/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. The update is rejected as a whole when the
// merged result does not validate.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	next := &Config{path: c.path, MQTT: MQTTConfig{Password: c.MQTT.Password}}
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	c.Bus, c.Monitor, c.Recorder = next.Bus, next.Monitor, next.Recorder
	c.MQTT, c.Logging, c.Server = next.MQTT, next.Logging, next.Server
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
