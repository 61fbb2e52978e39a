package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/envmon/internal/device"
	"github.com/shaunagostinho/envmon/internal/logging"
	"github.com/shaunagostinho/envmon/internal/monitor"
	"github.com/shaunagostinho/envmon/internal/protocol"
)

// Config holds all envmon configuration.
type Config struct {
	mu sync.RWMutex

	Device  DeviceConfig   `yaml:"device" toml:"device" json:"device"`
	Monitor MonitorConfig  `yaml:"monitor" toml:"monitor" json:"monitor"`
	Logging logging.Config `yaml:"logging" toml:"logging" json:"logging"`
	Server  ServerConfig   `yaml:"server" toml:"server" json:"server"`

	path string // file path for save/load
}

type DeviceConfig struct {
	Type              string `yaml:"type" toml:"type" json:"type"`                // "serial" or "demo"
	PortPath          string `yaml:"port_path" toml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0, COM3
	BaudRate          int    `yaml:"baud_rate" toml:"baud_rate" json:"baudRate"`
	Driver            string `yaml:"driver" toml:"driver" json:"driver"` // "bugst" or "tarm"
	PollIntervalMs    int    `yaml:"poll_interval_ms" toml:"poll_interval_ms" json:"pollIntervalMs"`
	ResponseTimeoutMs int    `yaml:"response_timeout_ms" toml:"response_timeout_ms" json:"responseTimeoutMs"`
	FrameTimeoutMs    int    `yaml:"frame_timeout_ms" toml:"frame_timeout_ms" json:"frameTimeoutMs"`
	MaxResync         int    `yaml:"max_resync" toml:"max_resync" json:"maxResync"`
}

type MonitorConfig struct {
	TimeoutLimit        int     `yaml:"timeout_limit" toml:"timeout_limit" json:"timeoutLimit"`
	ClockSyncIntervalMs int     `yaml:"clock_sync_interval_ms" toml:"clock_sync_interval_ms" json:"clockSyncIntervalMs"`
	TempLimit           float32 `yaml:"temp_limit" toml:"temp_limit" json:"tempLimit"` // °C, until the device reports its own
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Type:              "serial",
			PortPath:          "/dev/ttyUSB0",
			BaudRate:          device.DefaultBaudRate,
			Driver:            device.DriverBugst,
			PollIntervalMs:    1000,
			ResponseTimeoutMs: 600,
			FrameTimeoutMs:    600,
			MaxResync:         protocol.DefaultMaxResync,
		},
		Monitor: MonitorConfig{
			TimeoutLimit:        monitor.DefaultTimeoutLimit,
			ClockSyncIntervalMs: 60000,
			TempLimit:           monitor.DefaultTempLimit,
		},
		Logging: logging.Config{
			Level: "info",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML or TOML file (by extension), then
// applies .env and environment variable overrides. Falls back to defaults
// if the file is missing or invalid.
func LoadConfig(path string, log zerolog.Logger) *Config {
	log = log.With().Str("component", "config").Logger()
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info().Str("path", path).Msg("no config file, using defaults")
	} else if err := decode(path, data, cfg); err != nil {
		log.Error().Err(err).Str("path", path).Msg("invalid config, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info().Str("path", path).Msg("config loaded")
	}

	// Load .env file from the same directory as the config, or from CWD
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if loadEnvFile(ep) {
			log.Info().Str("path", ep).Msg("loaded .env")
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func decode(path string, data []byte, cfg *Config) error {
	if isTOML(path) {
		return toml.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the environment win.
func loadEnvFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
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
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
	return true
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: DEVICE_TYPE, DEVICE_PORT, DEVICE_BAUD, DEVICE_DRIVER,
// POLL_INTERVAL_MS, TIMEOUT_LIMIT, TEMP_LIMIT, LISTEN_ADDR, LOG_LEVEL
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEVICE_TYPE"); v != "" {
		c.Device.Type = v
	}
	if v := os.Getenv("DEVICE_PORT"); v != "" {
		c.Device.PortPath = v
	}
	if v := os.Getenv("DEVICE_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.BaudRate = n
		}
	}
	if v := os.Getenv("DEVICE_DRIVER"); v != "" {
		c.Device.Driver = v
	}
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.PollIntervalMs = n
		}
	}
	if v := os.Getenv("TIMEOUT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Monitor.TimeoutLimit = n
		}
	}
	if v := os.Getenv("TEMP_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			c.Monitor.TempLimit = float32(f)
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Path is the file Save writes to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Save writes the config back in the format it was loaded from.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = "/etc/envmon/config.yaml"
	}

	var data []byte
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return err
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(c); err != nil {
			return err
		}
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
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}

	// Decode into a copy so a rejected patch leaves c untouched.
	next := Config{Device: c.Device, Monitor: c.Monitor, Logging: c.Logging, Server: c.Server}
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("apply patch: %w", err)
	}
	c.Device = next.Device
	c.Monitor = next.Monitor
	c.Logging = next.Logging
	c.Server = next.Server
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]any) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// Opener picks the port opener for the configured device type and driver.
func (c *Config) Opener() (device.Opener, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Device.Type == "demo" {
		return device.OpenDemo, nil
	}
	return device.OpenerFor(c.Device.Driver)
}

// DeviceSettings converts the device section into controller settings.
func (c *Config) DeviceSettings() device.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return device.Config{
		Port: device.PortConfig{
			Name:     c.Device.PortPath,
			BaudRate: c.Device.BaudRate,
		},
		PollInterval: ms(c.Device.PollIntervalMs),
		Invoker: protocol.InvokerConfig{
			ResponseTimeout: ms(c.Device.ResponseTimeoutMs),
			FrameTimeout:    ms(c.Device.FrameTimeoutMs),
			MaxResync:       c.Device.MaxResync,
		},
	}
}

// MonitorSettings converts the config into monitor settings. The opener is
// left for the caller.
func (c *Config) MonitorSettings() monitor.Config {
	dc := c.DeviceSettings()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return monitor.Config{
		Port:              c.Device.PortPath,
		Device:            dc,
		TimeoutLimit:      c.Monitor.TimeoutLimit,
		ClockSyncInterval: ms(c.Monitor.ClockSyncIntervalMs),
		TempLimit:         c.Monitor.TempLimit,
	}
}

// Intervals returns the live-tunable intervals.
func (c *Config) Intervals() (poll, clockSync time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ms(c.Device.PollIntervalMs), ms(c.Monitor.ClockSyncIntervalMs)
}

// SetDemo switches the device to the simulator.
func (c *Config) SetDemo() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Device.Type = "demo"
}

// SetListenAddr overrides the HTTP listen address.
func (c *Config) SetListenAddr(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server.ListenAddr = addr
}

func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.ListenAddr
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
