package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/envmon/internal/device"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), zerolog.Nop())
	assert.Equal(t, DefaultConfig().Device, cfg.Device)
	assert.Equal(t, 5, cfg.Monitor.TimeoutLimit)
	assert.Equal(t, ":8080", cfg.ListenAddr())
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
device:
  type: serial
  port_path: /dev/ttyACM1
  driver: tarm
  poll_interval_ms: 500
monitor:
  temp_limit: 28.5
logging:
  level: debug
`)
	cfg := LoadConfig(path, zerolog.Nop())

	assert.Equal(t, "/dev/ttyACM1", cfg.Device.PortPath)
	assert.Equal(t, "tarm", cfg.Device.Driver)
	assert.Equal(t, 500, cfg.Device.PollIntervalMs)
	assert.Equal(t, 115200, cfg.Device.BaudRate, "unset fields keep defaults")
	assert.Equal(t, float32(28.5), cfg.Monitor.TempLimit)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_TOML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.toml", `
[device]
type = "demo"
baud_rate = 57600

[monitor]
timeout_limit = 3
clock_sync_interval_ms = 30000

[server]
listen_addr = ":9090"
`)
	cfg := LoadConfig(path, zerolog.Nop())

	assert.Equal(t, "demo", cfg.Device.Type)
	assert.Equal(t, 57600, cfg.Device.BaudRate)
	assert.Equal(t, 3, cfg.Monitor.TimeoutLimit)
	assert.Equal(t, 30000, cfg.Monitor.ClockSyncIntervalMs)
	assert.Equal(t, ":9090", cfg.ListenAddr())
}

func TestLoadConfig_InvalidFileUsesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "device: [unterminated")
	cfg := LoadConfig(path, zerolog.Nop())
	assert.Equal(t, DefaultConfig().Device, cfg.Device)
	assert.Equal(t, path, cfg.Path())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DEVICE_PORT", "COM7")
	t.Setenv("DEVICE_BAUD", "9600")
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("TIMEOUT_LIMIT", "8")
	t.Setenv("TEMP_LIMIT", "31.5")
	t.Setenv("LISTEN_ADDR", "127.0.0.1:8000")
	t.Setenv("DEVICE_BAUD", "not-a-number")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"), zerolog.Nop())
	assert.Equal(t, "COM7", cfg.Device.PortPath)
	assert.Equal(t, 115200, cfg.Device.BaudRate, "unparseable values are ignored")
	assert.Equal(t, 250, cfg.Device.PollIntervalMs)
	assert.Equal(t, 8, cfg.Monitor.TimeoutLimit)
	assert.Equal(t, float32(31.5), cfg.Monitor.TempLimit)
	assert.Equal(t, "127.0.0.1:8000", cfg.ListenAddr())
}

func TestLoadConfig_DotEnvBesideConfig(t *testing.T) {
	t.Setenv("DEVICE_DRIVER", "")
	t.Setenv("DEVICE_TYPE", "")
	dir := t.TempDir()
	writeFile(t, dir, ".env", "# serial settings\nDEVICE_DRIVER='tarm'\nDEVICE_TYPE = \"demo\"\nnot a pair\n")

	cfg := LoadConfig(filepath.Join(dir, "config.yaml"), zerolog.Nop())
	assert.Equal(t, "tarm", cfg.Device.Driver)
	assert.Equal(t, "demo", cfg.Device.Type)
}

func TestConfig_UpdateFromJSONMerges(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"device":{"pollIntervalMs":200},"monitor":{"tempLimit":26}}`)))

	assert.Equal(t, 200, cfg.Device.PollIntervalMs)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Device.PortPath)
	assert.Equal(t, float32(26), cfg.Monitor.TempLimit)
	assert.Equal(t, 5, cfg.Monitor.TimeoutLimit)

	assert.Error(t, cfg.UpdateFromJSON([]byte(`{"device":`)))
}

func TestConfig_RejectedUpdateChangesNothing(t *testing.T) {
	cfg := DefaultConfig()
	before := cfg.Device

	err := cfg.UpdateFromJSON([]byte(`{"device":{"portPath":"/dev/ttyS9","pollIntervalMs":"fast"}}`))
	require.Error(t, err)
	assert.Equal(t, before, cfg.Device)

	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"device":{"pollIntervalMs":300}}`)))
	assert.Equal(t, "/dev/ttyUSB0", cfg.Device.PortPath)
	assert.Equal(t, 300, cfg.Device.PollIntervalMs)
}

func TestConfig_SaveRoundTrip(t *testing.T) {
	for _, name := range []string{"config.yaml", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := LoadConfig(path, zerolog.Nop())
			cfg.Device.PortPath = "/dev/ttyS3"
			cfg.Monitor.TempLimit = 27.25
			require.NoError(t, cfg.Save())

			again := LoadConfig(path, zerolog.Nop())
			assert.Equal(t, "/dev/ttyS3", again.Device.PortPath)
			assert.Equal(t, float32(27.25), again.Monitor.TempLimit)
			assert.Equal(t, cfg.Server, again.Server)
		})
	}
}

func TestConfig_Settings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device.PortPath = "COM4"
	cfg.Device.ResponseTimeoutMs = 300

	dc := cfg.DeviceSettings()
	assert.Equal(t, "COM4", dc.Port.Name)
	assert.Equal(t, time.Second, dc.PollInterval)
	assert.Equal(t, 300*time.Millisecond, dc.Invoker.ResponseTimeout)
	assert.Equal(t, 600*time.Millisecond, dc.Invoker.FrameTimeout)
	assert.Equal(t, 4, dc.Invoker.MaxResync)

	mc := cfg.MonitorSettings()
	assert.Equal(t, "COM4", mc.Port)
	assert.Equal(t, time.Minute, mc.ClockSyncInterval)
	assert.Equal(t, float32(30), mc.TempLimit)
}

func TestConfig_Opener(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetDemo()
	open, err := cfg.Opener()
	require.NoError(t, err)
	port, err := open(device.PortConfig{})
	require.NoError(t, err)
	assert.IsType(t, &device.DemoPort{}, port)

	cfg = DefaultConfig()
	cfg.Device.Driver = "usbfs"
	_, err = cfg.Opener()
	assert.Error(t, err)
}
