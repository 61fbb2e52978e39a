package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/envmon/internal/protocol"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	base := []string{"--config", filepath.Join(t.TempDir(), "config.yaml"), "--log-level", "off"}
	cmd.SetArgs(append(base, args...))
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, path := range [][]string{{"run"}, {"read"}, {"threshold", "get"}, {"threshold", "set"}, {"clock", "sync"}} {
		t.Run(strings.Join(path, " "), func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := newRootCommand()

	cfg := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfg)
	assert.Equal(t, "c", cfg.Shorthand)
	assert.Equal(t, "/etc/envmon/config.yaml", cfg.DefValue)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	assert.NotNil(t, run.Flags().Lookup("listen"))
}

func TestThresholdCommands(t *testing.T) {
	out, err := execute(t, "--demo", "threshold", "get")
	require.NoError(t, err)
	assert.Equal(t, "30", out)

	out, err = execute(t, "--demo", "threshold", "set", "31.5")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	_, err = execute(t, "--demo", "threshold", "set", "warm")
	assert.Error(t, err)
}

func TestReadCommandJSON(t *testing.T) {
	out, err := execute(t, "--demo", "--format", "json", "read")
	require.NoError(t, err)

	var r protocol.SensorReading
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.InDelta(t, 24, r.Temperature, 9)
	assert.InDelta(t, 45, r.Humidity, 17)
}

func TestClockSyncCommand(t *testing.T) {
	out, err := execute(t, "--demo", "clock", "sync", "--epoch", "1700000000")
	require.NoError(t, err)
	assert.Equal(t, "1700000000", out)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--demo", "--format", "xml", "read")
	assert.ErrorContains(t, err, "invalid format")
}

func TestMissingSerialPort(t *testing.T) {
	_, err := execute(t, "--port", "/dev/envmon-does-not-exist", "read")
	assert.Error(t, err)
}
