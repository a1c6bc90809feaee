package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wippyai/fmod-bridge/errors"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	require.Equal(t, uint64(0xDEADCAFE), c.Registry.Sentinel)
	require.Equal(t, time.Second/60, c.Run.UpdateInterval())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fmodsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
  file: /tmp/fmodsim.log
registry:
  strict: true
sim:
  mix_interval: 5ms
  max_channels: 8
run:
  channels: 32
  duration: 0s
  update_rate: 120
  spatial: true
guest:
  module: callbacks.wasm
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", c.Log.Level)
	require.Equal(t, "/tmp/fmodsim.log", c.Log.File)
	require.Equal(t, 100, c.Log.MaxSizeMB, "unset keys keep their defaults")
	require.True(t, c.Registry.Strict)
	require.Equal(t, 5*time.Millisecond, c.Sim.MixInterval)
	require.Equal(t, 8, c.Sim.MaxChannels)
	require.Equal(t, 4, c.Sim.DecodeWorkers)
	require.Equal(t, 32, c.Run.Channels)
	require.Zero(t, c.Run.Duration)
	require.True(t, c.Run.Spatial)
	require.Equal(t, "callbacks.wasm", c.Guest.Module)
}

func TestLoad_EmptyPathAndFile(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), c)

	c, err = Parse(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), c)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	e, ok := errors.As(err)
	require.True(t, ok)
	require.Equal(t, errors.PhaseConfig, e.Phase)
	require.Equal(t, errors.KindNotFound, e.Kind)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "sim:\n  mixer: 1ms\n"},
		{"bad level", "log:\n  level: loud\n"},
		{"zero workers", "sim:\n  decode_workers: 0\n"},
		{"zero sentinel", "registry:\n  sentinel: 0\n"},
		{"negative interval", "sim:\n  mix_interval: -1ms\n"},
		{"zero update rate", "run:\n  update_rate: 0\n"},
		{"bad duration", "run:\n  duration: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			e, ok := errors.As(err)
			require.True(t, ok, "error is not structured: %v", err)
			require.Equal(t, errors.PhaseConfig, e.Phase)
		})
	}
}
