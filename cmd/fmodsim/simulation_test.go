package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/fmod-bridge/config"
	"github.com/wippyai/fmod-bridge/handle"
	"github.com/wippyai/fmod-bridge/registry"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Sim.SoundLength = 40 * time.Millisecond
	cfg.Run.Channels = 8
	cfg.Run.Duration = 300 * time.Millisecond
	cfg.Run.UpdateRate = 100
	cfg.Run.Events = 2
	cfg.Run.Spatial = true
	return cfg
}

func TestSimulationRun(t *testing.T) {
	ctx := context.Background()
	s, err := newSimulation(ctx, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.run(ctx))
	snap := s.snapshot()
	s.close()

	require.NotZero(t, snap.Updates)
	require.GreaterOrEqual(t, snap.Spawned, uint64(8))
	require.NotZero(t, snap.Ended, "short sounds should have ended")
	require.NotZero(t, snap.Rolloffs, "spatial channels go through the rolloff callback")
	require.NotZero(t, snap.EventCbs)
	require.NotZero(t, snap.Registry.Swept+snap.Registry.Destroyed, "finished objects should leave the registry")
	require.Zero(t, snap.Bridge.Panics)
	require.NoError(t, snap.LastErr)
}

func TestSimulationPauseAndDevices(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Run.Duration = 0
	s, err := newSimulation(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.close()

	require.True(t, s.togglePause())
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	s.eng.SimulateDeviceChange()
	require.NoError(t, s.run(ctx))

	snap := s.snapshot()
	require.True(t, snap.Paused)
	require.Zero(t, snap.Spawned)
	require.EqualValues(t, 1, snap.Devices)
}

func TestMetricsRegistry(t *testing.T) {
	s, err := newSimulation(context.Background(), testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.close()

	families, err := newMetricsRegistry(s).Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"fmodsim_bridge_executed_total",
		"fmodsim_registry_live",
		"fmodsim_registry_live_by_kind",
		"fmodsim_engine_channels",
		"fmodsim_updates_total",
	} {
		require.True(t, names[want], "missing metric %s", want)
	}
}

func TestAppRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fmodsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: error\nsim:\n  sound_length: 30ms\n"), 0o600))

	err := newApp().Run([]string{"fmodsim", "--config", path, "run", "--channels", "4", "--duration", "100ms"})
	require.NoError(t, err)

	err = newApp().Run([]string{"fmodsim", "--config", path, "--log-level", "loud", "run"})
	require.Error(t, err)
}

func TestInstallLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	installLogger(zap.New(core))
	defer installLogger(nil)

	_, err := registry.New().Lookup(handle.New(handle.KindSound, 0x1000))
	require.Error(t, err)

	entries := logs.FilterLoggerName("registry").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)

	installLogger(nil)
	_, _ = registry.New().Lookup(handle.New(handle.KindSound, 0x1000))
	require.Equal(t, 1, logs.Len(), "reset loggers still write")
}
