package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bufferlink/machine"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func validConfig() *Config {
	cfg := Default()
	cfg.Transceiver.Host = "192.168.240.1"
	return cfg
}

func TestDefault_NeedsOnlyBoardHost(t *testing.T) {
	require.Error(t, Default().Validate())
	require.NoError(t, validConfig().Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad transceiver port", func(c *Config) { c.Transceiver.Port = 0 }, "transceiver.port"},
		{"zero timeout", func(c *Config) { c.Transceiver.Timeout = 0 }, "transceiver.timeout"},
		{"negative rate", func(c *Config) { c.Transceiver.SendRate = -1 }, "send_rate"},
		{"listener port too large", func(c *Config) { c.Listener.Port = 70000 }, "listener.port"},
		{"unknown storage mode", func(c *Config) { c.Storage.Mode = "tape" }, "unknown mode"},
		{"file mode without path", func(c *Config) { c.Storage.Mode = StorageModeFile }, "path is required"},
		{"objectstore without url", func(c *Config) {
			c.Storage.Mode = StorageModeObjectStore
			c.NATS.URL = ""
		}, "nats.url"},
		{"objectstore without bucket", func(c *Config) {
			c.Storage.Mode = StorageModeObjectStore
			c.Storage.Bucket = ""
		}, "bucket"},
		{"window too large", func(c *Config) { c.Buffering.WindowSize = 200 }, "window_size"},
		{"no drain queue", func(c *Config) { c.Buffering.DrainQueueSize = 0 }, "drain_queue_size"},
		{"metrics port", func(c *Config) { c.Metrics.Port = 0 }, "metrics.port"},
		{"duplicate core", func(c *Config) {
			c.Cores = []CoreConfig{{X: 0, Y: 0, P: 1}, {X: 0, Y: 0, P: 1}}
		}, "listed twice"},
		{"send region without address", func(c *Config) {
			c.Cores = []CoreConfig{{P: 1, Sends: []SendConfig{{Region: 2, Size: 64}}}}
		}, "no base address"},
		{"send region without size", func(c *Config) {
			c.Cores = []CoreConfig{{
				P:       1,
				Regions: []RegionAddress{{Region: 2, Address: 0x1000}},
				Sends:   []SendConfig{{Region: 2}},
			}}
		}, "size must be positive"},
		{"recording without base", func(c *Config) {
			c.Cores = []CoreConfig{{P: 1, Recorded: []int{0}}}
		}, "recording_base"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_MetricsPortIgnoredWhenDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 0
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bufferd.json", `{
		"transceiver": {"host": "10.0.0.2", "timeout": "250ms"},
		"storage": {"mode": "file", "path": "/tmp/bufferd"},
		"nats": {"reconnect_wait": "5s"},
		"cores": [
			{"x": 0, "y": 1, "p": 3,
			 "regions": [{"region": 1, "address": 4096}],
			 "sends": [{"region": 1, "size": 1024, "events": {"0": [1, 2], "5": [3]}}],
			 "recorded": [0], "recording_base": 8192}
		]
	}`)

	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.2", cfg.Transceiver.Host)
	assert.Equal(t, 250*time.Millisecond, cfg.Transceiver.Timeout)
	assert.Equal(t, 5*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, StorageModeFile, cfg.Storage.Mode)
	// Untouched defaults survive the merge.
	assert.Equal(t, 17893, cfg.Transceiver.Port)
	assert.Equal(t, 64, cfg.Buffering.WindowSize)
	require.Len(t, cfg.Cores, 1)
	assert.Equal(t, machine.Core{X: 0, Y: 1, P: 3}, cfg.Cores[0].Core())
}

func TestLoader_LoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bufferd.yaml", `
transceiver:
  host: board.local
  timeout: 2s
buffering:
  window_size: 32
cores:
  - x: 1
    y: 1
    p: 4
    regions:
      - region: 2
        address: 0x70000000
    sends:
      - region: 2
        size: 512
        events:
          10: [7, 8]
`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "board.local", cfg.Transceiver.Host)
	assert.Equal(t, 2*time.Second, cfg.Transceiver.Timeout)
	assert.Equal(t, 32, cfg.Buffering.WindowSize)
	require.Len(t, cfg.Cores, 1)
	assert.Equal(t, uint32(0x70000000), cfg.Cores[0].Regions[0].Address)
	assert.Equal(t, []uint32{7, 8}, cfg.Cores[0].Sends[0].Events["10"])
}

func TestLoader_LayersMerge(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.json", `{
		"transceiver": {"host": "10.0.0.2", "retry_attempts": 9},
		"metrics": {"port": 9100}
	}`)
	site := writeFile(t, dir, "site.json", `{"transceiver": {"host": "10.0.0.3"}}`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(site)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.3", cfg.Transceiver.Host)
	assert.Equal(t, 9, cfg.Transceiver.RetryAttempts)
	assert.Equal(t, 9100, cfg.Metrics.Port)
}

func TestLoader_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bufferd.json", `{"transceiver": {"host": "10.0.0.2"}}`)

	t.Setenv("BUFFERLINK_BOARD_HOST", "10.9.9.9")
	t.Setenv("BUFFERLINK_STORAGE_MODE", StorageModeObjectStore)
	t.Setenv("BUFFERLINK_LISTENER_PORT", "17895")

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "10.9.9.9", cfg.Transceiver.Host)
	assert.Equal(t, StorageModeObjectStore, cfg.Storage.Mode)
	assert.Equal(t, 17895, cfg.Listener.Port)

	t.Setenv("BUFFERLINK_METRICS_PORT", "nine")
	_, err = NewLoader().LoadFile(path)
	require.Error(t, err)
}

func TestLoader_Rejects(t *testing.T) {
	dir := t.TempDir()

	t.Run("bad duration", func(t *testing.T) {
		path := writeFile(t, dir, "dur.json", `{"transceiver": {"timeout": "soon"}}`)
		_, err := NewLoader().LoadFile(path)
		require.Error(t, err)
	})
	t.Run("wrong extension", func(t *testing.T) {
		path := writeFile(t, dir, "bufferd.toml", `x = 1`)
		_, err := NewLoader().LoadFile(path)
		require.Error(t, err)
	})
	t.Run("nested too deep", func(t *testing.T) {
		path := writeFile(t, dir, "deep.json", strings.Repeat("[", maxNesting+1)+strings.Repeat("]", maxNesting+1))
		_, err := NewLoader().LoadFile(path)
		require.ErrorContains(t, err, "nests deeper")
	})
	t.Run("parent path", func(t *testing.T) {
		_, err := NewLoader().LoadFile("../bufferd.yaml")
		require.ErrorContains(t, err, "leaves the working directory")
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := NewLoader().LoadFile(filepath.Join(dir, "nope.json"))
		require.Error(t, err)
	})
	t.Run("validation", func(t *testing.T) {
		path := writeFile(t, dir, "empty.json", `{}`)
		loader := NewLoader()
		loader.EnableValidation(true)
		_, err := loader.LoadFile(path)
		require.Error(t, err)
	})
}

func TestConfig_SaveAndReload(t *testing.T) {
	dir := t.TempDir()
	cfg := validConfig()
	cfg.Cores = []CoreConfig{{
		X:             2,
		Y:             3,
		P:             1,
		Regions:       []RegionAddress{{Region: 1, Address: 0x2000}},
		Sends:         []SendConfig{{Region: 1, Size: 256, Events: map[string][]uint32{"1": {4}}}},
		Recorded:      []int{0, 1},
		RecordingBase: 0x3000,
	}}

	for _, name := range []string{"saved.json", "saved.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, cfg.SaveToFile(path))

			loaded, err := NewLoader().LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg.Transceiver, loaded.Transceiver)
			assert.Equal(t, cfg.Cores, loaded.Cores)
		})
	}
}

func TestConfig_Placements(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sched.json", `[{"timestamp": 0, "key": 9}]`)
	path := writeFile(t, dir, "bufferd.json", `{
		"transceiver": {"host": "10.0.0.2"},
		"listener": {"port": 0, "tag": 3},
		"cores": [
			{"label": "source", "x": 0, "y": 0, "p": 1,
			 "regions": [{"region": 1, "address": 4096}],
			 "sends": [{"region": 1, "size": 128, "schedule": "sched.json"}]},
			{"x": 0, "y": 0, "p": 2, "recorded": [0, 1], "recording_base": 8192}
		]
	}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	placements, err := cfg.Placements()
	require.NoError(t, err)
	require.Len(t, placements, 2)

	src := placements[0].Vertex
	assert.Equal(t, "source", src.Label())
	assert.True(t, src.IsSender())
	assert.False(t, src.IsReceiver())
	assert.Equal(t, 128, src.RegionBufferSize(1))
	require.True(t, src.Source(1).HasNextTimestamp())
	assert.Empty(t, src.IPTags())

	rec := placements[1].Vertex
	assert.Equal(t, "core 0,0,2", rec.Label())
	assert.True(t, rec.IsReceiver())
	require.Len(t, rec.IPTags(), 1)
	assert.Equal(t, uint8(3), rec.IPTags()[0].Tag)
	assert.Equal(t, "10.0.0.2", rec.IPTags()[0].BoardAddress)
	assert.Equal(t, machine.BufferTraffic, rec.IPTags()[0].TrafficID)

	addr, err := cfg.RegionTable().RegionBaseAddress(context.Background(), machine.Core{P: 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(4096), addr)
}
