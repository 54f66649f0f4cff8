package core

import (
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestParseConfigOverridesDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
[engine]
name = "sandbox"
headless = true

[device]
frames_in_flight = 3

[device.heaps]
resource = 512

[log]
level = "debug"
`))
	require.NoError(t, err)
	assert.Equal(t, "sandbox", cfg.Engine.Name)
	assert.True(t, cfg.Engine.Headless)
	assert.Equal(t, uint32(3), cfg.Device.FramesInFlight)
	assert.Equal(t, uint32(512), cfg.Device.Heaps.Resource)
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultConfig().Device.Heaps.Sampler, cfg.Device.Heaps.Sampler)
	assert.Equal(t, "mock", cfg.Device.Backend)
	assert.Equal(t, log.DebugLevel, cfg.Log.ParsedLevel())
}

func TestParseConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"unknown key", "[device]\nfames_in_flight = 2\n"},
		{"unknown backend", "[device]\nbackend = \"metal\"\n"},
		{"no frames in flight", "[device]\nframes_in_flight = 0\n"},
		{"single back buffer", "[device]\nback_buffer_count = 1\n"},
		{"empty heap", "[device.heaps]\nsampler = 0\n"},
		{"bindless fills the heap", "[device.heaps]\nshader_visible = 100\n"},
		{"bindless samplers fill the heap", "[device.bindless]\nsamplers = 4096\n"},
		{"log level", "[log]\nlevel = \"loud\"\n"},
		{"syntax", "[device\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.toml))
			assert.Error(t, err)
		})
	}
}

func TestWriteAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anima.toml")
	cfg := DefaultConfig()
	cfg.Device.Backend = "vulkan"
	cfg.Engine.MaxFrames = 10
	require.NoError(t, WriteConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestParsedLevelFallsBackToInfo(t *testing.T) {
	assert.Equal(t, log.InfoLevel, LogConfig{}.ParsedLevel())
	assert.Equal(t, log.InfoLevel, LogConfig{Level: "nope"}.ParsedLevel())
	assert.Equal(t, log.WarnLevel, LogConfig{Level: "warn"}.ParsedLevel())
}
