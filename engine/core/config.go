package core

import (
	"bytes"
	"os"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

// Config is the on-disk engine configuration (TOML).
type Config struct {
	Engine EngineConfig `toml:"engine"`
	Device DeviceConfig `toml:"device"`
	Log    LogConfig    `toml:"log"`
}

type EngineConfig struct {
	// The application name used in windowing, if applicable.
	Name string `toml:"name"`
	// Window starting position, if applicable.
	StartPosX uint32 `toml:"start_pos_x"`
	StartPosY uint32 `toml:"start_pos_y"`
	// Window starting size, if applicable.
	StartWidth  uint32 `toml:"start_width"`
	StartHeight uint32 `toml:"start_height"`
	// Directory holding compiled shader blobs and their sidecars.
	ShaderDir string `toml:"shader_dir"`
	// Reload shader blobs when they change on disk.
	HotReload bool `toml:"hot_reload"`
	// Run without a window. Frames still go through the swap chain of
	// backends that support headless presentation.
	Headless bool `toml:"headless"`
	// Stop after this many frames. Zero runs until the window closes.
	MaxFrames uint64 `toml:"max_frames"`
}

// DeviceConfig drives Device construction.
type DeviceConfig struct {
	// Backend adapter name: "mock" or "vulkan".
	Backend string `toml:"backend"`
	// Number of frames the CPU may record ahead of the GPU.
	FramesInFlight uint32 `toml:"frames_in_flight"`
	// Enable backend validation layers where supported.
	Validation      bool           `toml:"validation"`
	BackBufferCount uint32         `toml:"back_buffer_count"`
	Heaps           HeapConfig     `toml:"heaps"`
	Bindless        BindlessConfig `toml:"bindless"`
}

// HeapConfig holds the default capacity of each descriptor heap pool. A pool
// grows by whole heaps of at least this size.
type HeapConfig struct {
	Resource            uint32 `toml:"resource"`
	Sampler             uint32 `toml:"sampler"`
	RenderTarget        uint32 `toml:"render_target"`
	DepthStencil        uint32 `toml:"depth_stencil"`
	ShaderVisible       uint32 `toml:"shader_visible"`
	ShaderVisibleSample uint32 `toml:"shader_visible_sampler"`
}

// BindlessConfig holds the capacity of each bindless handle pool.
type BindlessConfig struct {
	Buffers         uint32 `toml:"buffers"`
	StorageBuffers  uint32 `toml:"storage_buffers"`
	Textures        uint32 `toml:"textures"`
	StorageTextures uint32 `toml:"storage_textures"`
	Samplers        uint32 `toml:"samplers"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Name:        "anima",
			StartPosX:   100,
			StartPosY:   100,
			StartWidth:  1280,
			StartHeight: 720,
			ShaderDir:   "assets/shaders",
		},
		Device: DeviceConfig{
			Backend:         "mock",
			FramesInFlight:  2,
			BackBufferCount: 3,
			Heaps: HeapConfig{
				Resource:            1024,
				Sampler:             128,
				RenderTarget:        64,
				DepthStencil:        32,
				ShaderVisible:       16384,
				ShaderVisibleSample: 2048,
			},
			Bindless: BindlessConfig{
				Buffers:         2048,
				StorageBuffers:  1024,
				Textures:        4096,
				StorageTextures: 1024,
				Samplers:        256,
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig decodes TOML bytes on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteConfig encodes cfg as TOML into path.
func WriteConfig(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the configuration for values the device cannot honour.
func (c *Config) Validate() error {
	switch c.Device.Backend {
	case "mock", "vulkan":
	default:
		return errors.Newf("config: unknown backend %q", c.Device.Backend)
	}
	if err := c.Device.Validate(); err != nil {
		return err
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "config: log level")
	}
	return nil
}

// Validate checks frame counts and that the bindless pools fit, next to room
// for transient tables, in the single shader-visible heap of each kind.
func (d DeviceConfig) Validate() error {
	if d.FramesInFlight == 0 || d.FramesInFlight > 8 {
		return errors.Newf("config: frames_in_flight must be in [1, 8], got %d", d.FramesInFlight)
	}
	if d.BackBufferCount < 2 {
		return errors.Newf("config: back_buffer_count must be at least 2, got %d", d.BackBufferCount)
	}
	h := d.Heaps
	if h.Resource == 0 || h.Sampler == 0 || h.RenderTarget == 0 || h.DepthStencil == 0 {
		return errors.New("config: descriptor heap sizes must be non-zero")
	}
	b := d.Bindless
	views := uint64(b.Buffers) + uint64(b.StorageBuffers) + uint64(b.Textures) + uint64(b.StorageTextures)
	if views >= uint64(h.ShaderVisible) {
		return errors.Newf("config: bindless view pools (%d) leave no room in the shader-visible heap (%d)", views, h.ShaderVisible)
	}
	if b.Samplers >= h.ShaderVisibleSample {
		return errors.Newf("config: bindless sampler pool (%d) leaves no room in the shader-visible sampler heap (%d)", b.Samplers, h.ShaderVisibleSample)
	}
	return nil
}

func parseLevel(level string) (log.Level, error) {
	if level == "" {
		return log.InfoLevel, nil
	}
	return log.ParseLevel(level)
}

// ParsedLevel returns the configured log level, defaulting to info.
func (c LogConfig) ParsedLevel() log.Level {
	lvl, err := parseLevel(c.Level)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
