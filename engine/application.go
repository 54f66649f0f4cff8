package engine

import (
	"github.com/spaghettifunk/anima-rhi/engine/core"
)

type ApplicationConfig struct {
	// TOML configuration loaded on top of the defaults. Empty keeps the defaults.
	ConfigPath string
	// Applied to the loaded configuration before it is validated.
	Configure func(cfg *core.Config)
}

// Load resolves the configuration of the application.
func (a *ApplicationConfig) Load() (*core.Config, error) {
	cfg := core.DefaultConfig()
	if a != nil && a.ConfigPath != "" {
		loaded, err := core.LoadConfig(a.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if a != nil && a.Configure != nil {
		a.Configure(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
