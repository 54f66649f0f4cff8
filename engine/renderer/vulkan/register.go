//go:build vulkan

package vulkan

import (
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

func init() {
	renderer.RegisterBackend(metadata.BackendVulkan.String(), func(cfg core.DeviceConfig, window metadata.WindowHandle, logger *core.Logger) (backend.Adapter, error) {
		a, err := NewAdapter(Options{
			Window:     window,
			Validation: cfg.Validation,
			Heaps:      cfg.Heaps,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	})
}
