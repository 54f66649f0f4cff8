package engine

import (
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/mock"
)

func init() {
	renderer.RegisterBackend(metadata.BackendMock.String(), func(cfg core.DeviceConfig, window metadata.WindowHandle, logger *core.Logger) (backend.Adapter, error) {
		return mock.NewAdapter(mock.Options{Logger: logger}), nil
	})
}
