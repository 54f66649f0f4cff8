package renderer

import (
	"sort"
	"sync"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// AdapterFactory opens a backend adapter. window is the surface the first
// swap chain will present to; headless adapters ignore it.
type AdapterFactory func(cfg core.DeviceConfig, window metadata.WindowHandle, logger *core.Logger) (backend.Adapter, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]AdapterFactory{}
)

// RegisterBackend makes a backend available to OpenAdapter under name.
// Registering the same name twice replaces the previous factory.
func RegisterBackend(name string, factory AdapterFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Backends lists the registered backend names.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OpenAdapter opens the backend named by cfg.Backend.
func OpenAdapter(cfg core.DeviceConfig, window metadata.WindowHandle, logger *core.Logger) (backend.Adapter, error) {
	factoriesMu.RLock()
	factory, ok := factories[cfg.Backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, core.Mismatch("backend %q is not available (registered: %v)", cfg.Backend, Backends())
	}
	return factory(cfg, window, logger)
}
