//go:build vulkan

package engine

import (
	_ "github.com/spaghettifunk/anima-rhi/engine/renderer/vulkan"
)
