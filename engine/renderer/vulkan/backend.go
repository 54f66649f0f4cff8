//go:build vulkan

// Package vulkan is the Vulkan 1.2 backend. Shader-visible heaps are
// descriptor sets of partially bound arrays, descriptor tables and root
// constants travel as push constants, and every queue orders its
// submissions on a single host worker that waits binary fences to drive the
// timeline fences.
package vulkan

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/fence"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

const validationLayer = "VK_LAYER_KHRONOS_validation"

type Options struct {
	AppName string
	Window  metadata.WindowHandle
	// Enables VK_LAYER_KHRONOS_validation and routes its reports to Logger.
	Validation bool
	// Sizes the descriptor arrays of shader-visible heaps.
	Heaps  core.HeapConfig
	Logger *core.Logger
	// Number of submissions a queue buffers before Submit blocks.
	QueueDepth int
}

type Adapter struct {
	opts   Options
	ctx    *vkContext
	limits backend.Limits

	sets    *heapLayouts
	fences  *fencePool
	passes  *renderPassCache
	nulls   *nullResources
	address atomic.Uint64

	// Used by uploads and other blocking one-off work.
	immediatePool vk.CommandPool

	mu     sync.Mutex
	queues []*Queue
}

var _ backend.Adapter = (*Adapter)(nil)

// NewAdapter creates the instance, the window surface (unless the window is
// headless) and a logical device with descriptor indexing.
func NewAdapter(opts Options) (*Adapter, error) {
	if opts.AppName == "" {
		opts.AppName = "anima"
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	a := &Adapter{
		opts: opts,
		ctx: &vkContext{
			locks:  newLockPool(),
			logger: opts.Logger.OrDefault().With("backend", "vulkan"),
		},
	}
	a.address.Store(0x1_0000_0000)

	if err := a.createInstance(); err != nil {
		return nil, err
	}
	if err := a.createSurface(); err != nil {
		a.Destroy()
		return nil, err
	}
	if err := a.ctx.selectPhysicalDevice(); err != nil {
		a.Destroy()
		return nil, err
	}
	if err := a.ctx.createLogicalDevice(); err != nil {
		a.Destroy()
		return nil, err
	}
	a.limits = a.computeLimits()

	var err error
	if a.sets, err = newHeapLayouts(a.ctx, a.limits); err != nil {
		a.Destroy()
		return nil, err
	}
	a.fences = newFencePool(a.ctx)
	a.passes = newRenderPassCache(a.ctx)
	if a.immediatePool, err = a.createCommandPool(a.ctx.families[metadata.WorkClassGraphics], true); err != nil {
		a.Destroy()
		return nil, err
	}
	if a.nulls, err = newNullResources(a); err != nil {
		a.Destroy()
		return nil, err
	}
	return a, nil
}

func (a *Adapter) createInstance() error {
	c := a.ctx
	if a.opts.Window.Platform == metadata.PlatformGLFW {
		procAddr := glfw.GetVulkanGetInstanceProcAddress()
		if procAddr == nil {
			return core.Mismatch("vulkan: GLFW found no Vulkan loader")
		}
		vk.SetGetInstanceProcAddr(procAddr)
	} else if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return errors.Wrap(core.ErrBackendMismatch, err.Error())
	}
	if err := vk.Init(); err != nil {
		return errors.Wrapf(core.ErrBackendMismatch, "vulkan: loader init: %v", err)
	}

	var extensions []string
	if w := a.glfwWindow(); w != nil {
		extensions = append(extensions, w.GetRequiredInstanceExtensions()...)
	}
	var flags vk.InstanceCreateFlags
	if runtime.GOOS == "darwin" {
		extensions = append(extensions, "VK_KHR_portability_enumeration", "VK_KHR_get_physical_device_properties2")
		// VK_INSTANCE_CREATE_ENUMERATE_PORTABILITY_BIT_KHR
		flags |= 1
	}

	var layers []string
	if a.opts.Validation {
		if a.hasLayer(validationLayer) {
			layers = append(layers, validationLayer)
			extensions = append(extensions, vk.ExtDebugReportExtensionName)
		} else {
			c.logger.Warnf("validation requested but %s is not installed", validationLayer)
		}
	}
	c.logger.Debug("creating instance", "extensions", extensions, "layers", layers)

	res := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		Flags: flags,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:              vk.StructureTypeApplicationInfo,
			ApiVersion:         uint32(vk.MakeVersion(1, 2, 0)),
			ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
			PApplicationName:   safeString(a.opts.AppName),
			PEngineName:        safeString("Anima Engine"),
		},
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: safeStrings(extensions),
		EnabledLayerCount:       uint32(len(layers)),
		PpEnabledLayerNames:     safeStrings(layers),
	}, c.allocator, &c.instance)
	if err := check(res, "vkCreateInstance"); err != nil {
		return err
	}
	if err := vk.InitInstance(c.instance); err != nil {
		return errors.Wrap(err, "vulkan: loading instance functions")
	}

	if len(layers) > 0 {
		var cb vk.DebugReportCallback
		res := vk.CreateDebugReportCallback(c.instance, &vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: c.debugReport,
		}, c.allocator, &cb)
		if err := check(res, "vkCreateDebugReportCallback"); err != nil {
			c.logger.Warnf("validation output disabled: %v", err)
		} else {
			c.debugCallback = cb
		}
	}
	return nil
}

func (a *Adapter) hasLayer(name string) bool {
	var count uint32
	if vk.EnumerateInstanceLayerProperties(&count, nil) != vk.Success {
		return false
	}
	layers := make([]vk.LayerProperties, count)
	if vk.EnumerateInstanceLayerProperties(&count, layers) != vk.Success {
		return false
	}
	for i := range layers {
		layers[i].Deref()
		if cString(layers[i].LayerName[:]) == name {
			return true
		}
	}
	return false
}

func (a *Adapter) glfwWindow() *glfw.Window {
	if a.opts.Window.Platform != metadata.PlatformGLFW || a.opts.Window.Pointer == nil {
		return nil
	}
	return (*glfw.Window)(a.opts.Window.Pointer)
}

func (a *Adapter) createSurface() error {
	switch a.opts.Window.Platform {
	case metadata.PlatformHeadless:
		return nil
	case metadata.PlatformGLFW:
		w := a.glfwWindow()
		if w == nil {
			return core.InvalidUsage("vulkan: GLFW window handle is nil")
		}
		surface, err := w.CreateWindowSurface(a.ctx.instance, nil)
		if err != nil {
			return errors.Wrapf(core.ErrBackendMismatch, "vulkan: creating window surface: %v", err)
		}
		a.ctx.surface = vk.SurfaceFromPointer(surface)
		return nil
	default:
		return core.Mismatch("vulkan: %s windows are not supported, open them through GLFW", a.opts.Window.Platform)
	}
}

// debugReport forwards validation messages to the adapter logger.
func (c *vkContext) debugReport(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64,
	messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		c.logger.Errorf("[%s] code %d: %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit|vk.DebugReportPerformanceWarningBit) != 0:
		c.logger.Warnf("[%s] code %d: %s", pLayerPrefix, messageCode, pMessage)
	default:
		c.logger.Debugf("[%s] code %d: %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}

// bindlessWords is the push-constant space reserved for the base index of
// every bindless table.
const bindlessWords = 5

func (a *Adapter) computeLimits() backend.Limits {
	l := &a.ctx.properties.Limits
	heaps := a.opts.Heaps
	resource := clamp(max(heaps.ShaderVisible, heaps.Resource, 1024), 1, l.MaxDescriptorSetSampledImages)
	sampler := clamp(max(heaps.ShaderVisibleSample, heaps.Sampler, 64), 1, l.MaxDescriptorSetSamplers)
	push := l.MaxPushConstantsSize/4 - bindlessWords
	return backend.Limits{
		MaxHeapSize: [metadata.HeapKindCount]uint32{
			metadata.HeapResource:     resource,
			metadata.HeapSampler:      sampler,
			metadata.HeapRenderTarget: 1 << 16,
			metadata.HeapDepthStencil: 1 << 16,
		},
		MaxRootConstants: min(push, metadata.MaxRootConstants),
	}
}

func (a *Adapter) Kind() metadata.BackendKind {
	return metadata.BackendVulkan
}

func (a *Adapter) Limits() backend.Limits {
	return a.limits
}

// reserve hands out an opaque address range of size bytes.
func (a *Adapter) reserve(size uint64) uint64 {
	size = metadata.AlignUp(max(size, 1), 0x1_0000)
	return a.address.Add(size) - size
}

func (a *Adapter) CreateFence(initial uint64) (backend.Fence, error) {
	return fence.NewTimeline("", initial, a.ctx.logger), nil
}

func (a *Adapter) CreateQueue(class metadata.WorkClass) (backend.Queue, error) {
	if class >= metadata.WorkClassCount {
		return nil, core.InvalidUsage("vulkan: unknown work class %d", class)
	}
	q, err := newQueue(a, class, a.ctx.families[class])
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.queues = append(a.queues, q)
	a.mu.Unlock()
	return q, nil
}

func (a *Adapter) CreateCommandList(class metadata.WorkClass) (backend.CommandList, error) {
	if class >= metadata.WorkClassCount {
		return nil, core.InvalidUsage("vulkan: unknown work class %d", class)
	}
	return newCommandList(a, class)
}

func (a *Adapter) CreateSwapChain(desc *metadata.SwapChainDesc, present backend.Queue) (backend.SwapChain, error) {
	q, ok := present.(*Queue)
	if !ok {
		return nil, core.Mismatch("vulkan: %T is not a vulkan queue", present)
	}
	return newSwapChain(a, desc, q)
}

func (a *Adapter) WaitIdle() error {
	a.mu.Lock()
	queues := append([]*Queue(nil), a.queues...)
	a.mu.Unlock()
	for _, q := range queues {
		q.drain()
	}
	return check(vk.DeviceWaitIdle(a.ctx.device), "vkDeviceWaitIdle")
}

func (a *Adapter) Destroy() {
	c := a.ctx
	a.mu.Lock()
	queues := a.queues
	a.queues = nil
	a.mu.Unlock()
	for _, q := range queues {
		q.Destroy()
	}
	if c.device != nil {
		vk.DeviceWaitIdle(c.device)
		if a.nulls != nil {
			a.nulls.destroy()
		}
		if a.passes != nil {
			a.passes.destroy()
		}
		if a.fences != nil {
			a.fences.destroy()
		}
		if a.sets != nil {
			a.sets.destroy()
		}
		if a.immediatePool != vk.NullCommandPool {
			vk.DestroyCommandPool(c.device, a.immediatePool, c.allocator)
		}
		c.destroyDevice()
	}
	if c.surface != vk.NullSurface {
		vk.DestroySurface(c.instance, c.surface, c.allocator)
		c.surface = vk.NullSurface
	}
	if c.debugCallback != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(c.instance, c.debugCallback, c.allocator)
		c.debugCallback = vk.NullDebugReportCallback
	}
	if c.instance != nil {
		vk.DestroyInstance(c.instance, c.allocator)
		c.instance = nil
	}
}
