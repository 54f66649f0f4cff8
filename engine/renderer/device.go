// Package renderer is the backend-agnostic device layer: resource creation,
// command contexts, queues and swap chains on top of a backend.Adapter.
package renderer

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/bindless"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/descriptor"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

type Option func(*Device)

// WithLogger sets the logger of the device and everything it creates.
func WithLogger(l *core.Logger) Option {
	return func(d *Device) {
		d.logger = l
	}
}

type destroyer interface {
	destroy()
}

// Device is the root factory. It owns one queue per work class, the CPU-side
// view allocators, the shader-visible allocators and the bindless registry.
type Device struct {
	adapter backend.Adapter
	cfg     core.DeviceConfig
	logger  *core.Logger

	queues   [metadata.WorkClassCount]*CommandQueue
	views    [metadata.HeapKindCount]*descriptor.Allocator
	resource *descriptor.Allocator
	sampler  *descriptor.Allocator
	bindless *bindless.Registry

	mu        sync.Mutex
	live      map[destroyer]struct{}
	destroyed bool
}

// NewDevice builds a device on adapter. The device takes ownership of the
// adapter and destroys it in Destroy, also when the configuration is invalid.
func NewDevice(adapter backend.Adapter, cfg core.DeviceConfig, opts ...Option) (*Device, error) {
	cfg = withDeviceDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		adapter.Destroy()
		return nil, errors.Mark(err, core.ErrInvalidUsage)
	}
	d := &Device{
		adapter: adapter,
		cfg:     cfg,
		live:    make(map[destroyer]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.OrDefault()

	if err := d.init(); err != nil {
		d.Destroy()
		return nil, err
	}
	d.logger.Infof("device created on %s backend", adapter.Kind())
	return d, nil
}

func withDeviceDefaults(cfg core.DeviceConfig) core.DeviceConfig {
	def := core.DefaultConfig().Device
	if cfg.Heaps == (core.HeapConfig{}) {
		cfg.Heaps = def.Heaps
	}
	if cfg.Bindless == (core.BindlessConfig{}) {
		cfg.Bindless = def.Bindless
	}
	if cfg.FramesInFlight == 0 {
		cfg.FramesInFlight = def.FramesInFlight
	}
	if cfg.BackBufferCount == 0 {
		cfg.BackBufferCount = def.BackBufferCount
	}
	return cfg
}

func (d *Device) init() error {
	limits := d.adapter.Limits()
	sizes := [metadata.HeapKindCount]uint32{
		metadata.HeapResource:     d.cfg.Heaps.Resource,
		metadata.HeapSampler:      d.cfg.Heaps.Sampler,
		metadata.HeapRenderTarget: d.cfg.Heaps.RenderTarget,
		metadata.HeapDepthStencil: d.cfg.Heaps.DepthStencil,
	}
	var err error
	for kind := metadata.HeapKind(0); kind < metadata.HeapKindCount; kind++ {
		d.views[kind], err = descriptor.NewAllocator(d.adapter, descriptor.AllocatorConfig{
			Kind:        kind,
			DefaultSize: sizes[kind],
			MaxHeapSize: limits.MaxHeapSize[kind],
			Logger:      d.logger,
		})
		if err != nil {
			return errors.Wrapf(err, "creating %s view allocator", kind)
		}
	}

	// One heap each: it holds the bindless tables and every transient table,
	// and is the heap each command list binds.
	d.resource, err = descriptor.NewAllocator(d.adapter, descriptor.AllocatorConfig{
		Kind:          metadata.HeapResource,
		ShaderVisible: true,
		Fixed:         true,
		DefaultSize:   d.cfg.Heaps.ShaderVisible,
		MaxHeapSize:   limits.MaxHeapSize[metadata.HeapResource],
		Logger:        d.logger,
	})
	if err != nil {
		return errors.Wrap(err, "creating shader-visible resource allocator")
	}
	d.sampler, err = descriptor.NewAllocator(d.adapter, descriptor.AllocatorConfig{
		Kind:          metadata.HeapSampler,
		ShaderVisible: true,
		Fixed:         true,
		DefaultSize:   d.cfg.Heaps.ShaderVisibleSample,
		MaxHeapSize:   limits.MaxHeapSize[metadata.HeapSampler],
		Logger:        d.logger,
	})
	if err != nil {
		return errors.Wrap(err, "creating shader-visible sampler allocator")
	}

	d.bindless, err = bindless.NewRegistry(d.resource, d.sampler, d.cfg.Bindless, d.logger)
	if err != nil {
		return errors.Wrap(err, "creating bindless registry")
	}

	for class := metadata.WorkClass(0); class < metadata.WorkClassCount; class++ {
		q, err := d.adapter.CreateQueue(class)
		if err != nil {
			return errors.Wrapf(err, "creating %s queue", class)
		}
		f, err := d.adapter.CreateFence(0)
		if err != nil {
			q.Destroy()
			return errors.Wrapf(err, "creating %s queue fence", class)
		}
		d.queues[class] = newCommandQueue(class, q, &Fence{backend: f, name: class.String() + "-queue"}, d.logger)
	}
	return nil
}

func (d *Device) Backend() backend.Adapter {
	return d.adapter
}

func (d *Device) Config() core.DeviceConfig {
	return d.cfg
}

func (d *Device) Logger() *core.Logger {
	return d.logger
}

// Queue returns the queue of the given work class.
func (d *Device) Queue(class metadata.WorkClass) *CommandQueue {
	if class >= metadata.WorkClassCount {
		return nil
	}
	return d.queues[class]
}

// Bindless returns the bindless registry.
func (d *Device) Bindless() *bindless.Registry {
	return d.bindless
}

// ViewAllocator returns the CPU-only allocator of the given heap kind.
func (d *Device) ViewAllocator(kind metadata.HeapKind) *descriptor.Allocator {
	return d.views[kind]
}

// ShaderVisibleAllocator returns the shader-visible allocator of a resource
// or sampler heap, nil for other kinds.
func (d *Device) ShaderVisibleAllocator(kind metadata.HeapKind) *descriptor.Allocator {
	switch kind {
	case metadata.HeapResource:
		return d.resource
	case metadata.HeapSampler:
		return d.sampler
	default:
		return nil
	}
}

func (d *Device) track(r destroyer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return core.InvalidState("device is destroyed")
	}
	d.live[r] = struct{}{}
	return nil
}

func (d *Device) forget(r destroyer) {
	d.mu.Lock()
	delete(d.live, r)
	d.mu.Unlock()
}

// CreateFence creates a standalone fence for cross-queue or CPU synchronisation.
func (d *Device) CreateFence(name string, initial uint64) (*Fence, error) {
	f, err := d.adapter.CreateFence(initial)
	if err != nil {
		return nil, errors.Wrap(err, "creating fence")
	}
	fence := &Fence{device: d, backend: f, name: core.DebugNameOr(name, "fence")}
	if err := d.track(fence); err != nil {
		f.Destroy()
		return nil, err
	}
	return fence, nil
}

// CreateCommandContext creates a context recording work of the given class.
func (d *Device) CreateCommandContext(class metadata.WorkClass, name string) (*CommandContext, error) {
	if class >= metadata.WorkClassCount {
		return nil, core.InvalidUsage("unknown work class %d", class)
	}
	l, err := d.adapter.CreateCommandList(class)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s command list", class)
	}
	ctx := newCommandContext(d, class, core.DebugNameOr(name, class.String()+"-context"), l)
	if err := d.track(ctx); err != nil {
		l.Destroy()
		return nil, err
	}
	return ctx, nil
}

// CreateBindlessHandle creates an extra bindless handle to res.
func (d *Device) CreateBindlessHandle(res Resource, writable bool) (bindless.Handle, error) {
	return res.createBindless(d.bindless, writable)
}

// DiscardBindlessHandle returns h to the registry. The caller guarantees that
// no submitted work still reads it.
func (d *Device) DiscardBindlessHandle(h bindless.Handle) {
	d.bindless.DiscardBindlessHandle(h)
}

// DeviceStats is a snapshot of every descriptor pool of the device.
type DeviceStats struct {
	Views         [metadata.HeapKindCount][]descriptor.HeapStats
	ShaderVisible [2][]descriptor.HeapStats
	LiveObjects   int
}

func (d *Device) Stats() DeviceStats {
	var s DeviceStats
	for k, a := range d.views {
		s.Views[k] = a.Stats()
	}
	s.ShaderVisible[0] = d.resource.Stats()
	s.ShaderVisible[1] = d.sampler.Stats()
	d.mu.Lock()
	s.LiveObjects = len(d.live)
	d.mu.Unlock()
	return s
}

// LogStats writes the pool usage at debug level.
func (d *Device) LogStats() {
	s := d.Stats()
	for k, heaps := range s.Views {
		for _, h := range heaps {
			d.logger.Debugf("%s views heap %d: %d/%d used, %d free blocks (largest %d)",
				metadata.HeapKind(k), h.Index, h.Used, h.Capacity, h.FreeBlocks, h.LargestFree)
		}
	}
	for i, heaps := range s.ShaderVisible {
		for _, h := range heaps {
			d.logger.Debugf("shader-visible %s heap %d: %d/%d used, %d free blocks (largest %d)",
				metadata.HeapKind(i), h.Index, h.Used, h.Capacity, h.FreeBlocks, h.LargestFree)
		}
	}
	d.logger.Debugf("%d live device objects", s.LiveObjects)
}

// WaitIdle blocks until every queue finished its submitted work.
func (d *Device) WaitIdle() error {
	var errs error
	for _, q := range d.queues {
		if q == nil {
			continue
		}
		if err := q.WaitIdle(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// Destroy waits for the GPU, destroys every object still alive and releases
// the adapter. It is safe to call more than once.
func (d *Device) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	if err := d.WaitIdle(); err != nil {
		d.logger.Errorf("waiting for the device to go idle: %v", err)
	}

	d.mu.Lock()
	d.destroyed = true
	live := make([]destroyer, 0, len(d.live))
	for r := range d.live {
		live = append(live, r)
	}
	d.live = map[destroyer]struct{}{}
	d.mu.Unlock()

	if len(live) > 0 {
		d.logger.Debugf("destroying %d objects still alive at device shutdown", len(live))
	}
	for _, r := range live {
		r.destroy()
	}

	if d.bindless != nil {
		d.bindless.Destroy()
	}
	for _, q := range d.queues {
		if q != nil {
			q.destroy()
		}
	}
	for _, a := range d.views {
		if a != nil {
			a.Destroy()
		}
	}
	if d.resource != nil {
		d.resource.Destroy()
	}
	if d.sampler != nil {
		d.sampler.Destroy()
	}
	d.adapter.Destroy()
	d.logger.Infof("device destroyed")
}
