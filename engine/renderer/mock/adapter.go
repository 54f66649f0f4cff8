// Package mock is an in-memory backend. Heaps are slices of views, fences
// are CPU timelines and each queue executes its submissions in order on a
// single worker. Command lists keep what they recorded so tests can inspect
// it.
package mock

import (
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/fence"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// Options configures the mock adapter.
type Options struct {
	Logger *core.Logger
	// Zero fields fall back to DefaultLimits.
	Limits backend.Limits
	// FailHeap makes CreateHeap fail whenever it returns true.
	FailHeap func(kind metadata.HeapKind, capacity uint32, shaderVisible bool) bool
	// Number of submissions a queue buffers before Submit blocks.
	QueueDepth int
}

// DefaultLimits mirror the DirectX12 tier 2 limits.
func DefaultLimits() backend.Limits {
	return backend.Limits{
		MaxHeapSize: [metadata.HeapKindCount]uint32{
			metadata.HeapResource:     1_000_000,
			metadata.HeapSampler:      2048,
			metadata.HeapRenderTarget: 1_000_000,
			metadata.HeapDepthStencil: 1_000_000,
		},
		MaxRootConstants: metadata.MaxRootConstants,
	}
}

var strides = [metadata.HeapKindCount]uint32{
	metadata.HeapResource:     32,
	metadata.HeapSampler:      32,
	metadata.HeapRenderTarget: 32,
	metadata.HeapDepthStencil: 32,
}

type Adapter struct {
	opts   Options
	logger *core.Logger
	limits backend.Limits

	cpuAddress atomic.Uint64
	gpuAddress atomic.Uint64

	mu     sync.Mutex
	heaps  []*Heap
	queues []*Queue
}

var _ backend.Adapter = (*Adapter)(nil)

func NewAdapter(opts Options) *Adapter {
	limits := DefaultLimits()
	for k, v := range opts.Limits.MaxHeapSize {
		if v != 0 {
			limits.MaxHeapSize[k] = v
		}
	}
	if opts.Limits.MaxRootConstants != 0 {
		limits.MaxRootConstants = opts.Limits.MaxRootConstants
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	a := &Adapter{
		opts:   opts,
		logger: opts.Logger.OrDefault(),
		limits: limits,
	}
	a.cpuAddress.Store(0x1000_0000)
	a.gpuAddress.Store(0x8000_0000_0000)
	return a
}

func (a *Adapter) Kind() metadata.BackendKind {
	return metadata.BackendMock
}

func (a *Adapter) Limits() backend.Limits {
	return a.limits
}

// reserve hands out a fake address range of size bytes.
func reserve(counter *atomic.Uint64, size uint64) uint64 {
	size = metadata.AlignUp(max(size, 1), 0x1_0000)
	return counter.Add(size) - size
}

func (a *Adapter) CreateHeap(kind metadata.HeapKind, capacity uint32, shaderVisible bool) (backend.Heap, error) {
	if kind >= metadata.HeapKindCount {
		return nil, core.InvalidUsage("unknown heap kind %d", kind)
	}
	if shaderVisible && !kind.CanBeShaderVisible() {
		return nil, core.InvalidUsage("%s heaps cannot be shader visible", kind)
	}
	if a.opts.FailHeap != nil && a.opts.FailHeap(kind, capacity, shaderVisible) {
		return nil, core.Exhausted("mock: out of memory for %s heap of %d descriptors", kind, capacity)
	}
	if limit := a.limits.MaxHeapSize[kind]; capacity > limit {
		return nil, core.Exhausted("mock: %s heap of %d descriptors exceeds limit %d", kind, capacity, limit)
	}
	stride := strides[kind]
	h := &Heap{
		kind:          kind,
		shaderVisible: shaderVisible,
		stride:        stride,
		cpuBase:       backend.CPUHandle(reserve(&a.cpuAddress, uint64(capacity)*uint64(stride))),
		slots:         make([]Slot, capacity),
	}
	if shaderVisible {
		h.gpuBase = backend.GPUHandle(reserve(&a.gpuAddress, uint64(capacity)*uint64(stride)))
	}
	a.mu.Lock()
	a.heaps = append(a.heaps, h)
	a.mu.Unlock()
	return h, nil
}

// Heaps returns every heap created so far, including destroyed ones.
func (a *Adapter) Heaps() []*Heap {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Heap(nil), a.heaps...)
}

func (a *Adapter) CreateFence(initial uint64) (backend.Fence, error) {
	return fence.NewTimeline("", initial, a.logger), nil
}

func (a *Adapter) CreateQueue(class metadata.WorkClass) (backend.Queue, error) {
	q, err := newQueue(class, a.opts.QueueDepth, a.logger)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.queues = append(a.queues, q)
	a.mu.Unlock()
	return q, nil
}

func (a *Adapter) CreateCommandList(class metadata.WorkClass) (backend.CommandList, error) {
	return &CommandList{class: class}, nil
}

func (a *Adapter) CreateBuffer(desc *metadata.BufferDesc, initial []byte) (backend.Buffer, error) {
	if desc.Size == 0 {
		return nil, core.InvalidUsage("mock: buffer %q has zero size", desc.Name)
	}
	if uint64(len(initial)) > desc.Size {
		return nil, core.InvalidUsage("mock: %d initial bytes do not fit buffer %q of %d bytes", len(initial), desc.Name, desc.Size)
	}
	b := &Buffer{
		desc:    *desc,
		data:    make([]byte, desc.Size),
		address: backend.GPUHandle(reserve(&a.gpuAddress, desc.Size)),
	}
	copy(b.data, initial)
	return b, nil
}

func (a *Adapter) CreateTexture(desc *metadata.TextureDesc, initial []byte) (backend.Texture, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return nil, core.InvalidUsage("mock: texture %q has zero extent", desc.Name)
	}
	t := newTexture(desc)
	if uint64(len(initial)) > uint64(len(t.data)) {
		return nil, core.InvalidUsage("mock: %d initial bytes do not fit texture %q", len(initial), desc.Name)
	}
	copy(t.data, initial)
	return t, nil
}

func (a *Adapter) CreateSampler(desc *metadata.SamplerDesc) (backend.Sampler, error) {
	return &Sampler{desc: *desc}, nil
}

func (a *Adapter) CreateShader(desc *metadata.ShaderDesc, blob []byte) (backend.Shader, error) {
	return &Shader{desc: *desc, blob: append([]byte(nil), blob...)}, nil
}

func (a *Adapter) CreatePipelineLayout(desc *metadata.PipelineLayoutDesc) (backend.PipelineLayout, error) {
	d := *desc
	d.Params = append([]metadata.LayoutParam(nil), desc.Params...)
	return &PipelineLayout{desc: d}, nil
}

func (a *Adapter) CreateGraphicsPipeline(desc *backend.GraphicsPipelineDesc) (backend.Pipeline, error) {
	return &Pipeline{name: desc.Name, class: metadata.WorkClassGraphics, layout: desc.Layout}, nil
}

func (a *Adapter) CreateComputePipeline(desc *backend.ComputePipelineDesc) (backend.Pipeline, error) {
	return &Pipeline{name: desc.Name, class: metadata.WorkClassCompute, layout: desc.Layout}, nil
}

func (a *Adapter) CreateSwapChain(desc *metadata.SwapChainDesc, present backend.Queue) (backend.SwapChain, error) {
	return newSwapChain(desc)
}

// WaitIdle blocks until every queue drained its submissions.
func (a *Adapter) WaitIdle() error {
	a.mu.Lock()
	queues := append([]*Queue(nil), a.queues...)
	a.mu.Unlock()
	for _, q := range queues {
		q.drain()
	}
	return nil
}

func (a *Adapter) Destroy() {
	a.mu.Lock()
	queues := a.queues
	a.queues = nil
	a.mu.Unlock()
	for _, q := range queues {
		q.Destroy()
	}
}
