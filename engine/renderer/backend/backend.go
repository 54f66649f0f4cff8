// Package backend declares the contract a driver adapter (Vulkan, DirectX12,
// mock) implements. The renderer package builds the device, queue and
// binding logic on top of it and never talks to a driver directly.
package backend

import (
	"context"
	"time"

	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// CPUHandle addresses a descriptor slot for CPU-side writes and copies.
type CPUHandle uint64

// GPUHandle addresses a descriptor slot (or buffer memory) as seen by the GPU.
// Zero means "not GPU visible".
type GPUHandle uint64

// Limits reports adapter capabilities the core has to respect.
type Limits struct {
	// Largest capacity a single heap of the given kind may be created with.
	MaxHeapSize [metadata.HeapKindCount]uint32
	// Largest number of 32-bit root/push constants per layout.
	MaxRootConstants uint32
}

// Adapter is the root factory of a backend.
type Adapter interface {
	Kind() metadata.BackendKind
	Limits() Limits

	CreateHeap(kind metadata.HeapKind, capacity uint32, shaderVisible bool) (Heap, error)
	CreateFence(initial uint64) (Fence, error)
	CreateQueue(class metadata.WorkClass) (Queue, error)
	CreateCommandList(class metadata.WorkClass) (CommandList, error)

	CreateBuffer(desc *metadata.BufferDesc, initial []byte) (Buffer, error)
	CreateTexture(desc *metadata.TextureDesc, initial []byte) (Texture, error)
	CreateSampler(desc *metadata.SamplerDesc) (Sampler, error)
	CreateShader(desc *metadata.ShaderDesc, blob []byte) (Shader, error)
	CreatePipelineLayout(desc *metadata.PipelineLayoutDesc) (PipelineLayout, error)
	CreateGraphicsPipeline(desc *GraphicsPipelineDesc) (Pipeline, error)
	CreateComputePipeline(desc *ComputePipelineDesc) (Pipeline, error)
	CreateSwapChain(desc *metadata.SwapChainDesc, present Queue) (SwapChain, error)

	// WaitIdle blocks until the adapter has no outstanding GPU work.
	WaitIdle() error
	Destroy()
}

// ViewKind is the kind of descriptor written into a heap slot.
type ViewKind uint8

const (
	ViewNull ViewKind = iota
	ViewConstantBuffer
	ViewShaderResource
	ViewUnorderedAccess
	ViewSampler
	ViewRenderTarget
	ViewDepthStencil
)

func (k ViewKind) String() string {
	switch k {
	case ViewNull:
		return "null"
	case ViewConstantBuffer:
		return "cbv"
	case ViewShaderResource:
		return "srv"
	case ViewUnorderedAccess:
		return "uav"
	case ViewSampler:
		return "sampler"
	case ViewRenderTarget:
		return "rtv"
	case ViewDepthStencil:
		return "dsv"
	default:
		return "unknown"
	}
}

// View is a backend-native description of how a shader sees a resource.
// Exactly one of Buffer, Texture or Sampler is set.
type View struct {
	Kind    ViewKind
	Buffer  Buffer
	Texture Texture
	Sampler Sampler
	// Buffer range. Size zero means "to the end of the buffer".
	Offset uint64
	Size   uint64
	// Structured element stride, zero for raw/constant views.
	Stride uint32
	// Texture subresource.
	Mip    uint32
	Layer  uint32
	Format metadata.Format
}

// DescriptorRef names one slot of one heap. The zero value refers to nothing.
type DescriptorRef struct {
	Heap  Heap
	Index uint32
}

func (r DescriptorRef) IsNil() bool {
	return r.Heap == nil
}

// Heap is a fixed-capacity array of descriptor slots of one kind.
type Heap interface {
	Kind() metadata.HeapKind
	Capacity() uint32
	Stride() uint32
	ShaderVisible() bool
	CPUBase() CPUHandle
	GPUBase() GPUHandle

	WriteView(index uint32, view View)
	// WriteNull writes an all-zero descriptor of the given binding type.
	WriteNull(index uint32, binding metadata.BindingType)
	// Copy copies each source descriptor into consecutive slots starting at dst.
	Copy(dst uint32, srcs []DescriptorRef)

	Destroy()
}

// Fence is a monotonic 64-bit timeline shared between the CPU and a backend.
type Fence interface {
	// Signal advances the timeline from the CPU. Values not above the current
	// value are ignored.
	Signal(value uint64)
	// Wait blocks until value is reached or timeout elapses and reports
	// whether it was reached. A negative timeout waits forever.
	Wait(value uint64, timeout time.Duration) bool
	WaitContext(ctx context.Context, value uint64) error
	CurrentValue() uint64
	Destroy()
}

// FenceValue pairs a fence with a target value.
type FenceValue struct {
	Fence Fence
	Value uint64
}

// Queue executes command lists of one work class in submission order.
type Queue interface {
	Class() metadata.WorkClass
	// Submit waits on every waits entry before executing lists and signals
	// every signals entry once they completed. It does not block on the GPU.
	Submit(lists []CommandList, waits []FenceValue, signals []FenceValue) error
	Destroy()
}

// Barrier transitions a resource between usage states.
type Barrier struct {
	Buffer  Buffer
	Texture Texture
	Before  metadata.ResourceState
	After   metadata.ResourceState
}

// BindlessTable is one global bindless range made visible to shaders.
type BindlessTable struct {
	Kind     metadata.ResourceKind
	Writable bool
	Heap     Heap
	Base     GPUHandle
	Count    uint32
}

// CommandList records work for one queue.
type CommandList interface {
	Class() metadata.WorkClass
	Begin() error
	End() error

	SetDescriptorHeaps(resource, sampler Heap)
	SetPipelineLayout(layout PipelineLayout)
	SetPipeline(pipeline Pipeline)
	SetBindlessTables(tables []BindlessTable)
	SetRootConstants(param uint32, offset uint32, values []uint32)
	SetRootDescriptor(param uint32, binding metadata.BindingType, buffer Buffer, offset uint64)
	SetDescriptorTable(param uint32, base GPUHandle)

	SetVertexBuffers(start uint32, buffers []Buffer, offsets []uint64)
	SetIndexBuffer(buffer Buffer, offset uint64, wide bool)
	SetViewport(viewport metadata.Viewport)
	SetScissor(rect metadata.Rect)
	SetRenderTargets(colors []DescriptorRef, depth DescriptorRef)
	ClearRenderTarget(target DescriptorRef, color [4]float32)
	ClearDepthStencil(target DescriptorRef, depth float32, stencil uint8)

	Barrier(barriers []Barrier)
	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)
	DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32)
	Dispatch(x, y, z uint32)
	CopyBuffer(dst Buffer, dstOffset uint64, src Buffer, srcOffset uint64, size uint64)
	CopyBufferToTexture(dst Texture, mip, layer uint32, src Buffer, srcOffset uint64)

	Destroy()
}

type Buffer interface {
	Desc() *metadata.BufferDesc
	GPUAddress() GPUHandle
	// Map returns CPU-visible memory for MapRead/MapWrite buffers.
	Map() ([]byte, error)
	Unmap()
	Destroy()
}

type Texture interface {
	Desc() *metadata.TextureDesc
	Destroy()
}

type Sampler interface {
	Desc() *metadata.SamplerDesc
	Destroy()
}

type Shader interface {
	Desc() *metadata.ShaderDesc
	Destroy()
}

type PipelineLayout interface {
	Desc() *metadata.PipelineLayoutDesc
	Destroy()
}

type Pipeline interface {
	Class() metadata.WorkClass
	Layout() PipelineLayout
	Destroy()
}

type Topology uint8

const (
	TopologyTriangleList Topology = iota
	TopologyTriangleStrip
	TopologyLineList
	TopologyPointList
)

type CullMode uint8

const (
	CullNone CullMode = iota
	CullFront
	CullBack
)

// VertexAttribute describes one vertex input element.
type VertexAttribute struct {
	Location uint32
	Binding  uint32
	Format   metadata.Format
	Offset   uint32
}

type GraphicsPipelineDesc struct {
	Name         string
	Layout       PipelineLayout
	Vertex       Shader
	Pixel        Shader
	Attributes   []VertexAttribute
	Strides      []uint32
	Topology     Topology
	Cull         CullMode
	ColorFormats []metadata.Format
	DepthFormat  metadata.Format
	DepthTest    bool
	DepthWrite   bool
	Blend        bool
}

type ComputePipelineDesc struct {
	Name    string
	Layout  PipelineLayout
	Compute Shader
}

// SwapChain is the presentation surface of a window.
type SwapChain interface {
	BackBuffers() []Texture
	// Acquire returns the index of the back buffer to render into next.
	Acquire() (uint32, error)
	// Present queues the back buffer for display once waits are reached.
	Present(index uint32, waits []FenceValue) error
	Resize(width, height uint32) error
	Destroy()
}
