package mock

import (
	"sync"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

type Op uint8

const (
	OpSetDescriptorHeaps Op = iota
	OpSetPipelineLayout
	OpSetPipeline
	OpSetBindlessTables
	OpSetRootConstants
	OpSetRootDescriptor
	OpSetDescriptorTable
	OpSetVertexBuffers
	OpSetIndexBuffer
	OpSetViewport
	OpSetScissor
	OpSetRenderTargets
	OpClearRenderTarget
	OpClearDepthStencil
	OpBarrier
	OpDraw
	OpDrawIndexed
	OpDispatch
	OpCopyBuffer
	OpCopyBufferToTexture
)

var opNames = [...]string{
	"set-descriptor-heaps", "set-pipeline-layout", "set-pipeline", "set-bindless-tables",
	"set-root-constants", "set-root-descriptor", "set-descriptor-table", "set-vertex-buffers",
	"set-index-buffer", "set-viewport", "set-scissor", "set-render-targets", "clear-render-target",
	"clear-depth-stencil", "barrier", "draw", "draw-indexed", "dispatch", "copy-buffer",
	"copy-buffer-to-texture",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// Command is one recorded call. Only the fields relevant to Op are set.
type Command struct {
	Op       Op
	Param    uint32
	Offset   uint64
	Values   []uint32
	Handle   backend.GPUHandle
	Binding  metadata.BindingType
	Heaps    []backend.Heap
	Buffers  []backend.Buffer
	Targets  []backend.DescriptorRef
	Tables   []backend.BindlessTable
	Barriers []backend.Barrier
	Layout   backend.PipelineLayout
	Pipeline backend.Pipeline
	Texture  backend.Texture
	Counts   [4]uint32
	Color    [4]float32
	Viewport metadata.Viewport
	Scissor  metadata.Rect

	copySrc       *Buffer
	copySrcOffset uint64
	copySize      uint64
}

// CommandList records commands in memory. Executing it performs the copies;
// every other command is only kept for inspection.
type CommandList struct {
	class metadata.WorkClass

	mu         sync.Mutex
	recording  bool
	commands   []Command
	executions int
	err        error
}

var _ backend.CommandList = (*CommandList)(nil)

func (l *CommandList) Class() metadata.WorkClass {
	return l.class
}

func (l *CommandList) Begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recording {
		return core.InvalidState("mock: Begin on a command list that is already recording")
	}
	l.recording = true
	l.commands = l.commands[:0]
	l.err = nil
	return nil
}

func (l *CommandList) End() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.recording {
		return core.InvalidState("mock: End on a command list that is not recording")
	}
	l.recording = false
	return l.err
}

func (l *CommandList) Recording() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recording
}

// Commands returns a copy of the recorded commands.
func (l *CommandList) Commands() []Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Command(nil), l.commands...)
}

// CommandsOf returns the recorded commands with the given op.
func (l *CommandList) CommandsOf(op Op) []Command {
	var out []Command
	for _, c := range l.Commands() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Executions is how many times a queue executed the list.
func (l *CommandList) Executions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.executions
}

func (l *CommandList) record(c Command) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.recording {
		if l.err == nil {
			l.err = core.InvalidState("mock: %s recorded outside Begin/End", c.Op)
		}
		return
	}
	l.commands = append(l.commands, c)
}

func (l *CommandList) execute() {
	l.mu.Lock()
	commands := append([]Command(nil), l.commands...)
	l.executions++
	l.mu.Unlock()

	for _, c := range commands {
		switch c.Op {
		case OpCopyBuffer:
			dst := c.Buffers[0].(*Buffer)
			src := c.copySrc
			src.mu.Lock()
			chunk := append([]byte(nil), src.data[c.copySrcOffset:c.copySrcOffset+c.copySize]...)
			src.mu.Unlock()
			dst.mu.Lock()
			copy(dst.data[c.Offset:], chunk)
			dst.mu.Unlock()
		case OpCopyBufferToTexture:
			// Only mip 0 is stored.
			if c.Counts[0] != 0 {
				continue
			}
			dst := c.Texture.(*Texture)
			src := c.copySrc
			src.mu.Lock()
			chunk := append([]byte(nil), src.data[c.Offset:]...)
			src.mu.Unlock()
			dst.upload(c.Counts[1], chunk)
		}
	}
}

func (l *CommandList) SetDescriptorHeaps(resource, sampler backend.Heap) {
	l.record(Command{Op: OpSetDescriptorHeaps, Heaps: []backend.Heap{resource, sampler}})
}

func (l *CommandList) SetPipelineLayout(layout backend.PipelineLayout) {
	l.record(Command{Op: OpSetPipelineLayout, Layout: layout})
}

func (l *CommandList) SetPipeline(pipeline backend.Pipeline) {
	l.record(Command{Op: OpSetPipeline, Pipeline: pipeline})
}

func (l *CommandList) SetBindlessTables(tables []backend.BindlessTable) {
	l.record(Command{Op: OpSetBindlessTables, Tables: append([]backend.BindlessTable(nil), tables...)})
}

func (l *CommandList) SetRootConstants(param uint32, offset uint32, values []uint32) {
	l.record(Command{Op: OpSetRootConstants, Param: param, Offset: uint64(offset), Values: append([]uint32(nil), values...)})
}

func (l *CommandList) SetRootDescriptor(param uint32, binding metadata.BindingType, buffer backend.Buffer, offset uint64) {
	l.record(Command{Op: OpSetRootDescriptor, Param: param, Binding: binding, Buffers: []backend.Buffer{buffer}, Offset: offset,
		Handle: buffer.GPUAddress() + backend.GPUHandle(offset)})
}

func (l *CommandList) SetDescriptorTable(param uint32, base backend.GPUHandle) {
	l.record(Command{Op: OpSetDescriptorTable, Param: param, Handle: base})
}

func (l *CommandList) SetVertexBuffers(start uint32, buffers []backend.Buffer, offsets []uint64) {
	c := Command{Op: OpSetVertexBuffers, Param: start, Buffers: append([]backend.Buffer(nil), buffers...)}
	if len(offsets) > 0 {
		c.Offset = offsets[0]
	}
	l.record(c)
}

func (l *CommandList) SetIndexBuffer(buffer backend.Buffer, offset uint64, wide bool) {
	c := Command{Op: OpSetIndexBuffer, Buffers: []backend.Buffer{buffer}, Offset: offset}
	if wide {
		c.Counts[0] = 1
	}
	l.record(c)
}

func (l *CommandList) SetViewport(viewport metadata.Viewport) {
	l.record(Command{Op: OpSetViewport, Viewport: viewport})
}

func (l *CommandList) SetScissor(rect metadata.Rect) {
	l.record(Command{Op: OpSetScissor, Scissor: rect})
}

func (l *CommandList) SetRenderTargets(colors []backend.DescriptorRef, depth backend.DescriptorRef) {
	targets := append([]backend.DescriptorRef(nil), colors...)
	targets = append(targets, depth)
	l.record(Command{Op: OpSetRenderTargets, Targets: targets})
}

func (l *CommandList) ClearRenderTarget(target backend.DescriptorRef, color [4]float32) {
	l.record(Command{Op: OpClearRenderTarget, Targets: []backend.DescriptorRef{target}, Color: color})
}

func (l *CommandList) ClearDepthStencil(target backend.DescriptorRef, depth float32, stencil uint8) {
	l.record(Command{Op: OpClearDepthStencil, Targets: []backend.DescriptorRef{target},
		Color: [4]float32{depth}, Counts: [4]uint32{uint32(stencil)}})
}

func (l *CommandList) Barrier(barriers []backend.Barrier) {
	l.record(Command{Op: OpBarrier, Barriers: append([]backend.Barrier(nil), barriers...)})
}

func (l *CommandList) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	l.record(Command{Op: OpDraw, Counts: [4]uint32{vertexCount, instanceCount, firstVertex, firstInstance}})
}

func (l *CommandList) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	l.record(Command{Op: OpDrawIndexed, Counts: [4]uint32{indexCount, instanceCount, firstIndex, firstInstance},
		Values: []uint32{uint32(baseVertex)}})
}

func (l *CommandList) Dispatch(x, y, z uint32) {
	l.record(Command{Op: OpDispatch, Counts: [4]uint32{x, y, z}})
}

func (l *CommandList) CopyBuffer(dst backend.Buffer, dstOffset uint64, src backend.Buffer, srcOffset uint64, size uint64) {
	s, sok := src.(*Buffer)
	_, dok := dst.(*Buffer)
	if !sok || !dok {
		l.fail(core.Mismatch("mock: CopyBuffer needs mock buffers"))
		return
	}
	if srcOffset+size > s.desc.Size || dstOffset+size > dst.Desc().Size {
		l.fail(core.InvalidUsage("mock: CopyBuffer of %d bytes out of range", size))
		return
	}
	l.record(Command{Op: OpCopyBuffer, Buffers: []backend.Buffer{dst, src}, Offset: dstOffset,
		copySrc: s, copySrcOffset: srcOffset, copySize: size})
}

func (l *CommandList) CopyBufferToTexture(dst backend.Texture, mip, layer uint32, src backend.Buffer, srcOffset uint64) {
	s, sok := src.(*Buffer)
	_, dok := dst.(*Texture)
	if !sok || !dok {
		l.fail(core.Mismatch("mock: CopyBufferToTexture needs mock resources"))
		return
	}
	l.record(Command{Op: OpCopyBufferToTexture, Texture: dst, Buffers: []backend.Buffer{src}, Offset: srcOffset,
		Counts: [4]uint32{mip, layer}, copySrc: s})
}

func (l *CommandList) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

func (l *CommandList) Destroy() {}
