package renderer

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// Shader is a compiled shader blob. Compilation happens outside the engine.
type Shader struct {
	device  *Device
	backend backend.Shader
	desc    metadata.ShaderDesc
	once    sync.Once
}

// CreateShader wraps a compiled blob. The entry point defaults to "main".
func (d *Device) CreateShader(desc metadata.ShaderDesc, blob []byte) (*Shader, error) {
	desc.Name = core.DebugNameOr(desc.Name, "shader")
	if len(blob) == 0 {
		return nil, core.InvalidUsage("shader %q has an empty blob", desc.Name)
	}
	switch desc.Stage {
	case metadata.ShaderStageVertex, metadata.ShaderStagePixel, metadata.ShaderStageCompute:
	default:
		return nil, core.InvalidUsage("shader %q must have exactly one stage, got %s", desc.Name, desc.Stage)
	}
	if desc.EntryPoint == "" {
		desc.EntryPoint = "main"
	}
	bs, err := d.adapter.CreateShader(&desc, blob)
	if err != nil {
		return nil, errors.Wrapf(err, "creating shader %q", desc.Name)
	}
	s := &Shader{device: d, backend: bs, desc: desc}
	if err := d.track(s); err != nil {
		bs.Destroy()
		return nil, err
	}
	return s, nil
}

func (s *Shader) Name() string              { return s.desc.Name }
func (s *Shader) Desc() metadata.ShaderDesc { return s.desc }
func (s *Shader) Backend() backend.Shader   { return s.backend }

func (s *Shader) destroy() {
	s.once.Do(s.backend.Destroy)
}

func (s *Shader) Destroy() {
	s.device.forget(s)
	s.destroy()
}

type PipelineLayout struct {
	device  *Device
	backend backend.PipelineLayout
	desc    metadata.PipelineLayoutDesc
	once    sync.Once
}

// validateLayout checks what every backend rejects: texture or sampler root
// descriptors, oversized root constants and more than one bindless parameter.
func validateLayout(desc *metadata.PipelineLayoutDesc, limits backend.Limits) error {
	var constants uint32
	bindless := 0
	for i, p := range desc.Params {
		switch p.Kind {
		case metadata.ParamRootConstants:
			if p.Num32BitValues == 0 {
				return core.InvalidUsage("layout %q parameter %d: root constants need at least one value", desc.Name, i)
			}
			constants += p.Num32BitValues
			if p.Bindless {
				bindless++
			}
		case metadata.ParamRootDescriptor:
			if !p.Binding.IsBuffer() {
				return core.InvalidUsage("layout %q parameter %d: a %s cannot be a root descriptor", desc.Name, i, p.Binding)
			}
		case metadata.ParamDescriptorTable:
		default:
			return core.InvalidUsage("layout %q parameter %d has unknown kind %d", desc.Name, i, p.Kind)
		}
		if p.Bindless && p.Kind != metadata.ParamRootConstants {
			return core.InvalidUsage("layout %q parameter %d: only root constants can carry bindless indices", desc.Name, i)
		}
	}
	if limits.MaxRootConstants > 0 && constants > limits.MaxRootConstants {
		return core.InvalidUsage("layout %q declares %d root constants, the backend allows %d", desc.Name, constants, limits.MaxRootConstants)
	}
	if bindless > 1 {
		return core.InvalidUsage("layout %q declares %d bindless parameters", desc.Name, bindless)
	}
	return nil
}

func (d *Device) CreatePipelineLayout(desc metadata.PipelineLayoutDesc) (*PipelineLayout, error) {
	desc.Name = core.DebugNameOr(desc.Name, "layout")
	desc.Params = append([]metadata.LayoutParam(nil), desc.Params...)
	if err := validateLayout(&desc, d.adapter.Limits()); err != nil {
		return nil, err
	}
	bl, err := d.adapter.CreatePipelineLayout(&desc)
	if err != nil {
		return nil, errors.Wrapf(err, "creating pipeline layout %q", desc.Name)
	}
	l := &PipelineLayout{device: d, backend: bl, desc: desc}
	if err := d.track(l); err != nil {
		bl.Destroy()
		return nil, err
	}
	return l, nil
}

func (l *PipelineLayout) Name() string                      { return l.desc.Name }
func (l *PipelineLayout) Desc() metadata.PipelineLayoutDesc { return l.desc }
func (l *PipelineLayout) Backend() backend.PipelineLayout   { return l.backend }

// Param returns parameter i, or false when out of range.
func (l *PipelineLayout) Param(i uint32) (metadata.LayoutParam, bool) {
	if int(i) >= len(l.desc.Params) {
		return metadata.LayoutParam{}, false
	}
	return l.desc.Params[i], true
}

func (l *PipelineLayout) destroy() {
	l.once.Do(l.backend.Destroy)
}

func (l *PipelineLayout) Destroy() {
	l.device.forget(l)
	l.destroy()
}

type GraphicsPipelineDesc struct {
	Name         string
	Layout       *PipelineLayout
	Vertex       *Shader
	Pixel        *Shader
	Attributes   []backend.VertexAttribute
	Strides      []uint32
	Topology     backend.Topology
	Cull         backend.CullMode
	ColorFormats []metadata.Format
	DepthFormat  metadata.Format
	DepthTest    bool
	DepthWrite   bool
	Blend        bool
}

type ComputePipelineDesc struct {
	Name    string
	Layout  *PipelineLayout
	Compute *Shader
}

type Pipeline struct {
	device  *Device
	backend backend.Pipeline
	name    string
	class   metadata.WorkClass
	layout  *PipelineLayout
	once    sync.Once
}

func (d *Device) CreateGraphicsPipeline(desc GraphicsPipelineDesc) (*Pipeline, error) {
	desc.Name = core.DebugNameOr(desc.Name, "graphics-pipeline")
	if desc.Layout == nil {
		return nil, core.InvalidUsage("pipeline %q has no layout", desc.Name)
	}
	if desc.Vertex == nil || desc.Vertex.desc.Stage != metadata.ShaderStageVertex {
		return nil, core.InvalidUsage("pipeline %q needs a vertex shader", desc.Name)
	}
	if desc.Pixel != nil && desc.Pixel.desc.Stage != metadata.ShaderStagePixel {
		return nil, core.InvalidUsage("pipeline %q: %q is not a pixel shader", desc.Name, desc.Pixel.desc.Name)
	}
	if len(desc.ColorFormats) == 0 && desc.DepthFormat == metadata.FormatUnknown {
		return nil, core.InvalidUsage("pipeline %q writes no render target", desc.Name)
	}
	bd := &backend.GraphicsPipelineDesc{
		Name:         desc.Name,
		Layout:       desc.Layout.backend,
		Vertex:       desc.Vertex.backend,
		Attributes:   desc.Attributes,
		Strides:      desc.Strides,
		Topology:     desc.Topology,
		Cull:         desc.Cull,
		ColorFormats: desc.ColorFormats,
		DepthFormat:  desc.DepthFormat,
		DepthTest:    desc.DepthTest,
		DepthWrite:   desc.DepthWrite,
		Blend:        desc.Blend,
	}
	if desc.Pixel != nil {
		bd.Pixel = desc.Pixel.backend
	}
	bp, err := d.adapter.CreateGraphicsPipeline(bd)
	if err != nil {
		return nil, errors.Wrapf(err, "creating graphics pipeline %q", desc.Name)
	}
	return d.trackPipeline(&Pipeline{device: d, backend: bp, name: desc.Name, class: metadata.WorkClassGraphics, layout: desc.Layout})
}

func (d *Device) CreateComputePipeline(desc ComputePipelineDesc) (*Pipeline, error) {
	desc.Name = core.DebugNameOr(desc.Name, "compute-pipeline")
	if desc.Layout == nil {
		return nil, core.InvalidUsage("pipeline %q has no layout", desc.Name)
	}
	if desc.Compute == nil || desc.Compute.desc.Stage != metadata.ShaderStageCompute {
		return nil, core.InvalidUsage("pipeline %q needs a compute shader", desc.Name)
	}
	bp, err := d.adapter.CreateComputePipeline(&backend.ComputePipelineDesc{
		Name:    desc.Name,
		Layout:  desc.Layout.backend,
		Compute: desc.Compute.backend,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating compute pipeline %q", desc.Name)
	}
	return d.trackPipeline(&Pipeline{device: d, backend: bp, name: desc.Name, class: metadata.WorkClassCompute, layout: desc.Layout})
}

func (d *Device) trackPipeline(p *Pipeline) (*Pipeline, error) {
	if err := d.track(p); err != nil {
		p.backend.Destroy()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) Name() string              { return p.name }
func (p *Pipeline) Class() metadata.WorkClass { return p.class }
func (p *Pipeline) Layout() *PipelineLayout   { return p.layout }
func (p *Pipeline) Backend() backend.Pipeline { return p.backend }

func (p *Pipeline) destroy() {
	p.once.Do(p.backend.Destroy)
}

func (p *Pipeline) Destroy() {
	p.device.forget(p)
	p.destroy()
}
