//go:build vulkan

package vulkan

import (
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

const pushStages = vk.ShaderStageFlags(vk.ShaderStageVertexBit | vk.ShaderStageFragmentBit | vk.ShaderStageComputeBit)

// PipelineLayout maps layout parameters onto push-constant words and the
// root descriptor set:
//   - root constants take Num32BitValues words
//   - a descriptor table takes one word holding its base slot index
//   - a root descriptor takes one binding of set 2
//
// Layouts with a bindless parameter reserve bindlessWords more words for
// the table bases.
type PipelineLayout struct {
	a      *Adapter
	desc   metadata.PipelineLayoutDesc
	handle vk.PipelineLayout
	root   vk.DescriptorSetLayout

	offsets      []uint32
	rootBindings []uint32
	rootTypes    []vk.DescriptorType
	words        uint32
	bindless     uint32
	hasBindless  bool
	once         sync.Once
}

var _ backend.PipelineLayout = (*PipelineLayout)(nil)

func (a *Adapter) CreatePipelineLayout(desc *metadata.PipelineLayoutDesc) (backend.PipelineLayout, error) {
	l := &PipelineLayout{
		a:            a,
		desc:         *desc,
		offsets:      make([]uint32, len(desc.Params)),
		rootBindings: make([]uint32, len(desc.Params)),
		rootTypes:    make([]vk.DescriptorType, len(desc.Params)),
	}
	l.desc.Params = append([]metadata.LayoutParam(nil), desc.Params...)

	var roots []vk.DescriptorSetLayoutBinding
	for i, p := range desc.Params {
		switch p.Kind {
		case metadata.ParamRootConstants:
			if p.Num32BitValues == 0 || p.Num32BitValues > a.limits.MaxRootConstants {
				return nil, core.InvalidUsage("vulkan: layout %q parameter %d has %d root constants (max %d)",
					desc.Name, i, p.Num32BitValues, a.limits.MaxRootConstants)
			}
			l.offsets[i] = l.words
			l.words += p.Num32BitValues
		case metadata.ParamDescriptorTable:
			l.offsets[i] = l.words
			l.words++
		case metadata.ParamRootDescriptor:
			if !p.Binding.IsBuffer() {
				return nil, core.InvalidUsage("vulkan: layout %q parameter %d: root descriptors must be buffers, got %s",
					desc.Name, i, p.Binding)
			}
			t := vk.DescriptorTypeStorageBuffer
			if p.Binding == metadata.BindingConstantBuffer {
				t = vk.DescriptorTypeUniformBuffer
			}
			l.rootBindings[i] = uint32(len(roots))
			l.rootTypes[i] = t
			roots = append(roots, vk.DescriptorSetLayoutBinding{
				Binding:         uint32(len(roots)),
				DescriptorType:  t,
				DescriptorCount: 1,
				StageFlags:      stageFlags(p.Visibility),
			})
		default:
			return nil, core.InvalidUsage("vulkan: layout %q parameter %d has unknown kind %d", desc.Name, i, p.Kind)
		}
	}
	if desc.BindlessParam() >= 0 {
		l.bindless = l.words
		l.hasBindless = true
		l.words += bindlessWords
	}
	if maxWords := a.ctx.properties.Limits.MaxPushConstantsSize / 4; l.words > maxWords {
		return nil, core.Exhausted("vulkan: layout %q needs %d push constant words, device allows %d", desc.Name, l.words, maxWords)
	}

	sets := []vk.DescriptorSetLayout{a.sets.resources, a.sets.samplers}
	if len(roots) > 0 {
		flags := make([]vk.DescriptorBindingFlags, len(roots))
		for i := range flags {
			flags[i] = vk.DescriptorBindingFlags(vk.DescriptorBindingPartiallyBoundBit)
		}
		res := vk.CreateDescriptorSetLayout(a.ctx.device, &vk.DescriptorSetLayoutCreateInfo{
			SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
			BindingCount: uint32(len(roots)),
			PBindings:    roots,
			PNext: unsafe.Pointer(&vk.DescriptorSetLayoutBindingFlagsCreateInfo{
				SType:         vk.StructureTypeDescriptorSetLayoutBindingFlagsCreateInfo,
				BindingCount:  uint32(len(flags)),
				PBindingFlags: flags,
			}),
		}, a.ctx.allocator, &l.root)
		if err := check(res, "vkCreateDescriptorSetLayout(%s root)", desc.Name); err != nil {
			return nil, err
		}
		sets = append(sets, l.root)
	}

	info := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(sets)),
		PSetLayouts:    sets,
	}
	if l.words > 0 {
		info.PushConstantRangeCount = 1
		info.PPushConstantRanges = []vk.PushConstantRange{{StageFlags: pushStages, Size: l.words * 4}}
	}
	err := a.ctx.locks.safeCall(pipelineManagement, func() error {
		return check(vk.CreatePipelineLayout(a.ctx.device, &info, a.ctx.allocator, &l.handle), "vkCreatePipelineLayout(%s)", desc.Name)
	})
	if err != nil {
		l.Destroy()
		return nil, err
	}
	return l, nil
}

func (l *PipelineLayout) Desc() *metadata.PipelineLayoutDesc { return &l.desc }

func (l *PipelineLayout) hasRoot() bool {
	return l.root != vk.NullDescriptorSetLayout
}

func (l *PipelineLayout) Destroy() {
	l.once.Do(func() {
		c := l.a.ctx
		if l.handle != vk.NullPipelineLayout {
			vk.DestroyPipelineLayout(c.device, l.handle, c.allocator)
		}
		if l.root != vk.NullDescriptorSetLayout {
			vk.DestroyDescriptorSetLayout(c.device, l.root, c.allocator)
		}
	})
}

type Pipeline struct {
	a         *Adapter
	name      string
	class     metadata.WorkClass
	layout    *PipelineLayout
	handle    vk.Pipeline
	bindPoint vk.PipelineBindPoint
	once      sync.Once
}

var _ backend.Pipeline = (*Pipeline)(nil)

var topologies = map[backend.Topology]vk.PrimitiveTopology{
	backend.TopologyTriangleList:  vk.PrimitiveTopologyTriangleList,
	backend.TopologyTriangleStrip: vk.PrimitiveTopologyTriangleStrip,
	backend.TopologyLineList:      vk.PrimitiveTopologyLineList,
	backend.TopologyPointList:     vk.PrimitiveTopologyPointList,
}

func cullMode(c backend.CullMode) vk.CullModeFlags {
	switch c {
	case backend.CullFront:
		return vk.CullModeFlags(vk.CullModeFrontBit)
	case backend.CullBack:
		return vk.CullModeFlags(vk.CullModeBackBit)
	default:
		return vk.CullModeFlags(vk.CullModeNone)
	}
}

func (a *Adapter) CreateGraphicsPipeline(desc *backend.GraphicsPipelineDesc) (backend.Pipeline, error) {
	layout, ok := desc.Layout.(*PipelineLayout)
	if !ok {
		return nil, core.Mismatch("vulkan: pipeline %q: %T is not a vulkan pipeline layout", desc.Name, desc.Layout)
	}
	vs, ok := desc.Vertex.(*Shader)
	if !ok {
		return nil, core.InvalidUsage("vulkan: pipeline %q needs a vulkan vertex shader", desc.Name)
	}
	stages := []vk.PipelineShaderStageCreateInfo{vs.stage(vk.ShaderStageVertexBit)}
	if desc.Pixel != nil {
		ps, ok := desc.Pixel.(*Shader)
		if !ok {
			return nil, core.Mismatch("vulkan: pipeline %q: %T is not a vulkan shader", desc.Name, desc.Pixel)
		}
		stages = append(stages, ps.stage(vk.ShaderStageFragmentBit))
	}

	colors := make([]vk.Format, len(desc.ColorFormats))
	for i, f := range desc.ColorFormats {
		colors[i] = toVkFormat(f)
	}
	pass, err := a.passes.get(colors, toVkFormat(desc.DepthFormat))
	if err != nil {
		return nil, err
	}

	bindings := make([]vk.VertexInputBindingDescription, len(desc.Strides))
	for i, stride := range desc.Strides {
		bindings[i] = vk.VertexInputBindingDescription{
			Binding:   uint32(i),
			Stride:    stride,
			InputRate: vk.VertexInputRateVertex,
		}
	}
	attributes := make([]vk.VertexInputAttributeDescription, len(desc.Attributes))
	for i, attr := range desc.Attributes {
		attributes[i] = vk.VertexInputAttributeDescription{
			Location: attr.Location,
			Binding:  attr.Binding,
			Format:   toVkFormat(attr.Format),
			Offset:   attr.Offset,
		}
	}

	topology, ok := topologies[desc.Topology]
	if !ok {
		topology = vk.PrimitiveTopologyTriangleList
	}

	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:          vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthCompareOp: vk.CompareOpLess,
	}
	if desc.DepthTest {
		depthStencil.DepthTestEnable = vk.True
	}
	if desc.DepthWrite {
		depthStencil.DepthWriteEnable = vk.True
	}

	blends := make([]vk.PipelineColorBlendAttachmentState, len(colors))
	for i := range blends {
		blends[i] = vk.PipelineColorBlendAttachmentState{
			BlendEnable:         vk.False,
			SrcColorBlendFactor: vk.BlendFactorSrcAlpha,
			DstColorBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
			ColorBlendOp:        vk.BlendOpAdd,
			SrcAlphaBlendFactor: vk.BlendFactorSrcAlpha,
			DstAlphaBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
			AlphaBlendOp:        vk.BlendOpAdd,
			ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit | vk.ColorComponentGBit |
				vk.ColorComponentBBit | vk.ColorComponentABit),
		}
		if desc.Blend {
			blends[i].BlendEnable = vk.True
		}
	}

	// Viewport and scissor come from the command list.
	dynamicStates := []vk.DynamicState{vk.DynamicStateViewport, vk.DynamicStateScissor}

	info := vk.GraphicsPipelineCreateInfo{
		SType:      vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount: uint32(len(stages)),
		PStages:    stages,
		PVertexInputState: &vk.PipelineVertexInputStateCreateInfo{
			SType:                           vk.StructureTypePipelineVertexInputStateCreateInfo,
			VertexBindingDescriptionCount:   uint32(len(bindings)),
			PVertexBindingDescriptions:      bindings,
			VertexAttributeDescriptionCount: uint32(len(attributes)),
			PVertexAttributeDescriptions:    attributes,
		},
		PInputAssemblyState: &vk.PipelineInputAssemblyStateCreateInfo{
			SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
			Topology: topology,
		},
		PViewportState: &vk.PipelineViewportStateCreateInfo{
			SType:         vk.StructureTypePipelineViewportStateCreateInfo,
			ViewportCount: 1,
			ScissorCount:  1,
		},
		PRasterizationState: &vk.PipelineRasterizationStateCreateInfo{
			SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
			PolygonMode: vk.PolygonModeFill,
			CullMode:    cullMode(desc.Cull),
			FrontFace:   vk.FrontFaceCounterClockwise,
			LineWidth:   1.0,
		},
		PMultisampleState: &vk.PipelineMultisampleStateCreateInfo{
			SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
			RasterizationSamples: vk.SampleCount1Bit,
			MinSampleShading:     1.0,
		},
		PDepthStencilState: &depthStencil,
		PColorBlendState: &vk.PipelineColorBlendStateCreateInfo{
			SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
			LogicOp:         vk.LogicOpCopy,
			AttachmentCount: uint32(len(blends)),
			PAttachments:    blends,
		},
		PDynamicState: &vk.PipelineDynamicStateCreateInfo{
			SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
			DynamicStateCount: uint32(len(dynamicStates)),
			PDynamicStates:    dynamicStates,
		},
		Layout:            layout.handle,
		RenderPass:        pass,
		BasePipelineIndex: -1,
	}

	p := &Pipeline{
		a:         a,
		name:      desc.Name,
		class:     metadata.WorkClassGraphics,
		layout:    layout,
		bindPoint: vk.PipelineBindPointGraphics,
	}
	handles := make([]vk.Pipeline, 1)
	err = a.ctx.locks.safeCall(pipelineManagement, func() error {
		return check(vk.CreateGraphicsPipelines(a.ctx.device, vk.NullPipelineCache, 1,
			[]vk.GraphicsPipelineCreateInfo{info}, a.ctx.allocator, handles), "vkCreateGraphicsPipelines(%s)", desc.Name)
	})
	if err != nil {
		return nil, err
	}
	p.handle = handles[0]
	a.ctx.logger.Debug("graphics pipeline created", "name", desc.Name, "stages", len(stages))
	return p, nil
}

func (a *Adapter) CreateComputePipeline(desc *backend.ComputePipelineDesc) (backend.Pipeline, error) {
	layout, ok := desc.Layout.(*PipelineLayout)
	if !ok {
		return nil, core.Mismatch("vulkan: pipeline %q: %T is not a vulkan pipeline layout", desc.Name, desc.Layout)
	}
	cs, ok := desc.Compute.(*Shader)
	if !ok {
		return nil, core.InvalidUsage("vulkan: pipeline %q needs a vulkan compute shader", desc.Name)
	}
	p := &Pipeline{
		a:         a,
		name:      desc.Name,
		class:     metadata.WorkClassCompute,
		layout:    layout,
		bindPoint: vk.PipelineBindPointCompute,
	}
	handles := make([]vk.Pipeline, 1)
	err := a.ctx.locks.safeCall(pipelineManagement, func() error {
		return check(vk.CreateComputePipelines(a.ctx.device, vk.NullPipelineCache, 1, []vk.ComputePipelineCreateInfo{{
			SType:             vk.StructureTypeComputePipelineCreateInfo,
			Stage:             cs.stage(vk.ShaderStageComputeBit),
			Layout:            layout.handle,
			BasePipelineIndex: -1,
		}}, a.ctx.allocator, handles), "vkCreateComputePipelines(%s)", desc.Name)
	})
	if err != nil {
		return nil, err
	}
	p.handle = handles[0]
	return p, nil
}

func (p *Pipeline) Class() metadata.WorkClass      { return p.class }
func (p *Pipeline) Layout() backend.PipelineLayout { return p.layout }

// bind records the pipeline into cmd.
func (p *Pipeline) bind(cmd vk.CommandBuffer) {
	vk.CmdBindPipeline(cmd, p.bindPoint, p.handle)
}

func (p *Pipeline) Destroy() {
	p.once.Do(func() {
		p.a.ctx.locks.safeCall(pipelineManagement, func() error {
			vk.DestroyPipeline(p.a.ctx.device, p.handle, p.a.ctx.allocator)
			return nil
		})
	})
}
