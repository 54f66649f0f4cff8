//go:build vulkan

package vulkan

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spaghettifunk/anima-rhi/engine/renderer/backend"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

func hostHeap(a *Adapter, capacity uint32) *Heap {
	return &Heap{
		a:            a,
		kind:         metadata.HeapResource,
		capacity:     capacity,
		views:        make([]backend.View, capacity),
		nullBindings: make([]metadata.BindingType, capacity),
	}
}

func TestCopyKeepsNullBindings(t *testing.T) {
	nulls := &nullResources{buffer: &Buffer{}, texture: &Texture{}, storage: &Texture{}, sampler: &Sampler{}}
	a := &Adapter{nulls: nulls}
	src, dst := hostHeap(a, 4), hostHeap(a, 4)

	tex := &Texture{}
	src.WriteView(0, backend.View{Kind: backend.ViewShaderResource, Texture: tex})
	src.WriteNull(1, metadata.BindingStorageTexture)
	dst.WriteView(1, backend.View{Kind: backend.ViewShaderResource, Texture: tex})

	dst.Copy(0, []backend.DescriptorRef{{Heap: src, Index: 0}, {Heap: src, Index: 1}})
	view, binding := dst.slot(1)
	assert.Equal(t, backend.ViewNull, view.Kind)
	assert.Equal(t, metadata.BindingStorageTexture, binding)

	views := []backend.View{dst.View(0), view}
	resolved := nulls.resolve(views, []metadata.BindingType{0, binding})
	assert.Same(t, tex, resolved[0].Texture)
	assert.Equal(t, backend.ViewUnorderedAccess, resolved[1].Kind)
	assert.Same(t, nulls.storage, resolved[1].Texture, "null slots overwrite the set with the null resource")
}

func TestResolveNullBindings(t *testing.T) {
	nulls := &nullResources{buffer: &Buffer{}, texture: &Texture{}, storage: &Texture{}, sampler: &Sampler{}}
	null := backend.View{Kind: backend.ViewNull}
	resolved := nulls.resolve(
		[]backend.View{null, null, null},
		[]metadata.BindingType{metadata.BindingConstantBuffer, metadata.BindingBuffer, metadata.BindingSampler},
	)
	assert.Equal(t, backend.ViewConstantBuffer, resolved[0].Kind)
	assert.Same(t, nulls.buffer, resolved[0].Buffer)
	assert.Equal(t, backend.ViewShaderResource, resolved[1].Kind)
	assert.Equal(t, backend.ViewSampler, resolved[2].Kind)
	assert.Same(t, nulls.sampler, resolved[2].Sampler)
}
