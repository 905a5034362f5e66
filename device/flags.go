package device

import (
	"fmt"

	"github.com/vkngwrapper/core/v2/common"
)

// HeapType selects the memory pool and CPU visibility of a heap
type HeapType int32

const (
	// HeapTypeDefault is device-local memory with no CPU access
	HeapTypeDefault HeapType = iota
	// HeapTypeUpload is CPU-visible, write-combined memory that the GPU reads
	HeapTypeUpload
	// HeapTypeReadback is CPU-visible, cached memory that the GPU writes
	HeapTypeReadback

	HeapTypeCount int = iota
)

func (t HeapType) String() string {
	switch t {
	case HeapTypeDefault:
		return "HeapTypeDefault"
	case HeapTypeUpload:
		return "HeapTypeUpload"
	case HeapTypeReadback:
		return "HeapTypeReadback"
	}

	return fmt.Sprintf("HeapType(%d)", int32(t))
}

// IsCPUVisible returns true if resources in heaps of this type can be mapped
func (t HeapType) IsCPUVisible() bool {
	return t == HeapTypeUpload || t == HeapTypeReadback
}

// HeapFlags restrict the kinds of resources that may be placed in a heap
type HeapFlags int32

var heapFlagsMapping = common.NewFlagStringMapping[HeapFlags]()

func (f HeapFlags) Register(str string) {
	heapFlagsMapping.Register(f, str)
}
func (f HeapFlags) String() string {
	return heapFlagsMapping.FlagsToString(f)
}

const (
	// HeapAllowOnlyBuffers permits only buffer resources in the heap
	HeapAllowOnlyBuffers HeapFlags = 1 << iota
	// HeapAllowOnlyNonTargetTextures permits only textures that are neither render targets nor depth
	// stencil targets
	HeapAllowOnlyNonTargetTextures
	// HeapDenyBuffers forbids buffer resources in the heap
	HeapDenyBuffers
)

// ResourceFlags describe how a resource will be accessed by the GPU
type ResourceFlags int32

var resourceFlagsMapping = common.NewFlagStringMapping[ResourceFlags]()

func (f ResourceFlags) Register(str string) {
	resourceFlagsMapping.Register(f, str)
}
func (f ResourceFlags) String() string {
	return resourceFlagsMapping.FlagsToString(f)
}

const (
	ResourceAllowRenderTarget ResourceFlags = 1 << iota
	ResourceAllowDepthStencil
	// ResourceAllowUnorderedAccess marks a resource that the GPU writes. Such resources need their own
	// resource object so that their access state can be tracked independently.
	ResourceAllowUnorderedAccess
	ResourceDenyShaderResource
	ResourceAccelerationStructure
)

// IsWritable returns true if the GPU may write to a resource with these flags
func (f ResourceFlags) IsWritable() bool {
	return f&(ResourceAllowRenderTarget|ResourceAllowDepthStencil|ResourceAllowUnorderedAccess) != 0
}

// ResourceDimension distinguishes buffers from textures
type ResourceDimension int32

const (
	ResourceDimensionBuffer ResourceDimension = iota
	ResourceDimensionTexture
	// ResourceDimensionHeapView is a resource with no object of its own that addresses a range of a heap
	ResourceDimensionHeapView
)

func (d ResourceDimension) String() string {
	switch d {
	case ResourceDimensionBuffer:
		return "Buffer"
	case ResourceDimensionTexture:
		return "Texture"
	case ResourceDimensionHeapView:
		return "HeapView"
	}

	return fmt.Sprintf("ResourceDimension(%d)", int32(d))
}

func init() {
	HeapAllowOnlyBuffers.Register("HeapAllowOnlyBuffers")
	HeapAllowOnlyNonTargetTextures.Register("HeapAllowOnlyNonTargetTextures")
	HeapDenyBuffers.Register("HeapDenyBuffers")

	ResourceAllowRenderTarget.Register("ResourceAllowRenderTarget")
	ResourceAllowDepthStencil.Register("ResourceAllowDepthStencil")
	ResourceAllowUnorderedAccess.Register("ResourceAllowUnorderedAccess")
	ResourceDenyShaderResource.Register("ResourceDenyShaderResource")
	ResourceAccelerationStructure.Register("ResourceAccelerationStructure")
}
