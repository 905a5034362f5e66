package gpumem

import (
	"log/slog"

	"github.com/vkngwrapper/suballoc/device"
)

const (
	// SmallResourcePlacementAlignment is the placement alignment of textures whose top mip is smaller
	// than 64KiB
	SmallResourcePlacementAlignment = 4 * 1024
	// DefaultResourcePlacementAlignment is the placement alignment of every other single-sample texture
	DefaultResourcePlacementAlignment = 64 * 1024
)

// TextureDesc describes a texture to be created by a TextureAllocatorPool
type TextureDesc struct {
	// Size is the number of bytes the texture occupies
	Size  int
	Flags device.ResourceFlags
	// SampleCount is the number of samples per texel. Zero is treated as one.
	SampleCount int
	// SmallAlignment indicates the texture's top mip level is small enough for 4KiB placement alignment
	SmallAlignment bool
	Name           string
}

func (d TextureDesc) isReadOnly() bool {
	return !d.Flags.IsWritable() && d.SampleCount <= 1
}

// TextureOptions configure a TextureAllocatorPool
type TextureOptions struct {
	// Name defaults to "ReadOnlyTexturePool"
	Name string
	// MinPoolSize, MinNumToPool and MaxPoolSize configure the seg list allocator that read-only textures
	// are placed in, and default as in SegListOptions
	MinPoolSize  int
	MinNumToPool int
	MaxPoolSize  int
}

// TextureAllocatorPool places read-only, single-sample textures into heaps segregated by size, and
// creates every other texture as a stand-alone committed resource
type TextureAllocatorPool struct {
	dev      *Device
	logger   *slog.Logger
	readOnly *SegListAllocator
}

// NewTextureAllocatorPool creates a TextureAllocatorPool. Its seg list allocator is registered with dev.
func NewTextureAllocatorPool(dev *Device, o TextureOptions) (*TextureAllocatorPool, error) {
	if o.Name == "" {
		o.Name = "ReadOnlyTexturePool"
	}

	readOnly, err := NewSegListAllocator(dev, SegListOptions{
		Name:         o.Name,
		HeapType:     device.HeapTypeDefault,
		HeapFlags:    device.HeapAllowOnlyNonTargetTextures,
		Dimension:    device.ResourceDimensionTexture,
		MinPoolSize:  o.MinPoolSize,
		MinNumToPool: o.MinNumToPool,
		MaxPoolSize:  o.MaxPoolSize,
	})
	if err != nil {
		return nil, err
	}

	return &TextureAllocatorPool{
		dev:      dev,
		logger:   dev.logger.With(slog.String("Allocator", o.Name)),
		readOnly: readOnly,
	}, nil
}

// ReadOnlyPool returns the seg list allocator that read-only textures are placed in
func (p *TextureAllocatorPool) ReadOnlyPool() *SegListAllocator { return p.readOnly }

// AllocateTexture clears out and places a texture described by desc into it
func (p *TextureAllocatorPool) AllocateTexture(desc TextureDesc, out *ResourceLocation) error {
	p.logger.Debug("TextureAllocatorPool::AllocateTexture", slog.Int("Size", desc.Size), slog.String("Flags", desc.Flags.String()))

	out.Clear()

	resourceDesc := device.ResourceDesc{
		Size:      desc.Size,
		HeapType:  device.HeapTypeDefault,
		Flags:     desc.Flags,
		Dimension: device.ResourceDimensionTexture,
		Name:      desc.Name,
	}

	if desc.isReadOnly() {
		var alignment uint = DefaultResourcePlacementAlignment
		if desc.SmallAlignment {
			alignment = SmallResourcePlacementAlignment
		}
		success, err := p.readOnly.AllocateResource(resourceDesc, alignment, out)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
	}

	return p.dev.CreateStandAlone(resourceDesc, out)
}

func (p *TextureAllocatorPool) CleanUpAllocations() error {
	return p.readOnly.CleanUpAllocations()
}

func (p *TextureAllocatorPool) Destroy() error {
	return p.readOnly.Destroy()
}
