package gpumem

import (
	"context"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/internal/utils"
	"github.com/vkngwrapper/suballoc/memutils"
)

const (
	// ResourcePlacementAlignment is the alignment of every committed resource the backend creates
	ResourcePlacementAlignment = 64 * 1024

	DefaultFastAllocatorPageSize = 64 * 1024
	DefaultFastAllocatorFrameLag = 3
)

// FastAllocatorPage is a mapped committed resource that transient allocations are bumped out of. The
// pool holds one reference to each page, and every fast allocation made from the page holds another
// until its location is cleared.
type FastAllocatorPage struct {
	resource device.Resource
	mapped   unsafe.Pointer
	address  uint64
	size     int

	nextOffset int
	fenceValue uint64
	refs       utils.RefCount
}

func (p *FastAllocatorPage) Resource() device.Resource { return p.resource }
func (p *FastAllocatorPage) Size() int                 { return p.size }

// NextOffset returns the offset that the next allocation from this page will be bumped from
func (p *FastAllocatorPage) NextOffset() int { return p.nextOffset }

// FenceValue returns the fence value that was current when the page was last returned to its pool
func (p *FastAllocatorPage) FenceValue() uint64 { return p.fenceValue }

// RefCount returns the pool's reference plus one for each uncleared allocation made from this page
func (p *FastAllocatorPage) RefCount() int { return p.refs.Load() }

func (p *FastAllocatorPage) reset() {
	p.nextOffset = 0
}

func (p *FastAllocatorPage) release() {
	p.refs.Release()
}

// FastAllocatorPagePool recycles pages for a FastAllocator. A page can only be handed out again once the
// GPU has passed the fence value it was returned under and no location still refers to it.
//
// FastAllocatorPagePool is not synchronized: its owner must serialize calls to it.
type FastAllocatorPagePool struct {
	dev      *Device
	logger   *slog.Logger
	name     string
	pageSize int
	heapType device.HeapType

	pool []*FastAllocatorPage
}

func NewFastAllocatorPagePool(dev *Device, name string, heapType device.HeapType, pageSize int) *FastAllocatorPagePool {
	return &FastAllocatorPagePool{
		dev:      dev,
		logger:   dev.logger.With(slog.String("Allocator", name)),
		name:     name,
		pageSize: pageSize,
		heapType: heapType,
	}
}

func (p *FastAllocatorPagePool) PageSize() int             { return p.pageSize }
func (p *FastAllocatorPagePool) HeapType() device.HeapType { return p.heapType }

// PooledPageCount returns the number of pages waiting in the pool to be requested
func (p *FastAllocatorPagePool) PooledPageCount() int { return len(p.pool) }

func (p *FastAllocatorPagePool) isReusable(page *FastAllocatorPage, fenceValue uint64) bool {
	return page.refs.Load() == 1 && p.dev.fence.IsCompleteUpTo(fenceValue)
}

// RequestFastAllocatorPage returns the first pooled page that is safe to overwrite, or creates a new
// page if there is none
func (p *FastAllocatorPagePool) RequestFastAllocatorPage() (*FastAllocatorPage, error) {
	for i, page := range p.pool {
		if p.isReusable(page, page.fenceValue) {
			copy(p.pool[i:], p.pool[i+1:])
			p.pool[len(p.pool)-1] = nil
			p.pool = p.pool[:len(p.pool)-1]

			page.reset()
			return page, nil
		}
	}

	resource, err := p.dev.backend.CreateResource(device.ResourceDesc{
		Size:      p.pageSize,
		HeapType:  p.heapType,
		Dimension: device.ResourceDimensionBuffer,
		Name:      "Fast Allocator Page",
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a %d byte page for %s", p.pageSize, p.name)
	}

	mapped, err := p.dev.backend.Map(resource)
	if err != nil {
		if destroyErr := p.dev.backend.DestroyResource(resource); destroyErr != nil {
			err = multierror.Append(err, destroyErr)
		}
		return nil, errors.Wrapf(err, "failed to map a page for %s", p.name)
	}

	page := &FastAllocatorPage{
		resource: resource,
		mapped:   mapped,
		address:  p.dev.backend.GPUVirtualAddress(resource),
		size:     p.pageSize,
	}
	page.refs.Set(1)

	return page, nil
}

// ReturnFastAllocatorPage puts a page back in the pool, tagged with the fence's current value
func (p *FastAllocatorPagePool) ReturnFastAllocatorPage(page *FastAllocatorPage) {
	page.fenceValue = p.dev.fence.CurrentValue()
	p.pool = append(p.pool, page)
}

// CleanupPages destroys pooled pages that the GPU finished with more than frameLag fence values ago.
// One such page is always kept so that a steady workload does not create and destroy a page every frame.
func (p *FastAllocatorPagePool) CleanupPages(frameLag uint64) {
	found := false

	i := 0
	for i < len(p.pool) {
		page := p.pool[i]
		if p.isReusable(page, page.fenceValue+frameLag) {
			if found {
				copy(p.pool[i:], p.pool[i+1:])
				p.pool[len(p.pool)-1] = nil
				p.pool = p.pool[:len(p.pool)-1]

				p.dev.releaseResource(page.resource)
				continue
			}
			found = true
		}

		i++
	}
}

// Destroy destroys every pooled page whether or not the GPU has finished with it
func (p *FastAllocatorPagePool) Destroy() {
	for _, page := range p.pool {
		if page.refs.Load() > 1 {
			p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] fast allocator page still has live allocations",
				slog.Int("References", page.refs.Load()-1),
				slog.Int("Size", page.size),
			)
		}
		p.dev.destroyResources([]device.Resource{page.resource})
	}
	p.pool = nil
}

func (p *FastAllocatorPagePool) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, page := range p.pool {
		stats.BlockCount++
		stats.BlockBytes += page.size
		if p.isReusable(page, page.fenceValue) {
			stats.AddUnusedRange(page.size)
		} else {
			stats.AddRetired(page.size)
		}
	}
}

// FastAllocatorOptions configure a FastAllocator
type FastAllocatorOptions struct {
	// Name is used in logs and statistics. Defaults to "FastAllocator".
	Name string
	// HeapType must be CPU-visible
	HeapType device.HeapType
	// PageSize defaults to DefaultFastAllocatorPageSize
	PageSize int
	// FrameLag is the number of fence values a pooled page is kept for after the GPU has finished with
	// it. Defaults to DefaultFastAllocatorFrameLag.
	FrameLag uint64
}

func (o *FastAllocatorOptions) applyDefaults() {
	if o.Name == "" {
		o.Name = "FastAllocator"
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultFastAllocatorPageSize
	}
	if o.FrameLag == 0 {
		o.FrameLag = DefaultFastAllocatorFrameLag
	}
}

// FastAllocator bumps short-lived, CPU-written allocations out of pages drawn from a
// FastAllocatorPagePool. Individual allocations are never freed: a page is returned to the pool as a
// whole when it runs out of room, and the pool recycles it once the GPU is done with it. Requests larger
// than a page become stand-alone resources.
type FastAllocator struct {
	dev     *Device
	logger  *slog.Logger
	options FastAllocatorOptions

	mutex       utils.OptionalMutex
	pagePool    *FastAllocatorPagePool
	currentPage *FastAllocatorPage
}

var _ ManagedAllocator = &FastAllocator{}

// NewFastAllocator creates a FastAllocator and registers it with dev
func NewFastAllocator(dev *Device, o FastAllocatorOptions) (*FastAllocator, error) {
	o.applyDefaults()

	if !o.HeapType.IsCPUVisible() {
		return nil, errors.Newf("%s requires a cpu-visible heap type, but %s was provided", o.Name, o.HeapType)
	}

	allocator := &FastAllocator{
		dev:      dev,
		logger:   dev.logger.With(slog.String("Allocator", o.Name)),
		options:  o,
		mutex:    utils.OptionalMutex{UseMutex: dev.useMutex},
		pagePool: NewFastAllocatorPagePool(dev, o.Name, o.HeapType, o.PageSize),
	}
	dev.register(allocator)

	return allocator, nil
}

func (a *FastAllocator) Name() string                     { return a.options.Name }
func (a *FastAllocator) PagePool() *FastAllocatorPagePool { return a.pagePool }

// CurrentPage returns the page allocations are currently bumped from, or nil before the first allocation
func (a *FastAllocator) CurrentPage() *FastAllocatorPage {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.currentPage
}

// Allocate places size bytes at the requested alignment into out and returns the CPU pointer to the
// start of the allocation
func (a *FastAllocator) Allocate(size int, alignment uint, out *ResourceLocation) (unsafe.Pointer, error) {
	a.logger.Debug("FastAllocator::Allocate", slog.Int("Size", size), slog.Uint64("Alignment", uint64(alignment)))

	if size <= 0 {
		panic(fmt.Sprintf("attempted to allocate %d bytes from %s", size, a.options.Name))
	}
	out.mustBeUndefined()

	a.mutex.Lock()
	defer a.mutex.Unlock()

	pageSize := a.pagePool.PageSize()
	if size > pageSize {
		if alignment != 0 && ResourcePlacementAlignment%alignment == 0 {
			alignment = 0
		}

		err := a.dev.CreateStandAlone(device.ResourceDesc{
			Size:      size + int(alignment),
			HeapType:  a.pagePool.HeapType(),
			Dimension: device.ResourceDimensionBuffer,
			Name:      "Stand Alone Fast Allocation",
		}, out)
		if err != nil {
			return nil, err
		}

		return out.MappedAddress(), nil
	}

	offset := 0
	if a.currentPage != nil {
		offset = memutils.AlignArbitrary(a.currentPage.nextOffset, int(alignment))
	}

	if a.currentPage == nil || offset+size > pageSize {
		if a.currentPage != nil {
			a.pagePool.ReturnFastAllocatorPage(a.currentPage)
			a.currentPage = nil
		}

		page, err := a.pagePool.RequestFastAllocatorPage()
		if err != nil {
			return nil, err
		}
		a.currentPage = page
		offset = memutils.AlignArbitrary(page.nextOffset, int(alignment))
	}

	page := a.currentPage
	if offset+size > pageSize {
		panic(fmt.Sprintf("a %d byte allocation at alignment %d does not fit in an empty %d byte page", size, alignment, pageSize))
	}

	page.refs.Acquire()
	page.nextOffset = offset + size
	out.setFastAllocation(page.resource, size, offset, page.address+uint64(offset), offsetPointer(page.mapped, offset), page)

	return out.MappedAddress(), nil
}

// CleanupPages destroys pooled pages the GPU finished with more than frameLag fence values ago
func (a *FastAllocator) CleanupPages(frameLag uint64) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.pagePool.CleanupPages(frameLag)
}

// CleanUpAllocations calls CleanupPages with the allocator's configured frame lag
func (a *FastAllocator) CleanUpAllocations() error {
	a.CleanupPages(a.options.FrameLag)
	return nil
}

// Destroy returns the current page to the pool and destroys every page
func (a *FastAllocator) Destroy() error {
	a.logger.Debug("FastAllocator::Destroy")
	a.dev.unregister(a)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.currentPage != nil {
		a.pagePool.ReturnFastAllocatorPage(a.currentPage)
		a.currentPage = nil
	}
	a.pagePool.Destroy()

	return nil
}

func (a *FastAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.currentPage != nil {
		stats.BlockCount++
		stats.BlockBytes += a.currentPage.size
		if a.currentPage.nextOffset > 0 {
			stats.AddAllocation(a.currentPage.nextOffset)
		}
		if a.currentPage.nextOffset < a.currentPage.size {
			stats.AddUnusedRange(a.currentPage.size - a.currentPage.nextOffset)
		}
	}
	a.pagePool.addDetailedStatistics(stats)
}

func (a *FastAllocator) BuildStatsString(writer *jwriter.Writer) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	obj := writer.Object()
	defer obj.End()

	obj.Name("Name").String(a.options.Name)
	obj.Name("HeapType").String(a.pagePool.HeapType().String())
	obj.Name("PageSize").Int(a.pagePool.PageSize())
	obj.Name("PooledPages").Int(a.pagePool.PooledPageCount())
	if a.currentPage != nil {
		obj.Name("CurrentPageOffset").Int(a.currentPage.nextOffset)
		obj.Name("CurrentPageReferences").Int(a.currentPage.refs.Load())
	}
}
