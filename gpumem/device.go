package gpumem

import (
	"context"
	"log/slog"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/fence"
	"github.com/vkngwrapper/suballoc/internal/utils"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/deferred"
	"golang.org/x/time/rate"
)

// CreateFlags indicate specific device behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that this device and all allocators created from it will not
	// be synchronized internally. The consumer must guarantee they are used from only one goroutine at
	// a time or are synchronized by some other mechanism, but performance may improve because internal
	// mutexes are not used.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateAsyncRelease hands committed resources whose fence has completed to a background goroutine
	// for destruction, instead of destroying them on the goroutine that called CleanUpAllocations.
	// The background goroutine runs between Start and Destroy.
	CreateAsyncRelease
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
	CreateAsyncRelease.Register("CreateAsyncRelease")
}

const (
	defaultReleaseQueueDepth = 64
	defaultWarningInterval   = time.Second
)

// CreateOptions contains optional settings when creating a Device
type CreateOptions struct {
	// Flags indicates specific device behaviors to activate or deactivate
	Flags CreateFlags

	// MemoryCallbackOptions is an optional set of callbacks that will be executed whenever a heap or
	// committed resource is created or destroyed on the backend.
	MemoryCallbackOptions *MemoryCallbackOptions

	// HeapSizeLimits can be left empty. If it is provided, though, it must be a slice with one entry
	// per device.HeapType. Each entry must be either the maximum number of bytes of heaps and committed
	// resources that may be live in that heap type, or 0 or -1 indicating no limit.
	//
	// Heap limits are enforced at runtime: creating a heap or resource beyond the limit fails with
	// device.ErrOutOfMemory.
	HeapSizeLimits []int

	// ReleaseQueueDepth is the number of batches the background release goroutine will buffer when
	// CreateAsyncRelease is set. Defaults to 64.
	ReleaseQueueDepth int
	// WarningInterval limits how often fallback and growth warnings are logged. Defaults to one second.
	WarningInterval time.Duration
}

// Device bundles the backend, completion fence, and bookkeeping shared by every allocator created
// against one GPU. It owns stand-alone resources and the deferred deletion queue for committed
// resources, tracks per-heap-type budgets, and keeps a registry of its allocators so that they can be
// cleaned up, reported on, and destroyed together.
type Device struct {
	logger    *slog.Logger
	backend   *trackedBackend
	fence     fence.CompletionFence
	useMutex  bool
	budget    budgetTracker
	callbacks memoryCallbacks
	warnings  *rate.Limiter
	reclaimer *deferred.Reclaimer[device.Resource]

	mutex        utils.OptionalMutex
	releaseQueue *deferred.Queue[device.Resource]
	allocators   []ManagedAllocator
	standAlone   standAloneList
}

func New(logger *slog.Logger, backend device.Backend, completionFence fence.CompletionFence, options CreateOptions) (*Device, error) {
	if logger == nil {
		return nil, errors.New("a logger is required")
	}
	if backend == nil {
		return nil, errors.New("a device backend is required")
	}
	if completionFence == nil {
		return nil, errors.New("a completion fence is required")
	}

	heapLimitCount := len(options.HeapSizeLimits)
	if heapLimitCount > 0 && heapLimitCount != device.HeapTypeCount {
		return nil, errors.Newf("gpumem.CreateOptions.HeapSizeLimits was provided with %d entries, but there are %d heap types", heapLimitCount, device.HeapTypeCount)
	}

	useMutex := options.Flags&CreateExternallySynchronized == 0
	interval := options.WarningInterval
	if interval <= 0 {
		interval = defaultWarningInterval
	}

	d := &Device{
		logger:   logger,
		fence:    completionFence,
		useMutex: useMutex,
		warnings: rate.NewLimiter(rate.Every(interval), 1),
		mutex: utils.OptionalMutex{
			UseMutex: useMutex,
		},
		releaseQueue: deferred.NewQueue[device.Resource](completionFence),
	}
	copy(d.budget.heapLimits[:], options.HeapSizeLimits)
	d.callbacks = memoryCallbacks{
		Callbacks: options.MemoryCallbackOptions,
		Device:    d,
	}
	d.backend = &trackedBackend{
		backend:   backend,
		budget:    &d.budget,
		callbacks: &d.callbacks,
	}
	d.standAlone.Init(useMutex)

	if options.Flags&CreateAsyncRelease != 0 {
		depth := options.ReleaseQueueDepth
		if depth <= 0 {
			depth = defaultReleaseQueueDepth
		}
		d.reclaimer = deferred.NewReclaimer[device.Resource](logger, depth, d.destroyResources)
	}

	return d, nil
}

func (d *Device) Logger() *slog.Logger           { return d.logger }
func (d *Device) Fence() fence.CompletionFence   { return d.fence }
func (d *Device) Backend() device.Backend        { return d.backend }
func (d *Device) IsExternallySynchronized() bool { return !d.useMutex }
func (d *Device) StandAloneCount() int           { return d.standAlone.Count() }
func (d *Device) HeapBudget(heapType device.HeapType) Budget {
	var budget Budget
	d.budget.HeapBudget(heapType, &budget)
	return budget
}

// HeapBudgets returns the budget of every heap type, indexed by device.HeapType
func (d *Device) HeapBudgets() []Budget {
	budgets := make([]Budget, device.HeapTypeCount)
	for heapType := range budgets {
		d.budget.HeapBudget(device.HeapType(heapType), &budgets[heapType])
	}
	return budgets
}

// Start launches the background release goroutine when the device was created with CreateAsyncRelease.
// It does nothing otherwise. The goroutine exits when ctx is cancelled or the device is destroyed.
func (d *Device) Start(ctx context.Context) {
	if d.reclaimer != nil {
		d.reclaimer.Start(ctx)
	}
}

func (d *Device) register(allocator ManagedAllocator) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.allocators = append(d.allocators, allocator)
}

func (d *Device) unregister(allocator ManagedAllocator) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for i, registered := range d.allocators {
		if registered == allocator {
			copy(d.allocators[i:], d.allocators[i+1:])
			d.allocators[len(d.allocators)-1] = nil
			d.allocators = d.allocators[:len(d.allocators)-1]
			return
		}
	}
}

// Allocators returns every allocator currently registered with the device, in registration order
func (d *Device) Allocators() []ManagedAllocator {
	return d.registeredAllocators()
}

func (d *Device) registeredAllocators() []ManagedAllocator {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	allocators := make([]ManagedAllocator, len(d.allocators))
	copy(allocators, d.allocators)
	return allocators
}

func (d *Device) warn(msg string, attrs ...slog.Attr) {
	if d.warnings.Allow() {
		d.logger.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs...)
	}
}

// CreateStandAlone creates a committed resource and places it in out. The resource is released
// through the device's deferred deletion queue when out is cleared.
func (d *Device) CreateStandAlone(desc device.ResourceDesc, out *ResourceLocation) error {
	if desc.Heap != nil {
		return errors.Newf("stand-alone resource %q cannot be placed in a heap", desc.Name)
	}
	out.mustBeUndefined()

	resource, err := d.backend.CreateResource(desc)
	if err != nil {
		return errors.Wrapf(err, "failed to create stand-alone resource %q of size %d", desc.Name, desc.Size)
	}

	err = d.registerStandAlone(resource, desc.Size, out)
	if err != nil {
		if destroyErr := d.backend.DestroyResource(resource); destroyErr != nil {
			err = multierror.Append(err, destroyErr)
		}
		return err
	}

	return nil
}

func (d *Device) adoptStandAlone(resource device.Resource, size int, out *ResourceLocation) error {
	if resource.Heap() != nil {
		return errors.New("only committed resources can be stand-alone")
	}

	d.backend.adopt(resource)
	return d.registerStandAlone(resource, size, out)
}

func (d *Device) registerStandAlone(resource device.Resource, size int, out *ResourceLocation) error {
	var mapped unsafe.Pointer
	if resource.HeapType().IsCPUVisible() {
		var err error
		mapped, err = d.backend.Map(resource)
		if err != nil {
			return errors.Wrap(err, "failed to map stand-alone resource")
		}
	}

	entry := &standAloneResource{
		owner:    d,
		resource: resource,
		size:     size,
	}
	d.standAlone.Register(entry)
	d.budget.AddAllocation(resource.HeapType(), size)

	out.setStandAlone(entry, d.backend.GPUVirtualAddress(resource), mapped)
	return nil
}

func (d *Device) releaseStandAlone(entry *standAloneResource) {
	if !d.standAlone.Unregister(entry) {
		// Destroy already released it
		return
	}
	d.budget.RemoveAllocation(entry.resource.HeapType(), entry.size)
	d.retireResource(entry.resource)
}

// retireResource schedules a committed resource for destruction once the GPU work recorded at the
// fence's current value has completed
func (d *Device) retireResource(resource device.Resource) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.releaseQueue.EnqueueCurrent(resource)
}

// PendingReleaseCount returns the number of committed resources waiting on the fence before they can
// be destroyed
func (d *Device) PendingReleaseCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.releaseQueue.Len()
}

// releaseResource destroys a resource whose fence has already completed. Committed resources are
// handed to the background release goroutine when there is one. Placed resources are always destroyed
// immediately, since their heap may be destroyed right after.
func (d *Device) releaseResource(resource device.Resource) {
	if d.reclaimer != nil && resource.Heap() == nil {
		d.reclaimer.Submit([]device.Resource{resource})
		return
	}

	d.destroyResources([]device.Resource{resource})
}

func (d *Device) destroyResources(batch []device.Resource) {
	for _, resource := range batch {
		err := d.backend.DestroyResource(resource)
		if err != nil {
			d.logger.LogAttrs(context.Background(), slog.LevelError, "failed to destroy resource",
				slog.Int("Size", resource.Size()),
				slog.String("HeapType", resource.HeapType().String()),
				slog.Any("Error", err),
			)
		}
	}
}

func (d *Device) destroyHeap(heap device.Heap) error {
	return d.backend.DestroyHeap(heap)
}

// CleanUpAllocations reclaims completed deallocations in every allocator created from this device, then
// destroys every stand-alone resource whose fence has completed
func (d *Device) CleanUpAllocations() error {
	var result *multierror.Error
	for _, allocator := range d.registeredAllocators() {
		err := allocator.CleanUpAllocations()
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to clean up %s", allocator.Name()))
		}
	}

	d.drainReleaseQueue()

	return result.ErrorOrNil()
}

func (d *Device) drainReleaseQueue() {
	var completed []device.Resource

	d.mutex.Lock()
	d.releaseQueue.Drain(func(resource device.Resource) {
		completed = append(completed, resource)
	})
	d.mutex.Unlock()

	if len(completed) == 0 {
		return
	}
	if d.reclaimer != nil {
		d.reclaimer.Submit(completed)
		return
	}
	d.destroyResources(completed)
}

// Destroy destroys every allocator created from this device and every resource the device still owns,
// whether or not the GPU has finished with them. Stand-alone resources that were never cleared are
// logged as unreleased memory.
func (d *Device) Destroy() error {
	var result *multierror.Error

	allocators := d.registeredAllocators()
	for i := len(allocators) - 1; i >= 0; i-- {
		err := allocators[i].Destroy()
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to destroy %s", allocators[i].Name()))
		}
	}

	if d.reclaimer != nil {
		d.reclaimer.Stop()
	}

	var pending []device.Resource
	d.mutex.Lock()
	d.releaseQueue.DrainAll(func(resource device.Resource) {
		pending = append(pending, resource)
	})
	d.mutex.Unlock()
	d.destroyResources(pending)

	for _, entry := range d.standAlone.takeAll() {
		d.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] stand-alone resource was never cleared",
			slog.Int("Size", entry.size),
			slog.String("HeapType", entry.resource.HeapType().String()),
		)
		d.budget.RemoveAllocation(entry.resource.HeapType(), entry.size)
		err := d.backend.DestroyResource(entry.resource)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// CalculateStatistics sums the detailed statistics of every allocator and stand-alone resource
func (d *Device) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()
	for _, allocator := range d.registeredAllocators() {
		allocator.AddDetailedStatistics(stats)
	}
	d.standAlone.AddDetailedStatistics(stats)
}

// Validate performs internal consistency checks on the device's own bookkeeping
func (d *Device) Validate() error {
	return d.standAlone.Validate()
}
