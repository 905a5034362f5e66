package main

import (
	"context"
	"log/slog"
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/device/hostmem"
	"github.com/vkngwrapper/suballoc/fence"
	"github.com/vkngwrapper/suballoc/gpumem"
	"github.com/vkngwrapper/suballoc/gpumem/config"
	"github.com/vkngwrapper/suballoc/metrics"
)

// workload describes the allocations made in every simulated frame
type workload struct {
	Frames int
	// Latency is the number of frames the simulated GPU trails the CPU by
	Latency uint64
	Seed    int64
	// DeviceMemory caps the bytes the backend will hand out. Zero means no cap.
	DeviceMemory int

	Uploads   int
	Buffers   int
	Textures  int
	Constants int
	Transient int
	// Lifetime is the largest number of frames a default buffer or texture is kept for
	Lifetime int
}

var textureSizes = []int{4 * 1024, 16 * 1024, 64 * 1024, 256 * 1024, 1024 * 1024, 4 * 1024 * 1024}

type liveAllocation struct {
	location *gpumem.ResourceLocation
	expires  int
}

// summary is what a simulation reports once it has run
type summary struct {
	Frames      int
	Allocations int
	StandAlone  int
	// PeakAllocated is the largest number of bytes held from the device at the end of any frame
	PeakAllocated int
	// Retained is the memory still held after every allocation was released and the GPU went idle
	Retained gpumem.MemoryStats
	Budgets  map[string]gpumem.Budget
}

type simulation struct {
	logger   *slog.Logger
	workload workload
	rng      *rand.Rand

	backend  *hostmem.Backend
	timeline *fence.Timeline
	dev      *gpumem.Device
	registry *prometheus.Registry

	dynamic   *gpumem.DynamicHeapAllocator
	buffers   *gpumem.DefaultBufferAllocator
	textures  *gpumem.TextureAllocatorPool
	fast      *gpumem.FastAllocator
	constants *gpumem.FastConstantAllocator

	live      []liveAllocation
	transient []*gpumem.ResourceLocation
	summary   summary
}

func newSimulation(ctx context.Context, logger *slog.Logger, cfg *config.Config, w workload) (*simulation, error) {
	s := &simulation{
		logger:   logger,
		workload: w,
		rng:      rand.New(rand.NewSource(w.Seed)),
		backend:  hostmem.New(hostmem.Options{MaxBytes: w.DeviceMemory}),
		timeline: fence.NewTimeline(),
		registry: prometheus.NewRegistry(),
	}

	dev, err := gpumem.New(logger, s.backend, s.timeline, cfg.CreateOptions())
	if err != nil {
		return nil, err
	}
	s.dev = dev
	dev.Start(ctx)

	err = s.registry.Register(metrics.NewCollector(dev))
	if err != nil {
		return nil, s.abort(err)
	}

	s.dynamic, err = gpumem.NewDynamicHeapAllocator(dev, cfg.DynamicHeapOptions())
	if err != nil {
		return nil, s.abort(err)
	}
	s.buffers = gpumem.NewDefaultBufferAllocator(dev, cfg.DefaultBufferOptions())
	s.textures, err = gpumem.NewTextureAllocatorPool(dev, cfg.TextureOptions())
	if err != nil {
		return nil, s.abort(err)
	}
	s.fast, err = gpumem.NewFastAllocator(dev, cfg.FastAllocatorOptions())
	if err != nil {
		return nil, s.abort(err)
	}
	s.constants, err = gpumem.NewFastConstantAllocator(dev, cfg.ConstantAllocatorOptions())
	if err != nil {
		return nil, s.abort(err)
	}

	return s, nil
}

func (s *simulation) abort(err error) error {
	if destroyErr := s.dev.Destroy(); destroyErr != nil {
		err = multierror.Append(err, destroyErr)
	}
	return err
}

func (s *simulation) between(lo, hi int) int {
	return lo + s.rng.Intn(hi-lo+1)
}

func (s *simulation) record(location *gpumem.ResourceLocation) {
	s.summary.Allocations++
	if location.Type() == gpumem.LocationStandAlone {
		s.summary.StandAlone++
	}
}

func (s *simulation) keep(location *gpumem.ResourceLocation, frame int) {
	s.record(location)
	if location.IsValid() {
		s.live = append(s.live, liveAllocation{location: location, expires: frame + s.between(1, s.workload.Lifetime)})
	}
}

func (s *simulation) discardAtEndOfFrame(location *gpumem.ResourceLocation) {
	s.record(location)
	s.transient = append(s.transient, location)
}

func (s *simulation) releaseExpired(frame int) {
	kept := s.live[:0]
	for _, allocation := range s.live {
		if allocation.expires <= frame {
			allocation.location.Clear()
			continue
		}
		kept = append(kept, allocation)
	}
	for i := len(kept); i < len(s.live); i++ {
		s.live[i] = liveAllocation{}
	}
	s.live = kept
}

func (s *simulation) runFrame(frame int) error {
	s.logger.Debug("simulation::runFrame", slog.Int("Frame", frame))
	s.releaseExpired(frame)

	for i := 0; i < s.workload.Uploads; i++ {
		location := &gpumem.ResourceLocation{}
		_, err := s.dynamic.AllocUploadResource(s.between(1, 96*1024), gpumem.DefaultUploadPoolAlignment, location)
		if err != nil {
			return errors.Wrapf(err, "frame %d upload %d", frame, i)
		}
		s.discardAtEndOfFrame(location)
	}

	bufferFlags := []device.ResourceFlags{0, device.ResourceAllowUnorderedAccess, device.ResourceDenyShaderResource}
	for i := 0; i < s.workload.Buffers; i++ {
		location := &gpumem.ResourceLocation{}
		err := s.buffers.AllocDefaultResource(device.ResourceDesc{
			Size:  s.between(0, 128*1024),
			Flags: bufferFlags[s.rng.Intn(len(bufferFlags))],
			Name:  "Simulated Buffer",
		}, 16, location)
		if err != nil {
			return errors.Wrapf(err, "frame %d buffer %d", frame, i)
		}
		s.keep(location, frame)
	}

	for i := 0; i < s.workload.Textures; i++ {
		size := textureSizes[s.rng.Intn(len(textureSizes))]
		var flags device.ResourceFlags
		if s.rng.Intn(4) == 0 {
			flags = device.ResourceAllowRenderTarget
		}

		location := &gpumem.ResourceLocation{}
		err := s.textures.AllocateTexture(gpumem.TextureDesc{
			Size:           size,
			Flags:          flags,
			SampleCount:    1,
			SmallAlignment: size < gpumem.DefaultResourcePlacementAlignment,
			Name:           "Simulated Texture",
		}, location)
		if err != nil {
			return errors.Wrapf(err, "frame %d texture %d", frame, i)
		}
		s.keep(location, frame)
	}

	for i := 0; i < s.workload.Constants; i++ {
		location := &gpumem.ResourceLocation{}
		_, err := s.constants.Allocate(s.between(16, 1024), location)
		if err != nil {
			return errors.Wrapf(err, "frame %d constants %d", frame, i)
		}
		s.discardAtEndOfFrame(location)
	}

	for i := 0; i < s.workload.Transient; i++ {
		location := &gpumem.ResourceLocation{}
		_, err := s.fast.Allocate(s.between(16, 8*1024), 16, location)
		if err != nil {
			return errors.Wrapf(err, "frame %d transient %d", frame, i)
		}
		s.discardAtEndOfFrame(location)
	}

	return s.endFrame()
}

// endFrame releases the frame's transient allocations, submits the frame and lets the simulated GPU
// catch up to within Latency frames
func (s *simulation) endFrame() error {
	for i, location := range s.transient {
		location.Clear()
		s.transient[i] = nil
	}
	s.transient = s.transient[:0]

	submitted := s.timeline.Signal()
	if submitted > s.workload.Latency {
		s.timeline.Complete(submitted - s.workload.Latency)
	}

	err := s.dev.CleanUpAllocations()
	if err != nil {
		return err
	}

	s.summary.PeakAllocated = max(s.summary.PeakAllocated, s.dev.GetMemoryStats().TotalAllocated)
	return nil
}

func (s *simulation) run() error {
	for frame := 0; frame < s.workload.Frames; frame++ {
		err := s.runFrame(frame)
		if err != nil {
			return err
		}
		s.summary.Frames++
	}
	return nil
}

// drain releases every live allocation and waits for the simulated GPU to go idle
func (s *simulation) drain() error {
	for _, allocation := range s.live {
		allocation.location.Clear()
	}
	s.live = nil

	err := s.endFrame()
	if err != nil {
		return err
	}

	s.timeline.CompleteAll()
	err = s.dev.CleanUpAllocations()
	if err != nil {
		return err
	}

	s.summary.Retained = s.dev.GetMemoryStats()
	s.summary.Budgets = map[string]gpumem.Budget{}
	for heapType, budget := range s.dev.HeapBudgets() {
		s.summary.Budgets[device.HeapType(heapType).String()] = budget
	}
	return nil
}

func (s *simulation) writeMetrics(path string) error {
	return prometheus.WriteToTextfile(path, s.registry)
}

// close destroys every allocator and the device
func (s *simulation) close() error {
	return s.dev.Destroy()
}
