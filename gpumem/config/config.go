package config

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/gpumem"
	"github.com/vkngwrapper/suballoc/memutils"
	"sigs.k8s.io/yaml"
)

// Config is the tunable state of a gpumem device and the pools built on it. It can be loaded from YAML
// or JSON. Fields left out of a document keep the values from Default.
type Config struct {
	Device         DeviceConfig  `json:"device"`
	Pools          PoolConfig    `json:"pools"`
	Upload         UploadConfig  `json:"upload"`
	DefaultBuffers BufferConfig  `json:"defaultBuffers"`
	Textures       TextureConfig `json:"textures"`
	Fast           FastConfig    `json:"fast"`
	Constant       RingConfig    `json:"constant"`
}

type DeviceConfig struct {
	ExternallySynchronized bool `json:"externallySynchronized"`
	AsyncRelease           bool `json:"asyncRelease"`
	// ReleaseQueueDepth is the number of batches buffered for the background release goroutine
	ReleaseQueueDepth int      `json:"releaseQueueDepth"`
	WarningInterval   Duration `json:"warningInterval"`
	// HeapSizeLimits maps heap type names ("Default", "Upload", "Readback") to a byte limit. Heap types
	// that are absent, 0 or -1 are unlimited.
	HeapSizeLimits map[string]int `json:"heapSizeLimits,omitempty"`
}

// PoolConfig selects the allocator behind the upload and default buffer pools
type PoolConfig struct {
	// Kind is "multibuddy" or "bucket"
	Kind string `json:"kind"`
	// RetentionCount is the number of fence values a bucket allocator keeps freed blocks for
	RetentionCount uint64 `json:"retentionCount"`
}

type UploadConfig struct {
	MaxSizeForPooling int `json:"maxSizeForPooling"`
	BlockSize         int `json:"blockSize"`
	MinBlockSize      int `json:"minBlockSize"`
}

type BufferConfig struct {
	MaxSizeForPooling int `json:"maxSizeForPooling"`
	PoolSize          int `json:"poolSize"`
}

type TextureConfig struct {
	MinPoolSize  int `json:"minPoolSize"`
	MinNumToPool int `json:"minNumToPool"`
	MaxPoolSize  int `json:"maxPoolSize"`
}

type FastConfig struct {
	PageSize int    `json:"pageSize"`
	FrameLag uint64 `json:"frameLag"`
}

type RingConfig struct {
	PageSize int `json:"pageSize"`
}

// Duration is a time.Duration that is written as a Go duration string such as "500ms"
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var text string
	err := json.Unmarshal(data, &text)
	if err != nil {
		return errors.Wrap(err, "durations must be strings such as \"1s\"")
	}

	parsed, err := time.ParseDuration(text)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	d.Duration = parsed
	return nil
}

const (
	KindMultiBuddy = "multibuddy"
	KindBucket     = "bucket"
)

// Default returns the configuration that gpumem constructors fall back to when their options are zero
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ReleaseQueueDepth: 64,
			WarningInterval:   Duration{time.Second},
		},
		Pools: PoolConfig{
			Kind:           KindMultiBuddy,
			RetentionCount: gpumem.DefaultBucketRetentionCount,
		},
		Upload: UploadConfig{
			MaxSizeForPooling: gpumem.DefaultUploadPoolMaxAllocSize,
			BlockSize:         gpumem.DefaultUploadPoolSize,
			MinBlockSize:      gpumem.DefaultUploadPoolAlignment,
		},
		DefaultBuffers: BufferConfig{
			MaxSizeForPooling: gpumem.DefaultBufferPoolMaxAllocSize,
			PoolSize:          gpumem.DefaultBufferPoolSize,
		},
		Textures: TextureConfig{
			MinPoolSize:  gpumem.DefaultSegListMinPoolSize,
			MinNumToPool: gpumem.DefaultSegListMinNumToPool,
			MaxPoolSize:  gpumem.DefaultSegListMaxPoolSize,
		},
		Fast: FastConfig{
			PageSize: gpumem.DefaultFastAllocatorPageSize,
			FrameLag: gpumem.DefaultFastAllocatorFrameLag,
		},
		Constant: RingConfig{
			PageSize: gpumem.DefaultConstantAllocatorPageSize,
		},
	}
}

// Parse reads a YAML or JSON document over the defaults and validates the result. Unknown fields are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	err := yaml.UnmarshalStrict(data, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "cannot parse gpumem configuration")
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read gpumem configuration %s", path)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "configuration %s", path)
	}
	return cfg, nil
}

// YAML renders the configuration as a YAML document that Parse accepts
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func parseHeapType(name string) (device.HeapType, bool) {
	for heapType := device.HeapType(0); int(heapType) < device.HeapTypeCount; heapType++ {
		if strings.EqualFold(name, strings.TrimPrefix(heapType.String(), "HeapType")) {
			return heapType, true
		}
	}
	return 0, false
}

func (c *Config) allocatorKind() (gpumem.AllocatorKind, error) {
	switch strings.ToLower(c.Pools.Kind) {
	case KindMultiBuddy:
		return gpumem.AllocatorKindMultiBuddy, nil
	case KindBucket:
		return gpumem.AllocatorKindBucket, nil
	}
	return 0, errors.Newf("pools.kind must be %q or %q, but is %q", KindMultiBuddy, KindBucket, c.Pools.Kind)
}

// Validate returns every problem with the configuration, aggregated into one error
func (c *Config) Validate() error {
	var result *multierror.Error
	appendErr := func(err error) {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	if c.Device.ReleaseQueueDepth < 0 {
		appendErr(errors.Newf("device.releaseQueueDepth must not be negative, but is %d", c.Device.ReleaseQueueDepth))
	}
	if c.Device.WarningInterval.Duration < 0 {
		appendErr(errors.Newf("device.warningInterval must not be negative, but is %s", c.Device.WarningInterval))
	}
	for name, limit := range c.Device.HeapSizeLimits {
		if _, ok := parseHeapType(name); !ok {
			appendErr(errors.Newf("device.heapSizeLimits has unknown heap type %q", name))
		}
		if limit < -1 {
			appendErr(errors.Newf("device.heapSizeLimits.%s must be -1 or greater, but is %d", name, limit))
		}
	}

	_, err := c.allocatorKind()
	appendErr(err)

	appendErr(memutils.CheckPow2(c.Upload.BlockSize, "upload.blockSize"))
	appendErr(memutils.CheckPow2(c.Upload.MinBlockSize, "upload.minBlockSize"))
	if c.Upload.MinBlockSize > c.Upload.BlockSize {
		appendErr(errors.Newf("upload.minBlockSize %d is larger than upload.blockSize %d", c.Upload.MinBlockSize, c.Upload.BlockSize))
	}
	if c.Upload.MaxSizeForPooling <= 0 || c.Upload.MaxSizeForPooling > c.Upload.BlockSize {
		appendErr(errors.Newf("upload.maxSizeForPooling must be between 1 and upload.blockSize, but is %d", c.Upload.MaxSizeForPooling))
	}

	appendErr(memutils.CheckPow2(c.DefaultBuffers.PoolSize, "defaultBuffers.poolSize"))
	if c.DefaultBuffers.MaxSizeForPooling <= 0 || c.DefaultBuffers.MaxSizeForPooling > c.DefaultBuffers.PoolSize {
		appendErr(errors.Newf("defaultBuffers.maxSizeForPooling must be between 1 and defaultBuffers.poolSize, but is %d", c.DefaultBuffers.MaxSizeForPooling))
	}
	if c.DefaultBuffers.PoolSize < gpumem.MinPlacedBufferSize {
		appendErr(errors.Newf("defaultBuffers.poolSize must be at least %d, but is %d", gpumem.MinPlacedBufferSize, c.DefaultBuffers.PoolSize))
	}

	if c.Textures.MinPoolSize <= 0 || c.Textures.MinPoolSize > c.Textures.MaxPoolSize {
		appendErr(errors.Newf("textures.minPoolSize must be between 1 and textures.maxPoolSize, but is %d", c.Textures.MinPoolSize))
	}
	if c.Textures.MinNumToPool < 2 {
		appendErr(errors.Newf("textures.minNumToPool must be at least 2, but is %d", c.Textures.MinNumToPool))
	}

	if c.Fast.PageSize <= 0 {
		appendErr(errors.Newf("fast.pageSize must be positive, but is %d", c.Fast.PageSize))
	}
	if c.Constant.PageSize <= 0 || c.Constant.PageSize%gpumem.DataPlacementAlignment != 0 {
		appendErr(errors.Newf("constant.pageSize must be a positive multiple of %d, but is %d", gpumem.DataPlacementAlignment, c.Constant.PageSize))
	}

	return result.ErrorOrNil()
}

// CreateOptions converts the device section into options for gpumem.New
func (c *Config) CreateOptions() gpumem.CreateOptions {
	options := gpumem.CreateOptions{
		ReleaseQueueDepth: c.Device.ReleaseQueueDepth,
		WarningInterval:   c.Device.WarningInterval.Duration,
	}
	if c.Device.ExternallySynchronized {
		options.Flags |= gpumem.CreateExternallySynchronized
	}
	if c.Device.AsyncRelease {
		options.Flags |= gpumem.CreateAsyncRelease
	}

	if len(c.Device.HeapSizeLimits) > 0 {
		options.HeapSizeLimits = make([]int, device.HeapTypeCount)
		for name, limit := range c.Device.HeapSizeLimits {
			heapType, ok := parseHeapType(name)
			if ok {
				options.HeapSizeLimits[heapType] = limit
			}
		}
	}

	return options
}

func (c *Config) DynamicHeapOptions() gpumem.DynamicHeapOptions {
	kind, _ := c.allocatorKind()
	return gpumem.DynamicHeapOptions{
		Kind:              kind,
		MaxSizeForPooling: c.Upload.MaxSizeForPooling,
		MaxBlockSize:      c.Upload.BlockSize,
		MinBlockSize:      c.Upload.MinBlockSize,
		RetentionCount:    c.Pools.RetentionCount,
	}
}

func (c *Config) DefaultBufferOptions() gpumem.DefaultBufferOptions {
	kind, _ := c.allocatorKind()
	return gpumem.DefaultBufferOptions{
		Kind:              kind,
		MaxSizeForPooling: c.DefaultBuffers.MaxSizeForPooling,
		PoolSize:          c.DefaultBuffers.PoolSize,
		RetentionCount:    c.Pools.RetentionCount,
	}
}

func (c *Config) TextureOptions() gpumem.TextureOptions {
	return gpumem.TextureOptions{
		MinPoolSize:  c.Textures.MinPoolSize,
		MinNumToPool: c.Textures.MinNumToPool,
		MaxPoolSize:  c.Textures.MaxPoolSize,
	}
}

func (c *Config) FastAllocatorOptions() gpumem.FastAllocatorOptions {
	return gpumem.FastAllocatorOptions{
		HeapType: device.HeapTypeUpload,
		PageSize: c.Fast.PageSize,
		FrameLag: c.Fast.FrameLag,
	}
}

func (c *Config) ConstantAllocatorOptions() gpumem.ConstantAllocatorOptions {
	return gpumem.ConstantAllocatorOptions{
		PageSize: c.Constant.PageSize,
	}
}
