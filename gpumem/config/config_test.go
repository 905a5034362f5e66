package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/gpumem"
	"github.com/vkngwrapper/suballoc/memutils"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	parsed, err := Parse([]byte(""))
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(cfg, parsed))

	options := cfg.CreateOptions()
	require.Equal(t, gpumem.CreateFlags(0), options.Flags)
	require.Nil(t, options.HeapSizeLimits)
	require.Equal(t, time.Second, options.WarningInterval)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
device:
  asyncRelease: true
  warningInterval: 250ms
  heapSizeLimits:
    Upload: 1048576
    readback: -1
pools:
  kind: bucket
upload:
  maxSizeForPooling: 32768
textures:
  minNumToPool: 4
`))
	require.NoError(t, err)

	options := cfg.CreateOptions()
	require.Equal(t, gpumem.CreateAsyncRelease, options.Flags)
	require.Equal(t, 250*time.Millisecond, options.WarningInterval)
	require.Equal(t, 64, options.ReleaseQueueDepth)

	limits := make([]int, device.HeapTypeCount)
	limits[device.HeapTypeUpload] = 1024 * 1024
	limits[device.HeapTypeReadback] = -1
	require.Equal(t, limits, options.HeapSizeLimits)

	dynamic := cfg.DynamicHeapOptions()
	require.Equal(t, gpumem.AllocatorKindBucket, dynamic.Kind)
	require.Equal(t, 32*1024, dynamic.MaxSizeForPooling)
	require.Equal(t, gpumem.DefaultUploadPoolSize, dynamic.MaxBlockSize)
	require.Equal(t, uint64(gpumem.DefaultBucketRetentionCount), dynamic.RetentionCount)

	require.Equal(t, gpumem.AllocatorKindBucket, cfg.DefaultBufferOptions().Kind)
	require.Equal(t, gpumem.TextureOptions{
		MinPoolSize:  gpumem.DefaultSegListMinPoolSize,
		MinNumToPool: 4,
		MaxPoolSize:  gpumem.DefaultSegListMaxPoolSize,
	}, cfg.TextureOptions())
}

func TestParseAcceptsJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"fast": {"pageSize": 131072, "frameLag": 5}, "constant": {"pageSize": 4096}}`))
	require.NoError(t, err)

	require.Equal(t, gpumem.FastAllocatorOptions{
		HeapType: device.HeapTypeUpload,
		PageSize: 128 * 1024,
		FrameLag: 5,
	}, cfg.FastAllocatorOptions())
	require.Equal(t, 4096, cfg.ConstantAllocatorOptions().PageSize)
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "unknown field", doc: "upload:\n  blockSizes: 4096\n"},
		{name: "bad duration", doc: "device:\n  warningInterval: soon\n"},
		{name: "numeric duration", doc: "device:\n  warningInterval: 5\n"},
		{name: "unknown kind", doc: "pools:\n  kind: tlsf\n"},
		{name: "unknown heap type", doc: "device:\n  heapSizeLimits:\n    Shared: 1024\n"},
		{name: "negative heap limit", doc: "device:\n  heapSizeLimits:\n    Default: -2\n"},
		{name: "block size not pow2", doc: "upload:\n  blockSize: 3000000\n"},
		{name: "min block above block", doc: "upload:\n  blockSize: 65536\n  minBlockSize: 131072\n  maxSizeForPooling: 1024\n"},
		{name: "pooling above pool size", doc: "defaultBuffers:\n  maxSizeForPooling: 16777216\n"},
		{name: "texture pool bounds", doc: "textures:\n  minPoolSize: 41943040\n"},
		{name: "texture pool count", doc: "textures:\n  minNumToPool: 1\n"},
		{name: "ring page alignment", doc: "constant:\n  pageSize: 1000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
		})
	}
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Upload.BlockSize = 3000
	cfg.Fast.PageSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
	require.Contains(t, err.Error(), "upload.blockSize")
	require.Contains(t, err.Error(), "fast.pageSize")
}

func TestLoadRoundTripsThroughYAML(t *testing.T) {
	cfg := Default()
	cfg.Device.ExternallySynchronized = true
	cfg.Device.HeapSizeLimits = map[string]int{"Default": 256 * 1024 * 1024}

	data, err := cfg.YAML()
	require.NoError(t, err)
	require.Contains(t, string(data), "warningInterval: 1s")

	path := filepath.Join(t.TempDir(), "gpumem.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(cfg, loaded))
	require.Equal(t, gpumem.CreateExternallySynchronized, loaded.CreateOptions().Flags)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
