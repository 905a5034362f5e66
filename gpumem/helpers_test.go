package gpumem

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/device/hostmem"
	"github.com/vkngwrapper/suballoc/fence"
)

const (
	kb = 1024
	mb = 1024 * kb
)

type testDevice struct {
	dev      *Device
	backend  *hostmem.Backend
	timeline *fence.Timeline
	logs     *bytes.Buffer
}

func readyDevice(t *testing.T, options CreateOptions) *testDevice {
	logs := &bytes.Buffer{}
	return readyDeviceWithLogger(t, slog.New(slog.NewJSONHandler(logs, nil)), logs, options)
}

func readyQuietDevice(t *testing.T, options CreateOptions) *testDevice {
	return readyDeviceWithLogger(t, slog.New(slog.NewJSONHandler(io.Discard, nil)), nil, options)
}

func readyDeviceWithLogger(t *testing.T, logger *slog.Logger, logs *bytes.Buffer, options CreateOptions) *testDevice {
	backend := hostmem.New(hostmem.Options{})
	timeline := fence.NewTimeline()

	dev, err := New(logger, backend, timeline, options)
	require.NoError(t, err)

	return &testDevice{
		dev:      dev,
		backend:  backend,
		timeline: timeline,
		logs:     logs,
	}
}

// finishFrame submits the current fence value and waits for the GPU to reach it
func (d *testDevice) finishFrame() {
	d.timeline.Complete(d.timeline.Signal())
}

func (d *testDevice) requireEmpty(t *testing.T) {
	require.Equal(t, 0, d.backend.LiveHeapCount())
	require.Equal(t, 0, d.backend.LiveResourceCount())
	require.Equal(t, 0, d.backend.LiveBytes())
}
