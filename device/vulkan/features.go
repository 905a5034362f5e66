package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
	khr_buffer_device_address_shim "github.com/vkngwrapper/extensions/v2/khr_buffer_device_address/shim"
)

// Features records the optional device functionality that the backend takes advantage of when present
type Features struct {
	// BufferDeviceAddress is used to report GPU virtual addresses for buffers. When it is nil, every
	// resource reports an address of 0.
	BufferDeviceAddress khr_buffer_device_address_shim.Shim
	// UseMemoryPriority attaches a priority to every heap so that the driver can prefer to evict upload
	// and readback memory before default memory
	UseMemoryPriority bool
}

func NewFeatures(device core1_0.Device) *Features {
	features := &Features{}

	device12 := core1_2.PromoteDevice(device)
	if device12 != nil {
		// Core 1.2 - buffer device address is promoted
		features.BufferDeviceAddress = device12
	}

	if features.BufferDeviceAddress == nil && device.IsDeviceExtensionActive(khr_buffer_device_address.ExtensionName) {
		extension := khr_buffer_device_address.CreateExtensionFromDevice(device)
		features.BufferDeviceAddress = khr_buffer_device_address_shim.NewShim(extension, device)
	}

	if device.IsDeviceExtensionActive(ext_memory_priority.ExtensionName) {
		features.UseMemoryPriority = true
	}

	return features
}
