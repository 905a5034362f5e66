package vulkan

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/mocks"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
	"go.uber.org/mock/gomock"
)

func TestFeatures_None(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, _, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})

	require.Equal(t, &Features{}, NewFeatures(device))
}

func TestFeatures_Core1_2(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, _, device := mocks.MockRig1_2(ctrl, common.Vulkan1_2, []string{}, []string{})

	require.Equal(t, &Features{
		BufferDeviceAddress: device,
	}, NewFeatures(device))
}

func TestFeatures_Extensions(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, _, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{},
		[]string{
			khr_buffer_device_address.ExtensionName,
			ext_memory_priority.ExtensionName,
		})

	features := NewFeatures(device)
	require.NotNil(t, features.BufferDeviceAddress)
	features.BufferDeviceAddress = nil

	require.Equal(t, &Features{
		UseMemoryPriority: true,
	}, features)
}
