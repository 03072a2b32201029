package driver

import (
	"fmt"

	resourceapi "k8s.io/api/resource/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/dynamic-resource-allocation/resourceslice"
	"k8s.io/klog/v2"

	"github.com/example/gpu-vmm/pkg/memstats"
)

// DiscoverResources builds a DriverResources structure advertising one
// device per GPU ordinal, with a consumable byte capacity, suitable for
// kubeletplugin.Helper.PublishResources. The helper takes care of
// creating/updating/deleting the backing ResourceSlices.
func DiscoverResources(driverName, nodeName string, deviceCount int, bytesPerDevice uintptr, counters *memstats.Counters) resourceslice.DriverResources {
	devices := make([]resourceapi.Device, 0, deviceCount)
	inUse := counters.Snapshot()

	for id := 0; id < deviceCount; id++ {
		total := resource.NewQuantity(int64(bytesPerDevice), resource.BinarySI)
		used := resource.NewQuantity(inUse[id], resource.BinarySI)

		devices = append(devices, resourceapi.Device{
			Name: fmt.Sprintf("gpu-%d", id),
			Attributes: map[resourceapi.QualifiedName]resourceapi.DeviceAttribute{
				"gpu-vmm.example.com/device-id": {IntValue: int64Ptr(int64(id))},
				"gpu-vmm.example.com/in-use":    {StringValue: stringPtr(used.String())},
			},
			Capacity: map[resourceapi.QualifiedName]resourceapi.DeviceCapacity{
				"gpu-vmm.example.com/bytes": {Value: *total},
			},
		})
	}

	klog.Infof("Discovered %d device(s), %d bytes capacity each", deviceCount, bytesPerDevice)

	return resourceslice.DriverResources{
		Pools: map[string]resourceslice.Pool{
			nodeName: {
				Slices: []resourceslice.Slice{{Devices: devices}},
			},
		},
	}
}

func int64Ptr(i int64) *int64 { return &i }
func stringPtr(s string) *string { return &s }
