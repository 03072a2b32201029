package stages

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/example/gpu-vmm/pkg/capability"
	"github.com/example/gpu-vmm/pkg/vmerr"
)

// LocalProducer asks the driver to create one physical allocation of Size
// bytes with the given Properties, and disposes of it again. On success it
// optionally notifies a process-wide memory counter (device or pinned
// bucket, chosen by Properties.Location); InternalOnly suppresses that
// notification for internal/test allocations that should never show up in
// accounting.
type LocalProducer struct {
	Driver     capability.Driver
	Properties capability.AllocationProperties
	Size       uintptr

	// Counters is nil-safe: a nil Counters disables accounting.
	Counters capability.MemoryCounters
	// InternalOnly disables counter updates even when Counters is set.
	InternalOnly bool
}

func (p *LocalProducer) Produce() (capability.PhysicalHandle, error) {
	h, err := p.Driver.CreatePhysical(p.Properties, p.Size)
	if err != nil {
		return 0, fmt.Errorf("%w: create_physical(size=%d, location=%s): %v", vmerr.ErrProducerFailure, p.Size, p.Properties.Location, err)
	}
	p.updateCounters(int64(p.Size))
	klog.V(2).Infof("LocalProducer: produced handle for %d bytes (location=%s device=%d)", p.Size, p.Properties.Location, p.Properties.DeviceID)
	return h, nil
}

func (p *LocalProducer) Dispose(h capability.PhysicalHandle) {
	p.Driver.ReleasePhysical(h)
	p.updateCounters(-int64(p.Size))
	klog.V(2).Infof("LocalProducer: disposed handle (location=%s device=%d)", p.Properties.Location, p.Properties.DeviceID)
}

func (p *LocalProducer) updateCounters(delta int64) {
	if p.Counters == nil || p.InternalOnly {
		return
	}
	switch p.Properties.Location {
	case capability.LocationHostPinned:
		p.Counters.AddPinnedBytes(delta)
	default:
		p.Counters.AddDeviceBytes(p.Properties.DeviceID, delta)
	}
}
