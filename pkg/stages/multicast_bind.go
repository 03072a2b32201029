package stages

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/example/gpu-vmm/pkg/capability"
	"github.com/example/gpu-vmm/pkg/vmerr"
)

// MulticastBindStage binds a physical handle to a multicast object at
// BindOffset so that collective load/store semantics apply across devices,
// and unbinds it for Device on teardown.
type MulticastBindStage struct {
	Driver     capability.Driver
	Object     capability.MulticastObject
	Offset     uintptr
	BindOffset uintptr
	Device     int
	Size       uintptr

	bound bool
}

func (s *MulticastBindStage) Setup(h capability.PhysicalHandle) error {
	if err := s.Driver.MulticastBind(s.Object, s.Offset, h, s.BindOffset, s.Size); err != nil {
		return fmt.Errorf("%w: multicast_bind(offset=%d, bind_offset=%d): %v", vmerr.ErrStageSetupFailure, s.Offset, s.BindOffset, err)
	}
	s.bound = true
	klog.V(2).Infof("MulticastBindStage: bound offset=%d bind_offset=%d size=%d", s.Offset, s.BindOffset, s.Size)
	return nil
}

func (s *MulticastBindStage) Teardown(h capability.PhysicalHandle) error {
	if !s.bound {
		return fmt.Errorf("%w: multicast-bind teardown without a prior successful setup", vmerr.ErrStageTeardownFailure)
	}
	if err := s.Driver.MulticastUnbind(s.Object, s.Device, s.Offset, s.Size); err != nil {
		return fmt.Errorf("%w: multicast_unbind(device=%d, offset=%d): %v", vmerr.ErrStageTeardownFailure, s.Device, s.Offset, err)
	}
	s.bound = false
	klog.V(2).Infof("MulticastBindStage: unbound device=%d offset=%d", s.Device, s.Offset)
	return nil
}
