package stages

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/example/gpu-vmm/pkg/capability"
	"github.com/example/gpu-vmm/pkg/vmerr"
)

// UnicastMapStage maps a physical handle at VirtualAddress for Size bytes
// and sets the access descriptor for a single device. It is a protocol
// error to Teardown without a prior successful Setup; a failed mid-setup
// (map succeeds, set-access fails) unmaps before returning, since the stage
// owns both driver calls and must not leak the map.
type UnicastMapStage struct {
	Driver         capability.Driver
	VirtualAddress uintptr
	Size           uintptr
	Access         capability.AccessDescriptor

	mapped bool
}

func (s *UnicastMapStage) Setup(h capability.PhysicalHandle) error {
	if err := s.Driver.Map(s.VirtualAddress, s.Size, h); err != nil {
		return fmt.Errorf("%w: map(addr=%#x, size=%d): %v", vmerr.ErrStageSetupFailure, s.VirtualAddress, s.Size, err)
	}
	s.mapped = true

	if err := s.Driver.SetAccess(s.VirtualAddress, s.Size, s.Access); err != nil {
		// Internal rollback: the map must not outlive this failed Setup.
		s.Driver.Unmap(s.VirtualAddress, s.Size)
		s.mapped = false
		return fmt.Errorf("%w: set_access(addr=%#x, size=%d): %v", vmerr.ErrStageSetupFailure, s.VirtualAddress, s.Size, err)
	}

	klog.V(2).Infof("UnicastMapStage: mapped addr=%#x size=%d device=%d", s.VirtualAddress, s.Size, s.Access.DeviceID)
	return nil
}

func (s *UnicastMapStage) Teardown(h capability.PhysicalHandle) error {
	if !s.mapped {
		return fmt.Errorf("%w: unicast-map teardown without a prior successful setup", vmerr.ErrStageTeardownFailure)
	}
	if err := s.Driver.Unmap(s.VirtualAddress, s.Size); err != nil {
		return fmt.Errorf("%w: unmap(addr=%#x, size=%d): %v", vmerr.ErrStageTeardownFailure, s.VirtualAddress, s.Size, err)
	}
	s.mapped = false
	klog.V(2).Infof("UnicastMapStage: unmapped addr=%#x size=%d", s.VirtualAddress, s.Size)
	return nil
}
