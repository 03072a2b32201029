package stages

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/example/gpu-vmm/pkg/capability"
	"github.com/example/gpu-vmm/pkg/vmerr"
)

// ZeroFillStage performs an async byte-fill of Value over the mapped range
// on every Setup except the very first time the stage is set up: a fresh
// LocalProducer allocation is treated as logically uninitialized, so an
// initial fill would only be a redundant write to memory the driver just
// handed back. FirstTime lives on the stage struct itself (not on
// ManagedAllocation) so it is carried intact across ManagedAllocation.Take.
type ZeroFillStage struct {
	Driver         capability.Driver
	VirtualAddress uintptr
	Size           uintptr
	Value          byte
	Stream         capability.Stream

	// FirstTime must start true; Teardown clears it after the first
	// completed cycle.
	FirstTime bool
}

func (s *ZeroFillStage) Setup(h capability.PhysicalHandle) error {
	if s.FirstTime {
		klog.V(2).Infof("ZeroFillStage: skipping fill on first materialize (addr=%#x size=%d)", s.VirtualAddress, s.Size)
		return nil
	}
	if err := s.Driver.MemsetAsync(s.VirtualAddress, s.Size, s.Value, s.Stream); err != nil {
		return fmt.Errorf("%w: memset_async(addr=%#x, size=%d, value=%#x): %v", vmerr.ErrStageSetupFailure, s.VirtualAddress, s.Size, s.Value, err)
	}
	klog.V(2).Infof("ZeroFillStage: filled addr=%#x size=%d value=%#x", s.VirtualAddress, s.Size, s.Value)
	return nil
}

func (s *ZeroFillStage) Teardown(h capability.PhysicalHandle) error {
	s.FirstTime = false
	return nil
}
