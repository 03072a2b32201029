// Package adapter is a thin layer exposing the cohort manager to a tensor
// library's allocate(size, device) / deallocate(ptr, size) calls, plus the
// process-wide, lexically-scoped stack of adapter configurations those
// calls are evaluated under.
package adapter

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/example/gpu-vmm/pkg/capability"
	"github.com/example/gpu-vmm/pkg/cohort"
	"github.com/example/gpu-vmm/pkg/stages"
	"github.com/example/gpu-vmm/pkg/vmerr"
)

// BackupMode selects what, if anything, an allocation does to its contents
// across a release/materialize cycle.
type BackupMode int

const (
	BackupNone BackupMode = iota
	BackupMemset
	BackupHost
	BackupHostPinned
)

func (m BackupMode) String() string {
	switch m {
	case BackupMemset:
		return "memset"
	case BackupHost:
		return "host"
	case BackupHostPinned:
		return "host_pinned"
	default:
		return "none"
	}
}

// Configuration is immutable after construction. It is pushed onto a Stack
// before an Allocate call and popped afterward, so nested callers can
// override tag/mode/stream for the duration of their own allocations.
type Configuration struct {
	Tag      string
	Mode     BackupMode
	Stream   capability.Stream
	OnDemand bool
}

// Stack is a process-wide ordered sequence of Configurations; the top is
// returned by Current. It is guarded by its own mutex, independent of the
// cohort manager's, so that push/pop scoping never contends with
// allocate/deallocate traffic against a different tag.
type Stack struct {
	mu    sync.Mutex
	stack []*Configuration
}

// NewStack returns an empty adapter-configuration stack.
func NewStack() *Stack { return &Stack{} }

// Push builds a Configuration and pushes it, returning it so callers can
// read back what is now in effect.
func (s *Stack) Push(tag string, mode BackupMode, stream capability.Stream, onDemand bool) *Configuration {
	cfg := &Configuration{Tag: tag, Mode: mode, Stream: stream, OnDemand: onDemand}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack = append(s.stack, cfg)
	klog.V(2).Infof("adapter stack: pushed tag=%q mode=%s", tag, mode)
	return cfg
}

// Pop removes the top configuration.
func (s *Stack) Pop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stack) == 0 {
		return vmerr.ErrEmptyAdapterStack
	}
	s.stack = s.stack[:len(s.stack)-1]
	return nil
}

// Current returns the top-of-stack configuration.
func (s *Stack) Current() (*Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stack) == 0 {
		return nil, vmerr.ErrEmptyAdapterStack
	}
	return s.stack[len(s.stack)-1], nil
}

// Allocator exposes allocate/deallocate against a cohort manager, reserving
// virtual address ranges and building the producer/stage pipeline a tensor
// library's configuration calls for.
type Allocator struct {
	Driver   capability.Driver
	Cohort   *cohort.Manager
	Stack    *Stack
	Counters capability.MemoryCounters

	mu    sync.Mutex
	sizes map[uintptr]uintptr // handle_key (= reserved VA) -> rounded size, for Deallocate
}

// NewAllocator builds an Allocator over the given driver, cohort manager,
// and adapter-configuration stack.
func NewAllocator(driver capability.Driver, cohortMgr *cohort.Manager, stack *Stack, counters capability.MemoryCounters) *Allocator {
	return &Allocator{
		Driver:   driver,
		Cohort:   cohortMgr,
		Stack:    stack,
		Counters: counters,
		sizes:    make(map[uintptr]uintptr),
	}
}

func roundUp(n, unit uintptr) uintptr {
	if unit == 0 {
		return n
	}
	return (n + unit - 1) / unit * unit
}

// Allocate reserves a virtual address range of at least bytes (rounded up
// to the larger of the driver's allocation granularity and the host page
// size), builds a LocalProducer and a stage list according to the current
// adapter configuration, and materializes it into the cohort manager under
// the reserved address as handle_key. Refuses a zero-byte request.
func (a *Allocator) Allocate(bytes uintptr, device int) (uintptr, error) {
	if bytes == 0 {
		return 0, fmt.Errorf("vmm: adapter.Allocate refuses a zero-byte request")
	}

	cfg, err := a.Stack.Current()
	if err != nil {
		return 0, err
	}

	props := capability.AllocationProperties{Location: capability.LocationDevice, DeviceID: device}
	unit := a.Driver.GranularityOf(props)
	if pageSize := a.Driver.PageSize(); pageSize > unit {
		unit = pageSize
	}
	size := roundUp(bytes, unit)

	addr, err := a.Driver.ReserveVirtualAddress(size, unit)
	if err != nil {
		return 0, fmt.Errorf("vmm: reserve_virtual_address(size=%d): %w", size, err)
	}

	producer := &stages.LocalProducer{Driver: a.Driver, Properties: props, Size: size, Counters: a.Counters}
	stageList := []capability.Stage{
		&stages.UnicastMapStage{
			Driver:         a.Driver,
			VirtualAddress: addr,
			Size:           size,
			Access:         capability.AccessDescriptor{DeviceID: device, ReadWrite: true},
		},
	}
	switch cfg.Mode {
	case BackupMemset:
		stageList = append(stageList, &stages.ZeroFillStage{
			Driver: a.Driver, VirtualAddress: addr, Size: size, Stream: cfg.Stream, FirstTime: true,
		})
	case BackupHost:
		stageList = append(stageList, &stages.BackupRestoreStage{
			Driver: a.Driver, VirtualAddress: addr, Size: size, Kind: capability.BackingHost, Stream: cfg.Stream, OnDemand: cfg.OnDemand,
		})
	case BackupHostPinned:
		stageList = append(stageList, &stages.BackupRestoreStage{
			Driver: a.Driver, VirtualAddress: addr, Size: size, Kind: capability.BackingHostPinned, Stream: cfg.Stream, OnDemand: cfg.OnDemand,
		})
	}

	if err := a.Cohort.AddAndMaterialize(addr, cfg.Tag, producer, stageList); err != nil {
		// The VA was reserved but never mapped (or add_and_materialize's
		// own duplicate check rejected it first) — the adapter, not any
		// stage, owns freeing it in that case.
		a.Driver.ReleaseVirtualAddress(addr, size)
		return 0, err
	}

	a.mu.Lock()
	a.sizes[addr] = size
	a.mu.Unlock()

	klog.Infof("adapter: allocated %d bytes (requested %d) at %#x tag=%q mode=%s", size, bytes, addr, cfg.Tag, cfg.Mode)
	return addr, nil
}

// Deallocate removes the allocation registered under ptr and lets Close
// release it: stages tear down in reverse and the producer disposes its
// handle. The virtual address reservation itself is owned by the adapter,
// not by any individual materialize/release cycle, so it stays stable
// across any number of release/materialize calls on the same allocation —
// Deallocate is the only thing that frees it.
func (a *Allocator) Deallocate(ptr uintptr, bytes uintptr) {
	alloc := a.Cohort.Remove(ptr)
	alloc.Close()

	a.mu.Lock()
	size, ok := a.sizes[ptr]
	delete(a.sizes, ptr)
	a.mu.Unlock()

	if !ok {
		klog.Warningf("adapter: deallocate(%#x): no tracked size, skipping virtual-address release", ptr)
		return
	}
	a.Driver.ReleaseVirtualAddress(ptr, size)
	klog.Infof("adapter: deallocated %#x (%d bytes)", ptr, size)
}

// defaultAllocator backs the package-level Deallocate escape hatch.
var defaultAllocator struct {
	mu sync.Mutex
	a  *Allocator
}

// SetDefault registers a as the allocator the package-level Deallocate
// free function dispatches to.
func SetDefault(a *Allocator) {
	defaultAllocator.mu.Lock()
	defer defaultAllocator.mu.Unlock()
	defaultAllocator.a = a
}

// Deallocate looks up the current default Allocator and deallocates ptr
// against it. This is an escape hatch for frameworks that do not track
// per-allocation allocator identity and should not be relied on by new
// integrations — prefer holding onto the Allocator returned by NewAllocator
// and calling its Deallocate directly.
func Deallocate(ptr uintptr, bytes uintptr) error {
	defaultAllocator.mu.Lock()
	a := defaultAllocator.a
	defaultAllocator.mu.Unlock()
	if a == nil {
		return fmt.Errorf("vmm: adapter.Deallocate: no default allocator registered via SetDefault")
	}
	a.Deallocate(ptr, bytes)
	return nil
}
