package adapter

import (
	"testing"

	"github.com/example/gpu-vmm/pkg/capability"
	"github.com/example/gpu-vmm/pkg/cohort"
	"github.com/example/gpu-vmm/pkg/memstats"
	"github.com/example/gpu-vmm/pkg/simdriver"
)

func newTestAllocator(t *testing.T) (*Allocator, *simdriver.Driver, *memstats.Counters) {
	t.Helper()
	d := simdriver.New(0, 0)
	counters := memstats.New()
	stack := NewStack()
	a := NewAllocator(d, cohort.New(), stack, counters)
	return a, d, counters
}

func TestAllocateRefusesZeroBytes(t *testing.T) {
	a, _, _ := newTestAllocator(t)
	a.Stack.Push("t", BackupNone, 0, false)
	if _, err := a.Allocate(0, 0); err == nil {
		t.Fatal("expected zero-byte allocate to fail")
	}
}

func TestAllocateRequiresAPushedConfiguration(t *testing.T) {
	a, _, _ := newTestAllocator(t)
	if _, err := a.Allocate(128, 0); err == nil {
		t.Fatal("expected allocate with an empty adapter stack to fail")
	}
}

func TestAllocateRoundsUpToGranularity(t *testing.T) {
	a, d, _ := newTestAllocator(t)
	a.Stack.Push("t", BackupNone, 0, false)
	addr, err := a.Allocate(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if addr%d.PageSize() != 0 {
		t.Fatalf("expected the returned address to be unit-aligned, got %#x", addr)
	}
	granularity := d.GranularityOf(capability.AllocationProperties{})
	if size := a.sizes[addr]; size != granularity {
		t.Fatalf("expected a 1-byte request rounded up to the granularity %d, got %d", granularity, size)
	}
}

func TestAllocateDeallocateUpdatesCounters(t *testing.T) {
	a, _, counters := newTestAllocator(t)
	a.Stack.Push("t", BackupNone, 0, false)

	addr, err := a.Allocate(4096, 2)
	if err != nil {
		t.Fatal(err)
	}
	if counters.DeviceBytes(2) == 0 {
		t.Fatal("expected device-2 byte counter to increase after allocate")
	}

	a.Deallocate(addr, 4096)
	if counters.DeviceBytes(2) != 0 {
		t.Fatalf("expected device-2 byte counter to return to 0 after deallocate, got %d", counters.DeviceBytes(2))
	}
}

func TestDeallocateThenAllocateReusesVirtualAddress(t *testing.T) {
	a, _, _ := newTestAllocator(t)
	a.Stack.Push("t", BackupNone, 0, false)

	addr1, err := a.Allocate(4096, 0)
	if err != nil {
		t.Fatal(err)
	}
	a.Deallocate(addr1, 4096)

	addr2, err := a.Allocate(4096, 0)
	if err != nil {
		t.Fatal(err)
	}
	if addr1 != addr2 {
		t.Fatalf("expected the freed virtual address to be reused, got %#x then %#x", addr1, addr2)
	}
}

// TestReleaseMaterializeCycleKeepsSameAddress is spec scenario R2: an
// allocation's virtual address must be stable across any number of
// release()/materialize() cycles through the cohort manager, without ever
// going through Deallocate.
func TestReleaseMaterializeCycleKeepsSameAddress(t *testing.T) {
	a, d, _ := newTestAllocator(t)
	cfg := a.Stack.Push("batch", BackupMemset, 0, false)
	_ = cfg

	addr, err := a.Allocate(4096, 0)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := a.Cohort.ReleaseByTag("batch"); err != nil {
			t.Fatalf("cycle %d: release_by_tag: %v", i, err)
		}
		if _, err := a.Cohort.MaterializeByTag("batch"); err != nil {
			t.Fatalf("cycle %d: materialize_by_tag: %v", i, err)
		}
		if _, err := d.ReadDeviceMemory(addr, 1); err != nil {
			t.Fatalf("cycle %d: expected the allocation mapped again at %#x: %v", i, addr, err)
		}
	}

	a.mu.Lock()
	size, ok := a.sizes[addr]
	a.mu.Unlock()
	if !ok || size == 0 {
		t.Fatalf("expected the adapter to still track a size for %#x across cycles", addr)
	}
	a.Deallocate(addr, size)
}

func TestBackupModeSurvivesReleaseMaterializeRoundTrip(t *testing.T) {
	a, d, _ := newTestAllocator(t)
	a.Stack.Push("batch", BackupHost, 0, false)

	addr, err := a.Allocate(64, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.MemsetAsync(addr, 64, 0x42, 0); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Cohort.ReleaseByTag("batch"); err != nil {
		t.Fatalf("release_by_tag: %v", err)
	}
	if _, err := a.Cohort.MaterializeByTag("batch"); err != nil {
		t.Fatalf("materialize_by_tag: %v", err)
	}

	got, err := d.ReadDeviceMemory(addr, 64)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range got {
		if b != 0x42 {
			t.Fatalf("byte %d: expected content preserved across release/materialize with BackupHost, got %#x", i, b)
		}
	}
}

func TestDefaultAllocatorEscapeHatch(t *testing.T) {
	a, _, _ := newTestAllocator(t)
	a.Stack.Push("t", BackupNone, 0, false)
	SetDefault(a)
	defer SetDefault(nil)

	addr, err := a.Allocate(4096, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := Deallocate(addr, 4096); err != nil {
		t.Fatalf("package-level Deallocate: %v", err)
	}
}

func TestDefaultAllocatorEscapeHatchWithoutRegistration(t *testing.T) {
	SetDefault(nil)
	if err := Deallocate(1, 1); err == nil {
		t.Fatal("expected Deallocate with no registered default allocator to fail")
	}
}

var _ capability.Driver = (*simdriver.Driver)(nil)
