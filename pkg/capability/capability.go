// Package capability defines the small set of abstract contracts the rest
// of this module is built against: the pluggable Producer/Stage pair that
// ManagedAllocation composes, and the lower-level Driver surface those
// stages issue calls against. None of it is a concrete realization — see
// pkg/simdriver for the simulated backend used by tests and the demo CLI.
package capability

// PhysicalHandle is an opaque token representing a physical GPU memory
// allocation owned by the driver. It is valid (non-zero) only while
// produced and not yet released.
type PhysicalHandle uintptr

// Producer yields and disposes of a PhysicalHandle. It carries its own
// configuration (size, location properties). Produce must not leak a
// handle if it fails partway through; Dispose is called exactly once per
// successful Produce.
type Producer interface {
	Produce() (PhysicalHandle, error)
	Dispose(h PhysicalHandle)
}

// Stage configures or deconfigures a PhysicalHandle. Teardown is only
// invoked for a Stage whose Setup returned successfully, and in reverse
// order of Setup across a ManagedAllocation's stage list. Setup must not
// leak on failure; a Stage that issues more than one driver call internally
// is responsible for its own internal rollback on a partial failure.
type Stage interface {
	Setup(h PhysicalHandle) error
	Teardown(h PhysicalHandle) error
}

// MemoryLocation selects where a physical allocation is backed.
type MemoryLocation int

const (
	LocationDevice MemoryLocation = iota
	LocationHostPinned
)

func (l MemoryLocation) String() string {
	if l == LocationHostPinned {
		return "host_pinned"
	}
	return "device"
}

// BackingKind selects what kind of host memory a BackupRestoreStage uses to
// hold saved contents while the device memory is unmapped.
type BackingKind int

const (
	BackingHost BackingKind = iota
	BackingHostPinned
)

func (k BackingKind) String() string {
	if k == BackingHostPinned {
		return "host_pinned"
	}
	return "host"
}

// Pinned reports whether this backing kind requires pinned host memory.
func (k BackingKind) Pinned() bool { return k == BackingHostPinned }

// AllocationProperties parameterizes a physical allocation request.
type AllocationProperties struct {
	Location MemoryLocation
	DeviceID int
}

// AccessDescriptor describes the permissions granted to a device over a
// mapped virtual address range.
type AccessDescriptor struct {
	DeviceID  int
	ReadWrite bool
}

// Stream is an opaque device work queue; operations enqueued on the same
// Stream execute in order relative to each other.
type Stream uintptr

// Event is an opaque device-recorded synchronization point.
type Event uintptr

// HostBuffer is an opaque host-side buffer used to back a save/restore
// cycle while the corresponding device memory is unmapped.
type HostBuffer uintptr

// MulticastObject is an opaque multi-GPU collective binding target.
type MulticastObject uintptr

// Driver is the abstract physical-memory / virtual-address capability
// surface consumed by pkg/stages. Concrete stages hold only the
// parameters describing one call against this surface; the surface itself
// is supplied by whatever driver API realization the caller wires in.
type Driver interface {
	ReserveVirtualAddress(size, alignment uintptr) (uintptr, error)
	ReleaseVirtualAddress(address, size uintptr)

	CreatePhysical(props AllocationProperties, size uintptr) (PhysicalHandle, error)
	ReleasePhysical(h PhysicalHandle)

	Map(address, size uintptr, h PhysicalHandle) error
	Unmap(address, size uintptr) error
	SetAccess(address, size uintptr, desc AccessDescriptor) error

	MulticastBind(mc MulticastObject, offset uintptr, h PhysicalHandle, bindOffset, size uintptr) error
	MulticastUnbind(mc MulticastObject, deviceID int, offset, size uintptr) error

	MemsetAsync(address, size uintptr, value byte, stream Stream) error

	AllocateHost(size uintptr, pinned bool) (HostBuffer, error)
	FreeHost(buf HostBuffer)

	CopyDeviceToHostAsync(dst HostBuffer, src uintptr, size uintptr, stream Stream) error
	CopyHostToDeviceAsync(dst uintptr, src HostBuffer, size uintptr, stream Stream) error

	NewEvent() Event
	EventRecord(ev Event, stream Stream) error
	EventSynchronize(ev Event) error

	GranularityOf(props AllocationProperties) uintptr
	PageSize() uintptr
}

// MemoryCounters is the process-wide memory accounting surface a Producer
// calls into. A nil MemoryCounters disables accounting entirely.
type MemoryCounters interface {
	AddDeviceBytes(deviceID int, delta int64)
	AddPinnedBytes(delta int64)
}
