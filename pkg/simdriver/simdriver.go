// Package simdriver is a simulated realization of capability.Driver backed
// entirely by process memory: a byte arena per physical handle and a bump
// allocator (with a free list that only reuses a freed range of exactly the
// requested size) for virtual address tokens. It exists so the rest of this
// module's round-trip behavior — materialize, release, backup/restore
// content preservation — can be tested without real GPU hardware, and so
// the demo CLI has something to run against.
package simdriver

import (
	"fmt"
	"sync"

	"github.com/example/gpu-vmm/pkg/capability"
)

const (
	defaultGranularity uintptr = 2 << 20 // 2MiB, a typical device allocation granularity
	defaultPageSize    uintptr = 4096
)

type mapping struct {
	handle capability.PhysicalHandle
	size   uintptr
}

// Driver is a simulated capability.Driver. The zero value is not usable;
// construct with New.
type Driver struct {
	granularity uintptr
	pageSize    uintptr

	mu sync.Mutex

	nextVA uintptr
	freeVA map[uintptr]uintptr // addr -> size, reused only for an exact size match

	nextHandle capability.PhysicalHandle
	physical   map[capability.PhysicalHandle][]byte

	mapped map[uintptr]mapping

	nextHostBuf capability.HostBuffer
	host        map[capability.HostBuffer][]byte

	nextEvent capability.Event

	nextMulticast capability.MulticastObject
	multicast     map[capability.MulticastObject]map[int]struct{}
}

// New constructs a simulated driver. A zero granularity or pageSize
// defaults to 2MiB / 4KiB respectively.
func New(granularity, pageSize uintptr) *Driver {
	if granularity == 0 {
		granularity = defaultGranularity
	}
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	return &Driver{
		granularity: granularity,
		pageSize:    pageSize,
		nextVA:      pageSize, // keep 0 reserved as "no address"
		freeVA:      make(map[uintptr]uintptr),
		nextHandle:  1, // keep 0 reserved as "no handle"
		physical:    make(map[capability.PhysicalHandle][]byte),
		mapped:      make(map[uintptr]mapping),
		nextHostBuf: 1,
		host:        make(map[capability.HostBuffer][]byte),
		nextEvent:   1,
		multicast:   make(map[capability.MulticastObject]map[int]struct{}),
	}
}

func alignUp(n, unit uintptr) uintptr {
	if unit == 0 {
		return n
	}
	return (n + unit - 1) / unit * unit
}

func (d *Driver) ReserveVirtualAddress(size, alignment uintptr) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	size = alignUp(size, d.pageSize)
	for addr, freeSize := range d.freeVA {
		if freeSize == size && addr%alignment == 0 {
			delete(d.freeVA, addr)
			return addr, nil
		}
	}

	addr := alignUp(d.nextVA, alignment)
	d.nextVA = addr + size
	return addr, nil
}

func (d *Driver) ReleaseVirtualAddress(address, size uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.freeVA[address] = alignUp(size, d.pageSize)
}

func (d *Driver) CreatePhysical(props capability.AllocationProperties, size uintptr) (capability.PhysicalHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.nextHandle
	d.nextHandle++
	d.physical[h] = make([]byte, size)
	return h, nil
}

func (d *Driver) ReleasePhysical(h capability.PhysicalHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.physical, h)
}

func (d *Driver) Map(address, size uintptr, h capability.PhysicalHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.physical[h]; !ok {
		return fmt.Errorf("simdriver: map: unknown physical handle %v", h)
	}
	d.mapped[address] = mapping{handle: h, size: size}
	return nil
}

func (d *Driver) Unmap(address, size uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.mapped[address]; !ok {
		return fmt.Errorf("simdriver: unmap: address %#x not mapped", address)
	}
	delete(d.mapped, address)
	return nil
}

func (d *Driver) SetAccess(address, size uintptr, desc capability.AccessDescriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.mapped[address]; !ok {
		return fmt.Errorf("simdriver: set_access: address %#x not mapped", address)
	}
	return nil
}

func (d *Driver) MulticastBind(mc capability.MulticastObject, offset uintptr, h capability.PhysicalHandle, bindOffset, size uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.physical[h]; !ok {
		return fmt.Errorf("simdriver: multicast_bind: unknown physical handle %v", h)
	}
	if d.multicast[mc] == nil {
		d.multicast[mc] = make(map[int]struct{})
	}
	d.multicast[mc][int(bindOffset)] = struct{}{}
	return nil
}

func (d *Driver) MulticastUnbind(mc capability.MulticastObject, deviceID int, offset, size uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.multicast[mc], deviceID)
	return nil
}

func (d *Driver) MemsetAsync(address, size uintptr, value byte, stream capability.Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.mapped[address]
	if !ok {
		return fmt.Errorf("simdriver: memset_async: address %#x not mapped", address)
	}
	buf := d.physical[m.handle]
	n := size
	if n > uintptr(len(buf)) {
		n = uintptr(len(buf))
	}
	for i := uintptr(0); i < n; i++ {
		buf[i] = value
	}
	return nil
}

func (d *Driver) AllocateHost(size uintptr, pinned bool) (capability.HostBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.nextHostBuf
	d.nextHostBuf++
	d.host[b] = make([]byte, size)
	return b, nil
}

func (d *Driver) FreeHost(buf capability.HostBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.host, buf)
}

func (d *Driver) CopyDeviceToHostAsync(dst capability.HostBuffer, src uintptr, size uintptr, stream capability.Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.mapped[src]
	if !ok {
		return fmt.Errorf("simdriver: copy_device_to_host: address %#x not mapped", src)
	}
	hostBuf, ok := d.host[dst]
	if !ok {
		return fmt.Errorf("simdriver: copy_device_to_host: unknown host buffer %v", dst)
	}
	copy(hostBuf, d.physical[m.handle][:min(size, uintptr(len(d.physical[m.handle])))])
	return nil
}

func (d *Driver) CopyHostToDeviceAsync(dst uintptr, src capability.HostBuffer, size uintptr, stream capability.Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.mapped[dst]
	if !ok {
		return fmt.Errorf("simdriver: copy_host_to_device: address %#x not mapped", dst)
	}
	hostBuf, ok := d.host[src]
	if !ok {
		return fmt.Errorf("simdriver: copy_host_to_device: unknown host buffer %v", src)
	}
	deviceBuf := d.physical[m.handle]
	copy(deviceBuf, hostBuf[:min(size, uintptr(len(hostBuf)))])
	return nil
}

func min(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

func (d *Driver) NewEvent() capability.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.nextEvent
	d.nextEvent++
	return e
}

func (d *Driver) EventRecord(ev capability.Event, stream capability.Stream) error { return nil }

func (d *Driver) EventSynchronize(ev capability.Event) error { return nil }

func (d *Driver) GranularityOf(props capability.AllocationProperties) uintptr { return d.granularity }

func (d *Driver) PageSize() uintptr { return d.pageSize }

// ReadDeviceMemory is a test/debug helper returning a copy of the bytes
// currently backing the physical handle mapped at address. It has no
// equivalent in capability.Driver; it exists purely so tests can assert on
// content without going through a second host buffer.
func (d *Driver) ReadDeviceMemory(address uintptr, size uintptr) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.mapped[address]
	if !ok {
		return nil, fmt.Errorf("simdriver: read_device_memory: address %#x not mapped", address)
	}
	buf := d.physical[m.handle]
	n := size
	if n > uintptr(len(buf)) {
		n = uintptr(len(buf))
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}
