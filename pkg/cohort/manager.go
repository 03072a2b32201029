// Package cohort implements the CohortManager: an index of managed
// allocations by opaque handle and by tag, with group release/materialize
// operations carrying distinct transactional semantics — materialize rolls
// back the whole group on any failure, release is best-effort and reports
// every failure it accumulates.
package cohort

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/example/gpu-vmm/pkg/allocation"
	"github.com/example/gpu-vmm/pkg/capability"
	"github.com/example/gpu-vmm/pkg/vmerr"
)

// Manager indexes ManagedAllocations by handle_key in a primary map and by
// tag in a secondary one. A single mutex serializes every public operation,
// including the producer/stage calls those operations make — acceptable
// because this is a control path, not a hot data path, and it keeps the
// indexes from ever being observed mid-operation.
//
// Go maps give no iterator stability across inserts the way an ordered
// associative container might, so the secondary index stores handle_keys
// and re-looks them up in the primary map on each use, rather than holding
// any kind of live reference into it.
type Manager struct {
	mu sync.Mutex

	primary map[uintptr]*allocation.ManagedAllocation
	tagOf   map[uintptr]string
	byTag   map[string]map[uintptr]struct{}

	bad []uintptr
}

// New returns an empty, ready-to-use Manager.
func New() *Manager {
	return &Manager{
		primary: make(map[uintptr]*allocation.ManagedAllocation),
		tagOf:   make(map[uintptr]string),
		byTag:   make(map[string]map[uintptr]struct{}),
	}
}

// Add inserts alloc under handleKey, indexed under tag. It fails with
// vmerr.ErrDuplicateHandle if handleKey already exists; the manager's state
// is unchanged on any failure. alloc is not materialized by Add — see
// AddAndMaterialize for the combined operation.
func (m *Manager) Add(handleKey uintptr, tag string, alloc *allocation.ManagedAllocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(handleKey, tag, alloc)
}

func (m *Manager) insertLocked(handleKey uintptr, tag string, alloc *allocation.ManagedAllocation) error {
	if _, exists := m.primary[handleKey]; exists {
		return fmt.Errorf("%w: handle_key=%#x", vmerr.ErrDuplicateHandle, handleKey)
	}
	// A Go map insert cannot itself fail, so there is no secondary-index
	// rollback to perform here — the primary insert below and the
	// secondary insert are both unconditional once the duplicate check
	// above has passed.
	m.primary[handleKey] = alloc
	m.tagOf[handleKey] = tag
	if m.byTag[tag] == nil {
		m.byTag[tag] = make(map[uintptr]struct{})
	}
	m.byTag[tag][handleKey] = struct{}{}
	return nil
}

// AddAndMaterialize constructs a ManagedAllocation from producer and
// stages, materializes it, then adds it under handleKey/tag. If
// materialization fails the allocation is closed (released/discarded) and
// nothing enters the manager. If handleKey already exists, materialization
// is never attempted.
func (m *Manager) AddAndMaterialize(handleKey uintptr, tag string, producer capability.Producer, stages []capability.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.primary[handleKey]; exists {
		return fmt.Errorf("%w: handle_key=%#x", vmerr.ErrDuplicateHandle, handleKey)
	}

	alloc := allocation.New(producer, stages)
	if err := alloc.Materialize(); err != nil {
		alloc.Close()
		return err
	}

	return m.insertLocked(handleKey, tag, alloc)
}

// Remove removes and returns the allocation stored under handleKey. An
// unknown handleKey yields an INVALID allocation (producer==nil) rather
// than failing — Remove never fails. The caller owns the returned
// allocation's lifetime and should Close (or Release, if it wants the
// error) it to actually free the underlying resources.
func (m *Manager) Remove(handleKey uintptr) *allocation.ManagedAllocation {
	m.mu.Lock()
	defer m.mu.Unlock()

	alloc, ok := m.primary[handleKey]
	if !ok {
		return allocation.New(nil, nil)
	}
	m.removeFromIndexesLocked(handleKey)
	return alloc
}

func (m *Manager) removeFromIndexesLocked(handleKey uintptr) {
	delete(m.primary, handleKey)
	tag, ok := m.tagOf[handleKey]
	if !ok {
		return
	}
	delete(m.tagOf, handleKey)
	if set, ok := m.byTag[tag]; ok {
		delete(set, handleKey)
		if len(set) == 0 {
			delete(m.byTag, tag)
		}
	}
}

// evictLocked removes handleKey from both indexes and records it as bad so
// callers can find and clean up allocations a failed operation left in an
// indeterminate state.
func (m *Manager) evictLocked(handleKey uintptr) {
	m.removeFromIndexesLocked(handleKey)
	m.bad = append(m.bad, handleKey)
}

func (m *Manager) keysForTagLocked(tag string) []uintptr {
	set := m.byTag[tag]
	keys := make([]uintptr, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

// ReleaseByTag releases every entry currently indexed under tag,
// continuing past a failing entry rather than stopping: release is
// best-effort-complete. Any allocation whose Release returns an error is
// evicted from both indexes and its handle_key appended to the bad-handle
// list — an allocation left behind would be indistinguishable from a
// successful release, so eviction only ever happens on failure. Returns
// the number of entries originally selected for tag, and the most recent
// error encountered (nil if none).
func (m *Manager) ReleaseByTag(tag string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.keysForTagLocked(tag)
	var last error
	for _, k := range keys {
		alloc, ok := m.primary[k]
		if !ok {
			continue
		}
		if err := alloc.Release(); err != nil {
			wrapped := fmt.Errorf("release_by_tag(%q): handle %#x: %w", tag, k, err)
			last = vmerr.KeepLatest(last, wrapped, func(superseded error) {
				klog.Warningf("cohort: release_by_tag(%q): superseded error: %v", tag, superseded)
			})
			m.evictLocked(k)
		}
	}
	return len(keys), last
}

// MaterializeByTag materializes every entry currently indexed under tag, in
// an unspecified (map iteration) order, stopping at the first failure and
// rolling back every entry it had already materialized in this call, in
// reverse order. Entries that roll back cleanly remain in the manager,
// RELEASED. The originally failing entry, and any entry whose rollback
// Release itself fails, are evicted and appended to the bad-handle list.
// Returns the number of entries originally selected for tag, and the
// original materialize error (nil if every entry materialized).
func (m *Manager) MaterializeByTag(tag string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.keysForTagLocked(tag)
	var materialized []uintptr

	for _, k := range keys {
		alloc, ok := m.primary[k]
		if !ok {
			continue
		}
		if err := alloc.Materialize(); err != nil {
			for i := len(materialized) - 1; i >= 0; i-- {
				rk := materialized[i]
				ralloc, ok := m.primary[rk]
				if !ok {
					continue
				}
				if rerr := ralloc.Release(); rerr != nil {
					klog.Warningf("cohort: materialize_by_tag(%q): rollback release of handle %#x failed, quarantining: %v", tag, rk, rerr)
					m.evictLocked(rk)
				}
			}
			m.evictLocked(k)
			return len(keys), fmt.Errorf("materialize_by_tag(%q): handle %#x: %w", tag, k, err)
		}
		materialized = append(materialized, k)
	}

	return len(keys), nil
}

// TakeBadHandles atomically swaps the bad-handle list with an empty one and
// returns its previous contents. The result never contains duplicates and
// subsequent calls never return the same handle twice, but it may drop
// entries under pathological allocation failure — callers must not assume
// completeness, only non-duplication.
func (m *Manager) TakeBadHandles() []uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.bad
	m.bad = nil
	return out
}

// Len reports how many allocations are currently indexed.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.primary)
}

// StatusOf reports the status of the allocation stored under handleKey and
// whether one exists. It exists for diagnostics and tests.
func (m *Manager) StatusOf(handleKey uintptr) (allocation.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alloc, ok := m.primary[handleKey]
	if !ok {
		return allocation.StatusInvalid, false
	}
	return alloc.Status(), true
}
