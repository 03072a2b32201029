// Package memstats is the minimal process-wide memory-accounting surface
// LocalProducer calls into on every successful produce/dispose. It is
// advisory only — never consulted for correctness by the cohort manager or
// the allocation state machine.
package memstats

import "sync"

// Counters tracks aggregate device and pinned-host byte totals under its
// own lock, independent of the cohort manager's mutex.
type Counters struct {
	mu          sync.Mutex
	deviceBytes map[int]int64
	pinnedBytes int64
}

// New returns an empty, ready-to-use Counters.
func New() *Counters {
	return &Counters{deviceBytes: make(map[int]int64)}
}

// AddDeviceBytes adjusts the running total for deviceID by delta (negative
// on dispose).
func (c *Counters) AddDeviceBytes(deviceID int, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceBytes[deviceID] += delta
}

// AddPinnedBytes adjusts the running pinned-host total by delta.
func (c *Counters) AddPinnedBytes(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinnedBytes += delta
}

// DeviceBytes returns the current total for deviceID.
func (c *Counters) DeviceBytes(deviceID int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceBytes[deviceID]
}

// PinnedBytes returns the current pinned-host total.
func (c *Counters) PinnedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinnedBytes
}

// Snapshot returns a copy of the per-device totals, keyed by device ID.
func (c *Counters) Snapshot() map[int]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]int64, len(c.deviceBytes))
	for k, v := range c.deviceBytes {
		out[k] = v
	}
	return out
}
