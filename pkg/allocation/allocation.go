// Package allocation implements ManagedAllocation, the reversible object
// binding one Producer and an ordered list of Stages through a staged
// materialize/release state machine.
package allocation

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/example/gpu-vmm/pkg/capability"
	"github.com/example/gpu-vmm/pkg/vmerr"
)

// invalidProgress is the sentinel meaning "this allocation was moved out of
// (Take) and its destructor-equivalent, Close, should not act".
const invalidProgress = -1

// Status is the status derived from an allocation's (handle, progress)
// pair.
type Status int

const (
	// StatusInvalid means no producer is attached, or the allocation was
	// moved out of via Take.
	StatusInvalid Status = iota
	// StatusReleased means progress=0 and handle=0.
	StatusReleased
	// StatusMaterialized means progress=N and handle!=0.
	StatusMaterialized
	// StatusErrored is anything else — a partially set-up or
	// partially torn-down allocation.
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusReleased:
		return "RELEASED"
	case StatusMaterialized:
		return "MATERIALIZED"
	case StatusErrored:
		return "ERRORED"
	default:
		return "INVALID"
	}
}

// ManagedAllocation is an aggregate of one Producer, an ordered list of
// Stages, and a mutable (handle, progress) pair. It must not be copied
// after construction — hold it behind a pointer, and use Take to transfer
// ownership, since Go has no move constructor to do this implicitly.
type ManagedAllocation struct {
	producer capability.Producer
	stages   []capability.Stage

	handle   capability.PhysicalHandle
	progress int
}

// New constructs a ManagedAllocation in the RELEASED state, owning producer
// and stages. stages is retained, not copied — the caller must not mutate
// it afterwards.
func New(producer capability.Producer, stages []capability.Stage) *ManagedAllocation {
	return &ManagedAllocation{producer: producer, stages: stages}
}

// Status derives the allocation's current status from (handle, progress).
func (a *ManagedAllocation) Status() Status {
	if a.producer == nil || a.progress == invalidProgress {
		return StatusInvalid
	}
	switch {
	case a.progress == 0 && a.handle == 0:
		return StatusReleased
	case a.progress == len(a.stages) && a.handle != 0:
		return StatusMaterialized
	default:
		return StatusErrored
	}
}

// Handle returns the currently produced physical handle, or 0 if none is
// outstanding.
func (a *ManagedAllocation) Handle() capability.PhysicalHandle { return a.handle }

// Progress returns the number of stages currently in "setup-succeeded"
// state, or invalidProgress if this value has been moved out of.
func (a *ManagedAllocation) Progress() int { return a.progress }

// StageCount returns N, the number of stages this allocation owns.
func (a *ManagedAllocation) StageCount() int { return len(a.stages) }

// Materialize requires Status()==StatusReleased. It produces a physical
// handle and runs every stage's Setup in order. On the producer failing,
// the error is propagated and the allocation is left RELEASED with no
// pending cleanup — no stage Setup is attempted and nothing is torn down.
// On a stage's Setup failing, the error propagates immediately without
// attempting further stages or tearing any of them down; the allocation is
// left ERRORED and the caller (or Close) must Release it.
func (a *ManagedAllocation) Materialize() error {
	if st := a.Status(); st != StatusReleased {
		return fmt.Errorf("%w: materialize requires RELEASED, have %s", vmerr.ErrBadAllocationState, st)
	}

	h, err := a.producer.Produce()
	if err != nil {
		return err
	}
	a.handle = h

	for i, stage := range a.stages {
		if err := stage.Setup(h); err != nil {
			return fmt.Errorf("materialize: stage %d/%d setup failed: %w", i, len(a.stages), err)
		}
		a.progress = i + 1
	}
	return nil
}

// Release requires Status() to be StatusMaterialized or StatusErrored. It
// tears down stages [progress-1..0] in reverse order, never stopping early
// on a teardown error — every stage is given a chance to disarm regardless
// of whether an earlier one failed. progress is decremented after every
// teardown attempt, successful or not, since a stage that failed its
// teardown is still considered disarmed. The producer is always disposed
// and handle cleared last. If any teardown failed, the most recent such
// error is returned; earlier ones are logged. progress is always 0 on
// return.
func (a *ManagedAllocation) Release() error {
	if st := a.Status(); st != StatusMaterialized && st != StatusErrored {
		return fmt.Errorf("%w: release requires MATERIALIZED or ERRORED, have %s", vmerr.ErrBadAllocationState, st)
	}

	var last error
	for i := a.progress - 1; i >= 0; i-- {
		if err := a.stages[i].Teardown(a.handle); err != nil {
			last = vmerr.KeepLatest(last, fmt.Errorf("release: stage %d teardown failed: %w", i, err), func(superseded error) {
				klog.Warningf("managed allocation: earlier teardown error superseded by a later one: %v", superseded)
			})
		}
		a.progress = i
	}

	if a.producer != nil {
		a.producer.Dispose(a.handle)
	}
	a.handle = 0

	return last
}

// Close releases the allocation if handle!=0 and progress!=INVALID. Go has
// no throwing destructors, so Close swallows and logs any Release error
// instead of propagating it — callers that need the error should call
// Release directly while the allocation is still MATERIALIZED/ERRORED.
// Close is a no-op on an already-RELEASED or INVALID (moved-from)
// allocation.
func (a *ManagedAllocation) Close() {
	if a.handle == 0 || a.progress == invalidProgress {
		return
	}
	if err := a.Release(); err != nil {
		klog.Warningf("managed allocation: error releasing during close, swallowed: %v", err)
	}
}

// Take transfers ownership out of a, leaving a INVALID (a no-op Close) —
// the Go expression of move-construction/move-assignment semantics, since
// ManagedAllocation must never be copied while live.
func (a *ManagedAllocation) Take() *ManagedAllocation {
	out := &ManagedAllocation{
		producer: a.producer,
		stages:   a.stages,
		handle:   a.handle,
		progress: a.progress,
	}
	a.producer = nil
	a.stages = nil
	a.handle = 0
	a.progress = invalidProgress
	return out
}
