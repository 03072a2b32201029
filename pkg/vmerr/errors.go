// Package vmerr defines the distinguishable error kinds raised by the
// virtual-memory manager, so that cohort-level rollback logic can tell them
// apart with errors.Is/errors.As without string matching.
package vmerr

import "errors"

// Sentinel kinds. Call sites wrap these with fmt.Errorf("...: %w", Kind)
// so errors.Is still matches while the message carries call-specific detail.
var (
	// ErrProducerFailure means a Producer could not produce a physical
	// handle. Surfaces from ManagedAllocation.Materialize; the allocation
	// is left RELEASED with no pending cleanup.
	ErrProducerFailure = errors.New("vmm: producer failed to produce a physical handle")

	// ErrStageSetupFailure means a Stage's Setup failed mid-materialize.
	// The allocation is left ERRORED; the caller must Release it.
	ErrStageSetupFailure = errors.New("vmm: stage setup failed")

	// ErrStageTeardownFailure means a Stage's Teardown failed during
	// release. Release still completes every other teardown and the
	// producer dispose before this is returned.
	ErrStageTeardownFailure = errors.New("vmm: stage teardown failed")

	// ErrDuplicateHandle means Add saw a handle_key that already exists
	// in the cohort manager's primary index.
	ErrDuplicateHandle = errors.New("vmm: handle already registered")

	// ErrEmptyAdapterStack means Pop (or Current) was called with no
	// configuration on the stack to remove or read.
	ErrEmptyAdapterStack = errors.New("vmm: adapter configuration stack is empty")

	// ErrBadAllocationState means an operation's precondition on
	// ManagedAllocation.Status was violated.
	ErrBadAllocationState = errors.New("vmm: allocation is not in the required state for this operation")
)

// KeepLatest folds err into the running "most recent error" of a
// best-effort group operation (release_by_tag, best-effort stage
// teardown): any previously held error is logged via logSuperseded and
// discarded, and err becomes the new running error. Callers pass their own
// logging closure so this package doesn't depend on klog.
func KeepLatest(prev, next error, logSuperseded func(error)) error {
	if next == nil {
		return prev
	}
	if prev != nil && logSuperseded != nil {
		logSuperseded(prev)
	}
	return next
}
