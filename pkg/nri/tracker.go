// Package nri provides an NRI (Node Resource Interface) plugin that treats
// pod sandbox stop/start as quiescent points for releasing and
// re-materializing a pod's GPU memory cohort: StopPodSandbox runs
// release_by_tag so device memory a stopped (but not yet deleted) pod held
// can be reclaimed, and RunPodSandbox runs materialize_by_tag to bring it
// back before the pod's containers start again. This is independent of
// PrepareResourceClaims/UnprepareResourceClaims, which fully allocate and
// deallocate a claim's virtual address reservation.
package nri

import (
	"sync"

	"k8s.io/klog/v2"
)

// Tracker maps a DRA claim UID to the cohort tag the driver allocated it
// under, so an NRI pod-lifecycle event — which only sees claim UIDs via pod
// annotations — can resolve which tags to sweep.
//
// Thread-safe — called from both DRA gRPC goroutines (Register/Unregister)
// and NRI ttrpc goroutines (TagsForClaims).
type Tracker struct {
	mu    sync.Mutex
	tagOf map[string]string // claimUID -> tag
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{tagOf: make(map[string]string)}
}

// Register records that claimUID's allocation lives under tag. Called by
// the driver package after a successful PrepareResourceClaims.
func (t *Tracker) Register(claimUID, tag string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tagOf[claimUID] = tag
	klog.V(2).Infof("nri tracker: registered claim=%s tag=%q", claimUID, tag)
}

// Unregister forgets claimUID. Called by the driver package on
// UnprepareResourceClaims.
func (t *Tracker) Unregister(claimUID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tagOf, claimUID)
}

// TagsForClaims resolves claimUIDs to their registered tags, deduplicated,
// silently dropping any claim UID with no registration (claims belonging
// to a different driver, most commonly).
func (t *Tracker) TagsForClaims(claimUIDs []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]struct{})
	var tags []string
	for _, uid := range claimUIDs {
		tag, ok := t.tagOf[uid]
		if !ok {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}
