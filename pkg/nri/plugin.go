package nri

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/nri/pkg/api"
	"github.com/containerd/nri/pkg/stub"
	"k8s.io/klog/v2"

	"github.com/example/gpu-vmm/pkg/cohort"
)

const (
	pluginName = "gpu-vmm"
	pluginIdx  = "90" // Run late — after most other NRI plugins.
)

// Plugin is an NRI plugin that sweeps a pod's cohort tags at pod-sandbox
// stop/start:
//
//   - StopPodSandbox — release_by_tag, reclaiming device memory
//   - RunPodSandbox  — materialize_by_tag, restoring it before containers
//     start again
type Plugin struct {
	stub    stub.Stub
	tracker *Tracker
	cohort  *cohort.Manager
}

// NewPlugin creates an NRI plugin wired to tracker (claim-to-tag
// resolution) and cohortMgr (the actual materialize/release calls).
func NewPlugin(tracker *Tracker, cohortMgr *cohort.Manager) (*Plugin, error) {
	p := &Plugin{tracker: tracker, cohort: cohortMgr}

	opts := []stub.Option{
		stub.WithPluginName(pluginName),
		stub.WithPluginIdx(pluginIdx),
	}

	s, err := stub.New(p, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create NRI stub: %w", err)
	}
	p.stub = s
	return p, nil
}

// Run starts the NRI plugin and blocks until the context is cancelled.
func (p *Plugin) Run(ctx context.Context) error {
	klog.Info("Starting NRI plugin for GPU memory cohort sweeps")
	return p.stub.Run(ctx)
}

// Stop cleanly shuts down the NRI plugin.
func (p *Plugin) Stop() {
	p.stub.Stop()
}

// RunPodSandbox materializes every cohort tag belonging to this pod's
// claims. It continues past a tag that fails to materialize rather than
// aborting the rest — a container that needed that tag will fail its own
// startup and surface the problem through the normal pod-readiness path.
func (p *Plugin) RunPodSandbox(_ context.Context, pod *api.PodSandbox) error {
	podName := fmt.Sprintf("%s/%s", pod.GetNamespace(), pod.GetName())
	claimUIDs := extractClaimUIDs(pod.GetAnnotations())
	if len(claimUIDs) == 0 {
		return nil
	}

	tags := p.tracker.TagsForClaims(claimUIDs)
	for _, tag := range tags {
		if _, err := p.cohort.MaterializeByTag(tag); err != nil {
			klog.Errorf("Pod %s: materialize_by_tag(%q) failed: %v", podName, tag, err)
		}
	}
	return nil
}

// StopPodSandbox releases every cohort tag belonging to this pod's claims,
// reclaiming device memory while the pod is stopped. This does not remove
// the allocations from the cohort manager or free their virtual address
// reservations — only UnprepareResourceClaims does that, when the claim
// itself is torn down.
func (p *Plugin) StopPodSandbox(_ context.Context, pod *api.PodSandbox) error {
	podName := fmt.Sprintf("%s/%s", pod.GetNamespace(), pod.GetName())
	claimUIDs := extractClaimUIDs(pod.GetAnnotations())
	if len(claimUIDs) == 0 {
		return nil
	}

	tags := p.tracker.TagsForClaims(claimUIDs)
	for _, tag := range tags {
		if _, err := p.cohort.ReleaseByTag(tag); err != nil {
			klog.Warningf("Pod %s: release_by_tag(%q) failed: %v", podName, tag, err)
		}
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

// extractClaimUIDs extracts DRA claim UIDs from pod annotations.
//
// The kubelet annotates pods with their resource claim info under the
// "resource.kubernetes.io/<container-name>" prefix, but the exact
// annotation value format can vary. Scanning for UUID-shaped substrings is
// a simpler and more robust approach than parsing any one expected layout.
func extractClaimUIDs(annotations map[string]string) []string {
	var uids []string
	seen := make(map[string]bool)

	for key, value := range annotations {
		if !strings.HasPrefix(key, "resource.kubernetes.io/") {
			continue
		}
		for _, candidate := range extractUUIDs(value) {
			if !seen[candidate] {
				seen[candidate] = true
				uids = append(uids, candidate)
			}
		}
	}

	return uids
}

// extractUUIDs finds UUID-shaped strings (8-4-4-4-12 hex) in a string.
func extractUUIDs(s string) []string {
	var uuids []string
	for i := 0; i <= len(s)-36; i++ {
		candidate := s[i : i+36]
		if isUUID(candidate) {
			uuids = append(uuids, candidate)
			i += 35
		}
	}
	return uuids
}

// isUUID checks if a string matches the UUID format (8-4-4-4-12 hex digits).
func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !isHexDigit(byte(c)) {
				return false
			}
		}
	}
	return true
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
