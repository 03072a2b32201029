// Package driver adapts the allocator-adapter surface to
// k8s.io/dynamic-resource-allocation/kubeletplugin's DRA plugin contract:
// a ResourceClaim becomes one cohort tag, PrepareResourceClaims allocates
// and materializes it, and the resulting virtual address/size are exposed
// into the container via a generated CDI spec.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	resourceapi "k8s.io/api/resource/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/dynamic-resource-allocation/kubeletplugin"
	"k8s.io/klog/v2"
	cdispec "tags.cncf.io/container-device-interface/specs-go"

	"github.com/example/gpu-vmm/pkg/adapter"
)

const (
	defaultCDIDir = "/etc/cdi"
	cdiVersion    = "1.1.0"
)

// claimState is the sidecar-persisted record of what PrepareResourceClaims
// did for one claim, so UnprepareResourceClaims and a restarted plugin can
// find the allocation again without re-deriving it from the claim (which
// may already be deleted by the time Unprepare runs).
type claimState struct {
	ClaimUID string  `json:"claimUID"`
	Tag      string  `json:"tag"`
	Address  uintptr `json:"address"`
	Size     uintptr `json:"size"`
	Device   int     `json:"device"`
}

// claimConfig is the opaque per-claim configuration read from a
// ResourceClaim's device config, namespaced under this driver's name.
type claimConfig struct {
	Tag        string `json:"tag,omitempty"`
	Bytes      uint64 `json:"bytes"`
	Device     int    `json:"device,omitempty"`
	BackupMode string `json:"backupMode,omitempty"`
}

func (c claimConfig) mode() adapter.BackupMode {
	switch c.BackupMode {
	case "memset":
		return adapter.BackupMemset
	case "host":
		return adapter.BackupHost
	case "host_pinned":
		return adapter.BackupHostPinned
	default:
		return adapter.BackupNone
	}
}

// claimTracker is the subset of pkg/nri.Tracker the driver needs, so this
// package does not have to import pkg/nri's NRI-stub dependency directly.
type claimTracker interface {
	Register(claimUID, tag string)
	Unregister(claimUID string)
}

// Driver implements kubeletplugin.DRAPlugin over an adapter.Allocator.
type Driver struct {
	driverName string
	allocator  *adapter.Allocator
	cdiDir     string
	tracker    claimTracker

	claims map[string]*claimState
}

// New creates a DRA driver backed by allocator, writing CDI specs and
// sidecar state under the standard CDI spec directory.
func New(driverName string, allocator *adapter.Allocator) *Driver {
	return NewWithCDIDir(driverName, allocator, defaultCDIDir)
}

// NewWithCDIDir is New with an overridable CDI spec directory, for tests.
func NewWithCDIDir(driverName string, allocator *adapter.Allocator, cdiDir string) *Driver {
	return &Driver{
		driverName: driverName,
		allocator:  allocator,
		cdiDir:     cdiDir,
		claims:     make(map[string]*claimState),
	}
}

// SetTracker wires an pkg/nri.Tracker so claim-to-tag mappings are
// available to NRI pod-lifecycle hooks. Optional — a Driver with no
// tracker behaves exactly as before.
func (d *Driver) SetTracker(tracker claimTracker) {
	d.tracker = tracker
}

// PrepareResourceClaims materializes one allocation per claim, pushing a
// scoped adapter configuration for its tag and backup mode, then publishes
// the resulting address/size as a CDI device.
func (d *Driver) PrepareResourceClaims(ctx context.Context, claims []*resourceapi.ResourceClaim) (map[types.UID]kubeletplugin.PrepareResult, error) {
	klog.Infof("PrepareResourceClaims called with %d claims", len(claims))

	d.restoreClaims()

	results := make(map[types.UID]kubeletplugin.PrepareResult, len(claims))

	for _, rc := range claims {
		uid := string(rc.UID)
		klog.Infof("Preparing claim: uid=%s namespace=%s name=%s", uid, rc.Namespace, rc.Name)

		if existing, ok := d.claims[uid]; ok {
			cdiDeviceID := d.cdiDeviceID(uid)
			klog.Infof("Claim %s already prepared (restored state), returning cdi=%s", uid, cdiDeviceID)
			results[rc.UID] = prepareResult(existing, cdiDeviceID)
			continue
		}

		state, err := d.prepareClaim(rc)
		if err != nil {
			klog.Errorf("Failed to prepare claim %s: %v", uid, err)
			results[rc.UID] = kubeletplugin.PrepareResult{Err: err}
			continue
		}

		cdiDeviceID, err := d.createCDISpec(uid, state)
		if err != nil {
			d.allocator.Deallocate(state.Address, state.Size)
			results[rc.UID] = kubeletplugin.PrepareResult{Err: err}
			continue
		}

		d.claims[uid] = state
		if d.tracker != nil {
			d.tracker.Register(uid, state.Tag)
		}
		klog.Infof("Successfully prepared claim %s: addr=%#x size=%d cdi=%s", uid, state.Address, state.Size, cdiDeviceID)
		results[rc.UID] = prepareResult(state, cdiDeviceID)
	}

	return results, nil
}

// UnprepareResourceClaims deallocates whatever PrepareResourceClaims did.
func (d *Driver) UnprepareResourceClaims(ctx context.Context, claims []kubeletplugin.NamespacedObject) (map[types.UID]error, error) {
	klog.Infof("UnprepareResourceClaims called with %d claims", len(claims))

	d.restoreClaims()

	results := make(map[types.UID]error, len(claims))

	for _, claim := range claims {
		uid := string(claim.UID)
		klog.Infof("Unpreparing claim: %s", uid)

		state, ok := d.claims[uid]
		if !ok {
			klog.Warningf("No tracked allocation for claim %s (already cleaned up?)", uid)
			results[claim.UID] = nil
			continue
		}

		d.allocator.Deallocate(state.Address, state.Size)
		d.deleteCDISpec(uid)
		delete(d.claims, uid)
		if d.tracker != nil {
			d.tracker.Unregister(uid)
		}

		results[claim.UID] = nil
		klog.Infof("Successfully unprepared claim %s", uid)
	}

	return results, nil
}

// HandleError is called for background errors (e.g. ResourceSlice publishing).
func (d *Driver) HandleError(ctx context.Context, err error, msg string) {
	klog.ErrorS(err, msg)
}

func (d *Driver) prepareClaim(rc *resourceapi.ResourceClaim) (*claimState, error) {
	cfg := d.parseConfig(rc)
	if cfg.Bytes == 0 {
		return nil, fmt.Errorf("claim %s: device config must set a non-zero byte size", rc.UID)
	}

	tag := cfg.Tag
	if tag == "" {
		tag = fmt.Sprintf("%s/%s", rc.Namespace, rc.Name)
	}

	d.allocator.Stack.Push(tag, cfg.mode(), 0, false)
	defer d.allocator.Stack.Pop()

	addr, err := d.allocator.Allocate(uintptr(cfg.Bytes), cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("claim %s: allocate: %w", rc.UID, err)
	}

	return &claimState{
		ClaimUID: string(rc.UID),
		Tag:      tag,
		Address:  addr,
		Size:     uintptr(cfg.Bytes),
		Device:   cfg.Device,
	}, nil
}

// parseConfig extracts this driver's opaque device config from rc, falling
// back to a minimal default when one isn't present.
func (d *Driver) parseConfig(rc *resourceapi.ResourceClaim) claimConfig {
	if rc != nil {
		for _, cfg := range rc.Spec.Devices.Config {
			if cfg.Opaque == nil || cfg.Opaque.Driver != d.driverName {
				continue
			}
			var parsed claimConfig
			if err := json.Unmarshal(cfg.Opaque.Parameters.Raw, &parsed); err != nil {
				klog.V(2).Infof("Could not parse opaque config: %v", err)
				continue
			}
			return parsed
		}
	}
	return claimConfig{Bytes: 1 << 20}
}

func prepareResult(state *claimState, cdiDeviceID string) kubeletplugin.PrepareResult {
	return kubeletplugin.PrepareResult{
		Devices: []kubeletplugin.Device{{
			PoolName:     "default",
			DeviceName:   fmt.Sprintf("alloc-%#x", state.Address),
			CDIDeviceIDs: []string{cdiDeviceID},
		}},
	}
}

func (d *Driver) cdiFilePrefix(claimUID string) string {
	prefix := claimUID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%s-%s", strings.ReplaceAll(d.driverName, "/", "-"), prefix)
}

func (d *Driver) cdiDeviceID(claimUID string) string {
	return fmt.Sprintf("%s/memory=%s", d.driverName, d.cdiFilePrefix(claimUID))
}

// createCDISpec writes a CDI spec exposing the allocation's virtual address
// and size to the container as environment variables, and persists
// claimState alongside it so a restarted plugin can find it again.
func (d *Driver) createCDISpec(claimUID string, state *claimState) (string, error) {
	if err := os.MkdirAll(d.cdiDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create CDI directory: %w", err)
	}

	// Must match the device name cdiDeviceID returns for this claim.
	deviceName := d.cdiFilePrefix(claimUID)
	spec := cdispec.Spec{
		Version: cdiVersion,
		Kind:    fmt.Sprintf("%s/memory", d.driverName),
		Devices: []cdispec.Device{{
			Name: deviceName,
			ContainerEdits: cdispec.ContainerEdits{
				Env: []string{
					"GPU_VMM_ADDRESS=" + strconv.FormatUint(uint64(state.Address), 16),
					"GPU_VMM_SIZE=" + strconv.FormatUint(uint64(state.Size), 10),
					"GPU_VMM_DEVICE=" + strconv.Itoa(state.Device),
					"GPU_VMM_TAG=" + state.Tag,
				},
			},
		}},
	}

	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal CDI spec: %w", err)
	}

	prefix := d.cdiFilePrefix(claimUID)
	cdiFilePath := filepath.Join(d.cdiDir, prefix+".json")
	if err := os.WriteFile(cdiFilePath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write CDI spec: %w", err)
	}

	if err := d.saveClaimState(claimUID, state); err != nil {
		klog.Warningf("Failed to save claim state for %s: %v", claimUID, err)
	}

	cdiDeviceID := d.cdiDeviceID(claimUID)
	klog.Infof("Created CDI spec at %s (id: %s)", cdiFilePath, cdiDeviceID)
	return cdiDeviceID, nil
}

func (d *Driver) deleteCDISpec(claimUID string) {
	prefix := d.cdiFilePrefix(claimUID)

	cdiFilePath := filepath.Join(d.cdiDir, prefix+".json")
	if err := os.Remove(cdiFilePath); err != nil && !os.IsNotExist(err) {
		klog.Warningf("Failed to delete CDI spec %s: %v", cdiFilePath, err)
	} else {
		klog.Infof("Deleted CDI spec at %s", cdiFilePath)
	}

	d.removeClaimState(claimUID)
}

func (d *Driver) saveClaimState(claimUID string, state *claimState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal claim state: %w", err)
	}
	path := filepath.Join(d.cdiDir, d.cdiFilePrefix(claimUID)+".alloc.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write claim state: %w", err)
	}
	klog.V(2).Infof("Saved claim state to %s", path)
	return nil
}

func (d *Driver) removeClaimState(claimUID string) {
	path := filepath.Join(d.cdiDir, d.cdiFilePrefix(claimUID)+".alloc.json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		klog.Warningf("Failed to delete claim state %s: %v", path, err)
	}
}

// restoreClaims rebuilds the in-memory claims map from persisted sidecar
// state files, so a restarted plugin can unprepare claims it never saw
// PrepareResourceClaims for in this process lifetime.
func (d *Driver) restoreClaims() {
	pattern := filepath.Join(d.cdiDir, strings.ReplaceAll(d.driverName, "/", "-")+"-*.alloc.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		klog.Warningf("Failed to glob claim state files: %v", err)
		return
	}

	restored := 0
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			klog.Warningf("Failed to read claim state %s: %v", path, err)
			continue
		}

		var state claimState
		if err := json.Unmarshal(data, &state); err != nil {
			klog.Warningf("Failed to parse claim state %s: %v", path, err)
			continue
		}
		if state.ClaimUID == "" {
			klog.Warningf("Skipping claim state with empty claimUID: %s", path)
			continue
		}
		if _, ok := d.claims[state.ClaimUID]; ok {
			continue
		}

		d.claims[state.ClaimUID] = &state
		restored++
		klog.V(2).Infof("Restored claim: uid=%s tag=%s addr=%#x size=%d", state.ClaimUID, state.Tag, state.Address, state.Size)
	}

	if restored > 0 {
		klog.Infof("Restored %d claims from disk", restored)
	}
}
