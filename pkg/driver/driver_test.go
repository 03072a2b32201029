package driver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	resourceapi "k8s.io/api/resource/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/dynamic-resource-allocation/kubeletplugin"

	"github.com/example/gpu-vmm/pkg/adapter"
	"github.com/example/gpu-vmm/pkg/cohort"
	"github.com/example/gpu-vmm/pkg/memstats"
	"github.com/example/gpu-vmm/pkg/simdriver"
)

const testDriverName = "gpu-vmm.example.com"

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	sim := simdriver.New(0, 0)
	a := adapter.NewAllocator(sim, cohort.New(), adapter.NewStack(), memstats.New())
	return NewWithCDIDir(testDriverName, a, t.TempDir())
}

func fakeClaim(t *testing.T, uid, namespace, name string, cfg claimConfig) *resourceapi.ResourceClaim {
	t.Helper()
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return &resourceapi.ResourceClaim{
		ObjectMeta: metav1.ObjectMeta{UID: types.UID(uid), Namespace: namespace, Name: name},
		Spec: resourceapi.ResourceClaimSpec{
			Devices: resourceapi.DeviceClaim{
				Config: []resourceapi.DeviceClaimConfiguration{{
					DeviceConfiguration: resourceapi.DeviceConfiguration{
						Opaque: &resourceapi.OpaqueDeviceConfiguration{
							Driver:     testDriverName,
							Parameters: runtime.RawExtension{Raw: raw},
						},
					},
				}},
			},
		},
	}
}

func TestPrepareThenUnprepareRoundTrip(t *testing.T) {
	d := newTestDriver(t)
	claim := fakeClaim(t, "claim-uid-1", "ns", "claim1", claimConfig{Bytes: 4096, Device: 0})

	results, err := d.PrepareResourceClaims(context.Background(), []*resourceapi.ResourceClaim{claim})
	if err != nil {
		t.Fatalf("PrepareResourceClaims: %v", err)
	}
	res, ok := results[types.UID("claim-uid-1")]
	if !ok || res.Err != nil {
		t.Fatalf("expected a successful prepare result, got %+v", res)
	}
	if len(res.Devices) != 1 || len(res.Devices[0].CDIDeviceIDs) != 1 {
		t.Fatalf("expected exactly one device with one CDI device ID, got %+v", res.Devices)
	}

	cdiPath := filepath.Join(d.cdiDir, d.cdiFilePrefix("claim-uid-1")+".json")
	if _, err := os.Stat(cdiPath); err != nil {
		t.Fatalf("expected a CDI spec file at %s: %v", cdiPath, err)
	}

	if len(d.claims) != 1 {
		t.Fatalf("expected one tracked claim, got %d", len(d.claims))
	}

	unresults, err := d.UnprepareResourceClaims(context.Background(), []kubeletplugin.NamespacedObject{
		{NamespacedName: types.NamespacedName{Namespace: "ns", Name: "claim1"}, UID: types.UID("claim-uid-1")},
	})
	if err != nil {
		t.Fatalf("UnprepareResourceClaims: %v", err)
	}
	if unresults[types.UID("claim-uid-1")] != nil {
		t.Fatalf("expected unprepare to succeed, got %v", unresults[types.UID("claim-uid-1")])
	}
	if len(d.claims) != 0 {
		t.Fatalf("expected claim state cleared, got %d", len(d.claims))
	}
	if _, err := os.Stat(cdiPath); !os.IsNotExist(err) {
		t.Fatal("expected the CDI spec file to be removed on unprepare")
	}
}

func TestPrepareIsIdempotentAcrossRestore(t *testing.T) {
	sim := simdriver.New(0, 0)
	a := adapter.NewAllocator(sim, cohort.New(), adapter.NewStack(), memstats.New())
	dir := t.TempDir()

	d1 := NewWithCDIDir(testDriverName, a, dir)
	claim := fakeClaim(t, "claim-uid-2", "ns", "claim2", claimConfig{Bytes: 4096})
	if _, err := d1.PrepareResourceClaims(context.Background(), []*resourceapi.ResourceClaim{claim}); err != nil {
		t.Fatal(err)
	}

	// A fresh Driver over the same CDI directory, simulating a plugin
	// restart, should restore the claim and return idempotently without
	// allocating again.
	d2 := NewWithCDIDir(testDriverName, a, dir)
	results, err := d2.PrepareResourceClaims(context.Background(), []*resourceapi.ResourceClaim{claim})
	if err != nil {
		t.Fatalf("PrepareResourceClaims after restore: %v", err)
	}
	if results[types.UID("claim-uid-2")].Err != nil {
		t.Fatalf("expected restored prepare to succeed: %v", results[types.UID("claim-uid-2")].Err)
	}
	if len(d2.claims) != 1 {
		t.Fatalf("expected the restarted driver to restore 1 claim, got %d", len(d2.claims))
	}
}

func TestPrepareRejectsZeroByteConfig(t *testing.T) {
	d := newTestDriver(t)
	claim := fakeClaim(t, "claim-uid-3", "ns", "claim3", claimConfig{Bytes: 0})

	results, err := d.PrepareResourceClaims(context.Background(), []*resourceapi.ResourceClaim{claim})
	if err != nil {
		t.Fatal(err)
	}
	if results[types.UID("claim-uid-3")].Err == nil {
		t.Fatal("expected a zero-byte device config to fail prepare")
	}
}

func TestUnprepareUnknownClaimIsNilError(t *testing.T) {
	d := newTestDriver(t)
	results, err := d.UnprepareResourceClaims(context.Background(), []kubeletplugin.NamespacedObject{
		{NamespacedName: types.NamespacedName{Namespace: "ns", Name: "ghost"}, UID: types.UID("ghost-uid")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if results[types.UID("ghost-uid")] != nil {
		t.Fatalf("expected nil error unpreparing an unknown claim, got %v", results[types.UID("ghost-uid")])
	}
}
