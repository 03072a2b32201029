// Command vmmanager-demo is both a standalone demonstration of the
// materialize/release/backup-restore pipeline against the simulated driver,
// and — via its serve subcommand — the actual DRA kubelet plugin wiring,
// following the shape of the reference multi-device DRA driver's main.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/dynamic-resource-allocation/kubeletplugin"
	"k8s.io/klog/v2"

	"github.com/example/gpu-vmm/pkg/adapter"
	"github.com/example/gpu-vmm/pkg/cohort"
	"github.com/example/gpu-vmm/pkg/driver"
	"github.com/example/gpu-vmm/pkg/memstats"
	"github.com/example/gpu-vmm/pkg/nri"
	"github.com/example/gpu-vmm/pkg/simdriver"
)

var (
	driverName     string
	nodeName       string
	podUID         string
	granularity    uint64
	pageSize       uint64
	deviceCount    int
	bytesPerDevice uint64
)

func main() {
	root := &cobra.Command{
		Use:   "vmmanager-demo",
		Short: "GPU virtual memory manager: simulated-driver demo and DRA kubelet plugin",
	}

	root.PersistentFlags().StringVar(&driverName, "driver-name", "gpu-vmm.example.com", "Name of the DRA driver")
	root.PersistentFlags().Uint64Var(&granularity, "granularity", 0, "Simulated driver allocation granularity in bytes (0 = default)")
	root.PersistentFlags().Uint64Var(&pageSize, "page-size", 0, "Simulated driver page size in bytes (0 = default)")

	root.AddCommand(demoCmd(), serveCmd())

	if err := root.Execute(); err != nil {
		klog.Fatal(err)
	}
}

// demoCmd runs a scripted materialize/release/backup-restore walkthrough
// entirely in-process against the simulated driver — no Kubernetes
// dependency — to exercise the core pipeline end to end.
func demoCmd() *cobra.Command {
	var bytes uint64
	var device int
	var tag string
	var backupMode string

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Allocate, release, and re-materialize one allocation against the simulated driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			sim := simdriver.New(uintptr(granularity), uintptr(pageSize))
			counters := memstats.New()
			cohortMgr := cohort.New()
			stack := adapter.NewStack()
			alloc := adapter.NewAllocator(sim, cohortMgr, stack, counters)

			mode := adapter.BackupNone
			switch backupMode {
			case "memset":
				mode = adapter.BackupMemset
			case "host":
				mode = adapter.BackupHost
			case "host_pinned":
				mode = adapter.BackupHostPinned
			}
			stack.Push(tag, mode, 0, false)

			addr, err := alloc.Allocate(uintptr(bytes), device)
			if err != nil {
				return fmt.Errorf("allocate: %w", err)
			}
			fmt.Printf("allocated %d bytes at %#x (tag=%q device=%d mode=%s)\n", bytes, addr, tag, device, mode)
			fmt.Printf("device %d bytes in use: %d\n", device, counters.DeviceBytes(device))

			if n, err := cohortMgr.ReleaseByTag(tag); err != nil {
				return fmt.Errorf("release_by_tag(%q) over %d entries: %w", tag, n, err)
			} else {
				fmt.Printf("released %d entries under tag %q\n", n, tag)
			}

			if n, err := cohortMgr.MaterializeByTag(tag); err != nil {
				return fmt.Errorf("materialize_by_tag(%q) over %d entries: %w", tag, n, err)
			} else {
				fmt.Printf("re-materialized %d entries under tag %q (same address %#x)\n", n, tag, addr)
			}

			alloc.Deallocate(addr, uintptr(bytes))
			fmt.Printf("deallocated %#x; device %d bytes in use: %d\n", addr, device, counters.DeviceBytes(device))
			return nil
		},
	}

	cmd.Flags().Uint64Var(&bytes, "bytes", 1<<20, "Bytes to allocate")
	cmd.Flags().IntVar(&device, "device", 0, "Device ordinal")
	cmd.Flags().StringVar(&tag, "tag", "demo", "Cohort tag")
	cmd.Flags().StringVar(&backupMode, "backup-mode", "none", "none, memset, host, or host_pinned")

	return cmd
}

// serveCmd runs the actual DRA kubelet plugin, backed by the simulated
// driver (a real deployment would wire a hardware-backed capability.Driver
// here instead).
func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the DRA kubelet plugin and NRI cohort-sweep plugin",
		Run:   serve,
	}
	cmd.Flags().StringVar(&nodeName, "node-name", "", "Name of the node (from downward API)")
	cmd.Flags().StringVar(&podUID, "pod-uid", "", "UID of this driver pod (from downward API, enables rolling updates)")
	cmd.Flags().IntVar(&deviceCount, "device-count", 1, "Number of simulated GPU ordinals to publish")
	cmd.Flags().Uint64Var(&bytesPerDevice, "bytes-per-device", 16<<30, "Advertised byte capacity per device")
	return cmd
}

func serve(cmd *cobra.Command, args []string) {
	if nodeName == "" {
		nodeName = os.Getenv("NODE_NAME")
		if nodeName == "" {
			klog.Fatal("node-name is required (use --node-name or NODE_NAME env var)")
		}
	}
	if podUID == "" {
		podUID = os.Getenv("POD_UID")
	}

	klog.Infof("Starting GPU VMM DRA driver: %s on node %s", driverName, nodeName)

	sim := simdriver.New(uintptr(granularity), uintptr(pageSize))
	counters := memstats.New()
	cohortMgr := cohort.New()
	stack := adapter.NewStack()
	allocator := adapter.NewAllocator(sim, cohortMgr, stack, counters)
	adapter.SetDefault(allocator)

	tracker := nri.NewTracker()
	plugin := driver.New(driverName, allocator)
	plugin.SetTracker(tracker)

	config, err := rest.InClusterConfig()
	if err != nil {
		klog.Fatalf("Failed to get in-cluster config: %v", err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		klog.Fatalf("Failed to create Kubernetes client: %v", err)
	}

	// The kubelet only provides the parent plugin directory; the
	// driver-specific subdirectory must be created by the driver itself so
	// kubeletplugin has somewhere to put its Unix domain socket.
	pluginDir := filepath.Join("/var/lib/kubelet/plugins", driverName)
	if err := os.MkdirAll(pluginDir, 0750); err != nil {
		klog.Fatalf("Failed to create plugin directory %s: %v", pluginDir, err)
	}

	opts := []kubeletplugin.Option{
		kubeletplugin.DriverName(driverName),
		kubeletplugin.NodeName(nodeName),
		kubeletplugin.KubeClient(clientset),
	}
	if podUID != "" {
		klog.Infof("Rolling update mode enabled (pod UID: %s)", podUID)
		opts = append(opts, kubeletplugin.RollingUpdate(types.UID(podUID)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		klog.Infof("Received signal %v, shutting down", sig)
		cancel()
	}()

	helper, err := kubeletplugin.Start(ctx, plugin, opts...)
	if err != nil {
		klog.Fatalf("Failed to start kubelet plugin: %v", err)
	}

	nriPlugin, err := nri.NewPlugin(tracker, cohortMgr)
	if err != nil {
		klog.Fatalf("Failed to create NRI plugin: %v", err)
	}
	go func() {
		if err := nriPlugin.Run(ctx); err != nil {
			klog.Errorf("NRI plugin exited: %v", err)
		}
	}()
	defer nriPlugin.Stop()
	klog.Info("NRI plugin started for pod-lifecycle cohort sweeps")

	resources := driver.DiscoverResources(driverName, nodeName, deviceCount, uintptr(bytesPerDevice), counters)
	if err := helper.PublishResources(ctx, resources); err != nil {
		klog.Errorf("Failed to publish resources: %v", err)
	}

	<-ctx.Done()
	klog.Info("Stopping helper")
	helper.Stop()
	klog.Info("Driver stopped")
}
