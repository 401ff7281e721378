package device

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/projecteru2/cradle/config"
	"github.com/projecteru2/cradle/hypervisor"
	"github.com/projecteru2/cradle/types"
)

// fakeVMM serves the hot-plug endpoints of the control API over a unix
// socket. Individual endpoints can be failed per test.
type fakeVMM struct {
	bdf     string
	failOps map[string]int // op suffix → status code
}

func (f *fakeVMM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimPrefix(r.URL.Path, "/api/v1/")
	if code, ok := f.failOps[op]; ok {
		w.WriteHeader(code)
		return
	}
	switch op {
	case "vmm.ping", "vm.remove-device":
		w.WriteHeader(http.StatusOK)
	case "vm.add-disk", "vm.add-net", "vm.add-vsock":
		var payload struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": payload.ID, "bdf": f.bdf})
	case "vm.add-fs":
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

// runningManager adopts a supervisor against a fake VMM so hot-plug calls
// have a live control channel.
func runningManager(t *testing.T, vmm *fakeVMM) *Manager {
	t.Helper()

	conf := config.DefaultConfig()
	base := t.TempDir()
	conf.RootDir = base + "/lib"
	conf.RunDir = base + "/run"
	conf.LogDir = base + "/log"

	const id = "deadbeef00000000"
	if err := conf.EnsureSandboxDirs(id); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	ln, err := net.Listen("unix", conf.SandboxSocketPath(id))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: vmm} //nolint:gosec
	go srv.Serve(ln)                  //nolint:errcheck
	t.Cleanup(func() { srv.Close() })

	sup := hypervisor.New(conf, &types.SandboxConfig{Name: "t", CPU: 1, Memory: 1 << 28})
	if err := sup.Adopt(context.Background(), id, types.SandboxStateRunning); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	return New(sup)
}

func TestAttachRequiresRunning(t *testing.T) {
	t.Parallel()

	sup := hypervisor.New(config.DefaultConfig(), &types.SandboxConfig{Name: "t"})
	m := New(sup)

	_, err := m.Attach(context.Background(), types.DeviceConfig{
		Kind:  types.DeviceBlock,
		Block: &types.BlockDeviceConfig{Path: "/tmp/x"},
	})
	if !errors.Is(err, hypervisor.ErrInvalidState) {
		t.Fatalf("attach in not-ready: %v, want ErrInvalidState", err)
	}
	if m.Count() != 0 {
		t.Error("failed attach left a registry entry")
	}
}

func TestAttachBlockDevice(t *testing.T) {
	t.Parallel()

	m := runningManager(t, &fakeVMM{bdf: "0000:00:06.0"})
	handle, err := m.Attach(context.Background(), types.DeviceConfig{
		Kind:  types.DeviceBlock,
		Block: &types.BlockDeviceConfig{Path: "/tmp/disk.img", Serial: "data"},
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if handle.Kind != types.DeviceBlock {
		t.Errorf("handle kind %s", handle.Kind)
	}
	if !strings.HasPrefix(handle.ID, "block-") {
		t.Errorf("handle id %q, want block- prefix", handle.ID)
	}
	if handle.PCIPath != "0000:00:06.0" {
		t.Errorf("PCI path %q", handle.PCIPath)
	}
	if handle.VirtPath != "" {
		t.Errorf("block device carries virt path %q", handle.VirtPath)
	}

	got, ok := m.Get(handle.ID)
	if !ok || got.ID != handle.ID {
		t.Error("attached handle not in registry")
	}
	if m.Count() != 1 {
		t.Errorf("Count = %d, want 1", m.Count())
	}
}

func TestAttachFsShareUsesTag(t *testing.T) {
	t.Parallel()

	m := runningManager(t, &fakeVMM{bdf: "0000:00:06.0"})
	handle, err := m.Attach(context.Background(), types.DeviceConfig{
		Kind:    types.DeviceFsShare,
		FsShare: &types.FsShareConfig{Tag: "shared", SocketPath: "/tmp/virtiofsd.sock"},
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if handle.VirtPath != "shared" {
		t.Errorf("virt path %q, want share tag", handle.VirtPath)
	}
	if handle.PCIPath != "" {
		t.Errorf("fs share carries PCI path %q", handle.PCIPath)
	}
}

func TestAttachFailureLeavesRegistryUntouched(t *testing.T) {
	t.Parallel()

	m := runningManager(t, &fakeVMM{
		bdf:     "0000:00:06.0",
		failOps: map[string]int{"vm.add-net": http.StatusBadRequest},
	})
	_, err := m.Attach(context.Background(), types.DeviceConfig{
		Kind: types.DeviceNet,
		Net:  &types.NetDeviceConfig{TapName: "tap9"},
	})
	if err == nil {
		t.Fatal("expected attach error")
	}
	if m.Count() != 0 {
		t.Error("failed attach left a registry entry")
	}
}

func TestAttachMissingKindConfig(t *testing.T) {
	t.Parallel()

	m := runningManager(t, &fakeVMM{bdf: "0000:00:06.0"})
	if _, err := m.Attach(context.Background(), types.DeviceConfig{Kind: types.DeviceBlock}); err == nil {
		t.Error("expected error for missing block config")
	}
	if _, err := m.Attach(context.Background(), types.DeviceConfig{Kind: "gpu"}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestDetach(t *testing.T) {
	t.Parallel()

	m := runningManager(t, &fakeVMM{bdf: "0000:00:06.0"})
	handle, err := m.Attach(context.Background(), types.DeviceConfig{
		Kind:  types.DeviceBlock,
		Block: &types.BlockDeviceConfig{Path: "/tmp/x"},
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := m.Detach(context.Background(), handle.ID); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if m.Count() != 0 {
		t.Error("detached device still in registry")
	}
}

func TestDetachUnknown(t *testing.T) {
	t.Parallel()

	m := runningManager(t, &fakeVMM{bdf: "0000:00:06.0"})
	if err := m.Detach(context.Background(), "block-nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestDetachFailureKeepsRegistryEntry(t *testing.T) {
	t.Parallel()

	m := runningManager(t, &fakeVMM{
		bdf:     "0000:00:06.0",
		failOps: map[string]int{"vm.remove-device": http.StatusBadRequest},
	})
	handle, err := m.Attach(context.Background(), types.DeviceConfig{
		Kind:  types.DeviceBlock,
		Block: &types.BlockDeviceConfig{Path: "/tmp/x"},
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := m.Detach(context.Background(), handle.ID); err == nil {
		t.Fatal("expected detach error")
	}
	// Entry stays so the caller can retry.
	if _, ok := m.Get(handle.ID); !ok {
		t.Error("failed detach dropped the registry entry")
	}
}

func TestRestore(t *testing.T) {
	t.Parallel()

	m := runningManager(t, &fakeVMM{bdf: "0000:00:06.0"})
	m.Restore([]types.DeviceHandle{
		{ID: "block-aaaa", Kind: types.DeviceBlock, PCIPath: "0000:00:05.0"},
		{ID: "fs-share-bbbb", Kind: types.DeviceFsShare, VirtPath: "shared"},
	})
	if m.Count() != 2 {
		t.Fatalf("Count = %d, want 2", m.Count())
	}
	if err := m.Detach(context.Background(), "block-aaaa"); err != nil {
		t.Errorf("detach restored device: %v", err)
	}
}

func TestDetachAll(t *testing.T) {
	t.Parallel()

	m := runningManager(t, &fakeVMM{bdf: "0000:00:06.0"})
	for range 3 {
		if _, err := m.Attach(context.Background(), types.DeviceConfig{
			Kind:  types.DeviceBlock,
			Block: &types.BlockDeviceConfig{Path: "/tmp/x"},
		}); err != nil {
			t.Fatalf("Attach: %v", err)
		}
	}
	if err := m.DetachAll(context.Background()); err != nil {
		t.Fatalf("DetachAll: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("Count after DetachAll = %d, want 0", m.Count())
	}
}
