package swap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/projecteru2/cradle/agent"
	"github.com/projecteru2/cradle/types"
)

func TestRequiredBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		memory      int64
		percent     int64
		provisioned int64
		want        int64
	}{
		{"initial", 1000, 50, 0, 500},
		{"partial", 1000, 50, 200, 300},
		{"satisfied", 1000, 50, 500, 0},
		{"over-provisioned never shrinks", 1000, 50, 800, 0},
		{"disabled", 1000, 0, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := RequiredBytes(tc.memory, tc.percent, tc.provisioned); got != tc.want {
				t.Errorf("RequiredBytes(%d, %d, %d) = %d, want %d",
					tc.memory, tc.percent, tc.provisioned, got, tc.want)
			}
		})
	}
}

// fakeDevices records attach/detach calls and optionally fails the attach.
type fakeDevices struct {
	mu        sync.Mutex
	attached  []types.DeviceConfig
	detached  []string
	attachErr error
	handle    types.DeviceHandle
}

func (f *fakeDevices) Attach(_ context.Context, cfg types.DeviceConfig) (types.DeviceHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return types.DeviceHandle{}, f.attachErr
	}
	f.attached = append(f.attached, cfg)
	return f.handle, nil
}

func (f *fakeDevices) Detach(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, id)
	return nil
}

// fakeAgent records swapon notifications and optionally fails them.
type fakeAgent struct {
	mu       sync.Mutex
	pciPaths []string
	err      error
}

func (f *fakeAgent) AddSwap(_ context.Context, pciPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pciPaths = append(f.pciPaths, pciPath)
	return nil
}

func (f *fakeAgent) AddSwapPath(_ context.Context, _ string) error { return f.err }

func testManager(t *testing.T, memory, percent int64, devices Devices, ag agent.Client) *Manager {
	t.Helper()
	m := New(t.TempDir(), memory, percent, devices, ag)
	m.statfs = func(string) (int64, error) { return 1 << 40, nil }
	m.format = func(context.Context, string) error { return nil }
	m.margin = 0
	return m
}

func TestCycleProvisions(t *testing.T) {
	t.Parallel()

	devices := &fakeDevices{handle: types.DeviceHandle{ID: "block-1", Kind: types.DeviceBlock, PCIPath: "0000:00:06.0"}}
	ag := &fakeAgent{}
	m := testManager(t, 8192, 50, devices, ag)

	if err := m.cycle(context.Background(), 4096); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := m.CurrentBytes(); got != 4096 {
		t.Errorf("CurrentBytes = %d, want 4096", got)
	}
	st, err := os.Stat(filepath.Join(m.dir, "swap0"))
	if err != nil {
		t.Fatalf("stat artifact: %v", err)
	}
	if st.Size() != 4096 {
		t.Errorf("artifact size %d, want 4096", st.Size())
	}
	if len(devices.attached) != 1 || devices.attached[0].Kind != types.DeviceBlock {
		t.Fatalf("attached %+v, want one block device", devices.attached)
	}
	if !devices.attached[0].Block.Swap {
		t.Error("block device not marked as swap backing")
	}
	if len(ag.pciPaths) != 1 || ag.pciPaths[0] != "0000:00:06.0" {
		t.Errorf("agent notified with %v, want PCI path", ag.pciPaths)
	}
}

func TestCycleSequentialArtifactNames(t *testing.T) {
	t.Parallel()

	devices := &fakeDevices{handle: types.DeviceHandle{ID: "block-1", PCIPath: "0000:00:06.0"}}
	m := testManager(t, 8192, 50, devices, &fakeAgent{})

	for i := range 3 {
		if err := m.cycle(context.Background(), 1024); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	for i := range 3 {
		if _, err := os.Stat(filepath.Join(m.dir, fmt.Sprintf("swap%d", i))); err != nil {
			t.Errorf("artifact swap%d missing: %v", i, err)
		}
	}
	if got := m.CurrentBytes(); got != 3072 {
		t.Errorf("CurrentBytes = %d, want 3072", got)
	}
}

func TestCycleInsufficientDiskSpace(t *testing.T) {
	t.Parallel()

	m := testManager(t, 8192, 50, &fakeDevices{}, &fakeAgent{})
	m.statfs = func(string) (int64, error) { return 100, nil }
	m.margin = safetyMargin

	err := m.cycle(context.Background(), 4096)
	if !errors.Is(err, ErrInsufficientDiskSpace) {
		t.Fatalf("expected ErrInsufficientDiskSpace, got %v", err)
	}
	entries, _ := os.ReadDir(m.dir)
	if len(entries) != 0 {
		t.Errorf("pre-flight failure left %d files behind", len(entries))
	}
	if m.CurrentBytes() != 0 {
		t.Error("failed cycle changed provisioned bytes")
	}
}

func TestCycleFormatFailureRollsBack(t *testing.T) {
	t.Parallel()

	m := testManager(t, 8192, 50, &fakeDevices{}, &fakeAgent{})
	m.format = func(context.Context, string) error { return errors.New("mkswap exploded") }

	if err := m.cycle(context.Background(), 1024); err == nil {
		t.Fatal("expected format error")
	}
	entries, _ := os.ReadDir(m.dir)
	if len(entries) != 0 {
		t.Errorf("failed format left %d files behind", len(entries))
	}
}

func TestCycleAttachFailureRollsBack(t *testing.T) {
	t.Parallel()

	devices := &fakeDevices{attachErr: errors.New("hot-plug refused")}
	m := testManager(t, 8192, 50, devices, &fakeAgent{})

	if err := m.cycle(context.Background(), 1024); err == nil {
		t.Fatal("expected attach error")
	}
	entries, _ := os.ReadDir(m.dir)
	if len(entries) != 0 {
		t.Errorf("failed attach left %d files behind", len(entries))
	}
	if m.CurrentBytes() != 0 {
		t.Error("failed cycle changed provisioned bytes")
	}
}

func TestCycleNotifyFailureDetaches(t *testing.T) {
	t.Parallel()

	devices := &fakeDevices{handle: types.DeviceHandle{ID: "block-1", PCIPath: "0000:00:06.0"}}
	m := testManager(t, 8192, 50, devices, &fakeAgent{err: errors.New("agent unreachable")})

	if err := m.cycle(context.Background(), 1024); err == nil {
		t.Fatal("expected notify error")
	}
	if len(devices.detached) != 1 || devices.detached[0] != "block-1" {
		t.Errorf("device not rolled back after failed notify: %v", devices.detached)
	}
	entries, _ := os.ReadDir(m.dir)
	if len(entries) != 0 {
		t.Errorf("failed notify left %d files behind", len(entries))
	}
}

func TestCreateArtifactStoppedMidway(t *testing.T) {
	t.Parallel()

	m := testManager(t, 8192, 50, &fakeDevices{}, &fakeAgent{})
	close(m.stopCh)

	path := filepath.Join(m.dir, "swap0")
	if err := m.createArtifact(path, 4096); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("stopped creation left a partial artifact")
	}
}

func TestRunUpdateStop(t *testing.T) {
	t.Parallel()

	devices := &fakeDevices{handle: types.DeviceHandle{ID: "block-1", PCIPath: "0000:00:06.0"}}
	m := testManager(t, 8192, 50, devices, &fakeAgent{})
	m.threshold = time.Millisecond
	m.backoff = time.Millisecond

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	m.Update()

	deadline := time.Now().Add(5 * time.Second)
	for m.CurrentBytes() != 4096 {
		if time.Now().After(deadline) {
			t.Fatalf("swap never reached target, at %d bytes", m.CurrentBytes())
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	m.Stop() // idempotent
}

func TestStopWithoutRun(t *testing.T) {
	t.Parallel()

	m := testManager(t, 8192, 50, &fakeDevices{}, &fakeAgent{})
	m.Stop() // must not block on a task that never started
}

func TestCleanRemovesArtifacts(t *testing.T) {
	t.Parallel()

	devices := &fakeDevices{handle: types.DeviceHandle{ID: "block-1", PCIPath: "0000:00:06.0"}}
	m := testManager(t, 8192, 50, devices, &fakeAgent{})
	if err := m.cycle(context.Background(), 1024); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if err := m.Clean(context.Background()); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if _, err := os.Stat(m.dir); !os.IsNotExist(err) {
		t.Error("Clean left the artifact directory behind")
	}
}

func TestUpdateNonBlocking(t *testing.T) {
	t.Parallel()

	m := testManager(t, 8192, 50, &fakeDevices{}, &fakeAgent{})
	// Never started: repeated updates must not block even with a full wake
	// channel.
	for range 10 {
		m.Update()
	}
}
