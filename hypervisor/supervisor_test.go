package hypervisor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/projecteru2/cradle/config"
	"github.com/projecteru2/cradle/controlplane"
	"github.com/projecteru2/cradle/types"
)

func testConf(t *testing.T) *config.Config {
	t.Helper()
	conf := config.DefaultConfig()
	base := t.TempDir()
	conf.RootDir = base + "/lib"
	conf.RunDir = base + "/run"
	conf.LogDir = base + "/log"
	conf.StartTimeoutSeconds = 1
	conf.StopTimeoutSeconds = 1
	return conf
}

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return New(testConf(t), &types.SandboxConfig{Name: "t", CPU: 1, Memory: 1 << 28})
}

func TestNewStartsNotReady(t *testing.T) {
	t.Parallel()

	s := testSupervisor(t)
	if got := s.State(); got != types.SandboxStateNotReady {
		t.Errorf("initial state %s, want not-ready", got)
	}
	if s.PID() != 0 {
		t.Errorf("PID before spawn = %d, want 0", s.PID())
	}
}

func TestStartVMRequiresChannelReady(t *testing.T) {
	t.Parallel()

	s := testSupervisor(t)
	err := s.StartVM(context.Background(), time.Second)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("StartVM in not-ready: %v, want ErrInvalidState", err)
	}
}

func TestPauseResumeStateGuards(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		state types.SandboxState
		op    func(*Supervisor) error
	}{
		{"pause not-ready", types.SandboxStateNotReady, func(s *Supervisor) error { return s.PauseVM(context.Background()) }},
		{"pause channel-ready", types.SandboxStateChannelReady, func(s *Supervisor) error { return s.PauseVM(context.Background()) }},
		{"pause paused", types.SandboxStatePaused, func(s *Supervisor) error { return s.PauseVM(context.Background()) }},
		{"resume running", types.SandboxStateRunning, func(s *Supervisor) error { return s.ResumeVM(context.Background()) }},
		{"resume stopped", types.SandboxStateStopped, func(s *Supervisor) error { return s.ResumeVM(context.Background()) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := testSupervisor(t)
			s.setState(tc.state)
			if err := tc.op(s); !errors.Is(err, ErrInvalidState) {
				t.Errorf("got %v, want ErrInvalidState", err)
			}
		})
	}
}

func TestStoppedIsTerminal(t *testing.T) {
	t.Parallel()

	s := testSupervisor(t)
	s.setState(types.SandboxStateStopped)

	// StopVM on a stopped sandbox is a no-op.
	if err := s.StopVM(context.Background()); err != nil {
		t.Errorf("StopVM idempotency: %v", err)
	}
	// No restart of the same instance.
	if err := s.Prepare(context.Background(), "deadbeef", ""); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Prepare after stop: %v, want ErrInvalidState", err)
	}
	if err := s.Adopt(context.Background(), "deadbeef", types.SandboxStateRunning); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Adopt after stop: %v, want ErrInvalidState", err)
	}
}

func TestStopVMAlwaysEndsStopped(t *testing.T) {
	t.Parallel()

	s := testSupervisor(t)
	s.setState(types.SandboxStateChannelReady)
	if err := s.StopVM(context.Background()); err != nil {
		t.Fatalf("StopVM: %v", err)
	}
	if got := s.State(); got != types.SandboxStateStopped {
		t.Errorf("state after StopVM = %s, want stopped", got)
	}
}

func TestGuardAttach(t *testing.T) {
	t.Parallel()

	for _, st := range []types.SandboxState{
		types.SandboxStateNotReady,
		types.SandboxStateChannelReady,
		types.SandboxStatePaused,
		types.SandboxStateStopped,
	} {
		s := testSupervisor(t)
		s.setState(st)
		if err := s.GuardAttach(); !errors.Is(err, ErrInvalidState) {
			t.Errorf("GuardAttach in %s: %v, want ErrInvalidState", st, err)
		}
	}

	s := testSupervisor(t)
	s.setState(types.SandboxStateRunning)
	if err := s.GuardAttach(); err != nil {
		t.Errorf("GuardAttach while running: %v", err)
	}
}

func TestAdoptRejectsBadTargetState(t *testing.T) {
	t.Parallel()

	for _, st := range []types.SandboxState{
		types.SandboxStateNotReady,
		types.SandboxStateChannelReady,
		types.SandboxStateStopped,
	} {
		s := testSupervisor(t)
		if err := s.Adopt(context.Background(), "deadbeef", st); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Adopt into %s: %v, want ErrInvalidState", st, err)
		}
	}
}

func TestAdoptMissingSocket(t *testing.T) {
	t.Parallel()

	s := testSupervisor(t)
	err := s.Adopt(context.Background(), "deadbeef", types.SandboxStateRunning)
	if err == nil {
		t.Fatal("expected error adopting with no control socket")
	}
	if got := s.State(); got != types.SandboxStateNotReady {
		t.Errorf("failed adopt moved state to %s", got)
	}
}

func TestAdoptLiveSocket(t *testing.T) {
	t.Parallel()

	conf := testConf(t)
	const id = "deadbeef00000000"
	if err := conf.EnsureSandboxDirs(id); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}

	ln, err := net.Listen("unix", conf.SandboxSocketPath(id))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})} //nolint:gosec
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { srv.Close() })

	if err := os.WriteFile(conf.SandboxPIDFile(id), []byte("12345"), 0o600); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	s := New(conf, &types.SandboxConfig{Name: "t", CPU: 1, Memory: 1 << 28})
	if err := s.Adopt(context.Background(), id, types.SandboxStatePaused); err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	if got := s.State(); got != types.SandboxStatePaused {
		t.Errorf("adopted state %s, want paused", got)
	}
	if got := s.PID(); got != 12345 {
		t.Errorf("adopted PID %d, want 12345", got)
	}
}

func TestUnsupported(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{&controlplane.APIError{Code: 404}, true},
		{&controlplane.APIError{Code: 405}, true},
		{&controlplane.APIError{Code: 501}, true},
		{&controlplane.APIError{Code: 400}, false},
		{&controlplane.APIError{Code: 500}, false},
		{errors.New("dial failed"), false},
	}
	for _, tc := range tests {
		if got := unsupported(tc.err); got != tc.want {
			t.Errorf("unsupported(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestBuildGuestConfig(t *testing.T) {
	t.Parallel()

	conf := testConf(t)
	sbox := &types.SandboxConfig{
		Name:   "t",
		CPU:    2,
		Memory: 1 << 30,
		Boot: types.BootConfig{
			KernelPath: "/boot/vmlinux",
			Cmdline:    "console=ttyS0",
			RootfsPath: "/images/root.img",
		},
	}
	s := New(conf, sbox)
	s.id = "deadbeef00000000"
	s.SetNetworks([]*types.NetworkConfig{
		{Tap: "tap0", Mac: "52:54:00:aa:bb:cc", Queues: 2, QueueSize: 256},
	})
	s.SetCloudInit("/run/cradle/deadbeef00000000/cidata.img")

	cfg := s.buildGuestConfig()
	if cfg.Payload == nil || cfg.Payload.Kernel != "/boot/vmlinux" {
		t.Fatalf("payload %+v, want direct kernel boot", cfg.Payload)
	}
	if cfg.CPUs.BootVCPUs != 2 || cfg.CPUs.MaxVCPUs != 2 {
		t.Errorf("cpus %+v", cfg.CPUs)
	}
	if cfg.Vsock == nil || cfg.Vsock.CID != guestCID {
		t.Errorf("vsock %+v, want CID %d", cfg.Vsock, guestCID)
	}
	if len(cfg.Net) != 1 || cfg.Net[0].Tap != "tap0" || cfg.Net[0].ID != "net0" {
		t.Errorf("net %+v", cfg.Net)
	}
	if len(cfg.Disks) != 2 {
		t.Fatalf("disks %+v, want rootfs and cidata", cfg.Disks)
	}
	if !cfg.Disks[0].ReadOnly || cfg.Disks[0].Serial != "cradle-rootfs" {
		t.Errorf("rootfs disk %+v", cfg.Disks[0])
	}
	if !cfg.Disks[1].ReadOnly || cfg.Disks[1].Serial != "cradle-cidata" {
		t.Errorf("cidata disk %+v", cfg.Disks[1])
	}
}

func TestBuildGuestConfigFirmware(t *testing.T) {
	t.Parallel()

	s := New(testConf(t), &types.SandboxConfig{
		Name:   "t",
		CPU:    1,
		Memory: 1 << 28,
		Boot:   types.BootConfig{FirmwarePath: "/usr/share/fw.bin"},
	})
	s.id = "deadbeef00000000"

	cfg := s.buildGuestConfig()
	if cfg.Payload == nil || cfg.Payload.Firmware != "/usr/share/fw.bin" {
		t.Fatalf("payload %+v, want firmware boot", cfg.Payload)
	}
	if cfg.Payload.Kernel != "" {
		t.Error("firmware boot must not carry a kernel")
	}
}
