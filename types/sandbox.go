package types

import "time"

// SandboxState represents the lifecycle state of a sandbox VMM from the
// supervisor's perspective. Transitions are totally ordered per sandbox:
//
//	not-ready → channel-ready → running → {paused, stopped}
//
// paused toggles back to running; stopped is terminal.
type SandboxState string

const (
	// SandboxStateNotReady: VMM process not yet spawned, or spawned but
	// the control channel is not established.
	SandboxStateNotReady SandboxState = "not-ready"
	// SandboxStateChannelReady: control socket connected and the VMM
	// answers pings; the guest is not booted yet.
	SandboxStateChannelReady SandboxState = "channel-ready"
	// SandboxStateRunning: guest booted and alive.
	SandboxStateRunning SandboxState = "running"
	// SandboxStatePaused: vCPUs paused; resumable.
	SandboxStatePaused SandboxState = "paused"
	// SandboxStateStopped: VMM process reaped. Terminal.
	SandboxStateStopped SandboxState = "stopped"
)

// CanAttachDevice reports whether device hot-plug is permitted in this state.
// Hot-plug requires a booted guest.
func (s SandboxState) CanAttachDevice() bool {
	return s == SandboxStateRunning
}

// Terminal reports whether no further lifecycle transitions are possible.
func (s SandboxState) Terminal() bool {
	return s == SandboxStateStopped
}

// SandboxConfig describes the resources requested for a new sandbox.
type SandboxConfig struct {
	Name   string `json:"name"`
	CPU    int    `json:"cpu"`
	Memory int64  `json:"memory"` // bytes

	// SwapPercent sizes guest swap as a percentage of Memory. Zero disables
	// the swap scaling task.
	SwapPercent int64 `json:"swap_percent,omitempty"`

	// NICs is the number of network interfaces to provision through the
	// network provider. Zero means no managed networking.
	NICs int `json:"nics,omitempty"`

	// NetNS is the network namespace path the VMM is spawned into.
	// Empty means the host namespace. Populated automatically when NICs > 0.
	NetNS string `json:"netns,omitempty"`

	Boot BootConfig `json:"boot"`
}

// SandboxInfo is the persisted record for a sandbox.
type SandboxInfo struct {
	ID     string        `json:"id"`
	State  SandboxState  `json:"state"`
	Config SandboxConfig `json:"config"`

	// Runtime - populated only while the VMM is up.
	PID        int    `json:"pid,omitempty"`
	SocketPath string `json:"socket_path,omitempty"` // VMM API unix socket
	VsockURI   string `json:"vsock_uri,omitempty"`   // hvsock://<path>

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}
