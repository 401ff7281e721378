package types

// DeviceKind tags a DeviceConfig / DeviceHandle variant. The kind set is
// closed: each kind maps to one VMM hot-plug endpoint.
type DeviceKind string

const (
	DeviceBlock   DeviceKind = "block"
	DeviceVsock   DeviceKind = "vsock"
	DeviceFsShare DeviceKind = "fs-share"
	DeviceNet     DeviceKind = "net"
)

// DeviceConfig is the input descriptor for a device attach. Exactly one of
// the kind-specific payloads is set, matching Kind.
type DeviceConfig struct {
	Kind DeviceKind `json:"kind"`

	Block   *BlockDeviceConfig `json:"block,omitempty"`
	Vsock   *VsockDeviceConfig `json:"vsock,omitempty"`
	FsShare *FsShareConfig     `json:"fs_share,omitempty"`
	Net     *NetDeviceConfig   `json:"net,omitempty"`
}

// BlockDeviceConfig describes a host-file-backed virtio-blk device.
type BlockDeviceConfig struct {
	Path      string `json:"path"`
	ReadOnly  bool   `json:"readonly,omitempty"`
	Direct    bool   `json:"direct,omitempty"`
	NumQueues int    `json:"num_queues,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	Serial    string `json:"serial,omitempty"`
	// Swap marks the device as swap backing; the guest agent is told to
	// swapon it rather than mount it.
	Swap bool `json:"swap,omitempty"`
}

// VsockDeviceConfig describes a virtio-vsock device backed by a host
// unix socket (hybrid vsock).
type VsockDeviceConfig struct {
	GuestCID   uint32 `json:"guest_cid"`
	SocketPath string `json:"socket_path"`
}

// FsShareConfig describes a virtio-fs share.
type FsShareConfig struct {
	Tag        string `json:"tag"`
	SocketPath string `json:"socket_path"`
	SharePath  string `json:"share_path"`
}

// NetDeviceConfig describes a tap-backed virtio-net device.
type NetDeviceConfig struct {
	TapName string `json:"tap_name"`
	MacAddr string `json:"mac_addr,omitempty"`
}

// DeviceHandle is the runtime record returned after a successful attach.
// Exactly one locator is populated: PCIPath for PCI-attached devices
// (block, net, vsock), VirtPath for virtio-fs style attachment.
type DeviceHandle struct {
	ID   string     `json:"id"`
	Kind DeviceKind `json:"kind"`

	PCIPath  string `json:"pci_path,omitempty"`
	VirtPath string `json:"virt_path,omitempty"`
}
