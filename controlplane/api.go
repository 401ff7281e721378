package controlplane

// Wire structures for the VMM control API. Field shapes follow the
// cloud-hypervisor REST schema.

type VMConfig struct {
	// Optional - pointer + omitempty (nil → omitted from JSON).
	Payload *Payload `json:"payload,omitempty"`

	// Required - value (always present).
	CPUs    CPUs     `json:"cpus"`
	Memory  Memory   `json:"memory"`
	Disks   []Disk   `json:"disks,omitempty"`
	Net     []Net    `json:"net,omitempty"`
	Fs      []Fs     `json:"fs,omitempty"`
	Vsock   *Vsock   `json:"vsock,omitempty"`
	RNG     RNG      `json:"rng"`
	Serial  ConsoleD `json:"serial"`
	Console ConsoleD `json:"console"`
}

type Payload struct {
	Firmware  string `json:"firmware,omitempty"`
	Kernel    string `json:"kernel,omitempty"`
	Initramfs string `json:"initramfs,omitempty"`
	Cmdline   string `json:"cmdline,omitempty"`
}

type CPUs struct {
	BootVCPUs int `json:"boot_vcpus"`
	MaxVCPUs  int `json:"max_vcpus"`
}

type Memory struct {
	Size      int64 `json:"size"`
	HugePages bool  `json:"hugepages,omitempty"`
}

type Disk struct {
	Path      string `json:"path"`
	ReadOnly  bool   `json:"readonly,omitempty"`
	Direct    bool   `json:"direct,omitempty"`
	NumQueues int    `json:"num_queues,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	Serial    string `json:"serial,omitempty"`
	ID        string `json:"id,omitempty"`
}

type Net struct {
	Tap       string `json:"tap"`
	Mac       string `json:"mac,omitempty"`
	NumQueues int    `json:"num_queues,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	ID        string `json:"id,omitempty"`
}

type Fs struct {
	Tag    string `json:"tag"`
	Socket string `json:"socket"`
	ID     string `json:"id,omitempty"`
}

type Vsock struct {
	CID    uint32 `json:"cid"`
	Socket string `json:"socket"`
	ID     string `json:"id,omitempty"`
}

type RNG struct {
	Src string `json:"src"`
}

type ConsoleD struct {
	Mode string `json:"mode"`
	File string `json:"file,omitempty"`
}

// RemoveDeviceRequest names the device to hot-unplug.
type RemoveDeviceRequest struct {
	ID string `json:"id"`
}

// PCIDeviceInfo is the VMM's answer to a hot-plug request for a
// PCI-attached device. BDF locates the device on the guest PCI bus.
type PCIDeviceInfo struct {
	ID  string `json:"id"`
	BDF string `json:"bdf"`
}

// PingResponse is the vmm.ping payload: VMM build info plus the optional
// build-time feature list newer VMMs report.
type PingResponse struct {
	BuildVersion string   `json:"build_version,omitempty"`
	Version      string   `json:"version,omitempty"`
	PID          int64    `json:"pid,omitempty"`
	Features     []string `json:"features,omitempty"`
}
