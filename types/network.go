package types

// Network is one NIC's persisted addressing state, as assigned by the
// network provider's IPAM.
type Network struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	IP      string `json:"ip"`
	Prefix  int    `json:"prefix"`
	Gateway string `json:"gateway,omitempty"`
}

// NetworkConfig describes one boot-time virtio-net device: the host tap it
// binds to and the addressing handed to the guest.
type NetworkConfig struct {
	Tap       string   `json:"tap"`
	Mac       string   `json:"mac"`
	Queues    int      `json:"queues,omitempty"`
	QueueSize int      `json:"queue_size,omitempty"`
	Network   *Network `json:"network,omitempty"`
}
