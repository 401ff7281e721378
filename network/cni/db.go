package cni

import (
	"github.com/projecteru2/cradle/types"
)

// networkRecord is one NIC's persisted network state.
// Keyed by a generated network ID (unique per NIC, not per sandbox).
type networkRecord struct {
	types.Network

	// SandboxID links this network back to the owning sandbox.
	SandboxID string `json:"sandbox_id"`
	// IfName is the CNI interface name inside the netns (eth0, eth1, ...).
	IfName string `json:"if_name"`
}

// networkIndex is the top-level DB structure for the CNI network provider.
type networkIndex struct {
	// Networks is keyed by network ID (not sandbox ID).
	// A sandbox with 2 NICs has 2 entries here.
	Networks map[string]*networkRecord `json:"networks"`
}

// Init implements storage.Initer.
func (idx *networkIndex) Init() {
	if idx.Networks == nil {
		idx.Networks = make(map[string]*networkRecord)
	}
}

// bySandboxID returns value copies of all records belonging to sandboxID.
func (idx *networkIndex) bySandboxID(sandboxID string) []networkRecord {
	var out []networkRecord
	for _, rec := range idx.Networks {
		if rec != nil && rec.SandboxID == sandboxID {
			out = append(out, *rec)
		}
	}
	return out
}
