package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/projecteru2/cradle/types"
)

// ErrNotFound is returned when a sandbox ID does not exist in the index.
var ErrNotFound = errors.New("sandbox not found")

// Record is the persisted record for a single sandbox.
// PID is NOT stored here: it changes on every start, and Inspect reads the
// live value from the PID file instead, avoiding stale PIDs after a crash or
// host reboot.
type Record struct {
	types.SandboxInfo

	// Devices holds the handles attached at the time of the last index
	// update, so an operator can see what the guest had even after a
	// crash.
	Devices []types.DeviceHandle `json:"devices,omitempty"`

	// SwapBytes is the provisioned swap capacity at the last update.
	SwapBytes int64 `json:"swap_bytes,omitempty"`
}

// Index is the top-level DB structure for all sandboxes on this host.
type Index struct {
	Sandboxes map[string]*Record `json:"sandboxes"`
	Names     map[string]string  `json:"names"` // name → sandbox ID
}

// Init implements storage.Initer - initialises nil maps after deserialization.
func (idx *Index) Init() {
	if idx.Sandboxes == nil {
		idx.Sandboxes = make(map[string]*Record)
	}
	if idx.Names == nil {
		idx.Names = make(map[string]string)
	}
}

// GenerateID returns a random 16-character hex string (8 bytes of entropy).
func GenerateID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// ResolveRef resolves a user-supplied reference (exact ID, name, or ID
// prefix) to a full sandbox ID. Resolution order: exact ID → name → ID
// prefix (≥3 chars).
func ResolveRef(idx *Index, ref string) (string, error) {
	if idx.Sandboxes[ref] != nil {
		return ref, nil
	}
	if id, ok := idx.Names[ref]; ok && idx.Sandboxes[id] != nil {
		return id, nil
	}
	if len(ref) >= 3 {
		var match string
		for id := range idx.Sandboxes {
			if strings.HasPrefix(id, ref) {
				if match != "" {
					return "", fmt.Errorf("ambiguous ref %q: multiple matches", ref)
				}
				match = id
			}
		}
		if match != "" {
			return match, nil
		}
	}
	return "", ErrNotFound
}
