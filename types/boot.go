package types

// BootConfig holds the guest boot payload.
type BootConfig struct {
	// Direct-boot fields.
	KernelPath string `json:"kernel_path,omitempty"`
	InitrdPath string `json:"initrd_path,omitempty"`
	Cmdline    string `json:"cmdline,omitempty"`

	// UEFI-boot field, used when KernelPath is empty.
	FirmwarePath string `json:"firmware_path,omitempty"`

	// RootfsPath is the read-only root disk attached at boot.
	RootfsPath string `json:"rootfs_path,omitempty"`
}

// DirectBoot reports whether the guest boots via a direct kernel load
// rather than firmware.
func (b *BootConfig) DirectBoot() bool {
	return b != nil && b.KernelPath != ""
}
