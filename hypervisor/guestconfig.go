package hypervisor

import (
	"fmt"
	"path/filepath"

	"github.com/projecteru2/cradle/controlplane"
	"github.com/projecteru2/cradle/utils"
)

// guestCID is the vsock context id assigned to the guest. 0-2 are reserved.
const guestCID = 3

// buildGuestConfig assembles the vm.create payload from the sandbox config:
// boot payload (direct kernel or firmware), vCPUs, memory, the read-only
// rootfs disk, the hybrid-vsock device for the guest agent, and a file-backed
// serial console so guest output survives the VMM.
func (s *Supervisor) buildGuestConfig() *controlplane.VMConfig {
	boot := &s.sbox.Boot

	cfg := &controlplane.VMConfig{
		CPUs: controlplane.CPUs{
			BootVCPUs: s.sbox.CPU,
			MaxVCPUs:  s.sbox.CPU,
		},
		Memory: controlplane.Memory{
			Size:      s.sbox.Memory,
			HugePages: utils.DetectHugePages(),
		},
		RNG: controlplane.RNG{Src: "/dev/urandom"},
		Serial: controlplane.ConsoleD{
			Mode: "File",
			File: filepath.Join(s.conf.SandboxLogDir(s.id), "serial.log"),
		},
		Console: controlplane.ConsoleD{Mode: "Off"},
		Vsock: &controlplane.Vsock{
			CID:    guestCID,
			Socket: s.conf.SandboxVsockPath(s.id),
		},
	}

	if boot.DirectBoot() {
		cfg.Payload = &controlplane.Payload{
			Kernel:    boot.KernelPath,
			Initramfs: boot.InitrdPath,
			Cmdline:   boot.Cmdline,
		}
	} else if boot.FirmwarePath != "" {
		cfg.Payload = &controlplane.Payload{Firmware: boot.FirmwarePath}
	}

	for i, n := range s.nets {
		cfg.Net = append(cfg.Net, controlplane.Net{
			ID:        fmt.Sprintf("net%d", i),
			Tap:       n.Tap,
			Mac:       n.Mac,
			NumQueues: n.Queues,
			QueueSize: n.QueueSize,
		})
	}

	if boot.RootfsPath != "" {
		cfg.Disks = append(cfg.Disks, controlplane.Disk{
			Path:     boot.RootfsPath,
			ReadOnly: true,
			Serial:   "cradle-rootfs",
		})
	}
	if s.cidata != "" {
		cfg.Disks = append(cfg.Disks, controlplane.Disk{
			Path:     s.cidata,
			ReadOnly: true,
			Serial:   "cradle-cidata",
		})
	}

	return cfg
}
