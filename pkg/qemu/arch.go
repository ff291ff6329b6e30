package qemu

import (
	"os"
	"runtime"
	"strings"

	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/vm"
)

// Arch is a guest CPU architecture in QEMU's naming.
type Arch string

const (
	ArchX86_64  Arch = "x86_64"
	ArchAArch64 Arch = "aarch64"
)

// ParseArch normalizes an architecture flag. Empty means x86_64.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "x86_64", "amd64", "x64":
		return ArchX86_64, nil
	case "aarch64", "arm64":
		return ArchAArch64, nil
	default:
		return "", errors.Errorf("%w: unsupported architecture %q", vm.ErrConfiguration, s)
	}
}

// HostArch returns the architecture this process runs on.
func HostArch() Arch {
	if runtime.GOARCH == "arm64" {
		return ArchAArch64
	}
	return ArchX86_64
}

// Binary returns the system emulator name for arch.
func (a Arch) Binary() string {
	return "qemu-system-" + string(a)
}

// Profile is the device set used for one guest architecture.
type Profile struct {
	Machine string
	// Devices are emitted right after the machine flags.
	Devices []string
	// MediaDrive declares the empty removable drive; MediaDevice is the
	// name the monitor uses to change or eject it.
	MediaDrive  []string
	MediaDevice string
	// SeedDrive declares the read-only seed drive for a given file.
	SeedDrive func(path string) []string
	// NeedsFirmware marks architectures that cannot boot without UEFI.
	NeedsFirmware bool
}

// ProfileFor returns the device profile of arch.
func ProfileFor(arch Arch) Profile {
	if arch == ArchAArch64 {
		return Profile{
			Machine: "virt",
			Devices: []string{
				"-cpu", "max",
				"-device", "virtio-gpu-pci",
				"-device", "qemu-xhci,id=usb-bus",
				"-device", "usb-kbd,bus=usb-bus.0",
				"-device", "usb-tablet,bus=usb-bus.0",
				"-device", "virtio-scsi-pci,id=scsi0",
			},
			MediaDrive: []string{
				"-drive", "if=none,id=cd0,media=cdrom",
				"-device", "scsi-cd,drive=cd0,bus=scsi0.0",
			},
			MediaDevice: "cd0",
			SeedDrive: func(path string) []string {
				return []string{
					"-drive", "file=" + path + ",if=none,id=seed0,media=cdrom,readonly=on",
					"-device", "scsi-cd,drive=seed0,bus=scsi0.0",
				}
			},
			NeedsFirmware: true,
		}
	}
	return Profile{
		Machine: "q35",
		Devices: []string{
			"-vga", "std",
			"-usb",
			"-device", "usb-tablet,bus=usb-bus.0,port=1",
		},
		MediaDrive:  []string{"-drive", "if=ide,index=0,media=cdrom"},
		MediaDevice: "ide0-cd0",
		SeedDrive: func(path string) []string {
			return []string{"-drive", "file=" + path + ",if=ide,index=1,media=cdrom,readonly=on"}
		},
	}
}

// MediaDevice returns the removable drive name for a stored architecture flag.
func MediaDevice(archFlag string) string {
	arch, err := ParseArch(archFlag)
	if err != nil {
		arch = ArchX86_64
	}
	return ProfileFor(arch).MediaDevice
}

// IsAppleSilicon checks for a Homebrew prefix on an arm64 darwin host.
func IsAppleSilicon() bool {
	if runtime.GOOS != "darwin" || runtime.GOARCH != "arm64" {
		return false
	}
	_, err := os.Stat("/opt/homebrew")
	return err == nil
}

// DefaultFirmware returns the conventional UEFI image paths per architecture.
func DefaultFirmware() map[Arch]string {
	if IsAppleSilicon() {
		return map[Arch]string{
			ArchAArch64: "/opt/homebrew/share/qemu/edk2-aarch64-code.fd",
			ArchX86_64:  "/opt/homebrew/share/qemu/edk2-x86_64-code.fd",
		}
	}
	return map[Arch]string{
		ArchAArch64: "/usr/share/qemu/edk2-aarch64-code.fd",
		ArchX86_64:  "/usr/share/qemu/OVMF.fd",
	}
}

// DefaultAccel picks the native accelerator available on this host.
func DefaultAccel() string {
	switch runtime.GOOS {
	case "linux":
		if isKVMAvailable() {
			return "kvm"
		}
	case "darwin":
		return "hvf"
	case "windows":
		return "whpx:tcg"
	}
	return "tcg"
}

func isKVMAvailable() bool {
	_, err := os.Stat("/dev/kvm")
	return err == nil
}
