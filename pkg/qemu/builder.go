package qemu

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/vm"
)

const (
	DefaultDiskSize = "10G"
	DefaultMemoryMB = 1024
)

// Options holds host-level settings shared by every invocation.
type Options struct {
	// Binaries overrides the emulator per guest architecture.
	Binaries map[Arch]string
	HostArch Arch
	// Machine and Accel apply when the guest runs natively.
	Machine         string
	Accel           string
	Firmware        map[Arch]string
	DiskDir         string
	DefaultDiskSize string
	// Websockify is the console proxy binary.
	Websockify string
}

// Invocation is a fully assembled hypervisor command.
type Invocation struct {
	Binary string
	Args   []string
	// Notes are human-readable facts gathered while building.
	Notes []string
}

// CommandLine renders the invocation for transcripts and logs.
func (i *Invocation) CommandLine() string {
	return i.Binary + " " + strings.Join(i.Args, " ")
}

// Builder turns a VM spec and its resources into an argument vector.
type Builder struct {
	opts     Options
	platform Platform
	disks    DiskImager
	stat     func(string) (os.FileInfo, error)
}

// NewBuilder returns a Builder using platform for display and control
// sockets and disks to create missing backing files.
func NewBuilder(opts Options, platform Platform, disks DiskImager) *Builder {
	if opts.HostArch == "" {
		opts.HostArch = HostArch()
	}
	if opts.Accel == "" {
		opts.Accel = DefaultAccel()
	}
	if opts.Firmware == nil {
		opts.Firmware = DefaultFirmware()
	}
	if opts.DefaultDiskSize == "" {
		opts.DefaultDiskSize = DefaultDiskSize
	}
	if opts.Websockify == "" {
		opts.Websockify = "websockify"
	}
	return &Builder{
		opts:     opts,
		platform: platform,
		disks:    disks,
		stat:     os.Stat,
	}
}

// Platform returns the transport strategy the builder was created with.
func (b *Builder) Platform() Platform {
	return b.platform
}

// DiskPath returns the backing file of a named disk.
func (b *Builder) DiskPath(name string) string {
	return filepath.Join(b.opts.DiskDir, name+".qcow2")
}

// BinaryFor returns the emulator used for arch.
func (b *Builder) BinaryFor(arch Arch) string {
	if bin := b.opts.Binaries[arch]; bin != "" {
		return bin
	}
	return arch.Binary()
}

// plan is what Check resolves before anything touches the host.
type plan struct {
	arch     Arch
	profile  Profile
	foreign  bool
	firmware string
	network  *NetworkConfig
}

// Check runs every validation Build performs without side effects, so
// callers can reject a start before preparing anything for it.
func (b *Builder) Check(vmID string, spec vm.Spec, res vm.Resources) error {
	_, err := b.check(vmID, spec, res)
	return err
}

func (b *Builder) check(vmID string, spec vm.Spec, res vm.Resources) (*plan, error) {
	if _, err := vm.SanitizeName(vmID); err != nil {
		return nil, err
	}
	if err := b.platform.Validate(vmID); err != nil {
		return nil, err
	}
	if err := vm.ValidateSpec(spec); err != nil {
		return nil, err
	}

	arch, err := ParseArch(spec.Features.Arch)
	if err != nil {
		return nil, err
	}
	p := &plan{arch: arch, profile: ProfileFor(arch), foreign: arch != b.opts.HostArch}

	if p.foreign || p.profile.NeedsFirmware {
		p.firmware = b.opts.Firmware[arch]
		if p.firmware == "" {
			return nil, errors.Errorf("%w: no firmware image configured for %s", vm.ErrConfiguration, arch)
		}
		if _, err := b.stat(p.firmware); err != nil {
			return nil, errors.Errorf("%w: firmware image for %s: %w", vm.ErrConfiguration, arch, err)
		}
	}

	if len(spec.Nics) > 0 && res.GuestAddress != "" {
		n, err := DeriveNetwork(res.GuestAddress)
		if err != nil {
			return nil, err
		}
		p.network = &n
	}
	return p, nil
}

// Build assembles the command line for vmID. Every check that can fail runs
// before any argument is emitted; the only side effect is creating backing
// files for disks that do not exist yet.
func (b *Builder) Build(ctx context.Context, vmID string, spec vm.Spec, res vm.Resources, seedImage string) (*Invocation, error) {
	logger := zerolog.Ctx(ctx).With().Str("vm", vmID).Logger()

	p, err := b.check(vmID, spec, res)
	if err != nil {
		return nil, err
	}
	arch, profile, foreign, firmware, network := p.arch, p.profile, p.foreign, p.firmware, p.network

	inv := &Invocation{Binary: b.BinaryFor(arch)}

	for _, d := range spec.Disks {
		path := b.DiskPath(d.Name)
		if _, err := b.stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return nil, errors.Errorf("checking disk %s: %w", path, err)
		}
		logger.Info().Str("disk", path).Str("size", b.opts.DefaultDiskSize).Msg("auto-creating missing disk")
		if err := os.MkdirAll(b.opts.DiskDir, 0o755); err != nil {
			return nil, errors.Errorf("creating disk directory: %w", err)
		}
		out, err := b.disks.Create(ctx, path, b.opts.DefaultDiskSize)
		if err != nil {
			return nil, err
		}
		inv.Notes = append(inv.Notes, fmt.Sprintf("auto-created disk: %s (%s)", path, b.opts.DefaultDiskSize))
		if out = strings.TrimSpace(out); out != "" {
			inv.Notes = append(inv.Notes, out)
		}
	}

	args := []string{"-name", vmID, "-nodefaults", "-boot", "d"}
	if spec.Features.IsWindows {
		args = append(args, "-rtc", "base=localtime")
	}

	machine, accel := profile.Machine, b.opts.Accel
	if foreign {
		accel = "tcg"
	} else if b.opts.Machine != "" {
		machine = b.opts.Machine
	}
	args = append(args, "-machine", fmt.Sprintf("type=%s,accel=%s", machine, accel))
	if firmware != "" {
		args = append(args, "-bios", firmware)
	}
	args = append(args, profile.Devices...)

	args = append(args, b.platform.DisplayArgs(vmID, res)...)

	memory := spec.Memory.SizeMB
	if memory == 0 {
		memory = DefaultMemoryMB
	}
	cpu := spec.CPU.Normalized()
	args = append(args,
		"-m", fmt.Sprintf("%dM", memory),
		"-smp", fmt.Sprintf("%d,sockets=%d,cores=%d,threads=%d", cpu.Total(), cpu.Sockets, cpu.Cores, cpu.Threads),
	)

	for _, d := range spec.Disks {
		args = append(args, "-drive", driveOption(b.DiskPath(d.Name), d))
		inv.Notes = append(inv.Notes, fmt.Sprintf("disk %d: %s", d.ID, d.Name))
	}

	for _, n := range spec.Nics {
		netdev := fmt.Sprintf("user,id=net%d", n.ID)
		if network != nil {
			netdev += "," + network.NetdevOptions()
		}
		args = append(args,
			"-netdev", netdev,
			"-device", fmt.Sprintf("virtio-net-pci,netdev=net%d,mac=%s", n.ID, n.MAC),
		)
		inv.Notes = append(inv.Notes, fmt.Sprintf("nic %d: mac=%s vlan=%d", n.ID, n.MAC, n.VLAN))
	}

	args = append(args, profile.MediaDrive...)
	if seedImage != "" {
		args = append(args, profile.SeedDrive(escapeOption(seedImage))...)
		args = append(args, "-smbios", "type=11,value=cloud-init:ds=nocloud")
		inv.Notes = append(inv.Notes, "seed image: "+seedImage)
	}

	args = append(args, b.platform.ControlArgs(vmID, res)...)

	inv.Args = args
	logger.Debug().Str("binary", inv.Binary).Strs("args", args).Msg("built hypervisor command")
	return inv, nil
}

// ConsoleProxy assembles the websockify command that publishes the VM
// display on its allocated console port for browser clients.
func (b *Builder) ConsoleProxy(vmID string, res vm.Resources) (*Invocation, error) {
	if _, err := vm.SanitizeName(vmID); err != nil {
		return nil, err
	}
	if res.ConsolePort == 0 {
		return nil, errors.Errorf("%w: VM %q has no console port", vm.ErrConfiguration, vmID)
	}
	flags, target, err := b.platform.ConsoleTarget(vmID, res)
	if err != nil {
		return nil, err
	}
	args := append(flags, fmt.Sprintf("0.0.0.0:%d", res.ConsolePort))
	if target != "" {
		args = append(args, target)
	}
	return &Invocation{
		Binary: b.opts.Websockify,
		Args:   args,
		Notes:  []string{fmt.Sprintf("console 0.0.0.0:%d -> %s", res.ConsolePort, b.platform.DisplayName(vmID, res))},
	}, nil
}

func driveOption(path string, d vm.DiskSpec) string {
	opt := fmt.Sprintf("file=%s,format=qcow2,if=virtio,index=%d", escapeOption(path), d.ID)
	if d.IOPSTotal > 0 {
		opt += fmt.Sprintf(",throttling.iops-total=%d", d.IOPSTotal)
	}
	if d.IOPSTotalMax > 0 {
		opt += fmt.Sprintf(",throttling.iops-total-max=%d", d.IOPSTotalMax)
	}
	if d.IOPSTotalMaxLength > 0 {
		opt += fmt.Sprintf(",throttling.iops-total-max-length=%d", d.IOPSTotalMaxLength)
	}
	return opt
}

// escapeOption doubles commas so a path survives QEMU's option parser.
func escapeOption(s string) string {
	return strings.ReplaceAll(s, ",", ",,")
}
