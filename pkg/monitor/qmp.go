package monitor

import (
	"context"

	"github.com/digitalocean/go-qemu/qemu"
	"github.com/digitalocean/go-qemu/qmp"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/vm"
)

// LiveStatus is what the hypervisor itself reports about a running guest.
type LiveStatus struct {
	State string  `json:"state"`
	Media []Media `json:"media,omitempty"`
}

// Media is one block device with what is currently inserted.
type Media struct {
	Device string `json:"device"`
	File   string `json:"file,omitempty"`
}

// QueryStatus asks the VM's QMP socket for its run state and block devices.
func (c *Client) QueryStatus(ctx context.Context, vmID string) (*LiveStatus, error) {
	if _, err := vm.SanitizeName(vmID); err != nil {
		return nil, err
	}
	ep, err := c.resolver.QMPEndpoint(vmID)
	if err != nil {
		return nil, err
	}

	mon, err := qmp.NewSocketMonitor(ep.Network, ep.Address, c.opts.DialTimeout)
	if err != nil {
		return nil, errors.Errorf("%w: creating QMP monitor: %w", vm.ErrMonitorUnreachable, err)
	}
	if err := mon.Connect(); err != nil {
		return nil, errors.Errorf("%w: connecting to QMP monitor: %w", vm.ErrMonitorUnreachable, err)
	}

	domain, err := qemu.NewDomain(mon, vmID)
	if err != nil {
		_ = mon.Disconnect()
		return nil, errors.Errorf("creating domain: %w", err)
	}
	defer domain.Close()

	status, err := domain.Status()
	if err != nil {
		return nil, errors.Errorf("getting domain status: %w", err)
	}

	live := &LiveStatus{State: stateName(status)}

	devices, err := domain.BlockDevices()
	if err != nil {
		return nil, errors.Errorf("getting block devices: %w", err)
	}
	for _, dev := range devices {
		live.Media = append(live.Media, Media{Device: dev.Device, File: dev.Inserted.File})
	}
	return live, nil
}

func stateName(s qemu.Status) string {
	switch s {
	case qemu.StatusRunning:
		return "running"
	case qemu.StatusPaused:
		return "paused"
	case qemu.StatusShutdown:
		return "shutdown"
	case qemu.StatusInMigrate:
		return "inmigrate"
	case qemu.StatusGuestPanicked:
		return "guest-panicked"
	default:
		return "unknown"
	}
}
