package engine

import (
	"context"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/alloc"
	"github.com/walteh/vmcontrol/pkg/monitor"
	"github.com/walteh/vmcontrol/pkg/vm"
)

// Start builds the hypervisor command for a stopped VM, launches it and
// marks the VM running once the process survives the grace interval.
// Nothing is persisted when any step before that fails.
func (e *Engine) Start(ctx context.Context, req VMRequest) (string, error) {
	return e.run(ctx, "start", req.ID, func(ctx context.Context) (string, error) {
		logger := zerolog.Ctx(ctx)

		if _, err := vm.SanitizeName(req.ID); err != nil {
			return "", err
		}
		rec, err := e.store.GetVM(ctx, req.ID)
		if err != nil {
			return "", err
		}
		if rec.Status == vm.StatusRunning {
			return "", errors.Errorf("%w: VM %q is already running", vm.ErrConflict, req.ID)
		}

		if err := e.builder.Check(req.ID, rec.Config.Spec, rec.Config.Resources); err != nil {
			return "", err
		}

		records, err := e.store.ListVMs(ctx)
		if err != nil {
			return "", err
		}
		res, release, err := e.reserveRuntime(req.ID, rec.Config.Resources, runningPorts(records, req.ID))
		if err != nil {
			return "", err
		}
		defer release()

		var t transcript

		seedImage, err := e.seed.Generate(ctx, req.ID, rec.Config.Spec.Seed, res.GuestAddress)
		if err != nil {
			t.warn(ctx, "seed image not attached", err)
			seedImage = ""
		}

		inv, err := e.builder.Build(ctx, req.ID, rec.Config.Spec, res, seedImage)
		if err != nil {
			return "", err
		}
		for _, note := range inv.Notes {
			t.line("%s", note)
		}
		t.line("QEMU: %s", inv.CommandLine())

		logPath := e.LogPath(req.ID)
		handle, err := e.launcher.Launch(ctx, inv.Binary, inv.Args, logPath)
		if err != nil {
			if rerr := e.platform.Release(req.ID); rerr != nil {
				logger.Warn().Err(rerr).Msg("releasing control sockets after failed start")
			}
			return "", err
		}

		t.line("Process started (PID: %d)", handle.PID)
		t.line("QEMU log: %s", handle.LogPath)
		t.line("QEMU process verified alive after %s", e.opts.Grace)

		if err := e.platform.Persist(req.ID, res); err != nil {
			t.warn(ctx, "recording control ports", err)
		}
		if res != rec.Config.Resources {
			if err := e.store.UpdateVM(ctx, req.ID, vm.Config{Spec: rec.Config.Spec, Resources: res}); err != nil {
				t.warn(ctx, "recording runtime ports", err)
			}
		}
		if err := e.store.SetStatus(ctx, req.ID, vm.StatusRunning); err != nil {
			t.warn(ctx, "recording running status", err)
		}

		t.line("VM '%s' started successfully", req.ID)
		return t.String(), nil
	})
}

// reserveRuntime picks the per-run ports for vmID, skipping both those of
// running VMs and those handed to starts that have not been recorded yet.
// The returned release drops the in-flight claim; by then the ports are
// either persisted on a running record or abandoned.
func (e *Engine) reserveRuntime(vmID string, current vm.Resources, taken alloc.Set[int]) (vm.Resources, func(), error) {
	e.startsMu.Lock()
	defer e.startsMu.Unlock()

	for id, res := range e.starting {
		if id == vmID {
			continue
		}
		for _, p := range []int{res.DisplayPort, res.MonitorPort, res.QMPPort} {
			if p != 0 {
				taken.Add(p)
			}
		}
	}

	res, err := e.platform.Reserve(vmID, current, taken)
	if err != nil {
		return current, func() {}, err
	}
	e.starting[vmID] = res

	return res, func() {
		e.startsMu.Lock()
		delete(e.starting, vmID)
		e.startsMu.Unlock()
	}, nil
}

// runningPorts collects the loopback ports held by other running VMs.
func runningPorts(records []*vm.Record, except string) alloc.Set[int] {
	taken := alloc.NewSet[int]()
	for _, r := range records {
		if r.ID == except || r.Status != vm.StatusRunning {
			continue
		}
		res := r.Config.Resources
		for _, p := range []int{res.DisplayPort, res.MonitorPort, res.QMPPort} {
			if p != 0 {
				taken.Add(p)
			}
		}
	}
	return taken
}

// Stop quits the hypervisor.
func (e *Engine) Stop(ctx context.Context, req VMRequest) (string, error) {
	return e.run(ctx, "stop", req.ID, func(ctx context.Context) (string, error) {
		return e.shutdown(ctx, req.ID, monitor.CmdQuit)
	})
}

// Powerdown sends an ACPI power button event.
func (e *Engine) Powerdown(ctx context.Context, req VMRequest) (string, error) {
	return e.run(ctx, "powerdown", req.ID, func(ctx context.Context) (string, error) {
		return e.shutdown(ctx, req.ID, monitor.CmdPowerdown)
	})
}

// Reset hard-resets the guest; the VM stays running.
func (e *Engine) Reset(ctx context.Context, req VMRequest) (string, error) {
	return e.run(ctx, "reset", req.ID, func(ctx context.Context) (string, error) {
		if _, err := e.store.GetVM(ctx, req.ID); err != nil {
			return "", err
		}
		return e.command(ctx, req.ID, monitor.CmdReset)
	})
}

// shutdown sends command and marks the VM stopped. An unreachable monitor
// means the hypervisor is already gone, which is reported, not failed.
func (e *Engine) shutdown(ctx context.Context, vmID, command string) (string, error) {
	if _, err := vm.SanitizeName(vmID); err != nil {
		return "", err
	}
	rec, err := e.store.GetVM(ctx, vmID)
	if err != nil {
		return "", err
	}

	var t transcript
	out, err := e.monitor.SendCommand(ctx, vmID, command)
	switch {
	case err == nil:
		t.raw(monitor.Transcript(vmID, command, out))
	case errors.Is(err, vm.ErrMonitorTimeout):
		t.raw(monitor.Transcript(vmID, command, "NOTICE: no response from monitor; command accepted, result unknown"))
	case errors.Is(err, vm.ErrMonitorUnreachable):
		t.line("monitor(%s) => %s", vmID, command)
		t.line("NOTICE: monitor unreachable, VM treated as already stopped")
	default:
		return "", err
	}

	e.markStopped(ctx, rec, &t)
	t.line("VM '%s' stopped", vmID)
	return t.String(), nil
}

// markStopped is best-effort bookkeeping after the hypervisor is gone.
func (e *Engine) markStopped(ctx context.Context, rec *vm.Record, t *transcript) {
	if stopped, err := e.stopConsole(rec.ID); err != nil {
		t.warn(ctx, "stopping console proxy", err)
	} else if stopped {
		t.line("Console proxy for VM '%s' stopped", rec.ID)
	}
	if err := e.platform.Release(rec.ID); err != nil {
		t.warn(ctx, "removing control sockets", err)
	}
	if cleared := rec.Config.Resources.ClearRuntime(); cleared != rec.Config.Resources {
		if err := e.store.UpdateVM(ctx, rec.ID, vm.Config{Spec: rec.Config.Spec, Resources: cleared}); err != nil {
			t.warn(ctx, "clearing runtime ports", err)
		}
	}
	if err := e.store.SetStatus(ctx, rec.ID, vm.StatusStopped); err != nil {
		t.warn(ctx, "recording stopped status", err)
	}
}

// command sends a monitor command whose outcome does not change the
// persisted state.
func (e *Engine) command(ctx context.Context, vmID, command string) (string, error) {
	out, err := e.monitor.SendCommand(ctx, vmID, command)
	switch {
	case err == nil:
		return monitor.Transcript(vmID, command, out), nil
	case errors.Is(err, vm.ErrMonitorTimeout):
		return monitor.Transcript(vmID, command, "NOTICE: no response from monitor; command accepted, result unknown"), nil
	default:
		return "", err
	}
}
