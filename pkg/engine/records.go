package engine

import (
	"context"
	"encoding/json"

	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/monitor"
	"github.com/walteh/vmcontrol/pkg/store"
	"github.com/walteh/vmcontrol/pkg/vm"
)

// Delete releases a VM's disks and removes its record. A running VM's
// hypervisor is left untouched unless Force is set, in which case it is
// quit first.
func (e *Engine) Delete(ctx context.Context, req DeleteRequest) (string, error) {
	return e.run(ctx, "delete", req.ID, func(ctx context.Context) (string, error) {
		if _, err := vm.SanitizeName(req.ID); err != nil {
			return "", err
		}
		rec, err := e.store.GetVM(ctx, req.ID)
		if err != nil {
			return "", err
		}

		var t transcript
		switch {
		case rec.Status == vm.StatusRunning && req.Force:
			out, err := e.monitor.SendCommand(ctx, req.ID, monitor.CmdQuit)
			switch {
			case err == nil:
				t.raw(monitor.Transcript(req.ID, monitor.CmdQuit, out))
			case errors.Is(err, vm.ErrMonitorTimeout), errors.Is(err, vm.ErrMonitorUnreachable):
				t.raw(monitor.Transcript(req.ID, monitor.CmdQuit, "NOTICE: "+vm.Kind(err)))
			default:
				return "", err
			}
			if err := e.platform.Release(req.ID); err != nil {
				t.warn(ctx, "removing control sockets", err)
			}
		case rec.Status == vm.StatusRunning:
			t.line("WARNING: VM '%s' is running; its hypervisor process is left running without a record (use force to stop it first)", req.ID)
		default:
			if err := e.platform.Release(req.ID); err != nil {
				t.warn(ctx, "removing control sockets", err)
			}
		}

		if stopped, err := e.stopConsole(req.ID); err != nil {
			t.warn(ctx, "stopping console proxy", err)
		} else if stopped {
			t.line("Console proxy for VM '%s' stopped", req.ID)
		}

		var released int64
		err = e.store.Atomically(ctx, func(tx store.Repository) error {
			n, err := tx.ClearOwnerByVM(ctx, req.ID)
			if err != nil {
				return err
			}
			released = n
			return tx.DeleteVM(ctx, req.ID)
		})
		if err != nil {
			return "", err
		}

		t.line("Released %d disk(s)", released)
		t.line("VM '%s' deleted successfully", req.ID)
		return t.String(), nil
	})
}

// List returns every stored VM.
func (e *Engine) List(ctx context.Context) ([]*vm.Record, error) {
	var records []*vm.Record
	_, err := e.run(ctx, "list", "", func(ctx context.Context) (string, error) {
		var err error
		records, err = e.store.ListVMs(ctx)
		return "", err
	})
	return records, err
}

// Inspect returns the stored record and, for a running VM, the live state
// reported over QMP.
func (e *Engine) Inspect(ctx context.Context, req VMRequest) (*Inspection, error) {
	var insp *Inspection
	_, err := e.run(ctx, "inspect", req.ID, func(ctx context.Context) (string, error) {
		rec, err := e.store.GetVM(ctx, req.ID)
		if err != nil {
			return "", err
		}
		insp = &Inspection{Record: rec}
		if rec.Status != vm.StatusRunning {
			return "", nil
		}
		live, err := e.monitor.QueryStatus(ctx, req.ID)
		if err != nil {
			insp.LiveError = err.Error()
			return "", nil
		}
		insp.Live = live
		return "", nil
	})
	return insp, err
}

// JSON renders v for transcripts and tool results.
func JSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", errors.Errorf("marshaling result: %w", err)
	}
	return string(data) + "\n", nil
}
