package engine

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/vm"
)

func (e *Engine) consolePIDPath(vmID string) string {
	return filepath.Join(e.opts.RunPath, "console_"+vmID+".pid")
}

// ConsoleLogPath is where the console proxy output of vmID is captured.
func (e *Engine) ConsoleLogPath(vmID string) string {
	return filepath.Join(e.opts.RunPath, "logs", "console_"+vmID+".log")
}

// ConsoleStart publishes the display of a running VM on its console port
// through a websocket proxy.
func (e *Engine) ConsoleStart(ctx context.Context, req VMRequest) (string, error) {
	return e.run(ctx, "console-start", req.ID, func(ctx context.Context) (string, error) {
		if _, err := vm.SanitizeName(req.ID); err != nil {
			return "", err
		}
		rec, err := e.store.GetVM(ctx, req.ID)
		if err != nil {
			return "", err
		}
		if rec.Status != vm.StatusRunning {
			return "", errors.Errorf("%w: VM %q is not running", vm.ErrConflict, req.ID)
		}
		if pid, err := e.readConsolePID(req.ID); err == nil {
			return "", errors.Errorf("%w: console proxy for VM %q is already running (PID: %d)", vm.ErrConflict, req.ID, pid)
		} else if !errors.Is(err, vm.ErrNotFound) {
			return "", err
		}

		inv, err := e.builder.ConsoleProxy(req.ID, rec.Config.Resources)
		if err != nil {
			return "", err
		}

		var t transcript
		for _, note := range inv.Notes {
			t.line("%s", note)
		}
		t.line("Proxy: %s", inv.CommandLine())

		handle, err := e.launcher.Launch(ctx, inv.Binary, inv.Args, e.ConsoleLogPath(req.ID))
		if err != nil {
			return "", err
		}
		t.line("Process started (PID: %d)", handle.PID)

		if err := os.MkdirAll(e.opts.RunPath, 0o755); err != nil {
			return "", errors.Errorf("creating run directory: %w", err)
		}
		if err := os.WriteFile(e.consolePIDPath(req.ID), []byte(strconv.Itoa(handle.PID)+"\n"), 0o644); err != nil {
			t.warn(ctx, "recording console proxy PID", err)
		}

		t.line("Console for VM '%s' available on port %d", req.ID, rec.Config.Resources.ConsolePort)
		return t.String(), nil
	})
}

// ConsoleStop terminates the console proxy of a VM, if one is running.
func (e *Engine) ConsoleStop(ctx context.Context, req VMRequest) (string, error) {
	return e.run(ctx, "console-stop", req.ID, func(ctx context.Context) (string, error) {
		if _, err := vm.SanitizeName(req.ID); err != nil {
			return "", err
		}
		if _, err := e.store.GetVM(ctx, req.ID); err != nil {
			return "", err
		}

		var t transcript
		stopped, err := e.stopConsole(req.ID)
		switch {
		case err != nil:
			return "", err
		case stopped:
			t.line("Console proxy for VM '%s' stopped", req.ID)
		default:
			t.line("NOTICE: no console proxy running for VM '%s'", req.ID)
		}
		return t.String(), nil
	})
}

// stopConsole kills the recorded proxy and forgets it. A process that is
// already gone counts as stopped.
func (e *Engine) stopConsole(vmID string) (bool, error) {
	pid, err := e.readConsolePID(vmID)
	if errors.Is(err, vm.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := e.opts.Kill(pid); err != nil {
		return false, errors.Errorf("stopping console proxy %d: %w", pid, err)
	}
	if err := os.Remove(e.consolePIDPath(vmID)); err != nil && !os.IsNotExist(err) {
		return true, errors.Errorf("removing console PID file: %w", err)
	}
	return true, nil
}

func (e *Engine) readConsolePID(vmID string) (int, error) {
	data, err := os.ReadFile(e.consolePIDPath(vmID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.Errorf("%w: no console proxy for %s", vm.ErrNotFound, vmID)
		}
		return 0, errors.Errorf("reading console PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Errorf("parsing console PID file: %w", err)
	}
	return pid, nil
}

func killProcess(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		// only reported where the lookup itself proves the process is gone
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
