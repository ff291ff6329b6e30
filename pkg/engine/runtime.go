package engine

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/monitor"
	"github.com/walteh/vmcontrol/pkg/qemu"
	"github.com/walteh/vmcontrol/pkg/vm"
)

// MountMedia points the removable drive at an ISO from the ISO directory.
func (e *Engine) MountMedia(ctx context.Context, req MediaRequest) (string, error) {
	return e.run(ctx, "mount-media", req.ID, func(ctx context.Context) (string, error) {
		rec, err := e.store.GetVM(ctx, req.ID)
		if err != nil {
			return "", err
		}
		cmd, err := monitor.Change(qemu.MediaDevice(rec.Config.Spec.Features.Arch), e.opts.ISOPath, req.ISOName)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(filepath.Join(e.opts.ISOPath, req.ISOName)); err != nil {
			return "", errors.Errorf("%w: media %q: %w", vm.ErrNotFound, req.ISOName, err)
		}
		return e.command(ctx, req.ID, cmd)
	})
}

// UnmountMedia ejects the removable drive.
func (e *Engine) UnmountMedia(ctx context.Context, req VMRequest) (string, error) {
	return e.run(ctx, "unmount-media", req.ID, func(ctx context.Context) (string, error) {
		rec, err := e.store.GetVM(ctx, req.ID)
		if err != nil {
			return "", err
		}
		return e.command(ctx, req.ID, monitor.Eject(qemu.MediaDevice(rec.Config.Spec.Features.Arch)))
	})
}

// Migrate starts a detached live migration to another host.
func (e *Engine) Migrate(ctx context.Context, req MigrateRequest) (string, error) {
	return e.run(ctx, "migrate", req.ID, func(ctx context.Context) (string, error) {
		cmd, err := monitor.Migrate(req.Target)
		if err != nil {
			return "", err
		}
		if _, err := e.store.GetVM(ctx, req.ID); err != nil {
			return "", err
		}
		return e.command(ctx, req.ID, cmd)
	})
}

// Backup streams the VM state into a gzip archive in the live directory.
func (e *Engine) Backup(ctx context.Context, req VMRequest) (string, error) {
	return e.run(ctx, "backup", req.ID, func(ctx context.Context) (string, error) {
		if _, err := vm.SanitizeName(req.ID); err != nil {
			return "", err
		}
		if _, err := e.store.GetVM(ctx, req.ID); err != nil {
			return "", err
		}
		if err := os.MkdirAll(e.opts.LivePath, 0o755); err != nil {
			return "", errors.Errorf("creating backup directory: %w", err)
		}

		cmd, path, err := monitor.Backup(e.opts.GzipPath, e.opts.LivePath, req.ID, e.backupSlot(req.ID))
		if err != nil {
			return "", err
		}
		out, err := e.command(ctx, req.ID, cmd)
		if err != nil {
			return "", err
		}
		return out + "Backup file: " + path + "\n", nil
	})
}

// backupSlot returns a timestamp in a second no earlier backup of vmID has
// used, waiting for the next second when needed. Callers hold the VM lock.
func (e *Engine) backupSlot(vmID string) time.Time {
	e.backupMu.Lock()
	last, seen := e.lastBackup[vmID]
	e.backupMu.Unlock()

	now := e.opts.Now()
	if seen {
		next := last.Truncate(time.Second).Add(time.Second)
		if now.Before(next) {
			e.opts.Sleep(next.Sub(now))
			now = e.opts.Now()
			if now.Before(next) {
				now = next
			}
		}
	}

	e.backupMu.Lock()
	e.lastBackup[vmID] = now
	e.backupMu.Unlock()
	return now
}
