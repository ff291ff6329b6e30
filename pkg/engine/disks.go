package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/vm"
)

// CreateDisk creates a qcow2 backing file and registers it unowned.
func (e *Engine) CreateDisk(ctx context.Context, req DiskRequest) (string, error) {
	return e.run(ctx, "create-disk", diskKey(req.Name), func(ctx context.Context) (string, error) {
		if _, err := vm.SanitizeName(req.Name); err != nil {
			return "", err
		}
		if _, err := vm.ValidateDiskSize(req.Size); err != nil {
			return "", err
		}
		if _, err := e.store.GetDisk(ctx, req.Name); err == nil {
			return "", errors.Errorf("%w: disk %q already exists", vm.ErrConflict, req.Name)
		} else if !errors.Is(err, vm.ErrNotFound) {
			return "", err
		}

		path := e.builder.DiskPath(req.Name)
		if _, err := os.Stat(path); err == nil {
			return "", errors.Errorf("%w: disk file %s already exists", vm.ErrConflict, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", errors.Errorf("creating disk directory: %w", err)
		}

		out, err := e.disks.Create(ctx, path, req.Size)
		if err != nil {
			return "", err
		}
		if err := e.store.InsertDisk(ctx, &vm.Disk{Name: req.Name, Size: req.Size, CreatedAt: e.opts.Now().UTC()}); err != nil {
			_ = os.Remove(path)
			return "", err
		}

		var t transcript
		if out = strings.TrimSpace(out); out != "" {
			t.line("%s", out)
		}
		t.line("Disk '%s' created (%s)", req.Name, req.Size)
		return t.String(), nil
	})
}

// ResizeDisk grows a registered disk.
func (e *Engine) ResizeDisk(ctx context.Context, req DiskRequest) (string, error) {
	return e.run(ctx, "resize-disk", diskKey(req.Name), func(ctx context.Context) (string, error) {
		if _, err := vm.SanitizeName(req.Name); err != nil {
			return "", err
		}
		if _, err := vm.ValidateDiskSize(req.Size); err != nil {
			return "", err
		}
		if _, err := e.store.GetDisk(ctx, req.Name); err != nil {
			return "", err
		}

		out, err := e.disks.Resize(ctx, e.builder.DiskPath(req.Name), req.Size)
		if err != nil {
			return "", err
		}

		var t transcript
		if out = strings.TrimSpace(out); out != "" {
			t.line("%s", out)
		}
		if err := e.store.UpdateDisk(ctx, req.Name, req.Size); err != nil {
			t.warn(ctx, "recording new disk size", err)
		}
		t.line("Disk '%s' resized to %s", req.Name, req.Size)
		return t.String(), nil
	})
}

// DeleteDisk removes an unowned disk and its backing file.
func (e *Engine) DeleteDisk(ctx context.Context, req DiskRequest) (string, error) {
	return e.run(ctx, "delete-disk", diskKey(req.Name), func(ctx context.Context) (string, error) {
		if _, err := vm.SanitizeName(req.Name); err != nil {
			return "", err
		}
		d, err := e.store.GetDisk(ctx, req.Name)
		if err != nil {
			return "", err
		}
		if d.Owner != "" {
			return "", errors.Errorf("%w: disk %q is owned by VM %q", vm.ErrConflict, req.Name, d.Owner)
		}

		// A VM may claim the disk after the check above; the delete itself
		// only matches an unowned row.
		if err := e.store.DeleteUnownedDisk(ctx, req.Name); err != nil {
			return "", err
		}

		var t transcript
		path := e.builder.DiskPath(req.Name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			t.warn(ctx, "removing disk file", err)
		}
		t.line("Disk '%s' deleted", req.Name)
		return t.String(), nil
	})
}

// ListDisks returns every registered disk.
func (e *Engine) ListDisks(ctx context.Context) ([]*vm.Disk, error) {
	var disks []*vm.Disk
	_, err := e.run(ctx, "list-disks", "", func(ctx context.Context) (string, error) {
		var err error
		disks, err = e.store.ListDisks(ctx)
		return "", err
	})
	return disks, err
}
