package engine

import (
	"context"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/alloc"
	"github.com/walteh/vmcontrol/pkg/diff"
	"github.com/walteh/vmcontrol/pkg/store"
	"github.com/walteh/vmcontrol/pkg/vm"
)

// errAllocationRace marks a snapshot allocation that another VM claimed
// before it could be written.
var errAllocationRace = errors.Base("allocation raced")

// usage is the set of allocations held by every VM except one.
type usage struct {
	consolePorts alloc.Set[int]
	addresses    alloc.Set[string]
	runtimePorts alloc.Set[int]
}

func usageOf(records []*vm.Record, except string) usage {
	u := usage{
		consolePorts: alloc.NewSet[int](),
		addresses:    alloc.NewSet[string](),
		runtimePorts: alloc.NewSet[int](),
	}
	for _, r := range records {
		if r.ID == except {
			continue
		}
		res := r.Config.Resources
		if res.ConsolePort != 0 {
			u.consolePorts.Add(res.ConsolePort)
		}
		if res.GuestAddress != "" {
			u.addresses.Add(res.GuestAddress)
		}
		for _, p := range []int{res.DisplayPort, res.MonitorPort, res.QMPPort} {
			if p != 0 {
				u.runtimePorts.Add(p)
			}
		}
	}
	return u
}

// resolveResources keeps what current already holds, takes what the spec
// asks for explicitly, and allocates the rest from u.
func resolveResources(spec vm.Spec, current vm.Resources, u usage) (vm.Resources, error) {
	res := current

	switch {
	case spec.ConsolePort != 0:
		if u.consolePorts.Has(spec.ConsolePort) {
			return res, errors.Errorf("%w: console port %d is in use", vm.ErrConflict, spec.ConsolePort)
		}
		res.ConsolePort = spec.ConsolePort
	case res.ConsolePort == 0:
		port, err := alloc.AllocatePort(u.consolePorts)
		if err != nil {
			return res, err
		}
		res.ConsolePort = port
	}

	switch {
	case spec.GuestAddress != "":
		if u.addresses.Has(spec.GuestAddress) {
			return res, errors.Errorf("%w: guest address %s is in use", vm.ErrConflict, spec.GuestAddress)
		}
		res.GuestAddress = spec.GuestAddress
	case res.GuestAddress == "":
		addr, err := alloc.AllocateGuestAddress(u.addresses)
		if err != nil {
			return res, err
		}
		res.GuestAddress = addr
	}

	return res, nil
}

// stillFree re-checks res against a fresh view.
func stillFree(res vm.Resources, u usage) error {
	if u.consolePorts.Has(res.ConsolePort) || u.addresses.Has(res.GuestAddress) {
		return errAllocationRace
	}
	return nil
}

// saveWithRetry allocates from a snapshot, then writes inside a transaction
// that re-validates the allocation first. A lost race is retried.
func (e *Engine) saveWithRetry(ctx context.Context, vmID string, spec vm.Spec, current vm.Resources, write func(tx store.Repository, res vm.Resources) error) (vm.Resources, error) {
	logger := zerolog.Ctx(ctx)

	for attempt := 1; attempt <= e.opts.AllocationRetries; attempt++ {
		records, err := e.store.ListVMs(ctx)
		if err != nil {
			return current, err
		}
		res, err := resolveResources(spec, current, usageOf(records, vmID))
		if err != nil {
			return current, err
		}

		err = e.store.Atomically(ctx, func(tx store.Repository) error {
			fresh, err := tx.ListVMs(ctx)
			if err != nil {
				return err
			}
			if err := stillFree(res, usageOf(fresh, vmID)); err != nil {
				return err
			}
			return write(tx, res)
		})
		if errors.Is(err, errAllocationRace) {
			logger.Debug().Int("attempt", attempt).Msg("allocation collided, retrying")
			continue
		}
		if err != nil {
			return current, err
		}
		return res, nil
	}

	return current, errors.Errorf("%w: allocation for %s kept colliding after %d attempts", vm.ErrResourceExhausted, vmID, e.opts.AllocationRetries)
}

// claimDisks gives vmID ownership of every disk in names, registering disks
// that have no record yet.
func (e *Engine) claimDisks(ctx context.Context, tx store.Repository, vmID string, names []string, t *transcript) error {
	for _, name := range names {
		d, err := tx.GetDisk(ctx, name)
		switch {
		case errors.Is(err, vm.ErrNotFound):
			if err := tx.InsertDisk(ctx, &vm.Disk{Name: name, Size: e.opts.DefaultDiskSize, Owner: vmID}); err != nil {
				return err
			}
			t.line("Disk '%s' registered (%s)", name, e.opts.DefaultDiskSize)
		case err != nil:
			return err
		case d.Owner != "" && d.Owner != vmID:
			return errors.Errorf("%w: disk %q is owned by VM %q", vm.ErrConflict, name, d.Owner)
		default:
			if err := tx.SetDiskOwner(ctx, name, vmID); err != nil {
				return err
			}
		}
		t.line("Disk '%s' assigned to VM '%s'", name, vmID)
	}
	return nil
}

func validateConfigRequest(req ConfigRequest) error {
	if _, err := vm.SanitizeName(req.ID); err != nil {
		return err
	}
	if err := vm.ValidateSpec(req.Config); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, name := range req.Config.DiskNames() {
		if seen[name] {
			return errors.Errorf("%w: disk %q listed twice", vm.ErrConfiguration, name)
		}
		seen[name] = true
	}
	return nil
}

// Create stores a new VM, allocating its console port and guest address and
// claiming its disks.
func (e *Engine) Create(ctx context.Context, req ConfigRequest) (string, error) {
	return e.run(ctx, "create", req.ID, func(ctx context.Context) (string, error) {
		if err := validateConfigRequest(req); err != nil {
			return "", err
		}
		if _, err := e.store.GetVM(ctx, req.ID); err == nil {
			return "", errors.Errorf("%w: VM %q already exists", vm.ErrConflict, req.ID)
		} else if !errors.Is(err, vm.ErrNotFound) {
			return "", err
		}

		var t transcript
		res, err := e.saveWithRetry(ctx, req.ID, req.Config, vm.Resources{}, func(tx store.Repository, res vm.Resources) error {
			t = transcript{}
			if err := e.claimDisks(ctx, tx, req.ID, req.Config.DiskNames(), &t); err != nil {
				return err
			}
			return tx.InsertVM(ctx, &vm.Record{
				ID:        req.ID,
				Config:    vm.Config{Spec: req.Config, Resources: res},
				Status:    vm.StatusStopped,
				CreatedAt: e.opts.Now().UTC(),
			})
		})
		if err != nil {
			return "", err
		}

		t.line("Console port: %d", res.ConsolePort)
		t.line("Guest address: %s", res.GuestAddress)
		t.line("VM '%s' created successfully", req.ID)
		return t.String(), nil
	})
}

// Update replaces the spec of an existing VM. Allocations it already holds
// are kept unless the new spec names different ones; disk ownership follows
// the new disk list.
func (e *Engine) Update(ctx context.Context, req ConfigRequest) (string, error) {
	return e.run(ctx, "update", req.ID, func(ctx context.Context) (string, error) {
		if err := validateConfigRequest(req); err != nil {
			return "", err
		}
		rec, err := e.store.GetVM(ctx, req.ID)
		if err != nil {
			return "", err
		}

		wanted := map[string]bool{}
		for _, name := range req.Config.DiskNames() {
			wanted[name] = true
		}

		var t transcript
		res, err := e.saveWithRetry(ctx, req.ID, req.Config, rec.Config.Resources, func(tx store.Repository, res vm.Resources) error {
			t = transcript{}
			for _, name := range rec.Config.Spec.DiskNames() {
				if wanted[name] {
					continue
				}
				if err := tx.SetDiskOwner(ctx, name, ""); err != nil && !errors.Is(err, vm.ErrNotFound) {
					return err
				}
				t.line("Disk '%s' released from VM '%s'", name, req.ID)
			}
			if err := e.claimDisks(ctx, tx, req.ID, req.Config.DiskNames(), &t); err != nil {
				return err
			}
			return tx.UpdateVM(ctx, req.ID, vm.Config{Spec: req.Config, Resources: res})
		})
		if err != nil {
			return "", err
		}

		changes, err := diff.ConfigDiff(rec.Config, vm.Config{Spec: req.Config, Resources: res})
		if err != nil {
			t.warn(ctx, "rendering config diff", err)
		} else if changes == "" {
			t.line("No configuration changes")
		} else {
			t.raw(changes)
			t.line("%s", diff.Summary(changes))
		}
		if rec.Status == vm.StatusRunning {
			t.line("VM '%s' is running; changes apply on next start", req.ID)
		}
		t.line("VM '%s' updated successfully", req.ID)
		return t.String(), nil
	})
}
