package qemu

import (
	"context"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Runner executes a helper binary to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands directly, never through a shell.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	zerolog.Ctx(ctx).Debug().Str("command", name).Strs("args", args).Msg("running helper")
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, errors.Errorf("%s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return out, nil
}

// DiskImager creates and grows qcow2 backing files.
type DiskImager interface {
	Create(ctx context.Context, path, size string) (string, error)
	Resize(ctx context.Context, path, size string) (string, error)
}

// QemuImg drives the qemu-img binary.
type QemuImg struct {
	Path   string
	Runner Runner
}

func (q *QemuImg) runner() Runner {
	if q.Runner == nil {
		return ExecRunner{}
	}
	return q.Runner
}

func (q *QemuImg) Create(ctx context.Context, path, size string) (string, error) {
	out, err := q.runner().Run(ctx, q.Path, "create", "-f", "qcow2", path, size)
	if err != nil {
		return string(out), errors.Errorf("creating disk %s: %w", path, err)
	}
	return string(out), nil
}

func (q *QemuImg) Resize(ctx context.Context, path, size string) (string, error) {
	out, err := q.runner().Run(ctx, q.Path, "resize", "-f", "qcow2", path, size)
	if err != nil {
		return string(out), errors.Errorf("resizing disk %s: %w", path, err)
	}
	return string(out), nil
}
