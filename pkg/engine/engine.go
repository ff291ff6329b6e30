// Package engine drives the VM lifecycle: it allocates resources, builds and
// supervises hypervisor processes, and runs monitor commands, serializing
// work per VM.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/walteh/vmcontrol/pkg/monitor"
	"github.com/walteh/vmcontrol/pkg/qemu"
	"github.com/walteh/vmcontrol/pkg/store"
	"github.com/walteh/vmcontrol/pkg/supervisor"
	"github.com/walteh/vmcontrol/pkg/vm"
)

// Launcher spawns a hypervisor and confirms it survived startup.
type Launcher interface {
	Launch(ctx context.Context, binary string, args []string, logPath string) (*supervisor.Handle, error)
}

// Monitor runs control commands against a running VM.
type Monitor interface {
	SendCommand(ctx context.Context, vmID, command string) (string, error)
	QueryStatus(ctx context.Context, vmID string) (*monitor.LiveStatus, error)
}

// SeedProvisioner builds the cloud-init seed image for a VM.
type SeedProvisioner interface {
	Generate(ctx context.Context, vmID string, overrides *vm.Seed, guestAddress string) (string, error)
}

type Options struct {
	RunPath  string
	ISOPath  string
	LivePath string
	GzipPath string

	DefaultDiskSize   string
	AllocationRetries int
	// Grace is reported in start transcripts.
	Grace time.Duration

	Now   func() time.Time
	Sleep func(time.Duration)
	// Kill terminates a helper process started in an earlier call.
	Kill func(pid int) error
}

type Engine struct {
	store    store.Repository
	builder  *qemu.Builder
	platform qemu.Platform
	disks    qemu.DiskImager
	launcher Launcher
	monitor  Monitor
	seed     SeedProvisioner
	opts     Options

	locks   *keyedMutex
	metrics *metrics
	tracer  trace.Tracer

	backupMu   sync.Mutex
	lastBackup map[string]time.Time

	startsMu sync.Mutex
	starting map[string]vm.Resources
}

func New(ctx context.Context, repo store.Repository, builder *qemu.Builder, disks qemu.DiskImager, launcher Launcher, mon Monitor, seed SeedProvisioner, opts Options) *Engine {
	if opts.DefaultDiskSize == "" {
		opts.DefaultDiskSize = qemu.DefaultDiskSize
	}
	if opts.AllocationRetries < 1 {
		opts.AllocationRetries = 5
	}
	if opts.Grace <= 0 {
		opts.Grace = supervisor.DefaultGrace
	}
	if opts.GzipPath == "" {
		opts.GzipPath = "gzip"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	if opts.Kill == nil {
		opts.Kill = killProcess
	}
	return &Engine{
		store:      repo,
		builder:    builder,
		platform:   builder.Platform(),
		disks:      disks,
		launcher:   launcher,
		monitor:    mon,
		seed:       seed,
		opts:       opts,
		locks:      newKeyedMutex(),
		metrics:    newMetrics(ctx),
		tracer:     otel.Tracer("vmcontrol/engine"),
		lastBackup: make(map[string]time.Time),
		starting:   make(map[string]vm.Resources),
	}
}

// LogPath is where the hypervisor output of vmID is captured.
func (e *Engine) LogPath(vmID string) string {
	return filepath.Join(e.opts.RunPath, "logs", "qemu_"+vmID+".log")
}

// run wraps one operation with the per-key lock, a span, metrics and a
// logger carrying the operation name.
func (e *Engine) run(ctx context.Context, op, key string, fn func(ctx context.Context) (string, error)) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	logger := zerolog.Ctx(ctx).With().Str("op", op).Str("key", key).Logger()
	ctx = logger.WithContext(ctx)

	if key != "" {
		unlock := e.locks.Lock(key)
		defer unlock()
	}

	start := time.Now()
	out, err := fn(ctx)
	e.metrics.record(ctx, op, err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, vm.Kind(err))
		level := zerolog.WarnLevel
		if vm.IsValidation(err) {
			level = zerolog.DebugLevel
		}
		logger.WithLevel(level).Err(err).Str("kind", vm.Kind(err)).Msg("operation failed")
		return "", err
	}
	logger.Debug().Dur("elapsed", time.Since(start)).Msg("operation finished")
	return out, nil
}

func diskKey(name string) string {
	return "disk:" + name
}

// transcript accumulates the human-readable result of an operation.
type transcript struct {
	b strings.Builder
}

func (t *transcript) line(format string, args ...any) {
	fmt.Fprintf(&t.b, format, args...)
	t.b.WriteString("\n")
}

func (t *transcript) raw(s string) {
	t.b.WriteString(s)
}

// warn records a best-effort failure without failing the operation.
func (t *transcript) warn(ctx context.Context, msg string, err error) {
	zerolog.Ctx(ctx).Warn().Err(err).Msg(msg)
	t.line("WARNING: %s: %v", msg, err)
}

func (t *transcript) String() string {
	return t.b.String()
}
