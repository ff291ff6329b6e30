// Package app assembles an engine from a loaded configuration.
package app

import (
	"context"
	"io"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/config"
	"github.com/walteh/vmcontrol/pkg/engine"
	"github.com/walteh/vmcontrol/pkg/monitor"
	"github.com/walteh/vmcontrol/pkg/qemu"
	"github.com/walteh/vmcontrol/pkg/seed"
	"github.com/walteh/vmcontrol/pkg/store"
	"github.com/walteh/vmcontrol/pkg/supervisor"
	"github.com/walteh/vmcontrol/pkg/telemetry"
)

type App struct {
	Config *config.Config
	Engine *engine.Engine

	db        *store.DB
	telemetry *telemetry.Telemetry
}

// New creates the state directories, opens the store and wires every
// collaborator of the engine. Metrics and traces go to metricsOut when
// cfg.Metrics is set.
func New(ctx context.Context, cfg *config.Config, metricsOut io.Writer) (*App, error) {
	logger := zerolog.Ctx(ctx)

	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg}

	if cfg.Metrics {
		tel, err := telemetry.Initialize(metricsOut)
		if err != nil {
			return nil, err
		}
		a.telemetry = tel
	}

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.db = db

	platform, err := qemu.SelectPlatform(cfg.Transport, cfg.RunPath)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	imager := &qemu.QemuImg{Path: cfg.QemuImgPath}

	opts := qemu.Options{
		Machine:         cfg.Machine,
		Accel:           cfg.Accel,
		Firmware:        cfg.Firmware,
		DiskDir:         cfg.DiskPath,
		DefaultDiskSize: cfg.DefaultDiskSize,
		Websockify:      cfg.Websockify,
	}
	if cfg.QemuPath != "" {
		opts.Binaries = map[qemu.Arch]string{qemu.HostArch(): cfg.QemuPath}
	}
	builder := qemu.NewBuilder(opts, platform, imager)

	mon := monitor.NewClient(platform, monitor.Options{
		DialTimeout: cfg.Monitor.DialTimeout,
		Settle:      cfg.Monitor.Settle,
		ReadTimeout: cfg.Monitor.ReadTimeout,
	})

	provisioner := seed.New(seed.Options{
		Dir:      cfg.SeedPath,
		ISOTool:  cfg.ISOTool,
		Defaults: cfg.Seed,
	})

	sup := supervisor.New(cfg.Grace, cfg.SpawnWorkers)

	a.Engine = engine.New(ctx, db, builder, imager, sup, mon, provisioner, engine.Options{
		RunPath:           cfg.RunPath,
		ISOPath:           cfg.ISOPath,
		LivePath:          cfg.LivePath,
		GzipPath:          cfg.GzipPath,
		DefaultDiskSize:   cfg.DefaultDiskSize,
		AllocationRetries: cfg.AllocationRetries,
		Grace:             sup.Grace(),
	})

	logger.Debug().
		Str("platform", platform.Name()).
		Str("db", cfg.DBPath).
		Str("run_path", cfg.RunPath).
		Msg("engine ready")

	return a, nil
}

// Close flushes telemetry and closes the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
