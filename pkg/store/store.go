// Package store persists VM and disk records in sqlite through gorm.
package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/walteh/vmcontrol/pkg/vm"
)

// Repository is the record store the engine works against.
type Repository interface {
	GetVM(ctx context.Context, id string) (*vm.Record, error)
	ListVMs(ctx context.Context) ([]*vm.Record, error)
	InsertVM(ctx context.Context, rec *vm.Record) error
	UpdateVM(ctx context.Context, id string, cfg vm.Config) error
	SetStatus(ctx context.Context, id string, status vm.Status) error
	DeleteVM(ctx context.Context, id string) error

	GetDisk(ctx context.Context, name string) (*vm.Disk, error)
	ListDisks(ctx context.Context) ([]*vm.Disk, error)
	InsertDisk(ctx context.Context, disk *vm.Disk) error
	UpdateDisk(ctx context.Context, name, size string) error
	// DeleteUnownedDisk removes a disk only if no VM owns it at the moment
	// of the delete.
	DeleteUnownedDisk(ctx context.Context, name string) error
	SetDiskOwner(ctx context.Context, name, owner string) error
	ClearOwnerByVM(ctx context.Context, vmID string) (int64, error)

	// Atomically runs fn inside one transaction; fn must only use the
	// repository it is handed.
	Atomically(ctx context.Context, fn func(tx Repository) error) error
}

type DB struct {
	db *gorm.DB
}

var _ Repository = (*DB)(nil)

// Open creates or migrates the database at path.
func Open(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Errorf("creating database directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, errors.Errorf("opening database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, errors.Errorf("getting database handle: %w", err)
	}
	// one writer at a time keeps allocation checks and inserts serialized
	sqlDB.SetMaxOpenConns(1)

	if err := gdb.WithContext(ctx).AutoMigrate(&vmRow{}, &diskRow{}); err != nil {
		return nil, errors.Errorf("migrating database: %w", err)
	}

	zerolog.Ctx(ctx).Debug().Str("path", path).Msg("record store opened")
	return &DB{db: gdb}, nil
}

func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return errors.Errorf("getting database handle: %w", err)
	}
	return sqlDB.Close()
}

func (d *DB) Atomically(ctx context.Context, fn func(tx Repository) error) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&DB{db: tx})
	})
}

func (d *DB) GetVM(ctx context.Context, id string) (*vm.Record, error) {
	var row vmRow
	if err := d.db.WithContext(ctx).First(&row, "smac = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Errorf("%w: VM %q", vm.ErrNotFound, id)
		}
		return nil, errors.Errorf("getting VM: %w", err)
	}
	return toRecord(row)
}

func (d *DB) ListVMs(ctx context.Context) ([]*vm.Record, error) {
	var rows []vmRow
	if err := d.db.WithContext(ctx).Order("created_at, smac").Find(&rows).Error; err != nil {
		return nil, errors.Errorf("listing VMs: %w", err)
	}
	out := make([]*vm.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := toRecord(r)
		if err != nil {
			return nil, errors.Errorf("VM %q: %w", r.SMAC, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (d *DB) InsertVM(ctx context.Context, rec *vm.Record) error {
	row, err := fromRecord(rec)
	if err != nil {
		return err
	}
	var count int64
	if err := d.db.WithContext(ctx).Model(&vmRow{}).Where("smac = ?", rec.ID).Count(&count).Error; err != nil {
		return errors.Errorf("checking VM: %w", err)
	}
	if count > 0 {
		return errors.Errorf("%w: VM %q already exists", vm.ErrConflict, rec.ID)
	}
	if err := d.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Errorf("inserting VM: %w", err)
	}
	return nil
}

func (d *DB) UpdateVM(ctx context.Context, id string, cfg vm.Config) error {
	row, err := fromRecord(&vm.Record{ID: id, Config: cfg})
	if err != nil {
		return err
	}
	res := d.db.WithContext(ctx).Model(&vmRow{}).Where("smac = ?", id).
		Updates(map[string]any{"config": row.Config, "mac": row.MAC})
	return affected(res, "updating VM", "VM", id)
}

func (d *DB) SetStatus(ctx context.Context, id string, status vm.Status) error {
	res := d.db.WithContext(ctx).Model(&vmRow{}).Where("smac = ?", id).Update("status", string(status))
	return affected(res, "setting VM status", "VM", id)
}

func (d *DB) DeleteVM(ctx context.Context, id string) error {
	res := d.db.WithContext(ctx).Where("smac = ?", id).Delete(&vmRow{})
	return affected(res, "deleting VM", "VM", id)
}

func (d *DB) GetDisk(ctx context.Context, name string) (*vm.Disk, error) {
	var row diskRow
	if err := d.db.WithContext(ctx).First(&row, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Errorf("%w: disk %q", vm.ErrNotFound, name)
		}
		return nil, errors.Errorf("getting disk: %w", err)
	}
	return toDisk(row), nil
}

func (d *DB) ListDisks(ctx context.Context) ([]*vm.Disk, error) {
	var rows []diskRow
	if err := d.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, errors.Errorf("listing disks: %w", err)
	}
	out := make([]*vm.Disk, 0, len(rows))
	for _, r := range rows {
		out = append(out, toDisk(r))
	}
	return out, nil
}

func (d *DB) InsertDisk(ctx context.Context, disk *vm.Disk) error {
	var count int64
	if err := d.db.WithContext(ctx).Model(&diskRow{}).Where("name = ?", disk.Name).Count(&count).Error; err != nil {
		return errors.Errorf("checking disk: %w", err)
	}
	if count > 0 {
		return errors.Errorf("%w: disk %q already exists", vm.ErrConflict, disk.Name)
	}
	row := diskRow{Name: disk.Name, Size: disk.Size, Owner: disk.Owner, CreatedAt: disk.CreatedAt}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = nowUTC()
	}
	if err := d.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Errorf("inserting disk: %w", err)
	}
	return nil
}

func (d *DB) UpdateDisk(ctx context.Context, name, size string) error {
	res := d.db.WithContext(ctx).Model(&diskRow{}).Where("name = ?", name).Update("size", size)
	return affected(res, "updating disk", "disk", name)
}

func (d *DB) DeleteUnownedDisk(ctx context.Context, name string) error {
	res := d.db.WithContext(ctx).Where("name = ? AND owner = ''", name).Delete(&diskRow{})
	if res.Error != nil {
		return errors.Errorf("deleting disk: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	disk, err := d.GetDisk(ctx, name)
	if err != nil {
		return err
	}
	return errors.Errorf("%w: disk %q is owned by VM %q", vm.ErrConflict, name, disk.Owner)
}

func (d *DB) SetDiskOwner(ctx context.Context, name, owner string) error {
	res := d.db.WithContext(ctx).Model(&diskRow{}).Where("name = ?", name).Update("owner", owner)
	return affected(res, "setting disk owner", "disk", name)
}

// ClearOwnerByVM releases every disk owned by vmID and returns how many.
func (d *DB) ClearOwnerByVM(ctx context.Context, vmID string) (int64, error) {
	res := d.db.WithContext(ctx).Model(&diskRow{}).Where("owner = ?", vmID).Update("owner", "")
	if res.Error != nil {
		return 0, errors.Errorf("clearing disk owners: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func affected(res *gorm.DB, op, kind, key string) error {
	if res.Error != nil {
		return errors.Errorf("%s: %w", op, res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.Errorf("%w: %s %q", vm.ErrNotFound, kind, key)
	}
	return nil
}
