package store

import (
	"time"

	"github.com/walteh/vmcontrol/pkg/vm"
)

// vmRow is the vms table.
type vmRow struct {
	SMAC string `gorm:"primaryKey;type:text;column:smac"`
	// MAC of the first adapter.
	MAC string `gorm:"type:text;column:mac"`
	// Config is the vm.Config JSON blob.
	Config    string    `gorm:"type:text;not null;column:config"`
	Status    string    `gorm:"type:text;not null;index:idx_vms_status;column:status"`
	CreatedAt time.Time `gorm:"type:datetime;not null;column:created_at"`
}

func (vmRow) TableName() string {
	return "vms"
}

// diskRow is the disks table.
type diskRow struct {
	Name      string    `gorm:"primaryKey;type:text;column:name"`
	Size      string    `gorm:"type:text;not null;column:size"`
	Owner     string    `gorm:"type:text;not null;default:'';index:idx_disks_owner;column:owner"`
	CreatedAt time.Time `gorm:"type:datetime;not null;column:created_at"`
}

func (diskRow) TableName() string {
	return "disks"
}

func toRecord(r vmRow) (*vm.Record, error) {
	cfg, err := vm.ParseConfig(r.Config)
	if err != nil {
		return nil, err
	}
	return &vm.Record{
		ID:        r.SMAC,
		Config:    cfg,
		Status:    vm.Status(r.Status),
		CreatedAt: r.CreatedAt,
	}, nil
}

func fromRecord(rec *vm.Record) (vmRow, error) {
	blob, err := rec.Config.Marshal()
	if err != nil {
		return vmRow{}, err
	}
	status := rec.Status
	if status == "" {
		status = vm.StatusStopped
	}
	row := vmRow{
		SMAC:      rec.ID,
		Config:    blob,
		Status:    string(status),
		CreatedAt: rec.CreatedAt,
	}
	if len(rec.Config.Spec.Nics) > 0 {
		row.MAC = rec.Config.Spec.Nics[0].MAC
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = nowUTC()
	}
	return row, nil
}

func toDisk(r diskRow) *vm.Disk {
	return &vm.Disk{Name: r.Name, Size: r.Size, Owner: r.Owner, CreatedAt: r.CreatedAt}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
