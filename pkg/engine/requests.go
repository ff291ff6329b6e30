package engine

import (
	"github.com/walteh/vmcontrol/pkg/monitor"
	"github.com/walteh/vmcontrol/pkg/vm"
)

// ConfigRequest creates or replaces the configuration of a VM.
type ConfigRequest struct {
	ID     string  `json:"smac" jsonschema:"required,description=VM identifier"`
	Config vm.Spec `json:"config" jsonschema:"required,description=declarative hardware description"`
}

// VMRequest names a VM.
type VMRequest struct {
	ID string `json:"smac" jsonschema:"required,description=VM identifier"`
}

// MediaRequest names removable media in the ISO directory.
type MediaRequest struct {
	ID      string `json:"smac" jsonschema:"required,description=VM identifier"`
	ISOName string `json:"isoname" jsonschema:"required,description=file name inside the ISO directory"`
}

// MigrateRequest names the host receiving a live migration.
type MigrateRequest struct {
	ID     string `json:"smac" jsonschema:"required,description=VM identifier"`
	Target string `json:"to_node_ip" jsonschema:"required,description=IPv4 address of the destination host"`
}

// DeleteRequest removes a VM. Force quits a running hypervisor first.
type DeleteRequest struct {
	ID    string `json:"smac" jsonschema:"required,description=VM identifier"`
	Force bool   `json:"force,omitempty" jsonschema:"description=stop a running VM before deleting it"`
}

// DiskRequest names a disk and, for create and resize, its size.
type DiskRequest struct {
	Name string `json:"name" jsonschema:"required,description=disk name without extension"`
	Size string `json:"size,omitempty" jsonschema:"description=size such as 40G or 512M"`
}

// Inspection is a stored record plus what the hypervisor reports live.
type Inspection struct {
	Record    *vm.Record          `json:"record"`
	Live      *monitor.LiveStatus `json:"live,omitempty"`
	LiveError string              `json:"live_error,omitempty"`
}
