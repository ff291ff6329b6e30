package vm

import (
	"encoding/json"
	"time"

	"gitlab.com/tozd/go/errors"
)

// CPU is the requested virtual CPU topology.
type CPU struct {
	Sockets int `json:"sockets"`
	Cores   int `json:"cores"`
	Threads int `json:"threads"`
}

// Total returns sockets*cores*threads, treating unset values as 1.
func (c CPU) Total() int {
	return atLeastOne(c.Sockets) * atLeastOne(c.Cores) * atLeastOne(c.Threads)
}

// Normalized returns the topology with unset values replaced by 1.
func (c CPU) Normalized() CPU {
	return CPU{
		Sockets: atLeastOne(c.Sockets),
		Cores:   atLeastOne(c.Cores),
		Threads: atLeastOne(c.Threads),
	}
}

func atLeastOne(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

// Memory is the guest memory size in megabytes.
type Memory struct {
	SizeMB int `json:"size"`
}

// Features holds guest-level switches.
type Features struct {
	IsWindows bool   `json:"is_windows"`
	Arch      string `json:"arch,omitempty"`
}

// DiskSpec attaches a backing file from the disk directory.
type DiskSpec struct {
	ID                 int    `json:"diskid"`
	Name               string `json:"diskname"`
	IOPSTotal          int    `json:"iops-total,omitempty"`
	IOPSTotalMax       int    `json:"iops-total-max,omitempty"`
	IOPSTotalMaxLength int    `json:"iops-total-max-length,omitempty"`
}

// NicSpec attaches a user-mode network adapter.
type NicSpec struct {
	ID   int    `json:"netid"`
	MAC  string `json:"mac"`
	VLAN int    `json:"vlan,omitempty"`
}

// Seed overrides the cloud-init seed defaults for a single VM.
type Seed struct {
	InstanceID     string `json:"instance_id,omitempty" yaml:"instance_id"`
	AMIID          string `json:"ami_id,omitempty" yaml:"ami_id"`
	HostnamePrefix string `json:"hostname_prefix,omitempty" yaml:"hostname_prefix"`
	SSHPubKey      string `json:"ssh_pubkey,omitempty" yaml:"ssh_pubkey"`
	RootPassword   string `json:"root_password,omitempty" yaml:"root_password"`
	UserDataExtra  string `json:"userdata_extra,omitempty" yaml:"userdata_extra"`
}

// Merge returns s with empty fields filled from defaults.
func (s Seed) Merge(defaults Seed) Seed {
	pick := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	return Seed{
		InstanceID:     pick(s.InstanceID, defaults.InstanceID),
		AMIID:          pick(s.AMIID, defaults.AMIID),
		HostnamePrefix: pick(s.HostnamePrefix, defaults.HostnamePrefix),
		SSHPubKey:      pick(s.SSHPubKey, defaults.SSHPubKey),
		RootPassword:   pick(s.RootPassword, defaults.RootPassword),
		UserDataExtra:  pick(s.UserDataExtra, defaults.UserDataExtra),
	}
}

// Spec is the declarative hardware description submitted by callers.
// ConsolePort and GuestAddress are optional; when set they are validated
// instead of allocated.
type Spec struct {
	CPU          CPU        `json:"cpu"`
	Memory       Memory     `json:"memory"`
	Features     Features   `json:"features"`
	Disks        []DiskSpec `json:"disks,omitempty"`
	Nics         []NicSpec  `json:"network_adapters,omitempty"`
	ConsolePort  int        `json:"vnc_port,omitempty"`
	GuestAddress string     `json:"local_ipv4,omitempty"`
	Seed         *Seed      `json:"mds,omitempty"`
}

// DiskNames returns the non-empty backing names in declaration order.
func (s Spec) DiskNames() []string {
	names := make([]string, 0, len(s.Disks))
	for _, d := range s.Disks {
		if d.Name != "" {
			names = append(names, d.Name)
		}
	}
	return names
}

// Resources are allocated once at configuration-save time. The runtime
// ports are only set while the VM is running on the loopback transport.
type Resources struct {
	ConsolePort  int    `json:"console_port"`
	GuestAddress string `json:"guest_address"`
	DisplayPort  int    `json:"display_port,omitempty"`
	MonitorPort  int    `json:"monitor_port,omitempty"`
	QMPPort      int    `json:"qmp_port,omitempty"`
}

// ClearRuntime drops the per-run port reservations.
func (r Resources) ClearRuntime() Resources {
	r.DisplayPort = 0
	r.MonitorPort = 0
	r.QMPPort = 0
	return r
}

// Config is the persisted blob of a VM record.
type Config struct {
	Spec      Spec      `json:"spec"`
	Resources Resources `json:"resources"`
}

// Marshal encodes the config for storage.
func (c Config) Marshal() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", errors.Errorf("marshaling VM config: %w", err)
	}
	return string(data), nil
}

// MarshalIndent encodes the config for display.
func (c Config) MarshalIndent() (string, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", errors.Errorf("marshaling VM config: %w", err)
	}
	return string(data), nil
}

// ParseConfig decodes a stored config blob.
func ParseConfig(blob string) (Config, error) {
	var c Config
	if blob == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(blob), &c); err != nil {
		return c, errors.Errorf("%w: parsing VM config: %w", ErrConfiguration, err)
	}
	return c, nil
}

// Record is a stored VM.
type Record struct {
	ID        string    `json:"smac"`
	Config    Config    `json:"config"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Disk is a stored backing disk.
type Disk struct {
	Name      string    `json:"name"`
	Size      string    `json:"size"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}
