// Package config loads host settings from defaults, an optional YAML file,
// VMCONTROL_* environment variables and bound command-line flags.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/qemu"
	"github.com/walteh/vmcontrol/pkg/vm"
)

const EnvPrefix = "VMCONTROL"

type Monitor struct {
	DialTimeout time.Duration
	Settle      time.Duration
	ReadTimeout time.Duration
}

type Config struct {
	QemuPath    string
	QemuImgPath string
	GzipPath    string
	ISOTool     string
	Websockify  string

	RunPath  string
	DiskPath string
	ISOPath  string
	LivePath string
	SeedPath string
	DBPath   string

	Machine   string
	Accel     string
	Firmware  map[qemu.Arch]string
	Transport string

	Grace             time.Duration
	Monitor           Monitor
	SpawnWorkers      int
	AllocationRetries int
	DefaultDiskSize   string

	LogLevel string
	Metrics  bool
	HTTPAddr string

	Seed vm.Seed
}

// New returns a viper instance with every default registered.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("qemu_path", "")
	v.SetDefault("qemu_img_path", "qemu-img")
	v.SetDefault("gzip_path", "gzip")
	v.SetDefault("iso_tool", "mkisofs")
	v.SetDefault("websockify_path", "websockify")
	v.SetDefault("run_path", "/tmp/vmcontrol")
	v.SetDefault("disk_path", "")
	v.SetDefault("iso_path", "")
	v.SetDefault("live_path", "")
	v.SetDefault("seed_path", "")
	v.SetDefault("db_path", "")
	v.SetDefault("machine", "")
	v.SetDefault("accel", "")
	v.SetDefault("firmware.x86_64", "")
	v.SetDefault("firmware.aarch64", "")
	v.SetDefault("transport", qemu.TransportAuto)
	v.SetDefault("grace", 2*time.Second)
	v.SetDefault("monitor.dial_timeout", 2*time.Second)
	v.SetDefault("monitor.settle", 500*time.Millisecond)
	v.SetDefault("monitor.read_timeout", 2*time.Second)
	v.SetDefault("spawn_workers", 4)
	v.SetDefault("allocation_retries", 5)
	v.SetDefault("default_disk_size", qemu.DefaultDiskSize)
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics", false)
	v.SetDefault("http_addr", ":8250")
	v.SetDefault("seed.instance_id", "")
	v.SetDefault("seed.ami_id", "")
	v.SetDefault("seed.hostname_prefix", "")
	v.SetDefault("seed.ssh_pubkey", "")
	v.SetDefault("seed.root_password", "")
	v.SetDefault("seed.userdata_extra", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads file when given, then resolves the settings held by v.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Errorf("reading config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		QemuPath:    v.GetString("qemu_path"),
		QemuImgPath: v.GetString("qemu_img_path"),
		GzipPath:    v.GetString("gzip_path"),
		ISOTool:     v.GetString("iso_tool"),
		Websockify:  v.GetString("websockify_path"),
		RunPath:     v.GetString("run_path"),
		DiskPath:    v.GetString("disk_path"),
		ISOPath:     v.GetString("iso_path"),
		LivePath:    v.GetString("live_path"),
		SeedPath:    v.GetString("seed_path"),
		DBPath:      v.GetString("db_path"),
		Machine:     v.GetString("machine"),
		Accel:       v.GetString("accel"),
		Transport:   v.GetString("transport"),
		Grace:       v.GetDuration("grace"),
		Monitor: Monitor{
			DialTimeout: v.GetDuration("monitor.dial_timeout"),
			Settle:      v.GetDuration("monitor.settle"),
			ReadTimeout: v.GetDuration("monitor.read_timeout"),
		},
		SpawnWorkers:      v.GetInt("spawn_workers"),
		AllocationRetries: v.GetInt("allocation_retries"),
		DefaultDiskSize:   v.GetString("default_disk_size"),
		LogLevel:          v.GetString("log_level"),
		Metrics:           v.GetBool("metrics"),
		HTTPAddr:          v.GetString("http_addr"),
		Seed: vm.Seed{
			InstanceID:     v.GetString("seed.instance_id"),
			AMIID:          v.GetString("seed.ami_id"),
			HostnamePrefix: v.GetString("seed.hostname_prefix"),
			SSHPubKey:      v.GetString("seed.ssh_pubkey"),
			RootPassword:   v.GetString("seed.root_password"),
			UserDataExtra:  v.GetString("seed.userdata_extra"),
		},
	}

	cfg.Firmware = qemu.DefaultFirmware()
	if fw := v.GetString("firmware.x86_64"); fw != "" {
		cfg.Firmware[qemu.ArchX86_64] = fw
	}
	if fw := v.GetString("firmware.aarch64"); fw != "" {
		cfg.Firmware[qemu.ArchAArch64] = fw
	}

	cfg.derivePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) derivePaths() {
	under := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(c.RunPath, name)
		}
	}
	under(&c.DiskPath, "disks")
	under(&c.ISOPath, "iso")
	under(&c.LivePath, "backups")
	under(&c.SeedPath, "seed")
	under(&c.DBPath, "vmcontrol.db")
}

func (c *Config) Validate() error {
	if c.RunPath == "" {
		return errors.Errorf("%w: run_path must be set", vm.ErrConfiguration)
	}
	switch c.Transport {
	case qemu.TransportAuto, qemu.TransportUnix, qemu.TransportTCP:
	default:
		return errors.Errorf("%w: invalid transport %q (valid: auto, unix, tcp)", vm.ErrConfiguration, c.Transport)
	}
	if _, err := vm.ValidateDiskSize(c.DefaultDiskSize); err != nil {
		return errors.Errorf("default_disk_size: %w", err)
	}
	if c.Grace <= 0 {
		return errors.Errorf("%w: grace must be positive", vm.ErrConfiguration)
	}
	if c.SpawnWorkers < 1 {
		return errors.Errorf("%w: spawn_workers must be at least 1", vm.ErrConfiguration)
	}
	if c.AllocationRetries < 1 {
		return errors.Errorf("%w: allocation_retries must be at least 1", vm.ErrConfiguration)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errors.Errorf("%w: invalid log level %q", vm.ErrConfiguration, c.LogLevel)
	}
	return nil
}

// Level returns the parsed log level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// EnsureDirs creates every directory the engine writes into.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.RunPath, c.DiskPath, c.ISOPath, c.LivePath, c.SeedPath, filepath.Join(c.RunPath, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
