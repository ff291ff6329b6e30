// Package seed renders NoCloud cloud-init data and packs it into an ISO
// labelled cidata.
package seed

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/walteh/vmcontrol/pkg/qemu"
	"github.com/walteh/vmcontrol/pkg/vm"
)

const VolumeLabel = "cidata"

var DefaultSeed = vm.Seed{
	InstanceID:     "i-0000000000000001",
	AMIID:          "ami-00000001",
	HostnamePrefix: "vm",
	RootPassword:   "changeme",
}

type Options struct {
	// Dir holds the generated ISOs and their staging directories.
	Dir string
	// ISOTool is mkisofs, genisoimage, xorrisofs or hdiutil.
	ISOTool  string
	Defaults vm.Seed
	Runner   qemu.Runner
}

type Provisioner struct {
	opts Options
}

func New(opts Options) *Provisioner {
	if opts.ISOTool == "" {
		opts.ISOTool = "mkisofs"
	}
	if opts.Runner == nil {
		opts.Runner = qemu.ExecRunner{}
	}
	opts.Defaults = opts.Defaults.Merge(DefaultSeed)
	return &Provisioner{opts: opts}
}

// ImagePath is where the seed ISO of vmID is written.
func (p *Provisioner) ImagePath(vmID string) string {
	return filepath.Join(p.opts.Dir, "seed_"+vmID+".iso")
}

// Generate writes a fresh seed ISO for vmID and returns its path.
func (p *Provisioner) Generate(ctx context.Context, vmID string, overrides *vm.Seed, guestAddress string) (string, error) {
	logger := zerolog.Ctx(ctx).With().Str("vm", vmID).Logger()

	if _, err := vm.SanitizeName(vmID); err != nil {
		return "", err
	}

	s := p.opts.Defaults
	if overrides != nil {
		s = overrides.Merge(p.opts.Defaults)
	}

	meta, err := RenderMetaData(vmID, s, guestAddress)
	if err != nil {
		return "", err
	}
	user, err := RenderUserData(s)
	if err != nil {
		return "", err
	}

	stage := filepath.Join(p.opts.Dir, "seed_"+vmID)
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return "", errors.Errorf("creating seed directory: %w", err)
	}
	defer os.RemoveAll(stage)

	metaPath := filepath.Join(stage, "meta-data")
	if err := os.WriteFile(metaPath, meta, 0o644); err != nil {
		return "", errors.Errorf("writing meta-data: %w", err)
	}
	userPath := filepath.Join(stage, "user-data")
	if err := os.WriteFile(userPath, user, 0o644); err != nil {
		return "", errors.Errorf("writing user-data: %w", err)
	}

	iso := p.ImagePath(vmID)
	if err := os.Remove(iso); err != nil && !os.IsNotExist(err) {
		return "", errors.Errorf("removing old seed image: %w", err)
	}

	if _, err := p.opts.Runner.Run(ctx, p.opts.ISOTool, isoArgs(p.opts.ISOTool, iso, stage, metaPath, userPath)...); err != nil {
		return "", errors.Errorf("creating seed ISO: %w", err)
	}

	logger.Debug().Str("iso", iso).Msg("seed image generated")
	return iso, nil
}

func isoArgs(tool, iso, dir string, files ...string) []string {
	if filepath.Base(tool) == "hdiutil" {
		return []string{"makehybrid", "-iso", "-joliet", "-default-volume-name", VolumeLabel, "-o", iso, dir}
	}
	return append([]string{"-output", iso, "-volid", VolumeLabel, "-joliet", "-rock"}, files...)
}

type metaData struct {
	InstanceID    string   `yaml:"instance-id"`
	LocalHostname string   `yaml:"local-hostname"`
	AMIID         string   `yaml:"ami-id"`
	LocalIPv4     string   `yaml:"local-ipv4,omitempty"`
	PublicKeys    []string `yaml:"public-keys,omitempty"`
}

// RenderMetaData produces the NoCloud meta-data document.
func RenderMetaData(vmID string, s vm.Seed, guestAddress string) ([]byte, error) {
	md := metaData{
		InstanceID:    s.InstanceID,
		LocalHostname: s.HostnamePrefix + "-" + vmID,
		AMIID:         s.AMIID,
		LocalIPv4:     guestAddress,
	}
	if md.InstanceID == "" {
		md.InstanceID = InstanceID(vmID)
	}
	if s.SSHPubKey != "" {
		key, err := normalizeKey(s.SSHPubKey)
		if err != nil {
			return nil, err
		}
		md.PublicKeys = []string{key}
	}

	out, err := yaml.Marshal(md)
	if err != nil {
		return nil, errors.Errorf("marshaling meta-data: %w", err)
	}
	return out, nil
}

// InstanceID derives a stable EC2-style id from the VM name.
func InstanceID(vmID string) string {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte("vmcontrol/"+vmID))
	return "i-" + strings.ReplaceAll(id.String(), "-", "")[:16]
}

type cloudUser struct {
	Name         string `yaml:"name"`
	PrimaryGroup string `yaml:"primary_group"`
	Groups       string `yaml:"groups"`
	LockPasswd   bool   `yaml:"lock_passwd"`
	Shell        string `yaml:"shell"`
}

type chpasswd struct {
	List   string `yaml:"list"`
	Expire bool   `yaml:"expire"`
}

type ec2Source struct {
	StrictID bool `yaml:"strict_id"`
	MaxWait  int  `yaml:"max_wait"`
	Timeout  int  `yaml:"timeout"`
}

type cloudConfig struct {
	SSHPwauth         bool                 `yaml:"ssh_pwauth"`
	Users             []cloudUser          `yaml:"users"`
	ResizeRootfs      bool                 `yaml:"resize_rootfs"`
	Chpasswd          chpasswd             `yaml:"chpasswd"`
	SSHAuthorizedKeys []string             `yaml:"ssh_authorized_keys,omitempty"`
	Datasource        map[string]ec2Source `yaml:"datasource"`
	Warnings          map[string]string    `yaml:"warnings"`
}

// RenderUserData produces the #cloud-config user-data document with any
// extra user-data appended verbatim.
func RenderUserData(s vm.Seed) ([]byte, error) {
	cc := cloudConfig{
		SSHPwauth: true,
		Users: []cloudUser{{
			Name:         "root",
			PrimaryGroup: "root",
			Groups:       "root",
			Shell:        "/bin/bash",
		}},
		ResizeRootfs: true,
		Chpasswd: chpasswd{
			List: "root:" + s.RootPassword + "\n",
		},
		Datasource: map[string]ec2Source{
			"Ec2": {MaxWait: 60, Timeout: 30},
		},
		Warnings: map[string]string{"dsid_missing_source": "off"},
	}
	if s.SSHPubKey != "" {
		key, err := normalizeKey(s.SSHPubKey)
		if err != nil {
			return nil, err
		}
		cc.SSHAuthorizedKeys = []string{key}
	}

	body, err := yaml.Marshal(cc)
	if err != nil {
		return nil, errors.Errorf("marshaling user-data: %w", err)
	}

	var b strings.Builder
	b.WriteString("#cloud-config\n")
	b.Write(body)
	if s.UserDataExtra != "" {
		b.WriteString(s.UserDataExtra)
		if !strings.HasSuffix(s.UserDataExtra, "\n") {
			b.WriteString("\n")
		}
	}
	return []byte(b.String()), nil
}

func normalizeKey(raw string) (string, error) {
	key, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(raw))
	if err != nil {
		return "", errors.Errorf("%w: invalid ssh public key: %w", vm.ErrConfiguration, err)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
	if comment != "" {
		line += " " + comment
	}
	return line, nil
}
