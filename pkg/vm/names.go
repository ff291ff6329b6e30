package vm

import (
	"net/netip"
	"regexp"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"gitlab.com/tozd/go/errors"
)

// SanitizeName checks that an untrusted string is safe to use as a path
// component, a socket token and a single command-line value.
func SanitizeName(name string) (string, error) {
	if name == "" {
		return "", errors.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return "", errors.Errorf("%w: name too long (max %d chars)", ErrInvalidName, MaxNameLength)
	}
	if strings.Contains(name, "..") {
		return "", errors.Errorf("%w: name cannot contain '..': %q", ErrInvalidName, name)
	}
	for _, c := range name {
		if !isNameRune(c) {
			return "", errors.Errorf("%w: invalid character %q in %q", ErrInvalidName, c, name)
		}
	}
	return name, nil
}

func isNameRune(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == ':':
		return true
	}
	return false
}

// ValidateIP accepts a dotted-quad IPv4 address.
func ValidateIP(ip string) (string, error) {
	if ip == "" {
		return "", errors.Errorf("%w: IP address cannot be empty", ErrInvalidName)
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return "", errors.Errorf("%w: invalid IP address %q", ErrInvalidName, ip)
	}
	return addr.String(), nil
}

// ValidatePort accepts unprivileged TCP ports.
func ValidatePort(port int) (int, error) {
	if port < 1024 || port > 65535 {
		return 0, errors.Errorf("%w: port %d outside 1024-65535", ErrInvalidName, port)
	}
	return port, nil
}

var diskSizePattern = regexp.MustCompile(`^[0-9]+[GM]$`)

// ValidateDiskSize accepts sizes like "40G" or "512M" and returns the byte count.
func ValidateDiskSize(size string) (uint64, error) {
	if !diskSizePattern.MatchString(size) {
		return 0, errors.Errorf("%w: invalid disk size %q (use format like '40G' or '512M')", ErrConfiguration, size)
	}
	n, err := bytefmt.ToBytes(size)
	if err != nil {
		return 0, errors.Errorf("%w: invalid disk size %q: %w", ErrConfiguration, size, err)
	}
	if n == 0 {
		return 0, errors.Errorf("%w: disk size must be positive", ErrConfiguration)
	}
	return n, nil
}

// ValidateSpec runs the name checks over every user-supplied token in spec.
func ValidateSpec(spec Spec) error {
	for _, d := range spec.Disks {
		if _, err := SanitizeName(d.Name); err != nil {
			return errors.Errorf("disk %d: %w", d.ID, err)
		}
	}
	for _, n := range spec.Nics {
		if _, err := SanitizeName(n.MAC); err != nil {
			return errors.Errorf("network adapter %d: %w", n.ID, err)
		}
	}
	if spec.GuestAddress != "" {
		if _, err := ValidateIP(spec.GuestAddress); err != nil {
			return err
		}
	}
	if spec.ConsolePort != 0 {
		if _, err := ValidatePort(spec.ConsolePort); err != nil {
			return err
		}
	}
	if spec.Memory.SizeMB < 0 {
		return errors.Errorf("%w: memory size must not be negative", ErrConfiguration)
	}
	return nil
}
