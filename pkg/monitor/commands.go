package monitor

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/walteh/vmcontrol/pkg/vm"
)

const (
	CmdQuit      = "quit"
	CmdReset     = "system_reset"
	CmdPowerdown = "system_powerdown"

	// BackupTimeLayout gives backups one-second resolution.
	BackupTimeLayout = "20060102_150405"
)

// Change swaps the backing file of a removable drive.
func Change(device, isoDir, media string) (string, error) {
	name, err := vm.SanitizeName(media)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("change %s %s", device, filepath.Join(isoDir, name)), nil
}

// Eject empties a removable drive.
func Eject(device string) string {
	return "eject " + device
}

// Migrate starts a detached live migration to target.
func Migrate(target string) (string, error) {
	ip, err := vm.ValidateIP(target)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("migrate -d tcp:%s:%d", ip, vm.MigrationPort), nil
}

// BackupFileName is the archive name for a backup of vmID taken at t.
// Two calls inside the same second return the same name.
func BackupFileName(vmID string, t time.Time) string {
	return vmID + "_" + t.Format(BackupTimeLayout) + ".gz"
}

// Backup streams the VM state through gzip into liveDir.
func Backup(gzipPath, liveDir, vmID string, t time.Time) (cmd string, path string, err error) {
	if _, err := vm.SanitizeName(vmID); err != nil {
		return "", "", err
	}
	path = filepath.Join(liveDir, BackupFileName(vmID, t))
	return fmt.Sprintf(`migrate -d "exec:%s -c > %s"`, gzipPath, path), path, nil
}
