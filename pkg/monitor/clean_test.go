package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walteh/vmcontrol/pkg/vm"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "banner and prompt only",
			raw:  "QEMU 8.2.0 monitor - type 'help' for more information\r\n(qemu) ",
			want: "",
		},
		{
			name: "escape sequences around echoed command",
			raw:  "QEMU 8.2.0 monitor - type 'help' for more information\r\n(qemu) i\x1b[K\x1b[Dinfo status\r\nVM status: running\r\n(qemu) ",
			want: "VM status: running",
		},
		{
			name: "interleaved prompts",
			raw:  "(qemu) \r\nline one\r\n\r\n(qemu) info\r\nline two\r\n",
			want: "line one\nline two",
		},
		{
			name: "banner variants",
			raw: "QEMU 9.0.2 monitor - type 'help' for more information\r\n" +
				"QEMU waiting for connection on: disconnected:unix:/run/web.monitor,server=on\r\n" +
				"QEMU emulator version 8.2.0\r\n" +
				"migration status: active\r\n",
			want: "migration status: active",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Clean(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "(qemu)")
			assert.NotContains(t, got, "\r")
			assert.NotContains(t, got, "\x1b")
		})
	}
}

func TestTranscript(t *testing.T) {
	assert.Equal(t, "monitor(web) => quit\nOK\n", Transcript("web", "quit", ""))
	assert.Equal(t, "monitor(web) => info status\nVM status: running\nOK\n", Transcript("web", "info status", "VM status: running"))
}

func TestBackupFileName(t *testing.T) {
	base := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

	a := BackupFileName("web", base.Add(100*time.Millisecond))
	b := BackupFileName("web", base.Add(900*time.Millisecond))
	c := BackupFileName("web", base.Add(time.Second))

	assert.Equal(t, "web_20240309_140507.gz", a)
	assert.Equal(t, a, b, "same second collides")
	assert.NotEqual(t, a, c)
}

func TestCommands(t *testing.T) {
	cmd, err := Change("ide0-cd0", "/var/iso", "ubuntu.iso")
	require.NoError(t, err)
	assert.Equal(t, "change ide0-cd0 /var/iso/ubuntu.iso", cmd)

	_, err = Change("ide0-cd0", "/var/iso", "../etc/passwd")
	assert.ErrorIs(t, err, vm.ErrInvalidName)

	assert.Equal(t, "eject cd0", Eject("cd0"))

	cmd, err = Migrate("10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "migrate -d tcp:10.1.2.3:4444", cmd)

	_, err = Migrate("10.1.2.3 && reboot")
	assert.ErrorIs(t, err, vm.ErrInvalidName)

	cmd, path, err := Backup("/usr/bin/gzip", "/var/live", "web", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "/var/live/web_20240102_030405.gz", path)
	assert.Equal(t, `migrate -d "exec:/usr/bin/gzip -c > /var/live/web_20240102_030405.gz"`, cmd)
}
