package vm_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/vm"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "simple", input: "web-01"},
		{name: "mac address", input: "52:54:00:12:34:56"},
		{name: "dots and underscores", input: "disk_a.v2"},
		{name: "empty", input: "", wantErr: true},
		{name: "parent traversal", input: "a..b", wantErr: true},
		{name: "path separator", input: "a/b", wantErr: true},
		{name: "space", input: "a b", wantErr: true},
		{name: "shell metachar", input: "a;rm", wantErr: true},
		{name: "non ascii", input: "vmé", wantErr: true},
		{name: "max length", input: strings.Repeat("a", vm.MaxNameLength)},
		{name: "too long", input: strings.Repeat("a", vm.MaxNameLength+1), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := vm.SanitizeName(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, vm.ErrInvalidName))
				assert.Equal(t, "invalid_name", vm.Kind(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, got)
		})
	}
}

func TestValidateIP(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{input: "10.0.1.10"},
		{input: "192.168.122.1"},
		{input: "", wantErr: true},
		{input: "10.0.1", wantErr: true},
		{input: "10.0.1.256", wantErr: true},
		{input: "::1", wantErr: true},
		{input: "10.0.1.1:4444", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := vm.ValidateIP(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, vm.ErrInvalidName)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateDiskSize(t *testing.T) {
	n, err := vm.ValidateDiskSize("40G")
	require.NoError(t, err)
	assert.Equal(t, uint64(40*1024*1024*1024), n)

	n, err = vm.ValidateDiskSize("512M")
	require.NoError(t, err)
	assert.Equal(t, uint64(512*1024*1024), n)

	for _, bad := range []string{"", "G", "10", "10T", "-1G", "1.5G", "0G"} {
		_, err := vm.ValidateDiskSize(bad)
		assert.ErrorIs(t, err, vm.ErrConfiguration, bad)
	}
}

func TestValidateSpec(t *testing.T) {
	spec := vm.Spec{
		Disks: []vm.DiskSpec{{ID: 0, Name: "root"}},
		Nics:  []vm.NicSpec{{ID: 0, MAC: "52:54:00:00:00:01"}},
	}
	require.NoError(t, vm.ValidateSpec(spec))

	spec.Disks = append(spec.Disks, vm.DiskSpec{ID: 1, Name: "../etc/passwd"})
	assert.ErrorIs(t, vm.ValidateSpec(spec), vm.ErrInvalidName)

	spec.Disks = spec.Disks[:1]
	spec.ConsolePort = 80
	assert.ErrorIs(t, vm.ValidateSpec(spec), vm.ErrInvalidName)
}

func TestCPUTotal(t *testing.T) {
	assert.Equal(t, 8, vm.CPU{Sockets: 2, Cores: 4, Threads: 1}.Total())
	assert.Equal(t, 1, vm.CPU{}.Total())
	assert.Equal(t, 12, vm.CPU{Sockets: 1, Cores: 6, Threads: 2}.Total())
}

func TestKind(t *testing.T) {
	err := errors.Errorf("starting VM: %w", errors.Errorf("%w: no free port", vm.ErrResourceExhausted))
	assert.Equal(t, "resource_exhausted", vm.Kind(err))
	assert.Equal(t, "internal", vm.Kind(errors.New("boom")))
	assert.Equal(t, "", vm.Kind(nil))
	assert.True(t, vm.IsValidation(errors.Errorf("%w: x", vm.ErrNotFound)))
	assert.False(t, vm.IsValidation(errors.Errorf("%w: x", vm.ErrSpawn)))
}
