package app_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walteh/vmcontrol/pkg/app"
	"github.com/walteh/vmcontrol/pkg/config"
	"github.com/walteh/vmcontrol/pkg/engine"
	"github.com/walteh/vmcontrol/pkg/vm"
)

func TestNewWiresEngine(t *testing.T) {
	run := filepath.Join(t.TempDir(), "run")
	v := config.New()
	v.Set("run_path", run)
	v.Set("transport", "unix")
	v.Set("metrics", true)

	cfg, err := config.Load(v, "")
	require.NoError(t, err)

	var metrics bytes.Buffer
	a, err := app.New(t.Context(), cfg, &metrics)
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(run, "disks"))
	assert.DirExists(t, filepath.Join(run, "logs"))
	assert.FileExists(t, filepath.Join(run, "vmcontrol.db"))

	out, err := a.Engine.Create(t.Context(), engine.ConfigRequest{ID: "web", Config: vm.Spec{}})
	require.NoError(t, err)
	assert.Contains(t, out, "VM 'web' created successfully")

	records, err := a.Engine.List(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, a.Close(t.Context()))
	assert.Contains(t, metrics.String(), "vmcontrol.operations")
}
