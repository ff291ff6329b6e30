package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walteh/vmcontrol/pkg/monitor"
	"github.com/walteh/vmcontrol/pkg/qemu"
	"github.com/walteh/vmcontrol/pkg/store"
	"github.com/walteh/vmcontrol/pkg/supervisor"
	"github.com/walteh/vmcontrol/pkg/vm"
)

type fakeImager struct {
	mu      sync.Mutex
	created []string
	resized []string
}

func (f *fakeImager) Create(_ context.Context, path, size string) (string, error) {
	f.mu.Lock()
	f.created = append(f.created, filepath.Base(path)+"@"+size)
	f.mu.Unlock()
	return "", os.WriteFile(path, []byte("qcow2"), 0o644)
}

func (f *fakeImager) Resize(_ context.Context, path, size string) (string, error) {
	f.mu.Lock()
	f.resized = append(f.resized, filepath.Base(path)+"@"+size)
	f.mu.Unlock()
	return "Image resized.", nil
}

type fakeLauncher struct {
	err      error
	launches int
	binary   string
	args     []string
	// onLaunch runs while the launch is in flight.
	onLaunch func()
}

func (f *fakeLauncher) Launch(_ context.Context, binary string, args []string, logPath string) (*supervisor.Handle, error) {
	f.launches++
	f.binary = binary
	f.args = args
	if hook := f.onLaunch; hook != nil {
		f.onLaunch = nil
		hook()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &supervisor.Handle{PID: 4242, LogPath: logPath}, nil
}

type fakeMonitor struct {
	mu       sync.Mutex
	commands []string
	out      string
	err      error
	live     *monitor.LiveStatus
	liveErr  error
}

func (f *fakeMonitor) SendCommand(_ context.Context, vmID, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, vmID+": "+command)
	return f.out, f.err
}

func (f *fakeMonitor) QueryStatus(context.Context, string) (*monitor.LiveStatus, error) {
	return f.live, f.liveErr
}

type fakeSeed struct {
	err   error
	calls int
}

func (f *fakeSeed) Generate(_ context.Context, vmID string, _ *vm.Seed, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "/seed/seed_" + vmID + ".iso", nil
}

type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
}

type harness struct {
	engine   *Engine
	db       *store.DB
	imager   *fakeImager
	launcher *fakeLauncher
	monitor  *fakeMonitor
	seed     *fakeSeed
	clock    *fakeClock
	diskDir  string
	isoDir   string
	liveDir  string
	runDir   string
	killed   []int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(t.Context(), filepath.Join(dir, "vmcontrol.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		db:       db,
		imager:   &fakeImager{},
		launcher: &fakeLauncher{},
		monitor:  &fakeMonitor{},
		seed:     &fakeSeed{},
		clock:    &fakeClock{now: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)},
		diskDir:  filepath.Join(dir, "disks"),
		isoDir:   filepath.Join(dir, "iso"),
		liveDir:  filepath.Join(dir, "live"),
		runDir:   filepath.Join(dir, "run"),
	}
	require.NoError(t, os.MkdirAll(h.diskDir, 0o755))
	require.NoError(t, os.MkdirAll(h.isoDir, 0o755))

	builder := qemu.NewBuilder(qemu.Options{
		HostArch:        qemu.ArchX86_64,
		Machine:         "q35",
		Accel:           "tcg",
		Firmware:        map[qemu.Arch]string{},
		DiskDir:         h.diskDir,
		DefaultDiskSize: "10G",
	}, &qemu.UnixSockets{RunDir: h.runDir}, h.imager)

	h.engine = New(t.Context(), db, builder, h.imager, h.launcher, h.monitor, h.seed, h.options())
	return h
}

func (h *harness) options() Options {
	return Options{
		RunPath:  h.runDir,
		ISOPath:  h.isoDir,
		LivePath: h.liveDir,
		GzipPath: "/usr/bin/gzip",
		Grace:    2 * time.Second,
		Now:      h.clock.Now,
		Sleep:    h.clock.Sleep,
		Kill: func(pid int) error {
			h.killed = append(h.killed, pid)
			return nil
		},
	}
}

func sampleSpec(disks ...string) vm.Spec {
	spec := vm.Spec{
		CPU:    vm.CPU{Sockets: 1, Cores: 2, Threads: 1},
		Memory: vm.Memory{SizeMB: 2048},
		Nics:   []vm.NicSpec{{ID: 0, MAC: "52:54:00:00:00:01"}},
	}
	for i, d := range disks {
		spec.Disks = append(spec.Disks, vm.DiskSpec{ID: i, Name: d})
	}
	return spec
}

func (h *harness) create(t *testing.T, id string, spec vm.Spec) string {
	t.Helper()
	out, err := h.engine.Create(t.Context(), ConfigRequest{ID: id, Config: spec})
	require.NoError(t, err)
	return out
}

func (h *harness) record(t *testing.T, id string) *vm.Record {
	t.Helper()
	rec, err := h.db.GetVM(t.Context(), id)
	require.NoError(t, err)
	return rec
}

func TestCreateAllocatesDistinctResources(t *testing.T) {
	h := newHarness(t)

	out := h.create(t, "web", sampleSpec("web-root"))
	assert.Contains(t, out, "Disk 'web-root' registered (10G)")
	assert.Contains(t, out, "Disk 'web-root' assigned to VM 'web'")
	assert.Contains(t, out, "Console port: 12001")
	assert.Contains(t, out, "Guest address: 10.0.1.10")
	assert.Contains(t, out, "VM 'web' created successfully")

	h.create(t, "db", sampleSpec("db-root"))
	rec := h.record(t, "db")
	assert.Equal(t, 12003, rec.Config.Resources.ConsolePort)
	assert.Equal(t, "10.0.2.10", rec.Config.Resources.GuestAddress)
	assert.Equal(t, vm.StatusStopped, rec.Status)
	assert.Equal(t, h.clock.now, rec.CreatedAt.UTC())
}

func TestCreateRejections(t *testing.T) {
	h := newHarness(t)
	h.create(t, "web", sampleSpec("shared"))

	tests := []struct {
		name string
		req  ConfigRequest
		want error
	}{
		{name: "duplicate vm", req: ConfigRequest{ID: "web", Config: sampleSpec()}, want: vm.ErrConflict},
		{name: "disk owned elsewhere", req: ConfigRequest{ID: "other", Config: sampleSpec("shared")}, want: vm.ErrConflict},
		{name: "console port taken", req: ConfigRequest{ID: "p", Config: vm.Spec{ConsolePort: 12001}}, want: vm.ErrConflict},
		{name: "address taken", req: ConfigRequest{ID: "a", Config: vm.Spec{GuestAddress: "10.0.1.10"}}, want: vm.ErrConflict},
		{name: "disk listed twice", req: ConfigRequest{ID: "twice", Config: sampleSpec("x", "x")}, want: vm.ErrConfiguration},
		{name: "unsafe id", req: ConfigRequest{ID: "../etc", Config: sampleSpec()}, want: vm.ErrInvalidName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Create(t.Context(), tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}

	records, err := h.engine.List(t.Context())
	require.NoError(t, err)
	assert.Len(t, records, 1, "failed creates must not leave records behind")

	d, err := h.db.GetDisk(t.Context(), "shared")
	require.NoError(t, err)
	assert.Equal(t, "web", d.Owner)
}

func TestCreateHonorsExplicitResources(t *testing.T) {
	h := newHarness(t)
	spec := sampleSpec()
	spec.ConsolePort = 20001
	spec.GuestAddress = "10.3.4.10"

	h.create(t, "fixed", spec)
	res := h.record(t, "fixed").Config.Resources
	assert.Equal(t, 20001, res.ConsolePort)
	assert.Equal(t, "10.3.4.10", res.GuestAddress)
}

func TestUpdateMovesDiskOwnership(t *testing.T) {
	h := newHarness(t)
	h.create(t, "web", sampleSpec("root", "data"))
	before := h.record(t, "web").Config.Resources

	spec := sampleSpec("root", "logs")
	spec.Memory.SizeMB = 4096
	out, err := h.engine.Update(t.Context(), ConfigRequest{ID: "web", Config: spec})
	require.NoError(t, err)

	assert.Contains(t, out, "Disk 'data' released from VM 'web'")
	assert.Contains(t, out, "Disk 'logs' registered (10G)")
	assert.Contains(t, out, "-      \"size\": 2048")
	assert.Contains(t, out, "+      \"size\": 4096")
	assert.Contains(t, out, "VM 'web' updated successfully")

	rec := h.record(t, "web")
	assert.Equal(t, before, rec.Config.Resources, "allocations survive an update")
	assert.Equal(t, 4096, rec.Config.Spec.Memory.SizeMB)

	data, err := h.db.GetDisk(t.Context(), "data")
	require.NoError(t, err)
	assert.Empty(t, data.Owner)

	out, err = h.engine.Update(t.Context(), ConfigRequest{ID: "web", Config: spec})
	require.NoError(t, err)
	assert.Contains(t, out, "No configuration changes")
}

func TestUpdateMissingVM(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Update(t.Context(), ConfigRequest{ID: "ghost", Config: sampleSpec()})
	require.ErrorIs(t, err, vm.ErrNotFound)
}

func TestStartMarksRunning(t *testing.T) {
	h := newHarness(t)
	h.create(t, "web", sampleSpec("root"))

	out, err := h.engine.Start(t.Context(), VMRequest{ID: "web"})
	require.NoError(t, err)

	assert.Contains(t, out, "auto-created disk: "+filepath.Join(h.diskDir, "root.qcow2")+" (10G)")
	assert.Contains(t, out, "QEMU: qemu-system-x86_64 -name web")
	assert.Contains(t, out, "Process started (PID: 4242)")
	assert.Contains(t, out, "QEMU log: "+h.engine.LogPath("web"))
	assert.Contains(t, out, "QEMU process verified alive after 2s")
	assert.Contains(t, out, "VM 'web' started successfully")
	assert.Contains(t, h.launcher.args, "file=/seed/seed_web.iso,if=ide,index=1,media=cdrom,readonly=on")
	assert.Equal(t, vm.StatusRunning, h.record(t, "web").Status)

	_, err = h.engine.Start(t.Context(), VMRequest{ID: "web"})
	require.ErrorIs(t, err, vm.ErrConflict)
	assert.Equal(t, 1, h.launcher.launches)
}

func TestStartSeedFailureIsAWarning(t *testing.T) {
	h := newHarness(t)
	h.seed.err = vm.ErrSpawn
	h.create(t, "web", sampleSpec())

	out, err := h.engine.Start(t.Context(), VMRequest{ID: "web"})
	require.NoError(t, err)
	assert.Contains(t, out, "WARNING: seed image not attached")
	assert.NotContains(t, h.launcher.args, "-smbios")
}

func TestStartCrashLeavesVMStopped(t *testing.T) {
	h := newHarness(t)
	h.launcher.err = &supervisor.CrashError{ExitCode: 1, LogPath: "/run/logs/qemu_web.log", Tail: "could not open disk"}
	h.create(t, "web", sampleSpec())

	out, err := h.engine.Start(t.Context(), VMRequest{ID: "web"})
	require.ErrorIs(t, err, vm.ErrProcessCrashed)
	assert.Empty(t, out)

	var crash *supervisor.CrashError
	require.ErrorAs(t, err, &crash)
	assert.Equal(t, "could not open disk", crash.Tail)
	assert.Equal(t, vm.StatusStopped, h.record(t, "web").Status)
}

func TestStartMissingVM(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Start(t.Context(), VMRequest{ID: "ghost"})
	require.ErrorIs(t, err, vm.ErrNotFound)
	assert.Zero(t, h.launcher.launches)
}

func TestStopOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		notice string
	}{
		{name: "answered", notice: "OK"},
		{name: "timeout", err: vm.ErrMonitorTimeout, notice: "NOTICE: no response from monitor"},
		{name: "unreachable", err: vm.ErrMonitorUnreachable, notice: "NOTICE: monitor unreachable, VM treated as already stopped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.create(t, "web", sampleSpec())
			_, err := h.engine.Start(t.Context(), VMRequest{ID: "web"})
			require.NoError(t, err)

			h.monitor.err = tt.err
			out, err := h.engine.Stop(t.Context(), VMRequest{ID: "web"})
			require.NoError(t, err)

			assert.Contains(t, out, "monitor(web) => quit")
			assert.Contains(t, out, tt.notice)
			assert.Contains(t, out, "VM 'web' stopped")
			assert.Equal(t, vm.StatusStopped, h.record(t, "web").Status)
		})
	}
}

func TestPowerdownAndReset(t *testing.T) {
	h := newHarness(t)
	h.create(t, "web", sampleSpec())

	_, err := h.engine.Reset(t.Context(), VMRequest{ID: "web"})
	require.NoError(t, err)
	_, err = h.engine.Powerdown(t.Context(), VMRequest{ID: "web"})
	require.NoError(t, err)

	assert.Equal(t, []string{"web: system_reset", "web: system_powerdown"}, h.monitor.commands)

	h.monitor.err = vm.ErrMonitorUnreachable
	_, err = h.engine.Reset(t.Context(), VMRequest{ID: "web"})
	require.ErrorIs(t, err, vm.ErrMonitorUnreachable)
}

func TestMediaCommands(t *testing.T) {
	h := newHarness(t)
	h.create(t, "web", sampleSpec())
	require.NoError(t, os.WriteFile(filepath.Join(h.isoDir, "ubuntu.iso"), []byte("iso"), 0o644))

	_, err := h.engine.MountMedia(t.Context(), MediaRequest{ID: "web", ISOName: "ubuntu.iso"})
	require.NoError(t, err)
	_, err = h.engine.UnmountMedia(t.Context(), VMRequest{ID: "web"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"web: change ide0-cd0 " + filepath.Join(h.isoDir, "ubuntu.iso"),
		"web: eject ide0-cd0",
	}, h.monitor.commands)

	_, err = h.engine.MountMedia(t.Context(), MediaRequest{ID: "web", ISOName: "missing.iso"})
	require.ErrorIs(t, err, vm.ErrNotFound)
	_, err = h.engine.MountMedia(t.Context(), MediaRequest{ID: "web", ISOName: "../../etc/passwd"})
	require.ErrorIs(t, err, vm.ErrInvalidName)
}

func TestMigrate(t *testing.T) {
	h := newHarness(t)
	h.create(t, "web", sampleSpec())

	out, err := h.engine.Migrate(t.Context(), MigrateRequest{ID: "web", Target: "192.168.1.20"})
	require.NoError(t, err)
	assert.Contains(t, out, "monitor(web) => migrate -d tcp:192.168.1.20:4444")

	_, err = h.engine.Migrate(t.Context(), MigrateRequest{ID: "web", Target: "192.168.1.20; rm -rf /"})
	require.ErrorIs(t, err, vm.ErrInvalidName)
}

func TestBackupsInTheSameSecondGetDistinctFiles(t *testing.T) {
	h := newHarness(t)
	h.create(t, "web", sampleSpec())

	first, err := h.engine.Backup(t.Context(), VMRequest{ID: "web"})
	require.NoError(t, err)
	second, err := h.engine.Backup(t.Context(), VMRequest{ID: "web"})
	require.NoError(t, err)

	assert.Contains(t, first, "Backup file: "+filepath.Join(h.liveDir, "web_20260314_092653.gz"))
	assert.Contains(t, second, "Backup file: "+filepath.Join(h.liveDir, "web_20260314_092654.gz"))
	assert.Equal(t, []time.Duration{time.Second}, h.clock.slept)
	assert.Contains(t, h.monitor.commands[0], `migrate -d "exec:/usr/bin/gzip -c > `)
	assert.DirExists(t, h.liveDir)
}

func TestDeleteReleasesDisks(t *testing.T) {
	h := newHarness(t)
	h.create(t, "web", sampleSpec("root", "data"))

	out, err := h.engine.Delete(t.Context(), DeleteRequest{ID: "web"})
	require.NoError(t, err)
	assert.Contains(t, out, "Released 2 disk(s)")
	assert.Contains(t, out, "VM 'web' deleted successfully")

	disks, err := h.engine.ListDisks(t.Context())
	require.NoError(t, err)
	require.Len(t, disks, 2)
	for _, d := range disks {
		assert.Empty(t, d.Owner, d.Name)
	}

	_, err = h.engine.Delete(t.Context(), DeleteRequest{ID: "web"})
	require.ErrorIs(t, err, vm.ErrNotFound)

	// Freed allocations are handed out again.
	h.create(t, "next", sampleSpec("data"))
	assert.Equal(t, 12001, h.record(t, "next").Config.Resources.ConsolePort)
}

func TestDeleteRunningVM(t *testing.T) {
	h := newHarness(t)
	h.create(t, "web", sampleSpec())
	_, err := h.engine.Start(t.Context(), VMRequest{ID: "web"})
	require.NoError(t, err)

	out, err := h.engine.Delete(t.Context(), DeleteRequest{ID: "web"})
	require.NoError(t, err)
	assert.Contains(t, out, "WARNING: VM 'web' is running")
	assert.Empty(t, h.monitor.commands)

	h.create(t, "db", sampleSpec())
	_, err = h.engine.Start(t.Context(), VMRequest{ID: "db"})
	require.NoError(t, err)

	h.monitor.err = vm.ErrMonitorUnreachable
	out, err = h.engine.Delete(t.Context(), DeleteRequest{ID: "db", Force: true})
	require.NoError(t, err)
	assert.Contains(t, out, "monitor(db) => quit")
	assert.NotContains(t, out, "WARNING")
	assert.Equal(t, []string{"db: quit"}, h.monitor.commands)
}

func TestInspect(t *testing.T) {
	h := newHarness(t)
	h.create(t, "web", sampleSpec())

	insp, err := h.engine.Inspect(t.Context(), VMRequest{ID: "web"})
	require.NoError(t, err)
	assert.Nil(t, insp.Live, "stopped VMs are not queried")

	_, err = h.engine.Start(t.Context(), VMRequest{ID: "web"})
	require.NoError(t, err)
	h.monitor.live = &monitor.LiveStatus{State: "running"}

	insp, err = h.engine.Inspect(t.Context(), VMRequest{ID: "web"})
	require.NoError(t, err)
	require.NotNil(t, insp.Live)
	assert.Equal(t, "running", insp.Live.State)

	h.monitor.live, h.monitor.liveErr = nil, vm.ErrMonitorUnreachable
	insp, err = h.engine.Inspect(t.Context(), VMRequest{ID: "web"})
	require.NoError(t, err)
	assert.Contains(t, insp.LiveError, "monitor unreachable")

	out, err := JSON(insp)
	require.NoError(t, err)
	assert.Contains(t, out, `"smac": "web"`)
}

func TestDiskOperations(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	out, err := h.engine.CreateDisk(ctx, DiskRequest{Name: "scratch", Size: "20G"})
	require.NoError(t, err)
	assert.Contains(t, out, "Disk 'scratch' created (20G)")
	assert.FileExists(t, filepath.Join(h.diskDir, "scratch.qcow2"))

	_, err = h.engine.CreateDisk(ctx, DiskRequest{Name: "scratch", Size: "20G"})
	require.ErrorIs(t, err, vm.ErrConflict)
	_, err = h.engine.CreateDisk(ctx, DiskRequest{Name: "bad", Size: "20T"})
	require.ErrorIs(t, err, vm.ErrConfiguration)

	_, err = h.engine.ResizeDisk(ctx, DiskRequest{Name: "scratch", Size: "40G"})
	require.NoError(t, err)
	d, err := h.db.GetDisk(ctx, "scratch")
	require.NoError(t, err)
	assert.Equal(t, "40G", d.Size)
	assert.Equal(t, []string{"scratch.qcow2@40G"}, h.imager.resized)

	_, err = h.engine.ResizeDisk(ctx, DiskRequest{Name: "ghost", Size: "1G"})
	require.ErrorIs(t, err, vm.ErrNotFound)

	h.create(t, "web", sampleSpec("scratch"))
	_, err = h.engine.DeleteDisk(ctx, DiskRequest{Name: "scratch"})
	require.ErrorIs(t, err, vm.ErrConflict)

	_, err = h.engine.Delete(ctx, DeleteRequest{ID: "web"})
	require.NoError(t, err)
	out, err = h.engine.DeleteDisk(ctx, DiskRequest{Name: "scratch"})
	require.NoError(t, err)
	assert.Contains(t, out, "Disk 'scratch' deleted")
	assert.NoFileExists(t, filepath.Join(h.diskDir, "scratch.qcow2"))

	_, err = h.engine.DeleteDisk(ctx, DiskRequest{Name: "scratch"})
	require.ErrorIs(t, err, vm.ErrNotFound)
}

func TestConcurrentCreatesGetDistinctResources(t *testing.T) {
	h := newHarness(t)

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.engine.Create(t.Context(), ConfigRequest{ID: "vm" + string(rune('a'+i)), Config: sampleSpec()})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	records, err := h.engine.List(t.Context())
	require.NoError(t, err)
	require.Len(t, records, n)

	ports := map[int]bool{}
	addrs := map[string]bool{}
	for _, r := range records {
		ports[r.Config.Resources.ConsolePort] = true
		addrs[r.Config.Resources.GuestAddress] = true
	}
	assert.Len(t, ports, n)
	assert.Len(t, addrs, n)
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("web")
			defer unlock()
			cur := atomic.AddInt32(&inside, 1)
			for {
				prev := atomic.LoadInt32(&maxInside)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxInside, prev, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, k.size(), "idle keys are dropped")

	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("distinct keys must not block each other")
	}
	unlockA()
}

// claimingRepo lets another operation run right after the first disk
// lookup, the window in which a VM can claim a disk being deleted.
type claimingRepo struct {
	store.Repository
	once  sync.Once
	after func()
}

func (r *claimingRepo) GetDisk(ctx context.Context, name string) (*vm.Disk, error) {
	d, err := r.Repository.GetDisk(ctx, name)
	r.once.Do(r.after)
	return d, err
}

func TestDeleteDiskLosesToConcurrentClaim(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	_, err := h.engine.CreateDisk(ctx, DiskRequest{Name: "d1", Size: "1G"})
	require.NoError(t, err)

	var claimErr error
	h.engine.store = &claimingRepo{Repository: h.db, after: func() {
		_, claimErr = h.engine.Create(ctx, ConfigRequest{ID: "vm1", Config: sampleSpec("d1")})
	}}

	_, err = h.engine.DeleteDisk(ctx, DiskRequest{Name: "d1"})
	require.NoError(t, claimErr)
	require.ErrorIs(t, err, vm.ErrConflict)

	d, err := h.db.GetDisk(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "vm1", d.Owner)
	assert.FileExists(t, filepath.Join(h.diskDir, "d1.qcow2"))
}

func TestStartValidatesBeforeSeeding(t *testing.T) {
	h := newHarness(t)
	spec := sampleSpec()
	spec.Features.Arch = "aarch64"
	h.create(t, "arm", spec)

	_, err := h.engine.Start(t.Context(), VMRequest{ID: "arm"})
	require.ErrorIs(t, err, vm.ErrConfiguration)

	assert.Zero(t, h.seed.calls, "no seed image for a start that cannot proceed")
	assert.Zero(t, h.launcher.launches)
	assert.Equal(t, vm.StatusStopped, h.record(t, "arm").Status)
}

func TestConcurrentStartsGetDistinctLoopbackPorts(t *testing.T) {
	h := newHarness(t)
	platform := &qemu.LoopbackTCP{RunDir: h.runDir, Probe: func(int) bool { return true }}
	builder := qemu.NewBuilder(qemu.Options{
		HostArch: qemu.ArchX86_64,
		Accel:    "tcg",
		Firmware: map[qemu.Arch]string{},
		DiskDir:  h.diskDir,
	}, platform, h.imager)
	h.engine = New(t.Context(), h.db, builder, h.imager, h.launcher, h.monitor, h.seed, h.options())

	h.create(t, "web", sampleSpec())
	h.create(t, "db", sampleSpec())

	var innerErr error
	h.launcher.onLaunch = func() {
		_, innerErr = h.engine.Start(t.Context(), VMRequest{ID: "db"})
	}
	_, err := h.engine.Start(t.Context(), VMRequest{ID: "web"})
	require.NoError(t, err)
	require.NoError(t, innerErr)

	web := h.record(t, "web").Config.Resources
	db := h.record(t, "db").Config.Resources
	assert.Equal(t, 5900, web.DisplayPort)
	dbPorts := []int{db.DisplayPort, db.MonitorPort, db.QMPPort}
	for _, p := range []int{web.DisplayPort, web.MonitorPort, web.QMPPort} {
		assert.NotContains(t, dbPorts, p)
	}

	h.engine.startsMu.Lock()
	defer h.engine.startsMu.Unlock()
	assert.Empty(t, h.engine.starting, "in-flight claims are dropped once recorded")
}

func TestConsoleProxyLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	h.create(t, "web", sampleSpec())

	_, err := h.engine.ConsoleStart(ctx, VMRequest{ID: "web"})
	require.ErrorIs(t, err, vm.ErrConflict, "a stopped VM has no display to publish")

	_, err = h.engine.Start(ctx, VMRequest{ID: "web"})
	require.NoError(t, err)

	out, err := h.engine.ConsoleStart(ctx, VMRequest{ID: "web"})
	require.NoError(t, err)
	assert.Equal(t, "websockify", h.launcher.binary)
	assert.Equal(t, []string{"--unix-target=" + filepath.Join(h.runDir, "vncsock_web"), "0.0.0.0:12001"}, h.launcher.args)
	assert.Contains(t, out, "console 0.0.0.0:12001 -> vncsock_web")
	assert.Contains(t, out, "Process started (PID: 4242)")
	assert.Contains(t, out, "Console for VM 'web' available on port 12001")

	_, err = h.engine.ConsoleStart(ctx, VMRequest{ID: "web"})
	require.ErrorIs(t, err, vm.ErrConflict)

	out, err = h.engine.ConsoleStop(ctx, VMRequest{ID: "web"})
	require.NoError(t, err)
	assert.Contains(t, out, "Console proxy for VM 'web' stopped")
	assert.Equal(t, []int{4242}, h.killed)

	out, err = h.engine.ConsoleStop(ctx, VMRequest{ID: "web"})
	require.NoError(t, err)
	assert.Contains(t, out, "NOTICE: no console proxy running for VM 'web'")

	_, err = h.engine.ConsoleStart(ctx, VMRequest{ID: "web"})
	require.NoError(t, err)
	out, err = h.engine.Stop(ctx, VMRequest{ID: "web"})
	require.NoError(t, err)
	assert.Contains(t, out, "Console proxy for VM 'web' stopped")
	assert.Equal(t, []int{4242, 4242}, h.killed)

	_, err = h.engine.ConsoleStop(ctx, VMRequest{ID: "ghost"})
	require.ErrorIs(t, err, vm.ErrNotFound)
}

func TestConsoleProxyCrash(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()
	h.create(t, "web", sampleSpec())
	_, err := h.engine.Start(ctx, VMRequest{ID: "web"})
	require.NoError(t, err)

	h.launcher.err = &supervisor.CrashError{ExitCode: 1, LogPath: h.engine.ConsoleLogPath("web"), Tail: "websockify: address in use"}
	_, err = h.engine.ConsoleStart(ctx, VMRequest{ID: "web"})
	require.ErrorIs(t, err, vm.ErrProcessCrashed)

	out, err := h.engine.ConsoleStop(ctx, VMRequest{ID: "web"})
	require.NoError(t, err)
	assert.Contains(t, out, "NOTICE: no console proxy running")
	assert.Empty(t, h.killed)
}
