package qemu

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/alloc"
	"github.com/walteh/vmcontrol/pkg/vm"
)

// Endpoint is a dialable control socket address.
type Endpoint struct {
	Network string
	Address string
}

func (e Endpoint) String() string {
	return e.Network + ":" + e.Address
}

// Platform decides how display and control sockets are exposed. One
// implementation is selected per host and used by both the builder and the
// monitor client.
type Platform interface {
	Name() string
	// Validate rejects identifiers the transport cannot represent.
	Validate(vmID string) error
	// Reserve fills the per-run ports of res, avoiding taken.
	Reserve(vmID string, res vm.Resources, taken alloc.Set[int]) (vm.Resources, error)
	DisplayArgs(vmID string, res vm.Resources) []string
	// ConsoleTarget returns the proxy flags and positional target that
	// reach the display of a running VM.
	ConsoleTarget(vmID string, res vm.Resources) (flags []string, target string, err error)
	DisplayName(vmID string, res vm.Resources) string
	ControlArgs(vmID string, res vm.Resources) []string
	// Persist records what the monitor client needs to find a running VM.
	Persist(vmID string, res vm.Resources) error
	// Release removes whatever Persist or the hypervisor left behind.
	Release(vmID string) error
	MonitorEndpoint(vmID string) (Endpoint, error)
	QMPEndpoint(vmID string) (Endpoint, error)
}

const (
	TransportAuto = "auto"
	TransportUnix = "unix"
	TransportTCP  = "tcp"
)

// SelectPlatform picks the strategy for transport; "auto" uses loopback TCP
// only where domain sockets are unavailable.
func SelectPlatform(transport, runDir string) (Platform, error) {
	switch transport {
	case "", TransportAuto:
		if runtime.GOOS == "windows" {
			return &LoopbackTCP{RunDir: runDir}, nil
		}
		return &UnixSockets{RunDir: runDir}, nil
	case TransportUnix:
		return &UnixSockets{RunDir: runDir}, nil
	case TransportTCP:
		return &LoopbackTCP{RunDir: runDir}, nil
	default:
		return nil, errors.Errorf("%w: unknown transport %q", vm.ErrConfiguration, transport)
	}
}

// maxSocketPath is the portable sun_path limit.
const maxSocketPath = 104

// UnixSockets exposes display, monitor and QMP as domain sockets under RunDir.
type UnixSockets struct {
	RunDir string
}

var _ Platform = (*UnixSockets)(nil)

func (u *UnixSockets) Name() string { return TransportUnix }

func (u *UnixSockets) displayPath(vmID string) string {
	return filepath.Join(u.RunDir, "vncsock_"+vmID)
}

func (u *UnixSockets) monitorPath(vmID string) string {
	return filepath.Join(u.RunDir, vmID+".monitor")
}

func (u *UnixSockets) qmpPath(vmID string) string {
	return filepath.Join(u.RunDir, vmID+".qmp")
}

func (u *UnixSockets) Validate(vmID string) error {
	for _, p := range []string{u.displayPath(vmID), u.monitorPath(vmID), u.qmpPath(vmID)} {
		if len(p) >= maxSocketPath {
			return errors.Errorf("%w: socket path too long for %q (%d bytes)", vm.ErrInvalidName, vmID, len(p))
		}
	}
	return nil
}

func (u *UnixSockets) Reserve(_ string, res vm.Resources, _ alloc.Set[int]) (vm.Resources, error) {
	return res.ClearRuntime(), nil
}

func (u *UnixSockets) DisplayArgs(vmID string, _ vm.Resources) []string {
	return []string{"-display", "vnc=unix:" + u.displayPath(vmID)}
}

func (u *UnixSockets) ConsoleTarget(vmID string, _ vm.Resources) ([]string, string, error) {
	return []string{"--unix-target=" + u.displayPath(vmID)}, "", nil
}

func (u *UnixSockets) DisplayName(vmID string, _ vm.Resources) string {
	return filepath.Base(u.displayPath(vmID))
}

func (u *UnixSockets) ControlArgs(vmID string, _ vm.Resources) []string {
	return []string{
		"-monitor", fmt.Sprintf("unix:%s,server,nowait", u.monitorPath(vmID)),
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", u.qmpPath(vmID)),
	}
}

func (u *UnixSockets) Persist(string, vm.Resources) error { return nil }

func (u *UnixSockets) Release(vmID string) error {
	for _, p := range []string{u.displayPath(vmID), u.monitorPath(vmID), u.qmpPath(vmID)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Errorf("removing socket %s: %w", p, err)
		}
	}
	return nil
}

func (u *UnixSockets) MonitorEndpoint(vmID string) (Endpoint, error) {
	return Endpoint{Network: "unix", Address: u.monitorPath(vmID)}, nil
}

func (u *UnixSockets) QMPEndpoint(vmID string) (Endpoint, error) {
	return Endpoint{Network: "unix", Address: u.qmpPath(vmID)}, nil
}

// LoopbackTCP exposes everything on 127.0.0.1 for hosts without domain
// sockets. The chosen ports are written to <RunDir>/<vm>.ports.
type LoopbackTCP struct {
	RunDir string
	// Probe overrides the bind check used when reserving ports.
	Probe alloc.Prober
}

var _ Platform = (*LoopbackTCP)(nil)

type portFile struct {
	Display int `json:"display"`
	Monitor int `json:"monitor"`
	QMP     int `json:"qmp"`
}

func (l *LoopbackTCP) Name() string { return TransportTCP }

func (l *LoopbackTCP) portsPath(vmID string) string {
	return filepath.Join(l.RunDir, vmID+".ports")
}

func (l *LoopbackTCP) Validate(string) error { return nil }

func (l *LoopbackTCP) Reserve(vmID string, res vm.Resources, taken alloc.Set[int]) (vm.Resources, error) {
	skip := alloc.NewSet[int]()
	for p := range taken {
		skip.Add(p)
	}

	display, err := alloc.FreeTCPPort(alloc.DisplayPortBase, skip, l.Probe)
	if err != nil {
		return res, errors.Errorf("reserving display port for %s: %w", vmID, err)
	}
	skip.Add(display)

	monitor, err := alloc.FreeTCPPort(alloc.MonitorPortBase, skip, l.Probe)
	if err != nil {
		return res, errors.Errorf("reserving monitor port for %s: %w", vmID, err)
	}
	skip.Add(monitor)

	qmp, err := alloc.FreeTCPPort(monitor+1, skip, l.Probe)
	if err != nil {
		return res, errors.Errorf("reserving qmp port for %s: %w", vmID, err)
	}

	res.DisplayPort = display
	res.MonitorPort = monitor
	res.QMPPort = qmp
	return res, nil
}

func (l *LoopbackTCP) DisplayArgs(_ string, res vm.Resources) []string {
	return []string{"-display", fmt.Sprintf("vnc=127.0.0.1:%d", res.DisplayPort-alloc.DisplayPortBase)}
}

func (l *LoopbackTCP) ConsoleTarget(vmID string, res vm.Resources) ([]string, string, error) {
	if res.DisplayPort == 0 {
		return nil, "", errors.Errorf("%w: no display port recorded for %s", vm.ErrConflict, vmID)
	}
	return nil, l.DisplayName(vmID, res), nil
}

func (l *LoopbackTCP) DisplayName(_ string, res vm.Resources) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(res.DisplayPort))
}

func (l *LoopbackTCP) ControlArgs(_ string, res vm.Resources) []string {
	return []string{
		"-monitor", fmt.Sprintf("tcp:127.0.0.1:%d,server,nowait", res.MonitorPort),
		"-qmp", fmt.Sprintf("tcp:127.0.0.1:%d,server,nowait", res.QMPPort),
	}
}

func (l *LoopbackTCP) Persist(vmID string, res vm.Resources) error {
	data, err := json.Marshal(portFile{Display: res.DisplayPort, Monitor: res.MonitorPort, QMP: res.QMPPort})
	if err != nil {
		return errors.Errorf("marshaling ports: %w", err)
	}
	if err := os.MkdirAll(l.RunDir, 0o755); err != nil {
		return errors.Errorf("creating run directory: %w", err)
	}
	if err := os.WriteFile(l.portsPath(vmID), data, 0o644); err != nil {
		return errors.Errorf("writing port file: %w", err)
	}
	return nil
}

func (l *LoopbackTCP) Release(vmID string) error {
	if err := os.Remove(l.portsPath(vmID)); err != nil && !os.IsNotExist(err) {
		return errors.Errorf("removing port file: %w", err)
	}
	return nil
}

func (l *LoopbackTCP) readPorts(vmID string) (portFile, error) {
	var pf portFile
	data, err := os.ReadFile(l.portsPath(vmID))
	if err != nil {
		if os.IsNotExist(err) {
			return pf, errors.Errorf("%w: no port file for %s", vm.ErrMonitorUnreachable, vmID)
		}
		return pf, errors.Errorf("reading port file: %w", err)
	}
	if err := json.Unmarshal(data, &pf); err != nil {
		return pf, errors.Errorf("parsing port file: %w", err)
	}
	return pf, nil
}

func (l *LoopbackTCP) MonitorEndpoint(vmID string) (Endpoint, error) {
	pf, err := l.readPorts(vmID)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Network: "tcp", Address: net.JoinHostPort("127.0.0.1", strconv.Itoa(pf.Monitor))}, nil
}

func (l *LoopbackTCP) QMPEndpoint(vmID string) (Endpoint, error) {
	pf, err := l.readPorts(vmID)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Network: "tcp", Address: net.JoinHostPort("127.0.0.1", strconv.Itoa(pf.QMP))}, nil
}
