// Package supervisor launches hypervisor processes and decides, after a short
// grace interval, whether they survived startup.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/semaphore"

	"github.com/walteh/vmcontrol/pkg/vm"
)

const (
	DefaultGrace   = 2 * time.Second
	DefaultWorkers = 4

	tailLines = 20
	tailBytes = 8 << 10
)

// Handle tracks a spawned process until its liveness has been decided.
type Handle struct {
	PID       int
	LogPath   string
	StartedAt time.Time

	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Kill terminates the process and waits for it to be reaped.
func (h *Handle) Kill() error {
	if !h.Alive() {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil {
		return errors.Errorf("killing process %d: %w", h.PID, err)
	}
	<-h.done
	return nil
}

// CrashError is returned when the process exits inside the grace window.
type CrashError struct {
	ExitCode int
	LogPath  string
	Tail     string
}

func (e *CrashError) Error() string {
	msg := fmt.Sprintf("%s: exit code %d (log: %s)", vm.ErrProcessCrashed, e.ExitCode, e.LogPath)
	if e.Tail != "" {
		msg += "\n" + e.Tail
	}
	return msg
}

func (e *CrashError) Is(target error) bool {
	return target == vm.ErrProcessCrashed
}

// Supervisor runs spawns on bounded worker capacity so a slow grace window
// never holds up operations on other VMs beyond that capacity.
type Supervisor struct {
	grace   time.Duration
	workers *semaphore.Weighted
}

func New(grace time.Duration, workers int) *Supervisor {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Supervisor{
		grace:   grace,
		workers: semaphore.NewWeighted(int64(workers)),
	}
}

// Grace returns the liveness window.
func (s *Supervisor) Grace() time.Duration {
	return s.grace
}

// Launch spawns binary and verifies it is still alive after the grace
// interval. On crash the returned error is a *CrashError.
func (s *Supervisor) Launch(ctx context.Context, binary string, args []string, logPath string) (*Handle, error) {
	if err := s.workers.Acquire(ctx, 1); err != nil {
		return nil, errors.Errorf("waiting for spawn capacity: %w", err)
	}
	defer s.workers.Release(1)

	h, err := Spawn(ctx, binary, args, logPath)
	if err != nil {
		return nil, err
	}
	if err := s.Verify(ctx, h); err != nil {
		return h, err
	}
	return h, nil
}

// Spawn starts binary with stdout and stderr going to a freshly truncated
// logPath. The process is not bound to ctx: once launched it outlives the
// request that started it.
func Spawn(ctx context.Context, binary string, args []string, logPath string) (*Handle, error) {
	logger := zerolog.Ctx(ctx)

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, errors.Errorf("%w: creating log directory: %w", vm.ErrSpawn, err)
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, errors.Errorf("%w: creating log file: %w", vm.ErrSpawn, err)
	}

	cmd := exec.Command(binary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	logger.Info().
		Str("command", binary).
		Strs("args", args).
		Str("log_file", logPath).
		Msg("starting process")

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, errors.Errorf("%w: starting %s: %w", vm.ErrSpawn, binary, err)
	}

	h := &Handle{
		PID:       cmd.Process.Pid,
		LogPath:   logPath,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}

	go func() {
		h.waitErr = cmd.Wait()
		logFile.Close()
		close(h.done)
	}()

	return h, nil
}

// Verify waits out the grace interval and checks liveness once.
func (s *Supervisor) Verify(ctx context.Context, h *Handle) error {
	logger := zerolog.Ctx(ctx).With().Int("pid", h.PID).Logger()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	<-timer.C

	if h.Alive() {
		logger.Debug().Dur("grace", s.grace).Msg("process alive after grace interval")
		return nil
	}

	crash := &CrashError{ExitCode: exitCode(h.waitErr), LogPath: h.LogPath}
	if tail, err := Tail(h.LogPath); err == nil {
		crash.Tail = tail
	} else {
		logger.Warn().Err(err).Msg("reading crash log")
	}
	logger.Error().Int("exit_code", crash.ExitCode).Str("log_file", h.LogPath).Msg("process exited during grace interval")
	return crash
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Tail returns the last lines of a log file.
func Tail(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Errorf("opening log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", errors.Errorf("reading log info: %w", err)
	}
	if info.Size() > tailBytes {
		if _, err := f.Seek(-tailBytes, io.SeekEnd); err != nil {
			return "", errors.Errorf("seeking log: %w", err)
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", errors.Errorf("reading log: %w", err)
	}

	lines := strings.Split(string(bytes.TrimRight(data, "\n")), "\n")
	if len(lines) > tailLines {
		lines = lines[len(lines)-tailLines:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}
