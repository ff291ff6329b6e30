// Package monitor talks to a running hypervisor over its human monitor
// socket, and reads structured status over QMP.
package monitor

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/qemu"
	"github.com/walteh/vmcontrol/pkg/vm"
)

const (
	DefaultDialTimeout = 2 * time.Second
	DefaultSettle      = 500 * time.Millisecond
	DefaultReadTimeout = 2 * time.Second

	// idle ends a read once output has started and then paused.
	idle = 200 * time.Millisecond
)

// Resolver maps a VM to its control sockets. qemu.Platform implements it.
type Resolver interface {
	MonitorEndpoint(vmID string) (qemu.Endpoint, error)
	QMPEndpoint(vmID string) (qemu.Endpoint, error)
}

type Options struct {
	DialTimeout time.Duration
	Settle      time.Duration
	ReadTimeout time.Duration
}

// Client opens a fresh connection per command.
type Client struct {
	resolver Resolver
	opts     Options
}

func NewClient(resolver Resolver, opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	return &Client{resolver: resolver, opts: opts}
}

// SendCommand writes command to the VM's monitor and returns the cleaned
// response. ErrMonitorTimeout means the command was written but nothing came
// back in time.
func (c *Client) SendCommand(ctx context.Context, vmID, command string) (string, error) {
	logger := zerolog.Ctx(ctx).With().Str("vm", vmID).Str("command", command).Logger()

	if _, err := vm.SanitizeName(vmID); err != nil {
		return "", err
	}
	ep, err := c.resolver.MonitorEndpoint(vmID)
	if err != nil {
		return "", err
	}

	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, ep.Network, ep.Address)
	if err != nil {
		return "", errors.Errorf("%w: %s: %w", vm.ErrMonitorUnreachable, ep, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.DialTimeout)); err != nil {
		return "", errors.Errorf("setting write deadline: %w", err)
	}
	if _, err := io.WriteString(conn, command+"\n"); err != nil {
		return "", errors.Errorf("%w: writing command: %w", vm.ErrMonitorUnreachable, err)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(c.opts.Settle):
	}

	raw, err := c.readAvailable(conn)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		logger.Debug().Msg("no monitor response before timeout")
		return "", errors.Errorf("%w: no response to %q within %s", vm.ErrMonitorTimeout, command, c.opts.ReadTimeout)
	}

	out := Clean(string(raw))
	logger.Debug().Int("raw_bytes", len(raw)).Str("output", out).Msg("monitor response")
	return out, nil
}

// readAvailable reads until the peer closes, the overall timeout elapses, or
// output pauses for the idle window.
func (c *Client) readAvailable(conn net.Conn) ([]byte, error) {
	deadline := time.Now().Add(c.opts.ReadTimeout)
	buf := make([]byte, 4096)
	var raw []byte

	for {
		next := deadline
		if len(raw) > 0 {
			if d := time.Now().Add(idle); d.Before(next) {
				next = d
			}
		}
		if err := conn.SetReadDeadline(next); err != nil {
			return nil, errors.Errorf("setting read deadline: %w", err)
		}

		n, err := conn.Read(buf)
		raw = append(raw, buf[:n]...)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
			return raw, nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return raw, nil
		}
		if len(raw) > 0 {
			return raw, nil
		}
		return nil, errors.Errorf("%w: reading response: %w", vm.ErrMonitorUnreachable, err)
	}
}
