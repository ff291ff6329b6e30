// Package alloc hands out console ports and guest addresses as pure
// functions of a snapshot of what is already in use.
package alloc

import (
	"fmt"
	"net"
	"strconv"

	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vmcontrol/pkg/vm"
)

const (
	// ConsolePortBase is the first console port handed out.
	ConsolePortBase = 12001
	// ConsolePortStride leaves room for a companion port next to each console.
	ConsolePortStride = 2
	// ConsolePortLimit is the last port the console range may use.
	ConsolePortLimit = 65535

	// DisplayPortBase is where loopback display servers start (VNC display :0).
	DisplayPortBase = 5900
	// MonitorPortBase is where loopback monitor sockets start.
	MonitorPortBase = 55555
	// ProbeWindow is how many consecutive ports FreeTCPPort inspects.
	ProbeWindow = 100

	guestMajorMax = 10
	guestMinorMax = 254
	guestHost     = 10
)

// Set is a snapshot of allocations already in use.
type Set[T comparable] map[T]struct{}

// NewSet builds a set from a list, ignoring zero values.
func NewSet[T comparable](items ...T) Set[T] {
	var zero T
	s := make(Set[T], len(items))
	for _, it := range items {
		if it == zero {
			continue
		}
		s[it] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s Set[T]) Has(v T) bool {
	_, ok := s[v]
	return ok
}

// Add inserts v.
func (s Set[T]) Add(v T) {
	s[v] = struct{}{}
}

// AllocatePort returns the lowest console port not in used.
func AllocatePort(used Set[int]) (int, error) {
	for port := ConsolePortBase; port <= ConsolePortLimit; port += ConsolePortStride {
		if !used.Has(port) {
			return port, nil
		}
	}
	return 0, errors.Errorf("%w: no free console port in %d-%d", vm.ErrResourceExhausted, ConsolePortBase, ConsolePortLimit)
}

// GuestAddresses enumerates the guest address block in allocation order:
// 10.<major>.<minor>.10 with major 0..10; minor starts at 1 for major 0.
func GuestAddresses(yield func(string) bool) {
	for major := 0; major <= guestMajorMax; major++ {
		minor := 0
		if major == 0 {
			minor = 1
		}
		for ; minor <= guestMinorMax; minor++ {
			if !yield(fmt.Sprintf("10.%d.%d.%d", major, minor, guestHost)) {
				return
			}
		}
	}
}

// AllocateGuestAddress returns the first address of the enumeration not in used.
func AllocateGuestAddress(used Set[string]) (string, error) {
	found := ""
	GuestAddresses(func(addr string) bool {
		if used.Has(addr) {
			return true
		}
		found = addr
		return false
	})
	if found == "" {
		return "", errors.Errorf("%w: guest address block exhausted", vm.ErrResourceExhausted)
	}
	return found, nil
}

// Prober reports whether a loopback TCP port can be bound right now.
type Prober func(port int) bool

// ListenProber binds and releases 127.0.0.1:port.
func ListenProber(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// FreeTCPPort returns the first port in [start, start+ProbeWindow) that is
// neither in skip nor rejected by probe.
func FreeTCPPort(start int, skip Set[int], probe Prober) (int, error) {
	if probe == nil {
		probe = ListenProber
	}
	for port := start; port < start+ProbeWindow && port <= 65535; port++ {
		if skip.Has(port) {
			continue
		}
		if probe(port) {
			return port, nil
		}
	}
	return 0, errors.Errorf("%w: no free loopback port in %d-%d", vm.ErrResourceExhausted, start, start+ProbeWindow-1)
}
