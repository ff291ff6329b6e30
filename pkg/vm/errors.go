package vm

import (
	"gitlab.com/tozd/go/errors"
)

var (
	ErrInvalidName        = errors.Base("invalid name")
	ErrConfiguration      = errors.Base("configuration error")
	ErrResourceExhausted  = errors.Base("resource exhausted")
	ErrSpawn              = errors.Base("spawn error")
	ErrProcessCrashed     = errors.Base("process crashed")
	ErrMonitorUnreachable = errors.Base("monitor unreachable")
	ErrMonitorTimeout     = errors.Base("monitor timeout")
	ErrNotFound           = errors.Base("not found")
	ErrConflict           = errors.Base("conflict")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidName, "invalid_name"},
	{ErrConfiguration, "configuration_error"},
	{ErrResourceExhausted, "resource_exhausted"},
	{ErrSpawn, "spawn_error"},
	{ErrProcessCrashed, "process_crashed"},
	{ErrMonitorUnreachable, "monitor_unreachable"},
	{ErrMonitorTimeout, "monitor_timeout"},
	{ErrNotFound, "not_found"},
	{ErrConflict, "conflict"},
}

// Kind returns a stable short name for the taxonomy member err belongs to,
// or "internal" when it belongs to none.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

// IsValidation reports whether err is returned before any side effect.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict)
}
