package vm

// Status is the persisted lifecycle state of a VM.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

const (
	// MaxNameLength bounds identifiers used as path components and socket tokens.
	MaxNameLength = 255

	// MigrationPort is the well-known port used by live migration targets.
	MigrationPort = 4444
)
