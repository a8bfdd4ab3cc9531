package oplog

import "errors"

var (
	// ErrCorruptEntry indicates a stored record failed its checksum, has an unknown format or kind,
	// or could not be decoded.
	ErrCorruptEntry = errors.New("corrupt oplog entry")

	// ErrEmptyOplog indicates an oplog handle was requested for a worker without a Create entry.
	ErrEmptyOplog = errors.New("oplog is empty")
)
