package store

import "errors"

var (
	// ErrIndexConflict indicates an append did not start right after the last stored index.
	ErrIndexConflict = errors.New("oplog index conflict")

	// ErrHostNotFound indicates the executor host does not exist.
	ErrHostNotFound = errors.New("host not found")

	// ErrRevisionNotFound indicates the shard table revision does not exist.
	ErrRevisionNotFound = errors.New("revision not found")

	// ErrNoRevision indicates no shard table revision was ever created.
	ErrNoRevision = errors.New("no shard table revision")
)
