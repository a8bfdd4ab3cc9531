package shard

import "errors"

// ErrNoTable indicates no shard table revision has been applied yet.
var ErrNoTable = errors.New("no shard table applied")
