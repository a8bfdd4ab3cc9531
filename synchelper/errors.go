package synchelper

import "errors"

// ErrClosed indicates the helper no longer accepts operations.
var ErrClosed = errors.New("sync helper closed")
