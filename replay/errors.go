package replay

import "errors"

// ErrReplayFinished indicates an entry was requested after replay reached its target.
var ErrReplayFinished = errors.New("replay finished")
