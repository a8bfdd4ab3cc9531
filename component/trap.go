package component

import (
	"fmt"

	durable "github.com/getpup/pupsourcing-durable"
)

// Trap is an abnormal guest termination. Panics in guests are converted to traps.
type Trap struct {
	Message string
}

// Trapf returns a trap with a formatted message.
func Trapf(format string, args ...any) *Trap {
	return &Trap{Message: fmt.Sprintf(format, args...)}
}

func (t *Trap) Error() string {
	return "guest trapped: " + t.Message
}

func (t *Trap) Unwrap() error {
	return durable.ErrTrapped
}
