package oplog

import "fmt"

// FunctionType classifies a host function by its effect on the world outside the worker.
// The classification decides whether and how a call is persisted.
type FunctionType int

const (
	// NoSideEffect functions are deterministic and are never logged.
	NoSideEffect FunctionType = iota

	// ReadLocal functions observe host-local nondeterministic state, such as clocks or randomness.
	ReadLocal

	// WriteLocal functions change host-local state that is rebuilt by replay.
	WriteLocal

	// ReadRemote functions read from external systems.
	ReadRemote

	// WriteRemote functions change external systems.
	WriteRemote
)

var functionTypeNames = map[FunctionType]string{
	NoSideEffect: "no_side_effect",
	ReadLocal:    "read_local",
	WriteLocal:   "write_local",
	ReadRemote:   "read_remote",
	WriteRemote:  "write_remote",
}

func (t FunctionType) String() string {
	if name, ok := functionTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("function_type(%d)", int(t))
}

// IsRemote reports whether the function reaches outside the executor host.
func (t FunctionType) IsRemote() bool {
	return t == ReadRemote || t == WriteRemote
}

// MarshalText implements encoding.TextMarshaler.
func (t FunctionType) MarshalText() ([]byte, error) {
	name, ok := functionTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown function type %d", int(t))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *FunctionType) UnmarshalText(data []byte) error {
	for ft, name := range functionTypeNames {
		if name == string(data) {
			*t = ft
			return nil
		}
	}
	return fmt.Errorf("unknown function type %q", string(data))
}
