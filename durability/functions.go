package durability

import (
	"sort"

	"github.com/getpup/pupsourcing-durable/oplog"
)

// Function is a host function with its fixed effect classification.
type Function struct {
	Name string
	Type oplog.FunctionType

	// AlwaysLogged calls are recorded at every persistence level.
	AlwaysLogged bool
}

// Host functions offered to guests. The classification of each function is part of the
// oplog contract: changing it breaks replay of existing oplogs.
var (
	WallClockNow       = Function{Name: "wall-clock::now", Type: oplog.ReadLocal}
	WallClockTimezone  = Function{Name: "wall-clock::timezone", Type: oplog.ReadLocal}
	MonotonicClockNow  = Function{Name: "monotonic-clock::now", Type: oplog.ReadLocal}
	RandomBytes        = Function{Name: "random::get-random-bytes", Type: oplog.ReadLocal}
	RandomU64          = Function{Name: "random::get-random-u64", Type: oplog.ReadLocal}
	UUIDNew            = Function{Name: "uuid::new", Type: oplog.ReadLocal}
	IdempotencyKeyNew  = Function{Name: "durable::generate-idempotency-key", Type: oplog.ReadLocal}
	EnvironmentGet     = Function{Name: "environment::get-environment", Type: oplog.NoSideEffect}
	ArgumentsGet       = Function{Name: "environment::get-arguments", Type: oplog.NoSideEffect}
	KeyValueGet        = Function{Name: "keyvalue::get", Type: oplog.ReadRemote}
	KeyValueExists     = Function{Name: "keyvalue::exists", Type: oplog.ReadRemote}
	KeyValueSet        = Function{Name: "keyvalue::set", Type: oplog.WriteRemote}
	KeyValueDelete     = Function{Name: "keyvalue::delete", Type: oplog.WriteRemote}
	RemoteInvoke       = Function{Name: "rpc::invoke-and-await", Type: oplog.WriteRemote}
	RemoteGet          = Function{Name: "rpc::get", Type: oplog.ReadRemote}
	PromiseCreate      = Function{Name: "durable::create-promise", Type: oplog.WriteLocal}
	PromiseComplete    = Function{Name: "durable::complete-promise", Type: oplog.WriteRemote}
	PromisePoll        = Function{Name: "durable::poll-promise", Type: oplog.ReadRemote}
	SleepDeadline      = Function{Name: "monotonic-clock::sleep", Type: oplog.ReadLocal, AlwaysLogged: true}
	WorkerMetadataSelf = Function{Name: "durable::get-self-metadata", Type: oplog.ReadLocal}
)

var functions = map[string]Function{}

func init() {
	for _, fn := range []Function{
		WallClockNow, WallClockTimezone, MonotonicClockNow,
		RandomBytes, RandomU64, UUIDNew, IdempotencyKeyNew,
		EnvironmentGet, ArgumentsGet,
		KeyValueGet, KeyValueExists, KeyValueSet, KeyValueDelete,
		RemoteInvoke, RemoteGet,
		PromiseCreate, PromiseComplete, PromisePoll,
		SleepDeadline, WorkerMetadataSelf,
	} {
		functions[fn.Name] = fn
	}
}

// Lookup returns the registered function with the given name.
func Lookup(name string) (Function, bool) {
	fn, ok := functions[name]
	return fn, ok
}

// Functions returns every registered function ordered by name.
func Functions() []Function {
	out := make([]Function, 0, len(functions))
	for _, fn := range functions {
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
