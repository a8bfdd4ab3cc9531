// Package oplog defines the per-worker append-only effect log.
//
// An oplog starts with exactly one Create entry at durable.InitialIndex and only ever grows.
// Entries are a closed set of tagged records. Hint entries carry lifecycle information used
// to derive worker status; replay skips them.
package oplog

import (
	"encoding/json"
	"time"

	durable "github.com/getpup/pupsourcing-durable"
)

// Kind tags an oplog entry.
type Kind string

const (
	KindCreate                    Kind = "create"
	KindImportedFunctionInvoked   Kind = "imported_function_invoked"
	KindExportedFunctionInvoked   Kind = "exported_function_invoked"
	KindExportedFunctionCompleted Kind = "exported_function_completed"
	KindSuspend                   Kind = "suspend"
	KindError                     Kind = "error"
	KindNoOp                      Kind = "no_op"
	KindInterrupted               Kind = "interrupted"
	KindExited                    Kind = "exited"
	KindBeginRemoteWrite          Kind = "begin_remote_write"
	KindEndRemoteWrite            Kind = "end_remote_write"
	KindRestart                   Kind = "restart"
	KindPendingUpdate             Kind = "pending_update"
	KindSuccessfulUpdate          Kind = "successful_update"
	KindFailedUpdate              Kind = "failed_update"
	KindActivatePlugin            Kind = "activate_plugin"
	KindDeactivatePlugin          Kind = "deactivate_plugin"
	KindGrowMemory                Kind = "grow_memory"
	KindLog                       Kind = "log"
	KindChangePersistenceLevel    Kind = "change_persistence_level"
)

// Entry is one oplog record. The set of implementations is closed.
type Entry interface {
	Kind() Kind
	Time() time.Time
	stamp(t time.Time)
}

// Header carries the fields shared by all entries.
type Header struct {
	Timestamp time.Time `json:"-"`
}

// Time returns when the entry was added to the oplog.
func (h *Header) Time() time.Time { return h.Timestamp }

func (h *Header) stamp(t time.Time) { h.Timestamp = t }

// IndexedEntry is an entry together with its position.
type IndexedEntry struct {
	Index durable.OplogIndex
	Entry Entry
}

// Create is always the first entry of an oplog.
type Create struct {
	Header
	WorkerID         durable.OwnedWorkerID          `json:"worker_id"`
	Args             []string                       `json:"args,omitempty"`
	Env              []durable.EnvVar               `json:"env,omitempty"`
	ComponentVersion durable.ComponentVersion       `json:"component_version"`
	Parent           *durable.WorkerID              `json:"parent,omitempty"`
	ComponentSize    uint64                         `json:"component_size"`
	InitialMemory    uint64                         `json:"initial_memory"`
	Plugins          []durable.PluginInstallationID `json:"plugins,omitempty"`
}

// ImportedFunctionInvoked records the request and response of a host function call.
type ImportedFunctionInvoked struct {
	Header
	FunctionName string          `json:"function_name"`
	Request      json.RawMessage `json:"request,omitempty"`
	Response     json.RawMessage `json:"response"`
	FunctionType FunctionType    `json:"function_type"`
}

// ExportedFunctionInvoked marks the start of an invocation.
type ExportedFunctionInvoked struct {
	Header
	FunctionName   string                 `json:"function_name"`
	Params         []byte                 `json:"params,omitempty"`
	IdempotencyKey durable.IdempotencyKey `json:"idempotency_key"`
}

// ExportedFunctionCompleted marks the end of an invocation with its result.
type ExportedFunctionCompleted struct {
	Header
	Response []byte `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
}

// SuspendReason names why a worker stopped executing without failing.
type SuspendReason string

const (
	SuspendReasonPromise   SuspendReason = "promise"
	SuspendReasonSleep     SuspendReason = "sleep"
	SuspendReasonInterrupt SuspendReason = "interrupt"
)

// Suspend records that the worker parked itself.
type Suspend struct {
	Header
	Reason    SuspendReason `json:"reason"`
	Until     *time.Time    `json:"until,omitempty"`
	PromiseID string        `json:"promise_id,omitempty"`
}

// Error records a guest trap or a failed execution attempt.
type Error struct {
	Header
	Message string `json:"message"`
}

// NoOp is a placeholder that replay consumes without effect.
type NoOp struct {
	Header
}

// Interrupted records an external interruption.
type Interrupted struct {
	Header
	InterruptKind durable.InterruptKind `json:"kind"`
}

// Exited records that the guest terminated the worker.
type Exited struct {
	Header
}

// BeginRemoteWrite opens a non-idempotent remote write.
type BeginRemoteWrite struct {
	Header
}

// EndRemoteWrite closes the remote write opened at BeginIndex.
type EndRemoteWrite struct {
	Header
	BeginIndex durable.OplogIndex `json:"begin_index"`
}

// Restart records that the in-memory instance was dropped for recovery.
type Restart struct {
	Header
}

// PendingUpdate records a requested component version change.
type PendingUpdate struct {
	Header
	TargetVersion durable.ComponentVersion `json:"target_version"`
}

// SuccessfulUpdate records that the history replayed against the target version.
type SuccessfulUpdate struct {
	Header
	TargetVersion    durable.ComponentVersion       `json:"target_version"`
	NewComponentSize uint64                         `json:"new_component_size"`
	NewActivePlugins []durable.PluginInstallationID `json:"new_active_plugins,omitempty"`
}

// FailedUpdate records that the target version diverged from the history.
type FailedUpdate struct {
	Header
	TargetVersion durable.ComponentVersion `json:"target_version"`
	Details       string                   `json:"details,omitempty"`
}

// ActivatePlugin adds a plugin installation to the worker.
type ActivatePlugin struct {
	Header
	Plugin durable.PluginInstallationID `json:"plugin"`
}

// DeactivatePlugin removes a plugin installation from the worker.
type DeactivatePlugin struct {
	Header
	Plugin durable.PluginInstallationID `json:"plugin"`
}

// GrowMemory records that the guest's memory grew by Delta bytes.
type GrowMemory struct {
	Header
	Delta uint64 `json:"delta"`
}

// LogLevel is the severity of a guest log line.
type LogLevel string

const (
	LogLevelTrace    LogLevel = "trace"
	LogLevelDebug    LogLevel = "debug"
	LogLevelInfo     LogLevel = "info"
	LogLevelWarn     LogLevel = "warn"
	LogLevelError    LogLevel = "error"
	LogLevelCritical LogLevel = "critical"
)

// Log records a line the guest wrote to its log.
type Log struct {
	Header
	Level   LogLevel `json:"level"`
	Context string   `json:"context,omitempty"`
	Message string   `json:"message"`
}

// ChangePersistenceLevel records that the guest switched which host calls are logged.
type ChangePersistenceLevel struct {
	Header
	Level string `json:"level"`
}

func (*Create) Kind() Kind                    { return KindCreate }
func (*ImportedFunctionInvoked) Kind() Kind   { return KindImportedFunctionInvoked }
func (*ExportedFunctionInvoked) Kind() Kind   { return KindExportedFunctionInvoked }
func (*ExportedFunctionCompleted) Kind() Kind { return KindExportedFunctionCompleted }
func (*Suspend) Kind() Kind                   { return KindSuspend }
func (*Error) Kind() Kind                     { return KindError }
func (*NoOp) Kind() Kind                      { return KindNoOp }
func (*Interrupted) Kind() Kind               { return KindInterrupted }
func (*Exited) Kind() Kind                    { return KindExited }
func (*BeginRemoteWrite) Kind() Kind          { return KindBeginRemoteWrite }
func (*EndRemoteWrite) Kind() Kind            { return KindEndRemoteWrite }
func (*Restart) Kind() Kind                   { return KindRestart }
func (*PendingUpdate) Kind() Kind             { return KindPendingUpdate }
func (*SuccessfulUpdate) Kind() Kind          { return KindSuccessfulUpdate }
func (*FailedUpdate) Kind() Kind              { return KindFailedUpdate }
func (*ActivatePlugin) Kind() Kind            { return KindActivatePlugin }
func (*DeactivatePlugin) Kind() Kind          { return KindDeactivatePlugin }
func (*GrowMemory) Kind() Kind                { return KindGrowMemory }
func (*Log) Kind() Kind                       { return KindLog }
func (*ChangePersistenceLevel) Kind() Kind    { return KindChangePersistenceLevel }

var constructors = map[Kind]func() Entry{
	KindCreate:                    func() Entry { return &Create{} },
	KindImportedFunctionInvoked:   func() Entry { return &ImportedFunctionInvoked{} },
	KindExportedFunctionInvoked:   func() Entry { return &ExportedFunctionInvoked{} },
	KindExportedFunctionCompleted: func() Entry { return &ExportedFunctionCompleted{} },
	KindSuspend:                   func() Entry { return &Suspend{} },
	KindError:                     func() Entry { return &Error{} },
	KindNoOp:                      func() Entry { return &NoOp{} },
	KindInterrupted:               func() Entry { return &Interrupted{} },
	KindExited:                    func() Entry { return &Exited{} },
	KindBeginRemoteWrite:          func() Entry { return &BeginRemoteWrite{} },
	KindEndRemoteWrite:            func() Entry { return &EndRemoteWrite{} },
	KindRestart:                   func() Entry { return &Restart{} },
	KindPendingUpdate:             func() Entry { return &PendingUpdate{} },
	KindSuccessfulUpdate:          func() Entry { return &SuccessfulUpdate{} },
	KindFailedUpdate:              func() Entry { return &FailedUpdate{} },
	KindActivatePlugin:            func() Entry { return &ActivatePlugin{} },
	KindDeactivatePlugin:          func() Entry { return &DeactivatePlugin{} },
	KindGrowMemory:                func() Entry { return &GrowMemory{} },
	KindLog:                       func() Entry { return &Log{} },
	KindChangePersistenceLevel:    func() Entry { return &ChangePersistenceLevel{} },
}

// IsHint reports whether replay skips the entry.
// NoOp is not a hint but is also transparent to replay; see Skippable.
func IsHint(e Entry) bool {
	switch e.(type) {
	case *Suspend, *Error, *Interrupted, *Exited, *Restart,
		*PendingUpdate, *SuccessfulUpdate, *FailedUpdate,
		*ActivatePlugin, *DeactivatePlugin, *GrowMemory, *Log,
		*ChangePersistenceLevel:
		return true
	}
	return false
}

// Skippable reports whether replay passes over the entry without handing it to a consumer.
func Skippable(e Entry) bool {
	if _, ok := e.(*NoOp); ok {
		return true
	}
	return IsHint(e)
}
