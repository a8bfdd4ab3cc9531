package durable

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ComponentID identifies a deployed component. Every worker is an instance of exactly one component.
type ComponentID uuid.UUID

// ParseComponentID parses the canonical UUID form of a component id.
func ParseComponentID(s string) (ComponentID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ComponentID{}, fmt.Errorf("invalid component id %q: %w", s, err)
	}
	return ComponentID(id), nil
}

// NewComponentID returns a random component id.
func NewComponentID() ComponentID {
	return ComponentID(uuid.New())
}

func (c ComponentID) String() string {
	return uuid.UUID(c).String()
}

// MarshalText implements encoding.TextMarshaler.
func (c ComponentID) MarshalText() ([]byte, error) {
	return uuid.UUID(c).MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ComponentID) UnmarshalText(data []byte) error {
	var id uuid.UUID
	if err := id.UnmarshalText(data); err != nil {
		return err
	}
	*c = ComponentID(id)
	return nil
}

// ComponentVersion is the monotonically increasing version of a component.
type ComponentVersion uint64

// AccountID identifies the account owning a worker.
type AccountID string

// WorkerID is the globally addressable identity of a worker.
type WorkerID struct {
	// ComponentID is the component the worker is an instance of.
	ComponentID ComponentID

	// WorkerName is unique within the component.
	WorkerName string
}

func (w WorkerID) String() string {
	return w.ComponentID.String() + "/" + w.WorkerName
}

// ParseWorkerID parses the "<component-id>/<worker-name>" form produced by WorkerID.String.
func ParseWorkerID(s string) (WorkerID, error) {
	componentPart, name, ok := strings.Cut(s, "/")
	if !ok || name == "" {
		return WorkerID{}, fmt.Errorf("invalid worker id %q", s)
	}
	componentID, err := ParseComponentID(componentPart)
	if err != nil {
		return WorkerID{}, err
	}
	return WorkerID{ComponentID: componentID, WorkerName: name}, nil
}

// OwnedWorkerID is a WorkerID scoped to its owning account.
type OwnedWorkerID struct {
	AccountID AccountID
	WorkerID  WorkerID
}

func (o OwnedWorkerID) String() string {
	return string(o.AccountID) + ":" + o.WorkerID.String()
}

// OplogIndex is a position in a worker's oplog.
type OplogIndex uint64

const (
	// NoneIndex marks the absence of any entry.
	NoneIndex OplogIndex = 0

	// InitialIndex is the index of the Create entry that starts every oplog.
	InitialIndex OplogIndex = 1
)

// Next returns the index following i.
func (i OplogIndex) Next() OplogIndex { return i + 1 }

// Previous returns the index preceding i, saturating at NoneIndex.
func (i OplogIndex) Previous() OplogIndex {
	if i == NoneIndex {
		return NoneIndex
	}
	return i - 1
}

// IdempotencyKey deduplicates invocations of the same worker.
type IdempotencyKey string

// NewIdempotencyKey returns a fresh random key.
func NewIdempotencyKey() IdempotencyKey {
	return IdempotencyKey(uuid.NewString())
}

// PluginInstallationID identifies a plugin installed for a component.
type PluginInstallationID string

// WorkerStatus is the last known status of a worker.
type WorkerStatus string

const (
	// WorkerStatusRunning indicates the worker is executing an invocation.
	WorkerStatusRunning WorkerStatus = "running"

	// WorkerStatusIdle indicates the worker is loaded or loadable and waiting for invocations.
	WorkerStatusIdle WorkerStatus = "idle"

	// WorkerStatusSuspended indicates the worker is waiting on a promise or a timer.
	WorkerStatusSuspended WorkerStatus = "suspended"

	// WorkerStatusInterrupted indicates the worker was explicitly interrupted.
	WorkerStatusInterrupted WorkerStatus = "interrupted"

	// WorkerStatusRetrying indicates the worker failed and a retry is scheduled.
	WorkerStatusRetrying WorkerStatus = "retrying"

	// WorkerStatusFailed indicates the worker failed permanently.
	WorkerStatusFailed WorkerStatus = "failed"

	// WorkerStatusExited indicates the worker exited and accepts no further invocations.
	WorkerStatusExited WorkerStatus = "exited"
)

// IsTerminal reports whether a worker in this status can never run again.
func (s WorkerStatus) IsTerminal() bool {
	return s == WorkerStatusFailed || s == WorkerStatusExited
}

// EnvVar is a single environment variable passed to a worker on creation.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// WorkerStatusRecord is derived from the oplog up to OplogIndex.
type WorkerStatusRecord struct {
	Status            WorkerStatus           `json:"status"`
	ComponentVersion  ComponentVersion       `json:"component_version"`
	ComponentSize     uint64                 `json:"component_size"`
	MemorySize        uint64                 `json:"memory_size"`
	ActivePlugins     []PluginInstallationID `json:"active_plugins"`
	PendingUpdate     *ComponentVersion      `json:"pending_update,omitempty"`
	FailedUpdates     []ComponentVersion     `json:"failed_updates,omitempty"`
	SuccessfulUpdates []ComponentVersion     `json:"successful_updates,omitempty"`

	// ErrorCount is the number of consecutive Error entries since the last successful step.
	ErrorCount int `json:"error_count"`

	// LastError is the message of the most recent Error entry.
	LastError string `json:"last_error,omitempty"`

	// OplogIndex is the last entry folded into this record.
	OplogIndex OplogIndex `json:"oplog_index"`
}

// HasPlugin reports whether the plugin is in the active set.
func (r WorkerStatusRecord) HasPlugin(p PluginInstallationID) bool {
	for _, active := range r.ActivePlugins {
		if active == p {
			return true
		}
	}
	return false
}

// WithPlugin returns a copy of r with p added to the active set.
func (r WorkerStatusRecord) WithPlugin(p PluginInstallationID) WorkerStatusRecord {
	if r.HasPlugin(p) {
		return r
	}
	plugins := append(append([]PluginInstallationID(nil), r.ActivePlugins...), p)
	sort.Slice(plugins, func(i, j int) bool { return plugins[i] < plugins[j] })
	r.ActivePlugins = plugins
	return r
}

// WithoutPlugin returns a copy of r with p removed from the active set.
func (r WorkerStatusRecord) WithoutPlugin(p PluginInstallationID) WorkerStatusRecord {
	plugins := make([]PluginInstallationID, 0, len(r.ActivePlugins))
	for _, active := range r.ActivePlugins {
		if active != p {
			plugins = append(plugins, active)
		}
	}
	r.ActivePlugins = plugins
	return r
}

// WorkerMetadata is a cached view over a worker's oplog.
// The oplog is authoritative; metadata may lag behind it.
type WorkerMetadata struct {
	WorkerID  OwnedWorkerID
	Args      []string
	Env       []EnvVar
	Parent    *WorkerID
	CreatedAt time.Time

	LastKnownStatus WorkerStatusRecord
}

// WorkerFilter selects workers during enumeration. Zero fields match everything.
type WorkerFilter struct {
	Statuses   []WorkerStatus
	NamePrefix string
}

// Matches reports whether the metadata satisfies the filter.
func (f WorkerFilter) Matches(m WorkerMetadata) bool {
	if f.NamePrefix != "" && !strings.HasPrefix(m.WorkerID.WorkerID.WorkerName, f.NamePrefix) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == m.LastKnownStatus.Status {
			return true
		}
	}
	return false
}

// CreateWorkerRequest describes a worker to create if it does not exist yet.
type CreateWorkerRequest struct {
	WorkerID         OwnedWorkerID
	Args             []string
	Env              []EnvVar
	ComponentVersion ComponentVersion
	Parent           *WorkerID
}
