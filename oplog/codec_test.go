package oplog

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"strings"
	"testing"
	"time"

	durable "github.com/getpup/pupsourcing-durable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

func stamped(e Entry) Entry {
	e.stamp(testTime)
	return e
}

func TestCodec_RoundTripsEveryKind(t *testing.T) {
	component := durable.NewComponentID()
	parent := durable.WorkerID{ComponentID: component, WorkerName: "parent"}
	until := testTime.Add(time.Hour)

	entries := []Entry{
		&Create{
			WorkerID: durable.OwnedWorkerID{
				AccountID: "acc",
				WorkerID:  durable.WorkerID{ComponentID: component, WorkerName: "w"},
			},
			Args:             []string{"a"},
			Env:              []durable.EnvVar{{Name: "K", Value: "V"}},
			ComponentVersion: 3,
			Parent:           &parent,
			ComponentSize:    1024,
			InitialMemory:    65536,
			Plugins:          []durable.PluginInstallationID{"p1"},
		},
		&ImportedFunctionInvoked{
			FunctionName: "wall-clock::now",
			Request:      json.RawMessage(`{}`),
			Response:     json.RawMessage(`{"ok":1}`),
			FunctionType: ReadLocal,
		},
		&ExportedFunctionInvoked{FunctionName: "f", Params: []byte(`[1,2]`), IdempotencyKey: "key-1"},
		&ExportedFunctionCompleted{Response: []byte(`"done"`)},
		&ExportedFunctionCompleted{Error: "boom", IsError: true},
		&Suspend{Reason: SuspendReasonSleep, Until: &until},
		&Suspend{Reason: SuspendReasonPromise, PromiseID: "p-1"},
		&Error{Message: "trap"},
		&NoOp{},
		&Interrupted{InterruptKind: durable.InterruptKindRestart},
		&Exited{},
		&BeginRemoteWrite{},
		&EndRemoteWrite{BeginIndex: 7},
		&Restart{},
		&PendingUpdate{TargetVersion: 4},
		&SuccessfulUpdate{TargetVersion: 4, NewComponentSize: 2048, NewActivePlugins: []durable.PluginInstallationID{"p1"}},
		&FailedUpdate{TargetVersion: 5, Details: "diverged"},
		&ActivatePlugin{Plugin: "p2"},
		&DeactivatePlugin{Plugin: "p2"},
		&GrowMemory{Delta: 65536},
		&Log{Level: LogLevelInfo, Context: "ctx", Message: "hello"},
		&ChangePersistenceLevel{Level: "persist-nothing"},
	}

	kinds := make(map[Kind]bool)
	for _, e := range entries {
		e := stamped(e)
		kinds[e.Kind()] = true

		t.Run(string(e.Kind()), func(t *testing.T) {
			data, err := Encode(e)
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, e, decoded)
			assert.True(t, testTime.Equal(decoded.Time()))
		})
	}

	assert.Len(t, kinds, len(constructors), "every kind is covered")
}

func TestCodec_CompressesLargeEntries(t *testing.T) {
	e := stamped(&Log{Level: LogLevelDebug, Message: strings.Repeat("x", 4096)})

	data, err := Encode(e)
	require.NoError(t, err)
	assert.Equal(t, formatSnappy, data[0])
	assert.Less(t, len(data), 4096)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, e, decoded)

	small, err := Encode(stamped(&Log{Message: "short"}))
	require.NoError(t, err)
	assert.Equal(t, formatJSON, small[0])
}

func rawRecord(format byte, body []byte) []byte {
	record := make([]byte, headerSize+len(body))
	record[0] = format
	binary.BigEndian.PutUint32(record[1:headerSize], crc32.ChecksumIEEE(body))
	copy(record[headerSize:], body)
	return record
}

func TestCodec_DetectsCorruption(t *testing.T) {
	valid, err := Encode(stamped(&ImportedFunctionInvoked{
		FunctionName: "f",
		Response:     json.RawMessage(`1`),
		FunctionType: ReadRemote,
	}))
	require.NoError(t, err)

	flipped := append([]byte(nil), valid...)
	flipped[len(flipped)-2] ^= 0xff

	tests := []struct {
		name   string
		record []byte
	}{
		{name: "too short", record: []byte{1, 2}},
		{name: "checksum mismatch", record: flipped},
		{name: "unknown format", record: rawRecord(9, []byte(`{}`))},
		{name: "unknown kind", record: rawRecord(formatJSON, []byte(`{"kind":"jump","ts":"2024-03-01T12:30:00Z","data":{}}`))},
		{name: "invalid envelope", record: rawRecord(formatJSON, []byte(`not json`))},
		{name: "invalid snappy", record: rawRecord(formatSnappy, []byte(`not snappy`))},
		{name: "invalid data", record: rawRecord(formatJSON, []byte(`{"kind":"error","ts":"2024-03-01T12:30:00Z","data":{"message":1}}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.record)
			assert.ErrorIs(t, err, ErrCorruptEntry)
		})
	}
}

func TestIsHint(t *testing.T) {
	tests := []struct {
		entry     Entry
		hint      bool
		skippable bool
	}{
		{entry: &Create{}},
		{entry: &ImportedFunctionInvoked{}},
		{entry: &ExportedFunctionInvoked{}},
		{entry: &ExportedFunctionCompleted{}},
		{entry: &BeginRemoteWrite{}},
		{entry: &EndRemoteWrite{}},
		{entry: &NoOp{}, skippable: true},
		{entry: &Suspend{}, hint: true, skippable: true},
		{entry: &Error{}, hint: true, skippable: true},
		{entry: &Interrupted{}, hint: true, skippable: true},
		{entry: &Exited{}, hint: true, skippable: true},
		{entry: &Restart{}, hint: true, skippable: true},
		{entry: &PendingUpdate{}, hint: true, skippable: true},
		{entry: &SuccessfulUpdate{}, hint: true, skippable: true},
		{entry: &FailedUpdate{}, hint: true, skippable: true},
		{entry: &ActivatePlugin{}, hint: true, skippable: true},
		{entry: &DeactivatePlugin{}, hint: true, skippable: true},
		{entry: &GrowMemory{}, hint: true, skippable: true},
		{entry: &Log{}, hint: true, skippable: true},
		{entry: &ChangePersistenceLevel{}, hint: true, skippable: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.entry.Kind()), func(t *testing.T) {
			assert.Equal(t, tt.hint, IsHint(tt.entry))
			assert.Equal(t, tt.skippable, Skippable(tt.entry))
		})
	}
}

func TestFunctionType_Text(t *testing.T) {
	for ft, name := range functionTypeNames {
		text, err := ft.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, name, string(text))

		var parsed FunctionType
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, ft, parsed)
	}

	var parsed FunctionType
	assert.Error(t, parsed.UnmarshalText([]byte("teleport")))
	_, err := FunctionType(42).MarshalText()
	assert.Error(t, err)

	assert.True(t, WriteRemote.IsRemote())
	assert.True(t, ReadRemote.IsRemote())
	assert.False(t, ReadLocal.IsRemote())
}
