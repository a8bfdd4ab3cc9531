package durability

import (
	"testing"

	"github.com/getpup/pupsourcing-durable/oplog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFunctions_Classification(t *testing.T) {
	tests := []struct {
		fn   Function
		want oplog.FunctionType
	}{
		{fn: WallClockNow, want: oplog.ReadLocal},
		{fn: RandomBytes, want: oplog.ReadLocal},
		{fn: EnvironmentGet, want: oplog.NoSideEffect},
		{fn: KeyValueGet, want: oplog.ReadRemote},
		{fn: KeyValueSet, want: oplog.WriteRemote},
		{fn: RemoteInvoke, want: oplog.WriteRemote},
		{fn: PromiseCreate, want: oplog.WriteLocal},
	}

	for _, tt := range tests {
		t.Run(tt.fn.Name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fn.Type)

			found, ok := Lookup(tt.fn.Name)
			require.True(t, ok)
			assert.Equal(t, tt.fn, found)
		})
	}

	_, ok := Lookup("fs::write")
	assert.False(t, ok)
}

func TestFunctions_NamesAreUnique(t *testing.T) {
	all := Functions()
	assert.Len(t, all, len(functions))

	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Name, all[i].Name)
	}
}
