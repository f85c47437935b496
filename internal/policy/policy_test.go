package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityTable(t *testing.T) {
	tests := []struct {
		mode Mode
		want Capabilities
	}{
		{Offline, Capabilities{}},
		{Online, Capabilities{PreferRemoteRead: true, FallbackOnMiss: true, SearchRemote: true, WriteAllowed: true}},
		{Accelerated, Capabilities{FallbackOnMiss: true, SearchRemote: true, WriteAllowed: true}},
		{Destructive, Capabilities{FallbackOnMiss: true, SearchRemote: true, WriteAllowed: true, DeleteAllowed: true}},
		{Refresh, Capabilities{PreferRemoteRead: true, FallbackOnMiss: true, SearchRemote: true, WriteAllowed: true, OverwriteCache: true}},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, For(tt.mode))
		})
	}
}

func TestDestructiveIsOnlyDeletingMode(t *testing.T) {
	for _, m := range Modes() {
		if m == Destructive {
			assert.True(t, For(m).DeleteAllowed)
		} else {
			assert.False(t, For(m).DeleteAllowed, "mode %s must not allow delete", m)
		}
	}
}

func TestBestEffortWrite(t *testing.T) {
	assert.False(t, For(Offline).BestEffortWrite())
	assert.False(t, For(Online).BestEffortWrite())
	assert.True(t, For(Accelerated).BestEffortWrite())
	assert.True(t, For(Destructive).BestEffortWrite())
	assert.False(t, For(Refresh).BestEffortWrite())
}

func TestParseRoundTrip(t *testing.T) {
	for _, m := range Modes() {
		got, err := Parse(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := Parse("turbo")
	assert.Error(t, err)
}
