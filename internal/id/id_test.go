package id

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestNewTaskID verifies generated ids are unique, parseable UUIDv7 values.
func TestNewTaskID(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		s, err := NewTaskID()
		require.NoError(t, err)
		u, err := uuid.Parse(s)
		require.NoError(t, err)
		require.Equal(t, uuid.Version(7), u.Version())
		_, dup := seen[s]
		require.False(t, dup)
		seen[s] = struct{}{}
	}
}
