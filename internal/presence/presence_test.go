package presence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhall/studysync/internal/remotelog"
	"github.com/studyhall/studysync/internal/testutil"
)

func TestTracker(t *testing.T) {
	t.Run("online then clean offline", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		tr := NewTracker(testutil.TestLogger(t), m)

		require.NoError(t, tr.Online(context.Background(), "u1"))

		online, err := tr.IsOnline(context.Background(), "u1")
		require.NoError(t, err)
		assert.True(t, online)

		rec, err := m.Read(context.Background(), "status/u1")
		require.NoError(t, err)
		_, ok := rec["last_changed"].(int64)
		assert.True(t, ok, "expected server-resolved change time")

		require.NoError(t, tr.Offline(context.Background(), "u1"))
		online, err = tr.IsOnline(context.Background(), "u1")
		require.NoError(t, err)
		assert.False(t, online)
	})

	t.Run("dropped connection flips offline", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		tr := NewTracker(testutil.TestLogger(t), m)

		require.NoError(t, tr.Online(context.Background(), "u1"))
		require.NoError(t, m.DropConnection(context.Background()))

		online, err := tr.IsOnline(context.Background(), "u1")
		require.NoError(t, err)
		assert.False(t, online, "expected the registered on-disconnect write to win")
	})

	t.Run("unknown user counts as offline", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		tr := NewTracker(testutil.TestLogger(t), m)

		online, err := tr.IsOnline(context.Background(), "ghost")
		require.NoError(t, err)
		assert.False(t, online)
	})
}
