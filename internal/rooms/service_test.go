package rooms

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/studyhall/studysync/internal/remotelog"
	"github.com/studyhall/studysync/internal/testutil"
	"github.com/studyhall/studysync/internal/types"
)

var owner = types.User{UID: "owner", Name: "Owner"}

func TestCreate(t *testing.T) {
	t.Run("public room stores code in the clear", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		s := NewService(testutil.TestLogger(t), m)

		room, code, err := s.Create(context.Background(), "algebra", "homework help", false, owner)
		require.NoError(t, err)
		require.NotEmpty(t, code)

		assert.Equal(t, "algebra", room.Name)
		assert.Equal(t, code, room.JoinCode, "expected public code readable off the record")
		assert.True(t, room.Members[owner.UID], "expected creator seeded as member")
		assert.True(t, room.Admins[owner.UID], "expected creator seeded as admin")
		assert.False(t, room.CreatedAt.IsZero(), "expected server-resolved creation time")
		assert.Equal(t, code, strings.ToUpper(code), "expected normalized code")
	})

	t.Run("private room stores only the hash", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		s := NewService(testutil.TestLogger(t), m)

		room, code, err := s.Create(context.Background(), "secret study", "", true, owner)
		require.NoError(t, err)
		require.NotEmpty(t, code)

		assert.Empty(t, room.JoinCode, "expected no clear-text code on a private room")
		require.NotEmpty(t, room.JoinCodeHash)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(room.JoinCodeHash), []byte(code)),
			"expected the returned code to verify against the stored hash")
	})

	t.Run("empty name rejected", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		s := NewService(testutil.TestLogger(t), m)

		_, _, err := s.Create(context.Background(), "  ", "", false, owner)
		assert.Error(t, err)
	})
}

func TestJoinByCode(t *testing.T) {
	t.Run("public room case-insensitive", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		s := NewService(testutil.TestLogger(t), m)

		created, code, err := s.Create(context.Background(), "algebra", "", false, owner)
		require.NoError(t, err)

		joined, err := s.JoinByCode(context.Background(), strings.ToLower(code), "u2")
		require.NoError(t, err)
		assert.Equal(t, created.ID, joined.ID)
		assert.True(t, joined.Members["u2"], "expected u2 added to members")
		assert.False(t, joined.Admins["u2"], "expected no admin grant on join")

		rec, err := m.Read(context.Background(), "rooms/"+created.ID+"/members")
		require.NoError(t, err)
		assert.Equal(t, true, rec["u2"], "expected membership persisted")
		assert.Equal(t, true, rec[owner.UID], "expected existing members kept")
	})

	t.Run("private room verifies against hash", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		s := NewService(testutil.TestLogger(t), m)

		created, code, err := s.Create(context.Background(), "secret", "", true, owner)
		require.NoError(t, err)

		joined, err := s.JoinByCode(context.Background(), code, "u2")
		require.NoError(t, err)
		assert.Equal(t, created.ID, joined.ID)
		assert.True(t, joined.Members["u2"])
	})

	t.Run("wrong code", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		s := NewService(testutil.TestLogger(t), m)

		_, _, err := s.Create(context.Background(), "secret", "", true, owner)
		require.NoError(t, err)

		_, err = s.JoinByCode(context.Background(), "WRONGCODE", "u2")
		assert.ErrorIs(t, err, ErrNoSuchRoom)
	})

	t.Run("already a member", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		s := NewService(testutil.TestLogger(t), m)

		_, code, err := s.Create(context.Background(), "algebra", "", false, owner)
		require.NoError(t, err)

		_, err = s.JoinByCode(context.Background(), code, owner.UID)
		assert.ErrorIs(t, err, ErrAlreadyMember)
	})

	t.Run("empty code", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		s := NewService(testutil.TestLogger(t), m)

		_, err := s.JoinByCode(context.Background(), "  ", "u2")
		assert.ErrorIs(t, err, ErrNoSuchRoom)
	})

	t.Run("record without a members field", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		s := NewService(testutil.TestLogger(t), m)

		// Externally seeded rooms may carry no member set at all.
		err := m.MultiWrite(context.Background(), map[string]remotelog.Record{
			"rooms/seeded": {
				"name":      "imported",
				"createdAt": int64(1),
				"isPrivate": false,
				"roomCode":  "SEEDCODE",
			},
		})
		require.NoError(t, err)

		joined, err := s.JoinByCode(context.Background(), "seedcode", "u2")
		require.NoError(t, err)
		assert.True(t, joined.Members["u2"], "expected u2 added as first member")

		rec, err := m.Read(context.Background(), "rooms/seeded/members")
		require.NoError(t, err)
		assert.Equal(t, true, rec["u2"], "expected membership persisted")
	})
}

func TestUpdateRoom(t *testing.T) {
	t.Run("admin edits name and description", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		s := NewService(testutil.TestLogger(t), m)

		created, _, err := s.Create(context.Background(), "algebra", "old", false, owner)
		require.NoError(t, err)

		updated, err := s.UpdateRoom(context.Background(), created.ID, owner.UID, "calculus", "derivatives and limits")
		require.NoError(t, err)
		assert.Equal(t, "calculus", updated.Name)
		assert.Equal(t, "derivatives and limits", updated.Description)
		assert.True(t, updated.Members[owner.UID], "expected membership untouched by the edit")

		rec, err := m.Read(context.Background(), "rooms/"+created.ID)
		require.NoError(t, err)
		assert.Equal(t, "calculus", rec["name"], "expected the edit persisted")
	})

	t.Run("non-admin rejected", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		s := NewService(testutil.TestLogger(t), m)

		created, code, err := s.Create(context.Background(), "algebra", "old", false, owner)
		require.NoError(t, err)
		_, err = s.JoinByCode(context.Background(), code, "u2")
		require.NoError(t, err)

		_, err = s.UpdateRoom(context.Background(), created.ID, "u2", "hijacked", "")
		assert.ErrorIs(t, err, ErrNotAdmin)

		rec, err := m.Read(context.Background(), "rooms/"+created.ID)
		require.NoError(t, err)
		assert.Equal(t, "algebra", rec["name"], "expected the record unchanged")
	})

	t.Run("missing room", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		s := NewService(testutil.TestLogger(t), m)

		_, err := s.UpdateRoom(context.Background(), "ghost", owner.UID, "name", "")
		assert.ErrorIs(t, err, ErrNoSuchRoom)
	})

	t.Run("empty name rejected", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		s := NewService(testutil.TestLogger(t), m)

		created, _, err := s.Create(context.Background(), "algebra", "", false, owner)
		require.NoError(t, err)

		_, err = s.UpdateRoom(context.Background(), created.ID, owner.UID, "  ", "")
		assert.Error(t, err)
	})
}

func TestLeave(t *testing.T) {
	t.Run("removes member and admin entries", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		s := NewService(testutil.TestLogger(t), m)

		created, code, err := s.Create(context.Background(), "algebra", "", false, owner)
		require.NoError(t, err)
		_, err = s.JoinByCode(context.Background(), code, "u2")
		require.NoError(t, err)

		require.NoError(t, s.Leave(context.Background(), created.ID, "u2"))

		rec, err := m.Read(context.Background(), "rooms/"+created.ID+"/members")
		require.NoError(t, err)
		_, ok := rec["u2"]
		assert.False(t, ok, "expected u2 removed from members")
		assert.Equal(t, true, rec[owner.UID], "expected remaining members untouched")
	})

	t.Run("admin leaving loses the grant", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		s := NewService(testutil.TestLogger(t), m)

		created, _, err := s.Create(context.Background(), "algebra", "", false, owner)
		require.NoError(t, err)

		require.NoError(t, s.Leave(context.Background(), created.ID, owner.UID))

		rec, err := m.Read(context.Background(), "rooms/"+created.ID)
		require.NoError(t, err)
		room, err := types.RoomFromRecord(created.ID, rec)
		require.NoError(t, err)
		assert.False(t, room.Members[owner.UID])
		assert.False(t, room.Admins[owner.UID], "expected the admin grant removed too")
	})

	t.Run("missing room", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		s := NewService(testutil.TestLogger(t), m)

		err := s.Leave(context.Background(), "ghost", "u2")
		assert.ErrorIs(t, err, ErrNoSuchRoom)
	})
}
