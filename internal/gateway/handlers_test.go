package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhall/studysync/internal/attachment"
	"github.com/studyhall/studysync/internal/config"
	"github.com/studyhall/studysync/internal/remotelog"
	"github.com/studyhall/studysync/internal/stats"
	"github.com/studyhall/studysync/internal/testutil"
	"github.com/studyhall/studysync/internal/types"
)

const testSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

func newTestGateway(t *testing.T) (*Gateway, *remotelog.MemoryLog) {
	t.Helper()

	cfg, err := config.NewConfig("localhost:0", "", testSigningKey, nil, true)
	require.NoError(t, err, "expected test config to build")

	m := remotelog.NewMemoryLog()
	g := NewGateway(http.NewServeMux(), testutil.TestLogger(t), m, attachment.NewMemoryBlobStore(), stats.NopStats{}, cfg)
	return g, m
}

func seedUser(t *testing.T, m *remotelog.MemoryLog, uid, name string) {
	t.Helper()
	user := types.User{UID: uid, Name: name, CreatedAt: Now(), IsGuest: true}
	err := m.MultiWrite(context.Background(), map[string]remotelog.Record{
		"users/" + uid: user.Record(),
	})
	require.NoError(t, err)
}

func authedRequest(method, target string, body []byte, uid string) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	return req.WithContext(WithUserId(req.Context(), uid))
}

func Test_healthCheck(t *testing.T) {
	g, _ := newTestGateway(t)

	rr := httptest.NewRecorder()
	g.healthCheck(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func Test_createSession(t *testing.T) {
	t.Run("issues cookie and stores profile", func(t *testing.T) {
		g, m := newTestGateway(t)

		body, _ := json.Marshal(GuestSessionRequest{Name: "Dana"})
		rr := httptest.NewRecorder()
		g.createSession(rr, httptest.NewRequest(http.MethodPost, "/api/session", bytes.NewReader(body)))

		require.Equal(t, http.StatusCreated, rr.Code, "expected session created")

		var user types.User
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &user))
		assert.Equal(t, "Dana", user.Name)
		assert.True(t, user.IsGuest)
		require.NotEmpty(t, user.UID)

		rec, err := m.Read(context.Background(), "users/"+user.UID)
		require.NoError(t, err, "expected profile persisted")
		assert.Equal(t, "Dana", rec["name"])

		cookie := findCookie(rr, tokenCookieKey)
		require.NotNil(t, cookie, "expected token cookie set")
		assert.True(t, cookie.HttpOnly)

		uid, err := g.extractUserIdFromToken(cookie.Value)
		require.NoError(t, err, "expected the cookie token to verify")
		assert.Equal(t, user.UID, uid)
	})

	t.Run("missing name rejected", func(t *testing.T) {
		g, _ := newTestGateway(t)

		body, _ := json.Marshal(GuestSessionRequest{})
		rr := httptest.NewRecorder()
		g.createSession(rr, httptest.NewRequest(http.MethodPost, "/api/session", bytes.NewReader(body)))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func Test_authMiddleware(t *testing.T) {
	g, m := newTestGateway(t)
	seedUser(t, m, "u1", "Dana")

	var gotUid string
	handler := g.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		gotUid, _ = UserId(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	t.Run("no cookie", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler(rr, httptest.NewRequest(http.MethodGet, "/api/session", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
		req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: "not-a-token"})
		rr := httptest.NewRecorder()
		handler(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := g.createJwtForSession("u1", defaultExp)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
		req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: token})
		rr := httptest.NewRecorder()
		handler(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "u1", gotUid, "expected the user id propagated on the context")
	})
}

func Test_createRoom(t *testing.T) {
	g, m := newTestGateway(t)
	seedUser(t, m, "u1", "Dana")

	body, _ := json.Marshal(CreateRoomRequest{Name: "algebra", Description: "math", IsPrivate: true})
	rr := httptest.NewRecorder()
	g.createRoom(rr, authedRequest(http.MethodPost, "/api/rooms", body, "u1"))

	require.Equal(t, http.StatusCreated, rr.Code, "expected room created, got body %s", rr.Body.String())

	var resp CreateRoomResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "algebra", resp.Room.Name)
	assert.NotEmpty(t, resp.JoinCode, "expected the one-time join code returned")
	assert.True(t, resp.Room.Members["u1"], "expected creator joined")
	assert.True(t, resp.Room.Admins["u1"], "expected creator admin")
}

func Test_updateRoom(t *testing.T) {
	g, m := newTestGateway(t)
	seedUser(t, m, "u1", "Dana")
	seedUser(t, m, "u2", "Sam")

	body, _ := json.Marshal(CreateRoomRequest{Name: "algebra", Description: "old"})
	rr := httptest.NewRecorder()
	g.createRoom(rr, authedRequest(http.MethodPost, "/api/rooms", body, "u1"))
	require.Equal(t, http.StatusCreated, rr.Code)

	var created CreateRoomResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	patch := func(roomId, uid string, req UpdateRoomRequest) *httptest.ResponseRecorder {
		body, _ := json.Marshal(req)
		rr := httptest.NewRecorder()
		r := authedRequest(http.MethodPatch, "/api/rooms/"+roomId, body, uid)
		r.SetPathValue("id", roomId)
		g.updateRoom(rr, r)
		return rr
	}

	t.Run("admin edits persist", func(t *testing.T) {
		rr := patch(created.Room.ID, "u1", UpdateRoomRequest{Name: "calculus", Description: "new"})
		require.Equal(t, http.StatusOK, rr.Code, "expected update accepted, got body %s", rr.Body.String())

		var room types.Room
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &room))
		assert.Equal(t, "calculus", room.Name)
		assert.Equal(t, "new", room.Description)

		rec, err := m.Read(context.Background(), "rooms/"+created.Room.ID)
		require.NoError(t, err)
		assert.Equal(t, "calculus", rec["name"], "expected the edit persisted")
	})

	t.Run("non-admin forbidden", func(t *testing.T) {
		rr := patch(created.Room.ID, "u2", UpdateRoomRequest{Name: "hijacked"})
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("unknown room", func(t *testing.T) {
		rr := patch("ghost", "u1", UpdateRoomRequest{Name: "whatever"})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("empty name rejected", func(t *testing.T) {
		rr := patch(created.Room.ID, "u1", UpdateRoomRequest{Name: ""})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func Test_joinAndLeaveRoom(t *testing.T) {
	g, m := newTestGateway(t)
	seedUser(t, m, "u1", "Dana")
	seedUser(t, m, "u2", "Sam")

	// u1 creates a room
	body, _ := json.Marshal(CreateRoomRequest{Name: "algebra"})
	rr := httptest.NewRecorder()
	g.createRoom(rr, authedRequest(http.MethodPost, "/api/rooms", body, "u1"))
	require.Equal(t, http.StatusCreated, rr.Code)

	var created CreateRoomResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	t.Run("join by code", func(t *testing.T) {
		body, _ := json.Marshal(JoinRoomRequest{Code: created.JoinCode})
		rr := httptest.NewRecorder()
		g.joinRoom(rr, authedRequest(http.MethodPost, "/api/rooms/join", body, "u2"))

		require.Equal(t, http.StatusOK, rr.Code, "expected join to succeed, got %s", rr.Body.String())

		var room types.Room
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &room))
		assert.True(t, room.Members["u2"])
	})

	t.Run("join again conflicts", func(t *testing.T) {
		body, _ := json.Marshal(JoinRoomRequest{Code: created.JoinCode})
		rr := httptest.NewRecorder()
		g.joinRoom(rr, authedRequest(http.MethodPost, "/api/rooms/join", body, "u2"))
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("unknown code", func(t *testing.T) {
		body, _ := json.Marshal(JoinRoomRequest{Code: "NOPE"})
		rr := httptest.NewRecorder()
		g.joinRoom(rr, authedRequest(http.MethodPost, "/api/rooms/join", body, "u2"))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("leave", func(t *testing.T) {
		body, _ := json.Marshal(LeaveRoomRequest{RoomId: created.Room.ID})
		rr := httptest.NewRecorder()
		g.leaveRoom(rr, authedRequest(http.MethodPost, "/api/rooms/leave", body, "u2"))
		assert.Equal(t, http.StatusNoContent, rr.Code)

		rec, err := m.Read(context.Background(), "rooms/"+created.Room.ID+"/members")
		require.NoError(t, err)
		_, ok := rec["u2"]
		assert.False(t, ok, "expected membership removed")
	})
}

func Test_listRooms(t *testing.T) {
	g, m := newTestGateway(t)
	seedUser(t, m, "u1", "Dana")
	seedUser(t, m, "u2", "Sam")

	create := func(name string, private bool, uid string) {
		body, _ := json.Marshal(CreateRoomRequest{Name: name, IsPrivate: private})
		rr := httptest.NewRecorder()
		g.createRoom(rr, authedRequest(http.MethodPost, "/api/rooms", body, uid))
		require.Equal(t, http.StatusCreated, rr.Code)
	}
	create("public math", false, "u1")
	create("secret club", true, "u1")

	t.Run("private rooms hidden from outsiders", func(t *testing.T) {
		rr := httptest.NewRecorder()
		g.listRooms(rr, authedRequest(http.MethodGet, "/api/rooms", nil, "u2"))
		require.Equal(t, http.StatusOK, rr.Code)

		var rooms []types.Room
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rooms))
		require.Len(t, rooms, 1)
		assert.Equal(t, "public math", rooms[0].Name)
		assert.Empty(t, rooms[0].JoinCode, "expected join code stripped for non-members")
	})

	t.Run("members see their private rooms", func(t *testing.T) {
		rr := httptest.NewRecorder()
		g.listRooms(rr, authedRequest(http.MethodGet, "/api/rooms", nil, "u1"))
		require.Equal(t, http.StatusOK, rr.Code)

		var rooms []types.Room
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rooms))
		assert.Len(t, rooms, 2)
	})

	t.Run("search filter", func(t *testing.T) {
		rr := httptest.NewRecorder()
		g.listRooms(rr, authedRequest(http.MethodGet, "/api/rooms?q=math", nil, "u1"))
		require.Equal(t, http.StatusOK, rr.Code)

		var rooms []types.Room
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rooms))
		require.Len(t, rooms, 1)
		assert.Equal(t, "public math", rooms[0].Name)
	})
}

func Test_getBlob(t *testing.T) {
	g, _ := newTestGateway(t)

	require.NoError(t, g.blobs.Put(context.Background(), "b1", "image/png", []byte("png-bytes")))

	t.Run("found", func(t *testing.T) {
		req := authedRequest(http.MethodGet, "/api/blobs/b1", nil, "u1")
		req.SetPathValue("key", "b1")
		rr := httptest.NewRecorder()
		g.getBlob(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))
		assert.Equal(t, "png-bytes", rr.Body.String())
	})

	t.Run("missing", func(t *testing.T) {
		req := authedRequest(http.MethodGet, "/api/blobs/nope", nil, "u1")
		req.SetPathValue("key", "nope")
		rr := httptest.NewRecorder()
		g.getBlob(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

// findCookie returns the named cookie from the recorder, or nil.
func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}
