package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/studyhall/studysync/internal/attachment"
	"github.com/studyhall/studysync/internal/remotelog"
	"github.com/studyhall/studysync/internal/rooms"
	"github.com/studyhall/studysync/internal/types"
)

type CreateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"is_private"`
}

type CreateRoomResponse struct {
	Room     types.Room `json:"room"`
	JoinCode string     `json:"join_code"`
}

type UpdateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type JoinRoomRequest struct {
	Code string `json:"code"`
}

type LeaveRoomRequest struct {
	RoomId string `json:"room_id"`
}

func (g *Gateway) createRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Name == "" {
		errResp := NewBadRequestError()
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := g.lookupUser(r.Context(), userId)
	if err != nil {
		errResp := NewInternalServerError(err)
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, code, err := g.rooms.Create(r.Context(), req.Name, req.Description, req.IsPrivate, user)
	if err != nil {
		errResp := NewInternalServerError(err)
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	g.writeJson(w, http.StatusCreated, CreateRoomResponse{
		Room:     room,
		JoinCode: code,
	})
}

func (g *Gateway) updateRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req UpdateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Name == "" {
		errResp := NewBadRequestError()
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := g.rooms.UpdateRoom(r.Context(), r.PathValue("id"), userId, req.Name, req.Description)
	if err != nil {
		var errResp *ApiError
		switch {
		case errors.Is(err, rooms.ErrNoSuchRoom):
			errResp = NewNotFoundError()
		case errors.Is(err, rooms.ErrNotAdmin):
			errResp = NewForbiddenError()
		default:
			errResp = NewInternalServerError(err)
		}
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !room.Members[userId] {
		room.JoinCode = ""
	}
	g.writeJson(w, http.StatusOK, room)
}

func (g *Gateway) listRooms(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	all, err := g.rlog.Read(r.Context(), "rooms")
	if err != nil && !errors.Is(err, remotelog.ErrRecordNotFound) {
		errResp := NewInternalServerError(err)
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	list := make([]types.Room, 0, len(all))
	for key, v := range all {
		rec, ok := v.(remotelog.Record)
		if !ok {
			continue
		}
		room, perr := types.RoomFromRecord(key, rec)
		if perr != nil {
			g.log.Printf("skipping malformed room %q: %v", key, perr)
			continue
		}
		list = append(list, room)
	}
	slices.SortFunc(list, func(a, b types.Room) int {
		if a.ID < b.ID {
			return -1
		} else if a.ID > b.ID {
			return 1
		}
		return 0
	})

	onlyJoined, _ := strconv.ParseBool(r.URL.Query().Get("joined"))
	visible := rooms.Filter(list, userId, onlyJoined, r.URL.Query().Get("q"))

	// Join codes are credentials, not directory data.
	for i := range visible {
		if !visible[i].Members[userId] {
			visible[i].JoinCode = ""
		}
	}

	g.writeJson(w, http.StatusOK, visible)
}

func (g *Gateway) joinRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req JoinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := g.rooms.JoinByCode(r.Context(), req.Code, userId)
	if err != nil {
		var errResp *ApiError
		switch {
		case errors.Is(err, rooms.ErrNoSuchRoom):
			errResp = NewNotFoundError()
		case errors.Is(err, rooms.ErrAlreadyMember):
			errResp = NewConflictError("already a member")
		default:
			errResp = NewInternalServerError(err)
		}
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	g.writeJson(w, http.StatusOK, room)
}

func (g *Gateway) leaveRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req LeaveRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := g.rooms.Leave(r.Context(), req.RoomId, userId); err != nil {
		var errResp *ApiError
		switch {
		case errors.Is(err, rooms.ErrNoSuchRoom):
			errResp = NewNotFoundError()
		case errors.Is(err, rooms.ErrNotMember):
			errResp = NewConflictError("not a member")
		default:
			errResp = NewInternalServerError(err)
		}
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) userPresence(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	if uid == "" {
		errResp := NewBadRequestError()
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	online, err := g.presence.IsOnline(r.Context(), uid)
	if err != nil {
		errResp := NewInternalServerError(err)
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	g.writeJson(w, http.StatusOK, map[string]any{"uid": uid, "online": online})
}

func (g *Gateway) getBlob(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		errResp := NewBadRequestError()
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	data, contentType, err := g.blobs.Get(r.Context(), key)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, attachment.ErrBlobNotFound) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=86400")
	if _, err := w.Write(data); err != nil {
		g.log.Printf("write blob %q: %v", key, err)
	}
}

func (g *Gateway) serveWs(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := g.lookupUser(r.Context(), userId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, remotelog.ErrRecordNotFound) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		g.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(g.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Println("error upgrading connection:", err)
		return
	}

	client := NewClient(user, conn, g, g.log)
	g.registerClient(client)

	if err := g.presence.Online(r.Context(), user.UID); err != nil {
		g.log.Printf("mark %q online: %v", user.UID, err)
	}

	go client.Write()
	go client.Read()
}
