package gateway

import (
	"net/http"
	"time"

	"github.com/studyhall/studysync/internal/stream"
	"github.com/studyhall/studysync/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is one operation sent by the UI over the websocket.
// Exactly one of the op fields is set.
type ClientMessage struct {
	BaseMessage
	Join        *Join        `json:"join,omitempty"`
	Leave       *Leave       `json:"leave,omitempty"`
	Send        *Send        `json:"send,omitempty"`
	LoadMore    *LoadMore    `json:"load_more,omitempty"`
	ToggleLike  *ToggleLike  `json:"toggle_like,omitempty"`
	ToggleAdmin *ToggleAdmin `json:"toggle_admin,omitempty"`
	Delete      *Delete      `json:"delete,omitempty"`
	Scroll      *Scroll      `json:"scroll,omitempty"`
}

type Join struct {
	RoomId   string `json:"room_id"`
	PageSize int    `json:"page_size,omitempty"`
}

type Leave struct{}

type FilePayload struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"` // base64
}

type Send struct {
	Text string       `json:"text,omitempty"`
	File *FilePayload `json:"file,omitempty"`
}

type LoadMore struct{}

type ToggleLike struct {
	MsgId string `json:"msg_id"`
}

type ToggleAdmin struct {
	UserId string `json:"user_id"`
}

type Delete struct {
	MsgId string `json:"msg_id"`
}

type Scroll struct {
	Top      int `json:"top"`
	Height   int `json:"height"`
	Viewport int `json:"viewport"`
	// Threshold, when positive, overrides the near-bottom percentage
	// used for the follow-to-bottom decision.
	Threshold int `json:"threshold,omitempty"`
}

// ServerMessage is one frame pushed to the UI: an op response, a fresh
// room view, or a directory update.
type ServerMessage struct {
	BaseMessage
	Response *Response    `json:"response,omitempty"`
	View     *stream.View `json:"view,omitempty"`
	Rooms    []types.Room `json:"rooms,omitempty"`
	// DirectoryDegraded marks the rooms list as stale after a directory
	// subscription error.
	DirectoryDegraded bool `json:"directory_degraded,omitempty"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func ErrNotFound(id int, msg string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        msg,
		},
	}
}

func ErrForbidden(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusForbidden,
			Error:        "not allowed",
		},
	}
}

func ErrInternalError(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
