package types

import (
	"fmt"
	"time"
)

// Author is a snapshot of the sending user taken at send time. It is a
// copy, not a live reference, so later profile edits do not rewrite
// delivered messages.
type Author struct {
	UID       string    `json:"uid"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Avatar    string    `json:"avatar,omitempty"`
}

// Attachment is embedded in a message. Inline attachments carry the
// base64 payload directly in Payload and die with the message record;
// stored attachments hold the object key of a blob in the external
// store and need an explicit delete when the message goes away.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Payload     string `json:"payload"`
	IsBase64    bool   `json:"is_base64"`
}

type Message struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	Author    Author          `json:"author"`
	CreatedAt time.Time       `json:"created_at"`
	Text      string          `json:"text,omitempty"`
	File      *Attachment     `json:"file,omitempty"`
	LikeCount int             `json:"like_count"`
	Likes     map[string]bool `json:"likes,omitempty"`
}

// LastMessage is the denormalized newest-message summary stored on the
// room record for cheap list rendering.
type LastMessage struct {
	MsgID     string      `json:"msg_id"`
	RoomID    string      `json:"room_id"`
	Author    Author      `json:"author"`
	CreatedAt time.Time   `json:"created_at"`
	Text      string      `json:"text,omitempty"`
	File      *Attachment `json:"file,omitempty"`
}

type Room struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	JoinCode     string          `json:"join_code,omitempty"`
	JoinCodeHash string          `json:"-"`
	IsPrivate    bool            `json:"is_private"`
	Members      map[string]bool `json:"members,omitempty"`
	Admins       map[string]bool `json:"admins,omitempty"`
	LastMessage  *LastMessage    `json:"last_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type User struct {
	UID       string    `json:"uid"`
	Name      string    `json:"name"`
	Avatar    string    `json:"avatar,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	IsGuest   bool      `json:"is_guest,omitempty"`
}

// Summary returns the denormalized copy of m stored on the room record.
func (m Message) Summary() LastMessage {
	return LastMessage{
		MsgID:     m.ID,
		RoomID:    m.RoomID,
		Author:    m.Author,
		CreatedAt: m.CreatedAt,
		Text:      m.Text,
		File:      m.File,
	}
}

// Timestamps are persisted as unix milliseconds, matching the remote
// store's server-time representation.

func TimeToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (a Author) Record() map[string]any {
	rec := map[string]any{
		"uid":       a.UID,
		"name":      a.Name,
		"createdAt": TimeToMillis(a.CreatedAt),
	}
	if a.Avatar != "" {
		rec["avatar"] = a.Avatar
	}
	return rec
}

func (f Attachment) Record() map[string]any {
	return map[string]any{
		"name":        f.Name,
		"contentType": f.ContentType,
		"payload":     f.Payload,
		"isBase64":    f.IsBase64,
	}
}

func (m Message) Record() map[string]any {
	rec := map[string]any{
		"roomId":    m.RoomID,
		"author":    m.Author.Record(),
		"createdAt": TimeToMillis(m.CreatedAt),
		"likeCount": int64(m.LikeCount),
	}
	if m.Text != "" {
		rec["text"] = m.Text
	}
	if m.File != nil {
		rec["file"] = m.File.Record()
	}
	if len(m.Likes) > 0 {
		likes := make(map[string]any, len(m.Likes))
		for uid, v := range m.Likes {
			if v {
				likes[uid] = true
			}
		}
		rec["likes"] = likes
	}
	return rec
}

func (lm LastMessage) Record() map[string]any {
	rec := map[string]any{
		"msgId":     lm.MsgID,
		"roomId":    lm.RoomID,
		"author":    lm.Author.Record(),
		"createdAt": TimeToMillis(lm.CreatedAt),
	}
	if lm.Text != "" {
		rec["text"] = lm.Text
	}
	if lm.File != nil {
		rec["file"] = lm.File.Record()
	}
	return rec
}

func (r Room) Record() map[string]any {
	rec := map[string]any{
		"name":        r.Name,
		"description": r.Description,
		"isPrivate":   r.IsPrivate,
		"createdAt":   TimeToMillis(r.CreatedAt),
	}
	if r.JoinCode != "" {
		rec["roomCode"] = r.JoinCode
	}
	if r.JoinCodeHash != "" {
		rec["roomCodeHash"] = r.JoinCodeHash
	}
	if len(r.Members) > 0 {
		rec["members"] = boolSetRecord(r.Members)
	}
	if len(r.Admins) > 0 {
		rec["admins"] = boolSetRecord(r.Admins)
	}
	if r.LastMessage != nil {
		rec["lastMessage"] = r.LastMessage.Record()
	}
	return rec
}

func (u User) Record() map[string]any {
	rec := map[string]any{
		"name":      u.Name,
		"createdAt": TimeToMillis(u.CreatedAt),
	}
	if u.Avatar != "" {
		rec["avatar"] = u.Avatar
	}
	if u.IsGuest {
		rec["isGuest"] = true
	}
	return rec
}

func boolSetRecord(set map[string]bool) map[string]any {
	out := make(map[string]any, len(set))
	for k, v := range set {
		if v {
			out[k] = true
		}
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// asInt64 accepts the numeric types a JSON round trip may produce.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	}
	return 0
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func BoolSetFromRecord(v any) map[string]bool {
	m := asMap(v)
	if m == nil {
		return nil
	}
	set := make(map[string]bool, len(m))
	for k, val := range m {
		if asBool(val) {
			set[k] = true
		}
	}
	return set
}

func AuthorFromRecord(rec map[string]any) Author {
	return Author{
		UID:       asString(rec["uid"]),
		Name:      asString(rec["name"]),
		CreatedAt: MillisToTime(asInt64(rec["createdAt"])),
		Avatar:    asString(rec["avatar"]),
	}
}

func AttachmentFromRecord(rec map[string]any) *Attachment {
	if rec == nil {
		return nil
	}
	return &Attachment{
		Name:        asString(rec["name"]),
		ContentType: asString(rec["contentType"]),
		Payload:     asString(rec["payload"]),
		IsBase64:    asBool(rec["isBase64"]),
	}
}

func MessageFromRecord(key string, rec map[string]any) (Message, error) {
	if rec == nil {
		return Message{}, fmt.Errorf("message %q: empty record", key)
	}

	msg := Message{
		ID:        key,
		RoomID:    asString(rec["roomId"]),
		Author:    AuthorFromRecord(asMap(rec["author"])),
		CreatedAt: MillisToTime(asInt64(rec["createdAt"])),
		Text:      asString(rec["text"]),
		File:      AttachmentFromRecord(asMap(rec["file"])),
		LikeCount: int(asInt64(rec["likeCount"])),
		Likes:     BoolSetFromRecord(rec["likes"]),
	}

	if msg.RoomID == "" {
		return Message{}, fmt.Errorf("message %q: missing room id", key)
	}
	return msg, nil
}

func LastMessageFromRecord(rec map[string]any) *LastMessage {
	if rec == nil {
		return nil
	}
	return &LastMessage{
		MsgID:     asString(rec["msgId"]),
		RoomID:    asString(rec["roomId"]),
		Author:    AuthorFromRecord(asMap(rec["author"])),
		CreatedAt: MillisToTime(asInt64(rec["createdAt"])),
		Text:      asString(rec["text"]),
		File:      AttachmentFromRecord(asMap(rec["file"])),
	}
}

func RoomFromRecord(key string, rec map[string]any) (Room, error) {
	if rec == nil {
		return Room{}, fmt.Errorf("room %q: empty record", key)
	}

	return Room{
		ID:           key,
		Name:         asString(rec["name"]),
		Description:  asString(rec["description"]),
		JoinCode:     asString(rec["roomCode"]),
		JoinCodeHash: asString(rec["roomCodeHash"]),
		IsPrivate:    asBool(rec["isPrivate"]),
		Members:      BoolSetFromRecord(rec["members"]),
		Admins:       BoolSetFromRecord(rec["admins"]),
		LastMessage:  LastMessageFromRecord(asMap(rec["lastMessage"])),
		CreatedAt:    MillisToTime(asInt64(rec["createdAt"])),
	}, nil
}

func UserFromRecord(key string, rec map[string]any) (User, error) {
	if rec == nil {
		return User{}, fmt.Errorf("user %q: empty record", key)
	}

	return User{
		UID:       key,
		Name:      asString(rec["name"]),
		Avatar:    asString(rec["avatar"]),
		CreatedAt: MillisToTime(asInt64(rec["createdAt"])),
		IsGuest:   asBool(rec["isGuest"]),
	}, nil
}
