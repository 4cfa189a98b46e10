package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/studyhall/studysync/internal/mutate"
	"github.com/studyhall/studysync/internal/rooms"
	"github.com/studyhall/studysync/internal/stream"
	"github.com/studyhall/studysync/internal/types"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	// large enough for an inline attachment upload plus envelope
	maxMessageSize = 512 * 1024
)

// Client is one websocket connection. It owns at most one open message
// stream at a time plus a directory subscription, and publishes both
// back over the socket.
type Client struct {
	conn    *websocket.Conn
	gateway *Gateway
	log     *log.Logger
	user    types.User
	send    chan *ServerMessage
	stop    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	stream    *stream.MessageStream
	paginator *stream.Paginator
	directory *rooms.Directory
}

func NewClient(user types.User, conn *websocket.Conn, g *Gateway, l *log.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:    conn,
		gateway: g,
		log:     l,
		user:    user,
		send:    make(chan *ServerMessage, 256),
		stop:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Publish implements stream.Sink. It runs on the remote log's delivery
// goroutine and must only queue.
func (c *Client) Publish(v stream.View) {
	c.queueMessage(&ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		View:        &v,
	})
}

func (c *Client) publishRooms(list []types.Room, err error) {
	visible := rooms.Filter(list, c.user.UID, false, "")

	// Join codes are credentials; the directory push never carries
	// them, members included. The create response is the one place a
	// code is handed out.
	for i := range visible {
		visible[i].JoinCode = ""
	}

	msg := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Rooms:       visible,
	}
	if err != nil {
		msg.DirectoryDegraded = true
	}
	c.queueMessage(msg)
}

func (c *Client) openDirectory() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := rooms.NewDirectory(c.log, c.gateway.rlog, c.publishRooms)
	if err := d.Open(); err != nil {
		return err
	}

	c.directory = d
	return nil
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	if err := c.openDirectory(); err != nil {
		c.log.Println("failed to open room directory:", err)
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *ClientMessage) {
	switch {
	case msg.Join != nil:
		c.handleJoin(msg)
	case msg.Leave != nil:
		c.handleLeave(msg)
	case msg.Send != nil:
		c.handleSend(msg)
	case msg.LoadMore != nil:
		c.handleLoadMore(msg)
	case msg.ToggleLike != nil:
		c.handleToggleLike(msg)
	case msg.ToggleAdmin != nil:
		c.handleToggleAdmin(msg)
	case msg.Delete != nil:
		c.handleDelete(msg)
	case msg.Scroll != nil:
		c.handleScroll(msg)
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

// handleJoin switches the client's live stream to another room. The old
// stream is closed before the new one opens so stale snapshots can never
// arrive after the switch.
func (c *Client) handleJoin(msg *ClientMessage) {
	room, err := c.readRoom(msg.Join.RoomId)
	if err != nil {
		c.queueMessage(ErrNotFound(msg.Id, "no such room"))
		return
	}

	if !room.Members[c.user.UID] {
		c.queueMessage(ErrForbidden(msg.Id))
		return
	}

	c.mu.Lock()
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
		c.paginator = nil
	}

	s := stream.New(c.log, c.gateway.rlog, c.gateway.stats, c.gateway.blobs, c, room.ID, msg.Join.PageSize)
	if err := s.Open(); err != nil {
		c.mu.Unlock()
		c.log.Printf("open stream for room %q: %v", room.ID, err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	c.stream = s
	c.paginator = stream.NewPaginator(s)
	c.mu.Unlock()

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"room_id": room.ID}))
}

func (c *Client) handleLeave(msg *ClientMessage) {
	c.mu.Lock()
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
		c.paginator = nil
	}
	c.mu.Unlock()

	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (c *Client) handleSend(msg *ClientMessage) {
	s := c.currentStream()
	if s == nil {
		c.queueMessage(ErrNotFound(msg.Id, "no room joined"))
		return
	}

	author := types.Author{
		UID:       c.user.UID,
		Name:      c.user.Name,
		CreatedAt: c.user.CreatedAt,
		Avatar:    c.user.Avatar,
	}

	var (
		msgId string
		err   error
	)
	if msg.Send.File != nil {
		var data []byte
		data, err = base64.StdEncoding.DecodeString(msg.Send.File.Data)
		if err != nil {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			return
		}
		msgId, err = c.gateway.composer.SendAttachment(c.ctx, s.RoomID(), author, msg.Send.File.Name, msg.Send.File.ContentType, data)
	} else {
		if msg.Send.Text == "" {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			return
		}
		msgId, err = c.gateway.composer.SendText(c.ctx, s.RoomID(), author, msg.Send.Text)
	}

	if err != nil {
		c.log.Printf("send message to room %q: %v", s.RoomID(), err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"msg_id": msgId}))
}

func (c *Client) handleLoadMore(msg *ClientMessage) {
	p := c.currentPaginator()
	if p == nil {
		c.queueMessage(ErrNotFound(msg.Id, "no room joined"))
		return
	}

	expanded, err := p.LoadMore()
	if err != nil {
		c.log.Printf("load more: %v", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"expanded": expanded}))
}

func (c *Client) handleToggleLike(msg *ClientMessage) {
	res, err := c.gateway.mutator.ToggleLike(c.ctx, msg.ToggleLike.MsgId, c.user.UID)
	if err != nil {
		if errors.Is(err, mutate.ErrRecordGone) {
			c.queueMessage(ErrNotFound(msg.Id, "message no longer exists"))
			return
		}
		c.log.Printf("toggle like on %q: %v", msg.ToggleLike.MsgId, err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{
		"state": string(res.State),
		"count": res.Count,
	}))
}

func (c *Client) handleToggleAdmin(msg *ClientMessage) {
	s := c.currentStream()
	if s == nil {
		c.queueMessage(ErrNotFound(msg.Id, "no room joined"))
		return
	}

	room, err := c.readRoom(s.RoomID())
	if err != nil {
		c.queueMessage(ErrNotFound(msg.Id, "no such room"))
		return
	}

	if !room.Admins[c.user.UID] {
		c.queueMessage(ErrForbidden(msg.Id))
		return
	}

	state, err := c.gateway.mutator.ToggleAdmin(c.ctx, s.RoomID(), msg.ToggleAdmin.UserId)
	if err != nil {
		c.log.Printf("toggle admin %q in room %q: %v", msg.ToggleAdmin.UserId, s.RoomID(), err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"state": string(state)}))
}

func (c *Client) handleDelete(msg *ClientMessage) {
	s := c.currentStream()
	if s == nil {
		c.queueMessage(ErrNotFound(msg.Id, "no room joined"))
		return
	}

	window := s.Window()

	var target *types.Message
	for i := range window {
		if window[i].ID == msg.Delete.MsgId {
			target = &window[i]
			break
		}
	}
	if target == nil {
		c.queueMessage(ErrNotFound(msg.Id, "message not in view"))
		return
	}

	if target.Author.UID != c.user.UID {
		room, err := c.readRoom(s.RoomID())
		if err != nil || !room.Admins[c.user.UID] {
			c.queueMessage(ErrForbidden(msg.Id))
			return
		}
	}

	err := c.gateway.deleter.DeleteMessage(c.ctx, s.RoomID(), window, msg.Delete.MsgId)
	var cleanupErr *mutate.BlobCleanupError
	switch {
	case errors.As(err, &cleanupErr):
		// message is gone; the blob is orphaned, already counted
		c.log.Printf("blob cleanup after delete: %v", cleanupErr)
	case errors.Is(err, mutate.ErrNotInWindow):
		c.queueMessage(ErrNotFound(msg.Id, "message not in view"))
		return
	case err != nil:
		c.log.Printf("delete message %q: %v", msg.Delete.MsgId, err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (c *Client) handleScroll(msg *ClientMessage) {
	s := c.currentStream()
	if s == nil {
		return
	}

	if msg.Scroll.Threshold > 0 {
		s.SetScrollThreshold(msg.Scroll.Threshold)
	}

	restore := s.UpdateScroll(stream.ScrollState{
		Top:      msg.Scroll.Top,
		Height:   msg.Scroll.Height,
		Viewport: msg.Scroll.Viewport,
	})
	if restore > 0 {
		c.queueMessage(NoErrOK(msg.Id, map[string]any{"scroll_top": restore}))
	}
}

func (c *Client) readRoom(roomId string) (types.Room, error) {
	rec, err := c.gateway.rlog.Read(c.ctx, "rooms/"+roomId)
	if err != nil {
		return types.Room{}, err
	}

	return types.RoomFromRecord(roomId, rec)
}

func (c *Client) currentStream() *stream.MessageStream {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stream
}

func (c *Client) currentPaginator() *stream.Paginator {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.paginator
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

func (c *Client) cleanup() {
	c.mu.Lock()
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
		c.paginator = nil
	}
	if c.directory != nil {
		c.directory.Close()
		c.directory = nil
	}
	c.mu.Unlock()

	if err := c.gateway.presence.Offline(context.Background(), c.user.UID); err != nil {
		c.log.Printf("mark %q offline: %v", c.user.UID, err)
	}

	c.gateway.deregisterClient(c)
	c.cancel()
	c.stopClient()
}
