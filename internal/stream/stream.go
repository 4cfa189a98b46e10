// Package stream owns the live message window for a single room: the
// bounded subscription against the remote log, the cross-room drop
// filter, day grouping and the pagination bound.
package stream

import (
	"log"
	"sync"
	"time"

	"github.com/studyhall/studysync/internal/attachment"
	"github.com/studyhall/studysync/internal/remotelog"
	"github.com/studyhall/studysync/internal/stats"
	"github.com/studyhall/studysync/internal/types"
)

const DefaultPageSize = 15

const (
	messagesCollection = "messages"
	roomIDField        = "roomId"
)

// View is the full render-ready state republished to the UI on every
// snapshot. It always replaces the previous view wholesale.
type View struct {
	RoomID      string     `json:"room_id"`
	Entries     []Entry    `json:"entries"`
	CanLoadMore bool       `json:"can_load_more"`
	ScrollHint  ScrollHint `json:"scroll_hint,omitempty"`
	// Degraded marks the subscription as unhealthy: the entries are the
	// last known state, not current, and must be rendered as such.
	Degraded bool   `json:"degraded,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Sink receives every published view. Publish is called from the
// remote log's delivery goroutine and must not block.
type Sink interface {
	Publish(v View)
}

// MessageStream materializes one room's message window.
type MessageStream struct {
	log   *log.Logger
	rlog  remotelog.RemoteLog
	stats stats.StatsProvider
	blobs attachment.BlobStore
	sink  Sink

	roomID   string
	pageSize int
	// now is the clock used for day headers; injectable in tests.
	now func() time.Time

	mu              sync.Mutex
	sub             remotelog.Subscription
	limit           int
	window          []types.Message
	degraded        bool
	scroll          ScrollState
	scrollThreshold int
	pendingPreserve bool
	preserveHeight  int
	opened          bool
	closed          bool
}

func New(logger *log.Logger, rlog remotelog.RemoteLog, st stats.StatsProvider, blobs attachment.BlobStore, sink Sink, roomID string, pageSize int) *MessageStream {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &MessageStream{
		log:             logger,
		rlog:            rlog,
		stats:           st,
		blobs:           blobs,
		sink:            sink,
		roomID:          roomID,
		pageSize:        pageSize,
		now:             time.Now,
		limit:           pageSize,
		scrollThreshold: DefaultScrollThreshold,
	}
}

// Open issues the bounded live query for the stream's room. The first
// snapshot is delivered before Open returns for stores with synchronous
// delivery.
func (s *MessageStream) Open() error {
	s.mu.Lock()
	if s.opened || s.closed {
		s.mu.Unlock()
		return remotelog.ErrClosed
	}
	s.opened = true
	limit := s.limit
	s.mu.Unlock()

	if err := s.subscribe(limit); err != nil {
		return err
	}

	s.stats.Incr(stats.ActiveSubscriptions)
	return nil
}

// Close synchronously releases the subscription. No view is published
// after Close returns, so a stream for another room can be opened
// without a late snapshot bleeding through.
func (s *MessageStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.sub = nil
	opened := s.opened
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if opened {
		s.stats.Decr(stats.ActiveSubscriptions)
	}
}

// UpdateScroll records the view's reported geometry, feeding the
// near-bottom decision on the next snapshot. The return value is the
// top offset the view should adopt, nonzero only on the first report
// after a load-more grew the list: the offset keeps the previously
// visible content in place.
func (s *MessageStream) UpdateScroll(state ScrollState) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restore := 0
	if s.preserveHeight > 0 && state.Height > s.preserveHeight {
		restore = PreservedTop(s.preserveHeight, state.Height)
		s.preserveHeight = 0
	}

	s.scroll = state
	return restore
}

// SetScrollThreshold overrides the near-bottom percentage.
func (s *MessageStream) SetScrollThreshold(pct int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pct > 0 && pct <= 100 {
		s.scrollThreshold = pct
	}
}

// Window returns a copy of the current ascending message window. The
// deletion coordinator decides "is newest" against this, per the
// closed-loop design: the same subscription that renders also arbitrates.
func (s *MessageStream) Window() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Message, len(s.window))
	copy(out, s.window)
	return out
}

func (s *MessageStream) RoomID() string {
	return s.roomID
}

// Limit reports the current page bound.
func (s *MessageStream) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// LiveCount reports the size of the last filtered result set.
func (s *MessageStream) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.window)
}

func (s *MessageStream) subscribe(limit int) error {
	sub, err := s.rlog.Subscribe(remotelog.Query{
		Collection:   messagesCollection,
		OrderByChild: roomIDField,
		EqualTo:      s.roomID,
		LimitToLast:  limit,
	}, s.handleSnapshot)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Close()
		return remotelog.ErrClosed
	}
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// resubscribe tears down the current subscription before opening one
// with a larger bound. The old subscription is closed first so a late
// snapshot for the smaller window cannot follow the new one.
func (s *MessageStream) resubscribe(limit int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return remotelog.ErrClosed
	}
	old := s.sub
	s.sub = nil
	s.limit = limit
	s.pendingPreserve = true
	// Anchor the pre-expansion height; the view's next geometry report
	// resolves it into a restored top offset.
	s.preserveHeight = s.scroll.Height
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return s.subscribe(limit)
}

func (s *MessageStream) handleSnapshot(snap remotelog.Snapshot, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if err != nil {
		s.degraded = true
		view := s.viewLocked(ScrollKeep)
		view.Error = err.Error()
		s.mu.Unlock()

		s.log.Printf("stream %q degraded: %v", s.roomID, err)
		s.sink.Publish(view)
		return
	}
	s.degraded = false

	window := make([]types.Message, 0, len(snap))
	for _, entry := range snap {
		msg, perr := types.MessageFromRecord(entry.Key, entry.Rec)
		if perr != nil {
			s.log.Printf("skipping malformed message %q: %v", entry.Key, perr)
			continue
		}

		// The query is already filtered by room id; re-check anyway.
		// A lagging index must never leak another room's messages into
		// this window.
		if msg.RoomID != s.roomID {
			s.log.Printf("dropping message %q: room id %q does not match subscription %q",
				msg.ID, msg.RoomID, s.roomID)
			s.stats.Incr(stats.CrossRoomDrops)
			continue
		}

		window = append(window, msg)
	}
	s.window = window

	hint := ScrollKeep
	switch {
	case s.pendingPreserve:
		hint = ScrollPreserve
		s.pendingPreserve = false
	case s.scroll.NearBottom(s.scrollThreshold):
		hint = ScrollBottom
	}

	view := s.viewLocked(hint)
	s.mu.Unlock()

	s.stats.Incr(stats.SnapshotsDelivered)
	s.sink.Publish(view)
}

func (s *MessageStream) viewLocked(hint ScrollHint) View {
	entries := GroupByDay(s.window, s.now())
	for i := range entries {
		if msg := entries[i].Message; msg != nil && msg.File != nil {
			view := attachment.Resolve(msg.File, s.blobs)
			entries[i].Attachment = &view
		}
	}

	return View{
		RoomID:      s.roomID,
		Entries:     entries,
		CanLoadMore: len(s.window) >= s.limit,
		ScrollHint:  hint,
		Degraded:    s.degraded,
	}
}
