// Package rooms provides the live room directory and the room
// lifecycle operations: create, join by code, leave.
package rooms

import (
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/studyhall/studysync/internal/remotelog"
	"github.com/studyhall/studysync/internal/types"
)

const roomsCollection = "rooms"

// DirectorySink receives the full room list on every change. A non-nil
// err marks the directory degraded; the list is then the last known
// state.
type DirectorySink func(rooms []types.Room, err error)

// Directory maintains the live list of rooms. It feeds display only;
// the message stream never consults it, and no ordering is guaranteed
// between the two subscriptions.
type Directory struct {
	log  *log.Logger
	rlog remotelog.RemoteLog
	sink DirectorySink

	mu     sync.Mutex
	sub    remotelog.Subscription
	rooms  []types.Room
	closed bool
}

func NewDirectory(logger *log.Logger, rlog remotelog.RemoteLog, sink DirectorySink) *Directory {
	return &Directory{log: logger, rlog: rlog, sink: sink}
}

func (d *Directory) Open() error {
	sub, err := d.rlog.Subscribe(remotelog.Query{Collection: roomsCollection}, d.handleSnapshot)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		sub.Close()
		return remotelog.ErrClosed
	}
	d.sub = sub
	d.mu.Unlock()
	return nil
}

func (d *Directory) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

// Rooms returns a copy of the current room list.
func (d *Directory) Rooms() []types.Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.Room, len(d.rooms))
	copy(out, d.rooms)
	return out
}

func (d *Directory) handleSnapshot(snap remotelog.Snapshot, err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	if err != nil {
		last := make([]types.Room, len(d.rooms))
		copy(last, d.rooms)
		d.mu.Unlock()

		d.log.Printf("room directory degraded: %v", err)
		d.sink(last, err)
		return
	}

	rooms := make([]types.Room, 0, len(snap))
	for _, entry := range snap {
		room, perr := types.RoomFromRecord(entry.Key, entry.Rec)
		if perr != nil {
			d.log.Printf("skipping malformed room %q: %v", entry.Key, perr)
			continue
		}
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	d.rooms = rooms

	out := make([]types.Room, len(rooms))
	copy(out, rooms)
	d.mu.Unlock()

	d.sink(out, nil)
}

// Filter applies the sidebar's visibility rules: private rooms show
// only to members, the joined-only toggle keeps rooms the user belongs
// to, and a search term matches name or description.
func Filter(rooms []types.Room, userID string, onlyJoined bool, search string) []types.Room {
	query := strings.ToLower(strings.TrimSpace(search))

	out := make([]types.Room, 0, len(rooms))
	for _, room := range rooms {
		var include bool
		if onlyJoined {
			include = room.Members[userID]
		} else {
			include = !room.IsPrivate || room.Members[userID]
		}
		if !include {
			continue
		}

		if query != "" {
			name := strings.ToLower(room.Name)
			desc := strings.ToLower(room.Description)
			if !strings.Contains(name, query) && !strings.Contains(desc, query) {
				continue
			}
		}

		out = append(out, room)
	}
	return out
}
