package rooms

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/teris-io/shortid"
	"golang.org/x/crypto/bcrypt"

	"github.com/studyhall/studysync/internal/remotelog"
	"github.com/studyhall/studysync/internal/types"
)

var (
	ErrNoSuchRoom    = errors.New("no room with that code")
	ErrAlreadyMember = errors.New("already a member of this room")
	ErrNotMember     = errors.New("not a member of this room")
	ErrNotAdmin      = errors.New("not an admin of this room")
)

// Service performs room lifecycle writes against the remote log.
type Service struct {
	log  *log.Logger
	rlog remotelog.RemoteLog
}

func NewService(logger *log.Logger, rlog remotelog.RemoteLog) *Service {
	return &Service{log: logger, rlog: rlog}
}

// Create appends a new room with the creator seeded as sole member and
// admin. The returned join code is the only time a private room's code
// is available in the clear; only its bcrypt hash is stored.
func (s *Service) Create(ctx context.Context, name, description string, isPrivate bool, owner types.User) (types.Room, string, error) {
	if strings.TrimSpace(name) == "" {
		return types.Room{}, "", fmt.Errorf("room name cannot be empty")
	}

	code, err := shortid.Generate()
	if err != nil {
		return types.Room{}, "", fmt.Errorf("generate join code: %w", err)
	}
	code = strings.ToUpper(code)

	rec := remotelog.Record{
		"name":        name,
		"description": description,
		"isPrivate":   isPrivate,
		"createdAt":   remotelog.ServerTimestamp,
		"members":     remotelog.Record{owner.UID: true},
		"admins":      remotelog.Record{owner.UID: true},
	}

	if isPrivate {
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return types.Room{}, "", fmt.Errorf("hash join code: %w", err)
		}
		rec["roomCodeHash"] = string(hash)
	} else {
		rec["roomCode"] = code
	}

	key, err := s.rlog.Append(ctx, roomsCollection, rec)
	if err != nil {
		return types.Room{}, "", fmt.Errorf("create room: %w", err)
	}

	s.log.Printf("created room %q (%q, private=%v)", key, name, isPrivate)

	stored, err := s.rlog.Read(ctx, roomsCollection+"/"+key)
	if err != nil {
		return types.Room{}, "", fmt.Errorf("read created room: %w", err)
	}
	room, err := types.RoomFromRecord(key, stored)
	if err != nil {
		return types.Room{}, "", err
	}
	return room, code, nil
}

// JoinByCode scans the room list for a matching join code and adds
// userID to the member set. Public codes compare case-insensitively;
// private codes verify against the stored hash, so the code acts as the
// room's bearer credential.
func (s *Service) JoinByCode(ctx context.Context, code, userID string) (types.Room, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return types.Room{}, ErrNoSuchRoom
	}

	all, err := s.rlog.Read(ctx, roomsCollection)
	if errors.Is(err, remotelog.ErrRecordNotFound) {
		return types.Room{}, ErrNoSuchRoom
	}
	if err != nil {
		return types.Room{}, fmt.Errorf("list rooms: %w", err)
	}

	var match *types.Room
	for key, v := range all {
		rec, ok := v.(remotelog.Record)
		if !ok {
			continue
		}
		room, perr := types.RoomFromRecord(key, rec)
		if perr != nil {
			continue
		}

		if room.IsPrivate {
			if room.JoinCodeHash == "" {
				continue
			}
			if bcrypt.CompareHashAndPassword([]byte(room.JoinCodeHash), []byte(code)) == nil {
				match = &room
				break
			}
		} else if strings.EqualFold(room.JoinCode, code) {
			match = &room
			break
		}
	}

	if match == nil {
		return types.Room{}, ErrNoSuchRoom
	}
	if match.Members[userID] {
		return *match, ErrAlreadyMember
	}

	_, err = s.rlog.Transact(ctx, roomsCollection+"/"+match.ID+"/members", setMerge(userID, true))
	if err != nil {
		return types.Room{}, fmt.Errorf("join room: %w", err)
	}

	s.log.Printf("user %q joined room %q", userID, match.ID)
	if match.Members == nil {
		match.Members = make(map[string]bool)
	}
	match.Members[userID] = true
	return *match, nil
}

// UpdateRoom rewrites a room's display fields. The admin check rides
// inside the transaction, so a concurrent revocation cannot let an
// edit through.
func (s *Service) UpdateRoom(ctx context.Context, roomID, callerID, name, description string) (types.Room, error) {
	if strings.TrimSpace(name) == "" {
		return types.Room{}, fmt.Errorf("room name cannot be empty")
	}

	committed, err := s.rlog.Transact(ctx, roomsCollection+"/"+roomID, func(current remotelog.Record) (remotelog.Record, error) {
		if current == nil {
			return nil, ErrNoSuchRoom
		}
		if !types.BoolSetFromRecord(current["admins"])[callerID] {
			return nil, ErrNotAdmin
		}
		current["name"] = name
		current["description"] = description
		return current, nil
	})
	if err != nil {
		if errors.Is(err, remotelog.ErrRecordNotFound) {
			return types.Room{}, ErrNoSuchRoom
		}
		if errors.Is(err, ErrNoSuchRoom) || errors.Is(err, ErrNotAdmin) {
			return types.Room{}, err
		}
		return types.Room{}, fmt.Errorf("update room: %w", err)
	}

	room, err := types.RoomFromRecord(roomID, committed)
	if err != nil {
		return types.Room{}, err
	}

	s.log.Printf("room %q updated by %q", roomID, callerID)
	return room, nil
}

// Leave removes userID from the room's member set, and from the admin
// set if present. Two targeted transactions rather than one whole-record
// write, so concurrent edits to unrelated room fields are untouched.
func (s *Service) Leave(ctx context.Context, roomID, userID string) error {
	_, err := s.rlog.Transact(ctx, roomsCollection+"/"+roomID+"/members", setMerge(userID, false))
	if err != nil {
		if errors.Is(err, remotelog.ErrRecordNotFound) {
			return ErrNoSuchRoom
		}
		return fmt.Errorf("leave room: %w", err)
	}

	_, err = s.rlog.Transact(ctx, roomsCollection+"/"+roomID+"/admins", setMerge(userID, false))
	if err != nil && !errors.Is(err, remotelog.ErrRecordNotFound) {
		return fmt.Errorf("leave room: drop admin: %w", err)
	}

	s.log.Printf("user %q left room %q", userID, roomID)
	return nil
}

// setMerge adds or removes one entry of a membership set. Pure, safe to
// re-invoke under contention.
func setMerge(userID string, present bool) remotelog.MergeFunc {
	return func(current remotelog.Record) (remotelog.Record, error) {
		if current == nil {
			current = remotelog.Record{}
		}
		if present {
			current[userID] = true
		} else {
			delete(current, userID)
		}
		return current, nil
	}
}
