// Package presence maintains per-user online/offline records through
// the remote log's presence path. It sits outside the message sync
// core: nothing in the stream or mutation paths depends on it.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/studyhall/studysync/internal/remotelog"
)

const statusCollection = "status"

type Tracker struct {
	log  *log.Logger
	rlog remotelog.RemoteLog
}

func NewTracker(logger *log.Logger, rlog remotelog.RemoteLog) *Tracker {
	return &Tracker{log: logger, rlog: rlog}
}

func statusPath(userID string) string {
	return statusCollection + "/" + userID
}

func offlineRecord() remotelog.Record {
	return remotelog.Record{
		"state":        "offline",
		"last_changed": remotelog.ServerTimestamp,
	}
}

func onlineRecord() remotelog.Record {
	return remotelog.Record{
		"state":        "online",
		"last_changed": remotelog.ServerTimestamp,
	}
}

// Online marks userID online. The offline record is registered as the
// on-disconnect write first, so a dropped connection flips the user
// offline even if the process never runs again.
func (t *Tracker) Online(ctx context.Context, userID string) error {
	if err := t.rlog.RegisterOnDisconnect(ctx, statusPath(userID), offlineRecord()); err != nil {
		return fmt.Errorf("register on-disconnect: %w", err)
	}

	if err := t.rlog.SetPresence(ctx, statusPath(userID), onlineRecord()); err != nil {
		return fmt.Errorf("set online: %w", err)
	}

	t.log.Printf("user %q online", userID)
	return nil
}

// Offline marks userID offline explicitly (clean sign-out).
func (t *Tracker) Offline(ctx context.Context, userID string) error {
	if err := t.rlog.SetPresence(ctx, statusPath(userID), offlineRecord()); err != nil {
		return fmt.Errorf("set offline: %w", err)
	}

	t.log.Printf("user %q offline", userID)
	return nil
}

// IsOnline reads the current state for userID. Absent records count as
// offline.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	rec, err := t.rlog.Read(ctx, statusPath(userID))
	if errors.Is(err, remotelog.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	state, _ := rec["state"].(string)
	return state == "online", nil
}
