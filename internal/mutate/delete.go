package mutate

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/studyhall/studysync/internal/attachment"
	"github.com/studyhall/studysync/internal/remotelog"
	"github.com/studyhall/studysync/internal/stats"
	"github.com/studyhall/studysync/internal/types"
)

var ErrNotInWindow = errors.New("message not in current window")

// BlobCleanupError reports that the message record was deleted but the
// stored attachment could not be removed. The deletion itself stands;
// an orphaned blob is preferable to a zombie message.
type BlobCleanupError struct {
	Key string
	Err error
}

func (e *BlobCleanupError) Error() string {
	return fmt.Sprintf("message deleted, but attachment cleanup failed for %q: %v", e.Key, e.Err)
}

func (e *BlobCleanupError) Unwrap() error {
	return e.Err
}

// DeletionCoordinator removes a message and keeps the room's
// denormalized last-message summary consistent in the same atomic
// write.
type DeletionCoordinator struct {
	log   *log.Logger
	rlog  remotelog.RemoteLog
	blobs attachment.BlobStore
	stats stats.StatsProvider
}

func NewDeletionCoordinator(logger *log.Logger, rlog remotelog.RemoteLog, blobs attachment.BlobStore, st stats.StatsProvider) *DeletionCoordinator {
	return &DeletionCoordinator{log: logger, rlog: rlog, blobs: blobs, stats: st}
}

// DeleteMessage removes msgID from roomID. window is the caller's
// current ascending message window; the newest-message decision is made
// against it rather than a fresh query, since the caller renders from
// that same live subscription. The record removal and the last-message
// rewrite land in one atomic multi-path write, so no observable state
// has the message gone but the stale summary still pointing at it.
//
// Confirmation is the caller's responsibility; by the time this runs
// the user already said yes.
func (dc *DeletionCoordinator) DeleteMessage(ctx context.Context, roomID string, window []types.Message, msgID string) error {
	idx := -1
	for i := range window {
		if window[i].ID == msgID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotInWindow
	}
	msg := window[idx]

	writes := map[string]remotelog.Record{
		"messages/" + msgID: nil,
	}

	isNewest := idx == len(window)-1
	switch {
	case isNewest && len(window) > 1:
		summary := window[idx-1].Summary()
		writes["rooms/"+roomID+"/lastMessage"] = summary.Record()
	case isNewest:
		writes["rooms/"+roomID+"/lastMessage"] = nil
	}

	if err := dc.rlog.MultiWrite(ctx, writes); err != nil {
		// Abort entirely: no attachment cleanup, state unchanged.
		return fmt.Errorf("delete message %q: %w", msgID, err)
	}

	dc.stats.Incr(stats.MessagesDeleted)
	dc.log.Printf("deleted message %q in room %q (newest=%v)", msgID, roomID, isNewest)

	// Only stored attachments need the extra delete; inline payloads
	// died with the record.
	if msg.File != nil && !msg.File.IsBase64 {
		if err := dc.blobs.Delete(ctx, msg.File.Payload); err != nil {
			dc.stats.Incr(stats.OrphanedBlobs)
			dc.log.Printf("orphaned blob %q after deleting message %q: %v", msg.File.Payload, msgID, err)
			return &BlobCleanupError{Key: msg.File.Payload, Err: err}
		}
	}

	return nil
}
