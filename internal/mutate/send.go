package mutate

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/studyhall/studysync/internal/attachment"
	"github.com/studyhall/studysync/internal/remotelog"
	"github.com/studyhall/studysync/internal/stats"
	"github.com/studyhall/studysync/internal/types"
)

// inlineLimit is the largest payload embedded directly in the message
// record; anything bigger goes to the blob store.
const inlineLimit = 200 * 1024

// Composer assembles and commits new messages. The message record and
// the room's last-message summary are written in one atomic multi-path
// write under a pre-allocated key, so the summary can never point at a
// message that was not committed.
type Composer struct {
	log   *log.Logger
	rlog  remotelog.RemoteLog
	blobs attachment.BlobStore
	stats stats.StatsProvider
}

func NewComposer(logger *log.Logger, rlog remotelog.RemoteLog, blobs attachment.BlobStore, st stats.StatsProvider) *Composer {
	return &Composer{log: logger, rlog: rlog, blobs: blobs, stats: st}
}

// assemble builds the message record skeleton: room id, a copied author
// snapshot, the server-time sentinel and a zero like count.
func assemble(roomID string, author types.Author) remotelog.Record {
	rec := remotelog.Record{
		"roomId":    roomID,
		"author":    author.Record(),
		"createdAt": remotelog.ServerTimestamp,
		"likeCount": int64(0),
	}
	return rec
}

func (c *Composer) commit(ctx context.Context, roomID string, rec remotelog.Record) (string, error) {
	msgID, err := c.rlog.NewKey("messages")
	if err != nil {
		return "", fmt.Errorf("allocate message key: %w", err)
	}

	summary := remotelog.Record{}
	for k, v := range rec {
		summary[k] = v
	}
	summary["msgId"] = msgID

	err = c.rlog.MultiWrite(ctx, map[string]remotelog.Record{
		"messages/" + msgID:                rec,
		"rooms/" + roomID + "/lastMessage": summary,
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	c.stats.Incr(stats.MessagesSent)
	return msgID, nil
}

// SendText commits a text message to roomID and returns its key.
func (c *Composer) SendText(ctx context.Context, roomID string, author types.Author, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("empty message")
	}

	rec := assemble(roomID, author)
	rec["text"] = text

	msgID, err := c.commit(ctx, roomID, rec)
	if err != nil {
		return "", err
	}

	c.log.Printf("sent text message %q to room %q", msgID, roomID)
	return msgID, nil
}

// SendAttachment commits a file message. Small payloads are embedded
// base64 in the record; larger ones are put in the blob store first and
// the record carries the object key. If the store write succeeds but
// the record commit fails, the blob is removed again best-effort.
func (c *Composer) SendAttachment(ctx context.Context, roomID string, author types.Author, name, contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty attachment")
	}

	file := remotelog.Record{
		"name":        name,
		"contentType": contentType,
	}

	var blobKey string
	if len(data) <= inlineLimit {
		file["isBase64"] = true
		file["payload"] = base64.StdEncoding.EncodeToString(data)
	} else {
		blobKey = uuid.NewString()
		if err := c.blobs.Put(ctx, blobKey, contentType, data); err != nil {
			return "", fmt.Errorf("store attachment: %w", err)
		}
		file["isBase64"] = false
		file["payload"] = blobKey
	}

	rec := assemble(roomID, author)
	rec["file"] = file

	msgID, err := c.commit(ctx, roomID, rec)
	if err != nil {
		if blobKey != "" {
			if derr := c.blobs.Delete(ctx, blobKey); derr != nil {
				c.log.Printf("orphaned blob %q after failed send: %v", blobKey, derr)
				c.stats.Incr(stats.OrphanedBlobs)
			}
		}
		return "", err
	}

	c.log.Printf("sent %s attachment %q to room %q", contentType, msgID, roomID)
	return msgID, nil
}
