package mutate

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/studyhall/studysync/internal/attachment"
	"github.com/studyhall/studysync/internal/remotelog"
	"github.com/studyhall/studysync/internal/stats"
	"github.com/studyhall/studysync/internal/testutil"
	"github.com/studyhall/studysync/internal/types"
)

var testAuthor = types.Author{
	UID:       "u1",
	Name:      "Dana",
	CreatedAt: time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC),
}

func TestSendText(t *testing.T) {
	t.Run("commits message and summary together", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		c := NewComposer(testutil.TestLogger(t), m, attachment.NewMemoryBlobStore(), stats.NopStats{})

		msgID, err := c.SendText(context.Background(), "r1", testAuthor, "hello")
		require.NoError(t, err)
		require.NotEmpty(t, msgID)

		rec, err := m.Read(context.Background(), "messages/"+msgID)
		require.NoError(t, err)
		msg, err := types.MessageFromRecord(msgID, rec)
		require.NoError(t, err)

		assert.Equal(t, "r1", msg.RoomID)
		assert.Equal(t, "hello", msg.Text)
		assert.Equal(t, "Dana", msg.Author.Name, "expected the author snapshot embedded")
		assert.Equal(t, 0, msg.LikeCount, "expected a fresh zero like count")
		assert.False(t, msg.CreatedAt.IsZero(), "expected server-resolved creation time")

		summary, err := m.Read(context.Background(), "rooms/r1/lastMessage")
		require.NoError(t, err)
		assert.Equal(t, msgID, summary["msgId"], "expected summary keyed to the committed message")
		assert.Equal(t, rec["createdAt"], summary["createdAt"], "expected both writes to share one server time")
	})

	t.Run("empty text rejected", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		c := NewComposer(testutil.TestLogger(t), m, attachment.NewMemoryBlobStore(), stats.NopStats{})

		_, err := c.SendText(context.Background(), "r1", testAuthor, "")
		assert.Error(t, err, "expected empty message rejected")
	})

	t.Run("failed write leaves no summary", func(t *testing.T) {
		rlog := &remotelog.MockRemoteLog{}
		rlog.On("NewKey", "messages").Return("k1", nil)
		rlog.On("MultiWrite", mock.Anything, mock.Anything).Return(errors.New("backend down"))

		c := NewComposer(testutil.TestLogger(t), rlog, attachment.NewMemoryBlobStore(), stats.NopStats{})
		_, err := c.SendText(context.Background(), "r1", testAuthor, "hello")
		require.Error(t, err)

		// a single atomic write means there is nothing to roll back
		rlog.AssertNumberOfCalls(t, "MultiWrite", 1)
	})
}

func TestSendAttachment(t *testing.T) {
	t.Run("small file embedded inline", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		blobs := attachment.NewMemoryBlobStore()
		c := NewComposer(testutil.TestLogger(t), m, blobs, stats.NopStats{})

		data := []byte("tiny image bytes")
		msgID, err := c.SendAttachment(context.Background(), "r1", testAuthor, "pic.png", "image/png", data)
		require.NoError(t, err)

		rec, err := m.Read(context.Background(), "messages/"+msgID)
		require.NoError(t, err)
		msg, err := types.MessageFromRecord(msgID, rec)
		require.NoError(t, err)

		require.NotNil(t, msg.File)
		assert.True(t, msg.File.IsBase64, "expected inline flag")
		decoded, err := base64.StdEncoding.DecodeString(msg.File.Payload)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, decoded), "expected payload embedded intact")
		assert.Equal(t, 0, blobs.Len(), "expected no blob written for inline attachments")
	})

	t.Run("large file goes to the blob store", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		blobs := attachment.NewMemoryBlobStore()
		c := NewComposer(testutil.TestLogger(t), m, blobs, stats.NopStats{})

		data := bytes.Repeat([]byte("x"), inlineLimit+1)
		msgID, err := c.SendAttachment(context.Background(), "r1", testAuthor, "slides.pdf", "application/pdf", data)
		require.NoError(t, err)

		rec, err := m.Read(context.Background(), "messages/"+msgID)
		require.NoError(t, err)
		msg, err := types.MessageFromRecord(msgID, rec)
		require.NoError(t, err)

		require.NotNil(t, msg.File)
		assert.False(t, msg.File.IsBase64, "expected stored flag")
		assert.Equal(t, 1, blobs.Len(), "expected one stored blob")

		stored, contentType, err := blobs.Get(context.Background(), msg.File.Payload)
		require.NoError(t, err)
		assert.Equal(t, "application/pdf", contentType)
		assert.Len(t, stored, len(data))
	})

	t.Run("failed commit rolls the blob back", func(t *testing.T) {
		rlog := &remotelog.MockRemoteLog{}
		rlog.On("NewKey", "messages").Return("k1", nil)
		rlog.On("MultiWrite", mock.Anything, mock.Anything).Return(errors.New("backend down"))

		blobs := attachment.NewMemoryBlobStore()
		c := NewComposer(testutil.TestLogger(t), rlog, blobs, stats.NopStats{})

		data := bytes.Repeat([]byte("x"), inlineLimit+1)
		_, err := c.SendAttachment(context.Background(), "r1", testAuthor, "slides.pdf", "application/pdf", data)
		require.Error(t, err)
		assert.Equal(t, 0, blobs.Len(), "expected the orphan removed after the failed commit")
	})

	t.Run("empty attachment rejected", func(t *testing.T) {
		m := remotelog.NewMemoryLog()
		c := NewComposer(testutil.TestLogger(t), m, attachment.NewMemoryBlobStore(), stats.NopStats{})

		_, err := c.SendAttachment(context.Background(), "r1", testAuthor, "f", "text/plain", nil)
		assert.Error(t, err)
	})
}
