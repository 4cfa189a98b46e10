// Package mutate holds the write paths that touch shared state on the
// remote log: like and admin toggles, the send path, and the deletion
// cascade. All counter/set mutations go through the log's transaction
// primitive with pure merge functions, never read-then-write.
package mutate

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/studyhall/studysync/internal/remotelog"
	"github.com/studyhall/studysync/internal/stats"
	"github.com/studyhall/studysync/internal/types"
)

var ErrRecordGone = errors.New("record no longer exists")

// ToggleState reports which side of a toggle the record landed on.
type ToggleState string

const (
	ToggleAdded   ToggleState = "added"
	ToggleRemoved ToggleState = "removed"
)

type LikeResult struct {
	State ToggleState
	Count int
}

type AggregateMutator struct {
	log   *log.Logger
	rlog  remotelog.RemoteLog
	stats stats.StatsProvider
}

func NewAggregateMutator(logger *log.Logger, rlog remotelog.RemoteLog, st stats.StatsProvider) *AggregateMutator {
	return &AggregateMutator{log: logger, rlog: rlog, stats: st}
}

// transact runs merge through the log's transaction primitive and
// counts re-invocations as contention retries.
func (am *AggregateMutator) transact(ctx context.Context, path string, merge remotelog.MergeFunc) (remotelog.Record, error) {
	calls := 0
	return am.rlog.Transact(ctx, path, func(current remotelog.Record) (remotelog.Record, error) {
		calls++
		if calls > 1 {
			am.stats.Incr(stats.TransactionRetries)
		}
		return merge(current)
	})
}

// likeMerge flips userID's entry in the likes set and keeps likeCount
// equal to the set's cardinality. It is pure: the store may re-invoke
// it any number of times under contention.
func likeMerge(userID string) remotelog.MergeFunc {
	return func(current remotelog.Record) (remotelog.Record, error) {
		if current == nil {
			return nil, ErrRecordGone
		}

		likes := types.BoolSetFromRecord(current["likes"])
		if likes == nil {
			likes = make(map[string]bool)
		}

		if likes[userID] {
			delete(likes, userID)
		} else {
			likes[userID] = true
		}

		if len(likes) == 0 {
			delete(current, "likes")
		} else {
			set := make(remotelog.Record, len(likes))
			for uid := range likes {
				set[uid] = true
			}
			current["likes"] = set
		}

		// The count is derived, never incremented independently, so it
		// cannot drift from the set.
		current["likeCount"] = int64(len(likes))
		return current, nil
	}
}

// ToggleLike flips userID's like on a message as one atomic
// read-modify-write. Either the whole record transitions or nothing
// does.
func (am *AggregateMutator) ToggleLike(ctx context.Context, msgID, userID string) (LikeResult, error) {
	committed, err := am.transact(ctx, "messages/"+msgID, likeMerge(userID))
	if err != nil {
		if errors.Is(err, ErrRecordGone) || errors.Is(err, remotelog.ErrRecordNotFound) {
			return LikeResult{}, ErrRecordGone
		}
		return LikeResult{}, fmt.Errorf("toggle like: %w", err)
	}

	msg, err := types.MessageFromRecord(msgID, committed)
	if err != nil {
		return LikeResult{}, fmt.Errorf("toggle like: %w", err)
	}

	res := LikeResult{State: ToggleRemoved, Count: msg.LikeCount}
	if msg.Likes[userID] {
		res.State = ToggleAdded
	}

	am.log.Printf("like %s on message %q by %q (count=%d)", res.State, msgID, userID, res.Count)
	return res, nil
}

// adminMerge flips userID's membership in a room's admin set. A missing
// set is created rather than treated as a no-op, so the first admin
// grant on an old room record works.
func adminMerge(userID string) remotelog.MergeFunc {
	return func(current remotelog.Record) (remotelog.Record, error) {
		if current == nil {
			current = remotelog.Record{}
		}

		if v, _ := current[userID].(bool); v {
			delete(current, userID)
		} else {
			current[userID] = true
		}
		return current, nil
	}
}

// ToggleAdmin flips userID's membership in roomID's moderator set. The
// transaction targets the admins subtree only, so concurrent room edits
// elsewhere on the record are untouched.
func (am *AggregateMutator) ToggleAdmin(ctx context.Context, roomID, userID string) (ToggleState, error) {
	committed, err := am.transact(ctx, "rooms/"+roomID+"/admins", adminMerge(userID))
	if err != nil {
		if errors.Is(err, remotelog.ErrRecordNotFound) {
			return "", ErrRecordGone
		}
		return "", fmt.Errorf("toggle admin: %w", err)
	}

	state := ToggleRemoved
	if v, _ := committed[userID].(bool); v {
		state = ToggleAdded
	}

	am.log.Printf("admin %s on room %q for %q", state, roomID, userID)
	return state, nil
}
