// Package remotelog defines the contract for the hosted ordered-record
// store the sync layer treats as its system of record, along with an
// in-memory implementation and a Postgres-backed one.
package remotelog

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrClosed         = errors.New("remote log closed")
	// ErrTooMuchContention is returned when a transaction keeps
	// colliding with concurrent writers past the retry bound.
	ErrTooMuchContention = errors.New("transaction aborted: too much contention")
)

// Record is one JSON-shaped record, or a subtree of one.
type Record = map[string]any

// serverTimestamp is a sentinel replaced with the store's clock at
// commit time. Compare with == against ServerTimestamp.
type serverTimestamp struct{}

var ServerTimestamp any = serverTimestamp{}

// Entry is one keyed record of a query result set. Keys are opaque and
// ordered by creation, so key order is creation order.
type Entry struct {
	Key string
	Rec Record
}

// Snapshot is the full ordered result set of a query at one instant.
// Consumers must replace any previously held state with it wholesale,
// never merge.
type Snapshot []Entry

// Query describes a live range query: the records of Collection whose
// OrderByChild field equals EqualTo, keeping only the last LimitToLast
// in creation order. A zero OrderByChild matches the whole collection.
type Query struct {
	Collection   string
	OrderByChild string
	EqualTo      string
	LimitToLast  int
}

// SnapshotFunc receives every change to a query's live result set. A
// non-nil err means the subscription is degraded; the snapshot is then
// stale and must not be rendered as current.
type SnapshotFunc func(snap Snapshot, err error)

// Subscription is a handle on a live query. Close is synchronous: no
// callback is invoked after it returns.
type Subscription interface {
	Close()
}

// MergeFunc is applied inside Transact. It must be pure: it may be
// invoked more than once per call under contention, always with a fresh
// current value. A nil current means the target does not exist.
// Returning nil deletes the target; returning an error aborts.
type MergeFunc func(current Record) (Record, error)

// RemoteLog is the ordered, keyed event store the client consumes.
//
// Paths are slash-separated: "collection/key" addresses a record and
// "collection/key/field[/...]" a subtree of one. A bare collection name
// addresses the whole collection.
type RemoteLog interface {
	// NewKey allocates a creation-ordered key in collection without
	// writing anything. Used when a record and its side effects must
	// land in one MultiWrite.
	NewKey(collection string) (string, error)

	// Append writes rec under a freshly allocated key and returns it.
	Append(ctx context.Context, collection string, rec Record) (string, error)

	// Read returns the record or subtree at path, or ErrRecordNotFound.
	Read(ctx context.Context, path string) (Record, error)

	// Subscribe registers fn for q and delivers the current result set
	// immediately, then again on every change.
	Subscribe(q Query, fn SnapshotFunc) (Subscription, error)

	// Transact runs an atomic read-modify-write at path, retrying merge
	// on conflicting concurrent writes. Transacting on a subtree of a
	// record that does not exist fails with ErrRecordNotFound.
	Transact(ctx context.Context, path string, merge MergeFunc) (Record, error)

	// MultiWrite applies all writes atomically. A nil value deletes the
	// path. Either every path is applied or none is.
	MultiWrite(ctx context.Context, writes map[string]Record) error

	// SetPresence writes a connectivity record outside the ordered log.
	SetPresence(ctx context.Context, path string, rec Record) error

	// RegisterOnDisconnect arranges for rec to be written at path when
	// this client's connection drops.
	RegisterOnDisconnect(ctx context.Context, path string, rec Record) error
}

// splitPath splits a path into collection, key and the remaining field
// segments. Key and fields may be empty.
func splitPath(path string) (collection, key string, fields []string, err error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "", "", nil, fmt.Errorf("invalid path %q", path)
	}
	collection = parts[0]
	if len(parts) > 1 {
		key = parts[1]
	}
	if len(parts) > 2 {
		fields = parts[2:]
	}
	return collection, key, fields, nil
}

// resolveServerTimestamps replaces every ServerTimestamp sentinel in
// rec, recursively, with now (unix milliseconds).
func resolveServerTimestamps(rec Record, nowMillis int64) {
	for k, v := range rec {
		switch val := v.(type) {
		case serverTimestamp:
			rec[k] = nowMillis
		case Record:
			resolveServerTimestamps(val, nowMillis)
		}
	}
}

// deepCopy clones a record tree so callers never share mutable state
// with the store.
func deepCopy(rec Record) Record {
	if rec == nil {
		return nil
	}
	out := make(Record, len(rec))
	for k, v := range rec {
		if m, ok := v.(Record); ok {
			out[k] = deepCopy(m)
			continue
		}
		out[k] = v
	}
	return out
}
