package remotelog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// maxTransactAttempts bounds optimistic retries before giving up.
const maxTransactAttempts = 25

// MemoryLog is a self-contained RemoteLog used by the test suite and by
// the daemon's dev mode. Snapshot callbacks run synchronously on the
// writer's goroutine with the store locked, so callbacks must hand off
// to their own goroutine before calling back into the log.
type MemoryLog struct {
	mu          sync.Mutex
	seq         int64
	collections map[string]map[string]Record
	versions    map[string]int64
	subs        map[*memSubscription]struct{}
	disconnects map[string]Record

	// RetryHook, if set, is invoked once per transaction retry. Tests
	// and metrics wiring use it to observe contention.
	RetryHook func()
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		collections: make(map[string]map[string]Record),
		versions:    make(map[string]int64),
		subs:        make(map[*memSubscription]struct{}),
		disconnects: make(map[string]Record),
	}
}

type memSubscription struct {
	log  *MemoryLog
	q    Query
	fn   SnapshotFunc
	last Snapshot
}

func (s *memSubscription) Close() {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	delete(s.log.subs, s)
}

func (m *MemoryLog) NewKey(collection string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextKeyLocked(), nil
}

// nextKeyLocked allocates a zero-padded hex key so lexicographic order
// equals allocation order.
func (m *MemoryLog) nextKeyLocked() string {
	m.seq++
	return fmt.Sprintf("%016x", m.seq)
}

func (m *MemoryLog) Append(ctx context.Context, collection string, rec Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.nextKeyLocked()
	stored := deepCopy(rec)
	resolveServerTimestamps(stored, time.Now().UnixMilli())
	m.setRecordLocked(collection, key, stored)
	m.fanoutLocked()
	return key, nil
}

func (m *MemoryLog) Read(ctx context.Context, path string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collection, key, fields, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if key == "" {
		coll, ok := m.collections[collection]
		if !ok || len(coll) == 0 {
			return nil, ErrRecordNotFound
		}
		out := make(Record, len(coll))
		for k, rec := range coll {
			out[k] = deepCopy(rec)
		}
		return out, nil
	}

	rec, ok := m.collections[collection][key]
	if !ok {
		return nil, ErrRecordNotFound
	}

	sub, ok := subtree(rec, fields)
	if !ok {
		return nil, ErrRecordNotFound
	}
	return deepCopy(sub), nil
}

func (m *MemoryLog) Subscribe(q Query, fn SnapshotFunc) (Subscription, error) {
	if q.Collection == "" {
		return nil, fmt.Errorf("subscribe: empty collection")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &memSubscription{log: m, q: q, fn: fn}
	m.subs[sub] = struct{}{}

	snap := m.snapshotLocked(q)
	sub.last = snap
	fn(snap, nil)
	return sub, nil
}

func (m *MemoryLog) Transact(ctx context.Context, path string, merge MergeFunc) (Record, error) {
	collection, key, fields, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("transact: path %q does not address a record", path)
	}

	for attempt := 0; attempt < maxTransactAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, version, err := m.readForTransact(collection, key, fields)
		if err != nil {
			return nil, err
		}

		next, err := merge(deepCopy(current))
		if err != nil {
			return nil, err
		}

		committed, conflicted, err := m.commitTransact(collection, key, fields, version, next)
		if err != nil {
			return nil, err
		}
		if !conflicted {
			return committed, nil
		}

		if m.RetryHook != nil {
			m.RetryHook()
		}
	}

	return nil, ErrTooMuchContention
}

func (m *MemoryLog) readForTransact(collection, key string, fields []string) (Record, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.collections[collection][key]
	if !exists && len(fields) > 0 {
		return nil, 0, ErrRecordNotFound
	}

	version := m.versions[collection+"/"+key]
	if !exists {
		return nil, version, nil
	}

	sub, ok := subtree(rec, fields)
	if !ok {
		return nil, version, nil
	}
	return sub, version, nil
}

func (m *MemoryLog) commitTransact(collection, key string, fields []string, version int64, next Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.versions[collection+"/"+key] != version {
		return nil, true, nil
	}

	stored := deepCopy(next)
	if stored != nil {
		resolveServerTimestamps(stored, time.Now().UnixMilli())
	}

	if len(fields) == 0 {
		if stored == nil {
			m.deleteRecordLocked(collection, key)
		} else {
			m.setRecordLocked(collection, key, stored)
		}
		m.fanoutLocked()
		return deepCopy(stored), false, nil
	}

	rec, exists := m.collections[collection][key]
	if !exists {
		return nil, false, ErrRecordNotFound
	}
	if err := setSubtree(rec, fields, stored); err != nil {
		return nil, false, err
	}
	m.bumpVersionLocked(collection, key)
	m.fanoutLocked()
	return deepCopy(stored), false, nil
}

func (m *MemoryLog) MultiWrite(ctx context.Context, writes map[string]Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	type resolved struct {
		collection string
		key        string
		fields     []string
		value      Record
	}

	rs := make([]resolved, 0, len(writes))
	for path, value := range writes {
		collection, key, fields, err := splitPath(path)
		if err != nil {
			return fmt.Errorf("multi-write: %w", err)
		}
		if key == "" {
			return fmt.Errorf("multi-write: path %q does not address a record", path)
		}
		rs = append(rs, resolved{collection, key, fields, value})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Apply everything to staged copies first. Only a fully successful
	// batch is committed, so a bad path cannot leave a partial write
	// behind.
	type target struct {
		collection string
		key        string
	}
	staged := make(map[target]Record, len(rs))

	nowMillis := time.Now().UnixMilli()
	for _, w := range rs {
		t := target{w.collection, w.key}
		base, ok := staged[t]
		if !ok {
			if rec, exists := m.collections[t.collection][t.key]; exists {
				base = deepCopy(rec)
			}
		}

		value := deepCopy(w.value)
		if value != nil {
			resolveServerTimestamps(value, nowMillis)
		}

		if len(w.fields) == 0 {
			staged[t] = value
			continue
		}

		if base == nil {
			// Writing a subtree of a missing record materializes it,
			// mirroring the hosted store's tree semantics.
			base = Record{}
		}
		if err := setSubtree(base, w.fields, value); err != nil {
			return fmt.Errorf("multi-write: %w", err)
		}
		staged[t] = base
	}

	for t, rec := range staged {
		if rec == nil {
			m.deleteRecordLocked(t.collection, t.key)
		} else {
			m.setRecordLocked(t.collection, t.key, rec)
		}
	}

	m.fanoutLocked()
	return nil
}

func (m *MemoryLog) SetPresence(ctx context.Context, path string, rec Record) error {
	collection, key, fields, err := splitPath(path)
	if err != nil {
		return err
	}
	if key == "" || len(fields) > 0 {
		return fmt.Errorf("presence: path %q must address a record", path)
	}
	return m.MultiWrite(ctx, map[string]Record{collection + "/" + key: rec})
}

func (m *MemoryLog) RegisterOnDisconnect(ctx context.Context, path string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects[path] = deepCopy(rec)
	return nil
}

// DropConnection applies every registered on-disconnect write, as the
// hosted store would when the client's connection is lost.
func (m *MemoryLog) DropConnection(ctx context.Context) error {
	m.mu.Lock()
	pending := m.disconnects
	m.disconnects = make(map[string]Record)
	m.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	return m.MultiWrite(ctx, pending)
}

func (m *MemoryLog) setRecordLocked(collection, key string, rec Record) {
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]Record)
		m.collections[collection] = coll
	}
	coll[key] = rec
	m.bumpVersionLocked(collection, key)
}

func (m *MemoryLog) deleteRecordLocked(collection, key string) {
	delete(m.collections[collection], key)
	m.bumpVersionLocked(collection, key)
}

func (m *MemoryLog) bumpVersionLocked(collection, key string) {
	m.versions[collection+"/"+key]++
}

func (m *MemoryLog) snapshotLocked(q Query) Snapshot {
	coll := m.collections[q.Collection]

	keys := make([]string, 0, len(coll))
	for key, rec := range coll {
		if q.OrderByChild != "" {
			v, _ := rec[q.OrderByChild].(string)
			if v != q.EqualTo {
				continue
			}
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	if q.LimitToLast > 0 && len(keys) > q.LimitToLast {
		keys = keys[len(keys)-q.LimitToLast:]
	}

	snap := make(Snapshot, 0, len(keys))
	for _, key := range keys {
		snap = append(snap, Entry{Key: key, Rec: deepCopy(coll[key])})
	}
	return snap
}

func (m *MemoryLog) fanoutLocked() {
	for sub := range m.subs {
		snap := m.snapshotLocked(sub.q)
		if snapshotsEqualKeys(sub.last, snap) && !recordsChanged(sub.last, snap) {
			continue
		}
		sub.last = snap
		sub.fn(snap, nil)
	}
}

func snapshotsEqualKeys(a, b Snapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key {
			return false
		}
	}
	return true
}

// recordsChanged reports whether any record body differs between two
// key-identical snapshots. Cheap structural walk, no reflection on
// unknown types beyond comparable leaves.
func recordsChanged(a, b Snapshot) bool {
	for i := range a {
		if !recordEqual(a[i].Rec, b[i].Rec) {
			return true
		}
	}
	return false
}

func recordEqual(a, b Record) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		am, aIsMap := av.(Record)
		bm, bIsMap := bv.(Record)
		if aIsMap != bIsMap {
			return false
		}
		if aIsMap {
			if !recordEqual(am, bm) {
				return false
			}
			continue
		}
		if av != bv {
			return false
		}
	}
	return true
}

// subtree walks fields into rec. ok is false when any segment is
// missing or not a map.
func subtree(rec Record, fields []string) (Record, bool) {
	cur := rec
	for _, f := range fields {
		next, ok := cur[f].(Record)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// setSubtree writes value at fields inside rec, creating intermediate
// maps. A nil value deletes the leaf.
func setSubtree(rec Record, fields []string, value Record) error {
	cur := rec
	for _, f := range fields[:len(fields)-1] {
		next, ok := cur[f].(Record)
		if !ok {
			if _, exists := cur[f]; exists {
				return fmt.Errorf("path segment %q is not a map", f)
			}
			next = Record{}
			cur[f] = next
		}
		cur = next
	}

	leaf := fields[len(fields)-1]
	if value == nil {
		delete(cur, leaf)
		return nil
	}
	cur[leaf] = value
	return nil
}
