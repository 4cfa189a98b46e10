package remotelog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	notifyChannel  = "studysync_changes"
	listenerMinRec = 2 * time.Second
	listenerMaxRec = 30 * time.Second
	pollInterval   = 90 * time.Second
)

// PgLog is the Postgres-backed RemoteLog. Records live in a single
// JSONB table keyed by collection+key; keys are allocated from a
// sequence so lexicographic order is creation order. Live queries ride
// LISTEN/NOTIFY with a requery on every notification.
type PgLog struct {
	conn *sql.DB
	dsn  string
	log  *log.Logger

	mu          sync.Mutex
	disconnects map[string]Record
	closed      bool
}

func NewPgLog(dsn string, logger *log.Logger) (*PgLog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &PgLog{
		conn:        db,
		dsn:         dsn,
		log:         logger,
		disconnects: make(map[string]Record),
	}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close applies any registered on-disconnect writes, mirroring what the
// hosted store does when a client's connection drops, then releases the
// database handle.
func (p *PgLog) Close() error {
	p.mu.Lock()
	pending := p.disconnects
	p.disconnects = make(map[string]Record)
	p.closed = true
	p.mu.Unlock()

	if len(pending) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.MultiWrite(ctx, pending); err != nil {
			p.log.Printf("on-disconnect writes: %v", err)
		}
	}

	return p.conn.Close()
}

func (p *PgLog) NewKey(collection string) (string, error) {
	var ord int64
	if err := p.conn.QueryRow("SELECT nextval('records_ord_seq')").Scan(&ord); err != nil {
		return "", fmt.Errorf("allocate key: %w", err)
	}
	return fmt.Sprintf("%016x", ord), nil
}

func (p *PgLog) Append(ctx context.Context, collection string, rec Record) (string, error) {
	key, err := p.NewKey(collection)
	if err != nil {
		return "", err
	}

	if err := p.MultiWrite(ctx, map[string]Record{collection + "/" + key: rec}); err != nil {
		return "", err
	}
	return key, nil
}

func (p *PgLog) Read(ctx context.Context, path string) (Record, error) {
	collection, key, fields, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	if key == "" {
		rows, err := p.conn.QueryContext(ctx,
			"SELECT key, body FROM records WHERE collection = $1", collection)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		out := Record{}
		for rows.Next() {
			var k string
			var body []byte
			if err := rows.Scan(&k, &body); err != nil {
				return nil, err
			}
			rec, err := unmarshalRecord(body)
			if err != nil {
				return nil, err
			}
			out[k] = rec
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, ErrRecordNotFound
		}
		return out, nil
	}

	var body []byte
	err = p.conn.QueryRowContext(ctx,
		"SELECT body FROM records WHERE collection = $1 AND key = $2",
		collection, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	rec, err := unmarshalRecord(body)
	if err != nil {
		return nil, err
	}

	sub, ok := subtree(rec, fields)
	if !ok {
		return nil, ErrRecordNotFound
	}
	return sub, nil
}

func (p *PgLog) Transact(ctx context.Context, path string, merge MergeFunc) (Record, error) {
	collection, key, fields, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("transact: path %q does not address a record", path)
	}

	for attempt := 0; attempt < maxTransactAttempts; attempt++ {
		committed, err := p.transactOnce(ctx, collection, key, fields, merge)
		if err == nil {
			return committed, nil
		}
		if !isRetryablePgErr(err) {
			return nil, err
		}
	}

	return nil, ErrTooMuchContention
}

func (p *PgLog) transactOnce(ctx context.Context, collection, key string, fields []string, merge MergeFunc) (Record, error) {
	tx, err := p.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var body []byte
	err = tx.QueryRowContext(ctx,
		"SELECT body FROM records WHERE collection = $1 AND key = $2 FOR UPDATE",
		collection, key).Scan(&body)
	exists := !errors.Is(err, sql.ErrNoRows)
	if err != nil && exists {
		return nil, err
	}
	if !exists && len(fields) > 0 {
		return nil, ErrRecordNotFound
	}

	var rec, current Record
	if exists {
		if rec, err = unmarshalRecord(body); err != nil {
			return nil, err
		}
		current, _ = subtree(rec, fields)
	}

	next, err := merge(deepCopy(current))
	if err != nil {
		return nil, err
	}

	stored := deepCopy(next)
	if stored != nil {
		resolveServerTimestamps(stored, time.Now().UnixMilli())
	}

	if len(fields) == 0 {
		if stored == nil {
			if err := deleteRecordTx(ctx, tx, collection, key); err != nil {
				return nil, err
			}
		} else if err := upsertRecordTx(ctx, tx, collection, key, stored); err != nil {
			return nil, err
		}
	} else {
		if err := setSubtree(rec, fields, stored); err != nil {
			return nil, err
		}
		if err := upsertRecordTx(ctx, tx, collection, key, rec); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", notifyChannel, collection); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

func (p *PgLog) MultiWrite(ctx context.Context, writes map[string]Record) error {
	tx, err := p.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	nowMillis := time.Now().UnixMilli()
	notified := make(map[string]struct{})

	for path, value := range writes {
		collection, key, fields, err := splitPath(path)
		if err != nil {
			return fmt.Errorf("multi-write: %w", err)
		}
		if key == "" {
			return fmt.Errorf("multi-write: path %q does not address a record", path)
		}

		stored := deepCopy(value)
		if stored != nil {
			resolveServerTimestamps(stored, nowMillis)
		}

		if len(fields) == 0 {
			if stored == nil {
				err = deleteRecordTx(ctx, tx, collection, key)
			} else {
				err = upsertRecordTx(ctx, tx, collection, key, stored)
			}
			if err != nil {
				return err
			}
		} else {
			var body []byte
			err = tx.QueryRowContext(ctx,
				"SELECT body FROM records WHERE collection = $1 AND key = $2 FOR UPDATE",
				collection, key).Scan(&body)

			rec := Record{}
			if err == nil {
				if rec, err = unmarshalRecord(body); err != nil {
					return err
				}
			} else if !errors.Is(err, sql.ErrNoRows) {
				return err
			}

			if err := setSubtree(rec, fields, stored); err != nil {
				return err
			}
			if err := upsertRecordTx(ctx, tx, collection, key, rec); err != nil {
				return err
			}
		}

		notified[collection] = struct{}{}
	}

	for collection := range notified {
		if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", notifyChannel, collection); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PgLog) SetPresence(ctx context.Context, path string, rec Record) error {
	collection, key, fields, err := splitPath(path)
	if err != nil {
		return err
	}
	if key == "" || len(fields) > 0 {
		return fmt.Errorf("presence: path %q must address a record", path)
	}
	return p.MultiWrite(ctx, map[string]Record{collection + "/" + key: rec})
}

func (p *PgLog) RegisterOnDisconnect(ctx context.Context, path string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.disconnects[path] = deepCopy(rec)
	return nil
}

type pgSubscription struct {
	stop chan struct{}
	done chan struct{}
}

func (s *pgSubscription) Close() {
	close(s.stop)
	<-s.done
}

func (p *PgLog) Subscribe(q Query, fn SnapshotFunc) (Subscription, error) {
	if q.Collection == "" {
		return nil, fmt.Errorf("subscribe: empty collection")
	}

	listener := pq.NewListener(p.dsn, listenerMinRec, listenerMaxRec, nil)
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	sub := &pgSubscription{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go p.run(q, fn, listener, sub)
	return sub, nil
}

func (p *PgLog) run(q Query, fn SnapshotFunc, listener *pq.Listener, sub *pgSubscription) {
	defer close(sub.done)
	defer listener.Close()

	var last Snapshot
	deliver := func() {
		snap, err := p.querySnapshot(q)
		if err != nil {
			fn(nil, err)
			return
		}
		if last != nil && snapshotsEqualKeys(last, snap) && !recordsChanged(last, snap) {
			return
		}
		last = snap
		fn(snap, nil)
	}

	deliver()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.stop:
			return
		case n := <-listener.Notify:
			// A nil notification signals a reconnect; requery either way.
			if n != nil && n.Extra != q.Collection {
				continue
			}
			deliver()
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				fn(nil, fmt.Errorf("listener ping: %w", err))
				continue
			}
			deliver()
		}
	}
}

func (p *PgLog) querySnapshot(q Query) (Snapshot, error) {
	var rows *sql.Rows
	var err error

	if q.OrderByChild != "" {
		rows, err = p.conn.Query(
			"SELECT key, body FROM records WHERE collection = $1 AND body ->> $2 = $3 ORDER BY key DESC LIMIT $4",
			q.Collection, q.OrderByChild, q.EqualTo, limitOrMax(q.LimitToLast))
	} else {
		rows, err = p.conn.Query(
			"SELECT key, body FROM records WHERE collection = $1 ORDER BY key DESC LIMIT $2",
			q.Collection, limitOrMax(q.LimitToLast))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snap Snapshot
	for rows.Next() {
		var key string
		var body []byte
		if err := rows.Scan(&key, &body); err != nil {
			return nil, err
		}
		rec, err := unmarshalRecord(body)
		if err != nil {
			return nil, err
		}
		snap = append(snap, Entry{Key: key, Rec: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The query walks newest-first to honor limit-to-last; callers see
	// creation order.
	for i, j := 0, len(snap)-1; i < j; i, j = i+1, j-1 {
		snap[i], snap[j] = snap[j], snap[i]
	}
	if snap == nil {
		snap = Snapshot{}
	}
	return snap, nil
}

func limitOrMax(n int) int {
	if n <= 0 {
		return 1 << 30
	}
	return n
}

func upsertRecordTx(ctx context.Context, tx *sql.Tx, collection, key string, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (collection, key, ord, body)
		VALUES ($1, $2, nextval('records_ord_seq'), $3)
		ON CONFLICT (collection, key)
		DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
		collection, key, body)
	return err
}

func deleteRecordTx(ctx context.Context, tx *sql.Tx, collection, key string) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM records WHERE collection = $1 AND key = $2", collection, key)
	return err
}

func unmarshalRecord(body []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func isRetryablePgErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure, deadlock_detected, unique_violation
		// from two writers materializing the same record.
		return pqErr.Code == "40001" || pqErr.Code == "40P01" || pqErr.Code == "23505"
	}
	return false
}
