package spool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite3 "modernc.org/sqlite"

	"github.com/nuetzliches/msgspool/internal/obs"
)

const sqliteSchemaVersion = 1

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS messages (
  id                    INTEGER PRIMARY KEY AUTOINCREMENT,
  topic                 TEXT NOT NULL,
  qos                   INTEGER NOT NULL,
  retain                INTEGER NOT NULL,
  priority              INTEGER NOT NULL,
  payload               BLOB NOT NULL,
  created_on            INTEGER NOT NULL,
  published_on          INTEGER,
  published_message_id  INTEGER NOT NULL DEFAULT -1,
  session_id            TEXT,
  confirmed_on          INTEGER,
  dropped_on            INTEGER
);
DROP INDEX IF EXISTS messages_publishedOn;
CREATE INDEX IF NOT EXISTS messages_nextMsg
  ON messages (priority ASC, created_on ASC, published_on, qos);
`

// SQLiteOption configures a SQLiteStore at construction time.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteNowFunc overrides the clock, for deterministic tests.
func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithSQLiteLogDataEnabled controls whether the housekeeper also
// checkpoints on every tick (spec §4.E / §6 backend-log-data-enabled).
func WithSQLiteLogDataEnabled(enabled bool) SQLiteOption {
	return func(s *SQLiteStore) { s.logDataEnabled = enabled }
}

// WithSQLiteMetrics wires the store into the spool's Prometheus metric
// set (spec §4.K stored/capacity-rejected counters), nil-safe so tests
// can omit it.
func WithSQLiteMetrics(metrics *obs.SpoolMetrics) SQLiteOption {
	return func(s *SQLiteStore) { s.metrics = metrics }
}

// SQLiteStore is the primary storage backend adapter (spec §4.A),
// an embedded on-disk queue over modernc.org/sqlite. It mirrors the
// teacher's own SQLite adapter: WAL journalling, a single pooled
// connection (SQLite serialises writers regardless), busy_timeout for
// lock contention, and explicit BEGIN IMMEDIATE transactions around
// schema setup, the capacity-check-then-insert of Store, and the
// repair delete. DeleteStaleMessages runs its three sweeps as separate
// statements outside a transaction.
type SQLiteStore struct {
	db *sql.DB

	mu             sync.Mutex
	nowFn          func() time.Time
	capacity       int
	logDataEnabled bool
	metrics        *obs.SpoolMetrics
}

// NewSQLiteStore opens (creating if absent) the database at dbPath and
// runs the schema manager (spec §4.B).
func NewSQLiteStore(dbPath string, capacity int, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("spool: empty sqlite db path")
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:       db,
		nowFn:    time.Now,
		capacity: capacity,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// LogDataEnabled implements Housekept.
func (s *SQLiteStore) LogDataEnabled() bool { return s.logDataEnabled }

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("spool: set journal_mode=wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("spool: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("spool: set busy_timeout: %w", err)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK;")
		}
	}()

	if _, err := conn.ExecContext(ctx, sqliteSchemaV1); err != nil {
		return storeErr("init", "", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn()
}

// SetCapacity updates the cached row cap (spec §4.D, §6 "capacity").
func (s *SQLiteStore) SetCapacity(capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = capacity
}

func (s *SQLiteStore) getCapacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

func (s *SQLiteStore) Store(topic string, payload []byte, qos int, retain bool, priority int) (Message, error) {
	if strings.TrimSpace(topic) == "" {
		return Message{}, fmt.Errorf("%w: topic must not be empty", ErrInvalidArgument)
	}
	if payload == nil {
		payload = []byte{}
	}

	id, err := s.storeInternal(topic, payload, qos, retain, priority)
	if err != nil {
		if errors.Is(err, ErrIdentityExhausted) {
			if resetErr := s.resetIdentitySequence(); resetErr != nil {
				return Message{}, storeErr("store", "", resetErr)
			}
			id, err = s.storeInternal(topic, payload, qos, retain, priority)
		}
		if err != nil {
			if errors.Is(err, ErrCapacityReached) && s.metrics != nil {
				s.metrics.CapacityRejected.Inc()
			}
			return Message{}, err
		}
	}
	if s.metrics != nil {
		s.metrics.Stored.WithLabelValues(priorityBand(priority)).Inc()
	}
	return s.Get(id)
}

func (s *SQLiteStore) storeInternal(topic string, payload []byte, qos int, retain bool, priority int) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK;")
		}
	}()

	if priority != PriorityLifecycle && priority != PriorityManagement {
		var count int
		if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages;").Scan(&count); err != nil {
			return 0, storeErr("store", "", err)
		}
		if count >= s.capacity {
			return 0, ErrCapacityReached
		}
	}

	exhausted, err := s.identityExhausted(ctx, conn)
	if err != nil {
		return 0, storeErr("store", "", err)
	}
	if exhausted {
		return 0, ErrIdentityExhausted
	}

	now := s.nowFn().UTC()
	res, err := conn.ExecContext(ctx, `
INSERT INTO messages (
  topic, qos, retain, priority, payload, created_on,
  published_on, published_message_id, session_id, confirmed_on, dropped_on
) VALUES (?, ?, ?, ?, ?, ?, NULL, -1, NULL, NULL, NULL);
`,
		topic, qos, retain, priority, payload, now.UnixNano(),
	)
	if err != nil {
		return 0, storeErr("store", sqliteErrCode(err), err)
	}
	lastID, err := res.LastInsertId()
	if err != nil {
		return 0, storeErr("store", "", err)
	}
	if lastID > math.MaxInt32 {
		return 0, storeErr("store", "", fmt.Errorf("assigned id %d exceeds 32-bit range", lastID))
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return 0, err
	}
	committed = true
	return int32(lastID), nil
}

// identityExhausted reports whether the next AUTOINCREMENT value would
// exceed the 32-bit identity space the spec describes (spec §4.D, §9 —
// we reseed rather than rely on the Kura reset-that-doesn't-work path).
func (s *SQLiteStore) identityExhausted(ctx context.Context, conn *sql.Conn) (bool, error) {
	var seq sql.NullInt64
	err := conn.QueryRowContext(ctx, `SELECT seq FROM sqlite_sequence WHERE name = 'messages';`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return seq.Valid && seq.Int64 >= math.MaxInt32, nil
}

func (s *SQLiteStore) resetIdentitySequence() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(context.Background(), `UPDATE sqlite_sequence SET seq = 0 WHERE name = 'messages';`)
	return err
}

func (s *SQLiteStore) Get(id int32) (Message, error) {
	row := s.db.QueryRowContext(context.Background(), `
SELECT id, topic, qos, retain, priority, payload, created_on,
  published_on, published_message_id, session_id, confirmed_on, dropped_on
FROM messages WHERE id = ?;
`, id)
	msg, err := scanMessage(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, storeErr("get", "", err)
	}
	return msg, nil
}

func (s *SQLiteStore) GetNext() (Message, error) {
	row := s.db.QueryRowContext(context.Background(), `
SELECT id, topic, qos, retain, priority, payload, created_on,
  published_on, published_message_id, session_id, confirmed_on, dropped_on
FROM messages
WHERE published_on IS NULL
ORDER BY priority ASC, created_on ASC
LIMIT 1;
`)
	msg, err := scanMessage(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, storeErr("get_next", "", err)
	}
	return msg, nil
}

func (s *SQLiteStore) Published(id int32) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(context.Background(),
		`UPDATE messages SET published_on = ? WHERE id = ?;`, now.UnixNano(), id)
	return storeErr("published", "", err)
}

func (s *SQLiteStore) PublishedWithSession(id int32, publishedMessageID int32, sessionID string) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(context.Background(), `
UPDATE messages SET published_on = ?, published_message_id = ?, session_id = ? WHERE id = ?;
`, now.UnixNano(), publishedMessageID, sessionID, id)
	return storeErr("published", "", err)
}

func (s *SQLiteStore) Confirmed(id int32) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(context.Background(),
		`UPDATE messages SET confirmed_on = ? WHERE id = ?;`, now.UnixNano(), id)
	return storeErr("confirmed", "", err)
}

func (s *SQLiteStore) AllUnpublishedMessagesNoPayload() ([]Message, error) {
	return s.listNoPayload(`
SELECT id, topic, qos, retain, priority, NULL, created_on,
  published_on, published_message_id, session_id, confirmed_on, dropped_on
FROM messages WHERE published_on IS NULL ORDER BY priority ASC, created_on ASC;
`)
}

func (s *SQLiteStore) AllInFlightMessagesNoPayload() ([]Message, error) {
	return s.listNoPayload(`
SELECT id, topic, qos, retain, priority, NULL, created_on,
  published_on, published_message_id, session_id, confirmed_on, dropped_on
FROM messages
WHERE published_on IS NOT NULL AND qos > 0 AND confirmed_on IS NULL AND dropped_on IS NULL
ORDER BY priority ASC, created_on ASC;
`)
}

func (s *SQLiteStore) AllDroppedInFlightMessagesNoPayload() ([]Message, error) {
	return s.listNoPayload(`
SELECT id, topic, qos, retain, priority, NULL, created_on,
  published_on, published_message_id, session_id, confirmed_on, dropped_on
FROM messages WHERE dropped_on IS NOT NULL ORDER BY priority ASC, created_on ASC;
`)
}

func (s *SQLiteStore) listNoPayload(query string) ([]Message, error) {
	rows, err := s.db.QueryContext(context.Background(), query)
	if err != nil {
		return nil, storeErr("list", "", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows, false)
		if err != nil {
			return nil, storeErr("list", "", err)
		}
		out = append(out, msg)
	}
	return out, storeErr("list", "", rows.Err())
}

func (s *SQLiteStore) UnpublishAllInFlightMessages() error {
	_, err := s.db.ExecContext(context.Background(), `
UPDATE messages SET published_on = NULL
WHERE published_on IS NOT NULL AND qos > 0 AND confirmed_on IS NULL;
`)
	return storeErr("unpublish_in_flight", "", err)
}

func (s *SQLiteStore) DropAllInFlightMessages() error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(context.Background(), `
UPDATE messages SET dropped_on = ?
WHERE published_on IS NOT NULL AND qos > 0 AND confirmed_on IS NULL;
`, now.UnixNano())
	return storeErr("drop_in_flight", "", err)
}

func (s *SQLiteStore) DeleteStaleMessages(ctx context.Context, purgeAge time.Duration) error {
	now := s.now().UTC()
	cutoff, _ := purgeCutoff(now, purgeAge)
	cutoffNanos := cutoff.UnixNano()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE dropped_on IS NOT NULL AND dropped_on < ?;`, cutoffNanos); err != nil {
		return storeErr("delete_stale", "", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE confirmed_on IS NOT NULL AND confirmed_on < ?;`, cutoffNanos); err != nil {
		return storeErr("delete_stale", "", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE qos = 0 AND published_on IS NOT NULL AND published_on < ?;`, cutoffNanos); err != nil {
		return storeErr("delete_stale", "", err)
	}
	return nil
}

// RowCount implements RowCounter.
func (s *SQLiteStore) RowCount() (int, error) {
	var count int
	err := s.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM messages;").Scan(&count)
	return count, storeErr("row_count", "", err)
}

func (s *SQLiteStore) Checkpoint() error {
	_, err := s.db.ExecContext(context.Background(), `PRAGMA wal_checkpoint(FULL);`)
	return storeErr("checkpoint", "", err)
}

func (s *SQLiteStore) Defrag() error {
	_, err := s.db.ExecContext(context.Background(), `VACUUM;`)
	return storeErr("defrag", "", err)
}

func (s *SQLiteStore) Repair() error {
	ctx := context.Background()

	var dupCount int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM (SELECT id FROM messages GROUP BY id HAVING COUNT(id) > 1);
`).Scan(&dupCount); err != nil {
		return storeErr("repair", "", err)
	}
	if dupCount == 0 {
		return nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return storeErr("repair", "", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return storeErr("repair", "", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK;")
		}
	}()

	// SQLite's rowid-backed INTEGER PRIMARY KEY has no separate "drop
	// primary key" statement; duplicates are removed in place, by
	// rowid, which is the SQLite analogue of the Kura drop-PK/delete/
	// re-add-PK dance (there is no PK object to drop or recreate).
	if _, err := conn.ExecContext(ctx, `
DELETE FROM messages WHERE id IN (
  SELECT id FROM messages GROUP BY id HAVING COUNT(*) > 1
);
`); err != nil {
		return storeErr("repair", "", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return storeErr("repair", "", err)
	}
	committed = true

	if err := s.Checkpoint(); err != nil {
		return err
	}
	return s.Defrag()
}

func scanMessage(row interface{ Scan(...any) error }, withPayload bool) (Message, error) {
	var (
		id                 int32
		topic              string
		qos                int
		retain             bool
		priority           int
		payload            []byte
		createdOnNanos     int64
		publishedOnNanos   sql.NullInt64
		publishedMessageID int32
		sessionID          sql.NullString
		confirmedOnNanos   sql.NullInt64
		droppedOnNanos     sql.NullInt64
	)
	if err := row.Scan(
		&id, &topic, &qos, &retain, &priority, &payload, &createdOnNanos,
		&publishedOnNanos, &publishedMessageID, &sessionID, &confirmedOnNanos, &droppedOnNanos,
	); err != nil {
		return Message{}, err
	}

	b := newMessageBuilder(id).
		withTopic(topic).
		withQoS(qos).
		withRetain(retain).
		withPriority(priority).
		withCreatedOn(time.Unix(0, createdOnNanos).UTC()).
		withPublishedMessageID(publishedMessageID)
	if withPayload {
		b = b.withPayload(payload)
	}
	if publishedOnNanos.Valid {
		b = b.withPublishedOn(time.Unix(0, publishedOnNanos.Int64).UTC())
	}
	if sessionID.Valid {
		b = b.withSessionID(sessionID.String)
	}
	if confirmedOnNanos.Valid {
		b = b.withConfirmedOn(time.Unix(0, confirmedOnNanos.Int64).UTC())
	}
	if droppedOnNanos.Valid {
		b = b.withDroppedOn(time.Unix(0, droppedOnNanos.Int64).UTC())
	}
	return b.build(), nil
}

func sqliteErrCode(err error) string {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return fmt.Sprintf("%d", sqliteErr.Code())
	}
	return ""
}
