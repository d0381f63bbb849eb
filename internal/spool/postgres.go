package spool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nuetzliches/msgspool/internal/obs"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS messages (
  id                    INTEGER GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
  topic                 TEXT NOT NULL,
  qos                   INTEGER NOT NULL,
  retain                BOOLEAN NOT NULL,
  priority              INTEGER NOT NULL,
  payload               BYTEA NOT NULL,
  created_on            TIMESTAMPTZ NOT NULL,
  published_on          TIMESTAMPTZ,
  published_message_id  INTEGER NOT NULL DEFAULT -1,
  session_id            TEXT,
  confirmed_on          TIMESTAMPTZ,
  dropped_on            TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS messages_next_msg
  ON messages (priority ASC, created_on ASC, published_on, qos);
`

// PostgresOption configures a PostgresStore at construction time.
type PostgresOption func(*PostgresStore)

// WithPostgresNowFunc overrides the clock, for deterministic tests.
func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithPostgresCapacity sets the row cap checked by Store (spec §4.D).
func WithPostgresCapacity(capacity int) PostgresOption {
	return func(s *PostgresStore) { s.capacity = capacity }
}

// WithPostgresMetrics wires the store into the spool's Prometheus metric
// set (spec §4.K stored/capacity-rejected counters), nil-safe so tests
// can omit it.
func WithPostgresMetrics(metrics *obs.SpoolMetrics) PostgresOption {
	return func(s *PostgresStore) { s.metrics = metrics }
}

// PostgresStore is the alternate storage backend (spec §4.A Non-goal
// carve-out: "a single embedded engine is assumed, but the contract
// must not preclude a client/server backend"), grounded on the
// teacher's jackc/pgx/v5-backed adapter. Unlike SQLiteStore it pools
// multiple connections; Postgres itself serialises conflicting writers
// via row locks, so the §5 linearizability requirement is met with a
// narrower mutex scoped only to the capacity-check-then-insert step.
type PostgresStore struct {
	db *sql.DB

	mu       sync.Mutex
	nowFn    func() time.Time
	capacity int
	metrics  *obs.SpoolMetrics
}

var _ Store = (*PostgresStore)(nil)
var _ Housekept = (*PostgresStore)(nil)
var _ RowCounter = (*PostgresStore)(nil)

// NewPostgresStore opens a connection pool against dsn and runs the
// schema manager.
func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("spool: empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresStore{
		db:    db,
		nowFn: time.Now,
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

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LogDataEnabled implements Housekept. Postgres's WAL is a durability
// mechanism, not a queryable change log, so the housekeeper still
// checkpoints explicitly.
func (s *PostgresStore) LogDataEnabled() bool { return false }

func (s *PostgresStore) init() error {
	_, err := s.db.ExecContext(context.Background(), postgresSchemaV1)
	return storeErr("init", "", err)
}

func (s *PostgresStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn().UTC()
}

func (s *PostgresStore) Store(topic string, payload []byte, qos int, retain bool, priority int) (Message, error) {
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

func (s *PostgresStore) storeInternal(topic string, payload []byte, qos int, retain bool, priority int) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if priority != PriorityLifecycle && priority != PriorityManagement {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages;`).Scan(&count); err != nil {
			return 0, storeErr("store", "", err)
		}
		if count >= s.capacity {
			return 0, ErrCapacityReached
		}
	}

	var nextVal int64
	if err := tx.QueryRowContext(ctx, `SELECT last_value FROM messages_id_seq;`).Scan(&nextVal); err == nil {
		if nextVal >= math.MaxInt32 {
			return 0, ErrIdentityExhausted
		}
	}

	now := s.nowFn().UTC()
	var id int64
	err = tx.QueryRowContext(ctx, `
INSERT INTO messages (
  topic, qos, retain, priority, payload, created_on,
  published_on, published_message_id, session_id, confirmed_on, dropped_on
) VALUES ($1, $2, $3, $4, $5, $6, NULL, -1, NULL, NULL, NULL)
RETURNING id;
`, topic, qos, retain, priority, payload, now).Scan(&id)
	if err != nil {
		return 0, mapPostgresInsertError("store", err)
	}
	if id > math.MaxInt32 {
		return 0, storeErr("store", "", fmt.Errorf("assigned id %d exceeds 32-bit range", id))
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return int32(id), nil
}

func (s *PostgresStore) resetIdentitySequence() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(context.Background(), `ALTER SEQUENCE messages_id_seq RESTART WITH 1;`)
	return err
}

func (s *PostgresStore) Get(id int32) (Message, error) {
	row := s.db.QueryRowContext(context.Background(), `
SELECT id, topic, qos, retain, priority, payload, created_on,
  published_on, published_message_id, session_id, confirmed_on, dropped_on
FROM messages WHERE id = $1;
`, id)
	msg, err := scanPostgresMessage(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, storeErr("get", "", err)
	}
	return msg, nil
}

func (s *PostgresStore) GetNext() (Message, error) {
	row := s.db.QueryRowContext(context.Background(), `
SELECT id, topic, qos, retain, priority, payload, created_on,
  published_on, published_message_id, session_id, confirmed_on, dropped_on
FROM messages
WHERE published_on IS NULL
ORDER BY priority ASC, created_on ASC
LIMIT 1;
`)
	msg, err := scanPostgresMessage(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, storeErr("get_next", "", err)
	}
	return msg, nil
}

func (s *PostgresStore) Published(id int32) error {
	now := s.now()
	_, err := s.db.ExecContext(context.Background(),
		`UPDATE messages SET published_on = $1 WHERE id = $2;`, now, id)
	return storeErr("published", "", err)
}

func (s *PostgresStore) PublishedWithSession(id int32, publishedMessageID int32, sessionID string) error {
	now := s.now()
	_, err := s.db.ExecContext(context.Background(), `
UPDATE messages SET published_on = $1, published_message_id = $2, session_id = $3 WHERE id = $4;
`, now, publishedMessageID, sessionID, id)
	return storeErr("published", "", err)
}

func (s *PostgresStore) Confirmed(id int32) error {
	now := s.now()
	_, err := s.db.ExecContext(context.Background(),
		`UPDATE messages SET confirmed_on = $1 WHERE id = $2;`, now, id)
	return storeErr("confirmed", "", err)
}

func (s *PostgresStore) AllUnpublishedMessagesNoPayload() ([]Message, error) {
	return s.listNoPayload(`
SELECT id, topic, qos, retain, priority, created_on,
  published_on, published_message_id, session_id, confirmed_on, dropped_on
FROM messages WHERE published_on IS NULL ORDER BY priority ASC, created_on ASC;
`)
}

func (s *PostgresStore) AllInFlightMessagesNoPayload() ([]Message, error) {
	return s.listNoPayload(`
SELECT id, topic, qos, retain, priority, created_on,
  published_on, published_message_id, session_id, confirmed_on, dropped_on
FROM messages
WHERE published_on IS NOT NULL AND qos > 0 AND confirmed_on IS NULL AND dropped_on IS NULL
ORDER BY priority ASC, created_on ASC;
`)
}

func (s *PostgresStore) AllDroppedInFlightMessagesNoPayload() ([]Message, error) {
	return s.listNoPayload(`
SELECT id, topic, qos, retain, priority, created_on,
  published_on, published_message_id, session_id, confirmed_on, dropped_on
FROM messages WHERE dropped_on IS NOT NULL ORDER BY priority ASC, created_on ASC;
`)
}

func (s *PostgresStore) listNoPayload(query string) ([]Message, error) {
	rows, err := s.db.QueryContext(context.Background(), query)
	if err != nil {
		return nil, storeErr("list", "", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanPostgresMessageNoPayload(rows)
		if err != nil {
			return nil, storeErr("list", "", err)
		}
		out = append(out, msg)
	}
	return out, storeErr("list", "", rows.Err())
}

func (s *PostgresStore) UnpublishAllInFlightMessages() error {
	_, err := s.db.ExecContext(context.Background(), `
UPDATE messages SET published_on = NULL
WHERE published_on IS NOT NULL AND qos > 0 AND confirmed_on IS NULL;
`)
	return storeErr("unpublish_in_flight", "", err)
}

func (s *PostgresStore) DropAllInFlightMessages() error {
	now := s.now()
	_, err := s.db.ExecContext(context.Background(), `
UPDATE messages SET dropped_on = $1
WHERE published_on IS NOT NULL AND qos > 0 AND confirmed_on IS NULL;
`, now)
	return storeErr("drop_in_flight", "", err)
}

func (s *PostgresStore) DeleteStaleMessages(ctx context.Context, purgeAge time.Duration) error {
	now := s.now()
	cutoff, _ := purgeCutoff(now, purgeAge)

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE dropped_on IS NOT NULL AND dropped_on < $1;`, cutoff); err != nil {
		return storeErr("delete_stale", "", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE confirmed_on IS NOT NULL AND confirmed_on < $1;`, cutoff); err != nil {
		return storeErr("delete_stale", "", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE qos = 0 AND published_on IS NOT NULL AND published_on < $1;`, cutoff); err != nil {
		return storeErr("delete_stale", "", err)
	}
	return nil
}

// RowCount implements RowCounter.
func (s *PostgresStore) RowCount() (int, error) {
	var count int
	err := s.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM messages;").Scan(&count)
	return count, storeErr("row_count", "", err)
}

func (s *PostgresStore) Checkpoint() error {
	_, err := s.db.ExecContext(context.Background(), `CHECKPOINT;`)
	return storeErr("checkpoint", "", err)
}

func (s *PostgresStore) Defrag() error {
	_, err := s.db.ExecContext(context.Background(), `VACUUM messages;`)
	return storeErr("defrag", "", err)
}

func (s *PostgresStore) Repair() error {
	ctx := context.Background()

	var dupCount int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM (SELECT id FROM messages GROUP BY id HAVING COUNT(id) > 1) dups;
`).Scan(&dupCount); err != nil {
		return storeErr("repair", "", err)
	}
	if dupCount == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("repair", "", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `ALTER TABLE messages DROP CONSTRAINT messages_pkey;`); err != nil {
		return storeErr("repair", "", err)
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM messages WHERE id IN (
  SELECT id FROM messages GROUP BY id HAVING COUNT(*) > 1
);
`); err != nil {
		return storeErr("repair", "", err)
	}
	if _, err := tx.ExecContext(ctx, `ALTER TABLE messages ADD PRIMARY KEY (id);`); err != nil {
		return storeErr("repair", "", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("repair", "", err)
	}
	committed = true

	if err := s.Checkpoint(); err != nil {
		return err
	}
	return s.Defrag()
}

func scanPostgresMessage(row interface{ Scan(...any) error }, withPayload bool) (Message, error) {
	var (
		id                 int32
		topic              string
		qos                int
		retain             bool
		priority           int
		payload            []byte
		createdOn          time.Time
		publishedOn        sql.NullTime
		publishedMessageID int32
		sessionID          sql.NullString
		confirmedOn        sql.NullTime
		droppedOn          sql.NullTime
	)
	if err := row.Scan(
		&id, &topic, &qos, &retain, &priority, &payload, &createdOn,
		&publishedOn, &publishedMessageID, &sessionID, &confirmedOn, &droppedOn,
	); err != nil {
		return Message{}, err
	}

	b := newMessageBuilder(id).
		withTopic(topic).
		withQoS(qos).
		withRetain(retain).
		withPriority(priority).
		withCreatedOn(createdOn.UTC()).
		withPublishedMessageID(publishedMessageID)
	if withPayload {
		b = b.withPayload(payload)
	}
	if publishedOn.Valid {
		b = b.withPublishedOn(publishedOn.Time.UTC())
	}
	if sessionID.Valid {
		b = b.withSessionID(sessionID.String)
	}
	if confirmedOn.Valid {
		b = b.withConfirmedOn(confirmedOn.Time.UTC())
	}
	if droppedOn.Valid {
		b = b.withDroppedOn(droppedOn.Time.UTC())
	}
	return b.build(), nil
}

// scanPostgresMessageNoPayload scans the payload-less listing
// projections, which omit the payload column entirely rather than
// selecting NULL, since BYTEA has no portable untyped NULL literal
// shortcut the way SQLite's dynamic typing allows.
func scanPostgresMessageNoPayload(row interface{ Scan(...any) error }) (Message, error) {
	var (
		id                 int32
		topic              string
		qos                int
		retain             bool
		priority           int
		createdOn          time.Time
		publishedOn        sql.NullTime
		publishedMessageID int32
		sessionID          sql.NullString
		confirmedOn        sql.NullTime
		droppedOn          sql.NullTime
	)
	if err := row.Scan(
		&id, &topic, &qos, &retain, &priority, &createdOn,
		&publishedOn, &publishedMessageID, &sessionID, &confirmedOn, &droppedOn,
	); err != nil {
		return Message{}, err
	}

	b := newMessageBuilder(id).
		withTopic(topic).
		withQoS(qos).
		withRetain(retain).
		withPriority(priority).
		withCreatedOn(createdOn.UTC()).
		withPublishedMessageID(publishedMessageID)
	if publishedOn.Valid {
		b = b.withPublishedOn(publishedOn.Time.UTC())
	}
	if sessionID.Valid {
		b = b.withSessionID(sessionID.String)
	}
	if confirmedOn.Valid {
		b = b.withConfirmedOn(confirmedOn.Time.UTC())
	}
	if droppedOn.Valid {
		b = b.withDroppedOn(droppedOn.Time.UTC())
	}
	return b.build(), nil
}

func mapPostgresInsertError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "22003" {
			return ErrIdentityExhausted
		}
		return storeErr(op, pgErr.Code, err)
	}
	return storeErr(op, "", err)
}
