package spool

import (
	"context"
	"time"
)

// RepairPolicy selects how repair() reconciles duplicate-id rows.
// spec §9 keeps the Kura behaviour (DropAll) as the default but flags
// it as an open question; KeepNewest is the documented alternative.
type RepairPolicy int

const (
	// RepairPolicyDropAll removes every row sharing a duplicated id,
	// matching the original Kura DbDataStore.repair() behaviour.
	RepairPolicyDropAll RepairPolicy = iota
	// RepairPolicyKeepNewest keeps the row with the latest CreatedOn
	// among each group of duplicates and removes the rest.
	RepairPolicyKeepNewest
)

// Store is the message repository contract described in spec §4.C.
// Implementations return Message value snapshots that never alias
// internal state. SQLiteStore runs every operation over its single
// pooled connection, one at a time; PostgresStore holds its mutex only
// around the capacity check and insert of Store, and its other
// operations may run concurrently under Postgres's own locking.
type Store interface {
	// Store inserts a new row and returns the freshly loaded row,
	// applying the capacity/identity policy of §4.D.
	Store(topic string, payload []byte, qos int, retain bool, priority int) (Message, error)

	// Get returns the full row for id, or ErrNotFound.
	Get(id int32) (Message, error)

	// GetNext returns the oldest unpublished row at the lowest
	// priority number, or ErrNotFound if the spool is empty of
	// unpublished rows.
	GetNext() (Message, error)

	// Published marks id as published (fire-and-forget form, QoS 0).
	Published(id int32) error

	// PublishedWithSession marks id as published with the broker id
	// and transport session (QoS >= 1 form).
	PublishedWithSession(id int32, publishedMessageID int32, sessionID string) error

	// Confirmed marks id as confirmed by the broker.
	Confirmed(id int32) error

	AllUnpublishedMessagesNoPayload() ([]Message, error)
	AllInFlightMessagesNoPayload() ([]Message, error)
	AllDroppedInFlightMessagesNoPayload() ([]Message, error)

	// UnpublishAllInFlightMessages clears PublishedOn on every in-flight
	// QoS>0 row so it is redelivered on the next GetNext.
	UnpublishAllInFlightMessages() error

	// DropAllInFlightMessages marks every in-flight QoS>0 row dropped.
	DropAllInFlightMessages() error

	// DeleteStaleMessages purges terminal-state rows older than
	// purgeAge, per the three sweeps in spec §4.C. ctx is checked
	// between each sweep so a cancelled housekeeper tick can abort
	// partway through rather than run all three unconditionally.
	DeleteStaleMessages(ctx context.Context, purgeAge time.Duration) error

	Checkpoint() error
	Defrag() error

	// Repair detects and removes duplicate-id rows and rebuilds the
	// primary key. A no-op when the store is not corrupted.
	Repair() error

	Close() error
}

// RowCounter is implemented by stores that can report their current row
// count without a full row scan. Both backends satisfy it; the
// housekeeper uses it to publish the spool's row-count gauge.
type RowCounter interface {
	RowCount() (int, error)
}

// Housekept is implemented by stores that support the scheduled
// maintenance task of spec §4.E. Both backends satisfy it.
type Housekept interface {
	// LogDataEnabled reports whether the backend logs data changes as
	// they happen. When false, the housekeeper also issues Checkpoint
	// on every tick (§4.E item 2).
	LogDataEnabled() bool
}
