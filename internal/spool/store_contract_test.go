package spool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// contractCapacity is the row cap every contract-test store is built with.
const contractCapacity = 1000

type storeFactory struct {
	name string
	new  func(t *testing.T, now *time.Time) Store
}

func contractStoreFactories() []storeFactory {
	out := []storeFactory{
		{
			name: "sqlite",
			new: func(t *testing.T, now *time.Time) Store {
				t.Helper()
				dbPath := filepath.Join(t.TempDir(), "spool.db")
				s, err := NewSQLiteStore(dbPath, contractCapacity, WithSQLiteNowFunc(func() time.Time { return now.UTC() }))
				if err != nil {
					t.Fatalf("new sqlite store: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
	}

	dsn := strings.TrimSpace(os.Getenv("SPOOL_TEST_POSTGRES_DSN"))
	if dsn != "" {
		out = append(out, storeFactory{
			name: "postgres",
			new: func(t *testing.T, now *time.Time) Store {
				t.Helper()
				s, err := NewPostgresStore(dsn,
					WithPostgresNowFunc(func() time.Time { return now.UTC() }),
					WithPostgresCapacity(contractCapacity),
				)
				if err != nil {
					t.Fatalf("new postgres store: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		})
	}

	return out
}

func TestStoreContract_StoreGetRoundTrip(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			msg, err := store.Store("device/sensor/temp", []byte("23.5"), 1, false, 5)
			if err != nil {
				t.Fatalf("store: %v", err)
			}
			if msg.Topic != "device/sensor/temp" || msg.QoS != 1 || msg.Priority != 5 {
				t.Fatalf("stored message mismatch: %+v", msg)
			}
			if msg.DerivedState() != StateUnpublished {
				t.Fatalf("state=%v, want unpublished", msg.DerivedState())
			}

			got, err := store.Get(msg.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if string(got.Payload) != "23.5" {
				t.Fatalf("payload=%q, want 23.5", got.Payload)
			}
		})
	}
}

func TestStoreContract_GetNextOrdersByPriorityThenAge(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			if _, err := store.Store("t/low", nil, 0, false, 7); err != nil {
				t.Fatalf("store low: %v", err)
			}
			now = now.Add(time.Second)
			high, err := store.Store("t/high", nil, 0, false, 2)
			if err != nil {
				t.Fatalf("store high: %v", err)
			}

			next, err := store.GetNext()
			if err != nil {
				t.Fatalf("get_next: %v", err)
			}
			if next.ID != high.ID {
				t.Fatalf("get_next id=%d, want the higher-priority %d", next.ID, high.ID)
			}
		})
	}
}

func TestStoreContract_GetNextEmptyReturnsNotFound(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			_, err := store.GetNext()
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("err=%v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreContract_QoS0PublishIsTerminal(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			msg, err := store.Store("t/ff", nil, 0, false, 5)
			if err != nil {
				t.Fatalf("store: %v", err)
			}
			if err := store.Published(msg.ID); err != nil {
				t.Fatalf("published: %v", err)
			}

			got, err := store.Get(msg.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.DerivedState() != StatePublishedFireAndForget {
				t.Fatalf("state=%v, want published_fire_and_forget", got.DerivedState())
			}
		})
	}
}

func TestStoreContract_QoS1Lifecycle(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			msg, err := store.Store("t/qos1", nil, 1, false, 5)
			if err != nil {
				t.Fatalf("store: %v", err)
			}

			if err := store.PublishedWithSession(msg.ID, 42, "session-1"); err != nil {
				t.Fatalf("published_with_session: %v", err)
			}
			inFlight, err := store.Get(msg.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if inFlight.DerivedState() != StateInFlight {
				t.Fatalf("state=%v, want in_flight", inFlight.DerivedState())
			}
			if inFlight.PublishedMessageID != 42 || inFlight.SessionID != "session-1" {
				t.Fatalf("in-flight fields mismatch: %+v", inFlight)
			}

			if err := store.Confirmed(msg.ID); err != nil {
				t.Fatalf("confirmed: %v", err)
			}
			confirmed, err := store.Get(msg.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if confirmed.DerivedState() != StateConfirmed {
				t.Fatalf("state=%v, want confirmed", confirmed.DerivedState())
			}
		})
	}
}

func TestStoreContract_CapacityBypassForLowPriorities(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			for i := 0; i < contractCapacity; i++ {
				if _, err := store.Store("t/fill", nil, 0, false, 5); err != nil {
					t.Fatalf("fill store %d: %v", i, err)
				}
			}
			if _, err := store.Store("t/over", nil, 0, false, 5); !errors.Is(err, ErrCapacityReached) {
				t.Fatalf("err=%v, want ErrCapacityReached", err)
			}

			if _, err := store.Store("t/lifecycle", nil, 0, false, PriorityLifecycle); err != nil {
				t.Fatalf("lifecycle bypass: %v", err)
			}
			if _, err := store.Store("t/management", nil, 0, false, PriorityManagement); err != nil {
				t.Fatalf("management bypass: %v", err)
			}
		})
	}
}

func TestStoreContract_UnpublishAndDropInFlight(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			msg, err := store.Store("t/qos1", nil, 1, false, 5)
			if err != nil {
				t.Fatalf("store: %v", err)
			}
			if err := store.PublishedWithSession(msg.ID, 1, "s1"); err != nil {
				t.Fatalf("published_with_session: %v", err)
			}

			if err := store.UnpublishAllInFlightMessages(); err != nil {
				t.Fatalf("unpublish_all: %v", err)
			}
			got, err := store.Get(msg.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.DerivedState() != StateUnpublished {
				t.Fatalf("state=%v, want unpublished after unpublish-all", got.DerivedState())
			}

			if err := store.PublishedWithSession(msg.ID, 1, "s1"); err != nil {
				t.Fatalf("republish: %v", err)
			}
			if err := store.DropAllInFlightMessages(); err != nil {
				t.Fatalf("drop_all: %v", err)
			}
			got, err = store.Get(msg.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.DerivedState() != StateDropped {
				t.Fatalf("state=%v, want dropped after drop-all", got.DerivedState())
			}
		})
	}
}

func TestStoreContract_ListingsPartitionByState(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			unpub, err := store.Store("t/unpub", nil, 1, false, 5)
			if err != nil {
				t.Fatalf("store unpub: %v", err)
			}
			inflight, err := store.Store("t/inflight", nil, 1, false, 5)
			if err != nil {
				t.Fatalf("store inflight: %v", err)
			}
			if err := store.PublishedWithSession(inflight.ID, 1, "s1"); err != nil {
				t.Fatalf("publish inflight: %v", err)
			}
			dropped, err := store.Store("t/dropped", nil, 1, false, 5)
			if err != nil {
				t.Fatalf("store dropped: %v", err)
			}
			if err := store.PublishedWithSession(dropped.ID, 1, "s1"); err != nil {
				t.Fatalf("publish dropped: %v", err)
			}

			unpublished, err := store.AllUnpublishedMessagesNoPayload()
			if err != nil {
				t.Fatalf("all_unpublished: %v", err)
			}
			if len(unpublished) != 1 || unpublished[0].ID != unpub.ID {
				t.Fatalf("unpublished=%v, want just %d", unpublished, unpub.ID)
			}
			if unpublished[0].Payload != nil {
				t.Fatalf("unpublished listing should omit payload, got %v", unpublished[0].Payload)
			}

			if err := store.DropAllInFlightMessages(); err != nil {
				t.Fatalf("drop_all: %v", err)
			}

			inFlightList, err := store.AllInFlightMessagesNoPayload()
			if err != nil {
				t.Fatalf("all_in_flight: %v", err)
			}
			if len(inFlightList) != 0 {
				t.Fatalf("in_flight=%v, want empty after drop-all", inFlightList)
			}

			droppedList, err := store.AllDroppedInFlightMessagesNoPayload()
			if err != nil {
				t.Fatalf("all_dropped: %v", err)
			}
			if len(droppedList) != 2 {
				t.Fatalf("dropped=%v, want 2 entries", droppedList)
			}
		})
	}
}

func TestStoreContract_DeleteStaleMessagesPurgesTerminalRows(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			msg, err := store.Store("t/stale", nil, 0, false, 5)
			if err != nil {
				t.Fatalf("store: %v", err)
			}
			if err := store.Published(msg.ID); err != nil {
				t.Fatalf("published: %v", err)
			}

			now = now.Add(2 * time.Hour)
			if err := store.DeleteStaleMessages(context.Background(), time.Hour); err != nil {
				t.Fatalf("delete_stale: %v", err)
			}

			if _, err := store.Get(msg.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get after purge err=%v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreContract_DeleteStaleMessagesHugePurgeAgeNeverErrors(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			if err := store.DeleteStaleMessages(context.Background(), 1<<60); err != nil {
				t.Fatalf("delete_stale with huge purge age: %v", err)
			}
		})
	}
}

func TestStoreContract_DeleteStaleMessagesRespectsCancellation(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			msg, err := store.Store("t/stale", nil, 0, false, 5)
			if err != nil {
				t.Fatalf("store: %v", err)
			}
			if err := store.Published(msg.ID); err != nil {
				t.Fatalf("published: %v", err)
			}
			now = now.Add(2 * time.Hour)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			if err := store.DeleteStaleMessages(ctx, time.Hour); !errors.Is(err, context.Canceled) {
				t.Fatalf("err=%v, want context.Canceled", err)
			}
		})
	}
}

func TestStoreContract_CheckpointAndDefrag(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			if _, err := store.Store("t/x", nil, 0, false, 5); err != nil {
				t.Fatalf("store: %v", err)
			}
			if err := store.Checkpoint(); err != nil {
				t.Fatalf("checkpoint: %v", err)
			}
			if err := store.Defrag(); err != nil {
				t.Fatalf("defrag: %v", err)
			}
		})
	}
}

func TestStoreContract_RepairIsNoOpWithoutDuplicates(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			if _, err := store.Store("t/x", nil, 0, false, 5); err != nil {
				t.Fatalf("store: %v", err)
			}
			if err := store.Repair(); err != nil {
				t.Fatalf("repair: %v", err)
			}
		})
	}
}

func TestStoreContract_InvalidArgumentRejected(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			now := time.Date(2026, 2, 14, 21, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			if _, err := store.Store("   ", nil, 0, false, 5); !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("err=%v, want ErrInvalidArgument", err)
			}
		})
	}
}
