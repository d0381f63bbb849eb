package spool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nuetzliches/msgspool/internal/obs"
)

func TestHousekeeper_RunOncePurgesStaleRows(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	dbPath := filepath.Join(t.TempDir(), "spool.db")
	store, err := NewSQLiteStore(dbPath, 1000, WithSQLiteNowFunc(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	msg, err := store.Store("t/stale", nil, 0, false, 5)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Published(msg.ID); err != nil {
		t.Fatalf("published: %v", err)
	}

	now = now.Add(2 * time.Hour)
	hk := NewHousekeeper(store, HousekeeperConfig{PurgeAge: time.Hour})
	hk.RunOnce(context.Background())

	if _, err := store.Get(msg.ID); err == nil {
		t.Fatalf("expected stale row to be purged")
	}
}

func TestHousekeeper_RunOnceSetsRowCountGauge(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	dbPath := filepath.Join(t.TempDir(), "spool.db")
	store, err := NewSQLiteStore(dbPath, 1000, WithSQLiteNowFunc(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	for i := 0; i < 3; i++ {
		if _, err := store.Store("t/x", nil, 0, false, 5); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}

	metrics := obs.NewSpoolMetrics(prometheus.NewRegistry())
	hk := NewHousekeeper(store, HousekeeperConfig{PurgeAge: time.Hour, Metrics: metrics})
	hk.RunOnce(context.Background())

	if got := testutil.ToFloat64(metrics.RowCount); got != 3 {
		t.Fatalf("row_count gauge=%v, want 3", got)
	}
}

func TestHousekeeper_StartStopIsClean(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "spool.db")
	store, err := NewSQLiteStore(dbPath, 1000, WithSQLiteNowFunc(time.Now))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	hk := NewHousekeeper(store, HousekeeperConfig{Interval: 10 * time.Millisecond})
	hk.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	hk.Stop()
}
