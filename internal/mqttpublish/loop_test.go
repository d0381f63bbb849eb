package mqttpublish

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nuetzliches/msgspool/internal/obs"
	"github.com/nuetzliches/msgspool/internal/spool"
)

// fakeToken is a minimal mqtt.Token that completes immediately.
type fakeToken struct {
	err error
}

func (f *fakeToken) Wait() bool                    { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (f *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (f *fakeToken) Error() error { return f.err }

// fakeClient is a minimal mqtt.Client recording published messages.
type fakeClient struct {
	published []fakePublished
}

type fakePublished struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return &fakeToken{} }
func (c *fakeClient) Disconnect(uint)        {}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case string:
		body = []byte(p)
	}
	c.published = append(c.published, fakePublished{topic: topic, qos: qos, retained: retained, payload: body})
	return &fakeToken{}
}
func (c *fakeClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return &fakeToken{} }
func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token       { return &fakeToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func newTestStore(t *testing.T) spool.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "spool.db")
	s, err := spool.NewSQLiteStore(dbPath, 1000, spool.WithSQLiteNowFunc(time.Now))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoop_PublishesQoS0AndMarksFireAndForget(t *testing.T) {
	store := newTestStore(t)
	client := &fakeClient{}
	loop, err := NewLoop(Options{Store: store, Client: client})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	msg, err := store.Store("t/ff", []byte("hi"), 0, false, 5)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()
	<-done

	got, err := store.Get(msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DerivedState() != spool.StatePublishedFireAndForget {
		t.Fatalf("state=%v, want published_fire_and_forget", got.DerivedState())
	}
	if len(client.published) != 1 || client.published[0].topic != "t/ff" {
		t.Fatalf("published=%v, want one publish to t/ff", client.published)
	}
}

// TestLoop_PublishesQoS1AndConfirmsAfterAck exercises the real paho
// contract: a QoS1/2 Publish token's Wait() already blocks until the
// broker's PUBACK/PUBREC arrives, so publishOne marks the message
// confirmed immediately rather than leaving it in_flight.
func TestLoop_PublishesQoS1AndConfirmsAfterAck(t *testing.T) {
	store := newTestStore(t)
	client := &fakeClient{}
	loop, err := NewLoop(Options{Store: store, Client: client, SessionID: "s1"})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	msg, err := store.Store("t/q1", []byte("hi"), 1, false, 5)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()
	<-done

	got, err := store.Get(msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DerivedState() != spool.StateConfirmed {
		t.Fatalf("state=%v, want confirmed", got.DerivedState())
	}
	if got.SessionID != "s1" {
		t.Fatalf("session_id=%q, want s1", got.SessionID)
	}
}

func TestLoop_PublishesQoS1UpdatesConfirmedMetrics(t *testing.T) {
	store := newTestStore(t)
	client := &fakeClient{}
	metrics := obs.NewSpoolMetrics(prometheus.NewRegistry())
	loop, err := NewLoop(Options{Store: store, Client: client, Metrics: metrics})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	if _, err := store.Store("t/q1", []byte("hi"), 1, false, 5); err != nil {
		t.Fatalf("store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()
	<-done

	if got := testutil.ToFloat64(metrics.Confirmed); got != 1 {
		t.Fatalf("confirmed counter=%v, want 1", got)
	}
	if got := testutil.CollectAndCount(metrics.PublishToConfirm); got != 1 {
		t.Fatalf("publish_to_confirm samples=%v, want 1", got)
	}
}

func TestLoop_ConfirmedMarksConfirmed(t *testing.T) {
	store := newTestStore(t)
	loop, err := NewLoop(Options{Store: store, Client: &fakeClient{}})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	msg, err := store.Store("t/q1", nil, 1, false, 5)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.PublishedWithSession(msg.ID, 1, "s1"); err != nil {
		t.Fatalf("published_with_session: %v", err)
	}

	loop.Confirmed(msg.ID)

	got, err := store.Get(msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DerivedState() != spool.StateConfirmed {
		t.Fatalf("state=%v, want confirmed", got.DerivedState())
	}
}

func TestLoop_DropInFlight(t *testing.T) {
	store := newTestStore(t)
	loop, err := NewLoop(Options{Store: store, Client: &fakeClient{}})
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	msg, err := store.Store("t/q1", nil, 1, false, 5)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.PublishedWithSession(msg.ID, 1, "s1"); err != nil {
		t.Fatalf("published_with_session: %v", err)
	}

	if err := loop.DropInFlight("operator requested"); err != nil {
		t.Fatalf("drop_in_flight: %v", err)
	}

	got, err := store.Get(msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DerivedState() != spool.StateDropped {
		t.Fatalf("state=%v, want dropped", got.DerivedState())
	}
}
