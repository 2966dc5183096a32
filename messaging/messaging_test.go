package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shuttlecore/config"
	"shuttlecore/protocol"
	"shuttlecore/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(&config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	fail      bool
	sent      map[string][][]byte
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{connected: true, sent: make(map[string][][]byte)}
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.sent[topic] = append(p.sent[topic], payload)
	return nil
}

func (p *fakePublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func TestDrainerPublishesAndAcks(t *testing.T) {
	db := testDB(t)
	for i := 0; i < 3; i++ {
		if err := db.EnqueueOutbox("rack/events", []byte(`{}`), "shuttle.status", "rack-1"); err != nil {
			t.Fatal(err)
		}
	}
	pub := newFakePublisher()
	d := NewOutboxDrainer(db, pub, time.Second)
	if n := d.Drain(); n != 3 {
		t.Fatalf("sent = %d, want 3", n)
	}
	if n := d.Drain(); n != 0 {
		t.Errorf("second drain sent %d, want 0", n)
	}
	if got := len(pub.sent["rack/events"]); got != 3 {
		t.Errorf("published = %d", got)
	}
}

func TestDrainerRetriesOnFailure(t *testing.T) {
	db := testDB(t)
	db.EnqueueOutbox("rack/events", []byte(`{}`), "x", "rack-1")
	pub := newFakePublisher()
	pub.fail = true
	d := NewOutboxDrainer(db, pub, time.Second)
	d.Drain()
	msgs, err := db.ListPendingOutbox(10, maxOutboxRetry)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Retries != 1 {
		t.Fatalf("pending = %+v", msgs)
	}

	pub.fail = false
	if n := d.Drain(); n != 1 {
		t.Errorf("sent after recovery = %d", n)
	}
}

func TestDrainerSkipsWhenDisconnected(t *testing.T) {
	db := testDB(t)
	db.EnqueueOutbox("rack/events", []byte(`{}`), "x", "rack-1")
	pub := newFakePublisher()
	pub.connected = false
	if n := NewOutboxDrainer(db, pub, time.Second).Drain(); n != 0 {
		t.Errorf("sent = %d while disconnected", n)
	}
}

type fakeExecutor struct {
	mu   sync.Mutex
	reqs []protocol.OpRequest
}

func (e *fakeExecutor) ExecuteOp(_ context.Context, req *protocol.OpRequest) *protocol.OpResult {
	e.mu.Lock()
	e.reqs = append(e.reqs, *req)
	e.mu.Unlock()
	return &protocol.OpResult{Op: req.Op, Success: true, Code: 200, Status: "ok"}
}

func (e *fakeExecutor) Busy() bool { return false }

func TestRequestHandlerRepliesThroughOutbox(t *testing.T) {
	db := testDB(t)
	exec := &fakeExecutor{}
	h := NewRequestHandler(db, exec, "rack-1", "rack/results")
	ing := protocol.NewIngestor(h, protocol.StationFilter("rack-1"))

	env, _ := protocol.NewEnvelope(protocol.TypeOpRequest,
		protocol.Address{Role: protocol.RoleHost, Station: "wms"},
		protocol.Address{Role: protocol.RoleCore, Station: "rack-1"},
		&protocol.OpRequest{Op: protocol.OpLiftTo, Layer: 2})
	data, _ := env.Encode()
	ing.HandleRaw(data)
	h.Stop()

	if len(exec.reqs) != 1 || exec.reqs[0].Actor != "wms" {
		t.Fatalf("executed = %+v", exec.reqs)
	}
	msgs, err := db.ListPendingOutbox(10, maxOutboxRetry)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Topic != "rack/results" {
		t.Fatalf("outbox = %+v", msgs)
	}
	var reply protocol.Envelope
	if err := json.Unmarshal(msgs[0].Payload, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.CorID != env.ID || reply.Type != protocol.TypeOpResult {
		t.Errorf("reply cor=%q type=%q", reply.CorID, reply.Type)
	}
	var res protocol.OpResult
	if err := reply.DecodePayload(&res); err != nil || !res.Success || res.Op != protocol.OpLiftTo {
		t.Errorf("result = %+v, %v", res, err)
	}
}

func TestPingPong(t *testing.T) {
	db := testDB(t)
	h := NewRequestHandler(db, &fakeExecutor{}, "rack-1", "rack/results")
	env, _ := protocol.NewEnvelope(protocol.TypePing,
		protocol.Address{Role: protocol.RoleHost, Station: "wms"},
		protocol.Address{Role: protocol.RoleCore, Station: "rack-1"},
		&protocol.Ping{Nonce: "abc"})
	h.HandlePing(env, &protocol.Ping{Nonce: "abc"})

	msgs, _ := db.ListPendingOutbox(10, maxOutboxRetry)
	if len(msgs) != 1 || msgs[0].MsgType != protocol.TypePong {
		t.Fatalf("outbox = %+v", msgs)
	}
}
