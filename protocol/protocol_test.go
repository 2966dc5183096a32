package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	src := Address{Role: RoleHost, Station: "wms"}
	dst := Address{Role: RoleCore, Station: "rack-1"}

	env, err := NewEnvelope(TypeOpRequest, src, dst, &OpRequest{
		Op:       OpInbound,
		Target:   "2,5,3",
		PalletID: "P-100",
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	if env.Version != Version {
		t.Errorf("version = %d, want %d", env.Version, Version)
	}
	if env.Type != TypeOpRequest {
		t.Errorf("type = %q, want %q", env.Type, TypeOpRequest)
	}
	if env.Src != src {
		t.Errorf("src = %+v, want %+v", env.Src, src)
	}
	if env.ID == "" {
		t.Error("ID should not be empty")
	}

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.ID != env.ID {
		t.Errorf("decoded id = %q, want %q", decoded.ID, env.ID)
	}

	var req OpRequest
	if err := decoded.DecodePayload(&req); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if req.Op != OpInbound || req.Target != "2,5,3" || req.PalletID != "P-100" {
		t.Errorf("request = %+v", req)
	}
}

func TestNewReply(t *testing.T) {
	reply, err := NewReply(TypeOpResult,
		Address{Role: RoleCore, Station: "rack-1"},
		Address{Role: RoleHost, Station: "wms"},
		"orig-msg-id",
		&OpResult{Op: OpGetCarStatus, Success: true, Code: 200, Status: "ok"},
	)
	if err != nil {
		t.Fatalf("NewReply: %v", err)
	}
	if reply.CorID != "orig-msg-id" {
		t.Errorf("cor = %q, want %q", reply.CorID, "orig-msg-id")
	}
	if reply.Type != TypeOpResult {
		t.Errorf("type = %q, want %q", reply.Type, TypeOpResult)
	}
}

func TestExpiry(t *testing.T) {
	env := &Envelope{ExpiresAt: time.Now().UTC().Add(-1 * time.Minute)}
	if !IsExpired(env) {
		t.Error("expected expired envelope to be detected")
	}

	env.ExpiresAt = time.Now().UTC().Add(10 * time.Minute)
	if IsExpired(env) {
		t.Error("expected future-expiry envelope to not be expired")
	}

	env.ExpiresAt = time.Time{}
	if IsExpired(env) {
		t.Error("expected zero-expiry envelope to not be expired")
	}
}

func TestDefaultTTLFor(t *testing.T) {
	if ttl := DefaultTTLFor(TypeOpRequest); ttl != 5*time.Minute {
		t.Errorf("op.request TTL = %v, want 5m", ttl)
	}
	if ttl := DefaultTTLFor(TypeWorkflowFinished); ttl != 60*time.Minute {
		t.Errorf("workflow.finished TTL = %v, want 60m", ttl)
	}
	if ttl := DefaultTTLFor("unknown.type"); ttl != FallbackTTL {
		t.Errorf("unknown TTL = %v, want %v", ttl, FallbackTTL)
	}
}

func encoded(t *testing.T, msgType string, dst Address, p any) []byte {
	t.Helper()
	env, err := NewEnvelope(msgType, Address{Role: RoleHost, Station: "wms"}, dst, p)
	if err != nil {
		t.Fatal(err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestIngestorDispatch(t *testing.T) {
	h := &testHandler{}
	ing := NewIngestor(h, StationFilter("rack-1"))

	ing.HandleRaw(encoded(t, TypeOpRequest, Address{Role: RoleCore, Station: "rack-1"},
		&OpRequest{Op: OpLiftTo, Layer: 3}))
	if len(h.requests) != 1 || h.requests[0].Layer != 3 {
		t.Fatalf("requests = %+v", h.requests)
	}

	ing.HandleRaw(encoded(t, TypePing, Address{Role: RoleCore, Station: "*"}, &Ping{Nonce: "n1"}))
	if h.pings != 1 {
		t.Errorf("pings = %d, want 1", h.pings)
	}
}

func TestIngestorFilter(t *testing.T) {
	h := &testHandler{}
	ing := NewIngestor(h, StationFilter("rack-1"))

	ing.HandleRaw(encoded(t, TypeOpRequest, Address{Role: RoleCore, Station: "rack-2"},
		&OpRequest{Op: OpEmergencyStop}))
	if len(h.requests) != 0 {
		t.Error("expected handler to NOT be called for another station")
	}
}

func TestIngestorDropsExpired(t *testing.T) {
	h := &testHandler{}
	ing := NewIngestor(h, nil)

	env, _ := NewEnvelope(TypeOpRequest, Address{Role: RoleHost}, Address{Role: RoleCore},
		&OpRequest{Op: OpCarMove, Target: "1,1,1"})
	env.ExpiresAt = time.Now().UTC().Add(-1 * time.Minute)
	data, _ := env.Encode()

	ing.HandleRaw(data)
	if len(h.requests) != 0 {
		t.Error("expected handler to NOT be called for expired message")
	}
}

func TestIngestorIgnoresGarbage(t *testing.T) {
	h := &testHandler{}
	ing := NewIngestor(h, nil)
	ing.HandleRaw([]byte("not json"))
	ing.HandleRaw([]byte(`{"v":1,"type":"op.request","id":"x","p":"oops"}`))
	if len(h.requests) != 0 {
		t.Errorf("requests = %+v", h.requests)
	}
}

func TestWireFormatKeys(t *testing.T) {
	data := encoded(t, TypeShuttleStatus, Address{Role: RoleHost},
		&ShuttleStatus{Connected: true, Location: "1,1,1", CarStatus: "READY"})

	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"v", "type", "id", "src", "dst", "ts", "exp", "p"} {
		if _, ok := m[k]; !ok {
			t.Errorf("expected key %q in wire format", k)
		}
	}
	for _, k := range []string{"version", "payload", "timestamp", "expires_at"} {
		if _, ok := m[k]; ok {
			t.Errorf("unexpected long key %q in wire format", k)
		}
	}
}

type testHandler struct {
	NoOpHandler
	requests []OpRequest
	pings    int
}

func (h *testHandler) HandleOpRequest(env *Envelope, p *OpRequest) {
	h.requests = append(h.requests, *p)
}

func (h *testHandler) HandlePing(env *Envelope, p *Ping) {
	h.pings++
}
