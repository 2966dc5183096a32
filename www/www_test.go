package www

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shuttlecore/config"
	"shuttlecore/engine"
	"shuttlecore/locstate"
	"shuttlecore/shuttle"
	"shuttlecore/store"
	"shuttlecore/topology"
)

func testRow(t *testing.T) *topology.Graph {
	t.Helper()
	var nodes []topology.Coord
	var edges [][2]topology.Coord
	for x := 1; x <= 6; x++ {
		nodes = append(nodes, topology.Coord{X: x, Y: 3, Z: 1})
		if x > 1 {
			edges = append(edges, [2]topology.Coord{{X: x - 1, Y: 3, Z: 1}, {X: x, Y: 3, Z: 1}})
		}
	}
	g, err := topology.New(nodes, edges, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

type testServer struct {
	eng    *engine.Engine
	srv    *httptest.Server
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Defaults()
	cfg.UseMock = true
	cfg.Shuttle.HeartbeatInterval = 10 * time.Millisecond
	cfg.Shuttle.CommandTimeout = time.Second
	cfg.PLC.PollInterval = 5 * time.Millisecond
	cfg.Workflow.PulseHold = 5 * time.Millisecond
	cfg.Database.SQLite.Path = filepath.Join(t.TempDir(), "test.db")

	db, err := store.Open(&cfg.Database)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	g := testRow(t)
	locs := locstate.NewManager(db, nil)
	if err := locs.Reset(g, "test"); err != nil {
		t.Fatal(err)
	}
	eng := engine.New(engine.Config{
		AppConfig:      cfg,
		DB:             db,
		Graph:          g,
		Locations:      locs,
		MockStepDelay:  5 * time.Millisecond,
		MockLiftTravel: 10 * time.Millisecond,
		HealthInterval: time.Hour,
	})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(eng.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Session().WaitFor(ctx, "ready", func(st shuttle.Status) (bool, error) {
		return st.CarStatus == shuttle.StatusReady, nil
	}); err != nil {
		t.Fatalf("shuttle simulator not ready: %v", err)
	}

	handler, stop := NewRouter(eng)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		stop()
	})
	jar, _ := cookiejar.New(nil)
	return &testServer{eng: eng, srv: srv, client: &http.Client{Jar: jar, Timeout: 10 * time.Second}}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func (ts *testServer) login(t *testing.T) {
	t.Helper()
	code, body := ts.do(t, "POST", "/api/login", `{"username":"admin","password":"admin"}`)
	if code != http.StatusOK {
		t.Fatalf("login = %d %v", code, body)
	}
}

func TestHealthAndReads(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, "GET", "/api/health", "")
	if code != http.StatusOK || body["status"] != "ok" || body["shuttle"] != true {
		t.Errorf("health = %d %v", code, body)
	}
	code, body = ts.do(t, "GET", "/api/locations/detail?location=1,3,1", "")
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("location = %d %v", code, body)
	}
	if data := body["data"].(map[string]any); data["status"] != "free" {
		t.Errorf("location data = %v", data)
	}
	code, body = ts.do(t, "GET", "/api/locations/detail?location=bad", "")
	if code != http.StatusBadRequest || body["status"] != "bad_request" {
		t.Errorf("bad coord = %d %v", code, body)
	}
	code, body = ts.do(t, "GET", "/api/locations/by-pallet?pallet_id=none", "")
	if code != http.StatusNotFound {
		t.Errorf("unknown pallet = %d %v", code, body)
	}
}

func TestMutationsRequireLogin(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, "POST", "/api/locations/pallet", `{"location":"1,3,1","pallet_id":"P1"}`)
	if code != http.StatusUnauthorized {
		t.Fatalf("anonymous mutation = %d %v", code, body)
	}
	code, _ = ts.do(t, "POST", "/api/login", `{"username":"admin","password":"wrong"}`)
	if code != http.StatusUnauthorized {
		t.Errorf("bad password = %d", code)
	}

	ts.login(t)
	_, body = ts.do(t, "GET", "/api/whoami", "")
	if body["username"] != "admin" {
		t.Errorf("whoami = %v", body)
	}
	code, body = ts.do(t, "POST", "/api/locations/pallet", `{"location":"1,3,1","pallet_id":"P1"}`)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("set pallet = %d %v", code, body)
	}
	code, body = ts.do(t, "GET", "/api/locations/by-pallet?pallet_id=P1", "")
	if data, _ := body["data"].(map[string]any); code != http.StatusOK || data["coord"] != "1,3,1" {
		t.Errorf("by pallet = %d %v", code, body)
	}

	entries, err := ts.eng.DB().ListAuditLog(20)
	if err != nil {
		t.Fatal(err)
	}
	var byAdmin bool
	for _, a := range entries {
		if a.Actor == "admin" {
			byAdmin = true
		}
	}
	if !byAdmin {
		t.Error("mutation not attributed to the logged-in operator")
	}

	ts.do(t, "POST", "/api/logout", "")
	code, _ = ts.do(t, "POST", "/api/locations/reset", "")
	if code != http.StatusUnauthorized {
		t.Errorf("after logout = %d", code)
	}
}

func TestWorkflowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t)

	code, body := ts.do(t, "POST", "/api/workflows/car-move", `{"target":"1,3,1"}`)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("car move = %d %v", code, body)
	}
	code, body = ts.do(t, "POST", "/api/workflows/car-move", `{"target":"9,9,9"}`)
	if code != http.StatusBadRequest {
		t.Errorf("unknown node = %d %v", code, body)
	}
	code, body = ts.do(t, "POST", "/api/workflows/car-move", `{"target":`)
	if code != http.StatusBadRequest {
		t.Errorf("broken JSON = %d %v", code, body)
	}
	code, body = ts.do(t, "GET", "/api/workflows?limit=5", "")
	if runs := body["data"].([]any); code != http.StatusOK || len(runs) != 1 {
		t.Errorf("runs = %d %v", code, body)
	}
}

func TestSSEStream(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	ts.eng.SetPallet("2,3,1", "S1", "test")

	sc := bufio.NewScanner(resp.Body)
	var event string
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			event = name
			continue
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok && event == "location-changed" {
			if !strings.Contains(data, `"pallet_id":"S1"`) {
				t.Errorf("location event = %s", data)
			}
			return
		}
	}
	t.Fatalf("no location-changed event: %v", sc.Err())
}

func TestEventHubDropsForSlowClients(t *testing.T) {
	hub := NewEventHub()
	hub.Start()
	defer hub.Stop()

	ch := hub.AddClient()
	for i := 0; i < 200; i++ {
		hub.Broadcast("x", "y")
	}
	deadline := time.After(time.Second)
	for len(ch) < cap(ch) {
		select {
		case <-deadline:
			t.Fatalf("buffer holds %d of %d", len(ch), cap(ch))
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if hub.ClientCount() != 1 {
		t.Errorf("clients = %d", hub.ClientCount())
	}
	hub.RemoveClient(ch)
	if hub.ClientCount() != 0 {
		t.Errorf("clients after remove = %d", hub.ClientCount())
	}
}
