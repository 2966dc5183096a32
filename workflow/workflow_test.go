package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shuttlecore/config"
	"shuttlecore/locstate"
	"shuttlecore/plc"
	"shuttlecore/shuttle"
	"shuttlecore/shuttle/sim"
	"shuttlecore/store"
	"shuttlecore/topology"
)

// testRack builds two storeys of: a row y=3 from x=1 to the lift at x=6,
// the x=4 highway from y=1 to y=5 and a row y=5 on both sides of it.
func testRack(t *testing.T) *topology.Graph {
	t.Helper()
	var nodes []topology.Coord
	var edges [][2]topology.Coord
	for z := 1; z <= 2; z++ {
		c := func(x, y int) topology.Coord { return topology.Coord{X: x, Y: y, Z: z} }
		link := func(a, b topology.Coord) { edges = append(edges, [2]topology.Coord{a, b}) }
		for x := 1; x <= 6; x++ {
			nodes = append(nodes, c(x, 3))
			if x > 1 {
				link(c(x-1, 3), c(x, 3))
			}
		}
		for _, y := range []int{1, 2, 4, 5} {
			nodes = append(nodes, c(4, y))
		}
		link(c(4, 1), c(4, 2))
		link(c(4, 2), c(4, 3))
		link(c(4, 3), c(4, 4))
		link(c(4, 4), c(4, 5))
		for _, x := range []int{1, 2, 3, 5} {
			nodes = append(nodes, c(x, 5))
		}
		link(c(1, 5), c(2, 5))
		link(c(2, 5), c(3, 5))
		link(c(3, 5), c(4, 5))
		link(c(4, 5), c(5, 5))
	}
	g, err := topology.New(nodes, edges, nil, nil)
	if err != nil {
		t.Fatalf("build rack: %v", err)
	}
	return g
}

func at(x, y, z int) topology.Coord { return topology.Coord{X: x, Y: y, Z: z} }

type event struct {
	kind, name, status string
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []event
}

func (e *recordingEmitter) add(ev event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *recordingEmitter) EmitWorkflowStarted(_ int64, kind string) {
	e.add(event{"started", kind, ""})
}

func (e *recordingEmitter) EmitWorkflowStep(_ int64, kind, step string) {
	e.add(event{"step", kind, step})
}

func (e *recordingEmitter) EmitWorkflowFinished(_ int64, kind, status, _ string) {
	e.add(event{"finished", kind, status})
}

func (e *recordingEmitter) EmitLocationChanged(c topology.Coord, status topology.Status, _, action, _ string) {
	e.add(event{"location", c.String(), string(status)})
}

func (e *recordingEmitter) last() event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) == 0 {
		return event{}
	}
	return e.events[len(e.events)-1]
}

// carSensor reports the shuttle on the lift platform like the lift's
// presence sensor does.
type carSensor struct {
	lift *plc.LiftSim
}

func (c carSensor) EmitShuttleStatus(st shuttle.Status) {
	c.lift.SetCarPresent(st.Location.X == topology.LiftX && st.Location.Y == topology.LiftY)
}
func (carSensor) EmitShuttleCritical(shuttle.ResultCode, string) {}
func (carSensor) EmitShuttleConnection(bool, string)             {}

type harness struct {
	runner  *Runner
	sim     *sim.Server
	session *shuttle.Session
	mock    *plc.MockDriver
	layout  plc.Layout
	inv     *locstate.Manager
	db      *store.DB
	events  *recordingEmitter
}

func newHarness(t *testing.T, start topology.Coord, opts Options) *harness {
	t.Helper()
	g := testRack(t)

	db, err := store.Open(&config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	inv := locstate.NewManager(db, nil)
	if err := inv.Reset(g, "test"); err != nil {
		t.Fatal(err)
	}

	mock := plc.NewMockDriver()
	layout := plc.DefaultLayout(11, 12)
	liftSim := plc.NewLiftSim(mock, layout, 10*time.Millisecond)
	client := plc.NewClient(mock, plc.Options{PollInterval: 5 * time.Millisecond, VerifyWrites: true}, nil)
	if err := client.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		client.Close()
		liftSim.Close()
	})
	lift := plc.NewLift(client, layout, 5*time.Millisecond)

	srv := sim.New(start)
	srv.SetStepDelay(5 * time.Millisecond)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Close)
	session := shuttle.NewSession(shuttle.Options{
		Addr:              srv.Addr(),
		DeviceID:          1,
		HeartbeatInterval: 10 * time.Millisecond,
		CommandTimeout:    time.Second,
	}, carSensor{liftSim})
	if err := session.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(session.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.WaitFor(ctx, "first heartbeat", func(st shuttle.Status) (bool, error) {
		return st.CarStatus == shuttle.StatusReady && st.Location == start, nil
	}); err != nil {
		t.Fatal(err)
	}

	if opts.TaskTimeout == 0 {
		opts.TaskTimeout = 5 * time.Second
	}
	if opts.PLCTimeout == 0 {
		opts.PLCTimeout = 2 * time.Second
	}
	events := &recordingEmitter{}
	runner := NewRunner(session, lift, inv, g, db, events, opts)
	session.OnCritical(runner.Fault)

	return &harness{
		runner:  runner,
		sim:     srv,
		session: session,
		mock:    mock,
		layout:  layout,
		inv:     inv,
		db:      db,
		events:  events,
	}
}

func (h *harness) place(t *testing.T, c topology.Coord, pallet string) {
	t.Helper()
	if _, err := h.inv.SetPallet(c, pallet, "test"); err != nil {
		t.Fatalf("place %s at %s: %v", pallet, c, err)
	}
}

func (h *harness) pallet(t *testing.T, c topology.Coord) string {
	t.Helper()
	l, err := h.inv.GetLocation(c)
	if err != nil {
		t.Fatal(err)
	}
	return l.PalletID
}

func (h *harness) liftLayer() int {
	return int(h.mock.GetWord(h.layout.StatusDB, h.layout.CurrentLayer))
}

func (h *harness) lastRun(t *testing.T) *store.WorkflowRun {
	t.Helper()
	runs, err := h.db.ListWorkflowRuns(1)
	if err != nil || len(runs) == 0 {
		t.Fatalf("list runs: %v (%d)", err, len(runs))
	}
	return runs[0]
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCarMoveSameStorey(t *testing.T) {
	h := newHarness(t, at(1, 3, 1), Options{})
	if err := h.runner.CarMove(testCtx(t), at(2, 5, 1)); err != nil {
		t.Fatalf("car move: %v", err)
	}
	if got := h.sim.Location(); got != at(2, 5, 1) {
		t.Errorf("shuttle at %s", got)
	}
	tasks := h.sim.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	if r := h.lastRun(t); r.Kind != KindCarMove || r.Status != store.RunCompleted {
		t.Errorf("run = %+v", r)
	}
}

func TestCrossLayer(t *testing.T) {
	h := newHarness(t, at(1, 3, 1), Options{})
	if err := h.runner.CrossLayer(testCtx(t), 2); err != nil {
		t.Fatalf("cross layer: %v", err)
	}
	if got := h.sim.Location(); got != at(5, 3, 2) {
		t.Errorf("shuttle at %s, want 5,3,2", got)
	}
	if h.liftLayer() != 2 {
		t.Errorf("lift at %d, want 2", h.liftLayer())
	}
	var updated bool
	for _, req := range h.sim.Requests() {
		if cmd, ok := req.(*shuttle.CommandRequest); ok && cmd.CmdID == shuttle.CmdUpdateLocation {
			updated = true
		}
	}
	if !updated {
		t.Error("no update_location sent after the lift ride")
	}
}

func TestCarMoveOtherStoreyCrossesFirst(t *testing.T) {
	h := newHarness(t, at(5, 3, 1), Options{})
	if err := h.runner.CarMove(testCtx(t), at(1, 3, 2)); err != nil {
		t.Fatalf("car move: %v", err)
	}
	if got := h.sim.Location(); got != at(1, 3, 2) {
		t.Errorf("shuttle at %s", got)
	}
}

func TestLiftTo(t *testing.T) {
	h := newHarness(t, at(1, 3, 1), Options{})
	if err := h.runner.LiftTo(testCtx(t), 2); err != nil {
		t.Fatalf("lift to: %v", err)
	}
	if h.liftLayer() != 2 {
		t.Errorf("lift at %d", h.liftLayer())
	}
	if err := h.runner.LiftTo(testCtx(t), 9); !errors.Is(err, topology.ErrUnknownNode) {
		t.Errorf("lift to 9: %v", err)
	}
}

func TestInbound(t *testing.T) {
	h := newHarness(t, at(5, 3, 1), Options{})
	if err := h.runner.Inbound(testCtx(t), at(1, 3, 2), "P1"); err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if p := h.pallet(t, at(1, 3, 2)); p != "P1" {
		t.Errorf("pallet at target = %q", p)
	}
	if got := h.sim.Location(); got != at(1, 3, 2) {
		t.Errorf("shuttle at %s", got)
	}
	if h.liftLayer() != 2 {
		t.Errorf("lift at %d, want 2", h.liftLayer())
	}
	if h.mock.GetBit(h.layout.StatusDB, h.layout.HasCargo) {
		t.Error("lift still reports cargo")
	}
	if r := h.lastRun(t); r.Status != store.RunCompleted || r.Kind != KindInbound {
		t.Errorf("run = %+v", r)
	}
	if ev := h.events.last(); ev != (event{"finished", KindInbound, store.RunCompleted}) {
		t.Errorf("last event = %+v", ev)
	}
}

func TestInboundRelocatesBlocker(t *testing.T) {
	h := newHarness(t, at(5, 3, 1), Options{})
	h.place(t, at(2, 3, 1), "B")
	if err := h.runner.Inbound(testCtx(t), at(1, 3, 1), "P1"); err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if p := h.pallet(t, at(1, 3, 1)); p != "P1" {
		t.Errorf("target holds %q", p)
	}
	if p := h.pallet(t, at(2, 3, 1)); p != "" {
		t.Errorf("blocker cell still holds %q", p)
	}
	if p := h.pallet(t, at(3, 5, 1)); p != "B" {
		t.Errorf("blocker relocated to %q at 3,5,1, want B", p)
	}
}

func TestOutbound(t *testing.T) {
	h := newHarness(t, at(5, 3, 1), Options{})
	h.place(t, at(1, 3, 2), "P9")
	if err := h.runner.Outbound(testCtx(t), at(1, 3, 2), "P9"); err != nil {
		t.Fatalf("outbound: %v", err)
	}
	if p := h.pallet(t, at(1, 3, 2)); p != "" {
		t.Errorf("source still holds %q", p)
	}
	if got := h.sim.Location(); got != at(5, 3, 2) {
		t.Errorf("shuttle at %s, want 5,3,2", got)
	}
	if h.liftLayer() != 1 {
		t.Errorf("lift at %d, want 1", h.liftLayer())
	}
	if !h.mock.GetBit(h.layout.StatusDB, h.layout.PalletReady) {
		t.Error("exit conveyor never reported the pallet")
	}
}

func TestGoodMove(t *testing.T) {
	h := newHarness(t, at(1, 3, 1), Options{})
	h.place(t, at(1, 5, 1), "G1")
	if err := h.runner.GoodMove(testCtx(t), "G1", at(1, 5, 1), at(5, 5, 1)); err != nil {
		t.Fatalf("good move: %v", err)
	}
	if p := h.pallet(t, at(5, 5, 1)); p != "G1" {
		t.Errorf("destination holds %q", p)
	}
	if p := h.pallet(t, at(1, 5, 1)); p != "" {
		t.Errorf("source holds %q", p)
	}
}

func TestGoodMoveNoRelocationSpace(t *testing.T) {
	h := newHarness(t, at(5, 3, 1), Options{})
	h.place(t, at(5, 3, 1), "A")
	for i, c := range []topology.Coord{at(2, 3, 1), at(1, 5, 1), at(2, 5, 1), at(3, 5, 1), at(5, 5, 1)} {
		h.place(t, c, string(rune('B'+i)))
	}
	err := h.runner.GoodMove(testCtx(t), "A", at(5, 3, 1), at(1, 3, 1))
	if !errors.Is(err, topology.ErrNoRelocationSpace) {
		t.Fatalf("err = %v, want ErrNoRelocationSpace", err)
	}
	if step := FailedStep(err); step == "" {
		t.Error("error carries no step")
	}
	if r := h.lastRun(t); r.Status != store.RunFailed {
		t.Errorf("run status = %s", r.Status)
	}
	if n := len(h.sim.Tasks()); n != 0 {
		t.Errorf("shuttle got %d tasks", n)
	}
}

func TestValidation(t *testing.T) {
	h := newHarness(t, at(5, 3, 1), Options{})
	h.place(t, at(1, 3, 1), "P1")
	ctx := testCtx(t)

	cases := []struct {
		name string
		err  error
		want error
	}{
		{"inbound to highway", h.runner.Inbound(ctx, at(4, 2, 1), "X"), store.ErrReservedCell},
		{"inbound to lift", h.runner.Inbound(ctx, at(6, 3, 1), "X"), store.ErrReservedCell},
		{"inbound to occupied", h.runner.Inbound(ctx, at(1, 3, 1), "X"), store.ErrConflict},
		{"inbound duplicate pallet", h.runner.Inbound(ctx, at(2, 3, 1), "P1"), store.ErrConflict},
		{"inbound unknown cell", h.runner.Inbound(ctx, at(8, 8, 1), "X"), topology.ErrUnknownNode},
		{"outbound empty cell", h.runner.Outbound(ctx, at(2, 3, 1), ""), store.ErrConflict},
		{"outbound wrong pallet", h.runner.Outbound(ctx, at(1, 3, 1), "P2"), store.ErrConflict},
		{"good move across storeys", h.runner.GoodMove(ctx, "P1", at(1, 3, 1), at(1, 3, 2)), store.ErrConflict},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, tc.err, tc.want)
		}
	}
	if runs, _ := h.db.ListWorkflowRuns(10); len(runs) != 0 {
		t.Errorf("validation failures recorded %d runs", len(runs))
	}
}

func TestBusy(t *testing.T) {
	h := newHarness(t, at(1, 3, 1), Options{})
	h.sim.SetStepDelay(300 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- h.runner.CarMove(context.Background(), at(2, 5, 1)) }()

	deadline := time.Now().Add(2 * time.Second)
	for !h.runner.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("workflow never started")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := h.runner.LiftTo(testCtx(t), 2); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent workflow: %v, want ErrBusy", err)
	}
	if cur, ok := h.runner.Running(); !ok || cur.Kind != KindCarMove {
		t.Errorf("running = %+v, %v", cur, ok)
	}
	if err := <-done; err != nil {
		t.Fatalf("car move: %v", err)
	}
}

func TestTaskTimeout(t *testing.T) {
	h := newHarness(t, at(1, 3, 1), Options{TaskTimeout: 100 * time.Millisecond})
	h.sim.SetStepDelay(300 * time.Millisecond)
	err := h.runner.CarMove(testCtx(t), at(2, 5, 1))
	if !errors.Is(err, ErrWorkflowTimeout) {
		t.Fatalf("err = %v, want ErrWorkflowTimeout", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Step == "" {
		t.Errorf("timeout error has no step: %v", err)
	}
	if r := h.lastRun(t); r.Status != store.RunTimeout || r.Step != te.Step {
		t.Errorf("run = %+v", r)
	}
}

func TestCriticalErrorFaultsWorkflow(t *testing.T) {
	h := newHarness(t, at(1, 3, 1), Options{})
	h.sim.SetStepDelay(200 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- h.runner.CarMove(context.Background(), at(2, 5, 1)) }()
	for !h.session.TaskInFlight() {
		time.Sleep(2 * time.Millisecond)
	}
	h.sim.InjectError(shuttle.ResultDriveTotalTimeout)

	select {
	case err := <-done:
		if !errors.Is(err, ErrFaulted) {
			var crit *shuttle.CriticalError
			if !errors.As(err, &crit) {
				t.Fatalf("err = %v, want faulted", err)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not stop")
	}
	if r := h.lastRun(t); r.Status != store.RunFaulted {
		t.Errorf("run status = %s", r.Status)
	}
	if h.sim.CarStatus() != shuttle.StatusFault {
		t.Errorf("shuttle status = %s, want FAULT after emergency stop", h.sim.CarStatus())
	}
}

func TestAbortCancelsWait(t *testing.T) {
	h := newHarness(t, at(1, 3, 1), Options{})
	h.sim.SetStepDelay(300 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- h.runner.CarMove(context.Background(), at(2, 5, 1)) }()
	for !h.session.TaskInFlight() {
		time.Sleep(2 * time.Millisecond)
	}
	h.runner.Abort("operator")
	if err := <-done; !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if r := h.lastRun(t); r.Status != store.RunFailed {
		t.Errorf("run status = %s", r.Status)
	}
}
