package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"shuttlecore/shuttle"
	"shuttlecore/topology"
)

func startSim(t *testing.T, at topology.Coord) (*Server, *shuttle.Session) {
	t.Helper()
	srv := New(at)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Close)

	s := shuttle.NewSession(shuttle.Options{
		Addr:              srv.Addr(),
		DeviceID:          1,
		HeartbeatInterval: 10 * time.Millisecond,
		CommandTimeout:    time.Second,
	}, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitFor(ctx, "first heartbeat", func(st shuttle.Status) (bool, error) {
		return st.CarStatus == shuttle.StatusReady, nil
	}); err != nil {
		t.Fatal(err)
	}
	return srv, s
}

var route = []topology.Segment{
	{X: 1, Y: 2, Z: 1, Action: topology.ActionNone},
	{X: 4, Y: 2, Z: 1, Action: topology.ActionMoveX},
	{X: 4, Y: 5, Z: 1, Action: topology.ActionNone},
}

func TestExecuteTask(t *testing.T) {
	srv, s := startSim(t, topology.Coord{X: 1, Y: 2, Z: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ExecuteTask(ctx, 7, route); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if got := s.Status().Location; got != (topology.Coord{X: 4, Y: 5, Z: 1}) {
		t.Errorf("session location = %s", got)
	}
	if got := srv.Location(); got != (topology.Coord{X: 4, Y: 5, Z: 1}) {
		t.Errorf("sim location = %s", got)
	}
	tasks := srv.Tasks()
	if len(tasks) != 1 || tasks[0].TaskNo != 7 || tasks[0].Count != 4 {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestTaskEndingWhereShuttleStands(t *testing.T) {
	end := topology.Coord{X: 4, Y: 5, Z: 1}
	srv, s := startSim(t, end)
	srv.SetStepDelay(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := s.ExecuteTask(ctx, 5, route); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if srv.CarStatus() != shuttle.StatusReady {
		t.Errorf("returned while sim is %s", srv.CarStatus())
	}
	if el := time.Since(start); el < 300*time.Millisecond {
		t.Errorf("returned after %v, before the route was driven", el)
	}
	if st := s.Status(); st.TaskNo != 5 || st.Location != end {
		t.Errorf("session status = %+v", st)
	}
}

func TestRejectedTask(t *testing.T) {
	srv, s := startSim(t, topology.Coord{X: 1, Y: 2, Z: 1})
	srv.RejectTasks(shuttle.ResultSegmentInvalid)

	err := s.ExecuteTask(context.Background(), 1, route)
	if !errors.Is(err, shuttle.ErrTaskRejected) {
		t.Fatalf("err = %v, want ErrTaskRejected", err)
	}
	if s.TaskInFlight() {
		t.Error("in-flight flag left set")
	}
}

func TestSecondTaskRefusedWhileInFlight(t *testing.T) {
	srv, s := startSim(t, topology.Coord{X: 1, Y: 2, Z: 1})
	srv.SetStepDelay(100 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.ExecuteTask(context.Background(), 1, route) }()

	deadline := time.Now().Add(time.Second)
	for !s.TaskInFlight() {
		if time.Now().After(deadline) {
			t.Fatal("task never in flight")
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.ExecuteTask(context.Background(), 2, route); !errors.Is(err, shuttle.ErrTaskInFlight) {
		t.Errorf("second task err = %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("first task: %v", err)
	}
}

func TestCriticalDuringTask(t *testing.T) {
	srv, s := startSim(t, topology.Coord{X: 1, Y: 2, Z: 1})
	srv.SetStepDelay(200 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.ExecuteTask(context.Background(), 3, route) }()
	time.Sleep(50 * time.Millisecond)
	srv.InjectError(shuttle.ResultObstacleAhead)

	var crit *shuttle.CriticalError
	select {
	case err := <-done:
		if !errors.As(err, &crit) || crit.Code != shuttle.ResultObstacleAhead {
			t.Fatalf("err = %v, want critical 12457", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("task did not fail")
	}
	if srv.CarStatus() != shuttle.StatusFault {
		t.Errorf("sim status = %s, want FAULT after emergency stop", srv.CarStatus())
	}
}

func TestUpdateLocation(t *testing.T) {
	srv, s := startSim(t, topology.Coord{X: 1, Y: 1, Z: 1})
	want := topology.Coord{X: 6, Y: 3, Z: 2}
	if err := s.UpdateLocation(context.Background(), want); err != nil {
		t.Fatal(err)
	}
	if srv.Location() != want || s.Status().Location != want {
		t.Errorf("sim %s session %s", srv.Location(), s.Status().Location)
	}
}

func TestDisconnectDuringTask(t *testing.T) {
	srv, s := startSim(t, topology.Coord{X: 1, Y: 2, Z: 1})
	srv.SetStepDelay(200 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.ExecuteTask(context.Background(), 4, route) }()
	time.Sleep(50 * time.Millisecond)
	srv.DropConnections()

	select {
	case err := <-done:
		if !errors.Is(err, shuttle.ErrDisconnected) {
			t.Errorf("err = %v, want ErrDisconnected", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("task did not fail on disconnect")
	}
}
