package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"shuttlecore/config"
	"shuttlecore/topology"
)

// testDB creates a temporary SQLite database for testing.
func testDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	db, err := Open(&config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: dbPath},
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		os.Remove(dbPath)
	})
	return db
}

// testRack is one storey: a row y=2 of x=1..6, the highway x=4 down to y=4
// and the lift at 6,3 hanging off 5,3.
func testRack(t *testing.T) *topology.Graph {
	t.Helper()
	var nodes []topology.Coord
	var edges [][2]topology.Coord
	c := func(x, y int) topology.Coord { return topology.Coord{X: x, Y: y, Z: 1} }
	for x := 1; x <= 6; x++ {
		nodes = append(nodes, c(x, 2))
		if x > 1 {
			edges = append(edges, [2]topology.Coord{c(x-1, 2), c(x, 2)})
		}
	}
	for y := 3; y <= 4; y++ {
		nodes = append(nodes, c(4, y))
		edges = append(edges, [2]topology.Coord{c(4, y-1), c(4, y)})
	}
	nodes = append(nodes, c(5, 3), c(6, 3))
	edges = append(edges, [2]topology.Coord{c(4, 3), c(5, 3)}, [2]topology.Coord{c(5, 3), c(6, 3)})
	g, err := topology.New(nodes, edges, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func seeded(t *testing.T) (*DB, *topology.Graph) {
	t.Helper()
	db := testDB(t)
	g := testRack(t)
	if seeded, err := db.EnsureLocations(g); err != nil || !seeded {
		t.Fatalf("EnsureLocations = %v, %v", seeded, err)
	}
	return db, g
}

func at(x, y int) topology.Coord { return topology.Coord{X: x, Y: y, Z: 1} }

// checkInvariant asserts occupied <=> pallet on every row.
func checkInvariant(t *testing.T, db *DB) {
	t.Helper()
	locs, err := db.ListLocations(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range locs {
		if (l.Status == topology.StatusOccupied) != (l.PalletID != "") {
			t.Errorf("%s: status %s pallet %q", l.Coord, l.Status, l.PalletID)
		}
	}
}

func TestResetLocations(t *testing.T) {
	db, g := seeded(t)

	counts, err := db.CountByStatus()
	if err != nil {
		t.Fatal(err)
	}
	if counts[topology.StatusHighway] != 3 || counts[topology.StatusLift] != 1 || counts[topology.StatusFree] != 6 {
		t.Errorf("counts = %v", counts)
	}
	if again, _ := db.EnsureLocations(g); again {
		t.Error("EnsureLocations reseeded a populated table")
	}

	locs, err := db.ListLocations(2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 3 || locs[0].ID != 2 || locs[2].ID != 4 {
		t.Errorf("ListLocations(2,4) = %d rows", len(locs))
	}

	if _, err := db.SetPalletByCoord(at(1, 2), "P1", "test"); err != nil {
		t.Fatal(err)
	}
	if err := db.ResetLocations(g, "test"); err != nil {
		t.Fatal(err)
	}
	if l, _ := db.GetLocationByCoord(at(1, 2)); l.Status != topology.StatusFree || l.PalletID != "" {
		t.Errorf("after reset = %+v", l)
	}
}

func TestSetPalletByCoord(t *testing.T) {
	db, _ := seeded(t)

	l, err := db.SetPalletByCoord(at(1, 2), "P1", "test")
	if err != nil {
		t.Fatal(err)
	}
	if l.Status != topology.StatusOccupied || l.PalletID != "P1" {
		t.Errorf("returned %+v", l)
	}
	got, err := db.GetLocationByPallet("P1")
	if err != nil || got.Coord != at(1, 2) {
		t.Fatalf("GetLocationByPallet = %+v, %v", got, err)
	}

	if _, err := db.SetPalletByCoord(at(2, 2), "P1", "test"); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate pallet err = %v", err)
	}
	if _, err := db.SetPalletByCoord(at(4, 2), "P2", "test"); !errors.Is(err, ErrReservedCell) {
		t.Errorf("highway err = %v", err)
	}
	if _, err := db.SetPalletByCoord(at(6, 3), "P2", "test"); !errors.Is(err, ErrReservedCell) {
		t.Errorf("lift err = %v", err)
	}
	if _, err := db.SetPalletByCoord(at(9, 9), "P2", "test"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown cell err = %v", err)
	}

	if _, err := db.SetPalletByCoord(at(1, 2), "", "test"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetLocationByPallet("P1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cleared pallet still found: %v", err)
	}
	checkInvariant(t, db)

	audit, err := db.ListEntityAudit("location", got.ID)
	if err != nil || len(audit) != 2 || audit[0].Actor != "test" {
		t.Errorf("audit = %v, %v", audit, err)
	}
}

func TestSetStatusByCoord(t *testing.T) {
	db, _ := seeded(t)

	if _, err := db.SetStatusByCoord(at(1, 2), topology.StatusOccupied, "test"); !errors.Is(err, ErrConflict) {
		t.Errorf("occupied without pallet err = %v", err)
	}
	db.SetPalletByCoord(at(2, 2), "P9", "test")
	if _, err := db.SetStatusByCoord(at(2, 2), topology.StatusHighway, "test"); !errors.Is(err, ErrReservedCell) {
		t.Errorf("highway over pallet err = %v", err)
	}
	l, err := db.SetStatusByCoord(at(2, 2), topology.StatusFree, "test")
	if err != nil || l.PalletID != "" {
		t.Fatalf("free = %+v, %v", l, err)
	}
	if _, err := db.SetStatusByCoord(at(2, 2), "full", "test"); !errors.Is(err, ErrConflict) {
		t.Errorf("bad status err = %v", err)
	}
	checkInvariant(t, db)
}

func TestReservedCellsStayReserved(t *testing.T) {
	db, _ := seeded(t)

	for _, c := range []topology.Coord{at(4, 3), at(6, 3)} {
		for _, st := range []topology.Status{topology.StatusFree, topology.StatusOccupied} {
			if _, err := db.SetStatusByCoord(c, st, "test"); !errors.Is(err, ErrReservedCell) {
				t.Errorf("SetStatusByCoord(%s, %s) err = %v", c, st, err)
			}
		}
	}
	if _, err := db.SetStatusByCoord(at(1, 2), topology.StatusLift, "test"); !errors.Is(err, ErrReservedCell) {
		t.Errorf("storage cell turned into lift: %v", err)
	}
	if _, err := db.SetPalletByCoord(at(6, 3), "PY", "test"); !errors.Is(err, ErrReservedCell) {
		t.Errorf("pallet on lift err = %v", err)
	}

	cases := [][]SyncItem{
		{{Coord: at(4, 3), Status: topology.StatusOccupied, PalletID: "PX"}},
		{{Coord: at(6, 3), Status: topology.StatusFree}},
		{{Coord: at(1, 2), Status: topology.StatusHighway}},
	}
	for _, items := range cases {
		err := db.BulkSync(items, "test")
		var rb *BulkRollbackError
		if !errors.As(err, &rb) || !errors.Is(err, ErrReservedCell) {
			t.Errorf("BulkSync(%+v) err = %v", items[0], err)
		}
	}

	sm, err := db.StatusMap()
	if err != nil {
		t.Fatal(err)
	}
	if sm[at(4, 3)] != topology.StatusHighway || sm[at(6, 3)] != topology.StatusLift || sm[at(1, 2)] != topology.StatusFree {
		t.Errorf("status map = %v", sm)
	}
	checkInvariant(t, db)
}

func TestMovePallet(t *testing.T) {
	db, _ := seeded(t)
	db.SetPalletByCoord(at(1, 2), "P1", "test")
	db.SetPalletByCoord(at(3, 2), "P3", "test")

	if _, err := db.MovePallet(at(1, 2), at(3, 2), "test"); !errors.Is(err, ErrConflict) {
		t.Errorf("move onto pallet err = %v", err)
	}
	if _, err := db.MovePallet(at(2, 2), at(5, 2), "test"); !errors.Is(err, ErrConflict) {
		t.Errorf("move from empty err = %v", err)
	}
	if _, err := db.MovePallet(at(1, 2), at(4, 3), "test"); !errors.Is(err, ErrReservedCell) {
		t.Errorf("move onto highway err = %v", err)
	}
	p, err := db.MovePallet(at(1, 2), at(5, 2), "test")
	if err != nil || p != "P1" {
		t.Fatalf("MovePallet = %q, %v", p, err)
	}
	sm, _ := db.StatusMap()
	if sm[at(1, 2)] != topology.StatusFree || sm[at(5, 2)] != topology.StatusOccupied {
		t.Errorf("status map = %v", sm)
	}
	checkInvariant(t, db)
}

func TestBulkSyncRollsBack(t *testing.T) {
	db, _ := seeded(t)
	db.SetPalletByCoord(at(1, 2), "P1", "test")

	items := []SyncItem{
		{Coord: at(2, 2), Status: topology.StatusOccupied, PalletID: "P2"},
		{Coord: at(3, 2), Status: topology.StatusOccupied, PalletID: ""},
	}
	err := db.BulkSync(items, "test")
	var rb *BulkRollbackError
	if !errors.As(err, &rb) || rb.Index != 1 || !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v", err)
	}
	if l, _ := db.GetLocationByCoord(at(2, 2)); l.Status != topology.StatusFree {
		t.Errorf("first item applied despite rollback: %+v", l)
	}

	items = []SyncItem{
		{Coord: at(1, 2), Status: topology.StatusFree},
		{Coord: at(2, 2), Status: topology.StatusOccupied, PalletID: "P1"},
		{Coord: at(3, 2), Status: topology.StatusOccupied, PalletID: "P3"},
	}
	if err := db.BulkSync(items, "test"); err != nil {
		t.Fatal(err)
	}
	if l, _ := db.GetLocationByPallet("P1"); l.Coord != at(2, 2) {
		t.Errorf("P1 at %s", l.Coord)
	}
	checkInvariant(t, db)

	if err := db.BulkSync([]SyncItem{{Coord: at(8, 8), Status: topology.StatusFree}}, "test"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown coord err = %v", err)
	}
}

func TestConcurrentWriters(t *testing.T) {
	db, _ := seeded(t)
	cells := []topology.Coord{at(1, 2), at(2, 2), at(3, 2), at(5, 2)}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := cells[i%len(cells)]
			if i%2 == 0 {
				db.SetPalletByCoord(c, "", "test")
			} else {
				db.SetPalletByCoord(c, string(rune('A'+i)), "test")
			}
			db.StatusMap()
		}(i)
	}
	wg.Wait()
	checkInvariant(t, db)
}

func TestWorkflowRuns(t *testing.T) {
	db := testDB(t)
	id, err := db.CreateWorkflowRun("inbound", `{"target":"1,2,1"}`)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateWorkflowRunStep(id, "lift_to_entry"); err != nil {
		t.Fatal(err)
	}
	if err := db.FinishWorkflowRun(id, RunTimeout, "lift_to_entry", "timed out"); err != nil {
		t.Fatal(err)
	}
	r, err := db.GetWorkflowRun(id)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != RunTimeout || r.Step != "lift_to_entry" || r.FinishedAt == nil {
		t.Errorf("run = %+v", r)
	}

	running, _ := db.CreateWorkflowRun("car_move", "")
	if n, err := db.AbandonRunningWorkflows(); err != nil || n != 1 {
		t.Errorf("abandoned %d, %v", n, err)
	}
	runs, err := db.ListWorkflowRuns(10)
	if err != nil || len(runs) != 2 || runs[0].ID != running || runs[0].Status != RunFailed {
		t.Errorf("runs = %v, %v", runs, err)
	}
	if _, err := db.GetWorkflowRun(999); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing run err = %v", err)
	}
}

func TestOutbox(t *testing.T) {
	db := testDB(t)
	for _, topic := range []string{"a", "b"} {
		if err := db.EnqueueOutbox(topic, []byte(`{}`), "event", "st-1"); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := db.ListPendingOutbox(10, 3)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("pending = %d, %v", len(msgs), err)
	}
	db.AckOutbox(msgs[0].ID)
	for i := 0; i < 3; i++ {
		db.IncrementOutboxRetries(msgs[1].ID)
	}
	if msgs, _ := db.ListPendingOutbox(10, 3); len(msgs) != 0 {
		t.Errorf("pending after ack and retries = %d", len(msgs))
	}
}

func TestAdminUsers(t *testing.T) {
	db := testDB(t)
	if ok, _ := db.AdminUserExists(); ok {
		t.Fatal("fresh db has admin users")
	}
	if err := db.CreateAdminUser("admin", "hash"); err != nil {
		t.Fatal(err)
	}
	u, err := db.GetAdminUser("admin")
	if err != nil || u.PasswordHash != "hash" {
		t.Errorf("GetAdminUser = %+v, %v", u, err)
	}
	if _, err := db.GetAdminUser("nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing user err = %v", err)
	}
}

func TestPostgresQuery(t *testing.T) {
	got := postgresQuery(`UPDATE locations SET status=?, pallet_id=?, update_time=datetime('now','localtime') WHERE id=?`)
	want := `UPDATE locations SET status=$1, pallet_id=$2, update_time=NOW() WHERE id=$3`
	if got != want {
		t.Errorf("postgresQuery = %s", got)
	}

	if ts := scanTime("2026-03-01 08:30:00"); ts.Hour() != 8 || ts.Minute() != 30 {
		t.Errorf("scanTime sqlite text = %v", ts)
	}
	if scanTimePtr(nil) != nil || scanTimePtr("garbage") != nil {
		t.Error("scanTimePtr returned a time for an empty column")
	}
}
