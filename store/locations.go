package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shuttlecore/topology"
)

type Location struct {
	ID         int64           `json:"id"`
	Coord      topology.Coord  `json:"coord"`
	Status     topology.Status `json:"status"`
	PalletID   string          `json:"pallet_id,omitempty"`
	UpdateTime time.Time       `json:"update_time"`
}

// SyncItem is one row of a BulkSync.
type SyncItem struct {
	Coord    topology.Coord  `json:"coord"`
	Status   topology.Status `json:"status"`
	PalletID string          `json:"pallet_id,omitempty"`
}

// BulkRollbackError reports the item that aborted a BulkSync. Nothing from
// the batch was applied.
type BulkRollbackError struct {
	Index int
	Coord topology.Coord
	Err   error
}

func (e *BulkRollbackError) Error() string {
	return fmt.Sprintf("bulk sync rolled back at item %d (%s): %v", e.Index, e.Coord, e.Err)
}

func (e *BulkRollbackError) Unwrap() error { return e.Err }

const locationSelectCols = `id, coord, status, pallet_id, update_time`

func scanLocation(row interface{ Scan(...any) error }) (*Location, error) {
	var l Location
	var coord, status string
	var pallet sql.NullString
	var updated any
	if err := row.Scan(&l.ID, &coord, &status, &pallet, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c, err := topology.ParseCoord(coord)
	if err != nil {
		return nil, fmt.Errorf("location %d: %w", l.ID, err)
	}
	l.Coord = c
	l.Status = topology.Status(status)
	l.PalletID = pallet.String
	l.UpdateTime = scanTime(updated)
	return &l, nil
}

func scanLocations(rows *sql.Rows) ([]*Location, error) {
	var out []*Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func nullPallet(p string) any {
	if p == "" {
		return nil
	}
	return p
}

// ListLocations returns locations with start <= id <= end ordered by id.
// end <= 0 means no upper bound.
func (db *DB) ListLocations(start, end int64) ([]*Location, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	q := fmt.Sprintf(`SELECT %s FROM locations WHERE id >= ?`, locationSelectCols)
	args := []any{start}
	if end > 0 {
		q += ` AND id <= ?`
		args = append(args, end)
	}
	rows, err := db.Query(db.Q(q+` ORDER BY id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLocations(rows)
}

func (db *DB) GetLocationByCoord(c topology.Coord) (*Location, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return getByCoord(db.DB, db, c)
}

func (db *DB) GetLocationByPallet(palletID string) (*Location, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	row := db.QueryRow(db.Q(fmt.Sprintf(`SELECT %s FROM locations WHERE pallet_id=?`, locationSelectCols)), palletID)
	return scanLocation(row)
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func getByCoord(q querier, db *DB, c topology.Coord) (*Location, error) {
	row := q.QueryRow(db.Q(fmt.Sprintf(`SELECT %s FROM locations WHERE coord=?`, locationSelectCols)), c.String())
	l, err := scanLocation(row)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("location %s: %w", c, ErrNotFound)
	}
	return l, err
}

func reserved(s topology.Status) bool {
	return s == topology.StatusHighway || s == topology.StatusLift
}

// checkReserved refuses edits to highway and lift cells and edits that
// would turn a cell into one. Only ResetLocations writes those statuses.
func checkReserved(l *Location, status topology.Status) error {
	if reserved(l.Status) {
		return fmt.Errorf("%w: %s is %s", ErrReservedCell, l.Coord, l.Status)
	}
	if reserved(status) {
		return fmt.Errorf("%w: %s cannot become %s", ErrReservedCell, l.Coord, status)
	}
	return nil
}

func (db *DB) writeLocation(ex execer, l *Location, status topology.Status, pallet, action, actor string) error {
	_, err := ex.Exec(db.Q(`UPDATE locations SET status=?, pallet_id=?, update_time=datetime('now','localtime') WHERE id=?`),
		string(status), nullPallet(pallet), l.ID)
	if err != nil {
		return fmt.Errorf("update location %s: %w", l.Coord, err)
	}
	old := fmt.Sprintf("%s %s", l.Status, l.PalletID)
	next := fmt.Sprintf("%s %s", status, pallet)
	return db.appendAudit(ex, "location", l.ID, action, old, next, actor)
}

// SetPalletByCoord stores palletID at c and marks it occupied; an empty
// palletID clears the cell to free. Highway and lift cells are refused.
func (db *DB) SetPalletByCoord(c topology.Coord, palletID, actor string) (*Location, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out *Location
	err := db.inTx(func(tx *sql.Tx) error {
		l, err := getByCoord(tx, db, c)
		if err != nil {
			return err
		}
		if reserved(l.Status) {
			return fmt.Errorf("%w: %s is %s", ErrReservedCell, c, l.Status)
		}
		status := topology.StatusFree
		if palletID != "" {
			status = topology.StatusOccupied
			if err := checkPalletElsewhere(tx, db, palletID, c); err != nil {
				return err
			}
		}
		if err := db.writeLocation(tx, l, status, palletID, "set_pallet", actor); err != nil {
			return err
		}
		out = &Location{ID: l.ID, Coord: c, Status: status, PalletID: palletID, UpdateTime: time.Now()}
		return nil
	})
	return out, err
}

func checkPalletElsewhere(q querier, db *DB, palletID string, c topology.Coord) error {
	var coord string
	err := q.QueryRow(db.Q(`SELECT coord FROM locations WHERE pallet_id=? AND coord<>?`), palletID, c.String()).Scan(&coord)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: pallet %s already at %s", ErrConflict, palletID, coord)
}

// SetStatusByCoord changes a storage cell's status. Setting free clears the
// pallet; occupied is only accepted for a cell that already holds a pallet.
func (db *DB) SetStatusByCoord(c topology.Coord, status topology.Status, actor string) (*Location, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrConflict, status)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	var out *Location
	err := db.inTx(func(tx *sql.Tx) error {
		l, err := getByCoord(tx, db, c)
		if err != nil {
			return err
		}
		if err := checkReserved(l, status); err != nil {
			return err
		}
		pallet := ""
		if status == topology.StatusOccupied {
			if l.PalletID == "" {
				return fmt.Errorf("%w: %s has no pallet to be occupied by", ErrConflict, c)
			}
			pallet = l.PalletID
		}
		if err := db.writeLocation(tx, l, status, pallet, "set_status", actor); err != nil {
			return err
		}
		out = &Location{ID: l.ID, Coord: c, Status: status, PalletID: pallet, UpdateTime: time.Now()}
		return nil
	})
	return out, err
}

// MovePallet moves the pallet at from to the free cell to in one
// transaction and returns the pallet id.
func (db *DB) MovePallet(from, to topology.Coord, actor string) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var pallet string
	err := db.inTx(func(tx *sql.Tx) error {
		src, err := getByCoord(tx, db, from)
		if err != nil {
			return err
		}
		dst, err := getByCoord(tx, db, to)
		if err != nil {
			return err
		}
		if src.PalletID == "" {
			return fmt.Errorf("%w: no pallet at %s", ErrConflict, from)
		}
		if reserved(dst.Status) {
			return fmt.Errorf("%w: %s is %s", ErrReservedCell, to, dst.Status)
		}
		if dst.Status != topology.StatusFree {
			return fmt.Errorf("%w: %s is %s", ErrConflict, to, dst.Status)
		}
		pallet = src.PalletID
		if err := db.writeLocation(tx, src, topology.StatusFree, "", "move_out", actor); err != nil {
			return err
		}
		return db.writeLocation(tx, dst, topology.StatusOccupied, pallet, "move_in", actor)
	})
	return pallet, err
}

// BulkSync applies items in order as one transaction. Any failure rolls
// the whole batch back and is reported as *BulkRollbackError.
func (db *DB) BulkSync(items []SyncItem, actor string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.inTx(func(tx *sql.Tx) error {
		for i, it := range items {
			if err := db.syncOne(tx, it, actor); err != nil {
				return &BulkRollbackError{Index: i, Coord: it.Coord, Err: err}
			}
		}
		return nil
	})
}

func (db *DB) syncOne(tx *sql.Tx, it SyncItem, actor string) error {
	if !it.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrConflict, it.Status)
	}
	if (it.Status == topology.StatusOccupied) != (it.PalletID != "") {
		return fmt.Errorf("%w: status %s with pallet %q", ErrConflict, it.Status, it.PalletID)
	}
	l, err := getByCoord(tx, db, it.Coord)
	if err != nil {
		return err
	}
	if err := checkReserved(l, it.Status); err != nil {
		return err
	}
	if it.PalletID != "" {
		if err := checkPalletElsewhere(tx, db, it.PalletID, it.Coord); err != nil {
			return err
		}
	}
	return db.writeLocation(tx, l, it.Status, it.PalletID, "bulk_sync", actor)
}

// ResetLocations rebuilds the table from the map: lift and highway cells
// keep those statuses, everything else becomes free. Ids follow the map's
// node order starting at 1.
func (db *DB) ResetLocations(g *topology.Graph, actor string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM locations`); err != nil {
			return fmt.Errorf("clear locations: %w", err)
		}
		insert := db.Q(`INSERT INTO locations (id, coord, status) VALUES (?, ?, ?)`)
		for i, c := range g.Nodes() {
			if _, err := tx.Exec(insert, int64(i+1), c.String(), string(g.InitialStatus(c))); err != nil {
				return fmt.Errorf("insert %s: %w", c, err)
			}
		}
		return db.appendAudit(tx, "location", 0, "reset", "", fmt.Sprintf("%d nodes", len(g.Nodes())), actor)
	})
}

// EnsureLocations seeds the table from the map when it is empty.
func (db *DB) EnsureLocations(g *topology.Graph) (bool, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM locations`).Scan(&n); err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	return true, db.ResetLocations(g, "system")
}

// StatusMap returns every cell's status.
func (db *DB) StatusMap() (topology.StatusMap, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rows, err := db.Query(`SELECT coord, status FROM locations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	m := make(topology.StatusMap)
	for rows.Next() {
		var coord, status string
		if err := rows.Scan(&coord, &status); err != nil {
			return nil, err
		}
		c, err := topology.ParseCoord(coord)
		if err != nil {
			return nil, err
		}
		m[c] = topology.Status(status)
	}
	return m, rows.Err()
}

func (db *DB) CountByStatus() (map[topology.Status]int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rows, err := db.Query(`SELECT status, COUNT(*) FROM locations GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[topology.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[topology.Status(status)] = n
	}
	return out, rows.Err()
}
