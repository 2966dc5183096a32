package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Workflow run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunTimeout   = "timeout"
	RunFaulted   = "faulted"
)

type WorkflowRun struct {
	ID         int64      `json:"id"`
	Kind       string     `json:"kind"`
	Params     string     `json:"params"`
	Status     string     `json:"status"`
	Step       string     `json:"step"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

const runSelectCols = `id, kind, params, status, step, error, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (*WorkflowRun, error) {
	var r WorkflowRun
	var started, finished any
	if err := row.Scan(&r.ID, &r.Kind, &r.Params, &r.Status, &r.Step, &r.Error, &started, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.StartedAt = scanTime(started)
	r.FinishedAt = scanTimePtr(finished)
	return &r, nil
}

func (db *DB) CreateWorkflowRun(kind, params string) (int64, error) {
	if params == "" {
		params = "{}"
	}
	if db.driver == "postgres" {
		var id int64
		err := db.QueryRow(db.Q(`INSERT INTO workflow_runs (kind, params) VALUES (?, ?) RETURNING id`), kind, params).Scan(&id)
		return id, err
	}
	res, err := db.Exec(db.Q(`INSERT INTO workflow_runs (kind, params) VALUES (?, ?)`), kind, params)
	if err != nil {
		return 0, fmt.Errorf("create workflow run: %w", err)
	}
	return res.LastInsertId()
}

func (db *DB) UpdateWorkflowRunStep(id int64, step string) error {
	_, err := db.Exec(db.Q(`UPDATE workflow_runs SET step=? WHERE id=?`), step, id)
	return err
}

func (db *DB) FinishWorkflowRun(id int64, status, step, errMsg string) error {
	_, err := db.Exec(db.Q(`UPDATE workflow_runs SET status=?, step=?, error=?, finished_at=datetime('now','localtime') WHERE id=?`),
		status, step, errMsg, id)
	return err
}

func (db *DB) GetWorkflowRun(id int64) (*WorkflowRun, error) {
	return scanRun(db.QueryRow(db.Q(`SELECT `+runSelectCols+` FROM workflow_runs WHERE id=?`), id))
}

func (db *DB) ListWorkflowRuns(limit int) ([]*WorkflowRun, error) {
	rows, err := db.Query(db.Q(`SELECT `+runSelectCols+` FROM workflow_runs ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AbandonRunningWorkflows marks runs left running by a previous process as
// failed.
func (db *DB) AbandonRunningWorkflows() (int64, error) {
	res, err := db.Exec(db.Q(`UPDATE workflow_runs SET status=?, error=?, finished_at=datetime('now','localtime') WHERE status=?`),
		RunFailed, "interrupted by restart", RunRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
