// Package workflow runs the multi-step shuttle and lift procedures:
// car moves, lift moves, storey changes, inbound, outbound and pallet
// moves with blocker relocation.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"shuttlecore/plc"
	"shuttlecore/shuttle"
	"shuttlecore/store"
	"shuttlecore/topology"
)

// Shuttle is the part of *shuttle.Session the workflows drive.
type Shuttle interface {
	Connected() bool
	Status() shuttle.Status
	ExecuteTask(ctx context.Context, taskNo uint8, segs []topology.Segment) error
	UpdateLocation(ctx context.Context, c topology.Coord) error
	EmergencyStop() error
}

// Lift is the part of *plc.Lift the workflows drive.
type Lift interface {
	Status(ctx context.Context) (plc.LiftStatus, error)
	Move(ctx context.Context, tt plc.TaskType, taskNo uint16, target plc.Storey) error
	AckArrived(ctx context.Context) error
	SetFeedInProgress(ctx context.Context, conv plc.Conveyor, on bool) error
	PulseFeedComplete(ctx context.Context, conv plc.Conveyor) error
	PulsePickComplete(ctx context.Context) error
	PulsePlaceComplete(ctx context.Context) error
	SetTarget(ctx context.Context, conv plc.Conveyor, to plc.Storey) error
	WaitIdle(ctx context.Context) error
	WaitArrived(ctx context.Context, layer int) error
	WaitCargo(ctx context.Context, present bool) error
	WaitCar(ctx context.Context, present bool) error
}

// Inventory is the location store as seen by the workflows; satisfied by
// *locstate.Manager.
type Inventory interface {
	StatusMap() (topology.StatusMap, error)
	GetLocation(c topology.Coord) (*store.Location, error)
	GetLocationByPallet(palletID string) (*store.Location, error)
	SetPallet(c topology.Coord, palletID, actor string) (*store.Location, error)
	MovePallet(from, to topology.Coord, actor string) (string, error)
}

// Recorder persists workflow runs; satisfied by *store.DB.
type Recorder interface {
	CreateWorkflowRun(kind, params string) (int64, error)
	UpdateWorkflowRunStep(id int64, step string) error
	FinishWorkflowRun(id int64, status, step, errMsg string) error
}

// Emitter is the interface adapters must satisfy to bridge workflow events
// to the engine.
type Emitter interface {
	EmitWorkflowStarted(runID int64, kind string)
	EmitWorkflowStep(runID int64, kind, step string)
	EmitWorkflowFinished(runID int64, kind, status, errMsg string)
	EmitLocationChanged(c topology.Coord, status topology.Status, palletID, action, actor string)
}

// Workflow kinds, also the names recorded in workflow_runs.
const (
	KindCarMove    = "car_move"
	KindLiftTo     = "lift_to"
	KindCrossLayer = "cross_layer"
	KindInbound    = "inbound"
	KindOutbound   = "outbound"
	KindGoodMove   = "good_move"
)

type Options struct {
	TaskTimeout time.Duration
	PLCTimeout  time.Duration
}

// Current describes the running workflow.
type Current struct {
	RunID int64  `json:"run_id"`
	Kind  string `json:"kind"`
	Step  string `json:"step"`
}

type Runner struct {
	shuttle Shuttle
	lift    Lift
	inv     Inventory
	graph   *topology.Graph
	rec     Recorder
	emitter Emitter
	opts    Options

	busy     atomic.Bool
	taskNo   shuttle.Life
	liftTask atomic.Uint32

	mu      sync.Mutex
	cancel  context.CancelCauseFunc
	current Current
}

func NewRunner(sh Shuttle, lift Lift, inv Inventory, graph *topology.Graph, rec Recorder, emitter Emitter, opts Options) *Runner {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 300 * time.Second
	}
	if opts.PLCTimeout <= 0 {
		opts.PLCTimeout = 120 * time.Second
	}
	return &Runner{
		shuttle: sh,
		lift:    lift,
		inv:     inv,
		graph:   graph,
		rec:     rec,
		emitter: emitter,
		opts:    opts,
	}
}

func (r *Runner) Graph() *topology.Graph { return r.graph }

// Busy reports whether a workflow is running.
func (r *Runner) Busy() bool { return r.busy.Load() }

// Running returns the workflow in progress, if any.
func (r *Runner) Running() (Current, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.cancel != nil
}

// Fault aborts the running workflow after a critical shuttle error. The
// session has already sent the emergency stop.
func (r *Runner) Fault(code shuttle.ResultCode) {
	r.abort(fmt.Errorf("%w: %w", ErrFaulted, &shuttle.CriticalError{Code: code}))
}

// Abort cancels the running workflow with reason.
func (r *Runner) Abort(reason string) {
	r.abort(fmt.Errorf("%w: %s", ErrAborted, reason))
}

func (r *Runner) abort(cause error) {
	r.mu.Lock()
	cancel := r.cancel
	kind := r.current.Kind
	r.mu.Unlock()
	if cancel != nil {
		log.Printf("workflow: aborting %s: %v", kind, cause)
		cancel(cause)
	}
}

func (r *Runner) nextLiftTask() uint16 {
	for {
		n := uint16(r.liftTask.Add(1))
		if n != 0 {
			return n
		}
	}
}

// run executes body as one recorded workflow. Only one runs at a time.
func (r *Runner) run(ctx context.Context, kind string, params any, body func(w *run) error) error {
	if !r.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer r.busy.Store(false)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	p, _ := json.Marshal(params)
	id, err := r.rec.CreateWorkflowRun(kind, string(p))
	if err != nil {
		log.Printf("workflow: record %s start: %v", kind, err)
	}
	r.mu.Lock()
	r.cancel = cancel
	r.current = Current{RunID: id, Kind: kind}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.current = Current{}
		r.mu.Unlock()
	}()

	log.Printf("workflow: %s #%d started %s", kind, id, p)
	r.emitter.EmitWorkflowStarted(id, kind)

	w := &run{r: r, ctx: ctx, id: id, kind: kind}
	err = body(w)
	if err == nil && ctx.Err() != nil {
		err = w.cancelled(w.step)
	}

	status := runStatus(err)
	msg := ""
	if err != nil {
		msg = err.Error()
		log.Printf("workflow: %s #%d %s at %q: %v", kind, id, status, w.step, err)
	} else {
		log.Printf("workflow: %s #%d completed", kind, id)
	}
	if ferr := r.rec.FinishWorkflowRun(id, status, w.step, msg); ferr != nil {
		log.Printf("workflow: record %s finish: %v", kind, ferr)
	}
	r.emitter.EmitWorkflowFinished(id, kind, status, msg)
	return err
}

// run is the state of one workflow execution.
type run struct {
	r    *Runner
	ctx  context.Context
	id   int64
	kind string
	step string
}

// do runs one named step under timeout.
func (w *run) do(name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if w.ctx.Err() != nil {
		return w.cancelled(name)
	}
	w.step = name
	w.r.mu.Lock()
	w.r.current.Step = name
	w.r.mu.Unlock()
	if err := w.r.rec.UpdateWorkflowRunStep(w.id, name); err != nil {
		log.Printf("workflow: record step: %v", err)
	}
	w.r.emitter.EmitWorkflowStep(w.id, w.kind, name)
	log.Printf("workflow: %s #%d: %s", w.kind, w.id, name)

	ctx, cancel := context.WithTimeout(w.ctx, timeout)
	defer cancel()
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if w.ctx.Err() != nil {
		return w.cancelled(name)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, shuttle.ErrTimeout) || errors.Is(err, plc.ErrReadTimeout) {
		return &TimeoutError{Step: name, Err: err}
	}
	return &StepError{Step: name, Err: err}
}

// cancelled reports why the workflow context ended.
func (w *run) cancelled(step string) error {
	cause := context.Cause(w.ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		return &TimeoutError{Step: step, Err: cause}
	}
	return &StepError{Step: step, Err: cause}
}

func (w *run) shuttleTask(name string, segs []topology.Segment) error {
	return w.do(name, w.r.opts.TaskTimeout, func(ctx context.Context) error {
		return w.r.shuttle.ExecuteTask(ctx, w.r.taskNo.Next(), segs)
	})
}

func (w *run) plcStep(name string, fn func(ctx context.Context) error) error {
	return w.do(name, w.r.opts.PLCTimeout, fn)
}

func (w *run) location() topology.Coord {
	return w.r.shuttle.Status().Location
}

// setPallet records an inventory write and reports it.
func (w *run) setPallet(c topology.Coord, palletID, action string) error {
	return w.plcStep("record "+action+" at "+c.String(), func(context.Context) error {
		l, err := w.r.inv.SetPallet(c, palletID, w.kind)
		if err != nil {
			return err
		}
		w.r.emitter.EmitLocationChanged(c, l.Status, palletID, action, w.kind)
		return nil
	})
}

func (w *run) movePallet(from, to topology.Coord) error {
	return w.plcStep(fmt.Sprintf("record move %s -> %s", from, to), func(context.Context) error {
		pallet, err := w.r.inv.MovePallet(from, to, w.kind)
		if err != nil {
			return err
		}
		w.r.emitter.EmitLocationChanged(from, topology.StatusFree, "", "move_out", w.kind)
		w.r.emitter.EmitLocationChanged(to, topology.StatusOccupied, pallet, "move_in", w.kind)
		return nil
	})
}
