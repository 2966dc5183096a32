package engine

import (
	"context"
	"fmt"
	"strings"

	"shuttlecore/protocol"
	"shuttlecore/store"
	"shuttlecore/topology"
	"shuttlecore/workflow"
)

func parseCoord(field, s string) (topology.Coord, error) {
	c, err := topology.ParseCoord(s)
	if err != nil {
		return c, fmt.Errorf("%s: %w", field, err)
	}
	return c, nil
}

func requirePallet(palletID string) error {
	if strings.TrimSpace(palletID) == "" {
		return fmt.Errorf("%w: pallet_id required", ErrInvalidInput)
	}
	return nil
}

// --- Workflows ---

// CarMove drives the unloaded shuttle to target.
func (e *Engine) CarMove(ctx context.Context, target string) Response {
	c, err := parseCoord("target", target)
	if err != nil {
		return fail(err)
	}
	if err := e.runner.CarMove(ctx, c); err != nil {
		return fail(err)
	}
	return ok("shuttle at "+c.String(), e.session.Status())
}

// GoodMove moves palletID from one storage cell to another on the same storey.
func (e *Engine) GoodMove(ctx context.Context, palletID, from, to string) Response {
	src, err := parseCoord("from", from)
	if err != nil {
		return fail(err)
	}
	dst, err := parseCoord("to", to)
	if err != nil {
		return fail(err)
	}
	if err := requirePallet(palletID); err != nil {
		return fail(err)
	}
	if err := e.runner.GoodMove(ctx, palletID, src, dst); err != nil {
		return fail(err)
	}
	return e.locationResponse(fmt.Sprintf("pallet %s moved to %s", palletID, dst), dst)
}

func (e *Engine) LiftTo(ctx context.Context, layer int) Response {
	if err := e.runner.LiftTo(ctx, layer); err != nil {
		return fail(err)
	}
	return e.GetLiftStatus(ctx)
}

// Inbound stores palletID from the entry conveyor at target.
func (e *Engine) Inbound(ctx context.Context, target, palletID string) Response {
	c, err := parseCoord("target", target)
	if err != nil {
		return fail(err)
	}
	if err := requirePallet(palletID); err != nil {
		return fail(err)
	}
	if err := e.runner.Inbound(ctx, c, palletID); err != nil {
		return fail(err)
	}
	return e.locationResponse(fmt.Sprintf("pallet %s stored at %s", palletID, c), c)
}

// Outbound sends the pallet at source to the exit conveyor. palletID is
// optional and checked against the stored pallet when given.
func (e *Engine) Outbound(ctx context.Context, source, palletID string) Response {
	c, err := parseCoord("source", source)
	if err != nil {
		return fail(err)
	}
	if err := e.runner.Outbound(ctx, c, palletID); err != nil {
		return fail(err)
	}
	return e.locationResponse(fmt.Sprintf("pallet left %s", c), c)
}

// CrossLayer moves the shuttle to the pre-lift cell of storey.
func (e *Engine) CrossLayer(ctx context.Context, storey int) Response {
	if err := e.runner.CrossLayer(ctx, storey); err != nil {
		return fail(err)
	}
	return ok(fmt.Sprintf("shuttle on storey %d", storey), e.session.Status())
}

// --- Devices ---

// UpdateCarLocation overwrites the shuttle's own notion of its position.
func (e *Engine) UpdateCarLocation(ctx context.Context, location string) Response {
	c, err := parseCoord("location", location)
	if err != nil {
		return fail(err)
	}
	if !e.graph.Has(c) {
		return fail(fmt.Errorf("%w: %s", topology.ErrUnknownNode, c))
	}
	if e.Busy() {
		return fail(workflow.ErrBusy)
	}
	if err := e.session.UpdateLocation(ctx, c); err != nil {
		return fail(err)
	}
	return ok("shuttle location set to "+c.String(), e.session.Status())
}

func (e *Engine) GetCarStatus() Response {
	st := e.session.Status()
	data := map[string]any{"status": st, "busy": e.Busy()}
	if cur, running := e.runner.Running(); running {
		data["workflow"] = cur
	}
	return ok(st.StatusName, data)
}

func (e *Engine) GetLiftStatus(ctx context.Context) Response {
	st, err := e.lift.Status(ctx)
	if err != nil {
		return fail(err)
	}
	return ok(fmt.Sprintf("lift on storey %d", st.CurrentLayer), st)
}

// EmergencyStop stops the shuttle and aborts the running workflow.
func (e *Engine) EmergencyStop(reason, actor string) Response {
	if reason == "" {
		reason = "operator request"
	}
	err := e.session.EmergencyStop()
	e.runner.Abort("emergency stop: " + reason)
	e.Events.Emit(Event{Type: EventEmergencyStop, Payload: EmergencyStopEvent{Reason: reason, Actor: actor}})
	if err != nil {
		return fail(err)
	}
	return ok("emergency stop sent", nil)
}

func (e *Engine) PLCStats() Response {
	return ok(e.plc.State().String(), e.plc.Stats())
}

func (e *Engine) ListWorkflowRuns(limit int) Response {
	if limit <= 0 {
		limit = 50
	}
	runs, err := e.db.ListWorkflowRuns(limit)
	if err != nil {
		return fail(err)
	}
	return ok(fmt.Sprintf("%d runs", len(runs)), runs)
}

// --- Inventory ---

// ListLocations returns locations with start <= id <= end; end <= 0 is
// unbounded.
func (e *Engine) ListLocations(start, end int64) Response {
	if end > 0 && end < start {
		return fail(fmt.Errorf("%w: end %d before start %d", ErrInvalidInput, end, start))
	}
	locs, err := e.db.ListLocations(start, end)
	if err != nil {
		return fail(err)
	}
	return ok(fmt.Sprintf("%d locations", len(locs)), locs)
}

func (e *Engine) GetLocation(location string) Response {
	c, err := parseCoord("location", location)
	if err != nil {
		return fail(err)
	}
	return e.locationResponse("", c)
}

func (e *Engine) GetLocationByPallet(palletID string) Response {
	if err := requirePallet(palletID); err != nil {
		return fail(err)
	}
	l, err := e.locs.GetLocationByPallet(palletID)
	if err != nil {
		return fail(fmt.Errorf("pallet %s: %w", palletID, err))
	}
	return ok(l.Coord.String(), l)
}

// SetPallet records palletID at location; an empty palletID frees it.
// Inventory edits are refused while a workflow runs.
func (e *Engine) SetPallet(location, palletID, actor string) Response {
	c, err := parseCoord("location", location)
	if err != nil {
		return fail(err)
	}
	if e.Busy() {
		return fail(workflow.ErrBusy)
	}
	l, err := e.locs.SetPallet(c, strings.TrimSpace(palletID), actor)
	if err != nil {
		return fail(err)
	}
	e.emitLocation(l, "set_pallet", actor)
	return ok("location "+c.String()+" updated", l)
}

func (e *Engine) SetLocationStatus(location, status, actor string) Response {
	c, err := parseCoord("location", location)
	if err != nil {
		return fail(err)
	}
	s := topology.Status(status)
	if !s.Valid() {
		return fail(fmt.Errorf("%w: status %q", ErrInvalidInput, status))
	}
	if e.Busy() {
		return fail(workflow.ErrBusy)
	}
	l, err := e.locs.SetStatus(c, s, actor)
	if err != nil {
		return fail(err)
	}
	e.emitLocation(l, "set_status", actor)
	return ok("location "+c.String()+" updated", l)
}

// BulkSync applies items as one transaction; any bad item rejects the batch.
func (e *Engine) BulkSync(items []protocol.SyncItem, actor string) Response {
	if len(items) == 0 {
		return fail(fmt.Errorf("%w: no items", ErrInvalidInput))
	}
	if e.Busy() {
		return fail(workflow.ErrBusy)
	}
	batch := make([]store.SyncItem, 0, len(items))
	for i, it := range items {
		c, err := parseCoord(fmt.Sprintf("items[%d].location", i), it.Location)
		if err != nil {
			return fail(err)
		}
		batch = append(batch, store.SyncItem{Coord: c, Status: topology.Status(it.Status), PalletID: it.PalletID})
	}
	if err := e.locs.BulkSync(batch, actor); err != nil {
		return fail(err)
	}
	for _, it := range batch {
		e.Events.Emit(Event{Type: EventLocationChanged, Payload: LocationChangedEvent{
			Coord: it.Coord, Status: it.Status, PalletID: it.PalletID, Action: "bulk_sync", Actor: actor,
		}})
	}
	return ok(fmt.Sprintf("%d locations synced", len(batch)), nil)
}

// ResetLocations rebuilds the inventory from the map, dropping every pallet.
func (e *Engine) ResetLocations(actor string) Response {
	if e.Busy() {
		return fail(workflow.ErrBusy)
	}
	if err := e.locs.Reset(e.graph, actor); err != nil {
		return fail(err)
	}
	n := len(e.graph.Nodes())
	e.Events.Emit(Event{Type: EventInventoryReset, Payload: InventoryResetEvent{Nodes: n, Actor: actor}})
	return ok(fmt.Sprintf("%d locations reset", n), nil)
}

func (e *Engine) Summary() Response {
	counts, err := e.db.CountByStatus()
	if err != nil {
		return fail(err)
	}
	data := map[string]any{
		"connections": e.Connections(),
		"busy":        e.Busy(),
		"locations":   counts,
		"mock":        e.cfg.UseMock,
	}
	if cur, running := e.runner.Running(); running {
		data["workflow"] = cur
	}
	return ok("", data)
}

func (e *Engine) locationResponse(msg string, c topology.Coord) Response {
	l, err := e.locs.GetLocation(c)
	if err != nil {
		return fail(err)
	}
	if msg == "" {
		msg = string(l.Status)
	}
	return ok(msg, l)
}

func (e *Engine) emitLocation(l *store.Location, action, actor string) {
	e.Events.Emit(Event{Type: EventLocationChanged, Payload: LocationChangedEvent{
		Coord:    l.Coord,
		Status:   l.Status,
		PalletID: l.PalletID,
		Action:   action,
		Actor:    actor,
	}})
}
