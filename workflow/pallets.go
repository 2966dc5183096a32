package workflow

import (
	"context"
	"errors"
	"fmt"

	"shuttlecore/plc"
	"shuttlecore/store"
	"shuttlecore/topology"
)

// Inbound brings a pallet from the entry conveyor to target and records
// it there.
func (r *Runner) Inbound(ctx context.Context, target topology.Coord, palletID string) error {
	if palletID == "" {
		return fmt.Errorf("%w: pallet id required", store.ErrConflict)
	}
	if err := r.checkStorage(target, topology.StatusFree); err != nil {
		return err
	}
	if _, err := r.inv.GetLocationByPallet(palletID); err == nil {
		return fmt.Errorf("%w: pallet %s is already stored", store.ErrConflict, palletID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	params := map[string]string{"target": target.String(), "pallet_id": palletID}
	return r.run(ctx, KindInbound, params, func(w *run) error {
		if err := w.requireShuttle(); err != nil {
			return err
		}
		return w.inbound(target, palletID)
	})
}

// Outbound takes the pallet at source to the exit conveyor and clears the
// cell. A non-empty palletID must match the stored pallet.
func (r *Runner) Outbound(ctx context.Context, source topology.Coord, palletID string) error {
	if err := r.checkPallet(source, palletID); err != nil {
		return err
	}
	params := map[string]string{"source": source.String(), "pallet_id": palletID}
	return r.run(ctx, KindOutbound, params, func(w *run) error {
		if err := w.requireShuttle(); err != nil {
			return err
		}
		return w.outbound(source)
	})
}

// GoodMove moves a stored pallet to a free cell on the same storey,
// relocating pallets that stand in the way.
func (r *Runner) GoodMove(ctx context.Context, palletID string, from, to topology.Coord) error {
	if err := r.checkPallet(from, palletID); err != nil {
		return err
	}
	if err := r.checkStorage(to, topology.StatusFree); err != nil {
		return err
	}
	if from.Z != to.Z {
		return fmt.Errorf("%w: %s and %s are on different storeys", store.ErrConflict, from, to)
	}
	if from == to {
		return fmt.Errorf("%w: source and destination are both %s", store.ErrConflict, from)
	}
	params := map[string]string{"pallet_id": palletID, "from": from.String(), "to": to.String()}
	return r.run(ctx, KindGoodMove, params, func(w *run) error {
		if err := w.requireShuttle(); err != nil {
			return err
		}
		return w.goodMove(from, to)
	})
}

// checkStorage verifies c is a storage cell with the given status.
func (r *Runner) checkStorage(c topology.Coord, want topology.Status) error {
	if err := r.checkNode(c); err != nil {
		return err
	}
	if k := r.graph.Kind(c); k != topology.KindStorage {
		return fmt.Errorf("%w: %s is %s", store.ErrReservedCell, c, k)
	}
	l, err := r.inv.GetLocation(c)
	if err != nil {
		return err
	}
	if l.Status != want {
		return fmt.Errorf("%w: %s is %s, want %s", store.ErrConflict, c, l.Status, want)
	}
	return nil
}

func (r *Runner) checkPallet(c topology.Coord, palletID string) error {
	if err := r.checkStorage(c, topology.StatusOccupied); err != nil {
		return err
	}
	if palletID == "" {
		return nil
	}
	l, err := r.inv.GetLocation(c)
	if err != nil {
		return err
	}
	if l.PalletID != palletID {
		return fmt.Errorf("%w: %s holds %s, not %s", store.ErrConflict, c, l.PalletID, palletID)
	}
	return nil
}

func (w *run) inbound(target topology.Coord, palletID string) error {
	sT := target.Z
	pick := topology.PreLiftCell(sT)
	conv := plc.StoreyConveyor(sT)
	lift := w.r.lift

	// Bring the shuttle over while the lift is still free.
	if err := w.crossLayer(sT); err != nil {
		return err
	}
	if err := w.emptyLiftTo(1); err != nil {
		return err
	}
	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"acknowledge arrival at storey 1", lift.AckArrived},
		{"feed pallet from 1010 onto lift", func(ctx context.Context) error {
			if err := lift.SetFeedInProgress(ctx, plc.ConveyorEntry, true); err != nil {
				return err
			}
			if err := lift.SetTarget(ctx, plc.ConveyorEntry, plc.StoreyLift); err != nil {
				return err
			}
			if err := lift.WaitCargo(ctx, true); err != nil {
				return err
			}
			if err := lift.SetTarget(ctx, plc.ConveyorEntry, plc.StoreyNone); err != nil {
				return err
			}
			return lift.SetFeedInProgress(ctx, plc.ConveyorEntry, false)
		}},
		{fmt.Sprintf("lift pallet to storey %d", sT), func(ctx context.Context) error {
			return w.waitLiftMove(ctx, plc.TaskCargo, sT)
		}},
		{fmt.Sprintf("acknowledge arrival at storey %d", sT), lift.AckArrived},
		{fmt.Sprintf("transfer pallet to %d", conv), func(ctx context.Context) error {
			if err := lift.SetFeedInProgress(ctx, conv, true); err != nil {
				return err
			}
			if err := lift.SetTarget(ctx, conv, plc.Layer(sT)); err != nil {
				return err
			}
			if err := lift.PulseFeedComplete(ctx, conv); err != nil {
				return err
			}
			if err := lift.WaitCargo(ctx, false); err != nil {
				return err
			}
			return lift.SetFeedInProgress(ctx, conv, false)
		}},
	}
	for _, s := range steps {
		if err := w.plcStep(s.name, s.fn); err != nil {
			return err
		}
	}

	if err := w.resolveBlockers(pick, target); err != nil {
		return err
	}
	if err := w.moveOnStorey(pick); err != nil {
		return err
	}
	if err := w.pickTask(pick, target); err != nil {
		return err
	}
	if err := w.plcStep("acknowledge pick complete", lift.PulsePickComplete); err != nil {
		return err
	}
	return w.setPallet(target, palletID, "inbound")
}

func (w *run) outbound(source topology.Coord) error {
	sT := source.Z
	liftCell := topology.LiftCell(sT)
	conv := plc.StoreyConveyor(sT)
	lift := w.r.lift

	if err := w.crossLayer(sT); err != nil {
		return err
	}
	if err := w.emptyLiftTo(sT); err != nil {
		return err
	}
	if err := w.resolveBlockers(source, liftCell); err != nil {
		return err
	}
	if err := w.moveOnStorey(source); err != nil {
		return err
	}
	if err := w.plcStep(fmt.Sprintf("announce feed on %d", conv), func(ctx context.Context) error {
		return lift.SetFeedInProgress(ctx, conv, true)
	}); err != nil {
		return err
	}
	if err := w.pickTask(source, liftCell); err != nil {
		return err
	}
	if err := w.plcStep("acknowledge place complete", func(ctx context.Context) error {
		if err := lift.PulsePlaceComplete(ctx); err != nil {
			return err
		}
		return lift.SetFeedInProgress(ctx, conv, false)
	}); err != nil {
		return err
	}
	if err := w.moveOnStorey(topology.PreLiftCell(sT)); err != nil {
		return err
	}
	if err := w.plcStep("lift pallet to storey 1", func(ctx context.Context) error {
		if err := lift.WaitCargo(ctx, true); err != nil {
			return err
		}
		return w.waitLiftMove(ctx, plc.TaskCargo, 1)
	}); err != nil {
		return err
	}
	if err := w.plcStep("acknowledge arrival at storey 1", lift.AckArrived); err != nil {
		return err
	}
	if err := w.plcStep("release pallet to 1020", func(ctx context.Context) error {
		if err := lift.SetTarget(ctx, plc.ConveyorExit, plc.StoreyGate); err != nil {
			return err
		}
		if err := lift.WaitCargo(ctx, false); err != nil {
			return err
		}
		return lift.SetTarget(ctx, plc.ConveyorExit, plc.StoreyNone)
	}); err != nil {
		return err
	}
	return w.setPallet(source, "", "outbound")
}

func (w *run) goodMove(from, to topology.Coord) error {
	if err := w.crossLayer(from.Z); err != nil {
		return err
	}
	if err := w.resolveBlockers(from, to); err != nil {
		return err
	}
	if err := w.moveOnStorey(from); err != nil {
		return err
	}
	if err := w.pickTask(from, to); err != nil {
		return err
	}
	return w.movePallet(from, to)
}

// pickTask carries the pallet at src to dst. The shuttle must stand on src.
func (w *run) pickTask(src, dst topology.Coord) error {
	segs, err := w.r.graph.PickTaskSegments(src, dst)
	if err != nil {
		return &StepError{Step: "plan pick " + src.String() + " -> " + dst.String(), Err: err}
	}
	return w.shuttleTask(fmt.Sprintf("carry %s -> %s", src, dst), segs)
}

// resolveBlockers relocates every pallet on the interior of the src->dst
// path, nearest to src first, recomputing after each relocation.
func (w *run) resolveBlockers(src, dst topology.Coord) error {
	limit := len(w.r.graph.Nodes())
	for i := 0; ; i++ {
		status, err := w.r.inv.StatusMap()
		if err != nil {
			return &StepError{Step: "read status map", Err: err}
		}
		blockers, err := w.r.graph.FindBlocking(src, dst, status)
		if err != nil {
			return &StepError{Step: "find blockers", Err: err}
		}
		if len(blockers) == 0 {
			return nil
		}
		b := blockers[0]
		if i >= limit {
			return &StepError{Step: "relocate blocker " + b.String(), Err: fmt.Errorf("%w: gave up after %d relocations", topology.ErrNoRelocationSpace, i)}
		}
		dest, ok, err := w.r.graph.FindNearestFree(src, dst, b, status)
		if err != nil {
			return &StepError{Step: "relocate blocker " + b.String(), Err: err}
		}
		if !ok {
			return &StepError{Step: "relocate blocker " + b.String(), Err: topology.ErrNoRelocationSpace}
		}
		if err := w.moveOnStorey(b); err != nil {
			return err
		}
		if err := w.pickTask(b, dest); err != nil {
			return err
		}
		if err := w.movePallet(b, dest); err != nil {
			return err
		}
	}
}
