package workflow

import (
	"context"
	"fmt"

	"shuttlecore/plc"
	"shuttlecore/shuttle"
	"shuttlecore/topology"
)

// CarMove drives the unloaded shuttle to target, changing storey first
// when needed.
func (r *Runner) CarMove(ctx context.Context, target topology.Coord) error {
	if err := r.checkNode(target); err != nil {
		return err
	}
	return r.run(ctx, KindCarMove, map[string]string{"target": target.String()}, func(w *run) error {
		if err := w.requireShuttle(); err != nil {
			return err
		}
		return w.carMove(target)
	})
}

// LiftTo sends the lift to layer. A shuttle riding the lift has its
// location updated on arrival.
func (r *Runner) LiftTo(ctx context.Context, layer int) error {
	if err := r.checkStorey(layer); err != nil {
		return err
	}
	return r.run(ctx, KindLiftTo, map[string]int{"layer": layer}, func(w *run) error {
		return w.liftTo(layer)
	})
}

// CrossLayer moves the shuttle to the pre-lift cell of storey.
func (r *Runner) CrossLayer(ctx context.Context, storey int) error {
	if err := r.checkStorey(storey); err != nil {
		return err
	}
	return r.run(ctx, KindCrossLayer, map[string]int{"storey": storey}, func(w *run) error {
		if err := w.requireShuttle(); err != nil {
			return err
		}
		return w.crossLayer(storey)
	})
}

func (r *Runner) checkNode(c topology.Coord) error {
	if !r.graph.Has(c) {
		return fmt.Errorf("%w: %s", topology.ErrUnknownNode, c)
	}
	return nil
}

func (r *Runner) checkStorey(z int) error {
	for _, s := range r.graph.Storeys() {
		if s == z {
			return nil
		}
	}
	return fmt.Errorf("%w: storey %d", topology.ErrUnknownNode, z)
}

func (w *run) requireShuttle() error {
	return w.do("check shuttle", w.r.opts.PLCTimeout, func(context.Context) error {
		if !w.r.shuttle.Connected() {
			return shuttle.ErrNotConnected
		}
		st := w.r.shuttle.Status()
		if st.CarStatus == shuttle.StatusFault || st.ResultCode.IsCritical() {
			return fmt.Errorf("shuttle in fault (code %d)", uint16(st.ResultCode))
		}
		if !w.r.graph.Has(st.Location) {
			return fmt.Errorf("%w: shuttle reports %s", topology.ErrUnknownNode, st.Location)
		}
		return nil
	})
}

// carMove drives to target without a pallet. An unloaded shuttle passes
// under stored pallets, so blockers are ignored.
func (w *run) carMove(target topology.Coord) error {
	if w.location().Z != target.Z {
		if err := w.crossLayer(target.Z); err != nil {
			return err
		}
	}
	return w.moveOnStorey(target)
}

func (w *run) moveOnStorey(target topology.Coord) error {
	from := w.location()
	if from == target {
		return nil
	}
	segs, err := w.r.graph.TaskSegments(from, target)
	if err != nil {
		return &StepError{Step: "plan " + from.String() + " -> " + target.String(), Err: err}
	}
	return w.shuttleTask(fmt.Sprintf("shuttle %s -> %s", from, target), segs)
}

// waitLiftMove issues a lift move and waits for arrival at layer.
func (w *run) waitLiftMove(ctx context.Context, tt plc.TaskType, layer int) error {
	if err := w.r.lift.Move(ctx, tt, w.r.nextLiftTask(), plc.Layer(layer)); err != nil {
		return err
	}
	return w.r.lift.WaitArrived(ctx, layer)
}

func (w *run) liftTo(layer int) error {
	var carAboard bool
	err := w.plcStep(fmt.Sprintf("lift to storey %d", layer), func(ctx context.Context) error {
		if err := w.r.lift.WaitIdle(ctx); err != nil {
			return err
		}
		st, err := w.r.lift.Status(ctx)
		if err != nil {
			return err
		}
		tt := plc.TaskIdle
		switch {
		case st.HasCar:
			tt = plc.TaskCar
			carAboard = true
		case st.HasCargo:
			tt = plc.TaskCargo
		}
		return w.waitLiftMove(ctx, tt, layer)
	})
	if err != nil || !carAboard {
		return err
	}
	if loc := w.location(); loc.X == topology.LiftX && loc.Y == topology.LiftY && loc.Z != layer {
		return w.do("update shuttle location", w.r.opts.PLCTimeout, func(ctx context.Context) error {
			return w.r.shuttle.UpdateLocation(ctx, topology.LiftCell(layer))
		})
	}
	return nil
}

// emptyLiftTo brings the unloaded lift to layer, waiting out any motion in
// progress first.
func (w *run) emptyLiftTo(layer int) error {
	return w.plcStep(fmt.Sprintf("empty lift to storey %d", layer), func(ctx context.Context) error {
		st, err := w.r.lift.Status(ctx)
		if err != nil {
			return err
		}
		if !st.Empty() {
			if err := w.r.lift.WaitIdle(ctx); err != nil {
				return err
			}
			// The presence sensor trails a shuttle that just drove off.
			if loc := w.location(); st.HasCar && (loc.X != topology.LiftX || loc.Y != topology.LiftY) {
				if err := w.r.lift.WaitCar(ctx, false); err != nil {
					return err
				}
			}
			if st, err = w.r.lift.Status(ctx); err != nil {
				return err
			}
			if st.HasCargo || st.HasCar {
				return fmt.Errorf("lift is not empty (car=%v cargo=%v)", st.HasCar, st.HasCargo)
			}
		}
		if st.CurrentLayer == layer && !st.Running {
			return nil
		}
		return w.waitLiftMove(ctx, plc.TaskIdle, layer)
	})
}

// crossLayer rides the lift from the shuttle's storey to s1 and leaves the
// shuttle on the pre-lift cell of s1.
func (w *run) crossLayer(s1 int) error {
	s0 := w.location().Z
	if s0 == s1 {
		return nil
	}
	if err := w.emptyLiftTo(s0); err != nil {
		return err
	}
	if err := w.moveOnStorey(topology.PreLiftCell(s0)); err != nil {
		return err
	}
	if err := w.moveOnStorey(topology.LiftCell(s0)); err != nil {
		return err
	}
	err := w.plcStep(fmt.Sprintf("lift shuttle to storey %d", s1), func(ctx context.Context) error {
		if err := w.r.lift.WaitCar(ctx, true); err != nil {
			return err
		}
		return w.waitLiftMove(ctx, plc.TaskCar, s1)
	})
	if err != nil {
		return err
	}
	err = w.do("update shuttle location", w.r.opts.PLCTimeout, func(ctx context.Context) error {
		return w.r.shuttle.UpdateLocation(ctx, topology.LiftCell(s1))
	})
	if err != nil {
		return err
	}
	return w.moveOnStorey(topology.PreLiftCell(s1))
}
