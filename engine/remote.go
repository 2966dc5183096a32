package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"shuttlecore/protocol"
)

// ExecuteOp runs one op.request from the host and converts the response
// to its wire form. It implements messaging.Executor.
func (e *Engine) ExecuteOp(ctx context.Context, req *protocol.OpRequest) *protocol.OpResult {
	resp := e.Dispatch(ctx, req)
	res := &protocol.OpResult{
		Op:      req.Op,
		Success: resp.Success,
		Code:    resp.Code,
		Status:  resp.Status,
		Message: resp.Message,
	}
	if resp.Data != nil {
		data, err := json.Marshal(resp.Data)
		if err != nil {
			e.logFn("engine: encode %s result: %v", req.Op, err)
		} else {
			res.Data = data
		}
	}
	return res
}

// Dispatch runs the operation named by req.Op.
func (e *Engine) Dispatch(ctx context.Context, req *protocol.OpRequest) Response {
	switch req.Op {
	case protocol.OpCarMove:
		return e.CarMove(ctx, req.Target)
	case protocol.OpGoodMove:
		return e.GoodMove(ctx, req.PalletID, req.From, req.To)
	case protocol.OpLiftTo:
		return e.LiftTo(ctx, req.Layer)
	case protocol.OpInbound:
		return e.Inbound(ctx, req.Target, req.PalletID)
	case protocol.OpOutbound:
		return e.Outbound(ctx, req.Source, req.PalletID)
	case protocol.OpCrossLayer:
		return e.CrossLayer(ctx, req.Layer)
	case protocol.OpUpdateCarLocation:
		return e.UpdateCarLocation(ctx, req.Location)
	case protocol.OpGetCarStatus:
		return e.GetCarStatus()
	case protocol.OpGetLiftStatus:
		return e.GetLiftStatus(ctx)
	case protocol.OpListLocations:
		return e.ListLocations(req.Start, req.End)
	case protocol.OpGetLocation:
		return e.GetLocation(req.Location)
	case protocol.OpGetLocationByPallet:
		return e.GetLocationByPallet(req.PalletID)
	case protocol.OpSetPallet:
		return e.SetPallet(req.Location, req.PalletID, req.Actor)
	case protocol.OpSetLocationStatus:
		return e.SetLocationStatus(req.Location, req.Status, req.Actor)
	case protocol.OpBulkSync:
		return e.BulkSync(req.Items, req.Actor)
	case protocol.OpResetLocations:
		return e.ResetLocations(req.Actor)
	case protocol.OpEmergencyStop:
		return e.EmergencyStop("remote request", req.Actor)
	default:
		return fail(fmt.Errorf("%w: unknown op %q", ErrInvalidInput, req.Op))
	}
}
