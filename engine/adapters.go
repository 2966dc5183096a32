package engine

import (
	"shuttlecore/plc"
	"shuttlecore/shuttle"
	"shuttlecore/topology"
)

// shuttleEmitter bridges the shuttle session's emitter interface to the EventBus.
type shuttleEmitter struct {
	bus *EventBus
}

func (e *shuttleEmitter) EmitShuttleStatus(st shuttle.Status) {
	e.bus.Emit(Event{Type: EventShuttleStatus, Payload: ShuttleStatusEvent{Status: st}})
}

func (e *shuttleEmitter) EmitShuttleCritical(code shuttle.ResultCode, description string) {
	e.bus.Emit(Event{Type: EventShuttleCritical, Payload: ShuttleCriticalEvent{
		Code:        code,
		Description: description,
	}})
}

func (e *shuttleEmitter) EmitShuttleConnection(connected bool, detail string) {
	t := EventShuttleDisconnected
	if connected {
		t = EventShuttleConnected
	}
	e.bus.Emit(Event{Type: t, Payload: ConnectionEvent{Detail: detail}})
}

// plcEmitter bridges the PLC client's state changes to the EventBus.
type plcEmitter struct {
	bus *EventBus
}

func (e *plcEmitter) EmitPLCState(state plc.State, err error) {
	ev := PLCStateEvent{State: state}
	if err != nil {
		ev.Error = err.Error()
	}
	e.bus.Emit(Event{Type: EventPLCState, Payload: ev})
}

// workflowEmitter bridges the workflow runner's emitter interface to the EventBus.
type workflowEmitter struct {
	bus *EventBus
}

func (e *workflowEmitter) EmitWorkflowStarted(runID int64, kind string) {
	e.bus.Emit(Event{Type: EventWorkflowStarted, Payload: WorkflowEvent{
		RunID:  runID,
		Kind:   kind,
		Status: "running",
	}})
}

func (e *workflowEmitter) EmitWorkflowStep(runID int64, kind, step string) {
	e.bus.Emit(Event{Type: EventWorkflowStep, Payload: WorkflowEvent{
		RunID:  runID,
		Kind:   kind,
		Step:   step,
		Status: "running",
	}})
}

func (e *workflowEmitter) EmitWorkflowFinished(runID int64, kind, status, errMsg string) {
	e.bus.Emit(Event{Type: EventWorkflowFinished, Payload: WorkflowEvent{
		RunID:  runID,
		Kind:   kind,
		Status: status,
		Error:  errMsg,
	}})
}

func (e *workflowEmitter) EmitLocationChanged(c topology.Coord, status topology.Status, palletID, action, actor string) {
	e.bus.Emit(Event{Type: EventLocationChanged, Payload: LocationChangedEvent{
		Coord:    c,
		Status:   status,
		PalletID: palletID,
		Action:   action,
		Actor:    actor,
	}})
}
