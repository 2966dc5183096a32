package engine

import (
	"fmt"

	"shuttlecore/messaging"
	"shuttlecore/plc"
	"shuttlecore/protocol"
	"shuttlecore/topology"
)

func (e *Engine) wireEventHandlers() {
	// Keep the Redis snapshot current; in mock mode the lift's presence
	// sensor follows the simulated shuttle.
	e.Events.SubscribeTypes(func(evt Event) {
		st := evt.Payload.(ShuttleStatusEvent).Status
		if e.locs != nil {
			e.locs.SetShuttleStatus(st)
		}
		if e.liftSim != nil {
			e.liftSim.SetCarPresent(st.Location.X == topology.LiftX && st.Location.Y == topology.LiftY)
		}
	}, EventShuttleStatus)

	// Critical shuttle errors: log and audit. The session already sent the
	// emergency stop and the runner was faulted through OnCritical.
	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(ShuttleCriticalEvent)
		e.logFn("engine: shuttle critical error %d: %s", uint16(ev.Code), ev.Description)
		e.db.AppendAudit("shuttle", 0, "critical", "", fmt.Sprintf("%d %s", uint16(ev.Code), ev.Description), "shuttle")
	}, EventShuttleCritical)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(ConnectionEvent)
		connected := evt.Type == EventShuttleConnected
		e.connMu.Lock()
		e.shuttleConnected = connected
		e.connMu.Unlock()
		e.logFn("engine: shuttle connected=%v (%s)", connected, ev.Detail)
	}, EventShuttleConnected, EventShuttleDisconnected)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(PLCStateEvent)
		e.connMu.Lock()
		e.plcConnected = ev.State == plc.StateConnected
		e.connMu.Unlock()
		if ev.State == plc.StateError {
			e.logFn("engine: plc in error state: %s", ev.Error)
			e.db.AppendAudit("plc", 0, "error", "", ev.Error, "plc")
		}
	}, EventPLCState)

	// Workflow outcomes: audit
	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(WorkflowEvent)
		e.db.AppendAudit("workflow", ev.RunID, ev.Status, "", fmt.Sprintf("%s %s", ev.Kind, ev.Error), "workflow")
	}, EventWorkflowFinished)

	e.Events.SubscribeTypes(func(evt Event) {
		ev := evt.Payload.(EmergencyStopEvent)
		e.logFn("engine: emergency stop by %s: %s", ev.Actor, ev.Reason)
		e.db.AppendAudit("shuttle", 0, "emergency_stop", "", ev.Reason, ev.Actor)
	}, EventEmergencyStop)

	// Publish to the host through the outbox.
	if e.cfg.Messaging.Backend != "" {
		e.Events.Subscribe(e.publishEvent)
	}
}

// publishEvent queues evt as an envelope on the events topic.
func (e *Engine) publishEvent(evt Event) {
	msgType, payload, ok := protocolEvent(evt)
	if !ok {
		return
	}
	m := &e.cfg.Messaging
	src := protocol.Address{Role: protocol.RoleCore, Station: m.StationID}
	dst := protocol.Address{Role: protocol.RoleHost, Station: "*"}
	env, err := protocol.NewEnvelope(msgType, src, dst, payload)
	if err != nil {
		e.logFn("engine: build %s envelope: %v", msgType, err)
		return
	}
	if err := messaging.Enqueue(e.db, m.EventsTopic, m.StationID, env, msgType); err != nil {
		e.logFn("engine: enqueue %s: %v", msgType, err)
	}
}

// protocolEvent maps a bus event onto its wire message. Events the host
// has no message for report ok=false.
func protocolEvent(evt Event) (string, any, bool) {
	switch ev := evt.Payload.(type) {
	case WorkflowEvent:
		p := &protocol.WorkflowEvent{RunID: ev.RunID, Kind: ev.Kind, Step: ev.Step, Status: ev.Status, Error: ev.Error}
		switch evt.Type {
		case EventWorkflowStarted:
			return protocol.TypeWorkflowStarted, p, true
		case EventWorkflowStep:
			return protocol.TypeWorkflowStep, p, true
		default:
			return protocol.TypeWorkflowFinished, p, true
		}
	case ShuttleStatusEvent:
		st := ev.Status
		return protocol.TypeShuttleStatus, &protocol.ShuttleStatus{
			Connected:  st.Connected,
			Location:   st.Location.String(),
			CarStatus:  st.StatusName,
			Battery:    st.Battery,
			ResultCode: int(st.ResultCode),
			TaskNo:     int(st.TaskNo),
		}, true
	case ShuttleCriticalEvent:
		return protocol.TypeShuttleCritical, &protocol.ShuttleCritical{Code: int(ev.Code), Description: ev.Description}, true
	case PLCStateEvent:
		return protocol.TypePLCState, &protocol.PLCState{State: ev.State.String(), Error: ev.Error}, true
	case LocationChangedEvent:
		return protocol.TypeLocationChanged, &protocol.LocationChanged{
			Location: ev.Coord.String(),
			Status:   string(ev.Status),
			PalletID: ev.PalletID,
			Action:   ev.Action,
			Actor:    ev.Actor,
		}, true
	case InventoryResetEvent:
		return protocol.TypeLocationChanged, &protocol.LocationChanged{Action: "reset", Actor: ev.Actor}, true
	case ConnectionEvent:
		switch evt.Type {
		case EventShuttleConnected, EventShuttleDisconnected:
			return protocol.TypeShuttleConnection, &protocol.ShuttleConnection{
				Connected: evt.Type == EventShuttleConnected,
				Detail:    ev.Detail,
			}, true
		}
	}
	return "", nil, false
}
