package engine

import (
	"shuttlecore/plc"
	"shuttlecore/shuttle"
	"shuttlecore/topology"
)

const (
	EventWorkflowStarted EventType = iota + 1
	EventWorkflowStep
	EventWorkflowFinished
	EventShuttleStatus
	EventShuttleCritical
	EventShuttleConnected
	EventShuttleDisconnected
	EventPLCState
	EventLocationChanged
	EventInventoryReset
	EventEmergencyStop
	EventMessagingConnected
	EventMessagingDisconnected
)

var eventNames = map[EventType]string{
	EventWorkflowStarted:       "workflow-started",
	EventWorkflowStep:          "workflow-step",
	EventWorkflowFinished:      "workflow-finished",
	EventShuttleStatus:         "shuttle-status",
	EventShuttleCritical:       "shuttle-critical",
	EventShuttleConnected:      "shuttle-connected",
	EventShuttleDisconnected:   "shuttle-disconnected",
	EventPLCState:              "plc-state",
	EventLocationChanged:       "location-changed",
	EventInventoryReset:        "inventory-reset",
	EventEmergencyStop:         "emergency-stop",
	EventMessagingConnected:    "messaging-connected",
	EventMessagingDisconnected: "messaging-disconnected",
}

func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return "unknown"
}

// --- Event payloads ---

type WorkflowEvent struct {
	RunID  int64  `json:"run_id"`
	Kind   string `json:"kind"`
	Step   string `json:"step,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type ShuttleStatusEvent struct {
	Status shuttle.Status `json:"status"`
}

type ShuttleCriticalEvent struct {
	Code        shuttle.ResultCode `json:"code"`
	Description string             `json:"description"`
}

type PLCStateEvent struct {
	State plc.State `json:"state"`
	Error string    `json:"error,omitempty"`
}

type LocationChangedEvent struct {
	Coord    topology.Coord  `json:"location"`
	Status   topology.Status `json:"status"`
	PalletID string          `json:"pallet_id,omitempty"`
	Action   string          `json:"action"` // "set_pallet", "set_status", "move_in", "move_out", "bulk_sync", "inbound", "outbound"
	Actor    string          `json:"actor,omitempty"`
}

type InventoryResetEvent struct {
	Nodes int    `json:"nodes"`
	Actor string `json:"actor"`
}

type EmergencyStopEvent struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

type ConnectionEvent struct {
	Detail string `json:"detail"`
}
