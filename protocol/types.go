package protocol

// Message types.
const (
	// Host -> core (requests topic)
	TypeOpRequest = "op.request"
	TypePing      = "core.ping"

	// Core -> host (results and events topics)
	TypeOpResult          = "op.result"
	TypePong              = "core.pong"
	TypeWorkflowStarted   = "workflow.started"
	TypeWorkflowStep      = "workflow.step"
	TypeWorkflowFinished  = "workflow.finished"
	TypeShuttleStatus     = "shuttle.status"
	TypeShuttleCritical   = "shuttle.critical"
	TypeShuttleConnection = "shuttle.connection"
	TypePLCState          = "plc.state"
	TypeLocationChanged   = "location.changed"
)

// Operation names carried by OpRequest.Op.
const (
	OpCarMove             = "car_move"
	OpGoodMove            = "good_move"
	OpLiftTo              = "lift_to"
	OpInbound             = "inbound"
	OpOutbound            = "outbound"
	OpCrossLayer          = "cross_layer"
	OpUpdateCarLocation   = "update_car_location"
	OpGetCarStatus        = "get_car_status"
	OpGetLiftStatus       = "get_lift_status"
	OpListLocations       = "list_locations"
	OpGetLocation         = "get_location"
	OpGetLocationByPallet = "get_location_by_pallet"
	OpSetPallet           = "set_pallet"
	OpSetLocationStatus   = "set_location_status"
	OpBulkSync            = "bulk_sync"
	OpResetLocations      = "reset_locations"
	OpEmergencyStop       = "emergency_stop"
)

// Roles for Address.Role.
const (
	RoleHost = "host"
	RoleCore = "core"
)

// Protocol version.
const Version = 1
