package protocol

import "encoding/json"

// --- Host -> Core payloads ---

// OpRequest asks the core to run one orchestrator operation. Coordinates
// are "x,y,z" strings; only the fields the operation needs are read.
type OpRequest struct {
	Op       string     `json:"op"`
	Target   string     `json:"target,omitempty"`
	Source   string     `json:"source,omitempty"`
	From     string     `json:"from,omitempty"`
	To       string     `json:"to,omitempty"`
	Location string     `json:"location,omitempty"`
	PalletID string     `json:"pallet_id,omitempty"`
	Layer    int        `json:"layer,omitempty"`
	Status   string     `json:"status,omitempty"`
	Start    int64      `json:"start,omitempty"`
	End      int64      `json:"end,omitempty"`
	Items    []SyncItem `json:"items,omitempty"`
	Actor    string     `json:"actor,omitempty"`
}

// SyncItem is one row of a bulk_sync request.
type SyncItem struct {
	Location string `json:"location"`
	Status   string `json:"status"`
	PalletID string `json:"pallet_id,omitempty"`
}

// Ping checks that the core is alive.
type Ping struct {
	Nonce string `json:"nonce"`
}

// --- Core -> Host payloads ---

// OpResult answers an OpRequest; the envelope's cor field carries the
// request id.
type OpResult struct {
	Op      string          `json:"op"`
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type Pong struct {
	Nonce    string `json:"nonce"`
	ServerTS int64  `json:"server_ts"`
	Busy     bool   `json:"busy"`
}

// WorkflowEvent reports workflow progress.
type WorkflowEvent struct {
	RunID  int64  `json:"run_id"`
	Kind   string `json:"kind"`
	Step   string `json:"step,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type ShuttleStatus struct {
	Connected  bool   `json:"connected"`
	Location   string `json:"location"`
	CarStatus  string `json:"car_status"`
	Battery    int    `json:"battery"`
	ResultCode int    `json:"result_code"`
	TaskNo     int    `json:"task_no"`
}

type ShuttleCritical struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

type ShuttleConnection struct {
	Connected bool   `json:"connected"`
	Detail    string `json:"detail,omitempty"`
}

type PLCState struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// LocationChanged reports an inventory mutation.
type LocationChanged struct {
	Location string `json:"location"`
	Status   string `json:"status"`
	PalletID string `json:"pallet_id,omitempty"`
	Action   string `json:"action"`
	Actor    string `json:"actor,omitempty"`
}
