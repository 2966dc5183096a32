package shuttle

import "fmt"

// FrameType is the low nibble of the version/type byte.
type FrameType uint8

const (
	FrameHeartbeat        FrameType = 0
	FrameTask             FrameType = 1
	FrameCommand          FrameType = 2
	FrameDebug            FrameType = 3
	FrameFile             FrameType = 4
	FrameSCADA            FrameType = 5
	FrameLoraConfig       FrameType = 6
	FrameHeartbeatBattery FrameType = 10
)

func (t FrameType) String() string {
	switch t {
	case FrameHeartbeat:
		return "heartbeat"
	case FrameTask:
		return "task"
	case FrameCommand:
		return "command"
	case FrameDebug:
		return "debug"
	case FrameFile:
		return "file"
	case FrameSCADA:
		return "scada"
	case FrameLoraConfig:
		return "lora_config"
	case FrameHeartbeatBattery:
		return "heartbeat_battery"
	default:
		return fmt.Sprintf("frame_type(%d)", uint8(t))
	}
}

// CarStatus is the run state reported in every heartbeat.
type CarStatus uint8

const (
	StatusTaskExecuting    CarStatus = 1
	StatusCommandExecuting CarStatus = 2
	StatusReady            CarStatus = 3
	StatusPaused           CarStatus = 4
	StatusCharging         CarStatus = 5
	StatusFault            CarStatus = 6
	StatusSleeping         CarStatus = 7
	StatusNodeStandby      CarStatus = 8
)

var carStatusInfo = map[CarStatus][2]string{
	StatusTaskExecuting:    {"TASK_EXECUTING", "executing a task"},
	StatusCommandExecuting: {"COMMAND_EXECUTING", "executing a command"},
	StatusReady:            {"READY", "idle and ready"},
	StatusPaused:           {"PAUSED", "paused"},
	StatusCharging:         {"CHARGING", "charging"},
	StatusFault:            {"FAULT", "fault, needs attention"},
	StatusSleeping:         {"SLEEPING", "sleeping"},
	StatusNodeStandby:      {"NODE_STANDBY", "standing by at a node"},
}

// Describe returns the status name and a human description.
func (s CarStatus) Describe() (name, description string) {
	if info, ok := carStatusInfo[s]; ok {
		return info[0], info[1]
	}
	return fmt.Sprintf("UNKNOWN_%d", uint8(s)), "unknown status"
}

func (s CarStatus) String() string {
	name, _ := s.Describe()
	return name
}

// CommandID selects an immediate command.
type CommandID uint8

const (
	CmdUpdateLocation CommandID = 0x50
	CmdEmergencyStop  CommandID = 0x81
	CmdPause          CommandID = 0x82
	CmdResume         CommandID = 0x83
	CmdClearError     CommandID = 0x84
	CmdTaskConfirm    CommandID = 0x90
)

// Fixed command numbers.
const (
	CmdNoTaskConfirm   uint8 = 0x2C
	CmdNoEmergencyStop uint8 = 0xFF
)

func (c CommandID) String() string {
	switch c {
	case CmdUpdateLocation:
		return "update_location"
	case CmdEmergencyStop:
		return "emergency_stop"
	case CmdPause:
		return "pause"
	case CmdResume:
		return "resume"
	case CmdClearError:
		return "clear_error"
	case CmdTaskConfirm:
		return "task_confirm"
	default:
		return fmt.Sprintf("cmd(0x%02X)", uint8(c))
	}
}

// ResultCode is the shuttle's error/result code. Zero is success.
type ResultCode uint16

const (
	ResultOK                ResultCode = 0
	ResultChargeFailed      ResultCode = 3001
	ResultBatteryTempHigh   ResultCode = 3002
	ResultTaskRejected      ResultCode = 3101
	ResultSegmentInvalid    ResultCode = 3102
	ResultKCSNoResult       ResultCode = 4161
	ResultLimitSwitch       ResultCode = 8404
	ResultPalletAhead       ResultCode = 12456
	ResultObstacleAhead     ResultCode = 12457
	ResultDriveTotalTimeout ResultCode = 12462
)

// CriticalThreshold is the lowest code that requires an emergency stop.
const CriticalThreshold ResultCode = 4000

type codeInfo struct {
	name, description, solution string
}

var resultInfo = map[ResultCode]codeInfo{
	ResultOK:                {"OK", "success", ""},
	ResultChargeFailed:      {"CHARGE_FAILED", "charge failed", "check charger contacts and retry"},
	ResultBatteryTempHigh:   {"BATTERY_TEMP_HIGH", "battery temperature high", "let the battery cool before resuming"},
	ResultTaskRejected:      {"TASK_REJECTED", "task rejected by shuttle", "check the shuttle state and resend"},
	ResultSegmentInvalid:    {"SEGMENT_INVALID", "task segment invalid", "verify the path against the map"},
	ResultKCSNoResult:       {"KCS_NO_RESULT", "position code reader returned no result", "check the floor code under the shuttle and update its location"},
	ResultLimitSwitch:       {"LIMIT_SWITCH", "limit switch hit", "inspect the track end and reset the shuttle"},
	ResultPalletAhead:       {"PALLET_AHEAD", "pallet ahead", "clear the path and resume"},
	ResultObstacleAhead:     {"OBSTACLE_AHEAD", "obstacle ahead", "remove the obstacle and resume"},
	ResultDriveTotalTimeout: {"DRIVE_TOTAL_TIMEOUT", "drive total timeout", "check drive motor and track, then reset"},
}

// Describe returns the code's name, description and suggested solution.
func (c ResultCode) Describe() (name, description, solution string) {
	if info, ok := resultInfo[c]; ok {
		return info.name, info.description, info.solution
	}
	return fmt.Sprintf("CODE_%d", uint16(c)), "unknown error code", "consult the shuttle manual"
}

func (c ResultCode) String() string {
	name, _, _ := c.Describe()
	return name
}

// IsCritical reports whether the code mandates an emergency stop.
func (c ResultCode) IsCritical() bool {
	return c >= CriticalThreshold
}

// LocationValid is false for codes that mean the shuttle could not read
// its own position, in which case the reported coordinates are stale.
func (c ResultCode) LocationValid() bool {
	return c != ResultKCSNoResult
}
