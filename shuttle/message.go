package shuttle

import (
	"encoding/binary"
	"fmt"

	"shuttlecore/topology"
)

// Message is a parsed shuttle-to-host frame: *Heartbeat, *TaskResponse,
// *CommandResponse or *Malformed.
type Message interface {
	isMessage()
}

type Heartbeat struct {
	Header
	Location   topology.Coord
	Status     CarStatus
	ResultCode ResultCode
	TaskNo     uint8
	Segment    uint8
	Battery    int // percent; -1 when the frame carries none
}

type TaskResponse struct {
	Header
	TaskNo         uint8
	ResultCode     ResultCode
	CurrentSegment uint8
}

type CommandResponse struct {
	Header
	CmdID      CommandID
	CmdNo      uint8
	ResultCode ResultCode
}

type Malformed struct {
	Raw []byte
	Err error
}

func (*Heartbeat) isMessage()       {}
func (*TaskResponse) isMessage()    {}
func (*CommandResponse) isMessage() {}
func (*Malformed) isMessage()       {}

const (
	heartbeatPayloadLen = 8
	taskRespPayloadLen  = 4
	cmdRespPayloadLen   = 4
)

// Parse decodes a shuttle response frame. It never fails: invalid input
// comes back as *Malformed.
func Parse(frame []byte) Message {
	h, p, err := split(frame)
	if err != nil {
		return &Malformed{Raw: frame, Err: err}
	}
	switch h.Type {
	case FrameHeartbeat, FrameHeartbeatBattery:
		want := heartbeatPayloadLen
		if h.Type == FrameHeartbeatBattery {
			want++
		}
		if len(p) < want {
			return malformed(frame, "heartbeat payload %d bytes", len(p))
		}
		hb := &Heartbeat{
			Header:     h,
			Location:   topology.Coord{X: int(p[0]), Y: int(p[1]), Z: int(p[2])},
			Status:     CarStatus(p[3]),
			ResultCode: ResultCode(binary.BigEndian.Uint16(p[4:6])),
			TaskNo:     p[6],
			Segment:    p[7],
			Battery:    -1,
		}
		if h.Type == FrameHeartbeatBattery {
			hb.Battery = int(p[8])
		}
		return hb
	case FrameTask:
		if len(p) < taskRespPayloadLen {
			return malformed(frame, "task response payload %d bytes", len(p))
		}
		return &TaskResponse{
			Header:         h,
			TaskNo:         p[0],
			ResultCode:     ResultCode(binary.BigEndian.Uint16(p[1:3])),
			CurrentSegment: p[3],
		}
	case FrameCommand:
		if len(p) < cmdRespPayloadLen {
			return malformed(frame, "command response payload %d bytes", len(p))
		}
		return &CommandResponse{
			Header:     h,
			CmdID:      CommandID(p[0]),
			CmdNo:      p[1],
			ResultCode: ResultCode(binary.BigEndian.Uint16(p[2:4])),
		}
	default:
		return &Malformed{Raw: frame, Err: fmt.Errorf("%w: %s", ErrUnknownFrameType, h.Type)}
	}
}

func malformed(frame []byte, format string, args ...any) *Malformed {
	return &Malformed{Raw: frame, Err: fmt.Errorf("%w: "+format, append([]any{ErrMalformedFrame}, args...)...)}
}

// EncodeHeartbeat builds the shuttle side of a heartbeat exchange.
func EncodeHeartbeat(hb *Heartbeat) []byte {
	p := []byte{uint8(hb.Location.X), uint8(hb.Location.Y), uint8(hb.Location.Z), uint8(hb.Status)}
	p = binary.BigEndian.AppendUint16(p, uint16(hb.ResultCode))
	p = append(p, hb.TaskNo, hb.Segment)
	h := hb.Header
	h.Type = FrameHeartbeat
	if hb.Battery >= 0 {
		h.Type = FrameHeartbeatBattery
		p = append(p, uint8(hb.Battery))
	}
	return Encode(h, p)
}

func EncodeTaskResponse(r *TaskResponse) []byte {
	p := []byte{r.TaskNo}
	p = binary.BigEndian.AppendUint16(p, uint16(r.ResultCode))
	p = append(p, r.CurrentSegment)
	h := r.Header
	h.Type = FrameTask
	return Encode(h, p)
}

func EncodeCommandResponse(r *CommandResponse) []byte {
	p := []byte{uint8(r.CmdID), r.CmdNo}
	p = binary.BigEndian.AppendUint16(p, uint16(r.ResultCode))
	h := r.Header
	h.Type = FrameCommand
	return Encode(h, p)
}

// Request is a decoded host-to-shuttle frame: *HeartbeatRequest,
// *TaskRequest or *CommandRequest.
type Request interface {
	RequestHeader() Header
}

type HeartbeatRequest struct {
	Header
}

type TaskRequest struct {
	Header
	TaskNo   uint8
	Count    uint8
	Segments []topology.Segment
}

type CommandRequest struct {
	Header
	CmdID  CommandID
	CmdNo  uint8
	TaskNo uint8
	Param  [4]byte
}

func (r *HeartbeatRequest) RequestHeader() Header { return r.Header }
func (r *TaskRequest) RequestHeader() Header      { return r.Header }
func (r *CommandRequest) RequestHeader() Header   { return r.Header }

// DecodeRequest parses a frame produced by Builder.
func DecodeRequest(frame []byte) (Request, error) {
	h, p, err := split(frame)
	if err != nil {
		return nil, err
	}
	switch h.Type {
	case FrameHeartbeat, FrameHeartbeatBattery:
		return &HeartbeatRequest{Header: h}, nil
	case FrameTask:
		if len(p) < 2 || (len(p)-2)%4 != 0 {
			return nil, fmt.Errorf("%w: task payload %d bytes", ErrMalformedFrame, len(p))
		}
		req := &TaskRequest{Header: h, TaskNo: p[0], Count: p[1]}
		for i := 2; i < len(p); i += 4 {
			req.Segments = append(req.Segments, topology.Segment{
				X: int(p[i]), Y: int(p[i+1]), Z: int(p[i+2]), Action: topology.Action(p[i+3]),
			})
		}
		return req, nil
	case FrameCommand:
		if len(p) < 7 {
			return nil, fmt.Errorf("%w: command payload %d bytes", ErrMalformedFrame, len(p))
		}
		req := &CommandRequest{Header: h, CmdID: CommandID(p[0]), CmdNo: p[1], TaskNo: p[2]}
		copy(req.Param[:], p[3:7])
		return req, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFrameType, h.Type)
	}
}
