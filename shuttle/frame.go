package shuttle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/sigurn/crc16"

	"shuttlecore/topology"
)

// Frame layout:
//
//	HEADER(2)=0x02FD | DEVICE_ID(1) | LIFE(1) | VERSION_TYPE(1) |
//	PAYLOAD(n) | DATA_LENGTH(2) | CRC(2) | FOOTER(2)=0x03FC
//
// DATA_LENGTH is the total frame length. CRC is CRC-16/MODBUS over
// everything from HEADER through DATA_LENGTH. Multi-byte fields are
// big-endian.
const (
	ProtocolVersion = 1

	headerLen   = 5
	trailerLen  = 6
	minFrameLen = headerLen + trailerLen
	maxFrameLen = 2048
)

var (
	frameHeader = []byte{0x02, 0xFD}
	frameFooter = []byte{0x03, 0xFC}

	crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)
)

var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrCRCMismatch      = errors.New("crc mismatch")
)

// Header is the fixed frame prefix.
type Header struct {
	DeviceID uint8
	Life     uint8
	Version  uint8
	Type     FrameType
}

// Encode assembles a complete frame around payload.
func Encode(h Header, payload []byte) []byte {
	n := minFrameLen + len(payload)
	buf := make([]byte, 0, n)
	buf = append(buf, frameHeader...)
	buf = append(buf, h.DeviceID, h.Life, (ProtocolVersion<<4)|uint8(h.Type)&0x0F)
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(n))
	buf = binary.BigEndian.AppendUint16(buf, crc16.Checksum(buf, crcTable))
	return append(buf, frameFooter...)
}

// split validates a frame and returns its header and payload.
func split(frame []byte) (Header, []byte, error) {
	if len(frame) < minFrameLen {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(frame))
	}
	if !bytes.Equal(frame[:2], frameHeader) || !bytes.Equal(frame[len(frame)-2:], frameFooter) {
		return Header{}, nil, fmt.Errorf("%w: bad header or footer", ErrMalformedFrame)
	}
	n := len(frame)
	if declared := int(binary.BigEndian.Uint16(frame[n-6 : n-4])); declared != n {
		return Header{}, nil, fmt.Errorf("%w: length field %d, frame %d", ErrMalformedFrame, declared, n)
	}
	if want, got := crc16.Checksum(frame[:n-4], crcTable), binary.BigEndian.Uint16(frame[n-4:n-2]); want != got {
		return Header{}, nil, fmt.Errorf("%w: want %04X got %04X", ErrCRCMismatch, want, got)
	}
	h := Header{
		DeviceID: frame[2],
		Life:     frame[3],
		Version:  frame[4] >> 4,
		Type:     FrameType(frame[4] & 0x0F),
	}
	return h, frame[headerLen : n-trailerLen], nil
}

// ScanFrames is a bufio.SplitFunc that yields complete, CRC-valid frames
// from a byte stream and skips anything between them.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, frameHeader)
	if start < 0 {
		if !atEOF && len(data) > 0 && data[len(data)-1] == frameHeader[0] {
			return len(data) - 1, nil, nil
		}
		return len(data), nil, nil
	}
	if start > 0 {
		return start, nil, nil
	}
	if end := frameEnd(data); end > 0 {
		return end, data[:end], nil
	}
	if len(data) >= maxFrameLen || atEOF {
		// no valid frame can start here
		return 1, nil, nil
	}
	// A corrupted frame must not hide a good one behind it.
	if next := bytes.Index(data[1:], frameHeader); next >= 0 && frameEnd(data[next+1:]) > 0 {
		return next + 1, nil, nil
	}
	return 0, nil, nil
}

// frameEnd returns the length of the valid frame at the start of data, or 0.
func frameEnd(data []byte) int {
	for end := minFrameLen; end <= len(data) && end <= maxFrameLen; end++ {
		if data[end-2] != frameFooter[0] || data[end-1] != frameFooter[1] {
			continue
		}
		if _, _, err := split(data[:end]); err == nil {
			return end
		}
	}
	return 0
}

// Life is the per-connection lifecycle counter, cycling 1..255.
type Life struct {
	mu sync.Mutex
	n  uint8
}

func (l *Life) Next() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.n++
	if l.n == 0 {
		l.n = 1
	}
	return l.n
}

// SegmentCount is the segment count the shuttle expects in a task frame:
// every action-bearing segment counts twice.
func SegmentCount(segs []topology.Segment) int {
	n := len(segs)
	for _, s := range segs {
		if s.Action != topology.ActionNone {
			n++
		}
	}
	return n
}

// Builder produces outbound request frames for one shuttle.
type Builder struct {
	DeviceID uint8
	life     Life
}

func NewBuilder(deviceID uint8) *Builder {
	return &Builder{DeviceID: deviceID}
}

func (b *Builder) header(t FrameType) Header {
	return Header{DeviceID: b.DeviceID, Life: b.life.Next(), Version: ProtocolVersion, Type: t}
}

func (b *Builder) Heartbeat() []byte {
	return Encode(b.header(FrameHeartbeat), nil)
}

func (b *Builder) HeartbeatWithBattery() []byte {
	return Encode(b.header(FrameHeartbeatBattery), nil)
}

// Task encodes task_no, the segment count and every segment.
func (b *Builder) Task(taskNo uint8, segs []topology.Segment) ([]byte, error) {
	if len(segs) == 0 {
		return nil, fmt.Errorf("task %d: no segments", taskNo)
	}
	count := SegmentCount(segs)
	if count > 255 {
		return nil, fmt.Errorf("task %d: %d segments exceed frame limit", taskNo, count)
	}
	payload := make([]byte, 0, 2+4*len(segs))
	payload = append(payload, taskNo, uint8(count))
	for _, s := range segs {
		payload = append(payload, uint8(s.X), uint8(s.Y), uint8(s.Z), uint8(s.Action))
	}
	return Encode(b.header(FrameTask), payload), nil
}

func (b *Builder) Command(cmd CommandID, cmdNo, taskNo uint8, param [4]byte) []byte {
	payload := []byte{uint8(cmd), cmdNo, taskNo, param[0], param[1], param[2], param[3]}
	return Encode(b.header(FrameCommand), payload)
}

// TaskConfirm tells the shuttle to start the task it has just accepted.
func (b *Builder) TaskConfirm(taskNo uint8, segs []topology.Segment) []byte {
	return b.Command(CmdTaskConfirm, CmdNoTaskConfirm, taskNo, [4]byte{0, 0, 0, uint8(SegmentCount(segs))})
}

func (b *Builder) UpdateLocation(cmdNo uint8, c topology.Coord) []byte {
	return b.Command(CmdUpdateLocation, cmdNo, 0, [4]byte{uint8(c.X), uint8(c.Y), uint8(c.Z), 0})
}

func (b *Builder) EmergencyStop() []byte {
	return b.Command(CmdEmergencyStop, CmdNoEmergencyStop, 0, [4]byte{})
}
