package shuttle

import (
	"bufio"
	"bytes"
	"errors"
	"reflect"
	"testing"

	"shuttlecore/topology"
)

func TestLifeWraps(t *testing.T) {
	var l Life
	for i := 1; i <= 255; i++ {
		if got := l.Next(); got != uint8(i) {
			t.Fatalf("step %d: got %d", i, got)
		}
	}
	if got := l.Next(); got != 1 {
		t.Errorf("after 255 got %d, want 1", got)
	}
}

func TestEncodeLayout(t *testing.T) {
	frame := Encode(Header{DeviceID: 7, Life: 9, Type: FrameHeartbeat}, nil)
	if len(frame) != minFrameLen {
		t.Fatalf("len = %d, want %d", len(frame), minFrameLen)
	}
	if !bytes.HasPrefix(frame, []byte{0x02, 0xFD, 7, 9, 0x10}) {
		t.Errorf("prefix = % X", frame[:5])
	}
	if !bytes.HasSuffix(frame, []byte{0x03, 0xFC}) {
		t.Errorf("suffix = % X", frame[len(frame)-2:])
	}
	if frame[5] != 0 || frame[6] != byte(minFrameLen) {
		t.Errorf("length field = % X", frame[5:7])
	}

	frame[3] ^= 0xFF
	if msg, ok := Parse(frame).(*Malformed); !ok || !errors.Is(msg.Err, ErrCRCMismatch) {
		t.Errorf("corrupted frame: %#v", Parse(frame))
	}
}

func TestBuilderRoundTrip(t *testing.T) {
	b := NewBuilder(3)
	segs := []topology.Segment{
		{X: 1, Y: 2, Z: 1, Action: topology.ActionPick},
		{X: 4, Y: 2, Z: 1, Action: topology.ActionMoveX},
		{X: 4, Y: 7, Z: 1, Action: topology.ActionMoveY},
		{X: 8, Y: 7, Z: 1, Action: topology.ActionPlace},
	}
	frame, err := b.Task(42, segs)
	if err != nil {
		t.Fatal(err)
	}
	req, err := DecodeRequest(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	task, ok := req.(*TaskRequest)
	if !ok {
		t.Fatalf("got %T", req)
	}
	if task.TaskNo != 42 || task.DeviceID != 3 || task.Life != 1 {
		t.Errorf("header/task = %+v", task)
	}
	if !reflect.DeepEqual(task.Segments, segs) {
		t.Errorf("segments = %v", task.Segments)
	}
	if task.Count != 8 {
		t.Errorf("count = %d, want 8 (4 segments + 4 actions)", task.Count)
	}

	confirm, _ := DecodeRequest(b.TaskConfirm(42, segs))
	cmd := confirm.(*CommandRequest)
	if cmd.CmdID != CmdTaskConfirm || cmd.CmdNo != CmdNoTaskConfirm || cmd.TaskNo != 42 || cmd.Param[3] != 8 {
		t.Errorf("confirm = %+v", cmd)
	}
	if cmd.Life != 2 {
		t.Errorf("life = %d, want 2", cmd.Life)
	}

	loc, _ := DecodeRequest(b.UpdateLocation(5, topology.Coord{X: 6, Y: 3, Z: 2}))
	if c := loc.(*CommandRequest); c.CmdID != CmdUpdateLocation || c.Param != [4]byte{6, 3, 2, 0} {
		t.Errorf("update location = %+v", c)
	}

	stop, _ := DecodeRequest(b.EmergencyStop())
	if c := stop.(*CommandRequest); c.CmdID != CmdEmergencyStop || c.CmdNo != CmdNoEmergencyStop {
		t.Errorf("e-stop = %+v", c)
	}

	hb, _ := DecodeRequest(b.HeartbeatWithBattery())
	if h := hb.RequestHeader(); h.Type != FrameHeartbeatBattery || h.Version != ProtocolVersion {
		t.Errorf("heartbeat header = %+v", h)
	}
}

func TestParseResponses(t *testing.T) {
	in := &Heartbeat{
		Header:     Header{DeviceID: 1, Life: 10},
		Location:   topology.Coord{X: 5, Y: 3, Z: 2},
		Status:     StatusReady,
		ResultCode: ResultOK,
		TaskNo:     9,
		Segment:    4,
		Battery:    87,
	}
	msg := Parse(EncodeHeartbeat(in))
	hb, ok := msg.(*Heartbeat)
	if !ok {
		t.Fatalf("got %#v", msg)
	}
	if hb.Location != in.Location || hb.Status != StatusReady || hb.Battery != 87 || hb.Type != FrameHeartbeatBattery {
		t.Errorf("heartbeat = %+v", hb)
	}

	in.Battery = -1
	if hb := Parse(EncodeHeartbeat(in)).(*Heartbeat); hb.Battery != -1 || hb.Type != FrameHeartbeat {
		t.Errorf("plain heartbeat = %+v", hb)
	}

	tr := Parse(EncodeTaskResponse(&TaskResponse{TaskNo: 9, ResultCode: ResultTaskRejected, CurrentSegment: 0}))
	if r, ok := tr.(*TaskResponse); !ok || r.TaskNo != 9 || r.ResultCode != ResultTaskRejected {
		t.Errorf("task response = %#v", tr)
	}

	cr := Parse(EncodeCommandResponse(&CommandResponse{CmdID: CmdEmergencyStop, CmdNo: 0xFF}))
	if r, ok := cr.(*CommandResponse); !ok || r.CmdID != CmdEmergencyStop || r.CmdNo != 0xFF {
		t.Errorf("command response = %#v", cr)
	}

	unknown := Parse(Encode(Header{Type: FrameDebug}, []byte{1, 2}))
	if m, ok := unknown.(*Malformed); !ok || !errors.Is(m.Err, ErrUnknownFrameType) {
		t.Errorf("debug frame = %#v", unknown)
	}
	short := Parse(Encode(Header{Type: FrameHeartbeat}, []byte{1, 2}))
	if m, ok := short.(*Malformed); !ok || !errors.Is(m.Err, ErrMalformedFrame) {
		t.Errorf("short heartbeat = %#v", short)
	}
}

func TestScanFrames(t *testing.T) {
	b := NewBuilder(1)
	f1 := b.Heartbeat()
	f2, _ := b.Task(1, []topology.Segment{{X: 1, Y: 1, Z: 1}, {X: 2, Y: 1, Z: 1}})
	broken := append([]byte(nil), b.Heartbeat()...)
	broken[len(broken)-3] ^= 0x55 // crc

	var stream []byte
	stream = append(stream, 0xAA, 0x03, 0xFC)
	stream = append(stream, f1...)
	stream = append(stream, broken...)
	stream = append(stream, 0x02)
	stream = append(stream, f2...)

	sc := bufio.NewScanner(bytes.NewReader(stream))
	sc.Split(ScanFrames)
	var got [][]byte
	for sc.Scan() {
		got = append(got, append([]byte(nil), sc.Bytes()...))
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !bytes.Equal(got[0], f1) || !bytes.Equal(got[1], f2) {
		t.Errorf("scanned %d frames: % X", len(got), got)
	}
}

func TestCodeTables(t *testing.T) {
	if !ResultDriveTotalTimeout.IsCritical() || ResultChargeFailed.IsCritical() {
		t.Error("critical threshold misapplied")
	}
	if ResultKCSNoResult.LocationValid() || !ResultOK.LocationValid() {
		t.Error("LocationValid misapplied")
	}
	name, desc := StatusReady.Describe()
	if name != "READY" || desc == "" {
		t.Errorf("Describe = %q %q", name, desc)
	}
	if name, _, _ := ResultCode(9999).Describe(); name != "CODE_9999" {
		t.Errorf("unknown code name = %q", name)
	}
}
