// Package sim is an in-process TCP shuttle that speaks the frame protocol.
// It backs use_mock mode and the session and workflow tests.
package sim

import (
	"bufio"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"shuttlecore/shuttle"
	"shuttlecore/topology"
)

type Server struct {
	ln       net.Listener
	deviceID uint8
	life     shuttle.Life

	mu        sync.Mutex
	loc       topology.Coord
	status    shuttle.CarStatus
	code      shuttle.ResultCode
	battery   int
	taskNo    uint8
	segment   uint8
	reject    shuttle.ResultCode
	stepDelay time.Duration
	pending   *shuttle.TaskRequest
	gen       int
	requests  []shuttle.Request
	conns     map[net.Conn]*sync.Mutex

	wg sync.WaitGroup
}

// New creates a simulator parked at start in READY state.
func New(start topology.Coord) *Server {
	return &Server{
		deviceID:  1,
		loc:       start,
		status:    shuttle.StatusReady,
		battery:   95,
		stepDelay: 20 * time.Millisecond,
		conns:     make(map[net.Conn]*sync.Mutex),
	}
}

// Listen starts accepting connections on addr ("127.0.0.1:0" picks a port).
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	log.Printf("sim: shuttle simulator listening on %s", ln.Addr())
	return nil
}

func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.gen++
	s.mu.Unlock()
	s.wg.Wait()
}

// DropConnections closes every client connection but keeps listening.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// SetStepDelay sets how long the shuttle takes per segment.
func (s *Server) SetStepDelay(d time.Duration) {
	s.mu.Lock()
	s.stepDelay = d
	s.mu.Unlock()
}

// InjectError makes subsequent heartbeats report code.
func (s *Server) InjectError(code shuttle.ResultCode) {
	s.mu.Lock()
	s.code = code
	if code.IsCritical() {
		s.status = shuttle.StatusFault
	}
	s.mu.Unlock()
}

// RejectTasks makes task frames answer with code; zero accepts again.
func (s *Server) RejectTasks(code shuttle.ResultCode) {
	s.mu.Lock()
	s.reject = code
	s.mu.Unlock()
}

func (s *Server) SetLocation(c topology.Coord) {
	s.mu.Lock()
	s.loc = c
	s.mu.Unlock()
}

func (s *Server) Location() topology.Coord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Server) CarStatus() shuttle.CarStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Requests returns every decoded frame received so far.
func (s *Server) Requests() []shuttle.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]shuttle.Request(nil), s.requests...)
}

// Tasks returns the task frames received so far.
func (s *Server) Tasks() []*shuttle.TaskRequest {
	var out []*shuttle.TaskRequest
	for _, r := range s.Requests() {
		if t, ok := r.(*shuttle.TaskRequest); ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("sim: accept: %v", err)
			}
			return
		}
		s.mu.Lock()
		s.conns[c] = &sync.Mutex{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
	}()
	sc := bufio.NewScanner(c)
	sc.Split(shuttle.ScanFrames)
	for sc.Scan() {
		req, err := shuttle.DecodeRequest(sc.Bytes())
		if err != nil {
			log.Printf("sim: bad request: %v", err)
			continue
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()
		s.handle(c, req)
	}
}

func (s *Server) write(c net.Conn, frame []byte) {
	s.mu.Lock()
	wmu := s.conns[c]
	s.mu.Unlock()
	if wmu == nil {
		return
	}
	wmu.Lock()
	defer wmu.Unlock()
	c.SetWriteDeadline(time.Now().Add(time.Second))
	c.Write(frame)
}

func (s *Server) header() shuttle.Header {
	return shuttle.Header{DeviceID: s.deviceID, Life: s.life.Next(), Version: shuttle.ProtocolVersion}
}

func (s *Server) handle(c net.Conn, req shuttle.Request) {
	switch r := req.(type) {
	case *shuttle.HeartbeatRequest:
		s.mu.Lock()
		hb := &shuttle.Heartbeat{
			Header:     s.header(),
			Location:   s.loc,
			Status:     s.status,
			ResultCode: s.code,
			TaskNo:     s.taskNo,
			Segment:    s.segment,
			Battery:    -1,
		}
		if r.Type == shuttle.FrameHeartbeatBattery {
			hb.Battery = s.battery
		}
		s.mu.Unlock()
		s.write(c, shuttle.EncodeHeartbeat(hb))

	case *shuttle.TaskRequest:
		s.mu.Lock()
		code := s.reject
		if code == shuttle.ResultOK && s.status != shuttle.StatusReady {
			code = shuttle.ResultTaskRejected
		}
		if code == shuttle.ResultOK {
			s.pending = r
		}
		s.mu.Unlock()
		s.write(c, shuttle.EncodeTaskResponse(&shuttle.TaskResponse{Header: s.header(), TaskNo: r.TaskNo, ResultCode: code}))

	case *shuttle.CommandRequest:
		code := s.command(r)
		s.write(c, shuttle.EncodeCommandResponse(&shuttle.CommandResponse{
			Header: s.header(), CmdID: r.CmdID, CmdNo: r.CmdNo, ResultCode: code,
		}))
	}
}

func (s *Server) command(r *shuttle.CommandRequest) shuttle.ResultCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.CmdID {
	case shuttle.CmdTaskConfirm:
		if s.pending == nil || s.pending.TaskNo != r.TaskNo {
			return shuttle.ResultTaskRejected
		}
		task := s.pending
		s.pending = nil
		s.taskNo = task.TaskNo
		s.segment = 0
		s.status = shuttle.StatusTaskExecuting
		s.gen++
		s.wg.Add(1)
		go s.walk(task, s.gen, s.stepDelay)
	case shuttle.CmdUpdateLocation:
		s.loc = topology.Coord{X: int(r.Param[0]), Y: int(r.Param[1]), Z: int(r.Param[2])}
		if s.code == shuttle.ResultKCSNoResult {
			s.code = shuttle.ResultOK
		}
	case shuttle.CmdEmergencyStop:
		s.gen++
		s.status = shuttle.StatusFault
	case shuttle.CmdPause:
		s.status = shuttle.StatusPaused
	case shuttle.CmdResume, shuttle.CmdClearError:
		s.code = shuttle.ResultOK
		s.status = shuttle.StatusReady
	default:
		return shuttle.ResultTaskRejected
	}
	return shuttle.ResultOK
}

// walk moves through the task's segments one per step.
func (s *Server) walk(task *shuttle.TaskRequest, gen int, delay time.Duration) {
	defer s.wg.Done()
	for i, seg := range task.Segments {
		time.Sleep(delay)
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.loc = seg.Coord()
		s.segment = uint8(i + 1)
		s.mu.Unlock()
	}
	s.mu.Lock()
	if s.gen == gen {
		s.status = shuttle.StatusReady
	}
	s.mu.Unlock()
}
