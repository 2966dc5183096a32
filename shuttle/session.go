package shuttle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"shuttlecore/topology"
)

var (
	ErrTaskInFlight    = errors.New("shuttle task already in flight")
	ErrTaskRejected    = errors.New("shuttle rejected task")
	ErrCommandRejected = errors.New("shuttle rejected command")
	ErrNotConnected    = errors.New("shuttle not connected")
)

// CriticalError reports a result code at or above CriticalThreshold.
type CriticalError struct {
	Code ResultCode
}

func (e *CriticalError) Error() string {
	_, desc, _ := e.Code.Describe()
	return fmt.Sprintf("shuttle critical error %d: %s", uint16(e.Code), desc)
}

// Status is the latest heartbeat-derived view of the shuttle.
type Status struct {
	Connected    bool           `json:"connected"`
	Location     topology.Coord `json:"location"`
	CarStatus    CarStatus      `json:"car_status"`
	StatusName   string         `json:"status_name"`
	Battery      int            `json:"battery"`
	TaskNo       uint8          `json:"task_no"`
	Segment      uint8          `json:"segment"`
	ResultCode   ResultCode     `json:"result_code"`
	ErrorName    string         `json:"error_name,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Solution     string         `json:"solution,omitempty"`
	LastUpdate   time.Time      `json:"last_update"`
}

// Emitter receives session notifications.
type Emitter interface {
	EmitShuttleStatus(st Status)
	EmitShuttleCritical(code ResultCode, description string)
	EmitShuttleConnection(connected bool, detail string)
}

type Options struct {
	Addr              string
	DeviceID          uint8
	HeartbeatInterval time.Duration
	BatteryEvery      int
	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
}

// link is one attached transport and the loops bound to it.
type link struct {
	t    Transport
	done chan struct{}
	once sync.Once
	err  error
}

func (l *link) stop(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
		l.t.Close()
	})
}

// Session owns the connection to one shuttle: heartbeats, response
// routing and the status snapshot.
type Session struct {
	opts    Options
	builder *Builder
	emitter Emitter

	sendMu sync.Mutex

	mu          sync.Mutex
	link        *link
	status      Status
	changed     chan struct{}
	taskWaiters map[uint8]chan *TaskResponse
	cmdWaiters  map[uint8]chan *CommandResponse
	latched     bool
	onCritical  func(ResultCode)
	heartbeats  int

	inFlight atomic.Bool
	cmdNo    Life
	wg       sync.WaitGroup
}

func NewSession(opts Options, emitter Emitter) *Session {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 600 * time.Millisecond
	}
	if opts.BatteryEvery <= 0 {
		opts.BatteryEvery = 5
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	return &Session{
		opts:        opts,
		builder:     NewBuilder(opts.DeviceID),
		emitter:     emitter,
		changed:     make(chan struct{}),
		taskWaiters: make(map[uint8]chan *TaskResponse),
		cmdWaiters:  make(map[uint8]chan *CommandResponse),
		status:      Status{Battery: -1},
	}
}

// OnCritical registers the hook run after the emergency stop is sent.
func (s *Session) OnCritical(fn func(ResultCode)) {
	s.mu.Lock()
	s.onCritical = fn
	s.mu.Unlock()
}

// Open dials the shuttle and starts the background loops.
func (s *Session) Open(ctx context.Context) error {
	conn, err := Dial(ctx, s.opts.Addr, s.opts.ConnectTimeout)
	if err != nil {
		return err
	}
	s.Attach(conn)
	log.Printf("shuttle: connected to %s", s.opts.Addr)
	return nil
}

// Attach starts the heartbeat and receive loops on t, replacing any
// previous transport.
func (s *Session) Attach(t Transport) {
	l := &link{t: t, done: make(chan struct{})}
	s.mu.Lock()
	old := s.link
	s.link = l
	s.heartbeats = 0
	s.status.Connected = true
	s.broadcastLocked()
	s.mu.Unlock()
	if old != nil {
		old.stop(ErrClosed)
	}

	s.wg.Add(2)
	go s.heartbeatLoop(l)
	go s.recvLoop(l)
	if s.emitter != nil {
		s.emitter.EmitShuttleConnection(true, s.opts.Addr)
	}
}

// Close stops the loops and closes the transport. Safe to call repeatedly.
func (s *Session) Close() {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l != nil {
		l.stop(ErrClosed)
	}
	s.wg.Wait()
	s.mu.Lock()
	if s.link == l {
		s.status.Connected = false
		s.broadcastLocked()
	}
	s.mu.Unlock()
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link != nil && s.status.Connected
}

// Status returns a copy of the snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) heartbeatLoop(l *link) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		s.heartbeats++
		battery := s.heartbeats%s.opts.BatteryEvery == 0
		s.mu.Unlock()

		frame := s.builder.Heartbeat()
		if battery {
			frame = s.builder.HeartbeatWithBattery()
		}
		if err := s.sendOn(l, frame); err != nil {
			s.drop(l, err)
			return
		}
		select {
		case <-l.done:
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) recvLoop(l *link) {
	defer s.wg.Done()
	for {
		frame, err := l.t.Recv(s.opts.HeartbeatInterval * 10)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				log.Printf("shuttle: no frames from %s for %v", s.opts.Addr, s.opts.HeartbeatInterval*10)
				continue
			}
			s.drop(l, err)
			return
		}
		s.HandleMessage(Parse(frame))
	}
}

// drop tears down l after a transport failure.
func (s *Session) drop(l *link, err error) {
	select {
	case <-l.done:
		return
	default:
	}
	l.stop(err)
	s.mu.Lock()
	current := s.link == l
	if current {
		s.status.Connected = false
		s.broadcastLocked()
	}
	s.mu.Unlock()
	if current {
		log.Printf("shuttle: connection to %s lost: %v", s.opts.Addr, err)
		if s.emitter != nil {
			s.emitter.EmitShuttleConnection(false, err.Error())
		}
	}
}

func (s *Session) current() (*link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return nil, ErrNotConnected
	}
	select {
	case <-s.link.done:
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, s.link.err)
	default:
	}
	return s.link, nil
}

func (s *Session) send(frame []byte) error {
	l, err := s.current()
	if err != nil {
		return err
	}
	if err := s.sendOn(l, frame); err != nil {
		s.drop(l, err)
		return err
	}
	return nil
}

func (s *Session) sendOn(l *link, frame []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return l.t.Send(frame)
}

// HandleMessage ingests one parsed frame. Critical result codes send the
// emergency stop before anything else sees them.
func (s *Session) HandleMessage(msg Message) {
	switch m := msg.(type) {
	case *Heartbeat:
		s.checkCritical(m.ResultCode)
		s.applyHeartbeat(m)
	case *TaskResponse:
		s.checkCritical(m.ResultCode)
		s.mu.Lock()
		ch := s.taskWaiters[m.TaskNo]
		s.mu.Unlock()
		if ch == nil {
			log.Printf("shuttle: unsolicited task response for task %d (code %d)", m.TaskNo, m.ResultCode)
			return
		}
		select {
		case ch <- m:
		default:
		}
	case *CommandResponse:
		s.checkCritical(m.ResultCode)
		s.mu.Lock()
		ch := s.cmdWaiters[m.CmdNo]
		s.mu.Unlock()
		if ch == nil {
			return
		}
		select {
		case ch <- m:
		default:
		}
	case *Malformed:
		log.Printf("shuttle: dropping frame: %v", m.Err)
	}
}

func (s *Session) checkCritical(code ResultCode) {
	s.mu.Lock()
	if !code.IsCritical() {
		if code == ResultOK {
			s.latched = false
		}
		s.mu.Unlock()
		return
	}
	if s.latched {
		s.mu.Unlock()
		return
	}
	s.latched = true
	hook := s.onCritical
	s.mu.Unlock()

	_, desc, _ := code.Describe()
	log.Printf("shuttle: critical error %d (%s), sending emergency stop", uint16(code), desc)
	if err := s.EmergencyStop(); err != nil {
		log.Printf("shuttle: emergency stop send failed: %v", err)
	}
	if s.emitter != nil {
		s.emitter.EmitShuttleCritical(code, desc)
	}
	if hook != nil {
		hook(code)
	}
}

func (s *Session) applyHeartbeat(hb *Heartbeat) {
	s.mu.Lock()
	prev := s.status
	st := &s.status
	if hb.ResultCode.LocationValid() {
		st.Location = hb.Location
	}
	st.CarStatus = hb.Status
	st.StatusName = hb.Status.String()
	if hb.Battery >= 0 {
		st.Battery = hb.Battery
	}
	st.TaskNo = hb.TaskNo
	st.Segment = hb.Segment
	st.ResultCode = hb.ResultCode
	if hb.ResultCode != ResultOK {
		st.ErrorName, st.ErrorMessage, st.Solution = hb.ResultCode.Describe()
	} else {
		st.ErrorName, st.ErrorMessage, st.Solution = "", "", ""
	}
	st.LastUpdate = time.Now()
	snapshot := *st
	s.broadcastLocked()
	s.mu.Unlock()

	if s.emitter != nil && statusChanged(prev, snapshot) {
		s.emitter.EmitShuttleStatus(snapshot)
	}
}

func statusChanged(a, b Status) bool {
	return a.Location != b.Location || a.CarStatus != b.CarStatus || a.Battery != b.Battery ||
		a.ResultCode != b.ResultCode || a.TaskNo != b.TaskNo || a.Segment != b.Segment ||
		a.Connected != b.Connected
}

func (s *Session) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// WaitFor blocks until pred accepts the snapshot, pred fails, the
// connection drops or ctx ends.
func (s *Session) WaitFor(ctx context.Context, what string, pred func(Status) (bool, error)) error {
	for {
		s.mu.Lock()
		st := s.status
		ch := s.changed
		l := s.link
		s.mu.Unlock()

		if ok, err := pred(st); err != nil {
			return err
		} else if ok {
			return nil
		}
		var done <-chan struct{}
		if l != nil {
			done = l.done
		}
		select {
		case <-ch:
		case <-done:
			return fmt.Errorf("%w while waiting for %s", ErrDisconnected, what)
		case <-ctx.Done():
			return ctxErr(ctx, what)
		}
	}
}

func ctxErr(ctx context.Context, what string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, what)
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

// ExecuteTask sends a task, confirms it and waits until the shuttle
// reports READY at the last segment. Only one task may be outstanding.
func (s *Session) ExecuteTask(ctx context.Context, taskNo uint8, segs []topology.Segment) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrTaskInFlight
	}
	defer s.inFlight.Store(false)

	frame, err := s.builder.Task(taskNo, segs)
	if err != nil {
		return err
	}
	ch := make(chan *TaskResponse, 1)
	s.mu.Lock()
	s.taskWaiters[taskNo] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.taskWaiters, taskNo)
		s.mu.Unlock()
	}()

	if err := s.send(frame); err != nil {
		return err
	}
	resp, err := waitResponse(ctx, s, ch, s.opts.CommandTimeout, fmt.Sprintf("task %d response", taskNo))
	if err != nil {
		return err
	}
	if resp.ResultCode != ResultOK {
		if resp.ResultCode.IsCritical() {
			return &CriticalError{Code: resp.ResultCode}
		}
		return fmt.Errorf("%w: task %d: %s", ErrTaskRejected, taskNo, resp.ResultCode)
	}

	if _, err := s.command(ctx, CmdNoTaskConfirm, s.builder.TaskConfirm(taskNo, segs)); err != nil {
		return fmt.Errorf("confirm task %d: %w", taskNo, err)
	}

	// A READY snapshot from before the confirm says nothing about this task.
	// Arrival counts only once a heartbeat has carried our task number or
	// shown the shuttle busy.
	last := segs[len(segs)-1].Coord()
	started := false
	return s.WaitFor(ctx, fmt.Sprintf("task %d arrival at %s", taskNo, last), func(st Status) (bool, error) {
		if st.ResultCode.IsCritical() {
			return false, &CriticalError{Code: st.ResultCode}
		}
		if st.CarStatus == StatusFault {
			return false, fmt.Errorf("task %d: shuttle fault (code %d)", taskNo, st.ResultCode)
		}
		if st.TaskNo == taskNo || st.CarStatus != StatusReady {
			started = true
		}
		return started && st.Location == last && st.CarStatus == StatusReady, nil
	})
}

// TaskInFlight reports whether a task is outstanding.
func (s *Session) TaskInFlight() bool { return s.inFlight.Load() }

// Command sends an immediate command and waits for its response.
func (s *Session) Command(ctx context.Context, cmd CommandID, taskNo uint8, param [4]byte) (*CommandResponse, error) {
	no := s.nextCmdNo()
	return s.command(ctx, no, s.builder.Command(cmd, no, taskNo, param))
}

func (s *Session) command(ctx context.Context, cmdNo uint8, frame []byte) (*CommandResponse, error) {
	ch := make(chan *CommandResponse, 1)
	s.mu.Lock()
	s.cmdWaiters[cmdNo] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cmdWaiters, cmdNo)
		s.mu.Unlock()
	}()

	if err := s.send(frame); err != nil {
		return nil, err
	}
	resp, err := waitResponse(ctx, s, ch, s.opts.CommandTimeout, fmt.Sprintf("command %d response", cmdNo))
	if err != nil {
		return nil, err
	}
	if resp.ResultCode != ResultOK {
		if resp.ResultCode.IsCritical() {
			return resp, &CriticalError{Code: resp.ResultCode}
		}
		return resp, fmt.Errorf("%w: %s: %s", ErrCommandRejected, resp.CmdID, resp.ResultCode)
	}
	return resp, nil
}

func (s *Session) nextCmdNo() uint8 {
	for {
		n := s.cmdNo.Next()
		if n != CmdNoTaskConfirm && n != CmdNoEmergencyStop {
			return n
		}
	}
}

func waitResponse[T any](ctx context.Context, s *Session, ch chan T, timeout time.Duration, what string) (T, error) {
	var zero T
	l, err := s.current()
	if err != nil {
		return zero, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v, nil
	case <-timer.C:
		return zero, fmt.Errorf("%w: %s", ErrTimeout, what)
	case <-l.done:
		return zero, fmt.Errorf("%w while waiting for %s", ErrDisconnected, what)
	case <-ctx.Done():
		return zero, ctxErr(ctx, what)
	}
}

// UpdateLocation overwrites the shuttle's notion of its own position.
func (s *Session) UpdateLocation(ctx context.Context, c topology.Coord) error {
	no := s.nextCmdNo()
	if _, err := s.command(ctx, no, s.builder.UpdateLocation(no, c)); err != nil {
		return err
	}
	s.mu.Lock()
	s.status.Location = c
	s.broadcastLocked()
	s.mu.Unlock()
	return nil
}

// EmergencyStop sends the stop frame without waiting for a response.
func (s *Session) EmergencyStop() error {
	return s.send(s.builder.EmergencyStop())
}
