package plc

import (
	"encoding/binary"
	"log"
	"sync"
	"time"
)

// LiftSim animates a MockDriver like the lift program does: it reacts to
// command DB writes by moving the platform and shifting cargo.
type LiftSim struct {
	m      *MockDriver
	l      Layout
	travel time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewLiftSim parks an empty lift at storey 1 and hooks the mock's writes.
func NewLiftSim(m *MockDriver, l Layout, travel time.Duration) *LiftSim {
	s := &LiftSim{m: m, l: l, travel: travel}
	m.SetBit(l.StatusDB, l.Idle, true)
	m.SetBit(l.StatusDB, l.NoCargo, true)
	m.SetWord(l.StatusDB, l.CurrentLayer, 1)
	m.OnWrite(s.onWrite)
	return s
}

// Close waits for in-progress motions and ignores further writes.
func (s *LiftSim) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

// SetCarPresent reports whether a shuttle stands on the platform.
func (s *LiftSim) SetCarPresent(on bool) {
	s.m.SetBit(s.l.StatusDB, s.l.HasCar, on)
}

// SetCargo puts a pallet on the platform or removes it.
func (s *LiftSim) SetCargo(on bool) {
	s.m.SetBit(s.l.StatusDB, s.l.HasCargo, on)
	s.m.SetBit(s.l.StatusDB, s.l.NoCargo, !on)
}

func covers(start int, data []byte, off, width int) bool {
	return start <= off && off+width <= start+len(data)
}

func (s *LiftSim) onWrite(db, start int, data []byte) {
	if db != s.l.CommandDB {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	word := func(off int) uint16 { return binary.BigEndian.Uint16(data[off-start:]) }
	set := func(b Bit) bool {
		return covers(start, data, b.Byte, 1) && data[b.Byte-start]&(1<<b.Bit) != 0
	}

	if covers(start, data, s.l.TargetLayer, 2) {
		target := int(word(s.l.TargetLayer))
		if target >= 1 && target < int(StoreyLift) {
			s.depart()
			s.after(func() { s.arrive(target) })
		}
	}
	if covers(start, data, s.l.Targets[ConveyorEntry], 2) && Storey(word(s.l.Targets[ConveyorEntry])) == StoreyLift {
		s.after(func() { s.SetCargo(true) })
	}
	if covers(start, data, s.l.Targets[ConveyorExit], 2) && Storey(word(s.l.Targets[ConveyorExit])) == StoreyGate {
		s.after(func() {
			s.SetCargo(false)
			s.m.SetBit(s.l.StatusDB, s.l.PalletReady, true)
		})
	}
	for z := 1; z <= 4; z++ {
		if set(s.l.FeedComplete[StoreyConveyor(z)]) {
			s.after(func() { s.SetCargo(false) })
		}
	}
	if set(s.l.PlaceComplete) {
		s.after(func() { s.SetCargo(true) })
	}
	if set(s.l.PickComplete) {
		s.m.SetBit(s.l.StatusDB, s.l.PalletReady, false)
	}
}

func (s *LiftSim) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// after runs fn once the travel delay passed.
func (s *LiftSim) after(fn func()) {
	s.spawn(func() {
		time.Sleep(s.travel)
		fn()
	})
}

func (s *LiftSim) depart() {
	st := s.l.StatusDB
	s.m.SetBit(st, s.l.Running, true)
	s.m.SetBit(st, s.l.Idle, false)
	s.m.SetBit(st, s.l.FloorArrived, false)
}

func (s *LiftSim) arrive(target int) {
	st := s.l.StatusDB
	s.m.SetWord(st, s.l.CurrentLayer, uint16(target))
	s.m.SetBit(st, s.l.FloorArrived, true)
	s.m.SetBit(st, s.l.Idle, true)
	s.m.SetBit(st, s.l.Running, false)
	log.Printf("liftsim: arrived at storey %d", target)
}
