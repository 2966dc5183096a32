package plc

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"time"
)

// Storey is the 16-bit destination code written to lift and conveyor
// target words.
type Storey uint16

const (
	StoreyNone Storey = 0
	StoreyLift Storey = 100
	StoreyGate Storey = 200
)

// Layer returns the code for storey n.
func Layer(n int) Storey { return Storey(n) }

type TaskType uint16

const (
	TaskIdle  TaskType = 1
	TaskCar   TaskType = 2
	TaskCargo TaskType = 3
)

// Conveyor identifies a conveyor section by its plant number: 1010 entry,
// 1020 exit, 1030..1060 the per-storey transfer of storeys 1..4.
type Conveyor int

const (
	ConveyorEntry Conveyor = 1010
	ConveyorExit  Conveyor = 1020
)

// StoreyConveyor returns the transfer conveyor serving storey z.
func StoreyConveyor(z int) Conveyor { return Conveyor(1020 + 10*z) }

func (c Conveyor) storey() bool { return c >= 1030 }

// Layout is where the lift's signals live in the status and command DBs.
type Layout struct {
	StatusDB  int
	CommandDB int

	Running      Bit
	Idle         Bit
	NoCargo      Bit
	HasCar       Bit
	HasCargo     Bit
	PalletReady  Bit // platform_pallet_ready_1020
	FloorArrived Bit
	CurrentLayer int // word

	TaskType      int // word; task_type, task_number and target_layer are contiguous
	TaskNumber    int
	TargetLayer   int
	TargetArrived Bit
	PickComplete  Bit
	PlaceComplete Bit

	FeedInProgress map[Conveyor]Bit
	FeedComplete   map[Conveyor]Bit
	Targets        map[Conveyor]int // word offsets
}

// DefaultLayout is the DB layout of the installed lift program.
func DefaultLayout(statusDB, commandDB int) Layout {
	l := Layout{
		StatusDB:     statusDB,
		CommandDB:    commandDB,
		Running:      Bit{0, 0},
		Idle:         Bit{0, 1},
		NoCargo:      Bit{0, 2},
		HasCar:       Bit{0, 3},
		HasCargo:     Bit{0, 4},
		PalletReady:  Bit{0, 5},
		FloorArrived: Bit{0, 6},
		CurrentLayer: 2,

		TaskType:      0,
		TaskNumber:    2,
		TargetLayer:   4,
		TargetArrived: Bit{6, 0},
		PickComplete:  Bit{10, 0},
		PlaceComplete: Bit{10, 1},

		FeedInProgress: map[Conveyor]Bit{ConveyorEntry: {8, 0}},
		FeedComplete:   map[Conveyor]Bit{ConveyorEntry: {9, 0}, ConveyorExit: {9, 1}},
		Targets:        map[Conveyor]int{ConveyorEntry: 12, ConveyorExit: 14},
	}
	for z := 1; z <= 4; z++ {
		conv := StoreyConveyor(z)
		l.FeedInProgress[conv] = Bit{8, z + 1}
		l.FeedComplete[conv] = Bit{9, z + 1}
		l.Targets[conv] = 14 + 2*z
	}
	return l
}

// LiftStatus is one read of the status DB.
type LiftStatus struct {
	Running      bool `json:"running"`
	Idle         bool `json:"idle"`
	NoCargo      bool `json:"no_cargo"`
	HasCar       bool `json:"has_car"`
	HasCargo     bool `json:"has_cargo"`
	PalletReady  bool `json:"platform_pallet_ready_1020"`
	FloorArrived bool `json:"floor_arrived"`
	CurrentLayer int  `json:"current_layer"`
}

// Empty reports whether the lift is parked with nothing aboard.
func (s LiftStatus) Empty() bool {
	return !s.Running && s.Idle && s.NoCargo && !s.HasCar && !s.HasCargo
}

// Lift drives the lift program through its DBs.
type Lift struct {
	c    *Client
	l    Layout
	hold time.Duration

	// StoreyTargets enables the per-storey target words.
	StoreyTargets bool
}

func NewLift(c *Client, layout Layout, pulseHold time.Duration) *Lift {
	return &Lift{c: c, l: layout, hold: pulseHold}
}

func (f *Lift) Client() *Client { return f.c }
func (f *Lift) Layout() Layout  { return f.l }

func (f *Lift) Status(ctx context.Context) (LiftStatus, error) {
	l := f.l
	end := l.CurrentLayer + 2
	for _, b := range []Bit{l.Running, l.Idle, l.NoCargo, l.HasCar, l.HasCargo, l.PalletReady, l.FloorArrived} {
		if b.Byte+1 > end {
			end = b.Byte + 1
		}
	}
	buf, err := f.c.ReadDB(ctx, l.StatusDB, 0, end)
	if err != nil {
		return LiftStatus{}, err
	}
	bit := func(b Bit) bool { return buf[b.Byte]&(1<<b.Bit) != 0 }
	return LiftStatus{
		Running:      bit(l.Running),
		Idle:         bit(l.Idle),
		NoCargo:      bit(l.NoCargo),
		HasCar:       bit(l.HasCar),
		HasCargo:     bit(l.HasCargo),
		PalletReady:  bit(l.PalletReady),
		FloorArrived: bit(l.FloorArrived),
		CurrentLayer: int(binary.BigEndian.Uint16(buf[l.CurrentLayer:])),
	}, nil
}

// Move writes task type, task number and target layer in one write.
func (f *Lift) Move(ctx context.Context, tt TaskType, taskNo uint16, target Storey) error {
	if f.l.TaskNumber != f.l.TaskType+2 || f.l.TargetLayer != f.l.TaskType+4 {
		for _, w := range []struct {
			off int
			v   uint16
		}{{f.l.TaskType, uint16(tt)}, {f.l.TaskNumber, taskNo}, {f.l.TargetLayer, uint16(target)}} {
			if err := f.c.WriteWord(ctx, f.l.CommandDB, w.off, w.v); err != nil {
				return err
			}
		}
		return nil
	}
	buf := make([]byte, 6)
	binary.BigEndian.PutUint16(buf[0:], uint16(tt))
	binary.BigEndian.PutUint16(buf[2:], taskNo)
	binary.BigEndian.PutUint16(buf[4:], uint16(target))
	log.Printf("plc: lift task %d type %d to %d", taskNo, tt, target)
	return f.c.WriteDB(ctx, f.l.CommandDB, f.l.TaskType, buf)
}

func (f *Lift) setBit(ctx context.Context, b Bit, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return f.c.WriteBit(ctx, f.l.CommandDB, b.String(), v, 1)
}

func (f *Lift) pulse(ctx context.Context, b Bit) error {
	if err := f.setBit(ctx, b, true); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return waitErr(ctx)
	case <-time.After(f.hold):
	}
	return f.setBit(ctx, b, false)
}

// AckArrived pulses target_layer_arrived.
func (f *Lift) AckArrived(ctx context.Context) error {
	return f.pulse(ctx, f.l.TargetArrived)
}

func (f *Lift) SetFeedInProgress(ctx context.Context, conv Conveyor, on bool) error {
	b, ok := f.l.FeedInProgress[conv]
	if !ok {
		return fmt.Errorf("no feed-in-progress bit for conveyor %d", conv)
	}
	return f.setBit(ctx, b, on)
}

func (f *Lift) SetFeedComplete(ctx context.Context, conv Conveyor, on bool) error {
	b, ok := f.l.FeedComplete[conv]
	if !ok {
		return fmt.Errorf("no feed-complete bit for conveyor %d", conv)
	}
	return f.setBit(ctx, b, on)
}

func (f *Lift) PulseFeedComplete(ctx context.Context, conv Conveyor) error {
	b, ok := f.l.FeedComplete[conv]
	if !ok {
		return fmt.Errorf("no feed-complete bit for conveyor %d", conv)
	}
	return f.pulse(ctx, b)
}

func (f *Lift) PulsePickComplete(ctx context.Context) error {
	return f.pulse(ctx, f.l.PickComplete)
}

func (f *Lift) PulsePlaceComplete(ctx context.Context) error {
	return f.pulse(ctx, f.l.PlaceComplete)
}

// SetTarget writes a conveyor's target word. Storey conveyor targets are
// skipped unless StoreyTargets is set.
func (f *Lift) SetTarget(ctx context.Context, conv Conveyor, to Storey) error {
	if conv.storey() && !f.StoreyTargets {
		return nil
	}
	off, ok := f.l.Targets[conv]
	if !ok {
		return fmt.Errorf("no target word for conveyor %d", conv)
	}
	return f.c.WriteWord(ctx, f.l.CommandDB, off, uint16(to))
}

// WaitBit polls one status DB bit until it equals on.
func (f *Lift) WaitBit(ctx context.Context, b Bit, on bool) error {
	target := 0
	if on {
		target = 1
	}
	return f.c.Watch(ctx, f.l.StatusDB, b.String(), 1, target, f.c.opts.PollInterval)
}

func (f *Lift) WaitIdle(ctx context.Context) error {
	return f.WaitBit(ctx, f.l.Idle, true)
}

// WaitArrived waits until the lift stopped at layer.
func (f *Lift) WaitArrived(ctx context.Context, layer int) error {
	return f.c.poll(ctx, f.c.opts.PollInterval, func() (bool, error) {
		st, err := f.Status(ctx)
		return err == nil && !st.Running && st.CurrentLayer == layer, err
	})
}

// WaitCargo waits until has_cargo equals present.
func (f *Lift) WaitCargo(ctx context.Context, present bool) error {
	return f.WaitBit(ctx, f.l.HasCargo, present)
}

func (f *Lift) WaitCar(ctx context.Context, present bool) error {
	return f.WaitBit(ctx, f.l.HasCar, present)
}
