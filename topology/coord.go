package topology

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrUnknownNode       = errors.New("unknown node")
	ErrBadCoord          = errors.New("bad coordinate")
	ErrNoPath            = errors.New("no path")
	ErrNoRelocationSpace = errors.New("no relocation space")
)

// HighwayX is the x column of the through-lanes.
const HighwayX = 4

// Lift cell position on every storey, and the cell in front of it.
const (
	LiftX    = 6
	LiftY    = 3
	PreLiftX = 5
)

// Coord is a grid cell. Z is the storey.
type Coord struct {
	X, Y, Z int
}

func (c Coord) String() string {
	return fmt.Sprintf("%d,%d,%d", c.X, c.Y, c.Z)
}

// Less orders coordinates by x, then y, then z.
func (c Coord) Less(o Coord) bool {
	if c.X != o.X {
		return c.X < o.X
	}
	if c.Y != o.Y {
		return c.Y < o.Y
	}
	return c.Z < o.Z
}

func (c Coord) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Coord) UnmarshalText(b []byte) error {
	p, err := ParseCoord(string(b))
	if err != nil {
		return err
	}
	*c = p
	return nil
}

// ParseCoord parses "x,y,z". Extra trailing fields are ignored.
func ParseCoord(s string) (Coord, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) < 3 {
		return Coord{}, fmt.Errorf("%w: %q", ErrBadCoord, s)
	}
	var v [3]int
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil || n <= 0 || n > 255 {
			return Coord{}, fmt.Errorf("%w: %q", ErrBadCoord, s)
		}
		v[i] = n
	}
	return Coord{X: v[0], Y: v[1], Z: v[2]}, nil
}

// LiftCell returns the lift cell on storey z.
func LiftCell(z int) Coord { return Coord{X: LiftX, Y: LiftY, Z: z} }

// PreLiftCell returns the cell the shuttle waits on before entering the lift.
func PreLiftCell(z int) Coord { return Coord{X: PreLiftX, Y: LiftY, Z: z} }

// Axis is the dominant direction of travel between two cells.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisDiagonal
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	default:
		return "diagonal"
	}
}

// AxisOf returns x when a and b share a row, y when they share a column.
func AxisOf(a, b Coord) Axis {
	switch {
	case a.Y == b.Y:
		return AxisX
	case a.X == b.X:
		return AxisY
	default:
		return AxisDiagonal
	}
}

// Action is the per-segment operation code understood by the shuttle.
type Action uint8

const (
	ActionNone  Action = 0
	ActionPick  Action = 1
	ActionPlace Action = 2
	ActionMoveX Action = 5
	ActionMoveY Action = 6
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionPick:
		return "pick"
	case ActionPlace:
		return "place"
	case ActionMoveX:
		return "move_x"
	case ActionMoveY:
		return "move_y"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Segment is one waypoint of a shuttle task.
type Segment struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Z      int    `json:"z"`
	Action Action `json:"action"`
}

func (s Segment) Coord() Coord { return Coord{X: s.X, Y: s.Y, Z: s.Z} }

func segmentAt(c Coord, a Action) Segment {
	return Segment{X: c.X, Y: c.Y, Z: c.Z, Action: a}
}

// Kind is the static role of a cell.
type Kind int

const (
	KindStorage Kind = iota
	KindHighway
	KindLift
)

func (k Kind) String() string {
	switch k {
	case KindHighway:
		return "highway"
	case KindLift:
		return "lift"
	default:
		return "storage"
	}
}

// Status is the inventory state of a cell.
type Status string

const (
	StatusFree     Status = "free"
	StatusOccupied Status = "occupied"
	StatusHighway  Status = "highway"
	StatusLift     Status = "lift"
)

func (s Status) Valid() bool {
	switch s {
	case StatusFree, StatusOccupied, StatusHighway, StatusLift:
		return true
	}
	return false
}

// StatusMap is a point-in-time view of cell statuses.
type StatusMap map[Coord]Status
