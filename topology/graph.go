package topology

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Graph is the immutable warehouse map: cells and the shuttle moves
// permitted between them.
type Graph struct {
	nodes []Coord
	adj   map[Coord][]Coord
	kinds map[Coord]Kind
}

type mapFile struct {
	Nodes   []string    `json:"nodes"`
	Edges   [][2]string `json:"edges"`
	Highway []string    `json:"highway,omitempty"`
	Lift    []string    `json:"lift,omitempty"`
}

// LoadMap reads a map file. See ParseMap.
func LoadMap(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read map: %w", err)
	}
	return ParseMap(data)
}

// ParseMap decodes {"nodes": [...], "edges": [[a,b],...]}. When the
// optional "highway" and "lift" lists are absent, cells with x=4 are
// highway and (6,3,z) cells are lift.
func ParseMap(data []byte) (*Graph, error) {
	var mf mapFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("decode map: %w", err)
	}
	nodes := make([]Coord, 0, len(mf.Nodes))
	for _, n := range mf.Nodes {
		c, err := ParseCoord(n)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, c)
	}
	edges := make([][2]Coord, 0, len(mf.Edges))
	for _, e := range mf.Edges {
		a, err := ParseCoord(e[0])
		if err != nil {
			return nil, err
		}
		b, err := ParseCoord(e[1])
		if err != nil {
			return nil, err
		}
		edges = append(edges, [2]Coord{a, b})
	}
	highway, err := parseList(mf.Highway)
	if err != nil {
		return nil, err
	}
	lift, err := parseList(mf.Lift)
	if err != nil {
		return nil, err
	}
	return New(nodes, edges, highway, lift)
}

func parseList(names []string) ([]Coord, error) {
	if names == nil {
		return nil, nil
	}
	out := make([]Coord, 0, len(names))
	for _, n := range names {
		c, err := ParseCoord(n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// New builds a graph. Nil highway/lift lists select the default layout.
func New(nodes []Coord, edges [][2]Coord, highway, lift []Coord) (*Graph, error) {
	g := &Graph{
		adj:   make(map[Coord][]Coord, len(nodes)),
		kinds: make(map[Coord]Kind, len(nodes)),
	}
	for _, n := range nodes {
		if _, dup := g.adj[n]; dup {
			continue
		}
		g.adj[n] = nil
		g.nodes = append(g.nodes, n)
	}
	sort.Slice(g.nodes, func(i, j int) bool { return g.nodes[i].Less(g.nodes[j]) })

	for _, e := range edges {
		a, b := e[0], e[1]
		if !g.Has(a) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, a)
		}
		if !g.Has(b) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, b)
		}
		if a == b || contains(g.adj[a], b) {
			continue
		}
		g.adj[a] = append(g.adj[a], b)
		g.adj[b] = append(g.adj[b], a)
	}
	for n := range g.adj {
		nb := g.adj[n]
		sort.Slice(nb, func(i, j int) bool { return nb[i].Less(nb[j]) })
	}

	if highway == nil {
		for _, n := range g.nodes {
			if n.X == HighwayX {
				g.kinds[n] = KindHighway
			}
		}
	} else {
		for _, n := range highway {
			if !g.Has(n) {
				return nil, fmt.Errorf("%w: highway %s", ErrUnknownNode, n)
			}
			g.kinds[n] = KindHighway
		}
	}
	if lift == nil {
		for _, n := range g.nodes {
			if n.X == LiftX && n.Y == LiftY {
				g.kinds[n] = KindLift
			}
		}
	} else {
		for _, n := range lift {
			if !g.Has(n) {
				return nil, fmt.Errorf("%w: lift %s", ErrUnknownNode, n)
			}
			g.kinds[n] = KindLift
		}
	}
	return g, nil
}

func contains(list []Coord, c Coord) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

func (g *Graph) Has(c Coord) bool {
	_, ok := g.adj[c]
	return ok
}

// Nodes returns every cell in coordinate order.
func (g *Graph) Nodes() []Coord {
	out := make([]Coord, len(g.nodes))
	copy(out, g.nodes)
	return out
}

func (g *Graph) Neighbors(c Coord) []Coord {
	return g.adj[c]
}

// Kind reports the static role of c; unknown cells report storage.
func (g *Graph) Kind(c Coord) Kind {
	return g.kinds[c]
}

// InitialStatus is the status a cell gets when inventory is rebuilt.
func (g *Graph) InitialStatus(c Coord) Status {
	switch g.Kind(c) {
	case KindHighway:
		return StatusHighway
	case KindLift:
		return StatusLift
	default:
		return StatusFree
	}
}

// Storeys returns the distinct z values present in the map.
func (g *Graph) Storeys() []int {
	seen := make(map[int]bool)
	var out []int
	for _, n := range g.nodes {
		if !seen[n.Z] {
			seen[n.Z] = true
			out = append(out, n.Z)
		}
	}
	sort.Ints(out)
	return out
}

func (g *Graph) check(c Coord) error {
	if !g.Has(c) {
		return fmt.Errorf("%w: %s", ErrUnknownNode, c)
	}
	return nil
}
