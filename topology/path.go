package topology

import (
	"fmt"
	"sort"
)

// ShortestPath runs a breadth-first search from src to dst. Neighbours are
// visited in coordinate order so the result is deterministic.
func (g *Graph) ShortestPath(src, dst Coord) ([]Coord, error) {
	if err := g.check(src); err != nil {
		return nil, err
	}
	if err := g.check(dst); err != nil {
		return nil, err
	}
	if src == dst {
		return []Coord{src}, nil
	}

	prev := map[Coord]Coord{src: src}
	queue := []Coord{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nb := range g.adj[cur] {
			if _, seen := prev[nb]; seen {
				continue
			}
			prev[nb] = cur
			if nb == dst {
				return walkBack(prev, src, dst), nil
			}
			queue = append(queue, nb)
		}
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrNoPath, src, dst)
}

func walkBack(prev map[Coord]Coord, src, dst Coord) []Coord {
	var rev []Coord
	for c := dst; c != src; c = prev[c] {
		rev = append(rev, c)
	}
	rev = append(rev, src)
	path := make([]Coord, len(rev))
	for i, c := range rev {
		path[len(rev)-1-i] = c
	}
	return path
}

// Distances returns the hop count from src to every reachable cell.
func (g *Graph) Distances(src Coord) map[Coord]int {
	dist := map[Coord]int{src: 0}
	if !g.Has(src) {
		return dist
	}
	queue := []Coord{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nb := range g.adj[cur] {
			if _, seen := dist[nb]; seen {
				continue
			}
			dist[nb] = dist[cur] + 1
			queue = append(queue, nb)
		}
	}
	return dist
}

// CutPath splits a path wherever the travel axis changes. The turning
// cell ends one sub-path and starts the next.
func CutPath(path []Coord) [][]Coord {
	if len(path) <= 1 {
		return [][]Coord{append([]Coord(nil), path...)}
	}
	var out [][]Coord
	cur := []Coord{path[0], path[1]}
	axis := AxisOf(path[0], path[1])
	for i := 2; i < len(path); i++ {
		a := AxisOf(path[i-1], path[i])
		if a != axis {
			out = append(out, cur)
			cur = []Coord{path[i-1]}
			axis = a
		}
		cur = append(cur, path[i])
	}
	return append(out, cur)
}

// JoinPath is the inverse of CutPath.
func JoinPath(subs [][]Coord) []Coord {
	var out []Coord
	for i, s := range subs {
		if i > 0 && len(s) > 0 && len(out) > 0 && out[len(out)-1] == s[0] {
			s = s[1:]
		}
		out = append(out, s...)
	}
	return out
}

// TaskSegments turns the shortest src->dst path into shuttle segments: the
// start cell with no action, then the end of every straight run tagged
// with its axis, with the final action cleared.
func (g *Graph) TaskSegments(src, dst Coord) ([]Segment, error) {
	path, err := g.ShortestPath(src, dst)
	if err != nil {
		return nil, err
	}
	return segmentsFor(path), nil
}

func segmentsFor(path []Coord) []Segment {
	segs := []Segment{segmentAt(path[0], ActionNone)}
	for _, sub := range CutPath(path) {
		if len(sub) < 2 {
			continue
		}
		action := ActionMoveX
		if AxisOf(sub[0], sub[1]) == AxisY {
			action = ActionMoveY
		}
		segs = append(segs, segmentAt(sub[len(sub)-1], action))
	}
	segs[len(segs)-1].Action = ActionNone
	return segs
}

// PickTaskSegments is TaskSegments with a pick at the start and a place at
// the end.
func (g *Graph) PickTaskSegments(src, dst Coord) ([]Segment, error) {
	segs, err := g.TaskSegments(src, dst)
	if err != nil {
		return nil, err
	}
	if len(segs) == 1 {
		segs = append(segs, segs[0])
	}
	segs[0].Action = ActionPick
	segs[len(segs)-1].Action = ActionPlace
	return segs, nil
}

// FindBlocking returns the occupied interior cells of the src->dst path,
// nearest to src first.
func (g *Graph) FindBlocking(src, dst Coord, status StatusMap) ([]Coord, error) {
	path, err := g.ShortestPath(src, dst)
	if err != nil {
		return nil, err
	}
	return interiorOccupied(path, status), nil
}

func interiorOccupied(path []Coord, status StatusMap) []Coord {
	var out []Coord
	for i := 1; i < len(path)-1; i++ {
		if status[path[i]] == StatusOccupied {
			out = append(out, path[i])
		}
	}
	return out
}

// FindNearestFree picks the free cell off the taskSrc->taskDst path that
// is closest to movePoint and reachable from it without crossing another
// pallet. ok is false when no such cell exists.
func (g *Graph) FindNearestFree(taskSrc, taskDst, movePoint Coord, status StatusMap) (Coord, bool, error) {
	path, err := g.ShortestPath(taskSrc, taskDst)
	if err != nil {
		return Coord{}, false, err
	}
	if err := g.check(movePoint); err != nil {
		return Coord{}, false, err
	}
	onPath := make(map[Coord]bool, len(path))
	for _, c := range path {
		onPath[c] = true
	}

	dist := g.Distances(movePoint)
	var candidates []Coord
	for c, d := range dist {
		if d == 0 || onPath[c] || status[c] != StatusFree {
			continue
		}
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		di, dj := dist[candidates[i]], dist[candidates[j]]
		if di != dj {
			return di < dj
		}
		return candidates[i].Less(candidates[j])
	})

	for _, c := range candidates {
		route, err := g.ShortestPath(movePoint, c)
		if err != nil {
			continue
		}
		if len(interiorOccupied(route, status)) == 0 {
			return c, true, nil
		}
	}
	return Coord{}, false, nil
}

// FindNearestHighway returns the candidate whose x is closest to the
// highway column. The first candidate wins ties.
func FindNearestHighway(candidates []Coord) (Coord, bool) {
	if len(candidates) == 0 {
		return Coord{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if abs(c.X-HighwayX) < abs(best.X-HighwayX) {
			best = c
		}
	}
	return best, true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
