package region

import "sort"

// Color is one of the four colors available to the region assigner.
type Color int

const (
	Red Color = iota
	Green
	Blue
	Yellow
)

func (c Color) String() string {
	switch c {
	case Red:
		return "red"
	case Green:
		return "green"
	case Blue:
		return "blue"
	case Yellow:
		return "yellow"
	default:
		return "unknown"
	}
}

var allColors = [4]Color{Red, Green, Blue, Yellow}

// adjacencyEpsilon absorbs floating point noise when comparing region
// boundaries, matching the original reference implementation's tolerance
// for "touching" faces.
const adjacencyEpsilon = 1e-6

// Assignment is the result of coloring a set of Regions.
type Assignment struct {
	Colors    map[string]Color
	Adjacency map[string][]string
	Colorable bool
}

// AssignColors builds the adjacency graph between regions and attempts a
// 4-coloring via depth-first backtracking, so that no two adjacent regions
// share a color. It returns Colorable=false if dimensions > 2, since the
// four-color theorem only guarantees colorability for planar (2-D) maps —
// spec.md §9 Open Question 3, resolved in favor of surfacing the
// inapplicability rather than pretending the guarantee still holds.
func AssignColors(regions []Region, dimensions int) Assignment {
	adjacency := buildAdjacency(regions)
	result := Assignment{
		Colors:    make(map[string]Color),
		Adjacency: adjacency,
	}

	if dimensions > 2 {
		result.Colorable = false
		return result
	}

	order := make([]string, len(regions))
	for i, r := range regions {
		order[i] = r.ID
	}
	sort.Strings(order)

	colors := make(map[string]Color)
	if tryColor(order, 0, adjacency, colors) {
		result.Colors = colors
		result.Colorable = true
		return result
	}
	result.Colorable = false
	return result
}

func buildAdjacency(regions []Region) map[string][]string {
	adjacency := make(map[string][]string, len(regions))
	for _, r := range regions {
		adjacency[r.ID] = nil
	}
	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			if regionsAdjacent(regions[i], regions[j]) {
				adjacency[regions[i].ID] = append(adjacency[regions[i].ID], regions[j].ID)
				adjacency[regions[j].ID] = append(adjacency[regions[j].ID], regions[i].ID)
			}
		}
	}
	return adjacency
}

// regionsAdjacent reports whether two axis-aligned boxes share a boundary
// face: touching (within epsilon) along exactly one axis while overlapping
// on every other axis.
func regionsAdjacent(a, b Region) bool {
	dims := len(a.Min)
	if len(b.Min) != dims {
		return false
	}

	touching := -1
	for d := 0; d < dims; d++ {
		if touchesOnAxis(a.Min[d], a.Max[d], b.Min[d], b.Max[d]) {
			if touching != -1 {
				// Touching on two axes simultaneously means the boxes only
				// share an edge/corner, not a face; not adjacent.
				return false
			}
			touching = d
			continue
		}
		if !overlapsOnAxis(a.Min[d], a.Max[d], b.Min[d], b.Max[d]) {
			return false
		}
	}
	return touching != -1
}

func touchesOnAxis(aMin, aMax, bMin, bMax float64) bool {
	return absDiff(aMax, bMin) <= adjacencyEpsilon || absDiff(bMax, aMin) <= adjacencyEpsilon
}

func overlapsOnAxis(aMin, aMax, bMin, bMax float64) bool {
	return aMin <= bMax+adjacencyEpsilon && bMin <= aMax+adjacencyEpsilon
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

func tryColor(order []string, idx int, adjacency map[string][]string, colors map[string]Color) bool {
	if idx == len(order) {
		return true
	}
	id := order[idx]
	for _, c := range allColors {
		if isColorValid(id, c, adjacency, colors) {
			colors[id] = c
			if tryColor(order, idx+1, adjacency, colors) {
				return true
			}
			delete(colors, id)
		}
	}
	return false
}

func isColorValid(id string, c Color, adjacency map[string][]string, colors map[string]Color) bool {
	for _, neighbor := range adjacency[id] {
		if nc, ok := colors[neighbor]; ok && nc == c {
			return false
		}
	}
	return true
}

// VerifyColoring reports whether the given coloring leaves no two adjacent
// regions sharing a color.
func VerifyColoring(adjacency map[string][]string, colors map[string]Color) bool {
	for id, neighbors := range adjacency {
		c, ok := colors[id]
		if !ok {
			return false
		}
		for _, n := range neighbors {
			if nc, ok := colors[n]; ok && nc == c {
				return false
			}
		}
	}
	return true
}
