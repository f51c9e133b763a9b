// Package region implements the spatial partitioner and 4-coloring graph
// dispatcher described in spec.md §4.4. It builds a k-d tree over a set of
// multi-dimensional points, collects the tree's leaves as axis-aligned
// regions, derives a symmetric adjacency graph between touching regions,
// and attempts a depth-first 4-coloring so adjacent regions never share a
// color.
//
// Grounded on original_source/src/geometric/spatial_partitioner.{h,cpp} and
// region_assigner.{h,cpp}: the split-on-median-by-depth-mod-dimensions
// recursion, the leaf-count/depth stopping rule, and the pre-order "R<n>"
// id numbering are all adopted verbatim from that reference implementation.
package region

import (
	"math"
	"sort"
	"strconv"
)

// Point is one task location in conceptual space.
type Point struct {
	ID          string
	Coordinates []float64
	Metadata    map[string]string
}

// Region is one leaf of the k-d partition: an axis-aligned box plus the
// points it contains.
type Region struct {
	ID     string
	Name   string
	Min    []float64
	Max    []float64
	Points []Point
}

// Partitioner builds a k-d tree over a fixed number of dimensions and
// collects its leaves as Regions.
type Partitioner struct {
	dimensions int
	maxDepth   int
	points     []Point
	regions    []Region
}

// New creates a Partitioner for the given number of dimensions and maximum
// k-d tree depth. dimensions and maxDepth must both be >= 1.
func New(dimensions, maxDepth int) *Partitioner {
	if dimensions < 1 {
		dimensions = 1
	}
	if maxDepth < 1 {
		maxDepth = 1
	}
	return &Partitioner{dimensions: dimensions, maxDepth: maxDepth}
}

// AddPoint appends a point to the space to be partitioned. It panics if the
// point's dimensionality does not match the Partitioner's, mirroring the
// reference implementation's invalid_argument guard — this is a
// programmer error, not a runtime condition callers should retry.
func (p *Partitioner) AddPoint(pt Point) {
	if len(pt.Coordinates) != p.dimensions {
		panic("region: point has incorrect number of dimensions")
	}
	p.points = append(p.points, pt)
}

// leafMaxPoints is the point-count stopping rule from spec.md §4.4: a node
// becomes a leaf once it holds at most this many points.
const leafMaxPoints = 5

// Build constructs the k-d tree and collects its leaves into Regions.
// Returns false if no points have been added.
func (p *Partitioner) Build() bool {
	if len(p.points) == 0 {
		return false
	}

	min := make([]float64, p.dimensions)
	max := make([]float64, p.dimensions)
	for d := 0; d < p.dimensions; d++ {
		min[d] = math.MaxFloat64
		max[d] = -math.MaxFloat64
	}
	for _, pt := range p.points {
		for d := 0; d < p.dimensions; d++ {
			if pt.Coordinates[d] < min[d] {
				min[d] = pt.Coordinates[d]
			}
			if pt.Coordinates[d] > max[d] {
				max[d] = pt.Coordinates[d]
			}
		}
	}

	p.regions = nil
	p.buildRecursive(p.points, 0, min, max)
	return true
}

func (p *Partitioner) buildRecursive(points []Point, depth int, min, max []float64) {
	if depth >= p.maxDepth || len(points) <= leafMaxPoints {
		p.emitLeaf(points, min, max)
		return
	}

	splitDim := depth % p.dimensions
	values := make([]float64, len(points))
	for i, pt := range points {
		values[i] = pt.Coordinates[splitDim]
	}
	sort.Float64s(values)
	median := values[(len(values)-1)/2]

	var left, right []Point
	for _, pt := range points {
		if pt.Coordinates[splitDim] <= median {
			left = append(left, pt)
		} else {
			right = append(right, pt)
		}
	}

	if len(left) == 0 || len(right) == 0 {
		p.emitLeaf(points, min, max)
		return
	}

	leftMax := append([]float64(nil), max...)
	leftMax[splitDim] = median
	rightMin := append([]float64(nil), min...)
	rightMin[splitDim] = median

	p.buildRecursive(left, depth+1, min, leftMax)
	p.buildRecursive(right, depth+1, rightMin, max)
}

func (p *Partitioner) emitLeaf(points []Point, min, max []float64) {
	n := len(p.regions) + 1
	p.regions = append(p.regions, Region{
		ID:     regionID(n),
		Name:   regionName(n),
		Min:    append([]float64(nil), min...),
		Max:    append([]float64(nil), max...),
		Points: append([]Point(nil), points...),
	})
}

func regionID(n int) string   { return "R" + strconv.Itoa(n) }
func regionName(n int) string { return "Region " + strconv.Itoa(n) }

// Regions returns the leaves collected by the most recent Build call.
func (p *Partitioner) Regions() []Region {
	out := make([]Region, len(p.regions))
	copy(out, p.regions)
	return out
}
