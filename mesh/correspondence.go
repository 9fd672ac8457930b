package mesh

import (
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// Correspondence is the match of one source vertex against the target
type Correspondence struct {
	Index    int     // Matched target vertex
	Distance float64 // Euclidean distance to the match
	Weight   float64 // 1 = trusted, 0 = rejected
}

// CorrespondenceIndex answers nearest-vertex queries against a fixed point set.
// It is read-only after construction and safe for concurrent queries.
type CorrespondenceIndex struct {
	tree    *kdtree.Tree
	points  []r3.Vec
	workers int
}

// NewCorrespondenceIndex builds a k-d tree over the target points
func NewCorrespondenceIndex(points []r3.Vec) *CorrespondenceIndex {
	nodes := make(kdPoints, len(points))
	for i, p := range points {
		nodes[i] = kdPoint{Vec: p, idx: i}
	}
	return &CorrespondenceIndex{
		tree:    kdtree.New(nodes, false),
		points:  points,
		workers: runtime.GOMAXPROCS(0),
	}
}

// Len returns the number of indexed points
func (c *CorrespondenceIndex) Len() int {
	return len(c.points)
}

// Point returns the indexed point i
func (c *CorrespondenceIndex) Point(i int) r3.Vec {
	return c.points[i]
}

// Nearest returns the index of and distance to the closest indexed point.
// Equidistant candidates resolve to the lowest index so results do not depend
// on tree layout. Returns (-1, +Inf) for an empty index.
func (c *CorrespondenceIndex) Nearest(q r3.Vec) (int, float64) {
	query := kdPoint{Vec: q, idx: -1}
	best, d2 := c.tree.Nearest(query)
	if best == nil {
		return -1, math.Inf(1)
	}

	// Collect every point at the same distance and keep the lowest index.
	idx := best.(kdPoint).idx
	keeper := kdtree.NewDistKeeper(d2 + 1e-12*math.Max(1, d2))
	c.tree.NearestSet(keeper, query)
	for _, cd := range keeper.Heap {
		if cd.Comparable == nil {
			continue
		}
		if p := cd.Comparable.(kdPoint); p.idx < idx && cd.Dist <= d2 {
			idx = p.idx
		}
	}
	return idx, math.Sqrt(d2)
}

// NearestBatch queries every point in queries. Work is split into contiguous
// ranges across worker goroutines; each writes only its own result slots.
func (c *CorrespondenceIndex) NearestBatch(queries []r3.Vec) ([]int, []float64) {
	indices := make([]int, len(queries))
	distances := make([]float64, len(queries))

	workers := c.workers
	if workers < 1 {
		workers = 1
	}
	chunk := (len(queries) + workers - 1) / workers
	if chunk < 64 {
		chunk = 64
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < len(queries); start += chunk {
		end := min(start+chunk, len(queries))
		g.Go(func() error {
			for i := start; i < end; i++ {
				indices[i], distances[i] = c.Nearest(queries[i])
			}
			return nil
		})
	}
	_ = g.Wait() // workers never fail
	return indices, distances
}

// kdPoint is a point tagged with its position in the original slice.
// kdtree.New reorders its input, so the tag is how matches map back.
type kdPoint struct {
	r3.Vec
	idx int
}

// Compare implements the kdtree.Comparable interface
func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(kdPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the k-d tree
func (p kdPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(p.Vec, c.(kdPoint).Vec))
}

// kdPoints satisfies kdtree.Interface
type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdPoints) Len() int                              { return len(p) }
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p kdPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(kdPlane{kdPoints: p, Dim: d}, kdtree.MedianOfRandoms(kdPlane{kdPoints: p, Dim: d}, 100))
}

// kdPlane implements sort.Interface and kdtree.SortSlicer for kdPoints
type kdPlane struct {
	kdPoints
	kdtree.Dim
}

func (p kdPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.kdPoints[i].X < p.kdPoints[j].X
	case 1:
		return p.kdPoints[i].Y < p.kdPoints[j].Y
	case 2:
		return p.kdPoints[i].Z < p.kdPoints[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	return kdPlane{kdPoints: p.kdPoints[start:end], Dim: p.Dim}
}

func (p kdPlane) Swap(i, j int) {
	p.kdPoints[i], p.kdPoints[j] = p.kdPoints[j], p.kdPoints[i]
}
