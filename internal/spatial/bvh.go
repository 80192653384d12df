package spatial

import (
	"slices"

	"tickrelay/server/internal/net/proto"
)

// LeafSize is the number of entries below which a node stops splitting.
const LeafSize = 16

type aabb struct {
	min, max proto.Vec3
}

func (b aabb) grow(p proto.Vec3) aabb {
	b.min.X = min(b.min.X, p.X)
	b.min.Y = min(b.min.Y, p.Y)
	b.min.Z = min(b.min.Z, p.Z)
	b.max.X = max(b.max.X, p.X)
	b.max.Y = max(b.max.Y, p.Y)
	b.max.Z = max(b.max.Z, p.Z)
	return b
}

// largestAxis returns 0, 1 or 2 for x, y or z.
func (b aabb) largestAxis() int {
	lx := b.max.X - b.min.X
	ly := b.max.Y - b.min.Y
	lz := b.max.Z - b.min.Z
	switch {
	case lx >= ly && lx >= lz:
		return 0
	case ly >= lz:
		return 1
	default:
		return 2
	}
}

// distanceSquared is the squared distance from p to the closest point of b.
func (b aabb) distanceSquared(p proto.Vec3) float64 {
	d := 0.0
	for axis := 0; axis < 3; axis++ {
		lo, hi, v := float64(coord(b.min, axis)), float64(coord(b.max, axis)), float64(coord(p, axis))
		switch {
		case v < lo:
			d += (lo - v) * (lo - v)
		case v > hi:
			d += (v - hi) * (v - hi)
		}
	}
	return d
}

func coord(v proto.Vec3, axis int) float32 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// bvhNode is either internal (left >= 0, right is the second child) or a leaf
// (left < 0, entries[start:start+count]).
type bvhNode struct {
	bounds aabb
	left   int32
	right  int32
	start  int32
	count  int32
}

// BVH is a bounding volume hierarchy over points, built top down by splitting
// at the median of the largest axis.
type BVH struct {
	nodes   []bvhNode
	entries []Entry
}

// NewBVH builds a hierarchy over a copy of entries.
func NewBVH(entries []Entry) *BVH {
	b := &BVH{entries: slices.Clone(entries)}
	if len(b.entries) == 0 {
		return b
	}
	b.nodes = make([]bvhNode, 0, 2*len(b.entries)/LeafSize+1)
	b.build(0, len(b.entries))
	return b
}

func (b *BVH) build(start, end int) int32 {
	elems := b.entries[start:end]
	bounds := aabb{min: elems[0].Pos, max: elems[0].Pos}
	for _, e := range elems[1:] {
		bounds = bounds.grow(e.Pos)
	}

	id := int32(len(b.nodes))
	b.nodes = append(b.nodes, bvhNode{bounds: bounds, left: -1})
	if len(elems) <= LeafSize {
		b.nodes[id].start = int32(start)
		b.nodes[id].count = int32(len(elems))
		return id
	}

	axis := bounds.largestAxis()
	slices.SortFunc(elems, func(x, y Entry) int {
		a, c := coord(x.Pos, axis), coord(y.Pos, axis)
		switch {
		case a < c:
			return -1
		case a > c:
			return 1
		default:
			return 0
		}
	})
	mid := start + len(elems)/2
	left := b.build(start, mid)
	right := b.build(mid, end)
	b.nodes[id].left = left
	b.nodes[id].right = right
	return id
}

// Len returns the number of indexed entries.
func (b *BVH) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// Query visits streams within radius of center.
func (b *BVH) Query(center proto.Vec3, radius float32, fn func(stream uint64) bool) {
	if b == nil || len(b.nodes) == 0 || fn == nil || radius < 0 {
		return
	}
	r2 := float64(radius) * float64(radius)
	stack := make([]int32, 0, 32)
	stack = append(stack, 0)
	for len(stack) > 0 {
		n := &b.nodes[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		if n.bounds.distanceSquared(center) > r2 {
			continue
		}
		if n.left >= 0 {
			stack = append(stack, n.right, n.left)
			continue
		}
		for _, e := range b.entries[n.start : n.start+n.count] {
			if within(center, e.Pos, radius) && !fn(e.Stream) {
				return
			}
		}
	}
}
