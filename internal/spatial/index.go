// Package spatial answers "which connections are near this point" for local
// broadcasts. Indexes are immutable once built; the router rebuilds one from
// fresh positions and publishes it through a Snapshot.
package spatial

import (
	"fmt"
	"sync/atomic"

	"tickrelay/server/internal/net/proto"
)

// Entry is one connection's last reported position.
type Entry struct {
	Stream uint64
	Pos    proto.Vec3
}

// Index is a read-only spatial lookup. Query calls fn for every stream whose
// position lies within radius of center, inclusive, until fn returns false.
type Index interface {
	Query(center proto.Vec3, radius float32, fn func(stream uint64) bool)
	Len() int
}

// Kind selects the index implementation built by Build.
type Kind string

const (
	KindBVH  Kind = "bvh"
	KindGrid Kind = "grid"
)

// Build constructs an index of the given kind over entries. The entries slice
// is not retained.
func Build(kind Kind, entries []Entry) (Index, error) {
	switch kind {
	case "", KindBVH:
		return NewBVH(entries), nil
	case KindGrid:
		return NewGrid(DefaultCellSize, entries), nil
	default:
		return nil, fmt.Errorf("unknown spatial index kind %q", kind)
	}
}

// Snapshot publishes the current index to concurrent readers. Readers never
// observe a partially built index.
type Snapshot struct {
	current atomic.Pointer[holder]
}

type holder struct {
	index Index
}

// Load returns the published index, or an empty one before the first Swap.
func (s *Snapshot) Load() Index {
	if s == nil {
		return empty{}
	}
	h := s.current.Load()
	if h == nil || h.index == nil {
		return empty{}
	}
	return h.index
}

// Swap publishes idx and returns the index it replaced.
func (s *Snapshot) Swap(idx Index) Index {
	prev := s.current.Swap(&holder{index: idx})
	if prev == nil || prev.index == nil {
		return empty{}
	}
	return prev.index
}

type empty struct{}

func (empty) Query(proto.Vec3, float32, func(uint64) bool) {}
func (empty) Len() int                                     { return 0 }

// within reports whether p lies inside the closed ball around center.
func within(center, p proto.Vec3, radius float32) bool {
	dx := float64(p.X) - float64(center.X)
	dy := float64(p.Y) - float64(center.Y)
	dz := float64(p.Z) - float64(center.Z)
	r := float64(radius)
	return dx*dx+dy*dy+dz*dz <= r*r
}
