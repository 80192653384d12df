package spatial

import (
	"math"

	"tickrelay/server/internal/net/proto"
)

// DefaultCellSize matches the default local broadcast radius so a query
// touches at most three cells per axis.
const DefaultCellSize = float64(proto.DefaultLocalRadius)

// CellKey identifies a grid cell.
type CellKey struct {
	X int
	Y int
	Z int
}

// Grid buckets entries into uniform cubic cells.
type Grid struct {
	cellSize    float64
	invCellSize float64
	cells       map[CellKey][]Entry
	count       int
}

// NewGrid builds a grid with the given cell size over entries.
func NewGrid(cellSize float64, entries []Entry) *Grid {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	g := &Grid{
		cellSize:    cellSize,
		invCellSize: 1.0 / cellSize,
		cells:       make(map[CellKey][]Entry),
	}
	for _, e := range entries {
		key := g.cellFor(e.Pos)
		g.cells[key] = append(g.cells[key], e)
		g.count++
	}
	return g
}

// Len returns the number of indexed entries.
func (g *Grid) Len() int {
	if g == nil {
		return 0
	}
	return g.count
}

// CellSize reports the grid resolution.
func (g *Grid) CellSize() float64 {
	if g == nil {
		return 0
	}
	return g.cellSize
}

// Query visits streams within radius of center.
func (g *Grid) Query(center proto.Vec3, radius float32, fn func(stream uint64) bool) {
	if g == nil || g.count == 0 || fn == nil || radius < 0 {
		return
	}
	r := float64(radius)
	minX, maxX := g.coordToCell(float64(center.X)-r), g.coordToCell(float64(center.X)+r)
	minY, maxY := g.coordToCell(float64(center.Y)-r), g.coordToCell(float64(center.Y)+r)
	minZ, maxZ := g.coordToCell(float64(center.Z)-r), g.coordToCell(float64(center.Z)+r)

	// Walk occupied cells when there are fewer of them than cells in range.
	span := float64(maxX-minX+1) * float64(maxY-minY+1) * float64(maxZ-minZ+1)
	if span > float64(len(g.cells)) {
		for key, bucket := range g.cells {
			if key.X < minX || key.X > maxX || key.Y < minY || key.Y > maxY || key.Z < minZ || key.Z > maxZ {
				continue
			}
			if !visit(bucket, center, radius, fn) {
				return
			}
		}
		return
	}

	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			for z := minZ; z <= maxZ; z++ {
				bucket := g.cells[CellKey{X: x, Y: y, Z: z}]
				if !visit(bucket, center, radius, fn) {
					return
				}
			}
		}
	}
}

func visit(bucket []Entry, center proto.Vec3, radius float32, fn func(uint64) bool) bool {
	for _, e := range bucket {
		if within(center, e.Pos, radius) && !fn(e.Stream) {
			return false
		}
	}
	return true
}

func (g *Grid) cellFor(p proto.Vec3) CellKey {
	return CellKey{
		X: g.coordToCell(float64(p.X)),
		Y: g.coordToCell(float64(p.Y)),
		Z: g.coordToCell(float64(p.Z)),
	}
}

func (g *Grid) coordToCell(value float64) int {
	if math.IsNaN(value) {
		return 0
	}
	return int(math.Floor(value * g.invCellSize))
}
