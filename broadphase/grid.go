// Package broadphase implements the uniform 2D collision broad-phase grid:
// a fixed-extent grid of pre-allocated cells (not a spatial hash — no
// wraparound, no adaptive resolution) that buckets bodies by their world
// AABB projected onto the XZ plane and emits de-duplicated candidate pairs
// for narrow-phase.
package broadphase

import (
	"errors"
	"reflect"

	"github.com/nmxmxh/spatialcore/enginelog"
	"github.com/nmxmxh/spatialcore/geom"
	"github.com/nmxmxh/spatialcore/spatial"
)

// ErrInvalidConfig is returned by New/Resize for a non-positive cell size
// or an inverted world volume.
var ErrInvalidConfig = errors.New("broadphase: invalid config")

// Pair is an unordered candidate collision pair.
type Pair struct{ A, B spatial.Object }

type pairKey struct{ lo, hi uint64 }

func makeKey(a, b uint64) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// Stats reports the grid's current occupancy.
type Stats struct {
	TotalCells     int
	OccupiedCells  int
	MaxPerCell     int
	AvgPerOccupied float64
	TotalObjects   int
	PairCount      int
}

// Grid is a single-threaded, fixed-extent uniform broad-phase grid.
// Concurrency is the caller's responsibility, per §5.
type Grid struct {
	log *enginelog.Logger

	cellSize           float32
	worldMin, worldMax geom.Vec3
	cols, rows         int
	cells              [][]spatial.Object

	ids     map[spatial.Object]uint64
	nextSeq uint64

	bodyCount     int
	lastPairCount int
}

// New builds a grid over [worldMin, worldMax] (projected to the XZ plane)
// with square cells of cellSize.
func New(cellSize float32, worldMin, worldMax geom.Vec3, log *enginelog.Logger) (*Grid, error) {
	g := &Grid{log: log}
	if err := g.Resize(cellSize, worldMin, worldMax); err != nil {
		return nil, err
	}
	return g, nil
}

// Resize reconfigures the grid's dimensions and invalidates all state —
// every body must be re-added via Update.
func (g *Grid) Resize(cellSize float32, worldMin, worldMax geom.Vec3) error {
	if cellSize <= 0 || worldMax.X <= worldMin.X || worldMax.Z <= worldMin.Z {
		return ErrInvalidConfig
	}
	cols := int((worldMax.X-worldMin.X)/cellSize) + 1
	rows := int((worldMax.Z-worldMin.Z)/cellSize) + 1

	g.cellSize = cellSize
	g.worldMin, g.worldMax = worldMin, worldMax
	g.cols, g.rows = cols, rows
	g.cells = make([][]spatial.Object, cols*rows)
	g.ids = make(map[spatial.Object]uint64)
	g.nextSeq = 0
	g.bodyCount = 0
	g.lastPairCount = 0

	if g.log != nil {
		g.log.Info("broadphase grid resized", enginelog.F("cols", cols), enginelog.F("rows", rows), enginelog.F("cell_size", cellSize))
	}
	return nil
}

func (g *Grid) cellRange(b geom.AABB) (minCol, maxCol, minRow, maxRow int) {
	minCol = g.colFor(b.Min.X)
	maxCol = g.colFor(b.Max.X)
	minRow = g.rowFor(b.Min.Z)
	maxRow = g.rowFor(b.Max.Z)
	return
}

func (g *Grid) colFor(x float32) int {
	c := int((x - g.worldMin.X) / g.cellSize)
	return clampInt(c, 0, g.cols-1)
}

func (g *Grid) rowFor(z float32) int {
	r := int((z - g.worldMin.Z) / g.cellSize)
	return clampInt(r, 0, g.rows-1)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Update clears the grid and re-inserts every body into each cell its
// world AABB overlaps.
func (g *Grid) Update(bodies []spatial.Object) {
	for i := range g.cells {
		g.cells[i] = nil
	}
	g.bodyCount = len(bodies)
	for _, body := range bodies {
		minCol, maxCol, minRow, maxRow := g.cellRange(body.Bounds())
		for col := minCol; col <= maxCol; col++ {
			for row := minRow; row <= maxRow; row++ {
				idx := row*g.cols + col
				g.cells[idx] = append(g.cells[idx], body)
			}
		}
	}
}

// idFor assigns each body a stable identity for pair hashing: a pointer
// body's own address, or — for a non-pointer Object — a sequential id
// assigned the first time this grid sees it, tagged with the high bit so
// it can never collide with a real pointer value.
func (g *Grid) idFor(o spatial.Object) uint64 {
	if id, ok := g.ids[o]; ok {
		return id
	}
	var id uint64
	rv := reflect.ValueOf(o)
	if rv.Kind() == reflect.Ptr && !rv.IsNil() {
		id = uint64(rv.Pointer())
	} else {
		id = g.nextSeq | (1 << 63)
		g.nextSeq++
	}
	g.ids[o] = id
	return id
}

// GeneratePotentialPairs emits every unordered pair of bodies sharing a
// cell, de-duplicated by an order-independent key: two bodies sharing K >=
// 2 cells still produce exactly one pair, and swapping a pair's endpoints
// never changes its key (§8 properties 10, 11). Deduplication is exact
// (a real map), never probabilistic — a bloom filter cannot guarantee the
// zero-false-positive/negative bound this operation requires.
func (g *Grid) GeneratePotentialPairs() []Pair {
	seen := make(map[pairKey]Pair)
	for _, cell := range g.cells {
		for i := 0; i < len(cell); i++ {
			for j := i + 1; j < len(cell); j++ {
				a, b := cell[i], cell[j]
				k := makeKey(g.idFor(a), g.idFor(b))
				if _, dup := seen[k]; !dup {
					seen[k] = Pair{A: a, B: b}
				}
			}
		}
	}
	out := make([]Pair, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	g.lastPairCount = len(out)
	return out
}

func (g *Grid) Stats() Stats {
	occupied, maxPerCell, entries := 0, 0, 0
	for _, cell := range g.cells {
		if len(cell) == 0 {
			continue
		}
		occupied++
		entries += len(cell)
		if len(cell) > maxPerCell {
			maxPerCell = len(cell)
		}
	}
	avg := 0.0
	if occupied > 0 {
		avg = float64(entries) / float64(occupied)
	}
	return Stats{
		TotalCells:     len(g.cells),
		OccupiedCells:  occupied,
		MaxPerCell:     maxPerCell,
		AvgPerOccupied: avg,
		TotalObjects:   g.bodyCount,
		PairCount:      g.lastPairCount,
	}
}
