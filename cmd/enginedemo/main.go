// Command enginedemo is a tiny CPU-only demo wiring the allocator family,
// geometry primitives, a spatial container, and the broad-phase grid
// together over a handful of synthetic bodies. It does no I/O beyond
// writing to stdout, directly and through enginelog.
package main

import (
	"fmt"
	"math/rand"
	"unsafe"

	"github.com/nmxmxh/spatialcore/broadphase"
	"github.com/nmxmxh/spatialcore/enginelog"
	"github.com/nmxmxh/spatialcore/geom"
	"github.com/nmxmxh/spatialcore/memory"
	"github.com/nmxmxh/spatialcore/spatial"
	"github.com/nmxmxh/spatialcore/spatial/hashgrid"
)

// body is a minimal spatial.Object: a fixed-size AABB around Center.
type body struct {
	Center geom.Vec3
	Half   float32
}

func (b *body) Bounds() geom.AABB {
	d := geom.Vec3{X: b.Half, Y: b.Half, Z: b.Half}
	return geom.AABB{Min: b.Center.Sub(d), Max: b.Center.Add(d)}
}

func (b *body) Intersects(o geom.AABB) bool { return b.Bounds().Intersects(o) }
func (b *body) Contains(p geom.Vec3) bool   { return b.Bounds().Contains(p) }

func main() {
	log := enginelog.Default("enginedemo")

	pool := memory.NewPool([]memory.SizeClass{
		{BlockSize: unsafe.Sizeof(body{}), BlocksPerChunk: 64, Alignment: 16},
	}, log)
	arena := pool.ForCurrentGoroutine()

	rng := rand.New(rand.NewSource(1))
	bodies := make([]spatial.Object, 0, 200)

	for i := 0; i < 200; i++ {
		ptr, err := arena.Allocate(unsafe.Sizeof(body{}), 16)
		if err != nil {
			log.Error("allocation failed", enginelog.F("error", err))
			return
		}
		b := (*body)(ptr)
		*b = body{
			Center: geom.Vec3{
				X: float32(rng.Intn(200) - 100),
				Y: float32(rng.Intn(20) - 10),
				Z: float32(rng.Intn(200) - 100),
			},
			Half: 1 + rng.Float32()*2,
		}
		bodies = append(bodies, b)
	}

	grid, err := hashgrid.New(spatial.DefaultConfig(), log)
	if err != nil {
		log.Error("grid construction failed", enginelog.F("error", err))
		return
	}
	for _, b := range bodies {
		if err := grid.Insert(b); err != nil {
			log.Error("insert failed", enginelog.F("error", err))
			return
		}
	}

	volume := geom.AABB{Min: geom.Vec3{X: -5, Y: -20, Z: -5}, Max: geom.Vec3{X: 5, Y: 20, Z: 5}}
	hits := grid.Query(spatial.VolumeQuery{Volume: volume})
	fmt.Printf("hash grid volume query: %d of %d bodies near origin\n", len(hits), len(bodies))

	bp, err := broadphase.New(2, geom.Vec3{X: -100, Y: -10, Z: -100}, geom.Vec3{X: 100, Y: 10, Z: 100}, log)
	if err != nil {
		log.Error("broadphase construction failed", enginelog.F("error", err))
		return
	}
	bp.Update(bodies)
	pairs := bp.GeneratePotentialPairs()
	stats := bp.Stats()
	fmt.Printf("broad-phase: %d candidate pairs over %d occupied cells (of %d)\n",
		len(pairs), stats.OccupiedCells, stats.TotalCells)

	gridStats := grid.Stats()
	fmt.Printf("hash grid stats: %d objects across %d cells (avg %.2f/cell)\n",
		gridStats.ObjectCount, gridStats.NodeCount, gridStats.AvgObjectsPerNode)
}
