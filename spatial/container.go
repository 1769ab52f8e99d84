package spatial

import "github.com/nmxmxh/spatialcore/geom"

// Stats reports the statistics every backend exposes identically.
type Stats struct {
	ObjectCount       int
	NodeCount         int
	MaxDepth          int
	AvgObjectsPerNode float64
}

// Container is the operation set every backend (bsp, octree, quadtree,
// hashgrid) implements identically; they differ only in internal structure
// and the strategies documented per backend. Remove/Update on an object the
// container does not know about is a silent no-op (§4.D.5) reporting false —
// never an error. Query, Stats, and DebugDraw may run concurrently with
// each other but never with a concurrent Insert/Remove/Update/Rebuild.
type Container interface {
	Insert(o Object) error
	Remove(o Object) bool
	Update(o Object) bool
	Clear()
	Query(q Query) []Object
	Optimize()
	Rebuild()
	Stats() Stats
	DebugDraw(visit func(geom.AABB))
}
