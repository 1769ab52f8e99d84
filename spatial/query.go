package spatial

import "github.com/nmxmxh/spatialcore/geom"

// Query is a traversal visitor: ShouldTraverse prunes whole subtrees,
// ShouldAccept filters the individual objects stored at each traversed node.
type Query interface {
	ShouldTraverse(nodeBounds geom.AABB) bool
	ShouldAccept(o Object) bool
}

// PointQuery accepts objects containing Point.
type PointQuery struct {
	Point geom.Vec3
}

func (q PointQuery) ShouldTraverse(nodeBounds geom.AABB) bool { return nodeBounds.Contains(q.Point) }
func (q PointQuery) ShouldAccept(o Object) bool               { return o.Contains(q.Point) }

// RayQuery accepts objects the ray hits within MaxDistance.
type RayQuery struct {
	Ray         geom.Ray
	MaxDistance float32
}

func (q RayQuery) ShouldTraverse(nodeBounds geom.AABB) bool {
	t, hit := q.Ray.IntersectsAABB(nodeBounds)
	return hit && t <= q.MaxDistance
}

func (q RayQuery) ShouldAccept(o Object) bool {
	ri, ok := o.(RayIntersectable)
	if !ok {
		t, hit := q.Ray.IntersectsAABB(o.Bounds())
		return hit && t <= q.MaxDistance
	}
	t, hit := ri.IntersectsRay(q.Ray)
	return hit && t <= q.MaxDistance
}

// VolumeQuery accepts objects overlapping Volume.
type VolumeQuery struct {
	Volume geom.AABB
}

func (q VolumeQuery) ShouldTraverse(nodeBounds geom.AABB) bool { return nodeBounds.Intersects(q.Volume) }
func (q VolumeQuery) ShouldAccept(o Object) bool               { return o.Intersects(q.Volume) }

// FrustumQuery accepts objects the frustum does not classify as fully
// Outside.
type FrustumQuery struct {
	Frustum geom.Frustum
}

func (q FrustumQuery) ShouldTraverse(nodeBounds geom.AABB) bool {
	return q.Frustum.ClassifyAABB(nodeBounds) != geom.Outside
}

func (q FrustumQuery) ShouldAccept(o Object) bool {
	if fi, ok := o.(FrustumIntersectable); ok {
		return fi.IntersectsFrustum(q.Frustum)
	}
	return q.Frustum.ClassifyAABB(o.Bounds()) != geom.Outside
}

var (
	_ Query = PointQuery{}
	_ Query = RayQuery{}
	_ Query = VolumeQuery{}
	_ Query = FrustumQuery{}
)
