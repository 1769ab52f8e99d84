// Package spatial defines the capability protocol shared by every spatial
// container backend (BSP, octree, quadtree, hash grid): the Object and
// Query interfaces, the Config bag, the Handle identity type, and
// the four stock query kinds. Concrete containers live in sibling packages
// (bsp, octree, quadtree, hashgrid) and all implement Container.
package spatial

import "github.com/nmxmxh/spatialcore/geom"

// Object is anything a container can store. Identity at the API boundary
// is Go interface/pointer identity — idiomatic in place of the donor's
// address-as-identifier pattern — while containers that keep objects in
// slot arrays (bsp/octree/quadtree node lists, hash grid cells) additionally
// key them by a generational Handle internally (see handle.go) to avoid
// the dangling-identity bug flagged in SPEC_FULL.md §3.1.
type Object interface {
	Bounds() geom.AABB
	Intersects(b geom.AABB) bool
	Contains(p geom.Vec3) bool
}

// RayIntersectable is an optional capability: objects that support an exact
// ray test report the hit distance.
type RayIntersectable interface {
	IntersectsRay(r geom.Ray) (float32, bool)
}

// FrustumIntersectable is an optional capability for view-frustum culling.
type FrustumIntersectable interface {
	IntersectsFrustum(f geom.Frustum) bool
}
