package geom

// Sphere is {Center, Radius} with Radius ≥ 0.
type Sphere struct {
	Center Vec3
	Radius float32
}

// Contains reports whether p lies within the sphere, inclusive of the
// boundary: |p - center|^2 <= r^2.
func (s Sphere) Contains(p Vec3) bool {
	d := p.Sub(s.Center)
	return d.LengthSq() <= s.Radius*s.Radius
}

// IntersectsSphere reports whether s and other overlap, comparing squared
// distances to avoid a square root.
func (s Sphere) IntersectsSphere(other Sphere) bool {
	d := other.Center.Sub(s.Center)
	rSum := s.Radius + other.Radius
	return d.LengthSq() <= rSum*rSum
}

// IntersectsAABB reports whether s overlaps b: the closest point on b to
// the sphere's center is found by a per-axis clamp, then tested for
// containment in the sphere.
func (s Sphere) IntersectsAABB(b AABB) bool {
	closest := b.ClosestPoint(s.Center)
	return s.Contains(closest)
}
