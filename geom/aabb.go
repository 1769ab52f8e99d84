package geom

// AABB is an axis-aligned bounding box with Min ≤ Max componentwise. A
// degenerate box with Min == Max is a valid point-AABB.
type AABB struct {
	Min, Max Vec3
}

// NewAABB builds an AABB from two corners in any order, normalizing so
// Min ≤ Max componentwise regardless of the order a and b were given in.
func NewAABB(a, b Vec3) AABB {
	return AABB{Min: Min(a, b), Max: Max(a, b)}
}

// Center returns (min+max)/2.
func (b AABB) Center() Vec3 { return b.Min.Add(b.Max).Scale(0.5) }

// Extent returns (max-min)/2 — the half-size along each axis.
func (b AABB) Extent() Vec3 { return b.Max.Sub(b.Min).Scale(0.5) }

// Contains reports whether p lies within b, inclusive of the boundary,
// evaluating all three axes uniformly — never a 2-axis shortcut.
func (b AABB) Contains(p Vec3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// ContainsAABB reports whether other is entirely inside b.
func (b AABB) ContainsAABB(other AABB) bool {
	return b.Contains(other.Min) && b.Contains(other.Max)
}

// Intersects reports whether b and other overlap (touching counts as
// overlap), per the componentwise min ≤ other.max ∧ max ≥ other.min test.
func (b AABB) Intersects(other AABB) bool {
	return b.Min.X <= other.Max.X && b.Max.X >= other.Min.X &&
		b.Min.Y <= other.Max.Y && b.Max.Y >= other.Min.Y &&
		b.Min.Z <= other.Max.Z && b.Max.Z >= other.Min.Z
}

// Union returns the smallest AABB containing both b and other.
func (b AABB) Union(other AABB) AABB {
	return AABB{Min: Min(b.Min, other.Min), Max: Max(b.Max, other.Max)}
}

// Expanded returns b grown by amount on every axis in both directions.
func (b AABB) Expanded(amount float32) AABB {
	d := Vec3{amount, amount, amount}
	return AABB{Min: b.Min.Sub(d), Max: b.Max.Add(d)}
}

// ClosestPoint returns the point on (or inside) b nearest to p, by per-axis
// clamp — the building block Sphere.IntersectsAABB uses.
func (b AABB) ClosestPoint(p Vec3) Vec3 {
	return Clamp(p, b.Min, b.Max)
}
