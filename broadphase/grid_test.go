package broadphase

import (
	"testing"

	"github.com/nmxmxh/spatialcore/geom"
	"github.com/nmxmxh/spatialcore/spatial"
	"github.com/stretchr/testify/require"
)

type testBody struct {
	bounds geom.AABB
}

func (b *testBody) Bounds() geom.AABB           { return b.bounds }
func (b *testBody) Intersects(o geom.AABB) bool { return b.bounds.Intersects(o) }
func (b *testBody) Contains(p geom.Vec3) bool   { return b.bounds.Contains(p) }

func square(cx, cz, half float32) *testBody {
	return &testBody{bounds: geom.AABB{
		Min: geom.Vec3{X: cx - half, Y: -1, Z: cz - half},
		Max: geom.Vec3{X: cx + half, Y: 1, Z: cz + half},
	}}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(0, geom.Vec3{}, geom.Vec3{X: 10, Z: 10}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(1, geom.Vec3{X: 10, Z: 10}, geom.Vec3{}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

// TestGridOverlappingSquaresProduceOnePair realizes scenario S5: two
// overlapping 1x1 squares produce exactly one candidate pair.
func TestGridOverlappingSquaresProduceOnePair(t *testing.T) {
	g, err := New(0.25, geom.Vec3{X: -10, Z: -10}, geom.Vec3{X: 10, Z: 10}, nil)
	require.NoError(t, err)

	a := square(0, 0, 0.5)
	b := square(0.5, 0.5, 0.5)
	g.Update([]spatial.Object{a, b})

	pairs := g.GeneratePotentialPairs()
	require.Len(t, pairs, 1)
	got := map[spatial.Object]bool{pairs[0].A: true, pairs[0].B: true}
	require.True(t, got[a])
	require.True(t, got[b])
}

// TestGridDedupesPairsAcrossMultipleSharedCells realizes property 10: two
// bodies sharing K >= 2 cells still yield exactly one pair.
func TestGridDedupesPairsAcrossMultipleSharedCells(t *testing.T) {
	g, err := New(1, geom.Vec3{X: -10, Z: -10}, geom.Vec3{X: 10, Z: 10}, nil)
	require.NoError(t, err)

	a := square(0, 0, 3)
	b := square(0.5, 0.5, 3)
	g.Update([]spatial.Object{a, b})

	pairs := g.GeneratePotentialPairs()
	require.Len(t, pairs, 1)
}

// TestPairSymmetry realizes property 11: the pair key is order-independent.
func TestPairSymmetry(t *testing.T) {
	g, err := New(1, geom.Vec3{X: -10, Z: -10}, geom.Vec3{X: 10, Z: 10}, nil)
	require.NoError(t, err)

	a := square(0, 0, 1)
	b := square(0.2, 0.2, 1)
	require.Equal(t, makeKey(g.idFor(a), g.idFor(b)), makeKey(g.idFor(b), g.idFor(a)))
}

func TestGridNonOverlappingBodiesProduceNoPairs(t *testing.T) {
	g, err := New(1, geom.Vec3{X: -50, Z: -50}, geom.Vec3{X: 50, Z: 50}, nil)
	require.NoError(t, err)

	a := square(-20, -20, 0.5)
	b := square(20, 20, 0.5)
	g.Update([]spatial.Object{a, b})

	require.Empty(t, g.GeneratePotentialPairs())
}

func TestGridResizeInvalidatesState(t *testing.T) {
	g, err := New(1, geom.Vec3{X: -10, Z: -10}, geom.Vec3{X: 10, Z: 10}, nil)
	require.NoError(t, err)

	g.Update([]spatial.Object{square(0, 0, 1), square(0.1, 0.1, 1)})
	require.NotEmpty(t, g.GeneratePotentialPairs())

	require.NoError(t, g.Resize(2, geom.Vec3{X: -20, Z: -20}, geom.Vec3{X: 20, Z: 20}))
	stats := g.Stats()
	require.Zero(t, stats.TotalObjects)
	require.Zero(t, stats.PairCount)
	require.Empty(t, g.GeneratePotentialPairs())
}

func TestGridStatsReportOccupancy(t *testing.T) {
	g, err := New(1, geom.Vec3{X: -10, Z: -10}, geom.Vec3{X: 10, Z: 10}, nil)
	require.NoError(t, err)

	g.Update([]spatial.Object{square(0, 0, 0.4), square(5, 5, 0.4)})
	stats := g.Stats()
	require.Equal(t, 2, stats.TotalObjects)
	require.GreaterOrEqual(t, stats.OccupiedCells, 2)
	require.Positive(t, stats.MaxPerCell)
}
