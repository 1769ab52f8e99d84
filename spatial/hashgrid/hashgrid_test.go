package hashgrid

import (
	"math/rand"
	"testing"

	"github.com/nmxmxh/spatialcore/geom"
	"github.com/nmxmxh/spatialcore/memory"
	"github.com/nmxmxh/spatialcore/spatial"
	"github.com/stretchr/testify/require"
)

type testObj struct {
	bounds geom.AABB
}

func (o *testObj) Bounds() geom.AABB           { return o.bounds }
func (o *testObj) Intersects(b geom.AABB) bool { return o.bounds.Intersects(b) }
func (o *testObj) Contains(p geom.Vec3) bool   { return o.bounds.Contains(p) }

func randomObj(rng *rand.Rand, spread float32) *testObj {
	c := geom.Vec3{X: rng.Float32()*spread - spread/2, Y: rng.Float32()*spread - spread/2, Z: rng.Float32()*spread - spread/2}
	h := float32(0.5)
	half := geom.Vec3{X: h, Y: h, Z: h}
	return &testObj{bounds: geom.AABB{Min: c.Sub(half), Max: c.Add(half)}}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := spatial.DefaultConfig()
	cfg.CellSize = 0
	_, err := New(cfg, nil)
	require.ErrorIs(t, err, spatial.ErrInvalidConfig)
}

// TestHashGridRoundTrip realizes property 8.
func TestHashGridRoundTrip(t *testing.T) {
	grid, err := New(spatial.DefaultConfig(), nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(21))
	objs := make([]*testObj, 0, 300)
	for i := 0; i < 300; i++ {
		o := randomObj(rng, 200)
		require.NoError(t, grid.Insert(o))
		objs = append(objs, o)
	}

	world := geom.AABB{Min: geom.Vec3{X: -1000, Y: -1000, Z: -1000}, Max: geom.Vec3{X: 1000, Y: 1000, Z: 1000}}
	hits := grid.Query(spatial.VolumeQuery{Volume: world})
	require.Len(t, hits, len(objs))

	for _, o := range objs {
		require.True(t, grid.Remove(o))
	}
	require.Empty(t, grid.Query(spatial.VolumeQuery{Volume: world}))
	require.Zero(t, grid.Stats().ObjectCount)
}

// TestHashGridVolumeQueryMatchesBruteForce realizes scenario S4: a volume
// query over a sub-region returns exactly the objects a brute-force scan
// would, for randomly scattered AABBs.
func TestHashGridVolumeQueryMatchesBruteForce(t *testing.T) {
	cfg := spatial.DefaultConfig()
	cfg.CellSize = 10
	grid, err := New(cfg, nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(22))
	objs := make([]*testObj, 0, 1000)
	for i := 0; i < 1000; i++ {
		o := randomObj(rng, 200)
		require.NoError(t, grid.Insert(o))
		objs = append(objs, o)
	}

	volume := geom.AABB{Min: geom.Vec3{X: 0, Y: 0, Z: 0}, Max: geom.Vec3{X: 5, Y: 5, Z: 5}}
	got := grid.Query(spatial.VolumeQuery{Volume: volume})

	gotSet := make(map[*testObj]bool, len(got))
	for _, o := range got {
		gotSet[o.(*testObj)] = true
	}

	var want []*testObj
	for _, o := range objs {
		if o.bounds.Intersects(volume) {
			want = append(want, o)
		}
	}
	require.Len(t, got, len(want))
	for _, o := range want {
		require.True(t, gotSet[o], "brute-force hit missing from grid query result")
	}
}

// TestHashGridUpdateEquivalence realizes property 9: update(o -> o') and
// remove(o); insert(o') yield identical query results.
func TestHashGridUpdateEquivalence(t *testing.T) {
	cfg := spatial.DefaultConfig()
	cfg.CellSize = 5
	world := geom.AABB{Min: geom.Vec3{X: -1000, Y: -1000, Z: -1000}, Max: geom.Vec3{X: 1000, Y: 1000, Z: 1000}}

	// Path A: Update in place.
	gA, err := New(cfg, nil)
	require.NoError(t, err)
	rngA := rand.New(rand.NewSource(99))
	objsA := make([]*testObj, 5)
	for i := range objsA {
		o := randomObj(rngA, 50)
		require.NoError(t, gA.Insert(o))
		objsA[i] = o
	}
	for i, o := range objsA {
		newMin := geom.Vec3{X: float32(i) * 7, Y: 0, Z: float32(i) * 7}
		o.bounds = geom.AABB{Min: newMin, Max: newMin.Add(geom.Vec3{X: 1, Y: 1, Z: 1})}
		require.True(t, gA.Update(o))
	}

	// Path B: remove then reinsert with the same final bounds.
	gB, err := New(cfg, nil)
	require.NoError(t, err)
	rngB := rand.New(rand.NewSource(99))
	objsB := make([]*testObj, 5)
	for i := range objsB {
		o := randomObj(rngB, 50)
		require.NoError(t, gB.Insert(o))
		objsB[i] = o
	}
	for i, o := range objsB {
		require.True(t, gB.Remove(o))
		newMin := geom.Vec3{X: float32(i) * 7, Y: 0, Z: float32(i) * 7}
		o.bounds = geom.AABB{Min: newMin, Max: newMin.Add(geom.Vec3{X: 1, Y: 1, Z: 1})}
		require.NoError(t, gB.Insert(o))
	}

	hitsA := gA.Query(spatial.VolumeQuery{Volume: world})
	hitsB := gB.Query(spatial.VolumeQuery{Volume: world})
	require.Equal(t, len(hitsA), len(hitsB))
}

func TestHashGridUpdateUnknownObjectIsNoop(t *testing.T) {
	grid, err := New(spatial.DefaultConfig(), nil)
	require.NoError(t, err)
	require.False(t, grid.Update(&testObj{}))
	require.False(t, grid.Remove(&testObj{}))
}

// TestHashGridNewWithAllocatorPropagatesExhaustion wires a deliberately
// tiny Linear arena in as the grid's cell allocator: once it runs out of
// budget for new cell buckets, Insert must report the failure rather than
// silently succeed.
func TestHashGridNewWithAllocatorPropagatesExhaustion(t *testing.T) {
	alloc := memory.NewLinear(24, nil)
	cfg := spatial.DefaultConfig()
	cfg.CellSize = 1
	grid, err := NewWithAllocator(cfg, nil, alloc)
	require.NoError(t, err)

	var failed int
	var succeeded []*testObj
	for i := 0; i < 10; i++ {
		// Each object occupies exactly one cell. Spaced 100 apart on X, the
		// cells wrap modulo the 16-cell grid onto X indices 0, 4, 8, 12, so
		// only objects landing on a not-yet-created cell need a reservation.
		o := &testObj{bounds: geom.AABB{
			Min: geom.Vec3{X: float32(i) * 100, Y: 0, Z: 0},
			Max: geom.Vec3{X: float32(i)*100 + 0.1, Y: 0.1, Z: 0.1},
		}}
		if err := grid.Insert(o); err != nil {
			failed++
			require.False(t, grid.Remove(o), "a failed insert must leave no trace to remove")
			continue
		}
		succeeded = append(succeeded, o)
	}

	require.Positive(t, failed, "allocator exhaustion must eventually surface as an Insert error")
	require.Equal(t, len(succeeded), grid.Stats().ObjectCount)
}

func TestHashGridAdaptsResolutionByObjectCount(t *testing.T) {
	cfg := spatial.DefaultConfig()
	cfg.CellSize = 1
	grid, err := New(cfg, nil)
	require.NoError(t, err)
	require.Equal(t, 16, grid.gridSize)

	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 150; i++ {
		require.NoError(t, grid.Insert(randomObj(rng, 400)))
	}
	require.Equal(t, 32, grid.gridSize)
}

func TestHashGridDebugDrawVisitsOccupiedCells(t *testing.T) {
	grid, err := New(spatial.DefaultConfig(), nil)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(6))
	for i := 0; i < 20; i++ {
		require.NoError(t, grid.Insert(randomObj(rng, 50)))
	}
	count := 0
	grid.DebugDraw(func(b geom.AABB) { count++ })
	require.Positive(t, count)
}
