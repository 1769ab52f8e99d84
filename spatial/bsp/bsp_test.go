package bsp

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

func (o *testObj) Bounds() geom.AABB                { return o.bounds }
func (o *testObj) Intersects(b geom.AABB) bool      { return o.bounds.Intersects(b) }
func (o *testObj) Contains(p geom.Vec3) bool        { return o.bounds.Contains(p) }

func randomObj(rng *rand.Rand) *testObj {
	c := geom.Vec3{X: rng.Float32()*200 - 100, Y: rng.Float32()*200 - 100, Z: rng.Float32()*200 - 100}
	h := geom.Vec3{X: 0.5, Y: 0.5, Z: 0.5}
	return &testObj{bounds: geom.AABB{Min: c.Sub(h), Max: c.Add(h)}}
}

func newTestTree(t *testing.T) *Tree {
	tree, err := New(spatial.DefaultConfig(), nil)
	require.NoError(t, err)
	return tree
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := spatial.DefaultConfig()
	cfg.Looseness = 1
	_, err := New(cfg, nil)
	require.ErrorIs(t, err, spatial.ErrInvalidConfig)
}

// TestBSPRoundTrip realizes property 8: every inserted object is found by a
// volume query covering the whole world, and removing it makes it vanish.
func TestBSPRoundTrip(t *testing.T) {
	tree := newTestTree(t)
	rng := rand.New(rand.NewSource(21))

	objs := make([]*testObj, 0, 300)
	for i := 0; i < 300; i++ {
		o := randomObj(rng)
		require.NoError(t, tree.Insert(o))
		objs = append(objs, o)
	}

	world := geom.AABB{Min: geom.Vec3{X: -1000, Y: -1000, Z: -1000}, Max: geom.Vec3{X: 1000, Y: 1000, Z: 1000}}
	hits := tree.Query(spatial.VolumeQuery{Volume: world})
	require.Len(t, hits, len(objs))

	for _, o := range objs {
		require.True(t, tree.Remove(o))
	}
	hits = tree.Query(spatial.VolumeQuery{Volume: world})
	require.Empty(t, hits)
}

func TestBSPRemoveUnknownObjectIsNoop(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert(randomObj(rand.New(rand.NewSource(1)))))
	require.False(t, tree.Remove(&testObj{}))
}

func TestBSPUpdateUnknownObjectIsNoop(t *testing.T) {
	tree := newTestTree(t)
	require.False(t, tree.Update(&testObj{}))
}

// TestBSPUpdateAfterMoveRelocatesObject guards against re-classifying an
// object's storage location from its current (post-move) Bounds() against
// each node's split plane: moving an object across the tree and calling
// Update must still find and relocate it rather than silently no-op.
func TestBSPUpdateAfterMoveRelocatesObject(t *testing.T) {
	cfg := spatial.DefaultConfig()
	cfg.MaxTrianglesPerLeaf = 4
	tree, err := New(cfg, nil)
	require.NoError(t, err)

	o := &testObj{bounds: geom.AABB{Min: geom.Vec3{X: -100, Y: -0.5, Z: -0.5}, Max: geom.Vec3{X: -99, Y: 0.5, Z: 0.5}}}
	require.NoError(t, tree.Insert(o))

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		require.NoError(t, tree.Insert(randomObj(rng)))
	}

	o.bounds = geom.AABB{Min: geom.Vec3{X: 99, Y: -0.5, Z: -0.5}, Max: geom.Vec3{X: 100, Y: 0.5, Z: 0.5}}
	require.True(t, tree.Update(o))

	hits := tree.Query(spatial.VolumeQuery{Volume: o.bounds})
	found := false
	for _, h := range hits {
		if h.(*testObj) == o {
			found = true
		}
	}
	require.True(t, found, "moved object must be found at its new location")

	require.True(t, tree.Remove(o))
	hits = tree.Query(spatial.VolumeQuery{Volume: o.bounds})
	for _, h := range hits {
		require.NotSame(t, o, h.(*testObj))
	}
}

// TestBSPNewWithAllocatorPropagatesExhaustion wires a deliberately tiny
// Linear arena in as the tree's node allocator: once a split needs more
// node tokens than the arena has left, Insert must report the failure
// and leave the tree as an unsplit leaf rather than a half-built split.
func TestBSPNewWithAllocatorPropagatesExhaustion(t *testing.T) {
	alloc := memory.NewLinear(16, nil)
	cfg := spatial.DefaultConfig()
	cfg.MaxTrianglesPerLeaf = 2
	tree, err := NewWithAllocator(cfg, nil, alloc)
	require.NoError(t, err)

	var failed int
	var succeeded []*testObj
	rng := rand.New(rand.NewSource(71))
	for i := 0; i < 30; i++ {
		o := randomObj(rng)
		if err := tree.Insert(o); err != nil {
			failed++
			require.False(t, tree.Remove(o), "a failed insert must leave no trace to remove")
			continue
		}
		succeeded = append(succeeded, o)
	}

	require.Positive(t, failed, "allocator exhaustion during split must eventually surface as an Insert error")
	require.Equal(t, len(succeeded), tree.Stats().ObjectCount)
}

func TestBSPSplitsUnderLoad(t *testing.T) {
	cfg := spatial.DefaultConfig()
	cfg.MaxTrianglesPerLeaf = 4
	tree, err := New(cfg, nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 200; i++ {
		require.NoError(t, tree.Insert(randomObj(rng)))
	}
	stats := tree.Stats()
	require.Greater(t, stats.NodeCount, 1)
	require.Equal(t, 200, stats.ObjectCount)
}

// TestBSPOptimizeRebalances realizes scenario S6.
func TestBSPOptimizeRebalances(t *testing.T) {
	cfg := spatial.DefaultConfig()
	cfg.MaxTrianglesPerLeaf = 2
	tree, err := New(cfg, nil)
	require.NoError(t, err)

	// Skew heavily to one side of the eventual split so the front/back
	// ratio starts far outside [0.3, 0.7].
	for i := 0; i < 150; i++ {
		require.NoError(t, tree.Insert(&testObj{bounds: geom.AABB{
			Min: geom.Vec3{X: float32(i), Y: 0, Z: 0},
			Max: geom.Vec3{X: float32(i) + 1, Y: 1, Z: 1},
		}}))
	}
	before := tree.Stats()
	tree.Optimize()
	after := tree.Stats()
	require.Equal(t, before.ObjectCount, after.ObjectCount)

	var front []spatial.Object
	collect(tree.root.front, &front)
	ratio := float64(len(front)) / float64(after.ObjectCount)
	require.GreaterOrEqual(t, ratio, 0.3)
	require.LessOrEqual(t, ratio, 0.7)
}

func TestBSPClear(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert(randomObj(rand.New(rand.NewSource(9)))))
	tree.Clear()
	stats := tree.Stats()
	require.Zero(t, stats.ObjectCount)
}

func TestBSPDebugDrawVisitsNodes(t *testing.T) {
	tree := newTestTree(t)
	rng := rand.New(rand.NewSource(13))
	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Insert(randomObj(rng)))
	}
	count := 0
	tree.DebugDraw(func(b geom.AABB) { count++ })
	require.Positive(t, count)
}
