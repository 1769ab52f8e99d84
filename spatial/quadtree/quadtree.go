// Package quadtree implements a planar quadtree container: the same loose
// splitting strategy as octree, but the partitioning plane is 2D and
// carries only 4 children. The plane is always XZ; it is not configurable. The third axis (Y) is handled opaquely:
// node bounds are reconstructed as a 3D AABB with a Y range derived from
// the query being run (see yRangeFor), per §4.D.3 / Open Question #2.
// Insertion uses 2D bounds computed by projecting the object's AABB onto
// the XZ plane.
package quadtree

import (
	"math"
	"sync"
	"unsafe"

	"github.com/nmxmxh/spatialcore/enginelog"
	"github.com/nmxmxh/spatialcore/geom"
	"github.com/nmxmxh/spatialcore/memory"
	"github.com/nmxmxh/spatialcore/spatial"
)

// rect2 is an axis-aligned box on the XZ plane.
type rect2 struct {
	minX, minZ, maxX, maxZ float32
}

func project(b geom.AABB) rect2 {
	return rect2{minX: b.Min.X, minZ: b.Min.Z, maxX: b.Max.X, maxZ: b.Max.Z}
}

func (r rect2) contains(o rect2) bool {
	return r.minX <= o.minX && r.maxX >= o.maxX && r.minZ <= o.minZ && r.maxZ >= o.maxZ
}

func (r rect2) union(o rect2) rect2 {
	return rect2{
		minX: minf32(r.minX, o.minX), minZ: minf32(r.minZ, o.minZ),
		maxX: maxf32(r.maxX, o.maxX), maxZ: maxf32(r.maxZ, o.maxZ),
	}
}

func (r rect2) center() (float32, float32) { return (r.minX + r.maxX) / 2, (r.minZ + r.maxZ) / 2 }
func (r rect2) half() (float32, float32)   { return (r.maxX - r.minX) / 2, (r.maxZ - r.minZ) / 2 }

func minf32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
func maxf32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

type node struct {
	centerX, centerZ float32
	halfX, halfZ     float32
	loose            rect2

	children  [4]*node
	objects   spatial.ObjectSlots
	parent    *node
	childSlot int

	// token is this node's reservation against Tree.alloc, nil when the
	// tree was built without one. Never dereferenced — see allocNode.
	token unsafe.Pointer
}

func (n *node) isLeaf() bool {
	for _, c := range n.children {
		if c != nil {
			return false
		}
	}
	return true
}

func childIndexFor(cx, cz, px, pz float32) int {
	idx := 0
	if px >= cx {
		idx |= 1
	}
	if pz >= cz {
		idx |= 2
	}
	return idx
}

func minFullExtent(halfX, halfZ float32) float32 {
	return 2 * minf32(halfX, halfZ)
}

// nodeLoc records where one object actually lives. Remove/Update consult
// this rather than re-projecting the object's current Bounds() and
// re-deriving which child it falls in — the latter breaks the moment an
// object moves after insertion, since its *new* projected position is not
// necessarily the child it is actually filed under.
type nodeLoc struct {
	node   *node
	handle spatial.Handle
}

// Tree is a spatial.Container backed by a planar (XZ) quadtree.
type Tree struct {
	cfg   spatial.Config
	log   *enginelog.Logger
	alloc memory.Allocator
	mu    sync.RWMutex
	root  *node
	count int

	location map[spatial.Object]nodeLoc
}

// New builds a tree with no backing Allocator: nodes are ordinary Go-heap
// values and node creation never fails.
func New(cfg spatial.Config, log *enginelog.Logger) (*Tree, error) {
	return NewWithAllocator(cfg, log, nil)
}

// NewWithAllocator builds a tree whose node creation is gated by alloc,
// realizing §2's "D depends on A" and §4.D.5's allocator-exhaustion
// propagation, exactly as octree.NewWithAllocator does. alloc may be nil,
// in which case node creation never fails.
func NewWithAllocator(cfg spatial.Config, log *enginelog.Logger, alloc memory.Allocator) (*Tree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tree{cfg: cfg, log: log, alloc: alloc, location: make(map[spatial.Object]nodeLoc)}, nil
}

const tokenSize = unsafe.Sizeof(uintptr(0))

func (t *Tree) reserveNode() (unsafe.Pointer, error) {
	if t.alloc == nil {
		return nil, nil
	}
	return t.alloc.Allocate(tokenSize, tokenSize)
}

func (t *Tree) releaseNode(token unsafe.Pointer) {
	if t.alloc != nil && token != nil {
		t.alloc.Deallocate(token)
	}
}

func (t *Tree) releaseSubtree(n *node) {
	if n == nil {
		return
	}
	for _, c := range n.children {
		t.releaseSubtree(c)
	}
	t.releaseNode(n.token)
}

func looseRect(cx, cz, halfX, halfZ, looseness float32) rect2 {
	ex, ez := halfX*looseness, halfZ*looseness
	return rect2{minX: cx - ex, minZ: cz - ez, maxX: cx + ex, maxZ: cz + ez}
}

func (t *Tree) allocNode(cx, cz, halfX, halfZ float32) (*node, error) {
	token, err := t.reserveNode()
	if err != nil {
		return nil, err
	}
	return &node{
		centerX: cx, centerZ: cz, halfX: halfX, halfZ: halfZ,
		loose: looseRect(cx, cz, halfX, halfZ, t.cfg.Looseness),
		token: token,
	}, nil
}

func (t *Tree) place(n *node, o spatial.Object) {
	h := n.objects.Insert(o)
	t.location[o] = nodeLoc{node: n, handle: h}
}

func (t *Tree) unplace(o spatial.Object) bool {
	loc, ok := t.location[o]
	if !ok {
		return false
	}
	loc.node.objects.Remove(loc.handle)
	delete(t.location, o)
	return true
}

func (t *Tree) createChild(n *node, idx int) (*node, error) {
	childHalfX, childHalfZ := n.halfX/2, n.halfZ/2
	signX, signZ := childHalfX, childHalfZ
	if idx&1 == 0 {
		signX = -childHalfX
	}
	if idx&2 == 0 {
		signZ = -childHalfZ
	}
	c, err := t.allocNode(n.centerX+signX, n.centerZ+signZ, childHalfX, childHalfZ)
	if err != nil {
		return nil, err
	}
	c.parent = n
	c.childSlot = idx
	n.children[idx] = c
	return c, nil
}

func (t *Tree) Insert(o spatial.Object) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := project(o.Bounds())
	if t.root == nil {
		cx, cz := r.center()
		hx, hz := r.half()
		n, err := t.allocNode(cx, cz, hx, hz)
		if err != nil {
			return err
		}
		t.root = n
	}
	for !t.root.loose.contains(r) {
		if err := t.growRoot(r); err != nil {
			return err
		}
	}
	if err := t.insertNode(t.root, o, r, 0); err != nil {
		return err
	}
	t.count++
	return nil
}

func (t *Tree) growRoot(escaping rect2) error {
	cx, cz := t.root.centerX, t.root.centerZ
	hx, hz := t.root.halfX, t.root.halfZ
	oldTight := rect2{minX: cx - hx, minZ: cz - hz, maxX: cx + hx, maxZ: cz + hz}
	union := oldTight.union(escaping)

	ncx, ncz := union.center()
	nhx, nhz := union.half()
	newRoot, err := t.allocNode(ncx, ncz, nhx, nhz)
	if err != nil {
		return err
	}

	idx := childIndexFor(ncx, ncz, t.root.centerX, t.root.centerZ)
	newRoot.children[idx] = t.root
	t.root.parent = newRoot
	t.root.childSlot = idx
	t.root = newRoot
	return nil
}

func (t *Tree) insertNode(n *node, o spatial.Object, r rect2, depth int) error {
	if n.isLeaf() {
		t.place(n, o)
		if n.objects.Len() > t.cfg.MaxObjectsPerNode &&
			depth < t.cfg.MaxDepth &&
			minFullExtent(n.halfX, n.halfZ) > t.cfg.MinNodeSize {
			if err := t.trySplit(n, depth); err != nil {
				t.unplace(o)
				return err
			}
		}
		return nil
	}
	return t.routeIntoChild(n, o, r, depth)
}

func (t *Tree) routeIntoChild(n *node, o spatial.Object, r rect2, depth int) error {
	cx, cz := r.center()
	idx := childIndexFor(n.centerX, n.centerZ, cx, cz)
	child := n.children[idx]
	if child == nil {
		var err error
		child, err = t.createChild(n, idx)
		if err != nil {
			return err
		}
	}
	if child.loose.contains(r) {
		return t.insertNode(child, o, r, depth+1)
	}
	t.place(n, o)
	return nil
}

// trySplit redistributes n's pending objects into children, with the same
// fully-reversible-on-failure contract as octree.Tree.trySplit.
func (t *Tree) trySplit(n *node, depth int) error {
	pending := n.objects.Objects()
	for _, o := range pending {
		t.unplace(o)
	}
	n.objects = spatial.ObjectSlots{}

	var firstErr error
	for _, o := range pending {
		if err := t.routeIntoChild(n, o, project(o.Bounds()), depth); err != nil {
			firstErr = err
			break
		}
	}
	if firstErr == nil {
		return nil
	}

	for _, o := range pending {
		t.unplace(o)
	}
	created := n.children
	n.children = [4]*node{}
	for _, c := range created {
		t.releaseSubtree(c)
	}
	for _, o := range pending {
		t.place(n, o)
	}
	return firstErr
}

func (t *Tree) Remove(o spatial.Object) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.unplace(o) {
		return false
	}
	t.count--
	if t.root != nil {
		t.mergeCheck(t.root)
		t.shrinkRoot()
	}
	return true
}

func (t *Tree) mergeCheck(n *node) int {
	if n == nil {
		return 0
	}
	if n.isLeaf() {
		return n.objects.Len()
	}
	total := n.objects.Len()
	for _, c := range n.children {
		total += t.mergeCheck(c)
	}
	if total <= t.cfg.MaxObjectsPerNode {
		var all []spatial.Object
		collect(n, &all)
		for _, o := range all {
			t.unplace(o)
		}
		n.objects = spatial.ObjectSlots{}
		for _, o := range all {
			t.place(n, o)
		}
		children := n.children
		n.children = [4]*node{}
		for _, c := range children {
			t.releaseSubtree(c)
		}
	}
	return total
}

func (t *Tree) shrinkRoot() {
	for t.root != nil && t.root.objects.Len() == 0 {
		var only *node
		n := 0
		for _, c := range t.root.children {
			if c != nil {
				only = c
				n++
			}
		}
		if n != 1 {
			return
		}
		old := t.root
		only.parent = nil
		t.root = only
		t.releaseNode(old.token)
	}
}

func collect(n *node, out *[]spatial.Object) {
	if n == nil {
		return
	}
	*out = append(*out, n.objects.Objects()...)
	for _, c := range n.children {
		collect(c, out)
	}
}

func (t *Tree) Update(o spatial.Object) bool {
	if !t.Remove(o) {
		return false
	}
	if err := t.Insert(o); err != nil {
		if t.log != nil {
			t.log.Warn("quadtree update: reinsert failed", enginelog.F("error", err))
		}
		return false
	}
	return true
}

func (t *Tree) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseSubtree(t.root)
	t.root = nil
	t.count = 0
	t.location = make(map[spatial.Object]nodeLoc)
}

// yRangeFor picks the Y slab a node's 2D bounds are extruded by to produce
// the 3D AABB a Query operates on — see the package doc and Open Question
// #2. The ad-hoc min_node_size slab for point queries is preserved
// verbatim rather than redesigned, per DESIGN.md.
func (t *Tree) yRangeFor(q spatial.Query) (minY, maxY float32) {
	switch v := q.(type) {
	case spatial.PointQuery:
		return v.Point.Y - t.cfg.MinNodeSize, v.Point.Y + t.cfg.MinNodeSize
	case spatial.VolumeQuery:
		return v.Volume.Min.Y, v.Volume.Max.Y
	default:
		return -math.MaxFloat32, math.MaxFloat32
	}
}

func bounds3(r rect2, minY, maxY float32) geom.AABB {
	return geom.AABB{
		Min: geom.Vec3{X: r.minX, Y: minY, Z: r.minZ},
		Max: geom.Vec3{X: r.maxX, Y: maxY, Z: r.maxZ},
	}
}

func (t *Tree) Query(q spatial.Query) []spatial.Object {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()

	minY, maxY := t.yRangeFor(q)
	seen := make(map[spatial.Object]struct{})
	var out []spatial.Object
	queryNode(root, q, minY, maxY, seen, &out)
	return out
}

func queryNode(n *node, q spatial.Query, minY, maxY float32, seen map[spatial.Object]struct{}, out *[]spatial.Object) {
	if n == nil || !q.ShouldTraverse(bounds3(n.loose, minY, maxY)) {
		return
	}
	n.objects.Each(func(_ spatial.Handle, o spatial.Object) {
		if _, dup := seen[o]; dup {
			return
		}
		if q.ShouldAccept(o) {
			seen[o] = struct{}{}
			*out = append(*out, o)
		}
	})
	for _, c := range n.children {
		queryNode(c, q, minY, maxY, seen, out)
	}
}

// Rebuild has no error return — if the allocator is exhausted partway
// through reinsertion, the remaining objects are dropped and logged
// rather than silently lost without a trace.
func (t *Tree) Rebuild() {
	t.mu.Lock()
	var objs []spatial.Object
	collect(t.root, &objs)
	for _, o := range objs {
		t.unplace(o)
	}
	t.releaseSubtree(t.root)
	t.root = nil
	t.count = 0
	t.mu.Unlock()

	placed := 0
	for _, o := range objs {
		if err := t.Insert(o); err != nil {
			if t.log != nil {
				t.log.Error("quadtree rebuild: reinsert failed", enginelog.F("error", err), enginelog.F("placed", placed), enginelog.F("total", len(objs)))
			}
			break
		}
		placed++
	}
	if t.log != nil {
		t.log.Info("quadtree rebuild", enginelog.F("objects", placed))
	}
}

func (t *Tree) Optimize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root == nil {
		return
	}
	t.mergeCheck(t.root)
	t.shrinkRoot()
}

func (t *Tree) Stats() spatial.Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	nodes, maxDepth := 0, 0
	walkStats(t.root, 0, &nodes, &maxDepth)
	avg := 0.0
	if nodes > 0 {
		avg = float64(t.count) / float64(nodes)
	}
	return spatial.Stats{ObjectCount: t.count, NodeCount: nodes, MaxDepth: maxDepth, AvgObjectsPerNode: avg}
}

func walkStats(n *node, depth int, nodes, maxDepth *int) {
	if n == nil {
		return
	}
	*nodes++
	if depth > *maxDepth {
		*maxDepth = depth
	}
	for _, c := range n.children {
		walkStats(c, depth+1, nodes, maxDepth)
	}
}

func (t *Tree) DebugDraw(visit func(geom.AABB)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	debugDraw(t.root, visit)
}

func debugDraw(n *node, visit func(geom.AABB)) {
	if n == nil {
		return
	}
	visit(bounds3(n.loose, -1, 1))
	for _, c := range n.children {
		debugDraw(c, visit)
	}
}

var _ spatial.Container = (*Tree)(nil)
