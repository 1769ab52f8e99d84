// Package octree implements a loose octree container: child bounds are
// expanded by Config.Looseness so objects fit entirely inside one child
// more often, trading some over-testing for fewer straddling objects
// parked higher in the tree. Child index encoding is bitwise: bit 0 =
// x >= center.x, bit 1 = y >= center.y, bit 2 = z >= center.z.
package octree

import (
	"sync"
	"unsafe"

	"github.com/nmxmxh/spatialcore/enginelog"
	"github.com/nmxmxh/spatialcore/geom"
	"github.com/nmxmxh/spatialcore/memory"
	"github.com/nmxmxh/spatialcore/spatial"
)

type node struct {
	center   geom.Vec3
	halfSize geom.Vec3 // tight half-extent, before looseness
	loose    geom.AABB // cached: center +/- halfSize*looseness

	children  [8]*node
	objects   spatial.ObjectSlots
	parent    *node
	childSlot int

	// token is this node's reservation against Tree.alloc, nil when the
	// tree was built without one. It is never dereferenced — see allocNode.
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

func looseBoundsFor(center, half geom.Vec3, looseness float32) geom.AABB {
	expanded := half.Scale(looseness)
	return geom.AABB{Min: center.Sub(expanded), Max: center.Add(expanded)}
}

func childIndexFor(center, point geom.Vec3) int {
	idx := 0
	if point.X >= center.X {
		idx |= 1
	}
	if point.Y >= center.Y {
		idx |= 2
	}
	if point.Z >= center.Z {
		idx |= 4
	}
	return idx
}

func minFullExtent(half geom.Vec3) float32 {
	m := half.X
	if half.Y < m {
		m = half.Y
	}
	if half.Z < m {
		m = half.Z
	}
	return 2 * m
}

// nodeLoc records where one object actually lives: which node's
// ObjectSlots holds it, and the Handle identifying its slot there.
// Remove/Update consult this instead of re-deriving a storage location
// from the object's current Bounds() — the latter breaks the moment an
// object moves after insertion (§4.D's update_interval implies every
// object moves most ticks), since the child the *new* bounds route to is
// not necessarily the child the object is actually filed under.
type nodeLoc struct {
	node   *node
	handle spatial.Handle
}

// Tree is a spatial.Container backed by a loose octree.
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
// propagation: whenever Insert would need to create a node, it first
// reserves a fixed-size token from alloc, and the whole Insert fails
// atomically — the tree left exactly as it was before the call — if that
// reservation fails. The node's own fields (child/parent pointers, the
// Objects it stores) are never themselves placed in alloc's backing
// buffer: memory's arenas hand out untyped []byte that the garbage
// collector does not scan for interior pointers, so a struct holding live
// Go pointers or interface values cannot safely live there. alloc may be
// nil, in which case node creation never fails.
func NewWithAllocator(cfg spatial.Config, log *enginelog.Logger, alloc memory.Allocator) (*Tree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tree{cfg: cfg, log: log, alloc: alloc, location: make(map[spatial.Object]nodeLoc)}, nil
}

// tokenSize is the fixed reservation every node takes from alloc: an
// opaque budget unit, never dereferenced.
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

func (t *Tree) allocNode(center, half geom.Vec3) (*node, error) {
	token, err := t.reserveNode()
	if err != nil {
		return nil, err
	}
	return &node{
		center:   center,
		halfSize: half,
		loose:    looseBoundsFor(center, half, t.cfg.Looseness),
		token:    token,
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
	childHalf := n.halfSize.Scale(0.5)
	sign := func(bit uint, comp float32) float32 {
		if idx&int(bit) != 0 {
			return comp
		}
		return -comp
	}
	offset := geom.Vec3{
		X: sign(1, childHalf.X),
		Y: sign(2, childHalf.Y),
		Z: sign(4, childHalf.Z),
	}
	c, err := t.allocNode(n.center.Add(offset), childHalf)
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

	b := o.Bounds()
	if t.root == nil {
		n, err := t.allocNode(b.Center(), b.Extent())
		if err != nil {
			return err
		}
		t.root = n
	}
	for !t.root.loose.ContainsAABB(b) {
		if err := t.growRoot(b); err != nil {
			return err
		}
	}
	if err := t.insertNode(t.root, o, 0); err != nil {
		return err
	}
	t.count++
	return nil
}

// growRoot resolves Open Question #1 by expanding once: the new root's
// tight bounds are the union of the old root's tight bounds and the
// escaping object, and looseness is applied exactly once to that union —
// never re-applied on top of the old root's already-loose bounds, which is
// the double-expansion the base design was flagged for. The tree is only
// mutated after the new root's reservation succeeds.
func (t *Tree) growRoot(escaping geom.AABB) error {
	oldTight := geom.AABB{Min: t.root.center.Sub(t.root.halfSize), Max: t.root.center.Add(t.root.halfSize)}
	union := oldTight.Union(escaping)
	newCenter, newHalf := union.Center(), union.Extent()

	newRoot, err := t.allocNode(newCenter, newHalf)
	if err != nil {
		return err
	}
	idx := childIndexFor(newCenter, t.root.center)
	newRoot.children[idx] = t.root
	t.root.parent = newRoot
	t.root.childSlot = idx
	t.root = newRoot
	return nil
}

func (t *Tree) insertNode(n *node, o spatial.Object, depth int) error {
	if n.isLeaf() {
		t.place(n, o)
		if n.objects.Len() > t.cfg.MaxObjectsPerNode &&
			depth < t.cfg.MaxDepth &&
			minFullExtent(n.halfSize) > t.cfg.MinNodeSize {
			if err := t.trySplit(n, depth); err != nil {
				t.unplace(o)
				return err
			}
		}
		return nil
	}
	return t.routeIntoChild(n, o, depth)
}

// routeIntoChild pushes o into the child its center falls in, if o's full
// bounds fit entirely inside that child's loose volume; otherwise o stays
// at n as a straddler. Nothing is placed until a newly needed child is
// successfully reserved, so a failed createChild leaves both n and o
// untouched.
func (t *Tree) routeIntoChild(n *node, o spatial.Object, depth int) error {
	b := o.Bounds()
	idx := childIndexFor(n.center, b.Center())
	child := n.children[idx]
	if child == nil {
		var err error
		child, err = t.createChild(n, idx)
		if err != nil {
			return err
		}
	}
	if child.loose.ContainsAABB(b) {
		return t.insertNode(child, o, depth+1)
	}
	t.place(n, o)
	return nil
}

// trySplit redistributes n's pending objects into children. If a child
// reservation fails partway through, every placement this attempt made is
// undone, any children it created are released, and every pending object
// is restored to n exactly as it was before trySplit was called — a failed
// split leaves the container's invariants untouched, per §4.D.5.
func (t *Tree) trySplit(n *node, depth int) error {
	pending := n.objects.Objects()
	for _, o := range pending {
		t.unplace(o)
	}
	n.objects = spatial.ObjectSlots{}

	var firstErr error
	for _, o := range pending {
		if err := t.routeIntoChild(n, o, depth); err != nil {
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
	n.children = [8]*node{}
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

// mergeCheck collapses any subtree whose total descendant object count has
// dropped to at most Config.MaxObjectsPerNode, and returns that count.
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
		n.children = [8]*node{}
		for _, c := range children {
			t.releaseSubtree(c)
		}
	}
	return total
}

// shrinkRoot strips degenerate roots: a root with no objects of its own and
// exactly one occupied child is replaced by that child; the discarded
// root's own reservation (not the surviving child's) is released.
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
			t.log.Warn("octree update: reinsert failed", enginelog.F("error", err))
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

// Query deduplicates across children defensively: this tree's insert
// strategy never stores an object at more than one node, but the container
// contract requires dedup from every backend that *can* duplicate objects
// across children, and a seen-set costs little against a tree this shape.
func (t *Tree) Query(q spatial.Query) []spatial.Object {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()

	seen := make(map[spatial.Object]struct{})
	var out []spatial.Object
	queryNode(root, q, seen, &out)
	return out
}

func queryNode(n *node, q spatial.Query, seen map[spatial.Object]struct{}, out *[]spatial.Object) {
	if n == nil || !q.ShouldTraverse(n.loose) {
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
		queryNode(c, q, seen, out)
	}
}

// Rebuild flattens every live object out of the current tree, releases
// the whole tree's node reservations, and reinserts each object through
// the ordinary Insert path. Rebuild has no error return, so if the
// allocator is exhausted partway through reinsertion, the remaining
// objects are dropped and logged rather than silently lost without a
// trace.
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
				t.log.Error("octree rebuild: reinsert failed", enginelog.F("error", err), enginelog.F("placed", placed), enginelog.F("total", len(objs)))
			}
			break
		}
		placed++
	}
	if t.log != nil {
		t.log.Info("octree rebuild", enginelog.F("objects", placed))
	}
}

// Optimize collapses under-populated subtrees and strips any degenerate
// root left behind.
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
	visit(n.loose)
	for _, c := range n.children {
		debugDraw(c, visit)
	}
}

var _ spatial.Container = (*Tree)(nil)
