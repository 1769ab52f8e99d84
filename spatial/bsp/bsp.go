// Package bsp implements a binary space partitioning tree container: each
// leaf holds up to Config.MaxTrianglesPerLeaf objects; on overflow it picks
// a split plane through its center orthogonal to its axis of largest
// extent (ties broken x > y > z). Objects strictly in front or behind the
// plane move to the corresponding child; objects the plane straddles stay
// at the node that introduced the split.
package bsp

import (
	"sync"
	"unsafe"

	"github.com/nmxmxh/spatialcore/enginelog"
	"github.com/nmxmxh/spatialcore/geom"
	"github.com/nmxmxh/spatialcore/memory"
	"github.com/nmxmxh/spatialcore/spatial"
)

type side int

const (
	sideFront side = iota
	sideBack
	sideStraddle
)

type node struct {
	bounds      geom.AABB
	plane       geom.Plane
	front, back *node
	objects     spatial.ObjectSlots

	// token is this node's reservation against Tree.alloc, nil when the
	// tree was built without one. Never dereferenced — see allocNode.
	token unsafe.Pointer
}

func (n *node) isLeaf() bool { return n.front == nil && n.back == nil }

// nodeLoc records where one object actually lives. Remove/Update consult
// this rather than re-classifying the object's current Bounds() against
// each node's split plane — the latter breaks the moment an object moves
// after insertion, since the side its *new* bounds classify to is not
// necessarily the side it is actually filed under.
type nodeLoc struct {
	node   *node
	handle spatial.Handle
}

// Tree is a spatial.Container backed by a BSP tree.
type Tree struct {
	cfg   spatial.Config
	log   *enginelog.Logger
	alloc memory.Allocator
	mu    sync.RWMutex
	root  *node
	count int

	location map[spatial.Object]nodeLoc
}

// New validates cfg and returns an empty tree with no backing Allocator:
// nodes are ordinary Go-heap values and node creation never fails.
func New(cfg spatial.Config, log *enginelog.Logger) (*Tree, error) {
	return NewWithAllocator(cfg, log, nil)
}

// NewWithAllocator validates cfg and returns an empty tree whose node
// creation is gated by alloc, realizing §2's "D depends on A" and
// §4.D.5's allocator-exhaustion propagation: a split that would need to
// create a front/back child first reserves a fixed-size token from alloc,
// and the whole Insert fails atomically — the tree left exactly as it was
// — if that reservation fails. Node fields (child pointers, the Objects a
// node stores) are never themselves placed in alloc's backing buffer:
// memory's arenas hand out untyped []byte the garbage collector does not
// scan for interior pointers. alloc may be nil, in which case node
// creation never fails.
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
	t.releaseSubtree(n.front)
	t.releaseSubtree(n.back)
	t.releaseNode(n.token)
}

func (t *Tree) allocNode(bounds geom.AABB) (*node, error) {
	token, err := t.reserveNode()
	if err != nil {
		return nil, err
	}
	return &node{bounds: bounds, token: token}, nil
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

func classify(p geom.Plane, b geom.AABB) side {
	dMin := p.SignedDistance(b.Min)
	dMax := p.SignedDistance(b.Max)
	switch {
	case dMin >= 0:
		return sideFront
	case dMax <= 0:
		return sideBack
	default:
		return sideStraddle
	}
}

func (t *Tree) Insert(o spatial.Object) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == nil {
		n, err := t.allocNode(o.Bounds())
		if err != nil {
			return err
		}
		t.root = n
	} else if t.root.isLeaf() {
		// Root bounds track the union of all inserted objects only while
		// the tree hasn't split yet; once split planes exist, the bounds
		// they were computed from must stay fixed.
		t.root.bounds = t.root.bounds.Union(o.Bounds())
	}
	if err := t.insertNode(t.root, o, 0); err != nil {
		return err
	}
	t.count++
	return nil
}

func (t *Tree) insertNode(n *node, o spatial.Object, depth int) error {
	if n.isLeaf() {
		t.place(n, o)
		if n.objects.Len() > t.cfg.MaxTrianglesPerLeaf && depth < t.cfg.MaxDepth {
			if err := t.split(n, depth); err != nil {
				t.unplace(o)
				return err
			}
		}
		return nil
	}
	switch classify(n.plane, o.Bounds()) {
	case sideFront:
		return t.insertNode(n.front, o, depth+1)
	case sideBack:
		return t.insertNode(n.back, o, depth+1)
	default:
		t.place(n, o)
		return nil
	}
}

// split redistributes n's pending objects into a new front/back pair. If
// either child's reservation fails, or redistributing the pending objects
// fails partway through, every placement this attempt made is undone, any
// children it created are released, and n is restored to a leaf holding
// exactly the objects it held before split was called — a failed split
// leaves the container's invariants untouched, per §4.D.5.
func (t *Tree) split(n *node, depth int) error {
	size := n.bounds.Max.Sub(n.bounds.Min)
	axis := 0
	if size.Y > size.X {
		axis = 1
	}
	if size.Z > pick(size, axis) {
		axis = 2
	}

	center := n.bounds.Center()
	var normal geom.Vec3
	var coord float32
	switch axis {
	case 0:
		normal, coord = geom.Vec3{X: 1}, center.X
	case 1:
		normal, coord = geom.Vec3{Y: 1}, center.Y
	default:
		normal, coord = geom.Vec3{Z: 1}, center.Z
	}
	plane := geom.NewPlane(normal, -coord)

	frontBounds, backBounds := n.bounds, n.bounds
	switch axis {
	case 0:
		frontBounds.Min.X, backBounds.Max.X = coord, coord
	case 1:
		frontBounds.Min.Y, backBounds.Max.Y = coord, coord
	default:
		frontBounds.Min.Z, backBounds.Max.Z = coord, coord
	}

	front, err := t.allocNode(frontBounds)
	if err != nil {
		return err
	}
	back, err := t.allocNode(backBounds)
	if err != nil {
		t.releaseNode(front.token)
		return err
	}

	pending := n.objects.Objects()
	for _, o := range pending {
		t.unplace(o)
	}
	n.objects = spatial.ObjectSlots{}
	n.plane = plane
	n.front, n.back = front, back

	var firstErr error
	for _, o := range pending {
		if err := t.insertNode(n, o, depth); err != nil {
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
	t.releaseSubtree(n.front)
	t.releaseSubtree(n.back)
	n.front, n.back = nil, nil
	for _, o := range pending {
		t.place(n, o)
	}
	return firstErr
}

func pick(v geom.Vec3, axis int) float32 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func (t *Tree) Remove(o spatial.Object) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.unplace(o) {
		return false
	}
	t.count--
	return true
}

func (t *Tree) Update(o spatial.Object) bool {
	t.mu.Lock()
	if !t.unplace(o) {
		t.mu.Unlock()
		return false
	}
	t.count--
	t.mu.Unlock()

	if err := t.Insert(o); err != nil {
		if t.log != nil {
			t.log.Warn("bsp update: reinsert failed", enginelog.F("error", err))
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

func (t *Tree) Query(q spatial.Query) []spatial.Object {
	t.mu.RLock()
	root := t.root
	t.mu.RUnlock()

	var out []spatial.Object
	queryNode(root, q, &out)
	return out
}

func queryNode(n *node, q spatial.Query, out *[]spatial.Object) {
	if n == nil || !q.ShouldTraverse(n.bounds) {
		return
	}
	n.objects.Each(func(_ spatial.Handle, o spatial.Object) {
		if q.ShouldAccept(o) {
			*out = append(*out, o)
		}
	})
	queryNode(n.front, q, out)
	queryNode(n.back, q, out)
}

func (t *Tree) Rebuild() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rebuildLocked()
}

// rebuildLocked has no error return — if the allocator is exhausted
// partway through reinsertion, the remaining objects are dropped and
// logged rather than silently lost without a trace.
func (t *Tree) rebuildLocked() {
	var objs []spatial.Object
	collect(t.root, &objs)
	for _, o := range objs {
		t.unplace(o)
	}
	t.releaseSubtree(t.root)
	t.root = nil

	// Seed the root with the union of every object's bounds, so the first
	// split plane divides the whole set rather than the first few objects.
	if len(objs) > 0 {
		bounds := objs[0].Bounds()
		for _, o := range objs[1:] {
			bounds = bounds.Union(o.Bounds())
		}
		if n, err := t.allocNode(bounds); err == nil {
			t.root = n
		}
	}

	placed := 0
	for _, o := range objs {
		if t.root == nil {
			n, err := t.allocNode(o.Bounds())
			if err != nil {
				if t.log != nil {
					t.log.Error("bsp rebuild: reinsert failed", enginelog.F("error", err), enginelog.F("placed", placed), enginelog.F("total", len(objs)))
				}
				break
			}
			t.root = n
		} else if t.root.isLeaf() {
			t.root.bounds = t.root.bounds.Union(o.Bounds())
		}
		if err := t.insertNode(t.root, o, 0); err != nil {
			if t.log != nil {
				t.log.Error("bsp rebuild: reinsert failed", enginelog.F("error", err), enginelog.F("placed", placed), enginelog.F("total", len(objs)))
			}
			break
		}
		placed++
	}
	t.count = placed
	if t.log != nil {
		t.log.Info("bsp rebuild", enginelog.F("objects", placed))
	}
}

func collect(n *node, out *[]spatial.Object) {
	if n == nil {
		return
	}
	*out = append(*out, n.objects.Objects()...)
	collect(n.front, out)
	collect(n.back, out)
}

// Optimize rebuilds when the front/total balance ratio at the root strays
// outside [0.3, 0.7] with at least 100 objects in the tree.
func (t *Tree) Optimize() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == nil || t.root.isLeaf() || t.count < 100 {
		return
	}
	var frontObjs []spatial.Object
	collect(t.root.front, &frontObjs)
	ratio := float64(len(frontObjs)) / float64(t.count)
	if ratio < 0.3 || ratio > 0.7 {
		t.rebuildLocked()
	}
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
	return spatial.Stats{
		ObjectCount:       t.count,
		NodeCount:         nodes,
		MaxDepth:          maxDepth,
		AvgObjectsPerNode: avg,
	}
}

func walkStats(n *node, depth int, nodes, maxDepth *int) {
	if n == nil {
		return
	}
	*nodes++
	if depth > *maxDepth {
		*maxDepth = depth
	}
	walkStats(n.front, depth+1, nodes, maxDepth)
	walkStats(n.back, depth+1, nodes, maxDepth)
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
	visit(n.bounds)
	debugDraw(n.front, visit)
	debugDraw(n.back, visit)
}

var _ spatial.Container = (*Tree)(nil)
