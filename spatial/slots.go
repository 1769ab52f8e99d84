package spatial

// ObjectSlots is the generation-tracked slot arena every node-owning
// backend (bsp/octree/quadtree node object lists, hash grid cell buckets)
// stores its objects in, realizing the Handle REDESIGN FLAG from
// SPEC_FULL.md §3.1 for real rather than leaving Handle unused: Insert
// returns the Handle identifying the slot an object landed in, and Remove
// takes that Handle back rather than re-deriving a storage location from
// the object's (possibly stale, since Update moves objects) current
// Bounds(). A freed slot's generation is bumped before reuse so a Handle
// captured before a slot was recycled never aliases the slot's new
// occupant.
type ObjectSlots struct {
	slots []objectSlot
	free  []uint32
}

type objectSlot struct {
	obj      Object
	gen      uint32
	occupied bool
}

// Insert stores o in a free (recycled) or newly appended slot.
func (s *ObjectSlots) Insert(o Object) Handle {
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		sl := &s.slots[idx]
		sl.obj = o
		sl.occupied = true
		return Handle{Index: idx, Generation: sl.gen}
	}
	idx := uint32(len(s.slots))
	s.slots = append(s.slots, objectSlot{obj: o, gen: 1, occupied: true})
	return Handle{Index: idx, Generation: 1}
}

// Remove frees h's slot and returns the object it held, if h is still
// live. A stale or already-freed Handle is a silent no-op, matching the
// container contract's "unknown object is a no-op" policy (§4.D.5).
func (s *ObjectSlots) Remove(h Handle) (Object, bool) {
	if int(h.Index) >= len(s.slots) {
		return nil, false
	}
	sl := &s.slots[h.Index]
	if !sl.occupied || sl.gen != h.Generation {
		return nil, false
	}
	obj := sl.obj
	sl.obj = nil
	sl.occupied = false
	sl.gen++
	s.free = append(s.free, h.Index)
	return obj, true
}

// Len reports the number of currently live objects.
func (s *ObjectSlots) Len() int { return len(s.slots) - len(s.free) }

// Each visits every live object with its current Handle. fn must not
// mutate s.
func (s *ObjectSlots) Each(fn func(Handle, Object)) {
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.occupied {
			fn(Handle{Index: uint32(i), Generation: sl.gen}, sl.obj)
		}
	}
}

// Objects returns a snapshot slice of every live object, discarding
// handles — the common case for callers that only need to redistribute or
// rebuild from the current contents.
func (s *ObjectSlots) Objects() []Object {
	out := make([]Object, 0, s.Len())
	s.Each(func(_ Handle, o Object) { out = append(out, o) })
	return out
}
