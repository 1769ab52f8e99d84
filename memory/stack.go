package memory

import (
	"sync/atomic"
	"unsafe"

	"github.com/nmxmxh/spatialcore/enginelog"
)

// AllocationHeader precedes every Stack allocation. prev/next links from the
// original design are dropped: the stack never walks or frees a single
// block in isolation, so nothing ever needs to traverse them.
type AllocationHeader struct {
	Size      uintptr
	Alignment uintptr
}

var headerSize = unsafe.Sizeof(AllocationHeader{})

// Marker is an opaque snapshot of a Stack's cursor, captured by Marker() and
// consumed by Unwind. It is a plain value type so markers nest like a call
// stack without any backing allocation of their own.
type Marker uintptr

// Stack is a marker-based scope allocator: like Linear, but every block is
// preceded by an AllocationHeader and the cursor can be rewound to any
// previously captured Marker, recovering every byte allocated since.
//
// Allocate is lock-free: concurrent producers race a compare-and-swap on the
// cursor and retry on contention, so multiple goroutines may call Allocate
// concurrently. Unwind is NOT safe against a concurrent Allocate into the
// region being unwound — by contract the caller must ensure every
// allocation made after the captured marker is dead first. That asymmetry
// is not reflected in the receiver shape: Allocate and Unwind both take a
// *Stack like every other method here, so the contract is enforced by
// convention, not the type system, the same way the donor's lock-free cursor designs document
// (rather than encode) their single-unwinder assumption.
type Stack struct {
	buf       []byte
	base      uintptr
	cursor    atomic.Uintptr
	count     atomic.Uint64
	alignment uintptr
	log       *enginelog.Logger
}

// NewStack allocates a capacity-byte backing buffer for scoped allocations.
func NewStack(capacity int, log *enginelog.Logger) *Stack {
	if capacity <= 0 {
		panic("memory: capacity must be > 0")
	}
	buf := make([]byte, capacity)
	return &Stack{
		buf:  buf,
		base: uintptr(unsafe.Pointer(&buf[0])),
		log:  log,
	}
}

func (s *Stack) Allocate(size, alignment uintptr) (unsafe.Pointer, error) {
	assertAllocArgs(size, alignment)

	for {
		old := s.cursor.Load()
		cur := s.base + old

		// Header sits immediately before the aligned user pointer.
		userStart := alignUp(cur+headerSize, alignment)
		padding := userStart - cur - headerSize
		total := headerSize + padding + size

		if old+total > uintptr(len(s.buf)) {
			s.log.Warn("stack arena exhausted", enginelog.F("requested", size), enginelog.F("used", old), enginelog.F("capacity", len(s.buf)))
			return nil, wrap(ErrOutOfCapacity, "stack allocate %d bytes (align %d)", size, alignment)
		}

		if !s.cursor.CompareAndSwap(old, old+total) {
			continue
		}

		hdrOffset := userStart - headerSize - s.base
		hdr := (*AllocationHeader)(unsafe.Pointer(&s.buf[hdrOffset]))
		hdr.Size = size
		hdr.Alignment = alignment

		s.count.Add(1)
		return unsafe.Pointer(&s.buf[userStart-s.base]), nil
	}
}

// Deallocate is a no-op: individual blocks are recovered only via Unwind or
// Reset.
func (s *Stack) Deallocate(unsafe.Pointer) {}

// Marker captures the current cursor.
func (s *Stack) Marker() Marker {
	return Marker(s.cursor.Load())
}

// Unwind restores the cursor to a previously captured Marker, recovering
// every byte allocated since. It is the caller's responsibility to ensure no
// allocation made after m is still in use, and that no concurrent Allocate
// targets the region being recovered.
func (s *Stack) Unwind(m Marker) error {
	cur := s.cursor.Load()
	if uintptr(m) > cur {
		return wrap(ErrStaleMarker, "unwind to %d past cursor %d", uintptr(m), cur)
	}
	s.cursor.Store(uintptr(m))
	return nil
}

func (s *Stack) Reset() {
	s.cursor.Store(0)
	s.count.Store(0)
}

func (s *Stack) Used() uintptr  { return s.cursor.Load() }
func (s *Stack) Total() uintptr { return uintptr(len(s.buf)) }
func (s *Stack) Count() uint64  { return s.count.Load() }

var _ Allocator = (*Stack)(nil)
