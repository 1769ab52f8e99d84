package memory

import (
	"unsafe"

	"github.com/nmxmxh/spatialcore/enginelog"
)

// Linear is a contiguous bump arena. Allocate reserves the first properly
// aligned byte range at or after the current cursor; Deallocate is a no-op;
// Reset snaps the cursor back to the start and zeroes statistics. Individual
// frees are forbidden by design — only bulk reset recovers memory.
//
// Single-threaded: external synchronization is required, matching §5 of the
// spatial-engine core spec. Use Stack if concurrent producers need lock-free
// allocation.
type Linear struct {
	buf    []byte
	base   uintptr
	cursor uintptr // offset into buf; also the current "used" byte count
	count  uint64
	log    *enginelog.Logger
}

// NewLinear allocates a capacity-byte backing buffer. Allocate aligns the
// absolute address of each block, so a call may request any power-of-two
// alignment; padding counts toward Used.
func NewLinear(capacity int, log *enginelog.Logger) *Linear {
	if capacity <= 0 {
		panic("memory: capacity must be > 0")
	}
	buf := make([]byte, capacity)
	return &Linear{
		buf:  buf,
		base: uintptr(unsafe.Pointer(&buf[0])),
		log:  log,
	}
}

func (l *Linear) Allocate(size, alignment uintptr) (unsafe.Pointer, error) {
	assertAllocArgs(size, alignment)

	cur := l.base + l.cursor
	aligned := alignUp(cur, alignment)
	padding := aligned - cur
	total := padding + size

	if l.cursor+total > uintptr(len(l.buf)) {
		l.log.Warn("linear arena exhausted", enginelog.F("requested", size), enginelog.F("used", l.cursor), enginelog.F("capacity", len(l.buf)))
		return nil, wrap(ErrOutOfCapacity, "linear allocate %d bytes (align %d)", size, alignment)
	}

	offset := l.cursor + padding
	l.cursor += total
	l.count++

	return unsafe.Pointer(&l.buf[offset]), nil
}

// Deallocate is a no-op: the linear arena only frees in bulk via Reset.
func (l *Linear) Deallocate(unsafe.Pointer) {}

func (l *Linear) Reset() {
	l.cursor = 0
	l.count = 0
}

func (l *Linear) Used() uintptr  { return l.cursor }
func (l *Linear) Total() uintptr { return uintptr(len(l.buf)) }
func (l *Linear) Count() uint64  { return l.count }

var _ Allocator = (*Linear)(nil)
