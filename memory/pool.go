package memory

import (
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nmxmxh/spatialcore/enginelog"
)

// SizeClass describes one fixed-size bucket serviced by the pool allocator.
type SizeClass struct {
	BlockSize      uintptr
	BlocksPerChunk uintptr
	Alignment      uintptr
}

const linkBytes = 8 // uint64 intrusive free-list link

// chunk is one contiguous block of BlocksPerChunk equal-size slots. The
// first linkBytes of every block (whether free or allocated) are reserved
// for the intrusive LIFO free-list link; the link is read/written by hand,
// byte at a time, the same way the donor's buddy allocator threads its free
// list through raw SharedArrayBuffer bytes (kernel/threads/arena/buddy.go
// writeU32/getNextFree) rather than by casting to *uint64, which would
// fault on strict-alignment platforms when BlockSize leaves the link
// misaligned.
type chunk struct {
	buf          []byte
	alignedStart uintptr
	stride       uintptr
	linkReserve  uintptr
	blocks       uintptr
	freeHead     uint64 // 0 = empty; else (blockIndex+1)
	occupied     *bitset.BitSet
}

func newChunk(class SizeClass) *chunk {
	linkReserve := alignUp(linkBytes, class.Alignment)
	stride := alignUp(linkReserve+class.BlockSize, class.Alignment)
	buf := make([]byte, stride*class.BlocksPerChunk+class.Alignment)

	raw := uintptr(unsafe.Pointer(&buf[0]))
	alignedStart := alignUp(raw, class.Alignment) - raw

	c := &chunk{
		buf:          buf,
		alignedStart: alignedStart,
		stride:       stride,
		linkReserve:  linkReserve,
		blocks:       class.BlocksPerChunk,
		occupied:     bitset.New(uint(class.BlocksPerChunk)),
	}
	for i := uintptr(0); i < class.BlocksPerChunk; i++ {
		c.writeLink(i, c.freeHead)
		c.freeHead = i + 1
	}
	return c
}

func (c *chunk) blockOffset(idx uintptr) uintptr { return c.alignedStart + idx*c.stride }

func (c *chunk) writeLink(idx uintptr, next uint64) {
	off := c.blockOffset(idx)
	for i := 0; i < linkBytes; i++ {
		c.buf[off+uintptr(i)] = byte(next >> (8 * i))
	}
}

func (c *chunk) readLink(idx uintptr) uint64 {
	off := c.blockOffset(idx)
	var v uint64
	for i := 0; i < linkBytes; i++ {
		v |= uint64(c.buf[off+uintptr(i)]) << (8 * i)
	}
	return v
}

func (c *chunk) userPtr(idx uintptr) unsafe.Pointer {
	return unsafe.Pointer(&c.buf[c.blockOffset(idx)+c.linkReserve])
}

func (c *chunk) addrRange() (start, end uintptr) {
	start = uintptr(unsafe.Pointer(&c.buf[0]))
	return start, start + uintptr(len(c.buf))
}

func (c *chunk) tryAlloc() (unsafe.Pointer, uintptr, bool) {
	if c.freeHead == 0 {
		return nil, 0, false
	}
	idx := uintptr(c.freeHead - 1)
	c.freeHead = c.readLink(idx)
	c.occupied.Set(uint(idx))
	return c.userPtr(idx), idx, true
}

// freeAt returns false if addr does not map onto a block boundary of this
// chunk, or the block it maps to is not currently allocated — both indicate
// the pointer belongs to someone else.
func (c *chunk) freeAt(addr uintptr) bool {
	start, end := c.addrRange()
	if addr < start || addr >= end {
		return false
	}
	rel := addr - start
	if rel < c.alignedStart+c.linkReserve {
		return false
	}
	rel -= c.alignedStart + c.linkReserve
	if rel%c.stride != 0 {
		return false
	}
	idx := rel / c.stride
	if idx >= c.blocks || !c.occupied.Test(uint(idx)) {
		return false
	}
	c.occupied.Clear(uint(idx))
	c.writeLink(idx, c.freeHead)
	c.freeHead = uint64(idx) + 1
	return true
}

// classPool is the per-size-class state of one ThreadPool. It is only ever
// touched by the goroutine that acquired the owning ThreadPool, so none of
// its fields need synchronization — matching §5's "allocate inside a pool
// touches no shared state after the initial lookup".
type classPool struct {
	class          SizeClass
	chunks         []*chunk
	lastUsed       *chunk
	seen           *bloom.BloomFilter // addresses ever handed out by this class
	allocatedBytes uintptr
	totalBytes     uintptr
}

func newClassPool(class SizeClass) *classPool {
	return &classPool{
		class: class,
		seen:  bloom.NewWithEstimates(4096, 0.01),
	}
}

func ptrKey(addr uintptr) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(addr))
	return b[:]
}

func (cp *classPool) allocate(owner *Pool) (unsafe.Pointer, error) {
	if cp.lastUsed != nil {
		if ptr, _, ok := cp.lastUsed.tryAlloc(); ok {
			cp.seen.Add(ptrKey(uintptr(ptr)))
			cp.allocatedBytes += cp.class.BlockSize
			return ptr, nil
		}
	}
	for _, c := range cp.chunks {
		if c == cp.lastUsed {
			continue
		}
		if ptr, _, ok := c.tryAlloc(); ok {
			cp.lastUsed = c
			cp.seen.Add(ptrKey(uintptr(ptr)))
			cp.allocatedBytes += cp.class.BlockSize
			return ptr, nil
		}
	}

	c := newChunk(cp.class)
	cp.chunks = append(cp.chunks, c)
	cp.lastUsed = c
	cp.totalBytes += uintptr(len(c.buf))
	owner.totalBytes.Add(uint64(len(c.buf)))

	ptr, _, ok := c.tryAlloc()
	if !ok {
		return nil, wrap(ErrOutOfCapacity, "pool chunk exhausted immediately after creation")
	}
	cp.seen.Add(ptrKey(uintptr(ptr)))
	cp.allocatedBytes += cp.class.BlockSize
	return ptr, nil
}

// free returns true if addr belonged to (and was freed from) this class.
func (cp *classPool) free(addr uintptr) bool {
	if !cp.seen.Test(ptrKey(addr)) {
		return false
	}
	if cp.lastUsed != nil && cp.lastUsed.freeAt(addr) {
		cp.allocatedBytes -= cp.class.BlockSize
		return true
	}
	for _, c := range cp.chunks {
		if c == cp.lastUsed {
			continue
		}
		if c.freeAt(addr) {
			cp.lastUsed = c
			cp.allocatedBytes -= cp.class.BlockSize
			return true
		}
	}
	return false
}

// Pool is the shared registry of per-goroutine ThreadPools for one ordered
// set of size classes. It owns only cross-goroutine bookkeeping: the handle
// registry (for Reset) and aggregate statistics.
type Pool struct {
	classes []SizeClass

	mu      sync.Mutex
	handles map[*ThreadPool]struct{}

	generation atomic.Uint32
	totalBytes atomic.Uint64
	allocCount atomic.Uint64
	freeCount  atomic.Uint64

	log *enginelog.Logger
}

// NewPool configures a pool with the given size classes, which are sorted
// ascending by BlockSize (the ordering the smallest-fit search in
// ThreadPool.Allocate relies on).
func NewPool(classes []SizeClass, log *enginelog.Logger) *Pool {
	cls := append([]SizeClass(nil), classes...)
	sort.Slice(cls, func(i, j int) bool { return cls[i].BlockSize < cls[j].BlockSize })
	return &Pool{
		classes: cls,
		handles: make(map[*ThreadPool]struct{}),
		log:     log,
	}
}

func (p *Pool) findClass(size, alignment uintptr) (int, bool) {
	for i, c := range p.classes {
		if c.BlockSize >= size && c.Alignment >= alignment {
			return i, true
		}
	}
	return 0, false
}

// ForCurrentGoroutine returns a new per-caller handle onto this pool. The
// caller should retain and reuse it — Go has no stable notion of "current
// thread id" for the pool to key a lookup on, so acquisition is explicit
// rather than implicit (see SPEC_FULL.md §5 / DESIGN.md Open Question #4).
func (p *Pool) ForCurrentGoroutine() *ThreadPool {
	tp := &ThreadPool{
		owner:      p,
		generation: p.generation.Load(),
		classes:    p.freshClassPools(),
	}
	p.mu.Lock()
	p.handles[tp] = struct{}{}
	p.mu.Unlock()
	return tp
}

func (p *Pool) freshClassPools() []*classPool {
	out := make([]*classPool, len(p.classes))
	for i, c := range p.classes {
		out[i] = newClassPool(c)
	}
	return out
}

// Reset bumps the generation counter, drops the handle registry, and zeroes
// aggregate statistics. Any ThreadPool a caller still holds is rebuilt from
// scratch (and every pointer it had issued invalidated) the next time it is
// used.
func (p *Pool) Reset() {
	p.generation.Add(1)
	p.mu.Lock()
	p.handles = make(map[*ThreadPool]struct{})
	p.mu.Unlock()
	p.totalBytes.Store(0)
	p.allocCount.Store(0)
	p.freeCount.Store(0)
	if p.log != nil {
		p.log.Info("pool reset", enginelog.F("generation", p.generation.Load()))
	}
}

// PoolStats reports aggregate statistics across every ThreadPool ever
// acquired from this Pool since the last Reset.
type PoolStats struct {
	TotalBytes uint64
	AllocCount uint64
	FreeCount  uint64
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TotalBytes: p.totalBytes.Load(),
		AllocCount: p.allocCount.Load(),
		FreeCount:  p.freeCount.Load(),
	}
}

// ThreadPool is the Allocator a single goroutine actually calls into. It is
// not safe for concurrent use by multiple goroutines — acquire one handle
// per goroutine via Pool.ForCurrentGoroutine.
type ThreadPool struct {
	owner      *Pool
	generation uint32
	classes    []*classPool
}

func (tp *ThreadPool) refreshIfStale() {
	current := tp.owner.generation.Load()
	if tp.generation != current {
		tp.classes = tp.owner.freshClassPools()
		tp.generation = current
	}
}

func (tp *ThreadPool) Allocate(size, alignment uintptr) (unsafe.Pointer, error) {
	assertAllocArgs(size, alignment)
	tp.refreshIfStale()

	idx, ok := tp.owner.findClass(size, alignment)
	if !ok {
		return nil, wrap(ErrNoFittingSizeClass, "pool allocate %d bytes (align %d)", size, alignment)
	}
	ptr, err := tp.classes[idx].allocate(tp.owner)
	if err != nil {
		tp.owner.log.Warn("pool size class exhausted", enginelog.F("size", size), enginelog.F("alignment", alignment))
		return nil, err
	}
	tp.owner.allocCount.Add(1)
	return ptr, nil
}

// Deallocate locates the owning chunk by address-range scan across this
// goroutine's own class pools. A pointer this pool never issued — it may
// belong to another allocator, or to another goroutine's pool — is silently
// ignored, per §4.A.3's deliberate cross-thread-free policy. The bloom
// filter on each class pool turns the common case (a clearly foreign
// pointer) into an O(1) negative instead of a linear chunk scan.
func (tp *ThreadPool) Deallocate(ptr unsafe.Pointer) {
	tp.refreshIfStale()
	addr := uintptr(ptr)
	for _, cp := range tp.classes {
		if cp.free(addr) {
			tp.owner.freeCount.Add(1)
			return
		}
	}
}

// AllocateBatch amortizes the size-class lookup over n allocations. If a
// later element in the batch fails, everything already allocated by this
// call is rolled back so the batch either fully succeeds or has no visible
// effect.
func (tp *ThreadPool) AllocateBatch(n int, size, alignment uintptr) ([]unsafe.Pointer, error) {
	assertAllocArgs(size, alignment)
	tp.refreshIfStale()

	idx, ok := tp.owner.findClass(size, alignment)
	if !ok {
		return nil, wrap(ErrNoFittingSizeClass, "pool allocate_batch %d bytes (align %d)", size, alignment)
	}
	cp := tp.classes[idx]

	out := make([]unsafe.Pointer, 0, n)
	for i := 0; i < n; i++ {
		ptr, err := cp.allocate(tp.owner)
		if err != nil {
			for _, p := range out {
				cp.free(uintptr(p))
			}
			return nil, err
		}
		out = append(out, ptr)
	}
	tp.owner.allocCount.Add(uint64(n))
	return out, nil
}

func (tp *ThreadPool) DeallocateBatch(ptrs []unsafe.Pointer) {
	for _, p := range ptrs {
		tp.Deallocate(p)
	}
}

func (tp *ThreadPool) Reset() { tp.owner.Reset() }

func (tp *ThreadPool) Used() uintptr {
	var used uintptr
	for _, cp := range tp.classes {
		used += cp.allocatedBytes
	}
	return used
}

func (tp *ThreadPool) Total() uintptr {
	var total uintptr
	for _, cp := range tp.classes {
		total += cp.totalBytes
	}
	return total
}

func (tp *ThreadPool) Count() uint64 { return tp.owner.allocCount.Load() }

var _ Allocator = (*ThreadPool)(nil)
