package memory

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers compare with errors.Is; call sites wrap these
// with fmt.Errorf("...: %w", ...) (see wrap below) to attach context, the
// same pattern the donor codebase uses throughout its allocator package.
var (
	// ErrOutOfCapacity is returned when a Linear or Stack arena's backing
	// buffer is exhausted. The thread pool grows a new chunk instead of
	// failing when every existing chunk of a size class is full.
	ErrOutOfCapacity = errors.New("memory: out of capacity")

	// ErrNoFittingSizeClass is returned by the pool allocator when no
	// configured size class can satisfy the requested size and alignment.
	ErrNoFittingSizeClass = errors.New("memory: no fitting size class")

	// ErrInvalidArgument names the invalid-argument kind. No allocator in
	// this package returns it: a non-power-of-two alignment or a zero size
	// is asserted via panic instead (see assertAllocArgs).
	ErrInvalidArgument = errors.New("memory: invalid argument")

	// ErrStaleMarker is returned when Unwind is called with a marker that no
	// longer precedes or equals the current cursor.
	ErrStaleMarker = errors.New("memory: stale marker")
)

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

func isPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}

func alignUp(v, alignment uintptr) uintptr {
	return (v + alignment - 1) &^ (alignment - 1)
}
