package memory

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLinearAlignmentLaw(t *testing.T) {
	l := NewLinear(1<<16, nil)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		alignment := uintptr(1) << uint(rng.Intn(6)) // 1..32
		size := uintptr(1 + rng.Intn(256))

		ptr, err := l.Allocate(size, alignment)
		require.NoError(t, err)
		require.Zero(t, uintptr(ptr)%alignment)
	}
}

func TestLinearUsedBytesMonotonic(t *testing.T) {
	l := NewLinear(4096, nil)

	var lastUsed uintptr
	for i := 0; i < 50; i++ {
		_, err := l.Allocate(16, 8)
		require.NoError(t, err)
		require.GreaterOrEqual(t, l.Used(), lastUsed)
		lastUsed = l.Used()
	}

	l.Reset()
	require.Zero(t, l.Used())
	require.Zero(t, l.Count())
}

func TestLinearExhaustion(t *testing.T) {
	l := NewLinear(16, nil)
	_, err := l.Allocate(8, 8)
	require.NoError(t, err)

	_, err = l.Allocate(64, 8)
	require.ErrorIs(t, err, ErrOutOfCapacity)
}

func TestLinearInvalidArgsPanic(t *testing.T) {
	l := NewLinear(64, nil)
	require.Panics(t, func() { _, _ = l.Allocate(0, 8) })
	require.Panics(t, func() { _, _ = l.Allocate(8, 3) })
}
