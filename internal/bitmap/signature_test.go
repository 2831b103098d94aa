package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignature_SetUnionSubset(t *testing.T) {
	t.Parallel()

	a := Signature{}.Set(3)
	b := Signature{}.Set(200)
	u := a.Union(b)

	assert.True(t, a.Subset(u))
	assert.True(t, b.Subset(u))
	assert.False(t, u.Subset(a))
	assert.False(t, u.Subset(b))
	assert.True(t, a.Subset(a))
	assert.Equal(t, 2, u.Popcount())
}

func TestSignature_EqualAndEmpty(t *testing.T) {
	t.Parallel()

	var zero Signature
	assert.True(t, zero.Empty())
	assert.True(t, zero.Equal(Signature{}))

	s := zero.Set(7)
	assert.False(t, s.Empty())
	assert.False(t, s.Equal(zero))
	assert.True(t, s.Equal(Signature{}.Set(7)))

	// union is idempotent and commutative
	o := Signature{}.Set(9)
	assert.True(t, s.Union(o).Equal(o.Union(s)))
	assert.True(t, s.Union(s).Equal(s))
}

func TestSignature_LowestBit(t *testing.T) {
	t.Parallel()

	_, ok := (Signature{}).LowestBit()
	assert.False(t, ok)

	s := Signature{}.Set(130).Set(64).Set(255)
	bit, ok := s.LowestBit()
	require.True(t, ok)
	assert.Equal(t, 64, bit)
}

func TestSignature_HashDistinguishes(t *testing.T) {
	t.Parallel()

	a := Signature{}.Set(0)
	b := Signature{}.Set(1)
	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.Equal(t, a.Hash(), Signature{}.Set(0).Hash())
}

func TestSignature_SetOutOfRangePanics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { Signature{}.Set(MaxBits) })
	assert.Panics(t, func() { Signature{}.Set(-1) })
}

func TestAllocator_AllocFreeReuse(t *testing.T) {
	t.Parallel()

	a := NewAllocator()
	b0, ok := a.Alloc()
	require.True(t, ok)
	b1, ok := a.Alloc()
	require.True(t, ok)
	assert.NotEqual(t, b0, b1)

	a.Free(b0)
	b2, ok := a.Alloc()
	require.True(t, ok)
	assert.Equal(t, b0, b2)
}

func TestAllocator_Ceiling(t *testing.T) {
	t.Parallel()

	a := NewAllocator()
	for i := 0; i < MaxBits; i++ {
		_, ok := a.Alloc()
		require.True(t, ok, "bit %d", i)
	}
	_, ok := a.Alloc()
	assert.False(t, ok)

	a.Free(17)
	bit, ok := a.Alloc()
	require.True(t, ok)
	assert.Equal(t, 17, bit)
}
