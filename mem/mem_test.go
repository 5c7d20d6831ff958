package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageRefcount(t *testing.T) {
	var released int
	p := NewPage(make([]byte, 64), func(*Page) { released++ })
	require.EqualValues(t, 1, p.Refs())

	p.Get()
	p.Put()
	require.Zero(t, released)

	p.Put()
	require.Equal(t, 1, released)
	require.Panics(t, func() { p.Put() })
}

func TestPageGetOnFreed(t *testing.T) {
	p := NewPage(make([]byte, 8), nil)
	p.Put()
	require.Panics(t, func() { p.Get() })
}

func TestHeapAllocatorLimit(t *testing.T) {
	a := NewHeapAllocator(128, 2)

	p1, err := a.Alloc()
	require.NoError(t, err)
	p2, err := a.Alloc()
	require.NoError(t, err)
	require.Equal(t, 2, a.InUse())

	_, err = a.Alloc()
	require.ErrorIs(t, err, ErrExhausted)

	p1.Bytes()[0] = 0xff
	p1.Put()
	require.Equal(t, 1, a.InUse())

	p3, err := a.Alloc()
	require.NoError(t, err)
	require.Same(t, p1, p3, "released pages are recycled")
	require.Zero(t, p3.Bytes()[0], "recycled pages are cleared")
	require.EqualValues(t, 1, p3.Refs())

	p2.Put()
	p3.Put()
	require.Zero(t, a.InUse())
}

func TestIOMMU(t *testing.T) {
	m := NewIOMMU(0x1000_0000, 2048)
	p := NewPage(make([]byte, 2048), nil)
	q := NewPage(make([]byte, 2048), nil)

	pa, err := m.Map(p)
	require.NoError(t, err)
	qa, err := m.Map(q)
	require.NoError(t, err)
	require.NotEqual(t, pa, qa)

	_, err = m.Map(p)
	require.ErrorIs(t, err, ErrAlreadyMapped)

	got, ok := m.Lookup(qa)
	require.True(t, ok)
	require.Same(t, q, got)
	require.Equal(t, 2, m.Mapped())

	require.NoError(t, m.Unmap(pa))
	require.ErrorIs(t, m.Unmap(pa), ErrNotMapped)
	_, ok = m.Lookup(pa)
	require.False(t, ok)

	big := NewPage(make([]byte, 4096), nil)
	_, err = m.Map(big)
	require.ErrorIs(t, err, ErrPageTooLarge)
}
