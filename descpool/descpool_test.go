package descpool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/rxmon/descpool"
	"github.com/romshark/rxmon/hal"
	"github.com/romshark/rxmon/mem"
	"github.com/romshark/rxmon/monstat"
	"github.com/romshark/rxmon/ring"
)

type fixture struct {
	pool  *descpool.Pool
	alloc *mem.HeapAllocator
	iommu *mem.IOMMU
	stats *monstat.Counters
	src   *ring.Ring[hal.BufAddrInfo]
}

func newFixture(t *testing.T, descs, pages int, ringSize uint32) *fixture {
	t.Helper()
	f := &fixture{
		alloc: mem.NewHeapAllocator(hal.BufSize, pages),
		iommu: mem.NewIOMMU(0x1000_0000, hal.BufSize),
		stats: monstat.New(),
	}
	var err error
	f.pool, err = descpool.New(descs, f.alloc, f.iommu, f.stats)
	require.NoError(t, err)
	f.src, err = ring.New[hal.BufAddrInfo](ringSize, false)
	require.NoError(t, err)
	return f
}

func (f *fixture) popSrc(t *testing.T) []hal.BufAddrInfo {
	t.Helper()
	out := make([]hal.BufAddrInfo, f.src.Size())
	return out[:f.src.Consume(out)]
}

func TestNewEmpty(t *testing.T) {
	_, err := descpool.New(0, nil, nil, nil)
	require.ErrorIs(t, err, descpool.ErrEmptyPool)
}

func TestAllocatePartial(t *testing.T) {
	f := newFixture(t, 4, 16, 8)
	require.Len(t, f.pool.Allocate(3), 3)
	require.Len(t, f.pool.Allocate(3), 1)
	require.Empty(t, f.pool.Allocate(1))
	require.Equal(t, descpool.Stats{Total: 4, Free: 0, InUse: 4, Allocs: 4}, f.pool.Stats())
}

func TestReplenishAndResolve(t *testing.T) {
	f := newFixture(t, 8, 16, 4)
	require.Equal(t, 4, f.pool.Replenish(f.src, 6), "bounded by ring space")
	require.Equal(t, uint64(4), f.stats.Get(monstat.FragAlloc))
	require.Equal(t, 4, f.iommu.Mapped())

	entries := f.popSrc(t)
	require.Len(t, entries, 4)
	for _, e := range entries {
		h := descpool.Handle(e.Cookie)
		require.Equal(t, uint16(0xDC0D), h.Magic())
		d := f.pool.Resolve(h)
		require.Equal(t, e.PAddr, d.PAddr)
		pg, ok := f.iommu.Lookup(e.PAddr)
		require.True(t, ok)
		require.Same(t, d.Page, pg)
	}

	var l descpool.List
	for _, e := range entries {
		l.Push(f.pool.Resolve(descpool.Handle(e.Cookie)))
	}
	require.Equal(t, 4, f.pool.ReleaseList(&l))
	require.Zero(t, l.Len())
	require.Zero(t, f.iommu.Mapped())
	require.Zero(t, f.alloc.InUse())
	require.Equal(t, uint64(4), f.stats.Get(monstat.FragFree))

	st := f.pool.Stats()
	require.Equal(t, 8, st.Free)
	require.Equal(t, st.Allocs, st.Releases+uint64(st.InUse))
}

func TestResolvePanics(t *testing.T) {
	f := newFixture(t, 2, 4, 2)
	require.Equal(t, 1, f.pool.Replenish(f.src, 1))
	h := descpool.Handle(f.popSrc(t)[0].Cookie)

	require.Panics(t, func() { f.pool.Resolve(h &^ (0xffff << 48)) }, "bad magic")
	require.Panics(t, func() { f.pool.Resolve(h | 0xff) }, "index out of range")

	d := f.pool.Resolve(h)
	f.pool.Release(d)
	require.Panics(t, func() { f.pool.Resolve(h) }, "stale generation")
	require.Panics(t, func() { f.pool.Release(d) }, "double release")

	// Same index, next generation, but idle.
	idle := descpool.Handle(uint64(h)&^(0xffff<<32) | uint64(h.Gen()+1)<<32)
	require.Panics(t, func() { f.pool.Resolve(idle) })
}

func TestUnmapIdempotent(t *testing.T) {
	f := newFixture(t, 2, 4, 2)
	require.Equal(t, 1, f.pool.Replenish(f.src, 1))
	d := f.pool.Resolve(descpool.Handle(f.popSrc(t)[0].Cookie))

	f.pool.Unmap(d)
	require.True(t, d.Unmapped)
	require.Zero(t, f.iommu.Mapped())
	f.pool.Unmap(d)

	pg := d.TakePage()
	require.NotNil(t, pg)
	f.pool.Release(d)
	require.Zero(t, f.stats.Get(monstat.FragFree), "page ownership moved out")
	require.Equal(t, 1, f.alloc.InUse())
	pg.Put()
	require.Zero(t, f.alloc.InUse())
}

func TestReplenishPageExhaustion(t *testing.T) {
	f := newFixture(t, 8, 3, 8)
	require.Equal(t, 3, f.pool.Replenish(f.src, 5))
	require.Equal(t, uint64(2), f.stats.Get(monstat.ReplenishFail))
	st := f.pool.Stats()
	require.Equal(t, 3, st.InUse, "descriptors without pages go back")
}

func TestReplenishDescriptorExhaustion(t *testing.T) {
	f := newFixture(t, 2, 8, 8)
	require.Equal(t, 2, f.pool.Replenish(f.src, 4))
	require.Equal(t, uint64(2), f.stats.Get(monstat.ReplenishFail))
	require.Zero(t, f.pool.Replenish(f.src, 1))
}

func TestCloseFreesOutstanding(t *testing.T) {
	f := newFixture(t, 4, 8, 4)
	require.Equal(t, 4, f.pool.Replenish(f.src, 4))
	require.NoError(t, f.pool.Close())
	require.Zero(t, f.iommu.Mapped())
	require.Zero(t, f.alloc.InUse())
	require.Equal(t, 4, f.pool.Stats().Free)
	require.Empty(t, f.pool.Allocate(1))
	require.ErrorIs(t, f.pool.Close(), descpool.ErrClosed)
}
