// Package descpool manages the fixed array of buffer descriptors loaned to
// monitor hardware. Hardware only ever sees a Handle; Resolve turns it back
// into the descriptor and refuses handles that are forged or stale.
package descpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/romshark/rxmon/hal"
	"github.com/romshark/rxmon/logging"
	"github.com/romshark/rxmon/logging/logfields"
	"github.com/romshark/rxmon/mem"
	"github.com/romshark/rxmon/monstat"
	"github.com/romshark/rxmon/ring"
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "descpool")

var (
	ErrClosed    = errors.New("descriptor pool closed")
	ErrEmptyPool = errors.New("descriptor pool must hold at least one descriptor")
)

const handleMagic = 0xDC0D

// Handle identifies a descriptor: bits 63..48 carry a magic tag, 47..32 the
// descriptor generation and 31..0 the pool index.
type Handle uint64

func makeHandle(gen uint16, index uint32) Handle {
	return Handle(uint64(handleMagic)<<48 | uint64(gen)<<32 | uint64(index))
}

func (h Handle) Magic() uint16 { return uint16(h >> 48) }
func (h Handle) Gen() uint16   { return uint16(h >> 32) }
func (h Handle) Index() uint32 { return uint32(h) }

func (h Handle) String() string { return fmt.Sprintf("%#016x", uint64(h)) }

// Mapper creates and tears down device mappings of pages.
type Mapper interface {
	Map(*mem.Page) (uint64, error)
	Unmap(paddr uint64) error
}

// Desc is a buffer descriptor.
type Desc struct {
	index uint32
	gen   uint16
	inUse bool

	// Page is the backing page while the descriptor owns it.
	Page *mem.Page
	// PAddr is the device address the page is mapped at.
	PAddr uint64
	// Unmapped is set once the device mapping has been torn down.
	Unmapped bool
	// EndOffset is the offset of the last byte hardware wrote.
	EndOffset uint16
	// RingID is the destination ring that returned the descriptor.
	RingID uint8
}

// Handle returns the current handle of d.
func (d *Desc) Handle() Handle { return makeHandle(d.gen, d.index) }

// TakePage transfers ownership of the backing page to the caller.
func (d *Desc) TakePage() *mem.Page {
	p := d.Page
	d.Page = nil
	return p
}

// Stats describes pool occupancy.
type Stats struct {
	Total    int
	Free     int
	InUse    int
	Allocs   uint64
	Releases uint64
}

// Pool is a fixed-size descriptor pool.
type Pool struct {
	lock     sync.Mutex
	descs    []Desc
	free     []uint32
	allocs   uint64
	releases uint64
	closed   bool

	alloc  mem.Allocator
	mapper Mapper
	stats  *monstat.Counters
}

// New creates a pool of num descriptors. Pages are taken from alloc and
// mapped through mapper when descriptors are handed to hardware.
func New(num int, alloc mem.Allocator, mapper Mapper, stats *monstat.Counters) (*Pool, error) {
	if num <= 0 {
		return nil, ErrEmptyPool
	}
	p := &Pool{
		descs:  make([]Desc, num),
		free:   make([]uint32, num),
		alloc:  alloc,
		mapper: mapper,
		stats:  stats,
	}
	for i := range p.descs {
		p.descs[i].index = uint32(i)
		// LIFO: hand out low indices first.
		p.free[num-1-i] = uint32(i)
	}
	return p, nil
}

// Allocate reserves up to n descriptors. It returns fewer when the pool runs
// short and never blocks.
func (p *Pool) Allocate(n int) []*Desc {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return nil
	}
	n = min(n, len(p.free))
	out := make([]*Desc, 0, n)
	for range n {
		idx := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		d := &p.descs[idx]
		d.inUse = true
		d.Unmapped = false
		d.EndOffset = 0
		d.RingID = 0
		out = append(out, d)
	}
	p.allocs += uint64(n)
	return out
}

// Replenish loans up to n freshly paged descriptors to hardware through the
// source ring and returns how many were posted. Shortages of descriptors,
// pages, mappings or ring space are counted, never fatal.
func (p *Pool) Replenish(r *ring.Ring[hal.BufAddrInfo], n int) int {
	if n <= 0 {
		return 0
	}
	if free := int(r.FreeSlots()); n > free {
		n = free
	}
	descs := p.Allocate(n)
	if len(descs) < n {
		p.stats.Add(monstat.ReplenishFail, uint64(n-len(descs)))
	}

	ready := descs[:0]
	for _, d := range descs {
		pg, err := p.alloc.Alloc()
		if err != nil {
			p.stats.Inc(monstat.ReplenishFail)
			p.putBack(d)
			continue
		}
		paddr, err := p.mapper.Map(pg)
		if err != nil {
			log.WithError(err).Warn("Mapping buffer failed")
			p.stats.Inc(monstat.ReplenishFail)
			pg.Put()
			p.putBack(d)
			continue
		}
		p.stats.Inc(monstat.FragAlloc)
		d.Page = pg
		d.PAddr = paddr
		ready = append(ready, d)
	}
	if len(ready) == 0 {
		return 0
	}

	idx, got := r.Reserve(uint32(len(ready)))
	if got == 0 {
		// Ring filled up since FreeSlots.
		for _, d := range ready {
			p.Unmap(d)
			d.TakePage().Put()
			p.stats.Inc(monstat.FragFree)
			p.putBack(d)
		}
		p.stats.Add(monstat.ReplenishFail, uint64(len(ready)))
		return 0
	}
	for i, d := range ready {
		r.Set(idx+uint32(i), hal.BufAddrInfo{PAddr: d.PAddr, Cookie: uint64(d.Handle())})
	}
	r.Submit()
	return len(ready)
}

// Resolve returns the descriptor h refers to. A handle with a bad magic tag,
// an out of range index, a stale generation or naming an idle descriptor
// means memory corruption and panics.
func (p *Pool) Resolve(h Handle) *Desc {
	if h.Magic() != handleMagic {
		panic(fmt.Sprintf("descpool: bad handle magic in %s", h))
	}
	idx := h.Index()
	if int(idx) >= len(p.descs) {
		panic(fmt.Sprintf("descpool: handle %s index out of range (%d descriptors)", h, len(p.descs)))
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	d := &p.descs[idx]
	if d.gen != h.Gen() {
		panic(fmt.Sprintf("descpool: stale handle %s (generation %d)", h, d.gen))
	}
	if !d.inUse {
		panic(fmt.Sprintf("descpool: handle %s names an idle descriptor", h))
	}
	return d
}

// Unmap tears down the device mapping of d once; later calls are no-ops.
func (p *Pool) Unmap(d *Desc) {
	if d.Unmapped {
		return
	}
	d.Unmapped = true
	if err := p.mapper.Unmap(d.PAddr); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			logfields.Cookie: d.Handle(),
			logfields.PAddr:  d.PAddr,
		}).Warn("Unmapping buffer failed")
	}
}

// Release returns d to the free list. The mapping is torn down first if that
// has not happened yet, and a page still owned by d is freed.
func (p *Pool) Release(d *Desc) {
	p.Unmap(d)
	if pg := d.TakePage(); pg != nil {
		pg.Put()
		p.stats.Inc(monstat.FragFree)
	}
	p.putBack(d)
}

func (p *Pool) putBack(d *Desc) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !d.inUse {
		panic(fmt.Sprintf("descpool: descriptor %d released twice", d.index))
	}
	d.inUse = false
	d.gen++
	d.PAddr = 0
	p.free = append(p.free, d.index)
	p.releases++
}

// List collects descriptors reaped during one batch.
type List struct {
	descs []*Desc
}

func (l *List) Push(d *Desc) { l.descs = append(l.descs, d) }
func (l *List) Len() int     { return len(l.descs) }

// ReleaseList releases every descriptor of l, empties it and returns the
// number released.
func (p *Pool) ReleaseList(l *List) int {
	n := len(l.descs)
	for i, d := range l.descs {
		p.Release(d)
		l.descs[i] = nil
	}
	l.descs = l.descs[:0]
	return n
}

// Stats returns the pool occupancy.
func (p *Pool) Stats() Stats {
	p.lock.Lock()
	defer p.lock.Unlock()
	return Stats{
		Total:    len(p.descs),
		Free:     len(p.free),
		InUse:    len(p.descs) - len(p.free),
		Allocs:   p.allocs,
		Releases: p.releases,
	}
}

// FreeBuffers unmaps and frees every descriptor still loaned out.
func (p *Pool) FreeBuffers() error {
	var errs []error
	for i := range p.descs {
		d := &p.descs[i]
		p.lock.Lock()
		inUse := d.inUse
		p.lock.Unlock()
		if !inUse {
			continue
		}
		if !d.Unmapped {
			d.Unmapped = true
			if err := p.mapper.Unmap(d.PAddr); err != nil {
				errs = append(errs, fmt.Errorf("unmapping descriptor %d: %w", i, err))
			}
		}
		if pg := d.TakePage(); pg != nil {
			pg.Put()
			p.stats.Inc(monstat.FragFree)
		}
		p.putBack(d)
	}
	return errors.Join(errs...)
}

// Close frees all buffers and rejects further allocations.
func (p *Pool) Close() error {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return ErrClosed
	}
	p.closed = true
	p.lock.Unlock()
	if err := p.FreeBuffers(); err != nil {
		return fmt.Errorf("freeing buffers: %w", err)
	}
	return nil
}
