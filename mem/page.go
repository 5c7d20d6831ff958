// Package mem provides the DMA-capable pages loaned to monitor hardware, the
// allocators that hand them out and a software IOMMU that translates between
// pages and device addresses.
package mem

import (
	"errors"
	"sync/atomic"
)

var (
	ErrExhausted     = errors.New("page allocator exhausted")
	ErrNotMapped     = errors.New("address not mapped")
	ErrPageTooLarge  = errors.New("page exceeds IOMMU page size")
	ErrAlreadyMapped = errors.New("page already mapped")
)

// Page is a reference counted memory page. A fresh page holds one reference;
// when the last reference is dropped the page returns to its allocator.
type Page struct {
	buf     []byte
	refs    atomic.Int32
	release func(*Page)
}

// NewPage wraps buf. release runs once the reference count drops to zero.
func NewPage(buf []byte, release func(*Page)) *Page {
	p := &Page{buf: buf, release: release}
	p.refs.Store(1)
	return p
}

// Bytes returns the full page.
func (p *Page) Bytes() []byte { return p.buf }

// Len returns the page size in bytes.
func (p *Page) Len() int { return len(p.buf) }

// Refs returns the current reference count.
func (p *Page) Refs() int32 { return p.refs.Load() }

// Get takes an additional reference and returns p.
func (p *Page) Get() *Page {
	if p.refs.Add(1) <= 1 {
		panic("mem: reference taken on a freed page")
	}
	return p
}

// Put drops one reference.
func (p *Page) Put() {
	switch n := p.refs.Add(-1); {
	case n == 0:
		if p.release != nil {
			p.release(p)
		}
	case n < 0:
		panic("mem: page released more often than referenced")
	}
}

func (p *Page) revive() {
	clear(p.buf)
	p.refs.Store(1)
}

// Allocator hands out pages of a fixed size.
type Allocator interface {
	// Alloc returns a page holding a single reference or ErrExhausted.
	Alloc() (*Page, error)
	PageSize() int
	// InUse reports the number of pages currently handed out.
	InUse() int
}
