// Package frame implements the multi-fragment frame buffer MPDUs are
// reassembled into. Payload is never copied: fragments reference slices of
// the DMA pages hardware wrote. A buffer holds at most MaxFrags fragments;
// further fragments go to extension buffers chained behind the head.
package frame

import (
	"errors"
	"io"

	"github.com/romshark/rxmon/hal"
	"github.com/romshark/rxmon/mem"
)

// MaxFrags is the fragment capacity of a single buffer.
const MaxFrags = 16

var (
	ErrTooManyFrags = errors.New("buffer fragment capacity exhausted")
	ErrNoHeadroom   = errors.New("not enough headroom")
	ErrFragIndex    = errors.New("fragment index out of range")
)

// Frag references Len bytes at offset Off of Page. The fragment holds one
// reference on Page.
type Frag struct {
	Page *mem.Page
	Off  int
	Len  int
	// Header marks fragments cut from a status buffer RX_HEADER TLV.
	Header bool
}

func (f *Frag) Bytes() []byte { return f.Page.Bytes()[f.Off : f.Off+f.Len] }

// Buffer is a frame buffer. Each buffer owns a page whose tail end serves as
// linear headroom for headers prepended at delivery time.
type Buffer struct {
	page   *mem.Page
	head   int
	linear int

	frags  [MaxFrags]Frag
	nfrags int
	ext    []*Buffer

	// Meta is the MPDU metadata. Only meaningful on the head buffer.
	Meta hal.MPDUInfo
}

// Allocator creates buffers backed by pages of a page allocator.
type Allocator struct {
	pages    mem.Allocator
	headroom int
}

func NewAllocator(pages mem.Allocator, headroom int) *Allocator {
	return &Allocator{pages: pages, headroom: headroom}
}

// Alloc returns a new buffer or nil if no page is available.
func (a *Allocator) Alloc() *Buffer {
	pg, err := a.pages.Alloc()
	if err != nil {
		return nil
	}
	return &Buffer{page: pg, head: min(a.headroom, pg.Len())}
}

// InUse reports the number of buffers not yet freed.
func (a *Allocator) InUse() int { return a.pages.InUse() }

// NumFrags returns the number of fragments held by b itself.
func (b *Buffer) NumFrags() int { return b.nfrags }

// Frag returns fragment i of b itself.
func (b *Buffer) Frag(i int) *Frag { return &b.frags[i] }

// AddFrag appends f to b. Ownership of f's page reference moves to b.
func (b *Buffer) AddFrag(f Frag) error {
	if b.nfrags == MaxFrags {
		return ErrTooManyFrags
	}
	b.frags[b.nfrags] = f
	b.nfrags++
	return nil
}

// ReplaceFrag swaps fragment i of b for f, dropping the old page reference.
func (b *Buffer) ReplaceFrag(i int, f Frag) error {
	if i < 0 || i >= b.nfrags {
		return ErrFragIndex
	}
	b.frags[i].Page.Put()
	b.frags[i] = f
	return nil
}

// RemoveFrag removes fragment i of b, dropping its page reference.
func (b *Buffer) RemoveFrag(i int) error {
	if i < 0 || i >= b.nfrags {
		return ErrFragIndex
	}
	b.frags[i].Page.Put()
	copy(b.frags[i:], b.frags[i+1:b.nfrags])
	b.nfrags--
	b.frags[b.nfrags] = Frag{}
	return nil
}

// Ext returns the extension chain.
func (b *Buffer) Ext() []*Buffer { return b.ext }

// AppendExt links e to the end of the extension chain.
func (b *Buffer) AppendExt(e *Buffer) { b.ext = append(b.ext, e) }

// ValidFrag returns the buffer of the chain that accepts the next fragment,
// or nil if the chain tail is full and a new extension is needed.
func (b *Buffer) ValidFrag() *Buffer {
	tail := b
	if len(b.ext) > 0 {
		tail = b.ext[len(b.ext)-1]
	}
	if tail.nfrags < MaxFrags {
		return tail
	}
	return nil
}

// Frags returns all fragments of the chain in order.
func (b *Buffer) Frags() []*Frag {
	n := b.nfrags
	for _, e := range b.ext {
		n += e.nfrags
	}
	out := make([]*Frag, 0, n)
	for i := range b.nfrags {
		out = append(out, &b.frags[i])
	}
	for _, e := range b.ext {
		for i := range e.nfrags {
			out = append(out, &e.frags[i])
		}
	}
	return out
}

// LastFrag returns the last non-header fragment of the chain.
func (b *Buffer) LastFrag() *Frag {
	for i := len(b.ext) - 1; i >= 0; i-- {
		if f := b.ext[i].lastPacketFrag(); f != nil {
			return f
		}
	}
	return b.lastPacketFrag()
}

func (b *Buffer) lastPacketFrag() *Frag {
	for i := b.nfrags - 1; i >= 0; i-- {
		if !b.frags[i].Header {
			return &b.frags[i]
		}
	}
	return nil
}

// TrimTail drops n bytes from the end of the chain.
func (b *Buffer) TrimTail(n int) {
	frags := b.Frags()
	for i := len(frags) - 1; i >= 0 && n > 0; i-- {
		f := frags[i]
		d := min(n, f.Len)
		f.Len -= d
		n -= d
	}
}

// Prepend grows the linear area by n bytes at the front and returns them.
func (b *Buffer) Prepend(n int) ([]byte, error) {
	if n > b.head {
		return nil, ErrNoHeadroom
	}
	b.head -= n
	b.linear += n
	return b.page.Bytes()[b.head : b.head+n], nil
}

// Headroom returns how many bytes Prepend can still add.
func (b *Buffer) Headroom() int { return b.head }

// Linear returns the linear area.
func (b *Buffer) Linear() []byte { return b.page.Bytes()[b.head : b.head+b.linear] }

// Len returns the total length of the chain including the linear area.
func (b *Buffer) Len() int {
	n := b.linear
	for _, f := range b.Frags() {
		n += f.Len
	}
	return n
}

// Bytes flattens the chain into a new slice.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, 0, b.Len())
	out = append(out, b.Linear()...)
	for _, f := range b.Frags() {
		out = append(out, f.Bytes()...)
	}
	return out
}

// WriteTo writes the flattened chain to w.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	var total int64
	if b.linear > 0 {
		n, err := w.Write(b.Linear())
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	for _, f := range b.Frags() {
		if f.Len == 0 {
			continue
		}
		n, err := w.Write(f.Bytes())
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Free drops every page reference held by the chain.
func (b *Buffer) Free() { b.FreeChain() }

// FreeChain is Free returning the number of buffers the chain held, the
// head included.
func (b *Buffer) FreeChain() int {
	n := 1
	for _, e := range b.ext {
		n += e.FreeChain()
	}
	b.ext = nil
	for i := range b.nfrags {
		b.frags[i].Page.Put()
		b.frags[i] = Frag{}
	}
	b.nfrags = 0
	if b.page != nil {
		b.page.Put()
		b.page = nil
	}
	return n
}
