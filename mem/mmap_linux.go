//go:build linux

package mem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// MmapAllocator carves fixed-size pages out of one anonymous, pre-populated
// mapping, the way AF_XDP UMEM is laid out.
type MmapAllocator struct {
	pageSize int
	region   []byte

	lock  sync.Mutex
	free  []*Page
	pages []*Page
}

// NewMmapAllocator maps pages*pageSize bytes.
func NewMmapAllocator(pageSize, pages int) (*MmapAllocator, error) {
	region, err := unix.Mmap(-1, 0, pageSize*pages,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mmap page slab: %w", err)
	}

	a := &MmapAllocator{
		pageSize: pageSize,
		region:   region,
		free:     make([]*Page, 0, pages),
		pages:    make([]*Page, pages),
	}
	for i := pages - 1; i >= 0; i-- {
		off := i * pageSize
		p := NewPage(region[off:off+pageSize:off+pageSize], a.put)
		p.refs.Store(0)
		a.pages[i] = p
		a.free = append(a.free, p)
	}
	return a, nil
}

func (a *MmapAllocator) Alloc() (*Page, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	n := len(a.free)
	if n == 0 {
		return nil, ErrExhausted
	}
	p := a.free[n-1]
	a.free = a.free[:n-1]
	p.revive()
	return p, nil
}

func (a *MmapAllocator) put(p *Page) {
	a.lock.Lock()
	a.free = append(a.free, p)
	a.lock.Unlock()
}

func (a *MmapAllocator) PageSize() int { return a.pageSize }

func (a *MmapAllocator) InUse() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.pages) - len(a.free)
}

// Close unmaps the slab. Pages still in use must not be touched afterwards.
func (a *MmapAllocator) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.region == nil {
		return nil
	}
	err := unix.Munmap(a.region)
	a.region = nil
	return err
}
