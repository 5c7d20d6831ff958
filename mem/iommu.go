package mem

import "sync"

// IOMMU hands out device addresses for pages and resolves them back, standing
// in for the platform DMA map/unmap services.
type IOMMU struct {
	pageSize uint64

	lock   sync.Mutex
	next   uint64
	recyc  []uint64
	byAddr map[uint64]*Page
	byPage map[*Page]uint64
}

// NewIOMMU creates an IOMMU whose address space starts at base.
func NewIOMMU(base uint64, pageSize int) *IOMMU {
	return &IOMMU{
		pageSize: uint64(pageSize),
		next:     base,
		byAddr:   make(map[uint64]*Page),
		byPage:   make(map[*Page]uint64),
	}
}

// Map returns the device address of p.
func (m *IOMMU) Map(p *Page) (uint64, error) {
	if uint64(p.Len()) > m.pageSize {
		return 0, ErrPageTooLarge
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.byPage[p]; ok {
		return 0, ErrAlreadyMapped
	}

	var addr uint64
	if n := len(m.recyc); n > 0 {
		addr = m.recyc[n-1]
		m.recyc = m.recyc[:n-1]
	} else {
		addr = m.next
		m.next += m.pageSize
	}
	m.byAddr[addr] = p
	m.byPage[p] = addr
	return addr, nil
}

// Unmap tears down the mapping at paddr.
func (m *IOMMU) Unmap(paddr uint64) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	p, ok := m.byAddr[paddr]
	if !ok {
		return ErrNotMapped
	}
	delete(m.byAddr, paddr)
	delete(m.byPage, p)
	m.recyc = append(m.recyc, paddr)
	return nil
}

// Lookup resolves a device address, used by the device side to reach memory.
func (m *IOMMU) Lookup(paddr uint64) (*Page, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	p, ok := m.byAddr[paddr]
	return p, ok
}

// Mapped returns the number of live mappings.
func (m *IOMMU) Mapped() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.byAddr)
}
