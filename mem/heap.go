package mem

import "sync"

// HeapAllocator allocates pages from the Go heap and recycles released pages.
// A non-zero limit caps the number of pages handed out at the same time.
type HeapAllocator struct {
	pageSize int
	limit    int

	lock  sync.Mutex
	free  []*Page
	inUse int
}

func NewHeapAllocator(pageSize, limit int) *HeapAllocator {
	return &HeapAllocator{pageSize: pageSize, limit: limit}
}

func (a *HeapAllocator) Alloc() (*Page, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.limit > 0 && a.inUse >= a.limit {
		return nil, ErrExhausted
	}
	a.inUse++

	if n := len(a.free); n > 0 {
		p := a.free[n-1]
		a.free = a.free[:n-1]
		p.revive()
		return p, nil
	}
	return NewPage(make([]byte, a.pageSize), a.put), nil
}

func (a *HeapAllocator) put(p *Page) {
	a.lock.Lock()
	a.free = append(a.free, p)
	a.inUse--
	a.lock.Unlock()
}

func (a *HeapAllocator) PageSize() int { return a.pageSize }

func (a *HeapAllocator) InUse() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.inUse
}
