// Package ring implements the single-producer/single-consumer descriptor rings
// shared between the monitor and its hardware. Indices are free-running
// uint32 counters masked into a power-of-two entry array; each side caches
// the other side's index to reduce atomic traffic.
//
// The consumer side is bracketed by AccessStart/AccessEnd. The bracket
// snapshots the producer index on entry and publishes the consumer index on
// exit. In the locked variant the bracket also holds a mutex, so several
// goroutines may take turns consuming; the lockless variant leaves
// serialization to the caller.
package ring

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrSizeNotPowerOfTwo = errors.New("ring size must be a non-zero power of two")
	ErrEntriesTooShort   = errors.New("entry slice shorter than ring size")
)

// Ring is a descriptor ring of entries of type T.
type Ring[T any] struct {
	mask     uint32
	size     uint32
	prod     *uint32
	cons     *uint32
	entries  []T
	lockless bool

	// producer side
	pCachedProd uint32
	pCachedCons uint32

	// consumer side
	lock        sync.Mutex
	cCachedProd uint32
	cCachedCons uint32
	accessStart uint32
	inAccess    bool
}

// New allocates a ring with its own index words and entry array.
func New[T any](size uint32, lockless bool) (*Ring[T], error) {
	var prod, cons uint32
	return Attach(&prod, &cons, make([]T, size), lockless)
}

// Attach builds a ring over externally owned index words and entries, for
// example a memory-mapped kernel ring.
func Attach[T any](prod, cons *uint32, entries []T, lockless bool) (*Ring[T], error) {
	size := uint32(len(entries))
	if size == 0 || size&(size-1) != 0 {
		return nil, ErrSizeNotPowerOfTwo
	}
	p := atomic.LoadUint32(prod)
	c := atomic.LoadUint32(cons)
	return &Ring[T]{
		mask:        size - 1,
		size:        size,
		prod:        prod,
		cons:        cons,
		entries:     entries,
		lockless:    lockless,
		pCachedProd: p,
		pCachedCons: c + size,
		cCachedProd: p,
		cCachedCons: c,
	}, nil
}

// Size returns the number of entries.
func (r *Ring[T]) Size() uint32 { return r.size }

// Lockless reports whether the consumer bracket skips locking.
func (r *Ring[T]) Lockless() bool { return r.lockless }

// Pending returns the number of entries published by the producer and not yet
// released by the consumer.
func (r *Ring[T]) Pending() uint32 {
	return atomic.LoadUint32(r.prod) - atomic.LoadUint32(r.cons)
}

/*---- Producer ----*/

// FreeSlots returns how many entries the producer can currently reserve.
func (r *Ring[T]) FreeSlots() uint32 {
	free := r.pCachedCons - r.pCachedProd
	if free == 0 {
		r.pCachedCons = atomic.LoadUint32(r.cons) + r.size
		free = r.pCachedCons - r.pCachedProd
	}
	return free
}

// Reserve reserves n consecutive entries starting at idx. It reserves all or
// nothing and returns got == 0 if the ring lacks space.
func (r *Ring[T]) Reserve(n uint32) (idx, got uint32) {
	if r.pCachedCons-r.pCachedProd < n {
		r.pCachedCons = atomic.LoadUint32(r.cons) + r.size
		if r.pCachedCons-r.pCachedProd < n {
			return 0, 0
		}
	}
	idx = r.pCachedProd
	r.pCachedProd += n
	return idx, n
}

// Set writes the reserved entry idx.
func (r *Ring[T]) Set(idx uint32, v T) { r.entries[idx&r.mask] = v }

// Submit publishes all reserved entries to the consumer.
func (r *Ring[T]) Submit() { atomic.StoreUint32(r.prod, r.pCachedProd) }

// Push reserves, writes and publishes a single entry.
func (r *Ring[T]) Push(v T) bool {
	idx, got := r.Reserve(1)
	if got == 0 {
		return false
	}
	r.Set(idx, v)
	r.Submit()
	return true
}

/*---- Consumer ----*/

// AccessStart begins a consumer access bracket. Every AccessStart must be
// paired with exactly one AccessEnd.
func (r *Ring[T]) AccessStart() {
	if !r.lockless {
		r.lock.Lock()
	}
	if r.inAccess {
		panic("ring: nested access bracket")
	}
	r.inAccess = true
	r.cCachedProd = atomic.LoadUint32(r.prod)
	r.accessStart = r.cCachedCons
}

// Peek returns the entry at the consumer head without advancing, or nil when
// no entry is available.
func (r *Ring[T]) Peek() *T {
	if !r.inAccess {
		panic("ring: peek outside access bracket")
	}
	if r.cCachedCons == r.cCachedProd {
		return nil
	}
	return &r.entries[r.cCachedCons&r.mask]
}

// Advance moves the consumer head past the current entry.
func (r *Ring[T]) Advance() {
	if !r.inAccess {
		panic("ring: advance outside access bracket")
	}
	if r.cCachedCons == r.cCachedProd {
		return
	}
	r.cCachedCons++
}

// AccessEnd closes the bracket and hands consumed entries back to the
// producer. A bracket that consumed nothing leaves the ring untouched.
func (r *Ring[T]) AccessEnd() {
	if !r.inAccess {
		panic("ring: access end without access start")
	}
	if r.cCachedCons != r.accessStart {
		atomic.StoreUint32(r.cons, r.cCachedCons)
	}
	r.inAccess = false
	if !r.lockless {
		r.lock.Unlock()
	}
}

// Consume copies up to len(dst) available entries into dst inside a single
// access bracket and returns the number copied.
func (r *Ring[T]) Consume(dst []T) int {
	r.AccessStart()
	defer r.AccessEnd()
	n := 0
	for n < len(dst) {
		e := r.Peek()
		if e == nil {
			break
		}
		dst[n] = *e
		r.Advance()
		n++
	}
	return n
}
