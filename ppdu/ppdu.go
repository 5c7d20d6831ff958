// Package ppdu holds the per-PPDU accumulator and its recycling cache.
package ppdu

import (
	"sync"

	"github.com/romshark/rxmon/frame"
	"github.com/romshark/rxmon/hal"
	"github.com/romshark/rxmon/logging"
	"github.com/romshark/rxmon/logging/logfields"
	"github.com/romshark/rxmon/monstat"
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "ppdu")

// Info accumulates one PPDU: the parsed status plus, per user, the queue of
// MPDUs reassembled so far.
type Info struct {
	hal.PPDUStatus

	// MPDUCount counts the MPDUs completed per user.
	MPDUCount [hal.MaxUsers]int
	MPDUQ     [hal.MaxUsers]frame.Queue
	// RxHdrRcvd is set between a user's first RX_HEADER and MPDU_END.
	RxHdrRcvd [hal.MaxUsers]bool
	// MPDUDropped is set from a mid-flight drop until the user's MPDU_END.
	MPDUDropped [hal.MaxUsers]bool
}

// Reset zeroes info. Queues must have been drained.
func (info *Info) Reset() { *info = Info{} }

// FreeQueues frees every queued MPDU. It returns the number of MPDUs and
// the number of frame buffers, extensions included, that were freed.
func (info *Info) FreeQueues() (mpdus, bufs int) {
	for u := range info.MPDUQ {
		mpdus += info.MPDUQ[u].Drain(func(b *frame.Buffer) { bufs += b.FreeChain() })
	}
	return mpdus, bufs
}

// Cache recycles Info objects. At most max objects are live at a time.
type Cache struct {
	lock  sync.Mutex
	free  []*Info
	live  int
	max   int
	stats *monstat.Counters
}

// NewCache creates a cache holding prealloc ready objects. max <= 0 means
// no limit.
func NewCache(prealloc, max int, stats *monstat.Counters) *Cache {
	c := &Cache{max: max, stats: stats}
	if max > 0 {
		prealloc = min(prealloc, max)
	}
	c.free = make([]*Info, 0, prealloc)
	for range prealloc {
		c.free = append(c.free, new(Info))
	}
	return c
}

// Acquire returns a zeroed Info or nil if the live limit is reached.
func (c *Cache) Acquire() *Info {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.max > 0 && c.live >= c.max {
		return nil
	}
	c.live++
	if n := len(c.free); n > 0 {
		info := c.free[n-1]
		c.free = c.free[:n-1]
		info.Reset()
		return info
	}
	return new(Info)
}

// Release returns info to the cache after freeing any buffers still queued.
func (c *Cache) Release(info *Info) {
	if n, bufs := info.FreeQueues(); n > 0 {
		c.stats.Add(monstat.ParentBufFree, uint64(bufs))
		log.WithField(logfields.Count, n).Debug("Freed undelivered MPDUs")
	}
	c.stats.Inc(monstat.TotalPPDUInfoFree)
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.live <= 0 {
		panic("ppdu: release without acquire")
	}
	c.live--
	c.free = append(c.free, info)
}

// Live returns the number of objects acquired and not yet released.
func (c *Cache) Live() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.live
}

// Destroy drops all cached objects.
func (c *Cache) Destroy() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.live > 0 {
		log.WithField(logfields.Count, c.live).Warn("Destroying cache with live objects")
	}
	c.free = nil
}
