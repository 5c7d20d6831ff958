// Package monitor implements the per-radio monitor context: it reaps the
// monitor destination ring, feeds status buffers to the reassembly engine,
// hands completed PPDUs to the delivery queue and keeps hardware supplied
// with fresh buffers.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/rxmon/delivery"
	"github.com/romshark/rxmon/descpool"
	"github.com/romshark/rxmon/frame"
	"github.com/romshark/rxmon/hal"
	"github.com/romshark/rxmon/logging"
	"github.com/romshark/rxmon/logging/logfields"
	"github.com/romshark/rxmon/mem"
	"github.com/romshark/rxmon/monstat"
	"github.com/romshark/rxmon/ppdu"
	"github.com/romshark/rxmon/reasm"
	"github.com/romshark/rxmon/ring"
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "monitor")

// MaxStatusBufs is the number of status buffers one PPDU may span.
const MaxStatusBufs = 32

const (
	DefaultPoolSize         = 2048
	DefaultPPDUInfoPrealloc = 16
	DefaultMaxPPDUInfo      = 256
	DefaultFrameHeadroom    = 128
	DefaultMaxFrameBuffers  = 4096
	DefaultQuota            = 64
)

var (
	ErrIncompleteDevice = errors.New("device lacks a ring or mapper")
	ErrPoolTooSmall     = errors.New("descriptor pool smaller than source ring")
	ErrHeadroomTooSmall = errors.New("frame headroom too small for a radiotap header")
	ErrClosed           = errors.New("monitor closed")
)

// minHeadroom fits the largest radiotap header the delivery path builds.
const minHeadroom = 64

type Config struct {
	// PoolSize is the number of buffer descriptors.
	PoolSize int `yaml:"pool-size"`
	// PPDUInfoPrealloc is the number of PPDU objects created up front.
	PPDUInfoPrealloc int `yaml:"ppdu-info-prealloc"`
	// MaxPPDUInfo caps the PPDU objects alive at a time.
	MaxPPDUInfo int `yaml:"max-ppdu-info"`
	// FrameHeadroom is the space reserved for the radiotap header.
	FrameHeadroom int `yaml:"frame-headroom"`
	// MaxFrameBuffers caps the frame buffers alive at a time.
	MaxFrameBuffers int `yaml:"max-frame-buffers"`
	// Quota is the ring budget of one reap pass in Run.
	Quota int `yaml:"quota"`

	Reasm    reasm.Config    `yaml:"reasm"`
	Delivery delivery.Config `yaml:"delivery"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.PPDUInfoPrealloc == 0 {
		c.PPDUInfoPrealloc = DefaultPPDUInfoPrealloc
	}
	if c.MaxPPDUInfo == 0 {
		c.MaxPPDUInfo = DefaultMaxPPDUInfo
	}
	if c.FrameHeadroom == 0 {
		c.FrameHeadroom = DefaultFrameHeadroom
	}
	if c.MaxFrameBuffers == 0 {
		c.MaxFrameBuffers = DefaultMaxFrameBuffers
	}
	if c.Quota == 0 {
		c.Quota = DefaultQuota
	}
	if c.FrameHeadroom < minHeadroom {
		return ErrHeadroomTooSmall
	}
	return c.Delivery.ValidateAndSetDefaults()
}

// Device is the hardware side of a monitor: the source ring buffers are
// loaned through, the destination ring status buffers return on and the
// DMA mapper.
type Device struct {
	Src    *ring.Ring[hal.BufAddrInfo]
	Dst    *ring.Ring[hal.MonDesc]
	Mapper descpool.Mapper
}

// Monitor is the monitor context of one radio.
type Monitor struct {
	conf  Config
	dev   Device
	stats *monstat.Counters

	pool   *descpool.Pool
	cache  *ppdu.Cache
	engine *reasm.Engine
	queue  *delivery.Queue

	// lock serializes reap passes and teardown.
	lock sync.Mutex
	// pending holds the status buffers of the PPDU being received.
	pending  []*descpool.Desc
	freed    descpool.List
	prevAddr uint64
	prevCook uint64
	closed   bool

	irq chan struct{}
}

// New creates a monitor for dev. Buffer pages come from alloc; frames are
// handed to d, which may be nil.
func New(conf Config, dev Device, alloc mem.Allocator, d delivery.Deliverer) (*Monitor, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if dev.Src == nil || dev.Dst == nil || dev.Mapper == nil {
		return nil, ErrIncompleteDevice
	}
	if conf.PoolSize < int(dev.Src.Size()) {
		return nil, ErrPoolTooSmall
	}

	stats := monstat.New()
	pool, err := descpool.New(conf.PoolSize, alloc, dev.Mapper, stats)
	if err != nil {
		return nil, fmt.Errorf("creating descriptor pool: %w", err)
	}
	cache := ppdu.NewCache(conf.PPDUInfoPrealloc, conf.MaxPPDUInfo, stats)
	frames := frame.NewAllocator(
		mem.NewHeapAllocator(conf.FrameHeadroom, conf.MaxFrameBuffers),
		conf.FrameHeadroom,
	)
	queue, err := delivery.NewQueue(conf.Delivery, delivery.NewProcessor(d, stats), cache.Release, stats)
	if err != nil {
		return nil, fmt.Errorf("creating delivery queue: %w", err)
	}

	return &Monitor{
		conf:    conf,
		dev:     dev,
		stats:   stats,
		pool:    pool,
		cache:   cache,
		engine:  reasm.New(conf.Reasm, pool, hal.TLVParser{}, frames, stats),
		queue:   queue,
		pending: make([]*descpool.Desc, 0, MaxStatusBufs),
		irq:     make(chan struct{}, 1),
	}, nil
}

// BuffersAlloc loans up to n buffers to hardware and returns how many were
// posted.
func (m *Monitor) BuffersAlloc(n int) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return 0
	}
	return m.pool.Replenish(m.dev.Src, n)
}

// BuffersFree reclaims every buffer still loaned to hardware. Hardware must
// be stopped.
func (m *Monitor) BuffersFree() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.pool.FreeBuffers()
}

// Process reaps at most quota destination ring entries and returns how many
// it consumed. Descriptors released on the way are replenished before
// returning.
func (m *Monitor) Process(quota int) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return 0
	}

	work := m.reap(quota)

	if n := m.pool.ReleaseList(&m.freed); n > 0 {
		got := m.pool.Replenish(m.dev.Src, n)
		m.stats.Add(monstat.BufsReplenishedDest, uint64(got))
	}
	if work > 0 {
		log.WithFields(logrus.Fields{
			logfields.Quota:    quota,
			logfields.WorkDone: work,
		}).Debug("Reaped monitor ring")
	}
	return work
}

func (m *Monitor) reap(quota int) (work int) {
	dst := m.dev.Dst
	dst.AccessStart()
	defer dst.AccessEnd()
	for work < quota {
		e := dst.Peek()
		if e == nil {
			break
		}
		desc := *e
		dst.Advance()
		work++
		m.handleDesc(&desc)
	}
	return work
}

func (m *Monitor) handleDesc(desc *hal.MonDesc) {
	if desc.Empty {
		m.stats.Inc(monstat.EmptyDescPPDU)
		m.stats.Add(monstat.PPDUDropCnt, uint64(desc.PPDUDropCount))
		m.stats.Add(monstat.MPDUDropCnt, uint64(desc.MPDUDropCount))
		m.stats.Add(monstat.TLVDropCnt, uint64(desc.TLVDropCount))
		if desc.EndOfPPDUDropped {
			m.stats.Inc(monstat.EndOfPPDUDropCnt)
		}
		return
	}

	if desc.BufAddr == m.prevAddr && desc.Cookie == m.prevCook {
		m.stats.Inc(monstat.DupMonBufCnt)
		log.WithFields(logrus.Fields{
			logfields.Cookie: descpool.Handle(desc.Cookie),
			logfields.PAddr:  desc.BufAddr,
		}).Debug("Duplicate status buffer")
		return
	}
	m.prevAddr, m.prevCook = desc.BufAddr, desc.Cookie

	d := m.pool.Resolve(descpool.Handle(desc.Cookie))
	if d.PAddr != desc.BufAddr {
		panic(fmt.Sprintf("monitor: descriptor %s maps %#x, ring reports %#x",
			d.Handle(), d.PAddr, desc.BufAddr))
	}
	m.pool.Unmap(d)
	d.EndOffset = desc.EndOffset
	d.RingID = desc.RingID

	if len(m.pending) >= MaxStatusBufs {
		panic(fmt.Sprintf("monitor: PPDU %d spans more than %d status buffers",
			desc.PPDUID, MaxStatusBufs))
	}
	m.pending = append(m.pending, d)

	switch {
	case desc.FlushDetected ||
		desc.EndReason == hal.FlushDetected ||
		desc.EndReason == hal.PPDUTruncated:
		m.stats.Inc(monstat.StatusPPDUDrop)
		log.WithFields(logrus.Fields{
			logfields.PPDUID:    desc.PPDUID,
			logfields.EndReason: desc.EndReason,
			logfields.Count:     len(m.pending),
		}).Debug("Flushing PPDU")
		m.flushPending()
	case desc.EndReason == hal.StatusBufferFull:
	default:
		m.stats.Inc(monstat.StatusPPDUDone)
		m.processPending()
	}
}

// flushPending discards the status buffers of the current PPDU along with
// every packet buffer they announce.
func (m *Monitor) flushPending() {
	for _, d := range m.pending {
		m.engine.FlushStatusBuffer(d.Page, d.EndOffset, &m.freed)
		m.freed.Push(d)
	}
	clear(m.pending)
	m.pending = m.pending[:0]
}

func (m *Monitor) processPending() {
	info := m.cache.Acquire()
	if info == nil {
		m.stats.Inc(monstat.PPDUInfoAllocFail)
		log.Warn("No PPDU object available, flushing status buffers")
		m.flushPending()
		return
	}
	m.stats.Inc(monstat.TotalPPDUInfoAlloc)
	for _, d := range m.pending {
		m.engine.WalkStatusBuffer(info, d.Page, d.EndOffset, &m.freed)
		m.stats.Inc(monstat.StatusBufCount)
		m.freed.Push(d)
	}
	clear(m.pending)
	m.pending = m.pending[:0]
	m.queue.Enqueue(info)
}

// ProcessDeferred runs the delivery queue once in the caller's goroutine
// and returns the number of PPDUs processed.
func (m *Monitor) ProcessDeferred() int { return m.queue.ProcessPending() }

// Interrupt signals that the destination ring has entries. Signals arriving
// while a reap pass is pending merge.
func (m *Monitor) Interrupt() {
	select {
	case m.irq <- struct{}{}:
	default:
	}
}

// Run reaps the ring on every interrupt and runs the delivery worker until
// ctx is canceled. It returns the context's error.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.queue.Run(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.irq:
			}
			for m.Process(m.conf.Quota) == m.conf.Quota {
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
		}
	})
	return g.Wait()
}

// Stats returns a snapshot of the statistics counters.
func (m *Monitor) Stats() monstat.Stats { return m.stats.Snapshot() }

// Counters returns the live statistics counters.
func (m *Monitor) Counters() *monstat.Counters { return m.stats }

// PoolStats returns the descriptor pool occupancy.
func (m *Monitor) PoolStats() descpool.Stats { return m.pool.Stats() }

// LivePPDUs returns the number of PPDU objects not yet released.
func (m *Monitor) LivePPDUs() int { return m.cache.Live() }

// QueueDepth returns the number of PPDUs awaiting delivery.
func (m *Monitor) QueueDepth() int { return m.queue.Depth() }

// Close tears the monitor down: reaping stops, queued PPDUs are dropped,
// status buffers of an unfinished PPDU are flushed and every buffer is
// reclaimed from hardware. Run must have returned and hardware must be
// stopped.
func (m *Monitor) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true

	if n := m.queue.Drain(); n > 0 {
		log.WithField(logfields.Count, n).Debug("Dropped undelivered PPDUs")
	}
	m.flushPending()
	m.pool.ReleaseList(&m.freed)

	var errs []error
	if err := m.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing descriptor pool: %w", err))
	}
	if n := m.cache.Live(); n > 0 {
		errs = append(errs, fmt.Errorf("%d PPDU objects still live", n))
	}
	m.cache.Destroy()
	return errors.Join(errs...)
}
