// Package sim simulates monitor-mode hardware. It takes the buffers a
// monitor loans through the source ring, writes packet data and status
// TLVs into them through the IOMMU and posts the status buffers on the
// destination ring, the way the receive path of a WLAN chip does.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/romshark/rxmon/descpool"
	"github.com/romshark/rxmon/hal"
	"github.com/romshark/rxmon/logging"
	"github.com/romshark/rxmon/logging/logfields"
	"github.com/romshark/rxmon/mem"
	"github.com/romshark/rxmon/monitor"
	"github.com/romshark/rxmon/ring"
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "sim")

const (
	DefaultSrcRingSize   = 1024
	DefaultDstRingSize   = 256
	DefaultStatusBufSize = hal.BufSize
	DefaultPacketBufSize = hal.BufSize - hal.PacketOffset

	MinStatusBufSize = 256
	MinPacketBufSize = 32
)

var (
	ErrNoBuffers       = errors.New("not enough buffers loaned to hardware")
	ErrRingFull        = errors.New("destination ring full")
	ErrBadPPDU         = errors.New("malformed PPDU description")
	ErrUnmapped        = errors.New("buffer address not mapped")
	ErrNothingToRepeat = errors.New("no status buffer posted yet")
	ErrStatusBufSize   = errors.New("status buffer size out of range")
	ErrPacketBufSize   = errors.New("packet buffer size out of range")
)

type Config struct {
	SrcRingSize uint32 `yaml:"src-ring-size"`
	DstRingSize uint32 `yaml:"dst-ring-size"`
	// StatusBufSize is the number of TLV bytes hardware writes per status
	// buffer before continuing in the next one.
	StatusBufSize int `yaml:"status-buf-size"`
	// PacketBufSize is the number of data bytes hardware DMAs per packet
	// buffer.
	PacketBufSize int   `yaml:"packet-buf-size"`
	RingID        uint8 `yaml:"ring-id"`
	// Lockless selects the lockless ring consumer bracket.
	Lockless bool `yaml:"lockless"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.SrcRingSize == 0 {
		c.SrcRingSize = DefaultSrcRingSize
	}
	if c.DstRingSize == 0 {
		c.DstRingSize = DefaultDstRingSize
	}
	if c.StatusBufSize == 0 {
		c.StatusBufSize = DefaultStatusBufSize
	}
	if c.PacketBufSize == 0 {
		c.PacketBufSize = DefaultPacketBufSize
	}
	if c.StatusBufSize < MinStatusBufSize || c.StatusBufSize > hal.BufSize {
		return ErrStatusBufSize
	}
	if c.PacketBufSize < MinPacketBufSize || c.PacketBufSize > hal.BufSize-hal.PacketOffset {
		return ErrPacketBufSize
	}
	return nil
}

// Memory is the device view of DMA memory.
type Memory interface {
	descpool.Mapper
	Lookup(paddr uint64) (*mem.Page, bool)
}

// Sim is a simulated monitor device. Injections are serialized.
type Sim struct {
	conf Config
	mem  Memory
	src  *ring.Ring[hal.BufAddrInfo]
	dst  *ring.Ring[hal.MonDesc]

	lock sync.Mutex
	// stash holds buffers taken from the source ring but not used, for
	// example those of a PPDU aborted by a flush.
	stash  []hal.BufAddrInfo
	last   hal.MonDesc
	posted bool
	nextID uint32
	onIRQ  func()
}

func New(conf Config, m Memory) (*Sim, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	src, err := ring.New[hal.BufAddrInfo](conf.SrcRingSize, conf.Lockless)
	if err != nil {
		return nil, fmt.Errorf("source ring: %w", err)
	}
	dst, err := ring.New[hal.MonDesc](conf.DstRingSize, conf.Lockless)
	if err != nil {
		return nil, fmt.Errorf("destination ring: %w", err)
	}
	return &Sim{conf: conf, mem: m, src: src, dst: dst}, nil
}

// Device returns the rings and mapper a monitor attaches to.
func (s *Sim) Device() monitor.Device {
	return monitor.Device{Src: s.src, Dst: s.dst, Mapper: s.mem}
}

// OnInterrupt registers fn to be called whenever descriptors were posted.
func (s *Sim) OnInterrupt(fn func()) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.onIRQ = fn
}

// Held returns the number of buffers taken from the source ring and not
// yet used.
func (s *Sim) Held() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.stash)
}

// Available returns the number of buffers hardware could use right now.
func (s *Sim) Available() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.stash) + int(s.src.Pending())
}

// InjectPPDU receives p. It returns the frames the monitor is expected to
// deliver, without radiotap header, ordered by user and within a user in
// reception order.
func (s *Sim) InjectPPDU(p PPDU) ([][]byte, error) {
	if err := s.inject(&p, -1, hal.EndOfPPDU); err != nil {
		return nil, err
	}
	var out [][]byte
	for u := range uint8(hal.MaxUsers) {
		for i := range p.MPDUs {
			if p.MPDUs[i].User == u {
				out = append(out, p.MPDUs[i].expected())
			}
		}
	}
	return out, nil
}

// InjectFlush receives p but aborts it: afterBufs status buffers are posted
// as full, the next one carries reason. Packet buffers announced only by
// status buffers never posted are kept for reuse.
func (s *Sim) InjectFlush(p PPDU, afterBufs int, reason hal.EndReason) error {
	if afterBufs < 0 {
		return ErrBadPPDU
	}
	return s.inject(&p, afterBufs, reason)
}

// InjectEmpty posts an empty descriptor reporting drops.
func (s *Sim) InjectEmpty(d hal.DropInfo) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	ok := s.dst.Push(hal.MonDesc{
		Empty:            true,
		PPDUDropCount:    d.PPDU,
		MPDUDropCount:    d.MPDU,
		TLVDropCount:     d.TLV,
		EndOfPPDUDropped: d.EndOfPPDU > 0,
		RingID:           s.conf.RingID,
	})
	if !ok {
		return ErrRingFull
	}
	s.interrupt()
	return nil
}

// RepeatLast posts the last status descriptor once more.
func (s *Sim) RepeatLast() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.posted {
		return ErrNothingToRepeat
	}
	if !s.dst.Push(s.last) {
		return ErrRingFull
	}
	s.interrupt()
	return nil
}

func (s *Sim) interrupt() {
	if s.onIRQ != nil {
		s.onIRQ()
	}
}

func (s *Sim) inject(p *PPDU, flushAfter int, reason hal.EndReason) error {
	for i := range p.MPDUs {
		if err := validate(&p.MPDUs[i]); err != nil {
			return fmt.Errorf("MPDU %d: %w", i, err)
		}
	}
	if len(p.Users) > hal.MaxUsers {
		return ErrBadPPDU
	}
	if p.Rx.NumUsers == 0 {
		n := max(len(p.Users), 1)
		for i := range p.MPDUs {
			n = max(n, int(p.MPDUs[i].User)+1)
		}
		p.Rx.NumUsers = uint8(n)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	sized := buildStream(p, nil, s.conf.PacketBufSize)
	nPkt := len(sized.packets)
	nStatus := len(sized.tlv.Split(s.conf.StatusBufSize))
	post := nStatus
	if flushAfter >= 0 {
		if flushAfter >= nStatus {
			return fmt.Errorf("%w: flush after %d of %d status buffers", ErrBadPPDU, flushAfter, nStatus)
		}
		post = flushAfter + 1
	}
	if post > monitor.MaxStatusBufs || nPkt+post > int(s.src.Size()) {
		return fmt.Errorf("%w: %d status and %d packet buffers", ErrBadPPDU, post, nPkt)
	}
	if s.dst.FreeSlots() < uint32(post) {
		return ErrRingFull
	}
	bufs, err := s.take(nPkt + post)
	if err != nil {
		return err
	}
	pkts, stat := bufs[:nPkt], bufs[nPkt:]

	if p.ID == 0 {
		s.nextID++
		p.ID = s.nextID
	}
	cookies := make([]uint64, nPkt)
	for i, b := range pkts {
		pg, ok := s.mem.Lookup(b.PAddr)
		if !ok {
			s.stash = append(s.stash, bufs...)
			return fmt.Errorf("%w: %#x", ErrUnmapped, b.PAddr)
		}
		clear(pg.Bytes()[:hal.PacketOffset])
		copy(pg.Bytes()[hal.PacketOffset:], sized.packets[i])
		cookies[i] = b.Cookie
	}

	st := buildStream(p, cookies, s.conf.PacketBufSize)
	chunks := st.tlv.Split(s.conf.StatusBufSize)
	descs := make([]hal.MonDesc, post)
	for i := range post {
		pg, ok := s.mem.Lookup(stat[i].PAddr)
		if !ok {
			s.stash = append(s.stash, bufs...)
			return fmt.Errorf("%w: %#x", ErrUnmapped, stat[i].PAddr)
		}
		n := copy(pg.Bytes(), chunks[i])
		descs[i] = hal.MonDesc{
			BufAddr:   stat[i].PAddr,
			Cookie:    stat[i].Cookie,
			PPDUID:    p.ID,
			EndOffset: uint16(n - 1),
			EndReason: hal.StatusBufferFull,
			RingID:    s.conf.RingID,
		}
	}
	last := &descs[post-1]
	if flushAfter >= 0 {
		last.EndReason = reason
		last.FlushDetected = reason == hal.FlushDetected
		s.reclaim(chunks[post:], pkts)
	} else {
		last.EndReason = hal.EndOfPPDU
	}

	idx, got := s.dst.Reserve(uint32(post))
	if got == 0 {
		// Only this goroutine produces, FreeSlots was checked above.
		panic("sim: destination ring lost free slots")
	}
	for i, d := range descs {
		s.dst.Set(idx+uint32(i), d)
	}
	s.dst.Submit()
	s.last, s.posted = *last, true

	log.WithFields(logrus.Fields{
		logfields.PPDUID:    p.ID,
		logfields.Count:     post,
		logfields.EndReason: last.EndReason,
	}).Debug("Posted PPDU")
	s.interrupt()
	return nil
}

// take returns n buffers, stashed ones first, or none at all.
func (s *Sim) take(n int) ([]hal.BufAddrInfo, error) {
	if len(s.stash)+int(s.src.Pending()) < n {
		return nil, ErrNoBuffers
	}
	out := make([]hal.BufAddrInfo, n)
	k := copy(out, s.stash)
	s.stash = s.stash[k:]
	if got := s.src.Consume(out[k:]); got != n-k {
		panic("sim: source ring lost entries")
	}
	return out, nil
}

// reclaim stashes the packet buffers announced by status chunks that were
// never posted.
func (s *Sim) reclaim(chunks [][]byte, pkts []hal.BufAddrInfo) {
	byCookie := make(map[uint64]hal.BufAddrInfo, len(pkts))
	for _, b := range pkts {
		byCookie[b.Cookie] = b
	}
	var (
		parser hal.TLVParser
		st     hal.PPDUStatus
	)
	for _, c := range chunks {
		for off := 0; off < len(c); {
			status, next := parser.Next(c, off, &st)
			if status == hal.MonBufAddr || status == hal.MonBufOrphan {
				s.stash = append(s.stash, byCookie[st.Packet.Cookie])
			}
			if next <= off {
				break
			}
			off = next
		}
	}
}
