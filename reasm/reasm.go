// Package reasm reassembles MPDUs from the monitor status TLV stream. It
// walks status buffers, attaches packet buffers announced by MON_BUF_ADDR
// TLVs to per-user frame buffers and, at delivery time, restitches those
// fragments into contiguous 802.11 frames.
package reasm

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/romshark/rxmon/descpool"
	"github.com/romshark/rxmon/frame"
	"github.com/romshark/rxmon/hal"
	"github.com/romshark/rxmon/logging"
	"github.com/romshark/rxmon/logging/logfields"
	"github.com/romshark/rxmon/mem"
	"github.com/romshark/rxmon/monstat"
	"github.com/romshark/rxmon/ppdu"
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "reasm")

type Config struct {
	// HandleInvalidDecapFatal turns a packet buffer arriving for an MPDU
	// without a valid decap type into a panic instead of a drop.
	HandleInvalidDecapFatal bool `yaml:"handle-invalid-decap-fatal"`
}

// Engine is the reassembly engine of one monitor. It is not safe for
// concurrent use; the monitor serializes calls under its lock.
type Engine struct {
	conf   Config
	pool   *descpool.Pool
	parser hal.Parser
	frames *frame.Allocator
	stats  *monstat.Counters

	scratch hal.PPDUStatus
}

func New(
	conf Config,
	pool *descpool.Pool,
	parser hal.Parser,
	frames *frame.Allocator,
	stats *monstat.Counters,
) *Engine {
	return &Engine{
		conf:   conf,
		pool:   pool,
		parser: parser,
		frames: frames,
		stats:  stats,
	}
}

// WalkStatusBuffer parses the TLVs of one status buffer into info. The walk
// ends on a terminal status or once the cursor passes endOffset, the last
// byte hardware wrote. Descriptors of packet buffers consumed on the way are
// pushed to freed; their number is returned along with the last status.
func (e *Engine) WalkStatusBuffer(
	info *ppdu.Info,
	page *mem.Page,
	endOffset uint16,
	freed *descpool.List,
) (reaped int, last hal.Status) {
	buf := page.Bytes()
	cur := 0
	for {
		st, next := e.parser.Next(buf, cur, &info.PPDUStatus)
		reaped += e.HandleTLV(info, page, st, freed)
		last = st
		if next <= cur || next > int(endOffset) || !st.Continues() {
			return reaped, last
		}
		cur = next
	}
}

// HandleTLV applies the status of the TLV just parsed into info. page is
// the status buffer the TLV lives in.
func (e *Engine) HandleTLV(info *ppdu.Info, page *mem.Page, status hal.Status, freed *descpool.List) int {
	switch status {
	case hal.Header:
		e.handleHeader(info, page)
	case hal.MonBufAddr:
		return e.handleBufAddr(info, freed)
	case hal.MonBufOrphan:
		pg := e.takePacket(info.Packet, freed)
		log.WithField(logfields.PPDUID, info.Rx.PPDUID).Debug("Packet buffer for user out of range")
		pg.Put()
		e.stats.Inc(monstat.FragFree)
		return 1
	case hal.MSDUEnd:
		e.handleMSDUEnd(info)
	case hal.MPDUStart:
		e.handleMPDUStart(info)
	case hal.MPDUEnd:
		e.handleMPDUEnd(info)
	case hal.MonDrop:
		d := info.Drop
		e.stats.Add(monstat.PPDUDropCnt, uint64(d.PPDU))
		e.stats.Add(monstat.MPDUDropCnt, uint64(d.MPDU))
		e.stats.Add(monstat.EndOfPPDUDropCnt, uint64(d.EndOfPPDU))
		e.stats.Add(monstat.TLVDropCnt, uint64(d.TLV))
	}
	return 0
}

func (e *Engine) userLog(info *ppdu.Info, user uint8) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		logfields.PPDUID: info.Rx.PPDUID,
		logfields.UserID: user,
	})
}

func (e *Engine) allocBuffer() *frame.Buffer {
	b := e.frames.Alloc()
	if b == nil {
		e.stats.Inc(monstat.ParentBufAllocFail)
		return nil
	}
	e.stats.Inc(monstat.ParentBufAlloc)
	return b
}

// dropMPDU frees the MPDU in progress for user and forgets its state, so
// buffers still arriving for it are treated as orphans and its remaining
// headers are ignored.
func (e *Engine) dropMPDU(info *ppdu.Info, user uint8) {
	if b := info.MPDUQ[user].RemoveLast(); b != nil {
		e.stats.Add(monstat.ParentBufFree, uint64(b.FreeChain()))
	}
	info.MPDU[user] = hal.MPDUInfo{}
	info.MSDU[user] = hal.MSDUInfo{}
	info.RxHdrRcvd[user] = false
	info.MPDUDropped[user] = true
}

func (e *Engine) handleHeader(info *ppdu.Info, page *mem.Page) {
	u := info.UserID
	if info.MPDUDropped[u] {
		return
	}
	mi := &info.MPDU[u]
	hdr := frame.Frag{Off: info.HdrOffset, Len: info.HdrLen, Header: true}

	if !mi.MPDUStartReceived {
		b := e.allocBuffer()
		if b == nil {
			e.userLog(info, u).Debug("No frame buffer for new MPDU")
			return
		}
		hdr.Page = page.Get()
		_ = b.AddFrag(hdr)
		info.MPDUQ[u].PushBack(b)
		mi.MPDUStartReceived = true
		mi.FirstRxHdrRcvd = true
		// Set by the MPDU_START TLV that follows.
		mi.DecapType = hal.DecapInvalid
	} else {
		if mi.DecapType == hal.DecapRaw {
			return
		}
		b := info.MPDUQ[u].Last()
		if b == nil {
			return
		}
		tail := b.ValidFrag()
		if tail == nil {
			if tail = e.allocBuffer(); tail == nil {
				e.userLog(info, u).Debug("No extension buffer for header, dropping MPDU")
				e.dropMPDU(info, u)
				return
			}
			b.AppendExt(tail)
		}
		hdr.Page = page.Get()
		_ = tail.AddFrag(hdr)
	}
	info.RxHdrRcvd[u] = true
}

// takePacket resolves the packet buffer pi announces, unmaps it and hands
// its descriptor to freed. The caller owns the returned page.
func (e *Engine) takePacket(pi hal.PacketInfo, freed *descpool.List) *mem.Page {
	d := e.pool.Resolve(descpool.Handle(pi.Cookie))
	e.pool.Unmap(d)
	pg := d.TakePage()
	freed.Push(d)
	e.stats.Inc(monstat.PktBufCount)
	if pg == nil {
		panic(fmt.Sprintf("reasm: packet descriptor %s without page", d.Handle()))
	}
	return pg
}

func (e *Engine) handleBufAddr(info *ppdu.Info, freed *descpool.List) int {
	pi := info.Packet
	pg := e.takePacket(pi, freed)
	u := info.UserID
	drop := func() {
		pg.Put()
		e.stats.Inc(monstat.FragFree)
	}

	if !info.RxHdrRcvd[u] {
		e.stats.Inc(monstat.RxHdrNotReceived)
		e.userLog(info, u).Debug("Packet buffer without RX header")
		drop()
		return 1
	}
	b := info.MPDUQ[u].Last()
	if b == nil {
		drop()
		return 1
	}

	mi := &info.MPDU[u]
	if mi.DecapType == hal.DecapInvalid {
		e.stats.Inc(monstat.MPDUDecapTypeInvalid)
		drop()
		e.dropMPDU(info, u)
		if e.conf.HandleInvalidDecapFatal {
			panic(fmt.Sprintf("reasm: invalid decap type for user %d of PPDU %d", u, info.Rx.PPDUID))
		}
		return 1
	}

	tail := b.ValidFrag()
	if tail == nil {
		if tail = e.allocBuffer(); tail == nil {
			e.userLog(info, u).Debug("No extension buffer for packet, dropping MPDU")
			drop()
			e.dropMPDU(info, u)
			return 1
		}
		b.AppendExt(tail)
	}
	mi.FullPkt = true

	dmaLen := min(int(pi.DMALength), pg.Len()-hal.PacketOffset)
	f := frame.Frag{Page: pg, Off: hal.PacketOffset, Len: dmaLen}
	if mi.DecapType == hal.DecapRaw {
		if mi.FirstRxHdrRcvd {
			// The raw MPDU replaces the captured header.
			_ = b.ReplaceFrag(0, f)
			mi.FirstRxHdrRcvd = false
		} else {
			_ = tail.AddFrag(f)
		}
	} else {
		_ = tail.AddFrag(f)
		ms := &info.MSDU[u]
		// Recycled pages carry stale metadata.
		bi := hal.MSDUInfo{
			FirstBuffer: !ms.FirstBuffer,
			LastBuffer:  !pi.Continuation,
			FragLen:     pi.DMALength,
		}
		ms.FirstBuffer = true
		bi.Marshal(pg.Bytes())
	}
	// The page now belongs to the frame buffer.
	e.stats.Inc(monstat.FragFree)

	if pi.Truncated {
		mi.Truncated = true
	}
	return 1
}

func (e *Engine) handleMSDUEnd(info *ppdu.Info) {
	u := info.UserID
	ms := &info.MSDU[u]
	if !info.RxHdrRcvd[u] {
		*ms = hal.MSDUInfo{}
		e.userLog(info, u).Debug("MSDU end without RX header")
		return
	}
	b := info.MPDUQ[u].Last()
	if b == nil || info.MPDU[u].DecapType == hal.DecapRaw {
		return
	}
	if f := b.LastFrag(); f != nil {
		raw := f.Page.Bytes()
		bi := hal.UnmarshalMSDUInfo(raw)
		bi.FirstMSDU = ms.FirstMSDU
		bi.LastMSDU = ms.LastMSDU
		bi.DecapType = ms.DecapType
		bi.MSDUIndex = ms.MSDUIndex
		bi.UserRSSI = ms.UserRSSI
		bi.ReceptionType = ms.ReceptionType
		bi.MSDULen = ms.MSDULen
		bi.User = u
		bi.Marshal(raw)
	}
	*ms = hal.MSDUInfo{}
}

func (e *Engine) handleMPDUStart(info *ppdu.Info) {
	u := info.UserID
	if !info.RxHdrRcvd[u] {
		e.userLog(info, u).Debug("MPDU start without RX header")
		return
	}
	b := info.MPDUQ[u].Last()
	if b == nil {
		return
	}
	b.Meta.DecapType = info.MPDU[u].DecapType
	info.MPDU[u].MPDUStartReceived = true
}

func (e *Engine) handleMPDUEnd(info *ppdu.Info) {
	u := info.UserID
	mi := &info.MPDU[u]
	info.MPDUDropped[u] = false
	if !info.RxHdrRcvd[u] {
		*mi = hal.MPDUInfo{}
		e.userLog(info, u).Debug("MPDU end without RX header")
		return
	}
	b := info.MPDUQ[u].Last()
	if b == nil {
		return
	}
	b.Meta.LenErr = mi.LenErr
	b.Meta.FCSErr = mi.FCSErr
	b.Meta.OverflowErr = mi.OverflowErr
	b.Meta.DecryptErr = mi.DecryptErr
	b.Meta.FullPkt = mi.FullPkt
	b.Meta.Truncated = mi.Truncated
	info.Rx.FCSErr = mi.FCSErr

	*mi = hal.MPDUInfo{}
	info.MPDUCount[u]++
	info.RxHdrRcvd[u] = false
}

// FlushStatusBuffer walks a status buffer of a discarded PPDU and frees
// every packet buffer it announces. It returns the number of descriptors
// pushed to freed. The caller still owns page.
func (e *Engine) FlushStatusBuffer(page *mem.Page, endOffset uint16, freed *descpool.List) int {
	st := &e.scratch
	*st = hal.PPDUStatus{}
	buf := page.Bytes()
	reaped := 0
	cur := 0
	for {
		status, next := e.parser.Next(buf, cur, st)
		if status == hal.MonBufAddr || status == hal.MonBufOrphan {
			d := e.pool.Resolve(descpool.Handle(st.Packet.Cookie))
			e.pool.Unmap(d)
			if pg := d.TakePage(); pg != nil {
				pg.Put()
				e.stats.Inc(monstat.FragFree)
			}
			freed.Push(d)
			reaped++
		}
		if next <= cur || next > int(endOffset) || !status.Continues() {
			return reaped
		}
		cur = next
	}
}
