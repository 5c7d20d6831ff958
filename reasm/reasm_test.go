package reasm_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/rxmon/descpool"
	"github.com/romshark/rxmon/frame"
	"github.com/romshark/rxmon/hal"
	"github.com/romshark/rxmon/mem"
	"github.com/romshark/rxmon/monstat"
	"github.com/romshark/rxmon/ppdu"
	"github.com/romshark/rxmon/reasm"
	"github.com/romshark/rxmon/ring"
)

type harness struct {
	t          *testing.T
	pages      *mem.HeapAllocator
	framePages *mem.HeapAllocator
	iommu      *mem.IOMMU
	pool       *descpool.Pool
	src        *ring.Ring[hal.BufAddrInfo]
	stats      *monstat.Counters
	eng        *reasm.Engine
}

func newHarness(t *testing.T, conf reasm.Config, frameLimit int) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		pages:      mem.NewHeapAllocator(hal.BufSize, 0),
		framePages: mem.NewHeapAllocator(256, frameLimit),
		iommu:      mem.NewIOMMU(0x8000_0000, hal.BufSize),
		stats:      monstat.New(),
	}
	var err error
	h.pool, err = descpool.New(64, h.pages, h.iommu, h.stats)
	require.NoError(t, err)
	h.src, err = ring.New[hal.BufAddrInfo](64, false)
	require.NoError(t, err)
	h.eng = reasm.New(conf, h.pool, hal.TLVParser{}, frame.NewAllocator(h.framePages, 128), h.stats)
	return h
}

// packet loans one buffer to "hardware", writes data into it as DMA would
// and returns its cookie.
func (h *harness) packet(data []byte) uint64 {
	h.t.Helper()
	c, _ := h.packetPage(data)
	return c
}

// packetPage is packet also returning the loaned page.
func (h *harness) packetPage(data []byte) (uint64, *mem.Page) {
	h.t.Helper()
	require.Equal(h.t, 1, h.pool.Replenish(h.src, 1))
	var e [1]hal.BufAddrInfo
	require.Equal(h.t, 1, h.src.Consume(e[:]))
	pg, ok := h.iommu.Lookup(e[0].PAddr)
	require.True(h.t, ok)
	copy(pg.Bytes()[hal.PacketOffset:], data)
	return e[0].Cookie, pg
}

// walk writes b into a fresh status page and walks it.
func (h *harness) walk(info *ppdu.Info, b *hal.Builder) (int, hal.Status) {
	h.t.Helper()
	pg, err := h.pages.Alloc()
	require.NoError(h.t, err)
	copy(pg.Bytes(), b.Bytes())
	var freed descpool.List
	reaped, last := h.eng.WalkStatusBuffer(info, pg, uint16(b.Len()-1), &freed)
	require.Equal(h.t, reaped, freed.Len())
	pg.Put()
	require.Equal(h.t, reaped, h.pool.ReleaseList(&freed))
	return reaped, last
}

func qosHdr(amsdu bool) []byte {
	h := make([]byte, 26)
	h[0], h[1] = 0x88, 0x01
	for i := 4; i < 22; i++ {
		h[i] = byte(i)
	}
	if amsdu {
		h[24] = 0x80
	}
	return h
}

func llcSnap(etherType uint16) []byte {
	return []byte{0xaa, 0xaa, 0x03, 0, 0, 0, byte(etherType >> 8), byte(etherType)}
}

func subframeHdr(n int) []byte {
	h := make([]byte, 14)
	for i := 0; i < 12; i++ {
		h[i] = 0xa0 + byte(i)
	}
	h[12], h[13] = byte(n>>8), byte(n)
	return h
}

func payload(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

// decapped is what non-raw DMA holds for the first buffer of an MSDU.
func decapped(p []byte) []byte {
	out := make([]byte, hal.NonRawL2Pad+hal.DecapHdrSize, hal.NonRawL2Pad+hal.DecapHdrSize+len(p))
	out[hal.NonRawL2Pad+12], out[hal.NonRawL2Pad+13] = 0x08, 0x00
	return append(out, p...)
}

func cat(parts ...[]byte) []byte { return bytes.Join(parts, nil) }

func TestSingleMSDUNonRaw(t *testing.T) {
	h := newHarness(t, reasm.Config{}, 0)
	info := new(ppdu.Info)

	body := payload(100, 1)
	hdr := cat(qosHdr(false), llcSnap(0x0800))
	cookie := h.packet(decapped(body))

	var b hal.Builder
	b.PPDUStart(5, 1000).
		RxHeader(0, cat(hdr, body[:12])).
		MPDUStart(0, hal.DecapEth2).
		MonBufAddr(0, hal.PacketInfo{Cookie: cookie, DMALength: uint16(len(decapped(body)))}).
		MSDUEnd(0, hal.MSDUInfo{FirstMSDU: true, LastMSDU: true, DecapType: hal.DecapEth2, MSDULen: 100}).
		MPDUEnd(0, hal.MPDUInfo{}).
		PPDUEnd()

	reaped, last := h.walk(info, &b)
	require.Equal(t, 1, reaped)
	require.Equal(t, hal.PPDUDone, last)
	require.Equal(t, 1, info.MPDUCount[0])
	require.Equal(t, 1, info.MPDUQ[0].Len())

	mpdu := info.MPDUQ[0].Last()
	require.Equal(t, hal.DecapEth2, mpdu.Meta.DecapType)
	require.True(t, mpdu.Meta.FullPkt)
	require.False(t, mpdu.Meta.Truncated)
	require.Len(t, mpdu.Frags(), 2)

	bi := hal.UnmarshalMSDUInfo(mpdu.LastFrag().Page.Bytes())
	require.True(t, bi.FirstBuffer)
	require.True(t, bi.LastBuffer)
	require.True(t, bi.FirstMSDU)
	require.True(t, bi.LastMSDU)
	require.Equal(t, uint16(100), bi.MSDULen)

	for _, c := range []monstat.Counter{
		monstat.RxHdrNotReceived, monstat.MPDUDecapTypeInvalid,
		monstat.ParentBufAllocFail, monstat.PPDUDropCnt,
	} {
		require.Zero(t, h.stats.Get(c), c.String())
	}
	require.Equal(t, uint64(1), h.stats.Get(monstat.ParentBufAlloc))
	require.Equal(t, uint64(1), h.stats.Get(monstat.PktBufCount))

	require.NoError(t, reasm.Restitch(mpdu))
	require.Equal(t, cat(hdr, body), mpdu.Bytes())

	info.FreeQueues()
	require.Zero(t, h.pages.InUse())
	require.Zero(t, h.framePages.InUse())
}

func TestOrphanBuffer(t *testing.T) {
	h := newHarness(t, reasm.Config{}, 0)
	info := new(ppdu.Info)
	cookie := h.packet(decapped(payload(10, 0)))
	free := h.pool.Stats().Free

	var b hal.Builder
	b.MonBufAddr(0, hal.PacketInfo{Cookie: cookie, DMALength: 26})
	reaped, last := h.walk(info, &b)

	require.Equal(t, 1, reaped)
	require.Equal(t, hal.MonBufAddr, last, "walk ends at the end offset")
	require.Zero(t, info.MPDUQ[0].Len())
	require.Equal(t, uint64(1), h.stats.Get(monstat.RxHdrNotReceived))
	require.Equal(t, free+1, h.pool.Stats().Free)
	require.Zero(t, h.pages.InUse())
}

func TestBufAddrUserOutOfRange(t *testing.T) {
	h := newHarness(t, reasm.Config{}, 0)
	info := new(ppdu.Info)
	good := h.packet(decapped(payload(8, 0)))
	bad := h.packet(payload(8, 0))

	var b hal.Builder
	b.RxHeader(0, cat(qosHdr(false), llcSnap(0x0800))).
		MPDUStart(0, hal.DecapEth2).
		MonBufAddr(hal.MaxUsers+3, hal.PacketInfo{Cookie: bad, DMALength: 8}).
		MonBufAddr(0, hal.PacketInfo{Cookie: good, DMALength: 24}).
		MSDUEnd(0, hal.MSDUInfo{FirstMSDU: true, LastMSDU: true}).
		MPDUEnd(0, hal.MPDUInfo{}).
		PPDUEnd()
	reaped, last := h.walk(info, &b)
	require.Equal(t, 2, reaped)
	require.Equal(t, hal.PPDUDone, last)
	require.Equal(t, 1, info.MPDUCount[0])
	require.Len(t, info.MPDUQ[0].Last().Frags(), 2, "header and the in-range buffer")
	require.Equal(t, uint64(2), h.stats.Get(monstat.PktBufCount))
	require.Equal(t, uint64(2), h.stats.Get(monstat.FragFree))

	info.FreeQueues()
	require.Zero(t, h.pool.Stats().InUse)
	require.Zero(t, h.iommu.Mapped())
	require.Zero(t, h.pages.InUse())
}

func TestStaleBufferMetadataCleared(t *testing.T) {
	h := newHarness(t, reasm.Config{}, 0)
	info := new(ppdu.Info)

	first, rest := decapped(payload(40, 1)), payload(20, 41)
	c1, p1 := h.packetPage(first)
	c2, p2 := h.packetPage(rest)
	stale := hal.MSDUInfo{
		FirstMSDU: true, LastMSDU: true, DecapType: hal.DecapRaw,
		User: 9, MSDULen: 999, UserRSSI: -3, BufferLen: 77,
	}
	stale.Marshal(p1.Bytes())
	stale.Marshal(p2.Bytes())

	hdr := cat(qosHdr(false), llcSnap(0x0800))
	var b hal.Builder
	b.RxHeader(0, hdr).
		MPDUStart(0, hal.DecapEth2).
		MonBufAddr(0, hal.PacketInfo{Cookie: c1, DMALength: uint16(len(first)), Continuation: true}).
		MonBufAddr(0, hal.PacketInfo{Cookie: c2, DMALength: uint16(len(rest))}).
		MSDUEnd(0, hal.MSDUInfo{FirstMSDU: true, LastMSDU: true, DecapType: hal.DecapEth2, MSDULen: 60}).
		MPDUEnd(0, hal.MPDUInfo{}).
		PPDUEnd()
	h.walk(info, &b)

	frags := info.MPDUQ[0].Last().Frags()
	require.Len(t, frags, 3)
	require.Equal(t, hal.MSDUInfo{FirstBuffer: true, FragLen: uint16(len(first))},
		hal.UnmarshalMSDUInfo(frags[1].Page.Bytes()))
	require.Equal(t, hal.MSDUInfo{
		LastBuffer: true, FirstMSDU: true, LastMSDU: true, DecapType: hal.DecapEth2,
		FragLen: uint16(len(rest)), MSDULen: 60,
	}, hal.UnmarshalMSDUInfo(frags[2].Page.Bytes()))
	info.FreeQueues()
}

func TestMSDUSpanningStatusBuffers(t *testing.T) {
	h := newHarness(t, reasm.Config{}, 0)
	info := new(ppdu.Info)

	body := payload(3000, 7)
	first := decapped(body[:hal.BufSize-hal.PacketOffset-16])
	rest := body[len(first)-16:]
	c1 := h.packet(first)
	c2 := h.packet(rest)
	hdr := cat(qosHdr(false), llcSnap(0x86dd))

	var b1 hal.Builder
	b1.RxHeader(0, hdr).
		MPDUStart(0, hal.DecapEth2).
		MonBufAddr(0, hal.PacketInfo{Cookie: c1, DMALength: uint16(len(first)), Continuation: true})
	_, last := h.walk(info, &b1)
	require.Equal(t, hal.MonBufAddr, last)
	require.Zero(t, info.MPDUCount[0])

	var b2 hal.Builder
	b2.MonBufAddr(0, hal.PacketInfo{Cookie: c2, DMALength: uint16(len(rest))}).
		MSDUEnd(0, hal.MSDUInfo{FirstMSDU: true, LastMSDU: true, MSDULen: 3000}).
		MPDUEnd(0, hal.MPDUInfo{}).
		PPDUEnd()
	_, last = h.walk(info, &b2)
	require.Equal(t, hal.PPDUDone, last)

	require.Equal(t, 1, info.MPDUCount[0])
	require.Equal(t, 1, info.MPDUQ[0].Len())
	mpdu := info.MPDUQ[0].Last()
	frags := mpdu.Frags()
	require.Len(t, frags, 3)
	require.True(t, frags[0].Header)

	b0 := hal.UnmarshalMSDUInfo(frags[1].Page.Bytes())
	require.True(t, b0.FirstBuffer)
	require.False(t, b0.LastBuffer)
	b1i := hal.UnmarshalMSDUInfo(frags[2].Page.Bytes())
	require.False(t, b1i.FirstBuffer)
	require.True(t, b1i.LastBuffer)
	require.Equal(t, uint16(3000), b1i.MSDULen)

	require.NoError(t, reasm.Restitch(mpdu))
	require.Equal(t, cat(hdr, body), mpdu.Bytes())
	info.FreeQueues()
}

func TestAMSDU(t *testing.T) {
	for _, tc := range []struct {
		name       string
		firstLen   int
		secondLen  int
		wantPadLen int
	}{
		{name: "pad in tail slack", firstLen: 101, secondLen: 50, wantPadLen: 1},
		{name: "no pad needed", firstLen: 102, secondLen: 50, wantPadLen: 0},
		// The first subframe fills its buffer; the pad moves in front of
		// the next subframe header.
		{name: "pad before next header", firstLen: hal.BufSize - hal.PacketOffset - 16, secondLen: 9, wantPadLen: 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, reasm.Config{}, 0)
			info := new(ppdu.Info)

			p1, p2 := payload(tc.firstLen, 1), payload(tc.secondLen, 99)
			sf1 := cat(subframeHdr(8+len(p1)), llcSnap(0x0800))
			sf2 := cat(subframeHdr(8+len(p2)), llcSnap(0x0806))
			mac := qosHdr(true)
			c1, c2 := h.packet(decapped(p1)), h.packet(decapped(p2))

			var b hal.Builder
			b.RxHeader(3, cat(mac, sf1, p1[:6])).
				MPDUStart(3, hal.DecapEth2).
				MonBufAddr(3, hal.PacketInfo{Cookie: c1, DMALength: uint16(len(p1) + 16)}).
				MSDUEnd(3, hal.MSDUInfo{FirstMSDU: true, DecapType: hal.DecapEth2}).
				RxHeader(3, cat(sf2, p2[:6])).
				MonBufAddr(3, hal.PacketInfo{Cookie: c2, DMALength: uint16(len(p2) + 16)}).
				MSDUEnd(3, hal.MSDUInfo{LastMSDU: true, DecapType: hal.DecapEth2}).
				MPDUEnd(3, hal.MPDUInfo{}).
				PPDUEnd()
			h.walk(info, &b)
			require.Equal(t, 1, info.MPDUCount[3])
			mpdu := info.MPDUQ[3].Last()
			require.Len(t, mpdu.Frags(), 4)

			require.NoError(t, reasm.Restitch(mpdu))
			want := cat(mac, sf1, p1, make([]byte, tc.wantPadLen), sf2, p2)
			require.Equal(t, want, mpdu.Bytes())
			require.Zero(t, (len(sf1)+len(p1)+tc.wantPadLen)%4)
			info.FreeQueues()
		})
	}
}

func TestRawAcrossExtensionChain(t *testing.T) {
	h := newHarness(t, reasm.Config{}, 0)
	info := new(ppdu.Info)

	mpduBytes := cat(qosHdr(false), payload(40, 3))
	fcs := []byte{0xde, 0xad, 0xbe, 0xef}
	full := cat(mpduBytes, fcs)

	// Buffers of four bytes each, the FCS straddling the last two.
	var b hal.Builder
	b.RxHeader(1, full[:32]).MPDUStart(1, hal.DecapRaw)
	for off := 0; off < len(full); off += 4 {
		chunk := full[off:min(off+4, len(full))]
		c := h.packet(chunk)
		b.MonBufAddr(1, hal.PacketInfo{
			Cookie:       c,
			DMALength:    uint16(len(chunk)),
			Continuation: off+4 < len(full),
		})
		if off == 8 {
			// A header continuation of a raw MPDU is ignored.
			b.RxHeader(1, full[:10])
		}
	}
	b.MPDUEnd(1, hal.MPDUInfo{}).PPDUEnd()
	reaped, _ := h.walk(info, &b)
	require.Equal(t, (len(full)+3)/4, reaped)

	mpdu := info.MPDUQ[1].Last()
	require.NotEmpty(t, mpdu.Ext(), "more fragments than one buffer holds")
	require.False(t, mpdu.Frags()[0].Header, "raw data replaced the header")
	require.NoError(t, reasm.Restitch(mpdu))
	require.Equal(t, mpduBytes, mpdu.Bytes())
	info.FreeQueues()
	require.Zero(t, h.pages.InUse())
}

func TestInvalidDecapDropsMPDU(t *testing.T) {
	h := newHarness(t, reasm.Config{}, 0)
	info := new(ppdu.Info)
	c1, c2 := h.packet(decapped(payload(20, 0))), h.packet(payload(20, 0))

	var b hal.Builder
	b.RxHeader(0, qosHdr(false)).
		MonBufAddr(0, hal.PacketInfo{Cookie: c1, DMALength: 36, Continuation: true}).
		MonBufAddr(0, hal.PacketInfo{Cookie: c2, DMALength: 20}).
		MSDUEnd(0, hal.MSDUInfo{}).
		MPDUEnd(0, hal.MPDUInfo{}).
		PPDUEnd()
	reaped, _ := h.walk(info, &b)
	require.Equal(t, 2, reaped)

	require.Zero(t, info.MPDUQ[0].Len())
	require.Zero(t, info.MPDUCount[0])
	require.Equal(t, uint64(1), h.stats.Get(monstat.MPDUDecapTypeInvalid))
	require.Equal(t, uint64(1), h.stats.Get(monstat.RxHdrNotReceived), "rest of the dropped MPDU is orphaned")
	require.Equal(t, uint64(1), h.stats.Get(monstat.ParentBufFree))
	require.Zero(t, h.pages.InUse())
	require.Zero(t, h.framePages.InUse())
}

func TestDroppedMPDUIgnoresLaterHeaders(t *testing.T) {
	h := newHarness(t, reasm.Config{}, 0)
	info := new(ppdu.Info)
	c1, c2 := h.packet(decapped(payload(20, 0))), h.packet(payload(20, 0))
	c3 := h.packet(decapped(payload(8, 0)))

	var b hal.Builder
	b.RxHeader(0, qosHdr(false)).
		MonBufAddr(0, hal.PacketInfo{Cookie: c1, DMALength: 36, Continuation: true}).
		// Header continuation of the dropped MPDU.
		RxHeader(0, payload(12, 0)).
		MonBufAddr(0, hal.PacketInfo{Cookie: c2, DMALength: 20}).
		MSDUEnd(0, hal.MSDUInfo{}).
		MPDUEnd(0, hal.MPDUInfo{}).
		RxHeader(0, cat(qosHdr(false), llcSnap(0x0800))).
		MPDUStart(0, hal.DecapEth2).
		MonBufAddr(0, hal.PacketInfo{Cookie: c3, DMALength: 24}).
		MSDUEnd(0, hal.MSDUInfo{FirstMSDU: true, LastMSDU: true}).
		MPDUEnd(0, hal.MPDUInfo{}).
		PPDUEnd()
	reaped, _ := h.walk(info, &b)
	require.Equal(t, 3, reaped)

	require.Equal(t, uint64(1), h.stats.Get(monstat.MPDUDecapTypeInvalid))
	require.Equal(t, uint64(2), h.stats.Get(monstat.ParentBufAlloc))
	require.Equal(t, uint64(1), h.stats.Get(monstat.ParentBufFree))
	require.Equal(t, 1, info.MPDUCount[0])
	require.Equal(t, 1, info.MPDUQ[0].Len(), "next MPDU reassembled")
	require.False(t, info.MPDUDropped[0])

	info.FreeQueues()
	require.Zero(t, h.pages.InUse())
	require.Zero(t, h.framePages.InUse())
}

func TestInvalidDecapFatal(t *testing.T) {
	h := newHarness(t, reasm.Config{HandleInvalidDecapFatal: true}, 0)
	info := new(ppdu.Info)
	c := h.packet(payload(4, 0))
	var b hal.Builder
	b.RxHeader(0, qosHdr(false)).MonBufAddr(0, hal.PacketInfo{Cookie: c, DMALength: 4})
	require.Panics(t, func() { h.walk(info, &b) })
}

func TestEndTLVsWithoutHeader(t *testing.T) {
	h := newHarness(t, reasm.Config{}, 0)
	info := new(ppdu.Info)
	info.MSDU[2].FirstBuffer = true
	info.MPDU[2].FCSErr = true

	var b hal.Builder
	b.MPDUStart(2, hal.DecapEth2).
		MSDUEnd(2, hal.MSDUInfo{MSDULen: 5}).
		MPDUEnd(2, hal.MPDUInfo{FCSErr: true}).
		PPDUEnd()
	h.walk(info, &b)
	require.Zero(t, info.MPDUCount[2])
	require.Zero(t, info.MPDUQ[2].Len())
	require.Equal(t, hal.MSDUInfo{}, info.MSDU[2])
	require.Equal(t, hal.MPDUInfo{}, info.MPDU[2])
}

func TestHeaderAllocFailure(t *testing.T) {
	h := newHarness(t, reasm.Config{}, 1)
	info := new(ppdu.Info)
	c1, c2 := h.packet(decapped(payload(8, 0))), h.packet(decapped(payload(8, 0)))

	var b hal.Builder
	b.RxHeader(0, cat(qosHdr(false), llcSnap(0x0800))).
		MPDUStart(0, hal.DecapEth2).
		MonBufAddr(0, hal.PacketInfo{Cookie: c1, DMALength: 24}).
		MSDUEnd(0, hal.MSDUInfo{}).
		MPDUEnd(0, hal.MPDUInfo{}).
		// Only one frame buffer exists; the second MPDU cannot start.
		RxHeader(0, cat(qosHdr(false), llcSnap(0x0800))).
		MPDUStart(0, hal.DecapEth2).
		MonBufAddr(0, hal.PacketInfo{Cookie: c2, DMALength: 24}).
		MSDUEnd(0, hal.MSDUInfo{}).
		MPDUEnd(0, hal.MPDUInfo{}).
		PPDUEnd()
	h.walk(info, &b)

	require.Equal(t, 1, info.MPDUCount[0])
	require.Equal(t, 1, info.MPDUQ[0].Len(), "first MPDU unaffected")
	require.Equal(t, uint64(1), h.stats.Get(monstat.ParentBufAllocFail))
	require.Equal(t, uint64(1), h.stats.Get(monstat.RxHdrNotReceived))
	info.FreeQueues()
	require.Zero(t, h.pages.InUse())
}

func TestMonDropAccumulates(t *testing.T) {
	h := newHarness(t, reasm.Config{}, 0)
	info := new(ppdu.Info)
	var b hal.Builder
	b.MonDrop(hal.DropInfo{PPDU: 1, MPDU: 2, TLV: 3, EndOfPPDU: 4}).
		MonDrop(hal.DropInfo{PPDU: 1}).
		PPDUEnd()
	_, last := h.walk(info, &b)
	require.Equal(t, hal.PPDUDone, last, "MON_DROP does not end the walk")
	require.Equal(t, uint64(2), h.stats.Get(monstat.PPDUDropCnt))
	require.Equal(t, uint64(2), h.stats.Get(monstat.MPDUDropCnt))
	require.Equal(t, uint64(3), h.stats.Get(monstat.TLVDropCnt))
	require.Equal(t, uint64(4), h.stats.Get(monstat.EndOfPPDUDropCnt))
}

func TestWalkStopsAtEndOffset(t *testing.T) {
	h := newHarness(t, reasm.Config{}, 0)
	info := new(ppdu.Info)
	c := h.packet(payload(4, 0))

	var b hal.Builder
	b.PPDUStart(1, 0)
	end := b.Len() - 1
	b.MonBufAddr(0, hal.PacketInfo{Cookie: c, DMALength: 4}).PPDUEnd()

	pg, err := h.pages.Alloc()
	require.NoError(t, err)
	copy(pg.Bytes(), b.Bytes())
	var freed descpool.List
	reaped, last := h.eng.WalkStatusBuffer(info, pg, uint16(end), &freed)
	require.Zero(t, reaped)
	require.Equal(t, hal.PPDUStart, last)
	pg.Put()
}

func TestFlushStatusBuffer(t *testing.T) {
	h := newHarness(t, reasm.Config{}, 0)
	c1, c2, c3 := h.packet(payload(4, 0)), h.packet(payload(4, 0)), h.packet(payload(4, 0))
	var b hal.Builder
	b.RxHeader(0, qosHdr(false)).
		MonBufAddr(0, hal.PacketInfo{Cookie: c1, DMALength: 4}).
		MonDrop(hal.DropInfo{}).
		MonBufAddr(4, hal.PacketInfo{Cookie: c2, DMALength: 4}).
		MonBufAddr(hal.MaxUsers, hal.PacketInfo{Cookie: c3, DMALength: 4}).
		PPDUEnd()

	pg, err := h.pages.Alloc()
	require.NoError(t, err)
	copy(pg.Bytes(), b.Bytes())
	var freed descpool.List
	require.Equal(t, 3, h.eng.FlushStatusBuffer(pg, uint16(b.Len()-1), &freed))
	pg.Put()
	require.Equal(t, 3, h.pool.ReleaseList(&freed))
	require.Zero(t, h.pages.InUse())
	require.Zero(t, h.iommu.Mapped())
}

func TestRestitchErrors(t *testing.T) {
	pages := mem.NewHeapAllocator(256, 0)
	fa := frame.NewAllocator(pages, 0)

	b := fa.Alloc()
	b.Meta.DecapType = hal.DecapEth2
	require.ErrorIs(t, reasm.Restitch(b), reasm.ErrTooFewFrags)

	p1, _ := pages.Alloc()
	p2, _ := pages.Alloc()
	require.NoError(t, b.AddFrag(frame.Frag{Page: p1, Len: 30}))
	require.NoError(t, b.AddFrag(frame.Frag{Page: p2, Len: 30}))
	require.ErrorIs(t, reasm.Restitch(b), reasm.ErrNoHeader)
	b.Free()
}

func TestWifiHeaderLen(t *testing.T) {
	hdr := func(fc0, fc1 byte, extra ...byte) []byte {
		h := make([]byte, 40)
		h[0], h[1] = fc0, fc1
		for i, v := range extra {
			h[24+i] = v
		}
		return h
	}
	for _, tc := range []struct {
		name  string
		hdr   []byte
		n     int
		amsdu bool
	}{
		{"data", hdr(0x08, 0x01), 24, false},
		{"four address", hdr(0x08, 0x03), 30, false},
		{"qos", hdr(0x88, 0x02), 26, false},
		{"qos amsdu", hdr(0x88, 0x01, 0x80), 26, true},
		{"qos wep", hdr(0x88, 0x41, 0, 0, 0, 0, 0, 0x00), 30, false},
		{"qos ccmp", hdr(0x88, 0x41, 0, 0, 0, 0, 0, 0x20), 34, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			n, amsdu, err := reasm.WifiHeaderLen(tc.hdr)
			require.NoError(t, err)
			require.Equal(t, tc.n, n)
			require.Equal(t, tc.amsdu, amsdu)
		})
	}
	_, _, err := reasm.WifiHeaderLen(make([]byte, 20))
	require.ErrorIs(t, err, reasm.ErrShortHeader)
	_, _, err = reasm.WifiHeaderLen(hdr(0x88, 0x41)[:28])
	require.ErrorIs(t, err, reasm.ErrShortHeader)
}
