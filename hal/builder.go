package hal

import "encoding/binary"

// Builder assembles a status TLV stream the way monitor hardware writes it.
type Builder struct {
	buf   []byte
	marks []int
}

// Bytes returns the stream built so far.
func (b *Builder) Bytes() []byte { return b.buf }

// Len returns the length of the stream built so far.
func (b *Builder) Len() int { return len(b.buf) }

// Reset discards the stream.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.marks = b.marks[:0]
}

// Split cuts the stream at TLV boundaries into chunks of at most max bytes.
// A single TLV longer than max becomes a chunk of its own.
func (b *Builder) Split(max int) [][]byte {
	var chunks [][]byte
	start := 0
	for i, m := range b.marks {
		end := len(b.buf)
		if i+1 < len(b.marks) {
			end = b.marks[i+1]
		}
		if end-start > max && m > start {
			chunks = append(chunks, b.buf[start:m])
			start = m
		}
	}
	if start < len(b.buf) {
		chunks = append(chunks, b.buf[start:])
	}
	return chunks
}

// TLV appends a TLV with an arbitrary tag and value.
func (b *Builder) TLV(tag uint16, user uint8, value []byte) *Builder {
	b.marks = append(b.marks, len(b.buf))
	var h [TLVHdrSize]byte
	binary.LittleEndian.PutUint16(h[0:], tag)
	binary.LittleEndian.PutUint16(h[2:], uint16(len(value)))
	h[4] = user
	b.buf = append(b.buf, h[:]...)
	b.buf = append(b.buf, value...)
	if pad := align8(len(value)) - len(value); pad > 0 {
		b.buf = append(b.buf, make([]byte, pad)...)
	}
	return b
}

func (b *Builder) PPDUStart(ppduID uint32, tsft uint64) *Builder {
	v := make([]byte, ppduStartLen)
	binary.LittleEndian.PutUint32(v[0:], ppduID)
	binary.LittleEndian.PutUint64(v[8:], tsft)
	return b.TLV(TagPPDUStart, 0, v)
}

func (b *Builder) PPDUCommon(rx RxStatus) *Builder {
	v := make([]byte, ppduCommonLen)
	binary.LittleEndian.PutUint16(v[0:], rx.ChanFreq)
	binary.LittleEndian.PutUint16(v[2:], rx.ChanFlags)
	v[4] = rx.BW
	v[5] = rx.Preamble
	v[6] = rx.GI
	v[7] = rx.MCS
	v[8] = rx.NSS
	v[9] = uint8(rx.RSSI)
	v[10] = uint8(rx.Noise)
	v[11] = rx.ReceptionType
	v[12] = rx.NumUsers
	v[13] = bit(rx.LDPC, 0) | bit(rx.STBC, 1)
	return b.TLV(TagPPDUCommon, 0, v)
}

func (b *Builder) UserInfo(user uint8, u UserStatus) *Builder {
	v := make([]byte, userInfoLen)
	v[0] = u.MCS
	v[1] = u.NSS
	v[2] = uint8(u.RSSI)
	v[3] = u.ReceptionType
	binary.LittleEndian.PutUint16(v[4:], u.FCSOk)
	binary.LittleEndian.PutUint16(v[6:], u.FCSErr)
	return b.TLV(TagUserInfo, user, v)
}

// RxHeader appends the captured head of an MPDU or A-MSDU subframe.
func (b *Builder) RxHeader(user uint8, hdr []byte) *Builder {
	return b.TLV(TagRxHeader, user, hdr)
}

func (b *Builder) MPDUStart(user, decap uint8) *Builder {
	v := make([]byte, mpduStartLen)
	v[0] = decap
	return b.TLV(TagMPDUStart, user, v)
}

func (b *Builder) MSDUStart(user, msduIndex uint8) *Builder {
	v := make([]byte, msduStartLen)
	v[0] = msduIndex
	return b.TLV(TagMSDUStart, user, v)
}

func (b *Builder) MSDUEnd(user uint8, m MSDUInfo) *Builder {
	v := make([]byte, msduEndLen)
	binary.LittleEndian.PutUint16(v[0:], m.MSDULen)
	v[2] = bit(m.FirstMSDU, 0) | bit(m.LastMSDU, 1) | bit(m.STBC, 2)
	v[3] = m.DecapType
	v[4] = m.MSDUIndex
	v[5] = m.ReceptionType
	v[6] = m.SGI
	v[7] = m.L3HdrPad
	binary.LittleEndian.PutUint16(v[8:], uint16(m.UserRSSI))
	return b.TLV(TagMSDUEnd, user, v)
}

func (b *Builder) MPDUEnd(user uint8, m MPDUInfo) *Builder {
	v := make([]byte, mpduEndLen)
	v[0] = bit(m.FCSErr, 0) | bit(m.DecryptErr, 1) | bit(m.LenErr, 2) |
		bit(m.OverflowErr, 3) | bit(m.Truncated, 4)
	return b.TLV(TagMPDUEnd, user, v)
}

func (b *Builder) MonBufAddr(user uint8, p PacketInfo) *Builder {
	v := make([]byte, monBufAddrLen)
	binary.LittleEndian.PutUint64(v[0:], p.Cookie)
	binary.LittleEndian.PutUint16(v[8:], p.DMALength)
	v[10] = bit(p.Continuation, 0) | bit(p.Truncated, 1)
	return b.TLV(TagMonBufAddr, user, v)
}

func (b *Builder) MonDrop(d DropInfo) *Builder {
	v := make([]byte, monDropLen)
	binary.LittleEndian.PutUint16(v[0:], d.PPDU)
	binary.LittleEndian.PutUint16(v[2:], d.MPDU)
	binary.LittleEndian.PutUint16(v[4:], d.TLV)
	binary.LittleEndian.PutUint16(v[6:], d.EndOfPPDU)
	return b.TLV(TagMonDrop, 0, v)
}

func (b *Builder) PPDUEnd() *Builder { return b.TLV(TagPPDUEnd, 0, nil) }

func (b *Builder) PPDUNonStdEnd() *Builder { return b.TLV(TagPPDUNonStdEnd, 0, nil) }
