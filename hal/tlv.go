package hal

import "encoding/binary"

// TLV tags of the monitor status stream.
const (
	TagBufDone       uint16 = 0
	TagPPDUStart     uint16 = 1
	TagPPDUCommon    uint16 = 2
	TagUserInfo      uint16 = 3
	TagRxHeader      uint16 = 4
	TagMPDUStart     uint16 = 5
	TagMSDUStart     uint16 = 6
	TagMSDUEnd       uint16 = 7
	TagMPDUEnd       uint16 = 8
	TagMonBufAddr    uint16 = 9
	TagMonDrop       uint16 = 10
	TagPPDUEnd       uint16 = 11
	TagPPDUNonStdEnd uint16 = 12
)

// Value sizes of the fixed-size TLVs.
const (
	ppduStartLen  = 16
	ppduCommonLen = 16
	userInfoLen   = 8
	mpduStartLen  = 8
	msduStartLen  = 8
	msduEndLen    = 16
	mpduEndLen    = 8
	monBufAddrLen = 16
	monDropLen    = 8
)

// Parser turns the status TLV stream into statuses. Next parses the TLV at
// buf[off:], records what it learned in st and returns the resulting status
// together with the offset of the following TLV.
type Parser interface {
	Next(buf []byte, off int, st *PPDUStatus) (Status, int)
}

// TLVParser parses the TLV format produced by Builder.
type TLVParser struct{}

var _ Parser = TLVParser{}

func align8(n int) int { return (n + 7) &^ 7 }

func (TLVParser) Next(buf []byte, off int, st *PPDUStatus) (Status, int) {
	if off < 0 || off+TLVHdrSize > len(buf) {
		return BufDone, len(buf)
	}
	h := buf[off:]
	tag := binary.LittleEndian.Uint16(h[0:])
	l := int(binary.LittleEndian.Uint16(h[2:]))
	user := h[4]
	if tag == TagBufDone {
		return BufDone, off + TLVHdrSize
	}
	vstart := off + TLVHdrSize
	if vstart+l > len(buf) {
		return BufDone, len(buf)
	}
	next := vstart + align8(l)
	v := buf[vstart : vstart+l]

	switch tag {
	case TagUserInfo, TagRxHeader, TagMPDUStart, TagMSDUStart,
		TagMSDUEnd, TagMPDUEnd:
		if user >= MaxUsers {
			return PPDUNotDone, next
		}
		st.UserID = user
	}

	switch tag {
	case TagPPDUStart:
		if l < ppduStartLen {
			return PPDUNotDone, next
		}
		st.Rx.PPDUID = binary.LittleEndian.Uint32(v[0:])
		st.Rx.TSFT = binary.LittleEndian.Uint64(v[8:])
		return PPDUStart, next

	case TagPPDUCommon:
		if l >= ppduCommonLen {
			rx := &st.Rx
			rx.ChanFreq = binary.LittleEndian.Uint16(v[0:])
			rx.ChanFlags = binary.LittleEndian.Uint16(v[2:])
			rx.BW = v[4]
			rx.Preamble = v[5]
			rx.GI = v[6]
			rx.MCS = v[7]
			rx.NSS = v[8]
			rx.RSSI = int8(v[9])
			rx.Noise = int8(v[10])
			rx.ReceptionType = v[11]
			rx.NumUsers = v[12]
			rx.LDPC = v[13]&1 != 0
			rx.STBC = v[13]&2 != 0
		}
		return PPDUNotDone, next

	case TagUserInfo:
		if l >= userInfoLen {
			st.Users[user] = UserStatus{
				MCS:           v[0],
				NSS:           v[1],
				RSSI:          int8(v[2]),
				ReceptionType: v[3],
				FCSOk:         binary.LittleEndian.Uint16(v[4:]),
				FCSErr:        binary.LittleEndian.Uint16(v[6:]),
			}
		}
		return PPDUNotDone, next

	case TagRxHeader:
		st.HdrOffset = vstart
		st.HdrLen = l
		return Header, next

	case TagMPDUStart:
		if l < mpduStartLen {
			return PPDUNotDone, next
		}
		st.MPDU[user].DecapType = v[0]
		return MPDUStart, next

	case TagMSDUStart:
		if l < msduStartLen {
			return PPDUNotDone, next
		}
		st.MSDU[user].MSDUIndex = v[0]
		return MSDUStart, next

	case TagMSDUEnd:
		if l < msduEndLen {
			return PPDUNotDone, next
		}
		m := &st.MSDU[user]
		m.MSDULen = binary.LittleEndian.Uint16(v[0:])
		m.FirstMSDU = v[2]&1 != 0
		m.LastMSDU = v[2]&2 != 0
		m.STBC = v[2]&4 != 0
		m.DecapType = v[3]
		m.MSDUIndex = v[4]
		m.ReceptionType = v[5]
		m.SGI = v[6]
		m.L3HdrPad = v[7]
		m.UserRSSI = int16(binary.LittleEndian.Uint16(v[8:]))
		m.User = user
		return MSDUEnd, next

	case TagMPDUEnd:
		if l < mpduEndLen {
			return PPDUNotDone, next
		}
		m := &st.MPDU[user]
		m.FCSErr = v[0]&1 != 0
		m.DecryptErr = v[0]&2 != 0
		m.LenErr = v[0]&4 != 0
		m.OverflowErr = v[0]&8 != 0
		if v[0]&16 != 0 {
			m.Truncated = true
		}
		return MPDUEnd, next

	case TagMonBufAddr:
		if l < monBufAddrLen {
			return PPDUNotDone, next
		}
		st.Packet = PacketInfo{
			Cookie:       binary.LittleEndian.Uint64(v[0:]),
			DMALength:    binary.LittleEndian.Uint16(v[8:]),
			Continuation: v[10]&1 != 0,
			Truncated:    v[10]&2 != 0,
		}
		if user >= MaxUsers {
			return MonBufOrphan, next
		}
		st.UserID = user
		return MonBufAddr, next

	case TagMonDrop:
		if l < monDropLen {
			return PPDUNotDone, next
		}
		st.Drop = DropInfo{
			PPDU:      binary.LittleEndian.Uint16(v[0:]),
			MPDU:      binary.LittleEndian.Uint16(v[2:]),
			TLV:       binary.LittleEndian.Uint16(v[4:]),
			EndOfPPDU: binary.LittleEndian.Uint16(v[6:]),
		}
		return MonDrop, next

	case TagPPDUEnd:
		return PPDUDone, next

	case TagPPDUNonStdEnd:
		return PPDUNonStdDone, next
	}
	return PPDUNotDone, next
}
