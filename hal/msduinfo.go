package hal

import "encoding/binary"

// MSDUInfo is the metadata stored in the first MSDUInfoSize bytes of every
// packet buffer. It is also the per-user working state of the MSDU in
// progress.
//
// Encoded layout (little endian):
//
//	byte 0   b0 first_buffer  b1 last_buffer  b2 first_mpdu  b3 mpdu_len_err
//	         b4 fcs_err       b5 first_msdu   b6 last_msdu   b7 stbc
//	byte 1   b0-2 decap_type  b3-5 l3_header_padding  b6-7 sgi
//	byte 2   b0-2 reception_type  b3-6 msdu_index
//	byte 3   user
//	4..5     buffer_len
//	6..7     frag_len
//	8..9     msdu_len
//	10..11   user_rssi (signed)
//	12..15   reserved
type MSDUInfo struct {
	FirstBuffer   bool
	LastBuffer    bool
	FirstMPDU     bool
	MPDULenErr    bool
	FCSErr        bool
	FirstMSDU     bool
	LastMSDU      bool
	STBC          bool
	DecapType     uint8
	L3HdrPad      uint8
	SGI           uint8
	ReceptionType uint8
	MSDUIndex     uint8
	User          uint8
	BufferLen     uint16
	FragLen       uint16
	MSDULen       uint16
	UserRSSI      int16
}

func bit(v bool, n uint) uint8 {
	if v {
		return 1 << n
	}
	return 0
}

// Marshal encodes m into b, which must be at least MSDUInfoSize bytes long.
func (m *MSDUInfo) Marshal(b []byte) {
	_ = b[MSDUInfoSize-1]
	b[0] = bit(m.FirstBuffer, 0) | bit(m.LastBuffer, 1) | bit(m.FirstMPDU, 2) |
		bit(m.MPDULenErr, 3) | bit(m.FCSErr, 4) | bit(m.FirstMSDU, 5) |
		bit(m.LastMSDU, 6) | bit(m.STBC, 7)
	b[1] = m.DecapType&0x7 | (m.L3HdrPad&0x7)<<3 | (m.SGI&0x3)<<6
	b[2] = m.ReceptionType&0x7 | (m.MSDUIndex&0xf)<<3
	b[3] = m.User
	binary.LittleEndian.PutUint16(b[4:], m.BufferLen)
	binary.LittleEndian.PutUint16(b[6:], m.FragLen)
	binary.LittleEndian.PutUint16(b[8:], m.MSDULen)
	binary.LittleEndian.PutUint16(b[10:], uint16(m.UserRSSI))
	clear(b[12:MSDUInfoSize])
}

// UnmarshalMSDUInfo decodes an MSDUInfo from b.
func UnmarshalMSDUInfo(b []byte) MSDUInfo {
	_ = b[MSDUInfoSize-1]
	return MSDUInfo{
		FirstBuffer:   b[0]&(1<<0) != 0,
		LastBuffer:    b[0]&(1<<1) != 0,
		FirstMPDU:     b[0]&(1<<2) != 0,
		MPDULenErr:    b[0]&(1<<3) != 0,
		FCSErr:        b[0]&(1<<4) != 0,
		FirstMSDU:     b[0]&(1<<5) != 0,
		LastMSDU:      b[0]&(1<<6) != 0,
		STBC:          b[0]&(1<<7) != 0,
		DecapType:     b[1] & 0x7,
		L3HdrPad:      (b[1] >> 3) & 0x7,
		SGI:           b[1] >> 6,
		ReceptionType: b[2] & 0x7,
		MSDUIndex:     (b[2] >> 3) & 0xf,
		User:          b[3],
		BufferLen:     binary.LittleEndian.Uint16(b[4:]),
		FragLen:       binary.LittleEndian.Uint16(b[6:]),
		MSDULen:       binary.LittleEndian.Uint16(b[8:]),
		UserRSSI:      int16(binary.LittleEndian.Uint16(b[10:])),
	}
}
