package hal

// PacketInfo describes the packet buffer announced by the last MON_BUF_ADDR.
type PacketInfo struct {
	Cookie       uint64
	DMALength    uint16
	Continuation bool
	Truncated    bool
}

// MPDUInfo is the per-user state of the MPDU being received. It doubles as
// the MPDU metadata attached to a frame buffer.
type MPDUInfo struct {
	DecapType         uint8
	FCSErr            bool
	LenErr            bool
	OverflowErr       bool
	DecryptErr        bool
	Truncated         bool
	FullPkt           bool
	MPDUStartReceived bool
	FirstRxHdrRcvd    bool
}

// DropInfo carries the drop counts of a MON_DROP TLV.
type DropInfo struct {
	PPDU      uint16
	MPDU      uint16
	TLV       uint16
	EndOfPPDU uint16
}

// RxStatus holds the PHY level status of a PPDU.
type RxStatus struct {
	PPDUID        uint32
	TSFT          uint64
	ChanFreq      uint16
	ChanFlags     uint16
	BW            uint8
	Preamble      uint8
	GI            uint8
	MCS           uint8
	NSS           uint8
	RSSI          int8
	Noise         int8
	ReceptionType uint8
	NumUsers      uint8
	LDPC          bool
	STBC          bool
	FCSErr        bool
}

// UserStatus holds the per-user status of an MU PPDU.
type UserStatus struct {
	MCS           uint8
	NSS           uint8
	RSSI          int8
	ReceptionType uint8
	FCSOk         uint16
	FCSErr        uint16
}

// Preamble types.
const (
	PreambleLegacy uint8 = iota
	PreambleHT
	PreambleVHT
	PreambleHE
)

// Reception types.
const (
	ReceptionSU uint8 = iota
	ReceptionMUMIMO
	ReceptionOFDMA
	ReceptionMUOFDMA
)

// PPDUStatus accumulates everything the parser learned about the PPDU being
// walked. UserID, HdrOffset, HdrLen and Packet describe the TLV parsed last.
type PPDUStatus struct {
	UserID    uint8
	HdrOffset int
	HdrLen    int
	Packet    PacketInfo
	Drop      DropInfo
	Rx        RxStatus
	MPDU      [MaxUsers]MPDUInfo
	MSDU      [MaxUsers]MSDUInfo
	Users     [MaxUsers]UserStatus
}
