// Package hal describes the monitor hardware interface: ring entry formats,
// the status TLV stream and the per-buffer metadata hardware leaves at the
// head of every packet buffer.
package hal

import "fmt"

const (
	// MaxUsers is the number of uplink MU users a PPDU can carry.
	MaxUsers = 37

	// BufSize is the size of every monitor DMA buffer.
	BufSize = 2048
	// PacketOffset is where DMA data starts in a packet buffer. The bytes
	// before it hold the MSDUInfo.
	PacketOffset = 16
	// MSDUInfoSize is the encoded size of MSDUInfo.
	MSDUInfoSize = 16

	FCSLen       = 4
	DecapHdrSize = 14
	LLCSize      = 4
	SNAPSize     = 4
	NonRawL2Pad  = 2

	// TLVHdrSize is the size of a status TLV header.
	TLVHdrSize = 8
)

// Decap types reported in MPDU_START and MSDU_END.
const (
	DecapRaw     uint8 = 0
	DecapNWifi   uint8 = 1
	DecapEth2    uint8 = 2
	Decap8023    uint8 = 3
	DecapInvalid uint8 = 4
)

// EndReason tells why hardware finished writing a status buffer.
type EndReason uint8

const (
	StatusBufferFull EndReason = iota
	FlushDetected
	EndOfPPDU
	PPDUTruncated
)

func (r EndReason) String() string {
	switch r {
	case StatusBufferFull:
		return "status_buffer_full"
	case FlushDetected:
		return "flush_detected"
	case EndOfPPDU:
		return "end_of_ppdu"
	case PPDUTruncated:
		return "ppdu_truncated"
	}
	return fmt.Sprintf("end_reason(%d)", uint8(r))
}

// BufAddrInfo is a source ring entry: a buffer loaned to hardware.
type BufAddrInfo struct {
	PAddr  uint64
	Cookie uint64
}

// MonDesc is a destination ring entry describing one completed status
// buffer, or an empty entry carrying drop counts.
type MonDesc struct {
	BufAddr          uint64
	Cookie           uint64
	PPDUID           uint32
	EndOffset        uint16
	EndReason        EndReason
	Empty            bool
	RingID           uint8
	LoopingCount     uint8
	FlushDetected    bool
	EndOfPPDUDropped bool
	PPDUDropCount    uint16
	MPDUDropCount    uint16
	TLVDropCount     uint16
}

// Status is the result of parsing one TLV.
type Status uint8

const (
	PPDUNotDone Status = iota
	PPDUDone
	BufDone
	PPDUNonStdDone
	PPDUStart
	Header
	MPDUEnd
	MSDUStart
	MSDUEnd
	MonBufAddr
	MPDUStart
	MonDrop
	// MonBufOrphan is a MON_BUF_ADDR naming a user out of range. The packet
	// buffer is recorded in Packet but belongs to no MPDU.
	MonBufOrphan
)

var statusNames = [...]string{
	PPDUNotDone:    "ppdu_not_done",
	PPDUDone:       "ppdu_done",
	BufDone:        "buf_done",
	PPDUNonStdDone: "ppdu_non_std_done",
	PPDUStart:      "ppdu_start",
	Header:         "header",
	MPDUEnd:        "mpdu_end",
	MSDUStart:      "msdu_start",
	MSDUEnd:        "msdu_end",
	MonBufAddr:     "mon_buf_addr",
	MPDUStart:      "mpdu_start",
	MonDrop:        "mon_drop",
	MonBufOrphan:   "mon_buf_orphan",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Continues reports whether a status buffer walk goes on after s.
func (s Status) Continues() bool {
	switch s {
	case BufDone, PPDUDone, PPDUNonStdDone:
		return false
	}
	return true
}
