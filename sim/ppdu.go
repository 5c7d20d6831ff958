package sim

import (
	"encoding/binary"
	"hash/crc32"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/romshark/rxmon/hal"
	"github.com/romshark/rxmon/reasm"
)

// MaxRxHeader is the number of leading MPDU bytes hardware captures into an
// RX_HEADER TLV.
const MaxRxHeader = 128

const (
	subframeHdrLen = 14
	llcSnapLen     = hal.LLCSize + hal.SNAPSize
)

// MPDU describes one MPDU of a simulated PPDU.
type MPDU struct {
	User uint8
	// Raw selects raw decap: the frame is DMAed as received, FCS included.
	Raw bool
	// Header is the 802.11 MAC header including QoS control and IV.
	Header []byte
	// MSDUs are the payloads. More than one requires an A-MSDU header.
	// A raw MPDU carries its body as a single element.
	MSDUs     [][]byte
	EtherType uint16
	FCSErr    bool
}

// PPDU describes one simulated reception.
type PPDU struct {
	// ID 0 assigns the next free identifier.
	ID    uint32
	TSFT  uint64
	Rx    hal.RxStatus
	Users []hal.UserStatus
	MPDUs []MPDU
	// Drop is reported in a MON_DROP TLV when non-zero.
	Drop hal.DropInfo
}

// HeaderOpts configures QoSDataHeader.
type HeaderOpts struct {
	Addr1, Addr2, Addr3 net.HardwareAddr
	Seq                 uint16
	TID                 uint8
	AMSDU               bool
	Protected           bool
	FromDS              bool
}

// QoSDataHeader builds the MAC header of a QoS data frame.
func QoSDataHeader(o HeaderOpts) ([]byte, error) {
	d := &layers.Dot11{
		Type:           layers.Dot11TypeDataQOSData,
		Address1:       o.Addr1,
		Address2:       o.Addr2,
		Address3:       o.Addr3,
		SequenceNumber: o.Seq,
	}
	if o.FromDS {
		d.Flags |= layers.Dot11FlagsFromDS
	} else {
		d.Flags |= layers.Dot11FlagsToDS
	}
	if o.Protected {
		d.Flags |= layers.Dot11FlagsWEP
	}
	sb := gopacket.NewSerializeBuffer()
	if err := d.SerializeTo(sb, gopacket.SerializeOptions{}); err != nil {
		return nil, err
	}
	hdr := append([]byte(nil), sb.Bytes()...)
	qos := o.TID & 0x0f
	if o.AMSDU {
		qos |= 0x80
	}
	hdr = append(hdr, qos, 0)
	if o.Protected {
		// CCMP header with the extended IV bit set.
		hdr = append(hdr, byte(o.Seq), byte(o.Seq>>8), 0, 0x20, 0, 0, 0, 0)
	}
	return hdr, nil
}

func llcSnap(etherType uint16) []byte {
	return []byte{0xaa, 0xaa, 0x03, 0, 0, 0, byte(etherType >> 8), byte(etherType)}
}

func subframeHdr(mac []byte, n int) []byte {
	h := make([]byte, subframeHdrLen)
	copy(h[0:6], mac[4:10])
	copy(h[6:12], mac[10:16])
	binary.BigEndian.PutUint16(h[12:], uint16(n))
	return h
}

// decapHdr is the Ethernet II header plus L2 pad hardware writes in front
// of the first buffer of a non-raw MSDU.
func decapHdr(mac []byte, etherType uint16) []byte {
	h := make([]byte, hal.NonRawL2Pad+hal.DecapHdrSize)
	copy(h[hal.NonRawL2Pad:], mac[4:10])
	copy(h[hal.NonRawL2Pad+6:], mac[10:16])
	binary.BigEndian.PutUint16(h[hal.NonRawL2Pad+12:], etherType)
	return h
}

func amsduPad(n int) int { return (4 - n&3) & 3 }

func validate(m *MPDU) error {
	if m.User >= hal.MaxUsers {
		return ErrBadPPDU
	}
	if m.Raw {
		if len(m.MSDUs) > 1 || len(m.Header) < 24 {
			return ErrBadPPDU
		}
		return nil
	}
	n, amsdu, err := reasm.WifiHeaderLen(m.Header)
	if err != nil || n != len(m.Header) || len(m.MSDUs) == 0 {
		return ErrBadPPDU
	}
	if amsdu != (len(m.MSDUs) > 1) {
		return ErrBadPPDU
	}
	return nil
}

// expected returns the frame the monitor delivers for m, without radiotap
// header and FCS.
func (m *MPDU) expected() []byte {
	out := append([]byte(nil), m.Header...)
	if m.Raw {
		for _, p := range m.MSDUs {
			out = append(out, p...)
		}
		return out
	}
	if len(m.MSDUs) == 1 {
		out = append(out, llcSnap(m.EtherType)...)
		return append(out, m.MSDUs[0]...)
	}
	for i, p := range m.MSDUs {
		sub := subframeHdr(m.Header, llcSnapLen+len(p))
		out = append(out, sub...)
		out = append(out, llcSnap(m.EtherType)...)
		out = append(out, p...)
		if i+1 < len(m.MSDUs) {
			out = append(out, make([]byte, amsduPad(subframeHdrLen+llcSnapLen+len(p)))...)
		}
	}
	return out
}

// stream is the hardware view of one PPDU: the status TLVs and the data of
// every packet buffer they announce, in order.
type stream struct {
	tlv     hal.Builder
	packets [][]byte
}

// buildStream lays out p for hardware. cookies holds one cookie per packet
// buffer; nil builds with zero cookies to size the stream.
func buildStream(p *PPDU, cookies []uint64, chunk int) *stream {
	s := new(stream)
	cookie := func() uint64 {
		i := len(s.packets) - 1
		if cookies == nil {
			return 0
		}
		return cookies[i]
	}
	// dma splits data into packet buffers of user u, announcing each.
	dma := func(u uint8, data []byte) {
		for off := 0; off < len(data); off += chunk {
			part := data[off:min(off+chunk, len(data))]
			s.packets = append(s.packets, part)
			s.tlv.MonBufAddr(u, hal.PacketInfo{
				Cookie:       cookie(),
				DMALength:    uint16(len(part)),
				Continuation: off+chunk < len(data),
			})
		}
	}

	rx := p.Rx
	rx.PPDUID, rx.TSFT = p.ID, p.TSFT
	s.tlv.PPDUStart(p.ID, p.TSFT).PPDUCommon(rx)
	for u, us := range p.Users {
		s.tlv.UserInfo(uint8(u), us)
	}

	for i := range p.MPDUs {
		m := &p.MPDUs[i]
		u := m.User
		if m.Raw {
			data := m.expected()
			data = binary.LittleEndian.AppendUint32(data, crc32.ChecksumIEEE(data))
			s.tlv.RxHeader(u, data[:min(len(data), MaxRxHeader)]).
				MPDUStart(u, hal.DecapRaw).
				MSDUStart(u, 0)
			dma(u, data)
			s.tlv.MSDUEnd(u, hal.MSDUInfo{
				FirstMSDU: true, LastMSDU: true,
				DecapType: hal.DecapRaw,
				MSDULen:   uint16(len(data)),
			})
			s.tlv.MPDUEnd(u, hal.MPDUInfo{FCSErr: m.FCSErr})
			continue
		}

		amsdu := len(m.MSDUs) > 1
		for j, pl := range m.MSDUs {
			var view []byte
			if j == 0 {
				view = append(view, m.Header...)
			}
			if amsdu {
				view = append(view, subframeHdr(m.Header, llcSnapLen+len(pl))...)
			}
			view = append(view, llcSnap(m.EtherType)...)
			view = append(view, pl...)
			s.tlv.RxHeader(u, view[:min(len(view), MaxRxHeader)])
			if j == 0 {
				s.tlv.MPDUStart(u, hal.DecapEth2)
			}
			s.tlv.MSDUStart(u, uint8(j))
			dma(u, append(decapHdr(m.Header, m.EtherType), pl...))
			s.tlv.MSDUEnd(u, hal.MSDUInfo{
				FirstMSDU: j == 0,
				LastMSDU:  j == len(m.MSDUs)-1,
				DecapType: hal.DecapEth2,
				MSDUIndex: uint8(j),
				MSDULen:   uint16(len(pl)),
			})
		}
		s.tlv.MPDUEnd(u, hal.MPDUInfo{FCSErr: m.FCSErr})
	}
	if p.Drop != (hal.DropInfo{}) {
		s.tlv.MonDrop(p.Drop)
	}
	s.tlv.PPDUEnd()
	return s
}
