package reasm

import (
	"errors"

	"github.com/romshark/rxmon/frame"
	"github.com/romshark/rxmon/hal"
)

// MinFragsForRestitch is the fragment count below which a non-raw MPDU
// cannot hold both a header and a payload.
const MinFragsForRestitch = 2

var (
	ErrTooFewFrags = errors.New("not enough fragments to restitch")
	ErrShortHeader = errors.New("802.11 header truncated")
	ErrNoHeader    = errors.New("first fragment is not an RX header")
)

const (
	dot11BaseHdrLen = 24

	fc0QoS      = 0x80
	fc1DirMask  = 0x03
	fc1DSToDS   = 0x03
	fc1WEP      = 0x40
	qosAMSDU    = 0x80
	keyExtIV    = 0x20
	addr4Len    = 6
	qosCtlLen   = 2
	ivLen       = 4
	extIVLen    = 8
	pullPerMSDU = hal.NonRawL2Pad + hal.DecapHdrSize
)

// WifiHeaderLen returns the length of the 802.11 MAC header at the start of
// hdr including QoS control and security header, and whether the QoS
// control field announces an A-MSDU.
func WifiHeaderLen(hdr []byte) (n int, amsdu bool, err error) {
	if len(hdr) < dot11BaseHdrLen {
		return 0, false, ErrShortHeader
	}
	n = dot11BaseHdrLen
	fc0, fc1 := hdr[0], hdr[1]
	if fc1&fc1DirMask == fc1DSToDS {
		n += addr4Len
	}
	if fc0&fc0QoS != 0 {
		if len(hdr) < n+qosCtlLen {
			return 0, false, ErrShortHeader
		}
		amsdu = hdr[n]&qosAMSDU != 0
		n += qosCtlLen
	}
	if fc1&fc1WEP != 0 {
		if len(hdr) < n+ivLen {
			return 0, false, ErrShortHeader
		}
		if hdr[n+3]&keyExtIV != 0 {
			n += extIVLen
		} else {
			n += ivLen
		}
	}
	return n, amsdu, nil
}

// Restitch rewrites fragment offsets and lengths of a completed MPDU so that
// flattening the chain yields the 802.11 frame: raw MPDUs lose their FCS,
// non-raw MPDUs get their captured headers trimmed to the MAC and LLC/SNAP
// headers, their decap headers pulled and A-MSDU subframes padded to four
// bytes.
func Restitch(b *frame.Buffer) error {
	if b.Meta.DecapType == hal.DecapRaw {
		b.TrimTail(hal.FCSLen)
		return nil
	}

	frags := b.Frags()
	if len(frags) < MinFragsForRestitch {
		return ErrTooFewFrags
	}
	hdr := frags[0]
	if !hdr.Header {
		return ErrNoHeader
	}
	wifiHdrLen, amsdu, err := WifiHeaderLen(hdr.Bytes())
	if err != nil {
		return err
	}
	llcLen := hal.LLCSize + hal.SNAPSize
	if amsdu {
		llcLen += hal.DecapHdrSize
	}
	if mpduHdrLen := wifiHdrLen + llcLen; hdr.Len > mpduHdrLen {
		hdr.Len = mpduHdrLen
	}

	msduLen := 0
	pendingPad := 0
	for i := 1; i < len(frags); i++ {
		f := frags[i]
		if f.Header {
			// Subframe header of the next A-MSDU subframe.
			if f.Len > llcLen {
				f.Len = llcLen
			}
			if pendingPad > 0 && f.Off >= pendingPad {
				f.Off -= pendingPad
				f.Len += pendingPad
				clear(f.Page.Bytes()[f.Off : f.Off+pendingPad])
			}
			pendingPad = 0
			continue
		}

		bi := hal.UnmarshalMSDUInfo(f.Page.Bytes())
		switch {
		case !bi.FirstBuffer && !bi.LastBuffer:
			msduLen += f.Len
			continue
		case bi.FirstBuffer:
			if f.Len >= pullPerMSDU {
				f.Off += pullPerMSDU
				f.Len -= pullPerMSDU
			}
			msduLen = f.Len
			if !bi.LastBuffer {
				continue
			}
		default:
			msduLen += f.Len
		}

		// End of an MSDU. Pad the subframe if another one follows.
		if amsdu && i+1 < len(frags) {
			if pad := (4 - (llcLen+msduLen)&3) & 3; pad > 0 {
				slack := f.Page.Len() - (f.Off + f.Len)
				if pad <= slack {
					clear(f.Page.Bytes()[f.Off+f.Len : f.Off+f.Len+pad])
					f.Len += pad
				} else {
					pendingPad = pad
				}
			}
		}
		msduLen = 0
	}
	return nil
}
