package delivery

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/romshark/rxmon/frame"
	"github.com/romshark/rxmon/hal"
)

// legacyRates maps OFDM rate indices to 500 kb/s units.
var legacyRates = [...]layers.RadioTapRate{12, 18, 24, 36, 48, 72, 96, 108}

// Radiotap builds the radiotap header for one MPDU of a PPDU. user carries
// the per-user PHY parameters of multi-user receptions and may be nil.
func Radiotap(rx *hal.RxStatus, user *hal.UserStatus, meta hal.MPDUInfo) *layers.RadioTap {
	mcs, nss, rssi := rx.MCS, rx.NSS, rx.RSSI
	if user != nil && rx.ReceptionType != hal.ReceptionSU {
		mcs, nss, rssi = user.MCS, user.NSS, user.RSSI
	}
	if nss == 0 {
		nss = 1
	}

	rt := &layers.RadioTap{
		Present: layers.RadioTapPresentTSFT |
			layers.RadioTapPresentFlags |
			layers.RadioTapPresentChannel |
			layers.RadioTapPresentDBMAntennaSignal |
			layers.RadioTapPresentDBMAntennaNoise,
		TSFT:             rx.TSFT,
		ChannelFrequency: layers.RadioTapChannelFrequency(rx.ChanFreq),
		ChannelFlags:     channelFlags(rx),
		DBMAntennaSignal: rssi,
		DBMAntennaNoise:  rx.Noise,
	}
	if rx.GI != 0 {
		rt.Flags |= layers.RadioTapFlagsShortGI
	}
	if meta.FCSErr {
		rt.Flags |= layers.RadioTapFlagsBadFCS
	}

	switch rx.Preamble {
	case hal.PreambleHT:
		rt.Present |= layers.RadioTapPresentMCS
		rt.MCS.Known = layers.RadioTapMCSKnownBandwidth |
			layers.RadioTapMCSKnownMCSIndex |
			layers.RadioTapMCSKnownGuardInterval |
			layers.RadioTapMCSKnownFECType |
			layers.RadioTapMCSKnownSTBC
		rt.MCS.MCS = (nss-1)*8 + mcs
		if rx.BW > 0 {
			rt.MCS.Flags |= 1
		}
		if rx.GI != 0 {
			rt.MCS.Flags |= layers.RadioTapMCSFlagsShortGI
		}
		if rx.LDPC {
			rt.MCS.Flags |= layers.RadioTapMCSFlagsFECLDPC
		}
		if rx.STBC {
			rt.MCS.Flags |= 1 << 5
		}
	case hal.PreambleVHT, hal.PreambleHE:
		rt.Present |= layers.RadioTapPresentVHT
		rt.VHT.Known = layers.RadioTapVHTKnownSTBC |
			layers.RadioTapVHTKnownGI |
			layers.RadioTapVHTKnownBandwidth
		if rx.STBC {
			rt.VHT.Flags |= layers.RadioTapVHTFlagsSTBC
		}
		if rx.GI != 0 {
			rt.VHT.Flags |= layers.RadioTapVHTFlagsSGI
		}
		rt.VHT.Bandwidth = vhtBandwidth(rx.BW)
		rt.VHT.MCSNSS[0] = layers.RadioTapVHTMCSNSS(mcs<<4 | nss&0x0f)
		if rx.LDPC {
			rt.VHT.Coding = 1
		}
	default:
		rt.Present |= layers.RadioTapPresentRate
		rt.Rate = legacyRates[int(mcs)%len(legacyRates)]
	}
	return rt
}

func channelFlags(rx *hal.RxStatus) layers.RadioTapChannelFlags {
	if rx.ChanFlags != 0 {
		return layers.RadioTapChannelFlags(rx.ChanFlags)
	}
	f := layers.RadioTapChannelFlagsOFDM
	if rx.ChanFreq < 3000 {
		f |= layers.RadioTapChannelFlagsGhz2
	} else {
		f |= layers.RadioTapChannelFlagsGhz5
	}
	return f
}

// vhtBandwidth converts a bandwidth index (20, 40, 80, 160 MHz) to the
// radiotap VHT bandwidth code.
func vhtBandwidth(bw uint8) uint8 {
	switch bw {
	case 0:
		return 0
	case 1:
		return 1
	case 2:
		return 4
	default:
		return 11
	}
}

// WriteRadiotap serializes rt into the headroom of b.
func WriteRadiotap(b *frame.Buffer, rt *layers.RadioTap) error {
	sb := gopacket.NewSerializeBuffer()
	err := rt.SerializeTo(sb, gopacket.SerializeOptions{FixLengths: true})
	if err != nil {
		return err
	}
	hdr, err := b.Prepend(len(sb.Bytes()))
	if err != nil {
		return err
	}
	copy(hdr, sb.Bytes())
	return nil
}
