//go:build linux

package main

import (
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// decoder decodes one radiotap frame at a time.
type decoder struct {
	rt     layers.RadioTap
	dot11  layers.Dot11
	parser *gopacket.DecodingLayerParser
	found  []gopacket.LayerType
}

func newDecoder() *decoder {
	d := &decoder{found: make([]gopacket.LayerType, 0, 2)}
	d.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeRadioTap, &d.rt, &d.dot11)
	d.parser.IgnoreUnsupported = true
	return d
}

// recvStats are the counters of frames seen by monrecv. Frames are
// counted from any number of goroutines.
type recvStats struct {
	Frames       atomic.Uint64
	Bytes        atomic.Uint64
	DecodeErrors atomic.Uint64
	NoDot11      atomic.Uint64
	BadFCS       atomic.Uint64
	Data         atomic.Uint64
	QoSData      atomic.Uint64
	Protected    atomic.Uint64
	Mgmt         atomic.Uint64
	Ctrl         atomic.Uint64

	decoders sync.Pool
}

func newRecvStats() *recvStats {
	s := &recvStats{}
	s.decoders.New = func() any { return newDecoder() }
	return s
}

// Count decodes buf and updates the counters.
func (s *recvStats) Count(buf []byte) {
	s.Frames.Add(1)
	s.Bytes.Add(uint64(len(buf)))

	d := s.decoders.Get().(*decoder)
	defer s.decoders.Put(d)

	if err := d.parser.DecodeLayers(buf, &d.found); err != nil {
		s.DecodeErrors.Add(1)
		return
	}
	if len(d.found) < 2 || d.found[1] != layers.LayerTypeDot11 {
		s.NoDot11.Add(1)
		return
	}
	if d.rt.Present.Flags() && d.rt.Flags.BadFCS() {
		s.BadFCS.Add(1)
	}
	if d.dot11.Flags.WEP() {
		s.Protected.Add(1)
	}
	switch d.dot11.Type.MainType() {
	case layers.Dot11TypeData:
		s.Data.Add(1)
		if d.dot11.Type == layers.Dot11TypeDataQOSData {
			s.QoSData.Add(1)
		}
	case layers.Dot11TypeMgmt:
		s.Mgmt.Add(1)
	case layers.Dot11TypeCtrl:
		s.Ctrl.Add(1)
	}
}
