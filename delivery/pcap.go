package delivery

import (
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/romshark/rxmon/frame"
	"github.com/romshark/rxmon/hal"
)

const DefaultSnapLen = 65535

// PcapSink writes delivered frames to a pcap stream with radiotap link
// type.
type PcapSink struct {
	lock sync.Mutex
	w    *pcapgo.Writer
	buf  []byte
	now  func() time.Time
}

// NewPcapSink writes the pcap file header to w and returns the sink.
// snapLen 0 selects DefaultSnapLen.
func NewPcapSink(w io.Writer, snapLen uint32) (*PcapSink, error) {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeIEEE80211Radio); err != nil {
		return nil, err
	}
	return &PcapSink{w: pw, now: time.Now}, nil
}

func (s *PcapSink) Deliver(b *frame.Buffer, _ *hal.RxStatus) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.buf = s.buf[:0]
	s.buf = append(s.buf, b.Linear()...)
	for _, f := range b.Frags() {
		s.buf = append(s.buf, f.Bytes()...)
	}
	return s.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     s.now(),
		CaptureLength: len(s.buf),
		Length:        len(s.buf),
	}, s.buf)
}
