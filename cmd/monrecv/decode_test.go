//go:build linux

package main

import (
	"net"
	"sync"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/romshark/rxmon/sim"
)

func radiotap(t *testing.T, rt *layers.RadioTap, body []byte) []byte {
	t.Helper()
	sb := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(sb,
		gopacket.SerializeOptions{FixLengths: true}, rt, gopacket.Payload(body)))
	return sb.Bytes()
}

func qosFrame(t *testing.T, protected bool) []byte {
	t.Helper()
	mac := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	hdr, err := sim.QoSDataHeader(sim.HeaderOpts{
		Addr1: mac, Addr2: mac, Addr3: mac, Seq: 7, Protected: protected,
	})
	require.NoError(t, err)
	return append(hdr, make([]byte, 64)...)
}

func TestCount(t *testing.T) {
	s := newRecvStats()

	s.Count(radiotap(t, &layers.RadioTap{}, qosFrame(t, false)))
	s.Count(radiotap(t, &layers.RadioTap{
		Present: layers.RadioTapPresentFlags,
		Flags:   layers.RadioTapFlagsBadFCS,
	}, qosFrame(t, true)))
	s.Count([]byte{0, 0, 0xff})

	require.Equal(t, uint64(3), s.Frames.Load())
	require.Equal(t, uint64(1), s.DecodeErrors.Load())
	require.Equal(t, uint64(2), s.Data.Load())
	require.Equal(t, uint64(2), s.QoSData.Load())
	require.Equal(t, uint64(1), s.Protected.Load())
	require.Equal(t, uint64(1), s.BadFCS.Load())
}

func TestCountConcurrent(t *testing.T) {
	s := newRecvStats()
	f := radiotap(t, &layers.RadioTap{}, qosFrame(t, false))

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			for range 100 {
				s.Count(f)
			}
		})
	}
	wg.Wait()
	require.Equal(t, uint64(400), s.QoSData.Load())
	require.Equal(t, uint64(400*len(f)), s.Bytes.Load())
}
