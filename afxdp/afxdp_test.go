//go:build linux

package afxdp

import (
	"errors"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/require"

	"github.com/romshark/rxmon/frame"
	"github.com/romshark/rxmon/mem"
	"github.com/romshark/rxmon/ring"
)

func TestRedirectProgram(t *testing.T) {
	insns := redirectProgram()
	require.Len(t, insns, 5)
	require.Equal(t, xsksMapName, insns[1].Reference())
	require.True(t, insns[3].IsBuiltinCall())
	require.Equal(t, int64(asm.FnRedirectMap), insns[3].Constant)
	require.Equal(t, asm.Exit, insns[4].OpCode.JumpOp())

	spec := collectionSpec()
	require.Equal(t, ebpf.XSKMap, spec.Maps[xsksMapName].Type)
	require.Equal(t, uint32(MaxQueues), spec.Maps[xsksMapName].MaxEntries)
	require.Equal(t, ebpf.XDP, spec.Programs[progName].Type)
}

func TestSocketConfig(t *testing.T) {
	var c SocketConfig
	require.NoError(t, c.ValidateAndSetDefaults())
	require.Equal(t, SocketConfig{
		NumFrames: DefaultNumFrames,
		FrameSize: DefaultFrameSize,
		RxSize:    DefaultRxQueueSize,
		TxSize:    DefaultTxQueueSize,
		CqSize:    DefaultCompletionRingSize,
		BatchSize: DefaultBatchSize,
	}, c)

	c = SocketConfig{RxSize: 100}
	require.ErrorIs(t, c.ValidateAndSetDefaults(), ring.ErrSizeNotPowerOfTwo)
	c = SocketConfig{NumFrames: 16, RxSize: 16, TxSize: 16}
	require.ErrorIs(t, c.ValidateAndSetDefaults(), ErrNumFramesTooSmall)
	c = SocketConfig{QueueID: MaxQueues}
	require.ErrorIs(t, c.ValidateAndSetDefaults(), ErrQueueOutOfRange)
}

func TestRingRegionLen(t *testing.T) {
	off := ringOffset{Producer: 0, Consumer: 64, Desc: 128}
	require.Equal(t, 128+8*16, ringRegionLen[Desc](off, 8))
	require.Equal(t, 128+8*8, ringRegionLen[uint64](off, 8))

	_, err := attachRing[uint64](nil, off, 8)
	require.ErrorIs(t, err, ErrRegionIsEmpty)

	region := make([]byte, ringRegionLen[uint64](off, 8))
	r, err := attachRing[uint64](region, off, 8)
	require.NoError(t, err)
	require.True(t, r.Push(42))
	require.Equal(t, byte(1), region[0], "producer index")
	require.Equal(t, byte(42), region[128])
}

type fakeTx struct {
	umem    []byte
	size    uint64
	free    []uint64
	frames  [][]byte
	queued  []Desc
	flushes int
	err     error
}

func newFakeTx(frames, frameSize int) *fakeTx {
	f := &fakeTx{umem: make([]byte, frames*frameSize), size: uint64(frameSize)}
	for i := range frames {
		f.free = append(f.free, uint64(i*frameSize))
	}
	return f
}

func (f *fakeTx) NextFrame() Frame {
	if len(f.free) == 0 {
		return Frame{}
	}
	addr := f.free[0]
	f.free = f.free[1:]
	return Frame{Buf: f.umem[addr : addr+f.size], Addr: addr}
}

func (f *fakeTx) Submit(addr uint64, length uint32) error {
	if f.err != nil {
		return f.err
	}
	f.queued = append(f.queued, Desc{Addr: addr, Len: length})
	return nil
}

func (f *fakeTx) FlushTx() error {
	f.flushes++
	for _, d := range f.queued {
		f.frames = append(f.frames, append([]byte(nil), f.umem[d.Addr:d.Addr+uint64(d.Len)]...))
		f.free = append(f.free, d.Addr)
	}
	f.queued = f.queued[:0]
	return nil
}

func buffer(t *testing.T, hdr string, payload ...byte) *frame.Buffer {
	t.Helper()
	fa := frame.NewAllocator(mem.NewHeapAllocator(256, 1), 64)
	b := fa.Alloc()
	require.NotNil(t, b)
	h, err := b.Prepend(len(hdr))
	require.NoError(t, err)
	copy(h, hdr)
	if len(payload) > 0 {
		pg, err := mem.NewHeapAllocator(256, 1).Alloc()
		require.NoError(t, err)
		copy(pg.Bytes()[16:], payload)
		require.NoError(t, b.AddFrag(frame.Frag{Page: pg, Off: 16, Len: len(payload)}))
	}
	t.Cleanup(b.Free)
	return b
}

func TestTxSinkBatches(t *testing.T) {
	tx := newFakeTx(4, 64)
	s := newTxSink(tx, 2, 64)

	require.NoError(t, s.Deliver(buffer(t, "rt", 1, 2, 3), nil))
	require.Zero(t, tx.flushes)
	require.NoError(t, s.Deliver(buffer(t, "xy"), nil))
	require.Equal(t, 1, tx.flushes)
	require.NoError(t, s.Deliver(buffer(t, "z", 9), nil))
	require.NoError(t, s.Close())
	require.Equal(t, 2, tx.flushes)

	require.Equal(t, [][]byte{
		{'r', 't', 1, 2, 3},
		[]byte("xy"),
		{'z', 9},
	}, tx.frames)
	require.Equal(t, TxSinkStats{Sent: 3, Bytes: 9}, s.Stats())

	require.ErrorIs(t, s.Deliver(buffer(t, "late"), nil), ErrSinkClosed)
	require.NoError(t, s.Close())
}

func TestTxSinkDrops(t *testing.T) {
	tx := newFakeTx(1, 8)
	s := newTxSink(tx, 8, 8)

	require.ErrorIs(t, s.Deliver(buffer(t, "too-large"), nil), ErrFrameTooLarge)
	require.Len(t, tx.free, 1, "oversized frames take no UMEM frame")

	require.NoError(t, s.Deliver(buffer(t, "a"), nil))
	require.NoError(t, s.Deliver(buffer(t, "b"), nil), "no free frame")
	require.Equal(t, TxSinkStats{Sent: 1, Bytes: 1, Dropped: 2}, s.Stats())

	require.NoError(t, s.Flush())
	tx.err = errors.New("boom")
	require.ErrorIs(t, s.Deliver(buffer(t, "c"), nil), tx.err)
	require.Equal(t, uint64(3), s.Stats().Dropped)
}
