//go:build linux

package afxdp

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/romshark/rxmon/frame"
	"github.com/romshark/rxmon/hal"
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds UMEM frame size")
	ErrSinkClosed    = errors.New("sink closed")
)

// transmitter is the TX half of a Socket.
type transmitter interface {
	NextFrame() Frame
	Submit(addr uint64, length uint32) error
	FlushTx() error
}

// TxSinkStats are the cumulative counters of a TxSink.
type TxSinkStats struct {
	Sent    uint64
	Bytes   uint64
	Dropped uint64
}

// TxSink transmits delivered radiotap frames on an AF_XDP socket. Frames
// are submitted in batches of batchSize; a frame arriving while no UMEM
// frame is free is dropped and counted.
type TxSink struct {
	lock      sync.Mutex
	tx        transmitter
	batchSize int
	frameSize int
	pending   int
	closed    bool

	sent, bytes, dropped atomic.Uint64
}

func newTxSink(tx transmitter, batchSize, frameSize int) *TxSink {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &TxSink{tx: tx, batchSize: batchSize, frameSize: frameSize}
}

func (s *TxSink) Deliver(b *frame.Buffer, _ *hal.RxStatus) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrSinkClosed
	}

	if b.Len() > s.frameSize {
		s.dropped.Add(1)
		return ErrFrameTooLarge
	}
	f := s.tx.NextFrame()
	if f.Buf == nil {
		s.dropped.Add(1)
		return nil
	}
	off := copy(f.Buf, b.Linear())
	for _, fr := range b.Frags() {
		off += copy(f.Buf[off:], fr.Bytes())
	}
	if err := s.tx.Submit(f.Addr, uint32(off)); err != nil {
		s.dropped.Add(1)
		return err
	}
	s.sent.Add(1)
	s.bytes.Add(uint64(off))

	s.pending++
	if s.pending >= s.batchSize {
		return s.flush()
	}
	return nil
}

// Flush publishes submitted frames that have not reached a full batch.
func (s *TxSink) Flush() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.flush()
}

func (s *TxSink) flush() error {
	if s.pending == 0 {
		return nil
	}
	s.pending = 0
	return s.tx.FlushTx()
}

// Close flushes pending frames. Later deliveries fail with ErrSinkClosed.
func (s *TxSink) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.flush()
}

func (s *TxSink) Stats() TxSinkStats {
	return TxSinkStats{
		Sent:    s.sent.Load(),
		Bytes:   s.bytes.Load(),
		Dropped: s.dropped.Load(),
	}
}
