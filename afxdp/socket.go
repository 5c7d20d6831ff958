//go:build linux

package afxdp

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/romshark/rxmon/logging/logfields"
	"github.com/romshark/rxmon/ring"
)

var zeroBuf = []byte{}

// Socket is an AF_XDP bidirectional socket. The first RxSize UMEM frames
// are lent to the kernel for RX through the fill ring, the rest form the
// TX free list.
//
// WARNING: Socket is not safe for concurrent use.
type Socket struct {
	conf       SocketConfig
	isZerocopy bool

	fd   int
	umem []byte

	rx *ring.Ring[Desc]
	tx *ring.Ring[Desc]
	fq *ring.Ring[uint64]
	cq *ring.Ring[uint64]

	regions [][]byte

	freeFrames []uint64
	rxBuf      []Desc
	compBuf    []uint64
}

// Frame represents a borrowed UMEM frame from an AF_XDP socket.
type Frame struct {
	// Buf points directly into the UMEM region and can be written to
	// without additional copying.
	Buf []byte

	// Addr is the UMEM address that must be passed back to Submit after
	// the frame has been filled, or to Release after it has been read.
	Addr uint64
}

// Open creates and initializes an AF_XDP socket.
// It allocates UMEM, maps rings, binds to the target NIC queue and
// registers the socket in the socket map of the redirect program.
func (i *Interface) Open(conf SocketConfig) (*Socket, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	s := &Socket{conf: conf, fd: fd}
	if err := s.setup(i); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	log.WithFields(logrus.Fields{
		logfields.Interface: i.ifaceName,
		logfields.Queue:     conf.QueueID,
		"zerocopy":          s.isZerocopy,
	}).Debug("Opened AF_XDP socket")
	return s, nil
}

func (s *Socket) setup(i *Interface) error {
	conf := s.conf

	umem, err := mmapUmem(uintptr(conf.NumFrames) * uintptr(conf.FrameSize))
	if err != nil {
		return fmt.Errorf("mmap UMEM: %w", err)
	}
	s.umem = umem

	reg := umemReg{
		Addr:      uint64(uintptr(unsafe.Pointer(&umem[0]))),
		Len:       uint64(len(umem)),
		ChunkSize: conf.FrameSize,
	}
	if err := setsockopt(
		s.fd, unix.XDP_UMEM_REG, unsafe.Pointer(&reg), unsafe.Sizeof(reg),
	); err != nil {
		return fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	for _, o := range []struct {
		name string
		opt  int
		size uint32
	}{
		{"XDP_UMEM_FILL_RING", unix.XDP_UMEM_FILL_RING, conf.RxSize},
		{"XDP_UMEM_COMPLETION_RING", unix.XDP_UMEM_COMPLETION_RING, conf.CqSize},
		{"XDP_TX_RING", unix.XDP_TX_RING, conf.TxSize},
		{"XDP_RX_RING", unix.XDP_RX_RING, conf.RxSize},
	} {
		size := o.size
		if err := setsockopt(
			s.fd, o.opt, unsafe.Pointer(&size), unsafe.Sizeof(size),
		); err != nil {
			return fmt.Errorf("setsockopt %s: %w", o.name, err)
		}
	}

	var offs mmapOffsets
	if err := getsockopt(
		s.fd, unix.XDP_MMAP_OFFSETS, unsafe.Pointer(&offs), unsafe.Sizeof(offs),
	); err != nil {
		return fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	if s.rx, err = mapDescRing[Desc](
		s, offs.Rx, conf.RxSize, unix.XDP_PGOFF_RX_RING,
	); err != nil {
		return fmt.Errorf("RX ring: %w", err)
	}
	if s.tx, err = mapDescRing[Desc](
		s, offs.Tx, conf.TxSize, unix.XDP_PGOFF_TX_RING,
	); err != nil {
		return fmt.Errorf("TX ring: %w", err)
	}
	if s.fq, err = mapDescRing[uint64](
		s, offs.Fr, conf.RxSize, unix.XDP_UMEM_PGOFF_FILL_RING,
	); err != nil {
		return fmt.Errorf("FQ ring: %w", err)
	}
	if s.cq, err = mapDescRing[uint64](
		s, offs.Cr, conf.CqSize, unix.XDP_UMEM_PGOFF_COMPLETION_RING,
	); err != nil {
		return fmt.Errorf("CQ ring: %w", err)
	}

	// Lend the first RxSize frames to the kernel.
	idx, got := s.fq.Reserve(conf.RxSize)
	for n := range got {
		s.fq.Set(idx+n, uint64(n)*uint64(conf.FrameSize))
	}
	s.fq.Submit()

	s.freeFrames = make([]uint64, 0, conf.NumFrames-conf.RxSize)
	for n := conf.RxSize; n < conf.NumFrames; n++ {
		s.freeFrames = append(s.freeFrames, uint64(n)*uint64(conf.FrameSize))
	}
	s.rxBuf = make([]Desc, conf.BatchSize)
	s.compBuf = make([]uint64, conf.BatchSize)

	sa := &sockaddrXDP{
		Family:  unix.AF_XDP,
		Ifindex: uint32(i.ifaceIndex),
		QueueID: conf.QueueID,
	}
	zerocopy := i.preferZerocopy
	if zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	} else {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}
	err = rawBind(s.fd, sa)
	if err != nil && zerocopy && errors.Is(err, unix.EPROTONOSUPPORT) {
		// Queue has no zero-copy support, fall back to copy mode.
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
		zerocopy = false
		err = rawBind(s.fd, sa)
	}
	if err != nil {
		return fmt.Errorf("binding socket: %w", err)
	}
	s.isZerocopy = zerocopy

	if err := registerXSK(i.objs, s.fd, conf.QueueID); err != nil {
		return fmt.Errorf("registering XSK: %w", err)
	}
	return nil
}

// registerXSK registers the socket FD in the socket map for the given
// queue so the redirect program delivers that queue's packets to it.
func registerXSK(objs *objects, fd int, queue uint32) error {
	if objs == nil || objs.xsks == nil {
		return ErrXSKSMapNotFound
	}
	return objs.xsks.Update(queue, uint32(fd), ebpf.UpdateAny)
}

func mapDescRing[T any](
	s *Socket, off ringOffset, size uint32, pgoff int64,
) (*ring.Ring[T], error) {
	region, err := mmapRegion(s.fd, uintptr(ringRegionLen[T](off, size)), pgoff)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	s.regions = append(s.regions, region)
	return attachRing[T](region, off, size)
}

// mmapRegion maps one of the socket's kernel rings.
func mmapRegion(fd int, length uintptr, offset int64) ([]byte, error) {
	return unix.Mmap(fd, offset, int(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
}

// mmapUmem maps an anonymous, page-backed region for UMEM.
func mmapUmem(length uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
}

// wakeupTxQueue notifies the kernel that new TX descriptors are ready.
// A zero-length sendto is the doorbell when XDP_USE_NEED_WAKEUP is set.
func wakeupTxQueue(fd int) error {
	err := unix.Sendto(fd, zeroBuf, unix.MSG_DONTWAIT, nil)
	if err == unix.EAGAIN || err == unix.EBUSY {
		return nil
	}
	return err
}

// IsZerocopy reports whether the socket is operating in zero-copy mode.
// May return false even if PreferZerocopy was set because the queue may
// not support XDP_ZEROCOPY.
func (s *Socket) IsZerocopy() bool { return s.isZerocopy }

// NewTxSink creates a sink on the TX half of s.
func NewTxSink(s *Socket) *TxSink {
	return newTxSink(s, int(s.conf.BatchSize), int(s.conf.FrameSize))
}

// Config returns the effective socket configuration.
func (s *Socket) Config() SocketConfig { return s.conf }

// Close releases the socket, UMEM and ring mappings.
func (s *Socket) Close() error {
	var errs []error
	if s.fd > 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		s.fd = -1
	}
	for _, r := range s.regions {
		if err := unix.Munmap(r); err != nil {
			errs = append(errs, fmt.Errorf("unmapping ring: %w", err))
		}
	}
	s.regions = nil
	if s.umem != nil {
		if err := unix.Munmap(s.umem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping UMEM: %w", err))
		}
		s.umem = nil
	}
	return errors.Join(errs...)
}

// Wait blocks until the socket becomes readable or the timeout expires.
// It returns a non-nil error only for real system call failures.
func (s *Socket) Wait(timeoutMS int) error {
	for {
		_, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(s.fd),
			Events: unix.POLLIN,
		}}, timeoutMS)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Receive appends up to BatchSize received frames to dst and returns it.
// The frames reference UMEM and must be handed back with Release.
func (s *Socket) Receive(dst []Frame) []Frame {
	n := s.rx.Consume(s.rxBuf)
	for _, d := range s.rxBuf[:n] {
		dst = append(dst, Frame{
			Buf:  s.umem[d.Addr : d.Addr+uint64(d.Len)],
			Addr: d.Addr,
		})
	}
	return dst
}

// Release returns received frames to the fill ring. Every received frame
// came out of the fill ring, so there is always room for it.
func (s *Socket) Release(frames []Frame) {
	if len(frames) == 0 {
		return
	}
	idx, got := s.fq.Reserve(uint32(len(frames)))
	for n := range got {
		s.fq.Set(idx+n, frames[n].Addr)
	}
	s.fq.Submit()
}

// FreeFrames returns the number of frames available for TX.
func (s *Socket) FreeFrames() int { return len(s.freeFrames) }

// NextFrame returns a writable UMEM frame. A zero Frame means none is
// available right now and the caller should retry after PollCompletions.
func (s *Socket) NextFrame() Frame {
	if len(s.freeFrames) == 0 {
		s.PollCompletions(s.conf.BatchSize)
		if len(s.freeFrames) == 0 {
			return Frame{}
		}
	}
	addr := s.freeFrames[len(s.freeFrames)-1]
	s.freeFrames = s.freeFrames[:len(s.freeFrames)-1]
	return Frame{
		Buf:  s.umem[addr : addr+uint64(s.conf.FrameSize)],
		Addr: addr,
	}
}

// Submit reserves a TX descriptor for the frame at addr. Descriptors are
// published by FlushTx.
func (s *Socket) Submit(addr uint64, length uint32) error {
	for {
		idx, got := s.tx.Reserve(1)
		if got == 1 {
			s.tx.Set(idx, Desc{Addr: addr, Len: length})
			return nil
		}
		// Ring full: reclaim and kick the NIC.
		if s.PollCompletions(s.conf.BatchSize) == 0 {
			s.tx.Submit()
			if err := wakeupTxQueue(s.fd); err != nil {
				return err
			}
		}
	}
}

// FlushTx publishes reserved TX descriptors and rings the doorbell.
func (s *Socket) FlushTx() error {
	s.tx.Submit()
	return wakeupTxQueue(s.fd)
}

// PollCompletions reclaims up to maxFrames completed TX frames, capped by
// BatchSize, and returns the number reclaimed.
func (s *Socket) PollCompletions(maxFrames uint32) uint32 {
	if maxFrames == 0 {
		return 0
	}
	maxFrames = min(maxFrames, uint32(len(s.compBuf)))
	n := s.cq.Consume(s.compBuf[:maxFrames])
	s.freeFrames = append(s.freeFrames, s.compBuf[:n]...)
	return uint32(n)
}
