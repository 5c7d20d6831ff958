//go:build linux

// Package afxdp implements AF_XDP sockets whose kernel rings are driven
// through package ring. An Interface owns the XDP redirect program, a
// Socket is bound to one queue of it.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: packets delivered from the NIC to userspace.
//   - FQ ring: UMEM addresses userspace provides to the kernel for RX.
//   - TX ring: descriptors userspace sends to the NIC.
//   - CQ ring: completed TX buffers returned by the kernel.
package afxdp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"unsafe"

	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"

	"github.com/romshark/rxmon/logging"
	"github.com/romshark/rxmon/logging/logfields"
	"github.com/romshark/rxmon/ring"
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "afxdp")

var (
	ErrXSKSMapNotFound     = errors.New("xsks_map not found")
	ErrXDPSockProgNotFound = errors.New("xdp_sock_prog not found")
	ErrRegionIsEmpty       = errors.New("ring region is empty")
	ErrNumFramesTooSmall   = errors.New("NumFrames must be >= TxSize + RxSize")
	ErrQueueOutOfRange     = errors.New("queue id exceeds socket map")
)

const (
	DefaultNumFrames          = 4096
	DefaultFrameSize          = 2048
	DefaultTxQueueSize        = 2048
	DefaultRxQueueSize        = DefaultTxQueueSize
	DefaultCompletionRingSize = 2048
	DefaultBatchSize          = 64
)

// InterfaceConfig controls how AF_XDP is attached to a network interface.
type InterfaceConfig struct {
	PreferZerocopy bool `yaml:"prefer-zerocopy"`
}

type SocketConfig struct {
	// QueueID identifies the NIC RX/TX queue to bind to.
	QueueID uint32 `yaml:"queue-id"`
	// NumFrames is the total number of UMEM frames allocated.
	NumFrames uint32 `yaml:"num-frames"`
	// FrameSize defines the size of each UMEM frame in bytes.
	FrameSize uint32 `yaml:"frame-size"`
	// RxSize sets the number of descriptors in the RX and fill rings.
	RxSize uint32 `yaml:"rx-size"`
	// TxSize sets the number of descriptors in the TX ring.
	TxSize uint32 `yaml:"tx-size"`
	// CqSize sets the number of entries in the completion ring.
	CqSize uint32 `yaml:"cq-size"`
	// BatchSize controls TX and completion processing batch size.
	BatchSize uint32 `yaml:"batch-size"`
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RxSize == 0 {
		c.RxSize = DefaultRxQueueSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultTxQueueSize
	}
	if c.CqSize == 0 {
		c.CqSize = DefaultCompletionRingSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	for _, n := range []uint32{c.RxSize, c.TxSize, c.CqSize} {
		if n&(n-1) != 0 {
			return ring.ErrSizeNotPowerOfTwo
		}
	}
	if c.NumFrames < c.TxSize+c.RxSize {
		return ErrNumFramesTooSmall
	}
	if c.QueueID >= MaxQueues {
		return ErrQueueOutOfRange
	}
	return nil
}

// Interface represents a NIC with the redirect program attached.
type Interface struct {
	ifaceName      string
	ifaceIndex     int
	preferZerocopy bool

	link link.Link
	objs *objects
}

// MakeInterface attaches the XDP program to the given interface name and
// returns an Interface handle that can open AF_XDP sockets on its queues.
func MakeInterface(iface string, conf InterfaceConfig) (*Interface, error) {
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}

	objs, err := loadObjects()
	if err != nil {
		return nil, fmt.Errorf("loading XDP program: %w", err)
	}
	opts := link.XDPOptions{Program: objs.prog, Interface: netIf.Index}
	if conf.PreferZerocopy {
		// Zero-copy needs driver mode.
		opts.Flags = link.XDPDriverMode
	}
	l, err := link.AttachXDP(opts)
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("attaching XDP: %w", err)
	}
	log.WithField(logfields.Interface, iface).Debug("Attached XDP program")

	return &Interface{
		ifaceName:      iface,
		ifaceIndex:     netIf.Index,
		preferZerocopy: conf.PreferZerocopy,
		link:           l,
		objs:           objs,
	}, nil
}

// Info returns the name and kernel index of the interface.
func (i *Interface) Info() (name string, index int) { return i.ifaceName, i.ifaceIndex }

// RXQueueIDs returns the RX queue IDs of the interface in ascending order,
// read from /sys/class/net/<iface>/queues.
func (i *Interface) RXQueueIDs() (ids []uint32, err error) {
	path := "/sys/class/net/" + i.ifaceName + "/queues"
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	for _, e := range entries {
		idStr, ok := strings.CutPrefix(e.Name(), "rx-")
		if !ok {
			continue
		}
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, fmt.Errorf("parsing entry %q: %w", idStr, err)
		}
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	return ids, nil
}

// Close detaches the XDP program and frees the eBPF objects. Sockets must
// be closed first.
func (i *Interface) Close() error {
	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.link = nil
	}
	if i.objs != nil {
		if err := i.objs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP objects: %w", err))
		}
		i.objs = nil
	}
	return errors.Join(errs...)
}

/*---- Kernel structs (linux/if_xdp.h) ----*/

type sockaddrXDP struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

type ringOffset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

type mmapOffsets struct {
	Rx ringOffset
	Tx ringOffset
	Fr ringOffset
	Cr ringOffset
}

type umemReg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

// Desc is an RX or TX ring entry.
type Desc struct {
	Addr uint64
	Len  uint32
	Opts uint32
}

func rawBind(fd int, sa *sockaddrXDP) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(sa)),
		unsafe.Sizeof(*sa),
	)
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen)
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), unix.SOL_XDP, uintptr(name),
		uintptr(val), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return e
	}
	return nil
}

// attachRing builds a ring over a mapped kernel ring region. Userspace is
// the only user of its side, so the lockless bracket is used.
func attachRing[T any](region []byte, off ringOffset, size uint32) (*ring.Ring[T], error) {
	if len(region) == 0 {
		return nil, ErrRegionIsEmpty
	}
	base := unsafe.Pointer(&region[0])
	prod := (*uint32)(unsafe.Add(base, off.Producer))
	cons := (*uint32)(unsafe.Add(base, off.Consumer))
	entries := unsafe.Slice((*T)(unsafe.Add(base, off.Desc)), size)
	return ring.Attach(prod, cons, entries, true)
}

func ringRegionLen[T any](off ringOffset, size uint32) int {
	var zero T
	return int(off.Desc) + int(size)*int(unsafe.Sizeof(zero))
}
