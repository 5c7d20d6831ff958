//go:build linux

package afxdp

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

const (
	xsksMapName = "xsks_map"
	progName    = "xdp_sock_prog"

	// MaxQueues is the number of queue slots in the socket map.
	MaxQueues = 64

	xdpPass = 2
	// offsetof(struct xdp_md, rx_queue_index)
	xdpMDRxQueueIndex = 16
)

// redirectProgram redirects every packet to the socket registered for its
// RX queue and passes it to the stack when there is none.
func redirectProgram() asm.Instructions {
	return asm.Instructions{
		asm.LoadMem(asm.R2, asm.R1, xdpMDRxQueueIndex, asm.Word),
		asm.LoadMapPtr(asm.R1, 0).WithReference(xsksMapName),
		asm.Mov.Imm(asm.R3, xdpPass),
		asm.FnRedirectMap.Call(),
		asm.Return(),
	}
}

func collectionSpec() *ebpf.CollectionSpec {
	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			xsksMapName: {
				Name:       xsksMapName,
				Type:       ebpf.XSKMap,
				KeySize:    4,
				ValueSize:  4,
				MaxEntries: MaxQueues,
			},
		},
		Programs: map[string]*ebpf.ProgramSpec{
			progName: {
				Name:         progName,
				Type:         ebpf.XDP,
				License:      "GPL",
				Instructions: redirectProgram(),
			},
		},
	}
}

// objects are the loaded eBPF objects of an Interface.
type objects struct {
	xsks *ebpf.Map
	prog *ebpf.Program
}

func loadObjects() (*objects, error) {
	coll, err := ebpf.NewCollection(collectionSpec())
	if err != nil {
		return nil, fmt.Errorf("loading collection: %w", err)
	}
	o := &objects{xsks: coll.Maps[xsksMapName], prog: coll.Programs[progName]}
	if o.xsks == nil {
		coll.Close()
		return nil, ErrXSKSMapNotFound
	}
	if o.prog == nil {
		coll.Close()
		return nil, ErrXDPSockProgNotFound
	}
	return o, nil
}

func (o *objects) Close() error {
	return errors.Join(o.prog.Close(), o.xsks.Close())
}
