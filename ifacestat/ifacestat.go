// Package ifacestat reads the kernel's per-interface traffic counters from
// sysfs so binaries can report what actually crossed the NIC next to what
// the monitor delivered.
package ifacestat

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// DefaultRoot is the sysfs directory holding one entry per interface.
const DefaultRoot = "/sys/class/net"

var ErrNoInterface = errors.New("no such interface")

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	TxDropped
	RxPackets
	RxBytes
	RxDropped
)

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case TxDropped:
		return "tx_dropped"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxDropped:
		return "rx_dropped"
	}
	return ""
}

// All returns every known counter.
func All() []Counter {
	return []Counter{TxPackets, TxBytes, TxDropped, RxPackets, RxBytes, RxDropped}
}

// IfaceStats are the counters of one interface.
type IfaceStats map[Counter]uint64

// Stats are the counters of several interfaces keyed by name.
type Stats map[string]IfaceStats

// Reader reads counters below Root, which is DefaultRoot when empty.
type Reader struct {
	Root string
}

// Snapshot reads counters of every interface in ifaces. Counters the driver
// does not export read as zero.
func (r Reader) Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	if len(counters) == 0 {
		counters = All()
	}
	s := make(Stats, len(ifaces))
	for _, iface := range ifaces {
		vals, err := r.readIface(iface, counters)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		s[iface] = vals
	}
	return s, nil
}

// Snapshot reads from DefaultRoot.
func Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	return Reader{}.Snapshot(ifaces, counters...)
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

func (r Reader) readIface(name string, counters []Counter) (IfaceStats, error) {
	root := r.Root
	if root == "" {
		root = DefaultRoot
	}
	dir := filepath.Join(root, name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoInterface
		}
		return nil, err
	}

	found := make(IfaceStats, len(counters))
	for _, c := range counters {
		b, err := os.ReadFile(filepath.Join(dir, "statistics", c.String()))
		if errors.Is(err, fs.ErrNotExist) {
			found[c] = 0
			continue
		}
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", c, err)
		}
		found[c] = v
	}
	return found, nil
}

// Print writes packet and byte counters per interface sorted by name.
func Print(w io.Writer, s Stats) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		st := s[iface]
		if _, err := fmt.Fprintf(w, "%s:\n", iface); err != nil {
			return err
		}
		for _, dir := range []struct {
			name                 string
			pkts, bytes, dropped Counter
		}{
			{"TX", TxPackets, TxBytes, TxDropped},
			{"RX", RxPackets, RxBytes, RxDropped},
		} {
			if _, err := fmt.Fprintf(w, "  %s   %-12s ≈ %-8s dropped %s\n",
				dir.name,
				humanize.Comma(int64(st[dir.pkts])),
				humanize.Bytes(st[dir.bytes]),
				humanize.Comma(int64(st[dir.dropped])),
			); err != nil {
				return err
			}
		}
	}
	return nil
}
