// Package monstat holds the monitor statistics counters.
package monstat

import (
	"fmt"
	"io"
	"slices"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	StatusBufCount Counter = iota
	PktBufCount
	ParentBufAlloc
	ParentBufFree
	ParentBufAllocFail
	RxHdrNotReceived
	MPDUDecapTypeInvalid
	DupMonBufCnt
	PPDUDropCnt
	MPDUDropCnt
	TLVDropCnt
	EndOfPPDUDropCnt
	EmptyDescPPDU
	StatusPPDUDrop
	StatusPPDUDone
	TotalPPDUInfoAlloc
	TotalPPDUInfoFree
	TotalPPDUInfoEnq
	TotalPPDUInfoDrop
	PPDUInfoAllocFail
	MPDUsBufToStack
	MPDUDeliverDrop
	MPDURestitchFail
	MPDUNotFullDrop
	BufsReplenishedDest
	ReplenishFail
	FragAlloc
	FragFree
	RadiotapFail
	MUFCSOk
	MUFCSErr
	DeliveredBytes

	numCounters
)

var counterNames = [numCounters]string{
	StatusBufCount:       "status_buf_count",
	PktBufCount:          "pkt_buf_count",
	ParentBufAlloc:       "parent_buf_alloc",
	ParentBufFree:        "parent_buf_free",
	ParentBufAllocFail:   "parent_buf_alloc_fail",
	RxHdrNotReceived:     "rx_hdr_not_received",
	MPDUDecapTypeInvalid: "mpdu_decap_type_invalid",
	DupMonBufCnt:         "dup_mon_buf_cnt",
	PPDUDropCnt:          "ppdu_drop_cnt",
	MPDUDropCnt:          "mpdu_drop_cnt",
	TLVDropCnt:           "tlv_drop_cnt",
	EndOfPPDUDropCnt:     "end_of_ppdu_drop_cnt",
	EmptyDescPPDU:        "empty_desc_ppdu",
	StatusPPDUDrop:       "status_ppdu_drop",
	StatusPPDUDone:       "status_ppdu_done",
	TotalPPDUInfoAlloc:   "total_ppdu_info_alloc",
	TotalPPDUInfoFree:    "total_ppdu_info_free",
	TotalPPDUInfoEnq:     "total_ppdu_info_enq",
	TotalPPDUInfoDrop:    "total_ppdu_info_drop",
	PPDUInfoAllocFail:    "ppdu_info_alloc_fail",
	MPDUsBufToStack:      "mpdus_buf_to_stack",
	MPDUDeliverDrop:      "mpdu_deliver_drop",
	MPDURestitchFail:     "mpdu_restitch_fail",
	MPDUNotFullDrop:      "mpdu_not_full_drop",
	BufsReplenishedDest:  "mon_rx_bufs_replenished_dest",
	ReplenishFail:        "replenish_fail",
	FragAlloc:            "frag_alloc",
	FragFree:             "frag_free",
	RadiotapFail:         "radiotap_fail",
	MUFCSOk:              "mu_fcs_ok",
	MUFCSErr:             "mu_fcs_err",
	DeliveredBytes:       "delivered_bytes",
}

func (c Counter) String() string {
	if c >= 0 && c < numCounters {
		return counterNames[c]
	}
	return ""
}

// All returns every counter in declaration order.
func All() []Counter {
	out := make([]Counter, numCounters)
	for i := range out {
		out[i] = Counter(i)
	}
	return out
}

// Counters is a set of monotonically increasing counters that may be
// updated from any goroutine.
type Counters struct {
	vals [numCounters]atomic.Uint64
}

func New() *Counters { return new(Counters) }

// Inc increments c. A nil receiver ignores the update.
func (s *Counters) Inc(c Counter) {
	if s == nil {
		return
	}
	s.vals[c].Add(1)
}

// Add adds n to c. A nil receiver ignores the update.
func (s *Counters) Add(c Counter, n uint64) {
	if s == nil || n == 0 {
		return
	}
	s.vals[c].Add(n)
}

func (s *Counters) Get(c Counter) uint64 {
	if s == nil {
		return 0
	}
	return s.vals[c].Load()
}

// Stats is a point-in-time copy of the counters.
type Stats map[Counter]uint64

// Snapshot copies the current counter values.
func (s *Counters) Snapshot() Stats {
	out := make(Stats, numCounters)
	for c := range numCounters {
		out[c] = s.Get(c)
	}
	return out
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
	for c, v := range s {
		out[c] = v - old[c]
	}
	return out
}

// Print writes the non-zero counters of s sorted by name.
func Print(w io.Writer, s Stats) error {
	ctrs := make([]Counter, 0, len(s))
	for c, v := range s {
		if v != 0 {
			ctrs = append(ctrs, c)
		}
	}
	slices.SortFunc(ctrs, func(a, b Counter) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		}
		return 0
	})

	for _, c := range ctrs {
		v := s[c]
		var err error
		if c == DeliveredBytes {
			_, err = fmt.Fprintf(w, "  %-30s %-14s ≈ %s\n",
				c, humanize.Comma(int64(v)), humanize.Bytes(v))
		} else {
			_, err = fmt.Fprintf(w, "  %-30s %s\n", c, humanize.Comma(int64(v)))
		}
		if err != nil {
			return err
		}
	}
	return nil
}
