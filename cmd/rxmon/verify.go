//go:build linux

package main

import (
	"errors"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/romshark/rxmon/frame"
	"github.com/romshark/rxmon/hal"
)

var errNoRadiotap = errors.New("delivered frame has no radiotap header")

// verifier matches delivered 802.11 frames against the frames the
// simulator announced. Matching ignores order: a frame may be delivered
// before the generator reports it.
type verifier struct {
	lock    sync.Mutex
	balance map[string]int
	matched uint64
}

func newVerifier() *verifier {
	return &verifier{balance: make(map[string]int)}
}

func (v *verifier) Expect(frames [][]byte) {
	v.lock.Lock()
	defer v.lock.Unlock()
	for _, f := range frames {
		v.add(string(f), 1)
	}
}

func (v *verifier) Deliver(b *frame.Buffer, _ *hal.RxStatus) error {
	data := b.Bytes()
	var rt layers.RadioTap
	if err := rt.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return errors.Join(errNoRadiotap, err)
	}
	v.lock.Lock()
	defer v.lock.Unlock()
	v.add(string(data[rt.Length:]), -1)
	return nil
}

func (v *verifier) add(k string, d int) {
	old := v.balance[k]
	if (old > 0 && d < 0) || (old < 0 && d > 0) {
		v.matched++
	}
	n := old + d
	if n == 0 {
		delete(v.balance, k)
		return
	}
	v.balance[k] = n
}

// Result returns the matched frames, the expected frames never delivered
// and the delivered frames never expected.
func (v *verifier) Result() (matched, missing, unexpected uint64) {
	v.lock.Lock()
	defer v.lock.Unlock()
	for _, n := range v.balance {
		if n > 0 {
			missing += uint64(n)
		} else {
			unexpected += uint64(-n)
		}
	}
	return v.matched, missing, unexpected
}
