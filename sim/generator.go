package sim

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/rxmon/hal"
	"github.com/romshark/rxmon/logging/logfields"
	"github.com/romshark/rxmon/ratelimit"
)

const (
	DefaultGenMaxUsers   = 4
	DefaultGenMaxMPDUs   = 4
	DefaultGenMaxMSDUs   = 3
	DefaultGenMaxPayload = 1500

	stallBackoff = 100 * time.Microsecond
)

var (
	ErrGenMaxUsers   = errors.New("max-users out of range")
	ErrGenRawPercent = errors.New("raw-percent out of range")
)

// GeneratorConfig configures a random PPDU generator.
type GeneratorConfig struct {
	// PPS is the target PPDU rate, 0 for unpaced.
	PPS uint64 `yaml:"pps"`
	// Count stops the generator after that many PPDUs, 0 for unbounded.
	Count      uint64 `yaml:"count"`
	MaxUsers   int    `yaml:"max-users"`
	MaxMPDUs   int    `yaml:"max-mpdus"`
	MaxMSDUs   int    `yaml:"max-msdus"`
	MaxPayload int    `yaml:"max-payload"`
	// RawPercent is the share of MPDUs received with raw decap.
	RawPercent int    `yaml:"raw-percent"`
	Seed       uint64 `yaml:"seed"`
}

func (c *GeneratorConfig) ValidateAndSetDefaults() error {
	if c.MaxUsers == 0 {
		c.MaxUsers = DefaultGenMaxUsers
	}
	if c.MaxMPDUs == 0 {
		c.MaxMPDUs = DefaultGenMaxMPDUs
	}
	if c.MaxMSDUs == 0 {
		c.MaxMSDUs = DefaultGenMaxMSDUs
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = DefaultGenMaxPayload
	}
	if c.MaxUsers < 0 || c.MaxUsers > hal.MaxUsers {
		return ErrGenMaxUsers
	}
	if c.RawPercent < 0 || c.RawPercent > 100 {
		return ErrGenRawPercent
	}
	c.MaxMPDUs = max(c.MaxMPDUs, 1)
	c.MaxMSDUs = max(c.MaxMSDUs, 1)
	c.MaxPayload = max(c.MaxPayload, 1)
	return nil
}

// GeneratorStats is a snapshot of generator activity.
type GeneratorStats struct {
	PPDUs  uint64
	MPDUs  uint64
	Bytes  uint64
	Stalls uint64
}

// Generator injects random PPDUs into a Sim.
type Generator struct {
	sim      *Sim
	conf     GeneratorConfig
	rng      *rand.Rand
	throttle *ratelimit.Throttle
	seq      uint16
	tsft     uint64

	ppdus, mpdus, bytes, stalls atomic.Uint64
}

func NewGenerator(s *Sim, conf GeneratorConfig) (*Generator, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Generator{
		sim:      s,
		conf:     conf,
		rng:      rand.New(rand.NewPCG(conf.Seed, conf.Seed^0x9e3779b97f4a7c15)),
		throttle: ratelimit.New(conf.PPS),
	}, nil
}

func (g *Generator) Stats() GeneratorStats {
	return GeneratorStats{
		PPDUs:  g.ppdus.Load(),
		MPDUs:  g.mpdus.Load(),
		Bytes:  g.bytes.Load(),
		Stalls: g.stalls.Load(),
	}
}

// Run injects PPDUs until Count is reached or ctx is done. expect, when
// not nil, receives the frames each PPDU is expected to produce.
// Injection retries while hardware is out of buffers or ring space.
func (g *Generator) Run(ctx context.Context, expect func([][]byte)) error {
	for n := uint64(0); g.conf.Count == 0 || n < g.conf.Count; n++ {
		p, err := g.Next()
		if err != nil {
			return err
		}
		frames, err := g.sim.InjectPPDU(p)
		for errors.Is(err, ErrNoBuffers) || errors.Is(err, ErrRingFull) {
			g.stalls.Add(1)
			if err := sleep(ctx, stallBackoff); err != nil {
				return err
			}
			frames, err = g.sim.InjectPPDU(p)
		}
		if err != nil {
			return err
		}
		g.ppdus.Add(1)
		g.mpdus.Add(uint64(len(frames)))
		for _, f := range frames {
			g.bytes.Add(uint64(len(f)))
		}
		if expect != nil {
			expect(frames)
		}
		if err := g.throttle.Wait(ctx, 1); err != nil {
			return err
		}
	}
	log.WithFields(logrus.Fields{
		logfields.Count: g.ppdus.Load(),
	}).Info("Generator done")
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns a random PPDU.
func (g *Generator) Next() (PPDU, error) {
	r := g.rng
	nUsers := 1 + r.IntN(g.conf.MaxUsers)
	g.tsft += uint64(100 + r.IntN(900))

	rx := hal.RxStatus{
		ChanFreq: 5180 + 20*uint16(r.IntN(8)),
		BW:       uint8(r.IntN(3)),
		Preamble: hal.PreambleHT + uint8(r.IntN(3)),
		GI:       uint8(r.IntN(2)),
		MCS:      uint8(r.IntN(10)),
		NSS:      1 + uint8(r.IntN(2)),
		RSSI:     int8(-30 - r.IntN(60)),
		Noise:    -95,
		LDPC:     r.IntN(2) == 0,
		NumUsers: uint8(nUsers),
	}
	if rx.Preamble == hal.PreambleHT {
		rx.MCS %= 8
	}
	if nUsers > 1 {
		rx.ReceptionType = hal.ReceptionMUOFDMA
	}
	users := make([]hal.UserStatus, nUsers)
	for u := range users {
		users[u] = hal.UserStatus{
			MCS:           uint8(r.IntN(10)),
			NSS:           1,
			RSSI:          int8(-30 - r.IntN(60)),
			ReceptionType: rx.ReceptionType,
		}
	}

	bssid := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	mpdus := make([]MPDU, 1+r.IntN(g.conf.MaxMPDUs))
	for i := range mpdus {
		u := uint8(r.IntN(nUsers))
		raw := r.IntN(100) < g.conf.RawPercent
		nMSDU := 1
		if !raw {
			nMSDU = 1 + r.IntN(g.conf.MaxMSDUs)
		}
		g.seq = (g.seq + 1) & 0x0fff
		hdr, err := QoSDataHeader(HeaderOpts{
			Addr1:     bssid,
			Addr2:     net.HardwareAddr{0x02, 0, 0, 0, 1, u},
			Addr3:     net.HardwareAddr{0x02, 0, 0, 0, 2, u},
			Seq:       g.seq,
			TID:       uint8(r.IntN(8)),
			AMSDU:     nMSDU > 1,
			Protected: r.IntN(4) == 0,
		})
		if err != nil {
			return PPDU{}, err
		}
		m := MPDU{User: u, Raw: raw, Header: hdr, EtherType: 0x0800}
		for range nMSDU {
			m.MSDUs = append(m.MSDUs, g.payload(1+r.IntN(g.conf.MaxPayload)))
		}
		mpdus[i] = m
		users[u].FCSOk++
	}
	return PPDU{TSFT: g.tsft, Rx: rx, Users: users, MPDUs: mpdus}, nil
}

func (g *Generator) payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(g.rng.Uint32())
	}
	return b
}
