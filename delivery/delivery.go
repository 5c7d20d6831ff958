// Package delivery finalizes reassembled PPDUs outside the reap loop. A
// Queue decouples the monitor from a Processor, which restitches every
// queued MPDU, prepends a radiotap header and hands the frame to a
// Deliverer.
package delivery

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/romshark/rxmon/frame"
	"github.com/romshark/rxmon/hal"
	"github.com/romshark/rxmon/logging"
	"github.com/romshark/rxmon/logging/logfields"
	"github.com/romshark/rxmon/monstat"
	"github.com/romshark/rxmon/ppdu"
	"github.com/romshark/rxmon/reasm"
)

var log = logging.DefaultLogger.WithField(logfields.LogSubsys, "delivery")

// Deliverer consumes finalized frames. b starts with the radiotap header
// followed by the 802.11 frame without FCS. b and rx are only valid for
// the duration of the call.
type Deliverer interface {
	Deliver(b *frame.Buffer, rx *hal.RxStatus) error
}

type DelivererFunc func(b *frame.Buffer, rx *hal.RxStatus) error

func (f DelivererFunc) Deliver(b *frame.Buffer, rx *hal.RxStatus) error { return f(b, rx) }

// MultiDeliverer delivers every frame to all of its members.
type MultiDeliverer []Deliverer

func (m MultiDeliverer) Deliver(b *frame.Buffer, rx *hal.RxStatus) error {
	var errs []error
	for _, d := range m {
		if err := d.Deliver(b, rx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Processor finalizes the MPDUs of a PPDU and delivers them.
type Processor struct {
	deliverer Deliverer
	stats     *monstat.Counters
}

// NewProcessor creates a processor. With a nil deliverer every MPDU is
// dropped and counted.
func NewProcessor(d Deliverer, stats *monstat.Counters) *Processor {
	return &Processor{deliverer: d, stats: stats}
}

// Process delivers every MPDU queued on info, user by user, and returns the
// number delivered. The queues are empty afterwards.
func (p *Processor) Process(info *ppdu.Info) (delivered int) {
	if info.Rx.ReceptionType != hal.ReceptionSU {
		for u := range min(int(info.Rx.NumUsers), hal.MaxUsers) {
			p.stats.Add(monstat.MUFCSOk, uint64(info.Users[u].FCSOk))
			p.stats.Add(monstat.MUFCSErr, uint64(info.Users[u].FCSErr))
		}
	}
	for u := range info.MPDUQ {
		q := &info.MPDUQ[u]
		for q.Len() > 0 {
			b := q.PopFront()
			if p.deliverMPDU(info, uint8(u), b) {
				delivered++
			}
			p.stats.Add(monstat.ParentBufFree, uint64(b.FreeChain()))
		}
		info.MPDUCount[u] = 0
	}
	return delivered
}

func (p *Processor) deliverMPDU(info *ppdu.Info, user uint8, b *frame.Buffer) bool {
	l := log.WithFields(logrus.Fields{
		logfields.PPDUID: info.Rx.PPDUID,
		logfields.UserID: user,
	})
	if !b.Meta.FullPkt || b.Meta.Truncated {
		p.stats.Inc(monstat.MPDUNotFullDrop)
		l.Debug("Dropping incomplete MPDU")
		return false
	}
	if err := reasm.Restitch(b); err != nil {
		p.stats.Inc(monstat.MPDURestitchFail)
		l.WithError(err).Debug("Restitch failed")
		return false
	}
	rt := Radiotap(&info.Rx, &info.Users[user], b.Meta)
	if err := WriteRadiotap(b, rt); err != nil {
		p.stats.Inc(monstat.RadiotapFail)
		l.WithError(err).Debug("Writing radiotap header failed")
		return false
	}
	if p.deliverer == nil {
		p.stats.Inc(monstat.MPDUDeliverDrop)
		return false
	}
	n := b.Len()
	if err := p.deliverer.Deliver(b, &info.Rx); err != nil {
		p.stats.Inc(monstat.MPDUDeliverDrop)
		l.WithError(err).Debug("Delivery failed")
		return false
	}
	p.stats.Inc(monstat.MPDUsBufToStack)
	p.stats.Add(monstat.DeliveredBytes, uint64(n))
	return true
}
