//go:build linux

package afxdp

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/romshark/rxmon/logging/logfields"
)

// Packet is a received frame. Buf references UMEM and is only valid for
// the duration of the callback.
type Packet struct {
	Buf   []byte
	Addr  uint64
	Queue uint32
}

// RunCapture opens one socket per RX queue of iface and calls fn for every
// received packet until ctx is canceled, in which case it returns
// ctx.Err(). If fn returns an error every queue stops and RunCapture
// returns it. fn is called concurrently from one goroutine per queue.
// conf.QueueID is ignored.
func RunCapture(
	ctx context.Context,
	iface *Interface,
	conf SocketConfig,
	fn func(*Packet) error,
) error {
	queues, err := iface.RXQueueIDs()
	if err != nil {
		return err
	}

	socks := make([]*Socket, 0, len(queues))
	defer func() {
		for _, s := range socks {
			_ = s.Close()
		}
	}()
	for _, qid := range queues {
		c := conf
		c.QueueID = qid
		s, err := iface.Open(c)
		if err != nil {
			return err
		}
		socks = append(socks, s)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range socks {
		g.Go(func() error { return captureQueue(ctx, s, fn) })
	}
	return g.Wait()
}

func captureQueue(ctx context.Context, s *Socket, fn func(*Packet) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l := log.WithField(logfields.Queue, s.conf.QueueID)
	l.Debug("Capturing")

	frames := make([]Frame, 0, s.conf.BatchSize)
	p := Packet{Queue: s.conf.QueueID}
	for ctx.Err() == nil {
		frames = s.Receive(frames[:0])
		if len(frames) == 0 {
			if err := s.Wait(1); err != nil {
				return err
			}
			continue
		}
		for _, f := range frames {
			p.Buf, p.Addr = f.Buf, f.Addr
			if err := fn(&p); err != nil {
				s.Release(frames)
				return err
			}
		}
		s.Release(frames)
	}
	l.Debug("Capture stopped")
	return ctx.Err()
}
