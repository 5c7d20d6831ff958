package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/romshark/rxmon/logging/logfields"
	"github.com/romshark/rxmon/monstat"
	"github.com/romshark/rxmon/ppdu"
)

const (
	DefaultThreshold     = 128
	DefaultKickDepth     = 16
	DefaultFlushInterval = 10 * time.Millisecond
)

var ErrKickDepthTooLarge = errors.New("kick depth must be below threshold")

type Config struct {
	// Threshold is the queue depth at which new PPDUs are dropped.
	Threshold int `yaml:"threshold"`
	// KickDepth is the depth above which Enqueue wakes the worker.
	KickDepth int `yaml:"kick-depth"`
	// FlushInterval is the worker's polling period.
	FlushInterval time.Duration `yaml:"flush-interval"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.KickDepth == 0 {
		c.KickDepth = DefaultKickDepth
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.KickDepth >= c.Threshold {
		return ErrKickDepthTooLarge
	}
	return nil
}

// Queue is the deferred delivery FIFO. Enqueue may be called from the
// reap loop; ProcessPending runs at most once at a time.
type Queue struct {
	conf    Config
	proc    *Processor
	release func(*ppdu.Info)
	stats   *monstat.Counters

	lock    sync.Mutex
	pending []*ppdu.Info

	kick    chan struct{}
	running atomic.Bool
}

// NewQueue creates a queue handing PPDUs to proc. release returns a PPDU
// to its cache once processed or dropped.
func NewQueue(
	conf Config,
	proc *Processor,
	release func(*ppdu.Info),
	stats *monstat.Counters,
) (*Queue, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Queue{
		conf:    conf,
		proc:    proc,
		release: release,
		stats:   stats,
		pending: make([]*ppdu.Info, 0, conf.Threshold),
		kick:    make(chan struct{}, 1),
	}, nil
}

// Enqueue appends info. At the threshold info is released right away and
// false is returned.
func (q *Queue) Enqueue(info *ppdu.Info) bool {
	q.lock.Lock()
	if len(q.pending) >= q.conf.Threshold {
		q.lock.Unlock()
		q.stats.Inc(monstat.TotalPPDUInfoDrop)
		log.WithField(logfields.PPDUID, info.Rx.PPDUID).Debug("Delivery queue full, dropping PPDU")
		q.release(info)
		return false
	}
	q.pending = append(q.pending, info)
	depth := len(q.pending)
	q.lock.Unlock()

	q.stats.Inc(monstat.TotalPPDUInfoEnq)
	if depth > q.conf.KickDepth {
		q.Kick()
	}
	return true
}

// Kick wakes Run. Kicks while the worker is busy merge.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Depth returns the number of queued PPDUs.
func (q *Queue) Depth() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.pending)
}

func (q *Queue) take() []*ppdu.Info {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	batch := q.pending
	q.pending = make([]*ppdu.Info, 0, q.conf.Threshold)
	return batch
}

// ProcessPending processes queued PPDUs in FIFO order until the queue is
// empty and returns how many it processed. A call made while another is
// running returns 0 immediately.
func (q *Queue) ProcessPending() int {
	if !q.running.CompareAndSwap(false, true) {
		return 0
	}
	defer q.running.Store(false)

	n := 0
	for {
		batch := q.take()
		if batch == nil {
			return n
		}
		for _, info := range batch {
			q.proc.Process(info)
			q.release(info)
		}
		n += len(batch)
	}
}

// Run processes the queue whenever it is kicked or FlushInterval elapses,
// until ctx is canceled.
func (q *Queue) Run(ctx context.Context) error {
	t := time.NewTicker(q.conf.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.kick:
		case <-t.C:
		}
		q.ProcessPending()
	}
}

// Drain releases every queued PPDU without delivering it and returns how
// many were released.
func (q *Queue) Drain() int {
	batch := q.take()
	for _, info := range batch {
		q.release(info)
	}
	if len(batch) > 0 {
		log.WithField(logfields.Count, len(batch)).Debug("Drained delivery queue")
	}
	return len(batch)
}
