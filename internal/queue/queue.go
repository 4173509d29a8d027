package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/midastechnical/storefront-sync/internal/model"
	"github.com/midastechnical/storefront-sync/internal/obs"
)

const brokerPoll = 50 * time.Millisecond

type pending struct {
	sale model.SaleEvent
	at   time.Time
}

// Queue holds accepted sales until a push worker takes them. Intake appends to
// an unbounded slice; a broker goroutine moves sales into the bounded channel
// workers read from, so Enqueue never waits on a slow RepairDesk.
type Queue struct {
	mu      sync.Mutex
	waiting []pending
	wake    chan struct{}
	ready   chan model.SaleEvent
	closed  atomic.Bool

	accepted atomic.Uint64
	handled  atomic.Uint64
	failed   atomic.Uint64
}

// New returns a Queue whose worker channel buffers up to size sales.
func New(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{
		wake:  make(chan struct{}, 1),
		ready: make(chan model.SaleEvent, size),
	}
}

// Start launches the broker. A positive warnAt logs sale_backlog_high while
// more than warnAt sales are waiting.
func (q *Queue) Start(ctx context.Context, warnAt int) {
	go func() {
		tick := time.NewTicker(brokerPoll)
		defer tick.Stop()
		for {
			moved := q.shift()
			if warnAt > 0 {
				if n := q.BacklogSize(); n > warnAt {
					obs.Logger.Warn("sale_backlog_high", "backlog_size", n, "high_watermark", warnAt, "moved", moved)
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			case <-tick.C:
			}
		}
	}()
}

// shift moves as many waiting sales as fit into the worker channel and
// reports how many moved.
func (q *Queue) shift() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	room := cap(q.ready) - len(q.ready)
	n := min(room, len(q.waiting))
	for _, p := range q.waiting[:n] {
		q.ready <- p.sale
	}
	q.waiting = q.waiting[n:]
	if len(q.waiting) == 0 {
		q.waiting = nil
	}
	return n
}

// Enqueue accepts a sale. It reports false once intake is closed.
func (q *Queue) Enqueue(ev model.SaleEvent) bool {
	if q.closed.Load() {
		return false
	}
	q.accepted.Add(1)
	q.mu.Lock()
	q.waiting = append(q.waiting, pending{sale: ev, at: time.Now()})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Out is the channel workers receive sales from.
func (q *Queue) Out() <-chan model.SaleEvent { return q.ready }

// BacklogSize is the number of sales not yet handed to the worker channel.
func (q *Queue) BacklogSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// QueueDepth counts waiting sales plus those buffered for workers.
func (q *Queue) QueueDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting) + len(q.ready)
}

// OldestWait is how long the longest-waiting backlog sale has been queued,
// or zero when the backlog is empty.
func (q *Queue) OldestWait() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) == 0 {
		return 0
	}
	return time.Since(q.waiting[0].at)
}

// MarkProcessed counts a handled sale, whatever its outcome.
func (q *Queue) MarkProcessed() { q.handled.Add(1) }

// MarkFailed counts a sale that had at least one line left unpushed.
func (q *Queue) MarkFailed() { q.failed.Add(1) }

// Failed returns the number of sales marked failed.
func (q *Queue) Failed() uint64 { return q.failed.Load() }

// Metrics returns accepted and handled totals with the current backlog and depth.
func (q *Queue) Metrics() (enq, proc uint64, backlog, depth int) {
	q.mu.Lock()
	backlog = len(q.waiting)
	depth = backlog + len(q.ready)
	q.mu.Unlock()
	return q.accepted.Load(), q.handled.Load(), backlog, depth
}

// CloseIntake rejects every later Enqueue.
func (q *Queue) CloseIntake() { q.closed.Store(true) }

// IsShuttingDown reports whether intake has been closed.
func (q *Queue) IsShuttingDown() bool { return q.closed.Load() }
