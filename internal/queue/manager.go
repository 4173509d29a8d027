// Package queue carries completed sales from the HTTP intake to workers that
// push stock decrements to RepairDesk. The worker pool scales with backlog.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/midastechnical/storefront-sync/internal/config"
	"github.com/midastechnical/storefront-sync/internal/model"
	"github.com/midastechnical/storefront-sync/internal/obs"
)

// SaleHandler pushes one sale and returns the resulting push run.
type SaleHandler interface {
	PushSale(ctx context.Context, ev model.SaleEvent) (model.SyncRun, error)
}

// Manager owns the push workers for a Queue and resizes the pool between
// WorkerMin and WorkerMax.
type Manager struct {
	cfg     config.Sales
	q       *Queue
	handler SaleHandler
	seq     Sequencer

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers []context.CancelFunc
}

// NewManager returns a Manager that hands every dequeued sale to h.
func NewManager(cfg config.Sales, q *Queue, h SaleHandler) *Manager {
	if cfg.ScaleInterval <= 0 {
		cfg.ScaleInterval = 500 * time.Millisecond
	}
	cfg.WorkerMin = max(cfg.WorkerMin, 1)
	cfg.WorkerMax = max(cfg.WorkerMax, cfg.WorkerMin)
	cfg.InitialWorkerCount = min(max(cfg.InitialWorkerCount, cfg.WorkerMin), cfg.WorkerMax)
	return &Manager{cfg: cfg, q: q, handler: h}
}

// Start launches the broker, the initial workers and the scaler.
func (m *Manager) Start(parent context.Context) {
	m.ctx, m.cancel = context.WithCancel(parent)
	m.q.Start(m.ctx, m.cfg.QueueHighWatermark)
	m.resize(m.cfg.InitialWorkerCount)
	go m.autoscale()
}

// Stop cancels the scaler and every worker. Sales a worker already holds are
// finished first.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stop := range m.workers {
		stop()
	}
	m.workers = nil
}

// nextSize returns the pool size the scaler should move to and the updated
// idle streak. Backlog above ScaleUpBacklogPerWorker per worker grows the pool
// by one; ScaleDownIdleTicks consecutive empty ticks shrink it by one.
func (m *Manager) nextSize(backlog, workers, idle int) (int, int) {
	switch {
	case backlog > workers*m.cfg.ScaleUpBacklogPerWorker && workers < m.cfg.WorkerMax:
		return workers + 1, 0
	case backlog > 0:
		return workers, 0
	}
	idle++
	if idle >= m.cfg.ScaleDownIdleTicks && workers > m.cfg.WorkerMin {
		return workers - 1, 0
	}
	return workers, idle
}

func (m *Manager) autoscale() {
	t := time.NewTicker(m.cfg.ScaleInterval)
	defer t.Stop()
	idle := 0
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C:
		}
		cur := m.WorkerCount()
		var want int
		want, idle = m.nextSize(m.q.BacklogSize(), cur, idle)
		if want != cur {
			m.resize(want)
		}
	}
}

// resize starts or stops workers until n are running. Newest workers stop first.
func (m *Manager) resize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return
	}
	for len(m.workers) < n {
		wctx, stop := context.WithCancel(m.ctx)
		m.workers = append(m.workers, stop)
		go m.work(wctx)
	}
	for len(m.workers) > n {
		last := len(m.workers) - 1
		m.workers[last]()
		m.workers = m.workers[:last]
	}
	obs.Logger.Info("sale_workers_scaled", "worker_count", len(m.workers), "backlog_size", m.q.BacklogSize())
}

// work pushes sales until ctx ends. A sale already taken off the channel is
// finished even if the worker is scaled down meanwhile.
func (m *Manager) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.q.Out():
			m.push(context.WithoutCancel(ctx), ev)
		}
	}
}

func (m *Manager) push(ctx context.Context, ev model.SaleEvent) {
	defer m.q.MarkProcessed()
	run, err := m.handler.PushSale(ctx, ev)
	switch {
	case err != nil:
		m.q.MarkFailed()
		obs.Logger.Warn("sale_rejected", "sale_id", ev.ID, "order_id", ev.OrderID, "seq", ev.Sequence, "err", err.Error())
	case run.ItemsFailed > 0:
		m.q.MarkFailed()
		obs.Logger.Warn("sale_partially_pushed", "sale_id", ev.ID, "order_id", ev.OrderID, "seq", ev.Sequence, "run_id", run.ID, "items_failed", run.ItemsFailed)
	default:
		obs.Logger.Info("sale_pushed", "sale_id", ev.ID, "order_id", ev.OrderID, "seq", ev.Sequence, "run_id", run.ID, "items_processed", run.ItemsProcessed)
	}
}

// Enqueue stamps the sale with the next sequence number and queues it.
func (m *Manager) Enqueue(ev model.SaleEvent) (model.SaleEvent, bool) {
	ev.Sequence = m.seq.Next()
	return ev, m.q.Enqueue(ev)
}

// BacklogSize returns sales not yet handed to a worker.
func (m *Manager) BacklogSize() int { return m.q.BacklogSize() }

// QueueDepth returns backlog plus sales buffered for workers.
func (m *Manager) QueueDepth() int { return m.q.QueueDepth() }

// OldestWait reports how long the oldest backlog sale has waited.
func (m *Manager) OldestWait() time.Duration { return m.q.OldestWait() }

// WorkerCount returns the number of running workers.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

func (m *Manager) IsShuttingDown() bool { return m.q.IsShuttingDown() }

func (m *Manager) CloseIntake() { m.q.CloseIntake() }

func (m *Manager) QueueMetrics() (enq, proc uint64, backlog, depth int) {
	return m.q.Metrics()
}

// FailedSales returns how many sales were rejected or partially pushed.
func (m *Manager) FailedSales() uint64 { return m.q.Failed() }

// DrainUntil blocks until every accepted sale has been handled. It returns
// false if ctx ends first.
func (m *Manager) DrainUntil(ctx context.Context) bool {
	t := time.NewTicker(brokerPoll)
	defer t.Stop()
	for {
		enq, proc, _, depth := m.q.Metrics()
		if depth == 0 && enq == proc {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}
