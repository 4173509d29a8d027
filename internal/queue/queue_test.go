package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/midastechnical/storefront-sync/internal/config"
	"github.com/midastechnical/storefront-sync/internal/model"
	"github.com/midastechnical/storefront-sync/internal/obs"
)

func sale(i int) model.SaleEvent {
	return model.SaleEvent{
		ID:      fmt.Sprintf("ev-%d", i),
		OrderID: fmt.Sprintf("web-%d", i),
		Lines:   []model.SaleLine{{ExternalID: "rd-1", Quantity: 1}},
	}
}

type recordingHandler struct {
	mu    sync.Mutex
	seen  []model.SaleEvent
	delay time.Duration
	fail  func(model.SaleEvent) (int, error)
}

func (h *recordingHandler) PushSale(ctx context.Context, ev model.SaleEvent) (model.SyncRun, error) {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.seen = append(h.seen, ev)
	h.mu.Unlock()
	run := model.SyncRun{ID: "run-" + ev.ID, Source: model.SourcePush, State: model.StateCompleted}
	if h.fail != nil {
		n, err := h.fail(ev)
		run.ItemsFailed = n
		return run, err
	}
	return run, nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func salesCfg() config.Sales {
	return config.Sales{
		QueueBuffer:             16,
		InitialWorkerCount:      2,
		WorkerMin:               1,
		WorkerMax:               4,
		ScaleInterval:           50 * time.Millisecond,
		ScaleUpBacklogPerWorker: 50,
		ScaleDownIdleTicks:      6,
	}
}

func TestQueueNonBlockingEnqueue(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, 0)
	for i := 0; i < 1000; i++ {
		if ok := q.Enqueue(sale(i)); !ok {
			t.Fatalf("enqueue failed at %d", i)
		}
	}
	if q.BacklogSize() == 0 {
		t.Fatalf("expected backlog > 0")
	}
}

func TestQueueShutdownIntake(t *testing.T) {
	q := New(1)
	q.CloseIntake()
	if !q.IsShuttingDown() {
		t.Fatalf("expected shutting down true")
	}
	if ok := q.Enqueue(sale(1)); ok {
		t.Fatalf("expected enqueue false when shutting down")
	}
}

func TestManagerDrainPushesEverySale(t *testing.T) {
	h := &recordingHandler{}
	mgr := NewManager(salesCfg(), New(16), h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)
	defer mgr.Stop()
	for i := 0; i < 100; i++ {
		if _, ok := mgr.Enqueue(sale(i)); !ok {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	ctxDrain, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDrain()
	if ok := mgr.DrainUntil(ctxDrain); !ok {
		t.Fatalf("expected drain true")
	}
	if got := h.count(); got != 100 {
		t.Fatalf("expected 100 pushed sales, got %d", got)
	}
	if mgr.FailedSales() != 0 {
		t.Fatalf("expected no failed sales, got %d", mgr.FailedSales())
	}
}

func TestManagerEnqueueStampsSequence(t *testing.T) {
	mgr := NewManager(salesCfg(), New(4), &recordingHandler{})
	a, _ := mgr.Enqueue(sale(1))
	b, _ := mgr.Enqueue(sale(2))
	if a.Sequence != 1 || b.Sequence != 2 {
		t.Fatalf("unexpected sequences %d %d", a.Sequence, b.Sequence)
	}
}

func TestManagerCountsFailedSales(t *testing.T) {
	h := &recordingHandler{fail: func(ev model.SaleEvent) (int, error) {
		switch ev.ID {
		case "ev-1":
			return 1, nil
		case "ev-2":
			return 0, errors.New("invalid sale")
		}
		return 0, nil
	}}
	mgr := NewManager(salesCfg(), New(4), h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)
	defer mgr.Stop()
	for i := 0; i < 4; i++ {
		mgr.Enqueue(sale(i))
	}
	ctxDrain, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDrain()
	if !mgr.DrainUntil(ctxDrain) {
		t.Fatalf("drain timeout")
	}
	if got := mgr.FailedSales(); got != 2 {
		t.Fatalf("expected 2 failed sales, got %d", got)
	}
}

func TestQueueOldestWait(t *testing.T) {
	q := New(1)
	if got := q.OldestWait(); got != 0 {
		t.Fatalf("expected zero wait on empty backlog, got %v", got)
	}
	q.Enqueue(sale(1))
	time.Sleep(20 * time.Millisecond)
	if got := q.OldestWait(); got < 20*time.Millisecond {
		t.Fatalf("expected wait >= 20ms, got %v", got)
	}
	if moved := q.shift(); moved != 1 {
		t.Fatalf("expected one sale moved, got %d", moved)
	}
	if got := q.OldestWait(); got != 0 {
		t.Fatalf("expected zero wait after shift, got %v", got)
	}
	if depth := q.QueueDepth(); depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}
}

type fixedRunHandler struct{ run model.SyncRun }

func (h fixedRunHandler) PushSale(ctx context.Context, ev model.SaleEvent) (model.SyncRun, error) {
	return h.run, nil
}

func TestManagerLogsProcessedLines(t *testing.T) {
	prev := obs.Logger
	t.Cleanup(func() { obs.Logger = prev })
	var buf bytes.Buffer
	obs.InitLoggerTo(&buf, "info")

	h := fixedRunHandler{run: model.SyncRun{ID: "run-1", State: model.StateCompleted, ItemsSeen: 2, ItemsProcessed: 2}}
	mgr := NewManager(salesCfg(), New(1), h)
	mgr.push(context.Background(), sale(1))

	var line struct {
		Msg            string `json:"msg"`
		ItemsProcessed int    `json:"items_processed"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line.Msg != "sale_pushed" || line.ItemsProcessed != 2 {
		t.Fatalf("unexpected log line %s", buf.String())
	}
	if enq, proc, _, _ := mgr.QueueMetrics(); enq != 0 || proc != 1 {
		t.Fatalf("expected one processed sale, got enq=%d proc=%d", enq, proc)
	}
}
