// Package syncer reconciles the local product table with RepairDesk: a pull
// state machine that imports remote inventory and a push path that writes
// post-sale stock decrements back.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/midastechnical/storefront-sync/internal/config"
	"github.com/midastechnical/storefront-sync/internal/model"
	"github.com/midastechnical/storefront-sync/internal/obs"
	"github.com/midastechnical/storefront-sync/internal/repairdesk"
	"github.com/midastechnical/storefront-sync/internal/runlog"
)

var (
	// ErrRunInProgress is returned when a pull is requested while another is active.
	ErrRunInProgress = errors.New("sync run already in progress")
	// ErrPullFailed wraps the cause of a run that ended FAILED.
	ErrPullFailed = errors.New("sync pull failed")
	// ErrPageCapExceeded is returned when the remote keeps returning full pages past SYNC_MAX_PAGES.
	ErrPageCapExceeded = errors.New("remote inventory exceeds page cap")
)

// Remote is the part of the RepairDesk client the engine uses.
type Remote interface {
	ListInventory(ctx context.Context, page, pageSize int) ([]model.RemoteItem, error)
	GetInventoryItem(ctx context.Context, externalID string) (model.RemoteItem, error)
	UpdateInventoryItem(ctx context.Context, externalID string, upd repairdesk.InventoryUpdate) (model.RemoteItem, error)
	CreateOrder(ctx context.Context, o repairdesk.Order) (repairdesk.CreatedOrder, error)
}

// Products is the local product table.
type Products interface {
	GetByExternalID(ctx context.Context, externalID string) (model.Product, bool, error)
	ListLinked(ctx context.Context) ([]model.Product, error)
	UpsertByExternalID(ctx context.Context, p model.Product) (model.Product, error)
	SetStockByExternalID(ctx context.Context, externalID string, stock int64) (model.Product, error)
}

// Locker extends the single-run guard across processes.
type Locker interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// Status is a snapshot for operators.
type Status struct {
	Running bool            `json:"running"`
	State   model.SyncState `json:"state"`
	Current *model.SyncRun  `json:"current,omitempty"`
	Last    *model.SyncRun  `json:"last,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker adds a cross-process lock on top of the in-process guard.
func WithLocker(l Locker) Option { return func(e *Engine) { e.lock = l } }

// WithOrderMirroring creates a RepairDesk order for every pushed sale.
func WithOrderMirroring(on bool) Option { return func(e *Engine) { e.mirrorOrders = on } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Engine runs pull and push syncs. At most one pull runs at a time.
type Engine struct {
	remote   Remote
	products Products
	runs     runlog.Log
	cfg      config.Sync

	lock         Locker
	mirrorOrders bool
	now          func() time.Time

	running atomic.Bool
	mu      sync.RWMutex
	current *model.SyncRun
	last    *model.SyncRun

	pulls      atomic.Uint64
	pullFails  atomic.Uint64
	pushes     atomic.Uint64
	pushFails  atomic.Uint64
	clampCount atomic.Uint64
}

func New(remote Remote, products Products, runs runlog.Log, cfg config.Sync, opts ...Option) *Engine {
	if cfg.PageSize <= 0 || cfg.PageSize > config.MaxPageSize {
		cfg.PageSize = config.MaxPageSize
	}
	if cfg.ApplyConcurrency <= 0 {
		cfg.ApplyConcurrency = 1
	}
	e := &Engine{remote: remote, products: products, runs: runs, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Status reports whether a pull is running and the last finalized pull.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Status{Running: e.running.Load(), State: model.StateIdle}
	if e.current != nil {
		c := *e.current
		st.Current = &c
		st.State = c.State
	}
	if e.last != nil {
		l := *e.last
		st.Last = &l
	}
	return st
}

// Running reports whether a pull is in flight in this process.
func (e *Engine) Running() bool { return e.running.Load() }

// Metrics returns run counters for observability.
func (e *Engine) Metrics() (pulls, pullFails, pushes, pushFails, clamped uint64) {
	return e.pulls.Load(), e.pullFails.Load(), e.pushes.Load(), e.pushFails.Load(), e.clampCount.Load()
}

func (e *Engine) setState(run *model.SyncRun, s model.SyncState) {
	e.mu.Lock()
	run.State = s
	c := *run
	e.current = &c
	e.mu.Unlock()
	obs.Logger.Info("sync_state", "run_id", run.ID, "state", string(s))
}

// Pull runs one full pull: PULLING, DIFFING, APPLYING, then COMPLETED or
// FAILED. The finalized run is written to the run log either way. A FAILED
// run is returned together with an error wrapping ErrPullFailed.
func (e *Engine) Pull(ctx context.Context, trigger string) (model.SyncRun, error) {
	if !e.running.CompareAndSwap(false, true) {
		return model.SyncRun{}, ErrRunInProgress
	}
	defer e.running.Store(false)
	if e.lock != nil {
		release, ok, err := e.lock.Acquire(ctx)
		if err != nil {
			return model.SyncRun{}, fmt.Errorf("acquire sync lock: %w", err)
		}
		if !ok {
			return model.SyncRun{}, ErrRunInProgress
		}
		defer release()
	}

	ctx, span := obs.Tracer("syncer").Start(ctx, "sync.pull")
	defer span.End()

	run := model.SyncRun{
		ID:        uuid.NewString(),
		Source:    model.SourcePull,
		Trigger:   trigger,
		State:     model.StateIdle,
		StartedAt: e.now().UTC(),
		Errors:    []model.SyncError{},
	}
	span.SetAttributes(attribute.String("sync.run_id", run.ID), attribute.String("sync.trigger", trigger))
	if err := e.runs.Begin(ctx, run); err != nil {
		obs.Logger.Warn("sync_marker_failed", "run_id", run.ID, "err", err.Error())
	}
	obs.Logger.Info("sync_started", "run_id", run.ID, "trigger", trigger)

	e.setState(&run, model.StatePulling)
	remote, err := e.fetchAll(ctx, &run)
	if err != nil {
		return e.fail(ctx, run, err)
	}

	e.setState(&run, model.StateDiffing)
	p, err := e.diff(ctx, remote)
	if err != nil {
		return e.fail(ctx, run, fmt.Errorf("load local products: %w", err))
	}
	run.ItemsSeen = len(p.changes) + p.unchanged
	run.ItemsUnchanged = p.unchanged
	for _, d := range p.duplicates {
		run.Errors = append(run.Errors, model.SyncError{ExternalID: d, Reason: "duplicate id in remote inventory; first occurrence kept"})
	}

	e.setState(&run, model.StateApplying)
	e.apply(ctx, &run, p.changes)
	span.SetAttributes(
		attribute.Int("sync.items_processed", run.ItemsProcessed),
		attribute.Int("sync.items_failed", run.ItemsFailed),
	)

	// interrupted by shutdown: the snapshot is incomplete
	if ctx.Err() != nil {
		return e.fail(ctx, run, fmt.Errorf("interrupted during apply: %w", ctx.Err()))
	}
	run.State = model.StateCompleted
	run = e.finalize(ctx, run)
	e.pulls.Add(1)
	return run, nil
}

func (e *Engine) fail(ctx context.Context, run model.SyncRun, cause error) (model.SyncRun, error) {
	run.State = model.StateFailed
	run.FailureReason = cause.Error()
	run = e.finalize(ctx, run)
	e.pullFails.Add(1)
	span := trace.SpanFromContext(ctx)
	span.RecordError(cause)
	span.SetStatus(codes.Error, "sync failed")
	return run, fmt.Errorf("%w: %w", ErrPullFailed, cause)
}

// finalize persists the terminal run. It uses a context detached from
// cancellation so a shutdown still leaves a record.
func (e *Engine) finalize(ctx context.Context, run model.SyncRun) model.SyncRun {
	run.FinishedAt = e.now().UTC()
	e.mu.Lock()
	e.current = nil
	last := run
	e.last = &last
	e.mu.Unlock()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.runs.Finish(wctx, run); err != nil {
		obs.Logger.Error("sync_runlog_write_failed", "run_id", run.ID, "err", err.Error())
	}
	obs.Logger.Info("sync_finished",
		"run_id", run.ID,
		"source", string(run.Source),
		"state", string(run.State),
		"pages", run.PagesFetched,
		"items_seen", run.ItemsSeen,
		"items_processed", run.ItemsProcessed,
		"items_failed", run.ItemsFailed,
		"items_unchanged", run.ItemsUnchanged,
		"failure_reason", run.FailureReason,
		"duration_ms", run.FinishedAt.Sub(run.StartedAt).Milliseconds(),
	)
	return run
}

// fetchAll pulls pages sequentially until a short page. Each page is retried
// with backoff; exhausting the attempts fails the run.
func (e *Engine) fetchAll(ctx context.Context, run *model.SyncRun) ([]model.RemoteItem, error) {
	policy := retryPolicy{
		attempts:  e.cfg.PageAttempts,
		initial:   e.cfg.BackoffInitial,
		max:       e.cfg.BackoffMax,
		retryable: repairdesk.IsRetryable,
	}
	var all []model.RemoteItem
	for page := 1; ; page++ {
		if e.cfg.MaxPages > 0 && page > e.cfg.MaxPages {
			return nil, fmt.Errorf("%w: %d pages of %d", ErrPageCapExceeded, e.cfg.MaxPages, e.cfg.PageSize)
		}
		items, err := withRetry(ctx, policy, "list_inventory", func() ([]model.RemoteItem, error) {
			return e.remote.ListInventory(ctx, page, e.cfg.PageSize)
		})
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		run.PagesFetched++
		all = append(all, items...)
		obs.Logger.Debug("sync_page_fetched", "run_id", run.ID, "page", page, "items", len(items))
		if len(items) < e.cfg.PageSize {
			return all, nil
		}
	}
}

type itemResult struct {
	ok  bool
	err error
}

// apply writes every change with bounded concurrency. Each write is retried on
// its own; a failure is recorded and the rest continue.
func (e *Engine) apply(ctx context.Context, run *model.SyncRun, changes []change) {
	results := make([]itemResult, len(changes))
	policy := retryPolicy{
		attempts:  e.cfg.ItemAttempts,
		initial:   e.cfg.BackoffInitial,
		max:       e.cfg.BackoffMax,
		retryable: localRetryable,
	}
	var g errgroup.Group
	g.SetLimit(e.cfg.ApplyConcurrency)
	for i, c := range changes {
		g.Go(func() error {
			_, err := withRetry(ctx, policy, "upsert_product", func() (model.Product, error) {
				return e.products.UpsertByExternalID(ctx, c.product())
			})
			results[i] = itemResult{ok: err == nil, err: err}
			return nil
		})
	}
	_ = g.Wait()

	// results are indexed by remote order, so errors come out in that order
	for i, r := range results {
		c := changes[i]
		if r.ok {
			run.ItemsProcessed++
			if c.kind == changeInsert {
				run.ItemsInserted++
			} else {
				run.ItemsUpdated++
			}
			continue
		}
		run.ItemsFailed++
		run.Errors = append(run.Errors, model.SyncError{ExternalID: c.remote.ID, Reason: r.err.Error()})
		obs.Logger.Warn("sync_item_failed", "run_id", run.ID, "external_id", c.remote.ID, "err", r.err.Error())
	}
}

// RecoverAbandoned finalizes as FAILED a pull that was still marked in flight
// when the previous process stopped.
func (e *Engine) RecoverAbandoned(ctx context.Context) (model.SyncRun, bool, error) {
	if e.running.Load() {
		return model.SyncRun{}, false, nil
	}
	run, ok, err := e.runs.InFlight(ctx)
	if err != nil || !ok {
		return model.SyncRun{}, false, err
	}
	run.State = model.StateFailed
	run.FailureReason = "aborted: process exited before completion"
	run.FinishedAt = e.now().UTC()
	if err := e.runs.Finish(ctx, run); err != nil {
		return run, true, err
	}
	e.mu.Lock()
	last := run
	e.last = &last
	e.mu.Unlock()
	obs.Logger.Warn("sync_run_abandoned", "run_id", run.ID, "started_at", run.StartedAt)
	return run, true, nil
}
