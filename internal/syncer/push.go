package syncer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/midastechnical/storefront-sync/internal/model"
	"github.com/midastechnical/storefront-sync/internal/obs"
	"github.com/midastechnical/storefront-sync/internal/repairdesk"
	"github.com/midastechnical/storefront-sync/internal/store"
)

// ErrInvalidSale is returned for sale events or lines that cannot be pushed.
var ErrInvalidSale = errors.New("invalid sale")

// Decrement is the outcome of one pushed stock decrement.
type Decrement struct {
	ExternalID string `json:"external_id"`
	Previous   int64  `json:"previous"`
	Stock      int64  `json:"stock"`
	Clamped    bool   `json:"clamped"`
}

// PushDecrement subtracts sold from the remote stock of externalID, floored at
// zero, then mirrors the new level locally.
//
// The read and the write are two calls; a sale on another channel in between
// is lost. RepairDesk is the authority and this is accepted. Failures are
// logged and returned, never retried here.
func (e *Engine) PushDecrement(ctx context.Context, externalID string, sold int64) (Decrement, error) {
	if externalID == "" || sold <= 0 {
		return Decrement{}, fmt.Errorf("%w: external id %q, quantity %d", ErrInvalidSale, externalID, sold)
	}
	ctx, span := obs.Tracer("syncer").Start(ctx, "sync.push_decrement")
	defer span.End()
	span.SetAttributes(attribute.String("sync.external_id", externalID), attribute.Int64("sync.sold", sold))

	cur, err := e.remote.GetInventoryItem(ctx, externalID)
	if err != nil {
		obs.Logger.Warn("push_decrement_abandoned", "external_id", externalID, "phase", "read", "err", err.Error())
		span.RecordError(err)
		return Decrement{}, fmt.Errorf("read remote stock: %w", err)
	}
	d := Decrement{ExternalID: externalID, Previous: cur.InStock}
	avail := max(cur.InStock, 0)
	if sold > avail {
		d.Clamped = true
	} else {
		d.Stock = avail - sold
	}
	if d.Clamped {
		e.clampCount.Add(1)
		obs.Logger.Warn("push_decrement_clamped", "external_id", externalID, "stock", cur.InStock, "sold", sold)
	}
	if _, err := e.remote.UpdateInventoryItem(ctx, externalID, repairdesk.InventoryUpdate{InStock: d.Stock}); err != nil {
		obs.Logger.Warn("push_decrement_abandoned", "external_id", externalID, "phase", "write", "err", err.Error())
		span.RecordError(err)
		return Decrement{}, fmt.Errorf("write remote stock: %w", err)
	}

	if _, err := e.products.SetStockByExternalID(ctx, externalID, d.Stock); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			obs.Logger.Warn("push_local_stock_failed", "external_id", externalID, "err", err.Error())
			return d, fmt.Errorf("write local stock: %w", err)
		}
		// not imported yet; the next pull brings it in
		obs.Logger.Info("push_local_product_missing", "external_id", externalID)
	}
	obs.Logger.Info("push_decrement", "external_id", externalID, "previous", d.Previous, "stock", d.Stock, "clamped", d.Clamped)
	return d, nil
}

// PushSale pushes every line of a completed sale and records the outcome as a
// push run. Line failures are recorded on the run and do not fail the sale.
func (e *Engine) PushSale(ctx context.Context, ev model.SaleEvent) (model.SyncRun, error) {
	if len(ev.Lines) == 0 {
		return model.SyncRun{}, fmt.Errorf("%w: sale %s has no lines", ErrInvalidSale, ev.ID)
	}
	run := model.SyncRun{
		ID:        uuid.NewString(),
		Source:    model.SourcePush,
		Trigger:   "sale:" + ev.OrderID,
		State:     model.StateApplying,
		StartedAt: e.now().UTC(),
		Errors:    []model.SyncError{},
	}
	lines, err := mergeLines(ev.Lines)
	if err != nil {
		return model.SyncRun{}, fmt.Errorf("%w: sale %s: %w", ErrInvalidSale, ev.ID, err)
	}
	run.ItemsSeen = len(lines)
	for _, l := range lines {
		if _, err := e.PushDecrement(ctx, l.ExternalID, l.Quantity); err != nil {
			run.ItemsFailed++
			run.Errors = append(run.Errors, model.SyncError{ExternalID: l.ExternalID, Reason: err.Error()})
			continue
		}
		run.ItemsProcessed++
	}
	if e.mirrorOrders {
		if err := e.mirrorOrder(ctx, ev.OrderID, lines); err != nil {
			run.Errors = append(run.Errors, model.SyncError{ExternalID: "order:" + ev.OrderID, Reason: err.Error()})
		}
	}

	run.State = model.StateCompleted
	run.FinishedAt = e.now().UTC()
	e.pushes.Add(1)
	if run.ItemsFailed > 0 {
		e.pushFails.Add(1)
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.runs.Finish(wctx, run); err != nil {
		obs.Logger.Error("sync_runlog_write_failed", "run_id", run.ID, "err", err.Error())
	}
	obs.Logger.Info("sync_finished",
		"run_id", run.ID,
		"source", string(run.Source),
		"state", string(run.State),
		"order_id", ev.OrderID,
		"items_processed", run.ItemsProcessed,
		"items_failed", run.ItemsFailed,
	)
	return run, nil
}

func (e *Engine) mirrorOrder(ctx context.Context, orderID string, lines []model.SaleLine) error {
	o := repairdesk.Order{Reference: orderID}
	for _, l := range lines {
		ol := repairdesk.OrderLine{ItemID: l.ExternalID, Quantity: l.Quantity}
		if p, ok, err := e.products.GetByExternalID(ctx, l.ExternalID); err == nil && ok {
			ol.UnitPrice = p.Price
		}
		o.Items = append(o.Items, ol)
	}
	created, err := e.remote.CreateOrder(ctx, o)
	if err != nil {
		obs.Logger.Warn("order_mirror_failed", "order_id", orderID, "err", err.Error())
		return err
	}
	obs.Logger.Info("order_mirrored", "order_id", orderID, "remote_order_id", created.ID)
	return nil
}

// mergeLines sums quantities per external id, keeping first-seen order. Sums
// that do not fit in an int64 are rejected.
func mergeLines(lines []model.SaleLine) ([]model.SaleLine, error) {
	idx := make(map[string]int, len(lines))
	out := make([]model.SaleLine, 0, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("line %s: quantity %d", l.ExternalID, l.Quantity)
		}
		if i, ok := idx[l.ExternalID]; ok {
			if out[i].Quantity > math.MaxInt64-l.Quantity {
				return nil, fmt.Errorf("line %s: merged quantity overflows", l.ExternalID)
			}
			out[i].Quantity += l.Quantity
			continue
		}
		idx[l.ExternalID] = len(out)
		out = append(out, l)
	}
	return out, nil
}
