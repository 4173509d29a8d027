package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/midastechnical/storefront-sync/internal/cart"
	"github.com/midastechnical/storefront-sync/internal/config"
	httpopenapi "github.com/midastechnical/storefront-sync/internal/http/openapi"
	"github.com/midastechnical/storefront-sync/internal/model"
	"github.com/midastechnical/storefront-sync/internal/obs"
	"github.com/midastechnical/storefront-sync/internal/queue"
	"github.com/midastechnical/storefront-sync/internal/runlog"
	"github.com/midastechnical/storefront-sync/internal/store"
	"github.com/midastechnical/storefront-sync/internal/syncer"
)

// Catalog is the local product table as seen by the API.
type Catalog interface {
	Get(ctx context.Context, id string) (model.Product, bool, error)
	Create(ctx context.Context, p model.Product) (model.Product, error)
	Deactivate(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
}

// CartBackends hands out the persistence slot for a cart key.
type CartBackends interface {
	For(key string) cart.Backend
}

// Deps are the collaborators served by the API.
type Deps struct {
	Products Catalog
	Engine   *syncer.Engine
	Runs     runlog.Log
	Sales    *queue.Manager
	Carts    CartBackends
}

type App struct {
	Cfg       config.Config
	Products  Catalog
	Engine    *syncer.Engine
	Runs      runlog.Log
	Manager   *queue.Manager
	Carts     CartBackends
	validator cart.Validator
	shipping  cart.ShippingPolicy
	closing   atomic.Bool
	started   time.Time

	// manual pulls outlive the request that started them
	bg       context.Context
	cancelBg context.CancelFunc
	pulls    sync.WaitGroup
}

func NewApp(cfg config.Config, d Deps) *App {
	bg, cancel := context.WithCancel(context.Background())
	return &App{
		Cfg:      cfg,
		Products: d.Products,
		Engine:   d.Engine,
		Runs:     d.Runs,
		Manager:  d.Sales,
		Carts:    d.Carts,
		validator: cart.Validator{
			PlaceholderImage: cfg.Cart.PlaceholderImage,
			LenientPrice:     cfg.Cart.LenientPrice,
		},
		shipping: cart.ShippingPolicy{
			FreeThreshold: cfg.Cart.FreeShippingThreshold,
			FlatFee:       cfg.Cart.FlatShippingFee,
		},
		started:  time.Now(),
		bg:       bg,
		cancelBg: cancel,
	}
}

// StartShutdown rejects new sales and manual pulls.
func (a *App) StartShutdown() {
	a.closing.Store(true)
	a.Manager.CloseIntake()
}

// WaitPulls waits for manual pulls started over HTTP. When ctx expires first
// the pulls are cancelled and recorded as FAILED.
func (a *App) WaitPulls(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		a.pulls.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		a.cancelBg()
		<-done
		return false
	}
}

type saleAck struct {
	Status      string `json:"status"`
	RequestID   string `json:"request_id"`
	Sequence    uint64 `json:"sequence"`
	SaleID      string `json:"sale_id"`
	OrderID     string `json:"order_id,omitempty"`
	Lines       int    `json:"lines"`
	ReceivedAt  string `json:"received_at"`
	QueueDepth  int    `json:"queue_depth"`
	BacklogSize int    `json:"backlog_size"`
	WorkerCount int    `json:"worker_count"`
}

func (a *App) postSaleHandler(w http.ResponseWriter, r *http.Request) {
	if a.closing.Load() || a.Manager.IsShuttingDown() {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return
	}
	var ev model.SaleEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	if len(ev.Lines) == 0 {
		WriteJSONError(w, http.StatusBadRequest, validationFailed, "lines must not be empty")
		return
	}
	for _, l := range ev.Lines {
		if strings.TrimSpace(l.ExternalID) == "" {
			WriteJSONError(w, http.StatusBadRequest, validationFailed, "external_id is required")
			return
		}
		if l.Quantity <= 0 {
			WriteJSONError(w, http.StatusBadRequest, validationFailed, "quantity must be > 0")
			return
		}
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev, ok := a.Manager.Enqueue(ev)
	if !ok {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return
	}
	ac := saleAck{
		Status:      "accepted",
		RequestID:   RequestIDFromContext(r.Context()),
		Sequence:    ev.Sequence,
		SaleID:      ev.ID,
		OrderID:     ev.OrderID,
		Lines:       len(ev.Lines),
		ReceivedAt:  time.Now().UTC().Format(time.RFC3339),
		QueueDepth:  a.Manager.QueueDepth(),
		BacklogSize: a.Manager.BacklogSize(),
		WorkerCount: a.Manager.WorkerCount(),
	}
	writeJSON(w, http.StatusAccepted, ac)
	obs.Logger.Info("sale_accepted",
		"request_id", ac.RequestID,
		"sequence", ac.Sequence,
		"sale_id", ac.SaleID,
		"order_id", ac.OrderID,
		"queue_depth", ac.QueueDepth,
		"backlog_size", ac.BacklogSize,
		"worker_count", ac.WorkerCount,
	)
}

func (a *App) postSyncHandler(w http.ResponseWriter, r *http.Request) {
	if a.closing.Load() {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return
	}
	if a.Engine.Running() {
		WriteJSONError(w, http.StatusConflict, "sync_in_progress", syncer.ErrRunInProgress.Error())
		return
	}
	reqID := RequestIDFromContext(r.Context())
	a.pulls.Add(1)
	go func() {
		defer a.pulls.Done()
		run, err := a.Engine.Pull(a.bg, "manual")
		if err != nil {
			obs.Logger.Warn("manual_sync_finished", "request_id", reqID, "run_id", run.ID, "err", err.Error())
			return
		}
		obs.Logger.Info("manual_sync_finished", "request_id", reqID, "run_id", run.ID, "items_failed", run.ItemsFailed)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "request_id": reqID})
}

func (a *App) syncStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Engine.Status())
}

func (a *App) syncRunsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteJSONError(w, http.StatusBadRequest, validationFailed, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if ceiling := a.Cfg.Sync.RunLogLimit; ceiling > 0 && limit > ceiling {
		limit = ceiling
	}
	runs, err := a.Runs.Recent(r.Context(), limit)
	if err != nil {
		WriteJSONError(w, http.StatusServiceUnavailable, "run_log_unavailable", err.Error())
		return
	}
	if runs == nil {
		runs = []model.SyncRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type productInput struct {
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Price         cart.RawPrice `json:"price"`
	StockQuantity int64         `json:"stock_quantity"`
	SKU           string        `json:"sku"`
	ExternalID    *string       `json:"external_id"`
}

func (a *App) createProductHandler(w http.ResponseWriter, r *http.Request) {
	var in productInput
	if !decodeBody(w, r, &in) {
		return
	}
	name := cart.Sanitize(in.Name)
	if name == "" {
		WriteJSONError(w, http.StatusBadRequest, validationFailed, "name is required")
		return
	}
	price, err := cart.ParsePrice(string(in.Price))
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, validationFailed, err.Error())
		return
	}
	if in.StockQuantity < 0 {
		WriteJSONError(w, http.StatusBadRequest, validationFailed, "stock_quantity must be >= 0")
		return
	}
	if in.ExternalID != nil && strings.TrimSpace(*in.ExternalID) == "" {
		in.ExternalID = nil
	}
	p, err := a.Products.Create(r.Context(), model.Product{
		Name:          name,
		Description:   cart.Sanitize(in.Description),
		Price:         price.Round(2),
		StockQuantity: in.StockQuantity,
		SKU:           strings.TrimSpace(in.SKU),
		ExternalID:    in.ExternalID,
		Active:        true,
	})
	if errors.Is(err, store.ErrExternalIDTaken) {
		WriteJSONError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	if err != nil {
		WriteJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	obs.Logger.Info("product_created", "product_id", p.ID, "linked", p.HasExternalID())
	writeJSON(w, http.StatusCreated, p)
}

func (a *App) getProductHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteJSONError(w, http.StatusNotFound, "not_found", "")
		return
	}
	p, ok, err := a.Products.Get(r.Context(), id)
	if err != nil {
		WriteJSONError(w, http.StatusServiceUnavailable, "product_store_unavailable", err.Error())
		return
	}
	if !ok {
		WriteJSONError(w, http.StatusNotFound, "not_found", "")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) deactivateProductHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := a.Products.Deactivate(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		WriteJSONError(w, http.StatusNotFound, "not_found", "")
		return
	}
	if err != nil {
		WriteJSONError(w, http.StatusServiceUnavailable, "product_store_unavailable", err.Error())
		return
	}
	obs.Logger.Info("product_deactivated", "product_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := a.Products.Ping(r.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func (a *App) metricsHandler(w http.ResponseWriter, r *http.Request) {
	enq, proc, backlog, depth := a.Manager.QueueMetrics()
	pulls, pullFails, pushes, pushFails, clamped := a.Engine.Metrics()
	m := map[string]any{
		"sales_enqueued":  enq,
		"sales_processed": proc,
		"sales_failed":    a.Manager.FailedSales(),
		"backlog_size":    backlog,
		"queue_depth":     depth,
		"worker_count":    a.Manager.WorkerCount(),
		"oldest_wait_ms":  a.Manager.OldestWait().Milliseconds(),
		"sync_pulls":      pulls,
		"sync_pull_fails": pullFails,
		"sync_pushes":     pushes,
		"sync_push_fails": pushFails,
		"stock_clamped":   clamped,
		"sync_running":    a.Engine.Running(),
		"uptime_sec":      time.Since(a.started).Seconds(),
	}
	if n, err := a.Products.Count(r.Context()); err == nil {
		m["products"] = n
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *App) openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(httpopenapi.YAML)
}

func (a *App) docsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	html := `<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>Midas Sync API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        url: '/openapi.yaml',
        dom_id: '#swagger-ui'
      });
    </script>
  </body>
</html>`
	_, _ = w.Write([]byte(html))
}

// catalogPrices prices cart lines from active local products.
type catalogPrices struct{ products Catalog }

func (c catalogPrices) UnitPrice(ctx context.Context, productID string) (decimal.Decimal, bool, error) {
	p, ok, err := c.products.Get(ctx, productID)
	if err != nil || !ok || !p.Active {
		return decimal.Zero, false, err
	}
	return p.Price, true, nil
}
