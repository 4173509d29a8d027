// Package store holds the local product table that the sync engine reconciles
// against RepairDesk. Memory is used in tests and single-node setups; Gorm
// persists to Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/midastechnical/storefront-sync/internal/model"
	"github.com/midastechnical/storefront-sync/internal/obs"
)

// ErrNotFound is returned when a product does not exist.
var ErrNotFound = errors.New("product not found")

// ErrMissingExternalID is returned by UpsertByExternalID for unlinked products.
var ErrMissingExternalID = errors.New("product has no external id")

// ErrExternalIDTaken is returned by Create when another product already holds the external id.
var ErrExternalIDTaken = errors.New("external id already linked")

// Store is the product table used by the sync engine, the API and maintenance.
type Store interface {
	Get(ctx context.Context, id string) (model.Product, bool, error)
	GetByExternalID(ctx context.Context, externalID string) (model.Product, bool, error)
	List(ctx context.Context) ([]model.Product, error)
	ListLinked(ctx context.Context) ([]model.Product, error)
	Count(ctx context.Context) (int, error)
	Create(ctx context.Context, p model.Product) (model.Product, error)
	UpsertByExternalID(ctx context.Context, p model.Product) (model.Product, error)
	SetStockByExternalID(ctx context.Context, externalID string, stock int64) (model.Product, error)
	Deactivate(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Gorm)(nil)
)

type productState struct {
	p model.Product
}

// Memory is an in-process product table with a unique external id index.
type Memory struct {
	mu    sync.RWMutex
	m     map[string]productState
	byExt map[string]string
	now   func() time.Time
}

func New() *Memory {
	return &Memory{m: make(map[string]productState), byExt: make(map[string]string), now: time.Now}
}

func (s *Memory) Get(ctx context.Context, id string) (model.Product, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.m[id]
	if !ok {
		return model.Product{}, false, nil
	}
	return clone(st.p), true, nil
}

func (s *Memory) GetByExternalID(ctx context.Context, externalID string) (model.Product, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExt[externalID]
	if !ok {
		return model.Product{}, false, nil
	}
	return clone(s.m[id].p), true, nil
}

func (s *Memory) List(ctx context.Context) ([]model.Product, error) {
	return s.list(func(model.Product) bool { return true }), nil
}

func (s *Memory) ListLinked(ctx context.Context) ([]model.Product, error) {
	return s.list(model.Product.HasExternalID), nil
}

func (s *Memory) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m), nil
}

func (s *Memory) list(keep func(model.Product) bool) []model.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Product, 0, len(s.m))
	for _, st := range s.m {
		if keep(st.p) {
			out = append(out, clone(st.p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Create inserts a product. Products without an id get a generated one.
func (s *Memory) Create(ctx context.Context, p model.Product) (model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.HasExternalID() {
		if owner, ok := s.byExt[*p.ExternalID]; ok && owner != p.ID {
			return model.Product{}, fmt.Errorf("%w to %s", ErrExternalIDTaken, owner)
		}
		s.byExt[*p.ExternalID] = p.ID
	}
	p.StockQuantity = clampStock(p.ID, p.StockQuantity)
	p.UpdatedAt = s.now().UTC()
	s.m[p.ID] = productState{p: clone(p)}
	return clone(p), nil
}

// UpsertByExternalID inserts p, or overwrites the catalog fields of the product
// already linked to p's external id. It is idempotent, so retries are safe.
func (s *Memory) UpsertByExternalID(ctx context.Context, p model.Product) (model.Product, error) {
	if !p.HasExternalID() {
		return model.Product{}, ErrMissingExternalID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ext := *p.ExternalID
	if id, ok := s.byExt[ext]; ok {
		st := s.m[id]
		st.p.Name = p.Name
		st.p.Description = p.Description
		st.p.Price = p.Price
		st.p.StockQuantity = clampStock(id, p.StockQuantity)
		st.p.SKU = p.SKU
		st.p.Active = p.Active
		st.p.UpdatedAt = s.now().UTC()
		s.m[id] = st
		return clone(st.p), nil
	}
	// new entry
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.StockQuantity = clampStock(p.ID, p.StockQuantity)
	p.UpdatedAt = s.now().UTC()
	s.m[p.ID] = productState{p: clone(p)}
	s.byExt[ext] = p.ID
	return clone(p), nil
}

// SetStockByExternalID overwrites the stock of a linked product.
func (s *Memory) SetStockByExternalID(ctx context.Context, externalID string, stock int64) (model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExt[externalID]
	if !ok {
		return model.Product{}, ErrNotFound
	}
	st := s.m[id]
	st.p.StockQuantity = clampStock(id, stock)
	st.p.UpdatedAt = s.now().UTC()
	s.m[id] = st
	return clone(st.p), nil
}

// Deactivate hides a product without deleting it, so order history keeps resolving.
func (s *Memory) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[id]
	if !ok {
		return ErrNotFound
	}
	st.p.Active = false
	st.p.UpdatedAt = s.now().UTC()
	s.m[id] = st
	return nil
}

func (s *Memory) Ping(ctx context.Context) error { return nil }

func clone(p model.Product) model.Product {
	if p.ExternalID != nil {
		ext := *p.ExternalID
		p.ExternalID = &ext
	}
	return p
}

// clampStock enforces the non-negative stock invariant and flags violations.
func clampStock(id string, stock int64) int64 {
	if stock < 0 {
		obs.Logger.Warn("stock_clamped", "product_id", id, "requested", stock)
		return 0
	}
	return stock
}
