package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/midastechnical/storefront-sync/internal/obs"
)

// ErrItemNotFound is returned by SetQuantity for a product that is not in the cart.
var ErrItemNotFound = errors.New("cart item not found")

// Store owns one session's line items and persists the whole cart after every
// mutation, before returning. Each mutation is applied to a copy which only
// replaces the in-memory state once the backend accepted it.
//
// A Store is safe for concurrent use, but two Stores over the same backend key
// (two browser tabs, two server replicas) are not coordinated: the last Save wins.
type Store struct {
	mu      sync.Mutex
	backend Backend
	items   []LineItem
}

// NewStore returns an empty store over b. Call Load to read the persisted cart.
func NewStore(b Backend) *Store {
	return &Store{backend: b}
}

// Load reads the persisted cart. A value that fails to parse or fails its
// integrity check is logged and replaced by an empty cart; only backend I/O
// failures are returned, so an unreachable backend never wipes a stored cart.
func (s *Store) Load(ctx context.Context) ([]LineItem, error) {
	raw, err := s.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	items, err := decodeItems(raw)
	if err != nil {
		obs.Logger.Warn("cart_load_corrupt", "error", err, "bytes", len(raw))
		items = nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = items
	return cloneItems(items), nil
}

// Items returns a copy of the current line items in insertion order.
func (s *Store) Items() []LineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneItems(s.items)
}

// Add merges item into the cart. An existing line for the same product has its
// quantity increased; otherwise the item is appended. Quantity defaults to 1.
// A line may not grow past MaxQuantity; such an add is rejected and the cart
// is left as it was.
func (s *Store) Add(ctx context.Context, item LineItem) error {
	if item.Quantity <= 0 {
		item.Quantity = 1
	}
	if item.Quantity > MaxQuantity {
		return tooMany()
	}
	return s.mutate(ctx, func(items []LineItem) ([]LineItem, error) {
		if i := indexOf(items, item.ProductID); i >= 0 {
			if items[i].Quantity > MaxQuantity-item.Quantity {
				return nil, tooMany()
			}
			items[i].Quantity += item.Quantity
			return items, nil
		}
		return append(items, item), nil
	})
}

// SetQuantity sets a line's quantity; qty <= 0 removes the line and qty above
// MaxQuantity is rejected.
func (s *Store) SetQuantity(ctx context.Context, productID string, qty int) error {
	if qty > MaxQuantity {
		return tooMany()
	}
	return s.mutate(ctx, func(items []LineItem) ([]LineItem, error) {
		i := indexOf(items, productID)
		if qty <= 0 {
			if i < 0 {
				return items, nil
			}
			return append(items[:i], items[i+1:]...), nil
		}
		if i < 0 {
			return nil, ErrItemNotFound
		}
		items[i].Quantity = qty
		return items, nil
	})
}

// Remove deletes a line. Removing an absent product is not an error.
func (s *Store) Remove(ctx context.Context, productID string) error {
	return s.SetQuantity(ctx, productID, 0)
}

// Clear empties the cart and persists the empty state.
func (s *Store) Clear(ctx context.Context) error {
	return s.mutate(ctx, func([]LineItem) ([]LineItem, error) {
		return []LineItem{}, nil
	})
}

// PriceSource resolves the authoritative unit price of a product.
type PriceSource interface {
	UnitPrice(ctx context.Context, productID string) (decimal.Decimal, bool, error)
}

// Reprice replaces unit prices that drifted from the catalog and returns the
// affected product ids. Products unknown to the catalog keep their price.
func (s *Store) Reprice(ctx context.Context, src PriceSource) ([]string, error) {
	var changed []string
	err := s.mutate(ctx, func(items []LineItem) ([]LineItem, error) {
		changed = changed[:0]
		for i := range items {
			price, ok, err := src.UnitPrice(ctx, items[i].ProductID)
			if err != nil {
				return nil, err
			}
			if ok && !price.Equal(items[i].UnitPrice) {
				items[i].UnitPrice = price
				changed = append(changed, items[i].ProductID)
			}
		}
		if len(changed) == 0 {
			return nil, errUnchanged
		}
		return items, nil
	})
	if errors.Is(err, errUnchanged) {
		return nil, nil
	}
	return changed, err
}

var errUnchanged = errors.New("unchanged")

func (s *Store) mutate(ctx context.Context, fn func([]LineItem) ([]LineItem, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := fn(cloneItems(s.items))
	if err != nil {
		return err
	}
	data, err := encodeItems(next)
	if err != nil {
		return err
	}
	if err := s.backend.Save(ctx, data); err != nil {
		return fmt.Errorf("persist cart: %w", err)
	}
	s.items = next
	return nil
}
