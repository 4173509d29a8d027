package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/midastechnical/storefront-sync/internal/model"
)

func ext(s string) *string { return &s }

func linked(extID, name, price string, stock int64) model.Product {
	return model.Product{
		Name:          name,
		Price:         decimal.RequireFromString(price),
		StockQuantity: stock,
		ExternalID:    ext(extID),
		Active:        true,
	}
}

func TestUpsertByExternalIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	first, err := s.UpsertByExternalID(ctx, linked("rd-1", "LCD", "10.00", 5))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second, err := s.UpsertByExternalID(ctx, linked("rd-1", "LCD v2", "12.00", 4))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same row, got %s and %s", first.ID, second.ID)
	}
	got, ok, _ := s.GetByExternalID(ctx, "rd-1")
	if !ok || got.Name != "LCD v2" || got.StockQuantity != 4 || got.Price.String() != "12" {
		t.Fatalf("unexpected: %+v", got)
	}
	n, _ := s.Count(ctx)
	if n != 1 {
		t.Fatalf("expected 1 product, got %d", n)
	}
}

func TestUpsertRequiresExternalID(t *testing.T) {
	_, err := New().UpsertByExternalID(context.Background(), model.Product{Name: "local"})
	if !errors.Is(err, ErrMissingExternalID) {
		t.Fatalf("expected ErrMissingExternalID, got %v", err)
	}
}

func TestStockNeverNegative(t *testing.T) {
	ctx := context.Background()
	s := New()
	p, _ := s.UpsertByExternalID(ctx, linked("rd-2", "Battery", "3", -4))
	if p.StockQuantity != 0 {
		t.Fatalf("expected clamp to 0, got %d", p.StockQuantity)
	}
	p, err := s.SetStockByExternalID(ctx, "rd-2", -40)
	if err != nil {
		t.Fatalf("set stock: %v", err)
	}
	if p.StockQuantity != 0 {
		t.Fatalf("expected clamp to 0, got %d", p.StockQuantity)
	}
	if _, err := s.SetStockByExternalID(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRejectsDuplicateExternalID(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.Create(ctx, linked("rd-3", "A", "1", 1)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(ctx, linked("rd-3", "B", "1", 1)); !errors.Is(err, ErrExternalIDTaken) {
		t.Fatalf("expected ErrExternalIDTaken, got %v", err)
	}
	local, err := s.Create(ctx, model.Product{Name: "Local only", Price: decimal.NewFromInt(2), Active: true})
	if err != nil || local.ID == "" {
		t.Fatalf("create local: %v %+v", err, local)
	}
	all, _ := s.List(ctx)
	linkedOnly, _ := s.ListLinked(ctx)
	if len(all) != 2 || len(linkedOnly) != 1 {
		t.Fatalf("list sizes: all=%d linked=%d", len(all), len(linkedOnly))
	}
}

func TestDeactivateKeepsRow(t *testing.T) {
	ctx := context.Background()
	s := New()
	p, _ := s.UpsertByExternalID(ctx, linked("rd-4", "Frame", "8", 2))
	if err := s.Deactivate(ctx, p.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, ok, _ := s.Get(ctx, p.ID)
	if !ok || got.Active {
		t.Fatalf("expected inactive row, got %+v ok=%v", got, ok)
	}
	if err := s.Deactivate(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReturnedProductsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	p, _ := s.UpsertByExternalID(ctx, linked("rd-5", "Cam", "1", 1))
	*p.ExternalID = "tampered"
	if _, ok, _ := s.GetByExternalID(ctx, "rd-5"); !ok {
		t.Fatalf("store state leaked through returned pointer")
	}
}

func TestConcurrentUpsertsKeepOneRowPerExternalID(t *testing.T) {
	ctx := context.Background()
	s := New()
	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.UpsertByExternalID(ctx, linked(fmt.Sprintf("rd-%d", i%10), "P", "1", int64(i)))
		}(i)
	}
	wg.Wait()
	all, _ := s.ListLinked(ctx)
	if len(all) != 10 {
		t.Fatalf("expected 10 rows, got %d", len(all))
	}
	seen := map[string]bool{}
	for _, p := range all {
		if seen[*p.ExternalID] {
			t.Fatalf("duplicate external id %s", *p.ExternalID)
		}
		seen[*p.ExternalID] = true
	}
}
