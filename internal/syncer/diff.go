package syncer

import (
	"context"

	"github.com/midastechnical/storefront-sync/internal/model"
	"github.com/midastechnical/storefront-sync/internal/obs"
)

type changeKind int

const (
	changeInsert changeKind = iota
	changeUpdate
)

type change struct {
	kind   changeKind
	remote model.RemoteItem
	local  model.Product // zero for inserts
}

// product is the row to upsert. Updates keep the local id and any local-only
// fields; a retired product that reappears remotely is reactivated.
func (c change) product() model.Product {
	p := c.local
	if c.kind == changeInsert {
		p = model.Product{}
	}
	ext := c.remote.ID
	p.ExternalID = &ext
	p.Name = c.remote.Name
	p.Description = c.remote.Description
	p.Price = c.remote.Price
	p.StockQuantity = c.remote.InStock
	p.SKU = c.remote.SKU
	p.Active = true
	return p
}

type plan struct {
	changes    []change
	unchanged  int
	duplicates []string
}

// diff matches remote items to local products by external id. Local products
// with no remote counterpart are left alone.
func (e *Engine) diff(ctx context.Context, remote []model.RemoteItem) (plan, error) {
	locals, err := e.products.ListLinked(ctx)
	if err != nil {
		return plan{}, err
	}
	byExt := make(map[string]model.Product, len(locals))
	for _, p := range locals {
		byExt[*p.ExternalID] = p
	}

	var p plan
	seen := make(map[string]struct{}, len(remote))
	for _, it := range remote {
		if _, dup := seen[it.ID]; dup {
			p.duplicates = append(p.duplicates, it.ID)
			obs.Logger.Warn("sync_remote_duplicate", "external_id", it.ID)
			continue
		}
		seen[it.ID] = struct{}{}

		local, ok := byExt[it.ID]
		switch {
		case !ok:
			p.changes = append(p.changes, change{kind: changeInsert, remote: it})
		case differs(local, it):
			p.changes = append(p.changes, change{kind: changeUpdate, remote: it, local: local})
		default:
			p.unchanged++
		}
	}
	return p, nil
}

// differs compares the fields the remote is authoritative for. Remote stock
// below zero is compared as zero since that is what would be stored.
func differs(local model.Product, remote model.RemoteItem) bool {
	stock := remote.InStock
	if stock < 0 {
		stock = 0
	}
	return local.Name != remote.Name ||
		!local.Price.Equal(remote.Price) ||
		local.StockQuantity != stock ||
		!local.Active
}
