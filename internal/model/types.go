// Package model defines domain types shared by the cart, the product store and the sync engine.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the local, authoritative copy of a catalog item.
type Product struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int64           `json:"stock_quantity"`
	SKU           string          `json:"sku"`
	ExternalID    *string         `json:"external_id,omitempty"`
	Active        bool            `json:"active"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// HasExternalID reports whether the product is linked to a remote inventory item.
func (p Product) HasExternalID() bool { return p.ExternalID != nil && *p.ExternalID != "" }

// RemoteItem is one inventory record as reported by RepairDesk.
type RemoteItem struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	InStock     int64           `json:"in_stock"`
	SKU         string          `json:"sku"`
	Description string          `json:"description"`
}

// SyncSource tells whether a run pulled from or pushed to the remote inventory.
type SyncSource string

const (
	SourcePull SyncSource = "pull"
	SourcePush SyncSource = "push"
)

// SyncState is a step of the pull state machine.
type SyncState string

const (
	StateIdle      SyncState = "IDLE"
	StatePulling   SyncState = "PULLING"
	StateDiffing   SyncState = "DIFFING"
	StateApplying  SyncState = "APPLYING"
	StateCompleted SyncState = "COMPLETED"
	StateFailed    SyncState = "FAILED"
)

// SyncError records why one remote item could not be reconciled.
type SyncError struct {
	ExternalID string `json:"external_id"`
	Reason     string `json:"reason"`
}

// SyncRun is the outcome record of one pull or push pass.
// Once finalized it is never mutated.
type SyncRun struct {
	ID             string      `json:"id"`
	Source         SyncSource  `json:"source"`
	Trigger        string      `json:"trigger,omitempty"`
	State          SyncState   `json:"state"`
	StartedAt      time.Time   `json:"started_at"`
	FinishedAt     time.Time   `json:"finished_at,omitzero"`
	PagesFetched   int         `json:"pages_fetched"`
	ItemsSeen      int         `json:"items_seen"`
	ItemsInserted  int         `json:"items_inserted"`
	ItemsUpdated   int         `json:"items_updated"`
	ItemsUnchanged int         `json:"items_unchanged"`
	ItemsProcessed int         `json:"items_processed"`
	ItemsFailed    int         `json:"items_failed"`
	Errors         []SyncError `json:"errors"`
	FailureReason  string      `json:"failure_reason,omitempty"`
}

// Finalized reports whether the run reached a terminal state.
func (r SyncRun) Finalized() bool {
	return r.State == StateCompleted || r.State == StateFailed
}

// SaleLine is one sold product of a completed order.
type SaleLine struct {
	ExternalID string `json:"external_id"`
	Quantity   int64  `json:"quantity"`
}

// SaleEvent is a completed order whose stock must be pushed back to RepairDesk.
type SaleEvent struct {
	ID       string     `json:"id"`
	OrderID  string     `json:"order_id"`
	Lines    []SaleLine `json:"lines"`
	Sequence uint64     `json:"-"`
}
