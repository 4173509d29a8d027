// Package maintenance holds the operator tasks run by the scheduler and by the
// midas-maintenance command: inventory sync, backups, a configuration security
// audit and a latency probe.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/midastechnical/storefront-sync/internal/config"
	"github.com/midastechnical/storefront-sync/internal/model"
	"github.com/midastechnical/storefront-sync/internal/obs"
	"github.com/midastechnical/storefront-sync/internal/scheduler"
	"github.com/midastechnical/storefront-sync/internal/syncer"
)

// Task names accepted by ByName and the command line.
const (
	TaskRepairDesk  = "repairdesk"
	TaskBackup      = "backup"
	TaskSecurity    = "security"
	TaskPerformance = "performance"
	TaskAll         = "all"
)

// Names lists every task in the order "all" runs them.
var Names = []string{TaskRepairDesk, TaskBackup, TaskSecurity, TaskPerformance}

// ErrUnknownTask is returned by ByName.
var ErrUnknownTask = errors.New("unknown maintenance task")

// Puller runs an inventory pull.
type Puller interface {
	Pull(ctx context.Context, trigger string) (model.SyncRun, error)
}

// Catalog is the local product table.
type Catalog interface {
	List(ctx context.Context) ([]model.Product, error)
	Ping(ctx context.Context) error
}

// RunHistory is the sync run log.
type RunHistory interface {
	Recent(ctx context.Context, n int) ([]model.SyncRun, error)
}

// InventoryProbe is the RepairDesk call used to measure remote latency.
type InventoryProbe interface {
	ListInventory(ctx context.Context, page, pageSize int) ([]model.RemoteItem, error)
}

// Tasks binds the maintenance tasks to their collaborators.
type Tasks struct {
	puller   Puller
	products Catalog
	runs     RunHistory
	remote   InventoryProbe
	rd       config.RepairDesk
	cfg      config.Maintenance
	now      func() time.Time
}

func New(puller Puller, products Catalog, runs RunHistory, remote InventoryProbe, rd config.RepairDesk, cfg config.Maintenance) *Tasks {
	return &Tasks{puller: puller, products: products, runs: runs, remote: remote, rd: rd, cfg: cfg, now: time.Now}
}

// ByName returns the task for a command line or scheduler name.
func (t *Tasks) ByName(name string) (scheduler.Task, error) {
	switch name {
	case TaskRepairDesk:
		return t.RepairDesk, nil
	case TaskBackup:
		return t.Backup, nil
	case TaskSecurity:
		return t.Security, nil
	case TaskPerformance:
		return t.Performance, nil
	case TaskAll:
		return t.All, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
}

// RepairDesk runs one inventory pull. Item-level failures are reported but
// do not fail the task; a FAILED run does. A pull already in progress
// elsewhere makes this a skip.
func (t *Tasks) RepairDesk(ctx context.Context) error {
	run, err := t.puller.Pull(ctx, "maintenance")
	if errors.Is(err, syncer.ErrRunInProgress) {
		return fmt.Errorf("%w: %w", scheduler.ErrSkip, err)
	}
	if err != nil {
		return err
	}
	if run.ItemsFailed > 0 {
		obs.Logger.Warn("maintenance_sync_partial", "run_id", run.ID, "items_failed", run.ItemsFailed)
	}
	return nil
}

// All runs every task in order, continuing past failures, and fails if any did.
func (t *Tasks) All(ctx context.Context) error {
	var errs []error
	for _, name := range Names {
		task, _ := t.ByName(name)
		start := t.now()
		err := task(ctx)
		obs.Logger.Info("maintenance_step", "task", name, "ok", err == nil, "duration_ms", t.now().Sub(start).Milliseconds())
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
